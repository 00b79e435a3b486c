// Package otp issues and checks the pickup passcode a passenger reads to the
// driver. Only the sha256 of a code is ever stored.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

const codeLen = 6

type Policy struct {
	TTL         time.Duration `koanf:"ttl"`
	MaxAttempts int           `koanf:"max_attempts"`
}

func DefaultPolicy() Policy {
	return Policy{TTL: 10 * time.Minute, MaxAttempts: 5}
}

// Generate draws a uniform code in 000000..999999.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue returns the plaintext code and a fresh record for tripID. The record
// replaces any previous one, resetting attempts.
func (p Policy) Issue(tripID string, now time.Time) (string, models.OtpRecord, error) {
	code, err := Generate()
	if err != nil {
		return "", models.OtpRecord{}, err
	}
	return code, models.OtpRecord{
		TripID:    tripID,
		CodeHash:  Hash(code),
		ExpiresAt: now.Add(p.TTL),
		CreatedAt: now,
	}, nil
}

// WellFormed reports whether code is exactly six ASCII digits.
func WellFormed(code string) bool {
	if len(code) != codeLen {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Check applies the verification rules in order: expiry, attempt cap, then
// hash comparison. It does not count the attempt; the caller persists that.
func (p Policy) Check(rec models.OtpRecord, code string, now time.Time) error {
	if now.After(rec.ExpiresAt) {
		return fmt.Errorf("%w: code expired at %s", apperrors.ErrOtpExpired, rec.ExpiresAt.Format(time.RFC3339))
	}
	if rec.Attempts >= p.MaxAttempts {
		return fmt.Errorf("%w: %d attempts used", apperrors.ErrOtpAttemptsExceeded, rec.Attempts)
	}
	if subtle.ConstantTimeCompare([]byte(Hash(code)), []byte(rec.CodeHash)) != 1 {
		return apperrors.ErrOtpInvalid
	}
	return nil
}
