// Package eligibility reads the driver restrictions the score service
// publishes, so a blocked driver cannot go online.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

type Result struct {
	Blocked bool `json:"blocked"`
	Limited bool `json:"limited"`
}

// Getter is the redis subset the checker reads with.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis looks up driver:restriction:<id>, whose value is BLOCKED or LIMITED.
// A missing key means unrestricted.
type Redis struct {
	client Getter
}

func NewRedis(client Getter) *Redis { return &Redis{client: client} }

func Key(driverID string) string { return "driver:restriction:" + driverID }

func (r *Redis) Check(ctx context.Context, driverID string) (Result, error) {
	v, err := r.client.Get(ctx, Key(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("eligibility %s: %w", driverID, err)
	}
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BLOCKED":
		return Result{Blocked: true}, nil
	case "LIMITED":
		return Result{Limited: true}, nil
	}
	return Result{}, nil
}

// AllowAll is used when no score service is wired.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (Result, error) { return Result{}, nil }
