package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/storage"
)

// transition is a driver-initiated status step.
type transition struct {
	from, to models.TripStatus
	event    string
	patch    func(now time.Time) models.TripPatch
	// extra runs inside the tx after the claim.
	extra func(ctx context.Context, tx storage.Tx, t models.Trip, now time.Time) error
}

// driverStep loads the trip, checks the caller is its driver and applies tr.
// The returned trip reflects the committed state.
func (s *Service) driverStep(ctx context.Context, driverID, tripID string, tr transition) (models.Trip, error) {
	t, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := requireDriver(t, driverID); err != nil {
		return models.Trip{}, err
	}
	if err := requireStatus(t, tr.from); err != nil {
		return models.Trip{}, err
	}

	now := s.clock.Now()
	patch := models.TripPatch{Status: tr.to, UpdatedAt: now}
	if tr.patch != nil {
		patch = tr.patch(now)
		patch.Status = tr.to
		patch.UpdatedAt = now
	}
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.UpdateTripIf(ctx, t.ID, tr.from, patch)
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		if err := tx.AppendEvent(ctx, s.event(t.ID, driverID, tr.event, nil, now)); err != nil {
			return err
		}
		if tr.extra != nil {
			return tr.extra(ctx, tx, t, now)
		}
		return nil
	})
	if err != nil {
		if isClaimLost(err) {
			return models.Trip{}, err
		}
		return models.Trip{}, fmt.Errorf("%s: %w", tr.event, err)
	}
	patch.Apply(&t)
	s.logger.Info("trip status changed", "trip_id", t.ID, "driver_id", driverID, "from", tr.from, "to", tr.to)
	return t, nil
}

func (s *Service) DriverEnRoute(ctx context.Context, driverID, tripID string) (models.Trip, error) {
	t, err := s.driverStep(ctx, driverID, tripID, transition{
		from:  models.StatusMatched,
		to:    models.StatusDriverEnRoute,
		event: "trip.driver.en_route",
	})
	if err != nil {
		return models.Trip{}, err
	}
	var out outbox
	out.add("trip.driver.en_route", tripPayload(t), dispatch.Trip(t.ID), dispatch.User(t.PassengerID))
	s.flush(ctx, out)
	return t, nil
}

// DriverArrived issues the pickup passcode. Only the passenger's own audience
// ever sees the plaintext.
func (s *Service) DriverArrived(ctx context.Context, driverID, tripID string) (models.Trip, error) {
	var code string
	var rec models.OtpRecord
	t, err := s.driverStep(ctx, driverID, tripID, transition{
		from:  models.StatusDriverEnRoute,
		to:    models.StatusOtpPending,
		event: "trip.arrived",
		extra: func(ctx context.Context, tx storage.Tx, t models.Trip, now time.Time) error {
			var err error
			code, rec, err = s.otp.Issue(t.ID, now)
			if err != nil {
				return err
			}
			if err := tx.UpsertOTP(ctx, rec); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, s.event(t.ID, "", "trip.otp.generated", map[string]any{
				"expires_at": rec.ExpiresAt,
			}, now))
		},
	})
	if err != nil {
		return models.Trip{}, err
	}
	var out outbox
	out.add("trip.arrived", tripPayload(t), dispatch.Trip(t.ID))
	out.add("trip.otp.generated", map[string]any{
		"trip_id":    t.ID,
		"code":       code,
		"expires_at": rec.ExpiresAt,
	}, dispatch.User(t.PassengerID))
	s.flush(ctx, out)
	return t, nil
}

// VerifyOtp checks the passenger's passcode as typed by the driver and starts
// the ride on a match. A mismatch burns one attempt.
func (s *Service) VerifyOtp(ctx context.Context, driverID, tripID, code string) (models.Trip, error) {
	t, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := requireDriver(t, driverID); err != nil {
		return models.Trip{}, err
	}
	if err := requireStatus(t, models.StatusOtpPending); err != nil {
		return models.Trip{}, err
	}
	if !otp.WellFormed(code) {
		return models.Trip{}, fmt.Errorf("%w: code must be 6 digits", apperrors.ErrValidation)
	}

	rec, err := s.repo.GetOTP(ctx, t.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return models.Trip{}, fmt.Errorf("%w: no code issued for trip %s", apperrors.ErrOtpInvalid, t.ID)
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("load code: %w", err)
	}

	now := s.clock.Now()
	if err := s.otp.Check(rec, code, now); err != nil {
		if !errors.Is(err, apperrors.ErrOtpInvalid) {
			return models.Trip{}, err
		}
		attempts, counted, ierr := s.repo.IncrementOTPAttempts(ctx, t.ID, s.otp.MaxAttempts)
		if ierr != nil {
			return models.Trip{}, fmt.Errorf("count attempt: %w", ierr)
		}
		if !counted {
			return models.Trip{}, fmt.Errorf("%w: %d attempts used", apperrors.ErrOtpAttemptsExceeded, attempts)
		}
		s.logger.Info("pickup code rejected", "trip_id", t.ID, "attempts", attempts)
		return models.Trip{}, fmt.Errorf("%w: %d of %d attempts used", apperrors.ErrOtpInvalid, attempts, s.otp.MaxAttempts)
	}

	patch := models.TripPatch{Status: models.StatusInProgress, StartedAt: &now, UpdatedAt: now}
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.UpdateTripIf(ctx, t.ID, models.StatusOtpPending, patch)
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		if err := tx.MarkOTPVerified(ctx, t.ID, now); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, s.event(t.ID, driverID, "trip.started", nil, now))
	})
	if err != nil {
		if isClaimLost(err) {
			return models.Trip{}, err
		}
		return models.Trip{}, fmt.Errorf("start trip: %w", err)
	}
	patch.Apply(&t)

	var out outbox
	out.add("trip.started", tripPayload(t), dispatch.Trip(t.ID), dispatch.User(t.PassengerID))
	s.flush(ctx, out)
	s.logger.Info("trip started", "trip_id", t.ID, "driver_id", driverID)
	return t, nil
}
