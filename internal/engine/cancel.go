package engine

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/storage"
)

// CancelPenalty classifies a cancellation for the score service from the
// status the trip was in. The reason travels separately in the outcome; any
// waiver based on it belongs to the score service.
func CancelPenalty(by string, from models.TripStatus) models.Penalty {
	switch by {
	case models.ActorPassenger:
		switch from {
		case models.StatusDriverEnRoute:
			return models.PenaltyLight
		case models.StatusMatched:
			return models.PenaltyModerate
		}
	case models.ActorDriver:
		if from == models.StatusDriverEnRoute {
			return models.PenaltyStrong
		}
	}
	return models.PenaltyNone
}

func (s *Service) CancelPassenger(ctx context.Context, passengerID, tripID string, reason models.CancelReason) (models.Trip, error) {
	return s.cancel(ctx, models.ActorPassenger, passengerID, tripID, reason)
}

func (s *Service) CancelDriver(ctx context.Context, driverID, tripID string, reason models.CancelReason) (models.Trip, error) {
	return s.cancel(ctx, models.ActorDriver, driverID, tripID, reason)
}

func (s *Service) cancel(ctx context.Context, by, actorID, tripID string, reason models.CancelReason) (models.Trip, error) {
	if !reason.Valid() {
		return models.Trip{}, fmt.Errorf("%w: unknown cancel reason %q", apperrors.ErrValidation, reason)
	}
	t, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	target := models.StatusCancelledByPass
	if by == models.ActorDriver {
		target = models.StatusCancelledByDrv
		err = requireDriver(t, actorID)
	} else {
		err = requirePassenger(t, actorID)
	}
	if err != nil {
		return models.Trip{}, err
	}
	from := t.Status
	if from.IsTerminal() || !models.CanTransition(from, target) {
		return models.Trip{}, fmt.Errorf("%w: trip %s is %s", apperrors.ErrInvalidTransition, t.ID, from)
	}
	if from == models.StatusInProgress && reason != models.ReasonSafety {
		return models.Trip{}, fmt.Errorf("%w: a ride in progress can only be cancelled for safety", apperrors.ErrInvalidTransition)
	}

	penalty := CancelPenalty(by, from)
	now := s.clock.Now()
	patch := models.TripPatch{
		Status:       target,
		CancelledAt:  &now,
		CancelReason: &reason,
		CancelledBy:  &by,
		UpdatedAt:    now,
	}
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.UpdateTripIf(ctx, t.ID, from, patch)
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		if from == models.StatusBidding {
			if _, err := tx.RejectPendingBids(ctx, t.ID, ""); err != nil {
				return err
			}
		}
		return tx.AppendEvent(ctx, s.event(t.ID, actorID, "trip.cancelled", map[string]any{
			"by":          by,
			"reason":      reason,
			"penalty":     penalty,
			"from_status": from,
		}, now))
	})
	if err != nil {
		if isClaimLost(err) {
			return models.Trip{}, err
		}
		return models.Trip{}, fmt.Errorf("cancel trip: %w", err)
	}
	patch.Apply(&t)
	observability.TripsFinished.WithLabelValues(string(target)).Inc()
	if t.DriverID != "" {
		s.throttle.Forget(safety.ThrottleKey(t.ID, t.DriverID))
	}

	p := tripPayload(t)
	p["by"] = by
	p["reason"] = reason
	p["penalty"] = penalty
	p["from_status"] = from
	audiences := []dispatch.Audience{dispatch.Trip(t.ID)}
	if by == models.ActorPassenger && t.DriverID != "" {
		audiences = append(audiences, dispatch.Driver(t.DriverID))
	}
	if by == models.ActorDriver {
		audiences = append(audiences, dispatch.User(t.PassengerID))
	}
	if reason == models.ReasonSafety {
		audiences = append(audiences, dispatch.Ops())
	}
	var out outbox
	out.add("trip.cancelled", p, audiences...)
	s.flush(ctx, out)

	if s.outcomes != nil {
		outcome := outcomeOf(t, from, now)
		outcome.Penalty = penalty
		if err := s.outcomes.TripCancelled(ctx, outcome); err != nil {
			s.logger.Warn("outcome hook failed", "trip_id", t.ID, "error", err)
		}
	}
	s.logger.Info("trip cancelled", "trip_id", t.ID, "by", by, "reason", reason, "penalty", penalty, "from", from)
	return t, nil
}
