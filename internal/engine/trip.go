package engine

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/storage"
)

type LocationInput struct {
	DriverID string   `json:"-"`
	TripID   string   `json:"-"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
}

// TrackLocation stores one driver ping, folds it into the safety monitor and
// forwards it to the trip room. Pings closer than the throttle interval are
// refused with a rate-limit error.
func (s *Service) TrackLocation(ctx context.Context, in LocationInput) (models.LocationPing, error) {
	t, err := s.loadTrip(ctx, in.TripID)
	if err != nil {
		return models.LocationPing{}, err
	}
	if err := requireDriver(t, in.DriverID); err != nil {
		return models.LocationPing{}, err
	}
	if err := requireStatus(t, models.StatusDriverEnRoute, models.StatusInProgress); err != nil {
		return models.LocationPing{}, err
	}
	if err := validCoords(in.Lat, in.Lng); err != nil {
		return models.LocationPing{}, err
	}

	now := s.clock.Now()
	undo, ok := s.throttle.Take(safety.ThrottleKey(t.ID, in.DriverID), now)
	if !ok {
		observability.LocationThrottled.Inc()
		return models.LocationPing{}, fmt.Errorf("%w: one location per %s", apperrors.ErrRateLimited, s.monitor.Config().ThrottleInterval)
	}

	pt := models.Coord{Lat: in.Lat, Lon: in.Lng}
	ping := models.LocationPing{
		ID:        uuid.NewString(),
		TripID:    t.ID,
		ActorID:   in.DriverID,
		ActorRole: models.ActorDriver,
		Loc:       pt,
		Speed:     in.Speed,
		Heading:   in.Heading,
		CreatedAt: now,
	}
	var alerts []safety.Alert
	var zone string
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.LockTrip(ctx, t.ID)
		if err != nil {
			return err
		}
		if err := requireStatus(cur, models.StatusDriverEnRoute, models.StatusInProgress); err != nil {
			return err
		}
		st, _, err := tx.GetSafetyState(ctx, t.ID)
		if err != nil {
			return err
		}
		st.TripID = t.ID
		st, alerts = s.monitor.Observe(st, pt, now, cur.Status == models.StatusInProgress)
		zone = st.Zone
		if err := tx.InsertLocation(ctx, ping); err != nil {
			return err
		}
		if err := tx.SaveSafetyState(ctx, st); err != nil {
			return err
		}
		for _, a := range alerts {
			if err := tx.AppendEvent(ctx, s.event(t.ID, "", a.Kind, a.Payload, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		undo()
		return models.LocationPing{}, fmt.Errorf("track location: %w", err)
	}

	update := map[string]any{
		"trip_id":   t.ID,
		"driver_id": in.DriverID,
		"lat":       in.Lat,
		"lng":       in.Lng,
		"at":        now,
	}
	if in.Speed != nil {
		update["speed"] = *in.Speed
	}
	if in.Heading != nil {
		update["heading"] = *in.Heading
	}
	if zone != "" {
		update["zone"] = zone
	}
	var out outbox
	out.add("trip.location.update", update, dispatch.Trip(t.ID))
	s.flush(ctx, out)
	if len(alerts) > 0 {
		s.raise(ctx, alerts)
	}
	return ping, nil
}

// CompleteTrip ends an in-progress ride. Downstream score and payment
// services are told after commit; their failures are logged only.
func (s *Service) CompleteTrip(ctx context.Context, driverID, tripID string) (models.Trip, error) {
	t, err := s.driverStep(ctx, driverID, tripID, transition{
		from:  models.StatusInProgress,
		to:    models.StatusCompleted,
		event: "trip.completed",
		patch: func(now time.Time) models.TripPatch { return models.TripPatch{CompletedAt: &now} },
	})
	if err != nil {
		return models.Trip{}, err
	}
	observability.TripsFinished.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.throttle.Forget(safety.ThrottleKey(t.ID, driverID))

	var out outbox
	out.add("trip.completed", tripPayload(t), dispatch.Trip(t.ID), dispatch.User(t.PassengerID))
	s.flush(ctx, out)

	outcome := outcomeOf(t, models.StatusInProgress, *t.CompletedAt)
	if s.outcomes != nil {
		if err := s.outcomes.TripCompleted(ctx, outcome); err != nil {
			s.logger.Warn("outcome hook failed", "trip_id", t.ID, "error", err)
		}
	}
	if s.settlement != nil && outcome.PriceFinal > 0 {
		ref, err := s.settlement.Settle(ctx, outcome)
		if err != nil {
			s.logger.Warn("settlement failed", "trip_id", t.ID, "error", err)
		} else {
			s.logger.Info("trip settled", "trip_id", t.ID, "payment_ref", ref)
		}
	}
	return t, nil
}

const maxCommentLen = 500

// RateTrip records the passenger's rating of a completed trip, once.
func (s *Service) RateTrip(ctx context.Context, passengerID, tripID string, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be within [1, 5]", apperrors.ErrValidation)
	}
	if utf8.RuneCountInString(comment) > maxCommentLen {
		return fmt.Errorf("%w: comment longer than %d characters", apperrors.ErrValidation, maxCommentLen)
	}
	t, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if err := requirePassenger(t, passengerID); err != nil {
		return err
	}
	if err := requireStatus(t, models.StatusCompleted); err != nil {
		return err
	}

	now := s.clock.Now()
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockTrip(ctx, t.ID); err != nil {
			return err
		}
		n, err := tx.CountEvents(ctx, t.ID, "trip.rated")
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: already rated", apperrors.ErrValidation)
		}
		payload := map[string]any{"rating": rating, "driver_id": t.DriverID}
		if comment != "" {
			payload["comment"] = comment
		}
		return tx.AppendEvent(ctx, s.event(t.ID, passengerID, "trip.rated", payload, now))
	})
	if err != nil {
		return err
	}
	s.logger.Info("trip rated", "trip_id", t.ID, "rating", rating)
	return nil
}
