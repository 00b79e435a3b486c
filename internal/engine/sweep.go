package engine

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/storage"
)

// SweepResult counts what one auto-match pass did. Skipped trips were
// claimed by a concurrent writer first.
type SweepResult struct {
	Matched int `json:"matched"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type sweepOutcome int

const (
	outcomeMatched sweepOutcome = iota
	outcomeExpired
	outcomeSkipped
)

// AutoMatchExpired settles every trip whose bidding window has closed: the
// best pending bid wins, or the trip expires when there are none. One
// failing trip does not stop the pass.
func (s *Service) AutoMatchExpired(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	trips, err := s.repo.ListExpiredBidding(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, t := range trips {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.settleExpired(ctx, t, now)
		switch {
		case err != nil:
			res.Failed++
			observability.SweepFailures.Inc()
			s.logger.Error("auto-match failed", "trip_id", t.ID, "error", err)
		case outcome == outcomeMatched:
			res.Matched++
		case outcome == outcomeExpired:
			res.Expired++
		default:
			res.Skipped++
		}
	}
	if len(trips) > 0 {
		s.logger.Info("auto-match sweep", "matched", res.Matched, "expired", res.Expired, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}

func (s *Service) settleExpired(ctx context.Context, t models.Trip, now time.Time) (sweepOutcome, error) {
	bids, err := s.repo.ListBids(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	winner, ok := matcher.SelectWinner(bids, s.pricing.EtaWeight)
	if !ok {
		return s.expire(ctx, t, now)
	}

	baseline := s.baseline(ctx, t)
	var matched models.Trip
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		var err error
		matched, err = s.claimMatch(ctx, tx, t, winner, models.BidAutoSelected, baseline, now, "")
		return err
	})
	if isClaimLost(err) {
		observability.ClaimsLost.Inc()
		s.logger.Debug("auto-match claim lost", "trip_id", t.ID)
		return outcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}
	observability.MatchesTotal.WithLabelValues("auto").Inc()

	var out outbox
	out.add("trip.matched", matchPayload(matched, winner, true),
		dispatch.Trip(t.ID), dispatch.Driver(winner.DriverID), dispatch.User(t.PassengerID))
	s.flush(ctx, out)
	s.logger.Info("trip auto-matched", "trip_id", t.ID, "bid_id", winner.ID, "driver_id", winner.DriverID)
	return outcomeMatched, nil
}

func (s *Service) expire(ctx context.Context, t models.Trip, now time.Time) (sweepOutcome, error) {
	err := s.repo.InTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.UpdateTripIf(ctx, t.ID, models.StatusBidding, models.TripPatch{
			Status:    models.StatusExpiredNoDriver,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		// A bid that arrived after the listing must not stay pending.
		if _, err := tx.RejectPendingBids(ctx, t.ID, ""); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, s.event(t.ID, "", "trip.expired_no_driver", nil, now))
	})
	if isClaimLost(err) {
		observability.ClaimsLost.Inc()
		s.logger.Debug("expiry claim lost", "trip_id", t.ID)
		return outcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}
	observability.TripsExpired.Inc()
	observability.TripsFinished.WithLabelValues(string(models.StatusExpiredNoDriver)).Inc()

	t.Status = models.StatusExpiredNoDriver
	t.UpdatedAt = now
	p := tripPayload(t)
	p["reason"] = "no_driver"
	var out outbox
	out.add("trip.cancelled", p, dispatch.Trip(t.ID), dispatch.User(t.PassengerID))
	s.flush(ctx, out)
	s.logger.Info("trip expired without driver", "trip_id", t.ID)
	return outcomeExpired, nil
}

// ScanStaleTracking raises tracking_lost for in-progress trips that have gone
// quiet, once per silence.
func (s *Service) ScanStaleTracking(ctx context.Context) (int, error) {
	now := s.clock.Now()
	trips, err := s.repo.ListTripsByStatus(ctx, models.StatusInProgress, 0)
	if err != nil {
		return 0, err
	}
	raised := 0
	for _, t := range trips {
		if ctx.Err() != nil {
			break
		}
		alert, err := s.checkStale(ctx, t.ID, now)
		if err != nil {
			s.logger.Error("stale tracking check failed", "trip_id", t.ID, "error", err)
			continue
		}
		if alert == nil {
			continue
		}
		raised++
		s.raise(ctx, []safety.Alert{*alert})
	}
	if n := s.throttle.Prune(now, s.cfg.ThrottleIdle); n > 0 {
		s.logger.Debug("throttle pruned", "entries", n)
	}
	return raised, nil
}

func (s *Service) checkStale(ctx context.Context, tripID string, now time.Time) (*safety.Alert, error) {
	var alert *safety.Alert
	err := s.repo.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.LockTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if t.Status != models.StatusInProgress {
			return nil
		}
		st, _, err := tx.GetSafetyState(ctx, tripID)
		if err != nil {
			return err
		}
		st.TripID = tripID
		started := t.UpdatedAt
		if t.StartedAt != nil {
			started = *t.StartedAt
		}
		st, alert = s.monitor.CheckStale(st, started, now)
		if alert == nil {
			return nil
		}
		if err := tx.SaveSafetyState(ctx, st); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, s.event(tripID, "", alert.Kind, alert.Payload, now))
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// raise delivers committed alerts to the trip room, the ops room and the
// safety hook.
func (s *Service) raise(ctx context.Context, alerts []safety.Alert) {
	var out outbox
	for _, a := range alerts {
		observability.SafetyAlerts.WithLabelValues(a.Kind).Inc()
		out.add(a.Kind, a, dispatch.Trip(a.TripID), dispatch.Ops())
	}
	s.flush(ctx, out)
	if s.safetyHook == nil {
		return
	}
	for _, a := range alerts {
		if err := s.safetyHook.SafetyAlert(ctx, a); err != nil {
			s.logger.Warn("safety hook failed", "trip_id", a.TripID, "kind", a.Kind, "error", err)
		}
	}
}

// Run drives the auto-match sweep and the tracking-lost scan until ctx is
// done.
func (s *Service) Run(ctx context.Context) error {
	sweep := s.clock.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	scan := s.clock.NewTicker(s.monitor.Config().ScanInterval)
	defer scan.Stop()

	s.logger.Info("engine loops started", "sweep_interval", s.cfg.SweepInterval, "scan_interval", s.monitor.Config().ScanInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("engine loops stopped")
			return nil
		case <-sweep.C():
			if _, err := s.AutoMatchExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("auto-match sweep failed", "error", err)
			}
		case <-scan.C():
			if _, err := s.ScanStaleTracking(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("tracking scan failed", "error", err)
			}
		}
	}
}
