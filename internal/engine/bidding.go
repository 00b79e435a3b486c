package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type RequestTripInput struct {
	PassengerID     string                 `json:"-"`
	Origin          models.Place           `json:"origin"`
	Destination     models.Place           `json:"destination"`
	VehicleCategory models.VehicleCategory `json:"vehicle_category"`
	DistanceKm      *float64               `json:"distance_km,omitempty"`
	EtaMinutes      *float64               `json:"eta_minutes,omitempty"`
}

func (in RequestTripInput) validate() error {
	if in.PassengerID == "" {
		return fmt.Errorf("%w: passenger id required", apperrors.ErrValidation)
	}
	if !in.Origin.Valid() || !in.Destination.Valid() {
		return fmt.Errorf("%w: origin or destination out of range", apperrors.ErrValidation)
	}
	if !in.VehicleCategory.Valid() {
		return fmt.Errorf("%w: unknown vehicle category %q", apperrors.ErrValidation, in.VehicleCategory)
	}
	if in.DistanceKm != nil && *in.DistanceKm < 0 {
		return fmt.Errorf("%w: distance_km must be >= 0", apperrors.ErrValidation)
	}
	if in.EtaMinutes != nil && *in.EtaMinutes < 0 {
		return fmt.Errorf("%w: eta_minutes must be >= 0", apperrors.ErrValidation)
	}
	return nil
}

// RequestTrip opens a bidding window and invites nearby drivers.
func (s *Service) RequestTrip(ctx context.Context, in RequestTripInput) (models.Trip, error) {
	if in.VehicleCategory == "" {
		in.VehicleCategory = models.VehicleCar
	}
	if err := in.validate(); err != nil {
		return models.Trip{}, err
	}

	now := s.clock.Now()
	t := models.Trip{
		ID:               uuid.NewString(),
		PassengerID:      in.PassengerID,
		Status:           models.StatusBidding,
		Origin:           in.Origin,
		Destination:      in.Destination,
		VehicleCategory:  in.VehicleCategory,
		DistanceKm:       in.DistanceKm,
		EtaMinutes:       in.EtaMinutes,
		PriceBase:        s.pricing.BasePrice(in.DistanceKm, in.EtaMinutes),
		BiddingExpiresAt: now.Add(s.cfg.BiddingWindow),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	lo, hi := s.pricing.BidBounds(t.PriceBase)

	err := s.repo.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateTrip(ctx, t); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, s.event(t.ID, t.PassengerID, "trip.created", map[string]any{
			"price_base":       t.PriceBase,
			"vehicle_category": t.VehicleCategory,
		}, now)); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, s.event(t.ID, "", "trip.bidding.started", map[string]any{
			"expires_at": t.BiddingExpiresAt,
		}, now))
	})
	if err != nil {
		return models.Trip{}, fmt.Errorf("create trip: %w", err)
	}
	observability.TripsRequested.Inc()

	var out outbox
	out.add("trip.created", tripPayload(t), dispatch.Trip(t.ID))

	drivers, err := s.presence.Nearby(ctx, geo.NearbyQuery{
		Center:   t.Origin.Coord,
		Category: t.VehicleCategory,
		Now:      now,
		Recency:  s.cfg.PresenceWindow,
		Limit:    s.cfg.NearbyLimit,
	})
	if err != nil {
		// The trip stands; drivers polling or the sweep still resolve it.
		s.logger.Warn("nearby drivers lookup failed", "trip_id", t.ID, "error", err)
	}
	invite := map[string]any{
		"trip_id":          t.ID,
		"origin":           t.Origin,
		"destination":      t.Destination,
		"vehicle_category": t.VehicleCategory,
		"price_base":       t.PriceBase,
		"bid_min":          lo,
		"bid_max":          hi,
		"expires_at":       t.BiddingExpiresAt,
	}
	for _, d := range drivers {
		out.add("trip.bidding.started", invite, dispatch.Driver(d.DriverID))
	}
	s.flush(ctx, out)

	s.logger.Info("trip requested", "trip_id", t.ID, "passenger_id", t.PassengerID, "price_base", t.PriceBase, "drivers_invited", len(drivers))
	return t, nil
}

type CreateBidInput struct {
	DriverID   string `json:"-"`
	TripID     string `json:"-"`
	PriceOffer int64  `json:"price_offer"`
	EtaMinutes *int   `json:"eta_to_pickup_minutes,omitempty"`
}

// CreateBid records a driver's offer on a trip that is still bidding.
func (s *Service) CreateBid(ctx context.Context, in CreateBidInput) (models.Bid, error) {
	t, err := s.loadTrip(ctx, in.TripID)
	if err != nil {
		return models.Bid{}, err
	}
	if err := requireStatus(t, models.StatusBidding); err != nil {
		return models.Bid{}, err
	}

	now := s.clock.Now()
	p, ok, err := s.presence.Get(ctx, in.DriverID)
	if err != nil {
		return models.Bid{}, fmt.Errorf("load presence: %w", err)
	}
	if !ok || !p.Recent(now, s.cfg.PresenceWindow) {
		return models.Bid{}, fmt.Errorf("%w: driver %s is not online", apperrors.ErrForbidden, in.DriverID)
	}

	if !s.pricing.WithinBounds(t.PriceBase, in.PriceOffer) {
		lo, hi := s.pricing.BidBounds(t.PriceBase)
		return models.Bid{}, fmt.Errorf("%w: price_offer must be within [%d, %d]", apperrors.ErrValidation, lo, hi)
	}
	if in.EtaMinutes != nil && (*in.EtaMinutes < 1 || *in.EtaMinutes > 180) {
		return models.Bid{}, fmt.Errorf("%w: eta_to_pickup_minutes must be within [1, 180]", apperrors.ErrValidation)
	}

	b := models.Bid{
		ID:                 uuid.NewString(),
		TripID:             t.ID,
		DriverID:           in.DriverID,
		PriceOffer:         in.PriceOffer,
		EtaToPickupMinutes: in.EtaMinutes,
		Status:             models.BidPending,
		CreatedAt:          now,
	}
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		// Re-assert BIDDING inside the tx so a bid cannot land after a claim.
		ok, err := tx.UpdateTripIf(ctx, t.ID, models.StatusBidding, models.TripPatch{UpdatedAt: now})
		if err != nil {
			return err
		}
		if !ok {
			return errClaimLost
		}
		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, s.event(t.ID, in.DriverID, "trip.bid.received", map[string]any{
			"bid_id":      b.ID,
			"price_offer": b.PriceOffer,
			"eta_minutes": b.EtaToPickupMinutes,
		}, now))
	})
	if err != nil {
		if isClaimLost(err) {
			return models.Bid{}, err
		}
		return models.Bid{}, fmt.Errorf("create bid: %w", err)
	}
	observability.BidsTotal.Inc()

	var out outbox
	out.add("trip.bid.received", b, dispatch.Trip(t.ID), dispatch.User(t.PassengerID))
	s.flush(ctx, out)
	return b, nil
}

// AcceptBid lets the passenger pick a pending bid while the trip is bidding.
func (s *Service) AcceptBid(ctx context.Context, passengerID, tripID, bidID string) (models.Trip, error) {
	t, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := requirePassenger(t, passengerID); err != nil {
		return models.Trip{}, err
	}
	if err := requireStatus(t, models.StatusBidding); err != nil {
		return models.Trip{}, err
	}
	b, err := s.repo.GetBid(ctx, bidID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return models.Trip{}, fmt.Errorf("load bid %s: %w", bidID, err)
	}
	if err != nil || b.TripID != t.ID {
		return models.Trip{}, fmt.Errorf("%w: bid %s does not belong to trip %s", apperrors.ErrValidation, bidID, t.ID)
	}
	if b.Status != models.BidPending {
		return models.Trip{}, fmt.Errorf("%w: bid %s is %s", apperrors.ErrValidation, b.ID, b.Status)
	}

	baseline := s.baseline(ctx, t)
	now := s.clock.Now()
	var matched models.Trip
	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		var err error
		matched, err = s.claimMatch(ctx, tx, t, b, models.BidAccepted, baseline, now, passengerID)
		return err
	})
	if err != nil {
		if isClaimLost(err) {
			observability.ClaimsLost.Inc()
			return models.Trip{}, err
		}
		return models.Trip{}, fmt.Errorf("accept bid: %w", err)
	}
	observability.MatchesTotal.WithLabelValues("accepted").Inc()

	var out outbox
	out.add("trip.matched", matchPayload(matched, b, false), dispatch.Trip(t.ID), dispatch.Driver(b.DriverID))
	s.flush(ctx, out)
	s.logger.Info("bid accepted", "trip_id", t.ID, "bid_id", b.ID, "driver_id", b.DriverID)
	return matched, nil
}

// claimMatch moves t from BIDDING to MATCHED with winner. It returns
// errClaimLost when either the trip or the winning bid was already moved on.
func (s *Service) claimMatch(ctx context.Context, tx storage.Tx, t models.Trip, winner models.Bid, winnerStatus models.BidStatus, baseline []models.Coord, now time.Time, actorID string) (models.Trip, error) {
	patch := models.TripPatch{
		Status:     models.StatusMatched,
		DriverID:   &winner.DriverID,
		PriceFinal: &winner.PriceOffer,
		MatchedAt:  &now,
		UpdatedAt:  now,
	}
	ok, err := tx.UpdateTripIf(ctx, t.ID, models.StatusBidding, patch)
	if err != nil {
		return models.Trip{}, err
	}
	if !ok {
		return models.Trip{}, errClaimLost
	}
	ok, err = tx.UpdateBidIf(ctx, winner.ID, models.BidPending, winnerStatus)
	if err != nil {
		return models.Trip{}, err
	}
	if !ok {
		return models.Trip{}, errClaimLost
	}
	if _, err := tx.RejectPendingBids(ctx, t.ID, winner.ID); err != nil {
		return models.Trip{}, err
	}
	if err := tx.SaveSafetyState(ctx, models.SafetyState{TripID: t.ID, Baseline: baseline, UpdatedAt: now}); err != nil {
		return models.Trip{}, err
	}
	if err := tx.AppendEvent(ctx, s.event(t.ID, actorID, "trip.matched", map[string]any{
		"driver_id":     winner.DriverID,
		"bid_id":        winner.ID,
		"price_final":   winner.PriceOffer,
		"auto_selected": winnerStatus == models.BidAutoSelected,
	}, now)); err != nil {
		return models.Trip{}, err
	}
	patch.Apply(&t)
	return t, nil
}

// baseline snapshots the planned route for deviation checks. A planner
// failure leaves the trip without one rather than blocking the match.
func (s *Service) baseline(ctx context.Context, t models.Trip) []models.Coord {
	line, err := s.planner.Route(ctx, t.Origin.Coord, t.Destination.Coord)
	if err != nil {
		s.logger.Warn("route baseline unavailable", "trip_id", t.ID, "error", err)
		return nil
	}
	return line
}

func matchPayload(t models.Trip, b models.Bid, auto bool) map[string]any {
	p := tripPayload(t)
	p["bid_id"] = b.ID
	p["auto_selected"] = auto
	if b.EtaToPickupMinutes != nil {
		p["eta_to_pickup_minutes"] = *b.EtaToPickupMinutes
	}
	return p
}
