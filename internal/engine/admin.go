package engine

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// TripDetail is everything the operations console shows for one trip.
type TripDetail struct {
	Trip      models.Trip           `json:"trip"`
	Bids      []models.Bid          `json:"bids"`
	Events    []models.TripEvent    `json:"events"`
	Locations []models.LocationPing `json:"locations"`
	Safety    *models.SafetyState   `json:"safety,omitempty"`
}

// ListRecentTrips returns trips newest first; limit is clamped to the admin
// maximum.
func (s *Service) ListRecentTrips(ctx context.Context, limit int) ([]models.Trip, error) {
	if limit <= 0 || limit > s.cfg.AdminListLimit {
		limit = s.cfg.AdminListLimit
	}
	trips, err := s.repo.ListRecentTrips(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	return trips, nil
}

func (s *Service) TripDetail(ctx context.Context, tripID string) (TripDetail, error) {
	t, err := s.loadTrip(ctx, tripID)
	if err != nil {
		return TripDetail{}, err
	}
	d := TripDetail{Trip: t}
	if d.Bids, err = s.repo.ListBids(ctx, t.ID); err != nil {
		return TripDetail{}, fmt.Errorf("list bids: %w", err)
	}
	if d.Events, err = s.repo.ListEvents(ctx, t.ID); err != nil {
		return TripDetail{}, fmt.Errorf("list events: %w", err)
	}
	if d.Locations, err = s.repo.ListLocations(ctx, t.ID, s.cfg.DetailLocations); err != nil {
		return TripDetail{}, fmt.Errorf("list locations: %w", err)
	}
	st, ok, err := s.repo.GetSafetyState(ctx, t.ID)
	if err != nil {
		return TripDetail{}, fmt.Errorf("load safety state: %w", err)
	}
	if ok {
		d.Safety = &st
	}
	return d, nil
}

// Trip returns the stored trip.
func (s *Service) Trip(ctx context.Context, tripID string) (models.Trip, error) {
	return s.loadTrip(ctx, tripID)
}
