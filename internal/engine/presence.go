package engine

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

type PresenceResult struct {
	Presence models.DriverPresence `json:"presence"`
	Limited  bool                  `json:"limited"`
}

// PresenceOnline marks the driver available for bidding. Blocked drivers are
// refused; limited drivers go online and are told so.
func (s *Service) PresenceOnline(ctx context.Context, driverID string, lat, lng float64, category models.VehicleCategory) (PresenceResult, error) {
	if driverID == "" {
		return PresenceResult{}, fmt.Errorf("%w: driver id required", apperrors.ErrValidation)
	}
	if err := validCoords(lat, lng); err != nil {
		return PresenceResult{}, err
	}
	if category == "" {
		category = models.VehicleCar
	}
	if !category.Valid() {
		return PresenceResult{}, fmt.Errorf("%w: unknown vehicle category %q", apperrors.ErrValidation, category)
	}

	elig, err := s.eligibility.Check(ctx, driverID)
	if err != nil {
		return PresenceResult{}, fmt.Errorf("check eligibility: %w", err)
	}
	if elig.Blocked {
		return PresenceResult{}, fmt.Errorf("%w: driver %s is blocked", apperrors.ErrForbidden, driverID)
	}

	p := models.DriverPresence{
		DriverID:        driverID,
		Online:          true,
		Loc:             models.Coord{Lat: lat, Lon: lng},
		LastSeenAt:      s.clock.Now(),
		VehicleCategory: category,
	}
	if err := s.presence.Upsert(ctx, p); err != nil {
		return PresenceResult{}, fmt.Errorf("store presence: %w", err)
	}
	s.logger.Info("driver online", "driver_id", driverID, "category", category, "limited", elig.Limited)
	return PresenceResult{Presence: p, Limited: elig.Limited}, nil
}

func (s *Service) PresenceOffline(ctx context.Context, driverID string) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id required", apperrors.ErrValidation)
	}
	if err := s.presence.SetOffline(ctx, driverID); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	s.logger.Info("driver offline", "driver_id", driverID)
	return nil
}

// PresencePing refreshes position and last_seen. It does not change the
// online flag.
func (s *Service) PresencePing(ctx context.Context, driverID string, lat, lng float64) (models.DriverPresence, error) {
	if err := validCoords(lat, lng); err != nil {
		return models.DriverPresence{}, err
	}
	ok, err := s.presence.Touch(ctx, driverID, models.Coord{Lat: lat, Lon: lng}, s.clock.Now())
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("store presence: %w", err)
	}
	if !ok {
		return models.DriverPresence{}, fmt.Errorf("%w: no presence for driver %s", apperrors.ErrNotFound, driverID)
	}
	p, _, err := s.presence.Get(ctx, driverID)
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("load presence: %w", err)
	}
	return p, nil
}
