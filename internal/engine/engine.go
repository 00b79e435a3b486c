// Package engine runs the trip lifecycle: bidding, matching, the pickup
// passcode, live tracking, completion and cancellation. Every state change is
// one storage transaction guarded by a conditional status update, and events
// reach their audiences only after that transaction commits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eligibility"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/route"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/storage"
)

// Eligibility says whether a driver may go online.
type Eligibility interface {
	Check(ctx context.Context, driverID string) (eligibility.Result, error)
}

// OutcomeHook receives finished trips for the score service.
type OutcomeHook interface {
	TripCompleted(ctx context.Context, out models.TripOutcome) error
	TripCancelled(ctx context.Context, out models.TripOutcome) error
}

type SafetyHook interface {
	SafetyAlert(ctx context.Context, a safety.Alert) error
}

// Settlement charges the passenger for a completed trip.
type Settlement interface {
	Settle(ctx context.Context, out models.TripOutcome) (string, error)
}

type Config struct {
	BiddingWindow   time.Duration `koanf:"bidding_window"`
	PresenceWindow  time.Duration `koanf:"presence_window"`
	NearbyLimit     int           `koanf:"nearby_limit"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	SweepBatch      int           `koanf:"sweep_batch"`
	AdminListLimit  int           `koanf:"admin_list_limit"`
	DetailLocations int           `koanf:"detail_locations"`
	ThrottleIdle    time.Duration `koanf:"throttle_idle"`
}

func DefaultConfig() Config {
	return Config{
		BiddingWindow:   45 * time.Second,
		PresenceWindow:  30 * time.Second,
		NearbyLimit:     20,
		SweepInterval:   time.Second,
		SweepBatch:      200,
		AdminListLimit:  100,
		DetailLocations: 300,
		ThrottleIdle:    10 * time.Minute,
	}
}

// Deps are the collaborators. Only Repo and Presence are required; the rest
// fall back to in-process defaults.
type Deps struct {
	Repo        storage.Repository
	Presence    geo.Registry
	Emitter     dispatch.Emitter
	Clock       clock.Clock
	Planner     route.Planner
	Eligibility Eligibility
	Outcomes    OutcomeHook
	Safety      SafetyHook
	Settlement  Settlement
	Logger      *slog.Logger
}

type Options struct {
	Config  Config
	Pricing pricing.Policy
	OTP     otp.Policy
	Safety  safety.Config
}

func DefaultOptions() Options {
	return Options{
		Config:  DefaultConfig(),
		Pricing: pricing.DefaultPolicy(),
		OTP:     otp.DefaultPolicy(),
		Safety:  safety.DefaultConfig(),
	}
}

type Service struct {
	repo        storage.Repository
	presence    geo.Registry
	emitter     dispatch.Emitter
	clock       clock.Clock
	planner     route.Planner
	eligibility Eligibility
	outcomes    OutcomeHook
	safetyHook  SafetyHook
	settlement  Settlement
	logger      *slog.Logger

	cfg      Config
	pricing  pricing.Policy
	otp      otp.Policy
	monitor  *safety.Monitor
	throttle *safety.Throttle
}

func New(d Deps, o Options) *Service {
	s := &Service{
		repo:        d.Repo,
		presence:    d.Presence,
		emitter:     d.Emitter,
		clock:       d.Clock,
		planner:     d.Planner,
		eligibility: d.Eligibility,
		outcomes:    d.Outcomes,
		safetyHook:  d.Safety,
		settlement:  d.Settlement,
		logger:      d.Logger,
		cfg:         o.Config,
		pricing:     o.Pricing,
		otp:         o.OTP,
		monitor:     safety.NewMonitor(o.Safety),
		throttle:    safety.NewThrottle(o.Safety.ThrottleInterval),
	}
	if s.emitter == nil {
		s.emitter = dispatch.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.planner == nil {
		s.planner = route.StraightLine{}
	}
	if s.eligibility == nil {
		s.eligibility = eligibility.AllowAll{}
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = s.logger.With("component", "engine")
	return s
}

// Throttle exposes the location throttle so tests and the admin surface can
// inspect it.
func (s *Service) Throttle() *safety.Throttle { return s.throttle }

// errClaimLost marks a conditional update that found the trip in another
// status. Callers outside the sweep see it as an invalid transition.
var errClaimLost = fmt.Errorf("%w: trip was claimed concurrently", apperrors.ErrInvalidTransition)

// emission is one event held back until its transaction commits.
type emission struct {
	to      dispatch.Audience
	name    string
	payload any
}

type outbox []emission

func (o *outbox) add(name string, payload any, to ...dispatch.Audience) {
	for _, a := range to {
		*o = append(*o, emission{to: a, name: name, payload: payload})
	}
}

// flush delivers in order. Delivery is best effort; the state change has
// already committed.
func (s *Service) flush(ctx context.Context, o outbox) {
	for _, e := range o {
		if err := s.emitter.Emit(ctx, e.to, e.name, e.payload); err != nil {
			s.logger.Warn("emit failed", "event", e.name, "audience", e.to.String(), "error", err)
		}
	}
}

func (s *Service) event(tripID, actorID, typ string, payload map[string]any, at time.Time) models.TripEvent {
	return models.TripEvent{
		ID:        uuid.NewString(),
		TripID:    tripID,
		ActorID:   actorID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: at,
	}
}

func (s *Service) loadTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := s.repo.GetTrip(ctx, id)
	if err != nil {
		return models.Trip{}, fmt.Errorf("load trip %s: %w", id, err)
	}
	return t, nil
}

func requireDriver(t models.Trip, driverID string) error {
	if driverID == "" || t.DriverID != driverID {
		return fmt.Errorf("%w: trip %s is not assigned to driver %s", apperrors.ErrForbidden, t.ID, driverID)
	}
	return nil
}

func requirePassenger(t models.Trip, passengerID string) error {
	if passengerID == "" || t.PassengerID != passengerID {
		return fmt.Errorf("%w: trip %s belongs to another passenger", apperrors.ErrForbidden, t.ID)
	}
	return nil
}

func requireStatus(t models.Trip, want ...models.TripStatus) error {
	for _, w := range want {
		if t.Status == w {
			return nil
		}
	}
	return fmt.Errorf("%w: trip %s is %s", apperrors.ErrInvalidTransition, t.ID, t.Status)
}

func validCoords(lat, lng float64) error {
	if !(models.Coord{Lat: lat, Lon: lng}).Valid() {
		return fmt.Errorf("%w: coordinates out of range (%v, %v)", apperrors.ErrValidation, lat, lng)
	}
	return nil
}

// tripPayload is the projection every lifecycle event carries.
func tripPayload(t models.Trip) map[string]any {
	p := map[string]any{
		"trip_id":      t.ID,
		"status":       t.Status,
		"passenger_id": t.PassengerID,
		"updated_at":   t.UpdatedAt,
	}
	if t.DriverID != "" {
		p["driver_id"] = t.DriverID
	}
	if t.PriceFinal != nil {
		p["price_final"] = *t.PriceFinal
	}
	return p
}

func outcomeOf(t models.Trip, from models.TripStatus, at time.Time) models.TripOutcome {
	out := models.TripOutcome{
		TripID:      t.ID,
		PassengerID: t.PassengerID,
		DriverID:    t.DriverID,
		Status:      t.Status,
		FromStatus:  from,
		CancelledBy: t.CancelledBy,
		Reason:      t.CancelReason,
		At:          at,
	}
	if t.PriceFinal != nil {
		out.PriceFinal = *t.PriceFinal
	}
	return out
}

func isClaimLost(err error) bool { return errors.Is(err, errClaimLost) }
