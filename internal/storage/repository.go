// Package storage persists trips, bids, passcodes, the audit trail, location
// history and safety state. Every state change goes through a Tx so a status
// claim and the records it implies commit or roll back together.
package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Repository is the read side plus the unit-of-work entry point.
type Repository interface {
	// InTx runs fn in one transaction. fn must only use tx; calling back into
	// the Repository from inside fn is not supported.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetTrip(ctx context.Context, id string) (models.Trip, error)
	ListExpiredBidding(ctx context.Context, now time.Time, limit int) ([]models.Trip, error)
	ListTripsByStatus(ctx context.Context, status models.TripStatus, limit int) ([]models.Trip, error)
	ListRecentTrips(ctx context.Context, limit int) ([]models.Trip, error)

	GetBid(ctx context.Context, id string) (models.Bid, error)
	ListBids(ctx context.Context, tripID string) ([]models.Bid, error)

	GetOTP(ctx context.Context, tripID string) (models.OtpRecord, error)
	// IncrementOTPAttempts adds one attempt unless the cap is reached and
	// returns the resulting count and whether it incremented.
	IncrementOTPAttempts(ctx context.Context, tripID string, max int) (int, bool, error)

	// ListEvents returns the audit trail newest first.
	ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error)
	// ListLocations returns up to limit pings newest first.
	ListLocations(ctx context.Context, tripID string, limit int) ([]models.LocationPing, error)
	GetSafetyState(ctx context.Context, tripID string) (models.SafetyState, bool, error)
}

// Tx is one unit of work. Events and locations are insert-only.
type Tx interface {
	// LockTrip reads the trip and holds it until the transaction ends.
	LockTrip(ctx context.Context, id string) (models.Trip, error)
	CreateTrip(ctx context.Context, t models.Trip) error
	// UpdateTripIf applies patch only when the stored status equals
	// expected, and reports whether it did.
	UpdateTripIf(ctx context.Context, id string, expected models.TripStatus, patch models.TripPatch) (bool, error)

	InsertBid(ctx context.Context, b models.Bid) error
	UpdateBidIf(ctx context.Context, id string, expected, status models.BidStatus) (bool, error)
	// RejectPendingBids rejects every pending bid of the trip except exceptID.
	RejectPendingBids(ctx context.Context, tripID, exceptID string) (int, error)

	UpsertOTP(ctx context.Context, rec models.OtpRecord) error
	MarkOTPVerified(ctx context.Context, tripID string, at time.Time) error

	AppendEvent(ctx context.Context, e models.TripEvent) error
	CountEvents(ctx context.Context, tripID, eventType string) (int, error)
	InsertLocation(ctx context.Context, p models.LocationPing) error

	GetSafetyState(ctx context.Context, tripID string) (models.SafetyState, bool, error)
	SaveSafetyState(ctx context.Context, s models.SafetyState) error
}
