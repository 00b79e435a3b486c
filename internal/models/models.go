package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" koanf:"lat"`
	Lon float64 `json:"lng" koanf:"lng"`
}

// Valid reports whether the coordinate is on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type VehicleCategory string

const (
	VehicleCar  VehicleCategory = "CAR"
	VehicleMoto VehicleCategory = "MOTO"
	VehicleVan  VehicleCategory = "VAN"
)

func (v VehicleCategory) Valid() bool {
	switch v {
	case VehicleCar, VehicleMoto, VehicleVan:
		return true
	}
	return false
}

type CancelReason string

const (
	ReasonChangedPlans    CancelReason = "CHANGED_PLANS"
	ReasonDriverTooFar    CancelReason = "DRIVER_TOO_FAR"
	ReasonWaitTooLong     CancelReason = "WAIT_TOO_LONG"
	ReasonPassengerNoShow CancelReason = "PASSENGER_NO_SHOW"
	ReasonVehicleIssue    CancelReason = "VEHICLE_ISSUE"
	ReasonSafety          CancelReason = "SAFETY"
	ReasonOther           CancelReason = "OTHER"
)

func (r CancelReason) Valid() bool {
	switch r {
	case ReasonChangedPlans, ReasonDriverTooFar, ReasonWaitTooLong, ReasonPassengerNoShow,
		ReasonVehicleIssue, ReasonSafety, ReasonOther:
		return true
	}
	return false
}

// Penalty is the cancellation classification handed to the score service.
type Penalty string

const (
	PenaltyNone     Penalty = "none"
	PenaltyLight    Penalty = "light"
	PenaltyModerate Penalty = "moderate"
	PenaltyStrong   Penalty = "strong"
)

// Actor kinds recorded on cancellations and events.
const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
)

type Trip struct {
	ID               string          `json:"id"`
	PassengerID      string          `json:"passenger_id"`
	DriverID         string          `json:"driver_id,omitempty"`
	Status           TripStatus      `json:"status"`
	Origin           Place           `json:"origin"`
	Destination      Place           `json:"destination"`
	VehicleCategory  VehicleCategory `json:"vehicle_category"`
	DistanceKm       *float64        `json:"distance_km,omitempty"`
	EtaMinutes       *float64        `json:"eta_minutes,omitempty"`
	PriceBase        int64           `json:"price_base"`
	PriceFinal       *int64          `json:"price_final,omitempty"`
	BiddingExpiresAt time.Time       `json:"bidding_expires_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	MatchedAt        *time.Time      `json:"matched_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason     CancelReason    `json:"cancel_reason,omitempty"`
	CancelledBy      string          `json:"cancelled_by,omitempty"`
}

// TripPatch carries the fields a conditional status update writes alongside
// the new status. Nil fields are left untouched.
type TripPatch struct {
	Status       TripStatus
	DriverID     *string
	PriceFinal   *int64
	MatchedAt    *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	CancelReason *CancelReason
	CancelledBy  *string
	UpdatedAt    time.Time
}

// Apply writes the patch onto t.
func (p TripPatch) Apply(t *Trip) {
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.DriverID != nil {
		t.DriverID = *p.DriverID
	}
	if p.PriceFinal != nil {
		v := *p.PriceFinal
		t.PriceFinal = &v
	}
	if p.MatchedAt != nil {
		t.MatchedAt = timePtr(*p.MatchedAt)
	}
	if p.StartedAt != nil {
		t.StartedAt = timePtr(*p.StartedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = timePtr(*p.CompletedAt)
	}
	if p.CancelledAt != nil {
		t.CancelledAt = timePtr(*p.CancelledAt)
	}
	if p.CancelReason != nil {
		t.CancelReason = *p.CancelReason
	}
	if p.CancelledBy != nil {
		t.CancelledBy = *p.CancelledBy
	}
	if !p.UpdatedAt.IsZero() {
		t.UpdatedAt = p.UpdatedAt
	}
}

type BidStatus string

const (
	BidPending      BidStatus = "PENDING"
	BidAccepted     BidStatus = "ACCEPTED"
	BidRejected     BidStatus = "REJECTED"
	BidAutoSelected BidStatus = "AUTO_SELECTED"
)

type Bid struct {
	ID                 string    `json:"id"`
	TripID             string    `json:"trip_id"`
	DriverID           string    `json:"driver_id"`
	PriceOffer         int64     `json:"price_offer"`
	EtaToPickupMinutes *int      `json:"eta_to_pickup_minutes,omitempty"`
	Status             BidStatus `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

type DriverPresence struct {
	DriverID        string          `json:"driver_id"`
	Online          bool            `json:"online"`
	Loc             Coord           `json:"loc"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
	VehicleCategory VehicleCategory `json:"vehicle_category"`
}

// Recent reports whether the driver is online and has been seen within window.
func (p DriverPresence) Recent(now time.Time, window time.Duration) bool {
	return p.Online && now.Sub(p.LastSeenAt) <= window
}

// OtpRecord never holds the plaintext code.
type OtpRecord struct {
	TripID     string     `json:"trip_id"`
	CodeHash   string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Attempts   int        `json:"attempts"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type TripEvent struct {
	ID        string         `json:"id"`
	TripID    string         `json:"trip_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type LocationPing struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role"`
	Loc       Coord     `json:"loc"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SafetyState is the per-trip monitor memory, persisted with the trip.
type SafetyState struct {
	TripID             string     `json:"trip_id"`
	Baseline           []Coord    `json:"baseline,omitempty"`
	LastLoc            *Coord     `json:"last_loc,omitempty"`
	LastSeenAt         *time.Time `json:"last_seen_at,omitempty"`
	DeviationStartedAt *time.Time `json:"deviation_started_at,omitempty"`
	LastDeviationM     float64    `json:"last_deviation_m"`
	MajorAlertedAt     *time.Time `json:"major_alerted_at,omitempty"`
	StaleAlertedAt     *time.Time `json:"stale_alerted_at,omitempty"`
	Zone               string     `json:"zone,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func timePtr(t time.Time) *time.Time { return &t }

// TripOutcome is handed to downstream services once a trip ends.
type TripOutcome struct {
	TripID      string       `json:"trip_id"`
	PassengerID string       `json:"passenger_id"`
	DriverID    string       `json:"driver_id,omitempty"`
	Status      TripStatus   `json:"status"`
	FromStatus  TripStatus   `json:"from_status,omitempty"`
	PriceFinal  int64        `json:"price_final,omitempty"`
	CancelledBy string       `json:"cancelled_by,omitempty"`
	Reason      CancelReason `json:"reason,omitempty"`
	Penalty     Penalty      `json:"penalty,omitempty"`
	At          time.Time    `json:"at"`
}
