package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PresenceMessage is one driver heartbeat on the presence topic, produced by
// the mobile gateway.
type PresenceMessage struct {
	DriverID string                 `json:"driver_id"`
	Lat      float64                `json:"lat"`
	Lng      float64                `json:"lng"`
	Category models.VehicleCategory `json:"vehicle_category"`
	Online   *bool                  `json:"online,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

// DecodePresence parses and validates a presence message. A missing online
// flag means online.
func DecodePresence(b []byte) (models.DriverPresence, error) {
	var m PresenceMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.DriverPresence{}, fmt.Errorf("decode presence: %w", err)
	}
	if m.DriverID == "" {
		return models.DriverPresence{}, fmt.Errorf("presence without driver_id")
	}
	loc := models.Coord{Lat: m.Lat, Lon: m.Lng}
	if !loc.Valid() {
		return models.DriverPresence{}, fmt.Errorf("presence %s: coordinates out of range", m.DriverID)
	}
	if m.Category != "" && !m.Category.Valid() {
		return models.DriverPresence{}, fmt.Errorf("presence %s: unknown category %q", m.DriverID, m.Category)
	}
	online := true
	if m.Online != nil {
		online = *m.Online
	}
	seen := m.SentAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	return models.DriverPresence{
		DriverID:        m.DriverID,
		Online:          online,
		Loc:             loc,
		LastSeenAt:      seen,
		VehicleCategory: m.Category,
	}, nil
}
