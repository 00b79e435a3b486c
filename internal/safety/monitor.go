// Package safety watches in-progress trips: geofenced zones, sustained
// deviation from the matched route, and tracking that goes quiet.
package safety

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Config struct {
	ThrottleInterval     time.Duration `koanf:"throttle_interval"`
	DeviationThresholdM  float64       `koanf:"deviation_threshold_m"`
	DeviationMinDuration time.Duration `koanf:"deviation_min_duration"`
	StaleAfter           time.Duration `koanf:"stale_after"`
	ScanInterval         time.Duration `koanf:"scan_interval"`
	Zones                []Zone        `koanf:"zones"`
}

func DefaultConfig() Config {
	return Config{
		ThrottleInterval:     2 * time.Second,
		DeviationThresholdM:  500,
		DeviationMinDuration: 60 * time.Second,
		StaleAfter:           45 * time.Second,
		ScanInterval:         15 * time.Second,
	}
}

type Zone struct {
	Name       string         `koanf:"name"`
	Restricted bool           `koanf:"restricted"`
	Polygon    []models.Coord `koanf:"polygon"`
}

const (
	AlertRouteDeviation = "trip.safety.route_deviation"
	AlertTrackingLost   = "trip.safety.tracking_lost"
	AlertGeofence       = "trip.safety.geofence"
)

type Alert struct {
	Kind     string         `json:"kind"`
	TripID   string         `json:"trip_id"`
	Severity string         `json:"severity"`
	Payload  map[string]any `json:"payload"`
	At       time.Time      `json:"at"`
}

type Monitor struct {
	cfg Config
}

func NewMonitor(cfg Config) *Monitor { return &Monitor{cfg: cfg} }

func (m *Monitor) Config() Config { return m.cfg }

// ZoneOf returns the first configured zone containing pt, or nil.
func (m *Monitor) ZoneOf(pt models.Coord) *Zone {
	for i := range m.cfg.Zones {
		if geo.Contains(m.cfg.Zones[i].Polygon, pt) {
			return &m.cfg.Zones[i]
		}
	}
	return nil
}

// Observe folds one accepted location ping into st. Deviation is only
// evaluated for in-progress trips with a baseline of at least two points.
func (m *Monitor) Observe(st models.SafetyState, pt models.Coord, now time.Time, inProgress bool) (models.SafetyState, []Alert) {
	var alerts []Alert

	zoneName := ""
	if z := m.ZoneOf(pt); z != nil {
		zoneName = z.Name
		if z.Restricted && st.Zone != z.Name {
			alerts = append(alerts, Alert{
				Kind:     AlertGeofence,
				TripID:   st.TripID,
				Severity: "warning",
				Payload:  map[string]any{"zone": z.Name, "lat": pt.Lat, "lng": pt.Lon},
				At:       now,
			})
		}
	}
	st.Zone = zoneName

	p := pt
	seen := now
	st.LastLoc = &p
	st.LastSeenAt = &seen
	st.StaleAlertedAt = nil

	if inProgress && len(st.Baseline) >= 2 {
		d := geo.DeviationMeters(pt, st.Baseline)
		st.LastDeviationM = d
		if d > m.cfg.DeviationThresholdM {
			if st.DeviationStartedAt == nil {
				started := now
				st.DeviationStartedAt = &started
			}
			lasted := now.Sub(*st.DeviationStartedAt)
			if lasted >= m.cfg.DeviationMinDuration && st.MajorAlertedAt == nil {
				alerted := now
				st.MajorAlertedAt = &alerted
				alerts = append(alerts, Alert{
					Kind:     AlertRouteDeviation,
					TripID:   st.TripID,
					Severity: "major",
					Payload: map[string]any{
						"deviation_m": d,
						"since":       st.DeviationStartedAt.Format(time.RFC3339),
						"lat":         pt.Lat,
						"lng":         pt.Lon,
					},
					At: now,
				})
			}
		} else {
			st.DeviationStartedAt = nil
			st.MajorAlertedAt = nil
		}
	}

	st.UpdatedAt = now
	return st, alerts
}

// CheckStale raises tracking_lost once per silence. The reference point is
// the later of the last ping and startedAt, so pings sent while en route do
// not count against the ride itself.
func (m *Monitor) CheckStale(st models.SafetyState, startedAt, now time.Time) (models.SafetyState, *Alert) {
	if st.StaleAlertedAt != nil {
		return st, nil
	}
	last := startedAt
	if st.LastSeenAt != nil && st.LastSeenAt.After(last) {
		last = *st.LastSeenAt
	}
	silent := now.Sub(last)
	if silent <= m.cfg.StaleAfter {
		return st, nil
	}
	at := now
	st.StaleAlertedAt = &at
	st.UpdatedAt = now
	return st, &Alert{
		Kind:     AlertTrackingLost,
		TripID:   st.TripID,
		Severity: "major",
		Payload:  map[string]any{"last_seen_at": last.Format(time.RFC3339), "silent_s": int(silent.Seconds())},
		At:       now,
	}
}
