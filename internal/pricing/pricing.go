// Package pricing computes the fixed base fare of a trip and the range of
// offers drivers may bid against it.
package pricing

import "math"

type Policy struct {
	Fixed      float64 `koanf:"fixed"`
	PerKm      float64 `koanf:"per_km"`
	PerMinute  float64 `koanf:"per_minute"`
	DefaultKm  float64 `koanf:"default_km"`
	DefaultEta float64 `koanf:"default_eta_minutes"`
	MinFactor  float64 `koanf:"min_factor"`
	MaxFactor  float64 `koanf:"max_factor"`
	// EtaWeight converts one minute of pickup ETA into price units when
	// ranking bids automatically.
	EtaWeight float64 `koanf:"eta_weight"`
}

func DefaultPolicy() Policy {
	return Policy{
		Fixed:      800,
		PerKm:      250,
		PerMinute:  80,
		DefaultKm:  5,
		DefaultEta: 10,
		MinFactor:  0.7,
		MaxFactor:  2.0,
		EtaWeight:  10,
	}
}

// BasePrice returns round(fixed + km*perKm + eta*perMinute). Missing inputs
// fall back to the policy defaults.
func (p Policy) BasePrice(distanceKm, etaMinutes *float64) int64 {
	km := p.DefaultKm
	if distanceKm != nil {
		km = *distanceKm
	}
	eta := p.DefaultEta
	if etaMinutes != nil {
		eta = *etaMinutes
	}
	return int64(math.Round(p.Fixed + km*p.PerKm + eta*p.PerMinute))
}

// BidBounds returns the inclusive [min, max] offer range for base.
func (p Policy) BidBounds(base int64) (int64, int64) {
	b := float64(base)
	return int64(math.Round(b * p.MinFactor)), int64(math.Round(b * p.MaxFactor))
}

func (p Policy) WithinBounds(base, offer int64) bool {
	lo, hi := p.BidBounds(base)
	return offer >= lo && offer <= hi
}
