package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Registry stores driver presence and answers nearest-driver queries.
type Registry interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	SetOffline(ctx context.Context, driverID string) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error)
	// Touch moves a known driver and refreshes last_seen, leaving the online
	// flag as it is. It reports false when the driver is unknown.
	Touch(ctx context.Context, driverID string, loc models.Coord, at time.Time) (bool, error)
	Nearby(ctx context.Context, q NearbyQuery) ([]models.DriverPresence, error)
}

// NearbyQuery selects online drivers of a category seen within Recency of Now,
// nearest first. The Redis registry only searches within its configured
// radius.
type NearbyQuery struct {
	Center   models.Coord
	Category models.VehicleCategory
	Now      time.Time
	Recency  time.Duration
	Limit    int
}

func (q NearbyQuery) matches(p models.DriverPresence) bool {
	if q.Category != "" && p.VehicleCategory != q.Category {
		return false
	}
	return p.Recent(q.Now, q.Recency)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverPresence)}
}

func (g *Index) Upsert(_ context.Context, p models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[p.DriverID] = p
	return nil
}

func (g *Index) SetOffline(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.drivers[driverID]; ok {
		p.Online = false
		g.drivers[driverID] = p
	}
	return nil
}

func (g *Index) Touch(_ context.Context, driverID string, loc models.Coord, at time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok {
		return false, nil
	}
	p.Loc = loc
	p.LastSeenAt = at
	g.drivers[driverID] = p
	return true, nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverPresence, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	return p, ok, nil
}

// naive scan; fine for a single-node registry
func (g *Index) Nearby(_ context.Context, q NearbyQuery) ([]models.DriverPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.DriverPresence
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, p := range g.drivers {
		if !q.matches(p) {
			continue
		}
		arr = append(arr, pair{p, Haversine(q.Center.Lat, q.Center.Lon, p.Loc.Lat, p.Loc.Lon)})
	}
	// partial selection sort for top-N; equal distances fall back to id
	n := q.Limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist ||
				(arr[j].dist == arr[minIdx].dist && arr[j].p.DriverID < arr[minIdx].p.DriverID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverPresence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out, nil
}

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
