package geo

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/example/ride-dispatch/internal/models"
)

// PointInPolygon uses ray casting on planar coordinates. Points exactly on
// an edge may fall either way.
func PointInPolygon(p r2.Vec, poly []r2.Vec) bool {
	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// DistanceToSegment is the planar distance from p to segment ab.
func DistanceToSegment(p, a, b r2.Vec) float64 {
	ab := r2.Sub(b, a)
	lenSq := r2.Dot(ab, ab)
	if lenSq == 0 {
		return r2.Norm(r2.Sub(p, a))
	}
	t := r2.Dot(r2.Sub(p, a), ab) / lenSq
	t = math.Max(0, math.Min(1, t))
	closest := r2.Add(a, r2.Scale(t, ab))
	return r2.Norm(r2.Sub(p, closest))
}

// DistanceToPolyline returns the minimum distance from p to any segment of
// line, or +Inf for an empty line.
func DistanceToPolyline(p r2.Vec, line []r2.Vec) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return r2.Norm(r2.Sub(p, line[0]))
	}
	best := math.Inf(1)
	for i := 1; i < len(line); i++ {
		if d := DistanceToSegment(p, line[i-1], line[i]); d < best {
			best = d
		}
	}
	return best
}

// project maps c onto a tangent plane centred on origin, in meters.
func project(origin, c models.Coord) r2.Vec {
	lat0 := origin.Lat * math.Pi / 180
	return r2.Vec{
		X: (c.Lon - origin.Lon) * math.Pi / 180 * math.Cos(lat0) * earthRadiusM,
		Y: (c.Lat - origin.Lat) * math.Pi / 180 * earthRadiusM,
	}
}

// DeviationMeters is the distance in meters from pt to the route baseline.
// Accuracy is fine at city scale.
func DeviationMeters(pt models.Coord, baseline []models.Coord) float64 {
	line := make([]r2.Vec, len(baseline))
	for i, c := range baseline {
		line[i] = project(pt, c)
	}
	return DistanceToPolyline(r2.Vec{}, line)
}

// Contains reports whether the coordinate lies inside the lat/lng polygon.
func Contains(poly []models.Coord, c models.Coord) bool {
	vs := make([]r2.Vec, len(poly))
	for i, v := range poly {
		vs[i] = r2.Vec{X: v.Lon, Y: v.Lat}
	}
	return PointInPolygon(r2.Vec{X: c.Lon, Y: c.Lat}, vs)
}
