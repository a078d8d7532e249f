package routing

import (
	"context"
	"math"

	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/models"
)

// RouteSamples is the number of points every route is resampled to, so each
// feature vector has identical length regardless of route complexity.
const RouteSamples = 20

// Resample reduces or stretches a polyline to exactly n points using
// cumulative-index interpolation. Index interpolation, not distance
// interpolation: neighboring clustering inputs only need comparable shapes,
// not metric spacing.
func Resample(points []models.Coord, n int) []models.Coord {
	if len(points) == 0 || n <= 0 {
		return nil
	}
	out := make([]models.Coord, 0, n)
	if len(points) == 1 {
		for i := 0; i < n; i++ {
			out = append(out, points[0])
		}
		return out
	}
	lastIdx := len(points) - 1
	denom := n - 1
	if denom < 1 {
		denom = 1
	}
	for i := 0; i < n; i++ {
		t := float64(i) * float64(lastIdx) / float64(denom)
		j0 := int(math.Floor(t))
		j1 := int(math.Ceil(t))
		if j0 == j1 {
			out = append(out, points[j0])
			continue
		}
		w := t - float64(j0)
		p0, p1 := points[j0], points[j1]
		out = append(out, models.Coord{
			Lat: p0.Lat + w*(p1.Lat-p0.Lat),
			Lon: p0.Lon + w*(p1.Lon-p0.Lon),
		})
	}
	return out
}

// FeatureVector builds the fixed-length route-shape vector
// [lat1, lon1, ..., latN, lonN] for a pickup/dropoff pair. When the routing
// service is unavailable it falls back to the straight two-point path.
func FeatureVector(ctx context.Context, c Client, pickup, dropoff models.Coord) []float64 {
	var points []models.Coord
	if c != nil {
		if p, err := c.RoutePoints(ctx, pickup, dropoff); err == nil {
			points = p
		}
	}
	if len(points) == 0 {
		points = []models.Coord{pickup, dropoff}
	}
	sampled := Resample(points, RouteSamples)
	features := make([]float64, 0, 2*RouteSamples)
	for _, p := range sampled {
		features = append(features, p.Lat, p.Lon)
	}
	return features
}

// DistanceKm returns the road distance when the routing service is
// reachable, falling back to great-circle distance.
func DistanceKm(ctx context.Context, c Client, from, to models.Coord) float64 {
	if c != nil {
		if d, err := c.RoadDistanceKm(ctx, from, to); err == nil {
			return d
		}
	}
	return geo.HaversineKm(from.Lat, from.Lon, to.Lat, to.Lon)
}
