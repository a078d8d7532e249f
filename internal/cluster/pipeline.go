package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/routing"
	"github.com/example/carpool-matching/internal/storage"
)

// Pipeline runs one clustering pass per ride-creation event: gather nearby
// pending rides, build route-shape features, ask the clustering service for
// labels, keep the rides that share the triggering ride's label and pass
// the closeness filter, and replace the affected candidate sets.
//
// A failed pass aborts without partial writes and is not retried here; the
// next ride-creation event in the same neighborhood reprocesses the area.
type Pipeline struct {
	Store     storage.Store
	Geo       *geo.Index
	Routing   routing.Client
	Clusterer Client
	Ring      int     // neighborhood radius in grid steps
	MaxPairKm float64 // pickup-pickup and dropoff-dropoff closeness bound
	Log       *slog.Logger
}

// HandleRideEvent processes one (rideID, cell) event.
func (p *Pipeline) HandleRideEvent(ctx context.Context, rideID, cell string) error {
	ride, err := p.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		// Ride deleted before the event was consumed; discard.
		p.Log.Info("ride gone before clustering", "ride_id", rideID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ride: %w", err)
	}
	if cell == "" {
		cell = ride.Cell
	}

	ring := p.Ring
	if ring <= 0 {
		ring = geo.DefaultRing
	}
	nearby, err := p.Store.RidesByCells(ctx, p.Geo.Neighborhood(cell, ring), models.RidePending)
	if err != nil {
		return fmt.Errorf("gather candidates: %w", err)
	}

	// The subject ride goes last so the service knows which entry this
	// pass is about.
	candidates := make([]*models.Ride, 0, len(nearby)+1)
	for _, r := range nearby {
		if r.ID != ride.ID {
			candidates = append(candidates, r)
		}
	}
	candidates = append(candidates, ride)
	if len(candidates) < 2 {
		p.Log.Info("no nearby rides to cluster", "ride_id", rideID, "cell", cell)
		return nil
	}

	riders := make([]RiderFeature, 0, len(candidates))
	for _, r := range candidates {
		trust, err := p.Store.TrustState(ctx, r.UserID)
		if err != nil {
			return fmt.Errorf("trust score for %s: %w", r.UserID, err)
		}
		riders = append(riders, RiderFeature{
			Lat:           r.Pickup.Lat,
			Lon:           r.Pickup.Lon,
			RideID:        r.ID,
			TrustScore:    trust.Score,
			RouteFeatures: routing.FeatureVector(ctx, p.Routing, r.Pickup, r.Dropoff),
		})
	}

	assignments, err := p.Clusterer.Cluster(ctx, riders)
	if err != nil {
		observability.ClusterPassFailures.Inc()
		return fmt.Errorf("clustering service: %w", err)
	}

	label, ok := labelOf(assignments, ride.ID)
	if !ok {
		observability.ClusterPassFailures.Inc()
		return fmt.Errorf("clustering service omitted ride %s", ride.ID)
	}

	byID := make(map[string]*models.Ride, len(candidates))
	for _, r := range candidates {
		byID[r.ID] = r
	}
	var group []*models.Ride
	for _, a := range assignments {
		if a.Cluster != label {
			continue
		}
		if r, ok := byID[a.RideID]; ok {
			group = append(group, r)
		}
	}

	// Compute every surviving set before touching the store so an upstream
	// failure cannot leave a half-written pass behind.
	now := time.Now()
	sets := make([]*models.MatchCandidateSet, 0, len(group))
	for _, r := range group {
		var matched []string
		for _, other := range group {
			if other.ID != r.ID && p.areClose(r, other) {
				matched = append(matched, other.ID)
			}
		}
		sets = append(sets, &models.MatchCandidateSet{
			RideID:         r.ID,
			MatchedRideIDs: matched,
			ClusterLabel:   label,
			UpdatedAt:      now,
		})
	}
	for _, set := range sets {
		if err := p.Store.ReplaceCandidateSet(ctx, set); err != nil {
			return fmt.Errorf("replace candidate set for %s: %w", set.RideID, err)
		}
		if len(set.MatchedRideIDs) > 0 {
			observability.CandidateSetsWritten.Inc()
		}
	}

	observability.ClusterPasses.Inc()
	p.Log.Info("clustering pass complete",
		"ride_id", rideID, "cell", cell, "candidates", len(candidates), "cluster_size", len(group))
	return nil
}

// areClose is the closeness filter: clustering can group rides on shape
// similarity alone, so both endpoints must also be within MaxPairKm.
func (p *Pipeline) areClose(a, b *models.Ride) bool {
	pickup := geo.HaversineKm(a.Pickup.Lat, a.Pickup.Lon, b.Pickup.Lat, b.Pickup.Lon)
	dropoff := geo.HaversineKm(a.Dropoff.Lat, a.Dropoff.Lon, b.Dropoff.Lat, b.Dropoff.Lon)
	return pickup <= p.MaxPairKm && dropoff <= p.MaxPairKm
}

func labelOf(assignments []Assignment, rideID string) (int, bool) {
	for _, a := range assignments {
		if a.RideID == rideID {
			return a.Cluster, true
		}
	}
	return 0, false
}
