// Package sweep removes rides past their retention window so the store
// does not grow without bound and stale candidate sets never surface.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/storage"
)

// sweptStatuses are the terminal-enough states eligible for cleanup.
// CONFIRMED and IN_PROGRESS rides are never swept, whatever their age.
var sweptStatuses = []models.RideStatus{models.RidePending, models.RideCompleted}

type Sweeper struct {
	Store    storage.Store
	MaxAge   time.Duration
	Interval time.Duration
	Log      *slog.Logger
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes every PENDING and COMPLETED ride older than MaxAge,
// along with its candidate set and any match requests referencing it.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.MaxAge)
	var swept int
	for _, st := range sweptStatuses {
		rides, err := s.Store.RidesOlderThan(ctx, st, cutoff)
		if err != nil {
			s.Log.Error("sweep query failed", "status", st, "error", err)
			continue
		}
		for _, ride := range rides {
			if err := s.sweepRide(ctx, ride.ID); err != nil {
				s.Log.Error("sweep failed", "ride_id", ride.ID, "error", err)
				continue
			}
			swept++
		}
	}
	if swept > 0 {
		observability.RidesSwept.Add(float64(swept))
		s.Log.Info("retention sweep", "rides_removed", swept, "cutoff", cutoff)
	}
}

func (s *Sweeper) sweepRide(ctx context.Context, rideID string) error {
	if err := s.Store.DeleteCandidateSet(ctx, rideID); err != nil {
		return err
	}
	if err := s.Store.DeleteRequestsForRide(ctx, rideID); err != nil {
		return err
	}
	return s.Store.DeleteRide(ctx, rideID)
}
