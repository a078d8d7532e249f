package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/storage"
)

func TestSweepOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	rides := []*models.Ride{
		{ID: "old-pending", Status: models.RidePending, CreatedAt: old},
		{ID: "old-completed", Status: models.RideCompleted, CreatedAt: old},
		{ID: "old-inprogress", Status: models.RideInProgress, CreatedAt: old},
		{ID: "fresh-pending", Status: models.RidePending, CreatedAt: time.Now()},
	}
	for _, r := range rides {
		if err := store.CreateRide(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	err := store.ReplaceCandidateSet(ctx, &models.MatchCandidateSet{
		RideID: "old-pending", MatchedRideIDs: []string{"fresh-pending"},
	})
	if err != nil {
		t.Fatalf("seed candidate set: %v", err)
	}
	err = store.CreateMatchRequest(ctx, &models.MatchRequest{
		ID: "req-1", FromRideID: "old-pending", ToRideID: "fresh-pending", Status: models.RequestPending,
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}

	s := &Sweeper{Store: store, MaxAge: 24 * time.Hour, Interval: time.Hour, Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	s.SweepOnce(ctx)

	for _, id := range []string{"old-pending", "old-completed"} {
		if _, err := store.GetRide(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("%s still present (err=%v)", id, err)
		}
	}
	for _, id := range []string{"old-inprogress", "fresh-pending"} {
		if _, err := store.GetRide(ctx, id); err != nil {
			t.Fatalf("%s removed: %v", id, err)
		}
	}
	if _, err := store.CandidateSet(ctx, "old-pending"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("candidate set survived sweep (err=%v)", err)
	}
	reqs, err := store.RequestsForRide(ctx, "old-pending", models.RequestPending)
	if err != nil {
		t.Fatalf("RequestsForRide: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("requests survived sweep: %v", reqs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := &Sweeper{
		Store:    storage.NewMemoryStore(),
		MaxAge:   24 * time.Hour,
		Interval: 10 * time.Millisecond,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
