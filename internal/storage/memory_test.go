package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/carpool-matching/internal/models"
)

func seedPair(t *testing.T, m *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	for _, r := range []*models.Ride{
		{ID: "ride-a", UserID: "user-a", Status: models.RideConfirmed},
		{ID: "ride-b", UserID: "user-b", Status: models.RideConfirmed},
	} {
		if err := m.CreateRide(ctx, r); err != nil {
			t.Fatalf("seed ride: %v", err)
		}
	}
	err := m.CreateMatchRequest(ctx, &models.MatchRequest{
		ID: "req-1", FromRideID: "ride-a", ToRideID: "ride-b", Status: models.RequestConfirmed,
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
}

func TestCreateMatchRequestDuplicatePair(t *testing.T) {
	m := NewMemoryStore()
	seedPair(t, m)
	err := m.CreateMatchRequest(context.Background(), &models.MatchRequest{
		ID: "req-2", FromRideID: "ride-a", ToRideID: "ride-b", Status: models.RequestPending,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	// The reverse direction is a distinct ordered pair.
	err = m.CreateMatchRequest(context.Background(), &models.MatchRequest{
		ID: "req-3", FromRideID: "ride-b", ToRideID: "ride-a", Status: models.RequestPending,
	})
	if err != nil {
		t.Fatalf("reverse pair rejected: %v", err)
	}
}

func TestMutateMatchCommitsAllThree(t *testing.T) {
	m := NewMemoryStore()
	seedPair(t, m)
	ctx := context.Background()

	err := m.MutateMatch(ctx, "req-1", func(req *models.MatchRequest, from, to *models.Ride) error {
		req.Status = models.RequestCompleted
		from.Status = models.RideCompleted
		to.Status = models.RideCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("MutateMatch: %v", err)
	}
	req, _ := m.GetMatchRequest(ctx, "req-1")
	if req.Status != models.RequestCompleted {
		t.Fatalf("request not committed: %s", req.Status)
	}
	for _, id := range []string{"ride-a", "ride-b"} {
		r, _ := m.GetRide(ctx, id)
		if r.Status != models.RideCompleted {
			t.Fatalf("%s not committed: %s", id, r.Status)
		}
	}
}

func TestMutateMatchErrorAndSkipPersistNothing(t *testing.T) {
	m := NewMemoryStore()
	seedPair(t, m)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.MutateMatch(ctx, "req-1", func(req *models.MatchRequest, from, to *models.Ride) error {
		req.Status = models.RequestCancelled
		from.Status = models.RideCancelled
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	err = m.MutateMatch(ctx, "req-1", func(req *models.MatchRequest, from, to *models.Ride) error {
		req.Status = models.RequestCancelled
		return ErrSkipUpdate
	})
	if err != nil {
		t.Fatalf("skip must report success, got %v", err)
	}
	req, _ := m.GetMatchRequest(ctx, "req-1")
	ride, _ := m.GetRide(ctx, "ride-a")
	if req.Status != models.RequestConfirmed || ride.Status != models.RideConfirmed {
		t.Fatalf("state mutated: req=%s ride=%s", req.Status, ride.Status)
	}

	if err := m.MutateMatch(ctx, "no-such-request", func(*models.MatchRequest, *models.Ride, *models.Ride) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing request: err = %v, want ErrNotFound", err)
	}
}

func TestMutateMatchConcurrentCheckpoint(t *testing.T) {
	m := NewMemoryStore()
	seedPair(t, m)
	ctx := context.Background()

	// Both sides confirm concurrently; exactly one invocation must see
	// the other flag already set and fire the joint transition.
	var wg sync.WaitGroup
	confirm := func(fromSide bool) {
		defer wg.Done()
		_ = m.MutateMatch(ctx, "req-1", func(req *models.MatchRequest, from, to *models.Ride) error {
			if fromSide {
				req.StartConfirmedFrom = true
			} else {
				req.StartConfirmedTo = true
			}
			if req.StartConfirmedFrom && req.StartConfirmedTo {
				from.Status = models.RideInProgress
				to.Status = models.RideInProgress
			}
			return nil
		})
	}
	wg.Add(2)
	go confirm(true)
	go confirm(false)
	wg.Wait()

	for _, id := range []string{"ride-a", "ride-b"} {
		r, _ := m.GetRide(ctx, id)
		if r.Status != models.RideInProgress {
			t.Fatalf("%s = %s after both confirmations", id, r.Status)
		}
	}
}

func TestReplaceCandidateSet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	err := m.ReplaceCandidateSet(ctx, &models.MatchCandidateSet{
		RideID: "ride-a", MatchedRideIDs: []string{"ride-b", "ride-c"}, ClusterLabel: 2,
	})
	if err != nil {
		t.Fatalf("ReplaceCandidateSet: %v", err)
	}
	set, err := m.CandidateSet(ctx, "ride-a")
	if err != nil {
		t.Fatalf("CandidateSet: %v", err)
	}
	if len(set.MatchedRideIDs) != 2 {
		t.Fatalf("set = %+v", set)
	}

	// An empty pass removes the set rather than storing an empty row.
	if err := m.ReplaceCandidateSet(ctx, &models.MatchCandidateSet{RideID: "ride-a"}); err != nil {
		t.Fatalf("empty replace: %v", err)
	}
	if _, err := m.CandidateSet(ctx, "ride-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty set persisted (err=%v)", err)
	}
}

func TestTrustStateDefaultsAndMutate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ts, err := m.TrustState(ctx, "fresh-user")
	if err != nil {
		t.Fatalf("TrustState: %v", err)
	}
	if ts.Alpha != 1 || ts.Beta != 1 || ts.Score != 50 {
		t.Fatalf("prior = %+v", ts)
	}

	got, err := m.MutateTrust(ctx, "fresh-user", func(t *models.TrustState) error {
		t.Alpha = 2.5
		t.Score = 62
		return nil
	})
	if err != nil {
		t.Fatalf("MutateTrust: %v", err)
	}
	if got.Alpha != 2.5 || got.Score != 62 {
		t.Fatalf("mutated = %+v", got)
	}
	again, _ := m.TrustState(ctx, "fresh-user")
	if again.Score != 62 {
		t.Fatalf("mutation not persisted: %+v", again)
	}
}
