package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/storage"
)

type fakeClusterer struct {
	assignments []Assignment
	err         error
	calls       int
	lastRiders  []RiderFeature
}

func (f *fakeClusterer) Cluster(ctx context.Context, riders []RiderFeature) ([]Assignment, error) {
	f.calls++
	f.lastRiders = riders
	if f.err != nil {
		return nil, f.err
	}
	return f.assignments, nil
}

func testPipeline(store storage.Store, c Client) *Pipeline {
	return &Pipeline{
		Store:     store,
		Geo:       geo.NewIndex(),
		Clusterer: c,
		Ring:      2,
		MaxPairKm: 2.0,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func addRide(t *testing.T, store storage.Store, idx *geo.Index, id, userID string, pickup, dropoff models.Coord) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:        id,
		UserID:    userID,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Cell:      idx.CellOf(pickup.Lat, pickup.Lon),
		Status:    models.RidePending,
		CreatedAt: time.Now(),
	}
	if err := store.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("create ride %s: %v", id, err)
	}
	return r
}

func TestPipelineGroupsNearbyRides(t *testing.T) {
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	a := addRide(t, store, idx, "ride-a", "u1", models.Coord{Lat: 12.90, Lon: 77.60}, models.Coord{Lat: 12.95, Lon: 77.65})
	b := addRide(t, store, idx, "ride-b", "u2", models.Coord{Lat: 12.91, Lon: 77.61}, models.Coord{Lat: 12.951, Lon: 77.651})

	fc := &fakeClusterer{assignments: []Assignment{
		{RideID: a.ID, Cluster: 0},
		{RideID: b.ID, Cluster: 0},
	}}
	p := testPipeline(store, fc)
	if err := p.HandleRideEvent(context.Background(), a.ID, a.Cell); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	setA, err := store.CandidateSet(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("no candidate set for a: %v", err)
	}
	if len(setA.MatchedRideIDs) != 1 || setA.MatchedRideIDs[0] != b.ID {
		t.Fatalf("a should match b, got %v", setA.MatchedRideIDs)
	}
	setB, err := store.CandidateSet(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("no candidate set for b: %v", err)
	}
	if len(setB.MatchedRideIDs) != 1 || setB.MatchedRideIDs[0] != a.ID {
		t.Fatalf("b should match a, got %v", setB.MatchedRideIDs)
	}
	// subject ride must be the last entry sent to the service
	if fc.lastRiders[len(fc.lastRiders)-1].RideID != a.ID {
		t.Fatalf("subject ride should be last, got %s", fc.lastRiders[len(fc.lastRiders)-1].RideID)
	}
}

func TestPipelineClosenessFilterRejectsFarDropoff(t *testing.T) {
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	a := addRide(t, store, idx, "ride-a", "u1", models.Coord{Lat: 12.90, Lon: 77.60}, models.Coord{Lat: 12.95, Lon: 77.65})
	// same pickup area, but dropoff ~20 km away: shape-similar, not close
	far := addRide(t, store, idx, "ride-far", "u2", models.Coord{Lat: 12.905, Lon: 77.605}, models.Coord{Lat: 13.10, Lon: 77.80})

	fc := &fakeClusterer{assignments: []Assignment{
		{RideID: a.ID, Cluster: 3},
		{RideID: far.ID, Cluster: 3},
	}}
	p := testPipeline(store, fc)
	if err := p.HandleRideEvent(context.Background(), a.ID, a.Cell); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if _, err := store.CandidateSet(context.Background(), a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("closeness filter should have left a without matches, err=%v", err)
	}
}

func TestPipelineUpstreamFailureKeepsPriorSet(t *testing.T) {
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	a := addRide(t, store, idx, "ride-a", "u1", models.Coord{Lat: 12.90, Lon: 77.60}, models.Coord{Lat: 12.95, Lon: 77.65})
	addRide(t, store, idx, "ride-b", "u2", models.Coord{Lat: 12.91, Lon: 77.61}, models.Coord{Lat: 12.951, Lon: 77.651})

	prior := &models.MatchCandidateSet{RideID: a.ID, MatchedRideIDs: []string{"old-match"}, ClusterLabel: 7, UpdatedAt: time.Now()}
	if err := store.ReplaceCandidateSet(context.Background(), prior); err != nil {
		t.Fatal(err)
	}

	fc := &fakeClusterer{err: errors.New("service unreachable")}
	p := testPipeline(store, fc)
	if err := p.HandleRideEvent(context.Background(), a.ID, a.Cell); err == nil {
		t.Fatal("expected pass to fail")
	}
	set, err := store.CandidateSet(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("prior set should survive: %v", err)
	}
	if len(set.MatchedRideIDs) != 1 || set.MatchedRideIDs[0] != "old-match" {
		t.Fatalf("prior set mutated: %v", set.MatchedRideIDs)
	}
}

func TestPipelineDiscardsEventForDeletedRide(t *testing.T) {
	store := storage.NewMemoryStore()
	fc := &fakeClusterer{}
	p := testPipeline(store, fc)
	if err := p.HandleRideEvent(context.Background(), "gone", ""); err != nil {
		t.Fatalf("deleted ride should be a discard, got %v", err)
	}
	if fc.calls != 0 {
		t.Fatal("clustering service should not be called for a deleted ride")
	}
}

func TestPipelineSkipsLoneRide(t *testing.T) {
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	a := addRide(t, store, idx, "ride-a", "u1", models.Coord{Lat: 12.90, Lon: 77.60}, models.Coord{Lat: 12.95, Lon: 77.65})
	fc := &fakeClusterer{}
	p := testPipeline(store, fc)
	if err := p.HandleRideEvent(context.Background(), a.ID, a.Cell); err != nil {
		t.Fatalf("lone ride pass should succeed: %v", err)
	}
	if fc.calls != 0 {
		t.Fatal("no clustering call expected with a single candidate")
	}
}

// Concurrent passes may disagree; the candidate set is a recomputed cache,
// so the last writer wins. This test pins that trade-off down rather than
// pretending the race does not exist.
func TestPipelineLastWriteWins(t *testing.T) {
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	a := addRide(t, store, idx, "ride-a", "u1", models.Coord{Lat: 12.90, Lon: 77.60}, models.Coord{Lat: 12.95, Lon: 77.65})
	b := addRide(t, store, idx, "ride-b", "u2", models.Coord{Lat: 12.91, Lon: 77.61}, models.Coord{Lat: 12.951, Lon: 77.651})
	c := addRide(t, store, idx, "ride-c", "u3", models.Coord{Lat: 12.905, Lon: 77.605}, models.Coord{Lat: 12.952, Lon: 77.652})

	first := &fakeClusterer{assignments: []Assignment{
		{RideID: a.ID, Cluster: 0}, {RideID: b.ID, Cluster: 0}, {RideID: c.ID, Cluster: 1},
	}}
	second := &fakeClusterer{assignments: []Assignment{
		{RideID: a.ID, Cluster: 0}, {RideID: b.ID, Cluster: 1}, {RideID: c.ID, Cluster: 0},
	}}
	if err := testPipeline(store, first).HandleRideEvent(context.Background(), a.ID, a.Cell); err != nil {
		t.Fatal(err)
	}
	if err := testPipeline(store, second).HandleRideEvent(context.Background(), a.ID, a.Cell); err != nil {
		t.Fatal(err)
	}
	set, err := store.CandidateSet(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(set.MatchedRideIDs) != 1 || set.MatchedRideIDs[0] != c.ID {
		t.Fatalf("second pass should have replaced the set, got %v", set.MatchedRideIDs)
	}
}
