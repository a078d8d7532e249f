package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/carpool-matching/internal/dispatch"
	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/geocode"
	"github.com/example/carpool-matching/internal/match"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/sentiment"
	"github.com/example/carpool-matching/internal/storage"
	"github.com/example/carpool-matching/internal/trust"
)

type fakeRouter struct{ distKm float64 }

func (f *fakeRouter) RoadDistanceKm(ctx context.Context, from, to models.Coord) (float64, error) {
	return f.distKm, nil
}

func (f *fakeRouter) RoutePoints(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	return []models.Coord{from, to}, nil
}

type fakePublisher struct {
	keys   []string
	values []string
}

func (f *fakePublisher) Publish(ctx context.Context, key string, value []byte) error {
	f.keys = append(f.keys, key)
	f.values = append(f.values, string(value))
	return nil
}

type fixedSentiment struct{ res sentiment.Result }

func (f *fixedSentiment) Analyze(ctx context.Context, text string) (sentiment.Result, error) {
	return f.res, nil
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *fakePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Unreachable geocode endpoints: Reverse degrades to "Unknown".
	gc := geocode.NewService("", "", "", 100*time.Millisecond, nil, log)
	neg := &match.Negotiator{Store: store, Log: log}
	tr := &trust.Engine{
		Store:     store,
		Sentiment: &fixedSentiment{res: sentiment.Result{Score: 0.8, PPositive: 0.99, Confidence: 0.9, Label: sentiment.LabelPositive}},
		Log:       log,
	}
	pub := &fakePublisher{}
	srv := NewServer(store, geo.NewIndex(), &fakeRouter{distKm: 10}, gc, neg, tr, pub, dispatch.NewWSRegistry(), log)
	return srv, store, pub
}

func doJSON(t *testing.T, srv *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCreateRide(t *testing.T) {
	srv, _, pub := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/rides", "user-a", map[string]float64{
		"pickup_lat": 12.90, "pickup_lon": 77.60, "dropoff_lat": 12.95, "dropoff_lon": 77.65,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ride models.Ride
	if err := json.Unmarshal(rec.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ride.Status != models.RidePending || ride.Cell == "" {
		t.Fatalf("ride = %+v", ride)
	}
	// 10 km road distance at 0.2 kg/km shared between two riders.
	if ride.CarbonKg != 1.0 {
		t.Fatalf("CarbonKg = %v, want 1.0", ride.CarbonKg)
	}
	if len(pub.keys) != 1 || pub.keys[0] != ride.ID || pub.values[0] != ride.Cell {
		t.Fatalf("published %v/%v, want ride id and cell", pub.keys, pub.values)
	}
}

func TestCreateRideValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/rides", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no identity: status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, srv, "POST", "/api/v1/rides", "user-a", map[string]float64{
		"pickup_lat": 91, "pickup_lon": 0, "dropoff_lat": 0, "dropoff_lon": 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad latitude: status = %d, want 400", rec.Code)
	}
}

func TestGetRideOwnership(t *testing.T) {
	srv, store, _ := newTestServer(t)
	if err := store.CreateRide(context.Background(), &models.Ride{ID: "ride-a", UserID: "user-a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if rec := doJSON(t, srv, "GET", "/api/v1/rides/ride-a", "user-b", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign ride: status = %d, want 403", rec.Code)
	}
	if rec := doJSON(t, srv, "GET", "/api/v1/rides/ride-a", "user-a", nil); rec.Code != http.StatusOK {
		t.Fatalf("own ride: status = %d, want 200", rec.Code)
	}
	if rec := doJSON(t, srv, "GET", "/api/v1/rides/missing", "user-a", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing ride: status = %d, want 404", rec.Code)
	}
}

func TestRideMatchesEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	seed := []*models.Ride{
		{ID: "ride-a", UserID: "user-a", PickupAddress: "A St", DropoffAddress: "B St"},
		{ID: "ride-b", UserID: "user-b", PickupAddress: "C St", DropoffAddress: "D St", CarbonKg: 0.6},
	}
	for _, r := range seed {
		if err := store.CreateRide(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := store.CreateUser(ctx, &models.User{ID: "user-b", Username: "bala"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	// Before any clustering pass the list is empty, not an error.
	rec := doJSON(t, srv, "GET", "/api/v1/rides/ride-a/matches", "user-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got []matchSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 0 {
		t.Fatalf("empty set: got %v err %v", got, err)
	}

	err := store.ReplaceCandidateSet(ctx, &models.MatchCandidateSet{
		RideID: "ride-a", MatchedRideIDs: []string{"ride-b", "ride-gone"}, ClusterLabel: 1,
	})
	if err != nil {
		t.Fatalf("ReplaceCandidateSet: %v", err)
	}
	rec = doJSON(t, srv, "GET", "/api/v1/rides/ride-a/matches", "user-a", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].RideID != "ride-b" || got[0].Username != "bala" {
		t.Fatalf("matches = %+v", got)
	}
}

func TestMatchNegotiationOverHTTP(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	for _, r := range []*models.Ride{
		{ID: "ride-a", UserID: "user-a", Status: models.RidePending},
		{ID: "ride-b", UserID: "user-b", Status: models.RidePending},
	} {
		if err := store.CreateRide(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec := doJSON(t, srv, "POST", "/api/v1/matches/request", "user-a", map[string]string{
		"from_ride_id": "ride-a", "to_ride_id": "ride-b",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var req models.MatchRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, srv, "POST", "/api/v1/matches/request", "user-a", map[string]string{
		"from_ride_id": "ride-a", "to_ride_id": "ride-b",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate propose: status = %d, want 409", rec.Code)
	}

	if rec = doJSON(t, srv, "POST", "/api/v1/matches/"+req.ID+"/confirm", "user-a", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("proposer confirm: status = %d, want 403", rec.Code)
	}
	if rec = doJSON(t, srv, "POST", "/api/v1/matches/"+req.ID+"/confirm", "user-b", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("confirm: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, "POST", "/api/v1/matches/"+req.ID+"/start", "user-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var cp match.CheckpointResult
	if err := json.Unmarshal(rec.Body.Bytes(), &cp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cp.BothConfirmed {
		t.Fatal("one confirmation must report waiting for partner")
	}

	rec = doJSON(t, srv, "GET", "/api/v1/matches/confirmed", "user-b", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed list: status = %d", rec.Code)
	}
	var reqs []models.MatchRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &reqs); err != nil || len(reqs) != 1 {
		t.Fatalf("confirmed list = %v err %v", reqs, err)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	for _, r := range []*models.Ride{
		{ID: "ride-a", UserID: "user-a", Status: models.RideCompleted},
		{ID: "ride-b", UserID: "user-b", Status: models.RideCompleted},
	} {
		if err := store.CreateRide(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	err := store.CreateMatchRequest(ctx, &models.MatchRequest{
		ID: "req-1", FromRideID: "ride-a", ToRideID: "ride-b", Status: models.RequestCompleted,
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}

	rec := doJSON(t, srv, "POST", "/api/v1/feedback", "user-a", map[string]string{
		"ride_id": "ride-a", "comment": "lovely ride",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out trust.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Applied || out.NewScore != 55 {
		t.Fatalf("outcome = %+v", out)
	}

	rec = doJSON(t, srv, "POST", "/api/v1/feedback", "user-a", map[string]string{
		"ride_id": "missing", "comment": "hi",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing ride feedback: status = %d, want 404", rec.Code)
	}
}

func TestRequestIDEchoedToClient(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "retry-7")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "retry-7" {
		t.Fatalf("X-Request-ID = %q, want the caller's id echoed back", got)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no request id minted when the caller sent none")
	}
}

func TestDistanceEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/distance?from_lat=12.9&from_lon=77.6&to_lat=12.95&to_lon=77.65", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["distance_km"] != 10 || out["carbon_saved_kg"] != 1 {
		t.Fatalf("out = %v", out)
	}

	rec = doJSON(t, srv, "GET", "/api/v1/distance?from_lat=12.9", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing params: status = %d, want 400", rec.Code)
	}
}
