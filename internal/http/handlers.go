package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-matching/internal/dispatch"
	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/geocode"
	"github.com/example/carpool-matching/internal/match"
	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/routing"
	"github.com/example/carpool-matching/internal/storage"
	"github.com/example/carpool-matching/internal/trust"
)

// carbonKgPerKm is the per-vehicle emission factor; a shared ride splits
// it between the two riders.
const carbonKgPerKm = 0.2

// RidePublisher announces new rides so the clustering consumer picks
// them up. Nil-able: without Kafka the ride is still created, it just
// never enters a clustering pass.
type RidePublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type Server struct {
	Store      storage.Store
	Geo        *geo.Index
	Routing    routing.Client
	Geocode    *geocode.Service
	Negotiator *match.Negotiator
	Trust      *trust.Engine
	Rides      RidePublisher // optional
	WSReg      *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(store storage.Store, g *geo.Index, rt routing.Client, gc *geocode.Service,
	neg *match.Negotiator, tr *trust.Engine, rides RidePublisher, wsreg *dispatch.WSRegistry,
	logger *slog.Logger) *Server {
	s := &Server{
		Store: store, Geo: g, Routing: rt, Geocode: gc,
		Negotiator: neg, Trust: tr, Rides: rides, WSReg: wsreg,
		logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/active", s.handleActiveRides).Methods("GET")
	api.HandleFunc("/rides/{rideId}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{rideId}/location", s.handleUpdateLocation).Methods("POST")
	api.HandleFunc("/rides/{rideId}/matches", s.handleRideMatches).Methods("GET")
	api.HandleFunc("/matches/request", s.handleProposeMatch).Methods("POST")
	api.HandleFunc("/matches/{requestId}/confirm", s.handleConfirmMatch).Methods("POST")
	api.HandleFunc("/matches/{requestId}/reject", s.handleRejectMatch).Methods("POST")
	api.HandleFunc("/matches/{requestId}/start", s.handleStartJourney).Methods("POST")
	api.HandleFunc("/matches/{requestId}/end", s.handleEndJourney).Methods("POST")
	api.HandleFunc("/matches/incoming", s.handleIncomingMatches).Methods("GET")
	api.HandleFunc("/matches/confirmed", s.handleConfirmedMatches).Methods("GET")
	api.HandleFunc("/feedback", s.handleFeedback).Methods("POST")
	api.HandleFunc("/geocode", s.handleForwardGeocode).Methods("GET")
	api.HandleFunc("/reverse-geocode", s.handleReverseGeocode).Methods("GET")
	api.HandleFunc("/distance", s.handleDistance).Methods("GET")
	api.HandleFunc("/guardian/child-status", s.handleGuardianStatus).Methods("GET")

	s.mux.HandleFunc("/ws/guardian/{guardian_id}", s.handleGuardianWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// userID reads the caller identity. Authentication lives at the edge;
// this service trusts the header the gateway sets.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return id, true
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username   string `json:"username"`
		Phone      string `json:"phone"`
		GuardianID string `json:"guardian_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	u := &models.User{
		ID:         uuid.NewString(),
		Username:   body.Username,
		Phone:      body.Phone,
		GuardianID: body.GuardianID,
	}
	if err := s.Store.CreateUser(r.Context(), u); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var body struct {
		PickupLat  float64 `json:"pickup_lat"`
		PickupLon  float64 `json:"pickup_lon"`
		DropoffLat float64 `json:"dropoff_lat"`
		DropoffLon float64 `json:"dropoff_lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !validCoord(body.PickupLat, body.PickupLon) || !validCoord(body.DropoffLat, body.DropoffLon) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	ctx := r.Context()
	pickup := models.Coord{Lat: body.PickupLat, Lon: body.PickupLon}
	dropoff := models.Coord{Lat: body.DropoffLat, Lon: body.DropoffLon}
	distKm := routing.DistanceKm(ctx, s.Routing, pickup, dropoff)

	ride := &models.Ride{
		ID:             uuid.NewString(),
		UserID:         userID,
		Pickup:         pickup,
		Dropoff:        dropoff,
		PickupAddress:  s.Geocode.Reverse(ctx, pickup.Lat, pickup.Lon),
		DropoffAddress: s.Geocode.Reverse(ctx, dropoff.Lat, dropoff.Lon),
		Cell:           s.Geo.CellOf(pickup.Lat, pickup.Lon),
		Status:         models.RidePending,
		Current:        pickup,
		CarbonKg:       distKm * carbonKgPerKm / 2,
		CreatedAt:      time.Now(),
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		s.fail(w, r, err)
		return
	}
	observability.RidesCreated.Inc()

	if s.Rides != nil {
		if err := s.Rides.Publish(ctx, ride.ID, []byte(ride.Cell)); err != nil {
			s.logger.Warn("ride event publish failed", "ride_id", ride.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	rides, err := s.Store.RidesByUser(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(rides))
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var out []*models.Ride
	for _, st := range []models.RideStatus{models.RidePending, models.RideConfirmed, models.RideInProgress} {
		rides, err := s.Store.RidesByUserAndStatus(r.Context(), userID, st)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, rides...)
	}
	writeJSON(w, http.StatusOK, orEmpty(out))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["rideId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ride.UserID != userID {
		writeError(w, http.StatusForbidden, "not your ride")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var body struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !validCoord(body.Lat, body.Lon) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if err := s.Negotiator.UpdateLiveLocation(r.Context(), userID, mux.Vars(r)["rideId"], body.Lat, body.Lon); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// matchSummary is what a rider sees about a clustered candidate: enough
// to decide, no contact details until a journey is underway.
type matchSummary struct {
	RideID         string  `json:"ride_id"`
	Username       string  `json:"username"`
	PickupAddress  string  `json:"pickup_address"`
	DropoffAddress string  `json:"dropoff_address"`
	CarbonKg       float64 `json:"carbon_kg"`
}

func (s *Server) handleRideMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	rideID := mux.Vars(r)["rideId"]
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ride.UserID != userID {
		writeError(w, http.StatusForbidden, "not your ride")
		return
	}

	set, err := s.Store.CandidateSet(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, []matchSummary{})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]matchSummary, 0, len(set.MatchedRideIDs))
	for _, id := range set.MatchedRideIDs {
		cand, err := s.Store.GetRide(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue // swept or cancelled since the last pass
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		sum := matchSummary{
			RideID:         cand.ID,
			PickupAddress:  cand.PickupAddress,
			DropoffAddress: cand.DropoffAddress,
			CarbonKg:       cand.CarbonKg,
		}
		if u, err := s.Store.GetUser(ctx, cand.UserID); err == nil {
			sum.Username = u.Username
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProposeMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var body struct {
		FromRideID string `json:"from_ride_id"`
		ToRideID   string `json:"to_ride_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.Negotiator.Propose(r.Context(), userID, body.FromRideID, body.ToRideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleConfirmMatch(w http.ResponseWriter, r *http.Request) {
	s.answerMatch(w, r, s.Negotiator.Confirm)
}

func (s *Server) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	s.answerMatch(w, r, s.Negotiator.Reject)
}

func (s *Server) answerMatch(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), userID, mux.Vars(r)["requestId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartJourney(w http.ResponseWriter, r *http.Request) {
	s.checkpoint(w, r, s.Negotiator.StartJourney)
}

func (s *Server) handleEndJourney(w http.ResponseWriter, r *http.Request) {
	s.checkpoint(w, r, s.Negotiator.EndJourney)
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*match.CheckpointResult, error)) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	res, err := op(r.Context(), userID, mux.Vars(r)["requestId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIncomingMatches(w http.ResponseWriter, r *http.Request) {
	s.listRequests(w, r, s.Store.RequestsByToRides, models.RequestPending)
}

func (s *Server) handleConfirmedMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	ids, err := s.rideIDs(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := s.Store.RequestsByFromRides(ctx, ids, models.RequestConfirmed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := s.Store.RequestsByToRides(ctx, ids, models.RequestConfirmed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(append(from, to...)))
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request,
	query func(context.Context, []string, models.RequestStatus) ([]*models.MatchRequest, error),
	st models.RequestStatus) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	ids, err := s.rideIDs(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	reqs, err := query(ctx, ids, st)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(reqs))
}

func (s *Server) rideIDs(ctx context.Context, userID string) ([]string, error) {
	rides, err := s.Store.RidesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rides))
	for _, ride := range rides {
		ids = append(ids, ride.ID)
	}
	return ids, nil
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var body struct {
		RideID  string `json:"ride_id"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.RideID == "" || body.Comment == "" {
		writeError(w, http.StatusBadRequest, "ride_id and comment are required")
		return
	}
	out, err := s.Trust.SubmitFeedback(r.Context(), userID, body.RideID, body.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleForwardGeocode(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	coord, err := s.Geocode.Forward(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusBadGateway, "geocoding failed")
		return
	}
	writeJSON(w, http.StatusOK, coord)
}

func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil || !validCoord(lat, lon) {
		writeError(w, http.StatusBadRequest, "valid lat and lon are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": s.Geocode.Reverse(r.Context(), lat, lon)})
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [4]float64
	for i, key := range []string{"from_lat", "from_lon", "to_lat", "to_lon"} {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" is required")
			return
		}
		vals[i] = v
	}
	if !validCoord(vals[0], vals[1]) || !validCoord(vals[2], vals[3]) {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	from := models.Coord{Lat: vals[0], Lon: vals[1]}
	to := models.Coord{Lat: vals[2], Lon: vals[3]}
	distKm := routing.DistanceKm(r.Context(), s.Routing, from, to)
	writeJSON(w, http.StatusOK, map[string]float64{
		"distance_km":     distKm,
		"carbon_saved_kg": distKm * carbonKgPerKm / 2,
	})
}

func (s *Server) handleGuardianStatus(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := s.userID(w, r)
	if !ok {
		return
	}
	view, err := s.Store.GuardianView(r.Context(), guardianID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleGuardianWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["guardian_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	s.WSReg.Add(id, conn)
	// Reader loop only detects disconnects; guardians never send.
	go func() {
		defer s.WSReg.Remove(id, conn)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, match.ErrForbidden), errors.Is(err, trust.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, match.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, match.ErrAlreadyRequested), errors.Is(err, trust.ErrAlreadyRated):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "route", routePattern(r), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func validCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// orEmpty keeps list endpoints returning [] instead of null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
