package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/carpool-matching/internal/models"
)

// MemoryStore is the in-process Store used for local runs and tests.
// A single mutex guards every table so MutateMatch and MutateTrust are
// trivially atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.Ride
	candidateSets map[string]*models.MatchCandidateSet
	requests      map[string]*models.MatchRequest
	trust         map[string]*models.TrustState
	feedback      map[string]*models.Feedback
	users         map[string]*models.User
	guardianViews map[string]*models.GuardianView
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]*models.Ride),
		candidateSets: make(map[string]*models.MatchCandidateSet),
		requests:      make(map[string]*models.MatchRequest),
		trust:         make(map[string]*models.TrustState),
		feedback:      make(map[string]*models.Feedback),
		users:         make(map[string]*models.User),
		guardianViews: make(map[string]*models.GuardianView),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) RidesByUser(ctx context.Context, userID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RidesByUserAndStatus(ctx context.Context, userID string, st models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.UserID == userID && r.Status == st {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RidesByCells(ctx context.Context, cells []string, st models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		want[c] = struct{}{}
	}
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status != st {
			continue
		}
		if _, ok := want[r.Cell]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RidesOlderThan(ctx context.Context, st models.RideStatus, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == st && r.CreatedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateRideLocation(ctx context.Context, id string, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Current = models.Coord{Lat: lat, Lon: lon}
	return nil
}

func (m *MemoryStore) SetRideStatus(ctx context.Context, id string, st models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = st
	return nil
}

func (m *MemoryStore) DeleteRide(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rides, id)
	return nil
}

func (m *MemoryStore) ReplaceCandidateSet(ctx context.Context, set *models.MatchCandidateSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.candidateSets, set.RideID)
	if len(set.MatchedRideIDs) == 0 {
		return nil
	}
	cp := *set
	cp.MatchedRideIDs = append([]string(nil), set.MatchedRideIDs...)
	m.candidateSets[set.RideID] = &cp
	return nil
}

func (m *MemoryStore) CandidateSet(ctx context.Context, rideID string) (*models.MatchCandidateSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.candidateSets[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.MatchedRideIDs = append([]string(nil), s.MatchedRideIDs...)
	return &cp, nil
}

func (m *MemoryStore) DeleteCandidateSet(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.candidateSets, rideID)
	return nil
}

func (m *MemoryStore) CreateMatchRequest(ctx context.Context, req *models.MatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.FromRideID == req.FromRideID && r.ToRideID == req.ToRideID {
			return ErrDuplicate
		}
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMatchRequest(ctx context.Context, id string) (*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) MutateMatch(ctx context.Context, requestID string, fn func(req *models.MatchRequest, from, to *models.Ride) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	from, ok := m.rides[req.FromRideID]
	if !ok {
		return ErrNotFound
	}
	to, ok := m.rides[req.ToRideID]
	if !ok {
		return ErrNotFound
	}
	reqCp, fromCp, toCp := *req, *from, *to
	if err := fn(&reqCp, &fromCp, &toCp); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return nil
		}
		return err
	}
	m.requests[requestID] = &reqCp
	m.rides[fromCp.ID] = &fromCp
	m.rides[toCp.ID] = &toCp
	return nil
}

func (m *MemoryStore) RequestsByFromRides(ctx context.Context, rideIDs []string, st models.RequestStatus) ([]*models.MatchRequest, error) {
	return m.requestsBy(rideIDs, st, func(r *models.MatchRequest) string { return r.FromRideID })
}

func (m *MemoryStore) RequestsByToRides(ctx context.Context, rideIDs []string, st models.RequestStatus) ([]*models.MatchRequest, error) {
	return m.requestsBy(rideIDs, st, func(r *models.MatchRequest) string { return r.ToRideID })
}

func (m *MemoryStore) requestsBy(rideIDs []string, st models.RequestStatus, side func(*models.MatchRequest) string) ([]*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]struct{}, len(rideIDs))
	for _, id := range rideIDs {
		want[id] = struct{}{}
	}
	var out []*models.MatchRequest
	for _, r := range m.requests {
		if r.Status != st {
			continue
		}
		if _, ok := want[side(r)]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RequestsForRide(ctx context.Context, rideID string, st models.RequestStatus) ([]*models.MatchRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.MatchRequest
	for _, r := range m.requests {
		if r.Status != st {
			continue
		}
		if r.FromRideID == rideID || r.ToRideID == rideID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRequestsForRide(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.requests {
		if r.FromRideID == rideID || r.ToRideID == rideID {
			delete(m.requests, id)
		}
	}
	return nil
}

func (m *MemoryStore) TrustState(ctx context.Context, userID string) (*models.TrustState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trust[userID]
	if !ok {
		return models.NewTrustState(userID), nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) MutateTrust(ctx context.Context, userID string, fn func(*models.TrustState) error) (*models.TrustState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trust[userID]
	if !ok {
		t = models.NewTrustState(userID)
	}
	cp := *t
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.trust[userID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) SaveFeedback(ctx context.Context, fb *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *fb
	m.feedback[fb.ID] = &cp
	return nil
}

func (m *MemoryStore) HasFeedback(ctx context.Context, fromUserID, rideID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fb := range m.feedback {
		if fb.FromUserID == fromUserID && fb.RideID == rideID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SaveGuardianView(ctx context.Context, v *models.GuardianView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.guardianViews[v.GuardianID] = &cp
	return nil
}

func (m *MemoryStore) GuardianView(ctx context.Context, guardianID string) (*models.GuardianView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.guardianViews[guardianID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}
