package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool-matching/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrSkipUpdate may be returned by a mutate callback to commit nothing
	// while still reporting success to the caller. Used for idempotent
	// retries that must not rewrite the row.
	ErrSkipUpdate = errors.New("storage: skip update")
)

// Store is the durable record of rides, candidate sets, match requests,
// trust states and feedback. Implementations must make MutateMatch and
// MutateTrust atomic read-modify-writes: two concurrent checkpoint calls
// for the same request must never both observe "only one side confirmed".
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	RidesByUser(ctx context.Context, userID string) ([]*models.Ride, error)
	RidesByUserAndStatus(ctx context.Context, userID string, st models.RideStatus) ([]*models.Ride, error)
	// RidesByCells returns rides with the given status whose geo cell is in cells.
	RidesByCells(ctx context.Context, cells []string, st models.RideStatus) ([]*models.Ride, error)
	RidesOlderThan(ctx context.Context, st models.RideStatus, cutoff time.Time) ([]*models.Ride, error)
	UpdateRideLocation(ctx context.Context, id string, lat, lon float64) error
	SetRideStatus(ctx context.Context, id string, st models.RideStatus) error
	DeleteRide(ctx context.Context, id string) error

	// ReplaceCandidateSet deletes any previous set for the ride and inserts
	// the new one. An empty MatchedRideIDs slice only deletes.
	ReplaceCandidateSet(ctx context.Context, set *models.MatchCandidateSet) error
	CandidateSet(ctx context.Context, rideID string) (*models.MatchCandidateSet, error)
	DeleteCandidateSet(ctx context.Context, rideID string) error

	// CreateMatchRequest fails with ErrDuplicate when a request for the same
	// (from, to) ordered pair already exists.
	CreateMatchRequest(ctx context.Context, req *models.MatchRequest) error
	GetMatchRequest(ctx context.Context, id string) (*models.MatchRequest, error)
	// MutateMatch loads the request and both referenced rides, applies fn
	// and persists all three in one atomic unit. fn returning an error
	// persists nothing; ErrSkipUpdate persists nothing and returns nil.
	MutateMatch(ctx context.Context, requestID string, fn func(req *models.MatchRequest, from, to *models.Ride) error) error
	RequestsByFromRides(ctx context.Context, rideIDs []string, st models.RequestStatus) ([]*models.MatchRequest, error)
	RequestsByToRides(ctx context.Context, rideIDs []string, st models.RequestStatus) ([]*models.MatchRequest, error)
	// RequestsForRide matches either side of the pair.
	RequestsForRide(ctx context.Context, rideID string, st models.RequestStatus) ([]*models.MatchRequest, error)
	DeleteRequestsForRide(ctx context.Context, rideID string) error

	// TrustState returns the stored state or the uninformed prior when the
	// user has never been rated.
	TrustState(ctx context.Context, userID string) (*models.TrustState, error)
	MutateTrust(ctx context.Context, userID string, fn func(*models.TrustState) error) (*models.TrustState, error)
	SaveFeedback(ctx context.Context, fb *models.Feedback) error
	HasFeedback(ctx context.Context, fromUserID, rideID string) (bool, error)

	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	SaveGuardianView(ctx context.Context, v *models.GuardianView) error
	GuardianView(ctx context.Context, guardianID string) (*models.GuardianView, error)
}
