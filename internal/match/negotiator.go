package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/storage"
)

var (
	// ErrForbidden is returned when the caller does not own the ride the
	// operation requires.
	ErrForbidden = errors.New("match: caller does not own ride")
	// ErrInvalidState is returned when the request's status does not
	// permit the operation.
	ErrInvalidState = errors.New("match: invalid request state")
	// ErrAlreadyRequested is returned when a request for the same ordered
	// ride pair already exists.
	ErrAlreadyRequested = errors.New("match: request already exists for ride pair")
)

// GuardianNotifier pushes a fresh view to a connected guardian, if any.
type GuardianNotifier interface {
	Notify(guardianID string, view *models.GuardianView) error
}

// CheckpointResult reports one side's start or end confirmation.
// BothConfirmed means the joint transition fired (or, for a retried end
// call, had already fired).
type CheckpointResult struct {
	BothConfirmed bool   `json:"both_confirmed"`
	RideID        string `json:"ride_id"`
}

// Negotiator drives match requests through their dual-confirmation
// lifecycle. Both checkpoint operations go through Store.MutateMatch so
// the flag write and the joint-transition check are one atomic unit; two
// concurrent calls can never both observe "only one side confirmed".
type Negotiator struct {
	Store     storage.Store
	Guardians GuardianNotifier // optional
	Log       *slog.Logger
}

// Propose creates a PENDING request from the caller's ride to another.
func (n *Negotiator) Propose(ctx context.Context, userID, fromRideID, toRideID string) (*models.MatchRequest, error) {
	if fromRideID == toRideID {
		return nil, fmt.Errorf("%w: cannot match a ride with itself", ErrInvalidState)
	}
	from, err := n.Store.GetRide(ctx, fromRideID)
	if err != nil {
		return nil, fmt.Errorf("load ride: %w", err)
	}
	if from.UserID != userID {
		return nil, ErrForbidden
	}
	if _, err := n.Store.GetRide(ctx, toRideID); err != nil {
		return nil, fmt.Errorf("load target ride: %w", err)
	}

	req := &models.MatchRequest{
		ID:         uuid.NewString(),
		FromRideID: fromRideID,
		ToRideID:   toRideID,
		Status:     models.RequestPending,
	}
	if err := n.Store.CreateMatchRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrAlreadyRequested
		}
		return nil, fmt.Errorf("create request: %w", err)
	}
	observability.MatchRequestsTotal.Inc()
	n.Log.Info("match proposed", "request_id", req.ID, "from_ride", fromRideID, "to_ride", toRideID)
	return req, nil
}

// Confirm accepts a PENDING request. Only the owner of the target ride
// may confirm; both rides move to CONFIRMED in the same unit.
func (n *Negotiator) Confirm(ctx context.Context, userID, requestID string) error {
	err := n.Store.MutateMatch(ctx, requestID, func(req *models.MatchRequest, from, to *models.Ride) error {
		if to.UserID != userID {
			return ErrForbidden
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("%w: cannot confirm a %s request", ErrInvalidState, req.Status)
		}
		req.Status = models.RequestConfirmed
		from.Status = models.RideConfirmed
		to.Status = models.RideConfirmed
		return nil
	})
	if err != nil {
		return err
	}
	n.Log.Info("match confirmed", "request_id", requestID)
	return nil
}

// Reject cancels a PENDING request. Only the owner of the target ride
// may reject; the rides are untouched.
func (n *Negotiator) Reject(ctx context.Context, userID, requestID string) error {
	err := n.Store.MutateMatch(ctx, requestID, func(req *models.MatchRequest, from, to *models.Ride) error {
		if to.UserID != userID {
			return ErrForbidden
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("%w: cannot reject a %s request", ErrInvalidState, req.Status)
		}
		req.Status = models.RequestCancelled
		return nil
	})
	if err != nil {
		return err
	}
	n.Log.Info("match rejected", "request_id", requestID)
	return nil
}

// StartJourney records the caller's start confirmation on a CONFIRMED
// request. When both sides have confirmed, both rides become IN_PROGRESS
// atomically. Re-confirming the same side is a no-op, not an error.
func (n *Negotiator) StartJourney(ctx context.Context, userID, requestID string) (*CheckpointResult, error) {
	var res CheckpointResult
	err := n.Store.MutateMatch(ctx, requestID, func(req *models.MatchRequest, from, to *models.Ride) error {
		mine, flag, otherFlag := side(userID, req, from, to, startFlags)
		if mine == nil {
			return ErrForbidden
		}
		res.RideID = mine.ID
		if req.Status != models.RequestConfirmed {
			return fmt.Errorf("%w: cannot start a %s request", ErrInvalidState, req.Status)
		}
		if *flag {
			res.BothConfirmed = *otherFlag
			return storage.ErrSkipUpdate
		}
		*flag = true
		if *otherFlag {
			from.Status = models.RideInProgress
			to.Status = models.RideInProgress
			res.BothConfirmed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.BothConfirmed {
		observability.JourneysStarted.Inc()
	}
	n.Log.Info("journey start confirmed", "request_id", requestID, "ride_id", res.RideID, "both", res.BothConfirmed)
	return &res, nil
}

// EndJourney records the caller's end confirmation. When both sides have
// confirmed, both rides and the request become COMPLETED in the same
// unit. Calling it again after completion is an idempotent success so an
// unreliable client can retry freely.
func (n *Negotiator) EndJourney(ctx context.Context, userID, requestID string) (*CheckpointResult, error) {
	var res CheckpointResult
	err := n.Store.MutateMatch(ctx, requestID, func(req *models.MatchRequest, from, to *models.Ride) error {
		mine, flag, otherFlag := side(userID, req, from, to, endFlags)
		if mine == nil {
			return ErrForbidden
		}
		res.RideID = mine.ID
		if req.Status == models.RequestCompleted {
			res.BothConfirmed = true
			return storage.ErrSkipUpdate
		}
		// The request stays CONFIRMED while the rides are IN_PROGRESS,
		// so CONFIRMED is the only endable status.
		if req.Status != models.RequestConfirmed {
			return fmt.Errorf("%w: cannot end a %s request", ErrInvalidState, req.Status)
		}
		if *flag {
			res.BothConfirmed = *otherFlag
			return storage.ErrSkipUpdate
		}
		*flag = true
		if *otherFlag {
			from.Status = models.RideCompleted
			to.Status = models.RideCompleted
			req.Status = models.RequestCompleted
			res.BothConfirmed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.BothConfirmed {
		observability.JourneysCompleted.Inc()
	}
	n.Log.Info("journey end confirmed", "request_id", requestID, "ride_id", res.RideID, "both", res.BothConfirmed)
	return &res, nil
}

type flagSelector func(req *models.MatchRequest, fromSide bool) (mine, other *bool)

func startFlags(req *models.MatchRequest, fromSide bool) (*bool, *bool) {
	if fromSide {
		return &req.StartConfirmedFrom, &req.StartConfirmedTo
	}
	return &req.StartConfirmedTo, &req.StartConfirmedFrom
}

func endFlags(req *models.MatchRequest, fromSide bool) (*bool, *bool) {
	if fromSide {
		return &req.EndConfirmedFrom, &req.EndConfirmedTo
	}
	return &req.EndConfirmedTo, &req.EndConfirmedFrom
}

// side resolves which ride the caller owns and the matching pair of
// confirmation flags. A nil ride means the caller owns neither.
func side(userID string, req *models.MatchRequest, from, to *models.Ride, sel flagSelector) (*models.Ride, *bool, *bool) {
	switch userID {
	case from.UserID:
		mine, other := sel(req, true)
		return from, mine, other
	case to.UserID:
		mine, other := sel(req, false)
		return to, mine, other
	}
	return nil, nil, nil
}

// UpdateLiveLocation moves the caller's ride and, when the rider has a
// guardian, refreshes the guardian's cached view. The view is
// convenience state: every failure past the location write is logged and
// swallowed.
func (n *Negotiator) UpdateLiveLocation(ctx context.Context, userID, rideID string, lat, lon float64) error {
	ride, err := n.Store.GetRide(ctx, rideID)
	if err != nil {
		return fmt.Errorf("load ride: %w", err)
	}
	if ride.UserID != userID {
		return ErrForbidden
	}
	if err := n.Store.UpdateRideLocation(ctx, rideID, lat, lon); err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	n.propagateGuardianView(ctx, ride, lat, lon)
	return nil
}

func (n *Negotiator) propagateGuardianView(ctx context.Context, ride *models.Ride, lat, lon float64) {
	user, err := n.Store.GetUser(ctx, ride.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			n.Log.Warn("guardian lookup failed", "user_id", ride.UserID, "error", err)
		}
		return
	}
	if user.GuardianID == "" {
		return
	}

	view := &models.GuardianView{
		GuardianID:  user.GuardianID,
		ChildRideID: ride.ID,
		ChildLat:    lat,
		ChildLon:    lon,
		RideStatus:  string(ride.Status),
	}
	if ride.Status == models.RideInProgress || ride.Status == models.RideCompleted {
		n.fillPartnerContact(ctx, ride.ID, view)
	}
	if err := n.Store.SaveGuardianView(ctx, view); err != nil {
		n.Log.Warn("guardian view save failed", "guardian_id", user.GuardianID, "error", err)
		return
	}
	if n.Guardians != nil {
		if err := n.Guardians.Notify(user.GuardianID, view); err != nil {
			n.Log.Debug("guardian not connected", "guardian_id", user.GuardianID, "error", err)
		}
	}
}

// fillPartnerContact resolves the matched partner's identity for the
// guardian. The CONFIRMED request is preferred; after completion only a
// COMPLETED one exists.
func (n *Negotiator) fillPartnerContact(ctx context.Context, rideID string, view *models.GuardianView) {
	var req *models.MatchRequest
	for _, st := range []models.RequestStatus{models.RequestConfirmed, models.RequestCompleted} {
		reqs, err := n.Store.RequestsForRide(ctx, rideID, st)
		if err != nil {
			n.Log.Warn("partner lookup failed", "ride_id", rideID, "error", err)
			return
		}
		if len(reqs) > 0 {
			req = reqs[0]
			break
		}
	}
	if req == nil {
		return
	}
	partnerRideID := req.FromRideID
	if partnerRideID == rideID {
		partnerRideID = req.ToRideID
	}
	partnerRide, err := n.Store.GetRide(ctx, partnerRideID)
	if err != nil {
		return
	}
	partner, err := n.Store.GetUser(ctx, partnerRide.UserID)
	if err != nil {
		return
	}
	view.PartnerUsername = partner.Username
	view.PartnerPhone = partner.Phone
}
