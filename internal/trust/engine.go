package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-matching/internal/models"
	"github.com/example/carpool-matching/internal/observability"
	"github.com/example/carpool-matching/internal/sentiment"
	"github.com/example/carpool-matching/internal/storage"
)

// ErrNotOwner is returned when the caller does not own the rated ride.
var ErrNotOwner = errors.New("trust: ride not owned by user")

// ErrAlreadyRated is returned when the caller already submitted feedback
// for the ride.
var ErrAlreadyRated = errors.New("trust: feedback already submitted for ride")

const (
	// minEvidence keeps alpha/beta strictly positive so the Beta mean
	// stays defined.
	minEvidence = 0.1
	// minWeight is the floor on the evidence weight so low-confidence
	// predictions still count a little.
	minWeight = 0.2
	// maxScoreDelta bounds how far one feedback event can move the
	// exposed score.
	maxScoreDelta = 5
)

// Publisher emits user events; at-most-once, loss tolerated.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// ScoreCache refreshes any cached copy of a user's score.
type ScoreCache interface {
	SetTrustScore(ctx context.Context, userID string, score int) error
}

// Outcome reports what one feedback submission did.
type Outcome struct {
	Applied  bool   `json:"applied"`
	ToUserID string `json:"to_user_id,omitempty"`
	OldScore int    `json:"old_score,omitempty"`
	NewScore int    `json:"new_score,omitempty"`
}

// Engine applies post-ride feedback to the partner's trust state with a
// confidence-weighted Bayesian Beta update. The sentiment call is
// load-bearing: if it fails, nothing is written. Event publication and
// cache refresh run after the durable writes and are never fatal.
type Engine struct {
	Store     storage.Store
	Sentiment sentiment.Client
	Events    Publisher  // optional
	Cache     ScoreCache // optional
	Log       *slog.Logger
}

// SubmitFeedback rates the partner of the given ride. A ride with no
// COMPLETED match is accepted as a no-op: there is no partner to rate.
func (e *Engine) SubmitFeedback(ctx context.Context, fromUserID, rideID, comment string) (*Outcome, error) {
	ride, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load ride: %w", err)
	}
	if ride.UserID != fromUserID {
		return nil, ErrNotOwner
	}

	rated, err := e.Store.HasFeedback(ctx, fromUserID, rideID)
	if err != nil {
		return nil, fmt.Errorf("check feedback: %w", err)
	}
	if rated {
		return nil, ErrAlreadyRated
	}

	toUserID, err := e.resolvePartner(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if toUserID == "" {
		e.Log.Info("feedback without completed match, accepting as no-op", "ride_id", rideID)
		return &Outcome{Applied: false}, nil
	}

	res, err := e.Sentiment.Analyze(ctx, comment)
	if err != nil {
		return nil, fmt.Errorf("sentiment: %w", err)
	}
	positive := strings.EqualFold(res.Label, sentiment.LabelPositive)
	pPositive := res.PPositive
	if positive && pPositive < 0.99 {
		// An explicit positive label must not depress the score just
		// because the classifier was unsure.
		pPositive = 0.99
	}
	weight := res.Confidence
	if weight < minWeight {
		weight = minWeight
	}

	var oldScore int
	state, err := e.Store.MutateTrust(ctx, toUserID, func(t *models.TrustState) error {
		oldScore = t.Score
		t.Alpha += weight * pPositive
		t.Beta += weight * (1 - pPositive)
		if t.Alpha < minEvidence {
			t.Alpha = minEvidence
		}
		if t.Beta < minEvidence {
			t.Beta = minEvidence
		}
		p := t.Alpha / (t.Alpha + t.Beta)
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		raw := int(math.Round(100 * p))
		next := oldScore + clampInt(raw-oldScore, -maxScoreDelta, maxScoreDelta)
		next = clampInt(next, 0, 100)
		if positive && next < oldScore {
			next = oldScore
		}
		t.Score = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trust update: %w", err)
	}

	fb := &models.Feedback{
		ID:             uuid.NewString(),
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		RideID:         rideID,
		Comment:        comment,
		SentimentScore: res.Score,
		Weight:         weight,
		CreatedAt:      time.Now(),
	}
	if err := e.Store.SaveFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}
	observability.FeedbackTotal.Inc()

	// Authoritative state is committed; everything below is best effort.
	e.publish(ctx, toUserID, map[string]any{
		"type":            "FEEDBACK",
		"from_user_id":    fromUserID,
		"to_user_id":      toUserID,
		"ride_id":         rideID,
		"sentiment":       res.Score,
		"p_positive":      pPositive,
		"confidence":      res.Confidence,
		"label":           res.Label,
		"weight_used":     weight,
		"new_trust_score": state.Score,
	})
	e.publish(ctx, toUserID, map[string]any{
		"type":        "TRUST_SCORE_UPDATE",
		"user_id":     toUserID,
		"trust_score": state.Score,
	})
	if e.Cache != nil {
		if err := e.Cache.SetTrustScore(ctx, toUserID, state.Score); err != nil {
			e.Log.Warn("trust score cache refresh failed", "user_id", toUserID, "error", err)
		}
	}

	e.Log.Info("trust updated",
		"to_user_id", toUserID, "old_score", oldScore, "new_score", state.Score,
		"alpha", state.Alpha, "beta", state.Beta, "weight", weight)
	return &Outcome{Applied: true, ToUserID: toUserID, OldScore: oldScore, NewScore: state.Score}, nil
}

// resolvePartner finds the COMPLETED match referencing rideID on either
// side and returns the owner of the other ride. Empty when there is none.
func (e *Engine) resolvePartner(ctx context.Context, rideID string) (string, error) {
	reqs, err := e.Store.RequestsForRide(ctx, rideID, models.RequestCompleted)
	if err != nil {
		return "", fmt.Errorf("resolve partner: %w", err)
	}
	if len(reqs) == 0 {
		return "", nil
	}
	req := reqs[0]
	partnerRideID := req.FromRideID
	if partnerRideID == rideID {
		partnerRideID = req.ToRideID
	}
	partner, err := e.Store.GetRide(ctx, partnerRideID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return partner.UserID, nil
}

func (e *Engine) publish(ctx context.Context, key string, payload map[string]any) {
	if e.Events == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.Events.Publish(ctx, key, b); err != nil {
		e.Log.Warn("user event publish failed", "type", payload["type"], "error", err)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
