package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus follows a ride from request to completion. Transitions are
// monotonic; CANCELLED is reserved for writes from outside the matching
// flow (operator tooling, account deletion) and is never set here.
type RideStatus string

const (
	RidePending    RideStatus = "PENDING"
	RideConfirmed  RideStatus = "CONFIRMED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// RequestStatus is the lifecycle of a negotiated match request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestConfirmed RequestStatus = "CONFIRMED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestCompleted RequestStatus = "COMPLETED"
)

type Ride struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Pickup         Coord      `json:"pickup"`
	Dropoff        Coord      `json:"dropoff"`
	PickupAddress  string     `json:"pickup_address"`
	DropoffAddress string     `json:"dropoff_address"`
	Cell           string     `json:"cell"` // H3 index of the pickup, fixed at creation
	Status         RideStatus `json:"status"`
	Current        Coord      `json:"current"` // live position while IN_PROGRESS
	CarbonKg       float64    `json:"carbon_kg"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MatchCandidateSet is the output of one clustering pass for a ride.
// Each pass fully replaces the previous set; the cluster label is only
// meaningful within the pass that produced it.
type MatchCandidateSet struct {
	RideID         string    `json:"ride_id"`
	MatchedRideIDs []string  `json:"matched_ride_ids"`
	ClusterLabel   int       `json:"cluster_label"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type MatchRequest struct {
	ID         string        `json:"id"`
	FromRideID string        `json:"from_ride_id"`
	ToRideID   string        `json:"to_ride_id"`
	Status     RequestStatus `json:"status"`

	// Checkpoint flags. Monotonic: once true, never cleared.
	StartConfirmedFrom bool `json:"start_confirmed_from"`
	StartConfirmedTo   bool `json:"start_confirmed_to"`
	EndConfirmedFrom   bool `json:"end_confirmed_from"`
	EndConfirmedTo     bool `json:"end_confirmed_to"`
}

// TrustState holds the Beta-distribution evidence for a user. Alpha and
// beta never drop below 0.1; Score is the bounded integer view in [0,100].
type TrustState struct {
	UserID string  `json:"user_id"`
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`
	Score  int     `json:"score"`
}

// NewTrustState returns the uninformed prior for a fresh user.
func NewTrustState(userID string) *TrustState {
	return &TrustState{UserID: userID, Alpha: 1, Beta: 1, Score: 50}
}

type Feedback struct {
	ID             string    `json:"id"`
	FromUserID     string    `json:"from_user_id"`
	ToUserID       string    `json:"to_user_id"`
	RideID         string    `json:"ride_id"`
	Comment        string    `json:"comment"`
	SentimentScore float64   `json:"sentiment_score"` // signed, [-1, 1]
	Weight         float64   `json:"weight"`          // evidence weight V actually applied
	CreatedAt      time.Time `json:"created_at"`
}

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Phone      string `json:"phone"`
	GuardianID string `json:"guardian_id,omitempty"`
}

// GuardianView is the read-mostly snapshot a guardian sees of their
// dependent's active ride. It is convenience state: losing an update is
// acceptable, the ride record stays authoritative.
type GuardianView struct {
	GuardianID      string  `json:"guardian_id"`
	ChildRideID     string  `json:"child_ride_id"`
	ChildLat        float64 `json:"child_lat"`
	ChildLon        float64 `json:"child_lon"`
	RideStatus      string  `json:"ride_status"`
	PartnerUsername string  `json:"partner_username,omitempty"`
	PartnerPhone    string  `json:"partner_phone,omitempty"`
}
