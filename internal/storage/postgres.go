package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool-matching/internal/models"
)

// PostgresStore implements Store on database/sql. MutateMatch and
// MutateTrust lock their rows with SELECT ... FOR UPDATE so the
// check-and-apply of checkpoint flags is a single atomic unit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the underlying handle for migrations at boot.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, user_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_address, dropoff_address, cell, status, current_lat, current_lon, carbon_kg, created_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.UserID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.PickupAddress, r.DropoffAddress, r.Cell, r.Status, r.Current.Lat, r.Current.Lon, r.CarbonKg, r.CreatedAt)
	return err
}

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.UserID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.PickupAddress, &r.DropoffAddress, &r.Cell, &r.Status, &r.Current.Lat, &r.Current.Lon, &r.CarbonKg, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) queryRides(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RidesByUser(ctx context.Context, userID string) ([]*models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

func (p *PostgresStore) RidesByUserAndStatus(ctx context.Context, userID string, st models.RideStatus) ([]*models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE user_id=$1 AND status=$2 ORDER BY created_at DESC`, userID, st)
}

func (p *PostgresStore) RidesByCells(ctx context.Context, cells []string, st models.RideStatus) ([]*models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE cell = ANY($1) AND status=$2`, pq.Array(cells), st)
}

func (p *PostgresStore) RidesOlderThan(ctx context.Context, st models.RideStatus, cutoff time.Time) ([]*models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 AND created_at < $2`, st, cutoff)
}

func (p *PostgresStore) UpdateRideLocation(ctx context.Context, id string, lat, lon float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET current_lat=$1, current_lon=$2 WHERE id=$3`, lat, lon, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) SetRideStatus(ctx context.Context, id string, st models.RideStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1 WHERE id=$2`, st, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) DeleteRide(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM rides WHERE id=$1`, id)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ReplaceCandidateSet(ctx context.Context, set *models.MatchCandidateSet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM match_candidate_sets WHERE ride_id=$1`, set.RideID); err != nil {
		return err
	}
	if len(set.MatchedRideIDs) > 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO match_candidate_sets(ride_id, matched_ride_ids, cluster_label, updated_at)
			VALUES($1,$2,$3,$4)`, set.RideID, pq.Array(set.MatchedRideIDs), set.ClusterLabel, set.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) CandidateSet(ctx context.Context, rideID string) (*models.MatchCandidateSet, error) {
	var s models.MatchCandidateSet
	err := p.db.QueryRowContext(ctx, `SELECT ride_id, matched_ride_ids, cluster_label, updated_at
		FROM match_candidate_sets WHERE ride_id=$1`, rideID).
		Scan(&s.RideID, pq.Array(&s.MatchedRideIDs), &s.ClusterLabel, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) DeleteCandidateSet(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM match_candidate_sets WHERE ride_id=$1`, rideID)
	return err
}

const requestColumns = `id, from_ride_id, to_ride_id, status,
	start_confirmed_from, start_confirmed_to, end_confirmed_from, end_confirmed_to`

func (p *PostgresStore) CreateMatchRequest(ctx context.Context, req *models.MatchRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO match_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.ID, req.FromRideID, req.ToRideID, req.Status,
		req.StartConfirmedFrom, req.StartConfirmedTo, req.EndConfirmedFrom, req.EndConfirmedTo)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicate
	}
	return err
}

func scanRequest(row interface{ Scan(...any) error }) (*models.MatchRequest, error) {
	var r models.MatchRequest
	err := row.Scan(&r.ID, &r.FromRideID, &r.ToRideID, &r.Status,
		&r.StartConfirmedFrom, &r.StartConfirmedTo, &r.EndConfirmedFrom, &r.EndConfirmedTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) GetMatchRequest(ctx context.Context, id string) (*models.MatchRequest, error) {
	return scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM match_requests WHERE id=$1`, id))
}

func (p *PostgresStore) MutateMatch(ctx context.Context, requestID string, fn func(req *models.MatchRequest, from, to *models.Ride) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM match_requests WHERE id=$1 FOR UPDATE`, requestID))
	if err != nil {
		return err
	}
	// Lock rides in a stable order to avoid deadlock between two requests
	// sharing a ride.
	a, b := req.FromRideID, req.ToRideID
	if b < a {
		a, b = b, a
	}
	locked := map[string]*models.Ride{}
	for _, id := range []string{a, b} {
		r, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return fmt.Errorf("lock ride %s: %w", id, err)
		}
		locked[id] = r
	}
	from, to := locked[req.FromRideID], locked[req.ToRideID]

	if err := fn(req, from, to); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return nil
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE match_requests SET status=$1,
		start_confirmed_from=$2, start_confirmed_to=$3, end_confirmed_from=$4, end_confirmed_to=$5
		WHERE id=$6`,
		req.Status, req.StartConfirmedFrom, req.StartConfirmedTo, req.EndConfirmedFrom, req.EndConfirmedTo, req.ID); err != nil {
		return err
	}
	for _, r := range []*models.Ride{from, to} {
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET status=$1 WHERE id=$2`, r.Status, r.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) queryRequests(ctx context.Context, q string, args ...any) ([]*models.MatchRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MatchRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RequestsByFromRides(ctx context.Context, rideIDs []string, st models.RequestStatus) ([]*models.MatchRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM match_requests
		WHERE from_ride_id = ANY($1) AND status=$2`, pq.Array(rideIDs), st)
}

func (p *PostgresStore) RequestsByToRides(ctx context.Context, rideIDs []string, st models.RequestStatus) ([]*models.MatchRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM match_requests
		WHERE to_ride_id = ANY($1) AND status=$2`, pq.Array(rideIDs), st)
}

func (p *PostgresStore) RequestsForRide(ctx context.Context, rideID string, st models.RequestStatus) ([]*models.MatchRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM match_requests
		WHERE (from_ride_id=$1 OR to_ride_id=$1) AND status=$2`, rideID, st)
}

func (p *PostgresStore) DeleteRequestsForRide(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM match_requests WHERE from_ride_id=$1 OR to_ride_id=$1`, rideID)
	return err
}

func (p *PostgresStore) TrustState(ctx context.Context, userID string) (*models.TrustState, error) {
	var t models.TrustState
	err := p.db.QueryRowContext(ctx, `SELECT user_id, alpha, beta, score FROM trust_states WHERE user_id=$1`, userID).
		Scan(&t.UserID, &t.Alpha, &t.Beta, &t.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewTrustState(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) MutateTrust(ctx context.Context, userID string, fn func(*models.TrustState) error) (*models.TrustState, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Upsert the prior first so the row exists to lock.
	if _, err := tx.ExecContext(ctx, `INSERT INTO trust_states(user_id, alpha, beta, score)
		VALUES($1, 1, 1, 50) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	var t models.TrustState
	if err := tx.QueryRowContext(ctx, `SELECT user_id, alpha, beta, score FROM trust_states
		WHERE user_id=$1 FOR UPDATE`, userID).Scan(&t.UserID, &t.Alpha, &t.Beta, &t.Score); err != nil {
		return nil, err
	}
	if err := fn(&t); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trust_states SET alpha=$1, beta=$2, score=$3 WHERE user_id=$4`,
		t.Alpha, t.Beta, t.Score, t.UserID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) SaveFeedback(ctx context.Context, fb *models.Feedback) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO feedbacks(id, from_user_id, to_user_id, ride_id, comment,
		sentiment_score, weight, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		fb.ID, fb.FromUserID, fb.ToUserID, fb.RideID, fb.Comment, fb.SentimentScore, fb.Weight, fb.CreatedAt)
	return err
}

func (p *PostgresStore) HasFeedback(ctx context.Context, fromUserID, rideID string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM feedbacks WHERE from_user_id=$1 AND ride_id=$2`,
		fromUserID, rideID).Scan(&n)
	return n > 0, err
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(id, username, phone, guardian_id) VALUES($1,$2,$3,$4)`,
		u.ID, u.Username, u.Phone, nullable(u.GuardianID))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var guardian sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT id, username, phone, guardian_id FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username, &u.Phone, &guardian)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.GuardianID = guardian.String
	return &u, nil
}

func (p *PostgresStore) SaveGuardianView(ctx context.Context, v *models.GuardianView) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO guardian_views(guardian_id, child_ride_id, child_lat, child_lon,
		ride_status, partner_username, partner_phone) VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (guardian_id) DO UPDATE SET child_ride_id=$2, child_lat=$3, child_lon=$4,
		ride_status=$5, partner_username=$6, partner_phone=$7`,
		v.GuardianID, v.ChildRideID, v.ChildLat, v.ChildLon, v.RideStatus, v.PartnerUsername, v.PartnerPhone)
	return err
}

func (p *PostgresStore) GuardianView(ctx context.Context, guardianID string) (*models.GuardianView, error) {
	var v models.GuardianView
	err := p.db.QueryRowContext(ctx, `SELECT guardian_id, child_ride_id, child_lat, child_lon,
		ride_status, partner_username, partner_phone FROM guardian_views WHERE guardian_id=$1`, guardianID).
		Scan(&v.GuardianID, &v.ChildRideID, &v.ChildLat, &v.ChildLon, &v.RideStatus, &v.PartnerUsername, &v.PartnerPhone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
