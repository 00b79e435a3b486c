package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded migrations in file-name order. Each script is
// idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const tripColumns = `id, passenger_id, driver_id, status, origin_lat, origin_lng, origin_address,
	dest_lat, dest_lng, dest_address, vehicle_category, distance_km, eta_minutes, price_base,
	price_final, bidding_expires_at, created_at, updated_at, matched_at, started_at,
	completed_at, cancelled_at, cancel_reason, cancelled_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(r rowScanner) (models.Trip, error) {
	var (
		t                                         models.Trip
		driverID, cancelReason, cancelledBy       sql.NullString
		distance, eta                             sql.NullFloat64
		priceFinal                                sql.NullInt64
		matchedAt, startedAt, completedAt, cancAt sql.NullTime
	)
	err := r.Scan(&t.ID, &t.PassengerID, &driverID, &t.Status,
		&t.Origin.Lat, &t.Origin.Lon, &t.Origin.Address,
		&t.Destination.Lat, &t.Destination.Lon, &t.Destination.Address,
		&t.VehicleCategory, &distance, &eta, &t.PriceBase, &priceFinal,
		&t.BiddingExpiresAt, &t.CreatedAt, &t.UpdatedAt,
		&matchedAt, &startedAt, &completedAt, &cancAt, &cancelReason, &cancelledBy)
	if err != nil {
		return models.Trip{}, err
	}
	t.DriverID = driverID.String
	t.CancelReason = models.CancelReason(cancelReason.String)
	t.CancelledBy = cancelledBy.String
	if distance.Valid {
		t.DistanceKm = &distance.Float64
	}
	if eta.Valid {
		t.EtaMinutes = &eta.Float64
	}
	if priceFinal.Valid {
		t.PriceFinal = &priceFinal.Int64
	}
	t.MatchedAt = nullTime(matchedAt)
	t.StartedAt = nullTime(startedAt)
	t.CompletedAt = nullTime(completedAt)
	t.CancelledAt = nullTime(cancAt)
	return t, nil
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func getTrip(ctx context.Context, q queryer, id, suffix string) (models.Trip, error) {
	t, err := scanTrip(q.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, fmt.Errorf("%w: trip %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("get trip %s: %w", id, err)
	}
	return t, nil
}

func queryTrips(ctx context.Context, q queryer, query string, args ...any) ([]models.Trip, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	return getTrip(ctx, p.db, id, "")
}

func (p *PostgresStore) ListExpiredBidding(ctx context.Context, now time.Time, limit int) ([]models.Trip, error) {
	return queryTrips(ctx, p.db, `SELECT `+tripColumns+` FROM trips
		WHERE status=$1 AND bidding_expires_at < $2 ORDER BY bidding_expires_at, id LIMIT $3`,
		models.StatusBidding, now, limitOrAll(limit))
}

func (p *PostgresStore) ListTripsByStatus(ctx context.Context, status models.TripStatus, limit int) ([]models.Trip, error) {
	return queryTrips(ctx, p.db, `SELECT `+tripColumns+` FROM trips
		WHERE status=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, status, limitOrAll(limit))
}

func (p *PostgresStore) ListRecentTrips(ctx context.Context, limit int) ([]models.Trip, error) {
	return queryTrips(ctx, p.db, `SELECT `+tripColumns+` FROM trips
		ORDER BY created_at DESC, id DESC LIMIT $1`, limitOrAll(limit))
}

const bidColumns = `id, trip_id, driver_id, price_offer, eta_to_pickup_minutes, status, created_at`

func scanBid(r rowScanner) (models.Bid, error) {
	var (
		b   models.Bid
		eta sql.NullInt64
	)
	if err := r.Scan(&b.ID, &b.TripID, &b.DriverID, &b.PriceOffer, &eta, &b.Status, &b.CreatedAt); err != nil {
		return models.Bid{}, err
	}
	if eta.Valid {
		v := int(eta.Int64)
		b.EtaToPickupMinutes = &v
	}
	return b, nil
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (models.Bid, error) {
	b, err := scanBid(p.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bid{}, fmt.Errorf("%w: bid %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return models.Bid{}, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

func (p *PostgresStore) ListBids(ctx context.Context, tripID string) ([]models.Bid, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE trip_id=$1 ORDER BY created_at, id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetOTP(ctx context.Context, tripID string) (models.OtpRecord, error) {
	var (
		rec      models.OtpRecord
		verified sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT trip_id, code_hash, expires_at, attempts, verified_at, created_at
		FROM trip_otps WHERE trip_id=$1`, tripID).
		Scan(&rec.TripID, &rec.CodeHash, &rec.ExpiresAt, &rec.Attempts, &verified, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OtpRecord{}, fmt.Errorf("%w: otp for trip %s", apperrors.ErrNotFound, tripID)
	}
	if err != nil {
		return models.OtpRecord{}, fmt.Errorf("get otp %s: %w", tripID, err)
	}
	rec.VerifiedAt = nullTime(verified)
	return rec, nil
}

func (p *PostgresStore) IncrementOTPAttempts(ctx context.Context, tripID string, max int) (int, bool, error) {
	var attempts int
	err := p.db.QueryRowContext(ctx, `UPDATE trip_otps SET attempts = attempts + 1
		WHERE trip_id=$1 AND attempts < $2 RETURNING attempts`, tripID, max).Scan(&attempts)
	if err == nil {
		return attempts, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("increment otp attempts %s: %w", tripID, err)
	}
	rec, err := p.GetOTP(ctx, tripID)
	if err != nil {
		return 0, false, err
	}
	return rec.Attempts, false, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, actor_id, type, payload, created_at
		FROM trip_events WHERE trip_id=$1 ORDER BY seq DESC`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripEvent
	for rows.Next() {
		var (
			e       models.TripEvent
			actor   sql.NullString
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TripID, &actor, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = actor.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %s payload: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListLocations(ctx context.Context, tripID string, limit int) ([]models.LocationPing, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, actor_id, actor_role, lat, lng, speed, heading, created_at
		FROM trip_locations WHERE trip_id=$1 ORDER BY seq DESC LIMIT $2`, tripID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocationPing
	for rows.Next() {
		var (
			l              models.LocationPing
			speed, heading sql.NullFloat64
		)
		if err := rows.Scan(&l.ID, &l.TripID, &l.ActorID, &l.ActorRole, &l.Loc.Lat, &l.Loc.Lon, &speed, &heading, &l.CreatedAt); err != nil {
			return nil, err
		}
		if speed.Valid {
			l.Speed = &speed.Float64
		}
		if heading.Valid {
			l.Heading = &heading.Float64
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetSafetyState(ctx context.Context, tripID string) (models.SafetyState, bool, error) {
	return getSafetyState(ctx, p.db, tripID)
}

func getSafetyState(ctx context.Context, q queryer, tripID string) (models.SafetyState, bool, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT state FROM trip_safety WHERE trip_id=$1`, tripID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SafetyState{}, false, nil
	}
	if err != nil {
		return models.SafetyState{}, false, fmt.Errorf("get safety state %s: %w", tripID, err)
	}
	var s models.SafetyState
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.SafetyState{}, false, fmt.Errorf("decode safety state %s: %w", tripID, err)
	}
	return s, true, nil
}

type pgTx struct {
	q queryer
}

func (tx *pgTx) LockTrip(ctx context.Context, id string) (models.Trip, error) {
	return getTrip(ctx, tx.q, id, " FOR UPDATE")
}

func (tx *pgTx) CreateTrip(ctx context.Context, t models.Trip) error {
	_, err := tx.q.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		t.ID, t.PassengerID, nullString(t.DriverID), string(t.Status),
		t.Origin.Lat, t.Origin.Lon, t.Origin.Address,
		t.Destination.Lat, t.Destination.Lon, t.Destination.Address,
		string(t.VehicleCategory), t.DistanceKm, t.EtaMinutes, t.PriceBase, t.PriceFinal,
		t.BiddingExpiresAt, t.CreatedAt, t.UpdatedAt,
		t.MatchedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		nullString(string(t.CancelReason)), nullString(t.CancelledBy))
	if err != nil {
		return fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTripIf is the claim: the status predicate in the WHERE clause makes
// concurrent callers serialise on the row lock and all but one see zero rows.
func (tx *pgTx) UpdateTripIf(ctx context.Context, id string, expected models.TripStatus, patch models.TripPatch) (bool, error) {
	var reason *string
	if patch.CancelReason != nil {
		r := string(*patch.CancelReason)
		reason = &r
	}
	status := patch.Status
	if status == "" {
		status = expected
	}
	res, err := tx.q.ExecContext(ctx, `UPDATE trips SET
			status=$3,
			driver_id=COALESCE($4::text, driver_id),
			price_final=COALESCE($5::bigint, price_final),
			matched_at=COALESCE($6::timestamptz, matched_at),
			started_at=COALESCE($7::timestamptz, started_at),
			completed_at=COALESCE($8::timestamptz, completed_at),
			cancelled_at=COALESCE($9::timestamptz, cancelled_at),
			cancel_reason=COALESCE($10::text, cancel_reason),
			cancelled_by=COALESCE($11::text, cancelled_by),
			updated_at=COALESCE($12::timestamptz, updated_at)
		WHERE id=$1 AND status=$2`,
		id, string(expected), string(status), patch.DriverID, patch.PriceFinal,
		patch.MatchedAt, patch.StartedAt, patch.CompletedAt, patch.CancelledAt,
		reason, patch.CancelledBy, nullTimeArg(patch.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("update trip %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (tx *pgTx) InsertBid(ctx context.Context, b models.Bid) error {
	_, err := tx.q.ExecContext(ctx, `INSERT INTO bids (`+bidColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.TripID, b.DriverID, b.PriceOffer, b.EtaToPickupMinutes, string(b.Status), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bid %s: %w", b.ID, err)
	}
	return nil
}

func (tx *pgTx) UpdateBidIf(ctx context.Context, id string, expected, status models.BidStatus) (bool, error) {
	res, err := tx.q.ExecContext(ctx, `UPDATE bids SET status=$3 WHERE id=$1 AND status=$2`, id, string(expected), string(status))
	if err != nil {
		return false, fmt.Errorf("update bid %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (tx *pgTx) RejectPendingBids(ctx context.Context, tripID, exceptID string) (int, error) {
	res, err := tx.q.ExecContext(ctx, `UPDATE bids SET status=$3 WHERE trip_id=$1 AND id<>$2 AND status=$4`,
		tripID, exceptID, string(models.BidRejected), string(models.BidPending))
	if err != nil {
		return 0, fmt.Errorf("reject bids %s: %w", tripID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (tx *pgTx) UpsertOTP(ctx context.Context, rec models.OtpRecord) error {
	_, err := tx.q.ExecContext(ctx, `INSERT INTO trip_otps (trip_id, code_hash, expires_at, attempts, verified_at, created_at)
		VALUES ($1,$2,$3,$4,NULL,$5)
		ON CONFLICT (trip_id) DO UPDATE SET code_hash=EXCLUDED.code_hash, expires_at=EXCLUDED.expires_at,
			attempts=EXCLUDED.attempts, verified_at=NULL, created_at=EXCLUDED.created_at`,
		rec.TripID, rec.CodeHash, rec.ExpiresAt, rec.Attempts, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert otp %s: %w", rec.TripID, err)
	}
	return nil
}

func (tx *pgTx) MarkOTPVerified(ctx context.Context, tripID string, at time.Time) error {
	res, err := tx.q.ExecContext(ctx, `UPDATE trip_otps SET verified_at=$2 WHERE trip_id=$1`, tripID, at)
	if err != nil {
		return fmt.Errorf("verify otp %s: %w", tripID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: otp for trip %s", apperrors.ErrNotFound, tripID)
	}
	return nil
}

func (tx *pgTx) AppendEvent(ctx context.Context, e models.TripEvent) error {
	payload := []byte("{}")
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event %s payload: %w", e.Type, err)
		}
		payload = b
	}
	_, err := tx.q.ExecContext(ctx, `INSERT INTO trip_events (id, trip_id, actor_id, type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, e.ID, e.TripID, nullString(e.ActorID), e.Type, payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func (tx *pgTx) CountEvents(ctx context.Context, tripID, eventType string) (int, error) {
	var n int
	err := tx.q.QueryRowContext(ctx, `SELECT count(*) FROM trip_events WHERE trip_id=$1 AND type=$2`, tripID, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events %s: %w", tripID, err)
	}
	return n, nil
}

func (tx *pgTx) InsertLocation(ctx context.Context, l models.LocationPing) error {
	_, err := tx.q.ExecContext(ctx, `INSERT INTO trip_locations (id, trip_id, actor_id, actor_role, lat, lng, speed, heading, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.TripID, l.ActorID, l.ActorRole, l.Loc.Lat, l.Loc.Lon, l.Speed, l.Heading, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert location %s: %w", l.TripID, err)
	}
	return nil
}

func (tx *pgTx) GetSafetyState(ctx context.Context, tripID string) (models.SafetyState, bool, error) {
	return getSafetyState(ctx, tx.q, tripID)
}

func (tx *pgTx) SaveSafetyState(ctx context.Context, s models.SafetyState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode safety state %s: %w", s.TripID, err)
	}
	_, err = tx.q.ExecContext(ctx, `INSERT INTO trip_safety (trip_id, state, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (trip_id) DO UPDATE SET state=EXCLUDED.state, updated_at=EXCLUDED.updated_at`,
		s.TripID, raw, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save safety state %s: %w", s.TripID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimeArg(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
