package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

// PostgresStore implements Store on Postgres. Guarded transitions are
// conditional UPDATE ... WHERE status = $expected statements; a zero
// rows-affected count means the precondition no longer held and the caller
// gets ErrConflict. Every transition commits in one transaction with its
// timeline append, so timeline order always matches commit order.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type tripRow struct {
	ID                 string          `db:"id"`
	Number             string          `db:"number"`
	CustomerID         string          `db:"customer_id"`
	DriverID           sql.NullString  `db:"driver_id"`
	PickupLat          float64         `db:"pickup_lat"`
	PickupLon          float64         `db:"pickup_lon"`
	PickupAddress      string          `db:"pickup_address"`
	DestLat            float64         `db:"dest_lat"`
	DestLon            float64         `db:"dest_lon"`
	DestAddress        string          `db:"dest_address"`
	DistanceMeters     float64         `db:"distance_meters"`
	DurationSeconds    float64         `db:"duration_seconds"`
	Polyline           sql.NullString  `db:"polyline"`
	SameCompound       bool            `db:"same_compound"`
	BaseFare           int64           `db:"base_fare"`
	DistanceCharge     int64           `db:"distance_charge"`
	TimeCharge         int64           `db:"time_charge"`
	SurgeFee           int64           `db:"surge_fee"`
	Discount           int64           `db:"discount"`
	Subtotal           int64           `db:"subtotal"`
	Total              int64           `db:"total"`
	SurgeMultiplier    float64         `db:"surge_multiplier"`
	Currency           string          `db:"currency"`
	OfferedAmount      int64           `db:"offered_amount"`
	Status             string          `db:"status"`
	PaymentMethod      string          `db:"payment_method"`
	PaymentStatus      sql.NullString  `db:"payment_status"`
	DriverEarnings     int64           `db:"driver_earnings"`
	PlatformCommission int64           `db:"platform_commission"`
	PaymentRef         sql.NullString  `db:"payment_ref"`
	PIN                string          `db:"pin"`
	PickupETASeconds   float64         `db:"pickup_eta_seconds"`
	CancelledBy        sql.NullString  `db:"cancelled_by"`
	CancelReason       sql.NullString  `db:"cancel_reason"`
	DriverRating       float64         `db:"driver_rating"`
	CustomerRating     float64         `db:"customer_rating"`
	RequestedAt        time.Time       `db:"requested_at"`
	AcceptedAt         sql.NullTime    `db:"accepted_at"`
	ArrivedAt          sql.NullTime    `db:"arrived_at"`
	StartedAt          sql.NullTime    `db:"started_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"`
	CancelledAt        sql.NullTime    `db:"cancelled_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r *tripRow) toModel() *models.Trip {
	t := &models.Trip{
		ID:              r.ID,
		Number:          r.Number,
		CustomerID:      r.CustomerID,
		DriverID:        r.DriverID.String,
		Pickup:          models.Place{Coord: models.Coord{Lat: r.PickupLat, Lon: r.PickupLon}, Address: r.PickupAddress},
		Destination:     models.Place{Coord: models.Coord{Lat: r.DestLat, Lon: r.DestLon}, Address: r.DestAddress},
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		Polyline:        r.Polyline.String,
		SameCompound:    r.SameCompound,
		Fare: models.FareBreakdown{
			BaseFare:        r.BaseFare,
			DistanceCharge:  r.DistanceCharge,
			TimeCharge:      r.TimeCharge,
			SurgeFee:        r.SurgeFee,
			Discount:        r.Discount,
			Subtotal:        r.Subtotal,
			Total:           r.Total,
			SurgeMultiplier: r.SurgeMultiplier,
			Currency:        r.Currency,
		},
		OfferedAmount: r.OfferedAmount,
		Status:        models.TripStatus(r.Status),
		PaymentMethod: r.PaymentMethod,
		PaymentStatus: r.PaymentStatus.String,
		Settlement: models.Settlement{
			DriverEarnings:     r.DriverEarnings,
			PlatformCommission: r.PlatformCommission,
			PaymentRef:         r.PaymentRef.String,
		},
		PIN:              r.PIN,
		PickupETASeconds: r.PickupETASeconds,
		CancelledBy:      models.CancelActor(r.CancelledBy.String),
		CancelReason:     r.CancelReason.String,
		DriverRating:     r.DriverRating,
		CustomerRating:   r.CustomerRating,
		RequestedAt:      r.RequestedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	t.AcceptedAt = nullTimePtr(r.AcceptedAt)
	t.ArrivedAt = nullTimePtr(r.ArrivedAt)
	t.StartedAt = nullTimePtr(r.StartedAt)
	t.CompletedAt = nullTimePtr(r.CompletedAt)
	t.CancelledAt = nullTimePtr(r.CancelledAt)
	return t
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO trips (
			id, number, customer_id,
			pickup_lat, pickup_lon, pickup_address,
			dest_lat, dest_lon, dest_address,
			distance_meters, duration_seconds, polyline, same_compound,
			base_fare, distance_charge, time_charge, surge_fee, discount,
			subtotal, total, surge_multiplier, currency, offered_amount,
			status, payment_method, pin, requested_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28
		)`,
			t.ID, t.Number, t.CustomerID,
			t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Pickup.Address,
			t.Destination.Coord.Lat, t.Destination.Coord.Lon, t.Destination.Address,
			t.DistanceMeters, t.DurationSeconds, t.Polyline, t.SameCompound,
			t.Fare.BaseFare, t.Fare.DistanceCharge, t.Fare.TimeCharge, t.Fare.SurgeFee, t.Fare.Discount,
			t.Fare.Subtotal, t.Fare.Total, t.Fare.SurgeMultiplier, t.Fare.Currency, t.OfferedAmount,
			string(t.Status), t.PaymentMethod, t.PIN, t.RequestedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert trip %s: %w", t.ID, err)
		}
		return p.appendTimeline(ctx, tx, t.ID, "trip_requested", t.RequestedAt, nil)
	})
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var row tripRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM trips WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	t := row.toModel()
	timeline, err := p.loadTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Timeline = timeline
	return t, nil
}

func (p *PostgresStore) ListDispatchable(ctx context.Context) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids,
		`SELECT id FROM trips WHERE status IN ($1, $2)`,
		string(models.StatusSearching), string(models.StatusDriversFound))
	if err != nil {
		return nil, fmt.Errorf("list dispatchable: %w", err)
	}
	return ids, nil
}

func (p *PostgresStore) MarkDriversFound(ctx context.Context, tripID string) (*models.Trip, error) {
	now := time.Now()
	var updated bool
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE trips SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(models.StatusDriversFound), now, tripID, string(models.StatusSearching))
		if err != nil {
			return fmt.Errorf("mark drivers_found %s: %w", tripID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			updated = true
			return p.appendTimeline(ctx, tx, tripID, "drivers_found", now, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t, err := p.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if updated || t.Status == models.StatusDriversFound {
		// fresh transition or idempotent repeat
		return t, nil
	}
	return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
}

func (p *PostgresStore) AssignDriver(ctx context.Context, tripID, driverID string, pickupETASeconds float64) (*models.Trip, error) {
	now := time.Now()
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE trips
			SET status = $1, driver_id = $2, accepted_at = $3,
			    pickup_eta_seconds = $4, updated_at = $3
			WHERE id = $5 AND status IN ($6, $7)`,
			string(models.StatusDriverAssigned), driverID, now, pickupETASeconds,
			tripID, string(models.StatusSearching), string(models.StatusDriversFound))
		if err != nil {
			return fmt.Errorf("assign trip update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("trip %s no longer searching: %w", tripID, models.ErrConflict)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE drivers
			SET available = false, current_trip_id = $1, updated_at = $2
			WHERE id = $3 AND online = true AND available = true`,
			tripID, now, driverID)
		if err != nil {
			return fmt.Errorf("assign driver update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("driver %s unavailable: %w", driverID, models.ErrConflict)
		}

		meta, _ := json.Marshal(map[string]string{"driver_id": driverID})
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trip_timeline (trip_id, event, at, metadata) VALUES ($1, $2, $3, $4)`,
			tripID, "driver_assigned", now, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) MarkArrived(ctx context.Context, tripID string) (*models.Trip, error) {
	now := time.Now()
	var updated bool
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE trips SET status = $1, arrived_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(models.StatusDriverArrived), now, tripID, string(models.StatusDriverAssigned))
		if err != nil {
			return fmt.Errorf("mark arrived %s: %w", tripID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			updated = true
			return p.appendTimeline(ctx, tx, tripID, "driver_arrived", now, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t, err := p.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if updated || t.Status == models.StatusDriverArrived {
		return t, nil // fresh transition or repeated arrival signal
	}
	return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
}

func (p *PostgresStore) StartTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	now := time.Now()
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE trips SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(models.StatusInProgress), now, tripID, string(models.StatusDriverArrived))
		if err != nil {
			return fmt.Errorf("start trip %s: %w", tripID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("trip %s not in driver_arrived: %w", tripID, models.ErrConflict)
		}
		return p.appendTimeline(ctx, tx, tripID, "trip_started", now, nil)
	})
	if err != nil {
		return nil, err
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) CompleteTrip(ctx context.Context, tripID string, st models.Settlement) (*models.Trip, error) {
	now := time.Now()
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		var driverID sql.NullString
		// lock the row so the driver release below pairs with this exact transition
		if err := tx.GetContext(ctx, &driverID,
			`SELECT driver_id FROM trips WHERE id = $1 FOR UPDATE`, tripID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
			}
			return fmt.Errorf("lock trip %s: %w", tripID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE trips
			SET status = $1, completed_at = $2, updated_at = $2,
			    driver_earnings = $3, platform_commission = $4, payment_ref = $5,
			    payment_status = 'settled'
			WHERE id = $6 AND status = $7`,
			string(models.StatusCompleted), now,
			st.DriverEarnings, st.PlatformCommission, st.PaymentRef,
			tripID, string(models.StatusInProgress))
		if err != nil {
			return fmt.Errorf("complete trip update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("trip %s not in progress: %w", tripID, models.ErrConflict)
		}
		if driverID.Valid {
			if err := releaseDriverTx(ctx, tx, driverID.String, now); err != nil {
				return err
			}
		}
		meta, _ := json.Marshal(map[string]string{
			"driver_earnings":     fmt.Sprintf("%d", st.DriverEarnings),
			"platform_commission": fmt.Sprintf("%d", st.PlatformCommission),
		})
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trip_timeline (trip_id, event, at, metadata) VALUES ($1, $2, $3, $4)`,
			tripID, "trip_completed", now, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) CancelTrip(ctx context.Context, tripID string, by models.CancelActor, reason string) (*models.Trip, error) {
	now := time.Now()
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		var driverID sql.NullString
		if err := tx.GetContext(ctx, &driverID,
			`SELECT driver_id FROM trips WHERE id = $1 FOR UPDATE`, tripID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
			}
			return fmt.Errorf("lock trip %s: %w", tripID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE trips
			SET status = $1, cancelled_at = $2, updated_at = $2, cancelled_by = $3, cancel_reason = $4
			WHERE id = $5 AND status NOT IN ($6, $7)`,
			string(models.StatusCancelled), now, string(by), reason,
			tripID, string(models.StatusCompleted), string(models.StatusCancelled))
		if err != nil {
			return fmt.Errorf("cancel trip update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("trip %s already terminal: %w", tripID, models.ErrConflict)
		}
		if driverID.Valid {
			if err := releaseDriverTx(ctx, tx, driverID.String, now); err != nil {
				return err
			}
		}
		meta, _ := json.Marshal(map[string]string{"by": string(by), "reason": reason})
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trip_timeline (trip_id, event, at, metadata) VALUES ($1, $2, $3, $4)`,
			tripID, "trip_cancelled", now, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) RateTrip(ctx context.Context, tripID string, party models.RatedParty, rating float64) (*models.Trip, error) {
	now := time.Now()
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		var col string
		switch party {
		case models.RateDriver:
			col = "driver_rating"
		case models.RateCustomer:
			col = "customer_rating"
		default:
			return fmt.Errorf("unknown rated party %q", party)
		}
		var driverID sql.NullString
		if err := tx.GetContext(ctx, &driverID,
			`SELECT driver_id FROM trips WHERE id = $1 FOR UPDATE`, tripID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
			}
			return fmt.Errorf("lock trip %s: %w", tripID, err)
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE trips SET %s = $1, updated_at = $2
			WHERE id = $3 AND status = $4 AND %s = 0`, col, col),
			rating, now, tripID, string(models.StatusCompleted))
		if err != nil {
			return fmt.Errorf("rate trip update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("trip %s not ratable: %w", tripID, models.ErrConflict)
		}
		if party == models.RateDriver && driverID.Valid {
			_, err = tx.ExecContext(ctx, `
				UPDATE drivers
				SET rating_sum = rating_sum + $1, rating_count = rating_count + 1, updated_at = $2
				WHERE id = $3`, rating, now, driverID.String)
			if err != nil {
				return fmt.Errorf("update driver rating: %w", err)
			}
		}
		meta, _ := json.Marshal(map[string]string{"party": string(party), "rating": fmt.Sprintf("%.1f", rating)})
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trip_timeline (trip_id, event, at, metadata) VALUES ($1, $2, $3, $4)`,
			tripID, "rated", now, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p.GetTrip(ctx, tripID)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var row struct {
		ID            string         `db:"id"`
		Lat           float64        `db:"lat"`
		Lon           float64        `db:"lon"`
		Online        bool           `db:"online"`
		Available     bool           `db:"available"`
		CurrentTripID sql.NullString `db:"current_trip_id"`
		RatingSum     float64        `db:"rating_sum"`
		RatingCount   int64          `db:"rating_count"`
		UpdatedAt     time.Time      `db:"updated_at"`
	}
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM drivers WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get driver %s: %w", id, err)
	}
	return &models.Driver{
		ID:            row.ID,
		Loc:           models.Coord{Lat: row.Lat, Lon: row.Lon},
		Online:        row.Online,
		Available:     row.Available,
		CurrentTripID: row.CurrentTripID.String,
		RatingSum:     row.RatingSum,
		RatingCount:   row.RatingCount,
		Updated:       row.UpdatedAt,
	}, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	// availability is only refreshed for drivers with no active trip;
	// assignment and release own that flag otherwise
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, lat, lon, online, available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			online = EXCLUDED.online,
			available = CASE WHEN drivers.current_trip_id IS NULL THEN EXCLUDED.available ELSE drivers.available END,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Loc.Lat, d.Loc.Lon, d.Online, d.Available, time.Now())
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PostgresStore) appendTimeline(ctx context.Context, ex execer, tripID, event string, at time.Time, meta map[string]string) error {
	var metaJSON []byte
	if meta != nil {
		metaJSON, _ = json.Marshal(meta)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO trip_timeline (trip_id, event, at, metadata) VALUES ($1, $2, $3, $4)`,
		tripID, event, at, metaJSON)
	if err != nil {
		return fmt.Errorf("append timeline %s/%s: %w", tripID, event, err)
	}
	return nil
}

func (p *PostgresStore) loadTimeline(ctx context.Context, tripID string) ([]models.TimelineEntry, error) {
	rows, err := p.db.QueryxContext(ctx,
		`SELECT event, at, metadata FROM trip_timeline WHERE trip_id = $1 ORDER BY id`, tripID)
	if err != nil {
		return nil, fmt.Errorf("load timeline %s: %w", tripID, err)
	}
	defer rows.Close()
	var out []models.TimelineEntry
	for rows.Next() {
		var (
			event    string
			at       time.Time
			metaJSON []byte
		)
		if err := rows.Scan(&event, &at, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan timeline %s: %w", tripID, err)
		}
		e := models.TimelineEntry{Event: event, At: at}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func releaseDriverTx(ctx context.Context, tx *sqlx.Tx, driverID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE drivers
		SET available = true, current_trip_id = NULL, updated_at = $1
		WHERE id = $2`, now, driverID)
	if err != nil {
		return fmt.Errorf("release driver %s: %w", driverID, err)
	}
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
