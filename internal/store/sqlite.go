package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"ridelink/internal/location"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
)

// DefaultBusyTimeout is used when Open is given a zero timeout.
const DefaultBusyTimeout = 5 * time.Second

// SQLite is the default local ride store.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open opens or creates the SQLite database at path and runs migrations.
func Open(path string, busyTimeout time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the handle for migration tooling.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Save inserts the ride and all its children in one transaction.
func (s *SQLite) Save(ctx context.Context, r ride.Ride) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rides (id, started_at_ns, ended_at_ns, health_data_synced)
		VALUES (?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixNano(), r.EndedAt.UnixNano(), r.HealthDataSynced,
	)
	if err != nil {
		if isDuplicateID(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		return unavailable("insert ride", err)
	}

	locStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ride_locations (ride_id, ordinal, timestamp_ns, latitude, longitude, altitude, accuracy)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return unavailable("prepare location statement", err)
	}
	defer locStmt.Close()
	for i, p := range r.Locations {
		if _, err := locStmt.ExecContext(ctx, r.ID, i, p.Timestamp.UnixNano(), p.Latitude, p.Longitude, p.Altitude, p.Accuracy); err != nil {
			return unavailable("insert location", err)
		}
	}

	sampleStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ride_samples (ride_id, kind, ordinal, timestamp_ns, value, device_id)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return unavailable("prepare sample statement", err)
	}
	defer sampleStmt.Close()
	for _, kind := range sensor.Kinds {
		for i, rd := range r.Samples(kind) {
			if _, err := sampleStmt.ExecContext(ctx, r.ID, string(kind), i, rd.Timestamp.UnixNano(), rd.Value, rd.DeviceID); err != nil {
				return unavailable("insert sample", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// isDuplicateID reports a primary key violation. Other constraint failures
// are storage faults.
func isDuplicateID(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// All loads ride headers first and then each ride's children, so no cursor
// stays open while the consumer runs.
func (s *SQLite) All(ctx context.Context) iter.Seq2[ride.Ride, error] {
	return func(yield func(ride.Ride, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, started_at_ns, ended_at_ns, health_data_synced
			FROM rides
			ORDER BY started_at_ns ASC, id ASC`)
		if err != nil {
			yield(ride.Ride{}, unavailable("query rides", err))
			return
		}
		headers, err := scanRides(rows)
		if err != nil {
			yield(ride.Ride{}, err)
			return
		}

		for _, r := range headers {
			if err := s.loadChildren(ctx, &r); err != nil {
				yield(ride.Ride{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *SQLite) Get(ctx context.Context, id string) (ride.Ride, error) {
	var (
		r                  ride.Ride
		startedNs, endedNs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at_ns, ended_at_ns, health_data_synced
		FROM rides WHERE id = ?`, id,
	).Scan(&r.ID, &startedNs, &endedNs, &r.HealthDataSynced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ride.Ride{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return ride.Ride{}, unavailable("get ride", err)
	}
	r.StartedAt = time.Unix(0, startedNs).UTC()
	r.EndedAt = time.Unix(0, endedNs).UTC()

	if err := s.loadChildren(ctx, &r); err != nil {
		return ride.Ride{}, err
	}
	return r, nil
}

func (s *SQLite) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides WHERE health_data_synced = 0`).Scan(&n); err != nil {
		return 0, unavailable("count unsynced rides", err)
	}
	return n, nil
}

func (s *SQLite) MarkSynced(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE rides SET health_data_synced = 1 WHERE id = ?`, id)
	if err != nil {
		return unavailable("mark ride synced", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("get rows affected", err)
	}
	// SQLite counts matched rows, so an already synced ride still reports 1.
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLite) loadChildren(ctx context.Context, r *ride.Ride) error {
	locRows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ns, latitude, longitude, altitude, accuracy
		FROM ride_locations WHERE ride_id = ?
		ORDER BY ordinal ASC`, r.ID)
	if err != nil {
		return unavailable("query locations", err)
	}
	defer locRows.Close()

	r.Locations = []location.Point{}
	for locRows.Next() {
		var (
			p   location.Point
			ts  int64
			alt sql.NullFloat64
		)
		if err := locRows.Scan(&ts, &p.Latitude, &p.Longitude, &alt, &p.Accuracy); err != nil {
			return unavailable("scan location", err)
		}
		p.Timestamp = time.Unix(0, ts).UTC()
		if alt.Valid {
			v := alt.Float64
			p.Altitude = &v
		}
		r.Locations = append(r.Locations, p)
	}
	if err := locRows.Err(); err != nil {
		return unavailable("iterate locations", err)
	}

	sampleRows, err := s.db.QueryContext(ctx, `
		SELECT kind, timestamp_ns, value, device_id
		FROM ride_samples WHERE ride_id = ?
		ORDER BY kind ASC, ordinal ASC`, r.ID)
	if err != nil {
		return unavailable("query samples", err)
	}
	defer sampleRows.Close()

	samples := make(map[sensor.Kind][]sensor.Reading)
	for sampleRows.Next() {
		var (
			rd   sensor.Reading
			kind string
			ts   int64
		)
		if err := sampleRows.Scan(&kind, &ts, &rd.Value, &rd.DeviceID); err != nil {
			return unavailable("scan sample", err)
		}
		rd.Kind = sensor.Kind(kind)
		rd.Timestamp = time.Unix(0, ts).UTC()
		samples[rd.Kind] = append(samples[rd.Kind], rd)
	}
	if err := sampleRows.Err(); err != nil {
		return unavailable("iterate samples", err)
	}

	r.HeartRate = nonNil(samples[sensor.HeartRate])
	r.Glucose = nonNil(samples[sensor.Glucose])
	r.Heading = nonNil(samples[sensor.Heading])
	return nil
}

func scanRides(rows *sql.Rows) ([]ride.Ride, error) {
	defer rows.Close()

	var out []ride.Ride
	for rows.Next() {
		var (
			r                  ride.Ride
			startedNs, endedNs int64
		)
		if err := rows.Scan(&r.ID, &startedNs, &endedNs, &r.HealthDataSynced); err != nil {
			return nil, unavailable("scan ride", err)
		}
		r.StartedAt = time.Unix(0, startedNs).UTC()
		r.EndedAt = time.Unix(0, endedNs).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate rides", err)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
