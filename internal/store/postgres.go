package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridelink/internal/location"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
)

// Querier is the subset of *pgxpool.Pool the postgres store uses. pgxmock
// pools satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rides (
    id                  TEXT PRIMARY KEY,
    started_at          TIMESTAMPTZ NOT NULL,
    ended_at            TIMESTAMPTZ NOT NULL,
    locations           JSONB NOT NULL DEFAULT '[]',
    heart_rate          JSONB NOT NULL DEFAULT '[]',
    glucose             JSONB NOT NULL DEFAULT '[]',
    heading             JSONB NOT NULL DEFAULT '[]',
    health_data_synced  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_rides_started ON rides(started_at, id);
`

const uniqueViolation = "23505"

const selectRide = `SELECT id, started_at, ended_at, locations, heart_rate, glucose, heading, health_data_synced FROM rides`

// Postgres stores each ride as one row with JSONB sample columns.
type Postgres struct {
	db Querier
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects a pool to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping postgres", err)
	}

	s := NewPostgres(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return unavailable("apply schema", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func (s *Postgres) Save(ctx context.Context, r ride.Ride) error {
	cols, err := encodeColumns(r)
	if err != nil {
		return fmt.Errorf("encode ride %s: %w", r.ID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO rides (id, started_at, ended_at, locations, heart_rate, glucose, heading, health_data_synced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.StartedAt, r.EndedAt, cols[0], cols[1], cols[2], cols[3], r.HealthDataSynced,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		return unavailable("insert ride", err)
	}
	return nil
}

func (s *Postgres) All(ctx context.Context) iter.Seq2[ride.Ride, error] {
	return func(yield func(ride.Ride, error) bool) {
		rows, err := s.db.Query(ctx, selectRide+` ORDER BY started_at ASC, id ASC`)
		if err != nil {
			yield(ride.Ride{}, unavailable("query rides", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanPostgresRide(rows)
			if err != nil {
				yield(ride.Ride{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ride.Ride{}, unavailable("iterate rides", err))
		}
	}
}

func (s *Postgres) Get(ctx context.Context, id string) (ride.Ride, error) {
	r, err := scanPostgresRide(s.db.QueryRow(ctx, selectRide+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ride.Ride{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (s *Postgres) UnsyncedCount(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM rides WHERE NOT health_data_synced`).Scan(&n); err != nil {
		return 0, unavailable("count unsynced rides", err)
	}
	return int(n), nil
}

func (s *Postgres) MarkSynced(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE rides SET health_data_synced = TRUE WHERE id = $1`, id)
	if err != nil {
		return unavailable("mark ride synced", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func encodeColumns(r ride.Ride) ([4][]byte, error) {
	var cols [4][]byte
	var err error
	if cols[0], err = json.Marshal(nonNil(r.Locations)); err != nil {
		return cols, err
	}
	for i, kind := range sensor.Kinds {
		if cols[i+1], err = json.Marshal(nonNil(r.Samples(kind))); err != nil {
			return cols, err
		}
	}
	return cols, nil
}

func scanPostgresRide(row pgx.Row) (ride.Ride, error) {
	var (
		r                          ride.Ride
		locs, hr, glucose, heading []byte
	)
	err := row.Scan(&r.ID, &r.StartedAt, &r.EndedAt, &locs, &hr, &glucose, &heading, &r.HealthDataSynced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ride.Ride{}, err
		}
		return ride.Ride{}, unavailable("scan ride", err)
	}

	r.Locations = []location.Point{}
	if err := json.Unmarshal(locs, &r.Locations); err != nil {
		return ride.Ride{}, fmt.Errorf("decode locations of %s: %w", r.ID, err)
	}
	for kind, raw := range map[sensor.Kind][]byte{sensor.HeartRate: hr, sensor.Glucose: glucose, sensor.Heading: heading} {
		samples := []sensor.Reading{}
		if err := json.Unmarshal(raw, &samples); err != nil {
			return ride.Ride{}, fmt.Errorf("decode %s samples of %s: %w", kind, r.ID, err)
		}
		switch kind {
		case sensor.HeartRate:
			r.HeartRate = samples
		case sensor.Glucose:
			r.Glucose = samples
		case sensor.Heading:
			r.Heading = samples
		}
	}
	return r, nil
}
