// Package store persists finished rides.
//
// Rides are append-only: Save never overwrites an existing ID and the only
// in-place update is MarkSynced. The unsynced count is always computed from
// the stored rides, never maintained as a separate counter.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"ridelink/internal/ride"
)

var (
	// ErrDuplicateID is returned by Save when the ride ID already exists.
	ErrDuplicateID = errors.New("store: duplicate ride id")
	// ErrNotFound is returned for an unknown ride ID.
	ErrNotFound = errors.New("store: ride not found")
	// ErrUnavailable wraps infrastructure failures.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is a durable keyed collection of rides.
type Store interface {
	// Save inserts r. It fails with ErrDuplicateID if r.ID exists.
	Save(ctx context.Context, r ride.Ride) error
	// All yields every ride ordered by StartedAt, ties broken by ID.
	All(ctx context.Context) iter.Seq2[ride.Ride, error]
	// Get returns the ride with id or ErrNotFound.
	Get(ctx context.Context, id string) (ride.Ride, error)
	// UnsyncedCount counts rides whose health data is not yet synced.
	UnsyncedCount(ctx context.Context) (int, error)
	// MarkSynced sets HealthDataSynced on id. It is idempotent.
	MarkSynced(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Type names a store backend.
type Type string

const (
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
	TypeMemory   Type = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Type        Type
	Path        string // sqlite
	DSN         string // postgres
	BusyTimeout time.Duration
	MaxConns    int32
}

// New opens the backend named by opts.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case TypeSQLite, "":
		return Open(opts.Path, opts.BusyTimeout)
	case TypePostgres:
		return OpenPostgres(ctx, opts.DSN, opts.MaxConns)
	case TypeMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unknown type %q", opts.Type)
	}
}

// Summaries collects the summary of every ride in order.
func Summaries(ctx context.Context, s Store) ([]ride.Summary, error) {
	var out []ride.Summary
	for r, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, r.Summarize())
	}
	return out, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
