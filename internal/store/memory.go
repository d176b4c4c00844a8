package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"ridelink/internal/ride"
)

// Memory keeps rides in a map. It is meant for tests and ephemeral runs.
type Memory struct {
	mu    sync.RWMutex
	rides map[string]ride.Ride
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rides: make(map[string]ride.Ride)}
}

func (m *Memory) Save(ctx context.Context, r ride.Ride) error {
	if err := ctx.Err(); err != nil {
		return unavailable("save ride", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	m.rides[r.ID] = clone(r)
	return nil
}

// All snapshots the rides each time the sequence is iterated.
func (m *Memory) All(ctx context.Context) iter.Seq2[ride.Ride, error] {
	return func(yield func(ride.Ride, error) bool) {
		for _, r := range m.snapshot() {
			if err := ctx.Err(); err != nil {
				yield(ride.Ride{}, unavailable("list rides", err))
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *Memory) snapshot() []ride.Ride {
	m.mu.RLock()
	all := make([]ride.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		all = append(all, clone(r))
	}
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b ride.Ride) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return all
}

func (m *Memory) Get(_ context.Context, id string) (ride.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return ride.Ride{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(r), nil
}

func (m *Memory) UnsyncedCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rides {
		if !r.HealthDataSynced {
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkSynced(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.HealthDataSynced = true
	m.rides[id] = r
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func clone(r ride.Ride) ride.Ride {
	r.Locations = nonNil(slices.Clone(r.Locations))
	r.HeartRate = nonNil(slices.Clone(r.HeartRate))
	r.Glucose = nonNil(slices.Clone(r.Glucose))
	r.Heading = nonNil(slices.Clone(r.Heading))
	return r
}
