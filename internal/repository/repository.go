// Package repository exposes one logical reading stream per sensor kind,
// whatever transport backs it. The composition root picks the source of each
// kind once; nothing here re-selects or retries.
package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"ridelink/internal/link"
	"ridelink/internal/sensor"
)

var (
	// ErrNoSource is returned for a kind with no configured source.
	ErrNoSource = errors.New("repository: no source for sensor kind")
	// ErrNoDirectLink is returned by Connector for sources without a direct
	// link, such as the platform bridge.
	ErrNoDirectLink = errors.New("repository: sensor kind has no direct link")
	// ErrScanUnsupported is returned when the glucose source cannot be poked.
	ErrScanUnsupported = sensor.ErrScanUnsupported
)

// Sources selects the active source of each kind. A nil field leaves the
// kind unconfigured.
type Sources struct {
	HeartRate sensor.Source
	Glucose   sensor.Source
	Heading   sensor.Source
}

// Repository is the sensor facade used by the recorder and the API.
type Repository struct {
	sources map[sensor.Kind]sensor.Source
}

// New validates sources and builds a Repository.
func New(sources Sources) (*Repository, error) {
	r := &Repository{sources: make(map[sensor.Kind]sensor.Source)}
	for kind, src := range map[sensor.Kind]sensor.Source{
		sensor.HeartRate: sources.HeartRate,
		sensor.Glucose:   sources.Glucose,
		sensor.Heading:   sources.Heading,
	} {
		if src == nil {
			continue
		}
		if src.Kind() != kind {
			return nil, fmt.Errorf("repository: %s source configured for %s", src.Kind(), kind)
		}
		r.sources[kind] = src
	}
	return r, nil
}

// Kinds lists the configured kinds in display order.
func (r *Repository) Kinds() []sensor.Kind {
	var out []sensor.Kind
	for _, k := range sensor.Kinds {
		if _, ok := r.sources[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Source returns the source of kind.
func (r *Repository) Source(kind sensor.Kind) (sensor.Source, error) {
	src, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, kind)
	}
	return src, nil
}

// Readings streams kind. An unconfigured kind yields a single ErrNoSource.
func (r *Repository) Readings(ctx context.Context, kind sensor.Kind) iter.Seq2[sensor.Reading, error] {
	src, err := r.Source(kind)
	if err != nil {
		return func(yield func(sensor.Reading, error) bool) {
			yield(sensor.Reading{}, err)
		}
	}
	return src.Readings(ctx)
}

// Heading streams compass values only.
func (r *Repository) Heading(ctx context.Context) iter.Seq2[float64, error] {
	readings := r.Readings(ctx, sensor.Heading)
	return func(yield func(float64, error) bool) {
		for rd, err := range readings {
			if !yield(rd.Value, err) {
				return
			}
		}
	}
}

// ScanSensor pokes the glucose source. It returns once the request is sent;
// the reading, if any, arrives on the glucose stream.
func (r *Repository) ScanSensor(ctx context.Context) error {
	src, err := r.Source(sensor.Glucose)
	if err != nil {
		return err
	}
	scanner, ok := src.(sensor.Scanner)
	if !ok {
		return fmt.Errorf("%w: %T", ErrScanUnsupported, src)
	}
	return scanner.Scan(ctx)
}

// States streams the connection state of kind's source.
func (r *Repository) States(ctx context.Context, kind sensor.Kind) (iter.Seq[link.State], error) {
	src, err := r.Source(kind)
	if err != nil {
		return nil, err
	}
	return src.States(ctx), nil
}

// State returns the current connection state of kind's source, or
// Disconnected when unconfigured.
func (r *Repository) State(kind sensor.Kind) link.State {
	src, ok := r.sources[kind]
	if !ok {
		return link.Disconnected
	}
	if s, ok := src.(interface{ State() link.State }); ok {
		return s.State()
	}
	next, stop := iter.Pull(src.States(context.Background()))
	defer stop()
	if st, ok := next(); ok {
		return st
	}
	return link.Disconnected
}

// Connector returns kind's source when it owns a direct link.
func (r *Repository) Connector(kind sensor.Kind) (sensor.Connector, error) {
	src, err := r.Source(kind)
	if err != nil {
		return nil, err
	}
	c, ok := src.(sensor.Connector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDirectLink, kind)
	}
	return c, nil
}
