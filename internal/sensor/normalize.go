package sensor

import (
	"fmt"
	"math"
)

// Plausible ranges. Values outside them are treated as malformed.
const (
	MinHeartRate = 1
	MaxHeartRate = 300

	MaxGlucoseMMOL = 60.0

	// MgdlPerMmol converts glucose concentrations between mg/dL and mmol/L.
	MgdlPerMmol = 18.0182
)

// HeartRateBPM rounds raw to whole beats per minute.
func HeartRateBPM(raw float64) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, fmt.Errorf("%w: heart rate %v", ErrOutOfRange, raw)
	}
	bpm := math.Round(raw)
	if bpm < MinHeartRate || bpm > MaxHeartRate {
		return 0, fmt.Errorf("%w: heart rate %v bpm", ErrOutOfRange, raw)
	}
	return bpm, nil
}

// GlucoseMMOL rounds raw mmol/L to one fractional digit.
func GlucoseMMOL(raw float64) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw <= 0 || raw > MaxGlucoseMMOL {
		return 0, fmt.Errorf("%w: glucose %v mmol/L", ErrOutOfRange, raw)
	}
	return math.Round(raw*10) / 10, nil
}

// WrapHeading maps any finite angle in degrees into [0, 360).
func WrapHeading(deg float64) (float64, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0, fmt.Errorf("%w: heading %v", ErrOutOfRange, deg)
	}
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 || h == 0 {
		// Covers -0 and values that round up to 360 after the shift.
		return 0, nil
	}
	return h, nil
}

// Normalize applies the numeric rules of kind to raw.
func Normalize(kind Kind, raw float64) (float64, error) {
	switch kind {
	case HeartRate:
		return HeartRateBPM(raw)
	case Glucose:
		return GlucoseMMOL(raw)
	case Heading:
		return WrapHeading(raw)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
