package sensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Bluetooth SIG assigned numbers used by the direct link, in the 128-bit
// form accepted by every transport.
const (
	HeartRateService          = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurement      = "00002a37-0000-1000-8000-00805f9b34fb"
	GlucoseService            = "00001808-0000-1000-8000-00805f9b34fb"
	GlucoseMeasurement        = "00002a18-0000-1000-8000-00805f9b34fb"
	RecordAccessControlPoint  = "00002a52-0000-1000-8000-00805f9b34fb"
	LocationNavigationService = "00001819-0000-1000-8000-00805f9b34fb"
	LocationAndSpeed          = "00002a67-0000-1000-8000-00805f9b34fb"
)

// RACPReportLastRecord asks a glucose meter to report its most recent stored
// record: opcode 0x01 (report stored records), operator 0x06 (last record).
var RACPReportLastRecord = []byte{0x01, 0x06}

// Characteristic returns the measurement characteristic carrying kind.
func Characteristic(kind Kind) (string, error) {
	switch kind {
	case HeartRate:
		return HeartRateMeasurement, nil
	case Glucose:
		return GlucoseMeasurement, nil
	case Heading:
		return LocationAndSpeed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Decoder turns one characteristic payload into a normalized value.
type Decoder func(payload []byte) (float64, error)

// DecoderFor returns the payload decoder of kind.
func DecoderFor(kind Kind) (Decoder, error) {
	switch kind {
	case HeartRate:
		return DecodeHeartRateMeasurement, nil
	case Glucose:
		return DecodeGlucoseMeasurement, nil
	case Heading:
		return DecodeLocationAndSpeedHeading, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// SameUUID compares two characteristic identifiers case-insensitively.
func SameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedPayload}, args...)...)
}

// DecodeHeartRateMeasurement decodes a Heart Rate Measurement (0x2A37).
// Bit 0 of the flags selects an 8-bit or 16-bit value. A zero value means
// the strap has no skin contact and is rejected.
func DecodeHeartRateMeasurement(p []byte) (float64, error) {
	if len(p) < 2 {
		return 0, malformed("heart rate payload of %d bytes", len(p))
	}

	var raw uint16
	if p[0]&0x01 != 0 {
		if len(p) < 3 {
			return 0, malformed("16-bit heart rate payload of %d bytes", len(p))
		}
		raw = binary.LittleEndian.Uint16(p[1:3])
	} else {
		raw = uint16(p[1])
	}
	if raw == 0 {
		return 0, malformed("heart rate 0 (no sensor contact)")
	}

	bpm, err := HeartRateBPM(float64(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return bpm, nil
}

// Glucose Measurement (0x2A18) flag bits.
const (
	glucoseTimeOffset    = 0x01
	glucoseConcentration = 0x02
	glucoseUnitsMolPerL  = 0x04
)

// DecodeGlucoseMeasurement decodes a Glucose Measurement (0x2A18) and returns
// the concentration in mmol/L.
//
// Layout: flags(1) sequence(2) base time(7) [time offset(2)]
// [concentration SFLOAT(2) type/sample location(1)] ...
func DecodeGlucoseMeasurement(p []byte) (float64, error) {
	const header = 1 + 2 + 7
	if len(p) < header {
		return 0, malformed("glucose payload of %d bytes", len(p))
	}
	flags := p[0]
	off := header
	if flags&glucoseTimeOffset != 0 {
		off += 2
	}
	if flags&glucoseConcentration == 0 {
		return 0, malformed("glucose record without concentration")
	}
	if len(p) < off+3 {
		return 0, malformed("glucose payload of %d bytes, need %d", len(p), off+3)
	}

	v, err := decodeSFloat(binary.LittleEndian.Uint16(p[off : off+2]))
	if err != nil {
		return 0, err
	}

	var mmol float64
	if flags&glucoseUnitsMolPerL != 0 {
		mmol = v * 1000
	} else {
		// kg/L -> mg/dL -> mmol/L
		mmol = v * 100000 / MgdlPerMmol
	}

	out, err := GlucoseMMOL(mmol)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return out, nil
}

// decodeSFloat decodes an IEEE 11073 16-bit SFLOAT: a 4-bit signed exponent
// over a 12-bit signed mantissa.
func decodeSFloat(raw uint16) (float64, error) {
	switch raw {
	case 0x07FF, 0x0800, 0x07FE, 0x0802, 0x0801:
		return 0, malformed("SFLOAT special value 0x%04x", raw)
	}
	mantissa := int(raw & 0x0FFF)
	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}
	exponent := int(raw >> 12)
	if exponent >= 0x8 {
		exponent -= 0x10
	}
	return float64(mantissa) * math.Pow10(exponent), nil
}

// Location and Speed (0x2A67) flag bits and the sizes of the optional fields
// that precede the heading.
const (
	lnSpeed     = 0x0001 // uint16
	lnDistance  = 0x0002 // uint24
	lnLocation  = 0x0004 // sint32 latitude + sint32 longitude
	lnElevation = 0x0008 // sint24
	lnHeading   = 0x0010 // uint16, 0.01 degree
)

// DecodeLocationAndSpeedHeading extracts the heading of a Location and Speed
// characteristic and wraps it into [0, 360).
func DecodeLocationAndSpeedHeading(p []byte) (float64, error) {
	if len(p) < 2 {
		return 0, malformed("location and speed payload of %d bytes", len(p))
	}
	flags := binary.LittleEndian.Uint16(p[0:2])
	if flags&lnHeading == 0 {
		return 0, malformed("location and speed payload without heading")
	}

	off := 2
	if flags&lnSpeed != 0 {
		off += 2
	}
	if flags&lnDistance != 0 {
		off += 3
	}
	if flags&lnLocation != 0 {
		off += 8
	}
	if flags&lnElevation != 0 {
		off += 3
	}
	if len(p) < off+2 {
		return 0, malformed("location and speed payload of %d bytes, heading at %d", len(p), off)
	}

	raw := binary.LittleEndian.Uint16(p[off : off+2])
	h, err := WrapHeading(float64(raw) / 100)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return h, nil
}
