package sensor

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"heart_rate": HeartRate,
		"hr":         HeartRate,
		"glucose":    Glucose,
		"compass":    Heading,
		"heading":    Heading,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("cadence")
	assert.Error(t, err)

	assert.Equal(t, "bpm", HeartRate.Unit())
	assert.Equal(t, "mmol/L", Glucose.Unit())
	assert.Equal(t, "deg", Heading.Unit())
}

// =============================================================================
// Normalization
// =============================================================================

func TestWrapHeading(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{359.5, 359.5},
		{361, 1.0},
		{360, 0},
		{0, 0},
		{-90, 270},
		{-360, 0},
		{720.25, 0.25},
	}
	for _, tt := range tests {
		got, err := WrapHeading(tt.in)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9, "heading %v", tt.in)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.Less(t, got, 360.0)
	}
}

func TestHeartRateBPM(t *testing.T) {
	v, err := HeartRateBPM(61.6)
	require.NoError(t, err)
	assert.Equal(t, 62.0, v)

	for _, bad := range []float64{0, 0.4, 301, -5} {
		_, err := HeartRateBPM(bad)
		assert.ErrorIs(t, err, ErrOutOfRange, "%v", bad)
	}
}

func TestGlucoseMMOL(t *testing.T) {
	v, err := GlucoseMMOL(5.55)
	require.NoError(t, err)
	assert.InDelta(t, 5.6, v, 1e-9)

	v, err = GlucoseMMOL(60)
	require.NoError(t, err)
	assert.Equal(t, 60.0, v)

	for _, bad := range []float64{0, -1, 60.01} {
		_, err := GlucoseMMOL(bad)
		assert.ErrorIs(t, err, ErrOutOfRange, "%v", bad)
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	_, err := Normalize(Kind("cadence"), 1)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// =============================================================================
// GATT decoders
// =============================================================================

func TestDecodeHeartRateMeasurement(t *testing.T) {
	v, err := DecodeHeartRateMeasurement([]byte{0x00, 60})
	require.NoError(t, err)
	assert.Equal(t, 60.0, v)

	// 16-bit value with energy expended and RR intervals trailing.
	v, err = DecodeHeartRateMeasurement([]byte{0x19, 0x2C, 0x01, 0x00, 0x00, 0x10, 0x03})
	require.NoError(t, err)
	assert.Equal(t, 300.0, v)

	for name, p := range map[string][]byte{
		"empty":        nil,
		"flags only":   {0x00},
		"short 16-bit": {0x01, 0x2C},
		"no contact":   {0x00, 0x00},
		"too fast":     {0x01, 0x90, 0x01},
	} {
		_, err := DecodeHeartRateMeasurement(p)
		assert.ErrorIs(t, err, ErrMalformedPayload, name)
	}
}

func glucosePayload(flags byte, sfloat uint16) []byte {
	p := []byte{flags, 0x07, 0x00, 0xE8, 0x07, 0x05, 0x11, 0x08, 0x1E, 0x00}
	if flags&0x01 != 0 {
		p = append(p, 0x00, 0x00)
	}
	p = binary.LittleEndian.AppendUint16(p, sfloat)
	return append(p, 0x11)
}

func TestDecodeGlucoseMeasurement(t *testing.T) {
	// 100 mg/dL = 100e-5 kg/L = mantissa 100, exponent -5 (0xB).
	v, err := DecodeGlucoseMeasurement(glucosePayload(0x02, 0xB064))
	require.NoError(t, err)
	assert.InDelta(t, 5.5, v, 1e-9)

	// Same reading with a time offset present.
	v, err = DecodeGlucoseMeasurement(glucosePayload(0x03, 0xB064))
	require.NoError(t, err)
	assert.InDelta(t, 5.5, v, 1e-9)

	// 5.6 mmol/L = 0.0056 mol/L = mantissa 56, exponent -4 (0xC).
	v, err = DecodeGlucoseMeasurement(glucosePayload(0x06, 0xC038))
	require.NoError(t, err)
	assert.InDelta(t, 5.6, v, 1e-9)
}

func TestDecodeGlucoseMalformed(t *testing.T) {
	for _, special := range []uint16{0x07FF, 0x0800, 0x07FE, 0x0802, 0x0801} {
		_, err := DecodeGlucoseMeasurement(glucosePayload(0x02, special))
		assert.ErrorIs(t, err, ErrMalformedPayload, "0x%04x", special)
	}

	_, err := DecodeGlucoseMeasurement(glucosePayload(0x00, 0xB064)[:10])
	assert.ErrorIs(t, err, ErrMalformedPayload, "no concentration")

	_, err = DecodeGlucoseMeasurement(glucosePayload(0x02, 0xB064)[:11])
	assert.ErrorIs(t, err, ErrMalformedPayload, "truncated")

	_, err = DecodeGlucoseMeasurement([]byte{0x02, 0x01})
	assert.ErrorIs(t, err, ErrMalformedPayload, "short header")

	// Negative concentration.
	_, err = DecodeGlucoseMeasurement(glucosePayload(0x02, 0xBF9C))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeLocationAndSpeedHeading(t *testing.T) {
	// Heading only: 359.50 degrees.
	p := binary.LittleEndian.AppendUint16([]byte{0x10, 0x00}, 35950)
	v, err := DecodeLocationAndSpeedHeading(p)
	require.NoError(t, err)
	assert.InDelta(t, 359.5, v, 1e-9)

	// Speed, location and elevation before a heading of 361.00 degrees.
	p = []byte{0x1D, 0x00}
	p = append(p, 0x10, 0x00)         // speed
	p = append(p, make([]byte, 8)...) // latitude, longitude
	p = append(p, 0x00, 0x00, 0x00)   // elevation
	p = binary.LittleEndian.AppendUint16(p, 36100)
	v, err = DecodeLocationAndSpeedHeading(p)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-9)

	_, err = DecodeLocationAndSpeedHeading([]byte{0x01, 0x00, 0x10, 0x00})
	assert.ErrorIs(t, err, ErrMalformedPayload, "no heading flag")

	_, err = DecodeLocationAndSpeedHeading([]byte{0x11, 0x00, 0x10, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformedPayload, "truncated heading")
}

func TestDecoderAndCharacteristicFor(t *testing.T) {
	for _, k := range Kinds {
		dec, err := DecoderFor(k)
		require.NoError(t, err)
		assert.NotNil(t, dec)
		ch, err := Characteristic(k)
		require.NoError(t, err)
		assert.NotEmpty(t, ch)
	}
	_, err := DecoderFor("cadence")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.True(t, SameUUID(HeartRateMeasurement, "00002A37-0000-1000-8000-00805F9B34FB"))
}

// =============================================================================
// Anomalies
// =============================================================================

func TestAnomaliesReport(t *testing.T) {
	s := NewAnomalies(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var hooked []Anomaly
	s.OnReport = func(a Anomaly) { hooked = append(hooked, a) }

	buf, cancel := s.Subscribe(4)
	defer cancel()

	cause := errors.Join(ErrMalformedPayload, errors.New("bad flags"))
	at := time.Date(2026, 5, 1, 8, 0, 1, 0, time.UTC)
	s.Report(Anomaly{Kind: HeartRate, DeviceID: "HR-1", At: at, Err: cause})
	s.Report(Anomaly{Kind: Glucose, Err: ErrMalformedPayload})

	assert.Equal(t, uint64(1), s.Count(HeartRate))
	assert.Equal(t, uint64(1), s.Count(Glucose))
	assert.Equal(t, uint64(0), s.Count(Heading))
	assert.Equal(t, uint64(2), s.Total())
	require.Len(t, hooked, 2)
	assert.False(t, hooked[1].At.IsZero())

	got := <-buf.C()
	assert.Equal(t, at, got.At)
	assert.ErrorIs(t, got.Err, ErrMalformedPayload)
	assert.Contains(t, got.String(), "HR-1")

	cancel()
	s.Report(Anomaly{Kind: Heading})
	assert.Equal(t, 1, buf.Len())
}
