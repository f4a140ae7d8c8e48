// Package codec translates typed effect control values into the byte layout
// the native effect engine's setParameter call expects, and back.
//
// Parameter ids and integer values are always written low byte first. Float
// arrays are written in the byte order of the running platform, which is what
// the engine reads them with.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sys/cpu"
)

// Parameter ids understood by the effect engine.
const (
	ParamBassBoostGain   int32 = 112  // short, gain in dB
	ParamEqBands         int32 = 116  // float[2+2N]: filter type, interpolation, freqs..., gains...
	ParamBassBoostSwitch int32 = 1201 // short, 0 or 1
	ParamEqSwitch        int32 = 1202 // short, 0 or 1
	ParamPostGain        int32 = 1500 // float[3]: limiter threshold, limiter release, post gain
)

// Marker values in the first two slots of the EQ payload meaning "engine default".
const (
	EqFilterTypeDefault    float32 = -1
	EqInterpolationDefault float32 = -1
)

// Limiter defaults sent with every post gain write.
const (
	LimiterThresholdDB float32 = -0.1
	LimiterReleaseMs   float32 = 60
)

// NativeOrder is the byte order of the running platform.
var NativeOrder binary.ByteOrder = nativeOrder()

func nativeOrder() binary.ByteOrder {
	if cpu.IsBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// EncodeParameterID encodes a parameter id as 4 bytes, low byte first.
func EncodeParameterID(id int32) []byte {
	return EncodeInt(id)
}

// DecodeParameterID is the inverse of EncodeParameterID.
func DecodeParameterID(b []byte) int32 {
	return DecodeInt(b)
}

// EncodeInt encodes a 32-bit value as 4 bytes, low byte first.
func EncodeInt(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// DecodeInt is the inverse of EncodeInt. It panics if b is not 4 bytes long.
func DecodeInt(b []byte) int32 {
	mustLen(b, 4)
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// EncodeShort encodes a 16-bit value as 2 bytes: low byte, high byte.
func EncodeShort(v int16) []byte {
	u := uint16(v)
	return []byte{byte(u), byte(u >> 8)}
}

// DecodeShort is the inverse of EncodeShort. It panics if b is not 2 bytes long.
func DecodeShort(b []byte) int16 {
	mustLen(b, 2)
	return int16(uint16(b[0]) | uint16(b[1])<<8)
}

// EncodeFloatArray encodes values as 4*N bytes in the platform's native byte order.
func EncodeFloatArray(values []float32) []byte {
	return EncodeFloatArrayOrder(NativeOrder, values)
}

// DecodeFloatArray is the inverse of EncodeFloatArray.
func DecodeFloatArray(b []byte) []float32 {
	return DecodeFloatArrayOrder(NativeOrder, b)
}

// EncodeFloatArrayOrder encodes values with an explicit byte order.
func EncodeFloatArrayOrder(order binary.ByteOrder, values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		order.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// DecodeFloatArrayOrder decodes a float array with an explicit byte order.
// It panics if len(b) is not a multiple of 4.
func DecodeFloatArrayOrder(order binary.ByteOrder, b []byte) []float32 {
	if len(b)%4 != 0 {
		panic(fmt.Sprintf("codec: float array payload of %d bytes is not a multiple of 4", len(b)))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(order.Uint32(b[4*i:]))
	}
	return out
}

// EqPayload builds the EQ band parameter value from frequencies and gains that
// are already sorted ascending by frequency. It panics if the lengths differ.
func EqPayload(freqs, gains []float32) []float32 {
	if len(freqs) != len(gains) {
		panic(fmt.Sprintf("codec: %d frequencies but %d gains", len(freqs), len(gains)))
	}
	out := make([]float32, 0, 2+2*len(freqs))
	out = append(out, EqFilterTypeDefault, EqInterpolationDefault)
	out = append(out, freqs...)
	return append(out, gains...)
}

// PostGainPayload builds the post gain parameter value.
func PostGainPayload(gainDB float32) []float32 {
	return []float32{LimiterThresholdDB, LimiterReleaseMs, gainDB}
}

// ClampShort converts v to int16, saturating at the type's limits.
func ClampShort(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

func mustLen(b []byte, n int) {
	if len(b) != n {
		panic(fmt.Sprintf("codec: want %d bytes, got %d", n, len(b)))
	}
}
