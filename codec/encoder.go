// Package codec implements the compact binary primitives shared by the
// update, state vector, snapshot and relative position formats.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Type tags used by WriteAny / ReadAny.
const (
	anyUndefined = 127
	anyNull      = 126
	anyInt       = 125
	anyFloat32   = 124
	anyFloat64   = 123
	anyBigInt    = 122
	anyFalse     = 121
	anyTrue      = 120
	anyString    = 119
	anyObject    = 118
	anyArray     = 117
	anyBytes     = 116
)

const bits31 = 1<<31 - 1

// Encoder is a growable byte buffer with helpers for the var-length formats.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded content. The slice aliases the internal buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteBytes appends raw bytes without a length prefix.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteVarUint(v uint64) {
	for v > 0x7f {
		e.buf = append(e.buf, 0x80|uint8(v&0x7f))
		v >>= 7
	}
	e.buf = append(e.buf, uint8(v))
}

func (e *Encoder) WriteVarInt(v int64) {
	if v < 0 {
		e.WriteVarIntSign(uint64(-v), true)
		return
	}
	e.WriteVarIntSign(uint64(v), false)
}

// WriteVarIntSign writes a signed var int from its magnitude and sign. It
// exists separately so a negative zero can be expressed, which the run-length
// encoders rely on.
func (e *Encoder) WriteVarIntSign(abs uint64, negative bool) {
	var first uint8
	if abs > 0x3f {
		first |= 0x80
	}
	if negative {
		first |= 0x40
	}
	first |= uint8(abs & 0x3f)
	e.buf = append(e.buf, first)
	abs >>= 6
	for abs > 0 {
		var b uint8
		if abs > 0x7f {
			b = 0x80
		}
		e.buf = append(e.buf, b|uint8(abs&0x7f))
		abs >>= 7
	}
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteVarBytes writes a length-prefixed byte array.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteFloat32(f float32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(f))
}

func (e *Encoder) WriteFloat64(f float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(f))
}

func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// WriteAny encodes a JSON-like value: nil, bool, integers, floats, string,
// []byte, []any and map[string]any. Object keys are written sorted so that
// equal values always produce equal bytes. Unsupported values panic; use
// IsAny to validate user input first.
func (e *Encoder) WriteAny(v any) {
	switch x := v.(type) {
	case nil:
		e.WriteUint8(anyNull)
	case bool:
		if x {
			e.WriteUint8(anyTrue)
		} else {
			e.WriteUint8(anyFalse)
		}
	case string:
		e.WriteUint8(anyString)
		e.WriteVarString(x)
	case int:
		e.writeAnyInt(int64(x))
	case int8:
		e.writeAnyInt(int64(x))
	case int16:
		e.writeAnyInt(int64(x))
	case int32:
		e.writeAnyInt(int64(x))
	case int64:
		e.writeAnyInt(x)
	case uint:
		e.writeAnyInt(int64(x))
	case uint8:
		e.writeAnyInt(int64(x))
	case uint16:
		e.writeAnyInt(int64(x))
	case uint32:
		e.writeAnyInt(int64(x))
	case uint64:
		e.writeAnyInt(int64(x))
	case float32:
		e.writeAnyFloat(float64(x))
	case float64:
		e.writeAnyFloat(x)
	case []byte:
		e.WriteUint8(anyBytes)
		e.WriteVarBytes(x)
	case []any:
		e.WriteUint8(anyArray)
		e.WriteVarUint(uint64(len(x)))
		for _, item := range x {
			e.WriteAny(item)
		}
	case []string:
		e.WriteUint8(anyArray)
		e.WriteVarUint(uint64(len(x)))
		for _, item := range x {
			e.WriteAny(item)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.WriteUint8(anyObject)
		e.WriteVarUint(uint64(len(keys)))
		for _, k := range keys {
			e.WriteVarString(k)
			e.WriteAny(x[k])
		}
	default:
		panic(fmt.Sprintf("codec: cannot encode value of type %T", v))
	}
}

func (e *Encoder) writeAnyInt(v int64) {
	if v >= -bits31 && v <= bits31 {
		e.WriteUint8(anyInt)
		e.WriteVarInt(v)
		return
	}
	e.WriteUint8(anyBigInt)
	e.WriteInt64(v)
}

func (e *Encoder) writeAnyFloat(f float64) {
	if float64(float32(f)) == f {
		e.WriteUint8(anyFloat32)
		e.WriteFloat32(float32(f))
		return
	}
	e.WriteUint8(anyFloat64)
	e.WriteFloat64(f)
}

// IsAny reports whether v can be encoded with WriteAny.
func IsAny(v any) bool {
	switch x := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, []byte, []string:
		return true
	case []any:
		for _, item := range x {
			if !IsAny(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range x {
			if !IsAny(item) {
				return false
			}
		}
		return true
	}
	return false
}
