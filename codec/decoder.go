package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnexpectedEOF  = errors.New("codec: unexpected end of buffer")
	ErrOverflow       = errors.New("codec: var int overflows 64 bits")
	ErrUnknownAny     = errors.New("codec: unknown value tag")
	// ErrSplitSurrogate means a string length ends inside a surrogate pair.
	ErrSplitSurrogate = errors.New("codec: string length splits a surrogate pair")
)

// Decoder reads from a byte slice. Errors are sticky: after the first failure
// every read returns a zero value and Err reports the cause, so callers can
// decode a whole structure and check once at the end.
type Decoder struct {
	buf []byte
	pos int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Err() error {
	return d.err
}

// Fail records err unless an earlier error is already set.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) HasContent() bool {
	return d.err == nil && d.pos < len(d.buf)
}

// Remaining returns the unread bytes and consumes them.
func (d *Decoder) Remaining() []byte {
	if d.err != nil {
		return nil
	}
	rest := d.buf[d.pos:]
	d.pos = len(d.buf)
	return rest
}

func (d *Decoder) ReadUint8() uint8 {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.buf) {
		d.err = ErrUnexpectedEOF
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

// ReadBytes reads n raw bytes. The result aliases the input buffer.
func (d *Decoder) ReadBytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = ErrUnexpectedEOF
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) ReadVarUint() uint64 {
	var num uint64
	var shift uint
	for {
		if d.err != nil {
			return 0
		}
		r := d.ReadUint8()
		if shift > 63 {
			d.Fail(ErrOverflow)
			return 0
		}
		num |= uint64(r&0x7f) << shift
		shift += 7
		if r < 0x80 {
			return num
		}
	}
}

func (d *Decoder) ReadVarInt() int64 {
	abs, negative := d.ReadVarIntSign()
	if negative {
		return -int64(abs)
	}
	return int64(abs)
}

// ReadVarIntSign returns magnitude and sign separately; see WriteVarIntSign.
func (d *Decoder) ReadVarIntSign() (uint64, bool) {
	r := d.ReadUint8()
	num := uint64(r & 0x3f)
	negative := r&0x40 > 0
	if r&0x80 == 0 {
		return num, negative
	}
	shift := uint(6)
	for {
		if d.err != nil {
			return 0, false
		}
		r = d.ReadUint8()
		if shift > 63 {
			d.Fail(ErrOverflow)
			return 0, false
		}
		num |= uint64(r&0x7f) << shift
		shift += 7
		if r < 0x80 {
			return num, negative
		}
	}
}

func (d *Decoder) readLen() int {
	n := d.ReadVarUint()
	if n > uint64(len(d.buf)-d.pos) {
		d.Fail(ErrUnexpectedEOF)
		return 0
	}
	return int(n)
}

func (d *Decoder) ReadVarString() string {
	return string(d.ReadBytes(d.readLen()))
}

// ReadVarBytes reads a length-prefixed byte array into a fresh slice.
func (d *Decoder) ReadVarBytes() []byte {
	b := d.ReadBytes(d.readLen())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) ReadFloat32() float32 {
	b := d.ReadBytes(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func (d *Decoder) ReadFloat64() float64 {
	b := d.ReadBytes(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (d *Decoder) ReadInt64() int64 {
	b := d.ReadBytes(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// ReadAny decodes a value written by WriteAny. Integers come back as int,
// floats as float64, arrays as []any and objects as map[string]any.
func (d *Decoder) ReadAny() any {
	tag := d.ReadUint8()
	if d.err != nil {
		return nil
	}
	switch tag {
	case anyUndefined, anyNull:
		return nil
	case anyInt:
		return int(d.ReadVarInt())
	case anyFloat32:
		return float64(d.ReadFloat32())
	case anyFloat64:
		return d.ReadFloat64()
	case anyBigInt:
		return int(d.ReadInt64())
	case anyFalse:
		return false
	case anyTrue:
		return true
	case anyString:
		return d.ReadVarString()
	case anyObject:
		n := d.readLen()
		obj := make(map[string]any, n)
		for i := 0; i < n && d.err == nil; i++ {
			k := d.ReadVarString()
			obj[k] = d.ReadAny()
		}
		return obj
	case anyArray:
		n := d.readLen()
		arr := make([]any, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			arr = append(arr, d.ReadAny())
		}
		return arr
	case anyBytes:
		return d.ReadVarBytes()
	}
	d.Fail(fmt.Errorf("%w %d", ErrUnknownAny, tag))
	return nil
}
