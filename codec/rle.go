package codec

import "strings"

// RleEncoder run-length encodes uint8 values. The length of the final run is
// never written: the decoder repeats the last value once input is exhausted.
type RleEncoder struct {
	Encoder
	s     uint8
	count uint64
}

func (e *RleEncoder) Write(v uint8) {
	if e.count > 0 && e.s == v {
		e.count++
		return
	}
	if e.count > 0 {
		e.WriteVarUint(e.count - 1)
	}
	e.count = 1
	e.WriteUint8(v)
	e.s = v
}

type RleDecoder struct {
	Decoder
	s     uint8
	count int64
}

func NewRleDecoder(b []byte) *RleDecoder {
	return &RleDecoder{Decoder: Decoder{buf: b}}
}

func (d *RleDecoder) Read() uint8 {
	if d.count == 0 {
		d.s = d.ReadUint8()
		if d.HasContent() {
			d.count = int64(d.ReadVarUint()) + 1
		} else {
			d.count = -1
		}
	}
	d.count--
	return d.s
}

// UintOptRleEncoder writes single values as var ints and runs as a negated
// value followed by the run length minus two.
type UintOptRleEncoder struct {
	enc   Encoder
	s     uint64
	count uint64
}

func (e *UintOptRleEncoder) Write(v uint64) {
	if e.count > 0 && e.s == v {
		e.count++
		return
	}
	e.flush()
	e.count = 1
	e.s = v
}

func (e *UintOptRleEncoder) flush() {
	if e.count == 0 {
		return
	}
	e.enc.WriteVarIntSign(e.s, e.count > 1)
	if e.count > 1 {
		e.enc.WriteVarUint(e.count - 2)
	}
	e.count = 0
}

func (e *UintOptRleEncoder) Bytes() []byte {
	e.flush()
	return e.enc.Bytes()
}

type UintOptRleDecoder struct {
	Decoder
	s     uint64
	count uint64
}

func NewUintOptRleDecoder(b []byte) *UintOptRleDecoder {
	return &UintOptRleDecoder{Decoder: Decoder{buf: b}}
}

func (d *UintOptRleDecoder) Read() uint64 {
	if d.count == 0 {
		s, negative := d.ReadVarIntSign()
		d.s = s
		d.count = 1
		if negative {
			d.count = d.ReadVarUint() + 2
		}
		if d.err != nil {
			d.count = 1
			return 0
		}
	}
	d.count--
	return d.s
}

// IntDiffOptRleEncoder encodes the difference to the previous value; runs of
// equal differences are collapsed. The lowest bit of the written diff flags
// whether a run length follows.
type IntDiffOptRleEncoder struct {
	enc   Encoder
	s     int64
	count uint64
	diff  int64
}

func (e *IntDiffOptRleEncoder) Write(v uint64) {
	iv := int64(v)
	if e.count > 0 && e.diff == iv-e.s {
		e.s = iv
		e.count++
		return
	}
	e.flush()
	e.count = 1
	e.diff = iv - e.s
	e.s = iv
}

func (e *IntDiffOptRleEncoder) flush() {
	if e.count == 0 {
		return
	}
	encoded := e.diff * 2
	if e.count > 1 {
		encoded++
	}
	e.enc.WriteVarInt(encoded)
	if e.count > 1 {
		e.enc.WriteVarUint(e.count - 2)
	}
	e.count = 0
}

func (e *IntDiffOptRleEncoder) Bytes() []byte {
	e.flush()
	return e.enc.Bytes()
}

type IntDiffOptRleDecoder struct {
	Decoder
	s     int64
	count uint64
	diff  int64
}

func NewIntDiffOptRleDecoder(b []byte) *IntDiffOptRleDecoder {
	return &IntDiffOptRleDecoder{Decoder: Decoder{buf: b}}
}

func (d *IntDiffOptRleDecoder) Read() uint64 {
	if d.count == 0 {
		diff := d.ReadVarInt()
		hasCount := diff&1 == 1
		d.diff = diff >> 1
		d.count = 1
		if hasCount {
			d.count = d.ReadVarUint() + 2
		}
		if d.err != nil {
			d.count = 1
			d.diff = 0
		}
	}
	d.s += d.diff
	d.count--
	return uint64(d.s)
}

// StringEncoder concatenates all strings into one var string and stores the
// individual UTF-16 lengths in a UintOptRle column.
type StringEncoder struct {
	sb   strings.Builder
	lens UintOptRleEncoder
}

func (e *StringEncoder) Write(s string) {
	e.sb.WriteString(s)
	e.lens.Write(uint64(UTF16Len(s)))
}

func (e *StringEncoder) Bytes() []byte {
	var enc Encoder
	enc.WriteVarString(e.sb.String())
	enc.WriteBytes(e.lens.Bytes())
	return enc.Bytes()
}

type StringDecoder struct {
	str  string
	pos  int
	lens *UintOptRleDecoder
	err  error
}

func NewStringDecoder(b []byte) *StringDecoder {
	d := NewDecoder(b)
	s := d.ReadVarString()
	return &StringDecoder{str: s, lens: NewUintOptRleDecoder(d.Remaining()), err: d.Err()}
}

func (d *StringDecoder) Read() string {
	n := int(d.lens.Read())
	if d.err != nil {
		return ""
	}
	if err := d.lens.Err(); err != nil {
		d.err = err
		return ""
	}
	rest := d.str[d.pos:]
	end, split := UTF16Offset(rest, n)
	if split {
		d.err = ErrSplitSurrogate
		return ""
	}
	if n < 0 || end == len(rest) && UTF16Len(rest) < n {
		d.err = ErrUnexpectedEOF
		return ""
	}
	s := rest[:end]
	d.pos += end
	return s
}

func (d *StringDecoder) Err() error {
	return d.err
}
