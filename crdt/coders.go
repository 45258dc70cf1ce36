package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kevinxiao27/ycrdt/codec"
)

// dsEncoder writes delete sets and state vectors.
type dsEncoder interface {
	rest() *codec.Encoder
	setRest(enc *codec.Encoder)
	resetDsCurVal()
	writeDsClock(clock int)
	writeDsLen(length int)
	toBytes() []byte
}

// updateEncoder writes structs in one of the two update formats.
type updateEncoder interface {
	dsEncoder
	writeLeftID(id ID)
	writeRightID(id ID)
	writeClient(client uint64)
	writeInfo(info uint8)
	writeString(s string)
	writeParentInfo(isYKey bool)
	writeTypeRef(ref uint8)
	writeLen(n int)
	writeAny(v any)
	writeBuf(b []byte)
	writeJSON(v any)
	writeKey(key string)
}

type dsDecoder interface {
	rest() *codec.Decoder
	resetDsCurVal()
	readDsClock() int
	readDsLen() int
	err() error
	fail(err error)
}

type updateDecoder interface {
	dsDecoder
	readLeftID() ID
	readRightID() ID
	readClient() uint64
	readInfo() uint8
	readString() string
	readParentInfo() bool
	readTypeRef() uint8
	readLen() int
	readAny() any
	readBuf() []byte
	readJSON() any
	readKey() string
}

// Format v1.

type dsEncoderV1 struct {
	restEncoder *codec.Encoder
}

func newDSEncoderV1() *dsEncoderV1 {
	return &dsEncoderV1{restEncoder: codec.NewEncoder()}
}

func (e *dsEncoderV1) rest() *codec.Encoder        { return e.restEncoder }
func (e *dsEncoderV1) setRest(enc *codec.Encoder)  { e.restEncoder = enc }
func (e *dsEncoderV1) resetDsCurVal()              {}
func (e *dsEncoderV1) writeDsClock(clock int)      { e.restEncoder.WriteVarUint(uint64(clock)) }
func (e *dsEncoderV1) writeDsLen(length int)       { e.restEncoder.WriteVarUint(uint64(length)) }
func (e *dsEncoderV1) toBytes() []byte             { return e.restEncoder.Bytes() }

type updateEncoderV1 struct {
	dsEncoderV1
}

func newUpdateEncoderV1() *updateEncoderV1 {
	return &updateEncoderV1{dsEncoderV1{restEncoder: codec.NewEncoder()}}
}

func (e *updateEncoderV1) writeLeftID(id ID) {
	writeID(e.restEncoder, id)
}

func (e *updateEncoderV1) writeRightID(id ID) {
	writeID(e.restEncoder, id)
}

func (e *updateEncoderV1) writeClient(client uint64) { e.restEncoder.WriteVarUint(client) }
func (e *updateEncoderV1) writeInfo(info uint8)      { e.restEncoder.WriteUint8(info) }
func (e *updateEncoderV1) writeString(s string)      { e.restEncoder.WriteVarString(s) }
func (e *updateEncoderV1) writeTypeRef(ref uint8)    { e.restEncoder.WriteVarUint(uint64(ref)) }
func (e *updateEncoderV1) writeLen(n int)            { e.restEncoder.WriteVarUint(uint64(n)) }
func (e *updateEncoderV1) writeAny(v any)            { e.restEncoder.WriteAny(v) }
func (e *updateEncoderV1) writeBuf(b []byte)         { e.restEncoder.WriteVarBytes(b) }
func (e *updateEncoderV1) writeKey(key string)       { e.restEncoder.WriteVarString(key) }

func (e *updateEncoderV1) writeParentInfo(isYKey bool) {
	if isYKey {
		e.restEncoder.WriteVarUint(1)
	} else {
		e.restEncoder.WriteVarUint(0)
	}
}

func (e *updateEncoderV1) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("%w: %v", ErrUnexpectedContent, err))
	}
	e.restEncoder.WriteVarString(string(b))
}

type dsDecoderV1 struct {
	restDecoder *codec.Decoder
}

func newDSDecoderV1(d *codec.Decoder) *dsDecoderV1 {
	return &dsDecoderV1{restDecoder: d}
}

func (d *dsDecoderV1) rest() *codec.Decoder { return d.restDecoder }
func (d *dsDecoderV1) resetDsCurVal()       {}
func (d *dsDecoderV1) readDsClock() int     { return int(d.restDecoder.ReadVarUint()) }
func (d *dsDecoderV1) err() error           { return d.restDecoder.Err() }
func (d *dsDecoderV1) fail(err error)       { d.restDecoder.Fail(err) }

func (d *dsDecoderV1) readDsLen() int {
	n := int(d.restDecoder.ReadVarUint())
	if n == 0 {
		d.fail(fmt.Errorf("%w: empty delete range", ErrMalformedUpdate))
	}
	return n
}

type updateDecoderV1 struct {
	dsDecoderV1
}

func newUpdateDecoderV1(d *codec.Decoder) *updateDecoderV1 {
	return &updateDecoderV1{dsDecoderV1{restDecoder: d}}
}

func (d *updateDecoderV1) readLeftID() ID       { return readID(d.restDecoder) }
func (d *updateDecoderV1) readRightID() ID      { return readID(d.restDecoder) }
func (d *updateDecoderV1) readClient() uint64   { return d.restDecoder.ReadVarUint() }
func (d *updateDecoderV1) readInfo() uint8      { return d.restDecoder.ReadUint8() }
func (d *updateDecoderV1) readString() string   { return d.restDecoder.ReadVarString() }
func (d *updateDecoderV1) readParentInfo() bool { return d.restDecoder.ReadVarUint() == 1 }
func (d *updateDecoderV1) readTypeRef() uint8   { return uint8(d.restDecoder.ReadVarUint()) }
func (d *updateDecoderV1) readLen() int         { return int(d.restDecoder.ReadVarUint()) }
func (d *updateDecoderV1) readAny() any         { return d.restDecoder.ReadAny() }
func (d *updateDecoderV1) readBuf() []byte      { return d.restDecoder.ReadVarBytes() }
func (d *updateDecoderV1) readKey() string      { return d.restDecoder.ReadVarString() }

func (d *updateDecoderV1) readJSON() any {
	s := d.restDecoder.ReadVarString()
	if d.err() != nil {
		return nil
	}
	v, err := parseJSON(s)
	if err != nil {
		d.fail(fmt.Errorf("%w: %v", ErrMalformedUpdate, err))
	}
	return v
}

// parseJSON decodes s keeping integral numbers as int.
func parseJSON(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeJSON(v), nil
}

func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeJSON(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = normalizeJSON(x[k])
		}
	}
	return v
}

// Format v2. Struct fields are split into run-length encoded columns.

type dsEncoderV2 struct {
	restEncoder *codec.Encoder
	dsCurrVal   int
}

func newDSEncoderV2() *dsEncoderV2 {
	return &dsEncoderV2{restEncoder: codec.NewEncoder()}
}

func (e *dsEncoderV2) rest() *codec.Encoder       { return e.restEncoder }
func (e *dsEncoderV2) setRest(enc *codec.Encoder) { e.restEncoder = enc }
func (e *dsEncoderV2) resetDsCurVal()             { e.dsCurrVal = 0 }
func (e *dsEncoderV2) toBytes() []byte            { return e.restEncoder.Bytes() }

func (e *dsEncoderV2) writeDsClock(clock int) {
	diff := clock - e.dsCurrVal
	e.dsCurrVal = clock
	e.restEncoder.WriteVarUint(uint64(diff))
}

func (e *dsEncoderV2) writeDsLen(length int) {
	if length == 0 {
		unexpectedCase("empty delete range")
	}
	e.restEncoder.WriteVarUint(uint64(length - 1))
	e.dsCurrVal += length
}

type updateEncoderV2 struct {
	dsEncoderV2
	keyMap            map[string]int
	keyClock          int
	keyClockEncoder   codec.IntDiffOptRleEncoder
	clientEncoder     codec.UintOptRleEncoder
	leftClockEncoder  codec.IntDiffOptRleEncoder
	rightClockEncoder codec.IntDiffOptRleEncoder
	infoEncoder       codec.RleEncoder
	stringEncoder     codec.StringEncoder
	parentInfoEncoder codec.RleEncoder
	typeRefEncoder    codec.UintOptRleEncoder
	lenEncoder        codec.UintOptRleEncoder
}

func newUpdateEncoderV2() *updateEncoderV2 {
	return &updateEncoderV2{
		dsEncoderV2: dsEncoderV2{restEncoder: codec.NewEncoder()},
		keyMap:      map[string]int{},
	}
}

func (e *updateEncoderV2) toBytes() []byte {
	enc := codec.NewEncoder()
	// feature flag, reserved
	enc.WriteVarUint(0)
	enc.WriteVarBytes(e.keyClockEncoder.Bytes())
	enc.WriteVarBytes(e.clientEncoder.Bytes())
	enc.WriteVarBytes(e.leftClockEncoder.Bytes())
	enc.WriteVarBytes(e.rightClockEncoder.Bytes())
	enc.WriteVarBytes(e.infoEncoder.Bytes())
	enc.WriteVarBytes(e.stringEncoder.Bytes())
	enc.WriteVarBytes(e.parentInfoEncoder.Bytes())
	enc.WriteVarBytes(e.typeRefEncoder.Bytes())
	enc.WriteVarBytes(e.lenEncoder.Bytes())
	enc.WriteBytes(e.restEncoder.Bytes())
	return enc.Bytes()
}

func (e *updateEncoderV2) writeLeftID(id ID) {
	e.clientEncoder.Write(id.Client)
	e.leftClockEncoder.Write(uint64(id.Clock))
}

func (e *updateEncoderV2) writeRightID(id ID) {
	e.clientEncoder.Write(id.Client)
	e.rightClockEncoder.Write(uint64(id.Clock))
}

func (e *updateEncoderV2) writeClient(client uint64) { e.clientEncoder.Write(client) }
func (e *updateEncoderV2) writeInfo(info uint8)      { e.infoEncoder.Write(info) }
func (e *updateEncoderV2) writeString(s string)      { e.stringEncoder.Write(s) }
func (e *updateEncoderV2) writeTypeRef(ref uint8)    { e.typeRefEncoder.Write(uint64(ref)) }
func (e *updateEncoderV2) writeLen(n int)            { e.lenEncoder.Write(uint64(n)) }
func (e *updateEncoderV2) writeAny(v any)            { e.restEncoder.WriteAny(v) }
func (e *updateEncoderV2) writeBuf(b []byte)         { e.restEncoder.WriteVarBytes(b) }
func (e *updateEncoderV2) writeJSON(v any)           { e.restEncoder.WriteAny(v) }

func (e *updateEncoderV2) writeParentInfo(isYKey bool) {
	if isYKey {
		e.parentInfoEncoder.Write(1)
	} else {
		e.parentInfoEncoder.Write(0)
	}
}

// writeKey writes a key once and refers to it by its clock afterwards.
func (e *updateEncoderV2) writeKey(key string) {
	if clock, ok := e.keyMap[key]; ok {
		e.keyClockEncoder.Write(uint64(clock))
		return
	}
	e.keyMap[key] = e.keyClock
	e.keyClockEncoder.Write(uint64(e.keyClock))
	e.keyClock++
	e.stringEncoder.Write(key)
}

type dsDecoderV2 struct {
	restDecoder *codec.Decoder
	dsCurrVal   int
}

func newDSDecoderV2(d *codec.Decoder) *dsDecoderV2 {
	return &dsDecoderV2{restDecoder: d}
}

func (d *dsDecoderV2) rest() *codec.Decoder { return d.restDecoder }
func (d *dsDecoderV2) resetDsCurVal()       { d.dsCurrVal = 0 }
func (d *dsDecoderV2) err() error           { return d.restDecoder.Err() }
func (d *dsDecoderV2) fail(err error)       { d.restDecoder.Fail(err) }

func (d *dsDecoderV2) readDsClock() int {
	d.dsCurrVal += int(d.restDecoder.ReadVarUint())
	return d.dsCurrVal
}

func (d *dsDecoderV2) readDsLen() int {
	diff := int(d.restDecoder.ReadVarUint()) + 1
	d.dsCurrVal += diff
	return diff
}

type updateDecoderV2 struct {
	dsDecoderV2
	keys              []string
	keyClockDecoder   *codec.IntDiffOptRleDecoder
	clientDecoder     *codec.UintOptRleDecoder
	leftClockDecoder  *codec.IntDiffOptRleDecoder
	rightClockDecoder *codec.IntDiffOptRleDecoder
	infoDecoder       *codec.RleDecoder
	stringDecoder     *codec.StringDecoder
	parentInfoDecoder *codec.RleDecoder
	typeRefDecoder    *codec.UintOptRleDecoder
	lenDecoder        *codec.UintOptRleDecoder
}

func newUpdateDecoderV2(d *codec.Decoder) *updateDecoderV2 {
	// feature flag, reserved
	d.ReadVarUint()
	return &updateDecoderV2{
		keyClockDecoder:   codec.NewIntDiffOptRleDecoder(d.ReadVarBytes()),
		clientDecoder:     codec.NewUintOptRleDecoder(d.ReadVarBytes()),
		leftClockDecoder:  codec.NewIntDiffOptRleDecoder(d.ReadVarBytes()),
		rightClockDecoder: codec.NewIntDiffOptRleDecoder(d.ReadVarBytes()),
		infoDecoder:       codec.NewRleDecoder(d.ReadVarBytes()),
		stringDecoder:     codec.NewStringDecoder(d.ReadVarBytes()),
		parentInfoDecoder: codec.NewRleDecoder(d.ReadVarBytes()),
		typeRefDecoder:    codec.NewUintOptRleDecoder(d.ReadVarBytes()),
		lenDecoder:        codec.NewUintOptRleDecoder(d.ReadVarBytes()),
		dsDecoderV2:       dsDecoderV2{restDecoder: d},
	}
}

// err reports the first error of the rest stream or any column.
func (d *updateDecoderV2) err() error {
	for _, err := range []error{
		d.restDecoder.Err(),
		d.keyClockDecoder.Err(),
		d.clientDecoder.Err(),
		d.leftClockDecoder.Err(),
		d.rightClockDecoder.Err(),
		d.infoDecoder.Err(),
		d.stringDecoder.Err(),
		d.parentInfoDecoder.Err(),
		d.typeRefDecoder.Err(),
		d.lenDecoder.Err(),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *updateDecoderV2) readLeftID() ID {
	return ID{Client: d.clientDecoder.Read(), Clock: int(d.leftClockDecoder.Read())}
}

func (d *updateDecoderV2) readRightID() ID {
	return ID{Client: d.clientDecoder.Read(), Clock: int(d.rightClockDecoder.Read())}
}

func (d *updateDecoderV2) readClient() uint64   { return d.clientDecoder.Read() }
func (d *updateDecoderV2) readInfo() uint8      { return d.infoDecoder.Read() }
func (d *updateDecoderV2) readString() string   { return d.stringDecoder.Read() }
func (d *updateDecoderV2) readParentInfo() bool { return d.parentInfoDecoder.Read() == 1 }
func (d *updateDecoderV2) readTypeRef() uint8   { return uint8(d.typeRefDecoder.Read()) }
func (d *updateDecoderV2) readLen() int         { return int(d.lenDecoder.Read()) }
func (d *updateDecoderV2) readAny() any         { return d.restDecoder.ReadAny() }
func (d *updateDecoderV2) readBuf() []byte      { return d.restDecoder.ReadVarBytes() }
func (d *updateDecoderV2) readJSON() any        { return d.restDecoder.ReadAny() }

func (d *updateDecoderV2) readKey() string {
	clock := int(d.keyClockDecoder.Read())
	if clock < len(d.keys) {
		return d.keys[clock]
	}
	key := d.stringDecoder.Read()
	d.keys = append(d.keys, key)
	return key
}

// updateFormat selects one of the two wire formats.
type updateFormat int

const (
	formatV1 updateFormat = iota + 1
	formatV2
)

func (f updateFormat) newEncoder() updateEncoder {
	if f == formatV1 {
		return newUpdateEncoderV1()
	}
	return newUpdateEncoderV2()
}

func (f updateFormat) newDecoder(update []byte) updateDecoder {
	if f == formatV1 {
		return newUpdateDecoderV1(codec.NewDecoder(update))
	}
	return newUpdateDecoderV2(codec.NewDecoder(update))
}
