package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUint(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 16384, 1<<32 - 1, 1<<53 + 3, 1<<64 - 1}
	enc := NewEncoder()
	for _, v := range values {
		enc.WriteVarUint(v)
	}
	dec := NewDecoder(enc.Bytes())
	for _, v := range values {
		assert.Equal(t, v, dec.ReadVarUint())
	}
	require.NoError(t, dec.Err())
	assert.False(t, dec.HasContent())
}

func TestVarIntNegativeZero(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarInt(-65)
	enc.WriteVarIntSign(0, true)
	enc.WriteVarInt(1 << 40)

	dec := NewDecoder(enc.Bytes())
	assert.Equal(t, int64(-65), dec.ReadVarInt())
	abs, neg := dec.ReadVarIntSign()
	assert.Equal(t, uint64(0), abs)
	assert.True(t, neg)
	assert.Equal(t, int64(1<<40), dec.ReadVarInt())
	require.NoError(t, dec.Err())
}

func TestAny(t *testing.T) {
	in := map[string]any{
		"n":     nil,
		"b":     true,
		"i":     -42,
		"big":   1 << 40,
		"f":     1.5,
		"pi":    3.14159,
		"s":     "héllo",
		"bytes": []byte{1, 2, 3},
		"arr":   []any{1, "two", false},
	}
	enc := NewEncoder()
	enc.WriteAny(in)
	dec := NewDecoder(enc.Bytes())
	out := dec.ReadAny()
	require.NoError(t, dec.Err())
	assert.Equal(t, in, out)
}

func TestIsAny(t *testing.T) {
	assert.True(t, IsAny(map[string]any{"a": []any{1, nil}}))
	assert.False(t, IsAny(struct{}{}))
	assert.False(t, IsAny([]any{make(chan int)}))
}

func TestTruncatedInput(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarString("abcdef")
	dec := NewDecoder(enc.Bytes()[:3])
	assert.Equal(t, "", dec.ReadVarString())
	assert.ErrorIs(t, dec.Err(), ErrUnexpectedEOF)
	// sticky
	assert.Equal(t, uint64(0), dec.ReadVarUint())
}

func TestRle(t *testing.T) {
	values := []uint8{1, 1, 1, 2, 3, 3, 0, 0}
	var enc RleEncoder
	for _, v := range values {
		enc.Write(v)
	}
	dec := NewRleDecoder(enc.Bytes())
	for _, v := range values {
		assert.Equal(t, v, dec.Read())
	}
}

func TestUintOptRle(t *testing.T) {
	values := []uint64{0, 0, 0, 7, 8, 8, 1 << 33, 0}
	var enc UintOptRleEncoder
	for _, v := range values {
		enc.Write(v)
	}
	dec := NewUintOptRleDecoder(enc.Bytes())
	for _, v := range values {
		assert.Equal(t, v, dec.Read())
	}
	require.NoError(t, dec.Err())
}

func TestIntDiffOptRle(t *testing.T) {
	values := []uint64{0, 1, 2, 3, 10, 4, 4, 4, 100}
	var enc IntDiffOptRleEncoder
	for _, v := range values {
		enc.Write(v)
	}
	dec := NewIntDiffOptRleDecoder(enc.Bytes())
	for _, v := range values {
		assert.Equal(t, v, dec.Read())
	}
	require.NoError(t, dec.Err())
}

func TestStringEncoder(t *testing.T) {
	values := []string{"a", "", "hello world, this is long", "ü", "a😀b", "😀", "a"}
	var enc StringEncoder
	for _, v := range values {
		enc.Write(v)
	}
	dec := NewStringDecoder(enc.Bytes())
	for _, v := range values {
		assert.Equal(t, v, dec.Read())
	}
	require.NoError(t, dec.Err())
}

func TestStringDecoderCountsUTF16(t *testing.T) {
	assert.Equal(t, 4, UTF16Len("a😀b"))
	assert.Equal(t, 2, UTF16Len("ü€"))

	off, split := UTF16Offset("a😀b", 3)
	assert.Equal(t, 5, off)
	assert.False(t, split)
	off, split = UTF16Offset("a😀b", 2)
	assert.Equal(t, 1, off)
	assert.True(t, split)

	build := func(s string, n uint64) []byte {
		var lens UintOptRleEncoder
		lens.Write(n)
		var enc Encoder
		enc.WriteVarString(s)
		enc.WriteBytes(lens.Bytes())
		return enc.Bytes()
	}
	dec := NewStringDecoder(build("😀", 2))
	assert.Equal(t, "😀", dec.Read())
	require.NoError(t, dec.Err())

	dec = NewStringDecoder(build("😀", 1))
	dec.Read()
	assert.ErrorIs(t, dec.Err(), ErrSplitSurrogate)

	dec = NewStringDecoder(build("ab", 3))
	dec.Read()
	assert.ErrorIs(t, dec.Err(), ErrUnexpectedEOF)
}
