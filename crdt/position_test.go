package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativePositionFollowsEdits(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	txt := text(t, a, "t")
	require.NoError(t, txt.Insert(0, "hello world", nil))
	exchange(t, a, b)

	rpos := CreateRelativePositionFromTypeIndex(txt, 6, 0)
	require.NoError(t, text(t, b, "t").Insert(0, ">> ", nil))
	require.NoError(t, txt.Delete(0, 2))
	exchange(t, a, b)

	for _, d := range docs {
		abs := ToAbsolutePosition(rpos, d, true)
		require.NotNil(t, abs)
		assert.Equal(t, 7, abs.Index)
		assert.Equal(t, SharedType(text(t, d, "t")), abs.Type)
	}
}

func TestRelativePositionAssoc(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "abc", nil))

	before := CreateRelativePositionFromTypeIndex(txt, 1, -1)
	after := CreateRelativePositionFromTypeIndex(txt, 1, 0)
	start := CreateRelativePositionFromTypeIndex(txt, 0, -1)
	end := CreateRelativePositionFromTypeIndex(txt, 3, 0)
	require.NoError(t, txt.Insert(1, "X", nil))

	assert.Equal(t, 1, ToAbsolutePosition(before, d, true).Index)
	assert.Equal(t, 2, ToAbsolutePosition(after, d, true).Index)
	assert.Equal(t, 0, ToAbsolutePosition(start, d, true).Index)
	assert.Equal(t, 4, ToAbsolutePosition(end, d, true).Index)
	assert.NotNil(t, start.TName)
	assert.Nil(t, start.Item)
}

func TestRelativePositionInNestedType(t *testing.T) {
	d := newDocs(t, 1)[0]
	inner := NewArrayFrom(1, 2)
	require.NoError(t, ymap(t, d, "m").Set("inner", inner))
	rpos := CreateRelativePositionFromTypeIndex(inner, 2, 0)
	require.NotNil(t, rpos.Type)

	abs := ToAbsolutePosition(rpos, d, false)
	require.NotNil(t, abs)
	assert.Equal(t, 2, abs.Index)
	assert.Equal(t, SharedType(inner), abs.Type)

	other := newDocs(t, 1)[0]
	assert.Nil(t, ToAbsolutePosition(rpos, other, false))
}

func TestRelativePositionEncoding(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "abc", nil))
	positions := []*RelativePosition{
		CreateRelativePositionFromTypeIndex(txt, 1, -1),
		CreateRelativePositionFromTypeIndex(txt, 0, -1),
	}
	for _, rpos := range positions {
		b, err := EncodeRelativePosition(rpos)
		require.NoError(t, err)
		got, err := DecodeRelativePosition(b)
		require.NoError(t, err)
		// the binary form keeps only the item when there is one
		abs := ToAbsolutePosition(got, d, true)
		require.NotNil(t, abs)
		assert.Equal(t, ToAbsolutePosition(rpos, d, true), abs)

		js, err := json.Marshal(rpos)
		require.NoError(t, err)
		got, err = RelativePositionFromJSON(js)
		require.NoError(t, err)
		assert.True(t, CompareRelativePositions(rpos, got))
	}
	assert.False(t, CompareRelativePositions(positions[0], positions[1]))

	js, err := json.Marshal(positions[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"tname":"t","item":{"client":1,"clock":0},"assoc":-1}`, string(js))

	_, err = DecodeRelativePosition([]byte{9})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	_, err = RelativePositionFromJSON([]byte(`{"assoc":1}`))
	assert.ErrorIs(t, err, ErrUnexpectedContent)
}

func TestRelativePositionFollowsUndo(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "abc", nil))
	um, _ := newUndoManager(t, txt)
	require.NoError(t, txt.Delete(0, 3))
	rpos := &RelativePosition{Item: &ID{Client: d.ClientID, Clock: 2}}
	um.Undo()

	assert.Equal(t, 2, ToAbsolutePosition(rpos, d, true).Index)
	assert.Equal(t, 3, ToAbsolutePosition(rpos, d, false).Index)
}
