package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatting(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "hello world", nil))
	require.NoError(t, txt.Format(0, 5, Attributes{"bold": true}))
	assert.Equal(t, []DeltaOp{
		{Insert: "hello", Attributes: map[string]any{"bold": true}},
		{Insert: " world"},
	}, txt.ToDelta())

	// nil attributes continue the formatting to the left
	require.NoError(t, txt.Insert(5, "!", nil))
	// an empty map inserts plain text
	require.NoError(t, txt.Insert(0, ">", Attributes{}))
	assert.Equal(t, []DeltaOp{
		{Insert: ">"},
		{Insert: "hello!", Attributes: map[string]any{"bold": true}},
		{Insert: " world"},
	}, txt.ToDelta())

	require.NoError(t, txt.Format(0, 4, Attributes{"bold": nil}))
	assert.Equal(t, []DeltaOp{
		{Insert: ">hel"},
		{Insert: "lo!", Attributes: map[string]any{"bold": true}},
		{Insert: " world"},
	}, txt.ToDelta())
	assert.Equal(t, ">hello! world", txt.String())
}

func TestTextEmbeds(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "ab", nil))
	require.NoError(t, txt.InsertEmbed(1, map[string]any{"image": "cat.png"}, Attributes{"width": 10}))
	assert.Equal(t, 3, txt.Len())
	assert.Equal(t, "ab", txt.String())
	assert.Equal(t, []DeltaOp{
		{Insert: "a"},
		{Insert: map[string]any{"image": "cat.png"}, Attributes: map[string]any{"width": 10}},
		{Insert: "b"},
	}, txt.ToDelta())

	assert.ErrorIs(t, txt.InsertEmbed(0, func() {}, nil), ErrUnexpectedContent)
	assert.ErrorIs(t, txt.InsertEmbed(0, nil, nil), ErrUnexpectedContent)
	assert.ErrorIs(t, txt.Insert(4, "x", nil), ErrLengthExceeded)
	assert.ErrorIs(t, txt.Format(2, 5, Attributes{"bold": true}), ErrLengthExceeded)
}

func TestTextApplyDelta(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.ApplyDelta([]DeltaOp{
		{Insert: "Gandalf", Attributes: map[string]any{"bold": true}},
		{Insert: " the "},
		{Insert: "Grey", Attributes: map[string]any{"color": "#ccc"}},
	}, true))
	require.NoError(t, txt.ApplyDelta([]DeltaOp{
		{Retain: 12},
		{Delete: 4},
		{Insert: "White", Attributes: map[string]any{"color": "#fff"}},
	}, true))
	assert.Equal(t, []DeltaOp{
		{Insert: "Gandalf", Attributes: map[string]any{"bold": true}},
		{Insert: " the "},
		{Insert: "White", Attributes: map[string]any{"color": "#fff"}},
	}, txt.ToDelta())

	require.NoError(t, txt.ApplyDelta([]DeltaOp{{Retain: 7}, {Retain: 5, Attributes: map[string]any{"italic": true}}}, true))
	assert.Equal(t, " the ", txt.ToDelta()[1].Insert)
	assert.Equal(t, map[string]any{"italic": true}, txt.ToDelta()[1].Attributes)
}

func TestTextApplyDeltaTrailingNewline(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.ApplyDelta([]DeltaOp{{Insert: "line\n"}}, false))
	assert.Equal(t, "line", txt.String())
	require.NoError(t, txt.ApplyDelta([]DeltaOp{{Retain: 4}, {Insert: "\n"}}, true))
	assert.Equal(t, "line\n", txt.String())
}

func TestTextEventDelta(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	var delta []DeltaOp
	txt.Observe(func(e Event, _ *Transaction) {
		delta = e.(*TextEvent).Delta()
	})

	require.NoError(t, txt.Insert(0, "abc", nil))
	assert.Equal(t, []DeltaOp{{Insert: "abc"}}, delta)

	require.NoError(t, txt.Format(1, 1, Attributes{"bold": true}))
	assert.Equal(t, []DeltaOp{{Retain: 1}, {Retain: 1, Attributes: map[string]any{"bold": true}}}, delta)

	require.NoError(t, txt.Delete(0, 1))
	assert.Equal(t, []DeltaOp{{Delete: 1}}, delta)

	d.Transact(func(*Transaction) {
		require.NoError(t, txt.Insert(2, "xy", Attributes{"italic": true}))
		require.NoError(t, txt.Insert(0, "0", Attributes{}))
	}, nil)
	assert.Equal(t, []DeltaOp{
		{Insert: "0"},
		{Retain: 2},
		{Insert: "xy", Attributes: map[string]any{"italic": true}},
	}, delta)
}

func TestConcurrentFormattingConverges(t *testing.T) {
	docs := newDocs(t, 3)
	require.NoError(t, text(t, docs[0], "t").Insert(0, "abcdefgh", nil))
	exchange(t, docs...)

	require.NoError(t, text(t, docs[0], "t").Format(0, 4, Attributes{"bold": true}))
	require.NoError(t, text(t, docs[1], "t").Format(2, 4, Attributes{"bold": true}))
	require.NoError(t, text(t, docs[2], "t").Format(3, 2, Attributes{"bold": nil, "italic": true}))
	require.NoError(t, text(t, docs[2], "t").Insert(4, "Z", nil))
	// formatting cleanup on receipt produces deletions of its own
	exchange(t, docs...)
	exchange(t, docs...)

	want := text(t, docs[0], "t").ToDelta()
	for _, d := range docs[1:] {
		assert.Equal(t, want, text(t, d, "t").ToDelta())
	}
	requireConverged(t, docs...)
}

func TestFormattingCleanupAfterRemoteChange(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, text(t, a, "t").Insert(0, "abc", nil))
	exchange(t, a, b)
	require.NoError(t, text(t, a, "t").Format(0, 3, Attributes{"bold": true}))
	require.NoError(t, text(t, b, "t").Format(0, 3, Attributes{"bold": true}))
	exchange(t, a, b)
	exchange(t, a, b)

	assert.Equal(t, []DeltaOp{{Insert: "abc", Attributes: map[string]any{"bold": true}}}, text(t, a, "t").ToDelta())
	requireConverged(t, a, b)
}

func TestTextDeltaBetweenSnapshots(t *testing.T) {
	d := newDocs(t, 1, WithGC(false))[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "abc", nil))
	before := SnapshotOf(d)
	require.NoError(t, txt.Delete(1, 1))
	require.NoError(t, txt.Insert(2, "d", nil))
	after := SnapshotOf(d)

	assert.Equal(t, []DeltaOp{{Insert: "abc"}}, txt.ToDeltaSnapshot(before, nil, nil))
	assert.Equal(t, []DeltaOp{
		{Insert: "a"},
		{Insert: "b", Attributes: map[string]any{"ychange": map[string]any{"type": "removed"}}},
		{Insert: "c"},
		{Insert: "d", Attributes: map[string]any{"ychange": map[string]any{"type": "added"}}},
	}, txt.ToDeltaSnapshot(after, before, nil))
	assert.Equal(t, "acd", txt.String())
}

func TestTextAttributes(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.SetAttribute("lang", "en"))
	v, ok := txt.GetAttribute("lang")
	require.True(t, ok)
	assert.Equal(t, "en", v)
	assert.Equal(t, map[string]any{"lang": "en"}, txt.GetAttributes())
	txt.RemoveAttribute("lang")
	assert.Empty(t, txt.GetAttributes())
	assert.Equal(t, 0, txt.Len())
}

func TestPrelimText(t *testing.T) {
	d := newDocs(t, 1)[0]
	inner := NewText("")
	require.NoError(t, inner.Insert(0, "prelim", Attributes{"bold": true}))
	require.NoError(t, inner.Delete(0, 3))
	require.NoError(t, ymap(t, d, "m").Set("t", inner))
	assert.Equal(t, []DeltaOp{{Insert: "lim", Attributes: map[string]any{"bold": true}}}, inner.ToDelta())

	clone := inner.Clone()
	require.NoError(t, array(t, d, "arr").Push(clone))
	assert.Equal(t, inner.ToDelta(), clone.ToDelta())
}

func TestTextCountsUTF16Units(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "a😀b", nil))
	assert.Equal(t, 4, txt.Len())
	assert.Equal(t, 4, d.store.getState(d.ClientID))

	require.NoError(t, txt.Delete(1, 2))
	assert.Equal(t, "ab", txt.String())
	require.NoError(t, txt.Insert(1, "😀😀", nil))
	// index 4 falls inside the second pair
	require.NoError(t, txt.Insert(4, "x", nil))
	want := "a😀�x�b"
	assert.Equal(t, want, txt.String())
	assert.Equal(t, 7, txt.Len())

	for _, v2 := range []bool{false, true} {
		encode := EncodeStateAsUpdate
		if v2 {
			encode = EncodeStateAsUpdateV2
		}
		update, err := encode(d, nil)
		require.NoError(t, err)
		r := restore(t, update, v2)
		assert.Equal(t, want, text(t, r, "t").String())
		assert.Equal(t, d.store.StateVector(), r.store.StateVector())
	}
}
