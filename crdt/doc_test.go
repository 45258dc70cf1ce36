package crdt

import (
	"testing"

	"github.com/sanity-io/litter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDocs returns n documents with client ids 1..n.
func newDocs(t *testing.T, n int, opts ...DocOption) []*Doc {
	t.Helper()
	docs := make([]*Doc, n)
	for i := range docs {
		docs[i] = NewDoc(append([]DocOption{WithClientID(uint64(i + 1)), WithClientRegistry(nil)}, opts...)...)
		t.Cleanup(docs[i].Destroy)
	}
	return docs
}

// exchange sends every document the state it is missing from every other.
func exchange(t *testing.T, docs ...*Doc) {
	t.Helper()
	for _, from := range docs {
		for _, to := range docs {
			if from == to {
				continue
			}
			update, err := EncodeStateAsUpdate(from, EncodeStateVector(to))
			require.NoError(t, err)
			require.NoError(t, ApplyUpdate(to, update, "exchange"))
		}
	}
}

func requireConverged(t *testing.T, docs ...*Doc) {
	t.Helper()
	want := docs[0].ToJSON()
	for _, d := range docs[1:] {
		if got := d.ToJSON(); !assert.Equal(t, want, got) {
			t.Logf("client %d:\n%s\nclient %d:\n%s", docs[0].ClientID, litter.Sdump(want), d.ClientID, litter.Sdump(got))
			t.FailNow()
		}
		assert.Equal(t, docs[0].store.StateVector(), d.store.StateVector())
	}
}

func text(t *testing.T, d *Doc, name string) *Text {
	t.Helper()
	txt, err := d.GetText(name)
	require.NoError(t, err)
	return txt
}

func array(t *testing.T, d *Doc, name string) *Array {
	t.Helper()
	a, err := d.GetArray(name)
	require.NoError(t, err)
	return a
}

func ymap(t *testing.T, d *Doc, name string) *Map {
	t.Helper()
	m, err := d.GetMap(name)
	require.NoError(t, err)
	return m
}

func TestSequentialTextEdits(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, text(t, a, "t").Insert(0, "hello", nil))
	exchange(t, a, b)
	require.NoError(t, text(t, b, "t").Insert(5, " world", nil))
	exchange(t, a, b)

	assert.Equal(t, "hello world", text(t, a, "t").String())
	assert.Equal(t, "hello world", text(t, b, "t").String())
	requireConverged(t, a, b)
}

func TestConcurrentInsertSameIndex(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, array(t, a, "arr").Insert(0, "a"))
	require.NoError(t, array(t, b, "arr").Insert(0, "b"))
	exchange(t, a, b)

	assert.Equal(t, []any{"a", "b"}, array(t, a, "arr").ToArray())
	requireConverged(t, a, b)
}

func TestConcurrentMapSet(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, ymap(t, a, "m").Set("x", 1))
	require.NoError(t, ymap(t, b, "m").Set("x", 2))
	exchange(t, a, b)

	v, ok := ymap(t, a, "m").Get("x")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	requireConverged(t, a, b)
}

func TestInsertIntoConcurrentlyDeletedRange(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, text(t, a, "t").Insert(0, "abcdef", nil))
	exchange(t, a, b)

	require.NoError(t, text(t, a, "t").Delete(1, 3))
	require.NoError(t, text(t, b, "t").Insert(2, "X", nil))
	exchange(t, a, b)

	assert.Equal(t, "aXef", text(t, a, "t").String())
	requireConverged(t, a, b)
}

func TestStateAsUpdateRestoresDoc(t *testing.T) {
	docs := newDocs(t, 1)
	d := docs[0]
	require.NoError(t, text(t, d, "t").Insert(0, "text", Attributes{"bold": true}))
	require.NoError(t, array(t, d, "arr").Push(1, "two", NewMapFrom(map[string]any{"k": "v"})))
	require.NoError(t, ymap(t, d, "m").Set("nested", NewArrayFrom(1, 2, 3)))
	require.NoError(t, array(t, d, "arr").Delete(0, 1))

	update, err := EncodeStateAsUpdate(d, nil)
	require.NoError(t, err)
	restored := NewDoc(WithClientRegistry(nil))
	text(t, restored, "t")
	array(t, restored, "arr")
	ymap(t, restored, "m")
	require.NoError(t, ApplyUpdate(restored, update, nil))

	assert.Equal(t, d.ToJSON(), restored.ToJSON())
}

func TestApplyUpdateIsIdempotentAndCommutative(t *testing.T) {
	docs := newDocs(t, 3)
	var updates [][]byte
	for i, d := range docs {
		d.OnUpdate(func(update []byte, _ any, _ *Transaction) {
			updates = append(updates, update)
		})
		txt := text(t, d, "t")
		require.NoError(t, txt.Insert(0, string(rune('a'+i)), nil))
		require.NoError(t, txt.Insert(1, "xyz", nil))
		require.NoError(t, txt.Delete(0, 2))
	}
	require.Len(t, updates, 9)

	forward := NewDoc(WithClientRegistry(nil))
	backward := NewDoc(WithClientRegistry(nil))
	twice := NewDoc(WithClientRegistry(nil))
	for i := range updates {
		require.NoError(t, ApplyUpdate(forward, updates[i], nil))
		require.NoError(t, ApplyUpdate(backward, updates[len(updates)-1-i], nil))
		require.NoError(t, ApplyUpdate(twice, updates[i], nil))
		require.NoError(t, ApplyUpdate(twice, updates[i], nil))
	}
	for _, d := range []*Doc{forward, backward, twice} {
		text(t, d, "t")
	}
	requireConverged(t, forward, backward, twice)
	assert.Nil(t, backward.store.pendingStructs)
	assert.Nil(t, backward.store.pendingDs)
}

func TestNestedTypesConverge(t *testing.T) {
	docs := newDocs(t, 3)
	for i, d := range docs {
		m := ymap(t, d, "root")
		require.NoError(t, m.Set("list", NewArrayFrom(i)))
	}
	exchange(t, docs...)
	for i, d := range docs {
		v, ok := ymap(t, d, "root").Get("list")
		require.True(t, ok)
		require.NoError(t, v.(*Array).Push(10+i))
	}
	exchange(t, docs...)
	requireConverged(t, docs...)
}

func TestRootTypeConflict(t *testing.T) {
	d := newDocs(t, 1)[0]
	_, err := d.GetText("x")
	require.NoError(t, err)
	_, err = d.GetArray("x")
	assert.ErrorIs(t, err, ErrTypeConflict)
}

func TestOutOfRangeEdits(t *testing.T) {
	d := newDocs(t, 1)[0]
	arr := array(t, d, "arr")
	assert.ErrorIs(t, arr.Insert(1, "x"), ErrLengthExceeded)
	require.NoError(t, arr.Push("x"))
	assert.ErrorIs(t, arr.Delete(0, 2), ErrLengthExceeded)
	assert.ErrorIs(t, text(t, d, "t").Delete(0, 1), ErrLengthExceeded)
}

func TestObserveEvents(t *testing.T) {
	d := newDocs(t, 1)[0]
	m := ymap(t, d, "m")
	var keys map[string]EntryChange
	m.Observe(func(e Event, _ *Transaction) {
		keys = e.event().Keys()
	})
	require.NoError(t, m.Set("a", 1))
	assert.Equal(t, map[string]EntryChange{"a": {Action: ActionAdd}}, keys)

	require.NoError(t, m.Set("a", 2))
	assert.Equal(t, map[string]EntryChange{"a": {Action: ActionUpdate, OldValue: 1}}, keys)

	m.Delete("a")
	assert.Equal(t, map[string]EntryChange{"a": {Action: ActionDelete, OldValue: 2}}, keys)
}

func TestObserveDeepPaths(t *testing.T) {
	d := newDocs(t, 1)[0]
	root := ymap(t, d, "root")
	inner := NewArray()
	require.NoError(t, root.Set("inner", inner))

	var paths [][]any
	root.ObserveDeep(func(events []Event, _ *Transaction) {
		for _, e := range events {
			paths = append(paths, e.event().Path())
		}
	})
	require.NoError(t, inner.Push("x"))
	assert.Equal(t, [][]any{{"inner"}}, paths)
}

func TestGarbageCollection(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "abc", nil))
	require.NoError(t, txt.Delete(0, 3))

	for _, s := range d.store.clients[d.ClientID].structs {
		it, ok := s.(*Item)
		if ok {
			assert.True(t, it.deleted)
			_, isDeleted := it.content.(*ContentDeleted)
			assert.True(t, isDeleted)
		}
	}
	assert.Equal(t, "", txt.String())
}
