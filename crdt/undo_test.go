package crdt

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newUndoManager(t *testing.T, scope SharedType, opts ...UndoOption) (*UndoManager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	um, err := NewUndoManager(scope, append([]UndoOption{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(um.Destroy)
	return um, clock
}

func TestUndoCapturesWithinTimeout(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	um, clock := newUndoManager(t, txt)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, txt.Insert(txt.Len(), s, nil))
		clock.Advance(100 * time.Millisecond)
	}
	assert.Len(t, um.UndoStack(), 1)
	require.NotNil(t, um.Undo())
	assert.Equal(t, "", txt.String())
	assert.False(t, um.CanUndo())

	require.NotNil(t, um.Redo())
	assert.Equal(t, "abc", txt.String())
}

func TestStopCapturingSplitsSteps(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	um, _ := newUndoManager(t, txt)

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, txt.Insert(txt.Len(), s, nil))
		um.StopCapturing()
	}
	require.Len(t, um.UndoStack(), 3)
	um.Undo()
	assert.Equal(t, "ab", txt.String())
	um.Undo()
	assert.Equal(t, "a", txt.String())
	um.Redo()
	assert.Equal(t, "ab", txt.String())
}

func TestUndoAfterCaptureTimeout(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	um, clock := newUndoManager(t, txt)

	require.NoError(t, txt.Insert(0, "a", nil))
	clock.Advance(DefaultCaptureTimeout)
	require.NoError(t, txt.Insert(1, "b", nil))
	um.Undo()
	assert.Equal(t, "a", txt.String())
}

func TestUndoRestoresDeletedContent(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	require.NoError(t, txt.Insert(0, "hello world", nil))
	um, _ := newUndoManager(t, txt)

	require.NoError(t, txt.Delete(0, 6))
	assert.Equal(t, "world", txt.String())
	um.Undo()
	assert.Equal(t, "hello world", txt.String())
	um.Redo()
	assert.Equal(t, "world", txt.String())
	um.Undo()
	assert.Equal(t, "hello world", txt.String())
}

func TestUndoIgnoresUntrackedOrigins(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	arr := array(t, a, "arr")
	um, _ := newUndoManager(t, arr)

	require.NoError(t, arr.Push(1))
	um.StopCapturing()
	require.NoError(t, array(t, b, "arr").Push(2))
	exchange(t, a, b)
	assert.Equal(t, []any{1, 2}, arr.ToArray())

	um.Undo()
	assert.Equal(t, []any{2}, arr.ToArray())
	assert.Nil(t, um.Undo())
}

func TestUndoTrackedOriginTypes(t *testing.T) {
	type editor struct{ name string }
	d := newDocs(t, 1)[0]
	m := ymap(t, d, "m")
	um, _ := newUndoManager(t, m, WithTrackedOrigins(reflect.TypeOf(editor{})))
	um.AddTrackedOrigin("toolbar")

	d.Transact(func(*Transaction) { require.NoError(t, m.Set("a", 1)) }, editor{"vim"})
	um.StopCapturing()
	d.Transact(func(*Transaction) { require.NoError(t, m.Set("b", 2)) }, "toolbar")
	um.StopCapturing()
	require.NoError(t, m.Set("c", 3))
	um.StopCapturing()
	d.Transact(func(*Transaction) { require.NoError(t, m.Set("d", 4)) }, []string{"not hashable"})
	assert.Len(t, um.UndoStack(), 2)

	um.RemoveTrackedOrigin("toolbar")
	d.Transact(func(*Transaction) { require.NoError(t, m.Set("e", 5)) }, "toolbar")
	assert.Len(t, um.UndoStack(), 2)

	um.Undo()
	um.Undo()
	assert.Equal(t, []string{"c", "d", "e"}, m.Keys())
}

func TestUndoMapAndNestedTypes(t *testing.T) {
	d := newDocs(t, 1)[0]
	m := ymap(t, d, "m")
	um, _ := newUndoManager(t, m)

	require.NoError(t, m.Set("list", NewArrayFrom(1, 2)))
	um.StopCapturing()
	v, _ := m.Get("list")
	inner := v.(*Array)
	require.NoError(t, inner.Push(3))
	um.StopCapturing()
	m.Delete("list")
	assert.False(t, m.Has("list"))

	um.Undo()
	v, ok := m.Get("list")
	require.True(t, ok)
	assert.Equal(t, []any{1, 2, 3}, v.(*Array).ToArray())
	um.Undo()
	v, _ = m.Get("list")
	assert.Equal(t, []any{1, 2}, v.(*Array).ToArray())
	um.Undo()
	assert.False(t, m.Has("list"))
	assert.False(t, um.CanUndo())

	um.Redo()
	um.Redo()
	um.Redo()
	assert.False(t, m.Has("list"))
}

func TestUndoRemoteMapConflict(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	m := ymap(t, a, "m")
	um, _ := newUndoManager(t, m)

	require.NoError(t, m.Set("k", "a"))
	um.StopCapturing()
	require.NoError(t, m.Set("k", "a2"))
	exchange(t, a, b)
	require.NoError(t, ymap(t, b, "m").Set("k", "b"))
	exchange(t, a, b)

	// the remote value is newer, so undo cannot restore "a"
	um.Undo()
	v, _ := m.Get("k")
	assert.Equal(t, "b", v)

	um2, _ := newUndoManager(t, m, WithIgnoreRemoteMapChanges(true))
	require.NoError(t, m.Set("k", "c"))
	um2.StopCapturing()
	require.NoError(t, ymap(t, b, "m").Set("k", "d"))
	exchange(t, a, b)
	exchange(t, a, b)
	// the value "c" replaced is restored over the remote "d"
	um2.Undo()
	v, _ = m.Get("k")
	assert.Equal(t, "b", v)
}

func TestUndoDeleteFilter(t *testing.T) {
	d := newDocs(t, 1)[0]
	arr := array(t, d, "arr")
	um, _ := newUndoManager(t, arr, WithDeleteFilter(func(it *Item) bool {
		vals := it.Content().Values()
		return len(vals) == 0 || vals[0] != "keep"
	}))
	d.Transact(func(*Transaction) {
		require.NoError(t, arr.Push("keep"))
		require.NoError(t, arr.Insert(0, "drop"))
	}, nil)
	um.Undo()
	assert.Equal(t, []any{"keep"}, arr.ToArray())
}

func TestUndoCaptureTransaction(t *testing.T) {
	d := newDocs(t, 1)[0]
	arr := array(t, d, "arr")
	um, _ := newUndoManager(t, arr, WithCaptureTransaction(func(txn *Transaction) bool {
		return txn.Origin != "silent"
	}))
	d.Transact(func(*Transaction) { require.NoError(t, arr.Push(1)) }, "silent")
	assert.False(t, um.CanUndo())
	require.NoError(t, arr.Push(2))
	assert.True(t, um.CanUndo())
}

func TestUndoEvents(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	um, _ := newUndoManager(t, txt)

	var log []string
	um.OnStackItemAdded(func(e StackItemEvent) {
		e.StackItem.Meta["cursor"] = txt.Len()
		log = append(log, "added:"+e.Type)
	})
	um.OnStackItemUpdated(func(e StackItemEvent) { log = append(log, "updated:"+e.Type) })
	um.OnStackItemPopped(func(e StackItemEvent) {
		log = append(log, "popped:"+e.Type)
		assert.Contains(t, e.StackItem.Meta, "cursor")
	})
	um.OnStackCleared(func(e StackClearedEvent) {
		log = append(log, "cleared")
		assert.True(t, e.UndoStackCleared)
	})

	require.NoError(t, txt.Insert(0, "a", nil))
	require.NoError(t, txt.Insert(1, "b", nil))
	um.Undo()
	um.Redo()
	um.Clear(true, true)
	assert.Equal(t, []string{
		"added:undo", "updated:undo",
		"added:redo", "popped:undo",
		"added:undo", "popped:redo",
		"cleared",
	}, log)
	assert.False(t, um.CanUndo())
	assert.False(t, um.CanRedo())
}

func TestNewEditClearsRedoStack(t *testing.T) {
	d := newDocs(t, 1)[0]
	txt := text(t, d, "t")
	um, _ := newUndoManager(t, txt)
	require.NoError(t, txt.Insert(0, "a", nil))
	um.Undo()
	assert.True(t, um.CanRedo())
	require.NoError(t, txt.Insert(0, "b", nil))
	assert.False(t, um.CanRedo())
}

func TestUndoManagerScope(t *testing.T) {
	d := newDocs(t, 1)[0]
	a := array(t, d, "a")
	b := array(t, d, "b")
	um, _ := newUndoManager(t, a)

	require.NoError(t, b.Push(1))
	assert.False(t, um.CanUndo())
	require.NoError(t, um.AddToScope(b))
	require.NoError(t, b.Push(2))
	assert.True(t, um.CanUndo())

	other := newDocs(t, 1)[0]
	assert.Error(t, um.AddToScope(array(t, other, "a")))

	_, err := NewUndoManager(NewArray())
	assert.ErrorIs(t, err, ErrPrematureAccess)
}

func TestUndoSurvivesGarbageCollection(t *testing.T) {
	d := newDocs(t, 1)[0]
	m := ymap(t, d, "m")
	um, _ := newUndoManager(t, m)
	require.NoError(t, m.Set("t", NewText("nested")))
	um.StopCapturing()
	m.Delete("t")
	um.Undo()
	v, ok := m.Get("t")
	require.True(t, ok)
	assert.Equal(t, "nested", v.(*Text).String())
}
