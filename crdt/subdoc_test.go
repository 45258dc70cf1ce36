package crdt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guids(docs []*Doc) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.GUID
	}
	return out
}

func TestSubdocLifecycle(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]

	var events []SubdocsEvent
	a.OnSubdocs(func(e SubdocsEvent, _ *Transaction) { events = append(events, e) })
	var remote []SubdocsEvent
	b.OnSubdocs(func(e SubdocsEvent, _ *Transaction) { remote = append(remote, e) })

	sub := NewDoc(WithGUID("sub-1"), WithClientRegistry(nil))
	require.NoError(t, ymap(t, a, "m").Set("doc", sub))
	require.Len(t, events, 1)
	assert.Equal(t, []string{"sub-1"}, guids(events[0].Added))
	assert.Equal(t, []string{"sub-1"}, guids(events[0].Loaded))
	assert.Equal(t, a, sub.Parent())

	err := array(t, a, "arr").Push(sub)
	assert.ErrorIs(t, err, ErrSubdocIntegrated)

	exchange(t, a, b)
	require.Len(t, remote, 1)
	assert.Equal(t, []string{"sub-1"}, guids(remote[0].Added))
	assert.Empty(t, remote[0].Loaded)
	assert.Equal(t, []string{"sub-1"}, b.SubdocGUIDs())

	v, _ := ymap(t, b, "m").Get("doc")
	remoteSub := v.(*Doc)
	assert.False(t, remoteSub.ShouldLoad())
	remoteSub.Load()
	require.Len(t, remote, 2)
	assert.Equal(t, []string{"sub-1"}, guids(remote[1].Loaded))

	sub.Destroy()
	require.Len(t, events, 2)
	assert.Equal(t, []string{"sub-1"}, guids(events[1].Removed))
	assert.Equal(t, []string{"sub-1"}, guids(events[1].Added))
	v, _ = ymap(t, a, "m").Get("doc")
	assert.NotSame(t, sub, v)

	ymap(t, a, "m").Delete("doc")
	require.Len(t, events, 3)
	assert.Equal(t, []string{"sub-1"}, guids(events[2].Removed))
	assert.Empty(t, a.Subdocs())
}

func TestDeleteCollectedSubdoc(t *testing.T) {
	d := NewDoc(WithClientRegistry(nil))
	t.Cleanup(d.Destroy)
	var removed []string
	d.OnSubdocs(func(e SubdocsEvent, _ *Transaction) { removed = append(removed, guids(e.Removed)...) })

	arr := array(t, d, "arr")
	sub := NewDoc(WithGUID("gone"), WithClientRegistry(nil))
	require.NoError(t, arr.Push(sub))
	require.NotPanics(t, func() { require.NoError(t, arr.Delete(0, 1)) })
	assert.True(t, sub.IsDestroyed())
	assert.Equal(t, []string{"gone"}, removed)
	assert.Empty(t, d.Subdocs())
	assert.Equal(t, 0, arr.Len())

	m := ymap(t, d, "m")
	other := NewDoc(WithGUID("also-gone"), WithClientRegistry(nil))
	require.NoError(t, m.Set("doc", other))
	require.NotPanics(t, func() { m.Delete("doc") })
	assert.True(t, other.IsDestroyed())
	assert.Equal(t, []string{"gone", "also-gone"}, removed)
}

func TestLoadAndSyncState(t *testing.T) {
	d := NewDoc(WithClientRegistry(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.WhenSynced(ctx), context.DeadlineExceeded)

	var synced []bool
	d.OnSync(func(s bool, _ *Doc) { synced = append(synced, s) })
	d.EmitSync(true)
	require.NoError(t, d.WhenSynced(context.Background()))
	require.NoError(t, d.WhenLoaded(context.Background()))
	assert.True(t, d.IsLoaded())
	d.EmitSync(false)
	assert.False(t, d.IsSynced())
	assert.Equal(t, []bool{true, false}, synced)
}

func TestClientIDRegistry(t *testing.T) {
	r := NewClientIDRegistry()
	d := NewDoc(WithClientRegistry(r))
	assert.True(t, r.Contains(d.ClientID))
	assert.False(t, r.Register(d.ClientID))
	assert.True(t, r.Register(42))
	assert.Equal(t, 2, r.Len())

	var destroyed bool
	d.OnDestroy(func(*Doc) { destroyed = true })
	d.Destroy()
	assert.True(t, destroyed)
	assert.True(t, d.IsDestroyed())
	assert.Equal(t, []uint64{42}, r.Snapshot())
}

func TestClientIDChangesAfterRemoteCollision(t *testing.T) {
	docs := newDocs(t, 2)
	a, b := docs[0], docs[1]
	require.NoError(t, text(t, a, "t").Insert(0, "x", nil))
	update, err := EncodeStateAsUpdate(a, nil)
	require.NoError(t, err)

	// b pretends to be client 1 and receives content from itself
	b.setClientID(a.ClientID)
	require.NoError(t, ApplyUpdate(b, update, nil))
	assert.NotEqual(t, a.ClientID, b.ClientID)
}
