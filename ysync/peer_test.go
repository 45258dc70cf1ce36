package ysync

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/ycrdt/crdt"
)

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	once *sync.Once
}

func pipe() (pipeEnd, pipeEnd) {
	a, b := make(chan []byte, 16), make(chan []byte, 16)
	return pipeEnd{in: a, out: b, once: &sync.Once{}}, pipeEnd{in: b, out: a, once: &sync.Once{}}
}

func (p pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p pipeEnd) Close() {
	p.once.Do(func() { close(p.out) })
}

type lockedDoc struct {
	sync.Mutex
	doc *crdt.Doc
}

func newLockedDoc(t *testing.T, client uint64, content string) *lockedDoc {
	t.Helper()
	d := crdt.NewDoc(crdt.WithClientID(client), crdt.WithClientRegistry(nil))
	t.Cleanup(d.Destroy)
	txt, err := d.GetText("t")
	require.NoError(t, err)
	require.NoError(t, txt.Insert(0, content, nil))
	return &lockedDoc{doc: d}
}

func (l *lockedDoc) text(t *testing.T) string {
	l.Lock()
	defer l.Unlock()
	txt, err := l.doc.GetText("t")
	require.NoError(t, err)
	return txt.String()
}

func TestPeersConverge(t *testing.T) {
	a, b := newLockedDoc(t, 1, "hello"), newLockedDoc(t, 2, "world")
	endA, endB := pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- NewPeer(a.doc, endA, WithLocker(a)).Run(ctx) }()
	go func() { errs <- NewPeer(b.doc, endB, WithLocker(b)).Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, a.doc.WhenSynced(waitCtx))
	require.NoError(t, b.doc.WhenSynced(waitCtx))
	assert.Equal(t, a.text(t), b.text(t))
	assert.Len(t, a.text(t), len("helloworld"))

	a.Lock()
	txt, err := a.doc.GetText("t")
	require.NoError(t, err)
	require.NoError(t, txt.Insert(0, "> ", nil))
	a.Unlock()

	require.Eventually(t, func() bool {
		return a.text(t) == b.text(t)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, b.text(t), "> ")

	cancel()
	for range 2 {
		assert.ErrorIs(t, <-errs, context.Canceled)
	}
}

func TestPeerCleanClose(t *testing.T) {
	a := newLockedDoc(t, 1, "x")
	endA, endB := pipe()
	done := make(chan error, 1)
	go func() { done <- NewPeer(a.doc, endA, WithLocker(a)).Run(context.Background()) }()

	ctx := context.Background()
	raw, err := endB.Receive(ctx)
	require.NoError(t, err)
	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageSyncStep1, msg.Type)

	endB.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not stop after the remote closed")
	}
}

func TestHandleStep1QueuesStep2(t *testing.T) {
	a := newLockedDoc(t, 1, "abc")
	p := NewPeer(a.doc, nil, WithOutboxSize(1))
	empty := crdt.NewDoc(crdt.WithClientRegistry(nil))
	t.Cleanup(empty.Destroy)

	require.NoError(t, p.Handle(context.Background(), EncodeSyncStep1(empty)))
	reply, err := DecodeMessage(<-p.outbox)
	require.NoError(t, err)
	require.Equal(t, MessageSyncStep2, reply.Type)

	require.NoError(t, crdt.ApplyUpdate(empty, reply.Payload, nil))
	txt, err := empty.GetText("t")
	require.NoError(t, err)
	assert.Equal(t, "abc", txt.String())
}

func TestHandleStep2MarksSynced(t *testing.T) {
	a := newLockedDoc(t, 1, "abc")
	b := crdt.NewDoc(crdt.WithClientRegistry(nil))
	t.Cleanup(b.Destroy)
	p := NewPeer(b, nil)

	step2, err := EncodeSyncStep2(a.doc, nil)
	require.NoError(t, err)
	require.NoError(t, p.Handle(context.Background(), step2))
	assert.True(t, b.IsSynced())
	assert.True(t, b.IsLoaded())

	update, err := crdt.EncodeStateAsUpdate(a.doc, nil)
	require.NoError(t, err)
	require.NoError(t, p.Handle(context.Background(), EncodeUpdate(update)))
	txt, err := b.GetText("t")
	require.NoError(t, err)
	assert.Equal(t, "abc", txt.String())
}

func TestDecodeMessageErrors(t *testing.T) {
	_, err := DecodeMessage([]byte{2, 5, 1})
	assert.ErrorIs(t, err, crdt.ErrMalformedUpdate)

	_, err = DecodeMessage([]byte{7, 0})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	msg, err := DecodeMessage(EncodeUpdate([]byte{0, 0}))
	require.NoError(t, err)
	assert.Equal(t, Message{Type: MessageUpdate, Payload: []byte{0, 0}}, msg)
	assert.Equal(t, "sync-step-2", MessageSyncStep2.String())
}

// stalledTransport accepts the first message and then never completes a send.
type stalledTransport struct {
	sent atomic.Int32
}

func (s *stalledTransport) Send(ctx context.Context, _ []byte) error {
	if s.sent.Add(1) == 1 {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stalledTransport) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStalledPeerDoesNotBlockEdits(t *testing.T) {
	a := newLockedDoc(t, 1, "x")
	transport := &stalledTransport{}
	done := make(chan error, 1)
	go func() {
		done <- NewPeer(a.doc, transport, WithLocker(a), WithOutboxSize(1)).Run(context.Background())
	}()
	require.Eventually(t, func() bool { return transport.sent.Load() >= 1 }, 5*time.Second, time.Millisecond)

	edited := make(chan struct{})
	go func() {
		defer close(edited)
		for i := range 5 {
			a.Lock()
			txt, err := a.doc.GetText("t")
			if err == nil {
				err = txt.Insert(0, strconv.Itoa(i), nil)
			}
			a.Unlock()
			assert.NoError(t, err)
		}
	}()
	select {
	case <-edited:
	case <-time.After(5 * time.Second):
		t.Fatal("edits blocked on a stalled peer")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOutboxFull)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled peer was not stopped")
	}
	assert.Equal(t, "43210x", a.text(t))
}
