package ysync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kevinxiao27/ycrdt/crdt"
)

// Transport moves whole sync messages between two peers. Send is only called
// from one goroutine at a time, as is Receive.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	// Receive returns io.EOF once the remote side closed cleanly.
	Receive(ctx context.Context) ([]byte, error)
}

const defaultOutboxSize = 64

// ErrOutboxFull stops a peer whose outgoing queue overflowed.
var ErrOutboxFull = errors.New("ysync: peer outbox full")

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// Peer keeps a document in sync with one remote peer.
type Peer struct {
	doc       *crdt.Doc
	transport Transport
	locker    sync.Locker
	log       zerolog.Logger
	outbox    chan []byte
}

type PeerOption func(*Peer)

func WithLogger(l zerolog.Logger) PeerOption {
	return func(p *Peer) { p.log = l }
}

// WithLocker guards every access the peer makes to the document. Use the
// same locker for all code touching the document.
func WithLocker(l sync.Locker) PeerOption {
	return func(p *Peer) { p.locker = l }
}

func WithOutboxSize(n int) PeerOption {
	return func(p *Peer) { p.outbox = make(chan []byte, n) }
}

func NewPeer(doc *crdt.Doc, transport Transport, opts ...PeerOption) *Peer {
	p := &Peer{
		doc:       doc,
		transport: transport,
		locker:    nopLocker{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.outbox == nil {
		p.outbox = make(chan []byte, defaultOutboxSize)
	}
	return p
}

// Run performs the initial handshake and then exchanges updates until ctx is
// done, the transport fails or the remote closes. A clean close returns nil.
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancelCause := context.WithCancelCause(ctx)
	cancel := func() { cancelCause(nil) }
	defer cancel()

	p.locker.Lock()
	id := p.doc.OnUpdate(func(update []byte, origin any, _ *crdt.Transaction) {
		if origin == p || ctx.Err() != nil {
			return
		}
		select {
		case p.outbox <- EncodeUpdate(update):
		default:
			p.log.Warn().Int("queued", len(p.outbox)).Msg("outbox full, dropping peer")
			cancelCause(ErrOutboxFull)
		}
	})
	step1 := EncodeSyncStep1(p.doc)
	p.locker.Unlock()
	defer func() {
		p.locker.Lock()
		p.doc.Off(id)
		p.locker.Unlock()
	}()

	if err := p.transport.Send(ctx, step1); err != nil {
		return fmt.Errorf("send sync step 1: %w", err)
	}
	p.log.Debug().Msg("sent sync step 1")

	writeErr := make(chan error, 1)
	go func() {
		err := p.writeLoop(ctx)
		cancel()
		writeErr <- err
	}()

	err := p.readLoop(ctx)
	cancel()
	if werr := <-writeErr; werr != nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrOutboxFull) {
		return cause
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.outbox:
			if err := p.transport.Send(ctx, msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		raw, err := p.transport.Receive(ctx)
		if err != nil {
			return err
		}
		if err := p.Handle(ctx, raw); err != nil {
			return err
		}
	}
}

// Handle processes one message received from the remote peer. Replies are
// queued for the write loop.
func (p *Peer) Handle(ctx context.Context, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	p.log.Debug().Stringer("type", msg.Type).Int("bytes", len(msg.Payload)).Msg("received")

	switch msg.Type {
	case MessageSyncStep1:
		p.locker.Lock()
		reply, err := EncodeSyncStep2(p.doc, msg.Payload)
		p.locker.Unlock()
		if err != nil {
			return fmt.Errorf("answer sync step 1: %w", err)
		}
		select {
		case p.outbox <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	case MessageSyncStep2, MessageUpdate:
		p.locker.Lock()
		err := crdt.ApplyUpdate(p.doc, msg.Payload, p)
		p.locker.Unlock()
		if err != nil {
			return fmt.Errorf("apply %s: %w", msg.Type, err)
		}
		if msg.Type == MessageSyncStep2 {
			p.doc.EmitSync(true)
		}
	}
	return nil
}
