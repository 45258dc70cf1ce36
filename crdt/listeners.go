package crdt

import "sync/atomic"

// ListenerID identifies a registered callback. IDs are unique process wide so
// a single Off call can remove a listener from whichever registry holds it.
type ListenerID uint64

var listenerSeq atomic.Uint64

type listenerEntry[F any] struct {
	id   ListenerID
	f    F
	once bool
}

// listeners is an ordered callback registry. Dispatch iterates a snapshot, so
// callbacks may add or remove listeners while being called.
type listeners[F any] struct {
	entries []listenerEntry[F]
}

func (l *listeners[F]) add(f F) ListenerID {
	id := ListenerID(listenerSeq.Add(1))
	l.entries = append(l.entries, listenerEntry[F]{id: id, f: f})
	return id
}

func (l *listeners[F]) addOnce(f F) ListenerID {
	id := ListenerID(listenerSeq.Add(1))
	l.entries = append(l.entries, listenerEntry[F]{id: id, f: f, once: true})
	return id
}

func (l *listeners[F]) remove(id ListenerID) bool {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners[F]) len() int {
	return len(l.entries)
}

func (l *listeners[F]) clear() {
	l.entries = nil
}

// snapshot returns the callbacks to invoke and drops one-shot entries.
func (l *listeners[F]) snapshot() []F {
	if len(l.entries) == 0 {
		return nil
	}
	fs := make([]F, 0, len(l.entries))
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		fs = append(fs, e.f)
		if !e.once {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	return fs
}
