package ol

import (
	"fmt"
	"maps"

	"github.com/kevinxiao27/ycrdt/crdt"
	"github.com/kevinxiao27/ycrdt/util"
)

// CompactedAgent is the agent of entries produced by Compact.
const CompactedAgent = "compacted"

func NewUpdateLog() *UpdateLog {
	return &UpdateLog{version: crdt.StateVector{}}
}

func advanceVersion(version crdt.StateVector, to crdt.StateVector) crdt.StateVector {
	for client, clock := range to {
		if clock > version[client] {
			version[client] = clock
		}
	}
	return version
}

// Append validates update and adds it to the log.
func (l *UpdateLog) Append(agent string, update []byte) (Entry, error) {
	meta, err := crdt.ParseUpdateMeta(update)
	if err != nil {
		return Entry{}, fmt.Errorf("append from %s: %w", agent, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{Seq: l.next, Agent: agent, Update: update}
	l.entries = append(l.entries, e)
	l.next++
	l.version = advanceVersion(l.version, meta.To)
	return e, nil
}

func (l *UpdateLog) updates() [][]byte {
	return util.MapN(l.entries, func(e Entry) ([]byte, error) {
		return e.Update, nil
	})
}

// Merged returns all updates merged into one.
func (l *UpdateLog) Merged() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return crdt.MergeUpdates(l.updates())
}

// Since returns the update a replica with the encoded state vector sv is
// missing. Deletions are always included.
func (l *UpdateLog) Since(sv []byte) ([]byte, error) {
	merged, err := l.Merged()
	if err != nil {
		return nil, err
	}
	return crdt.DiffUpdate(merged, sv)
}

// After returns the entries appended after seq.
func (l *UpdateLog) After(seq Seq) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return util.Filter(l.entries, func(e Entry) bool { return e.Seq > seq })
}

// Compact replaces all entries with a single merged update. Sequence numbers
// of later entries keep increasing.
func (l *UpdateLog) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) < 2 {
		return nil
	}
	merged, err := crdt.MergeUpdates(l.updates())
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	last := l.entries[len(l.entries)-1].Seq
	l.entries = []Entry{{Seq: last, Agent: CompactedAgent, Update: merged}}
	return nil
}

// StateVector returns the combined state of all appended updates.
func (l *UpdateLog) StateVector() crdt.StateVector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.version)
}

func (l *UpdateLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Size is the total number of bytes held by the log.
func (l *UpdateLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return util.Reduce(l.entries, func(e Entry, n int) int { return n + len(e.Update) }, 0)
}
