package ol

import (
	"sync"

	"github.com/kevinxiao27/ycrdt/crdt"
)

type Seq int // index into the log

// Entry is one binary v1 update as it was received from an agent.
type Entry struct {
	Seq    Seq
	Agent  string // connection or replica that produced the update
	Update []byte
}

// UpdateLog is an append-only log of the updates of one document. It tracks
// the state vector of everything appended so catch-up diffs can be computed
// without materializing a document.
type UpdateLog struct {
	mu      sync.RWMutex
	entries []Entry
	next    Seq // sequence number of the next entry, survives compaction
	version crdt.StateVector
}
