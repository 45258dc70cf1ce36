package crdt

import (
	"maps"
	"slices"
)

// StateVector maps a client id to the next clock expected from it.
type StateVector map[uint64]int

// clientStructs is the append-only, clock-sorted struct log of one client.
type clientStructs struct {
	structs []Struct
}

func (cs *clientStructs) insertAt(i int, s Struct) {
	cs.structs = slices.Insert(cs.structs, i, s)
}

// pendingUpdate holds structs whose dependencies have not arrived yet.
type pendingUpdate struct {
	missing StateVector
	update  []byte
}

// StructStore owns every struct of a document, grouped by client.
type StructStore struct {
	clients map[uint64]*clientStructs

	pendingStructs *pendingUpdate
	pendingDs      *DeleteSet
}

func newStructStore() *StructStore {
	return &StructStore{clients: map[uint64]*clientStructs{}}
}

// sortedClients returns the client ids in ascending order.
func (s *StructStore) sortedClients() []uint64 {
	return slices.Sorted(maps.Keys(s.clients))
}

// StateVector returns the next expected clock of every known client.
func (s *StructStore) StateVector() StateVector {
	sv := StateVector{}
	for client, cs := range s.clients {
		last := cs.structs[len(cs.structs)-1]
		sv[client] = last.ID().Clock + last.Len()
	}
	return sv
}

// getState returns the next expected clock of client, 0 if unknown.
func (s *StructStore) getState(client uint64) int {
	cs, ok := s.clients[client]
	if !ok {
		return 0
	}
	last := cs.structs[len(cs.structs)-1]
	return last.ID().Clock + last.Len()
}

// integrityCheck panics if any client's structs have gaps or overlaps.
func (s *StructStore) integrityCheck() {
	for _, cs := range s.clients {
		for i := 1; i < len(cs.structs); i++ {
			l, r := cs.structs[i-1], cs.structs[i]
			if l.ID().Clock+l.Len() != r.ID().Clock {
				unexpectedCase("struct store integrity check failed at %s", r.ID())
			}
		}
	}
}

func (s *StructStore) addStruct(st Struct) {
	id := st.ID()
	cs, ok := s.clients[id.Client]
	if !ok {
		s.clients[id.Client] = &clientStructs{structs: []Struct{st}}
		return
	}
	last := cs.structs[len(cs.structs)-1]
	if last.ID().Clock+last.Len() != id.Clock {
		unexpectedCase("non-contiguous struct %s appended after %s", id, last.ID())
	}
	cs.structs = append(cs.structs, st)
}

// findIndexSS returns the index of the struct containing clock. It starts
// with an interpolation guess before falling back to binary search.
func findIndexSS(structs []Struct, clock int) int {
	left, right := 0, len(structs)-1
	if right < 0 {
		unexpectedCase("clock %d searched in empty struct list", clock)
	}
	mid := structs[right]
	midClock := mid.ID().Clock
	if midClock == clock {
		return right
	}
	midIndex := 0
	if denom := midClock + mid.Len() - 1; denom > 0 {
		midIndex = int(int64(clock) * int64(right) / int64(denom))
	}
	if midIndex > right {
		midIndex = right
	}
	if midIndex < 0 {
		midIndex = 0
	}
	for left <= right {
		mid = structs[midIndex]
		midClock = mid.ID().Clock
		if midClock <= clock {
			if clock < midClock+mid.Len() {
				return midIndex
			}
			left = midIndex + 1
		} else {
			right = midIndex - 1
		}
		midIndex = (left + right) / 2
	}
	unexpectedCase("clock %d not found", clock)
	return 0
}

// find returns the struct containing id. The id must exist.
func (s *StructStore) find(id ID) Struct {
	cs, ok := s.clients[id.Client]
	if !ok {
		unexpectedCase("unknown client %d", id.Client)
	}
	return cs.structs[findIndexSS(cs.structs, id.Clock)]
}

// findIndexCleanStart returns the index of the struct starting exactly at
// clock, splitting an item if necessary.
func findIndexCleanStart(txn *Transaction, cs *clientStructs, clock int) int {
	index := findIndexSS(cs.structs, clock)
	st := cs.structs[index]
	if it, ok := st.(*Item); ok && st.ID().Clock < clock {
		cs.insertAt(index+1, splitItem(txn, it, clock-it.id.Clock))
		return index + 1
	}
	return index
}

// getItemCleanStart returns the struct starting at id, splitting if needed.
func (s *StructStore) getItemCleanStart(txn *Transaction, id ID) Struct {
	cs := s.clients[id.Client]
	return cs.structs[findIndexCleanStart(txn, cs, id.Clock)]
}

// getItemCleanEnd returns the struct ending at id, splitting if needed.
func (s *StructStore) getItemCleanEnd(txn *Transaction, id ID) Struct {
	cs := s.clients[id.Client]
	index := findIndexSS(cs.structs, id.Clock)
	st := cs.structs[index]
	if it, ok := st.(*Item); ok && id.Clock != it.id.Clock+it.length-1 {
		cs.insertAt(index+1, splitItem(txn, it, id.Clock-it.id.Clock+1))
	}
	return st
}

// itemCleanStart is getItemCleanStart for ids known to reference items.
func (s *StructStore) itemCleanStart(txn *Transaction, id ID) *Item {
	it, _ := s.getItemCleanStart(txn, id).(*Item)
	return it
}

func (s *StructStore) replaceStruct(old, replacement Struct) {
	cs := s.clients[old.ID().Client]
	cs.structs[findIndexSS(cs.structs, old.ID().Clock)] = replacement
}

// iterateStructs calls f for every struct in [clockStart, clockStart+length),
// splitting at both ends so f sees exact boundaries.
func iterateStructs(txn *Transaction, cs *clientStructs, clockStart, length int, f func(Struct)) {
	if length == 0 || cs == nil {
		return
	}
	clockEnd := clockStart + length
	index := findIndexCleanStart(txn, cs, clockStart)
	for {
		st := cs.structs[index]
		index++
		if clockEnd < st.ID().Clock+st.Len() {
			findIndexCleanStart(txn, cs, clockEnd)
		}
		f(st)
		if index >= len(cs.structs) || cs.structs[index].ID().Clock >= clockEnd {
			return
		}
	}
}
