package crdt

import (
	"maps"
	"slices"
	"sort"
)

// DeleteRange is a deleted clock range of one client.
type DeleteRange struct {
	Clock int
	Len   int
}

// DeleteSet is a sparse set of deleted clock ranges per client. Ranges are
// unsorted until sortAndMerge is called.
type DeleteSet struct {
	Clients map[uint64][]DeleteRange
}

func NewDeleteSet() *DeleteSet {
	return &DeleteSet{Clients: map[uint64][]DeleteRange{}}
}

func (ds *DeleteSet) add(client uint64, clock, length int) {
	ds.Clients[client] = append(ds.Clients[client], DeleteRange{clock, length})
}

// Add appends a raw range.
func (ds *DeleteSet) Add(client uint64, clock, length int) {
	ds.add(client, clock, length)
}

func (ds *DeleteSet) sortedClients() []uint64 {
	return slices.Sorted(maps.Keys(ds.Clients))
}

// sortAndMerge sorts every client's ranges and coalesces overlapping or
// adjacent ones in a single pass.
func (ds *DeleteSet) sortAndMerge() {
	for client, dels := range ds.Clients {
		sort.Slice(dels, func(a, b int) bool { return dels[a].Clock < dels[b].Clock })
		j := 1
		for i := 1; i < len(dels); i++ {
			left := &dels[j-1]
			right := dels[i]
			if left.Clock+left.Len >= right.Clock {
				left.Len = max(left.Len, right.Clock+right.Len-left.Clock)
			} else {
				if j < i {
					dels[j] = right
				}
				j++
			}
		}
		ds.Clients[client] = dels[:j]
	}
}

// SortAndMerge normalizes the set; see sortAndMerge.
func (ds *DeleteSet) SortAndMerge() {
	ds.sortAndMerge()
}

// findIndexDS returns the index of the range containing clock, or -1.
func findIndexDS(dis []DeleteRange, clock int) int {
	left, right := 0, len(dis)-1
	for left <= right {
		mid := (left + right) / 2
		m := dis[mid]
		if m.Clock <= clock {
			if clock < m.Clock+m.Len {
				return mid
			}
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	return -1
}

// IsDeleted reports whether id falls into a range. The set must be sorted.
func (ds *DeleteSet) IsDeleted(id ID) bool {
	dis, ok := ds.Clients[id.Client]
	return ok && findIndexDS(dis, id.Clock) >= 0
}

// Equal compares two sorted delete sets.
func (ds *DeleteSet) Equal(other *DeleteSet) bool {
	if len(ds.Clients) != len(other.Clients) {
		return false
	}
	for client, a := range ds.Clients {
		b, ok := other.Clients[client]
		if !ok || !slices.Equal(a, b) {
			return false
		}
	}
	return true
}

// MergeDeleteSets returns the sorted union of all sets.
func MergeDeleteSets(dss ...*DeleteSet) *DeleteSet {
	merged := NewDeleteSet()
	for _, ds := range dss {
		for client, dels := range ds.Clients {
			merged.Clients[client] = append(merged.Clients[client], dels...)
		}
	}
	merged.sortAndMerge()
	return merged
}

// iterateDeletedStructs calls f for every struct covered by ds, in
// ascending client order.
func iterateDeletedStructs(txn *Transaction, ds *DeleteSet, f func(Struct)) {
	store := txn.Doc.store
	for _, client := range ds.sortedClients() {
		cs, ok := store.clients[client]
		if !ok {
			continue
		}
		for _, del := range ds.Clients[client] {
			iterateStructs(txn, cs, del.Clock, del.Len, f)
		}
	}
}

// createDeleteSetFromStructStore collects all deleted ranges of a store.
func createDeleteSetFromStructStore(s *StructStore) *DeleteSet {
	ds := NewDeleteSet()
	for client, cs := range s.clients {
		var items []DeleteRange
		structs := cs.structs
		for i := 0; i < len(structs); i++ {
			st := structs[i]
			if !st.Deleted() {
				continue
			}
			clock := st.ID().Clock
			length := st.Len()
			for i+1 < len(structs) && structs[i+1].Deleted() {
				i++
				length += structs[i].Len()
			}
			items = append(items, DeleteRange{clock, length})
		}
		if len(items) > 0 {
			ds.Clients[client] = items
		}
	}
	return ds
}

// writeDeleteSet writes clients in descending order.
func writeDeleteSet(enc dsEncoder, ds *DeleteSet) {
	rest := enc.rest()
	clients := ds.sortedClients()
	rest.WriteVarUint(uint64(len(clients)))
	for i := len(clients) - 1; i >= 0; i-- {
		client := clients[i]
		dels := ds.Clients[client]
		enc.resetDsCurVal()
		rest.WriteVarUint(client)
		rest.WriteVarUint(uint64(len(dels)))
		for _, d := range dels {
			enc.writeDsClock(d.Clock)
			enc.writeDsLen(d.Len)
		}
	}
}

func readDeleteSet(dec dsDecoder) *DeleteSet {
	ds := NewDeleteSet()
	rest := dec.rest()
	numClients := int(rest.ReadVarUint())
	for i := 0; i < numClients && dec.err() == nil; i++ {
		dec.resetDsCurVal()
		client := rest.ReadVarUint()
		n := int(rest.ReadVarUint())
		for j := 0; j < n && dec.err() == nil; j++ {
			clock := dec.readDsClock()
			ds.add(client, clock, dec.readDsLen())
		}
	}
	return ds
}

// applyDeleteSet deletes every range of ds that is known to the store and
// returns the ranges that refer to structs not yet received.
func applyDeleteSet(txn *Transaction, ds *DeleteSet) *DeleteSet {
	unapplied := NewDeleteSet()
	store := txn.Doc.store
	for _, client := range ds.sortedClients() {
		state := store.getState(client)
		cs := store.clients[client]
		for _, del := range ds.Clients[client] {
			clock, clockEnd := del.Clock, del.Clock+del.Len
			if clock >= state {
				unapplied.add(client, clock, clockEnd-clock)
				continue
			}
			if state < clockEnd {
				unapplied.add(client, state, clockEnd-state)
			}
			index := findIndexSS(cs.structs, clock)
			st := cs.structs[index]
			if it, ok := st.(*Item); ok && !it.deleted && it.id.Clock < clock {
				cs.insertAt(index+1, splitItem(txn, it, clock-it.id.Clock))
				index++
			}
			for index < len(cs.structs) {
				st = cs.structs[index]
				index++
				if st.ID().Clock >= clockEnd {
					break
				}
				it, ok := st.(*Item)
				if !ok || it.deleted {
					continue
				}
				if clockEnd < it.id.Clock+it.length {
					cs.insertAt(index, splitItem(txn, it, clockEnd-it.id.Clock))
				}
				it.delete(txn)
			}
		}
	}
	if len(unapplied.Clients) == 0 {
		return nil
	}
	return unapplied
}
