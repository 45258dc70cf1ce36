package crdt

import (
	"fmt"
	"maps"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/ycrdt/codec"
)

// Snapshot captures the visible state of a document: everything below
// StateVector that is not in DeleteSet. Restoring requires a document with
// garbage collection disabled.
type Snapshot struct {
	DeleteSet   *DeleteSet
	StateVector StateVector
}

func NewSnapshot(ds *DeleteSet, sv StateVector) *Snapshot {
	return &Snapshot{DeleteSet: ds, StateVector: sv}
}

// EmptySnapshot contains nothing.
func EmptySnapshot() *Snapshot {
	return NewSnapshot(NewDeleteSet(), StateVector{})
}

// SnapshotOf takes a snapshot of the current state of doc.
func SnapshotOf(doc *Doc) *Snapshot {
	return NewSnapshot(createDeleteSetFromStructStore(doc.store), doc.store.StateVector())
}

func EqualSnapshots(a, b *Snapshot) bool {
	return maps.Equal(a.StateVector, b.StateVector) && a.DeleteSet.Equal(b.DeleteSet)
}

func encodeSnapshot(s *Snapshot, enc dsEncoder) []byte {
	writeDeleteSet(enc, s.DeleteSet)
	writeStateVector(enc.rest(), s.StateVector)
	return enc.toBytes()
}

func EncodeSnapshot(s *Snapshot) []byte {
	return encodeSnapshot(s, newDSEncoderV1())
}

func EncodeSnapshotV2(s *Snapshot) []byte {
	return encodeSnapshot(s, newDSEncoderV2())
}

func decodeSnapshot(dec dsDecoder) (*Snapshot, error) {
	ds := readDeleteSet(dec)
	sv := readStateVector(dec.rest())
	if err := dec.err(); err != nil {
		return nil, malformed(err)
	}
	return NewSnapshot(ds, sv), nil
}

func DecodeSnapshot(b []byte) (*Snapshot, error) {
	return decodeSnapshot(newDSDecoderV1(codec.NewDecoder(b)))
}

func DecodeSnapshotV2(b []byte) (*Snapshot, error) {
	return decodeSnapshot(newDSDecoderV2(codec.NewDecoder(b)))
}

// isVisible reports whether item is part of snapshot. A nil snapshot is the
// current state.
func isVisible(item *Item, snapshot *Snapshot) bool {
	if snapshot == nil {
		return !item.deleted
	}
	clock, ok := snapshot.StateVector[item.id.Client]
	return ok && clock > item.id.Clock && !snapshot.DeleteSet.IsDeleted(item.id)
}

type splitSnapshotsKey struct{}

// splitSnapshotAffectedStructs splits items at the boundaries of snapshot so
// visibility can be decided per item. Each snapshot is split once per
// transaction.
func splitSnapshotAffectedStructs(txn *Transaction, snapshot *Snapshot) {
	done, ok := txn.meta[splitSnapshotsKey{}].(mapset.Set[*Snapshot])
	if !ok {
		done = mapset.NewThreadUnsafeSet[*Snapshot]()
		txn.meta[splitSnapshotsKey{}] = done
	}
	if done.Contains(snapshot) {
		return
	}
	store := txn.Doc.store
	for _, client := range slices.Sorted(maps.Keys(snapshot.StateVector)) {
		if clock := snapshot.StateVector[client]; clock < store.getState(client) {
			store.getItemCleanStart(txn, ID{client, clock})
		}
	}
	iterateDeletedStructs(txn, snapshot.DeleteSet, func(Struct) {})
	done.Add(snapshot)
}

// CreateDocFromSnapshot restores the state captured by snapshot into
// newDoc, or into a fresh document if newDoc is nil.
func CreateDocFromSnapshot(origin *Doc, snapshot *Snapshot, newDoc *Doc) (*Doc, error) {
	if origin.gc {
		return nil, ErrGCEnabled
	}
	if newDoc == nil {
		newDoc = NewDoc()
	}
	var clients []uint64
	for client, clock := range snapshot.StateVector {
		if clock > 0 {
			if origin.store.getState(client) < clock {
				return nil, fmt.Errorf("%w: snapshot references %d:%d which the document does not contain", ErrUnexpectedContent, client, clock)
			}
			clients = append(clients, client)
		}
	}
	slices.Sort(clients)
	enc := newUpdateEncoderV2()
	origin.transact(func(txn *Transaction) {
		enc.rest().WriteVarUint(uint64(len(clients)))
		for i := len(clients) - 1; i >= 0; i-- {
			client := clients[i]
			clock := snapshot.StateVector[client]
			if clock < origin.store.getState(client) {
				origin.store.getItemCleanStart(txn, ID{client, clock})
			}
			structs := origin.store.clients[client].structs
			last := findIndexSS(structs, clock-1)
			enc.rest().WriteVarUint(uint64(last + 1))
			enc.writeClient(client)
			enc.rest().WriteVarUint(0)
			for _, s := range structs[:last+1] {
				s.write(enc, 0)
			}
		}
		writeDeleteSet(enc, snapshot.DeleteSet)
	}, nil, true)
	if err := ApplyUpdateV2(newDoc, enc.toBytes(), "snapshot"); err != nil {
		return nil, err
	}
	return newDoc, nil
}

func snapshotContainsUpdate(snapshot *Snapshot, update []byte, format updateFormat) (bool, error) {
	dec := format.newDecoder(update)
	reader := newLazyStructReader(dec, false)
	for curr := reader.curr; curr != nil; curr = reader.next() {
		if snapshot.StateVector[curr.ID().Client] < curr.ID().Clock+curr.Len() {
			return false, nil
		}
	}
	ds := readDeleteSet(dec)
	if err := dec.err(); err != nil {
		return false, malformed(err)
	}
	return snapshot.DeleteSet.Equal(MergeDeleteSets(snapshot.DeleteSet, ds)), nil
}

// SnapshotContainsUpdate reports whether every struct and deletion of the v1
// update is already part of snapshot.
func SnapshotContainsUpdate(snapshot *Snapshot, update []byte) (bool, error) {
	return snapshotContainsUpdate(snapshot, update, formatV1)
}

func SnapshotContainsUpdateV2(snapshot *Snapshot, update []byte) (bool, error) {
	return snapshotContainsUpdate(snapshot, update, formatV2)
}
