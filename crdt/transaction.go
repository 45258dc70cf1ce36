package crdt

import (
	"maps"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// keyChanges records what changed on a type within one transaction: the map
// keys that were touched and whether the list content changed.
type keyChanges struct {
	keys mapset.Set[string]
	list bool
}

// Transaction groups changes to a Doc. Observers and update events fire once
// the outermost transaction finishes.
type Transaction struct {
	Doc *Doc
	// DeleteSet collects the ids deleted by this transaction.
	DeleteSet *DeleteSet
	// BeforeState is the state vector before the transaction started.
	BeforeState StateVector
	// AfterState is only set during cleanup.
	AfterState StateVector
	Origin     any
	// Local is false for transactions applying remote updates.
	Local bool

	changed      map[SharedType]*keyChanges
	changedOrder []SharedType
	// changedParentTypes maps each type to the events of its descendants.
	changedParentTypes map[SharedType][]Event
	parentOrder        []SharedType
	mergeStructs       []Struct
	meta               map[any]any

	subdocsAdded   mapset.Set[*Doc]
	subdocsRemoved mapset.Set[*Doc]
	subdocsLoaded  mapset.Set[*Doc]

	needFormattingCleanup bool
}

func newTransaction(doc *Doc, origin any, local bool) *Transaction {
	return &Transaction{
		Doc:                doc,
		DeleteSet:          NewDeleteSet(),
		BeforeState:        doc.store.StateVector(),
		AfterState:         StateVector{},
		Origin:             origin,
		Local:              local,
		changed:            map[SharedType]*keyChanges{},
		changedParentTypes: map[SharedType][]Event{},
		meta:               map[any]any{},
		subdocsAdded:       mapset.NewThreadUnsafeSet[*Doc](),
		subdocsRemoved:     mapset.NewThreadUnsafeSet[*Doc](),
		subdocsLoaded:      mapset.NewThreadUnsafeSet[*Doc](),
	}
}

// ChangedParentTypes returns every type with changes in itself or a
// descendant, in the order they were first affected.
func (txn *Transaction) ChangedParentTypes() []SharedType {
	return slices.Clone(txn.parentOrder)
}

// Changed reports whether t was changed directly by this transaction.
func (txn *Transaction) Changed(t SharedType) bool {
	_, ok := txn.changed[t]
	return ok
}

// addChangedType records a change of t. Changes to types created within
// this transaction are not tracked since observers cannot have seen them.
func (txn *Transaction) addChangedType(t SharedType, parentSub *string) {
	item := t.base().item
	if item != nil && (item.id.Clock >= txn.BeforeState[item.id.Client] || item.deleted) {
		return
	}
	kc, ok := txn.changed[t]
	if !ok {
		kc = &keyChanges{keys: mapset.NewThreadUnsafeSet[string]()}
		txn.changed[t] = kc
		txn.changedOrder = append(txn.changedOrder, t)
	}
	if parentSub == nil {
		kc.list = true
	} else {
		kc.keys.Add(*parentSub)
	}
}

func (txn *Transaction) removeChanged(t SharedType) {
	delete(txn.changed, t)
}

func (txn *Transaction) addParentEvent(t SharedType, e Event) {
	events, ok := txn.changedParentTypes[t]
	if !ok {
		txn.parentOrder = append(txn.parentOrder, t)
	}
	txn.changedParentTypes[t] = append(events, e)
}

// stateChanged reports whether any client clock advanced.
func (txn *Transaction) stateChanged() bool {
	for client, clock := range txn.AfterState {
		if txn.BeforeState[client] != clock {
			return true
		}
	}
	return false
}

// writeUpdateMessageFromTransaction encodes the structs and deletions of txn.
// It reports false if the transaction did not change anything.
func writeUpdateMessageFromTransaction(enc updateEncoder, txn *Transaction) bool {
	if len(txn.DeleteSet.Clients) == 0 && !txn.stateChanged() {
		return false
	}
	writeClientsStructs(enc, txn.Doc.store, txn.BeforeState)
	writeDeleteSet(enc, txn.DeleteSet)
	return true
}

// tryToMergeWithLefts merges structs[pos] into its left neighbors for as long
// as they are compatible and returns the number of removed structs.
func tryToMergeWithLefts(cs *clientStructs, pos int) int {
	structs := cs.structs
	right := structs[pos]
	left := structs[pos-1]
	i := pos
	for i > 0 {
		if left.Deleted() != right.Deleted() || !left.mergeWith(right) {
			break
		}
		if r, ok := right.(*Item); ok && r.parentSub != nil {
			dataMap := r.parent.base().dataMap
			if dataMap[*r.parentSub] == r {
				dataMap[*r.parentSub] = left.(*Item)
			}
		}
		right = left
		i--
		if i > 0 {
			left = structs[i-1]
		}
	}
	merged := pos - i
	if merged > 0 {
		cs.structs = slices.Delete(structs, pos+1-merged, pos+1)
	}
	return merged
}

func tryGcDeleteSet(ds *DeleteSet, store *StructStore, gcFilter func(*Item) bool) {
	for _, client := range ds.sortedClients() {
		cs, ok := store.clients[client]
		if !ok {
			continue
		}
		dels := ds.Clients[client]
		for di := len(dels) - 1; di >= 0; di-- {
			del := dels[di]
			end := del.Clock + del.Len
			for si := findIndexSS(cs.structs, del.Clock); si < len(cs.structs); si++ {
				st := cs.structs[si]
				if st.ID().Clock >= end {
					break
				}
				if it, ok := st.(*Item); ok && it.deleted && !it.keep && gcFilter(it) {
					it.gc(store, false)
				}
			}
		}
	}
}

func tryMergeDeleteSet(ds *DeleteSet, store *StructStore) {
	for _, client := range ds.sortedClients() {
		cs, ok := store.clients[client]
		if !ok {
			continue
		}
		dels := ds.Clients[client]
		for di := len(dels) - 1; di >= 0; di-- {
			del := dels[di]
			mostRight := min(len(cs.structs)-1, 1+findIndexSS(cs.structs, del.Clock+del.Len-1))
			for si := mostRight; si > 0 && cs.structs[si].ID().Clock >= del.Clock; {
				si -= 1 + tryToMergeWithLefts(cs, si)
			}
		}
	}
}

// tryMergeTouchedStructs merges structs written by the transaction and
// structs that were split during it.
func tryMergeTouchedStructs(txn *Transaction) {
	store := txn.Doc.store
	for _, client := range slices.Sorted(maps.Keys(txn.AfterState)) {
		clock := txn.AfterState[client]
		before := txn.BeforeState[client]
		if before == clock {
			continue
		}
		cs := store.clients[client]
		first := max(findIndexSS(cs.structs, before), 1)
		for i := len(cs.structs) - 1; i >= first; {
			i -= 1 + tryToMergeWithLefts(cs, i)
		}
	}
	for _, st := range txn.mergeStructs {
		id := st.ID()
		cs, ok := store.clients[id.Client]
		if !ok {
			continue
		}
		pos := findIndexSS(cs.structs, id.Clock)
		if pos+1 < len(cs.structs) && tryToMergeWithLefts(cs, pos+1) > 1 {
			continue
		}
		if pos > 0 {
			tryToMergeWithLefts(cs, pos)
		}
	}
}

// cleanupTransactions finishes doc.txnCleanups[i] and every transaction queued
// after it: observers, garbage collection, merging and update events.
func cleanupTransactions(doc *Doc, i int) {
	if i >= len(doc.txnCleanups) {
		return
	}
	txn := doc.txnCleanups[i]
	store := doc.store
	ds := txn.DeleteSet
	defer func() {
		if doc.gc {
			tryGcDeleteSet(ds, store, doc.gcFilter)
		}
		tryMergeDeleteSet(ds, store)
		tryMergeTouchedStructs(txn)

		if !txn.Local && txn.AfterState[doc.ClientID] != txn.BeforeState[doc.ClientID] {
			old := doc.ClientID
			doc.setClientID(generateClientID(doc.registry))
			doc.log.Warn().Uint64("old", old).Uint64("new", doc.ClientID).
				Msg("changed the client id because another client seems to be using it")
		}
		for _, l := range doc.onAfterTransactionCleanup.snapshot() {
			l(txn)
		}
		if doc.onUpdate.len() > 0 {
			enc := newUpdateEncoderV1()
			if writeUpdateMessageFromTransaction(enc, txn) {
				update := enc.toBytes()
				for _, l := range doc.onUpdate.snapshot() {
					l(update, txn.Origin, txn)
				}
			}
		}
		if doc.onUpdateV2.len() > 0 {
			enc := newUpdateEncoderV2()
			if writeUpdateMessageFromTransaction(enc, txn) {
				update := enc.toBytes()
				for _, l := range doc.onUpdateV2.snapshot() {
					l(update, txn.Origin, txn)
				}
			}
		}
		processSubdocs(txn)
		if len(doc.txnCleanups) <= i+1 {
			cleanups := doc.txnCleanups
			doc.txnCleanups = nil
			for _, l := range doc.onAfterAllTransactions.snapshot() {
				l(doc, cleanups)
			}
		} else {
			cleanupTransactions(doc, i+1)
		}
	}()

	ds.sortAndMerge()
	txn.AfterState = store.StateVector()
	for _, l := range doc.onBeforeObserverCalls.snapshot() {
		l(txn)
	}
	for _, t := range txn.changedOrder {
		kc, ok := txn.changed[t]
		if !ok {
			continue
		}
		if item := t.base().item; item == nil || !item.deleted {
			t.callObserver(txn, kc)
		}
	}
	for _, t := range txn.parentOrder {
		callDeepObservers(txn, t)
	}
	for _, l := range doc.onAfterTransaction.snapshot() {
		l(txn)
	}
	if txn.needFormattingCleanup {
		cleanupTextAfterTransaction(txn)
	}
}

func callDeepObservers(txn *Transaction, t SharedType) {
	base := t.base()
	if base.dEH.len() == 0 {
		return
	}
	if base.item != nil && base.item.deleted {
		return
	}
	var events []Event
	for _, e := range txn.changedParentTypes[t] {
		target := e.event().target.base()
		if target.item == nil || !target.item.deleted {
			e.event().currentTarget = t
			events = append(events, e)
		}
	}
	if len(events) == 0 {
		return
	}
	slices.SortStableFunc(events, func(a, b Event) int {
		return len(a.event().Path()) - len(b.event().Path())
	})
	for _, l := range base.dEH.snapshot() {
		l(events, txn)
	}
}

func processSubdocs(txn *Transaction) {
	if txn.subdocsAdded.Cardinality() == 0 && txn.subdocsRemoved.Cardinality() == 0 && txn.subdocsLoaded.Cardinality() == 0 {
		return
	}
	doc := txn.Doc
	for _, sub := range txn.subdocsAdded.ToSlice() {
		sub.adoptClientID(doc)
		if sub.CollectionID == "" {
			sub.CollectionID = doc.CollectionID
		}
		doc.subdocs.Add(sub)
	}
	for _, sub := range txn.subdocsRemoved.ToSlice() {
		doc.subdocs.Remove(sub)
	}
	e := SubdocsEvent{
		Added:   txn.subdocsAdded.ToSlice(),
		Removed: txn.subdocsRemoved.ToSlice(),
		Loaded:  txn.subdocsLoaded.ToSlice(),
	}
	for _, l := range doc.onSubdocs.snapshot() {
		l(e, txn)
	}
	for _, sub := range txn.subdocsRemoved.ToSlice() {
		sub.Destroy()
	}
}
