package crdt

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultCaptureTimeout is the window in which consecutive changes are
// merged into one undo step.
const DefaultCaptureTimeout = 500 * time.Millisecond

// StackItem is one undo or redo step: the ids it inserted and deleted.
type StackItem struct {
	Insertions *DeleteSet
	Deletions  *DeleteSet
	// Meta can be used by applications to store e.g. cursor positions.
	Meta map[any]any
}

func newStackItem(deletions, insertions *DeleteSet) *StackItem {
	return &StackItem{Insertions: insertions, Deletions: deletions, Meta: map[any]any{}}
}

// Stack kinds reported in StackItemEvent.
const (
	StackUndo = "undo"
	StackRedo = "redo"
)

// StackItemEvent is emitted when a stack item is added, updated or popped.
type StackItemEvent struct {
	StackItem *StackItem
	Origin    any
	// Type is StackUndo or StackRedo.
	Type               string
	ChangedParentTypes map[SharedType][]Event
}

type StackClearedEvent struct {
	UndoStackCleared bool
	RedoStackCleared bool
}

type undoOptions struct {
	captureTimeout         time.Duration
	captureTransaction     func(*Transaction) bool
	deleteFilter           func(*Item) bool
	trackedOrigins         []any
	ignoreRemoteMapChanges bool
	now                    func() time.Time
}

type UndoOption func(*undoOptions)

func WithCaptureTimeout(d time.Duration) UndoOption {
	return func(o *undoOptions) { o.captureTimeout = d }
}

// WithCaptureTransaction limits tracking to transactions for which f
// returns true.
func WithCaptureTransaction(f func(*Transaction) bool) UndoOption {
	return func(o *undoOptions) { o.captureTransaction = f }
}

// WithDeleteFilter decides which inserted items an undo may delete.
func WithDeleteFilter(f func(*Item) bool) UndoOption {
	return func(o *undoOptions) { o.deleteFilter = f }
}

// WithTrackedOrigins replaces the default tracked origins (only nil). An
// origin matches if it equals a tracked value or if its reflect.Type is
// tracked.
func WithTrackedOrigins(origins ...any) UndoOption {
	return func(o *undoOptions) { o.trackedOrigins = origins }
}

// WithIgnoreRemoteMapChanges lets undo overwrite map entries that were
// changed by others after the undone change.
func WithIgnoreRemoteMapChanges(ignore bool) UndoOption {
	return func(o *undoOptions) { o.ignoreRemoteMapChanges = ignore }
}

func WithClock(now func() time.Time) UndoOption {
	return func(o *undoOptions) { o.now = now }
}

// UndoManager records changes to a set of types made by tracked origins and
// reverts them step by step.
type UndoManager struct {
	doc   *Doc
	scope []SharedType

	captureTimeout         time.Duration
	captureTransaction     func(*Transaction) bool
	deleteFilter           func(*Item) bool
	trackedOrigins         mapset.Set[any]
	ignoreRemoteMapChanges bool
	now                    func() time.Time

	undoStack     []*StackItem
	redoStack     []*StackItem
	undoing       bool
	redoing       bool
	currStackItem *StackItem
	lastChange    time.Time

	afterTxnID ListenerID
	destroyID  ListenerID

	onAdded   listeners[func(StackItemEvent)]
	onUpdated listeners[func(StackItemEvent)]
	onPopped  listeners[func(StackItemEvent)]
	onCleared listeners[func(StackClearedEvent)]
}

// NewUndoManager tracks changes to scope, which must be attached to a
// document.
func NewUndoManager(scope SharedType, opts ...UndoOption) (*UndoManager, error) {
	doc := scope.base().doc
	if doc == nil {
		return nil, ErrPrematureAccess
	}
	o := undoOptions{
		captureTimeout:     DefaultCaptureTimeout,
		captureTransaction: func(*Transaction) bool { return true },
		deleteFilter:       func(*Item) bool { return true },
		trackedOrigins:     []any{nil},
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	um := &UndoManager{
		doc:                    doc,
		captureTimeout:         o.captureTimeout,
		captureTransaction:     o.captureTransaction,
		deleteFilter:           o.deleteFilter,
		trackedOrigins:         mapset.NewThreadUnsafeSet[any](),
		ignoreRemoteMapChanges: o.ignoreRemoteMapChanges,
		now:                    o.now,
	}
	for _, origin := range o.trackedOrigins {
		um.AddTrackedOrigin(origin)
	}
	um.trackedOrigins.Add(um)
	if err := um.AddToScope(scope); err != nil {
		return nil, err
	}
	um.afterTxnID = doc.OnAfterTransaction(um.afterTransaction)
	um.destroyID = doc.OnDestroy(func(*Doc) { um.Destroy() })
	return um, nil
}

// AddToScope tracks additional types of the same document.
func (um *UndoManager) AddToScope(types ...SharedType) error {
	for _, t := range types {
		if t.base().doc != um.doc {
			return fmt.Errorf("%w: type belongs to a different document", ErrUnexpectedContent)
		}
		if !slices.Contains(um.scope, t) {
			um.scope = append(um.scope, t)
		}
	}
	return nil
}

func hashable(v any) bool {
	return v == nil || reflect.ValueOf(v).Comparable()
}

// AddTrackedOrigin tracks transactions with origin. Origins that cannot be
// compared are ignored.
func (um *UndoManager) AddTrackedOrigin(origin any) {
	if hashable(origin) {
		um.trackedOrigins.Add(origin)
	}
}

func (um *UndoManager) RemoveTrackedOrigin(origin any) {
	if hashable(origin) {
		um.trackedOrigins.Remove(origin)
	}
}

func (um *UndoManager) tracksOrigin(origin any) bool {
	if hashable(origin) && um.trackedOrigins.Contains(origin) {
		return true
	}
	return origin != nil && um.trackedOrigins.Contains(reflect.TypeOf(origin))
}

func (um *UndoManager) inScope(it *Item) bool {
	for _, t := range um.scope {
		if isParentOf(t, it) {
			return true
		}
	}
	return false
}

func (um *UndoManager) afterTransaction(txn *Transaction) {
	if !um.captureTransaction(txn) || !um.tracksOrigin(txn.Origin) {
		return
	}
	touched := slices.ContainsFunc(um.scope, func(t SharedType) bool {
		_, ok := txn.changedParentTypes[t]
		return ok
	})
	if !touched {
		return
	}
	undoing, redoing := um.undoing, um.redoing
	stack := &um.undoStack
	if undoing {
		stack = &um.redoStack
		// the next undo must not be merged into this redo step
		um.StopCapturing()
	} else if !redoing {
		um.Clear(false, true)
	}
	insertions := NewDeleteSet()
	for client, end := range txn.AfterState {
		start := txn.BeforeState[client]
		if end > start {
			insertions.add(client, start, end-start)
		}
	}
	now := um.now()
	didAdd := false
	if !um.lastChange.IsZero() && now.Sub(um.lastChange) < um.captureTimeout && len(*stack) > 0 && !undoing && !redoing {
		last := (*stack)[len(*stack)-1]
		last.Deletions = MergeDeleteSets(last.Deletions, txn.DeleteSet)
		last.Insertions = MergeDeleteSets(last.Insertions, insertions)
	} else {
		*stack = append(*stack, newStackItem(txn.DeleteSet, insertions))
		didAdd = true
	}
	if !undoing && !redoing {
		um.lastChange = now
	}
	// pin deleted content so it survives garbage collection
	iterateDeletedStructs(txn, txn.DeleteSet, func(s Struct) {
		if it, ok := s.(*Item); ok && um.inScope(it) {
			keepItem(it, true)
		}
	})
	kind := StackUndo
	if undoing {
		kind = StackRedo
	}
	e := StackItemEvent{
		StackItem:          (*stack)[len(*stack)-1],
		Origin:             txn.Origin,
		Type:               kind,
		ChangedParentTypes: txn.changedParentTypes,
	}
	ls := um.onUpdated.snapshot()
	if didAdd {
		ls = um.onAdded.snapshot()
	}
	for _, l := range ls {
		l(e)
	}
}

func (um *UndoManager) clearStackItem(txn *Transaction, si *StackItem) {
	iterateDeletedStructs(txn, si.Deletions, func(s Struct) {
		if it, ok := s.(*Item); ok && um.inScope(it) {
			keepItem(it, false)
		}
	})
}

// Clear drops the selected stacks and releases the content they pinned.
func (um *UndoManager) Clear(undoStack, redoStack bool) {
	if !(undoStack && um.CanUndo()) && !(redoStack && um.CanRedo()) {
		return
	}
	um.doc.transact(func(txn *Transaction) {
		if undoStack {
			for _, si := range um.undoStack {
				um.clearStackItem(txn, si)
			}
			um.undoStack = nil
		}
		if redoStack {
			for _, si := range um.redoStack {
				um.clearStackItem(txn, si)
			}
			um.redoStack = nil
		}
		e := StackClearedEvent{UndoStackCleared: undoStack, RedoStackCleared: redoStack}
		for _, l := range um.onCleared.snapshot() {
			l(e)
		}
	}, nil, true)
}

// StopCapturing makes the next change start a new stack item even within
// the capture timeout.
func (um *UndoManager) StopCapturing() {
	um.lastChange = time.Time{}
}

// Undo reverts the last undo step and returns it, or nil if nothing
// changed.
func (um *UndoManager) Undo() *StackItem {
	um.undoing = true
	defer func() { um.undoing = false }()
	return um.popStackItem(&um.undoStack, StackUndo)
}

func (um *UndoManager) Redo() *StackItem {
	um.redoing = true
	defer func() { um.redoing = false }()
	return um.popStackItem(&um.redoStack, StackRedo)
}

func (um *UndoManager) CanUndo() bool {
	return len(um.undoStack) > 0
}

func (um *UndoManager) CanRedo() bool {
	return len(um.redoStack) > 0
}

func (um *UndoManager) UndoStack() []*StackItem {
	return slices.Clone(um.undoStack)
}

func (um *UndoManager) RedoStack() []*StackItem {
	return slices.Clone(um.redoStack)
}

// popStackItem pops items until one of them changes the document.
func (um *UndoManager) popStackItem(stack *[]*StackItem, kind string) *StackItem {
	doc := um.doc
	var tr *Transaction
	doc.transact(func(txn *Transaction) {
		store := doc.store
		for len(*stack) > 0 && um.currStackItem == nil {
			si := (*stack)[len(*stack)-1]
			*stack = (*stack)[:len(*stack)-1]
			var itemsToRedo []*Item
			redoSet := mapset.NewThreadUnsafeSet[*Item]()
			var itemsToDelete []*Item
			performedChange := false
			iterateDeletedStructs(txn, si.Insertions, func(s Struct) {
				it, ok := s.(*Item)
				if !ok {
					return
				}
				if it.redone != nil {
					rs, diff := followRedone(store, it.id)
					if diff > 0 {
						rs = store.getItemCleanStart(txn, ID{rs.ID().Client, rs.ID().Clock + diff})
					}
					if it, ok = rs.(*Item); !ok {
						return
					}
				}
				if !it.deleted && um.inScope(it) {
					itemsToDelete = append(itemsToDelete, it)
				}
			})
			iterateDeletedStructs(txn, si.Deletions, func(s Struct) {
				it, ok := s.(*Item)
				// structs inserted and deleted within one step are not restored
				if ok && um.inScope(it) && !si.Insertions.IsDeleted(it.id) && redoSet.Add(it) {
					itemsToRedo = append(itemsToRedo, it)
				}
			})
			for _, it := range itemsToRedo {
				if redoItem(txn, it, redoSet, si.Insertions, um.ignoreRemoteMapChanges) != nil {
					performedChange = true
				}
			}
			// children before parents so the filter sees intact parents
			for i := len(itemsToDelete) - 1; i >= 0; i-- {
				it := itemsToDelete[i]
				if um.deleteFilter(it) {
					it.delete(txn)
					performedChange = true
				}
			}
			if performedChange {
				um.currStackItem = si
			}
		}
		for t, kc := range txn.changed {
			if kc.list {
				t.base().markers = nil
			}
		}
		tr = txn
	}, um, true)
	res := um.currStackItem
	if res != nil {
		e := StackItemEvent{StackItem: res, Origin: um, Type: kind, ChangedParentTypes: tr.changedParentTypes}
		for _, l := range um.onPopped.snapshot() {
			l(e)
		}
		um.currStackItem = nil
	}
	return res
}

// redoItem restores the content of a deleted item as a new item at the
// closest position still available. It returns nil if the item cannot be
// restored.
func redoItem(txn *Transaction, item *Item, redoItems mapset.Set[*Item], itemsToDelete *DeleteSet, ignoreRemoteMapChanges bool) *Item {
	doc := txn.Doc
	store := doc.store
	if item.redone != nil {
		return store.itemCleanStart(txn, *item.redone)
	}
	parentItem := item.parent.base().item
	if parentItem != nil && parentItem.deleted {
		// restore the parent first if it is part of the same step
		if parentItem.redone == nil && (!redoItems.Contains(parentItem) || redoItem(txn, parentItem, redoItems, itemsToDelete, ignoreRemoteMapChanges) == nil) {
			return nil
		}
		for parentItem.redone != nil {
			parentItem = store.itemCleanStart(txn, *parentItem.redone)
		}
	}
	var parentType SharedType
	if parentItem == nil {
		parentType = item.parent
	} else {
		parentType = parentItem.content.(*ContentType).Type
	}
	trace := func(n *Item) *Item {
		for n != nil && n.parent.base().item != parentItem {
			if n.redone == nil {
				return nil
			}
			n = store.itemCleanStart(txn, *n.redone)
		}
		return n
	}
	var left, right *Item
	if item.parentSub == nil {
		left, right = item.left, item
		for left != nil {
			if t := trace(left); t != nil {
				left = t
				break
			}
			left = left.left
		}
		for right != nil {
			if t := trace(right); t != nil {
				right = t
				break
			}
			right = right.right
		}
	} else if item.right != nil && !ignoreRemoteMapChanges {
		left = item
		// entries set after item that this step deletes anyway do not block
		for left.right != nil && (left.right.redone != nil || itemsToDelete.IsDeleted(left.right.id)) {
			left = left.right
			for left.redone != nil {
				left = store.itemCleanStart(txn, *left.redone)
			}
		}
		if left.right != nil {
			return nil
		}
	} else {
		left = parentType.base().dataMap[*item.parentSub]
	}
	id := ID{doc.ClientID, store.getState(doc.ClientID)}
	var origin, rightOrigin *ID
	if left != nil {
		l := left.LastID()
		origin = &l
	}
	if right != nil {
		r := right.id
		rightOrigin = &r
	}
	redone := newItem(id, left, origin, right, rightOrigin, parentType, item.parentSub, item.content.copy())
	item.redone = &id
	keepItem(redone, true)
	redone.integrate(txn, 0)
	return redone
}

func (um *UndoManager) OnStackItemAdded(f func(StackItemEvent)) ListenerID {
	return um.onAdded.add(f)
}

func (um *UndoManager) OnStackItemUpdated(f func(StackItemEvent)) ListenerID {
	return um.onUpdated.add(f)
}

func (um *UndoManager) OnStackItemPopped(f func(StackItemEvent)) ListenerID {
	return um.onPopped.add(f)
}

func (um *UndoManager) OnStackCleared(f func(StackClearedEvent)) ListenerID {
	return um.onCleared.add(f)
}

// Off removes a listener registered on the undo manager.
func (um *UndoManager) Off(id ListenerID) bool {
	return um.onAdded.remove(id) || um.onUpdated.remove(id) || um.onPopped.remove(id) || um.onCleared.remove(id)
}

// Destroy detaches the manager from its document.
func (um *UndoManager) Destroy() {
	um.trackedOrigins.Remove(um)
	um.doc.Off(um.afterTxnID)
	um.doc.Off(um.destroyID)
	um.onAdded.clear()
	um.onUpdated.clear()
	um.onPopped.clear()
	um.onCleared.clear()
}
