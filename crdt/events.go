package crdt

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Event describes the changes of one type within a transaction. Change data
// is computed lazily and is only valid while observers are being called.
type Event interface {
	event() *YEvent
}

// Change actions reported for map keys.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// EntryChange describes what happened to a single map key.
type EntryChange struct {
	Action   string
	OldValue any
}

// DeltaOp is one operation of a list or text delta. Exactly one of Insert,
// Delete and Retain is set.
type DeltaOp struct {
	Insert     any            `json:"insert,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EventChanges summarizes an event: added and deleted items, changed keys
// and a list delta.
type EventChanges struct {
	Added   mapset.Set[*Item]
	Deleted mapset.Set[*Item]
	Keys    map[string]EntryChange
	Delta   []DeltaOp
}

// YEvent is the common part of all events.
type YEvent struct {
	target        SharedType
	currentTarget SharedType
	txn           *Transaction

	path    []any
	keys    map[string]EntryChange
	changes *EventChanges
	delta   []DeltaOp
}

func newYEvent(target SharedType, txn *Transaction) YEvent {
	return YEvent{target: target, currentTarget: target, txn: txn}
}

func (e *YEvent) event() *YEvent {
	return e
}

// Target is the type that changed.
func (e *YEvent) Target() SharedType {
	return e.target
}

// CurrentTarget is the type whose observer is being called.
func (e *YEvent) CurrentTarget() SharedType {
	return e.currentTarget
}

func (e *YEvent) Transaction() *Transaction {
	return e.txn
}

// Path returns the keys and indexes leading from CurrentTarget to Target.
func (e *YEvent) Path() []any {
	return pathTo(e.currentTarget, e.target)
}

// Deletes reports whether item was deleted by the transaction.
func (e *YEvent) Deletes(item *Item) bool {
	return e.txn.DeleteSet.IsDeleted(item.id)
}

// Adds reports whether item was created by the transaction.
func (e *YEvent) Adds(item *Item) bool {
	return item.id.Clock >= e.txn.BeforeState[item.id.Client]
}

// Keys reports the changed map keys.
func (e *YEvent) Keys() map[string]EntryChange {
	if e.keys != nil {
		return e.keys
	}
	keys := map[string]EntryChange{}
	target := e.target.base()
	kc, ok := e.txn.changed[e.target]
	if ok {
		for _, key := range kc.keys.ToSlice() {
			item := target.dataMap[key]
			if item == nil {
				continue
			}
			if e.Adds(item) {
				prev := item.left
				for prev != nil && e.Adds(prev) {
					prev = prev.left
				}
				switch {
				case e.Deletes(item):
					if prev != nil && e.Deletes(prev) {
						keys[key] = EntryChange{ActionDelete, lastValue(prev)}
					}
				case prev != nil && e.Deletes(prev):
					keys[key] = EntryChange{ActionUpdate, lastValue(prev)}
				default:
					keys[key] = EntryChange{Action: ActionAdd}
				}
			} else if e.Deletes(item) {
				keys[key] = EntryChange{ActionDelete, lastValue(item)}
			}
		}
	}
	e.keys = keys
	return keys
}

func lastValue(it *Item) any {
	values := it.content.Values()
	if len(values) == 0 {
		return nil
	}
	return values[len(values)-1]
}

// Changes computes the list delta and key changes of the event.
func (e *YEvent) Changes() *EventChanges {
	if e.changes != nil {
		return e.changes
	}
	changes := &EventChanges{
		Added:   mapset.NewThreadUnsafeSet[*Item](),
		Deleted: mapset.NewThreadUnsafeSet[*Item](),
		Keys:    e.Keys(),
	}
	if kc, ok := e.txn.changed[e.target]; ok && kc.list {
		var last *DeltaOp
		pack := func() {
			if last != nil {
				changes.Delta = append(changes.Delta, *last)
			}
		}
		for item := e.target.base().start; item != nil; item = item.right {
			if item.deleted {
				if e.Deletes(item) && !e.Adds(item) {
					if last == nil || last.Delete == 0 {
						pack()
						last = &DeltaOp{}
					}
					last.Delete += item.length
					changes.Deleted.Add(item)
				}
				continue
			}
			if e.Adds(item) {
				if last == nil || last.Insert == nil {
					pack()
					last = &DeltaOp{Insert: []any{}}
				}
				last.Insert = append(last.Insert.([]any), item.content.Values()...)
				changes.Added.Add(item)
			} else {
				if last == nil || last.Retain == 0 {
					pack()
					last = &DeltaOp{}
				}
				last.Retain += item.length
			}
		}
		if last != nil && last.Retain == 0 {
			pack()
		}
	}
	e.changes = changes
	return changes
}

// Delta returns the list delta of the event.
func (e *YEvent) Delta() []DeltaOp {
	return e.Changes().Delta
}

// pathTo computes the path from parent down to child.
func pathTo(parent, child SharedType) []any {
	var path []any
	for child.base().item != nil && child != parent {
		item := child.base().item
		if item.parentSub != nil {
			path = append(path, *item.parentSub)
		} else {
			i := 0
			for c := item.parent.base().start; c != item && c != nil; c = c.right {
				if !c.deleted && c.Countable() {
					i += c.length
				}
			}
			path = append(path, i)
		}
		child = item.parent
	}
	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}
	return path
}

// ArrayEvent is emitted by Array.
type ArrayEvent struct {
	YEvent
}

// MapEvent is emitted by Map and XmlHook.
type MapEvent struct {
	YEvent
	KeysChanged mapset.Set[string]
}

// XmlEvent is emitted by XmlFragment and XmlElement.
type XmlEvent struct {
	YEvent
	ChildListChanged  bool
	AttributesChanged mapset.Set[string]
}
