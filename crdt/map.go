package crdt

import (
	"maps"
	"slices"
)

// Map is a shared key-value map. Concurrent writes to the same key resolve
// to the same winner on every replica.
type Map struct {
	AbstractType
	prelim map[string]any
}

func NewMap() *Map {
	m := &Map{prelim: map[string]any{}}
	m.init(m, false)
	return m
}

// NewMapFrom returns an unintegrated map holding entries.
func NewMapFrom(entries map[string]any) *Map {
	m := NewMap()
	maps.Copy(m.prelim, entries)
	return m
}

func (m *Map) integrateType(doc *Doc, item *Item) {
	m.AbstractType.integrateType(doc, item)
	prelim := m.prelim
	m.prelim = nil
	if len(prelim) == 0 {
		return
	}
	m.transact(func(txn *Transaction) {
		for _, key := range slices.Sorted(maps.Keys(prelim)) {
			if err := typeMapSet(txn, &m.AbstractType, key, prelim[key]); err != nil {
				unexpectedCase("set of preliminary content: %v", err)
			}
		}
	})
}

func (m *Map) copyType() SharedType {
	return NewMap()
}

func (m *Map) clone() SharedType {
	entries := m.Entries()
	for k, v := range entries {
		entries[k] = cloneValue(v)
	}
	return NewMapFrom(entries)
}

// Clone returns an unintegrated deep copy.
func (m *Map) Clone() *Map {
	return m.clone().(*Map)
}

func (m *Map) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefMap)
}

func (m *Map) callObserver(txn *Transaction, changes *keyChanges) {
	callTypeObservers(m.self, txn, newMapEvent(m.self, txn, changes))
}

func newMapEvent(t SharedType, txn *Transaction, changes *keyChanges) *MapEvent {
	return &MapEvent{YEvent: newYEvent(t, txn), KeysChanged: changes.keys.Clone()}
}

// Set stores value under key.
func (m *Map) Set(key string, value any) error {
	if m.doc == nil {
		if _, err := contentFromValue(value); err != nil {
			return err
		}
		m.prelim[key] = value
		return nil
	}
	var err error
	m.transact(func(txn *Transaction) {
		err = typeMapSet(txn, &m.AbstractType, key, value)
	})
	return err
}

func (m *Map) Get(key string) (any, bool) {
	if m.doc == nil {
		v, ok := m.prelim[key]
		return v, ok
	}
	return typeMapGet(&m.AbstractType, key)
}

func (m *Map) Has(key string) bool {
	if m.doc == nil {
		_, ok := m.prelim[key]
		return ok
	}
	return typeMapHas(&m.AbstractType, key)
}

func (m *Map) Delete(key string) {
	if m.doc == nil {
		delete(m.prelim, key)
		return
	}
	m.transact(func(txn *Transaction) {
		typeMapDelete(txn, &m.AbstractType, key)
	})
}

// Clear deletes every key.
func (m *Map) Clear() {
	if m.doc == nil {
		clear(m.prelim)
		return
	}
	m.transact(func(txn *Transaction) {
		for _, key := range typeMapKeys(&m.AbstractType) {
			typeMapDelete(txn, &m.AbstractType, key)
		}
	})
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	if m.doc == nil {
		return slices.Sorted(maps.Keys(m.prelim))
	}
	return typeMapKeys(&m.AbstractType)
}

func (m *Map) Len() int {
	return len(m.Keys())
}

// Entries returns a copy of the live entries.
func (m *Map) Entries() map[string]any {
	if m.doc == nil {
		return maps.Clone(m.prelim)
	}
	return typeMapGetAll(&m.AbstractType)
}

func (m *Map) ForEach(f func(key string, value any)) {
	entries := m.Entries()
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		f(key, entries[key])
	}
}

func (m *Map) ToJSON() any {
	out := m.Entries()
	for k, v := range out {
		out[k] = valueToJSON(v)
	}
	return out
}

