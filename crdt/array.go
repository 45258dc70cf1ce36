package crdt

import "slices"

const (
	typeRefArray = iota
	typeRefMap
	typeRefText
	typeRefXmlElement
	typeRefXmlFragment
	typeRefXmlHook
	typeRefXmlText
)

// typeReaders decodes the type embedded in a ContentType, indexed by type
// ref.
var typeReaders []func(dec updateDecoder) SharedType

func init() {
	typeReaders = []func(dec updateDecoder) SharedType{
		typeRefArray:       func(updateDecoder) SharedType { return NewArray() },
		typeRefMap:         func(updateDecoder) SharedType { return NewMap() },
		typeRefText:        func(updateDecoder) SharedType { return NewText("") },
		typeRefXmlElement:  func(dec updateDecoder) SharedType { return NewXmlElement(dec.readKey()) },
		typeRefXmlFragment: func(updateDecoder) SharedType { return NewXmlFragment() },
		typeRefXmlHook:     func(dec updateDecoder) SharedType { return NewXmlHook(dec.readKey()) },
		typeRefXmlText:     func(updateDecoder) SharedType { return NewXmlText() },
	}
}

// Array is a shared list of values.
type Array struct {
	AbstractType
	prelim []any
}

func NewArray() *Array {
	a := &Array{}
	a.init(a, true)
	return a
}

// NewArrayFrom returns an unintegrated array holding values.
func NewArrayFrom(values ...any) *Array {
	a := NewArray()
	a.prelim = slices.Clone(values)
	return a
}

func (a *Array) integrateType(doc *Doc, item *Item) {
	a.AbstractType.integrateType(doc, item)
	prelim := a.prelim
	a.prelim = nil
	if len(prelim) > 0 {
		if err := a.Insert(0, prelim...); err != nil {
			unexpectedCase("insert of preliminary content: %v", err)
		}
	}
}

func (a *Array) copyType() SharedType {
	return NewArray()
}

func (a *Array) clone() SharedType {
	values := a.ToArray()
	for i, v := range values {
		values[i] = cloneValue(v)
	}
	return NewArrayFrom(values...)
}

// Clone returns an unintegrated deep copy.
func (a *Array) Clone() *Array {
	return a.clone().(*Array)
}

func (a *Array) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefArray)
}

func (a *Array) callObserver(txn *Transaction, changes *keyChanges) {
	a.AbstractType.callObserver(txn, changes)
	callTypeObservers(a, txn, &ArrayEvent{newYEvent(a, txn)})
}

func (a *Array) Len() int {
	if a.doc == nil {
		return len(a.prelim)
	}
	return a.length
}

// Insert inserts values at index. Supported values are JSON-like Go values,
// []byte, nested shared types and sub documents.
func (a *Array) Insert(index int, values ...any) error {
	if a.doc == nil {
		if index < 0 || index > len(a.prelim) {
			return ErrLengthExceeded
		}
		if _, err := toContents(values); err != nil {
			return err
		}
		a.prelim = slices.Insert(a.prelim, index, values...)
		return nil
	}
	var err error
	a.transact(func(txn *Transaction) {
		err = typeListInsertGenerics(txn, &a.AbstractType, index, values)
	})
	return err
}

// Push appends values to the end.
func (a *Array) Push(values ...any) error {
	if a.doc == nil {
		return a.Insert(len(a.prelim), values...)
	}
	var err error
	a.transact(func(txn *Transaction) {
		err = typeListPushGenerics(txn, &a.AbstractType, values)
	})
	return err
}

func (a *Array) Unshift(values ...any) error {
	return a.Insert(0, values...)
}

func (a *Array) Delete(index, length int) error {
	if a.doc == nil {
		if index < 0 || length < 0 || index+length > len(a.prelim) {
			return ErrLengthExceeded
		}
		a.prelim = slices.Delete(a.prelim, index, index+length)
		return nil
	}
	var err error
	a.transact(func(txn *Transaction) {
		err = typeListDelete(txn, &a.AbstractType, index, length)
	})
	return err
}

func (a *Array) Get(index int) (any, bool) {
	if a.doc == nil {
		if index < 0 || index >= len(a.prelim) {
			return nil, false
		}
		return a.prelim[index], true
	}
	return typeListGet(&a.AbstractType, index)
}

func (a *Array) ToArray() []any {
	if a.doc == nil {
		return slices.Clone(a.prelim)
	}
	return typeListToArray(&a.AbstractType)
}

// Slice returns the values in [start, end). Negative bounds count from the
// end.
func (a *Array) Slice(start, end int) []any {
	return typeListSlice(&a.AbstractType, start, end)
}

func (a *Array) ForEach(f func(v any, index int)) {
	typeListForEach(&a.AbstractType, f)
}

func (a *Array) ToJSON() any {
	values := a.ToArray()
	for i, v := range values {
		values[i] = valueToJSON(v)
	}
	return values
}
