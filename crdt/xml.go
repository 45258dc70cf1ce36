package crdt

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
)

// XmlNode is a child of an XmlFragment: *XmlElement, *XmlText or *XmlHook.
type XmlNode interface {
	SharedType
	String() string
	xmlNode()
}

// XmlFragment is an ordered list of xml nodes without a tag of its own.
type XmlFragment struct {
	AbstractType
	prelim []XmlNode
}

func NewXmlFragment() *XmlFragment {
	f := &XmlFragment{}
	f.init(f, true)
	return f
}

func (f *XmlFragment) integrateType(doc *Doc, item *Item) {
	f.AbstractType.integrateType(doc, item)
	prelim := f.prelim
	f.prelim = nil
	if len(prelim) > 0 {
		if err := f.Insert(0, prelim...); err != nil {
			unexpectedCase("insert of preliminary xml nodes: %v", err)
		}
	}
}

func (f *XmlFragment) copyType() SharedType {
	return NewXmlFragment()
}

func (f *XmlFragment) cloneChildren() []XmlNode {
	children := f.ToArray()
	for i, c := range children {
		children[i] = cloneValue(c).(XmlNode)
	}
	return children
}

func (f *XmlFragment) clone() SharedType {
	c := NewXmlFragment()
	c.prelim = f.cloneChildren()
	return c
}

func (f *XmlFragment) Clone() *XmlFragment {
	return f.clone().(*XmlFragment)
}

func (f *XmlFragment) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefXmlFragment)
}

func (f *XmlFragment) callObserver(txn *Transaction, changes *keyChanges) {
	f.AbstractType.callObserver(txn, changes)
	callTypeObservers(f.self, txn, newXmlEvent(f.self, txn, changes))
}

func newXmlEvent(t SharedType, txn *Transaction, changes *keyChanges) *XmlEvent {
	return &XmlEvent{
		YEvent:            newYEvent(t, txn),
		ChildListChanged:  changes.list,
		AttributesChanged: changes.keys.Clone(),
	}
}

func (f *XmlFragment) Len() int {
	if f.doc == nil {
		return len(f.prelim)
	}
	return f.length
}

func nodesToValues(nodes []XmlNode) []any {
	values := make([]any, len(nodes))
	for i, n := range nodes {
		values[i] = n
	}
	return values
}

// Insert inserts nodes at index.
func (f *XmlFragment) Insert(index int, nodes ...XmlNode) error {
	if f.doc == nil {
		if index < 0 || index > len(f.prelim) {
			return ErrLengthExceeded
		}
		f.prelim = slices.Insert(f.prelim, index, nodes...)
		return nil
	}
	var err error
	f.transact(func(txn *Transaction) {
		err = typeListInsertGenerics(txn, &f.AbstractType, index, nodesToValues(nodes))
	})
	return err
}

// InsertAfter inserts nodes right of ref. A nil ref inserts at the start.
func (f *XmlFragment) InsertAfter(ref XmlNode, nodes ...XmlNode) error {
	if f.doc == nil {
		i := 0
		if ref != nil {
			i = slices.Index(f.prelim, ref) + 1
			if i == 0 {
				return fmt.Errorf("%w: reference node is not a child", ErrUnexpectedContent)
			}
		}
		f.prelim = slices.Insert(f.prelim, i, nodes...)
		return nil
	}
	var refItem *Item
	if ref != nil {
		refItem = ref.base().item
		if refItem == nil || refItem.parent != f.self {
			return fmt.Errorf("%w: reference node is not a child", ErrUnexpectedContent)
		}
	}
	var err error
	f.transact(func(txn *Transaction) {
		err = typeListInsertGenericsAfter(txn, &f.AbstractType, refItem, nodesToValues(nodes))
	})
	return err
}

func (f *XmlFragment) Push(nodes ...XmlNode) error {
	if f.doc == nil {
		return f.Insert(len(f.prelim), nodes...)
	}
	var err error
	f.transact(func(txn *Transaction) {
		err = typeListPushGenerics(txn, &f.AbstractType, nodesToValues(nodes))
	})
	return err
}

func (f *XmlFragment) Unshift(nodes ...XmlNode) error {
	return f.Insert(0, nodes...)
}

func (f *XmlFragment) Delete(index, length int) error {
	if f.doc == nil {
		if index < 0 || length < 0 || index+length > len(f.prelim) {
			return ErrLengthExceeded
		}
		f.prelim = slices.Delete(f.prelim, index, index+length)
		return nil
	}
	var err error
	f.transact(func(txn *Transaction) {
		err = typeListDelete(txn, &f.AbstractType, index, length)
	})
	return err
}

func (f *XmlFragment) Get(index int) XmlNode {
	if f.doc == nil {
		if index < 0 || index >= len(f.prelim) {
			return nil
		}
		return f.prelim[index]
	}
	v, ok := typeListGet(&f.AbstractType, index)
	if !ok {
		return nil
	}
	return v.(XmlNode)
}

func (f *XmlFragment) ToArray() []XmlNode {
	if f.doc == nil {
		return slices.Clone(f.prelim)
	}
	values := typeListToArray(&f.AbstractType)
	out := make([]XmlNode, len(values))
	for i, v := range values {
		out[i] = v.(XmlNode)
	}
	return out
}

func (f *XmlFragment) Slice(start, end int) []XmlNode {
	values := typeListSlice(&f.AbstractType, start, end)
	out := make([]XmlNode, len(values))
	for i, v := range values {
		out[i] = v.(XmlNode)
	}
	return out
}

func (f *XmlFragment) FirstChild() XmlNode {
	first := f.first()
	if first == nil {
		return nil
	}
	return first.content.Values()[0].(XmlNode)
}

// String concatenates the string form of all children.
func (f *XmlFragment) String() string {
	var sb strings.Builder
	for _, c := range f.ToArray() {
		sb.WriteString(c.String())
	}
	return sb.String()
}

func (f *XmlFragment) ToJSON() any {
	return f.String()
}

// Walk yields every descendant in document order that passes filter.
// Children of an element are visited after the element itself.
func (f *XmlFragment) Walk(filter func(XmlNode) bool) iter.Seq[XmlNode] {
	return func(yield func(XmlNode) bool) {
		walkXml(f, filter, yield)
	}
}

func walkXml(f *XmlFragment, filter func(XmlNode) bool, yield func(XmlNode) bool) bool {
	for _, c := range f.ToArray() {
		if filter == nil || filter(c) {
			if !yield(c) {
				return false
			}
		}
		if el, ok := c.(*XmlElement); ok {
			if !walkXml(&el.XmlFragment, filter, yield) {
				return false
			}
		}
	}
	return true
}

// QuerySelector returns the first descendant element whose node name
// matches query, ignoring case.
func (f *XmlFragment) QuerySelector(query string) *XmlElement {
	for n := range f.Walk(nodeNameFilter(query)) {
		return n.(*XmlElement)
	}
	return nil
}

// QuerySelectorAll returns all descendant elements whose node name matches
// query, ignoring case.
func (f *XmlFragment) QuerySelectorAll(query string) []*XmlElement {
	var out []*XmlElement
	for n := range f.Walk(nodeNameFilter(query)) {
		out = append(out, n.(*XmlElement))
	}
	return out
}

func nodeNameFilter(query string) func(XmlNode) bool {
	return func(n XmlNode) bool {
		el, ok := n.(*XmlElement)
		return ok && strings.EqualFold(el.nodeName, query)
	}
}

// XmlElement is an xml node with a tag name, attributes and children.
type XmlElement struct {
	XmlFragment
	nodeName    string
	prelimAttrs map[string]any
}

func NewXmlElement(nodeName string) *XmlElement {
	e := &XmlElement{nodeName: nodeName, prelimAttrs: map[string]any{}}
	e.init(e, true)
	return e
}

func (e *XmlElement) xmlNode() {}

func (e *XmlElement) NodeName() string {
	return e.nodeName
}

func (e *XmlElement) integrateType(doc *Doc, item *Item) {
	attrs := e.prelimAttrs
	e.prelimAttrs = nil
	e.XmlFragment.integrateType(doc, item)
	if len(attrs) == 0 {
		return
	}
	e.transact(func(txn *Transaction) {
		for _, key := range slices.Sorted(maps.Keys(attrs)) {
			if err := typeMapSet(txn, &e.AbstractType, key, attrs[key]); err != nil {
				unexpectedCase("set of preliminary attribute: %v", err)
			}
		}
	})
}

func (e *XmlElement) copyType() SharedType {
	return NewXmlElement(e.nodeName)
}

func (e *XmlElement) clone() SharedType {
	c := NewXmlElement(e.nodeName)
	maps.Copy(c.prelimAttrs, e.GetAttributes())
	c.prelim = e.cloneChildren()
	return c
}

func (e *XmlElement) Clone() *XmlElement {
	return e.clone().(*XmlElement)
}

func (e *XmlElement) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefXmlElement)
	enc.writeKey(e.nodeName)
}

// SetAttribute sets a JSON-like attribute value.
func (e *XmlElement) SetAttribute(name string, value any) error {
	if e.doc == nil {
		if _, err := contentFromValue(value); err != nil {
			return err
		}
		e.prelimAttrs[name] = value
		return nil
	}
	var err error
	e.transact(func(txn *Transaction) {
		err = typeMapSet(txn, &e.AbstractType, name, value)
	})
	return err
}

func (e *XmlElement) RemoveAttribute(name string) {
	if e.doc == nil {
		delete(e.prelimAttrs, name)
		return
	}
	e.transact(func(txn *Transaction) {
		typeMapDelete(txn, &e.AbstractType, name)
	})
}

func (e *XmlElement) GetAttribute(name string) (any, bool) {
	if e.doc == nil {
		v, ok := e.prelimAttrs[name]
		return v, ok
	}
	return typeMapGet(&e.AbstractType, name)
}

func (e *XmlElement) HasAttribute(name string) bool {
	_, ok := e.GetAttribute(name)
	return ok
}

func (e *XmlElement) GetAttributes() map[string]any {
	if e.doc == nil {
		return maps.Clone(e.prelimAttrs)
	}
	return typeMapGetAll(&e.AbstractType)
}

// NextSibling returns the next live node of the parent, or nil.
func (e *XmlElement) NextSibling() XmlNode {
	return siblingOf(e.item, (*Item).next)
}

func (e *XmlElement) PrevSibling() XmlNode {
	return siblingOf(e.item, (*Item).prev)
}

func siblingOf(it *Item, step func(*Item) *Item) XmlNode {
	if it == nil {
		return nil
	}
	n := step(it)
	if n == nil {
		return nil
	}
	node, _ := n.content.Values()[0].(XmlNode)
	return node
}

// String renders the element with attributes sorted by name.
func (e *XmlElement) String() string {
	var sb strings.Builder
	sb.WriteString("<" + e.nodeName)
	attrs := e.GetAttributes()
	for _, key := range slices.Sorted(maps.Keys(attrs)) {
		fmt.Fprintf(&sb, " %s=\"%v\"", key, attrs[key])
	}
	sb.WriteString(">")
	sb.WriteString(e.XmlFragment.String())
	sb.WriteString("</" + e.nodeName + ">")
	return sb.String()
}

func (e *XmlElement) ToJSON() any {
	return e.String()
}

// XmlText is rich text inside an xml tree. Formatting attributes render as
// nested tags.
type XmlText struct {
	Text
}

func NewXmlText() *XmlText {
	x := &XmlText{}
	x.init(x, true)
	return x
}

func (x *XmlText) xmlNode() {}

func (x *XmlText) copyType() SharedType {
	return NewXmlText()
}

func (x *XmlText) clone() SharedType {
	c := NewXmlText()
	delta := x.ToDelta()
	c.pending = append(c.pending, func() { _ = c.ApplyDelta(delta, true) })
	return c
}

func (x *XmlText) Clone() *XmlText {
	return x.clone().(*XmlText)
}

func (x *XmlText) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefXmlText)
}

func (x *XmlText) NextSibling() XmlNode {
	return siblingOf(x.item, (*Item).next)
}

func (x *XmlText) PrevSibling() XmlNode {
	return siblingOf(x.item, (*Item).prev)
}

// String renders formatting as tags. A map valued attribute becomes the
// tag's attributes.
func (x *XmlText) String() string {
	var sb strings.Builder
	for _, op := range x.ToDelta() {
		keys := slices.Sorted(maps.Keys(op.Attributes))
		for _, key := range keys {
			sb.WriteString("<" + key)
			if m, ok := op.Attributes[key].(map[string]any); ok {
				for _, ak := range slices.Sorted(maps.Keys(m)) {
					fmt.Fprintf(&sb, " %s=\"%v\"", ak, m[ak])
				}
			}
			sb.WriteString(">")
		}
		fmt.Fprint(&sb, op.Insert)
		for i := len(keys) - 1; i >= 0; i-- {
			sb.WriteString("</" + keys[i] + ">")
		}
	}
	return sb.String()
}

func (x *XmlText) ToJSON() any {
	return x.String()
}

// XmlHook is a map embedded in an xml tree that editors can render with
// custom logic.
type XmlHook struct {
	Map
	hookName string
}

func NewXmlHook(hookName string) *XmlHook {
	h := &XmlHook{Map: Map{prelim: map[string]any{}}, hookName: hookName}
	h.init(h, false)
	return h
}

func (h *XmlHook) xmlNode() {}

func (h *XmlHook) HookName() string {
	return h.hookName
}

func (h *XmlHook) copyType() SharedType {
	return NewXmlHook(h.hookName)
}

func (h *XmlHook) clone() SharedType {
	c := NewXmlHook(h.hookName)
	for k, v := range h.Entries() {
		c.prelim[k] = cloneValue(v)
	}
	return c
}

func (h *XmlHook) Clone() *XmlHook {
	return h.clone().(*XmlHook)
}

func (h *XmlHook) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefXmlHook)
	enc.writeKey(h.hookName)
}

// String is empty; hooks have no xml form.
func (h *XmlHook) String() string {
	return ""
}

func (h *XmlHook) ToJSON() any {
	return h.Map.ToJSON()
}
