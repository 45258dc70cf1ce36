package crdt

import (
	"maps"
	"slices"
	"sync/atomic"
)

// SharedType is implemented by every collaborative type: Array, Map, Text
// and the XML types.
type SharedType interface {
	base() *AbstractType
	integrateType(doc *Doc, item *Item)
	copyType() SharedType
	writeType(enc updateEncoder)
	callObserver(txn *Transaction, changes *keyChanges)
	// ToJSON converts the type and its nested content to plain Go values.
	ToJSON() any
}

// cloner is implemented by types that can deep copy their content into a
// new, unintegrated instance.
type cloner interface {
	clone() SharedType
}

// AbstractType holds the state shared by all types: the item list, the map
// entries, observers and search markers.
type AbstractType struct {
	// self is the concrete type embedding this value.
	self    SharedType
	item    *Item
	dataMap map[string]*Item
	start   *Item
	doc     *Doc
	length  int

	eH  listeners[func(Event, *Transaction)]
	dEH listeners[func([]Event, *Transaction)]

	markers       []*searchMarker
	useMarkers    bool
	hasFormatting bool
}

// newAbstractType returns an untyped root placeholder. Updates may reference
// root types the local replica has not requested yet.
func newAbstractType() *AbstractType {
	t := &AbstractType{}
	t.init(t, false)
	return t
}

func (t *AbstractType) init(self SharedType, useMarkers bool) {
	t.self = self
	t.dataMap = map[string]*Item{}
	t.useMarkers = useMarkers
}

func (t *AbstractType) base() *AbstractType {
	return t
}

func (t *AbstractType) integrateType(doc *Doc, item *Item) {
	t.doc = doc
	t.item = item
}

func (t *AbstractType) copyType() SharedType {
	return newAbstractType()
}

func (t *AbstractType) writeType(updateEncoder) {
	unexpectedCase("placeholder types cannot be encoded")
}

func (t *AbstractType) callObserver(txn *Transaction, _ *keyChanges) {
	if !txn.Local {
		t.markers = nil
	}
}

func (t *AbstractType) ToJSON() any {
	return nil
}

// Doc returns the owning document, nil before integration.
func (t *AbstractType) Doc() *Doc {
	return t.doc
}

// Item returns the item embedding the type, nil for root types.
func (t *AbstractType) Item() *Item {
	return t.item
}

// Parent returns the type containing this one, nil for root types.
func (t *AbstractType) Parent() SharedType {
	if t.item == nil {
		return nil
	}
	return t.item.parent
}

// Observe registers f for events on this type.
func (t *AbstractType) Observe(f func(Event, *Transaction)) ListenerID {
	return t.eH.add(f)
}

func (t *AbstractType) Unobserve(id ListenerID) bool {
	return t.eH.remove(id)
}

// ObserveDeep registers f for events on this type and all its descendants.
func (t *AbstractType) ObserveDeep(f func([]Event, *Transaction)) ListenerID {
	return t.dEH.add(f)
}

func (t *AbstractType) UnobserveDeep(id ListenerID) bool {
	return t.dEH.remove(id)
}

// first returns the first live item.
func (t *AbstractType) first() *Item {
	n := t.start
	for n != nil && n.deleted {
		n = n.right
	}
	return n
}

// transact runs f in a transaction on the owning document.
func (t *AbstractType) transact(f func(*Transaction)) {
	t.doc.transact(f, nil, true)
}

func (t *AbstractType) disableMarkers() {
	t.useMarkers = false
	t.markers = nil
}

// callTypeObservers queues event for the deep observers of every ancestor
// and calls the direct observers of t.
func callTypeObservers(t SharedType, txn *Transaction, event Event) {
	for p := t; ; {
		txn.addParentEvent(p, event)
		item := p.base().item
		if item == nil {
			break
		}
		p = item.parent
	}
	for _, l := range t.base().eH.snapshot() {
		l(event, txn)
	}
}

// searchMarker caches the index of an item in a list type.
type searchMarker struct {
	p         *Item
	index     int
	timestamp int64
}

var markerClock atomic.Int64

func (m *searchMarker) refresh() {
	m.timestamp = markerClock.Add(1)
}

func (m *searchMarker) overwrite(p *Item, index int) {
	m.p.marker = false
	m.p = p
	p.marker = true
	m.index = index
	m.refresh()
}

func (t *AbstractType) markerCap() int {
	if t.doc == nil || t.doc.markerCap <= 0 {
		return DefaultSearchMarkerCap
	}
	return t.doc.markerCap
}

// markPosition adds a marker, replacing the least recently used one once the
// cap is reached.
func (t *AbstractType) markPosition(p *Item, index int) *searchMarker {
	if len(t.markers) >= t.markerCap() {
		oldest := slices.MinFunc(t.markers, func(a, b *searchMarker) int {
			return int(a.timestamp - b.timestamp)
		})
		oldest.overwrite(p, index)
		return oldest
	}
	m := &searchMarker{p: p, index: index}
	p.marker = true
	m.refresh()
	t.markers = append(t.markers, m)
	return m
}

// findMarker returns a marker close to index, moved onto the item that
// contains index. It returns nil when markers are disabled.
func (t *AbstractType) findMarker(index int) *searchMarker {
	if t.start == nil || index == 0 || !t.useMarkers {
		return nil
	}
	var marker *searchMarker
	for _, m := range t.markers {
		if marker == nil || abs(index-m.index) < abs(index-marker.index) {
			marker = m
		}
	}
	p := t.start
	pindex := 0
	if marker != nil {
		p = marker.p
		pindex = marker.index
		marker.refresh()
	}
	for p.right != nil && pindex < index {
		if !p.deleted && p.Countable() {
			if index < pindex+p.length {
				break
			}
			pindex += p.length
		}
		p = p.right
	}
	for p.left != nil && pindex > index {
		p = p.left
		if !p.deleted && p.Countable() {
			pindex -= p.length
		}
	}
	// a marker must not sit on an item that could be merged into its left
	// neighbor.
	for p.left != nil && p.left.id.Client == p.id.Client && p.left.id.Clock+p.left.length == p.id.Clock {
		p = p.left
		if !p.deleted && p.Countable() {
			pindex -= p.length
		}
	}
	if marker != nil && abs(marker.index-pindex)*t.markerCap() < p.parent.base().length {
		marker.overwrite(p, pindex)
		return marker
	}
	return t.markPosition(p, pindex)
}

// updateMarkerChanges shifts markers after a change of length n at index.
func (t *AbstractType) updateMarkerChanges(index, n int) {
	for i := len(t.markers) - 1; i >= 0; i-- {
		m := t.markers[i]
		if n > 0 {
			p := m.p
			p.marker = false
			for p != nil && (p.deleted || !p.Countable()) {
				p = p.left
				if p != nil && !p.deleted && p.Countable() {
					m.index -= p.length
				}
			}
			if p == nil || p.marker {
				t.markers = slices.Delete(t.markers, i, i+1)
				continue
			}
			m.p = p
			p.marker = true
		}
		if index < m.index || (n > 0 && index == m.index) {
			m.index = max(index, m.index+n)
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// typeListSlice returns the values in [start, end).
func typeListSlice(t *AbstractType, start, end int) []any {
	if start < 0 {
		start += t.length
	}
	if end < 0 {
		end += t.length
	}
	n := end - start
	if n <= 0 {
		return nil
	}
	out := make([]any, 0, n)
	for it := t.start; it != nil && n > 0; it = it.right {
		if !it.Countable() || it.deleted {
			continue
		}
		values := it.content.Values()
		if len(values) <= start {
			start -= len(values)
			continue
		}
		for i := start; i < len(values) && n > 0; i++ {
			out = append(out, values[i])
			n--
		}
		start = 0
	}
	return out
}

func typeListToArray(t *AbstractType) []any {
	out := make([]any, 0, t.length)
	for it := t.start; it != nil; it = it.right {
		if it.Countable() && !it.deleted {
			out = append(out, it.content.Values()...)
		}
	}
	return out
}

func typeListToArraySnapshot(t *AbstractType, snapshot *Snapshot) []any {
	var out []any
	for it := t.start; it != nil; it = it.right {
		if it.Countable() && isVisible(it, snapshot) {
			out = append(out, it.content.Values()...)
		}
	}
	return out
}

func typeListForEach(t *AbstractType, f func(v any, index int)) {
	index := 0
	for it := t.start; it != nil; it = it.right {
		if it.Countable() && !it.deleted {
			for _, v := range it.content.Values() {
				f(v, index)
				index++
			}
		}
	}
}

func typeListGet(t *AbstractType, index int) (any, bool) {
	if index < 0 || index >= t.length {
		return nil, false
	}
	it := t.start
	if m := t.findMarker(index); m != nil {
		it = m.p
		index -= m.index
	}
	for ; it != nil; it = it.right {
		if it.deleted || !it.Countable() {
			continue
		}
		if index < it.length {
			return it.content.Values()[index], true
		}
		index -= it.length
	}
	return nil, false
}

// toContents converts user values, packing consecutive plain values into a
// single ContentAny.
func toContents(values []any) ([]Content, error) {
	var out []Content
	var pending []any
	flush := func() {
		if len(pending) > 0 {
			out = append(out, &ContentAny{pending})
			pending = nil
		}
	}
	for _, v := range values {
		c, err := contentFromValue(v)
		if err != nil {
			return nil, err
		}
		if ca, ok := c.(*ContentAny); ok {
			pending = append(pending, ca.arr...)
			continue
		}
		flush()
		out = append(out, c)
	}
	flush()
	return out, nil
}

// typeListInsertContentsAfter inserts contents right of ref, or at the start
// if ref is nil.
func typeListInsertContentsAfter(txn *Transaction, parent *AbstractType, ref *Item, contents []Content) {
	left := ref
	doc := txn.Doc
	var right *Item
	if ref == nil {
		right = parent.start
	} else {
		right = ref.right
	}
	for _, c := range contents {
		id := ID{doc.ClientID, doc.store.getState(doc.ClientID)}
		left = newLocalItem(id, left, right, parent.self, nil, c)
		left.integrate(txn, 0)
	}
}

func typeListInsertGenericsAfter(txn *Transaction, parent *AbstractType, ref *Item, values []any) error {
	contents, err := toContents(values)
	if err != nil {
		return err
	}
	typeListInsertContentsAfter(txn, parent, ref, contents)
	return nil
}

func typeListInsertGenerics(txn *Transaction, parent *AbstractType, index int, values []any) error {
	if index < 0 || index > parent.length {
		return ErrLengthExceeded
	}
	contents, err := toContents(values)
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return nil
	}
	if index == 0 {
		if parent.useMarkers {
			parent.updateMarkerChanges(index, len(values))
		}
		typeListInsertContentsAfter(txn, parent, nil, contents)
		return nil
	}
	startIndex := index
	n := parent.start
	if m := parent.findMarker(index); m != nil {
		n = m.p
		index -= m.index
		if index == 0 {
			// insert after the previous item
			n = n.prev()
			if n != nil && n.Countable() && !n.deleted {
				index += n.length
			}
		}
	}
	for ; n != nil; n = n.right {
		if !n.deleted && n.Countable() {
			if index <= n.length {
				if index < n.length {
					txn.Doc.store.getItemCleanStart(txn, ID{n.id.Client, n.id.Clock + index})
				}
				break
			}
			index -= n.length
		}
	}
	if parent.useMarkers {
		parent.updateMarkerChanges(startIndex, len(values))
	}
	typeListInsertContentsAfter(txn, parent, n, contents)
	return nil
}

// typeListPushGenerics appends values after the last item.
func typeListPushGenerics(txn *Transaction, parent *AbstractType, values []any) error {
	contents, err := toContents(values)
	if err != nil {
		return err
	}
	n := parent.start
	bestIndex := 0
	for _, m := range parent.markers {
		if m.index > bestIndex {
			bestIndex = m.index
			n = m.p
		}
	}
	if n != nil {
		for n.right != nil {
			n = n.right
		}
	}
	typeListInsertContentsAfter(txn, parent, n, contents)
	return nil
}

func typeListDelete(txn *Transaction, parent *AbstractType, index, length int) error {
	if length == 0 {
		return nil
	}
	if index < 0 || length < 0 || index+length > parent.length {
		return ErrLengthExceeded
	}
	store := txn.Doc.store
	startIndex, startLength := index, length
	n := parent.start
	if m := parent.findMarker(index); m != nil {
		n = m.p
		index -= m.index
	}
	for ; n != nil && index > 0; n = n.right {
		if !n.deleted && n.Countable() {
			if index < n.length {
				store.getItemCleanStart(txn, ID{n.id.Client, n.id.Clock + index})
			}
			index -= n.length
		}
	}
	for length > 0 && n != nil {
		if !n.deleted {
			if length < n.length {
				store.getItemCleanStart(txn, ID{n.id.Client, n.id.Clock + length})
			}
			n.delete(txn)
			if n.Countable() {
				length -= n.length
			}
		}
		n = n.right
	}
	if parent.useMarkers {
		parent.updateMarkerChanges(startIndex, -startLength+length)
	}
	return nil
}

func typeMapDelete(txn *Transaction, parent *AbstractType, key string) {
	if c, ok := parent.dataMap[key]; ok {
		c.delete(txn)
	}
}

func typeMapSet(txn *Transaction, parent *AbstractType, key string, value any) error {
	content, err := contentFromValue(value)
	if err != nil {
		return err
	}
	typeMapSetContent(txn, parent, key, content)
	return nil
}

func typeMapSetContent(txn *Transaction, parent *AbstractType, key string, content Content) {
	left := parent.dataMap[key]
	doc := txn.Doc
	id := ID{doc.ClientID, doc.store.getState(doc.ClientID)}
	k := key
	newLocalItem(id, left, nil, parent.self, &k, content).integrate(txn, 0)
}

func typeMapGet(parent *AbstractType, key string) (any, bool) {
	it, ok := parent.dataMap[key]
	if !ok || it.deleted {
		return nil, false
	}
	values := it.content.Values()
	return values[it.length-1], true
}

func typeMapGetAll(parent *AbstractType) map[string]any {
	out := map[string]any{}
	for key, it := range parent.dataMap {
		if !it.deleted {
			out[key] = it.content.Values()[it.length-1]
		}
	}
	return out
}

func typeMapHas(parent *AbstractType, key string) bool {
	it, ok := parent.dataMap[key]
	return ok && !it.deleted
}

// typeMapKeys returns the live keys in sorted order.
func typeMapKeys(parent *AbstractType) []string {
	keys := make([]string, 0, len(parent.dataMap))
	for _, key := range slices.Sorted(maps.Keys(parent.dataMap)) {
		if !parent.dataMap[key].deleted {
			keys = append(keys, key)
		}
	}
	return keys
}

func typeMapGetSnapshot(parent *AbstractType, key string, snapshot *Snapshot) (any, bool) {
	v := parent.dataMap[key]
	for v != nil {
		clock, ok := snapshot.StateVector[v.id.Client]
		if ok && v.id.Clock < clock {
			break
		}
		v = v.left
	}
	if v == nil || !isVisible(v, snapshot) {
		return nil, false
	}
	return v.content.Values()[v.length-1], true
}

func typeMapGetAllSnapshot(parent *AbstractType, snapshot *Snapshot) map[string]any {
	out := map[string]any{}
	for key := range parent.dataMap {
		if v, ok := typeMapGetSnapshot(parent, key, snapshot); ok {
			out[key] = v
		}
	}
	return out
}

// valueToJSON converts a stored value for ToJSON output.
func valueToJSON(v any) any {
	switch x := v.(type) {
	case SharedType:
		return x.ToJSON()
	case *Doc:
		return x.GUID
	}
	return v
}

// cloneValue deep copies nested types so the result can be inserted into a
// fresh type.
func cloneValue(v any) any {
	if c, ok := v.(cloner); ok {
		return c.clone()
	}
	return v
}
