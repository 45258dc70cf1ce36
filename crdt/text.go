package crdt

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/ycrdt/codec"
)

// Attributes are formatting attributes of a text range. A nil value removes
// the attribute.
type Attributes = map[string]any

func equalAttrs(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func updateCurrentAttributes(attrs Attributes, f *ContentFormat) {
	if f.Value == nil {
		delete(attrs, f.Key)
	} else {
		attrs[f.Key] = f.Value
	}
}

// textPosition is a cursor between left and right that tracks the index and
// the formatting attributes active at that point.
type textPosition struct {
	left              *Item
	right             *Item
	index             int
	currentAttributes Attributes
}

func (p *textPosition) forward() {
	if p.right == nil {
		unexpectedCase("text position moved past the end")
	}
	if !p.right.deleted {
		if f, ok := p.right.content.(*ContentFormat); ok {
			updateCurrentAttributes(p.currentAttributes, f)
		} else {
			p.index += p.right.length
		}
	}
	p.left = p.right
	p.right = p.right.right
}

// findNextPosition moves pos count characters to the right, splitting the
// item the target falls into.
func findNextPosition(txn *Transaction, pos *textPosition, count int) *textPosition {
	for pos.right != nil && count > 0 {
		if !pos.right.deleted {
			if f, ok := pos.right.content.(*ContentFormat); ok {
				updateCurrentAttributes(pos.currentAttributes, f)
			} else {
				if count < pos.right.length {
					txn.Doc.store.getItemCleanStart(txn, ID{pos.right.id.Client, pos.right.id.Clock + count})
				}
				pos.index += pos.right.length
				count -= pos.right.length
			}
		}
		pos.left = pos.right
		pos.right = pos.right.right
	}
	return pos
}

func findPosition(txn *Transaction, parent *AbstractType, index int, useSearchMarker bool) *textPosition {
	attrs := Attributes{}
	if useSearchMarker {
		if m := parent.findMarker(index); m != nil {
			pos := &textPosition{left: m.p.left, right: m.p, index: m.index, currentAttributes: attrs}
			return findNextPosition(txn, pos, index-m.index)
		}
	}
	pos := &textPosition{right: parent.start, currentAttributes: attrs}
	return findNextPosition(txn, pos, index)
}

// insertNegatedAttributes closes the attributes opened by an insertion,
// skipping formats that already end them.
func insertNegatedAttributes(txn *Transaction, parent *AbstractType, pos *textPosition, negated Attributes) {
	for pos.right != nil {
		if !pos.right.deleted {
			f, ok := pos.right.content.(*ContentFormat)
			if !ok {
				break
			}
			v, has := negated[f.Key]
			if !has || !equalAttrs(v, f.Value) {
				break
			}
			delete(negated, f.Key)
		}
		pos.forward()
	}
	doc := txn.Doc
	for _, key := range slices.Sorted(maps.Keys(negated)) {
		id := ID{doc.ClientID, doc.store.getState(doc.ClientID)}
		next := newLocalItem(id, pos.left, pos.right, parent.self, nil, &ContentFormat{Key: key, Value: negated[key]})
		next.integrate(txn, 0)
		pos.right = next
		pos.forward()
	}
}

// minimizeAttributeChanges skips deleted items and formats that already
// match attrs.
func minimizeAttributeChanges(pos *textPosition, attrs Attributes) {
	for pos.right != nil {
		if !pos.right.deleted {
			f, ok := pos.right.content.(*ContentFormat)
			if !ok || !equalAttrs(attrs[f.Key], f.Value) {
				return
			}
		}
		pos.forward()
	}
}

// insertAttributes opens attrs at pos and returns the attributes needed to
// restore the previous formatting.
func insertAttributes(txn *Transaction, parent *AbstractType, pos *textPosition, attrs Attributes) Attributes {
	doc := txn.Doc
	negated := Attributes{}
	for _, key := range slices.Sorted(maps.Keys(attrs)) {
		val := attrs[key]
		current := pos.currentAttributes[key]
		if equalAttrs(current, val) {
			continue
		}
		negated[key] = current
		id := ID{doc.ClientID, doc.store.getState(doc.ClientID)}
		pos.right = newLocalItem(id, pos.left, pos.right, parent.self, nil, &ContentFormat{Key: key, Value: val})
		pos.right.integrate(txn, 0)
		pos.forward()
	}
	return negated
}

func insertText(txn *Transaction, parent *AbstractType, pos *textPosition, content Content, attrs Attributes) {
	for key := range pos.currentAttributes {
		if _, ok := attrs[key]; !ok {
			attrs[key] = nil
		}
	}
	doc := txn.Doc
	minimizeAttributeChanges(pos, attrs)
	negated := insertAttributes(txn, parent, pos, attrs)
	index := pos.index
	if parent.useMarkers {
		parent.updateMarkerChanges(pos.index, content.Len())
	}
	id := ID{doc.ClientID, doc.store.getState(doc.ClientID)}
	right := newLocalItem(id, pos.left, pos.right, parent.self, nil, content)
	right.integrate(txn, 0)
	pos.right = right
	pos.index = index
	pos.forward()
	insertNegatedAttributes(txn, parent, pos, negated)
}

func formatText(txn *Transaction, parent *AbstractType, pos *textPosition, length int, attrs Attributes) {
	doc := txn.Doc
	minimizeAttributeChanges(pos, attrs)
	negated := insertAttributes(txn, parent, pos, attrs)
	// remove formats overwritten by attrs and keep scanning past the range
	// so no redundant negations are inserted after it.
loop:
	for pos.right != nil && (length > 0 || (len(negated) > 0 && (pos.right.deleted || isFormat(pos.right)))) {
		if !pos.right.deleted {
			if f, ok := pos.right.content.(*ContentFormat); ok {
				if attr, has := attrs[f.Key]; has {
					if equalAttrs(attr, f.Value) {
						delete(negated, f.Key)
					} else {
						if length == 0 {
							break loop
						}
						negated[f.Key] = f.Value
					}
					pos.right.delete(txn)
				} else {
					pos.currentAttributes[f.Key] = f.Value
				}
			} else {
				if length < pos.right.length {
					doc.store.getItemCleanStart(txn, ID{pos.right.id.Client, pos.right.id.Clock + length})
				}
				length -= pos.right.length
			}
		}
		pos.forward()
	}
	// formatting past the end appends newlines, matching editors that
	// always keep a trailing newline.
	if length > 0 {
		id := ID{doc.ClientID, doc.store.getState(doc.ClientID)}
		pos.right = newLocalItem(id, pos.left, pos.right, parent.self, nil, newContentString(strings.Repeat("\n", length)))
		pos.right.integrate(txn, 0)
		pos.forward()
	}
	insertNegatedAttributes(txn, parent, pos, negated)
}

func isFormat(it *Item) bool {
	_, ok := it.content.(*ContentFormat)
	return ok
}

// cleanupFormattingGap deletes formats between start and the next countable
// item that have no effect. It returns the number of deleted formats.
func cleanupFormattingGap(txn *Transaction, start, curr *Item, startAttrs, currAttrs Attributes) int {
	end := start
	endFormats := map[string]*ContentFormat{}
	for end != nil && (!end.Countable() || end.deleted) {
		if f, ok := end.content.(*ContentFormat); ok && !end.deleted {
			endFormats[f.Key] = f
		}
		end = end.right
	}
	cleanups := 0
	reachedCurr := false
	for start != end {
		if curr == start {
			reachedCurr = true
		}
		if f, ok := start.content.(*ContentFormat); ok && !start.deleted {
			startValue := startAttrs[f.Key]
			if endFormats[f.Key] != f || equalAttrs(startValue, f.Value) {
				// overwritten later in the gap, or redundant
				start.delete(txn)
				cleanups++
				if !reachedCurr && equalAttrs(currAttrs[f.Key], f.Value) && !equalAttrs(startValue, f.Value) {
					if startValue == nil {
						delete(currAttrs, f.Key)
					} else {
						currAttrs[f.Key] = startValue
					}
				}
			}
			if !reachedCurr && !start.deleted {
				updateCurrentAttributes(currAttrs, f)
			}
		}
		start = start.right
	}
	return cleanups
}

// cleanupContextlessFormattingGap removes duplicate formats around item
// without knowing the attributes active before it.
func cleanupContextlessFormattingGap(txn *Transaction, item *Item) {
	for item != nil && item.right != nil && (item.right.deleted || !item.right.Countable()) {
		item = item.right
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for item != nil && (item.deleted || !item.Countable()) {
		if f, ok := item.content.(*ContentFormat); ok && !item.deleted {
			if seen.Contains(f.Key) {
				item.delete(txn)
			} else {
				seen.Add(f.Key)
			}
		}
		item = item.left
	}
}

// cleanupTextFormatting removes every redundant format of t and returns how
// many were removed.
func cleanupTextFormatting(t *AbstractType) int {
	res := 0
	t.transact(func(txn *Transaction) {
		start := t.start
		startAttrs := Attributes{}
		currAttrs := Attributes{}
		for end := t.start; end != nil; end = end.right {
			if end.deleted {
				continue
			}
			if f, ok := end.content.(*ContentFormat); ok {
				updateCurrentAttributes(currAttrs, f)
				continue
			}
			res += cleanupFormattingGap(txn, start, end, startAttrs, currAttrs)
			startAttrs = maps.Clone(currAttrs)
			start = end
		}
	})
	return res
}

// cleanupTextAfterTransaction removes formats made redundant by concurrent
// remote changes.
func cleanupTextAfterTransaction(txn *Transaction) {
	needFullCleanup := mapset.NewThreadUnsafeSet[*AbstractType]()
	var fullOrder []*AbstractType
	addFull := func(t *AbstractType) {
		if needFullCleanup.Add(t) {
			fullOrder = append(fullOrder, t)
		}
	}
	doc := txn.Doc
	for _, client := range slices.Sorted(maps.Keys(txn.AfterState)) {
		after := txn.AfterState[client]
		before := txn.BeforeState[client]
		if after == before {
			continue
		}
		iterateStructs(txn, doc.store.clients[client], before, after-before, func(s Struct) {
			if it, ok := s.(*Item); ok && !it.deleted && isFormat(it) {
				addFull(it.parent.base())
			}
		})
	}
	doc.transact(func(t *Transaction) {
		iterateDeletedStructs(txn, txn.DeleteSet, func(s Struct) {
			it, ok := s.(*Item)
			if !ok || it.parent == nil {
				return
			}
			parent := it.parent.base()
			if !parent.hasFormatting || needFullCleanup.Contains(parent) {
				return
			}
			if isFormat(it) {
				addFull(parent)
			} else {
				cleanupContextlessFormattingGap(t, it)
			}
		})
		for _, p := range fullOrder {
			cleanupTextFormatting(p)
		}
	}, nil, true)
}

// deleteText deletes length characters right of pos.
func deleteText(txn *Transaction, parent *AbstractType, pos *textPosition, length int) *textPosition {
	startLength := length
	startAttrs := maps.Clone(pos.currentAttributes)
	start := pos.right
	for length > 0 && pos.right != nil {
		if !pos.right.deleted {
			switch pos.right.content.(type) {
			case *ContentType, *ContentEmbed, *ContentString:
				if length < pos.right.length {
					txn.Doc.store.getItemCleanStart(txn, ID{pos.right.id.Client, pos.right.id.Clock + length})
				}
				length -= pos.right.length
				pos.right.delete(txn)
			}
		}
		pos.forward()
	}
	if start != nil {
		cleanupFormattingGap(txn, start, pos.right, startAttrs, pos.currentAttributes)
	}
	if parent.useMarkers {
		parent.updateMarkerChanges(pos.index, -startLength+length)
	}
	return pos
}

// Text is shared rich text. Formatting is stored as zero-width format items
// between the content.
type Text struct {
	AbstractType
	pending []func()
}

func NewText(s string) *Text {
	t := &Text{}
	t.init(t, true)
	if s != "" {
		t.pending = append(t.pending, func() { _ = t.Insert(0, s, nil) })
	}
	return t
}

func (t *Text) integrateType(doc *Doc, item *Item) {
	t.AbstractType.integrateType(doc, item)
	pending := t.pending
	t.pending = nil
	for _, f := range pending {
		f()
	}
}

func (t *Text) copyType() SharedType {
	return NewText("")
}

func (t *Text) clone() SharedType {
	c := NewText("")
	delta := t.ToDelta()
	c.pending = append(c.pending, func() { _ = c.ApplyDelta(delta, true) })
	return c
}

func (t *Text) Clone() *Text {
	return t.clone().(*Text)
}

func (t *Text) writeType(enc updateEncoder) {
	enc.writeTypeRef(typeRefText)
}

func (t *Text) callObserver(txn *Transaction, changes *keyChanges) {
	t.AbstractType.callObserver(txn, changes)
	callTypeObservers(t.self, txn, newTextEvent(t.self, txn, changes))
	if !txn.Local && t.hasFormatting {
		txn.needFormattingCleanup = true
	}
}

// Len is the number of characters and embeds.
func (t *Text) Len() int {
	return t.length
}

// String returns the text without formatting and embeds.
func (t *Text) String() string {
	var sb strings.Builder
	for n := t.start; n != nil; n = n.right {
		if n.deleted || !n.Countable() {
			continue
		}
		if cs, ok := n.content.(*ContentString); ok {
			sb.WriteString(cs.str)
		}
	}
	return sb.String()
}

func (t *Text) ToJSON() any {
	return t.String()
}

// Insert inserts s at index. With nil attrs the text inherits the formatting
// at index; a non-nil map sets exactly the given attributes.
func (t *Text) Insert(index int, s string, attrs Attributes) error {
	if s == "" {
		return nil
	}
	return t.insertContent(index, newContentString(s), attrs)
}

// InsertEmbed inserts a single embedded value or nested type at index.
func (t *Text) InsertEmbed(index int, embed any, attrs Attributes) error {
	content, err := embedContent(embed)
	if err != nil {
		return err
	}
	return t.insertContent(index, content, attrs)
}

func embedContent(embed any) (Content, error) {
	if st, ok := embed.(SharedType); ok {
		return &ContentType{st}, nil
	}
	if embed == nil || !codec.IsAny(embed) {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedContent, embed)
	}
	return &ContentEmbed{embed}, nil
}

func (t *Text) insertContent(index int, content Content, attrs Attributes) error {
	if t.doc == nil {
		t.pending = append(t.pending, func() { _ = t.insertContent(index, content, attrs) })
		return nil
	}
	if index < 0 || index > t.length {
		return ErrLengthExceeded
	}
	t.transact(func(txn *Transaction) {
		pos := findPosition(txn, &t.AbstractType, index, attrs == nil)
		a := maps.Clone(attrs)
		if a == nil {
			a = maps.Clone(pos.currentAttributes)
		}
		insertText(txn, &t.AbstractType, pos, content, a)
	})
	return nil
}

// Delete removes length characters starting at index.
func (t *Text) Delete(index, length int) error {
	if length == 0 {
		return nil
	}
	if t.doc == nil {
		t.pending = append(t.pending, func() { _ = t.Delete(index, length) })
		return nil
	}
	if index < 0 || length < 0 || index+length > t.length {
		return ErrLengthExceeded
	}
	t.transact(func(txn *Transaction) {
		deleteText(txn, &t.AbstractType, findPosition(txn, &t.AbstractType, index, true), length)
	})
	return nil
}

// Format applies attrs to the range [index, index+length).
func (t *Text) Format(index, length int, attrs Attributes) error {
	if length == 0 {
		return nil
	}
	if t.doc == nil {
		t.pending = append(t.pending, func() { _ = t.Format(index, length, attrs) })
		return nil
	}
	if index < 0 || length < 0 || index+length > t.length {
		return ErrLengthExceeded
	}
	t.transact(func(txn *Transaction) {
		pos := findPosition(txn, &t.AbstractType, index, false)
		if pos.right == nil {
			return
		}
		formatText(txn, &t.AbstractType, pos, length, maps.Clone(attrs))
	})
	return nil
}

// ApplyDelta applies a rich text delta. Unless sanitize is set, a trailing
// newline inserted at the very end is dropped.
func (t *Text) ApplyDelta(delta []DeltaOp, sanitize bool) error {
	contents := make([]Content, len(delta))
	for i, op := range delta {
		if op.Insert == nil {
			continue
		}
		if s, ok := op.Insert.(string); ok {
			contents[i] = newContentString(s)
			continue
		}
		c, err := embedContent(op.Insert)
		if err != nil {
			return err
		}
		contents[i] = c
	}
	if t.doc == nil {
		t.pending = append(t.pending, func() { _ = t.ApplyDelta(delta, sanitize) })
		return nil
	}
	t.transact(func(txn *Transaction) {
		pos := &textPosition{right: t.start, currentAttributes: Attributes{}}
		for i, op := range delta {
			attrs := maps.Clone(op.Attributes)
			if attrs == nil {
				attrs = Attributes{}
			}
			switch {
			case op.Insert != nil:
				content := contents[i]
				if s, ok := op.Insert.(string); ok {
					if !sanitize && i == len(delta)-1 && pos.right == nil && strings.HasSuffix(s, "\n") {
						s = s[:len(s)-1]
						content = newContentString(s)
					}
					if s == "" {
						continue
					}
				}
				insertText(txn, &t.AbstractType, pos, content, attrs)
			case op.Retain > 0:
				formatText(txn, &t.AbstractType, pos, op.Retain, attrs)
			case op.Delete > 0:
				deleteText(txn, &t.AbstractType, pos, op.Delete)
			}
		}
	})
	return nil
}

// ToDelta returns the content as a rich text delta.
func (t *Text) ToDelta() []DeltaOp {
	return t.ToDeltaSnapshot(nil, nil, nil)
}

// ToDeltaSnapshot returns the delta of the state in snapshot. With
// prevSnapshot, content added or removed in between is marked with a
// "ychange" attribute produced by computeYChange.
func (t *Text) ToDeltaSnapshot(snapshot, prevSnapshot *Snapshot, computeYChange func(action string, id ID) any) []DeltaOp {
	var ops []DeltaOp
	current := Attributes{}
	var sb strings.Builder
	pack := func() {
		if sb.Len() == 0 {
			return
		}
		op := DeltaOp{Insert: sb.String()}
		if len(current) > 0 {
			op.Attributes = maps.Clone(current)
		}
		ops = append(ops, op)
		sb.Reset()
	}
	ychange := func(action string, id ID) any {
		if computeYChange != nil {
			return computeYChange(action, id)
		}
		return map[string]any{"type": action}
	}
	compute := func() {
		for n := t.start; n != nil; n = n.right {
			if !isVisible(n, snapshot) && (prevSnapshot == nil || !isVisible(n, prevSnapshot)) {
				continue
			}
			switch c := n.content.(type) {
			case *ContentString:
				cur, has := current["ychange"]
				switch {
				case snapshot != nil && !isVisible(n, snapshot):
					if !has || !ychangeMatches(cur, n.id.Client, "removed") {
						pack()
						current["ychange"] = ychange("removed", n.id)
					}
				case prevSnapshot != nil && !isVisible(n, prevSnapshot):
					if !has || !ychangeMatches(cur, n.id.Client, "added") {
						pack()
						current["ychange"] = ychange("added", n.id)
					}
				case has:
					pack()
					delete(current, "ychange")
				}
				sb.WriteString(c.str)
			case *ContentType, *ContentEmbed:
				pack()
				op := DeltaOp{Insert: c.Values()[0]}
				if len(current) > 0 {
					op.Attributes = maps.Clone(current)
				}
				ops = append(ops, op)
			case *ContentFormat:
				if isVisible(n, snapshot) {
					pack()
					updateCurrentAttributes(current, c)
				}
			}
		}
		pack()
	}
	if snapshot == nil && prevSnapshot == nil {
		compute()
		return ops
	}
	// splitting for snapshots is undone by merging after the transaction.
	t.doc.transact(func(txn *Transaction) {
		if snapshot != nil {
			splitSnapshotAffectedStructs(txn, snapshot)
		}
		if prevSnapshot != nil {
			splitSnapshotAffectedStructs(txn, prevSnapshot)
		}
		compute()
	}, "cleanup", true)
	return ops
}

func ychangeMatches(cur any, client uint64, action string) bool {
	m, ok := cur.(map[string]any)
	return ok && m["user"] == client && m["type"] == action
}

// SetAttribute sets a text level attribute that applies to the whole text.
func (t *Text) SetAttribute(name string, value any) error {
	if t.doc == nil {
		t.pending = append(t.pending, func() { _ = t.SetAttribute(name, value) })
		return nil
	}
	var err error
	t.transact(func(txn *Transaction) {
		err = typeMapSet(txn, &t.AbstractType, name, value)
	})
	return err
}

func (t *Text) RemoveAttribute(name string) {
	if t.doc == nil {
		t.pending = append(t.pending, func() { t.RemoveAttribute(name) })
		return
	}
	t.transact(func(txn *Transaction) {
		typeMapDelete(txn, &t.AbstractType, name)
	})
}

func (t *Text) GetAttribute(name string) (any, bool) {
	return typeMapGet(&t.AbstractType, name)
}

func (t *Text) GetAttributes() map[string]any {
	return typeMapGetAll(&t.AbstractType)
}

// TextEvent is emitted by Text and XmlText. Its delta describes the change
// including formatting.
type TextEvent struct {
	YEvent
	ChildListChanged bool
	KeysChanged      mapset.Set[string]
}

func newTextEvent(t SharedType, txn *Transaction, changes *keyChanges) *TextEvent {
	return &TextEvent{
		YEvent:           newYEvent(t, txn),
		ChildListChanged: changes.list,
		KeysChanged:      changes.keys.Clone(),
	}
}

// Changes returns the key changes and the rich text delta.
func (e *TextEvent) Changes() *EventChanges {
	if e.changes == nil {
		e.changes = &EventChanges{
			Added:   mapset.NewThreadUnsafeSet[*Item](),
			Deleted: mapset.NewThreadUnsafeSet[*Item](),
			Keys:    e.Keys(),
			Delta:   e.Delta(),
		}
	}
	return e.changes
}

// Delta computes the rich text delta of the change.
func (e *TextEvent) Delta() []DeltaOp {
	if e.delta != nil {
		return e.delta
	}
	target := e.target.base()
	var delta []DeltaOp
	target.doc.transact(func(txn *Transaction) {
		current := Attributes{}
		old := Attributes{}
		attrs := Attributes{}
		action := ""
		var insert strings.Builder
		var insertEmbed any
		retain, deleteLen := 0, 0
		addOp := func() {
			if action == "" {
				return
			}
			var op *DeltaOp
			switch action {
			case ActionDelete:
				if deleteLen > 0 {
					op = &DeltaOp{Delete: deleteLen}
				}
				deleteLen = 0
			case "insert":
				if insertEmbed != nil || insert.Len() > 0 {
					op = &DeltaOp{Insert: insertEmbed}
					if insertEmbed == nil {
						op.Insert = insert.String()
					}
					if len(current) > 0 {
						op.Attributes = Attributes{}
						for k, v := range current {
							if v != nil {
								op.Attributes[k] = v
							}
						}
					}
				}
				insert.Reset()
				insertEmbed = nil
			case "retain":
				if retain > 0 {
					op = &DeltaOp{Retain: retain}
					if len(attrs) > 0 {
						op.Attributes = maps.Clone(attrs)
					}
				}
				retain = 0
			}
			if op != nil {
				delta = append(delta, *op)
			}
			action = ""
		}
		for item := target.start; item != nil; item = item.right {
			switch c := item.content.(type) {
			case *ContentType, *ContentEmbed:
				switch {
				case e.Adds(item):
					if !e.Deletes(item) {
						addOp()
						action = "insert"
						insertEmbed = c.Values()[0]
						addOp()
					}
				case e.Deletes(item):
					if action != ActionDelete {
						addOp()
						action = ActionDelete
					}
					deleteLen++
				case !item.deleted:
					if action != "retain" {
						addOp()
						action = "retain"
					}
					retain++
				}
			case *ContentString:
				switch {
				case e.Adds(item):
					if !e.Deletes(item) {
						if action != "insert" {
							addOp()
							action = "insert"
						}
						insert.WriteString(c.str)
					}
				case e.Deletes(item):
					if action != ActionDelete {
						addOp()
						action = ActionDelete
					}
					deleteLen += item.length
				case !item.deleted:
					if action != "retain" {
						addOp()
						action = "retain"
					}
					retain += item.length
				}
			case *ContentFormat:
				switch {
				case e.Adds(item):
					if !e.Deletes(item) {
						if !equalAttrs(current[c.Key], c.Value) {
							if action == "retain" {
								addOp()
							}
							if equalAttrs(c.Value, old[c.Key]) {
								delete(attrs, c.Key)
							} else {
								attrs[c.Key] = c.Value
							}
						} else if c.Value != nil {
							item.delete(txn)
						}
					}
				case e.Deletes(item):
					old[c.Key] = c.Value
					cur := current[c.Key]
					if !equalAttrs(cur, c.Value) {
						if action == "retain" {
							addOp()
						}
						attrs[c.Key] = cur
					}
				case !item.deleted:
					old[c.Key] = c.Value
					if attr, has := attrs[c.Key]; has {
						if !equalAttrs(attr, c.Value) {
							if action == "retain" {
								addOp()
							}
							if c.Value == nil {
								delete(attrs, c.Key)
							} else {
								attrs[c.Key] = c.Value
							}
						} else if attr != nil {
							item.delete(txn)
						}
					}
				}
				if !item.deleted {
					if action == "insert" {
						addOp()
					}
					updateCurrentAttributes(current, c)
				}
			}
		}
		addOp()
		for len(delta) > 0 {
			last := delta[len(delta)-1]
			if last.Retain > 0 && last.Attributes == nil {
				delta = delta[:len(delta)-1]
			} else {
				break
			}
		}
	}, nil, true)
	if delta == nil {
		delta = []DeltaOp{}
	}
	e.delta = delta
	return delta
}
