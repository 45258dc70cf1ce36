package crdt

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Info byte flags of an encoded item.
const (
	infoHasParentSub   = 0x20
	infoHasRightOrigin = 0x40
	infoHasOrigin      = 0x80
)

// Item is a unit of content in the struct log. Items are threaded into a
// doubly linked list per parent type; deleted items stay in the list as
// tombstones until garbage collection replaces their content.
type Item struct {
	structBase

	// left and right are the current neighbors in the parent's list.
	left  *Item
	right *Item
	// origin and rightOrigin are the neighbors at creation time. They never
	// change after integration.
	origin      *ID
	rightOrigin *ID

	// parent is the owning type once resolved. While an item is decoded
	// and not yet integrated, the parent may only be known by the id of the
	// item embedding it (parentID) or by its root name (parentName).
	parent     SharedType
	parentID   *ID
	parentName *string
	// parentSub is the map key for map entries and nil for list content.
	parentSub *string

	content Content
	// redone is the id of the item created when this one was redone.
	redone *ID

	deleted bool
	keep    bool
	marker  bool
}

func newItem(id ID, left *Item, origin *ID, right *Item, rightOrigin *ID, parent SharedType, parentSub *string, content Content) *Item {
	it := &Item{
		left:        left,
		right:       right,
		origin:      origin,
		rightOrigin: rightOrigin,
		parent:      parent,
		parentSub:   parentSub,
		content:     content,
	}
	it.id = id
	it.length = content.Len()
	return it
}

// newLocalItem creates an item between left and right, deriving origins from
// the neighbors.
func newLocalItem(id ID, left, right *Item, parent SharedType, parentSub *string, content Content) *Item {
	var origin, rightOrigin *ID
	if left != nil {
		l := left.LastID()
		origin = &l
	}
	if right != nil {
		r := right.id
		rightOrigin = &r
	}
	return newItem(id, left, origin, right, rightOrigin, parent, parentSub, content)
}

func (it *Item) Deleted() bool { return it.deleted }

func (it *Item) Content() Content { return it.content }

func (it *Item) Parent() SharedType { return it.parent }

// Key returns the map key of the item and whether it has one.
func (it *Item) Key() (string, bool) {
	if it.parentSub == nil {
		return "", false
	}
	return *it.parentSub, true
}

func (it *Item) Countable() bool { return it.content.Countable() }

func (it *Item) Keep() bool { return it.keep }

// LastID is the id of the last clock tick covered by the item.
func (it *Item) LastID() ID {
	if it.length == 1 {
		return it.id
	}
	return ID{it.id.Client, it.id.Clock + it.length - 1}
}

func (it *Item) String() string {
	return fmt.Sprintf("Item(%s, len=%d, deleted=%v)", it.id, it.length, it.deleted)
}

// next returns the next non-deleted item.
func (it *Item) next() *Item {
	n := it.right
	for n != nil && n.deleted {
		n = n.right
	}
	return n
}

// prev returns the previous non-deleted item.
func (it *Item) prev() *Item {
	n := it.left
	for n != nil && n.deleted {
		n = n.left
	}
	return n
}

func (it *Item) markDeleted() {
	it.deleted = true
}

// getMissing resolves origin, rightOrigin and parent against the store. It
// returns the client whose state is too low if a dependency is not yet
// available.
func (it *Item) getMissing(txn *Transaction, store *StructStore) (uint64, bool) {
	if it.parentName != nil {
		it.parent = txn.Doc.Get(*it.parentName)
		it.parentName = nil
	}
	if it.origin != nil && it.origin.Client != it.id.Client && it.origin.Clock >= store.getState(it.origin.Client) {
		return it.origin.Client, true
	}
	if it.rightOrigin != nil && it.rightOrigin.Client != it.id.Client && it.rightOrigin.Clock >= store.getState(it.rightOrigin.Client) {
		return it.rightOrigin.Client, true
	}
	if it.parentID != nil && it.id.Client != it.parentID.Client && it.parentID.Clock >= store.getState(it.parentID.Client) {
		return it.parentID.Client, true
	}

	var leftGC, rightGC bool
	if it.origin != nil {
		s := store.getItemCleanEnd(txn, *it.origin)
		if left, ok := s.(*Item); ok {
			it.left = left
			l := left.LastID()
			it.origin = &l
		} else {
			leftGC = true
		}
	}
	if it.rightOrigin != nil {
		s := store.getItemCleanStart(txn, *it.rightOrigin)
		if right, ok := s.(*Item); ok {
			it.right = right
			r := right.id
			it.rightOrigin = &r
		} else {
			rightGC = true
		}
	}

	switch {
	case leftGC || rightGC:
		it.parent = nil
		it.parentID = nil
	case it.parent == nil && it.parentID == nil:
		if it.left != nil {
			it.parent = it.left.parent
			it.parentSub = it.left.parentSub
		}
		if it.right != nil {
			it.parent = it.right.parent
			it.parentSub = it.right.parentSub
		}
	case it.parentID != nil:
		parentItem, ok := store.find(*it.parentID).(*Item)
		it.parentID = nil
		if ok {
			if ct, isType := parentItem.content.(*ContentType); isType {
				it.parent = ct.Type
			}
		}
	}
	return 0, false
}

// integrate places the item into its parent using the conflict resolution
// rules below and registers it in the store. offset > 0 integrates only the
// part starting offset ticks in.
func (it *Item) integrate(txn *Transaction, offset int) {
	store := txn.Doc.store
	if offset > 0 {
		it.id.Clock += offset
		left := store.getItemCleanEnd(txn, ID{it.id.Client, it.id.Clock - 1})
		if l, ok := left.(*Item); ok {
			it.left = l
		} else {
			it.left = nil
		}
		lid := left.ID()
		lid.Clock += left.Len() - 1
		it.origin = &lid
		it.content = it.content.splice(offset)
		it.length -= offset
	}

	if it.parent == nil {
		newGC(it.id, it.length).integrate(txn, 0)
		return
	}
	parent := it.parent.base()

	if (it.left == nil && (it.right == nil || it.right.left != nil)) || (it.left != nil && it.left.right != it.right) {
		left := it.left
		var o *Item
		switch {
		case left != nil:
			o = left.right
		case it.parentSub != nil:
			o = parent.dataMap[*it.parentSub]
			for o != nil && o.left != nil {
				o = o.left
			}
		default:
			o = parent.start
		}
		conflicting := mapset.NewThreadUnsafeSet[*Item]()
		beforeOrigin := mapset.NewThreadUnsafeSet[*Item]()
		// o scans all items between the candidate left and the original
		// right neighbor. Items with the same origin are ordered by client
		// id; items whose origin lies in between are skipped over.
		for o != nil && o != it.right {
			beforeOrigin.Add(o)
			conflicting.Add(o)
			if compareIDs(it.origin, o.origin) {
				if o.id.Client < it.id.Client {
					left = o
					conflicting.Clear()
				} else if compareIDs(it.rightOrigin, o.rightOrigin) {
					// same integration points; the client id decides and
					// this item goes first.
					break
				}
			} else if o.origin != nil {
				oo, isItem := store.find(*o.origin).(*Item)
				if isItem && beforeOrigin.Contains(oo) {
					if !conflicting.Contains(oo) {
						left = o
						conflicting.Clear()
					}
				} else {
					break
				}
			} else {
				break
			}
			o = o.right
		}
		it.left = left
	}

	if it.left != nil {
		it.right = it.left.right
		it.left.right = it
	} else {
		var r *Item
		if it.parentSub != nil {
			r = parent.dataMap[*it.parentSub]
			for r != nil && r.left != nil {
				r = r.left
			}
		} else {
			r = parent.start
			parent.start = it
		}
		it.right = r
	}

	if it.right != nil {
		it.right.left = it
	} else if it.parentSub != nil {
		// the newest entry of a map key is always the rightmost one.
		parent.dataMap[*it.parentSub] = it
		if it.left != nil {
			it.left.delete(txn)
		}
	}

	if it.parentSub == nil && it.content.Countable() && !it.deleted {
		parent.length += it.length
	}
	store.addStruct(it)
	it.content.integrate(txn, it)
	txn.addChangedType(it.parent, it.parentSub)
	if (parent.item != nil && parent.item.deleted) || (it.parentSub != nil && it.right != nil) {
		// the parent was deleted or a newer map entry exists.
		it.delete(txn)
	}
}

// delete tombstones the item.
func (it *Item) delete(txn *Transaction) {
	if it.deleted {
		return
	}
	parent := it.parent.base()
	if it.content.Countable() && it.parentSub == nil {
		parent.length -= it.length
	}
	it.markDeleted()
	txn.DeleteSet.add(it.id.Client, it.id.Clock, it.length)
	txn.addChangedType(it.parent, it.parentSub)
	it.content.delete(txn)
}

// gc releases the content of a deleted item. With parentGCd the whole item
// is replaced by a GC struct.
func (it *Item) gc(store *StructStore, parentGCd bool) {
	if !it.deleted {
		unexpectedCase("gc of a live item %s", it.id)
	}
	it.content.gc(store)
	if parentGCd {
		store.replaceStruct(it, newGC(it.id, it.length))
	} else {
		it.content = &ContentDeleted{it.length}
	}
}

// mergeWith appends right to it if both were created consecutively by the
// same client and are still adjacent.
func (it *Item) mergeWith(s Struct) bool {
	right, ok := s.(*Item)
	if !ok {
		return false
	}
	lastID := it.LastID()
	if it.right != right || !compareIDs(right.origin, &lastID) || !compareIDs(it.rightOrigin, right.rightOrigin) ||
		it.id.Client != right.id.Client || it.id.Clock+it.length != right.id.Clock ||
		it.deleted != right.deleted || it.redone != nil || right.redone != nil ||
		it.content.ref() != right.content.ref() {
		return false
	}
	if !it.content.mergeWith(right.content) {
		return false
	}
	if it.parent != nil {
		for _, m := range it.parent.base().markers {
			if m.p == right {
				m.p = it
				if !it.deleted && it.content.Countable() {
					m.index -= it.length
				}
			}
		}
	}
	if right.keep {
		it.keep = true
	}
	it.right = right.right
	if it.right != nil {
		it.right.left = it
	}
	it.length += right.length
	return true
}

func (it *Item) write(enc updateEncoder, offset int) {
	origin := it.origin
	if offset > 0 {
		origin = idPtr(it.id.Client, it.id.Clock+offset-1)
	}
	info := it.content.ref() & 0x1f
	if origin != nil {
		info |= infoHasOrigin
	}
	if it.rightOrigin != nil {
		info |= infoHasRightOrigin
	}
	if it.parentSub != nil {
		info |= infoHasParentSub
	}
	enc.writeInfo(info)
	if origin != nil {
		enc.writeLeftID(*origin)
	}
	if it.rightOrigin != nil {
		enc.writeRightID(*it.rightOrigin)
	}
	if origin == nil && it.rightOrigin == nil {
		switch {
		case it.parent != nil:
			if pItem := it.parent.base().item; pItem == nil {
				enc.writeParentInfo(true)
				enc.writeString(findRootTypeKey(it.parent))
			} else {
				enc.writeParentInfo(false)
				enc.writeLeftID(pItem.id)
			}
		case it.parentName != nil:
			enc.writeParentInfo(true)
			enc.writeString(*it.parentName)
		case it.parentID != nil:
			enc.writeParentInfo(false)
			enc.writeLeftID(*it.parentID)
		default:
			unexpectedCase("item %s has no parent", it.id)
		}
		if it.parentSub != nil {
			enc.writeString(*it.parentSub)
		}
	}
	it.content.write(enc, offset)
}

// splitItem splits left at diff and returns the right half, which is linked
// in after left. The caller inserts it into the store.
func splitItem(txn *Transaction, left *Item, diff int) *Item {
	client, clock := left.id.Client, left.id.Clock
	right := newItem(
		ID{client, clock + diff},
		left,
		idPtr(client, clock+diff-1),
		left.right,
		left.rightOrigin,
		left.parent,
		left.parentSub,
		left.content.splice(diff),
	)
	if left.deleted {
		right.markDeleted()
	}
	if left.keep {
		right.keep = true
	}
	if left.redone != nil {
		right.redone = idPtr(left.redone.Client, left.redone.Clock+diff)
	}
	left.right = right
	if right.right != nil {
		right.right.left = right
	}
	txn.mergeStructs = append(txn.mergeStructs, right)
	if right.parentSub != nil && right.right == nil {
		right.parent.base().dataMap[*right.parentSub] = right
	}
	left.length = diff
	return right
}

// keepItem pins the item and its ancestors against garbage collection.
func keepItem(it *Item, keep bool) {
	for it != nil && it.keep != keep {
		it.keep = keep
		it = it.parent.base().item
	}
}

// isParentOf reports whether parent is an ancestor of child.
func isParentOf(parent SharedType, child *Item) bool {
	for child != nil {
		if child.parent == parent {
			return true
		}
		child = child.parent.base().item
	}
	return false
}

// followRedone walks the redo chain starting at id and returns the item that
// currently holds the content together with the offset into it.
func followRedone(store *StructStore, id ID) (Struct, int) {
	next := &id
	diff := 0
	var s Struct
	for {
		if diff > 0 {
			next = idPtr(next.Client, next.Clock+diff)
		}
		s = store.find(*next)
		diff = next.Clock - s.ID().Clock
		it, ok := s.(*Item)
		if !ok || it.redone == nil {
			return s, diff
		}
		next = it.redone
	}
}
