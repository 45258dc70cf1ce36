package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/kevinxiao27/ycrdt/codec"
)

// RelativePosition identifies a position inside a type by the item it
// sticks to rather than by index, so it stays valid under concurrent edits.
//
// With Assoc >= 0 the position sticks to the character right of it, with
// Assoc < 0 to the one left of it. Exactly one of Item, TName and Type is
// needed: Item is preferred, TName names a root type and Type is the id of
// the item embedding a nested type.
type RelativePosition struct {
	Type  *ID     `json:"type,omitempty"`
	TName *string `json:"tname,omitempty"`
	Item  *ID     `json:"item,omitempty"`
	Assoc int     `json:"assoc"`
}

// AbsolutePosition is a resolved index into a type.
type AbsolutePosition struct {
	Type  SharedType
	Index int
	Assoc int
}

func newRelativePosition(t SharedType, item *ID, assoc int) *RelativePosition {
	rpos := &RelativePosition{Item: item, Assoc: assoc}
	if it := t.base().item; it == nil {
		name := findRootTypeKey(t)
		rpos.TName = &name
	} else {
		rpos.Type = idPtr(it.id.Client, it.id.Clock)
	}
	return rpos
}

// CreateRelativePositionFromTypeIndex returns the relative position of
// index in t.
func CreateRelativePositionFromTypeIndex(t SharedType, index, assoc int) *RelativePosition {
	if assoc < 0 {
		if index == 0 {
			return newRelativePosition(t, nil, assoc)
		}
		index--
	}
	for n := t.base().start; n != nil; n = n.right {
		if !n.deleted && n.Countable() {
			if n.length > index {
				return newRelativePosition(t, idPtr(n.id.Client, n.id.Clock+index), assoc)
			}
			index -= n.length
		}
		if n.right == nil && assoc < 0 {
			last := n.LastID()
			return newRelativePosition(t, &last, assoc)
		}
	}
	return newRelativePosition(t, nil, assoc)
}

// ToAbsolutePosition resolves rpos in doc. It returns nil if the position
// references content doc has not received. With followUndone, positions in
// content that was deleted and restored by undo follow the restored copy.
func ToAbsolutePosition(rpos *RelativePosition, doc *Doc, followUndone bool) *AbsolutePosition {
	store := doc.store
	var t SharedType
	index := 0
	switch {
	case rpos.Item != nil:
		id := *rpos.Item
		if store.getState(id.Client) <= id.Clock {
			return nil
		}
		var s Struct
		diff := 0
		if followUndone {
			s, diff = followRedone(store, id)
		} else {
			s = store.find(id)
		}
		right, ok := s.(*Item)
		if !ok {
			return nil
		}
		t = right.parent
		if pi := t.base().item; pi == nil || !pi.deleted {
			if !right.deleted && right.Countable() {
				index = diff
				if rpos.Assoc < 0 {
					index++
				}
			}
			for n := right.left; n != nil; n = n.left {
				if !n.deleted && n.Countable() {
					index += n.length
				}
			}
		}
	case rpos.TName != nil:
		t = doc.Get(*rpos.TName)
		if rpos.Assoc >= 0 {
			index = t.base().length
		}
	case rpos.Type != nil:
		id := *rpos.Type
		if store.getState(id.Client) <= id.Clock {
			return nil
		}
		var s Struct
		if followUndone {
			s, _ = followRedone(store, id)
		} else {
			s = store.find(id)
		}
		it, ok := s.(*Item)
		if !ok {
			return nil
		}
		ct, ok := it.content.(*ContentType)
		if !ok {
			return nil
		}
		t = ct.Type
		if rpos.Assoc >= 0 {
			index = t.base().length
		}
	default:
		return nil
	}
	return &AbsolutePosition{Type: t, Index: index, Assoc: rpos.Assoc}
}

// CompareRelativePositions reports whether a and b denote the same position.
func CompareRelativePositions(a, b *RelativePosition) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	sameName := (a.TName == nil && b.TName == nil) || (a.TName != nil && b.TName != nil && *a.TName == *b.TName)
	return sameName && compareIDs(a.Item, b.Item) && compareIDs(a.Type, b.Type) && a.Assoc == b.Assoc
}

const (
	rposItem  = 0
	rposTName = 1
	rposType  = 2
)

func EncodeRelativePosition(rpos *RelativePosition) ([]byte, error) {
	enc := codec.NewEncoder()
	switch {
	case rpos.Item != nil:
		enc.WriteVarUint(rposItem)
		writeID(enc, *rpos.Item)
	case rpos.TName != nil:
		enc.WriteUint8(rposTName)
		enc.WriteVarString(*rpos.TName)
	case rpos.Type != nil:
		enc.WriteUint8(rposType)
		writeID(enc, *rpos.Type)
	default:
		return nil, fmt.Errorf("%w: empty relative position", ErrUnexpectedContent)
	}
	enc.WriteVarInt(int64(rpos.Assoc))
	return enc.Bytes(), nil
}

func DecodeRelativePosition(b []byte) (*RelativePosition, error) {
	dec := codec.NewDecoder(b)
	rpos := &RelativePosition{}
	switch tag := dec.ReadVarUint(); tag {
	case rposItem:
		id := readID(dec)
		rpos.Item = &id
	case rposTName:
		name := dec.ReadVarString()
		rpos.TName = &name
	case rposType:
		id := readID(dec)
		rpos.Type = &id
	default:
		if dec.Err() == nil {
			return nil, fmt.Errorf("%w: relative position tag %d", ErrMalformedUpdate, tag)
		}
	}
	if dec.Err() == nil && dec.HasContent() {
		rpos.Assoc = int(dec.ReadVarInt())
	}
	if err := dec.Err(); err != nil {
		return nil, malformed(err)
	}
	return rpos, nil
}

// RelativePositionFromJSON parses the JSON form produced by marshaling a
// RelativePosition.
func RelativePositionFromJSON(b []byte) (*RelativePosition, error) {
	var rpos RelativePosition
	if err := json.Unmarshal(b, &rpos); err != nil {
		return nil, err
	}
	if rpos.Item == nil && rpos.TName == nil && rpos.Type == nil {
		return nil, fmt.Errorf("%w: empty relative position", ErrUnexpectedContent)
	}
	return &rpos, nil
}
