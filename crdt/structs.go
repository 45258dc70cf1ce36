package crdt

const (
	structGCRef   = 0
	structSkipRef = 10
)

// Struct is a unit of the struct log covering the clock range
// [ID().Clock, ID().Clock+Len()) of one client. It is one of *GC, *Skip or
// *Item.
type Struct interface {
	ID() ID
	Len() int
	Deleted() bool

	setLen(n int)
	mergeWith(right Struct) bool
	write(enc updateEncoder, offset int)
	integrate(txn *Transaction, offset int)
	// getMissing returns the client whose state must advance before this
	// struct can be integrated, or false if all dependencies are present.
	getMissing(txn *Transaction, store *StructStore) (uint64, bool)
}

type structBase struct {
	id     ID
	length int
}

func (s *structBase) ID() ID {
	return s.id
}

func (s *structBase) Len() int {
	return s.length
}

func (s *structBase) setLen(n int) {
	s.length = n
}

// GC is a garbage collected range. It keeps its place in the log but carries
// no content.
type GC struct {
	structBase
}

func newGC(id ID, length int) *GC {
	return &GC{structBase{id: id, length: length}}
}

func (gc *GC) Deleted() bool {
	return true
}

func (gc *GC) mergeWith(right Struct) bool {
	r, ok := right.(*GC)
	if !ok {
		return false
	}
	gc.length += r.length
	return true
}

func (gc *GC) integrate(txn *Transaction, offset int) {
	if offset > 0 {
		gc.id.Clock += offset
		gc.length -= offset
	}
	txn.Doc.store.addStruct(gc)
}

func (gc *GC) write(enc updateEncoder, offset int) {
	enc.writeInfo(structGCRef)
	enc.writeLen(gc.length - offset)
}

func (gc *GC) getMissing(*Transaction, *StructStore) (uint64, bool) {
	return 0, false
}

// Skip marks a clock range an update does not contain. It only exists inside
// merged updates and is never integrated.
type Skip struct {
	structBase
}

func newSkip(id ID, length int) *Skip {
	return &Skip{structBase{id: id, length: length}}
}

func (s *Skip) Deleted() bool {
	return true
}

func (s *Skip) mergeWith(right Struct) bool {
	r, ok := right.(*Skip)
	if !ok {
		return false
	}
	s.length += r.length
	return true
}

func (s *Skip) integrate(*Transaction, int) {
	unexpectedCase("skip structs cannot be integrated")
}

func (s *Skip) write(enc updateEncoder, offset int) {
	enc.writeInfo(structSkipRef)
	enc.rest().WriteVarUint(uint64(s.length - offset))
}

func (s *Skip) getMissing(*Transaction, *StructStore) (uint64, bool) {
	return 0, false
}

// sliceStruct returns the part of s starting diff clocks in. The content of
// an Item is split destructively.
func sliceStruct(s Struct, diff int) Struct {
	id := s.ID()
	switch v := s.(type) {
	case *GC:
		return newGC(ID{id.Client, id.Clock + diff}, v.length-diff)
	case *Skip:
		return newSkip(ID{id.Client, id.Clock + diff}, v.length-diff)
	case *Item:
		it := &Item{
			origin:      idPtr(id.Client, id.Clock+diff-1),
			rightOrigin: v.rightOrigin,
			parent:      v.parent,
			parentID:    v.parentID,
			parentName:  v.parentName,
			parentSub:   v.parentSub,
			content:     v.content.splice(diff),
		}
		it.id = ID{id.Client, id.Clock + diff}
		it.length = it.content.Len()
		return it
	}
	unexpectedCase("unknown struct %T", s)
	return nil
}
