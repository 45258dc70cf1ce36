package crdt

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/kevinxiao27/ycrdt/codec"
)

// maxUpdateStructs bounds the number of structs a single update may declare.
// Run length encoded columns can repeat forever, so the count cannot be
// checked against the input size.
const maxUpdateStructs = 1 << 24

func malformed(err error) error {
	if errors.Is(err, ErrMalformedUpdate) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
}

// readStruct decodes one struct of client starting at clock. Parent names
// are kept unresolved so the same reader serves integration and merging.
func readStruct(dec updateDecoder, client uint64, clock int) Struct {
	info := dec.readInfo()
	id := ID{client, clock}
	switch info & 0x1f {
	case structGCRef:
		n := dec.readLen()
		if n <= 0 {
			dec.fail(fmt.Errorf("%w: empty gc at %s", ErrMalformedUpdate, id))
		}
		return newGC(id, n)
	case structSkipRef:
		n := int(dec.rest().ReadVarUint())
		if n <= 0 {
			dec.fail(fmt.Errorf("%w: empty skip at %s", ErrMalformedUpdate, id))
		}
		return newSkip(id, n)
	}
	it := &Item{}
	it.id = id
	if info&infoHasOrigin != 0 {
		o := dec.readLeftID()
		it.origin = &o
	}
	if info&infoHasRightOrigin != 0 {
		r := dec.readRightID()
		it.rightOrigin = &r
	}
	if info&(infoHasOrigin|infoHasRightOrigin) == 0 {
		if dec.readParentInfo() {
			name := dec.readString()
			it.parentName = &name
		} else {
			p := dec.readLeftID()
			it.parentID = &p
		}
		if info&infoHasParentSub != 0 {
			sub := dec.readString()
			it.parentSub = &sub
		}
	}
	it.content = readItemContent(dec, info)
	it.length = it.content.Len()
	if dec.err() != nil {
		return it
	}
	if it.length <= 0 {
		dec.fail(fmt.Errorf("%w: empty item at %s", ErrMalformedUpdate, id))
	}
	for _, ref := range []*ID{it.origin, it.rightOrigin, it.parentID} {
		if ref != nil && ref.Client == client && ref.Clock >= clock {
			dec.fail(fmt.Errorf("%w: item %s references %s which cannot precede it", ErrMalformedUpdate, id, ref))
		}
	}
	return it
}

// clientRefs are the decoded structs of one client, consumed from i.
type clientRefs struct {
	i    int
	refs []Struct
}

func readClientsStructRefs(dec updateDecoder) map[uint64]*clientRefs {
	out := map[uint64]*clientRefs{}
	rest := dec.rest()
	numClients := int(rest.ReadVarUint())
	total := 0
	for i := 0; i < numClients && dec.err() == nil; i++ {
		n := rest.ReadVarUint()
		client := dec.readClient()
		clock := int(rest.ReadVarUint())
		total += int(n)
		if n > maxUpdateStructs || total > maxUpdateStructs {
			dec.fail(fmt.Errorf("%w: too many structs", ErrMalformedUpdate))
			break
		}
		if _, dup := out[client]; dup {
			dec.fail(fmt.Errorf("%w: client %d listed twice", ErrMalformedUpdate, client))
			break
		}
		cr := &clientRefs{refs: make([]Struct, 0, min(int(n), 1024))}
		for j := 0; j < int(n) && dec.err() == nil; j++ {
			s := readStruct(dec, client, clock)
			cr.refs = append(cr.refs, s)
			clock += s.Len()
		}
		out[client] = cr
	}
	return out
}

// integrateStructs integrates as many refs as possible. Structs whose
// dependencies are missing are returned as a v2 update together with the
// lowest missing clock per client.
func integrateStructs(txn *Transaction, store *StructStore, clientsRefs map[uint64]*clientRefs) *pendingUpdate {
	var stack []Struct
	ids := slices.Sorted(maps.Keys(clientsRefs))
	if len(ids) == 0 {
		return nil
	}
	nextTarget := func() *clientRefs {
		for len(ids) > 0 {
			t := clientsRefs[ids[len(ids)-1]]
			if t != nil && t.i < len(t.refs) {
				return t
			}
			ids = ids[:len(ids)-1]
		}
		return nil
	}
	cur := nextTarget()
	if cur == nil {
		return nil
	}
	restStructs := newStructStore()
	missingSV := StateVector{}
	updateMissingSV := func(client uint64, clock int) {
		if m, ok := missingSV[client]; !ok || m > clock {
			missingSV[client] = clock
		}
	}
	head := cur.refs[cur.i]
	cur.i++
	state := map[uint64]int{}
	addStackToRest := func() {
		for _, s := range stack {
			client := s.ID().Client
			if inapplicable, ok := clientsRefs[client]; ok {
				inapplicable.i--
				restStructs.clients[client] = &clientStructs{structs: slices.Clone(inapplicable.refs[inapplicable.i:])}
				delete(clientsRefs, client)
				inapplicable.i = 0
				inapplicable.refs = nil
			} else {
				restStructs.clients[client] = &clientStructs{structs: []Struct{s}}
			}
			ids = slices.DeleteFunc(ids, func(c uint64) bool { return c == client })
		}
		stack = stack[:0]
	}

	for {
		if _, skip := head.(*Skip); !skip {
			client := head.ID().Client
			localClock, ok := state[client]
			if !ok {
				localClock = store.getState(client)
				state[client] = localClock
			}
			offset := localClock - head.ID().Clock
			if offset < 0 {
				stack = append(stack, head)
				updateMissingSV(client, head.ID().Clock-1)
				addStackToRest()
			} else if missing, isMissing := head.getMissing(txn, store); isMissing {
				stack = append(stack, head)
				refs := clientsRefs[missing]
				if refs == nil || refs.i == len(refs.refs) {
					updateMissingSV(missing, store.getState(missing))
					addStackToRest()
				} else {
					head = refs.refs[refs.i]
					refs.i++
					continue
				}
			} else if offset == 0 || offset < head.Len() {
				head.integrate(txn, offset)
				state[client] = head.ID().Clock + head.Len()
			}
		}
		switch {
		case len(stack) > 0:
			head = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case cur != nil && cur.i < len(cur.refs):
			head = cur.refs[cur.i]
			cur.i++
		default:
			cur = nextTarget()
			if cur == nil {
				if len(restStructs.clients) == 0 {
					return nil
				}
				enc := newUpdateEncoderV2()
				writeClientsStructs(enc, restStructs, StateVector{})
				enc.rest().WriteVarUint(0)
				return &pendingUpdate{missing: missingSV, update: enc.toBytes()}
			}
			head = cur.refs[cur.i]
			cur.i++
		}
	}
}

func writeStructs(enc updateEncoder, structs []Struct, client uint64, clock int) {
	clock = max(clock, structs[0].ID().Clock)
	start := findIndexSS(structs, clock)
	rest := enc.rest()
	rest.WriteVarUint(uint64(len(structs) - start))
	enc.writeClient(client)
	rest.WriteVarUint(uint64(clock))
	first := structs[start]
	first.write(enc, clock-first.ID().Clock)
	for _, s := range structs[start+1:] {
		s.write(enc, 0)
	}
}

// writeClientsStructs writes every struct the holder of sv is missing,
// clients in descending order.
func writeClientsStructs(enc updateEncoder, store *StructStore, sv StateVector) {
	sm := map[uint64]int{}
	for client, clock := range sv {
		if store.getState(client) > clock {
			sm[client] = clock
		}
	}
	for client := range store.clients {
		if _, ok := sv[client]; !ok {
			sm[client] = 0
		}
	}
	enc.rest().WriteVarUint(uint64(len(sm)))
	clients := slices.Sorted(maps.Keys(sm))
	for i := len(clients) - 1; i >= 0; i-- {
		client := clients[i]
		writeStructs(enc, store.clients[client].structs, client, sm[client])
	}
}

func applyUpdate(doc *Doc, update []byte, origin any, format updateFormat) error {
	dec := format.newDecoder(update)
	refs := readClientsStructRefs(dec)
	ds := readDeleteSet(dec)
	if err := dec.err(); err != nil {
		return malformed(err)
	}
	doc.transact(func(txn *Transaction) {
		store := doc.store
		retry := false
		rest := integrateStructs(txn, store, refs)
		if pending := store.pendingStructs; pending != nil {
			for client, clock := range pending.missing {
				if clock < store.getState(client) {
					retry = true
					break
				}
			}
			if rest != nil {
				for client, clock := range rest.missing {
					if m, ok := pending.missing[client]; !ok || m > clock {
						pending.missing[client] = clock
					}
				}
				merged, err := MergeUpdatesV2([][]byte{pending.update, rest.update})
				if err != nil {
					unexpectedCase("merge of pending structs: %v", err)
				}
				pending.update = merged
			}
		} else {
			store.pendingStructs = rest
		}

		dsRest := applyDeleteSet(txn, ds)
		if pendingDs := store.pendingDs; pendingDs != nil {
			dsRest2 := applyDeleteSet(txn, pendingDs)
			switch {
			case dsRest != nil && dsRest2 != nil:
				store.pendingDs = MergeDeleteSets(dsRest, dsRest2)
			case dsRest != nil:
				store.pendingDs = dsRest
			default:
				store.pendingDs = dsRest2
			}
		} else {
			store.pendingDs = dsRest
		}

		if store.pendingStructs != nil || store.pendingDs != nil {
			ev := doc.log.Debug()
			if store.pendingStructs != nil {
				ev = ev.Interface("missing", store.pendingStructs.missing)
			}
			ev.Bool("pendingDeletes", store.pendingDs != nil).Msg("update has unmet dependencies")
		}

		if retry {
			pending := store.pendingStructs.update
			store.pendingStructs = nil
			if err := applyUpdate(doc, pending, origin, formatV2); err != nil {
				unexpectedCase("apply of pending structs: %v", err)
			}
		}
	}, origin, false)
	return nil
}

// ApplyUpdate applies a v1 encoded update. The update is fully decoded
// before the document is touched, so a malformed update leaves doc
// unchanged.
func ApplyUpdate(doc *Doc, update []byte, origin any) error {
	return applyUpdate(doc, update, origin, formatV1)
}

// ApplyUpdateV2 applies a v2 encoded update.
func ApplyUpdateV2(doc *Doc, update []byte, origin any) error {
	return applyUpdate(doc, update, origin, formatV2)
}

// encodeDeleteSetUpdate encodes ds as an update without structs.
func encodeDeleteSetUpdate(ds *DeleteSet, format updateFormat) []byte {
	enc := format.newEncoder()
	enc.rest().WriteVarUint(0)
	writeDeleteSet(enc, ds)
	return enc.toBytes()
}

func encodeStateAsUpdate(doc *Doc, encodedSV []byte, format updateFormat) ([]byte, error) {
	sv := StateVector{}
	if len(encodedSV) > 0 {
		var err error
		if sv, err = DecodeStateVector(encodedSV); err != nil {
			return nil, err
		}
	}
	store := doc.store
	enc := format.newEncoder()
	writeClientsStructs(enc, store, sv)
	writeDeleteSet(enc, createDeleteSetFromStructStore(store))
	updates := [][]byte{enc.toBytes()}
	if store.pendingDs != nil {
		updates = append(updates, encodeDeleteSetUpdate(store.pendingDs, formatV2))
	}
	if store.pendingStructs != nil {
		diff, err := DiffUpdateV2(store.pendingStructs.update, encodedSV)
		if err != nil {
			return nil, err
		}
		updates = append(updates, diff)
	}
	if len(updates) == 1 {
		return updates[0], nil
	}
	if format == formatV2 {
		return MergeUpdatesV2(updates)
	}
	for i := 1; i < len(updates); i++ {
		v1, err := ConvertUpdateFormatV2ToV1(updates[i])
		if err != nil {
			return nil, err
		}
		updates[i] = v1
	}
	return MergeUpdates(updates)
}

// EncodeStateAsUpdate encodes everything doc holds that a peer with the
// encoded state vector sv lacks. A nil sv encodes the whole document.
func EncodeStateAsUpdate(doc *Doc, sv []byte) ([]byte, error) {
	return encodeStateAsUpdate(doc, sv, formatV1)
}

func EncodeStateAsUpdateV2(doc *Doc, sv []byte) ([]byte, error) {
	return encodeStateAsUpdate(doc, sv, formatV2)
}

func writeStateVector(enc *codec.Encoder, sv StateVector) {
	clients := slices.Sorted(maps.Keys(sv))
	enc.WriteVarUint(uint64(len(clients)))
	for i := len(clients) - 1; i >= 0; i-- {
		enc.WriteVarUint(clients[i])
		enc.WriteVarUint(uint64(sv[clients[i]]))
	}
}

func readStateVector(dec *codec.Decoder) StateVector {
	sv := StateVector{}
	n := int(dec.ReadVarUint())
	for i := 0; i < n && dec.Err() == nil; i++ {
		client := dec.ReadVarUint()
		sv[client] = int(dec.ReadVarUint())
	}
	return sv
}

// EncodeStateVector encodes the state vector of doc.
func EncodeStateVector(doc *Doc) []byte {
	return EncodeStateVectorFrom(doc.store.StateVector())
}

// EncodeStateVectorFrom encodes sv, clients in descending order.
func EncodeStateVectorFrom(sv StateVector) []byte {
	enc := codec.NewEncoder()
	writeStateVector(enc, sv)
	return enc.Bytes()
}

func DecodeStateVector(b []byte) (StateVector, error) {
	dec := codec.NewDecoder(b)
	sv := readStateVector(dec)
	if err := dec.Err(); err != nil {
		return nil, malformed(err)
	}
	return sv, nil
}
