package crdt

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/kevinxiao27/ycrdt/codec"
)

// lazyStructReader walks the structs of an encoded update one at a time
// without integrating them.
type lazyStructReader struct {
	dec         updateDecoder
	filterSkips bool

	clientsLeft int
	structsLeft int
	total       int
	client      uint64
	clock       int

	curr Struct
}

func newLazyStructReader(dec updateDecoder, filterSkips bool) *lazyStructReader {
	r := &lazyStructReader{dec: dec, filterSkips: filterSkips}
	r.clientsLeft = int(dec.rest().ReadVarUint())
	r.next()
	return r
}

func (r *lazyStructReader) read() Struct {
	for r.structsLeft == 0 {
		if r.clientsLeft <= 0 || r.dec.err() != nil {
			return nil
		}
		r.clientsLeft--
		n := r.dec.rest().ReadVarUint()
		r.client = r.dec.readClient()
		r.clock = int(r.dec.rest().ReadVarUint())
		if n > maxUpdateStructs || r.total+int(n) > maxUpdateStructs {
			r.dec.fail(fmt.Errorf("%w: too many structs", ErrMalformedUpdate))
			return nil
		}
		r.total += int(n)
		r.structsLeft = int(n)
	}
	if r.dec.err() != nil {
		return nil
	}
	r.structsLeft--
	s := readStruct(r.dec, r.client, r.clock)
	if r.dec.err() != nil {
		return nil
	}
	r.clock += s.Len()
	return s
}

// next advances to the next struct and returns it, nil at the end.
func (r *lazyStructReader) next() Struct {
	for {
		r.curr = r.read()
		if _, skip := r.curr.(*Skip); !skip || !r.filterSkips {
			return r.curr
		}
	}
}

type lazyStructPart struct {
	written int
	bytes   []byte
}

// lazyStructWriter writes structs of arbitrary clients in order. Each run
// of one client becomes its own section of the update.
type lazyStructWriter struct {
	currClient uint64
	written    int
	enc        updateEncoder
	parts      []lazyStructPart
}

func newLazyStructWriter(enc updateEncoder) *lazyStructWriter {
	return &lazyStructWriter{enc: enc}
}

func (w *lazyStructWriter) flush() {
	if w.written == 0 {
		return
	}
	w.parts = append(w.parts, lazyStructPart{w.written, w.enc.rest().Bytes()})
	w.enc.setRest(codec.NewEncoder())
	w.written = 0
}

func (w *lazyStructWriter) write(s Struct, offset int) {
	if w.written > 0 && w.currClient != s.ID().Client {
		w.flush()
	}
	if w.written == 0 {
		w.currClient = s.ID().Client
		w.enc.writeClient(w.currClient)
		w.enc.rest().WriteVarUint(uint64(s.ID().Clock + offset))
	}
	s.write(w.enc, offset)
	w.written++
}

func (w *lazyStructWriter) finish() {
	w.flush()
	rest := w.enc.rest()
	rest.WriteVarUint(uint64(len(w.parts)))
	for _, p := range w.parts {
		rest.WriteVarUint(uint64(p.written))
		rest.WriteBytes(p.bytes)
	}
}

type pendingWrite struct {
	s      Struct
	offset int
}

func mergeUpdates(updates [][]byte, format updateFormat) ([]byte, error) {
	if len(updates) == 1 {
		return updates[0], nil
	}
	decoders := make([]updateDecoder, len(updates))
	readers := make([]*lazyStructReader, len(updates))
	for i, u := range updates {
		decoders[i] = format.newDecoder(u)
		readers[i] = newLazyStructReader(decoders[i], true)
	}
	enc := format.newEncoder()
	writer := newLazyStructWriter(enc)
	var currWrite *pendingWrite

	for {
		readers = slices.DeleteFunc(readers, func(r *lazyStructReader) bool { return r.curr == nil })
		if len(readers) == 0 {
			break
		}
		// client descending, clock ascending, skips last
		slices.SortStableFunc(readers, func(a, b *lazyStructReader) int {
			ai, bi := a.curr.ID(), b.curr.ID()
			if ai.Client != bi.Client {
				if ai.Client > bi.Client {
					return -1
				}
				return 1
			}
			if ai.Clock != bi.Clock {
				return ai.Clock - bi.Clock
			}
			_, aSkip := a.curr.(*Skip)
			_, bSkip := b.curr.(*Skip)
			switch {
			case aSkip == bSkip:
				return 0
			case aSkip:
				return 1
			default:
				return -1
			}
		})
		currDecoder := readers[0]
		firstClient := currDecoder.curr.ID().Client

		if currWrite != nil {
			curr := currDecoder.curr
			iterated := false
			wEnd := currWrite.s.ID().Clock + currWrite.s.Len()
			// skip structs the pending write already covers
			for curr != nil && curr.ID().Clock+curr.Len() <= wEnd && curr.ID().Client >= currWrite.s.ID().Client {
				curr = currDecoder.next()
				iterated = true
			}
			if curr == nil || curr.ID().Client != firstClient || (iterated && curr.ID().Clock > wEnd) {
				continue
			}
			if firstClient != currWrite.s.ID().Client {
				writer.write(currWrite.s, currWrite.offset)
				currWrite = &pendingWrite{s: curr}
				currDecoder.next()
			} else if wEnd < curr.ID().Clock {
				// gap between the pending write and curr
				if skip, ok := currWrite.s.(*Skip); ok {
					skip.length = curr.ID().Clock + curr.Len() - skip.id.Clock
				} else {
					writer.write(currWrite.s, currWrite.offset)
					diff := curr.ID().Clock - wEnd
					currWrite = &pendingWrite{s: newSkip(ID{firstClient, wEnd}, diff)}
				}
			} else {
				if diff := wEnd - curr.ID().Clock; diff > 0 {
					if skip, ok := currWrite.s.(*Skip); ok {
						skip.length -= diff
					} else {
						curr = sliceStruct(curr, diff)
					}
				}
				if !currWrite.s.mergeWith(curr) {
					writer.write(currWrite.s, currWrite.offset)
					currWrite = &pendingWrite{s: curr}
					currDecoder.next()
				}
			}
		} else {
			currWrite = &pendingWrite{s: currDecoder.curr}
			currDecoder.next()
		}
		for next := currDecoder.curr; next != nil; next = currDecoder.next() {
			id := next.ID()
			if _, skip := next.(*Skip); skip || id.Client != firstClient || id.Clock != currWrite.s.ID().Clock+currWrite.s.Len() {
				break
			}
			writer.write(currWrite.s, currWrite.offset)
			currWrite = &pendingWrite{s: next}
		}
	}
	if currWrite != nil {
		writer.write(currWrite.s, currWrite.offset)
	}
	writer.finish()

	dss := make([]*DeleteSet, len(decoders))
	for i, dec := range decoders {
		dss[i] = readDeleteSet(dec)
		if err := dec.err(); err != nil {
			return nil, malformed(err)
		}
	}
	writeDeleteSet(enc, MergeDeleteSets(dss...))
	return enc.toBytes(), nil
}

// MergeUpdates merges v1 updates into one update without a document. The
// result applies like the sequence of inputs in any order.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	return mergeUpdates(updates, formatV1)
}

func MergeUpdatesV2(updates [][]byte) ([]byte, error) {
	return mergeUpdates(updates, formatV2)
}

func diffUpdate(update, encodedSV []byte, format updateFormat) ([]byte, error) {
	sv := StateVector{}
	if len(encodedSV) > 0 {
		var err error
		if sv, err = DecodeStateVector(encodedSV); err != nil {
			return nil, err
		}
	}
	enc := format.newEncoder()
	writer := newLazyStructWriter(enc)
	dec := format.newDecoder(update)
	reader := newLazyStructReader(dec, false)
	for reader.curr != nil {
		curr := reader.curr
		client := curr.ID().Client
		svClock := sv[client]
		if _, skip := curr.(*Skip); skip {
			reader.next()
			continue
		}
		if curr.ID().Clock+curr.Len() > svClock {
			writer.write(curr, max(svClock-curr.ID().Clock, 0))
			reader.next()
			for reader.curr != nil && reader.curr.ID().Client == client {
				writer.write(reader.curr, 0)
				reader.next()
			}
		} else {
			for reader.curr != nil && reader.curr.ID().Client == client && reader.curr.ID().Clock+reader.curr.Len() <= svClock {
				reader.next()
			}
		}
	}
	writer.finish()
	ds := readDeleteSet(dec)
	if err := dec.err(); err != nil {
		return nil, malformed(err)
	}
	writeDeleteSet(enc, ds)
	return enc.toBytes(), nil
}

// DiffUpdate returns the part of a v1 update that a peer with the encoded
// state vector sv is missing. Deletions are always kept.
func DiffUpdate(update, sv []byte) ([]byte, error) {
	return diffUpdate(update, sv, formatV1)
}

func DiffUpdateV2(update, sv []byte) ([]byte, error) {
	return diffUpdate(update, sv, formatV2)
}

// UpdateMeta holds the clock range per client that an update covers.
type UpdateMeta struct {
	From StateVector
	To   StateVector
}

func parseUpdateMeta(update []byte, format updateFormat) (UpdateMeta, error) {
	meta := UpdateMeta{From: StateVector{}, To: StateVector{}}
	dec := format.newDecoder(update)
	reader := newLazyStructReader(dec, false)
	curr := reader.curr
	if curr != nil {
		currClient := curr.ID().Client
		currClock := curr.ID().Clock
		meta.From[currClient] = currClock
		for ; curr != nil; curr = reader.next() {
			if currClient != curr.ID().Client {
				meta.To[currClient] = currClock
				meta.From[curr.ID().Client] = curr.ID().Clock
				currClient = curr.ID().Client
			}
			currClock = curr.ID().Clock + curr.Len()
		}
		meta.To[currClient] = currClock
	}
	if err := dec.err(); err != nil {
		return UpdateMeta{}, malformed(err)
	}
	return meta, nil
}

func ParseUpdateMeta(update []byte) (UpdateMeta, error) {
	return parseUpdateMeta(update, formatV1)
}

func ParseUpdateMetaV2(update []byte) (UpdateMeta, error) {
	return parseUpdateMeta(update, formatV2)
}

func stateVectorFromUpdate(update []byte, format updateFormat) (StateVector, error) {
	sv := StateVector{}
	dec := format.newDecoder(update)
	reader := newLazyStructReader(dec, false)
	curr := reader.curr
	if curr != nil {
		currClient := curr.ID().Client
		stopCounting := curr.ID().Clock != 0
		currClock := 0
		for ; curr != nil; curr = reader.next() {
			if currClient != curr.ID().Client {
				if currClock != 0 {
					sv[currClient] = currClock
				}
				currClient = curr.ID().Client
				currClock = 0
				stopCounting = curr.ID().Clock != 0
			}
			if _, skip := curr.(*Skip); skip {
				stopCounting = true
			}
			if !stopCounting {
				currClock = curr.ID().Clock + curr.Len()
			}
		}
		if currClock != 0 {
			sv[currClient] = currClock
		}
	}
	if err := dec.err(); err != nil {
		return nil, malformed(err)
	}
	return sv, nil
}

// EncodeStateVectorFromUpdate computes the encoded state vector a document
// would have after applying only update. Clients whose structs do not start
// at clock zero or contain gaps count up to the first gap.
func EncodeStateVectorFromUpdate(update []byte) ([]byte, error) {
	sv, err := stateVectorFromUpdate(update, formatV1)
	if err != nil {
		return nil, err
	}
	return EncodeStateVectorFrom(sv), nil
}

func EncodeStateVectorFromUpdateV2(update []byte) ([]byte, error) {
	sv, err := stateVectorFromUpdate(update, formatV2)
	if err != nil {
		return nil, err
	}
	return EncodeStateVectorFrom(sv), nil
}

func convertUpdateFormat(update []byte, transform func(Struct) Struct, from, to updateFormat) ([]byte, error) {
	dec := from.newDecoder(update)
	reader := newLazyStructReader(dec, false)
	enc := to.newEncoder()
	writer := newLazyStructWriter(enc)
	for curr := reader.curr; curr != nil; curr = reader.next() {
		writer.write(transform(curr), 0)
	}
	writer.finish()
	ds := readDeleteSet(dec)
	if err := dec.err(); err != nil {
		return nil, malformed(err)
	}
	writeDeleteSet(enc, ds)
	return enc.toBytes(), nil
}

func identity(s Struct) Struct { return s }

func ConvertUpdateFormatV1ToV2(update []byte) ([]byte, error) {
	return convertUpdateFormat(update, identity, formatV1, formatV2)
}

func ConvertUpdateFormatV2ToV1(update []byte) ([]byte, error) {
	return convertUpdateFormat(update, identity, formatV2, formatV1)
}

// ObfuscatorOptions selects which parts of an update ObfuscateUpdate
// rewrites besides values and text.
type ObfuscatorOptions struct {
	Formatting bool
	Subdocs    bool
	Xml        bool
}

// DefaultObfuscatorOptions obfuscates everything.
var DefaultObfuscatorOptions = ObfuscatorOptions{Formatting: true, Subdocs: true, Xml: true}

// newObfuscator returns a transform replacing user content with
// placeholders while keeping the structure and lengths intact.
func newObfuscator(opts ObfuscatorOptions) func(Struct) Struct {
	i := 0
	mapKeys := map[string]string{}
	nodeNames := map[string]string{}
	formatKeys := map[string]string{}
	formatValues := map[string]any{}
	cached := func(cache map[string]string, key string, v func() string) string {
		if c, ok := cache[key]; ok {
			return c
		}
		c := v()
		cache[key] = c
		return c
	}
	return func(s Struct) Struct {
		it, ok := s.(*Item)
		if !ok {
			return s
		}
		switch c := it.content.(type) {
		case *ContentDeleted:
		case *ContentType:
			if opts.Xml {
				switch t := c.Type.(type) {
				case *XmlElement:
					t.nodeName = cached(nodeNames, t.nodeName, func() string { return "node-" + strconv.Itoa(i) })
				case *XmlHook:
					t.hookName = cached(nodeNames, t.hookName, func() string { return "hook-" + strconv.Itoa(i) })
				}
			}
		case *ContentAny:
			for j := range c.arr {
				c.arr[j] = i
			}
		case *ContentJSON:
			for j := range c.arr {
				c.arr[j] = i
			}
		case *ContentBinary:
			c.content = []byte{byte(i)}
		case *ContentDoc:
			if opts.Subdocs {
				c.opts = map[string]any{}
				c.doc.GUID = strconv.Itoa(i)
			}
		case *ContentEmbed:
			c.embed = map[string]any{}
		case *ContentFormat:
			if opts.Formatting {
				c.Key = cached(formatKeys, c.Key, func() string { return strconv.Itoa(i) })
				if c.Value != nil {
					b, _ := json.Marshal(c.Value)
					v, ok := formatValues[string(b)]
					if !ok {
						v = map[string]any{"i": i}
						formatValues[string(b)] = v
					}
					c.Value = v
				}
			}
		case *ContentString:
			it.content = newContentString(strings.Repeat(strconv.Itoa(i%10), c.n))
		default:
			unexpectedCase("obfuscation of %T", c)
		}
		if it.parentSub != nil {
			sub := cached(mapKeys, *it.parentSub, func() string { return strconv.Itoa(i) })
			it.parentSub = &sub
		}
		i++
		return it
	}
}

// ObfuscateUpdate replaces the content of a v1 update with placeholders so
// it can be shared for debugging. Structure, lengths and conflicts are kept.
func ObfuscateUpdate(update []byte, opts ObfuscatorOptions) ([]byte, error) {
	return convertUpdateFormat(update, newObfuscator(opts), formatV1, formatV1)
}

func ObfuscateUpdateV2(update []byte, opts ObfuscatorOptions) ([]byte, error) {
	return convertUpdateFormat(update, newObfuscator(opts), formatV2, formatV2)
}
