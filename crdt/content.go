package crdt

import (
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/kevinxiao27/ycrdt/codec"
)

// Wire tags of the content variants. They occupy the low five bits of an
// item's info byte.
const (
	contentDeletedRef = 1
	contentJSONRef    = 2
	contentBinaryRef  = 3
	contentStringRef  = 4
	contentEmbedRef   = 5
	contentFormatRef  = 6
	contentTypeRef    = 7
	contentAnyRef     = 8
	contentDocRef     = 9
)

// Content is the payload of an Item.
type Content interface {
	// Len is the number of clock ticks the content occupies.
	Len() int
	// Countable reports whether the content contributes to the length of
	// its parent.
	Countable() bool
	// Values materializes the content, one value per clock tick.
	Values() []any

	ref() uint8
	copy() Content
	// splice truncates the content to offset and returns the remainder.
	splice(offset int) Content
	mergeWith(right Content) bool
	integrate(txn *Transaction, item *Item)
	delete(txn *Transaction)
	gc(store *StructStore)
	write(enc updateEncoder, offset int)
}

// ContentDeleted replaces the content of a deleted item once it has been
// garbage collected.
type ContentDeleted struct {
	length int
}

func (c *ContentDeleted) Len() int        { return c.length }
func (c *ContentDeleted) Countable() bool { return false }
func (c *ContentDeleted) Values() []any   { return nil }
func (c *ContentDeleted) ref() uint8      { return contentDeletedRef }
func (c *ContentDeleted) copy() Content   { return &ContentDeleted{c.length} }

func (c *ContentDeleted) splice(offset int) Content {
	right := &ContentDeleted{c.length - offset}
	c.length = offset
	return right
}

func (c *ContentDeleted) mergeWith(right Content) bool {
	c.length += right.(*ContentDeleted).length
	return true
}

func (c *ContentDeleted) integrate(txn *Transaction, item *Item) {
	txn.DeleteSet.add(item.id.Client, item.id.Clock, c.length)
	item.markDeleted()
}

func (c *ContentDeleted) delete(*Transaction) {}
func (c *ContentDeleted) gc(*StructStore)     {}

func (c *ContentDeleted) write(enc updateEncoder, offset int) {
	enc.writeLen(c.length - offset)
}

// ContentJSON is a legacy variant that stores every value as a JSON string.
type ContentJSON struct {
	arr []any
}

func (c *ContentJSON) Len() int        { return len(c.arr) }
func (c *ContentJSON) Countable() bool { return true }
func (c *ContentJSON) Values() []any   { return c.arr }
func (c *ContentJSON) ref() uint8      { return contentJSONRef }
func (c *ContentJSON) copy() Content   { return &ContentJSON{append([]any(nil), c.arr...)} }

func (c *ContentJSON) splice(offset int) Content {
	right := &ContentJSON{append([]any(nil), c.arr[offset:]...)}
	c.arr = c.arr[:offset:offset]
	return right
}

func (c *ContentJSON) mergeWith(right Content) bool {
	c.arr = append(c.arr, right.(*ContentJSON).arr...)
	return true
}

func (c *ContentJSON) integrate(*Transaction, *Item) {}
func (c *ContentJSON) delete(*Transaction)           {}
func (c *ContentJSON) gc(*StructStore)               {}

func (c *ContentJSON) write(enc updateEncoder, offset int) {
	enc.writeLen(len(c.arr) - offset)
	for _, v := range c.arr[offset:] {
		if v == nil {
			enc.writeString("undefined")
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Errorf("%w: %v", ErrUnexpectedContent, err))
		}
		enc.writeString(string(b))
	}
}

// ContentBinary holds a single opaque byte blob.
type ContentBinary struct {
	content []byte
}

func (c *ContentBinary) Len() int        { return 1 }
func (c *ContentBinary) Countable() bool { return true }
func (c *ContentBinary) Values() []any   { return []any{c.content} }
func (c *ContentBinary) ref() uint8      { return contentBinaryRef }
func (c *ContentBinary) copy() Content   { return &ContentBinary{c.content} }

func (c *ContentBinary) splice(int) Content {
	unexpectedCase("binary content cannot be split")
	return nil
}

func (c *ContentBinary) mergeWith(Content) bool         { return false }
func (c *ContentBinary) integrate(*Transaction, *Item)  {}
func (c *ContentBinary) delete(*Transaction)            {}
func (c *ContentBinary) gc(*StructStore)                {}
func (c *ContentBinary) write(enc updateEncoder, _ int) { enc.writeBuf(c.content) }

// ContentString is a run of text. Offsets and lengths count UTF-16 code
// units so clocks match other Yjs implementations.
type ContentString struct {
	str string
	n   int
}

func newContentString(s string) *ContentString {
	return &ContentString{str: s, n: codec.UTF16Len(s)}
}

func (c *ContentString) Len() int        { return c.n }
func (c *ContentString) Countable() bool { return true }
func (c *ContentString) ref() uint8      { return contentStringRef }
func (c *ContentString) copy() Content   { return &ContentString{c.str, c.n} }

// String returns the text held by the content.
func (c *ContentString) String() string {
	return c.str
}

// Values holds one entry per code unit. The second unit of a surrogate pair
// is the empty string.
func (c *ContentString) Values() []any {
	out := make([]any, 0, c.n)
	for _, r := range c.str {
		out = append(out, string(r))
		if utf16.RuneLen(r) == 2 {
			out = append(out, "")
		}
	}
	return out
}

// splice splits at a code unit offset. A surrogate pair cut in half becomes
// U+FFFD on both sides.
func (c *ContentString) splice(offset int) Content {
	left, right := splitUTF16(c.str, offset)
	r := &ContentString{str: right, n: c.n - offset}
	c.str = left
	c.n = offset
	return r
}

func (c *ContentString) mergeWith(right Content) bool {
	r := right.(*ContentString)
	c.str += r.str
	c.n += r.n
	return true
}

func (c *ContentString) integrate(*Transaction, *Item) {}
func (c *ContentString) delete(*Transaction)           {}
func (c *ContentString) gc(*StructStore)               {}

func (c *ContentString) write(enc updateEncoder, offset int) {
	if offset == 0 {
		enc.writeString(c.str)
		return
	}
	_, right := splitUTF16(c.str, offset)
	enc.writeString(right)
}

func splitUTF16(s string, offset int) (string, string) {
	i, split := codec.UTF16Offset(s, offset)
	if !split {
		return s[:i], s[i:]
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return s[:i] + "\uFFFD", "\uFFFD" + s[i+size:]
}

// ContentEmbed is a single opaque JSON-like value embedded in text.
type ContentEmbed struct {
	embed any
}

func (c *ContentEmbed) Len() int        { return 1 }
func (c *ContentEmbed) Countable() bool { return true }
func (c *ContentEmbed) Values() []any   { return []any{c.embed} }
func (c *ContentEmbed) ref() uint8      { return contentEmbedRef }
func (c *ContentEmbed) copy() Content   { return &ContentEmbed{c.embed} }

func (c *ContentEmbed) splice(int) Content {
	unexpectedCase("embed content cannot be split")
	return nil
}

func (c *ContentEmbed) mergeWith(Content) bool         { return false }
func (c *ContentEmbed) integrate(*Transaction, *Item)  {}
func (c *ContentEmbed) delete(*Transaction)            {}
func (c *ContentEmbed) gc(*StructStore)                {}
func (c *ContentEmbed) write(enc updateEncoder, _ int) { enc.writeJSON(c.embed) }

// ContentFormat is a zero-width formatting marker inside text. A nil value
// ends the attribute.
type ContentFormat struct {
	Key   string
	Value any
}

func (c *ContentFormat) Len() int        { return 1 }
func (c *ContentFormat) Countable() bool { return false }
func (c *ContentFormat) Values() []any   { return nil }
func (c *ContentFormat) ref() uint8      { return contentFormatRef }
func (c *ContentFormat) copy() Content   { return &ContentFormat{c.Key, c.Value} }

func (c *ContentFormat) splice(int) Content {
	unexpectedCase("format content cannot be split")
	return nil
}

func (c *ContentFormat) mergeWith(Content) bool { return false }

func (c *ContentFormat) integrate(_ *Transaction, item *Item) {
	p := item.parent.base()
	p.disableMarkers()
	p.hasFormatting = true
}

func (c *ContentFormat) delete(*Transaction) {}
func (c *ContentFormat) gc(*StructStore)     {}

func (c *ContentFormat) write(enc updateEncoder, _ int) {
	enc.writeKey(c.Key)
	enc.writeJSON(c.Value)
}

// ContentType embeds a nested shared type.
type ContentType struct {
	Type SharedType
}

func (c *ContentType) Len() int        { return 1 }
func (c *ContentType) Countable() bool { return true }
func (c *ContentType) Values() []any   { return []any{c.Type} }
func (c *ContentType) ref() uint8      { return contentTypeRef }
func (c *ContentType) copy() Content   { return &ContentType{c.Type.copyType()} }

func (c *ContentType) splice(int) Content {
	unexpectedCase("type content cannot be split")
	return nil
}

func (c *ContentType) mergeWith(Content) bool { return false }

func (c *ContentType) integrate(txn *Transaction, item *Item) {
	c.Type.integrateType(txn.Doc, item)
}

func (c *ContentType) delete(txn *Transaction) {
	t := c.Type.base()
	deleteChild := func(item *Item) {
		if !item.deleted {
			item.delete(txn)
		} else if item.id.Clock < txn.BeforeState[item.id.Client] {
			// the item was deleted earlier, merge it once the
			// transaction finishes.
			txn.mergeStructs = append(txn.mergeStructs, item)
		}
	}
	for item := t.start; item != nil; item = item.right {
		deleteChild(item)
	}
	for _, item := range t.dataMap {
		deleteChild(item)
	}
	txn.removeChanged(c.Type)
}

func (c *ContentType) gc(store *StructStore) {
	t := c.Type.base()
	for item := t.start; item != nil; item = item.right {
		item.gc(store, true)
	}
	t.start = nil
	for _, item := range t.dataMap {
		for ; item != nil; item = item.left {
			item.gc(store, true)
		}
	}
	t.dataMap = map[string]*Item{}
}

func (c *ContentType) write(enc updateEncoder, _ int) {
	c.Type.writeType(enc)
}

// ContentAny holds a run of JSON-like values.
type ContentAny struct {
	arr []any
}

func (c *ContentAny) Len() int        { return len(c.arr) }
func (c *ContentAny) Countable() bool { return true }
func (c *ContentAny) Values() []any   { return c.arr }
func (c *ContentAny) ref() uint8      { return contentAnyRef }
func (c *ContentAny) copy() Content   { return &ContentAny{append([]any(nil), c.arr...)} }

func (c *ContentAny) splice(offset int) Content {
	right := &ContentAny{append([]any(nil), c.arr[offset:]...)}
	c.arr = c.arr[:offset:offset]
	return right
}

func (c *ContentAny) mergeWith(right Content) bool {
	c.arr = append(c.arr, right.(*ContentAny).arr...)
	return true
}

func (c *ContentAny) integrate(*Transaction, *Item) {}
func (c *ContentAny) delete(*Transaction)           {}
func (c *ContentAny) gc(*StructStore)               {}

func (c *ContentAny) write(enc updateEncoder, offset int) {
	enc.writeLen(len(c.arr) - offset)
	for _, v := range c.arr[offset:] {
		enc.writeAny(v)
	}
}

// ContentDoc references a sub document.
type ContentDoc struct {
	doc  *Doc
	opts map[string]any
}

func newContentDoc(d *Doc) (*ContentDoc, error) {
	if d.item != nil {
		return nil, ErrSubdocIntegrated
	}
	opts := map[string]any{}
	if !d.gc {
		opts["gc"] = false
	}
	if d.autoLoad {
		opts["autoLoad"] = true
	}
	if d.Meta != nil {
		opts["meta"] = d.Meta
	}
	return &ContentDoc{doc: d, opts: opts}, nil
}

func (c *ContentDoc) Len() int        { return 1 }
func (c *ContentDoc) Countable() bool { return true }
func (c *ContentDoc) Values() []any   { return []any{c.doc} }
func (c *ContentDoc) ref() uint8      { return contentDocRef }

// Doc returns the referenced sub document.
func (c *ContentDoc) Doc() *Doc {
	return c.doc
}

func (c *ContentDoc) copy() Content {
	return &ContentDoc{doc: createDocFromOpts(c.doc.GUID, c.opts), opts: c.opts}
}

func (c *ContentDoc) splice(int) Content {
	unexpectedCase("doc content cannot be split")
	return nil
}

func (c *ContentDoc) mergeWith(Content) bool { return false }

func (c *ContentDoc) integrate(txn *Transaction, item *Item) {
	c.doc.item = item
	txn.subdocsAdded.Add(c.doc)
	if c.doc.shouldLoad {
		txn.subdocsLoaded.Add(c.doc)
	}
}

func (c *ContentDoc) delete(txn *Transaction) {
	if txn.subdocsAdded.Contains(c.doc) {
		txn.subdocsAdded.Remove(c.doc)
	} else {
		txn.subdocsRemoved.Add(c.doc)
	}
}

func (c *ContentDoc) gc(*StructStore) {}

func (c *ContentDoc) write(enc updateEncoder, _ int) {
	enc.writeString(c.doc.GUID)
	enc.writeAny(c.opts)
}

func createDocFromOpts(guid string, opts map[string]any) *Doc {
	options := []DocOption{WithGUID(guid)}
	autoLoad, _ := opts["autoLoad"].(bool)
	shouldLoad, _ := opts["shouldLoad"].(bool)
	if gc, ok := opts["gc"].(bool); ok {
		options = append(options, WithGC(gc))
	}
	if meta, ok := opts["meta"]; ok {
		options = append(options, WithMeta(meta))
	}
	options = append(options, WithAutoLoad(autoLoad), WithShouldLoad(shouldLoad || autoLoad))
	return NewDoc(options...)
}

// readItemContent decodes the content selected by the low bits of info.
func readItemContent(dec updateDecoder, info uint8) Content {
	switch info & 0x1f {
	case contentDeletedRef:
		return &ContentDeleted{dec.readLen()}
	case contentJSONRef:
		n := dec.readLen()
		arr := make([]any, 0, min(n, 1024))
		for i := 0; i < n && dec.err() == nil; i++ {
			s := dec.readString()
			if s == "undefined" {
				arr = append(arr, nil)
				continue
			}
			v, err := parseJSON(s)
			if err != nil {
				dec.fail(fmt.Errorf("%w: %v", ErrMalformedUpdate, err))
				return &ContentJSON{}
			}
			arr = append(arr, v)
		}
		return &ContentJSON{arr}
	case contentBinaryRef:
		return &ContentBinary{dec.readBuf()}
	case contentStringRef:
		return newContentString(dec.readString())
	case contentEmbedRef:
		return &ContentEmbed{dec.readJSON()}
	case contentFormatRef:
		key := dec.readKey()
		return &ContentFormat{Key: key, Value: dec.readJSON()}
	case contentTypeRef:
		ref := dec.readTypeRef()
		if int(ref) >= len(typeReaders) {
			dec.fail(fmt.Errorf("%w: unknown type ref %d", ErrMalformedUpdate, ref))
			return &ContentType{newAbstractType()}
		}
		return &ContentType{typeReaders[ref](dec)}
	case contentAnyRef:
		n := dec.readLen()
		arr := make([]any, 0, min(n, 1024))
		for i := 0; i < n && dec.err() == nil; i++ {
			arr = append(arr, dec.readAny())
		}
		return &ContentAny{arr}
	case contentDocRef:
		guid := dec.readString()
		opts, _ := dec.readAny().(map[string]any)
		if opts == nil {
			opts = map[string]any{}
		}
		return &ContentDoc{doc: createDocFromOpts(guid, opts), opts: opts}
	}
	dec.fail(fmt.Errorf("%w: unknown content ref %d", ErrMalformedUpdate, info&0x1f))
	return &ContentDeleted{1}
}

// contentFromValue wraps a user supplied value the way list and map
// insertions store it.
func contentFromValue(v any) (Content, error) {
	switch x := v.(type) {
	case []byte:
		return &ContentBinary{x}, nil
	case *Doc:
		return newContentDoc(x)
	case SharedType:
		return &ContentType{x}, nil
	}
	if !codec.IsAny(v) {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedContent, v)
	}
	return &ContentAny{[]any{v}}, nil
}
