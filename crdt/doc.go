package crdt

import (
	"context"
	"reflect"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultSearchMarkerCap is the number of cached index positions kept per
// list type.
const DefaultSearchMarkerCap = 80

type docOptions struct {
	guid         string
	clientID     *uint64
	gc           bool
	gcFilter     func(*Item) bool
	meta         any
	autoLoad     bool
	shouldLoad   bool
	collectionID string
	logger       zerolog.Logger
	markerCap    int
	registry     *ClientIDRegistry
}

type DocOption func(*docOptions)

func WithGUID(guid string) DocOption {
	return func(o *docOptions) { o.guid = guid }
}

// WithClientID pins the client id instead of generating one.
func WithClientID(id uint64) DocOption {
	return func(o *docOptions) { o.clientID = &id }
}

// WithGC toggles garbage collection of deleted content. Snapshots of older
// states require it to be off.
func WithGC(gc bool) DocOption {
	return func(o *docOptions) { o.gc = gc }
}

// WithGCFilter restricts garbage collection to items the filter accepts.
func WithGCFilter(f func(*Item) bool) DocOption {
	return func(o *docOptions) { o.gcFilter = f }
}

func WithMeta(meta any) DocOption {
	return func(o *docOptions) { o.meta = meta }
}

// WithAutoLoad makes a sub document load as soon as it is integrated.
func WithAutoLoad(autoLoad bool) DocOption {
	return func(o *docOptions) { o.autoLoad = autoLoad }
}

func WithShouldLoad(shouldLoad bool) DocOption {
	return func(o *docOptions) { o.shouldLoad = shouldLoad }
}

func WithCollectionID(id string) DocOption {
	return func(o *docOptions) { o.collectionID = id }
}

func WithLogger(l zerolog.Logger) DocOption {
	return func(o *docOptions) { o.logger = l }
}

func WithSearchMarkerCap(n int) DocOption {
	return func(o *docOptions) { o.markerCap = n }
}

// WithClientRegistry replaces the registry client ids are drawn from. A nil
// registry opts out of registration entirely.
func WithClientRegistry(r *ClientIDRegistry) DocOption {
	return func(o *docOptions) { o.registry = r }
}

// SubdocsEvent lists the sub documents affected by a transaction.
type SubdocsEvent struct {
	Added   []*Doc
	Removed []*Doc
	Loaded  []*Doc
}

// Doc is a replicated document. It owns the struct store and a set of named
// root types. A Doc is not safe for concurrent use.
type Doc struct {
	GUID         string
	ClientID     uint64
	CollectionID string
	Meta         any

	gc         bool
	gcFilter   func(*Item) bool
	autoLoad   bool
	shouldLoad bool
	markerCap  int
	registry   *ClientIDRegistry
	log        zerolog.Logger

	share       map[string]SharedType
	store       *StructStore
	txn         *Transaction
	txnCleanups []*Transaction
	subdocs     mapset.Set[*Doc]
	// item is the item of the parent document embedding this one.
	item *Item

	isLoaded    bool
	isSynced    bool
	isDestroyed bool

	mu       sync.Mutex
	loadedCh chan struct{}
	syncedCh chan struct{}

	onBeforeAllTransactions   listeners[func(*Doc)]
	onBeforeTransaction       listeners[func(*Transaction)]
	onBeforeObserverCalls     listeners[func(*Transaction)]
	onAfterTransaction        listeners[func(*Transaction)]
	onAfterTransactionCleanup listeners[func(*Transaction)]
	onAfterAllTransactions    listeners[func(*Doc, []*Transaction)]
	onUpdate                  listeners[func([]byte, any, *Transaction)]
	onUpdateV2                listeners[func([]byte, any, *Transaction)]
	onSubdocs                 listeners[func(SubdocsEvent, *Transaction)]
	onDestroy                 listeners[func(*Doc)]
	onLoad                    listeners[func(*Doc)]
	onSync                    listeners[func(bool, *Doc)]
}

func NewDoc(opts ...DocOption) *Doc {
	o := docOptions{
		gc:         true,
		shouldLoad: true,
		gcFilter:   func(*Item) bool { return true },
		logger:     zerolog.Nop(),
		markerCap:  DefaultSearchMarkerCap,
		registry:   DefaultClientIDRegistry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.guid == "" {
		o.guid = uuid.NewString()
	}
	d := &Doc{
		GUID:         o.guid,
		CollectionID: o.collectionID,
		Meta:         o.meta,
		gc:           o.gc,
		gcFilter:     o.gcFilter,
		autoLoad:     o.autoLoad,
		shouldLoad:   o.shouldLoad,
		markerCap:    o.markerCap,
		registry:     o.registry,
		share:        map[string]SharedType{},
		store:        newStructStore(),
		subdocs:      mapset.NewThreadUnsafeSet[*Doc](),
		loadedCh:     make(chan struct{}),
		syncedCh:     make(chan struct{}),
	}
	if o.clientID != nil {
		d.ClientID = *o.clientID
		if d.registry != nil && !d.registry.Register(d.ClientID) {
			o.logger.Debug().Uint64("client", d.ClientID).Msg("client id already registered")
		}
	} else {
		d.ClientID = generateClientID(d.registry)
	}
	d.log = o.logger.With().Str("doc", d.GUID).Logger()
	return d
}

// setClientID swaps the client id and keeps the registry in sync.
func (d *Doc) setClientID(id uint64) {
	if d.registry != nil {
		d.registry.Release(d.ClientID)
		d.registry.Register(id)
	}
	d.ClientID = id
}

// adoptClientID makes a sub document write with the client id of its parent.
// The parent owns the registration.
func (d *Doc) adoptClientID(parent *Doc) {
	if d.registry != nil {
		d.registry.Release(d.ClientID)
		d.registry = nil
	}
	d.ClientID = parent.ClientID
}

func (d *Doc) GC() bool {
	return d.gc
}

func (d *Doc) AutoLoad() bool {
	return d.autoLoad
}

func (d *Doc) ShouldLoad() bool {
	return d.shouldLoad
}

// Transact runs f inside a transaction. Nested calls join the transaction
// that is already open; observers run once the outermost call returns.
func (d *Doc) Transact(f func(txn *Transaction), origin any) {
	d.transact(f, origin, true)
}

func (d *Doc) transact(f func(txn *Transaction), origin any, local bool) {
	initialCall := false
	if d.txn == nil {
		initialCall = true
		d.txn = newTransaction(d, origin, local)
		d.txnCleanups = append(d.txnCleanups, d.txn)
		if len(d.txnCleanups) == 1 {
			for _, l := range d.onBeforeAllTransactions.snapshot() {
				l(d)
			}
		}
		for _, l := range d.onBeforeTransaction.snapshot() {
			l(d.txn)
		}
	}
	defer func() {
		if !initialCall {
			return
		}
		finishCleanup := d.txn == d.txnCleanups[0]
		d.txn = nil
		if finishCleanup {
			// transactions opened by observers are appended to txnCleanups
			// and processed in order by this call.
			cleanupTransactions(d, 0)
		}
	}()
	f(d.txn)
}

// Get returns the root type registered under name, creating an untyped
// placeholder if none exists.
func (d *Doc) Get(name string) SharedType {
	if t, ok := d.share[name]; ok {
		return t
	}
	t := newAbstractType()
	t.integrateType(d, nil)
	d.share[name] = t
	return t
}

// get returns the root type under name as produced by newType. A placeholder
// created by remote updates is upgraded in place.
func (d *Doc) get(name string, newType func() SharedType) (SharedType, error) {
	candidate := newType()
	existing, ok := d.share[name]
	if !ok {
		candidate.integrateType(d, nil)
		d.share[name] = candidate
		return candidate, nil
	}
	if reflect.TypeOf(existing) == reflect.TypeOf(candidate) {
		return existing, nil
	}
	placeholder, isPlaceholder := existing.(*AbstractType)
	if !isPlaceholder {
		return nil, ErrTypeConflict
	}
	candidate.integrateType(d, nil)
	t := candidate.base()
	t.dataMap = placeholder.dataMap
	for _, n := range t.dataMap {
		for ; n != nil; n = n.left {
			n.parent = candidate
		}
	}
	t.start = placeholder.start
	for n := t.start; n != nil; n = n.right {
		n.parent = candidate
	}
	t.length = placeholder.length
	d.share[name] = candidate
	return candidate, nil
}

func (d *Doc) GetArray(name string) (*Array, error) {
	t, err := d.get(name, func() SharedType { return NewArray() })
	if err != nil {
		return nil, err
	}
	return t.(*Array), nil
}

func (d *Doc) GetMap(name string) (*Map, error) {
	t, err := d.get(name, func() SharedType { return NewMap() })
	if err != nil {
		return nil, err
	}
	return t.(*Map), nil
}

func (d *Doc) GetText(name string) (*Text, error) {
	t, err := d.get(name, func() SharedType { return NewText("") })
	if err != nil {
		return nil, err
	}
	return t.(*Text), nil
}

func (d *Doc) GetXmlFragment(name string) (*XmlFragment, error) {
	t, err := d.get(name, func() SharedType { return NewXmlFragment() })
	if err != nil {
		return nil, err
	}
	return t.(*XmlFragment), nil
}

func (d *Doc) GetXmlElement(name string) (*XmlElement, error) {
	t, err := d.get(name, func() SharedType { return NewXmlElement("UNDEFINED") })
	if err != nil {
		return nil, err
	}
	return t.(*XmlElement), nil
}

// ToJSON converts every typed root to plain Go values.
func (d *Doc) ToJSON() map[string]any {
	out := map[string]any{}
	for name, t := range d.share {
		if _, ok := t.(*AbstractType); ok {
			continue
		}
		out[name] = t.ToJSON()
	}
	return out
}

// Subdocs returns the sub documents currently embedded in this document.
func (d *Doc) Subdocs() []*Doc {
	return d.subdocs.ToSlice()
}

func (d *Doc) SubdocGUIDs() []string {
	guids := make([]string, 0, d.subdocs.Cardinality())
	for _, s := range d.subdocs.ToSlice() {
		guids = append(guids, s.GUID)
	}
	return guids
}

// Parent returns the document embedding this one as sub document.
func (d *Doc) Parent() *Doc {
	if d.item == nil {
		return nil
	}
	return d.item.parent.base().doc
}

// Load requests the content of a sub document. The parent emits a subdocs
// event listing d as loaded.
func (d *Doc) Load() {
	if d.item != nil && !d.shouldLoad {
		parent := d.item.parent.base().doc
		parent.transact(func(txn *Transaction) {
			txn.subdocsLoaded.Add(d)
		}, nil, true)
	}
	d.shouldLoad = true
}

// EmitLoad marks the document as loaded, typically called by a provider once
// persisted content was applied.
func (d *Doc) EmitLoad() {
	d.mu.Lock()
	if !d.isLoaded {
		d.isLoaded = true
		close(d.loadedCh)
	}
	d.mu.Unlock()
	for _, l := range d.onLoad.snapshot() {
		l(d)
	}
}

// EmitSync records the sync state reported by a provider. Becoming synced
// implies loaded.
func (d *Doc) EmitSync(synced bool) {
	d.mu.Lock()
	wasSynced := d.isSynced
	if !synced && wasSynced {
		d.syncedCh = make(chan struct{})
	}
	if synced && !wasSynced {
		close(d.syncedCh)
	}
	d.isSynced = synced
	loaded := d.isLoaded
	d.mu.Unlock()
	for _, l := range d.onSync.snapshot() {
		l(synced, d)
	}
	if synced && !loaded {
		d.EmitLoad()
	}
}

func (d *Doc) IsLoaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isLoaded
}

func (d *Doc) IsSynced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isSynced
}

// WhenLoaded blocks until the document is loaded or ctx is done.
func (d *Doc) WhenLoaded(ctx context.Context) error {
	d.mu.Lock()
	ch := d.loadedCh
	d.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WhenSynced blocks until the document is synced or ctx is done.
func (d *Doc) WhenSynced(ctx context.Context) error {
	d.mu.Lock()
	ch := d.syncedCh
	d.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy releases the document. An embedded sub document is replaced by a
// fresh unloaded instance with the same GUID.
func (d *Doc) Destroy() {
	if d.isDestroyed {
		return
	}
	d.isDestroyed = true
	for _, s := range d.subdocs.ToSlice() {
		s.Destroy()
	}
	if item := d.item; item != nil {
		d.item = nil
		// a collected item no longer holds the sub document
		var replacement *Doc
		if content, ok := item.content.(*ContentDoc); ok {
			opts := map[string]any{}
			for k, v := range content.opts {
				opts[k] = v
			}
			opts["shouldLoad"] = false
			opts["autoLoad"] = false
			replacement = createDocFromOpts(d.GUID, opts)
			replacement.item = item
			content.doc = replacement
		}
		// deleting the item already reported the removal
		if !item.deleted {
			parent := item.parent.base().doc
			parent.transact(func(txn *Transaction) {
				if replacement != nil {
					txn.subdocsAdded.Add(replacement)
				}
				txn.subdocsRemoved.Add(d)
			}, nil, true)
		}
	}
	for _, l := range d.onDestroy.snapshot() {
		l(d)
	}
	if d.registry != nil {
		d.registry.Release(d.ClientID)
	}
	d.clearListeners()
}

func (d *Doc) IsDestroyed() bool {
	return d.isDestroyed
}

func (d *Doc) clearListeners() {
	d.onBeforeAllTransactions.clear()
	d.onBeforeTransaction.clear()
	d.onBeforeObserverCalls.clear()
	d.onAfterTransaction.clear()
	d.onAfterTransactionCleanup.clear()
	d.onAfterAllTransactions.clear()
	d.onUpdate.clear()
	d.onUpdateV2.clear()
	d.onSubdocs.clear()
	d.onDestroy.clear()
	d.onLoad.clear()
	d.onSync.clear()
}

func (d *Doc) OnBeforeAllTransactions(f func(*Doc)) ListenerID {
	return d.onBeforeAllTransactions.add(f)
}

func (d *Doc) OnBeforeTransaction(f func(*Transaction)) ListenerID {
	return d.onBeforeTransaction.add(f)
}

func (d *Doc) OnBeforeObserverCalls(f func(*Transaction)) ListenerID {
	return d.onBeforeObserverCalls.add(f)
}

func (d *Doc) OnAfterTransaction(f func(*Transaction)) ListenerID {
	return d.onAfterTransaction.add(f)
}

func (d *Doc) OnAfterTransactionCleanup(f func(*Transaction)) ListenerID {
	return d.onAfterTransactionCleanup.add(f)
}

func (d *Doc) OnAfterAllTransactions(f func(*Doc, []*Transaction)) ListenerID {
	return d.onAfterAllTransactions.add(f)
}

// OnUpdate registers f for v1 encoded updates of every transaction that
// changed the document.
func (d *Doc) OnUpdate(f func(update []byte, origin any, txn *Transaction)) ListenerID {
	return d.onUpdate.add(f)
}

func (d *Doc) OnUpdateV2(f func(update []byte, origin any, txn *Transaction)) ListenerID {
	return d.onUpdateV2.add(f)
}

func (d *Doc) OnSubdocs(f func(SubdocsEvent, *Transaction)) ListenerID {
	return d.onSubdocs.add(f)
}

func (d *Doc) OnDestroy(f func(*Doc)) ListenerID {
	return d.onDestroy.add(f)
}

func (d *Doc) OnLoad(f func(*Doc)) ListenerID {
	return d.onLoad.addOnce(f)
}

func (d *Doc) OnSync(f func(synced bool, doc *Doc)) ListenerID {
	return d.onSync.add(f)
}

// Off removes a listener registered with any of the On methods.
func (d *Doc) Off(id ListenerID) bool {
	return d.onBeforeAllTransactions.remove(id) ||
		d.onBeforeTransaction.remove(id) ||
		d.onBeforeObserverCalls.remove(id) ||
		d.onAfterTransaction.remove(id) ||
		d.onAfterTransactionCleanup.remove(id) ||
		d.onAfterAllTransactions.remove(id) ||
		d.onUpdate.remove(id) ||
		d.onUpdateV2.remove(id) ||
		d.onSubdocs.remove(id) ||
		d.onDestroy.remove(id) ||
		d.onLoad.remove(id) ||
		d.onSync.remove(id)
}
