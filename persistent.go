package livecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/unkn0wn-root/livecache/codec"
	"github.com/unkn0wn-root/livecache/internal/util"
	"github.com/unkn0wn-root/livecache/internal/wire"
	"github.com/unkn0wn-root/livecache/storage"
)

const (
	defaultMaxEntries   = 50
	defaultKeyPrefix    = "livecache"
	defaultWriteQueue   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Snapshot is the persisted form of an ok entry.
type Snapshot struct {
	Key       string         `json:"key" msgpack:"key" cbor:"key"`
	Status    string         `json:"status" msgpack:"status" cbor:"status"`
	Data      map[string]any `json:"data" msgpack:"data" cbor:"data"`
	Value     any            `json:"value,omitempty" msgpack:"value,omitempty" cbor:"value,omitempty"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty" cbor:"meta,omitempty"`
	IsDone    bool           `json:"is_done,omitempty" msgpack:"is_done,omitempty" cbor:"is_done,omitempty"`
	HasNext   bool           `json:"has_next,omitempty" msgpack:"has_next,omitempty" cbor:"has_next,omitempty"`
}

func snapshotOf(key string, st EntryState) Snapshot {
	return Snapshot{
		Key:       key,
		Status:    st.Status.String(),
		Data:      st.Data,
		Value:     st.Value,
		Timestamp: st.Timestamp,
		Meta:      st.Meta,
		IsDone:    st.IsDone,
		HasNext:   st.HasNext,
	}
}

// state rebuilds a stale entry state. Only ok snapshots are restorable.
func (s Snapshot) state() (EntryState, error) {
	if parseStatus(s.Status) != StatusOK {
		return EntryState{}, fmt.Errorf("livecache: snapshot status %q is not restorable", s.Status)
	}
	if s.Data == nil {
		return EntryState{}, errors.New("livecache: snapshot has no data")
	}
	return EntryState{
		Status:    StatusOK,
		Data:      s.Data,
		Value:     s.Value,
		Timestamp: s.Timestamp,
		Meta:      s.Meta,
		IsDone:    s.IsDone,
		HasNext:   s.HasNext,
		IsStale:   true,
	}, nil
}

// PersistentOptions configure a PersistentCache.
type PersistentOptions struct {
	Storage storage.Storage       // required
	Codec   codec.Codec[Snapshot] // nil => codec.JSON[Snapshot]

	// MaxEntries bounds the number of durable records; the least recently
	// written key is evicted from storage once exceeded. 0 => 50.
	MaxEntries int64
	// MaxAge drops records older than this on Load. 0 => keep.
	MaxAge time.Duration
	// KeyPrefix namespaces storage keys. "" => "livecache".
	KeyPrefix string

	WriteQueue   int           // pending durable writes; 0 => 64
	WriteTimeout time.Duration // per storage call; 0 => 5s

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

type persistOp struct {
	del   bool
	key   string
	snap  Snapshot
	flush chan struct{}
}

// PersistentCache is a RequestCache whose ok entries survive restarts.
//
// Entries live in memory for the life of the cache. An LRU index ordered by
// write recency bounds how many of them are kept in storage; keys it evicts
// lose their durable record. Entries restored by Load are stale
// until their first update: policies that never refresh on their own
// (cache-first, cache-only) do not see them.
type PersistentCache struct {
	store   storage.Storage
	codec   codec.Codec[Snapshot]
	prefix  string
	maxAge  time.Duration
	timeout time.Duration
	log     Logger
	hooks   Hooks

	mu       sync.Mutex
	index    *simplelru.LRU[string, struct{}] // keys with a durable record
	evicted  []string                         // pending EntryEvicted calls
	m        map[string]*Entry
	watched  map[*Entry]struct{}
	stale    map[*Entry]struct{} // stale entries handed out
	uses     bool
	onStale  map[uint64]func(bool)
	nextSub  uint64
	closed   bool
	ops      chan persistOp
	writerWG sync.WaitGroup
}

var _ RequestCache = (*PersistentCache)(nil)

func NewPersistentCache(opts PersistentOptions) (*PersistentCache, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("livecache: storage is required")
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON[Snapshot]{}
	}
	maxEntries := coalesce(opts.MaxEntries, defaultMaxEntries)
	if maxEntries < 0 {
		return nil, fmt.Errorf("livecache: max entries must be positive")
	}

	p := &PersistentCache{
		store:   opts.Storage,
		codec:   opts.Codec,
		prefix:  coalesce(opts.KeyPrefix, defaultKeyPrefix),
		maxAge:  opts.MaxAge,
		timeout: coalesce(opts.WriteTimeout, defaultWriteTimeout),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		m:       make(map[string]*Entry),
		watched: make(map[*Entry]struct{}),
		stale:   make(map[*Entry]struct{}),
		onStale: make(map[uint64]func(bool)),
		ops:     make(chan persistOp, coalesce(opts.WriteQueue, defaultWriteQueue)),
	}

	index, err := simplelru.NewLRU[string, struct{}](int(maxEntries), p.evictLocked)
	if err != nil {
		return nil, err
	}
	p.index = index

	p.writerWG.Add(1)
	go p.writer()
	return p, nil
}

// Load restores every durable record as a stale entry. Corrupt, foreign,
// unrestorable and expired records are deleted. Keys already present in
// memory are left alone.
func (p *PersistentCache) Load(ctx context.Context) error {
	raw, err := p.store.Entries(ctx)
	if err != nil {
		return err
	}
	type restored struct {
		snap    Snapshot
		st      EntryState
		savedAt time.Time
	}
	var recs []restored
	for skey, b := range raw {
		snap, savedAt, err := p.decode(skey, b)
		if err != nil {
			p.hooks.SnapshotCorrupt(skey, err)
			p.log.Warn("dropping unreadable record", Fields{"storage_key": skey}.withErr(err))
			p.deleteNow(ctx, skey)
			continue
		}
		st, err := snap.state()
		if err != nil {
			p.deleteNow(ctx, skey)
			continue
		}
		if p.maxAge > 0 && time.Since(savedAt) > p.maxAge {
			p.deleteNow(ctx, skey)
			continue
		}
		recs = append(recs, restored{snap: snap, st: st, savedAt: savedAt})
	}

	// oldest first so the index ends up in write order
	sort.Slice(recs, func(i, j int) bool { return recs[i].savedAt.Before(recs[j].savedAt) })
	loaded := 0
	p.mu.Lock()
	for _, r := range recs {
		if _, exists := p.m[r.snap.Key]; exists {
			continue
		}
		p.setLocked(r.snap.Key, newEntryFromState(r.st))
		if !p.closed {
			p.index.Add(r.snap.Key, struct{}{})
		}
		loaded++
	}
	evicted := p.takeEvictedLocked()
	p.mu.Unlock()
	p.reportEvicted(evicted)
	p.log.Info("persistent cache loaded", Fields{"records": len(raw), "entries": loaded})
	return nil
}

func (p *PersistentCache) decode(skey string, b []byte) (Snapshot, time.Time, error) {
	rec, err := wire.Decode(b)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	if util.StorageKey(p.prefix, rec.Key) != skey {
		return Snapshot{}, time.Time{}, wire.ErrKey
	}
	snap, err := p.codec.Decode(rec.Payload)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	snap.Key = rec.Key
	return snap, rec.SavedAt, nil
}

func (p *PersistentCache) deleteNow(ctx context.Context, skey string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Delete(ctx, skey); err != nil {
		p.hooks.PersistError(skey, err)
	}
}

// Get returns the entry for key. A stale entry is a miss under cache-first
// and cache-only; under network-only and cache-and-network it is returned
// and counted as in use until its next update.
func (p *PersistentCache) Get(key string, policy CachePolicy) *Entry {
	p.mu.Lock()
	e, notify := p.getLocked(key, policy.orDefault())
	p.mu.Unlock()
	p.emitStale(notify)
	return e
}

// getLocked returns the visible entry and the stale-flag callbacks to run
// once the lock is released.
func (p *PersistentCache) getLocked(key string, policy CachePolicy) (*Entry, []func(bool)) {
	e := p.m[key]
	if e == nil || !e.State().IsStale {
		return e, nil
	}
	if !policy.usesStale() {
		return nil, nil
	}
	p.hooks.StaleEntryServed(key)
	p.stale[e] = struct{}{}
	if p.uses {
		return e, nil
	}
	p.uses = true
	return e, p.staleSubscribersLocked()
}

func (p *PersistentCache) Set(key string, e *Entry) {
	p.mu.Lock()
	p.setLocked(key, e)
	p.mu.Unlock()
	if st := e.State(); st.Status == StatusOK && !st.IsStale {
		p.persist(key, e, st)
	}
}

func (p *PersistentCache) setLocked(key string, e *Entry) {
	p.m[key] = e
	if _, ok := p.watched[e]; ok {
		return
	}
	p.watched[e] = struct{}{}
	e.watch(func(st EntryState) { p.changed(key, e, st) })
}

// Remove forgets key in memory. Its durable record stays until evicted.
func (p *PersistentCache) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		delete(p.stale, e)
		delete(p.m, key)
	}
}

func (p *PersistentCache) GetOrCreate(key string, policy CachePolicy) *Entry {
	p.mu.Lock()
	e, notify := p.getLocked(key, policy.orDefault())
	if e == nil {
		// a stale entry hidden from this policy is replaced
		e = newEntry(StatusNoRequests)
		if old, ok := p.m[key]; ok {
			delete(p.stale, old)
		}
		p.setLocked(key, e)
	}
	p.mu.Unlock()
	p.emitStale(notify)
	return e
}

// changed runs after every committed change of a registered entry.
func (p *PersistentCache) changed(key string, e *Entry, st EntryState) {
	p.mu.Lock()
	delete(p.stale, e)
	var notify []func(bool)
	if p.uses && len(p.stale) == 0 {
		p.uses = false
		notify = p.staleSubscribersLocked()
	}
	current := p.m[key] == e
	p.mu.Unlock()
	p.emitStale(notify)

	if current && st.Status == StatusOK && !st.IsStale {
		p.persist(key, e, st)
	}
}

// persist marks key as the most recently written and queues its durable
// write. Keys pushed out of the index get their record deleted.
func (p *PersistentCache) persist(key string, e *Entry, st EntryState) {
	p.mu.Lock()
	if p.closed || p.m[key] != e {
		p.mu.Unlock()
		return
	}
	p.index.Add(key, struct{}{})
	p.ops <- persistOp{key: key, snap: snapshotOf(key, st)}
	evicted := p.takeEvictedLocked()
	p.mu.Unlock()
	p.reportEvicted(evicted)
}

// evictLocked is the index's eviction callback. The index is only touched
// with p.mu held.
func (p *PersistentCache) evictLocked(key string, _ struct{}) {
	p.ops <- persistOp{del: true, key: key}
	p.evicted = append(p.evicted, key)
}

func (p *PersistentCache) takeEvictedLocked() []string {
	out := p.evicted
	p.evicted = nil
	return out
}

func (p *PersistentCache) reportEvicted(keys []string) {
	for _, key := range keys {
		p.hooks.EntryEvicted(key)
		p.log.Debug("persistent entry evicted", keyFields(key, nil))
	}
}

// Persisted returns the keys holding a durable record, least recently
// written first.
func (p *PersistentCache) Persisted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index.Keys()
}

func (p *PersistentCache) writer() {
	defer p.writerWG.Done()
	for op := range p.ops {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		if err := p.apply(op); err != nil {
			p.hooks.PersistError(op.key, err)
			p.log.Warn("persist failed", keyFields(op.key, Fields{"delete": op.del}).withErr(err))
		}
	}
}

func (p *PersistentCache) apply(op persistOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	skey := util.StorageKey(p.prefix, op.key)
	if op.del {
		return p.store.Delete(ctx, skey)
	}
	payload, err := p.codec.Encode(op.snap)
	if err != nil {
		return err
	}
	b, err := wire.Encode(wire.Record{Key: op.key, SavedAt: time.Now(), Payload: payload})
	if err != nil {
		return err
	}
	return p.store.Set(ctx, skey, b)
}

// Flush waits until every durable write queued so far has been applied.
func (p *PersistentCache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.ops <- persistOp{flush: done}
	p.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes, then closes the storage.
// Entries stay readable in memory; nothing is persisted afterwards.
func (p *PersistentCache) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.writerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.store.Close(ctx)
}

// UsesStaleEntries reports whether a stale entry is currently served.
func (p *PersistentCache) UsesStaleEntries() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uses
}

// OnStaleChange calls fn whenever UsesStaleEntries flips.
func (p *PersistentCache) OnStaleChange(fn func(uses bool)) (remove func()) {
	p.mu.Lock()
	p.nextSub++
	id := p.nextSub
	p.onStale[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.onStale, id)
		p.mu.Unlock()
	}
}

func (p *PersistentCache) staleSubscribersLocked() []func(bool) {
	out := make([]func(bool), 0, len(p.onStale))
	for _, fn := range p.onStale {
		out = append(out, fn)
	}
	return out
}

func (p *PersistentCache) emitStale(fns []func(bool)) {
	if len(fns) == 0 {
		return
	}
	p.mu.Lock()
	uses := p.uses
	p.mu.Unlock()
	for _, fn := range fns {
		fn(uses)
	}
}

// Len returns the number of entries held in memory.
func (p *PersistentCache) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
