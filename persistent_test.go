package livecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/livecache/codec"
	"github.com/unkn0wn-root/livecache/internal/util"
	"github.com/unkn0wn-root/livecache/storage/memory"
)

type recHooks struct {
	NopHooks
	mu      sync.Mutex
	evicted []string
	corrupt []string
	stale   []string
}

func (h *recHooks) EntryEvicted(key string) {
	h.mu.Lock()
	h.evicted = append(h.evicted, key)
	h.mu.Unlock()
}

func (h *recHooks) SnapshotCorrupt(skey string, _ error) {
	h.mu.Lock()
	h.corrupt = append(h.corrupt, skey)
	h.mu.Unlock()
}

func (h *recHooks) StaleEntryServed(key string) {
	h.mu.Lock()
	h.stale = append(h.stale, key)
	h.mu.Unlock()
}

func (h *recHooks) counts() (evicted, corrupt, stale int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.evicted), len(h.corrupt), len(h.stale)
}

func newPersistent(t *testing.T, store *memory.Store, opts PersistentOptions) *PersistentCache {
	t.Helper()
	opts.Storage = store
	p, err := NewPersistentCache(opts)
	if err != nil {
		t.Fatalf("NewPersistentCache: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func resolve(e *Entry, scope string, v any) {
	e.commit(nil, func(st *EntryState) (bool, error) {
		st.Status = StatusOK
		st.Data = withScope(st.Data, scope, v)
		st.Value = v
		st.Timestamp = time.Now()
		st.IsStale = false
		return false, nil
	})
}

func flush(t *testing.T, p *PersistentCache) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestPersistentRoundTripIsStale(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	p1 := newPersistent(t, store, PersistentOptions{Codec: codec.MustCBOR[Snapshot](false)})
	e := p1.GetOrCreate("k1", CacheFirst)
	resolve(e, "prices", map[string]any{"BTC": 1.0})
	flush(t, p1)
	if store.Len() != 1 {
		t.Fatalf("records = %d, want 1", store.Len())
	}

	hooks := &recHooks{}
	p2 := newPersistent(t, store, PersistentOptions{Codec: codec.MustCBOR[Snapshot](false), Hooks: hooks})
	if err := p2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p2.Len() != 1 {
		t.Fatalf("entries = %d, want 1", p2.Len())
	}

	for _, pol := range []CachePolicy{CacheFirst, CacheOnly} {
		if got := p2.Get("k1", pol); got != nil {
			t.Fatalf("%s: stale entry must be a miss", pol)
		}
	}
	if p2.UsesStaleEntries() {
		t.Fatalf("no stale entry handed out yet")
	}

	var flips []bool
	p2.OnStaleChange(func(uses bool) { flips = append(flips, uses) })

	got := p2.Get("k1", CacheAndNetwork)
	if got == nil {
		t.Fatalf("cache-and-network must see the stale entry")
	}
	st := got.State()
	if !st.IsStale || st.Status != StatusOK {
		t.Fatalf("restored state = %+v", st)
	}
	prices, ok := st.Data["prices"].(map[string]any)
	if !ok || prices["BTC"] != 1.0 {
		t.Fatalf("restored data = %#v", st.Data)
	}
	if !p2.UsesStaleEntries() {
		t.Fatalf("UsesStaleEntries should be set")
	}
	if _, _, stale := hooks.counts(); stale != 1 {
		t.Fatalf("StaleEntryServed calls = %d, want 1", stale)
	}

	resolve(got, "prices", map[string]any{"BTC": 2.0})
	if p2.UsesStaleEntries() {
		t.Fatalf("UsesStaleEntries should clear after the update")
	}
	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Fatalf("stale flips = %v, want [true false]", flips)
	}
}

func TestPersistentGetOrCreateReplacesHiddenStale(t *testing.T) {
	store := memory.New()
	p1 := newPersistent(t, store, PersistentOptions{})
	resolve(p1.GetOrCreate("k", CacheFirst), "s", 1.0)
	flush(t, p1)

	p2 := newPersistent(t, store, PersistentOptions{})
	if err := p2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e := p2.GetOrCreate("k", CacheFirst)
	if st := e.State(); st.Status != StatusNoRequests || st.IsStale {
		t.Fatalf("cache-first should get a fresh entry, got %+v", st)
	}
	if p2.Get("k", NetworkOnly) != e {
		t.Fatalf("replacement should now be registered")
	}
}

func TestPersistentSkipsNonOK(t *testing.T) {
	store := memory.New()
	p := newPersistent(t, store, PersistentOptions{})
	e := p.GetOrCreate("k", CacheFirst)
	e.commit(nil, func(st *EntryState) (bool, error) {
		st.Status = StatusError
		return false, nil
	})
	flush(t, p)
	if store.Len() != 0 {
		t.Fatalf("error entries must not be persisted")
	}
}

func TestPersistentLoadDropsCorruptAndExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.Set(ctx, "livecache:garbage", []byte("not a record"))

	p1 := newPersistent(t, store, PersistentOptions{})
	resolve(p1.GetOrCreate("old", CacheFirst), "s", 1.0)
	flush(t, p1)

	hooks := &recHooks{}
	p2 := newPersistent(t, store, PersistentOptions{Hooks: hooks, MaxAge: time.Nanosecond})
	time.Sleep(2 * time.Millisecond)
	if err := p2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, corrupt, _ := hooks.counts(); corrupt != 1 {
		t.Fatalf("SnapshotCorrupt calls = %d, want 1", corrupt)
	}
	if store.Len() != 0 {
		t.Fatalf("corrupt and expired records should be deleted, %d left", store.Len())
	}
	if p2.Len() != 0 {
		t.Fatalf("nothing should load, got %d", p2.Len())
	}
}

func stored(t *testing.T, store *memory.Store, keys ...string) []string {
	t.Helper()
	var out []string
	for _, k := range keys {
		if _, ok, _ := store.Get(context.Background(), util.StorageKey(defaultKeyPrefix, k)); ok {
			out = append(out, k)
		}
	}
	return out
}

func equalKeys(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestPersistentEvictsLeastRecentlyWritten(t *testing.T) {
	store := memory.New()
	hooks := &recHooks{}
	p := newPersistent(t, store, PersistentOptions{MaxEntries: 2, Hooks: hooks})

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		resolve(p.GetOrCreate(k, CacheFirst), "s", k)
	}
	flush(t, p)

	if got := stored(t, store, keys...); !equalKeys(got, "d", "e") {
		t.Fatalf("durable records = %v, want [d e]", got)
	}
	if got := p.Persisted(); !equalKeys(got, "d", "e") {
		t.Fatalf("index order = %v, want [d e]", got)
	}
	hooks.mu.Lock()
	evicted := append([]string(nil), hooks.evicted...)
	hooks.mu.Unlock()
	if !equalKeys(evicted, "a", "b", "c") {
		t.Fatalf("evicted = %v, want [a b c]", evicted)
	}
	// memory keeps every entry
	if p.Len() != len(keys) {
		t.Fatalf("entries = %d, want %d", p.Len(), len(keys))
	}
	if p.Get("a", CacheFirst) == nil {
		t.Fatalf("evicted key should stay in memory")
	}
}

func TestPersistentRewriteRefreshesRecency(t *testing.T) {
	store := memory.New()
	p := newPersistent(t, store, PersistentOptions{MaxEntries: 2})

	a := p.GetOrCreate("a", CacheFirst)
	resolve(a, "s", 1.0)
	resolve(p.GetOrCreate("b", CacheFirst), "s", 1.0)
	resolve(a, "s", 2.0)
	resolve(p.GetOrCreate("c", CacheFirst), "s", 1.0)
	flush(t, p)

	if got := stored(t, store, "a", "b", "c"); !equalKeys(got, "a", "c") {
		t.Fatalf("durable records = %v, want [a c]", got)
	}
}

func TestPersistentLoadKeepsNewestRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p1 := newPersistent(t, store, PersistentOptions{})
	for _, k := range []string{"a", "b", "c"} {
		resolve(p1.GetOrCreate(k, CacheFirst), "s", k)
		flush(t, p1)
		time.Sleep(2 * time.Millisecond) // distinct savedAt
	}

	hooks := &recHooks{}
	p2 := newPersistent(t, store, PersistentOptions{MaxEntries: 2, Hooks: hooks})
	if err := p2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	flush(t, p2)
	if got := p2.Persisted(); !equalKeys(got, "b", "c") {
		t.Fatalf("index after Load = %v, want [b c]", got)
	}
	if got := stored(t, store, "a", "b", "c"); !equalKeys(got, "b", "c") {
		t.Fatalf("durable records = %v, want [b c]", got)
	}
	if evicted, _, _ := hooks.counts(); evicted != 1 {
		t.Fatalf("evictions = %d, want 1", evicted)
	}
}

func TestPersistentCloseStopsWrites(t *testing.T) {
	store := memory.New()
	p, err := NewPersistentCache(PersistentOptions{Storage: store})
	if err != nil {
		t.Fatalf("NewPersistentCache: %v", err)
	}
	e := p.GetOrCreate("k", CacheFirst)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	resolve(e, "s", 1.0)
	if store.Len() != 0 {
		t.Fatalf("closed cache must not persist")
	}
	if err := p.Flush(context.Background()); err != ErrClosed {
		t.Fatalf("Flush after Close = %v, want ErrClosed", err)
	}
	if e.State().Status != StatusOK {
		t.Fatalf("entries stay usable after Close")
	}
}

func TestNewPersistentCacheRequiresStorage(t *testing.T) {
	if _, err := NewPersistentCache(PersistentOptions{}); err == nil {
		t.Fatalf("expected error without storage")
	}
}
