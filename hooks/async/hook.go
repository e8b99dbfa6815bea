// Package asynchook moves livecache hook calls off transport reader
// goroutines onto a bounded worker pool. Events are dropped when the
// queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{RejectedEvery: 50})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	client, _ := livecache.New(livecache.Options{
//	    URL:      "wss://api.example.com",
//	    APIToken: token,
//	    Hooks:    hooks,
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/livecache"
)

type Hooks struct {
	inner   livecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ livecache.Hooks = (*Hooks)(nil)

func New(inner livecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns how many events were discarded on a full queue or after Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) RequestThrottled(ev string, attempt int, d time.Duration) {
	h.try(func() { h.inner.RequestThrottled(ev, attempt, d) })
}
func (h *Hooks) RetryExhausted(ev string, n int) { h.try(func() { h.inner.RetryExhausted(ev, n) }) }
func (h *Hooks) ResponseRejected(ch string)      { h.try(func() { h.inner.ResponseRejected(ch) }) }
func (h *Hooks) StaleEntryServed(k string)       { h.try(func() { h.inner.StaleEntryServed(k) }) }
func (h *Hooks) EntryEvicted(k string)           { h.try(func() { h.inner.EntryEvicted(k) }) }
func (h *Hooks) PersistError(k string, err error) {
	h.try(func() { h.inner.PersistError(k, err) })
}
func (h *Hooks) SnapshotCorrupt(sk string, err error) {
	h.try(func() { h.inner.SnapshotCorrupt(sk, err) })
}
func (h *Hooks) MergeFailed(k, scope string, err error) {
	h.try(func() { h.inner.MergeFailed(k, scope, err) })
}
func (h *Hooks) SubscriptionsReplayed(ns string, n int) {
	h.try(func() { h.inner.SubscriptionsReplayed(ns, n) })
}
