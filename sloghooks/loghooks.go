// Package sloghooks logs livecache hook events to a *slog.Logger, with
// optional sampling of the noisy ones.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/livecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RejectedEvery  uint64
	ThrottledEvery uint64
	StaleEvery     uint64
	// Optional key redactor. Query keys carry request payloads, which may
	// hold addresses; defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	rejectedCtr  atomic.Uint64
	throttledCtr atomic.Uint64
	staleCtr     atomic.Uint64
}

var _ livecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) RequestThrottled(event string, attempt int, delay time.Duration) {
	if h.l == nil || !sample(h.opts.ThrottledEvery, &h.throttledCtr) {
		return
	}
	h.l.Info("livecache.request_throttled",
		"event", event,
		"attempt", attempt,
		"delay", delay)
}

func (h *Hooks) RetryExhausted(event string, attempts int) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.retry_exhausted",
		"event", event,
		"attempts", attempts)
}

func (h *Hooks) ResponseRejected(channel string) {
	if h.l == nil || !sample(h.opts.RejectedEvery, &h.rejectedCtr) {
		return
	}
	h.l.Debug("livecache.response_rejected", "channel", channel)
}

func (h *Hooks) StaleEntryServed(key string) {
	if h.l == nil || !sample(h.opts.StaleEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("livecache.stale_entry_served", "key", h.redact(key))
}

func (h *Hooks) EntryEvicted(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("livecache.entry_evicted", "key", h.redact(key))
}

func (h *Hooks) PersistError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.persist_error",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) SnapshotCorrupt(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("livecache.snapshot_corrupt",
		"storage_key", storageKey,
		"err", err)
}

func (h *Hooks) MergeFailed(key, scope string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("livecache.merge_failed",
		"key", h.redact(key),
		"scope", scope,
		"err", err)
}

func (h *Hooks) SubscriptionsReplayed(namespace string, n int) {
	if h.l == nil {
		return
	}
	h.l.Info("livecache.subscriptions_replayed",
		"namespace", namespace,
		"count", n)
}
