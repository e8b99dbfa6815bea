package livecache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// They are called from transport reader goroutines.
type Hooks interface {
	// An ack reported request.throttled; the emit is retried after delay.
	RequestThrottled(event string, attempt int, delay time.Duration)
	// Throttle retries ran out.
	RetryExhausted(event string, attempts int)

	// A message arrived on a shared channel but failed verification.
	ResponseRejected(channel string)

	// A stale persisted entry was handed out under a network policy.
	StaleEntryServed(key string)
	// The persistent index dropped key (eviction or admission reject).
	EntryEvicted(key string)
	// Writing or deleting a durable record failed.
	PersistError(key string, err error)
	// A durable record could not be decoded and was deleted on load.
	SnapshotCorrupt(storageKey string, err error)

	// An event could not be folded into the cached value.
	MergeFailed(key, scope string, err error)

	// n requests were re-emitted after a reconnect.
	SubscriptionsReplayed(namespace string, n int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) RequestThrottled(string, int, time.Duration) {}
func (NopHooks) RetryExhausted(string, int)                  {}
func (NopHooks) ResponseRejected(string)                     {}
func (NopHooks) StaleEntryServed(string)                     {}
func (NopHooks) EntryEvicted(string)                         {}
func (NopHooks) PersistError(string, error)                  {}
func (NopHooks) SnapshotCorrupt(string, error)               {}
func (NopHooks) MergeFailed(string, string, error)           {}
func (NopHooks) SubscriptionsReplayed(string, int)           {}
