package asynchook

import (
	"runtime"
	"sync"
	"testing"

	"github.com/unkn0wn-root/livecache"
)

type counting struct {
	livecache.NopHooks
	mu      sync.Mutex
	evicted []string
	block   chan struct{}
}

func (c *counting) EntryEvicted(k string) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.evicted = append(c.evicted, k)
	c.mu.Unlock()
}

func TestCloseDeliversQueued(t *testing.T) {
	inner := &counting{}
	h := New(inner, 2, 16)
	for _, k := range []string{"a", "b", "c"} {
		h.EntryEvicted(k)
	}
	h.Close()
	if len(inner.evicted) != 3 {
		t.Fatalf("delivered = %d, want 3", len(inner.evicted))
	}
	h.EntryEvicted("late")
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", h.Dropped())
	}
}

func TestFullQueueDrops(t *testing.T) {
	inner := &counting{block: make(chan struct{})}
	h := New(inner, 1, 1)
	h.EntryEvicted("running") // picked up by the worker, which blocks
	// wait until the worker has taken it off the queue
	for len(h.q) != 0 {
		runtime.Gosched()
	}
	h.EntryEvicted("queued")
	h.EntryEvicted("dropped")
	close(inner.block)
	h.Close()
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", h.Dropped())
	}
	if len(inner.evicted) != 2 {
		t.Fatalf("delivered = %d, want 2", len(inner.evicted))
	}
}
