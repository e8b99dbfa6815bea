package livecache

import (
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/livecache/transport/transporttest"
)

func newTestClient(t *testing.T, opts Options) (*Client, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	if opts.URL == "" {
		opts.URL = "wss://api.test"
	}
	if opts.APIToken == "" {
		opts.APIToken = "tok"
	}
	opts.Dial = fake.Dialer()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fake
}

// sent decodes the i-th emit of event.
func sent(t *testing.T, fake *transporttest.Fake, event string, i int) Request {
	t.Helper()
	emits := fake.Emits(event)
	if len(emits) <= i {
		t.Fatalf("%s emits = %d, want more than %d", event, len(emits), i)
	}
	var req Request
	if err := emits[i].Decode(&req); err != nil {
		t.Fatalf("decode emit: %v", err)
	}
	return req
}

// reply answers req on channel with payload, echoing its request id and
// payload fields in meta.
func reply(fake *transporttest.Fake, channel string, req Request, payload map[string]any, meta map[string]any) {
	m := map[string]any{}
	for k, v := range req.Payload {
		m[k] = v
	}
	for k, v := range meta {
		m[k] = v
	}
	fake.Deliver(channel, Response{Meta: m, Payload: payload})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// stateLog records listener calls.
type stateLog struct {
	mu     sync.Mutex
	states []EntryState
}

func (l *stateLog) listen(st EntryState) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
}

func (l *stateLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func (l *stateLog) last() EntryState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return EntryState{}
	}
	return l.states[len(l.states)-1]
}
