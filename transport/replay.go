package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type tracked struct {
	seq   uint64
	event string
	body  []byte
	offs  []func()
}

// Replayer wraps a Transport and re-emits every live request after a
// reconnect: active "subscribe" requests until their "unsubscribe", and
// "get"/"stream" requests until their terminal response ("received" for get,
// "done" for stream). Requests are tracked by payload.request_id, or by
// their exact body when they carry none; an "unsubscribe" repeats the body
// of its "subscribe".
type Replayer struct {
	inner     Transport
	namespace string
	onReplay  func(n int)

	mu      sync.Mutex
	seq     uint64
	pending map[string]*tracked
	active  map[string]*tracked
	handled bool // a single reconnect is replayed once
	offs    []func()
}

var _ Transport = (*Replayer)(nil)

// NewReplayer wraps inner for namespace. onReplay, if non-nil, is called with
// the number of re-emitted requests after each handled reconnect.
func NewReplayer(inner Transport, namespace string, onReplay func(n int)) *Replayer {
	r := &Replayer{
		inner:     inner,
		namespace: namespace,
		onReplay:  onReplay,
		pending:   make(map[string]*tracked),
		active:    make(map[string]*tracked),
	}
	r.offs = append(r.offs,
		inner.On(EventDisconnect, func([]byte) {
			r.mu.Lock()
			r.handled = false
			r.mu.Unlock()
		}),
		inner.On(EventReconnect, func([]byte) { r.replay() }),
	)
	return r
}

func (r *Replayer) Emit(event string, body []byte, ack Ack) error {
	switch event {
	case VerbGet, VerbStream, VerbSubscribe, VerbUnsubscribe:
		r.track(event, body)
	}
	return r.inner.Emit(event, body, ack)
}

func (r *Replayer) track(event string, body []byte) {
	var req frameRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Scope) == 0 {
		return
	}
	id, ok := req.requestID()
	if !ok {
		id = "body:" + string(body)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch event {
	case VerbSubscribe:
		r.seq++
		r.active[id] = &tracked{seq: r.seq, event: event, body: body}
	case VerbUnsubscribe:
		delete(r.active, id)
	case VerbGet, VerbStream:
		r.seq++
		t := &tracked{seq: r.seq, event: event, body: body}
		terminal := "received"
		if event == VerbStream {
			terminal = "done"
		}
		for _, scope := range req.Scope {
			t.offs = append(t.offs, r.inner.On(Channel(terminal, r.namespace, scope), r.completer(id, req)))
		}
		r.pending[id] = t
	}
}

func (r *Replayer) completer(id string, req frameRequest) Handler {
	return func(body []byte) {
		var resp frameResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return
		}
		if !req.answeredBy(resp) {
			return
		}
		r.mu.Lock()
		t, ok := r.pending[id]
		delete(r.pending, id)
		r.mu.Unlock()
		if ok {
			for _, off := range t.offs {
				off()
			}
		}
	}
}

func (r *Replayer) replay() {
	r.mu.Lock()
	if r.handled {
		r.mu.Unlock()
		return
	}
	r.handled = true
	all := make([]*tracked, 0, len(r.pending)+len(r.active))
	for _, t := range r.pending {
		all = append(all, t)
	}
	for _, t := range r.active {
		all = append(all, t)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	for _, t := range all {
		_ = r.inner.Emit(t.event, t.body, nil)
	}
	if r.onReplay != nil {
		r.onReplay(len(all))
	}
}

// Tracked returns the number of pending and active requests.
func (r *Replayer) Tracked() (pending, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending), len(r.active)
}

func (r *Replayer) On(event string, h Handler) func() { return r.inner.On(event, h) }

func (r *Replayer) Connect(ctx context.Context) error { return r.inner.Connect(ctx) }

func (r *Replayer) Disconnect() error { return r.inner.Disconnect() }

func (r *Replayer) Close() error {
	r.mu.Lock()
	offs := r.offs
	r.offs = nil
	for _, t := range r.pending {
		offs = append(offs, t.offs...)
	}
	r.pending = make(map[string]*tracked)
	r.active = make(map[string]*tracked)
	r.mu.Unlock()
	for _, off := range offs {
		off()
	}
	return r.inner.Close()
}
