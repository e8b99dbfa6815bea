package livecache

import (
	"context"
	"maps"
	"sync"
	"time"
)

// EntryState is an immutable snapshot of an Entry handed to listeners.
// Data maps are never mutated after publication; updates copy them.
type EntryState struct {
	Status Status
	// Data holds the folded value per scope name.
	Data map[string]any
	// Value is the value most recently written to any scope.
	Value     any
	Timestamp time.Time
	Meta      map[string]any

	// HasSubscribers reports whether a network subscription backs the entry.
	HasSubscribers bool
	// IsStale is set on entries loaded from durable storage until their
	// first fresh update.
	IsStale bool
	IsDone  bool
	Err     error
	// HasNext is only meaningful for paginated entries.
	HasNext bool
}

func (s EntryState) IsLoading() bool  { return s.Status == StatusRequested }
func (s EntryState) IsFetching() bool { return s.Status == StatusRequested || s.Status == StatusUpdating }
func (s EntryState) IsError() bool    { return s.Status == StatusError || s.Err != nil }
func (s EntryState) HasData() bool    { return s.Status == StatusOK || s.Status == StatusUpdating }

// Scope returns the value cached for scope.
func (s EntryState) Scope(scope string) (any, bool) {
	v, ok := s.Data[scope]
	return v, ok
}

// withScope returns a copy of data with scope set to v.
func withScope(data map[string]any, scope string, v any) map[string]any {
	out := make(map[string]any, len(data)+1)
	maps.Copy(out, data)
	out[scope] = v
	return out
}

// Listener observes entry state transitions.
type Listener func(EntryState)

type listener struct {
	id uint64
	fn Listener
}

// Entry is the cached state of one logical query.
//
// Client listeners are refcounted. Removing the last one closes the backing
// network subscription; a request still waiting for its first response
// reverts the entry to no-requests. Watchers are internal observers that
// do not count as listeners.
type Entry struct {
	mu        sync.Mutex
	state     EntryState
	sub       *subscription
	listeners []listener
	nextID    uint64
	watchers  []Listener
}

func newEntry(status Status) *Entry {
	return &Entry{state: EntryState{Status: status}}
}

func newEntryFromState(st EntryState) *Entry {
	st.HasSubscribers = false
	return &Entry{state: st}
}

// State returns the current snapshot.
func (e *Entry) State() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Listeners returns the number of attached client listeners.
func (e *Entry) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Listen attaches fn without issuing a request. The returned func detaches
// it; removing the last listener closes the network subscription.
func (e *Entry) Listen(fn Listener) (remove func()) {
	e.mu.Lock()
	id := e.addLocked(fn)
	e.mu.Unlock()
	return e.remover(id)
}

func (e *Entry) addLocked(fn Listener) uint64 {
	e.nextID++
	e.listeners = append(e.listeners, listener{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *Entry) remover(id uint64) func() {
	var once sync.Once
	return func() { once.Do(func() { e.detach(id) }) }
}

// attach decides whether policy needs a request, registers fn and, if so,
// installs a subscription created by open. All three happen under the entry
// lock so that concurrent identical calls install exactly one subscription.
// Installing does not notify listeners; the returned state reflects it.
func (e *Entry) attach(policy CachePolicy, fn Listener, open func() *subscription) (st EntryState, h *subscription, remove func(), err error) {
	e.mu.Lock()
	need, err := IsRequestNeeded(policy, &e.state, e.sub != nil)
	if err != nil {
		e.mu.Unlock()
		return EntryState{}, nil, nil, err
	}
	var replaced *subscription
	if need {
		h = open()
		replaced, e.sub = e.sub, h
		if e.state.Status == StatusOK || e.state.Status == StatusError {
			e.state.Status = StatusUpdating
		} else {
			e.state.Status = StatusRequested
		}
		e.state.HasSubscribers = true
		e.state.IsDone = false
	}
	var id uint64
	if fn != nil {
		id = e.addLocked(fn)
	}
	st = e.state
	e.mu.Unlock()

	if replaced != nil {
		replaced.close()
	}
	if fn != nil {
		remove = e.remover(id)
	} else {
		remove = func() {}
	}
	return st, h, remove, nil
}

func (e *Entry) detach(id uint64) {
	e.mu.Lock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			break
		}
	}
	var sub *subscription
	if len(e.listeners) == 0 {
		sub, e.sub = e.sub, nil
		e.state.HasSubscribers = false
		switch {
		case e.state.Status == StatusRequested:
			e.state.Status = StatusNoRequests
		case e.state.Status == StatusUpdating && sub != nil:
			// an abandoned refresh must not block the next one
			if e.state.Data != nil {
				e.state.Status = StatusOK
			} else {
				e.state.Status = StatusNoRequests
			}
		}
	}
	e.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// watch registers an internal observer called after every committed change.
func (e *Entry) watch(fn Listener) {
	e.mu.Lock()
	e.watchers = append(e.watchers, fn)
	e.mu.Unlock()
}

// commit applies fn to the state under the lock and notifies listeners and
// watchers with the result. When fn returns drop and h is the installed
// subscription, h is detached and closed. Updates from a closed handle are
// ignored and reported with ok false.
func (e *Entry) commit(h *subscription, fn func(st *EntryState) (drop bool, err error)) (next EntryState, ok bool, err error) {
	if h != nil && h.aborted() {
		return EntryState{}, false, nil
	}
	e.mu.Lock()
	next = e.state
	drop, err := fn(&next)
	var sub *subscription
	if drop && h != nil && e.sub == h {
		sub, e.sub = h, nil
		next.HasSubscribers = false
	}
	e.state = next
	ls := make([]Listener, 0, len(e.listeners)+len(e.watchers))
	for _, l := range e.listeners {
		ls = append(ls, l.fn)
	}
	ls = append(ls, e.watchers...)
	e.mu.Unlock()

	if sub != nil {
		sub.close()
	}
	for _, fn := range ls {
		fn(next)
	}
	return next, true, err
}

// subscription is the cancellable handle of one network subscription.
type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	unsub  Unsubscribe
	closed bool
}

func newSubscription() *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{ctx: ctx, cancel: cancel}
}

// bind attaches the transport teardown. If the handle was closed meanwhile,
// u is called right away and bind reports false.
func (s *subscription) bind(u Unsubscribe) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		u()
		return false
	}
	s.unsub = u
	s.mu.Unlock()
	return true
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	u := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	s.cancel()
	if u != nil {
		u()
	}
}

func (s *subscription) aborted() bool { return s.ctx.Err() != nil }
