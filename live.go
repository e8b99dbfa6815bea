package livecache

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/livecache/merge"
)

// LiveQuery combines a live low-limit subscription with a paginated list.
type LiveQuery struct {
	PaginatedQuery
	// LiveMerge folds live events; nil => merge.ListReverseChronological.
	LiveMerge merge.Strategy
	// OnUpdate observes the union after any change of either half.
	OnUpdate func(LiveState)
}

// LiveState is the union of both halves: fresh live items not yet in the
// paginated list come first.
type LiveState struct {
	PaginatedState
	Items []any
}

// LiveSubscription is the handle of SubscribeLivePaginated.
type LiveSubscription struct {
	live  *Subscription
	pages *PaginatedSubscription
	id    merge.IDFunc

	mu       sync.Mutex
	onUpdate func(LiveState)
}

// liveLimit keeps the live payload distinct from every page request.
func liveLimit(limit int) int {
	return max(1, min(maxLiveLimit, limit-1))
}

// SubscribeLivePaginated opens a live "subscribe" query for the newest
// items next to a paginated request for the full list.
func (c *Client) SubscribeLivePaginated(ctx context.Context, q LiveQuery) (*LiveSubscription, error) {
	pq := q.PaginatedQuery.withDefaults()
	ls := &LiveSubscription{id: pq.ID}
	if ls.id == nil {
		ls.id = merge.DefaultID
	}

	lq, err := pq.limited(liveLimit(pq.Limit))
	if err != nil {
		return nil, err
	}
	liveMerge := q.LiveMerge
	if liveMerge == nil {
		liveMerge = merge.ListReverseChronological
	}
	live, err := c.CachedSubscribe(ctx, CachedQuery{
		Query:   lq,
		Method:  MethodSubscribe,
		Policy:  pq.Policy,
		Merge:   liveMerge,
		ID:      pq.ID,
		Verify:  pq.Verify,
		OnData:  func(EntryState) { ls.notify() },
		OnError: pq.OnError,
	})
	if err != nil {
		return nil, err
	}

	pq.OnData = func(EntryState) { ls.notify() }
	pages, err := c.CachedPaginatedRequest(ctx, pq)
	if err != nil {
		live.Unsubscribe()
		return nil, err
	}

	ls.mu.Lock()
	ls.live, ls.pages = live, pages
	ls.onUpdate = q.OnUpdate
	ls.mu.Unlock()
	return ls, nil
}

func (l *LiveSubscription) notify() {
	l.mu.Lock()
	fn := l.onUpdate
	ready := l.live != nil && l.pages != nil
	l.mu.Unlock()
	if fn != nil && ready {
		fn(l.State())
	}
}

// State returns the current union.
func (l *LiveSubscription) State() LiveState {
	l.mu.Lock()
	live, pages := l.live, l.pages
	l.mu.Unlock()

	ps := pages.State()
	lst := live.Entry().State()
	scope := pages.q.Scope[0]

	paged, _ := ps.Data[scope].([]any)
	fresh, _ := lst.Data[scope].([]any)

	seen := make(map[string]struct{}, len(paged))
	for _, it := range paged {
		seen[merge.Key(l.id(it))] = struct{}{}
	}
	items := make([]any, 0, len(fresh)+len(paged))
	for _, it := range fresh {
		if _, dup := seen[merge.Key(l.id(it))]; !dup {
			items = append(items, it)
		}
	}
	items = append(items, paged...)

	out := LiveState{PaginatedState: ps, Items: items}
	// loading or fetching if either half is
	if lst.IsLoading() && !ps.IsLoading() {
		out.Status = StatusRequested
	} else if lst.IsFetching() && !ps.IsFetching() {
		out.Status = StatusUpdating
	}
	return out
}

// FetchMore forwards to the paginated half.
func (l *LiveSubscription) FetchMore(ctx context.Context) error { return l.pages.FetchMore(ctx) }

// Unsubscribe detaches both halves. Safe to call more than once.
func (l *LiveSubscription) Unsubscribe() {
	l.mu.Lock()
	l.onUpdate = nil
	l.mu.Unlock()
	l.live.Unsubscribe()
	l.pages.Unsubscribe()
}
