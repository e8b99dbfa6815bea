package livecache

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/livecache/merge"
)

// HasNextFunc decides whether more pages follow a fetched page.
type HasNextFunc func(page []any, limit int, meta map[string]any) bool

// DefaultHasNext assumes more pages while a page comes back full.
func DefaultHasNext(page []any, limit int, _ map[string]any) bool {
	return len(page) >= limit
}

// PaginatedQuery is a cursor-paged list query.
type PaginatedQuery struct {
	CachedQuery // Method defaults to MethodGet; MethodStream is also valid

	Limit         int
	LimitKey      string // "" => "limit"
	CursorKey     string // "" => "cursor"
	NextCursorKey string // "" => "next_cursor"; read from response meta
	HasNext       HasNextFunc
	// UseFullCache shows every accumulated page on return instead of
	// reslicing the list to its first page.
	UseFullCache bool
}

func (q PaginatedQuery) withDefaults() PaginatedQuery {
	q.Method = coalesce(q.Method, MethodGet)
	q.LimitKey = coalesce(q.LimitKey, defaultLimitKey)
	q.CursorKey = coalesce(q.CursorKey, defaultCursorKey)
	q.NextCursorKey = coalesce(q.NextCursorKey, defaultNextCursorKey)
	if q.HasNext == nil {
		q.HasNext = DefaultHasNext
	}
	return q
}

// limited returns the query with the page limit written into its payload.
func (q PaginatedQuery) limited(limit int) (Query, error) {
	payload, err := normalizePayload(q.Payload)
	if err != nil {
		return Query{}, err
	}
	if limit > 0 {
		payload[q.LimitKey] = limit
	}
	return Query{Namespace: q.Namespace, Scope: q.Scope, Payload: payload}, nil
}

// PaginatedState is the state of a paginated entry.
type PaginatedState struct {
	EntryState
	// Cursor is the cursor of the next page, if any.
	Cursor string
}

// PaginatedSubscription is the handle of a paginated request.
type PaginatedSubscription struct {
	Key          string
	FirstPageKey string

	c      *Client
	q      PaginatedQuery
	req    Request
	pages  *Entry
	first  *Entry
	remove func()

	mu       sync.Mutex
	inFlight *subscription
}

// Entry returns the entry accumulating every fetched page.
func (p *PaginatedSubscription) Entry() *Entry { return p.pages }

// State returns the accumulated list with its paging state.
func (p *PaginatedSubscription) State() PaginatedState {
	return paginatedState(p.pages.State(), p.q.NextCursorKey)
}

func paginatedState(st EntryState, nextCursorKey string) PaginatedState {
	ps := PaginatedState{EntryState: st}
	if c, ok := st.Meta[nextCursorKey]; ok && c != nil {
		ps.Cursor = merge.Key(c)
	}
	return ps
}

// Unsubscribe detaches the caller. Safe to call more than once.
func (p *PaginatedSubscription) Unsubscribe() { p.remove() }

// SlicePaginatedCache resets the accumulated entry of q to its first page,
// so a returning view starts where a fresh one would. Listeners of the
// accumulated entry are notified. It is a no-op while the accumulated list
// is being fetched or when no first page is cached.
func (c *Client) SlicePaginatedCache(q PaginatedQuery) error {
	q = q.withDefaults()
	lq, err := q.limited(q.Limit)
	if err != nil {
		return err
	}
	pagesKey, err := c.cacheKey(lq, PagesKey)
	if err != nil {
		return err
	}
	firstKey, err := c.cacheKey(lq, FirstPageKey)
	if err != nil {
		return err
	}
	policy := q.Policy.orDefault()
	pages, first := c.Cache().Get(pagesKey, policy), c.Cache().Get(firstKey, policy)
	if pages == nil || first == nil {
		return nil
	}
	fst := first.State()
	if !fst.HasData() {
		return nil
	}
	if pages.State().IsFetching() {
		return nil
	}
	pages.commit(nil, func(st *EntryState) (bool, error) {
		if st.IsFetching() {
			return false, nil
		}
		st.Data = fst.Data
		st.Value = fst.Value
		st.Meta = fst.Meta
		st.Timestamp = fst.Timestamp
		st.HasNext = fst.HasNext
		st.IsDone = fst.IsDone
		return false, nil
	})
	return nil
}

// CachedPaginatedRequest fetches the first page of q per its cache policy
// and returns a handle whose FetchMore appends further pages.
func (c *Client) CachedPaginatedRequest(ctx context.Context, q PaginatedQuery) (*PaginatedSubscription, error) {
	q = q.withDefaults()
	if len(q.Scope) == 0 {
		return nil, ErrEmptyScope
	}
	policy := q.Policy.orDefault()
	if _, err := ShouldReturnCachedData(policy); err != nil {
		return nil, err
	}
	lq, err := q.limited(q.Limit)
	if err != nil {
		return nil, err
	}
	req, err := lq.request()
	if err != nil {
		return nil, err
	}
	pagesKey, err := c.cacheKey(lq, PagesKey)
	if err != nil {
		return nil, err
	}
	firstKey, err := c.cacheKey(lq, FirstPageKey)
	if err != nil {
		return nil, err
	}
	if !q.UseFullCache {
		if err := c.SlicePaginatedCache(q); err != nil {
			return nil, err
		}
	}

	cache := c.Cache()
	pages := cache.GetOrCreate(pagesKey, policy)
	first := cache.GetOrCreate(firstKey, policy)
	p := &PaginatedSubscription{
		Key:          pagesKey,
		FirstPageKey: firstKey,
		c:            c,
		q:            q,
		req:          req,
		pages:        pages,
		first:        first,
	}

	_, h, remove, err := pages.attach(policy, holder(q.OnData), newSubscription)
	if err != nil {
		return nil, err
	}
	p.remove = remove
	if h != nil {
		f := c.fetchFor(pagesKey, q.CachedQuery, req)
		f.strategy = pageStrategy(q.Merge, false)
		f.after = p.recordPage
		f.applied = p.mirrorFirstPage
		if err := c.start(ctx, pages, h, f); err != nil {
			c.abandon(pages, h, remove, err)
			return nil, err
		}
	}
	return p, nil
}

// FetchMore requests the page after the last cursor and appends it. It is
// a no-op while a page is in flight or when no further page is expected.
func (p *PaginatedSubscription) FetchMore(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight != nil && !p.inFlight.aborted() {
		return nil
	}
	st := p.State()
	if st.IsFetching() || !st.HasNext || st.Cursor == "" {
		return nil
	}
	_, h, _, err := p.pages.attach(NetworkOnly, nil, newSubscription)
	if err != nil || h == nil {
		return err
	}
	p.inFlight = h
	req := p.req.withPayload(map[string]any{p.q.CursorKey: st.Cursor})
	f := p.c.fetchFor(p.Key, p.q.CachedQuery, req)
	f.strategy = pageStrategy(p.q.Merge, true)
	f.after = p.recordPage
	if err := p.c.start(ctx, p.pages, h, f); err != nil {
		p.pages.commit(h, func(st *EntryState) (bool, error) {
			st.Status = StatusError
			st.Err = err
			return true, nil
		})
		return err
	}
	return nil
}

// recordPage updates HasNext from the message just folded into st. Streams
// deliver a page in several batches, so they rely on the next cursor alone.
func (p *PaginatedSubscription) recordPage(st *EntryState, scope string, next any, resp Response) {
	if p.q.Method == MethodStream {
		c, ok := st.Meta[p.q.NextCursorKey]
		st.HasNext = ok && c != nil && merge.Key(c) != ""
		return
	}
	if scope == "" {
		return
	}
	page, _ := next.([]any)
	st.HasNext = p.q.HasNext(page, p.q.Limit, resp.Meta)
}

// mirrorFirstPage copies a freshly fetched first page into the first-page entry.
func (p *PaginatedSubscription) mirrorFirstPage(st EntryState) {
	p.first.commit(nil, func(fst *EntryState) (bool, error) {
		fst.Status = st.Status
		fst.Data = st.Data
		fst.Value = st.Value
		fst.Meta = st.Meta
		fst.Timestamp = st.Timestamp
		fst.HasNext = st.HasNext
		fst.IsDone = st.IsDone
		fst.IsStale = false
		fst.Err = nil
		return false, nil
	})
}

// pageStrategy folds pages with s (default merge.List). A page after the
// first arrives as "received" and is appended.
func pageStrategy(s merge.Strategy, more bool) merge.Strategy {
	if s == nil {
		s = merge.List
	}
	if !more {
		return s
	}
	return func(e merge.Event) (any, error) {
		if e.Kind == merge.Received {
			e.Kind = merge.Appended
		}
		return s(e)
	}
}
