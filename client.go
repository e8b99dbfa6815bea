package livecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/livecache/merge"
	"github.com/unkn0wn-root/livecache/transport"
	"github.com/unkn0wn-root/livecache/transport/websocket"
)

// Options configure a Client. URL and APIToken are required before any
// request reaches the network; everything else has a default.
type Options struct {
	URL      string
	APIToken string

	Dial  transport.Dialer // nil => gorilla websocket dialer
	Cache RequestCache     // nil => MemoryCache

	// WillSendRequest may rewrite a request before it is emitted. For cached
	// subscriptions it runs in its own goroutine; its ctx derives from the
	// caller's and is also cancelled when the subscription is abandoned
	// before the hook returns.
	WillSendRequest func(ctx context.Context, req Request, namespace string) (Request, error)
	// CacheKey rewrites canonical query keys.
	CacheKey func(key string) string

	Logger Logger       // if nil, NopLogger is used
	Hooks  Hooks        // if nil, NopHooks is used
	Retry  RetryPolicy  // throttle retries; zero => 1s base, 3 retries
	Tracer trace.Tracer // nil => otel global tracer

	// IdleWait is how long connections survive Background; 0 => 20s.
	IdleWait time.Duration
}

// Client multiplexes cached queries over pooled transports.
type Client struct {
	mu    sync.RWMutex
	opts  Options
	cache RequestCache
	pool  *transport.Pool
	log   Logger
	hooks Hooks
}

func New(opts Options) (*Client, error) {
	c := &Client{}
	if err := c.Configure(opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Configure replaces the client configuration. Connections opened under
// the previous configuration are closed; the cache is kept unless opts
// carries a new one.
func (c *Client) Configure(opts Options) error {
	if opts.APIToken != "" && opts.URL == "" {
		return fmt.Errorf("livecache: url is required")
	}
	if opts.Dial == nil {
		opts.Dial = websocket.Dialer(nil)
	}
	log := coalesce[Logger](opts.Logger, NopLogger{})
	hooks := coalesce[Hooks](opts.Hooks, NopHooks{})
	pool := transport.NewPool(opts.Dial, func(ep transport.Endpoint, n int) {
		hooks.SubscriptionsReplayed(ep.Namespace, n)
		log.Info("requests replayed after reconnect", Fields{"namespace": ep.Namespace, "count": n})
	})
	pool.IdleWait = opts.IdleWait

	c.mu.Lock()
	old := c.pool
	c.opts = opts
	c.log = log
	c.hooks = hooks
	c.pool = pool
	if opts.Cache != nil {
		c.cache = opts.Cache
	} else if c.cache == nil {
		c.cache = NewMemoryCache()
	}
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn("closing previous transports", Fields{}.withErr(err))
		}
	}
	return nil
}

// Cache returns the request cache in use.
func (c *Client) Cache() RequestCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

// Close closes every pooled transport. The cache is left to its owner.
func (c *Client) Close(context.Context) error {
	c.mu.RLock()
	pool := c.pool
	c.mu.RUnlock()
	return pool.Close()
}

// Background tells the client the application went to the background.
// Connections are dropped once the idle wait passes without Foreground.
func (c *Client) Background() {
	c.mu.RLock()
	pool := c.pool
	c.mu.RUnlock()
	pool.Background()
}

// Foreground restores connections dropped by Background. Their reconnect
// replays every active subscription.
func (c *Client) Foreground(ctx context.Context) error {
	c.mu.RLock()
	pool := c.pool
	c.mu.RUnlock()
	if err := pool.Foreground(ctx); err != nil {
		return fmt.Errorf("livecache: foreground: %w", err)
	}
	return nil
}

func (c *Client) transportFor(ctx context.Context, namespace string) (transport.Transport, error) {
	c.mu.RLock()
	url, token, pool := c.opts.URL, c.opts.APIToken, c.pool
	c.mu.RUnlock()
	if url == "" {
		return nil, ErrNotConfigured
	}
	return pool.Get(ctx, transport.Endpoint{URL: url, Namespace: namespace, Token: token})
}

func (c *Client) cacheKey(q Query, p Pagination) (string, error) {
	key, err := QueryKey(q, p)
	if err != nil {
		return "", err
	}
	c.mu.RLock()
	rewrite := c.opts.CacheKey
	c.mu.RUnlock()
	if rewrite != nil {
		key = rewrite(key)
	}
	return key, nil
}

func (c *Client) subscribeOptions(t transport.Transport, namespace string, req Request) SubscribeOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SubscribeOptions{
		Transport: t,
		Namespace: namespace,
		Request:   req,
		Retry:     c.opts.Retry,
		Hooks:     c.hooks,
		Logger:    c.log,
		Tracer:    c.opts.Tracer,
	}
}

// Subscribe opens a raw, uncached subscription. Messages are verified
// against the request payload with VerifyByMeta.
func (c *Client) Subscribe(ctx context.Context, q Query, method Method, onMessage MessageHandler) (Unsubscribe, error) {
	req, err := q.request()
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	hook := c.opts.WillSendRequest
	c.mu.RUnlock()
	if hook != nil {
		if req, err = hook(ctx, req, q.Namespace); err != nil {
			return nil, err
		}
	}
	t, err := c.transportFor(ctx, q.Namespace)
	if err != nil {
		return nil, err
	}
	so := c.subscribeOptions(t, q.Namespace, req)
	so.Method = method
	so.OnMessage = onMessage
	return Subscribe(so)
}

// CachedQuery is a query served through the request cache.
type CachedQuery struct {
	Query
	Method Method         // "" => MethodSubscribe
	Policy CachePolicy    // "" => DefaultCachePolicy
	Merge  merge.Strategy // nil => merge.Dict
	ID     merge.IDFunc   // nil => merge.DefaultID
	Verify VerifyFunc     // nil => VerifyByRequestID

	// OnData observes every state transition of the entry.
	OnData       Listener
	OnAnyMessage MessageHandler
	OnError      func(error)
}

// Subscription is the handle of a cached subscription.
type Subscription struct {
	Key string

	entry      *Entry
	initial    EntryState
	hasInitial bool
	remove     func()
}

// Entry returns the cache entry backing the subscription.
func (s *Subscription) Entry() *Entry { return s.entry }

// Initial returns the cached state as of the call, when the policy returns
// cached data. It is what a synchronous data callback would have received.
func (s *Subscription) Initial() (EntryState, bool) { return s.initial, s.hasInitial }

// Unsubscribe detaches the caller. Safe to call more than once.
func (s *Subscription) Unsubscribe() { s.remove() }

// holder returns fn, or a no-op listener when fn is nil: a handle keeps
// its entry's subscription alive whether or not it observes it.
func holder(fn Listener) Listener {
	if fn == nil {
		return func(EntryState) {}
	}
	return fn
}

// CachedSubscribe serves q from the cache and opens a network subscription
// when the policy asks for one. Identical concurrent calls share one
// entry and one network subscription.
func (c *Client) CachedSubscribe(ctx context.Context, q CachedQuery) (*Subscription, error) {
	req, err := q.request()
	if err != nil {
		return nil, err
	}
	policy := q.Policy.orDefault()
	returnCached, err := ShouldReturnCachedData(policy)
	if err != nil {
		return nil, err
	}
	key, err := c.cacheKey(q.Query, NotPaginated)
	if err != nil {
		return nil, err
	}
	e := c.Cache().GetOrCreate(key, policy)
	st, h, remove, err := e.attach(policy, holder(q.OnData), newSubscription)
	if err != nil {
		return nil, err
	}
	if h != nil {
		f := c.fetchFor(key, q, req)
		if err := c.start(ctx, e, h, f); err != nil {
			c.abandon(e, h, remove, err)
			return nil, err
		}
	}
	sub := &Subscription{Key: key, entry: e, remove: remove}
	if returnCached {
		sub.initial, sub.hasInitial = st, true
	}
	return sub, nil
}

// GetFromCache returns the cached state of q, if the policy serves cached
// data and an entry is visible under it.
func (c *Client) GetFromCache(q CachedQuery) (EntryState, bool) {
	policy := q.Policy.orDefault()
	if ok, err := ShouldReturnCachedData(policy); err != nil || !ok {
		return EntryState{}, false
	}
	key, err := c.cacheKey(q.Query, NotPaginated)
	if err != nil {
		return EntryState{}, false
	}
	e := c.Cache().Get(key, policy)
	if e == nil {
		return EntryState{}, false
	}
	return e.State(), true
}

// fetch describes one network request folded into an entry.
type fetch struct {
	key      string
	ns       string
	req      Request
	method   Method
	strategy merge.Strategy
	id       merge.IDFunc
	verify   VerifyFunc
	onAny    MessageHandler
	onError  func(error)
	// after runs inside the commit of every folded message; scope is ""
	// for "done".
	after func(st *EntryState, scope string, next any, resp Response)
	// applied receives the state committed by every folded message.
	applied func(st EntryState)

	log   Logger
	hooks Hooks
}

func (c *Client) fetchFor(key string, q CachedQuery, req Request) fetch {
	f := fetch{
		key:      key,
		ns:       q.Namespace,
		req:      req,
		method:   coalesce(q.Method, MethodSubscribe),
		strategy: q.Merge,
		id:       q.ID,
		verify:   q.Verify,
		onAny:    q.OnAnyMessage,
		onError:  q.OnError,
	}
	if f.strategy == nil {
		f.strategy = merge.Dict
	}
	if f.verify == nil {
		f.verify = VerifyByRequestID
	}
	c.mu.RLock()
	f.log, f.hooks = c.log, c.hooks
	c.mu.RUnlock()
	return f
}

// start runs the pre-send hook and opens the network subscription for h.
// Without a hook the subscription is open when start returns.
//
// ctx bounds sending only: the hook and the dial see it cancelled when
// either the caller's ctx ends or h is closed. A subscription that was
// sent lives until its last listener leaves.
func (c *Client) start(ctx context.Context, e *Entry, h *subscription, f fetch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	hook := c.opts.WillSendRequest
	c.mu.RUnlock()
	if hook == nil {
		return c.open(ctx, e, h, f)
	}
	sendCtx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(h.ctx, cancel)
	go func() {
		defer cancel()
		defer unlink()
		req, err := hook(sendCtx, f.req, f.ns)
		if h.aborted() {
			return
		}
		if err == nil {
			// the caller gave up before the request went out
			err = sendCtx.Err()
		}
		if err == nil {
			f.req = req
			err = c.open(sendCtx, e, h, f)
		}
		if err != nil {
			c.fail(e, h, f, err)
		}
	}()
	return nil
}

func (c *Client) open(ctx context.Context, e *Entry, h *subscription, f fetch) error {
	if len(f.req.Scope) == 0 {
		return ErrEmptyScope
	}
	t, err := c.transportFor(ctx, f.ns)
	if err != nil {
		return err
	}
	f.req = f.req.withPayload(map[string]any{"request_id": ulid.Make().String()})
	so := c.subscribeOptions(t, f.ns, f.req)
	so.Method = f.method
	so.Verify = f.verify
	so.OnAnyMessage = f.onAny
	so.OnMessage = c.fold(e, h, f)
	so.OnError = func(err error) { c.fail(e, h, f, err) }
	unsub, err := Subscribe(so)
	if err != nil {
		return err
	}
	h.bind(unsub)
	return nil
}

// abandon undoes a subscription whose request could not be sent.
func (c *Client) abandon(e *Entry, h *subscription, remove func(), err error) {
	remove()
	e.commit(h, func(st *EntryState) (bool, error) {
		st.Status = StatusError
		st.Err = err
		return true, nil
	})
	h.close()
}

func (c *Client) fail(e *Entry, h *subscription, f fetch, err error) {
	_, ok, _ := e.commit(h, func(st *EntryState) (bool, error) {
		st.Status = StatusError
		st.Err = err
		return true, nil
	})
	if !ok {
		return
	}
	f.log.Debug("request failed", keyFields(f.key, Fields{"namespace": f.ns}).withErr(err))
	if f.onError != nil {
		f.onError(err)
	}
}

// fold returns the message handler that merges responses into e.
func (c *Client) fold(e *Entry, h *subscription, f fetch) MessageHandler {
	return func(kind merge.Kind, resp Response) {
		if status, _ := resp.Meta["status"].(string); status == "error" {
			typ, _ := resp.Meta["type"].(string)
			c.fail(e, h, f, &ResponseError{
				Event:  string(f.method),
				Scope:  f.req.Scope[0],
				Type:   typ,
				Detail: resp.Meta["error"],
			})
			return
		}

		if kind == merge.Done {
			st, ok, _ := e.commit(h, func(st *EntryState) (bool, error) {
				st.Status = StatusOK
				st.IsDone = true
				st.IsStale = false
				if resp.Meta != nil {
					st.Meta = resp.Meta
				}
				if f.after != nil {
					f.after(st, "", nil, resp)
				}
				return f.method != MethodSubscribe, nil
			})
			if ok && f.applied != nil {
				f.applied(st)
			}
			return
		}

		scope, ok := pickScope(f.req.Scope, resp.Payload)
		if !ok {
			return
		}
		next := resp.Payload[scope]
		st, ok, err := e.commit(h, func(st *EntryState) (bool, error) {
			v, err := f.strategy(merge.Event{Kind: kind, Prev: st.Data[scope], Next: next, ID: f.id})
			if err != nil {
				ierr := &InvariantError{Key: f.key, Scope: scope, Kind: string(kind), Err: err}
				st.Status = StatusError
				st.Err = ierr
				return true, ierr
			}
			st.Data = withScope(st.Data, scope, v)
			st.Value = v
			st.Meta = resp.Meta
			st.Timestamp = time.Now()
			st.IsStale = false
			st.Err = nil
			switch f.method {
			case MethodStream:
				st.Status = StatusUpdating
			case MethodGet:
				st.Status = StatusOK
				st.IsDone = true
			default:
				st.Status = StatusOK
			}
			if f.after != nil {
				f.after(st, scope, next, resp)
			}
			return f.method == MethodGet, nil
		})
		if err != nil {
			f.log.Error("merge failed", keyFields(f.key, Fields{"scope": scope, "event": string(kind)}).withErr(err))
			f.hooks.MergeFailed(f.key, scope, err)
			if f.onError != nil {
				f.onError(err)
			}
			return
		}
		if ok && f.applied != nil {
			f.applied(st)
		}
	}
}

// pickScope returns the first requested scope present in payload.
func pickScope(scopes []string, payload map[string]any) (string, bool) {
	for _, s := range scopes {
		if _, ok := payload[s]; ok {
			return s, true
		}
	}
	return "", false
}
