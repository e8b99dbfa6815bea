package livecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/livecache/merge"
)

func pricesQuery(policy CachePolicy, log *stateLog) CachedQuery {
	q := CachedQuery{
		Query:  Query{Namespace: "assets", Scope: []string{"prices"}, Payload: map[string]any{"currency": "usd"}},
		Policy: policy,
	}
	if log != nil {
		q.OnData = log.listen
	}
	return q
}

func TestCachedSubscribeDedupsIdenticalQueries(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t, Options{})
	var a, b stateLog

	s1, err := c.CachedSubscribe(ctx, pricesQuery(CacheFirst, &a))
	if err != nil {
		t.Fatalf("CachedSubscribe: %v", err)
	}
	s2, err := c.CachedSubscribe(ctx, pricesQuery(CacheFirst, &b))
	if err != nil {
		t.Fatalf("CachedSubscribe: %v", err)
	}
	if s1.Entry() != s2.Entry() || s1.Key != s2.Key {
		t.Fatalf("identical queries must share an entry")
	}
	if n := len(fake.Emits("subscribe")); n != 1 {
		t.Fatalf("subscribe emits = %d, want 1", n)
	}
	if st, ok := s1.Initial(); !ok || st.Status != StatusRequested {
		t.Fatalf("initial = %+v %v", st, ok)
	}

	req := sent(t, fake, "subscribe", 0)
	if req.Payload["request_id"] == nil {
		t.Fatalf("request id not stamped: %v", req.Payload)
	}
	reply(fake, "received assets prices", req, map[string]any{"prices": map[string]any{"BTC": 1.0}}, nil)

	for _, l := range []*stateLog{&a, &b} {
		st := l.last()
		if st.Status != StatusOK || st.Data["prices"].(map[string]any)["BTC"] != 1.0 {
			t.Fatalf("listener state = %+v", st)
		}
	}

	// a foreign response on the shared channel is ignored
	other := Request{Scope: req.Scope, Payload: map[string]any{"request_id": "someone-else"}}
	reply(fake, "changed assets prices", other, map[string]any{"prices": []any{map[string]any{"id": "BTC", "v": 9.0}}}, nil)
	if a.len() != 1 {
		t.Fatalf("foreign response notified listeners")
	}

	reply(fake, "changed assets prices", req, map[string]any{"prices": []any{map[string]any{"id": "ETH", "v": 2.0}}}, nil)
	prices := a.last().Data["prices"].(map[string]any)
	if len(prices) != 2 || prices["ETH"] == nil {
		t.Fatalf("changed not merged: %v", prices)
	}

	s1.Unsubscribe()
	if len(fake.Emits("unsubscribe")) != 0 {
		t.Fatalf("unsubscribed while a listener remains")
	}
	s2.Unsubscribe()
	s2.Unsubscribe()
	if n := len(fake.Emits("unsubscribe")); n != 1 {
		t.Fatalf("unsubscribe emits = %d, want 1", n)
	}
	if fake.Handlers("received assets prices") != 0 {
		t.Fatalf("handlers left after teardown")
	}
	if st := s1.Entry().State(); st.Status != StatusOK || st.HasSubscribers {
		t.Fatalf("entry after teardown = %+v", st)
	}
}

func TestCacheFirstServesResolvedEntry(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t, Options{})
	q := pricesQuery(CacheFirst, nil)
	q.Method = MethodGet

	s, _ := c.CachedSubscribe(ctx, q)
	req := sent(t, fake, "get", 0)
	reply(fake, "received assets prices", req, map[string]any{"prices": map[string]any{"BTC": 1.0}}, nil)

	st := s.Entry().State()
	if st.Status != StatusOK || !st.IsDone || st.HasSubscribers {
		t.Fatalf("get should complete and drop its subscription: %+v", st)
	}
	s.Unsubscribe()

	s2, _ := c.CachedSubscribe(ctx, q)
	defer s2.Unsubscribe()
	if n := len(fake.Emits("get")); n != 1 {
		t.Fatalf("cache-first refetched: %d gets", n)
	}
	if init, ok := s2.Initial(); !ok || !init.HasData() {
		t.Fatalf("cached data not returned: %+v", init)
	}

	got, ok := c.GetFromCache(q)
	if !ok || got.Status != StatusOK {
		t.Fatalf("GetFromCache = %+v %v", got, ok)
	}
}

func TestCacheAndNetworkRefreshes(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t, Options{})
	q := pricesQuery(CacheAndNetwork, nil)
	q.Method = MethodGet

	s, _ := c.CachedSubscribe(ctx, q)
	reply(fake, "received assets prices", sent(t, fake, "get", 0), map[string]any{"prices": map[string]any{"BTC": 1.0}}, nil)
	s.Unsubscribe()

	var log stateLog
	q.OnData = log.listen
	s2, _ := c.CachedSubscribe(ctx, q)
	defer s2.Unsubscribe()
	init, _ := s2.Initial()
	if init.Status != StatusUpdating || !init.HasData() {
		t.Fatalf("refresh should keep data while updating: %+v", init)
	}
	reply(fake, "received assets prices", sent(t, fake, "get", 1), map[string]any{"prices": map[string]any{"BTC": 2.0}}, nil)
	if st := log.last(); st.Status != StatusOK || st.Data["prices"].(map[string]any)["BTC"] != 2.0 {
		t.Fatalf("refreshed state = %+v", st)
	}
}

func TestNetworkOnlyHasNoInitial(t *testing.T) {
	c, _ := newTestClient(t, Options{})
	s, err := c.CachedSubscribe(context.Background(), pricesQuery(NetworkOnly, nil))
	if err != nil {
		t.Fatalf("CachedSubscribe: %v", err)
	}
	defer s.Unsubscribe()
	if _, ok := s.Initial(); ok {
		t.Fatalf("network-only must not return cached data")
	}
	if _, ok := c.GetFromCache(pricesQuery(NetworkOnly, nil)); ok {
		t.Fatalf("GetFromCache under network-only")
	}
}

func TestCacheOnlyNeverRequests(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	s, err := c.CachedSubscribe(context.Background(), pricesQuery(CacheOnly, nil))
	if err != nil {
		t.Fatalf("CachedSubscribe: %v", err)
	}
	defer s.Unsubscribe()
	if len(fake.Emits("")) != 0 {
		t.Fatalf("cache-only emitted")
	}
	if init, _ := s.Initial(); init.Status != StatusNoRequests {
		t.Fatalf("initial = %+v", init)
	}
}

func TestServerErrorMovesEntryToError(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	var gotErr error
	q := pricesQuery(CacheFirst, nil)
	q.OnError = func(err error) { gotErr = err }
	s, _ := c.CachedSubscribe(context.Background(), q)
	defer s.Unsubscribe()

	reply(fake, "received assets prices", sent(t, fake, "subscribe", 0), nil,
		map[string]any{"status": "error", "type": "address.invalid", "error": "bad"})

	st := s.Entry().State()
	var re *ResponseError
	if st.Status != StatusError || !errors.As(st.Err, &re) || re.Type != "address.invalid" {
		t.Fatalf("state = %+v", st)
	}
	if gotErr == nil || st.HasSubscribers {
		t.Fatalf("OnError = %v, subscribed = %v", gotErr, st.HasSubscribers)
	}
}

func TestEventBeforeReceivedIsInvariantError(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	q := pricesQuery(CacheFirst, nil)
	q.Merge = merge.List
	s, _ := c.CachedSubscribe(context.Background(), q)
	defer s.Unsubscribe()

	reply(fake, "appended assets prices", sent(t, fake, "subscribe", 0), map[string]any{"prices": []any{1.0}}, nil)

	st := s.Entry().State()
	var ie *InvariantError
	if st.Status != StatusError || !errors.As(st.Err, &ie) || !errors.Is(st.Err, merge.ErrBeforeReceived) {
		t.Fatalf("state = %+v", st)
	}
	if len(fake.Emits("unsubscribe")) != 1 {
		t.Fatalf("failed subscription should be torn down")
	}
}

func TestStreamAccumulatesUntilDone(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	q := CachedQuery{
		Query:  Query{Namespace: "address", Scope: []string{"actions"}, Payload: map[string]any{"address": "0x1"}},
		Method: MethodStream,
		Merge:  merge.List,
	}
	s, _ := c.CachedSubscribe(context.Background(), q)
	defer s.Unsubscribe()
	req := sent(t, fake, "stream", 0)

	reply(fake, "received address actions", req, map[string]any{"actions": []any{map[string]any{"id": 1.0}}}, nil)
	reply(fake, "appended address actions", req, map[string]any{"actions": []any{map[string]any{"id": 2.0}}}, nil)
	if st := s.Entry().State(); st.Status != StatusUpdating || len(st.Data["actions"].([]any)) != 2 {
		t.Fatalf("mid-stream state = %+v", st)
	}
	reply(fake, "done address actions", req, nil, nil)
	if st := s.Entry().State(); st.Status != StatusOK || !st.IsDone || st.HasSubscribers {
		t.Fatalf("after done = %+v", st)
	}
}

func TestWillSendRequestRewritesPayload(t *testing.T) {
	c, fake := newTestClient(t, Options{
		WillSendRequest: func(_ context.Context, req Request, ns string) (Request, error) {
			return req.withPayload(map[string]any{"ns": ns}), nil
		},
	})
	s, _ := c.CachedSubscribe(context.Background(), pricesQuery(CacheFirst, nil))
	defer s.Unsubscribe()
	waitFor(t, "subscribe emit", func() bool { return len(fake.Emits("subscribe")) == 1 })
	req := sent(t, fake, "subscribe", 0)
	if req.Payload["ns"] != "assets" || req.Payload["request_id"] == nil {
		t.Fatalf("payload = %v", req.Payload)
	}
}

func TestUnsubscribeDuringHookAborts(t *testing.T) {
	started := make(chan struct{})
	var returned atomic.Bool
	c, fake := newTestClient(t, Options{
		WillSendRequest: func(ctx context.Context, req Request, _ string) (Request, error) {
			close(started)
			<-ctx.Done()
			returned.Store(true)
			return req, nil
		},
	})
	s, _ := c.CachedSubscribe(context.Background(), pricesQuery(CacheFirst, nil))
	<-started
	s.Unsubscribe()
	waitFor(t, "hook to observe cancellation", returned.Load)
	if len(fake.Emits("")) != 0 {
		t.Fatalf("aborted request was emitted")
	}
	if st := s.Entry().State(); st.Status != StatusNoRequests {
		t.Fatalf("status = %s", st.Status)
	}
}

func TestCallerCancelDuringHookStopsSend(t *testing.T) {
	started := make(chan struct{})
	c, fake := newTestClient(t, Options{
		WillSendRequest: func(ctx context.Context, req Request, _ string) (Request, error) {
			close(started)
			<-ctx.Done()
			return req, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	var log stateLog
	s, err := c.CachedSubscribe(ctx, pricesQuery(CacheFirst, &log))
	if err != nil {
		t.Fatalf("CachedSubscribe: %v", err)
	}
	defer s.Unsubscribe()
	<-started
	cancel()

	waitFor(t, "error state", func() bool { return log.last().Status == StatusError })
	if !errors.Is(log.last().Err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", log.last().Err)
	}
	if len(fake.Emits("")) != 0 {
		t.Fatalf("request emitted after the caller gave up")
	}
}

func TestCancelledContextIsRejected(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CachedSubscribe(ctx, pricesQuery(CacheFirst, nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(fake.Emits("")) != 0 {
		t.Fatalf("nothing should be emitted")
	}

	// a sent subscription outlives the ctx it was opened with
	ctx, cancel = context.WithCancel(context.Background())
	s, err := c.CachedSubscribe(ctx, pricesQuery(CacheFirst, nil))
	if err != nil {
		t.Fatalf("CachedSubscribe: %v", err)
	}
	defer s.Unsubscribe()
	cancel()
	if s.Entry().State().Status != StatusRequested || len(fake.Emits("unsubscribe")) != 0 {
		t.Fatalf("cancelling the caller's ctx tore the subscription down")
	}
}

func TestHookErrorFailsEntry(t *testing.T) {
	boom := errors.New("no token")
	c, _ := newTestClient(t, Options{
		WillSendRequest: func(context.Context, Request, string) (Request, error) { return Request{}, boom },
	})
	var log stateLog
	s, _ := c.CachedSubscribe(context.Background(), pricesQuery(CacheFirst, &log))
	defer s.Unsubscribe()
	waitFor(t, "error state", func() bool { return log.last().Status == StatusError })
	if !errors.Is(log.last().Err, boom) {
		t.Fatalf("err = %v", log.last().Err)
	}
}

func TestNotConfigured(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.CachedSubscribe(context.Background(), pricesQuery(CacheFirst, nil))
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if _, err := New(Options{APIToken: "tok"}); err == nil {
		t.Fatalf("token without url must fail")
	}
}

func TestCachedSubscribeValidation(t *testing.T) {
	c, _ := newTestClient(t, Options{})
	if _, err := c.CachedSubscribe(context.Background(), CachedQuery{Query: Query{Namespace: "assets"}}); !errors.Is(err, ErrEmptyScope) {
		t.Fatalf("err = %v, want ErrEmptyScope", err)
	}
	if _, err := c.CachedSubscribe(context.Background(), pricesQuery("sometimes", nil)); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("err = %v, want ErrUnknownPolicy", err)
	}
}

func TestRawSubscribeVerifiesByMeta(t *testing.T) {
	c, fake := newTestClient(t, Options{CacheKey: func(k string) string { return "x" + k }})
	var got []merge.Kind
	unsub, err := c.Subscribe(context.Background(),
		Query{Namespace: "assets", Scope: []string{"prices"}, Payload: map[string]any{"currency": "usd"}},
		MethodSubscribe, func(k merge.Kind, _ Response) { got = append(got, k) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()
	req := sent(t, fake, "subscribe", 0)
	if _, ok := req.Payload["request_id"]; ok {
		t.Fatalf("raw subscriptions are not stamped")
	}
	reply(fake, "received assets prices", req, map[string]any{"prices": 1.0}, nil)
	if len(got) != 1 {
		t.Fatalf("verified by meta: got %v", got)
	}
}

func TestReplayAfterReconnect(t *testing.T) {
	var replayed []int
	hooks := &replayHooks{n: &replayed}
	c, fake := newTestClient(t, Options{Hooks: hooks})
	s, _ := c.CachedSubscribe(context.Background(), pricesQuery(CacheFirst, nil))
	defer s.Unsubscribe()

	_ = fake.Disconnect()
	_ = fake.Connect(context.Background())
	if n := len(fake.Emits("subscribe")); n != 2 {
		t.Fatalf("subscribe emits = %d, want 2", n)
	}
	if len(replayed) != 1 || replayed[0] != 1 {
		t.Fatalf("replayed = %v", replayed)
	}
}

func TestRawSubscribeReplaysAfterReconnect(t *testing.T) {
	c, fake := newTestClient(t, Options{})
	unsub, err := c.Subscribe(context.Background(),
		Query{Namespace: "assets", Scope: []string{"prices"}, Payload: map[string]any{"currency": "usd"}},
		MethodSubscribe, func(merge.Kind, Response) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = fake.Disconnect()
	_ = fake.Connect(context.Background())
	if n := len(fake.Emits("subscribe")); n != 2 {
		t.Fatalf("subscribe emits = %d, want 2", n)
	}
	if replayed := sent(t, fake, "subscribe", 1); replayed.Payload["currency"] != "usd" {
		t.Fatalf("replayed payload = %v", replayed.Payload)
	}

	unsub()
	_ = fake.Disconnect()
	_ = fake.Connect(context.Background())
	if n := len(fake.Emits("subscribe")); n != 2 {
		t.Fatalf("unsubscribed raw request replayed (emits = %d)", n)
	}
}

type replayHooks struct {
	NopHooks
	n *[]int
}

func (h *replayHooks) SubscriptionsReplayed(_ string, n int) { *h.n = append(*h.n, n) }

func TestBackgroundDropsAndForegroundReplays(t *testing.T) {
	c, fake := newTestClient(t, Options{IdleWait: 5 * time.Millisecond})
	s, _ := c.CachedSubscribe(context.Background(), pricesQuery(CacheFirst, nil))
	defer s.Unsubscribe()

	c.Background()
	waitFor(t, "idle disconnect", func() bool { return fake.Disconnects() == 1 })
	if err := c.Foreground(context.Background()); err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	if n := len(fake.Emits("subscribe")); n != 2 {
		t.Fatalf("subscribe emits = %d, want 2", n)
	}
}
