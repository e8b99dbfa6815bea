package livecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/livecache/merge"
	"github.com/unkn0wn-root/livecache/transport"
)

// Method is the outbound verb of a subscription.
type Method string

const (
	// MethodSubscribe keeps receiving updates until unsubscribed.
	MethodSubscribe Method = transport.VerbSubscribe
	// MethodGet completes after the first response.
	MethodGet Method = transport.VerbGet
	// MethodStream accumulates events until "done".
	MethodStream Method = transport.VerbStream
)

const (
	throttledType = "request.throttled"
	tracerName    = "github.com/unkn0wn-root/livecache"
)

// Unsubscribe tears down a subscription. Safe to call more than once.
type Unsubscribe func()

// MessageHandler receives a decoded inbound message.
type MessageHandler func(kind merge.Kind, resp Response)

// RetryPolicy bounds the re-emits of a throttled request. The n-th retry
// waits Base * 3^n.
type RetryPolicy struct {
	Base       time.Duration // 0 => 1s
	MaxRetries int           // 0 => 3
	// After schedules f after d and returns a stop func. nil => time.AfterFunc.
	After func(d time.Duration, f func()) (stop func() bool)
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	r.Base = coalesce(r.Base, defaultRetryBase)
	r.MaxRetries = coalesce(r.MaxRetries, defaultMaxRetries)
	if r.After == nil {
		r.After = func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }
	}
	return r
}

// Delay returns the wait before retry attempt (1-based).
func (r RetryPolicy) Delay(attempt int) time.Duration {
	d := r.Base
	for range attempt {
		d *= 3
	}
	return d
}

// SubscribeOptions configures a raw subscription.
type SubscribeOptions struct {
	// Required
	Transport transport.Transport
	Namespace string
	Request   Request
	OnMessage MessageHandler

	Method       Method         // "" => MethodSubscribe
	OnAnyMessage MessageHandler // every decoded message, verified or not
	OnError      func(error)
	Verify       VerifyFunc // nil => VerifyByMeta
	Retry        RetryPolicy
	Hooks        Hooks        // nil => NopHooks
	Logger       Logger       // nil => NopLogger
	Tracer       trace.Tracer // nil => otel global tracer
}

type ackBody struct {
	Status string `json:"status"`
	Errors []struct {
		Type   string `json:"type"`
		Detail any    `json:"detail"`
	} `json:"errors"`
}

// Subscribe registers handlers for every event kind on the request's
// primary scope channel and emits the request. An empty scope fails
// synchronously with ErrEmptyScope.
func Subscribe(opts SubscribeOptions) (Unsubscribe, error) {
	if len(opts.Request.Scope) == 0 {
		return nil, ErrEmptyScope
	}
	if opts.Transport == nil {
		return nil, ErrNotConfigured
	}
	s := &rawSubscription{
		opts:   opts,
		method: coalesce(opts.Method, MethodSubscribe),
		verify: opts.Verify,
		hooks:  coalesce[Hooks](opts.Hooks, NopHooks{}),
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		tracer: opts.Tracer,
		retry:  opts.Retry.withDefaults(),
	}
	if s.verify == nil {
		s.verify = VerifyByMeta
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	body, err := json.Marshal(opts.Request)
	if err != nil {
		return nil, err
	}
	s.body = body

	scope := opts.Request.Scope[0]
	for _, kind := range merge.Kinds {
		ch := transport.Channel(string(kind), opts.Namespace, scope)
		s.offs = append(s.offs, opts.Transport.On(ch, s.handler(kind, ch)))
	}
	if err := s.emit(0); err != nil {
		s.removeHandlers()
		return nil, err
	}
	return s.unsubscribe, nil
}

type rawSubscription struct {
	opts   SubscribeOptions
	method Method
	verify VerifyFunc
	hooks  Hooks
	log    Logger
	tracer trace.Tracer
	retry  RetryPolicy
	body   []byte

	mu        sync.Mutex
	offs      []func()
	stopRetry func() bool
	done      bool
}

func (s *rawSubscription) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *rawSubscription) handler(kind merge.Kind, channel string) transport.Handler {
	return func(body []byte) {
		if s.aborted() {
			return
		}
		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			s.log.Debug("undecodable message dropped", Fields{"channel": channel, "err": err})
			return
		}
		if s.verify(s.opts.Request, resp) {
			s.opts.OnMessage(kind, resp)
		} else {
			s.hooks.ResponseRejected(channel)
		}
		if s.opts.OnAnyMessage != nil {
			s.opts.OnAnyMessage(kind, resp)
		}
	}
}

func (s *rawSubscription) emit(attempt int) error {
	_, span := s.tracer.Start(context.Background(), "livecache.emit", trace.WithAttributes(
		attribute.String("livecache.method", string(s.method)),
		attribute.String("livecache.namespace", s.opts.Namespace),
		attribute.String("livecache.scope", s.opts.Request.Scope[0]),
		attribute.Int("livecache.attempt", attempt),
	))
	defer span.End()

	err := s.opts.Transport.Emit(string(s.method), s.body, func(ack []byte) { s.onAck(attempt, ack) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *rawSubscription) onAck(attempt int, ack []byte) {
	if len(ack) == 0 || s.aborted() {
		return
	}
	var a ackBody
	if err := json.Unmarshal(ack, &a); err != nil {
		// acks are not required to be objects
		return
	}
	if len(a.Errors) == 0 {
		return
	}
	if a.Errors[0].Type != throttledType {
		s.fail(&ResponseError{
			Event:  string(s.method),
			Scope:  s.opts.Request.Scope[0],
			Type:   a.Errors[0].Type,
			Detail: a.Errors[0].Detail,
		})
		return
	}
	event := string(s.method)
	if attempt >= s.retry.MaxRetries {
		s.hooks.RetryExhausted(event, attempt)
		s.log.Warn("request throttled, giving up", Fields{"event": event, "retries": attempt})
		s.fail(&ThrottleError{Event: event, Attempts: attempt, LastWait: s.retry.Delay(attempt)})
		return
	}
	next := attempt + 1
	delay := s.retry.Delay(next)
	s.hooks.RequestThrottled(event, next, delay)
	s.log.Debug("request throttled, retrying", Fields{"event": event, "attempt": next, "delay": delay})

	stop := s.retry.After(delay, func() {
		if s.aborted() {
			return
		}
		if err := s.emit(next); err != nil {
			s.fail(err)
		}
	})
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopRetry = stop
	s.mu.Unlock()
}

func (s *rawSubscription) fail(err error) {
	if s.opts.OnError != nil && !s.aborted() {
		s.opts.OnError(err)
	}
}

func (s *rawSubscription) removeHandlers() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (s *rawSubscription) unsubscribe() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	stop := s.stopRetry
	s.stopRetry = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.removeHandlers()
	if s.method == MethodSubscribe {
		if err := s.opts.Transport.Emit(transport.VerbUnsubscribe, s.body, nil); err != nil {
			s.log.Warn("unsubscribe emit failed", Fields{"namespace": s.opts.Namespace, "err": err})
		}
	}
}
