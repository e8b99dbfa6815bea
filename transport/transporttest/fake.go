// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/unkn0wn-root/livecache/transport"
)

// Emitted is one recorded Emit call.
type Emitted struct {
	Event string
	Body  []byte
}

// Decode unmarshals the emitted body into v.
func (e Emitted) Decode(v any) error { return json.Unmarshal(e.Body, v) }

type handler struct {
	id uint64
	h  transport.Handler
}

// Fake records emits and lets tests deliver inbound events synchronously.
type Fake struct {
	// Acker, if set, produces the acknowledgement body for an emit with an
	// ack callback. The ack is invoked synchronously inside Emit.
	Acker func(event string, body []byte) []byte

	mu         sync.Mutex
	nextID     uint64
	handlers   map[string][]handler
	emits      []Emitted
	connected  bool
	everUp     bool
	closed     bool
	connects   int
	disconnect int
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{handlers: make(map[string][]handler), connected: true, everUp: true}
}

// Dialer returns a transport.Dialer that always hands out f.
func (f *Fake) Dialer() transport.Dialer {
	return func(context.Context, transport.Endpoint) (transport.Transport, error) { return f, nil }
}

func (f *Fake) Emit(event string, body []byte, ack transport.Ack) error {
	f.mu.Lock()
	f.emits = append(f.emits, Emitted{Event: event, Body: append([]byte(nil), body...)})
	acker := f.Acker
	f.mu.Unlock()
	if ack != nil {
		var resp []byte
		if acker != nil {
			resp = acker(event, body)
		}
		ack(resp)
	}
	return nil
}

func (f *Fake) On(event string, h transport.Handler) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers[event] = append(f.handlers[event], handler{id: id, h: h})
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			hs := f.handlers[event]
			for i, x := range hs {
				if x.id == id {
					f.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			if len(f.handlers[event]) == 0 {
				delete(f.handlers, event)
			}
		})
	}
}

// Deliver marshals body and hands it to every handler of event.
func (f *Fake) Deliver(event string, body any) {
	b, ok := body.([]byte)
	if !ok {
		var err error
		if b, err = json.Marshal(body); err != nil {
			panic(err)
		}
	}
	f.mu.Lock()
	hs := append([]handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, x := range hs {
		x.h(b)
	}
}

// Fire delivers a lifecycle event with an empty body.
func (f *Fake) Fire(event string) { f.Deliver(event, []byte(nil)) }

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = true
	f.connects++
	again := f.everUp
	f.everUp = true
	f.mu.Unlock()
	f.Fire(transport.EventConnect)
	if again {
		f.Fire(transport.EventReconnect)
	}
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = false
	f.disconnect++
	f.mu.Unlock()
	f.Fire(transport.EventDisconnect)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Emits returns recorded emits of event, or all emits when event is "".
func (f *Fake) Emits(event string) []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Emitted
	for _, e := range f.emits {
		if event == "" || e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Handlers returns the number of handlers registered for event.
func (f *Fake) Handlers(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// TotalHandlers returns the number of registered handlers across events.
func (f *Fake) TotalHandlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Disconnects returns how many times Disconnect took effect.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnect
}
