// Package websocket implements transport.Transport over a gorilla/websocket
// connection with automatic reconnects.
//
// Frames are JSON objects:
//
//	{"type":"emit","event":"subscribe","data":{...},"id":7}   client -> server
//	{"type":"ack","id":7,"data":{...}}                         server -> client
//	{"type":"event","event":"received assets prices","data":{...}}
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unkn0wn-root/livecache/transport"
)

const (
	frameEmit  = "emit"
	frameAck   = "ack"
	frameEvent = "event"
)

var (
	ErrClosed     = errors.New("websocket transport: closed")
	ErrBufferFull = errors.New("websocket transport: send buffer full")
)

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config tunes the connection.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the silence between inbound frames; 0 disables it.
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	SendBuffer     int
	Header         http.Header
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReconnectDelay:   2 * time.Second,
		SendBuffer:       256,
	}
}

type handler struct {
	id uint64
	h  transport.Handler
}

// Transport is a reconnecting websocket connection for one namespace.
type Transport struct {
	url string
	cfg *Config

	send chan []byte

	mu        sync.Mutex
	handlers  map[string][]handler
	nextHID   uint64
	acks      map[uint64]transport.Ack
	nextAckID uint64
	cancel    context.CancelFunc
	running   bool
	everUp    bool
	closed    bool
	wg        sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// Dialer returns a transport.Dialer using cfg (nil => DefaultConfig).
func Dialer(cfg *Config) transport.Dialer {
	return func(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
		return Dial(ctx, ep, cfg)
	}
}

// Dial starts connecting to ep in the background and returns immediately.
// Emits issued before the connection is up are buffered.
func Dial(ctx context.Context, ep transport.Endpoint, cfg *Config) (*Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	u, err := endpointURL(ep)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		url:      u,
		cfg:      cfg,
		send:     make(chan []byte, max(cfg.SendBuffer, 1)),
		handlers: make(map[string][]handler),
		acks:     make(map[uint64]transport.Ack),
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func endpointURL(ep transport.Endpoint) (string, error) {
	u, err := url.Parse(strings.TrimRight(ep.URL, "/") + "/" + ep.Namespace)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if ep.Token != "" {
		q.Set("api_token", ep.Token)
	}
	q.Set("sid", uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) Emit(event string, body []byte, ack transport.Ack) error {
	f := frame{Type: frameEmit, Event: event, Data: body}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if ack != nil {
		t.nextAckID++
		f.ID = t.nextAckID
		t.acks[f.ID] = ack
	}
	t.mu.Unlock()

	b, err := json.Marshal(f)
	if err != nil {
		t.dropAck(f.ID)
		return err
	}
	select {
	case t.send <- b:
		return nil
	default:
		t.dropAck(f.ID)
		return ErrBufferFull
	}
}

func (t *Transport) dropAck(id uint64) {
	if id == 0 {
		return
	}
	t.mu.Lock()
	delete(t.acks, id)
	t.mu.Unlock()
}

func (t *Transport) On(event string, h transport.Handler) func() {
	t.mu.Lock()
	t.nextHID++
	id := t.nextHID
	t.handlers[event] = append(t.handlers[event], handler{id: id, h: h})
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			hs := t.handlers[event]
			for i, x := range hs {
				if x.id == id {
					t.handlers[event] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
		})
	}
}

// Connect starts the connection loop if it is not running.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.running = true
	t.wg.Add(1)
	go t.run(runCtx)
	return nil
}

// Disconnect stops the connection loop and waits for it to exit.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.running = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.Disconnect()
}

func (t *Transport) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		ws, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			again := t.everUp
			t.everUp = true
			t.mu.Unlock()

			t.dispatch(transport.EventConnect, nil)
			if again {
				t.dispatch(transport.EventReconnect, nil)
			}
			t.serve(ctx, ws)
			t.failAcks()
			t.dispatch(transport.EventDisconnect, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	d := t.cfg.Dialer
	if d == nil {
		d = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: t.cfg.HandshakeTimeout,
		}
	}
	ws, _, err := d.DialContext(ctx, t.url, t.cfg.Header)
	return ws, err
}

// serve pumps frames until the connection breaks or ctx ends.
func (t *Transport) serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case b := <-t.send:
				if t.cfg.WriteTimeout > 0 {
					ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
				}
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		<-handleCtx.Done()
		// unblock ReadMessage
		ws.Close()
	}()

	for {
		if t.cfg.ReadTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameEvent:
			t.dispatch(f.Event, f.Data)
		case frameAck:
			t.mu.Lock()
			ack, ok := t.acks[f.ID]
			delete(t.acks, f.ID)
			t.mu.Unlock()
			if ok {
				ack(nullToNil(f.Data))
			}
		}
	}
}

// failAcks forgets acks of the broken connection; replays re-emit without ack.
func (t *Transport) failAcks() {
	t.mu.Lock()
	t.acks = make(map[uint64]transport.Ack)
	t.mu.Unlock()
}

func (t *Transport) dispatch(event string, body []byte) {
	t.mu.Lock()
	hs := append([]handler(nil), t.handlers[event]...)
	t.mu.Unlock()
	for _, x := range hs {
		x.h(body)
	}
}

func nullToNil(b json.RawMessage) []byte {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}
