package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gws "github.com/gorilla/websocket"

	"github.com/unkn0wn-root/livecache/transport"
)

type server struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*gws.Conn
	urls  []string
}

func newServer(t *testing.T) *server {
	s := &server{t: t}
	up := gws.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.urls = append(s.urls, r.URL.String())
		s.mu.Unlock()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(msg, &f) != nil || f.Type != frameEmit {
				continue
			}
			// echo the request as the ack and push a received event
			if f.ID != 0 {
				b, _ := json.Marshal(frame{Type: frameAck, ID: f.ID, Data: f.Data})
				_ = ws.WriteMessage(gws.TextMessage, b)
			}
			b, _ := json.Marshal(frame{Type: frameEvent, Event: "received assets prices", Data: json.RawMessage(`{"payload":{"BTC":1}}`)})
			_ = ws.WriteMessage(gws.TextMessage, b)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) wsURL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *server) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *server) firstURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.urls) == 0 {
		return ""
	}
	return s.urls[0]
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func TestEmitAckAndEvent(t *testing.T) {
	s := newServer(t)
	tr, err := Dial(context.Background(), transport.Endpoint{URL: s.wsURL(), Namespace: "assets", Token: "tok"}, testConfig())
	assert.Equal(t, err, nil)
	defer tr.Close()

	events := make(chan []byte, 4)
	off := tr.On("received assets prices", func(b []byte) { events <- b })
	defer off()

	acks := make(chan []byte, 1)
	err = tr.Emit(transport.VerbSubscribe, []byte(`{"scope":["prices"]}`), func(b []byte) { acks <- b })
	assert.Equal(t, err, nil)

	ack := waitFor(t, acks)
	assert.Equal(t, string(ack), `{"scope":["prices"]}`)
	ev := waitFor(t, events)
	assert.Equal(t, string(ev), `{"payload":{"BTC":1}}`)

	u := s.firstURL()
	assert.Equal(t, strings.HasPrefix(u, "/assets?"), true)
	assert.Equal(t, strings.Contains(u, "api_token=tok"), true)
	assert.Equal(t, strings.Contains(u, "sid="), true)
}

func TestReconnectFiresLifecycle(t *testing.T) {
	s := newServer(t)
	tr, err := Dial(context.Background(), transport.Endpoint{URL: s.wsURL(), Namespace: "assets"}, testConfig())
	assert.Equal(t, err, nil)
	defer tr.Close()

	connected := make(chan []byte, 4)
	dropped := make(chan []byte, 4)
	reconnected := make(chan []byte, 4)
	tr.On(transport.EventConnect, func(b []byte) { connected <- b })
	tr.On(transport.EventDisconnect, func(b []byte) { dropped <- b })
	tr.On(transport.EventReconnect, func(b []byte) { reconnected <- b })

	waitFor(t, connected)
	s.dropAll()
	waitFor(t, dropped)
	waitFor(t, connected)
	waitFor(t, reconnected)
}

func TestCloseRejectsEmit(t *testing.T) {
	s := newServer(t)
	tr, err := Dial(context.Background(), transport.Endpoint{URL: s.wsURL(), Namespace: "assets"}, testConfig())
	assert.Equal(t, err, nil)
	assert.Equal(t, tr.Close(), nil)
	assert.Equal(t, tr.Emit(transport.VerbGet, []byte(`{}`), nil), ErrClosed)
	assert.Equal(t, tr.Connect(context.Background()), ErrClosed)
}

func TestBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 1
	// nothing listens here, so the writer never drains
	tr, err := Dial(context.Background(), transport.Endpoint{URL: "ws://127.0.0.1:1", Namespace: "x"}, cfg)
	assert.Equal(t, err, nil)
	defer tr.Close()

	assert.Equal(t, tr.Emit("get", []byte(`{}`), nil), nil)
	assert.Equal(t, tr.Emit("get", []byte(`{}`), func([]byte) {}), ErrBufferFull)
	tr.mu.Lock()
	pending := len(tr.acks)
	tr.mu.Unlock()
	assert.Equal(t, pending, 0)
}
