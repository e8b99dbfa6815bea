// Package transport defines the persistent publish/subscribe connection
// livecache multiplexes requests over.
//
// A Transport is shared by every logical query of one (endpoint, namespace,
// token) triple. Inbound events are named "<kind> <namespace> <scope>", so
// many queries can listen on the same event name; callers must verify that a
// response belongs to them.
//
// Implementations must dispatch inbound events from a single goroutine so
// handlers for one connection never run concurrently.
package transport

import (
	"context"
	"encoding/json"
)

// Outbound verbs.
const (
	VerbSubscribe   = "subscribe"
	VerbGet         = "get"
	VerbStream      = "stream"
	VerbUnsubscribe = "unsubscribe"
)

// Lifecycle events fired locally by implementations.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

// Handler receives the raw JSON body of an inbound event.
type Handler func(body []byte)

// Ack receives the raw JSON acknowledgement of an emit. A nil body means the
// server acknowledged without data.
type Ack func(body []byte)

// Transport is a persistent bidirectional event channel.
type Transport interface {
	// Emit sends event with body. ack, if non-nil, is invoked at most once.
	Emit(event string, body []byte, ack Ack) error
	// On registers h for event and returns a func that removes it.
	On(event string, h Handler) (off func())
	// Connect (re)opens the connection.
	Connect(ctx context.Context) error
	// Disconnect closes the connection until the next Connect.
	Disconnect() error
	// Close releases the transport for good.
	Close() error
}

// Dialer creates a transport for an endpoint.
type Dialer func(ctx context.Context, ep Endpoint) (Transport, error)

// Endpoint identifies a shared connection.
type Endpoint struct {
	URL       string
	Namespace string
	Token     string
}

// Channel returns the inbound event name for kind on namespace/scope.
func Channel(kind, namespace, scope string) string {
	return kind + " " + namespace + " " + scope
}

// frameRequest is the subset of a request body the transport inspects.
type frameRequest struct {
	Scope   []string       `json:"scope"`
	Payload map[string]any `json:"payload"`
}

func (r frameRequest) requestID() (string, bool) {
	id, ok := r.Payload["request_id"]
	if !ok || id == nil {
		return "", false
	}
	if s, ok := id.(string); ok {
		return s, true
	}
	b, err := json.Marshal(id)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// answeredBy matches resp by request id when r carries one, otherwise by
// every payload field echoed in resp.Meta.
func (r frameRequest) answeredBy(resp frameResponse) bool {
	if id, ok := r.requestID(); ok {
		got, ok := resp.requestID()
		return ok && got == id
	}
	for k, want := range r.Payload {
		got, ok := resp.Meta[k]
		if !ok || !sameJSON(want, got) {
			return false
		}
	}
	return true
}

func sameJSON(a, b any) bool {
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	return err == nil && string(x) == string(y)
}

type frameResponse struct {
	Meta map[string]any `json:"meta"`
}

func (r frameResponse) requestID() (string, bool) {
	return frameRequest{Payload: r.Meta}.requestID()
}
