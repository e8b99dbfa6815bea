package livecache

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Request is the body emitted to the server.
type Request struct {
	Scope   []string       `json:"scope"`
	Payload map[string]any `json:"payload"`
}

// Response is the body of an inbound event.
type Response struct {
	Meta    map[string]any `json:"meta"`
	Payload map[string]any `json:"payload"`
}

// Query names a logical request.
type Query struct {
	Namespace string
	Scope     []string
	// Payload is any JSON object: a map or a struct. It is normalized
	// through JSON so equal content yields equal keys.
	Payload any
}

// Pagination discriminates the keys of a paginated query.
type Pagination string

const (
	NotPaginated Pagination = ""
	// PagesKey marks the entry holding every fetched page.
	PagesKey Pagination = "pages"
	// FirstPageKey marks the entry holding only the first page.
	FirstPageKey Pagination = "first-page"
)

type keyForm struct {
	Namespace string         `json:"namespace"`
	Scope     []string       `json:"scope"`
	Payload   map[string]any `json:"payload"`
	Paginated Pagination     `json:"paginated,omitempty"`
}

// QueryKey returns the canonical cache key of q. encoding/json sorts map
// keys, so structurally equal payloads serialize identically.
func QueryKey(q Query, p Pagination) (string, error) {
	payload, err := normalizePayload(q.Payload)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(keyForm{Namespace: q.Namespace, Scope: q.Scope, Payload: payload, Paginated: p})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// request returns the wire body of q with a private copy of the payload.
func (q Query) request() (Request, error) {
	if len(q.Scope) == 0 {
		return Request{}, ErrEmptyScope
	}
	payload, err := normalizePayload(q.Payload)
	if err != nil {
		return Request{}, err
	}
	return Request{Scope: append([]string(nil), q.Scope...), Payload: payload}, nil
}

func normalizePayload(p any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("livecache: payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("livecache: payload must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// withPayload returns a copy of r with extra merged into its payload.
func (r Request) withPayload(extra map[string]any) Request {
	p := make(map[string]any, len(r.Payload)+len(extra))
	maps.Copy(p, r.Payload)
	maps.Copy(p, extra)
	r.Payload = p
	return r
}
