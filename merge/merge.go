// Package merge folds subscription events into previously cached values.
//
// Values are the shapes produced by decoding JSON into `any`:
// map[string]any for keyed scopes, []any for ordered scopes and plain
// scalars for singletons. Every Strategy is pure and deterministic.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind is the event name carried by the transport channel.
type Kind string

const (
	Received Kind = "received"
	Appended Kind = "appended"
	Changed  Kind = "changed"
	Removed  Kind = "removed"
	Done     Kind = "done"
)

// Kinds lists every event a subscription listens to, in registration order.
var Kinds = []Kind{Received, Appended, Changed, Removed, Done}

var (
	// ErrBeforeReceived reports an incremental event on a list that never
	// got its initial "received" snapshot.
	ErrBeforeReceived = errors.New("merge: event before received")
	// ErrUnsupportedEvent reports an event kind a strategy cannot fold.
	ErrUnsupportedEvent = errors.New("merge: unsupported event")
	// ErrShape reports a value that is not the container a strategy expects.
	ErrShape = errors.New("merge: unexpected value shape")
)

// IDFunc extracts the identity of an item.
type IDFunc func(item any) any

// Event is the input of a Strategy.
type Event struct {
	Kind Kind
	Prev any
	Next any
	ID   IDFunc // nil => DefaultID
}

// Strategy folds e.Next into e.Prev and returns the new value.
type Strategy func(e Event) (any, error)

// DefaultID returns the "id" field of a map item, or the item itself.
func DefaultID(item any) any {
	if m, ok := item.(map[string]any); ok {
		if id, ok := m["id"]; ok {
			return id
		}
	}
	return item
}

// Key returns the comparable form of an id.
func Key(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int, int32, int64, uint, uint32, uint64, bool, json.Number:
		return fmt.Sprint(v)
	case nil:
		return "null"
	}
	b, err := json.Marshal(id)
	if err != nil {
		return fmt.Sprint(id)
	}
	return string(b)
}

func (e Event) key(item any) string {
	if e.ID != nil {
		return Key(e.ID(item))
	}
	return Key(DefaultID(item))
}

// Dict keeps a map keyed by item id. "changed" accepts either a list of
// items or a map of key to item; a nil Prev counts as an empty map.
func Dict(e Event) (any, error) {
	switch e.Kind {
	case Received:
		return e.Next, nil
	case Done:
		return e.Prev, nil
	case Changed:
		prev, err := asMap(e.Prev)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(prev))
		for k, v := range prev {
			out[k] = v
		}
		switch next := e.Next.(type) {
		case map[string]any:
			for k, v := range next {
				out[k] = v
			}
		case []any:
			for _, item := range next {
				out[e.key(item)] = item
			}
		case nil:
		default:
			return nil, fmt.Errorf("%w: dict change of %T", ErrShape, e.Next)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: dict %q", ErrUnsupportedEvent, e.Kind)
}

// List keeps an ordered list; "appended" adds to the end.
func List(e Event) (any, error) { return list(e, false) }

// ListReverseChronological keeps a newest-first list; "appended" prepends.
func ListReverseChronological(e Event) (any, error) { return list(e, true) }

// Single replaces the value on every event except "done".
func Single(e Event) (any, error) {
	if e.Kind == Done {
		return e.Prev, nil
	}
	return e.Next, nil
}

func list(e Event, prepend bool) (any, error) {
	switch e.Kind {
	case Received:
		return e.Next, nil
	case Done:
		return e.Prev, nil
	case Changed, Removed, Appended:
	default:
		return nil, fmt.Errorf("%w: list %q", ErrUnsupportedEvent, e.Kind)
	}
	if e.Prev == nil {
		return nil, fmt.Errorf("%w: %q", ErrBeforeReceived, e.Kind)
	}
	prev, ok := e.Prev.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: list prev %T", ErrShape, e.Prev)
	}
	next, err := asList(e.Next)
	if err != nil {
		return nil, err
	}

	switch e.Kind {
	case Changed:
		byID := e.collect(next)
		var out []any
		for i, old := range prev {
			repl, hit := byID[e.key(old)]
			if !hit {
				continue
			}
			if out == nil {
				out = make([]any, len(prev))
				copy(out, prev)
			}
			out[i] = repl
		}
		if out == nil {
			return prev, nil
		}
		return out, nil
	case Removed:
		byID := e.collect(next)
		out := make([]any, 0, len(prev))
		for _, old := range prev {
			if _, hit := byID[e.key(old)]; !hit {
				out = append(out, old)
			}
		}
		if len(out) == len(prev) {
			return prev, nil
		}
		return out, nil
	}

	out := make([]any, 0, len(prev)+len(next))
	if prepend {
		out = append(out, next...)
		out = append(out, prev...)
	} else {
		out = append(out, prev...)
		out = append(out, next...)
	}
	return out, nil
}

func (e Event) collect(items []any) map[string]any {
	m := make(map[string]any, len(items))
	for _, it := range items {
		m[e.key(it)] = it
	}
	return m
}

func asMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	}
	return nil, fmt.Errorf("%w: dict prev %T", ErrShape, v)
}

func asList(v any) ([]any, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return l, nil
	}
	return nil, fmt.Errorf("%w: list batch %T", ErrShape, v)
}
