package livecache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyScope is returned synchronously for a request without scopes.
	ErrEmptyScope = errors.New("livecache: request scope is empty")
	// ErrNotConfigured is returned when the client has no URL or dialer.
	ErrNotConfigured = errors.New("livecache: client not configured")
	ErrUnknownPolicy = errors.New("livecache: unknown cache policy")
	ErrClosed        = errors.New("livecache: closed")
)

// ResponseError is an error reported by the server, either in an emit
// acknowledgement or as a response with meta.status "error".
type ResponseError struct {
	Event  string
	Scope  string
	Type   string
	Detail any
}

func (e *ResponseError) Error() string {
	switch {
	case e.Type != "" && e.Scope != "":
		return fmt.Sprintf("livecache: %s %s: server error %q", e.Event, e.Scope, e.Type)
	case e.Type != "":
		return fmt.Sprintf("livecache: %s: server error %q", e.Event, e.Type)
	default:
		return fmt.Sprintf("livecache: %s %s: server error", e.Event, e.Scope)
	}
}

// ThrottleError reports that an emit stayed throttled after every retry.
type ThrottleError struct {
	Event    string
	Attempts int
	LastWait time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("livecache: %s throttled after %d retries (last wait %s)", e.Event, e.Attempts, e.LastWait)
}

// InvariantError is an internal invariant violation surfaced on an entry,
// such as an incremental event arriving before the initial snapshot.
type InvariantError struct {
	Key   string
	Scope string
	Kind  string
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("livecache: invariant violated on %q (%s %s): %v", e.Key, e.Kind, e.Scope, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }
