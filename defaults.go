package livecache

import "time"

const (
	defaultRetryBase  = time.Second
	defaultMaxRetries = 3

	defaultLimitKey      = "limit"
	defaultCursorKey     = "cursor"
	defaultNextCursorKey = "next_cursor"
	// live halves of paginated views never ask for more than this
	maxLiveLimit = 5
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
