package livecache

import "fmt"

// CachePolicy decides whether a query consults the cache, the network or both.
type CachePolicy string

const (
	// CacheFirst serves cached data and fetches only if nothing was ever requested.
	CacheFirst CachePolicy = "cache-first"
	// CacheAndNetwork serves cached data and refreshes in the background.
	CacheAndNetwork CachePolicy = "cache-and-network"
	// NetworkOnly always fetches; concurrent identical requests still share one fetch.
	NetworkOnly CachePolicy = "network-only"
	// CacheOnly never touches the network.
	CacheOnly CachePolicy = "cache-only"
)

// DefaultCachePolicy is used when a query leaves the policy empty.
const DefaultCachePolicy = CacheFirst

func (p CachePolicy) orDefault() CachePolicy { return coalesce(p, DefaultCachePolicy) }

// IsRequestNeeded reports whether a network request must be issued for a
// query with policy, given the current entry state (nil when there is no
// entry) and whether a network subscription already backs the entry.
func IsRequestNeeded(policy CachePolicy, st *EntryState, hasActiveSubscription bool) (bool, error) {
	status := StatusNoRequests
	if st != nil {
		status = st.Status
	}
	switch policy.orDefault() {
	case CacheFirst:
		return status == StatusNoRequests, nil
	case CacheAndNetwork:
		return status == StatusNoRequests ||
			(status != StatusRequested && status != StatusUpdating && !hasActiveSubscription), nil
	case NetworkOnly:
		return status != StatusRequested, nil
	case CacheOnly:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

// ShouldReturnCachedData reports whether a caller receives the cached state
// right away.
func ShouldReturnCachedData(policy CachePolicy) (bool, error) {
	switch policy.orDefault() {
	case CacheFirst, CacheAndNetwork, CacheOnly:
		return true, nil
	case NetworkOnly:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

// usesStale reports whether a stale persisted entry may be served under policy.
func (p CachePolicy) usesStale() bool {
	switch p.orDefault() {
	case NetworkOnly, CacheAndNetwork:
		return true
	}
	return false
}
