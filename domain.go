package livecache

import (
	"context"
	"slices"

	"github.com/unkn0wn-root/livecache/merge"
)

// DomainRequest binds a namespace and a single scope so callers only pass
// a payload.
type DomainRequest struct {
	Namespace string
	Scope     string
	Method    Method
	Merge     merge.Strategy
	ID        merge.IDFunc
	Verify    VerifyFunc
}

// Subscribe runs a cached subscription for payload. onData receives the
// scope value whenever the entry has data.
func (d DomainRequest) Subscribe(ctx context.Context, c *Client, payload any, policy CachePolicy, onData func(v any, st EntryState)) (*Subscription, error) {
	return c.CachedSubscribe(ctx, d.query(payload, policy, onData))
}

// Cached returns the cached scope value for payload.
func (d DomainRequest) Cached(c *Client, payload any, policy CachePolicy) (any, bool) {
	st, ok := c.GetFromCache(d.query(payload, policy, nil))
	if !ok || st.Data == nil {
		return nil, false
	}
	return st.Scope(d.Scope)
}

func (d DomainRequest) query(payload any, policy CachePolicy, onData func(any, EntryState)) CachedQuery {
	q := CachedQuery{
		Query:  Query{Namespace: d.Namespace, Scope: []string{d.Scope}, Payload: payload},
		Method: d.Method,
		Policy: policy,
		Merge:  d.Merge,
		ID:     d.ID,
		Verify: d.Verify,
	}
	if onData != nil {
		q.OnData = func(st EntryState) {
			if v, ok := st.Data[d.Scope]; ok {
				onData(v, st)
			}
		}
	}
	return q
}

func assetCode(item any) any {
	m, _ := item.(map[string]any)
	if m == nil {
		return item
	}
	if a, ok := m["asset"].(map[string]any); ok {
		if code, ok := a["asset_code"]; ok {
			return code
		}
	}
	if code, ok := m["asset_code"]; ok {
		return code
	}
	return merge.DefaultID(item)
}

// Requests of the public real-time API.
var (
	AssetsPrices = DomainRequest{
		Namespace: "assets", Scope: "prices",
		ID: assetCode, Verify: VerifyAssetsPrices,
	}
	AssetsInfo = DomainRequest{
		Namespace: "assets", Scope: "info",
		ID: assetCode, Merge: merge.List,
	}
	AssetsFullInfo = DomainRequest{
		Namespace: "assets", Scope: "full-info",
		Merge: merge.Single,
	}
	AssetsCharts     = DomainRequest{Namespace: "assets", Scope: "charts"}
	AddressAssets    = DomainRequest{Namespace: "address", Scope: "assets", ID: assetCode}
	AddressPositions = DomainRequest{Namespace: "address", Scope: "positions"}
	AddressPortfolio = DomainRequest{Namespace: "address", Scope: "portfolio"}
	AddressCharts    = DomainRequest{Namespace: "address", Scope: "charts"}
	AddressLoans     = DomainRequest{Namespace: "address", Scope: "loans", Merge: merge.List}
)

// VerifyAssetsPrices matches price updates by currency and asset codes: a
// "received" meta lists every code it covers, a "changed" meta names one.
func VerifyAssetsPrices(req Request, resp Response) bool {
	if merge.Key(req.Payload["currency"]) != merge.Key(resp.Meta["currency"]) {
		return false
	}
	want := stringList(req.Payload["asset_codes"])
	if code, ok := resp.Meta["asset_code"].(string); ok && code != "" {
		return slices.Contains(want, code)
	}
	got := stringList(resp.Meta["asset_codes"])
	if len(want) > len(got) {
		return false
	}
	for _, c := range want {
		if !slices.Contains(got, c) {
			return false
		}
	}
	return true
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PaginatedDomainRequest binds a namespace and scope of a paged list.
type PaginatedDomainRequest struct {
	Namespace string
	Scope     string
	Method    Method
	LimitKey  string
	CursorKey string
}

// AddressActions streams an address's transaction history page by page.
var AddressActions = PaginatedDomainRequest{
	Namespace: "address", Scope: "actions",
	Method: MethodStream, LimitKey: "actions_limit",
}

// Request runs a cached paginated request for payload.
func (d PaginatedDomainRequest) Request(ctx context.Context, c *Client, payload any, limit int, policy CachePolicy, onData Listener) (*PaginatedSubscription, error) {
	return c.CachedPaginatedRequest(ctx, PaginatedQuery{
		CachedQuery: CachedQuery{
			Query:  Query{Namespace: d.Namespace, Scope: []string{d.Scope}, Payload: payload},
			Method: d.Method,
			Policy: policy,
			OnData: onData,
		},
		Limit:     limit,
		LimitKey:  d.LimitKey,
		CursorKey: d.CursorKey,
	})
}
