// Package livecache is a client-side cache for a real-time API whose
// queries are answered over a shared socket.io style connection.
//
// A query is identified by its namespace, method, scopes and payload. The
// client keeps one Entry per query, shares a single server subscription
// between every caller of that query and folds the server's events
// ("received", "appended", "changed", "removed", "done") into the cached
// value with a merge.Strategy.
//
// Components:
//   - Client: cached subscriptions, paginated requests and live lists.
//   - RequestCache: key to Entry storage. MemoryCache keeps everything in
//     process; PersistentCache also writes resolved entries to a
//     storage.Storage so a restart starts from stale data.
//   - transport: the connection, replay of subscriptions after reconnects
//     and the websocket implementation.
//   - merge: the event folding strategies.
//
// Cache policies:
//
//	cache-first        serve cached data, request only when nothing is cached
//	cache-and-network  serve cached data and refresh it
//	network-only       always request, never serve the cache
//	cache-only         never request
//
// Typical use:
//
//	c, _ := livecache.New(livecache.Options{URL: url, APIToken: token})
//	sub, _ := livecache.AssetsPrices.Subscribe(ctx, c, payload, livecache.CacheFirst, onPrices)
//	defer sub.Unsubscribe()
package livecache
