package livecache

import (
	"encoding/json"

	"github.com/unkn0wn-root/livecache/merge"
)

// VerifyFunc decides whether resp answers req. Transports share one event
// name between many queries, so every message is checked before use.
type VerifyFunc func(req Request, resp Response) bool

// VerifyByMeta requires every payload field to be echoed in resp.Meta:
// scalars by equality, maps and lists by their canonical JSON.
func VerifyByMeta(req Request, resp Response) bool {
	for k, want := range req.Payload {
		got, ok := resp.Meta[k]
		if !ok {
			return false
		}
		switch want.(type) {
		case map[string]any, []any:
			if canonical(want) != canonical(got) {
				return false
			}
		default:
			if merge.Key(want) != merge.Key(got) {
				return false
			}
		}
	}
	return true
}

// VerifyByRequestID matches meta.request_id against payload.request_id.
func VerifyByRequestID(req Request, resp Response) bool {
	got, ok := resp.Meta["request_id"]
	if !ok {
		return false
	}
	want, ok := req.Payload["request_id"]
	return ok && merge.Key(want) == merge.Key(got)
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
