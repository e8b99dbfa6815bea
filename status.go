package livecache

// Status is the lifecycle state of an Entry.
type Status uint8

const (
	StatusNoRequests Status = iota
	StatusRequested
	StatusUpdating
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNoRequests:
		return "no-requests"
	case StatusRequested:
		return "requested"
	case StatusUpdating:
		return "updating"
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// parseStatus is the inverse of String; unknown names map to no-requests.
func parseStatus(s string) Status {
	for st := StatusNoRequests; st <= StatusError; st++ {
		if st.String() == s {
			return st
		}
	}
	return StatusNoRequests
}
