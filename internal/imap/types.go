package imap

// State is the lifecycle position of a Session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSelected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SearchResult is the outcome of one subject search.
type SearchResult struct {
	Folder        string   `json:"folder"`
	Tag           string   `json:"tag"`
	Found         bool     `json:"found"`
	MatchedIDs    []uint32 `json:"matched_ids"`
	TotalMessages uint32   `json:"total_messages"`
}
