// Package session provides the in-memory session model for Parley.
// Sessions are process-lifetime objects: they live for the duration of the
// client and are never written to durable storage.
package session

import (
	"time"
)

// SentinelTitle is the title a session carries until the first non-empty
// user input is observed.
const SentinelTitle = "New Session"

// titleLimit is the maximum number of runes taken from the first user input
// when deriving a session title.
const titleLimit = 30

// Turn is one (user, assistant) pair in a session's history. The assistant
// text may be empty while a reply is pending and grows monotonically during
// streaming.
type Turn struct {
	User      string
	Assistant string
}

// Params holds the model and sampling configuration of a session. These
// fields are locally owned: the server may echo its own values but the
// client applies them only under the merge policy.
type Params struct {
	Model        string
	TopP         *float64
	Temperature  *float64
	MaxLength    *int
	SystemPrompt string
}

// Session is one user-visible conversation thread.
type Session struct {
	// ID is assigned at creation and stable for the session's lifetime.
	// It is the join key between UI selection and in-flight exchanges.
	ID string

	// Kind is the backend capability this session is bound to. It affects
	// routing, not structure.
	Kind string

	// Title is a short derived label, SentinelTitle until the first
	// non-empty user input.
	Title string

	// Turns is the chronological conversation history.
	Turns []Turn

	// Cookies is the opaque server-round-tripped auxiliary state. It is
	// preserved and resent unmodified except when the server supplies a
	// new value.
	Cookies map[string]any

	// Params is the locally owned model configuration.
	Params Params

	// IsWaiting holds from exchange start until the first non-empty
	// assistant fragment; IsStreaming from that point until terminal
	// close or error. Both are derived transient flags, not persisted
	// truth.
	IsWaiting   bool
	IsStreaming bool

	// UpdatedAt is the last mutation time, used for recency ordering.
	UpdatedAt time.Time
}

// Clone returns a deep copy of the session. Store reads hand out clones so
// callers can never alias the store's internal state.
func (s Session) Clone() Session {
	out := s
	if s.Turns != nil {
		out.Turns = make([]Turn, len(s.Turns))
		copy(out.Turns, s.Turns)
	}
	if s.Cookies != nil {
		out.Cookies = make(map[string]any, len(s.Cookies))
		for k, v := range s.Cookies {
			out.Cookies[k] = v
		}
	}
	return out
}

// IsBlank reports whether the session is still reusable as a "new" session:
// it carries the sentinel title and has no turns. Checking the turn history
// as well guards against a genuine user input that happens to equal the
// sentinel string.
func (s Session) IsBlank() bool {
	return s.Title == SentinelTitle && len(s.Turns) == 0
}

// DeriveTitle computes a session title from the first user input: the first
// 30 runes, with an ellipsis when truncated. Empty input keeps the sentinel.
func DeriveTitle(input string) string {
	if input == "" {
		return SentinelTitle
	}
	runes := []rune(input)
	if len(runes) <= titleLimit {
		return input
	}
	return string(runes[:titleLimit]) + "..."
}
