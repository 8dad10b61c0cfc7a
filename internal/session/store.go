package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session ID does not exist in the store.
var ErrNotFound = errors.New("session not found")

// Store holds every live session plus the currently-active session pointer.
// It is the only shared mutable resource of the client; all mutation goes
// through pure transforms so interleaved updates stay composable.
//
// Thread-safety: all public methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session
	activeID string

	// now is injectable for tests.
	now func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Intended for tests.
func (st *Store) SetClock(now func() time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.now = now
}

// Create returns a session of the given kind and makes it active. If a
// reusable blank session of the same kind already exists, that session is
// returned instead of creating a duplicate.
func (st *Store) Create(kind string) Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.createLocked(kind)
}

func (st *Store) createLocked(kind string) Session {
	// Reuse the most recently touched blank session of this kind.
	var blank *Session
	for id := range st.sessions {
		s := st.sessions[id]
		if s.Kind == kind && s.IsBlank() {
			if blank == nil || s.UpdatedAt.After(blank.UpdatedAt) {
				blank = &s
			}
		}
	}
	if blank != nil {
		st.activeID = blank.ID
		return blank.Clone()
	}

	s := Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     SentinelTitle,
		UpdatedAt: st.now(),
	}
	st.sessions[s.ID] = s
	st.activeID = s.ID
	return s.Clone()
}

// Get returns a copy of the session with the given ID.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// Active returns a copy of the currently-active session.
func (st *Store) Active() (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[st.activeID]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// ActiveID returns the ID of the currently-active session, or "".
func (st *Store) ActiveID() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.activeID
}

// SetActive switches the active-session pointer.
func (st *Store) SetActive(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return ErrNotFound
	}
	st.activeID = id
	return nil
}

// Update applies a pure transform to the session with the given ID. The
// transform receives a deep copy and its return value replaces the stored
// session; UpdatedAt is stamped by the store.
func (st *Store) Update(id string, fn func(Session) Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	next := fn(s.Clone())
	next.ID = s.ID // identity is immutable
	next.UpdatedAt = st.now()
	st.sessions[id] = next
	return nil
}

// Rename sets a session's title directly.
func (st *Store) Rename(id, title string) error {
	return st.Update(id, func(s Session) Session {
		s.Title = title
		return s
	})
}

// Delete removes a session. Deleting the active session creates a
// replacement of the same kind and returns it; otherwise the returned
// session is the zero value and replaced is false.
func (st *Store) Delete(id string) (replacement Session, replaced bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	delete(st.sessions, id)
	if st.activeID == id {
		st.activeID = ""
		return st.createLocked(s.Kind), true, nil
	}
	return Session{}, false, nil
}

// List returns copies of all sessions ordered by recency, newest first.
func (st *Store) List() []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of sessions in the store.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
