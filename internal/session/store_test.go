package session

import (
	"strings"
	"testing"
	"time"
)

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestStoreCreate(t *testing.T) {
	st := NewStore()
	st.SetClock(fixedClock())

	s := st.Create("ai_chat")
	if s.ID == "" {
		t.Fatal("Create() returned empty ID")
	}
	if s.Title != SentinelTitle {
		t.Errorf("Title = %q, want sentinel", s.Title)
	}
	if st.ActiveID() != s.ID {
		t.Errorf("ActiveID = %q, want %q", st.ActiveID(), s.ID)
	}
}

func TestStoreCreateReusesBlankSession(t *testing.T) {
	st := NewStore()
	st.SetClock(fixedClock())

	first := st.Create("ai_chat")
	second := st.Create("ai_chat")
	if second.ID != first.ID {
		t.Errorf("Create() = %q, want reuse of blank session %q", second.ID, first.ID)
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}

	// A different kind never reuses.
	other := st.Create("translate")
	if other.ID == first.ID {
		t.Error("Create() reused a blank session of a different kind")
	}

	// Once a session has turns it is no longer reusable, even with the
	// sentinel title.
	if err := st.Update(first.ID, func(s Session) Session {
		s.Turns = append(s.Turns, Turn{User: "hi"})
		return s
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	fresh := st.Create("ai_chat")
	if fresh.ID == first.ID {
		t.Error("Create() reused a session that already has turns")
	}
}

func TestStoreUpdateIsPureTransform(t *testing.T) {
	st := NewStore()
	st.SetClock(fixedClock())
	s := st.Create("ai_chat")

	var seen Session
	err := st.Update(s.ID, func(cur Session) Session {
		seen = cur
		cur.Turns = append(cur.Turns, Turn{User: "hello", Assistant: ""})
		cur.ID = "attempted-identity-change"
		return cur
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Mutating the copy handed to the transform must not leak.
	seen.Title = "mutated"
	got, _ := st.Get(s.ID)
	if got.Title != SentinelTitle {
		t.Errorf("Title = %q, transform copy leaked into store", got.Title)
	}
	if got.ID != s.ID {
		t.Errorf("ID = %q, identity must be immutable", got.ID)
	}
	if len(got.Turns) != 1 || got.Turns[0].User != "hello" {
		t.Errorf("Turns = %v, want one pending turn", got.Turns)
	}
}

func TestStoreDelete(t *testing.T) {
	st := NewStore()
	st.SetClock(fixedClock())

	a := st.Create("ai_chat")
	if err := st.Update(a.ID, func(s Session) Session {
		s.Title = "first chat"
		return s
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	b := st.Create("ai_chat")

	t.Run("deleting inactive session keeps active", func(t *testing.T) {
		if _, replaced, err := st.Delete(a.ID); err != nil || replaced {
			t.Fatalf("Delete() = replaced %v, err %v; want no replacement", replaced, err)
		}
		if st.ActiveID() != b.ID {
			t.Errorf("ActiveID = %q, want %q", st.ActiveID(), b.ID)
		}
	})

	t.Run("deleting active session creates replacement", func(t *testing.T) {
		repl, replaced, err := st.Delete(b.ID)
		if err != nil || !replaced {
			t.Fatalf("Delete() = replaced %v, err %v; want replacement", replaced, err)
		}
		if repl.ID == b.ID {
			t.Error("replacement reused the deleted session's ID")
		}
		if repl.Kind != "ai_chat" {
			t.Errorf("replacement Kind = %q, want ai_chat", repl.Kind)
		}
		if st.ActiveID() != repl.ID {
			t.Errorf("ActiveID = %q, want replacement %q", st.ActiveID(), repl.ID)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, _, err := st.Delete("nope"); err != ErrNotFound {
			t.Errorf("Delete() error = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreListRecencyOrder(t *testing.T) {
	st := NewStore()
	st.SetClock(fixedClock())

	a := st.Create("ai_chat")
	st.Rename(a.ID, "alpha")
	b := st.Create("ai_chat")
	st.Rename(b.ID, "beta")

	// Touch a again so it becomes the most recent.
	if err := st.Update(a.ID, func(s Session) Session { return s }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	list := st.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].ID != a.ID {
		t.Errorf("List()[0] = %q, want most recently touched %q", list[0].ID, a.ID)
	}
}

func TestStoreSetActive(t *testing.T) {
	st := NewStore()
	st.SetClock(fixedClock())
	s := st.Create("ai_chat")

	if err := st.SetActive("missing"); err != ErrNotFound {
		t.Errorf("SetActive(missing) = %v, want ErrNotFound", err)
	}
	if err := st.SetActive(s.ID); err != nil {
		t.Errorf("SetActive() error = %v", err)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty keeps sentinel", "", SentinelTitle},
		{"short input", "hello", "hello"},
		{"exactly thirty runes", "123456789012345678901234567890", "123456789012345678901234567890"},
		{"truncated with ellipsis", "12345678901234567890123456789012345", "123456789012345678901234567890..."},
		{"multibyte runes counted as runes", strings.Repeat("界", 35), strings.Repeat("界", 30) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveTitle(tt.input); got != tt.want {
				t.Errorf("DeriveTitle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSessionIsBlank(t *testing.T) {
	s := Session{Title: SentinelTitle}
	if !s.IsBlank() {
		t.Error("IsBlank() = false for sentinel-titled empty session")
	}
	s.Turns = []Turn{{User: "hi"}}
	if s.IsBlank() {
		t.Error("IsBlank() = true for session with turns")
	}
	s = Session{Title: SentinelTitle + "!", Turns: nil}
	if s.IsBlank() {
		t.Error("IsBlank() = true for renamed session")
	}
}
