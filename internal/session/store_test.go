package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStore_Create(t *testing.T) {
	store := NewStore(30 * time.Minute)

	ids := make(map[string]bool)
	codes := make(map[string]bool)

	for i := 0; i < 100; i++ {
		s := store.Create()

		if ids[s.ID] {
			t.Errorf("Duplicate session ID: %s", s.ID)
		}
		ids[s.ID] = true
		if codes[s.JoinCode] {
			t.Errorf("Duplicate join code: %s", s.JoinCode)
		}
		codes[s.JoinCode] = true

		if len(s.ID) != 32 {
			t.Errorf("Session ID length = %d, want 32", len(s.ID))
		}
		if len(s.JoinCode) != JoinCodeLength {
			t.Errorf("Join code length = %d, want %d", len(s.JoinCode), JoinCodeLength)
		}
		for _, char := range s.JoinCode {
			if !strings.ContainsRune(JoinCodeAlphabet, char) {
				t.Errorf("Join code contains invalid character: %c in %s", char, s.JoinCode)
			}
		}
		if s.CreatedAt.IsZero() {
			t.Error("CreatedAt should not be zero")
		}
		if got := s.ExpiresAt.Sub(s.CreatedAt); got != 30*time.Minute {
			t.Errorf("ExpiresAt - CreatedAt = %v, want 30m", got)
		}
	}
	if store.Count() != 100 {
		t.Errorf("Count() = %d, want 100", store.Count())
	}
}

func TestStore_GetByJoinCode(t *testing.T) {
	store := NewStore(30 * time.Minute)
	session := store.Create()

	retrieved, err := store.GetByJoinCode(session.JoinCode)
	if err != nil {
		t.Fatalf("GetByJoinCode() error = %v", err)
	}
	if retrieved.ID != session.ID {
		t.Errorf("Retrieved ID = %s, want %s", retrieved.ID, session.ID)
	}

	if _, err := store.GetByJoinCode(" " + strings.ToLower(session.JoinCode)); err != nil {
		t.Errorf("lower case lookup error = %v", err)
	}

	if _, err := store.GetByJoinCode("INVALID"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByJoinCode(INVALID) error = %v, want ErrNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore(30 * time.Minute)
	session := store.Create()

	store.Delete(session.ID)

	if _, err := store.GetByJoinCode(session.JoinCode); !errors.Is(err, ErrNotFound) {
		t.Fatal("session should be deleted")
	}
	store.Delete(session.ID)
}

func TestStore_Expiry(t *testing.T) {
	store := NewStore(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	old := store.Create()
	now = now.Add(45 * time.Second)
	fresh := store.Create()
	now = now.Add(30 * time.Second)

	if _, err := store.GetByJoinCode(old.JoinCode); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session lookup error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByJoinCode(fresh.JoinCode); err != nil {
		t.Errorf("fresh session lookup error = %v", err)
	}

	removed := store.CleanupExpired(now)
	if len(removed) != 1 || removed[0] != old.ID {
		t.Errorf("CleanupExpired() = %v, want [%s]", removed, old.ID)
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestStore_NoTTL(t *testing.T) {
	store := NewStore(0)
	s := store.Create()
	if !s.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", s.ExpiresAt)
	}
	if removed := store.CleanupExpired(time.Now().Add(24 * time.Hour)); len(removed) != 0 {
		t.Errorf("CleanupExpired() = %v, want none", removed)
	}
}

func TestStore_CodeCollision(t *testing.T) {
	store := NewStore(0)
	codes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	store.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	first := store.Create()
	second := store.Create()
	if first.JoinCode != "AAAAAAAA" || second.JoinCode != "BBBBBBBB" {
		t.Errorf("join codes = %s, %s", first.JoinCode, second.JoinCode)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(30 * time.Minute)
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch g {
				case 0, 1:
					store.Create()
				case 2:
					store.GetByJoinCode("TESTCODE")
				default:
					store.Delete("missing")
					store.CleanupExpired(time.Now())
				}
			}
		}(g)
	}
	wg.Wait()

	if store.Count() != 100 {
		t.Errorf("Count() = %d, want 100", store.Count())
	}
}
