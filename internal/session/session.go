// Package session keeps the rooms of the reference messaging server.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// JoinCodeAlphabet is A-Z and 2-9 without the ambiguous O, 0, I and 1.
const JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// JoinCodeLength is the number of characters in a join code.
const JoinCodeLength = 8

// ErrNotFound is returned for unknown or expired join codes.
var ErrNotFound = errors.New("session not found")

// Session represents a room.
type Session struct {
	ID        string    `json:"session_id"`
	JoinCode  string    `json:"join_code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the room has outlived its TTL. Rooms without TTL never expire.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store is a thread-safe in-memory store for sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session // keyed by session ID
	byCode   map[string]string  // join code -> session ID
	ttl      time.Duration
	newCode  func() string
	now      func() time.Time
}

// NewStore creates a session store. A zero ttl keeps rooms until they are deleted.
func NewStore(ttl time.Duration) *Store {
	gen, err := nanoid.CustomASCII(JoinCodeAlphabet, JoinCodeLength)
	if err != nil {
		// the alphabet and length are constants that nanoid accepts
		panic(err)
	}
	return &Store{
		sessions: make(map[string]Session),
		byCode:   make(map[string]string),
		ttl:      ttl,
		newCode:  gen,
		now:      time.Now,
	}
}

// Create creates a new session with a unique ID and join code.
func (s *Store) Create() Session {
	now := s.now()
	session := Session{
		ID:        generateSessionID(),
		CreatedAt: now,
	}
	if s.ttl > 0 {
		session.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session.JoinCode = s.newCode()
	for _, exists := s.byCode[session.JoinCode]; exists; _, exists = s.byCode[session.JoinCode] {
		session.JoinCode = s.newCode()
	}

	s.sessions[session.ID] = session
	s.byCode[session.JoinCode] = session.ID
	return session
}

// GetByJoinCode retrieves a live session by its join code. Codes are matched
// case-insensitively.
func (s *Store) GetByJoinCode(code string) (Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.byCode[code]
	if !ok {
		return Session{}, ErrNotFound
	}
	session, ok := s.sessions[sessionID]
	if !ok || session.Expired(s.now()) {
		return Session{}, ErrNotFound
	}
	return session, nil
}

// Delete removes a session. Unknown ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		delete(s.byCode, session.JoinCode)
	}
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CleanupExpired removes all expired sessions from the store and returns their ids.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, session := range s.sessions {
		if session.Expired(now) {
			removed = append(removed, id)
			delete(s.sessions, id)
			delete(s.byCode, session.JoinCode)
		}
	}
	return removed
}

// generateSessionID returns a UUIDv7 without dashes (32 hex characters).
func generateSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
