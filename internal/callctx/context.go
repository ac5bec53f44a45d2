// Package callctx holds the per-call session context handed to every component:
// the call identifier, the local participant identity and the API access token.
package callctx

import (
	"context"
	"errors"
	"sync"
)

// ErrNoRefresh is returned by Refresh when no refresh callback was configured.
var ErrNoRefresh = errors.New("token refresh not configured")

// RefreshFunc obtains a new access token.
type RefreshFunc func(ctx context.Context) (string, error)

// Context is safe for concurrent use.
type Context struct {
	sessionID string
	localID   string
	refresh   RefreshFunc

	mu    sync.RWMutex
	token string
}

// New creates a session context. refresh may be nil.
func New(sessionID, localID, token string, refresh RefreshFunc) *Context {
	return &Context{
		sessionID: sessionID,
		localID:   localID,
		token:     token,
		refresh:   refresh,
	}
}

// SessionID returns the call identifier used to scope storage objects.
func (c *Context) SessionID() string { return c.sessionID }

// LocalID returns the stable identifier of the local participant.
func (c *Context) LocalID() string { return c.localID }

// Token returns the current access token.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Refresh replaces the access token using the refresh callback.
func (c *Context) Refresh(ctx context.Context) (string, error) {
	if c.refresh == nil {
		return "", ErrNoRefresh
	}
	token, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}
