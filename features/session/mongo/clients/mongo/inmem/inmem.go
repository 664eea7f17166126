// Package inmem provides an in-memory stand-in for the Mongo session client,
// used by tests and local tooling that do not want a running MongoDB.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/orderflow/runtime/dialog/session"
)

// Client is an in-memory implementation of the Mongo session client interface.
// Safe for concurrent use.
type Client struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	pingErr  error
}

// New returns a Client with no stored sessions.
func New() *Client {
	return &Client{sessions: make(map[string]session.Session)}
}

// Name implements health.Pinger.
func (c *Client) Name() string { return "session-inmem" }

// Ping implements health.Pinger. It reports the error set via SetPingError.
func (c *Client) Ping(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pingErr
}

// SetPingError makes subsequent Ping calls fail with err (useful in tests).
func (c *Client) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Load returns the stored session or session.ErrSessionNotFound.
func (c *Client) Load(_ context.Context, sessionID string) (session.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Save upserts the session keyed by its ID.
func (c *Client) Save(_ context.Context, sess session.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (c *Client) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

// DeleteExpired removes sessions whose expiry precedes now.
func (c *Client) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, sess := range c.sessions {
		if sess.Expired(now) {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many sessions are stored (useful in tests).
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Reset clears all stored sessions (useful in tests).
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]session.Session)
}
