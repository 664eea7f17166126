// Package inmem provides the in-memory session.Store used by default. Each
// session gets its own lock so in-flight turns for one session serialize while
// distinct sessions never contend.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/telemetry"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*entry

		idleTimeout time.Duration
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// entry pairs a session with its serialization lock.
	entry struct {
		mu   sync.Mutex
		sess session.Session
	}

	// Options configures the store. Zero values fall back to defaults.
	Options struct {
		// IdleTimeout is the inactivity window before a session expires.
		// Defaults to session.DefaultIdleTimeout.
		IdleTimeout time.Duration
		// Logger receives store lifecycle logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives store counters. Defaults to noop.
		Metrics telemetry.Metrics
	}
)

// New returns an empty Store.
func New(opts Options) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = session.DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Store{
		sessions:    make(map[string]*entry),
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// GetOrCreate implements session.Store. An expired session that the sweep has
// not yet removed counts as absent: a fresh session is created under the same
// ID.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, userID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	now := time.Now().UTC()
	if ok {
		e.mu.Lock()
		expired := e.sess.Expired(now)
		e.mu.Unlock()
		if expired {
			delete(s.sessions, sessionID)
			ok = false
		}
	}
	if !ok {
		e = &entry{sess: session.Session{
			ID:           sessionID,
			UserID:       userID,
			State:        session.StateIdle,
			Preferences:  session.Preferences{Language: "ko-KR", VoiceEnabled: true},
			CreatedAt:    now,
			LastActivity: now,
			ExpiresAt:    now.Add(s.idleTimeout),
		}}
		s.sessions[sessionID] = e
		s.metrics.IncCounter(telemetry.MetricSessionsCreated, 1)
		s.logger.Debug(ctx, "session created", "session_id", sessionID)
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

// Get implements session.Store.
func (s *Store) Get(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Expired(time.Now().UTC()) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return e.sess.Clone(), nil
}

// Transition implements session.Store. The session is left untouched when the
// transition table forbids the move.
func (s *Store) Transition(ctx context.Context, sessionID string, target session.State, patch session.ContextPatch) error {
	if !target.Valid() {
		return &session.IllegalTransitionError{To: target}
	}
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.State.CanTransition(target) {
		s.metrics.IncCounter(telemetry.MetricIllegalTransitions, 1,
			"from", string(e.sess.State), "to", string(target))
		return &session.IllegalTransitionError{From: e.sess.State, To: target}
	}
	from := e.sess.State
	e.sess.State = target
	e.sess.Context = e.sess.Context.Apply(patch)
	s.touch(&e.sess)
	s.metrics.IncCounter(telemetry.MetricTransitions, 1, "from", string(from), "to", string(target))
	s.logger.Debug(ctx, "session transition", "session_id", sessionID, "from", from, "to", target)
	return nil
}

// PatchContext implements session.Store.
func (s *Store) PatchContext(_ context.Context, sessionID string, patch session.ContextPatch) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Context = e.sess.Context.Apply(patch)
	s.touch(&e.sess)
	return nil
}

// AppendTurn implements session.Store.
func (s *Store) AppendTurn(_ context.Context, sessionID string, turn session.Turn) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.History = append(e.sess.History, turn)
	if n := len(e.sess.History); n > session.MaxHistoryTurns {
		e.sess.History = append([]session.Turn(nil), e.sess.History[n-session.MaxHistoryTurns:]...)
	}
	s.touch(&e.sess)
	return nil
}

// MutateCart implements session.Store.
func (s *Store) MutateCart(_ context.Context, sessionID string, patch session.CartPatch) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Cart = e.sess.Cart.Apply(patch)
	s.touch(&e.sess)
	return nil
}

// AttachOrder implements session.Store.
func (s *Store) AttachOrder(_ context.Context, sessionID string, order session.Order) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := order
	e.sess.Order = &o
	s.touch(&e.sess)
	return nil
}

// Sweep implements session.Store. It removes expired sessions and is safe to
// run concurrently with session operations and after sessions have already
// been removed.
func (s *Store) Sweep(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		expired := e.sess.Expired(now)
		e.mu.Unlock()
		if expired {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.IncCounter(telemetry.MetricSessionsExpired, float64(removed))
		s.logger.Info(ctx, "expired sessions swept", "count", removed)
	}
	return removed
}

// RunSweeper runs the expiry sweep every interval until ctx is canceled.
// Interval defaults to session.DefaultSweepInterval when non-positive.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = session.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now.UTC())
		}
	}
}

// lookup returns the live entry for the session ID.
func (s *Store) lookup(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return e, nil
}

// touch refreshes activity tracking. Callers hold the entry lock.
func (s *Store) touch(sess *session.Session) {
	now := time.Now().UTC()
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.idleTimeout)
}
