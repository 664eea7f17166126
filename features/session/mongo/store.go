package mongo

import (
	"context"
	"errors"
	"sync"
	"time"

	clientsmongo "goa.design/orderflow/features/session/mongo/clients/mongo"
	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/telemetry"
)

type (
	// Store implements session.Store on top of the Mongo client. Documents
	// move whole; per-session mutexes serialize read-modify-write cycles so
	// two in-flight turns for the same session never interleave.
	Store struct {
		client clientsmongo.Client

		idleTimeout time.Duration
		logger      telemetry.Logger
		metrics     telemetry.Metrics

		mu    sync.Mutex
		locks map[string]*sync.Mutex
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

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client, opts Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
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
		client:      client,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// GetOrCreate implements session.Store. An expired session the sweep has not
// yet removed counts as absent: a fresh session is created under the same ID.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, userID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	lock := s.lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	sess, err := s.client.Load(ctx, sessionID)
	switch {
	case err == nil && !sess.Expired(now):
		return sess, nil
	case err != nil && !errors.Is(err, session.ErrSessionNotFound):
		return session.Session{}, err
	}

	sess = session.Session{
		ID:           sessionID,
		UserID:       userID,
		State:        session.StateIdle,
		Preferences:  session.Preferences{Language: "ko-KR", VoiceEnabled: true},
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.idleTimeout),
	}
	if err := s.client.Save(ctx, sess); err != nil {
		return session.Session{}, err
	}
	s.metrics.IncCounter(telemetry.MetricSessionsCreated, 1)
	s.logger.Debug(ctx, "session created", "session_id", sessionID)
	return sess, nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	sess, err := s.client.Load(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Expired(time.Now().UTC()) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

// Transition implements session.Store. The document is left untouched when
// the transition table forbids the move.
func (s *Store) Transition(ctx context.Context, sessionID string, target session.State, patch session.ContextPatch) error {
	if !target.Valid() {
		return &session.IllegalTransitionError{To: target}
	}
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		if !sess.State.CanTransition(target) {
			s.metrics.IncCounter(telemetry.MetricIllegalTransitions, 1,
				"from", string(sess.State), "to", string(target))
			return &session.IllegalTransitionError{From: sess.State, To: target}
		}
		from := sess.State
		sess.State = target
		sess.Context = sess.Context.Apply(patch)
		s.metrics.IncCounter(telemetry.MetricTransitions, 1, "from", string(from), "to", string(target))
		s.logger.Debug(ctx, "session transition", "session_id", sessionID, "from", from, "to", target)
		return nil
	})
}

// PatchContext implements session.Store.
func (s *Store) PatchContext(ctx context.Context, sessionID string, patch session.ContextPatch) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		sess.Context = sess.Context.Apply(patch)
		return nil
	})
}

// AppendTurn implements session.Store.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		sess.History = append(sess.History, turn)
		if n := len(sess.History); n > session.MaxHistoryTurns {
			sess.History = append([]session.Turn(nil), sess.History[n-session.MaxHistoryTurns:]...)
		}
		return nil
	})
}

// AttachOrder implements session.Store.
func (s *Store) AttachOrder(ctx context.Context, sessionID string, order session.Order) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		o := order
		sess.Order = &o
		return nil
	})
}

// MutateCart implements session.Store.
func (s *Store) MutateCart(ctx context.Context, sessionID string, patch session.CartPatch) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		sess.Cart = sess.Cart.Apply(patch)
		return nil
	})
}

// Sweep implements session.Store. Expiry is enforced by a bulk delete on the
// expires_at index rather than per-document checks.
func (s *Store) Sweep(ctx context.Context, now time.Time) int {
	removed, err := s.client.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Error(ctx, "session sweep failed", "err", err)
		return 0
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

// update runs a load-modify-save cycle under the session's lock. mutate sees
// the freshest document and its changes are persisted only when it returns
// nil.
func (s *Store) update(ctx context.Context, sessionID string, mutate func(*session.Session) error) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	lock := s.lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.client.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Expired(time.Now().UTC()) {
		return session.ErrSessionNotFound
	}
	if err := mutate(&sess); err != nil {
		return err
	}
	s.touch(&sess)
	return s.client.Save(ctx, sess)
}

// lock returns the serialization mutex for the session ID, creating it on
// first use. Locks are never reclaimed; the map is bounded by the number of
// distinct sessions a process serves between restarts.
func (s *Store) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// touch refreshes activity tracking. Callers hold the session lock.
func (s *Store) touch(sess *session.Session) {
	now := time.Now().UTC()
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.idleTimeout)
}
