// Package connector manages the live speech-to-text stream of each session.
// It enforces the at-most-one-stream invariant, validates audio configuration
// before opening vendor sessions, gates interim transcripts by quality score,
// watches for idle streams and reopens failed streams only when the recovery
// engine decides a retry is warranted.
package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/orderflow/runtime/dialog/recovery"
	"goa.design/orderflow/runtime/retry"
	"goa.design/orderflow/runtime/telemetry"
	"goa.design/orderflow/runtime/voice/quality"
	"goa.design/orderflow/runtime/voice/stt"
)

type (
	// Recoverer decides what to do about a stream failure. Satisfied by
	// *recovery.Engine.
	Recoverer interface {
		Handle(ctx context.Context, rc recovery.Context) (recovery.Result, error)
	}

	// Connector owns all live recognition streams, one per session at most.
	Connector struct {
		recognizer stt.Recognizer
		recoverer  Recoverer
		backoff    retry.Config
		idle       time.Duration
		tick       time.Duration
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer

		mu    sync.Mutex
		conns map[string]*conn
	}

	// Options configures the connector. Zero values fall back to defaults.
	Options struct {
		// Recoverer decides retry-vs-teardown on stream failures. When nil
		// every failure tears the stream down.
		Recoverer Recoverer
		// Backoff caps stream reopen attempts. Defaults to retry.DefaultConfig.
		Backoff retry.Config
		// IdleTimeout closes streams that receive no audio. Defaults to
		// DefaultIdleTimeout.
		IdleTimeout time.Duration
		// WatchdogInterval is how often idle streams are checked. Defaults to
		// IdleTimeout/4.
		WatchdogInterval time.Duration
		// Logger receives connector logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives connector counters. Defaults to noop.
		Metrics telemetry.Metrics
		// Tracer opens a span per stream start. Defaults to noop.
		Tracer telemetry.Tracer
	}

	// Connection is a point-in-time snapshot of a live stream.
	Connection struct {
		// SessionID identifies the owning session.
		SessionID string
		// Active reports whether the stream is still open.
		Active bool
		// Config is the audio configuration the stream was opened with.
		Config stt.Config
		// CreatedAt is when the stream was first opened.
		CreatedAt time.Time
		// LastActivity is when audio was last pushed.
		LastActivity time.Time
		// RetryCount is how many reopen attempts have been made.
		RetryCount int
	}

	// Subscription delivers the transcription results of one stream. The
	// channel closes after the terminal result when the stream ends.
	Subscription struct {
		results chan stt.Result
	}

	conn struct {
		parent    *Connector
		sessionID string
		createdAt time.Time
		sub       *Subscription
		stop      chan struct{}

		lastActivity atomic.Int64

		mu         sync.Mutex
		cfg        stt.Config
		stream     stt.RecognizeStream
		gen        int
		retryCount int
		closed     bool

		closeOnce sync.Once
	}
)

// DefaultIdleTimeout is how long a stream may go without audio before the
// watchdog closes it.
const DefaultIdleTimeout = 5 * time.Minute

// subscriptionBuffer bounds the per-stream result channel. Slow consumers
// lose interim results rather than stalling the read pump.
const subscriptionBuffer = 32

// ErrNoActiveStream indicates an operation on a session without a live stream.
var ErrNoActiveStream = errors.New("no active stream for session")

// New constructs the connector. The recognizer is required.
func New(recognizer stt.Recognizer, opts Options) (*Connector, error) {
	if recognizer == nil {
		return nil, errors.New("recognizer is required")
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = retry.DefaultConfig()
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WatchdogInterval == 0 {
		opts.WatchdogInterval = opts.IdleTimeout / 4
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Connector{
		recognizer: recognizer,
		recoverer:  opts.Recoverer,
		backoff:    opts.Backoff,
		idle:       opts.IdleTimeout,
		tick:       opts.WatchdogInterval,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		conns:      make(map[string]*conn),
	}, nil
}

// Results returns the channel delivering the stream's transcription results.
func (s *Subscription) Results() <-chan stt.Result { return s.results }

// Start validates cfg and opens a recognition stream for the session, tearing
// down any existing stream for the same session first.
func (c *Connector) Start(ctx context.Context, sessionID string, cfg stt.Config) (*Subscription, error) {
	ctx, span := c.tracer.Start(ctx, "voice.stream.start")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid audio config")
		return nil, err
	}
	c.Stop(ctx, sessionID)

	stream, err := c.recognizer.Open(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognizer open failed")
		return nil, err
	}
	now := time.Now()
	cn := &conn{
		parent:    c,
		sessionID: sessionID,
		createdAt: now,
		sub:       &Subscription{results: make(chan stt.Result, subscriptionBuffer)},
		stop:      make(chan struct{}),
		cfg:       cfg,
		stream:    stream,
		gen:       1,
	}
	cn.lastActivity.Store(now.UnixNano())

	c.mu.Lock()
	c.conns[sessionID] = cn
	c.mu.Unlock()

	go cn.pump(1, stream)
	go cn.watchdog()
	c.logger.Info(ctx, "stream started", "session_id", sessionID, "language", cfg.LanguageCode)
	return cn.sub, nil
}

// Stop tears down the session's stream. No-op when the session has none.
func (c *Connector) Stop(ctx context.Context, sessionID string) {
	c.mu.Lock()
	cn := c.conns[sessionID]
	c.mu.Unlock()
	if cn == nil {
		return
	}
	cn.teardown(nil)
	c.logger.Info(ctx, "stream stopped", "session_id", sessionID)
}

// Push forwards an audio chunk to the session's stream. Empty chunks carry no
// information and are dropped silently. Returns ErrNoActiveStream when the
// session has no live stream.
func (c *Connector) Push(sessionID string, audio []byte) error {
	cn := c.lookup(sessionID)
	if cn == nil {
		return ErrNoActiveStream
	}
	if len(audio) == 0 {
		c.logger.Debug(context.Background(), "dropping empty audio chunk", "session_id", sessionID)
		return nil
	}
	cn.lastActivity.Store(time.Now().UnixNano())
	if !quality.IsSpeech(audio) {
		c.metrics.IncCounter(telemetry.MetricAudioChunksDropped, 1, "reason", "silence")
	}

	cn.mu.Lock()
	stream := cn.stream
	closed := cn.closed
	cn.mu.Unlock()
	if closed {
		return ErrNoActiveStream
	}
	return stream.Send(audio)
}

// SetLanguage reopens the session's stream with a new primary language,
// keeping the subscription. Returns ErrNoActiveStream when the session has no
// live stream.
func (c *Connector) SetLanguage(ctx context.Context, sessionID, languageCode string) error {
	cn := c.lookup(sessionID)
	if cn == nil {
		return ErrNoActiveStream
	}

	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return ErrNoActiveStream
	}
	cfg := cn.cfg
	cfg.LanguageCode = languageCode
	stream, err := c.recognizer.Open(ctx, cfg)
	if err != nil {
		cn.mu.Unlock()
		return err
	}
	old := cn.stream
	cn.cfg = cfg
	cn.stream = stream
	cn.gen++
	gen := cn.gen
	cn.mu.Unlock()

	old.Close()
	go cn.pump(gen, stream)
	c.logger.Info(ctx, "stream language changed", "session_id", sessionID, "language", languageCode)
	return nil
}

// Info returns a snapshot of the session's stream.
func (c *Connector) Info(sessionID string) (Connection, bool) {
	cn := c.lookup(sessionID)
	if cn == nil {
		return Connection{}, false
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return Connection{
		SessionID:    cn.sessionID,
		Active:       !cn.closed,
		Config:       cn.cfg,
		CreatedAt:    cn.createdAt,
		LastActivity: time.Unix(0, cn.lastActivity.Load()),
		RetryCount:   cn.retryCount,
	}, true
}

// Shutdown tears down every live stream.
func (c *Connector) Shutdown(ctx context.Context) {
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()
	for _, cn := range conns {
		cn.teardown(nil)
	}
}

func (c *Connector) lookup(sessionID string) *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[sessionID]
}

// pump drains one vendor stream, gating interim results. It exits when the
// stream ends or when a newer stream generation supersedes it.
func (cn *conn) pump(gen int, stream stt.RecognizeStream) {
	for res := range stream.Results() {
		if cn.superseded(gen) {
			return
		}
		if res.Err != nil {
			cn.handleFailure(res.Err)
			return
		}
		res.SessionID = cn.sessionID
		cn.deliver(res)
	}
	if cn.superseded(gen) {
		return
	}
	// Service closed the stream without an error event.
	cn.teardown(nil)
}

// deliver applies the quality gate and forwards the result without blocking.
// Final results bypass the gate.
func (cn *conn) deliver(res stt.Result) {
	if !res.Final {
		score := quality.Score(res.Text, res.Confidence, res.WordConfidences)
		if !quality.PassesGate(score) {
			cn.parent.metrics.IncCounter(telemetry.MetricTranscriptsGated, 1)
			return
		}
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	select {
	case cn.sub.results <- res:
		cn.parent.metrics.IncCounter(telemetry.MetricTranscriptsDelivered, 1, "final", boolTag(res.Final))
	default:
		cn.parent.logger.Warn(context.Background(), "dropping transcription result, subscriber too slow",
			"session_id", cn.sessionID)
	}
}

// handleFailure routes a stream failure through the recovery engine and
// reopens the stream only when the decision includes a retry action. The
// reopen attempts run through retry.Do so failed opens back off on the
// configured schedule; exhausting the remaining retry budget, or any
// non-retry decision, tears the stream down with a terminal result.
func (cn *conn) handleFailure(cause *stt.Error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cn.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	cn.mu.Lock()
	retryCount := cn.retryCount
	cn.mu.Unlock()

	if cn.parent.recoverer == nil {
		cn.teardown(cause)
		return
	}
	decision, err := cn.parent.recoverer.Handle(ctx, recovery.Context{
		SessionID:  cn.sessionID,
		Source:     recovery.SourceVoice,
		Err:        cause,
		RetryCount: retryCount,
	})
	if err != nil {
		cn.teardown(cause)
		return
	}
	delay, ok := retryDelay(decision)
	if !ok || retryCount >= cn.parent.backoff.MaxAttempts {
		cn.teardown(cause)
		return
	}

	select {
	case <-cn.stop:
		return
	case <-time.After(delay):
	}

	budget := cn.parent.backoff
	budget.MaxAttempts -= retryCount
	if err := retry.Do(ctx, budget, cn.reopen); err != nil {
		cn.teardown(stt.NewError(stt.KindNetwork, "stream reopen failed", err))
	}
}

// reopen is one reopen attempt: open a replacement vendor stream and resume
// the pump. A nil return on a torn-down connection stops the retry loop.
func (cn *conn) reopen(ctx context.Context) error {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil
	}
	cfg := cn.cfg
	cn.retryCount++
	attempt := cn.retryCount
	cn.mu.Unlock()

	stream, err := cn.parent.recognizer.Open(ctx, cfg)
	if err != nil {
		return err
	}

	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		stream.Close()
		return nil
	}
	cn.stream = stream
	cn.gen++
	gen := cn.gen
	cn.mu.Unlock()

	cn.parent.metrics.IncCounter(telemetry.MetricStreamReopens, 1)
	cn.parent.logger.Info(ctx, "stream reopened", "session_id", cn.sessionID, "attempt", attempt)
	go cn.pump(gen, stream)
	return nil
}

// watchdog closes the stream after the idle timeout elapses without audio.
func (cn *conn) watchdog() {
	ticker := time.NewTicker(cn.parent.tick)
	defer ticker.Stop()
	for {
		select {
		case <-cn.stop:
			return
		case <-ticker.C:
			last := time.Unix(0, cn.lastActivity.Load())
			if time.Since(last) < cn.parent.idle {
				continue
			}
			cause := stt.NewError(stt.KindTimeout, "stream idle timeout", nil)
			if cn.parent.recoverer != nil {
				cn.mu.Lock()
				retryCount := cn.retryCount
				cn.mu.Unlock()
				cn.parent.recoverer.Handle(context.Background(), recovery.Context{
					SessionID:  cn.sessionID,
					Source:     recovery.SourceVoice,
					Err:        cause,
					RetryCount: retryCount,
				})
			}
			cn.teardown(cause)
			return
		}
	}
}

// teardown closes the stream exactly once, always ending delivery with a
// terminal zero-confidence final result so the UI can resolve any pending
// processing indicator.
func (cn *conn) teardown(cause *stt.Error) {
	cn.closeOnce.Do(func() {
		cn.mu.Lock()
		cn.closed = true
		stream := cn.stream
		cn.mu.Unlock()

		close(cn.stop)
		stream.Close()

		cn.parent.mu.Lock()
		if cn.parent.conns[cn.sessionID] == cn {
			delete(cn.parent.conns, cn.sessionID)
		}
		cn.parent.mu.Unlock()

		terminal := stt.Result{SessionID: cn.sessionID, Final: true, Err: cause}
		select {
		case cn.sub.results <- terminal:
		default:
		}
		close(cn.sub.results)
	})
}

func (cn *conn) superseded(gen int) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.closed || cn.gen != gen
}

func retryDelay(decision recovery.Result) (time.Duration, bool) {
	for _, a := range decision.Actions {
		if a.Kind == recovery.ActionRetry {
			return a.Delay, true
		}
	}
	return 0, false
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
