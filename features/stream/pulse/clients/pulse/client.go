// Package pulse adapts goa.design/pulse streaming to the session feed: one
// Redis-backed stream per ordering session, carrying the engine's outbound
// event vocabulary. Callers build a Redis client, pass it to New, and address
// streams by session ID; the stream naming scheme lives in this package so
// publishers and subscribers cannot drift apart.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/orderflow/runtime/stream"
)

type (
	// Options configures the session feed client.
	Options struct {
		// Redis is the Redis connection backing the session streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per session stream.
		// Zero uses Pulse defaults.
		StreamMaxLen int
		// StreamOptions returns additional stream options applied when opening
		// a session's stream. It is invoked once per SessionStream call.
		//
		// Returning nil means "no additional options".
		StreamOptions func(sessionID string) []streamopts.Stream
		// OperationTimeout bounds individual Publish operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client hands out per-session stream handles. The feed sink uses it to
	// publish session events and the subscriber to consume them; both sides
	// address streams by session ID only.
	Client interface {
		// SessionStream returns the handle for the session's event stream,
		// creating the underlying Pulse stream if needed.
		SessionStream(sessionID string, opts ...streamopts.Stream) (SessionStream, error)
		// Close releases resources owned by the client. The caller keeps
		// ownership of the Redis connection.
		Close(ctx context.Context) error
	}

	// SessionStream is one session's event stream.
	SessionStream interface {
		// SessionID returns the session the stream belongs to.
		SessionID() string
		// Publish appends an event of the given type and returns the entry ID
		// assigned by Redis (e.g. "1234567890-0"). The payload is the
		// marshaled event envelope.
		Publish(ctx context.Context, typ stream.EventType, payload []byte) (string, error)
		// NewSink creates a consumer group reading this session's events.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries from Redis.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group over a session stream.
	Sink interface {
		// Subscribe returns the channel events arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges the event, removing it from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases its resources.
		Close(context.Context)
	}

	client struct {
		rdb     *redis.Client
		maxLen  int
		extra   func(sessionID string) []streamopts.Stream
		timeout time.Duration
	}

	sessionStream struct {
		id      string
		stream  *streaming.Stream
		timeout time.Duration
	}

	groupSink struct {
		*streaming.Sink
	}
)

// StreamName returns the Redis stream key for a session's event feed.
func StreamName(sessionID string) string {
	return "session/" + sessionID
}

// New constructs a session feed client backed by the provided Redis
// connection. The Redis field in opts is required; other fields are optional.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		extra:   opts.StreamOptions,
		timeout: opts.OperationTimeout,
	}, nil
}

// SessionStream opens the session's event stream, creating it if it does not
// exist yet.
func (c *client) SessionStream(sessionID string, opts ...streamopts.Stream) (SessionStream, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	sopts := make([]streamopts.Stream, 0, len(opts)+1)
	if c.maxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.extra != nil {
		sopts = append(sopts, c.extra(sessionID)...)
	}
	sopts = append(sopts, opts...)
	str, err := streaming.NewStream(StreamName(sessionID), c.rdb, sopts...)
	if err != nil {
		return nil, fmt.Errorf("open session stream: %w", err)
	}
	return &sessionStream{id: sessionID, stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error { return nil }

// SessionID returns the session the stream belongs to.
func (s *sessionStream) SessionID() string { return s.id }

// Publish appends the event to the session stream, bounded by the configured
// operation timeout.
func (s *sessionStream) Publish(ctx context.Context, typ stream.EventType, payload []byte) (string, error) {
	if typ == "" {
		return "", errors.New("event type is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.stream.Add(ctx, string(typ), payload)
	if err != nil {
		return "", fmt.Errorf("publish session event: %w", err)
	}
	return id, nil
}

// NewSink creates a consumer group on the session stream.
func (s *sessionStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := s.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return groupSink{Sink: sink}, nil
}

// Destroy deletes the session stream and all its entries from Redis.
func (s *sessionStream) Destroy(ctx context.Context) error { return s.stream.Destroy(ctx) }

// Close narrows streaming.Sink's Close to the Sink contract.
func (g groupSink) Close(ctx context.Context) { g.Sink.Close(ctx) }
