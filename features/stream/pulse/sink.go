// Package pulse exposes a stream.Sink implementation that publishes session
// events to goa.design/pulse streams. It mirrors the layering used by existing
// Pulse deployments: services build a Redis client, pass it to the Pulse
// client, and hand the resulting sink to the dialog router.
//
// Each session gets its own stream so out-of-process consumers (dashboards,
// kiosks, audit pipelines) can follow a single conversation without filtering
// a shared feed. The stream naming scheme lives in the client package.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/orderflow/features/stream/pulse/clients/pulse"
	"goa.design/orderflow/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the session feed client used to publish events. Required.
		Client pulse.Client
		// MarshalEnvelope allows overriding the envelope serialization (primarily for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished is invoked after each successful publish with the entry ID
		// assigned by Redis. Optional.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes one event that reached its session stream.
	PublishedEvent struct {
		// Event is the event that was published.
		Event stream.Event
		// StreamID is the Pulse stream the event was added to.
		StreamID string
		// EntryID is the Redis entry ID assigned to the event.
		EntryID string
	}

	// Sink publishes outbound session events into per-session Pulse streams.
	// It delegates serialization to the configured envelope marshaler.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(ctx context.Context, ev PublishedEvent) error
	}

	// envelope wraps session events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g., "transcription_result", "state_change").
		Type string `json:"type"`
		// SessionID links the event to the conversation it belongs to.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed stream sink. The Client field in opts is
// required; MarshalEnvelope defaults to JSON if not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to its session's stream. It wraps the event in an
// envelope, marshals it, and appends it via the session feed client.
// Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	if event.SessionID() == "" {
		return errors.New("stream event missing session id")
	}
	str, err := s.client.SessionStream(event.SessionID())
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		SessionID: event.SessionID(),
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	id, err := str.Publish(ctx, event.Type(), payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{
			Event:    event,
			StreamID: pulse.StreamName(event.SessionID()),
			EntryID:  id,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
