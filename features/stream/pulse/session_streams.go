package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/orderflow/features/stream/pulse/clients/pulse"
	"goa.design/orderflow/runtime/stream"
)

// SessionStreams wires a caller-provided Pulse client into the ordering
// engine. It owns a publishing sink (handed to the dialog router) and can
// spawn subscribers that reuse the same client so services do not need to
// manage multiple Pulse connections.
type SessionStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// SessionStreamsOptions configures the helper returned by NewSessionStreams.
type SessionStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. It is
	// required and typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID derivation,
	// marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewSessionStreams constructs helpers for publishing session events to Pulse
// and subscribing to the resulting streams. Callers pass the returned sink to
// the router options and keep the helper around to create subscribers (e.g.,
// kiosk display fan-out) later on.
func NewSessionStreams(opts SessionStreamsOptions) (*SessionStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &SessionStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can pass it to the router.
func (r *SessionStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps stream publishing and consumption on the same Redis
// connection pool.
func (r *SessionStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink. Call this during service shutdown
// after all subscribers have been canceled.
func (r *SessionStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
