// Package telemetry defines the logging, metrics, and tracing contracts used by
// the orderflow runtime. Implementations typically delegate to Clue and
// OpenTelemetry but the interfaces are intentionally small so tests can provide
// lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the runtime.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers for runtime instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code can remain agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the runtime. Implementations may namespace them
// further; the names are stable so dashboards can rely on them.
const (
	MetricSessionsCreated      = "orderflow.sessions.created"
	MetricSessionsExpired      = "orderflow.sessions.expired"
	MetricTransitions          = "orderflow.session.transitions"
	MetricIllegalTransitions   = "orderflow.session.transitions.illegal"
	MetricTranscriptsGated     = "orderflow.voice.transcripts.gated"
	MetricTranscriptsDelivered = "orderflow.voice.transcripts.delivered"
	MetricStreamReopens        = "orderflow.voice.stream.reopens"
	MetricRecoveryStrategies   = "orderflow.recovery.strategies"
	MetricRouterTurns          = "orderflow.router.turns"
	MetricBusinessCalls        = "orderflow.router.business.calls"
	MetricTransportConnects    = "orderflow.transport.connects"
	MetricTransportDisconnects = "orderflow.transport.disconnects"
	MetricAudioChunksDropped   = "orderflow.transport.audio.dropped"
)
