// Package stream defines the outbound event vocabulary of the ordering engine:
// the wire contract toward any UI. Events are immutable after construction and
// safe to send concurrently through a Sink.
//
// The websocket transport is the usual Sink; features/stream/pulse publishes
// the same events to Redis-backed Pulse streams so out-of-process consumers
// can observe a session's feed.
package stream

import "context"

type (
	// Sink delivers events to clients over a transport (WebSocket, Pulse).
	// Implementations must be safe for concurrent Send calls.
	Sink interface {
		// Send publishes an event. Implementations marshal the event into
		// their wire format and surface delivery failures as errors.
		Send(ctx context.Context, event Event) error
		// Close releases resources owned by the sink. Idempotent.
		Close(ctx context.Context) error
	}

	// Event is one outbound event. Concrete types embed Base; sinks marshal
	// generically via Type/SessionID/Payload and consumers type-assert when
	// they need structured access.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// SessionID returns the session the event belongs to.
		SessionID() string
		// Payload returns the event data in a JSON-serializable form.
		Payload() any
	}

	// EventType enumerates the outbound event kinds.
	EventType string

	// Base provides the default Event implementation. Fields are unexported;
	// construct events through the New* helpers.
	Base struct {
		t EventType
		s string
		p any
	}

	// TranscriptionResult carries a transcript candidate to the UI.
	TranscriptionResult struct {
		Base
		Data TranscriptionResultPayload
	}

	// TranscriptionResultPayload is the wire payload for transcription events.
	TranscriptionResultPayload struct {
		// Text is the transcript candidate.
		Text string `json:"text"`
		// Confidence is the recognition confidence in [0,1].
		Confidence float64 `json:"confidence"`
		// Final reports whether the candidate is stable. A terminal result
		// with Final=true always closes a pending processing indicator.
		Final bool `json:"is_final"`
		// Alternatives are lower-ranked candidates, if any.
		Alternatives []string `json:"alternatives,omitempty"`
	}

	// ErrorEvent surfaces a recoverable or terminal failure to the UI.
	ErrorEvent struct {
		Base
		Data ErrorPayload
	}

	// ErrorPayload is the wire payload for error events.
	ErrorPayload struct {
		// Message is the user-facing error message.
		Message string `json:"message"`
		// Recoverable reports whether the session remains usable.
		Recoverable bool `json:"recoverable"`
		// Actions names the recovery actions chosen (retry, fallback, ...).
		Actions []string `json:"actions,omitempty"`
	}

	// UIUpdate instructs the UI to refresh a view with new data.
	UIUpdate struct {
		Base
		Data UIUpdatePayload
	}

	// UIUpdatePayload is the wire payload for ui_update events.
	UIUpdatePayload struct {
		// View names the view to update (e.g. "cart", "order").
		View string `json:"view"`
		// Data is the view-specific payload.
		Data any `json:"data,omitempty"`
	}

	// Toast shows a transient notification.
	Toast struct {
		Base
		Data ToastPayload
	}

	// ToastPayload is the wire payload for toast events.
	ToastPayload struct {
		// Message is the notification text.
		Message string `json:"message"`
		// Level is "info", "success", "warning" or "error".
		Level string `json:"level"`
	}

	// Navigation asks the UI to move to a different screen.
	Navigation struct {
		Base
		Data NavigationPayload
	}

	// NavigationPayload is the wire payload for navigation events.
	NavigationPayload struct {
		// Target names the destination screen.
		Target string `json:"target"`
	}

	// Loader toggles a long-running-work indicator.
	Loader struct {
		Base
		Data LoaderPayload
	}

	// LoaderPayload is the wire payload for loader events.
	LoaderPayload struct {
		// Active reports whether the indicator should show.
		Active bool `json:"active"`
		// Label is the optional indicator caption.
		Label string `json:"label,omitempty"`
	}

	// StateChange reports a dialog state transition.
	StateChange struct {
		Base
		Data StateChangePayload
	}

	// StateChangePayload is the wire payload for state_change events.
	StateChangePayload struct {
		// From is the previous dialog state.
		From string `json:"from"`
		// To is the new dialog state.
		To string `json:"to"`
	}

	// Ping is the outbound liveness probe.
	Ping struct {
		Base
	}
)

const (
	// EventTranscriptionResult streams transcript candidates.
	EventTranscriptionResult EventType = "transcription_result"
	// EventError surfaces failures converted by the recovery engine.
	EventError EventType = "error"
	// EventUIUpdate refreshes a UI view.
	EventUIUpdate EventType = "ui_update"
	// EventToast shows a transient notification.
	EventToast EventType = "toast"
	// EventNavigation moves the UI to another screen.
	EventNavigation EventType = "navigation"
	// EventLoader toggles the busy indicator.
	EventLoader EventType = "loader"
	// EventStateChange reports a dialog state transition.
	EventStateChange EventType = "state_change"
	// EventPing is the liveness probe.
	EventPing EventType = "ping"
)

// NewBase constructs a Base event with the given type, session ID and payload.
func NewBase(t EventType, sessionID string, payload any) Base {
	return Base{t: t, s: sessionID, p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// SessionID implements Event.SessionID.
func (e Base) SessionID() string { return e.s }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }

// NewTranscriptionResult builds a transcription_result event.
func NewTranscriptionResult(sessionID string, data TranscriptionResultPayload) TranscriptionResult {
	return TranscriptionResult{Base: NewBase(EventTranscriptionResult, sessionID, data), Data: data}
}

// NewError builds an error event.
func NewError(sessionID string, data ErrorPayload) ErrorEvent {
	return ErrorEvent{Base: NewBase(EventError, sessionID, data), Data: data}
}

// NewUIUpdate builds a ui_update event.
func NewUIUpdate(sessionID string, data UIUpdatePayload) UIUpdate {
	return UIUpdate{Base: NewBase(EventUIUpdate, sessionID, data), Data: data}
}

// NewToast builds a toast event.
func NewToast(sessionID string, data ToastPayload) Toast {
	return Toast{Base: NewBase(EventToast, sessionID, data), Data: data}
}

// NewNavigation builds a navigation event.
func NewNavigation(sessionID string, data NavigationPayload) Navigation {
	return Navigation{Base: NewBase(EventNavigation, sessionID, data), Data: data}
}

// NewLoader builds a loader event.
func NewLoader(sessionID string, data LoaderPayload) Loader {
	return Loader{Base: NewBase(EventLoader, sessionID, data), Data: data}
}

// NewStateChange builds a state_change event.
func NewStateChange(sessionID, from, to string) StateChange {
	data := StateChangePayload{From: from, To: to}
	return StateChange{Base: NewBase(EventStateChange, sessionID, data), Data: data}
}

// NewPing builds a ping event.
func NewPing(sessionID string) Ping {
	return Ping{Base: NewBase(EventPing, sessionID, nil)}
}
