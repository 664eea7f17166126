// Package stt defines the contract between the orderflow runtime and an
// external streaming speech-to-text service. The vendor protocol stays behind
// the Recognizer interface; the runtime only depends on the types here.
//
// Failures are tagged with a closed ErrorKind at the point of failure so the
// recovery engine can switch on a typed kind instead of matching message
// substrings.
package stt

import (
	"context"
	"errors"
	"fmt"
)

type (
	// Config describes the audio stream a recognizer session accepts. The
	// external service mandates 16 kHz mono 16-bit linear PCM; these are
	// protocol requirements, not preferences.
	Config struct {
		// SampleRate is the audio sample rate in Hz. Must be 16000.
		SampleRate int
		// Channels is the channel count. Must be 1.
		Channels int
		// Encoding is the sample encoding. Must be EncodingPCM16.
		Encoding string
		// LanguageCode is the primary recognition language (BCP-47).
		LanguageCode string
		// AltLanguageCodes are fallback languages offered to the service.
		AltLanguageCodes []string
	}

	// Result is one transcription event from the service.
	Result struct {
		// SessionID identifies the conversation session the audio belongs to.
		SessionID string
		// Text is the transcript candidate.
		Text string
		// Confidence is the service's confidence in [0,1].
		Confidence float64
		// WordConfidences are optional per-word confidences.
		WordConfidences []float64
		// Final reports whether this is a final (stable) result. Interim
		// results are advisory and may be withheld by the quality gate.
		Final bool
		// Alternatives are lower-ranked transcript candidates.
		Alternatives []string
		// Err carries the stream-level failure that terminated recognition,
		// if any. When set, Final is true and Confidence is zero.
		Err *Error
	}

	// RecognizeStream is one live recognition session.
	RecognizeStream interface {
		// Send forwards an audio chunk to the service. It must not block on
		// transcription: implementations buffer internally.
		Send(audio []byte) error
		// Results returns the channel delivering transcription events. The
		// channel closes when the stream ends.
		Results() <-chan Result
		// Close terminates the session. Idempotent.
		Close() error
	}

	// Recognizer opens recognition sessions against the external service.
	Recognizer interface {
		// Open starts a streaming session with the given, already validated,
		// configuration.
		Open(ctx context.Context, cfg Config) (RecognizeStream, error)
	}

	// ErrorKind is the closed classification of STT failures.
	ErrorKind string

	// Error is a classified STT failure produced at the point of failure.
	Error struct {
		// Kind classifies the failure.
		Kind ErrorKind
		// Message is the human-readable detail.
		Message string
		// Cause is the underlying error, if any.
		Cause error
	}
)

// EncodingPCM16 is 16-bit linear PCM, the only encoding the service accepts.
const EncodingPCM16 = "pcm16"

const (
	// KindNetwork marks connectivity failures.
	KindNetwork ErrorKind = "network"
	// KindPermission marks authorization failures.
	KindPermission ErrorKind = "permission"
	// KindAudioQuality marks audio the service could not use.
	KindAudioQuality ErrorKind = "audio_quality"
	// KindLanguageDetection marks failures to detect or support the language.
	KindLanguageDetection ErrorKind = "language_detection"
	// KindAPI marks generic service-side errors.
	KindAPI ErrorKind = "api_error"
	// KindRateLimited marks quota and rate-limit rejections.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout marks idle and deadline expirations.
	KindTimeout ErrorKind = "timeout"
)

// ErrInvalidConfig indicates an audio configuration the service rejects.
var ErrInvalidConfig = errors.New("invalid audio config")

// Validate checks the protocol requirements: 16 kHz, mono, PCM16. Errors
// match ErrInvalidConfig.
func (c Config) Validate() error {
	if c.SampleRate != 16000 {
		return fmt.Errorf("%w: sample rate must be 16000 Hz, got %d", ErrInvalidConfig, c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("%w: channel count must be 1, got %d", ErrInvalidConfig, c.Channels)
	}
	if c.Encoding != EncodingPCM16 {
		return fmt.Errorf("%w: encoding must be %s, got %q", ErrInvalidConfig, EncodingPCM16, c.Encoding)
	}
	return nil
}

// NewError builds a classified error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stt %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("stt %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the ErrorKind from err, returning KindAPI for errors that
// carry no classification.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindAPI
}
