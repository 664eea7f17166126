// Package inmem provides a loopback stt.Recognizer for development and
// demos. Each audio chunk is interpreted as UTF-8 text and echoed back as a
// final transcription result, so the full voice pipeline can run without an
// external speech service.
package inmem

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"goa.design/orderflow/runtime/voice/stt"
)

type (
	// Options configures the loopback recognizer.
	Options struct {
		// Confidence is reported on every result. Defaults to 0.95.
		Confidence float64
	}

	// Recognizer opens loopback recognition streams. Construct with New.
	Recognizer struct {
		confidence float64
	}

	loopStream struct {
		confidence float64
		results    chan stt.Result

		mu     sync.Mutex
		closed bool
	}
)

// resultBuffer bounds the per-stream result channel.
const resultBuffer = 32

// New returns a loopback recognizer.
func New(opts Options) *Recognizer {
	confidence := opts.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.95
	}
	return &Recognizer{confidence: confidence}
}

// Open implements stt.Recognizer.
func (r *Recognizer) Open(_ context.Context, _ stt.Config) (stt.RecognizeStream, error) {
	return &loopStream{
		confidence: r.confidence,
		results:    make(chan stt.Result, resultBuffer),
	}, nil
}

// Send treats the chunk as one utterance and emits it back as a final
// result. Chunks that are not valid UTF-8 or blank carry no transcript and
// are dropped.
func (s *loopStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.NewError(stt.KindNetwork, "stream is closed", nil)
	}
	if !utf8.Valid(audio) {
		return nil
	}
	text := strings.TrimSpace(string(audio))
	if text == "" {
		return nil
	}
	select {
	case s.results <- stt.Result{Text: text, Confidence: s.confidence, Final: true}:
	default:
	}
	return nil
}

// Results implements stt.RecognizeStream.
func (s *loopStream) Results() <-chan stt.Result { return s.results }

// Close implements stt.RecognizeStream. Idempotent.
func (s *loopStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}
