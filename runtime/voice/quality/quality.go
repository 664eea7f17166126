// Package quality scores raw audio frames and transcript candidates. All
// functions are pure: no state, no dependencies, same inputs yield the same
// outputs. The speech stream connector uses these scores to gate interim
// transcription results and to skip silent frames.
package quality

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// GateThreshold is the minimum score an interim (non-final) transcription
	// result must reach to be forwarded. Final results bypass the gate.
	GateThreshold = 0.3

	// energyFloor is the RMS amplitude (on 16-bit samples) below which a frame
	// counts as silence.
	energyFloor = 500.0

	// Zero-crossing-rate band for voiced speech. Rates below are hum or DC
	// drift, rates above are hiss or static.
	zcrSpeechMin = 0.02
	zcrSpeechMax = 0.5
)

// FrameEnergy returns the RMS amplitude of a 16-bit little-endian PCM frame.
// Returns 0 for frames shorter than one sample.
func FrameEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ in a 16-bit little-endian PCM frame.
func ZeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / 2
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(uint16(pcm[0]) | uint16(pcm[1])<<8)
	for i := 1; i < n; i++ {
		cur := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		if (prev >= 0) != (cur >= 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}

// IsSpeech reports whether a 16-bit little-endian PCM frame plausibly contains
// speech: energy above the noise floor and a zero-crossing rate inside the
// voiced band.
func IsSpeech(pcm []byte) bool {
	if FrameEnergy(pcm) < energyFloor {
		return false
	}
	zcr := ZeroCrossingRate(pcm)
	return zcr >= zcrSpeechMin && zcr <= zcrSpeechMax
}

// Score rates a transcript candidate in [0,1]:
//
//	0.6 x confidence + 0.3 x mean word confidence,
//	halved when the transcript is shorter than 3 characters,
//	+0.1 when it ends in terminal punctuation, capped at 1.0.
//
// An empty word-confidence list contributes 0 to the mean term.
func Score(text string, confidence float64, wordConfidences []float64) float64 {
	score := 0.6 * confidence
	if len(wordConfidences) > 0 {
		var sum float64
		for _, wc := range wordConfidences {
			sum += wc
		}
		score += 0.3 * (sum / float64(len(wordConfidences)))
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < 3 {
		score /= 2
	}
	if hasTerminalPunctuation(text) {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// PassesGate reports whether an interim result with the given score may be
// forwarded to subscribers.
func PassesGate(score float64) bool {
	return score > GateThreshold
}

func hasTerminalPunctuation(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(trimmed, "。") || strings.HasSuffix(trimmed, "！") || strings.HasSuffix(trimmed, "？")
}
