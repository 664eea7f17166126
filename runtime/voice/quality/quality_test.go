package quality

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// pcmFrame builds a 16-bit little-endian frame from samples.
func pcmFrame(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// sineFrame synthesizes a sine wave frame at the given frequency and amplitude
// assuming a 16 kHz sample rate.
func sineFrame(freq float64, amplitude int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return pcmFrame(samples)
}

func TestFrameEnergy(t *testing.T) {
	require.Equal(t, 0.0, FrameEnergy(nil))
	require.Equal(t, 0.0, FrameEnergy(pcmFrame([]int16{0, 0, 0, 0})))

	loud := FrameEnergy(sineFrame(200, 10000, 320))
	quiet := FrameEnergy(sineFrame(200, 100, 320))
	require.Greater(t, loud, quiet)
}

func TestZeroCrossingRate(t *testing.T) {
	require.Equal(t, 0.0, ZeroCrossingRate(nil))
	// A 200 Hz tone at 16 kHz crosses zero twice per cycle: rate ~ 400/16000.
	rate := ZeroCrossingRate(sineFrame(200, 10000, 1600))
	require.InDelta(t, 0.025, rate, 0.005)
}

func TestIsSpeech(t *testing.T) {
	// Voiced-band tone at speaking volume.
	require.True(t, IsSpeech(sineFrame(300, 8000, 1600)))
	// Silence.
	require.False(t, IsSpeech(pcmFrame(make([]int16, 1600))))
	// Loud but sub-band rumble.
	require.False(t, IsSpeech(sineFrame(50, 8000, 1600)))
}

func TestScoreFormula(t *testing.T) {
	// 0.6*0.8 + 0.3*0.9 = 0.75, no penalty or bonus.
	require.InDelta(t, 0.75, Score("아메리카노 주세요", 0.8, []float64{0.9, 0.9}), 1e-9)

	// Short transcript halves the score.
	require.InDelta(t, 0.375, Score("네", 0.8, []float64{0.9, 0.9}), 1e-9)

	// Terminal punctuation adds 0.1.
	require.InDelta(t, 0.85, Score("아메리카노 주세요.", 0.8, []float64{0.9, 0.9}), 1e-9)

	// Capped at 1.0.
	require.Equal(t, 1.0, Score("완벽한 문장입니다!", 1.0, []float64{1.0, 1.0, 1.0}))

	// No word confidences drops the mean term.
	require.InDelta(t, 0.48, Score("아메리카노 주세요", 0.8, nil), 1e-9)
}

func TestPassesGate(t *testing.T) {
	require.False(t, PassesGate(0.3))
	require.True(t, PassesGate(0.31))
	// A one-letter low-confidence transcript must never pass.
	require.False(t, PassesGate(Score("a", 0.05, nil)))
}

func TestScoreIsPureAndBounded(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("deterministic and in [0,1]", prop.ForAll(
		func(text string, confidence float64, wc []float64) bool {
			a := Score(text, confidence, wc)
			b := Score(text, confidence, wc)
			return a == b && a >= 0 && a <= 1
		},
		gen.AnyString(),
		gen.Float64Range(0, 1),
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
