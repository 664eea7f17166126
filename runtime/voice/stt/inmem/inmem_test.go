package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/orderflow/runtime/voice/stt"
)

func validConfig() stt.Config {
	return stt.Config{
		SampleRate:   16000,
		Channels:     1,
		Encoding:     stt.EncodingPCM16,
		LanguageCode: "ko-KR",
	}
}

func TestSendEchoesFinalResult(t *testing.T) {
	rec := New(Options{})
	s, err := rec.Open(context.Background(), validConfig())
	require.NoError(t, err)

	require.NoError(t, s.Send([]byte("아메리카노 두 잔 주세요")))
	res := <-s.Results()
	require.Equal(t, "아메리카노 두 잔 주세요", res.Text)
	require.True(t, res.Final)
	require.InDelta(t, 0.95, res.Confidence, 1e-9)
}

func TestSendDropsNonTextChunks(t *testing.T) {
	rec := New(Options{Confidence: 0.8})
	s, err := rec.Open(context.Background(), validConfig())
	require.NoError(t, err)

	require.NoError(t, s.Send([]byte{0xff, 0xfe, 0x01}))
	require.NoError(t, s.Send([]byte("   ")))
	select {
	case res := <-s.Results():
		t.Fatalf("unexpected result %+v", res)
	default:
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rec := New(Options{})
	s, err := rec.Open(context.Background(), validConfig())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, open := <-s.Results()
	require.False(t, open)

	err = s.Send([]byte("텍스트"))
	require.Error(t, err)
	require.Equal(t, stt.KindNetwork, stt.KindOf(err))
}
