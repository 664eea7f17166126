package stt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{SampleRate: 16000, Channels: 1, Encoding: EncodingPCM16, LanguageCode: "ko-KR"}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.SampleRate = 8000
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = validConfig()
	cfg.Channels = 2
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = validConfig()
	cfg.Encoding = "opus"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestErrorKindPropagation(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(KindNetwork, "stream closed", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindNetwork, KindOf(err))

	wrapped := errors.Join(errors.New("outer"), err)
	require.Equal(t, KindNetwork, KindOf(wrapped))

	require.Equal(t, KindAPI, KindOf(errors.New("mystery")))
}
