package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/orderflow/runtime/dialog/agents"
	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/dialog/session/inmem"
	"goa.design/orderflow/runtime/voice/stt"
)

func newEngine(t *testing.T) (*Engine, session.Store) {
	t.Helper()
	store := inmem.New(inmem.Options{})
	eng, err := New(store, Options{})
	require.NoError(t, err)
	return eng, store
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestClassifyTypedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{stt.NewError(stt.KindNetwork, "socket closed", nil), KindNetwork},
		{stt.NewError(stt.KindPermission, "no mic", nil), KindPermission},
		{stt.NewError(stt.KindAudioQuality, "too noisy", nil), KindAudioQuality},
		{stt.NewError(stt.KindLanguageDetection, "unknown language", nil), KindLanguageDetection},
		{stt.NewError(stt.KindRateLimited, "slow down", nil), KindRateLimited},
		{stt.NewError(stt.KindTimeout, "idle", nil), KindTimeout},
		{stt.NewError(stt.KindAPI, "boom", nil), KindAPIError},
		{agents.NewBusinessError(agents.CodeOutOfStock, "sold out"), KindBusinessRule},
		{&agents.PaymentError{Code: "card_declined", Message: "declined"}, KindPayment},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(SourceSystem, tc.err), "err %v", tc.err)
	}
}

func TestClassifyKeywordFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"connection refused", KindNetwork},
		{"permission denied", KindPermission},
		{"request timeout exceeded", KindTimeout},
		{"quota exhausted", KindRateLimited},
		{"HTTP 429 too many requests", KindRateLimited},
		{"internal server error", KindAPIError},
		{"something odd", KindUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(SourceSystem, errors.New(tc.msg)), "msg %q", tc.msg)
	}
	// Untyped payment failures still classify by source.
	require.Equal(t, KindPayment, Classify(SourcePayment, errors.New("gateway said no")))
}

func TestVoiceRetriesThenFallsBack(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	failure := Context{SessionID: "s1", Source: SourceVoice, Err: stt.NewError(stt.KindNetwork, "drop", nil)}

	failure.RetryCount = 0
	res, err := eng.Handle(ctx, failure)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Actions, 1)
	require.Equal(t, ActionRetry, res.Actions[0].Kind)
	require.Equal(t, time.Second, res.Actions[0].Delay)

	failure.RetryCount = 1
	res, err = eng.Handle(ctx, failure)
	require.NoError(t, err)
	require.Equal(t, ActionRetry, res.Actions[0].Kind)
	require.Equal(t, 2*time.Second, res.Actions[0].Delay)

	failure.RetryCount = 2
	res, err = eng.Handle(ctx, failure)
	require.NoError(t, err)
	require.Equal(t, ActionFallback, res.Actions[0].Kind)
	require.Equal(t, "text_input", res.Actions[0].Mode)
}

func TestLLMRateLimitFallsBack(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	res, err := eng.Handle(ctx, Context{SessionID: "s1", Source: SourceLLM, Err: errors.New("quota exceeded")})
	require.NoError(t, err)
	require.Equal(t, ActionFallback, res.Actions[0].Kind)

	res, err = eng.Handle(ctx, Context{SessionID: "s1", Source: SourceLLM, Err: errors.New("internal server error")})
	require.NoError(t, err)
	require.Equal(t, ActionRetry, res.Actions[0].Kind)
}

func TestBusinessFallsBackPaymentRetries(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	res, err := eng.Handle(ctx, Context{
		SessionID: "s1", Source: SourceBusiness,
		Err: agents.NewBusinessError(agents.CodeInvalidCoupon, "expired"),
	})
	require.NoError(t, err)
	require.Equal(t, ActionFallback, res.Actions[0].Kind)

	res, err = eng.Handle(ctx, Context{
		SessionID: "s1", Source: SourcePayment,
		Err: &agents.PaymentError{Code: "timeout", Message: "gateway timeout"},
	})
	require.NoError(t, err)
	require.Equal(t, ActionRetry, res.Actions[0].Kind)
}

func TestSystemRestartsToIdle(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	_, err := store.GetOrCreate(ctx, "s1", "u1")
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, "s1", session.StateListening, session.ContextPatch{}))
	require.NoError(t, store.Transition(ctx, "s1", session.StateProcessingVoice, session.ContextPatch{}))

	res, err := eng.Handle(ctx, Context{SessionID: "s1", Source: SourceSystem, Err: errors.New("panic recovered")})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, session.StateIdle, res.NewState)
	require.Equal(t, ActionRestart, res.Actions[0].Kind)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StateIdle, sess.State)
	require.Zero(t, sess.Context.RetryCount)
	require.Nil(t, sess.Context.CurrentIntent)
}

func TestEscalationMarksSessionError(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	_, err := store.GetOrCreate(ctx, "s1", "u1")
	require.NoError(t, err)

	res, err := eng.Handle(ctx, Context{
		SessionID: "s1", Source: SourceVoice,
		Err: stt.NewError(stt.KindNetwork, "drop", nil), RetryCount: 5,
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, session.StateError, res.NewState)
	require.Equal(t, ActionEscalate, res.Actions[0].Kind)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StateError, sess.State)
}

func TestDeterministicMessages(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	failure := Context{SessionID: "s1", Source: SourceVoice, Err: stt.NewError(stt.KindAudioQuality, "noisy", nil)}

	first, err := eng.Handle(ctx, failure)
	require.NoError(t, err)
	second, err := eng.Handle(ctx, failure)
	require.NoError(t, err)
	require.Equal(t, first.UserMessage, second.UserMessage)
	require.NotEmpty(t, first.UserMessage)
}

func TestNoRetryPastBoundProperty(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	sources := []Source{SourceVoice, SourceLLM, SourceBusiness, SourcePayment, SourceSystem}
	msgs := []string{"connection refused", "quota exceeded", "timeout", "mystery failure"}

	properties.Property("never retries at or past the bound", prop.ForAll(
		func(srcIdx, msgIdx, retryCount int) bool {
			res, err := eng.Handle(ctx, Context{
				SessionID:  "p1",
				Source:     sources[srcIdx],
				Err:        errors.New(msgs[msgIdx]),
				RetryCount: retryCount,
			})
			if err != nil {
				return false
			}
			for _, a := range res.Actions {
				if a.Kind == ActionRetry && retryCount >= maxRetries {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(sources)-1),
		gen.IntRange(0, len(msgs)-1),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
