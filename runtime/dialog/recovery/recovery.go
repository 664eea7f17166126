// Package recovery classifies failures from any part of the ordering pipeline
// and selects a recovery strategy: retry, fallback, restart or escalate. The
// engine never mutates session state directly; every state change goes through
// the session Store's Transition contract.
package recovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"goa.design/orderflow/runtime/dialog/agents"
	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/retry"
	"goa.design/orderflow/runtime/telemetry"
	"goa.design/orderflow/runtime/voice/stt"
)

type (
	// Source identifies which part of the pipeline produced the failure.
	Source string

	// Kind is the classified failure category.
	Kind string

	// ActionKind enumerates the recovery actions.
	ActionKind string

	// Action is one typed recovery instruction.
	Action struct {
		// Kind is the action to take.
		Kind ActionKind
		// Delay is the backoff before a retry. Zero for other kinds.
		Delay time.Duration
		// Mode is the fallback target mode (e.g. "text_input"). Empty for
		// other kinds.
		Mode string
	}

	// Context carries the failure to classify.
	Context struct {
		// SessionID identifies the affected session.
		SessionID string
		// Source is the failing component family.
		Source Source
		// Err is the failure.
		Err error
		// RetryCount is how many recovery attempts preceded this one.
		RetryCount int
	}

	// Result is the engine's decision.
	Result struct {
		// Success reports whether the session remains usable.
		Success bool
		// NewState is the state the engine moved the session to, if any.
		NewState session.State
		// UserMessage is the deterministic user-facing message.
		UserMessage string
		// Actions are the recovery instructions, in order.
		Actions []Action
	}

	// Engine classifies failures and applies recovery transitions.
	Engine struct {
		store   session.Store
		backoff retry.Config
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Options configures the engine. Zero values fall back to defaults.
	Options struct {
		// Backoff is the delay schedule quoted in retry actions. Defaults to
		// retry.DefaultConfig.
		Backoff retry.Config
		// Logger receives engine logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives strategy counters. Defaults to noop.
		Metrics telemetry.Metrics
	}
)

const (
	// SourceVoice marks failures from the speech pipeline.
	SourceVoice Source = "voice"
	// SourceLLM marks failures from the language/model service.
	SourceLLM Source = "llm"
	// SourceBusiness marks failures from business agents.
	SourceBusiness Source = "business"
	// SourcePayment marks failures from the payment flow.
	SourcePayment Source = "payment"
	// SourceSystem marks everything else.
	SourceSystem Source = "system"

	// KindNetwork through KindTimeout mirror the voice error taxonomy.
	KindNetwork           Kind = "network"
	KindPermission        Kind = "permission"
	KindAudioQuality      Kind = "audio_quality"
	KindLanguageDetection Kind = "language_detection"
	KindAPIError          Kind = "api_error"
	KindTimeout           Kind = "timeout"
	// KindRateLimited marks quota and rate-limit rejections.
	KindRateLimited Kind = "rate_limited"
	// KindBusinessRule marks typed business failures.
	KindBusinessRule Kind = "business_rule"
	// KindPayment marks payment failures.
	KindPayment Kind = "payment"
	// KindUnknown marks unclassifiable failures.
	KindUnknown Kind = "unknown"

	// ActionRetry retries the failed operation after Delay.
	ActionRetry ActionKind = "retry"
	// ActionFallback switches the session to the mode named by Mode.
	ActionFallback ActionKind = "fallback"
	// ActionRestart resets the session to idle with the retry count cleared.
	ActionRestart ActionKind = "restart"
	// ActionEscalate marks the session error-terminal for human handoff.
	ActionEscalate ActionKind = "escalate"

	// maxRetries is the bound past which the engine stops proposing retries.
	maxRetries = 3
	// escalateThreshold is the bound past which the engine hands off to a
	// human instead of trying further strategies.
	escalateThreshold = 5
)

// New constructs the engine. The store is required.
func New(store session.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = retry.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		store:   store,
		backoff: opts.Backoff,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Handle classifies the failure and returns the recovery decision, applying
// any state transition the chosen strategy requires. The returned error is
// non-nil only when the engine itself failed (e.g. the store is gone); the
// classified failure is always expressed through the Result.
func (e *Engine) Handle(ctx context.Context, rc Context) (Result, error) {
	kind := Classify(rc.Source, rc.Err)
	strategy := e.selectStrategy(rc, kind)
	e.metrics.IncCounter(telemetry.MetricRecoveryStrategies, 1,
		"source", string(rc.Source), "kind", string(kind), "strategy", string(strategy))
	e.logger.Info(ctx, "recovery decision",
		"session_id", rc.SessionID, "source", rc.Source, "kind", kind,
		"retry_count", rc.RetryCount, "strategy", strategy)

	switch strategy {
	case ActionRetry:
		return Result{
			Success:     true,
			UserMessage: messageFor(rc.Source, kind),
			Actions: []Action{{
				Kind:  ActionRetry,
				Delay: e.backoff.Delay(rc.RetryCount + 1),
			}},
		}, nil

	case ActionFallback:
		return Result{
			Success:     true,
			UserMessage: fallbackMessageFor(rc.Source),
			Actions:     []Action{{Kind: ActionFallback, Mode: fallbackModeFor(rc.Source)}},
		}, nil

	case ActionEscalate:
		e.toState(ctx, rc.SessionID, session.StateError, session.ContextPatch{
			LastError: strPtr(messageFor(rc.Source, kind)),
		})
		return Result{
			Success:     false,
			NewState:    session.StateError,
			UserMessage: "죄송합니다. 상담원 연결이 필요합니다. 잠시만 기다려 주세요.",
			Actions:     []Action{{Kind: ActionEscalate}},
		}, nil

	default: // ActionRestart
		zero := 0
		e.toState(ctx, rc.SessionID, session.StateIdle, session.ContextPatch{
			ClearIntent: true,
			RetryCount:  &zero,
			LastError:   strPtr(messageFor(rc.Source, kind)),
		})
		return Result{
			Success:     true,
			NewState:    session.StateIdle,
			UserMessage: "문제가 발생해 처음부터 다시 시작할게요. 무엇을 도와드릴까요?",
			Actions:     []Action{{Kind: ActionRestart}},
		}, nil
	}
}

// selectStrategy applies the strategy table.
func (e *Engine) selectStrategy(rc Context, kind Kind) ActionKind {
	switch {
	case rc.RetryCount >= escalateThreshold:
		return ActionEscalate
	case rc.RetryCount >= maxRetries:
		return ActionFallback
	}
	switch rc.Source {
	case SourceVoice:
		if rc.RetryCount < 2 {
			return ActionRetry
		}
		return ActionFallback
	case SourceLLM:
		if kind == KindRateLimited {
			return ActionFallback
		}
		return ActionRetry
	case SourceBusiness:
		return ActionFallback
	case SourcePayment:
		return ActionRetry
	default:
		return ActionRestart
	}
}

// toState transitions through the store, routing via the error state when the
// direct move is illegal (every state can reach error, and error reaches
// idle).
func (e *Engine) toState(ctx context.Context, sessionID string, target session.State, patch session.ContextPatch) {
	err := e.store.Transition(ctx, sessionID, target, patch)
	if err == nil || !errors.Is(err, session.ErrIllegalTransition) {
		return
	}
	if err := e.store.Transition(ctx, sessionID, session.StateError, session.ContextPatch{}); err != nil {
		e.logger.Warn(ctx, "recovery transition failed", "session_id", sessionID, "err", err)
		return
	}
	if target != session.StateError {
		if err := e.store.Transition(ctx, sessionID, target, patch); err != nil {
			e.logger.Warn(ctx, "recovery transition failed", "session_id", sessionID, "err", err)
		}
	}
}

// Classify maps a failure to its Kind. Typed errors win; untyped errors fall
// back to keyword matching over the message.
func Classify(source Source, err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var sttErr *stt.Error
	if errors.As(err, &sttErr) {
		switch sttErr.Kind {
		case stt.KindNetwork:
			return KindNetwork
		case stt.KindPermission:
			return KindPermission
		case stt.KindAudioQuality:
			return KindAudioQuality
		case stt.KindLanguageDetection:
			return KindLanguageDetection
		case stt.KindRateLimited:
			return KindRateLimited
		case stt.KindTimeout:
			return KindTimeout
		default:
			return KindAPIError
		}
	}
	if errors.Is(err, agents.ErrBusinessRule) {
		return KindBusinessRule
	}
	var payErr *agents.PaymentError
	if errors.As(err, &payErr) {
		return KindPayment
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate", "quota", "429"):
		return KindRateLimited
	case containsAny(msg, "network", "connection", "unreachable", "refused"):
		return KindNetwork
	case containsAny(msg, "permission", "denied", "unauthorized", "forbidden"):
		return KindPermission
	case containsAny(msg, "audio", "noise"):
		return KindAudioQuality
	case containsAny(msg, "language", "locale"):
		return KindLanguageDetection
	case containsAny(msg, "timeout", "deadline"):
		return KindTimeout
	case containsAny(msg, "api", "server", "503", "500"):
		return KindAPIError
	}
	if source == SourcePayment {
		return KindPayment
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// messageFor returns the deterministic user-facing message for a failure.
func messageFor(source Source, kind Kind) string {
	switch kind {
	case KindNetwork:
		return "네트워크 연결이 불안정해요. 다시 시도하고 있어요."
	case KindPermission:
		return "마이크 권한이 필요해요. 권한을 확인해 주세요."
	case KindAudioQuality:
		return "주변 소음이 커서 잘 들리지 않아요. 조금 더 크게 말씀해 주세요."
	case KindLanguageDetection:
		return "말씀하신 언어를 인식하지 못했어요. 다시 말씀해 주세요."
	case KindTimeout:
		return "응답이 늦어지고 있어요. 다시 시도하고 있어요."
	case KindRateLimited:
		return "요청이 많아 잠시 지연되고 있어요."
	case KindBusinessRule:
		return "요청을 처리하지 못했어요. 다른 방법을 시도해 볼게요."
	case KindPayment:
		return "결제 처리 중 문제가 발생했어요. 다시 시도하고 있어요."
	default:
		if source == SourceLLM {
			return "잠시 생각이 길어지고 있어요. 다시 시도하고 있어요."
		}
		return "일시적인 오류가 발생했어요."
	}
}

// fallbackMessageFor returns the mode-switch message per failure source.
func fallbackMessageFor(source Source) string {
	switch source {
	case SourceVoice:
		return "음성 인식이 어려워요. 텍스트로 입력해 주세요."
	case SourceBusiness:
		return "지금은 해당 요청을 처리할 수 없어요. 다른 메뉴를 선택해 주세요."
	default:
		return "다른 방식으로 계속 진행할게요."
	}
}

// fallbackModeFor returns the mode-switch parameter per failure source.
func fallbackModeFor(source Source) string {
	switch source {
	case SourceVoice:
		return "text_input"
	case SourceBusiness:
		return "alternate_flow"
	default:
		return "manual"
	}
}

func strPtr(s string) *string { return &s }
