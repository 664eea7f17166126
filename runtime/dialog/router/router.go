// Package router drives one conversation turn end to end: it dispatches on
// the session's current dialog state, classifies fresh input, continues slot
// filling, parses cart confirmations, collects checkout details and invokes
// the business agents once an intent is complete. Every component failure is
// caught at this boundary and converted into an error UI event through the
// recovery engine; the router never lets a turn crash the session.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"goa.design/orderflow/runtime/dialog/agents"
	"goa.design/orderflow/runtime/dialog/intent"
	"goa.design/orderflow/runtime/dialog/recovery"
	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/dialog/slots"
	"goa.design/orderflow/runtime/stream"
	"goa.design/orderflow/runtime/telemetry"
)

type (
	// Outcome is the result of one routed turn.
	Outcome struct {
		// Response is the assistant's reply for this turn.
		Response string
		// NextState is the dialog state after the turn.
		NextState session.State
		// Events are the UI events describing what changed, in emission order.
		Events []stream.Event
	}

	// Recoverer converts component failures into recovery decisions. Satisfied
	// by *recovery.Engine.
	Recoverer interface {
		Handle(ctx context.Context, rc recovery.Context) (recovery.Result, error)
	}

	// Router routes user turns. Construct with New.
	Router struct {
		store      session.Store
		classifier intent.Classifier
		extractor  slots.Extractor
		agents     agents.Agents
		recoverer  Recoverer
		sink       stream.Sink
		schemas    *argSchemas
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
	}

	// Options configures the router. Zero values fall back to defaults where
	// one exists.
	Options struct {
		// Extractor extracts slot values from user text. Defaults to the
		// Korean extractor.
		Extractor slots.Extractor
		// Agents are the business agents to dispatch to. Individual nil agents
		// make their operations respond with a not-available message.
		Agents agents.Agents
		// Recoverer handles component failures. When nil failures produce a
		// generic error event without recovery actions.
		Recoverer Recoverer
		// Sink additionally receives every emitted event. Optional; events are
		// always returned on the Outcome as well.
		Sink stream.Sink
		// Logger receives router logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives router counters. Defaults to noop.
		Metrics telemetry.Metrics
		// Tracer opens a span per routed turn. Defaults to noop.
		Tracer telemetry.Tracer
	}
)

// maxUnproductiveTurns bounds consecutive slot-filling turns that contribute
// no new slot value before the turn is routed through recovery.
const maxUnproductiveTurns = 3

// New constructs the router. Store and classifier are required.
func New(store session.Store, classifier intent.Classifier, opts Options) (*Router, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if classifier == nil {
		return nil, errors.New("intent classifier is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = slots.NewKorean()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	schemas, err := compileArgSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile argument schemas: %w", err)
	}
	return &Router{
		store:      store,
		classifier: classifier,
		extractor:  opts.Extractor,
		agents:     opts.Agents,
		recoverer:  opts.Recoverer,
		sink:       opts.Sink,
		schemas:    schemas,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}, nil
}

// Handle routes one user turn. The error return is reserved for store-level
// failures; component and agent failures are absorbed into the Outcome as
// error events.
func (r *Router) Handle(ctx context.Context, sessionID, input string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "dialog.turn")
	defer span.End()

	sess, err := r.store.GetOrCreate(ctx, sessionID, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session load failed")
		return Outcome{}, err
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return Outcome{Response: "말씀을 듣지 못했어요. 다시 말씀해 주세요.", NextState: sess.State}, nil
	}
	if err := r.store.AppendTurn(ctx, sessionID, session.NewTextTurn(session.RoleUser, input)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append turn failed")
		return Outcome{}, err
	}

	var out Outcome
	switch sess.State {
	case session.StateSlotFilling:
		out = r.continueFilling(ctx, sess, input)
	case session.StateCartReview:
		out = r.confirmCart(ctx, sess, input)
	case session.StateCheckoutInfo:
		out = r.collectCheckout(ctx, sess, input)
	case session.StatePaymentSessionCreated, session.StatePaymentPending:
		out = Outcome{Response: "결제를 진행하고 있어요. 잠시만 기다려 주세요.", NextState: sess.State}
	default:
		// idle, listening, processing_voice, intent_detected, payment_failed,
		// payment_completed, order_confirmed, error: treat as fresh input.
		out = r.classifyTurn(ctx, sess, input)
	}

	if out.Response != "" {
		if err := r.store.AppendTurn(ctx, sessionID, session.NewTextTurn(session.RoleAssistant, out.Response)); err != nil {
			r.logger.Warn(ctx, "append assistant turn failed", "session_id", sessionID, "err", err)
		}
	}
	r.publish(ctx, out.Events)
	r.metrics.IncCounter(telemetry.MetricRouterTurns, 1, "state", string(sess.State))
	return out, nil
}

// classifyTurn handles fresh input: classify, supplement slots from the
// extractor, then either answer smalltalk, ask for the first missing slot or
// dispatch the completed intent to the business agents.
func (r *Router) classifyTurn(ctx context.Context, sess session.Session, input string) Outcome {
	it, err := r.classifier.Classify(ctx, input, historyMessages(sess))
	if err != nil {
		return r.recover(ctx, sess, recovery.SourceLLM, err)
	}
	it = supplement(it, r.extractor.Extract(input, it.Category))
	r.logger.Debug(ctx, "intent classified", "session_id", sess.ID,
		"intent", it.Key(), "confidence", it.Confidence)

	if it.Category == intent.CategoryGeneral {
		events, terr := r.moveTo(ctx, &sess, session.StateIdle, session.ContextPatch{ClearIntent: true})
		if terr != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, terr)
		}
		return Outcome{
			Response:  "네, 주문하실 메뉴를 말씀해 주세요.",
			NextState: sess.State,
			Events:    events,
		}
	}

	missing := slots.Missing(it)
	if len(missing) > 0 {
		events, terr := r.moveTo(ctx, &sess, session.StateSlotFilling, session.ContextPatch{
			Intent:       &it,
			MissingSlots: missing,
		})
		if terr != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, terr)
		}
		return Outcome{
			Response:  slots.ClarificationQuestion(it, missing),
			NextState: sess.State,
			Events:    events,
		}
	}

	return r.completeIntent(ctx, sess, it)
}

// continueFilling handles a turn while the session is collecting slot values.
func (r *Router) continueFilling(ctx context.Context, sess session.Session, input string) Outcome {
	if sess.Context.CurrentIntent == nil {
		// Lost the intent being filled; classify from scratch.
		return r.classifyTurn(ctx, sess, input)
	}
	fr := slots.ProcessFilling(r.extractor, *sess.Context.CurrentIntent, input)

	if fr.Complete {
		return r.completeIntent(ctx, sess, fr.Updated)
	}

	if !fr.Progress {
		retries := sess.Context.RetryCount + 1
		if retries >= maxUnproductiveTurns {
			return r.recover(ctx, sess, recovery.SourceSystem,
				fmt.Errorf("slot filling stalled after %d unproductive turns", retries))
		}
		if err := r.store.PatchContext(ctx, sess.ID, session.ContextPatch{RetryCount: &retries}); err != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, err)
		}
		return Outcome{Response: fr.Question, NextState: sess.State}
	}

	zero := 0
	if err := r.store.PatchContext(ctx, sess.ID, session.ContextPatch{
		Intent:       &fr.Updated,
		MissingSlots: fr.Missing,
		RetryCount:   &zero,
	}); err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}
	return Outcome{Response: fr.Question, NextState: sess.State}
}

// confirmCart parses the user's reaction to the cart review. Anything that is
// neither an approval nor a refusal is treated as a new command, so "라떼도
// 추가해 주세요" keeps working mid-review.
func (r *Router) confirmCart(ctx context.Context, sess session.Session, input string) Outcome {
	switch {
	case isAffirmative(input):
		it := intent.Intent{
			Category:   intent.CategoryOrder,
			Action:     "delivery",
			Confidence: 1,
			Slots:      map[string]string{},
		}
		events, err := r.moveTo(ctx, &sess, session.StateCheckoutInfo, session.ContextPatch{
			Intent:       &it,
			MissingSlots: slots.Missing(it),
		})
		if err != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, err)
		}
		return Outcome{
			Response:  "주문을 진행할게요. 연락처와 배달 주소를 알려주세요.",
			NextState: sess.State,
			Events:    events,
		}

	case isNegative(input):
		events, err := r.moveTo(ctx, &sess, session.StateIdle, session.ContextPatch{ClearIntent: true})
		if err != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, err)
		}
		return Outcome{
			Response:  "알겠습니다. 더 필요하신 게 있으면 말씀해 주세요.",
			NextState: sess.State,
			Events:    events,
		}

	default:
		return r.classifyTurn(ctx, sess, input)
	}
}

// collectCheckout gathers the contact and delivery details, then places the
// order once both are present.
func (r *Router) collectCheckout(ctx context.Context, sess session.Session, input string) Outcome {
	cur := sess.Context.CurrentIntent
	if cur == nil {
		it := intent.Intent{Category: intent.CategoryOrder, Action: "delivery", Confidence: 1, Slots: map[string]string{}}
		cur = &it
	}
	fr := slots.ProcessFilling(r.extractor, *cur, input)

	if fr.Complete {
		return r.completeIntent(ctx, sess, fr.Updated)
	}

	if !fr.Progress {
		retries := sess.Context.RetryCount + 1
		if retries >= maxUnproductiveTurns {
			return r.recover(ctx, sess, recovery.SourceSystem,
				fmt.Errorf("checkout collection stalled after %d unproductive turns", retries))
		}
		if err := r.store.PatchContext(ctx, sess.ID, session.ContextPatch{RetryCount: &retries}); err != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, err)
		}
		return Outcome{Response: fr.Question, NextState: sess.State}
	}

	zero := 0
	if err := r.store.PatchContext(ctx, sess.ID, session.ContextPatch{
		Intent:       &fr.Updated,
		MissingSlots: fr.Missing,
		RetryCount:   &zero,
	}); err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}
	return Outcome{Response: fr.Question, NextState: sess.State}
}

// completeIntent validates the completed intent's arguments and dispatches it
// to the business agents.
func (r *Router) completeIntent(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if err := r.schemas.validate(it); err != nil {
		r.logger.Warn(ctx, "intent arguments rejected", "session_id", sess.ID, "intent", it.Key(), "err", err)
		return r.recover(ctx, sess, recovery.SourceLLM, err)
	}
	return r.dispatch(ctx, sess, it)
}

// recover routes a failure through the recovery engine and converts the
// decision into an error event plus a usable outcome.
func (r *Router) recover(ctx context.Context, sess session.Session, source recovery.Source, err error) Outcome {
	r.logger.Error(ctx, "turn failed", "session_id", sess.ID, "source", source, "err", err)
	r.tracer.Span(ctx).RecordError(err)

	if r.recoverer == nil {
		ev := stream.NewError(sess.ID, stream.ErrorPayload{Message: "일시적인 오류가 발생했어요.", Recoverable: true})
		return Outcome{Response: ev.Data.Message, NextState: sess.State, Events: []stream.Event{ev}}
	}

	res, herr := r.recoverer.Handle(ctx, recovery.Context{
		SessionID:  sess.ID,
		Source:     source,
		Err:        err,
		RetryCount: sess.Context.RetryCount,
	})
	if herr != nil {
		ev := stream.NewError(sess.ID, stream.ErrorPayload{Message: "일시적인 오류가 발생했어요.", Recoverable: true})
		return Outcome{Response: ev.Data.Message, NextState: sess.State, Events: []stream.Event{ev}}
	}

	next := res.NewState
	if next == "" {
		next = sess.State
	}
	names := make([]string, len(res.Actions))
	for i, a := range res.Actions {
		names[i] = string(a.Kind)
	}
	events := []stream.Event{stream.NewError(sess.ID, stream.ErrorPayload{
		Message:     res.UserMessage,
		Recoverable: res.Success,
		Actions:     names,
	})}
	if res.NewState != "" && res.NewState != sess.State {
		events = append(events, stream.NewStateChange(sess.ID, string(sess.State), string(res.NewState)))
	}
	return Outcome{Response: res.UserMessage, NextState: next, Events: events}
}

// moveTo transitions the session to target along the shortest legal path,
// applying patch on the final hop and emitting a state_change event per hop.
// sess is updated in place to the target state on success.
func (r *Router) moveTo(ctx context.Context, sess *session.Session, target session.State, patch session.ContextPatch) ([]stream.Event, error) {
	if sess.State == target {
		if err := r.store.PatchContext(ctx, sess.ID, patch); err != nil {
			return nil, err
		}
		return nil, nil
	}
	path := statePath(sess.State, target)
	if path == nil {
		return nil, &session.IllegalTransitionError{From: sess.State, To: target}
	}
	var events []stream.Event
	from := sess.State
	for i, hop := range path {
		p := session.ContextPatch{}
		if i == len(path)-1 {
			p = patch
		}
		if err := r.store.Transition(ctx, sess.ID, hop, p); err != nil {
			return events, err
		}
		events = append(events, stream.NewStateChange(sess.ID, string(from), string(hop)))
		from = hop
	}
	sess.State = target
	sess.Context = sess.Context.Apply(patch)
	return events, nil
}

// publish forwards events to the configured sink, if any.
func (r *Router) publish(ctx context.Context, events []stream.Event) {
	if r.sink == nil {
		return
	}
	for _, ev := range events {
		if err := r.sink.Send(ctx, ev); err != nil {
			r.logger.Warn(ctx, "event publish failed", "type", ev.Type(), "err", err)
		}
	}
}

// statePath returns the shortest legal transition path from one state to
// another, excluding the start and including the target. Nil when unreachable.
func statePath(from, to session.State) []session.State {
	type node struct {
		st   session.State
		path []session.State
	}
	visited := map[session.State]bool{from: true}
	queue := []node{{st: from}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range session.Adjacent(n.st) {
			if visited[next] {
				continue
			}
			path := append(append([]session.State(nil), n.path...), next)
			if next == to {
				return path
			}
			visited[next] = true
			queue = append(queue, node{st: next, path: path})
		}
	}
	return nil
}

// supplement adds extractor values for slots the classifier left empty. The
// classifier's own values always win.
func supplement(it intent.Intent, extracted map[string]string) intent.Intent {
	add := make(map[string]string, len(extracted))
	for name, v := range extracted {
		if it.Slots[name] == "" {
			add[name] = v
		}
	}
	return it.Merge(add)
}

// historyMessages converts the most recent history turns into classifier
// messages, oldest first.
func historyMessages(sess session.Session) []intent.Message {
	const window = 10
	turns := sess.History
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	out := make([]intent.Message, 0, len(turns))
	for _, t := range turns {
		var b strings.Builder
		for _, p := range t.Parts {
			if p.Kind == "text" {
				b.WriteString(p.Text)
			}
		}
		if b.Len() == 0 {
			continue
		}
		out = append(out, intent.Message{Role: string(t.Role), Content: b.String()})
	}
	return out
}

var affirmatives = []string{"네", "예", "응", "좋아", "맞아", "그래", "확인", "결제할게", "주문할게", "yes", "ok"}

var negatives = []string{"아니", "아뇨", "취소", "안 할", "안할", "no", "nope"}

func isAffirmative(input string) bool {
	lowered := strings.ToLower(strings.TrimSpace(input))
	for _, w := range affirmatives {
		if strings.HasPrefix(lowered, w) {
			return true
		}
	}
	return false
}

func isNegative(input string) bool {
	lowered := strings.ToLower(strings.TrimSpace(input))
	for _, w := range negatives {
		if strings.HasPrefix(lowered, w) {
			return true
		}
	}
	return false
}
