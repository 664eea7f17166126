// Package session defines the canonical per-session conversation state: the
// dialog state machine, conversation history, cart snapshot, and the Store
// contract every mutation must go through.
//
// Contract:
//   - Sessions are created on first contact (GetOrCreate) and soft-deleted by a
//     periodic expiry sweep, never by synchronous checks.
//   - State changes are legal only when the target appears in the transition
//     table for the current state; illegal transitions are rejected with
//     ErrIllegalTransition and never silently coerced.
//   - Every successful mutation refreshes LastActivity and extends ExpiresAt.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/orderflow/runtime/dialog/intent"
)

type (
	// State is the dialog state of a session. The set is closed; see the
	// transition table for the legal moves between states.
	State string

	// Role identifies the author of a conversation turn.
	Role string

	// ContentPart is one piece of a turn's content. Text is the only part
	// kind the engine produces today; Kind exists so audio references can be
	// carried without a model change.
	ContentPart struct {
		// Kind is "text" or "audio_ref".
		Kind string
		// Text is the content for text parts, or a reference for audio parts.
		Text string
	}

	// Turn is one message in a session's conversation history. Immutable once
	// appended.
	Turn struct {
		// ID uniquely identifies the turn.
		ID string
		// Role is who produced the turn.
		Role Role
		// Parts is the turn content, in order.
		Parts []ContentPart
		// Timestamp records when the turn was appended.
		Timestamp time.Time
	}

	// Context carries the dialog bookkeeping attached to the current state.
	Context struct {
		// CurrentIntent is the intent being completed, if any.
		CurrentIntent *intent.Intent
		// MissingSlots lists the slot names still required by CurrentIntent.
		MissingSlots []string
		// RetryCount counts consecutive recovery attempts or unproductive
		// slot-filling turns. Cleared on restart.
		RetryCount int
		// LastError is the most recent user-facing error message, if any.
		LastError string
	}

	// ContextPatch describes a partial update to a session Context. Nil fields
	// leave the corresponding Context field unchanged.
	ContextPatch struct {
		// Intent replaces CurrentIntent when non-nil.
		Intent *intent.Intent
		// ClearIntent clears CurrentIntent and MissingSlots. Wins over Intent.
		ClearIntent bool
		// MissingSlots replaces the missing slot list when non-nil.
		MissingSlots []string
		// RetryCount replaces the retry count when non-nil.
		RetryCount *int
		// LastError replaces the last error message when non-nil.
		LastError *string
	}

	// CartItem is one line in the session cart.
	CartItem struct {
		// ProductID identifies the catalog product.
		ProductID string
		// Name is the display name captured at add time.
		Name string
		// Quantity is the number of units. Always positive.
		Quantity int
		// UnitPrice is the per-unit price in minor currency units.
		UnitPrice int64
	}

	// Cart is the session's cart snapshot. The session exclusively owns it.
	Cart struct {
		// Items are the cart lines, in insertion order.
		Items []CartItem
		// CouponCode is the applied coupon, if any.
		CouponCode string
		// Total is the cart total in minor currency units, after coupon.
		Total int64
	}

	// CartPatch describes a cart mutation. Operations apply in the order:
	// Clear, Add, Remove, SetCoupon, SetTotal.
	CartPatch struct {
		// Clear empties the cart before other operations apply.
		Clear bool
		// Add merges items into the cart. An item with a ProductID already in
		// the cart increases that line's quantity.
		Add []CartItem
		// Remove deletes the lines with the given product IDs.
		Remove []string
		// SetCoupon replaces the coupon code when non-nil.
		SetCoupon *string
		// SetTotal replaces the cart total when non-nil.
		SetTotal *int64
	}

	// Order is the confirmed order reference attached once checkout completes.
	Order struct {
		// ID is the order identifier assigned by the order agent.
		ID string
		// Status is the order status reported by the order agent.
		Status string
		// Total is the charged amount in minor currency units.
		Total int64
	}

	// Preferences captures per-session user preferences.
	Preferences struct {
		// Language is the BCP-47 language code for speech and prompts.
		Language string
		// VoiceEnabled reports whether the user is on the voice path.
		VoiceEnabled bool
	}

	// Session is the canonical per-session state. One Session exclusively owns
	// its Cart and its Turn history. Stores return defensive copies; callers
	// never share the stored instance.
	Session struct {
		// ID identifies the session. Caller-provided and stable.
		ID string
		// UserID identifies the user when known. May be empty.
		UserID string
		// State is the current dialog state.
		State State
		// Context is the dialog bookkeeping for the current state.
		Context Context
		// History holds the most recent turns, oldest first, bounded to
		// MaxHistoryTurns. Older turns are pruned, not persisted.
		History []Turn
		// Cart is the session's cart snapshot.
		Cart Cart
		// Order is set once an order has been confirmed.
		Order *Order
		// Preferences are the user preferences for this session.
		Preferences Preferences
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// LastActivity records the last successful mutation.
		LastActivity time.Time
		// ExpiresAt is when the expiry sweep may remove the session.
		ExpiresAt time.Time
	}

	// Store owns session state. All mutations are serialized per session:
	// two in-flight turns for the same session never interleave, while
	// operations on distinct sessions never block each other.
	Store interface {
		// GetOrCreate returns the session with the given ID, creating it when
		// absent or expired. UserID is recorded on creation and otherwise
		// ignored.
		GetOrCreate(ctx context.Context, sessionID, userID string) (Session, error)
		// Get returns the session with the given ID.
		// Returns ErrSessionNotFound when absent or expired.
		Get(ctx context.Context, sessionID string) (Session, error)
		// Transition moves the session to target and applies patch. Fails with
		// an IllegalTransitionError (matching ErrIllegalTransition) when the
		// transition table forbids the move, leaving the session unchanged.
		Transition(ctx context.Context, sessionID string, target State, patch ContextPatch) error
		// PatchContext applies a context patch without changing state.
		PatchContext(ctx context.Context, sessionID string, patch ContextPatch) error
		// AppendTurn appends a turn to the history, pruning beyond
		// MaxHistoryTurns.
		AppendTurn(ctx context.Context, sessionID string, turn Turn) error
		// AttachOrder records the confirmed order on the session.
		AttachOrder(ctx context.Context, sessionID string, order Order) error
		// MutateCart applies a cart patch.
		MutateCart(ctx context.Context, sessionID string, patch CartPatch) error
		// Sweep removes sessions whose ExpiresAt precedes now and returns how
		// many were removed. Safe to call concurrently with other operations.
		Sweep(ctx context.Context, now time.Time) int
	}
)

const (
	// StateIdle is the resting state between turns.
	StateIdle State = "idle"
	// StateListening means a voice stream is open and capturing audio.
	StateListening State = "listening"
	// StateProcessingVoice means a final transcript is being processed.
	StateProcessingVoice State = "processing_voice"
	// StateIntentDetected means an intent was classified but not yet complete.
	StateIntentDetected State = "intent_detected"
	// StateSlotFilling means the dialog is collecting missing slot values.
	StateSlotFilling State = "slot_filling"
	// StateCartReview means the user is confirming the cart contents.
	StateCartReview State = "cart_review"
	// StateCheckoutInfo means contact and delivery details are being collected.
	StateCheckoutInfo State = "checkout_info"
	// StatePaymentSessionCreated means a payment session has been opened.
	StatePaymentSessionCreated State = "payment_session_created"
	// StatePaymentPending means payment is awaiting completion.
	StatePaymentPending State = "payment_pending"
	// StatePaymentCompleted means payment succeeded.
	StatePaymentCompleted State = "payment_completed"
	// StatePaymentFailed means payment failed and may be retried.
	StatePaymentFailed State = "payment_failed"
	// StateOrderConfirmed means the order has been placed. Loops back to idle
	// only.
	StateOrderConfirmed State = "order_confirmed"
	// StateError is the universal escape hatch, reachable from every state.
	StateError State = "error"

	// RoleUser marks turns authored by the user.
	RoleUser Role = "user"
	// RoleAssistant marks turns authored by the engine.
	RoleAssistant Role = "assistant"
	// RoleSystem marks internal annotations.
	RoleSystem Role = "system"

	// MaxHistoryTurns bounds the per-session conversation history.
	MaxHistoryTurns = 50

	// DefaultIdleTimeout is the inactivity window after which a session
	// expires.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the expiry sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

var (
	// ErrSessionNotFound indicates a session does not exist (or has expired).
	ErrSessionNotFound = errors.New("session not found")

	// ErrIllegalTransition indicates a state transition the table forbids.
	ErrIllegalTransition = errors.New("illegal state transition")

	// transitions is the directed adjacency table of legal state moves.
	transitions = map[State][]State{
		StateIdle:                  {StateListening, StateIntentDetected, StateError},
		StateListening:             {StateProcessingVoice, StateIdle, StateError},
		StateProcessingVoice:       {StateIntentDetected, StateIdle, StateError},
		StateIntentDetected:        {StateSlotFilling, StateCartReview, StateCheckoutInfo, StateIdle, StateError},
		StateSlotFilling:           {StateIntentDetected, StateCartReview, StateIdle, StateError},
		StateCartReview:            {StateCheckoutInfo, StateIntentDetected, StateIdle, StateError},
		StateCheckoutInfo:          {StatePaymentSessionCreated, StateCartReview, StateIdle, StateError},
		StatePaymentSessionCreated: {StatePaymentPending, StateCheckoutInfo, StateError},
		StatePaymentPending:        {StatePaymentCompleted, StatePaymentFailed, StateError},
		StatePaymentCompleted:      {StateOrderConfirmed, StateError},
		StatePaymentFailed:         {StateCheckoutInfo, StateIdle, StateError},
		StateOrderConfirmed:        {StateIdle},
		StateError:                 {StateIdle, StateIntentDetected},
	}
)

// States returns all states in the closed enumeration.
func States() []State {
	out := make([]State, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	return out
}

// Adjacent returns the states reachable from s in one legal transition.
func Adjacent(s State) []State {
	return append([]State(nil), transitions[s]...)
}

// Valid reports whether s belongs to the closed state enumeration.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the table allows moving from s to target.
func (s State) CanTransition(target State) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IllegalTransitionError reports a transition the table forbids. It matches
// ErrIllegalTransition with errors.Is.
type IllegalTransitionError struct {
	// From is the session state at the time of the attempt.
	From State
	// To is the rejected target state.
	To State
}

// Error implements the error interface.
func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// NewTextTurn builds a text turn with a fresh ID and the current time.
func NewTextTurn(role Role, text string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     []ContentPart{{Kind: "text", Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// Text returns the concatenated text parts of the turn.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}

// Apply returns a copy of the context with the patch applied.
func (c Context) Apply(patch ContextPatch) Context {
	out := c
	if patch.Intent != nil {
		clone := patch.Intent.Clone()
		out.CurrentIntent = &clone
	}
	if patch.MissingSlots != nil {
		out.MissingSlots = append([]string(nil), patch.MissingSlots...)
	}
	if patch.RetryCount != nil {
		out.RetryCount = *patch.RetryCount
	}
	if patch.LastError != nil {
		out.LastError = *patch.LastError
	}
	if patch.ClearIntent {
		out.CurrentIntent = nil
		out.MissingSlots = nil
	}
	return out
}

// Apply returns a copy of the cart with the patch applied. The total is
// recomputed from the lines unless SetTotal overrides it.
func (c Cart) Apply(patch CartPatch) Cart {
	out := c.clone()
	if patch.Clear {
		out = Cart{}
	}
	for _, item := range patch.Add {
		merged := false
		for i := range out.Items {
			if out.Items[i].ProductID == item.ProductID {
				out.Items[i].Quantity += item.Quantity
				merged = true
				break
			}
		}
		if !merged {
			out.Items = append(out.Items, item)
		}
	}
	for _, id := range patch.Remove {
		kept := out.Items[:0]
		for _, item := range out.Items {
			if item.ProductID != id {
				kept = append(kept, item)
			}
		}
		out.Items = kept
	}
	if patch.SetCoupon != nil {
		out.CouponCode = *patch.SetCoupon
	}
	out.Total = 0
	for _, item := range out.Items {
		out.Total += int64(item.Quantity) * item.UnitPrice
	}
	if patch.SetTotal != nil {
		out.Total = *patch.SetTotal
	}
	return out
}

func (c Cart) clone() Cart {
	out := c
	out.Items = append([]CartItem(nil), c.Items...)
	return out
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.History = append([]Turn(nil), s.History...)
	out.Cart = s.Cart.clone()
	if s.Context.CurrentIntent != nil {
		it := s.Context.CurrentIntent.Clone()
		out.Context.CurrentIntent = &it
	}
	out.Context.MissingSlots = append([]string(nil), s.Context.MissingSlots...)
	if s.Order != nil {
		o := *s.Order
		out.Order = &o
	}
	return out
}

// Expired reports whether the session's expiry precedes now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}
