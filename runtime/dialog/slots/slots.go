// Package slots implements the slot extraction and filling pipeline: pure
// functions that map free text to named slot values, the required-slot table
// keyed by intent category and action, and the completeness/clarification
// algorithm that drives multi-turn slot filling.
package slots

import (
	"fmt"

	"goa.design/orderflow/runtime/dialog/intent"
	"goa.design/orderflow/runtime/dialog/session"
)

type (
	// Extractor maps (text, intent category) to extracted slot values. The
	// locale-specific heuristics live behind this contract so other locales
	// can be plugged in without touching the filling algorithm.
	Extractor interface {
		// Extract returns the slot values found in text for the category.
		// Pure: same inputs yield the same output.
		Extract(text string, category intent.Category) map[string]string
	}

	// FillingResult is the outcome of one slot-filling turn.
	FillingResult struct {
		// Complete reports whether every required slot is now present.
		Complete bool
		// Progress reports whether this turn contributed at least one new or
		// changed slot value. Callers use it to detect unproductive turns.
		Progress bool
		// Missing lists the slot names still required, in priority order.
		Missing []string
		// Question is the clarification prompt for the first missing slot.
		// Empty when Complete.
		Question string
		// Updated is the intent with the newly extracted slots merged in.
		Updated intent.Intent
		// NextState is the dialog state to transition to.
		NextState session.State
	}
)

// requiredSlots maps "category.action" to the slot names the action needs
// before it can execute. Actions absent from the table require no slots.
var requiredSlots = map[string][]string{
	"product.add":    {"productName", "quantity"},
	"product.search": {"productName"},
	"product.remove": {"productName"},
	"coupon.apply":   {"couponCode"},
	"order.delivery": {"phone", "address"},
	"order.status":   {"orderID"},
	"order.cancel":   {"orderID"},
}

// clarifications maps "category.action.slot" to the prompt asked when that
// slot is missing. Slots without a specific template fall back to a generic
// per-slot prompt.
var clarifications = map[string]string{
	"product.add.productName":    "어떤 메뉴를 주문하시겠어요?",
	"product.add.quantity":       "몇 개 드릴까요?",
	"product.search.productName": "어떤 메뉴를 찾아드릴까요?",
	"product.remove.productName": "어떤 메뉴를 빼드릴까요?",
	"coupon.apply.couponCode":    "적용하실 쿠폰 코드를 말씀해 주세요.",
	"order.delivery.phone":       "연락 받으실 전화번호를 알려주세요.",
	"order.delivery.address":     "배송 받으실 주소를 알려주세요.",
	"order.status.orderID":       "조회하실 주문 번호를 알려주세요.",
	"order.cancel.orderID":       "취소하실 주문 번호를 알려주세요.",
}

// completionStates maps "category.action" to the state entered once the intent
// is complete. Keys absent from the table fall back to the category default.
var completionStates = map[string]session.State{
	"order.status": session.StateIntentDetected,
	"order.cancel": session.StateIntentDetected,
}

// categoryStates is the per-category default post-completion state.
var categoryStates = map[intent.Category]session.State{
	intent.CategoryProduct: session.StateCartReview,
	intent.CategoryCoupon:  session.StateCartReview,
	intent.CategoryOrder:   session.StateCheckoutInfo,
	intent.CategoryGeneral: session.StateIdle,
}

// Required returns the slot names required by the intent's category/action.
func Required(it intent.Intent) []string {
	return append([]string(nil), requiredSlots[it.Key()]...)
}

// Missing returns the required slot names the intent has no value for yet,
// preserving the required-slot table's priority order.
func Missing(it intent.Intent) []string {
	var out []string
	for _, name := range requiredSlots[it.Key()] {
		if it.Slots[name] == "" {
			out = append(out, name)
		}
	}
	return out
}

// ClarificationQuestion returns the prompt for the highest-priority missing
// slot, falling back to a generic per-slot prompt when no template exists.
func ClarificationQuestion(it intent.Intent, missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	slot := missing[0]
	if q, ok := clarifications[it.Key()+"."+slot]; ok {
		return q
	}
	return fmt.Sprintf("%s 정보를 알려주세요.", slot)
}

// CompletionState returns the state a session enters once the intent's slots
// are complete.
func CompletionState(it intent.Intent) session.State {
	if st, ok := completionStates[it.Key()]; ok {
		return st
	}
	if st, ok := categoryStates[it.Category]; ok {
		return st
	}
	return session.StateIntentDetected
}

// ProcessFilling runs one slot-filling turn: extract values from text, merge
// them into the current intent (new values overwrite old ones for the same
// name), recompute completeness, and pick the next dialog state. A turn that
// extracts nothing still yields a clarification question so the dialog
// re-prompts instead of looping silently; callers detect Progress=false and
// may escalate after repeated unproductive turns.
func ProcessFilling(ext Extractor, current intent.Intent, text string) FillingResult {
	values := ext.Extract(text, current.Category)
	updated := current.Merge(values)

	progress := false
	for name, v := range values {
		if current.Slots[name] != v {
			progress = true
			break
		}
	}

	missing := Missing(updated)
	res := FillingResult{
		Progress: progress,
		Missing:  missing,
		Updated:  updated,
	}
	if len(missing) == 0 {
		res.Complete = true
		res.NextState = CompletionState(updated)
		return res
	}
	res.Question = ClarificationQuestion(updated, missing)
	res.NextState = session.StateSlotFilling
	return res
}
