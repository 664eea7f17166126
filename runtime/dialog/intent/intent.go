// Package intent defines the structured representation of what a user wants:
// a (category, action) pair with a confidence and a partial set of named slots.
// Intents are produced by a Classifier and completed by the slot-filling
// pipeline before the router dispatches them to business agents.
package intent

import (
	"context"
	"fmt"
)

type (
	// Category groups intents by the business domain they address.
	Category string

	// Intent is the structured representation of a user request. Slots are
	// partial until every name required for Category.Action is present.
	Intent struct {
		// Category is the business domain the intent belongs to.
		Category Category
		// Action is the operation within the category (e.g. "add", "delivery").
		Action string
		// Confidence is the classifier's confidence in [0,1].
		Confidence float64
		// Slots maps slot names to extracted values. Partial until complete.
		Slots map[string]string
	}

	// Message is one prior conversation message handed to a classifier as
	// context. It deliberately mirrors only what classifiers need so the
	// package stays free of session types.
	Message struct {
		// Role is "user", "assistant" or "system".
		Role string
		// Content is the message text.
		Content string
	}

	// Classifier turns free text into an Intent. Implementations range from
	// the deterministic rule-based classifier in this package to LLM-backed
	// providers under features/classifier.
	Classifier interface {
		// Classify returns the intent detected in text. History carries the
		// most recent conversation messages, oldest first, and may be empty.
		Classify(ctx context.Context, text string, history []Message) (Intent, error)
	}
)

const (
	// CategoryProduct covers catalog lookups and cart item manipulation.
	CategoryProduct Category = "product"
	// CategoryCoupon covers coupon application and lookup.
	CategoryCoupon Category = "coupon"
	// CategoryOrder covers checkout, delivery and order status.
	CategoryOrder Category = "order"
	// CategoryGeneral covers chit-chat and anything without a business action.
	CategoryGeneral Category = "general"
)

// Key returns the "category.action" identifier used by the required-slot and
// clarification tables.
func (it Intent) Key() string {
	return fmt.Sprintf("%s.%s", it.Category, it.Action)
}

// Clone returns a deep copy of the intent so callers can merge slots without
// aliasing the original map.
func (it Intent) Clone() Intent {
	out := it
	out.Slots = make(map[string]string, len(it.Slots))
	for k, v := range it.Slots {
		out.Slots[k] = v
	}
	return out
}

// Merge returns a copy of the intent with the given slot values merged in.
// New values overwrite existing ones for the same slot name; slots absent from
// values are retained.
func (it Intent) Merge(values map[string]string) Intent {
	out := it.Clone()
	for k, v := range values {
		out.Slots[k] = v
	}
	return out
}
