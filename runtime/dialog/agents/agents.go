// Package agents defines the contracts for the external business agents the
// router delegates to: catalog, cart, coupon and order. The engine does not
// implement their logic; it only calls them with plain data and interprets
// their typed failures.
package agents

import (
	"context"
	"errors"
	"fmt"
)

type (
	// Product is a catalog entry.
	Product struct {
		// ID identifies the product.
		ID string
		// Name is the display name matched against user utterances.
		Name string
		// Price is the unit price in minor currency units.
		Price int64
		// Available reports whether the product can be ordered.
		Available bool
	}

	// CartLine describes one cart mutation result line.
	CartLine struct {
		// ProductID identifies the product.
		ProductID string
		// Name is the product display name.
		Name string
		// Quantity is the number of units.
		Quantity int
		// UnitPrice is the per-unit price in minor currency units.
		UnitPrice int64
	}

	// CouponResult is the outcome of applying a coupon.
	CouponResult struct {
		// Code is the applied coupon code.
		Code string
		// DiscountedTotal is the cart total after the discount.
		DiscountedTotal int64
	}

	// OrderRequest carries the fields needed to place an order.
	OrderRequest struct {
		// SessionID identifies the ordering session.
		SessionID string
		// Phone is the contact phone number.
		Phone string
		// Address is the delivery address. Empty for pickup.
		Address string
		// CouponCode is the applied coupon, if any.
		CouponCode string
	}

	// OrderStatus is the order agent's view of an order.
	OrderStatus struct {
		// OrderID identifies the order.
		OrderID string
		// Status is the order lifecycle state reported by the agent.
		Status string
		// Total is the charged amount in minor currency units.
		Total int64
	}

	// Catalog looks up products.
	Catalog interface {
		// Search returns products matching the query, best match first.
		Search(ctx context.Context, query string) ([]Product, error)
	}

	// Cart manipulates the durable cart for a session.
	Cart interface {
		// Add puts quantity units of the product in the session's cart. The
		// returned line describes the units added by this call, not the
		// accumulated cart line: callers merge it into their own cart view.
		Add(ctx context.Context, sessionID, productID string, quantity int) (CartLine, error)
		// Remove deletes the product from the session's cart.
		Remove(ctx context.Context, sessionID, productID string) error
	}

	// Coupon validates and applies coupon codes.
	Coupon interface {
		// Apply applies the code to the session's cart.
		Apply(ctx context.Context, sessionID, code string) (CouponResult, error)
	}

	// Order places and tracks orders.
	Order interface {
		// Place submits the order and returns its initial status.
		Place(ctx context.Context, req OrderRequest) (OrderStatus, error)
		// Status returns the current status of an order.
		Status(ctx context.Context, orderID string) (OrderStatus, error)
	}

	// Agents bundles the business agents the router needs.
	Agents struct {
		Catalog Catalog
		Cart    Cart
		Coupon  Coupon
		Order   Order
	}

	// BusinessCode is the closed classification of business rule failures.
	BusinessCode string

	// BusinessError is a typed business rule failure returned by an agent.
	BusinessError struct {
		// Code classifies the failure.
		Code BusinessCode
		// Message is the human-readable detail.
		Message string
	}

	// PaymentError is a typed payment failure.
	PaymentError struct {
		// Code is the gateway's failure code.
		Code string
		// Message is the human-readable detail.
		Message string
	}
)

const (
	// CodeNotFound marks lookups that matched nothing.
	CodeNotFound BusinessCode = "not_found"
	// CodeOutOfStock marks products that cannot be ordered right now.
	CodeOutOfStock BusinessCode = "out_of_stock"
	// CodeInvalidCoupon marks rejected coupon codes.
	CodeInvalidCoupon BusinessCode = "invalid_coupon"
	// CodeRejected marks operations the agent refused for other rule reasons.
	CodeRejected BusinessCode = "rejected"
)

// ErrBusinessRule matches any BusinessError with errors.Is.
var ErrBusinessRule = errors.New("business rule error")

// NewBusinessError builds a typed business failure.
func NewBusinessError(code BusinessCode, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *BusinessError) Error() string {
	return fmt.Sprintf("business %s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrBusinessRule.
func (e *BusinessError) Unwrap() error { return ErrBusinessRule }

// Error implements the error interface.
func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s: %s", e.Code, e.Message)
}
