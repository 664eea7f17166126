// Package inmem provides in-memory business agents for development and
// demos. The catalog, cart, coupon and order agents share one process-local
// state so a single binary can run the full ordering flow without external
// services.
package inmem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"goa.design/orderflow/runtime/dialog/agents"
)

type (
	// Options configures the in-memory agents. Zero values fall back to a
	// built-in Korean cafe menu and coupon set.
	Options struct {
		// Products seeds the catalog.
		Products []agents.Product
		// Coupons maps coupon codes to percent discounts (1-100).
		Coupons map[string]int
	}

	// Agents implements all four business agent contracts over shared
	// in-memory state. It is safe for concurrent use. Construct with New.
	Agents struct {
		mu       sync.Mutex
		products []agents.Product
		coupons  map[string]int
		carts    map[string]map[string]int
		applied  map[string]string
		orders   map[string]agents.OrderStatus
		seq      int
	}
)

// New returns agents seeded from opts.
func New(opts Options) *Agents {
	products := opts.Products
	if len(products) == 0 {
		products = defaultMenu()
	}
	coupons := opts.Coupons
	if len(coupons) == 0 {
		coupons = map[string]int{"SAVE2024": 10, "WELCOME": 15}
	}
	return &Agents{
		products: products,
		coupons:  coupons,
		carts:    make(map[string]map[string]int),
		applied:  make(map[string]string),
		orders:   make(map[string]agents.OrderStatus),
	}
}

// Bundle returns the agents wired into the bundle the router consumes.
func (a *Agents) Bundle() agents.Agents {
	return agents.Agents{Catalog: a, Cart: a, Coupon: a, Order: a}
}

// Search implements agents.Catalog. The query matches product names
// case-insensitively; an exact name match ranks first. An empty query
// returns the whole menu.
func (a *Agents) Search(_ context.Context, query string) ([]agents.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	query = strings.ToLower(strings.TrimSpace(query))
	var exact, partial []agents.Product
	for _, p := range a.products {
		name := strings.ToLower(p.Name)
		switch {
		case query == "" || name == query:
			exact = append(exact, p)
		case strings.Contains(name, query) || strings.Contains(query, name):
			partial = append(partial, p)
		}
	}
	return append(exact, partial...), nil
}

// Add implements agents.Cart. The agent cart accumulates repeat adds; the
// returned line carries only this call's units per the Cart contract.
func (a *Agents) Add(_ context.Context, sessionID, productID string, quantity int) (agents.CartLine, error) {
	if quantity < 1 {
		return agents.CartLine{}, agents.NewBusinessError(agents.CodeRejected, "quantity must be at least 1, got %d", quantity)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	product := a.find(productID)
	if product == nil {
		return agents.CartLine{}, agents.NewBusinessError(agents.CodeNotFound, "unknown product %q", productID)
	}
	if !product.Available {
		return agents.CartLine{}, agents.NewBusinessError(agents.CodeOutOfStock, "%s is out of stock", product.Name)
	}
	cart := a.carts[sessionID]
	if cart == nil {
		cart = make(map[string]int)
		a.carts[sessionID] = cart
	}
	cart[productID] += quantity
	return agents.CartLine{
		ProductID: product.ID,
		Name:      product.Name,
		Quantity:  quantity,
		UnitPrice: product.Price,
	}, nil
}

// Remove implements agents.Cart.
func (a *Agents) Remove(_ context.Context, sessionID, productID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cart := a.carts[sessionID]
	if _, ok := cart[productID]; !ok {
		return agents.NewBusinessError(agents.CodeNotFound, "product %q is not in the cart", productID)
	}
	delete(cart, productID)
	return nil
}

// Apply implements agents.Coupon. The code is matched case-insensitively and
// remembered for the session's next order.
func (a *Agents) Apply(_ context.Context, sessionID, code string) (agents.CouponResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	normalized := strings.ToUpper(strings.TrimSpace(code))
	pct, ok := a.coupons[normalized]
	if !ok {
		return agents.CouponResult{}, agents.NewBusinessError(agents.CodeInvalidCoupon, "coupon %q is not valid", code)
	}
	a.applied[sessionID] = normalized
	total := a.cartTotal(sessionID)
	return agents.CouponResult{
		Code:            normalized,
		DiscountedTotal: discount(total, pct),
	}, nil
}

// Place implements agents.Order. The order total is the session's cart total
// with any applied coupon discount; placing clears the cart.
func (a *Agents) Place(_ context.Context, req agents.OrderRequest) (agents.OrderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.carts[req.SessionID]) == 0 {
		return agents.OrderStatus{}, agents.NewBusinessError(agents.CodeRejected, "cart is empty")
	}
	total := a.cartTotal(req.SessionID)
	code := strings.ToUpper(strings.TrimSpace(req.CouponCode))
	if code == "" {
		code = a.applied[req.SessionID]
	}
	if pct, ok := a.coupons[code]; ok {
		total = discount(total, pct)
	}
	a.seq++
	status := agents.OrderStatus{
		OrderID: fmt.Sprintf("ord-%04d", a.seq),
		Status:  "accepted",
		Total:   total,
	}
	a.orders[status.OrderID] = status
	delete(a.carts, req.SessionID)
	delete(a.applied, req.SessionID)
	return status, nil
}

// Status implements agents.Order.
func (a *Agents) Status(_ context.Context, orderID string) (agents.OrderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.orders[orderID]
	if !ok {
		return agents.OrderStatus{}, agents.NewBusinessError(agents.CodeNotFound, "unknown order %q", orderID)
	}
	return status, nil
}

func (a *Agents) find(productID string) *agents.Product {
	for i := range a.products {
		if a.products[i].ID == productID {
			return &a.products[i]
		}
	}
	return nil
}

func (a *Agents) cartTotal(sessionID string) int64 {
	var total int64
	for productID, qty := range a.carts[sessionID] {
		if p := a.find(productID); p != nil {
			total += p.Price * int64(qty)
		}
	}
	return total
}

func discount(total int64, pct int) int64 {
	return total - total*int64(pct)/100
}

func defaultMenu() []agents.Product {
	return []agents.Product{
		{ID: "p-americano", Name: "아메리카노", Price: 3000, Available: true},
		{ID: "p-latte", Name: "카페라떼", Price: 4000, Available: true},
		{ID: "p-cappuccino", Name: "카푸치노", Price: 4500, Available: true},
		{ID: "p-vanilla", Name: "바닐라라떼", Price: 4800, Available: true},
		{ID: "p-strawberry", Name: "딸기주스", Price: 5500, Available: false},
	}
}
