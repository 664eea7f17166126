package router

import (
	"context"
	"fmt"
	"strconv"

	"goa.design/orderflow/runtime/dialog/agents"
	"goa.design/orderflow/runtime/dialog/intent"
	"goa.design/orderflow/runtime/dialog/recovery"
	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/dialog/slots"
	"goa.design/orderflow/runtime/stream"
	"goa.design/orderflow/runtime/telemetry"
)

// dispatch invokes the business agent for a completed intent and converts the
// result into a response, a state transition and UI events. Agent failures are
// routed through recovery; the caller gets a usable outcome either way.
func (r *Router) dispatch(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	r.metrics.IncCounter(telemetry.MetricBusinessCalls, 1, "intent", it.Key())
	switch it.Key() {
	case "product.add":
		return r.addProduct(ctx, sess, it)
	case "product.remove":
		return r.removeProduct(ctx, sess, it)
	case "product.search":
		return r.searchProducts(ctx, sess, it)
	case "coupon.apply":
		return r.applyCoupon(ctx, sess, it)
	case "order.status", "order.cancel":
		return r.orderStatus(ctx, sess, it)
	case "order.delivery", "order.checkout":
		return r.placeOrder(ctx, sess, it)
	default:
		events, err := r.moveTo(ctx, &sess, session.StateIdle, session.ContextPatch{ClearIntent: true})
		if err != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, err)
		}
		return Outcome{
			Response:  "죄송해요, 아직 지원하지 않는 요청이에요.",
			NextState: sess.State,
			Events:    events,
		}
	}
}

func (r *Router) addProduct(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if r.agents.Catalog == nil || r.agents.Cart == nil {
		return r.agentUnavailable(ctx, sess)
	}
	name := it.Slots["productName"]
	qty, err := strconv.Atoi(it.Slots["quantity"])
	if err != nil || qty < 1 {
		qty = 1
	}

	product, out := r.findProduct(ctx, sess, name)
	if product == nil {
		return out
	}
	if !product.Available {
		return r.recover(ctx, sess, recovery.SourceBusiness,
			agents.NewBusinessError(agents.CodeOutOfStock, "%s is out of stock", product.Name))
	}

	line, err := r.agents.Cart.Add(ctx, sess.ID, product.ID, qty)
	if err != nil {
		return r.recover(ctx, sess, recovery.SourceBusiness, err)
	}
	if err := r.store.MutateCart(ctx, sess.ID, session.CartPatch{Add: []session.CartItem{{
		ProductID: line.ProductID,
		Name:      line.Name,
		Quantity:  line.Quantity,
		UnitPrice: line.UnitPrice,
	}}}); err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}

	events, terr := r.moveTo(ctx, &sess, slots.CompletionState(it), session.ContextPatch{ClearIntent: true})
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}
	updated, _ := r.store.Get(ctx, sess.ID)
	events = append(events,
		stream.NewUIUpdate(sess.ID, stream.UIUpdatePayload{View: "cart", Data: updated.Cart}),
		stream.NewToast(sess.ID, stream.ToastPayload{
			Message: fmt.Sprintf("%s %d개를 담았어요.", line.Name, line.Quantity),
			Level:   "success",
		}),
	)
	return Outcome{
		Response: fmt.Sprintf("%s %d개를 담았어요. 주문을 진행할까요?",
			line.Name, line.Quantity),
		NextState: sess.State,
		Events:    events,
	}
}

func (r *Router) removeProduct(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if r.agents.Catalog == nil || r.agents.Cart == nil {
		return r.agentUnavailable(ctx, sess)
	}
	product, out := r.findProduct(ctx, sess, it.Slots["productName"])
	if product == nil {
		return out
	}
	if err := r.agents.Cart.Remove(ctx, sess.ID, product.ID); err != nil {
		return r.recover(ctx, sess, recovery.SourceBusiness, err)
	}
	if err := r.store.MutateCart(ctx, sess.ID, session.CartPatch{Remove: []string{product.ID}}); err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}

	events, terr := r.moveTo(ctx, &sess, slots.CompletionState(it), session.ContextPatch{ClearIntent: true})
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}
	updated, _ := r.store.Get(ctx, sess.ID)
	events = append(events, stream.NewUIUpdate(sess.ID, stream.UIUpdatePayload{View: "cart", Data: updated.Cart}))
	return Outcome{
		Response:  fmt.Sprintf("%s을(를) 뺐어요.", product.Name),
		NextState: sess.State,
		Events:    events,
	}
}

func (r *Router) searchProducts(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if r.agents.Catalog == nil {
		return r.agentUnavailable(ctx, sess)
	}
	products, err := r.agents.Catalog.Search(ctx, it.Slots["productName"])
	if err != nil {
		return r.recover(ctx, sess, recovery.SourceBusiness, err)
	}
	if len(products) == 0 {
		return r.recover(ctx, sess, recovery.SourceBusiness,
			agents.NewBusinessError(agents.CodeNotFound, "no products match %q", it.Slots["productName"]))
	}

	events, terr := r.moveTo(ctx, &sess, session.StateIntentDetected, session.ContextPatch{ClearIntent: true})
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}
	events = append(events, stream.NewUIUpdate(sess.ID, stream.UIUpdatePayload{View: "catalog", Data: products}))
	return Outcome{
		Response:  fmt.Sprintf("%s 등 %d개 메뉴를 찾았어요. 어떤 걸 드릴까요?", products[0].Name, len(products)),
		NextState: sess.State,
		Events:    events,
	}
}

func (r *Router) applyCoupon(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if r.agents.Coupon == nil {
		return r.agentUnavailable(ctx, sess)
	}
	code := it.Slots["couponCode"]
	res, err := r.agents.Coupon.Apply(ctx, sess.ID, code)
	if err != nil {
		return r.recover(ctx, sess, recovery.SourceBusiness, err)
	}
	if err := r.store.MutateCart(ctx, sess.ID, session.CartPatch{
		SetCoupon: &res.Code,
		SetTotal:  &res.DiscountedTotal,
	}); err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}

	events, terr := r.moveTo(ctx, &sess, slots.CompletionState(it), session.ContextPatch{ClearIntent: true})
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}
	updated, _ := r.store.Get(ctx, sess.ID)
	events = append(events,
		stream.NewUIUpdate(sess.ID, stream.UIUpdatePayload{View: "cart", Data: updated.Cart}),
		stream.NewToast(sess.ID, stream.ToastPayload{
			Message: fmt.Sprintf("쿠폰 %s를 적용했어요.", res.Code),
			Level:   "success",
		}),
	)
	return Outcome{
		Response:  fmt.Sprintf("쿠폰을 적용했어요. 결제 금액은 %d원이에요.", res.DiscountedTotal),
		NextState: sess.State,
		Events:    events,
	}
}

func (r *Router) orderStatus(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if r.agents.Order == nil {
		return r.agentUnavailable(ctx, sess)
	}
	status, err := r.agents.Order.Status(ctx, it.Slots["orderID"])
	if err != nil {
		return r.recover(ctx, sess, recovery.SourceBusiness, err)
	}

	events, terr := r.moveTo(ctx, &sess, slots.CompletionState(it), session.ContextPatch{ClearIntent: true})
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}
	events = append(events, stream.NewUIUpdate(sess.ID, stream.UIUpdatePayload{View: "order", Data: status}))

	response := fmt.Sprintf("주문 %s의 상태는 %s예요.", status.OrderID, status.Status)
	if it.Action == "cancel" {
		response = fmt.Sprintf("주문 %s의 상태는 %s예요. 취소는 상담원이 도와드릴게요.", status.OrderID, status.Status)
	}
	return Outcome{Response: response, NextState: sess.State, Events: events}
}

// placeOrder submits the order and walks the session through the payment
// states to order_confirmed.
func (r *Router) placeOrder(ctx context.Context, sess session.Session, it intent.Intent) Outcome {
	if r.agents.Order == nil {
		return r.agentUnavailable(ctx, sess)
	}
	current, err := r.store.Get(ctx, sess.ID)
	if err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}
	if len(current.Cart.Items) == 0 {
		return r.recover(ctx, sess, recovery.SourceBusiness,
			agents.NewBusinessError(agents.CodeRejected, "cart is empty"))
	}

	events, terr := r.moveTo(ctx, &sess, session.StatePaymentSessionCreated, session.ContextPatch{})
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}
	loaderOn := stream.NewLoader(sess.ID, stream.LoaderPayload{Active: true, Label: "결제 진행 중"})
	events = append(events, loaderOn)

	moreEvents, terr := r.moveTo(ctx, &sess, session.StatePaymentPending, session.ContextPatch{})
	events = append(events, moreEvents...)
	if terr != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, terr)
	}

	status, err := r.agents.Order.Place(ctx, agents.OrderRequest{
		SessionID:  sess.ID,
		Phone:      it.Slots["phone"],
		Address:    it.Slots["address"],
		CouponCode: current.Cart.CouponCode,
	})
	if err != nil {
		failEvents, ferr := r.moveTo(ctx, &sess, session.StatePaymentFailed, session.ContextPatch{})
		if ferr != nil {
			r.logger.Warn(ctx, "payment failure transition failed", "session_id", sess.ID, "err", ferr)
		}
		out := r.recover(ctx, sess, recovery.SourcePayment, err)
		out.Events = append(append(events, failEvents...), out.Events...)
		out.Events = append(out.Events, stream.NewLoader(sess.ID, stream.LoaderPayload{Active: false}))
		return out
	}

	if err := r.store.AttachOrder(ctx, sess.ID, session.Order{
		ID:     status.OrderID,
		Status: status.Status,
		Total:  status.Total,
	}); err != nil {
		return r.recover(ctx, sess, recovery.SourceSystem, err)
	}

	zero := 0
	for _, hop := range []session.State{session.StatePaymentCompleted, session.StateOrderConfirmed} {
		patch := session.ContextPatch{}
		if hop == session.StateOrderConfirmed {
			patch = session.ContextPatch{ClearIntent: true, RetryCount: &zero}
		}
		hopEvents, terr := r.moveTo(ctx, &sess, hop, patch)
		events = append(events, hopEvents...)
		if terr != nil {
			return r.recover(ctx, sess, recovery.SourceSystem, terr)
		}
	}

	events = append(events,
		stream.NewLoader(sess.ID, stream.LoaderPayload{Active: false}),
		stream.NewUIUpdate(sess.ID, stream.UIUpdatePayload{View: "order", Data: status}),
		stream.NewNavigation(sess.ID, stream.NavigationPayload{Target: "order_complete"}),
		stream.NewToast(sess.ID, stream.ToastPayload{Message: "주문이 완료되었어요.", Level: "success"}),
	)
	return Outcome{
		Response:  fmt.Sprintf("주문이 완료되었어요. 주문 번호는 %s이고 결제 금액은 %d원이에요.", status.OrderID, status.Total),
		NextState: sess.State,
		Events:    events,
	}
}

// findProduct resolves a product name through the catalog. On failure it
// returns a nil product and the recovery outcome to surface.
func (r *Router) findProduct(ctx context.Context, sess session.Session, name string) (*agents.Product, Outcome) {
	products, err := r.agents.Catalog.Search(ctx, name)
	if err != nil {
		return nil, r.recover(ctx, sess, recovery.SourceBusiness, err)
	}
	if len(products) == 0 {
		return nil, r.recover(ctx, sess, recovery.SourceBusiness,
			agents.NewBusinessError(agents.CodeNotFound, "no product matches %q", name))
	}
	return &products[0], Outcome{}
}

func (r *Router) agentUnavailable(ctx context.Context, sess session.Session) Outcome {
	return r.recover(ctx, sess, recovery.SourceBusiness,
		agents.NewBusinessError(agents.CodeRejected, "business agent not configured"))
}
