package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/orderflow/runtime/dialog/agents"
)

func TestSearchRanksExactMatchFirst(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	products, err := a.Search(ctx, "카페라떼")
	require.NoError(t, err)
	require.NotEmpty(t, products)
	require.Equal(t, "카페라떼", products[0].Name)
	// 바닐라라떼 contains 라떼 too but is only a partial match.
	for _, p := range products[1:] {
		require.NotEqual(t, "카페라떼", p.Name)
	}
}

func TestSearchEmptyQueryReturnsMenu(t *testing.T) {
	a := New(Options{})
	products, err := a.Search(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, products, 5)
}

func TestAddReturnsDeltaAndAccumulatesInternally(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	line, err := a.Add(ctx, "sess-1", "p-americano", 2)
	require.NoError(t, err)
	require.Equal(t, 2, line.Quantity)
	require.Equal(t, int64(3000), line.UnitPrice)

	// The returned line carries only this call's units so callers that merge
	// it additively end up with the same cart the agent holds.
	line, err = a.Add(ctx, "sess-1", "p-americano", 1)
	require.NoError(t, err)
	require.Equal(t, 1, line.Quantity)

	status, err := a.Place(ctx, agents.OrderRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, int64(9000), status.Total)
}

func TestAddRejectsUnknownAndUnavailable(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	_, err := a.Add(ctx, "sess-1", "p-nope", 1)
	require.ErrorIs(t, err, agents.ErrBusinessRule)
	var be *agents.BusinessError
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeNotFound, be.Code)

	_, err = a.Add(ctx, "sess-1", "p-strawberry", 1)
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeOutOfStock, be.Code)

	_, err = a.Add(ctx, "sess-1", "p-americano", 0)
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeRejected, be.Code)
}

func TestRemoveRequiresCartLine(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	var be *agents.BusinessError
	err := a.Remove(ctx, "sess-1", "p-americano")
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeNotFound, be.Code)

	_, err = a.Add(ctx, "sess-1", "p-americano", 1)
	require.NoError(t, err)
	require.NoError(t, a.Remove(ctx, "sess-1", "p-americano"))
}

func TestApplyCouponDiscountsCartTotal(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	_, err := a.Add(ctx, "sess-1", "p-latte", 2)
	require.NoError(t, err)

	res, err := a.Apply(ctx, "sess-1", "save2024")
	require.NoError(t, err)
	require.Equal(t, "SAVE2024", res.Code)
	require.Equal(t, int64(7200), res.DiscountedTotal)

	var be *agents.BusinessError
	_, err = a.Apply(ctx, "sess-1", "EXPIRED")
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeInvalidCoupon, be.Code)
}

func TestPlaceOrderClearsCartAndTracksStatus(t *testing.T) {
	a := New(Options{})
	ctx := context.Background()

	_, err := a.Add(ctx, "sess-1", "p-americano", 2)
	require.NoError(t, err)
	_, err = a.Apply(ctx, "sess-1", "SAVE2024")
	require.NoError(t, err)

	status, err := a.Place(ctx, agents.OrderRequest{SessionID: "sess-1", Phone: "01012345678"})
	require.NoError(t, err)
	require.Equal(t, "accepted", status.Status)
	require.Equal(t, int64(5400), status.Total)

	got, err := a.Status(ctx, status.OrderID)
	require.NoError(t, err)
	require.Equal(t, status, got)

	// The cart is consumed by the order.
	var be *agents.BusinessError
	_, err = a.Place(ctx, agents.OrderRequest{SessionID: "sess-1"})
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeRejected, be.Code)
}

func TestStatusUnknownOrder(t *testing.T) {
	a := New(Options{})
	var be *agents.BusinessError
	_, err := a.Status(context.Background(), "ord-9999")
	require.True(t, errors.As(err, &be))
	require.Equal(t, agents.CodeNotFound, be.Code)
}
