package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orderflow/runtime/dialog/session"
)

func TestSaveLoadDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.Load(ctx, "sess-1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	sess := session.Session{ID: "sess-1", State: session.StateIdle}
	require.NoError(t, c.Save(ctx, sess))
	got, err := c.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, session.StateIdle, got.State)

	require.NoError(t, c.Delete(ctx, "sess-1"))
	_, err = c.Load(ctx, "sess-1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestLoadReturnsCopy(t *testing.T) {
	c := New()
	ctx := context.Background()
	sess := session.Session{
		ID:    "sess-1",
		State: session.StateIdle,
		Cart:  session.Cart{Items: []session.CartItem{{ProductID: "p1", Quantity: 1}}},
	}
	require.NoError(t, c.Save(ctx, sess))

	got, err := c.Load(ctx, "sess-1")
	require.NoError(t, err)
	got.Cart.Items[0].Quantity = 99

	again, err := c.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, again.Cart.Items[0].Quantity)
}

func TestDeleteExpired(t *testing.T) {
	c := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, c.Save(ctx, session.Session{ID: "stale", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, c.Save(ctx, session.Session{ID: "fresh", ExpiresAt: now.Add(time.Hour)}))

	removed, err := c.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, c.Len())
}

func TestPingError(t *testing.T) {
	c := New()
	require.NoError(t, c.Ping(context.Background()))
	c.SetPingError(errors.New("down"))
	require.EqualError(t, c.Ping(context.Background()), "down")
}
