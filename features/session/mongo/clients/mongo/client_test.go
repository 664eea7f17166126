package mongo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/orderflow/runtime/dialog/intent"
	"goa.design/orderflow/runtime/dialog/session"
)

type (
	// fakeCollection stores session documents keyed by session_id and
	// understands the two filter shapes the client issues.
	fakeCollection struct {
		mu           sync.Mutex
		docs         map[string]sessionDocument
		indexCreated int
	}

	fakeSingleResult struct {
		doc sessionDocument
		err error
	}

	fakeIndexView struct {
		coll *fakeCollection
	}
)

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sessionDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter any, replacement any,
	_ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	c.docs[id] = replacement.(sessionDocument)
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any,
	_ ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["session_id"].(string)
	var count int64
	if _, ok := c.docs[id]; ok {
		delete(c.docs, id)
		count = 1
	}
	return &mongodriver.DeleteResult{DeletedCount: count}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any,
	_ ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := filter.(bson.M)["expires_at"].(bson.M)["$lt"].(time.Time)
	var count int64
	for id, doc := range c.docs {
		if doc.ExpiresAt.Before(cutoff) {
			delete(c.docs, id)
			count++
		}
	}
	return &mongodriver.DeleteResult{DeletedCount: count}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*sessionDocument)) = r.doc
	return nil
}

func (v fakeIndexView) CreateOne(_ context.Context, _ mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.coll.mu.Lock()
	defer v.coll.mu.Unlock()
	v.coll.indexCreated++
	return "", nil
}

func mustNewTestClient(t *testing.T) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, err)
	return c
}

func sampleSession() session.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return session.Session{
		ID:     "sess-1",
		UserID: "user-1",
		State:  session.StateCartReview,
		Context: session.Context{
			CurrentIntent: &intent.Intent{
				Category:   intent.CategoryProduct,
				Action:     "add",
				Confidence: 0.92,
				Slots:      map[string]string{"productName": "아메리카노", "quantity": "2"},
			},
			MissingSlots: []string{"quantity"},
			RetryCount:   1,
			LastError:    "previous failure",
		},
		History: []session.Turn{
			session.NewTextTurn(session.RoleUser, "아메리카노 두 잔 주세요"),
			session.NewTextTurn(session.RoleAssistant, "장바구니에 담았어요."),
		},
		Cart: session.Cart{
			Items: []session.CartItem{
				{ProductID: "p1", Name: "아메리카노", Quantity: 2, UnitPrice: 4500},
			},
			CouponCode: "SAVE2024",
			Total:      8000,
		},
		Order:        &session.Order{ID: "ORD1234", Status: "accepted", Total: 8000},
		Preferences:  session.Preferences{Language: "ko-KR", VoiceEnabled: true},
		CreatedAt:    now.Add(-time.Minute),
		LastActivity: now,
		ExpiresAt:    now.Add(30 * time.Minute),
	}
}

func TestEnsureIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 2, coll.indexCreated)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := mustNewTestClient(t)
	want := sampleSession()

	require.NoError(t, c.Save(context.Background(), want))
	got, err := c.Load(context.Background(), "sess-1")
	require.NoError(t, err)

	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.State, got.State)
	require.Equal(t, want.Context.CurrentIntent, got.Context.CurrentIntent)
	require.Equal(t, want.Context.MissingSlots, got.Context.MissingSlots)
	require.Equal(t, want.Context.RetryCount, got.Context.RetryCount)
	require.Equal(t, want.Context.LastError, got.Context.LastError)
	require.Equal(t, want.History, got.History)
	require.Equal(t, want.Cart, got.Cart)
	require.Equal(t, want.Order, got.Order)
	require.Equal(t, want.Preferences, got.Preferences)
	require.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestLoadMissingSessionReturnsNotFound(t *testing.T) {
	c := mustNewTestClient(t)
	_, err := c.Load(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSaveRequiresSessionID(t *testing.T) {
	c := mustNewTestClient(t)
	require.Error(t, c.Save(context.Background(), session.Session{}))
}

func TestDeleteIsIdempotent(t *testing.T) {
	c := mustNewTestClient(t)
	require.NoError(t, c.Save(context.Background(), sampleSession()))

	require.NoError(t, c.Delete(context.Background(), "sess-1"))
	require.NoError(t, c.Delete(context.Background(), "sess-1"))
	_, err := c.Load(context.Background(), "sess-1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestDeleteExpiredRemovesOnlyStale(t *testing.T) {
	c := mustNewTestClient(t)
	now := time.Now().UTC()

	stale := sampleSession()
	stale.ID = "stale"
	stale.ExpiresAt = now.Add(-time.Minute)
	fresh := sampleSession()
	fresh.ID = "fresh"
	fresh.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, c.Save(context.Background(), stale))
	require.NoError(t, c.Save(context.Background(), fresh))

	removed, err := c.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = c.Load(context.Background(), "stale")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = c.Load(context.Background(), "fresh")
	require.NoError(t, err)
}
