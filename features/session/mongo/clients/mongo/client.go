// Package mongo hosts the MongoDB client used by the durable session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/orderflow/runtime/dialog/intent"
	"goa.design/orderflow/runtime/dialog/session"
)

const (
	defaultSessionsCollection = "dialog_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for dialog session state. The store
// serializes per-session access; the client only moves whole documents.
type Client interface {
	health.Pinger

	// Load returns the stored session. Missing sessions return
	// session.ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (session.Session, error)
	// Save upserts the full session document keyed by session ID.
	Save(ctx context.Context, sess session.Session) error
	// Delete removes the session document. Deleting a missing session is not
	// an error.
	Delete(ctx context.Context, sessionID string) error
	// DeleteExpired removes every session whose expiry precedes now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Load(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) Save(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	doc := fromSession(sess)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sess.ID}
	_, err := c.sessions.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.DeleteOne(ctx, bson.M{"session_id": sessionID})
	return err
}

func (c *client) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"expires_at": bson.M{"$lt": now.UTC()}}
	res, err := c.sessions.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type (
	sessionDocument struct {
		SessionID    string          `bson:"session_id"`
		UserID       string          `bson:"user_id,omitempty"`
		State        string          `bson:"state"`
		Context      contextDocument `bson:"context"`
		History      []turnDocument  `bson:"history,omitempty"`
		Cart         cartDocument    `bson:"cart"`
		Order        *orderDocument  `bson:"order,omitempty"`
		Language     string          `bson:"language,omitempty"`
		VoiceEnabled bool            `bson:"voice_enabled"`
		CreatedAt    time.Time       `bson:"created_at"`
		LastActivity time.Time       `bson:"last_activity"`
		ExpiresAt    time.Time       `bson:"expires_at"`
	}

	contextDocument struct {
		Intent       *intentDocument `bson:"intent,omitempty"`
		MissingSlots []string        `bson:"missing_slots,omitempty"`
		RetryCount   int             `bson:"retry_count"`
		LastError    string          `bson:"last_error,omitempty"`
	}

	intentDocument struct {
		Category   string            `bson:"category"`
		Action     string            `bson:"action"`
		Confidence float64           `bson:"confidence"`
		Slots      map[string]string `bson:"slots,omitempty"`
	}

	turnDocument struct {
		TurnID    string         `bson:"turn_id"`
		Role      string         `bson:"role"`
		Parts     []partDocument `bson:"parts"`
		Timestamp time.Time      `bson:"timestamp"`
	}

	partDocument struct {
		Kind string `bson:"kind"`
		Text string `bson:"text"`
	}

	cartDocument struct {
		Items      []cartItemDocument `bson:"items,omitempty"`
		CouponCode string             `bson:"coupon_code,omitempty"`
		Total      int64              `bson:"total"`
	}

	cartItemDocument struct {
		ProductID string `bson:"product_id"`
		Name      string `bson:"name"`
		Quantity  int    `bson:"quantity"`
		UnitPrice int64  `bson:"unit_price"`
	}

	orderDocument struct {
		OrderID string `bson:"order_id"`
		Status  string `bson:"status"`
		Total   int64  `bson:"total"`
	}
)

func fromSession(sess session.Session) sessionDocument {
	doc := sessionDocument{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		State:        string(sess.State),
		Language:     sess.Preferences.Language,
		VoiceEnabled: sess.Preferences.VoiceEnabled,
		CreatedAt:    sess.CreatedAt.UTC(),
		LastActivity: sess.LastActivity.UTC(),
		ExpiresAt:    sess.ExpiresAt.UTC(),
	}
	doc.Context = contextDocument{
		MissingSlots: append([]string(nil), sess.Context.MissingSlots...),
		RetryCount:   sess.Context.RetryCount,
		LastError:    sess.Context.LastError,
	}
	if it := sess.Context.CurrentIntent; it != nil {
		doc.Context.Intent = &intentDocument{
			Category:   string(it.Category),
			Action:     it.Action,
			Confidence: it.Confidence,
			Slots:      cloneSlots(it.Slots),
		}
	}
	for _, turn := range sess.History {
		td := turnDocument{
			TurnID:    turn.ID,
			Role:      string(turn.Role),
			Timestamp: turn.Timestamp.UTC(),
		}
		for _, p := range turn.Parts {
			td.Parts = append(td.Parts, partDocument{Kind: p.Kind, Text: p.Text})
		}
		doc.History = append(doc.History, td)
	}
	doc.Cart = cartDocument{
		CouponCode: sess.Cart.CouponCode,
		Total:      sess.Cart.Total,
	}
	for _, item := range sess.Cart.Items {
		doc.Cart.Items = append(doc.Cart.Items, cartItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	if sess.Order != nil {
		doc.Order = &orderDocument{
			OrderID: sess.Order.ID,
			Status:  sess.Order.Status,
			Total:   sess.Order.Total,
		}
	}
	return doc
}

func (doc sessionDocument) toSession() session.Session {
	sess := session.Session{
		ID:     doc.SessionID,
		UserID: doc.UserID,
		State:  session.State(doc.State),
		Preferences: session.Preferences{
			Language:     doc.Language,
			VoiceEnabled: doc.VoiceEnabled,
		},
		CreatedAt:    doc.CreatedAt.UTC(),
		LastActivity: doc.LastActivity.UTC(),
		ExpiresAt:    doc.ExpiresAt.UTC(),
	}
	sess.Context = session.Context{
		MissingSlots: append([]string(nil), doc.Context.MissingSlots...),
		RetryCount:   doc.Context.RetryCount,
		LastError:    doc.Context.LastError,
	}
	if it := doc.Context.Intent; it != nil {
		sess.Context.CurrentIntent = &intent.Intent{
			Category:   intent.Category(it.Category),
			Action:     it.Action,
			Confidence: it.Confidence,
			Slots:      cloneSlots(it.Slots),
		}
	}
	for _, td := range doc.History {
		turn := session.Turn{
			ID:        td.TurnID,
			Role:      session.Role(td.Role),
			Timestamp: td.Timestamp,
		}
		for _, p := range td.Parts {
			turn.Parts = append(turn.Parts, session.ContentPart{Kind: p.Kind, Text: p.Text})
		}
		sess.History = append(sess.History, turn)
	}
	sess.Cart = session.Cart{
		CouponCode: doc.Cart.CouponCode,
		Total:      doc.Cart.Total,
	}
	for _, item := range doc.Cart.Items {
		sess.Cart.Items = append(sess.Cart.Items, session.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	if doc.Order != nil {
		sess.Order = &session.Order{
			ID:     doc.Order.OrderID,
			Status: doc.Order.Status,
			Total:  doc.Order.Total,
		}
	}
	return sess
}

func cloneSlots(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, sessionsColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	expiryIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, expiryIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessionsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
