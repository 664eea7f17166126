package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/orderflow/features/stream/pulse/clients/pulse"
	"goa.design/orderflow/runtime/stream"
)

type (
	// fakeClient hands out fakeStream handles keyed by session ID.
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		err     error
		closed  bool
	}

	fakeStream struct {
		mu         sync.Mutex
		sessionID  string
		entries    []fakeEntry
		publishErr error
		sink       *fakeSink
	}

	fakeEntry struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		acked  []string
		ackErr error
		mu     sync.Mutex
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) SessionStream(sessionID string, _ ...streamopts.Stream) (clientspulse.SessionStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	str, ok := c.streams[sessionID]
	if !ok {
		str = &fakeStream{sessionID: sessionID, sink: &fakeSink{ch: make(chan *streaming.Event, 8)}}
		c.streams[sessionID] = str
	}
	return str, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) stream(sessionID string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[sessionID]
}

func (s *fakeStream) SessionID() string { return s.sessionID }

func (s *fakeStream) Publish(_ context.Context, typ stream.EventType, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return "", s.publishErr
	}
	s.entries = append(s.entries, fakeEntry{event: string(typ), payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) added() []fakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeEntry(nil), s.entries...)
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func TestSendPublishesEnvelope(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	ev := stream.NewStateChange("sess-1", "idle", "listening")
	require.NoError(t, sink.Send(context.Background(), ev))

	str := cli.stream("sess-1")
	require.NotNil(t, str)
	entries := str.added()
	require.Len(t, entries, 1)
	require.Equal(t, string(stream.EventStateChange), entries[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(entries[0].payload, &env))
	require.Equal(t, "state_change", env.Type)
	require.Equal(t, "sess-1", env.SessionID)
	require.False(t, env.Timestamp.IsZero())
	body, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "idle", body["from"])
	require.Equal(t, "listening", body["to"])
}

func TestSendRoutesEachSessionToItsStream(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), stream.NewPing("sess-a")))
	require.NoError(t, sink.Send(context.Background(), stream.NewPing("sess-b")))

	require.Len(t, cli.stream("sess-a").added(), 1)
	require.Len(t, cli.stream("sess-b").added(), 1)
}

func TestSendRejectsMissingSessionID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient()})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.NewPing(""))
	require.EqualError(t, err, "stream event missing session id")
}

func TestSendSurfacesPublishError(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	// Prime the stream so the failure can be injected.
	require.NoError(t, sink.Send(context.Background(), stream.NewPing("sess-1")))
	cli.stream("sess-1").publishErr = errors.New("redis gone")

	err = sink.Send(context.Background(), stream.NewPing("sess-1"))
	require.EqualError(t, err, "redis gone")
}

func TestOnPublishedCalled(t *testing.T) {
	cli := newFakeClient()
	var published []PublishedEvent
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(_ context.Context, ev PublishedEvent) error {
			published = append(published, ev)
			return nil
		},
	})
	require.NoError(t, err)

	ev := stream.NewToast("sess-2", stream.ToastPayload{Message: "담았어요", Level: "success"})
	require.NoError(t, sink.Send(context.Background(), ev))

	require.Len(t, published, 1)
	require.Equal(t, "session/sess-2", published[0].StreamID)
	require.Equal(t, "1-0", published[0].EntryID)
	require.Equal(t, stream.EventToast, published[0].Event.Type())
}

func TestCloseDelegatesToClient(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}
