package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/orderflow/runtime/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	ctx := context.Background()
	cli := newFakeClient()

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(ctx, "sess-1")
	require.NoError(t, err)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{
		"type":       "toast",
		"session_id": "sess-1",
		"timestamp":  time.Now(),
		"payload":    map[string]string{"message": "담았어요", "level": "success"},
	})
	str := cli.stream("sess-1")
	str.sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(str.sink.ch)

	e := <-events
	require.Equal(t, stream.EventToast, e.Type())
	require.Equal(t, "sess-1", e.SessionID())
	body := make(map[string]string)
	require.NoError(t, json.Unmarshal(e.Payload().(json.RawMessage), &body))
	require.Equal(t, "담았어요", body["message"])
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, str.sink.acked)
}

func TestSubscribeDecoderError(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (stream.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	str := cli.stream("sess-1")
	str.sink.ch <- &streaming.Event{Payload: []byte("{}")}
	close(str.sink.ch)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeAckErrorStopsConsumption(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)
	defer cancel()

	str := cli.stream("sess-1")
	str.sink.ackErr = errors.New("ack failed")
	payload, _ := json.Marshal(map[string]any{"type": "ping", "session_id": "sess-1"})
	str.sink.ch <- &streaming.Event{ID: "2-0", Payload: payload}
	close(str.sink.ch)

	<-events
	require.EqualError(t, <-errs, "pulse ack: ack failed")
}

func TestSessionStreamsSharesClient(t *testing.T) {
	cli := newFakeClient()
	streams, err := NewSessionStreams(SessionStreamsOptions{Client: cli})
	require.NoError(t, err)

	require.NoError(t, streams.Sink().Send(context.Background(), stream.NewPing("sess-9")))
	require.NotNil(t, cli.stream("sess-9"))

	sub, err := streams.NewSubscriber(SubscriberOptions{})
	require.NoError(t, err)
	_, _, cancel, err := sub.Subscribe(context.Background(), "sess-9")
	require.NoError(t, err)
	cancel()

	require.NoError(t, streams.Close(context.Background()))
	require.True(t, cli.closed)
}
