package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"goa.design/orderflow/runtime/dialog/router"
	"goa.design/orderflow/runtime/dialog/session"
	"goa.design/orderflow/runtime/stream"
	"goa.design/orderflow/runtime/voice/stt"
)

type (
	fakeTurnRouter struct {
		mu     sync.Mutex
		inputs []string
	}

	fakeSub struct {
		ch chan stt.Result
	}

	fakeConnector struct {
		mu       sync.Mutex
		starts   int
		stops    int
		pushed   [][]byte
		language string
		sub      *fakeSub
	}
)

func (r *fakeTurnRouter) Handle(_ context.Context, sessionID, input string) (router.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, input)
	return router.Outcome{
		Response:  "네, 알겠습니다.",
		NextState: session.StateCartReview,
		Events: []stream.Event{
			stream.NewStateChange(sessionID, "idle", "cart_review"),
		},
	}, nil
}

func (r *fakeTurnRouter) handled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inputs...)
}

func (s *fakeSub) Results() <-chan stt.Result { return s.ch }

func (c *fakeConnector) Start(_ context.Context, _ string, cfg stt.Config) (ResultStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.language = cfg.LanguageCode
	c.sub = &fakeSub{ch: make(chan stt.Result, 8)}
	return c.sub, nil
}

func (c *fakeConnector) Stop(context.Context, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if c.sub != nil {
		close(c.sub.ch)
		c.sub = nil
	}
}

func (c *fakeConnector) Push(_ string, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, audio)
	return nil
}

func (c *fakeConnector) SetLanguage(_ context.Context, _, languageCode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = languageCode
	return nil
}

func (c *fakeConnector) snapshot() (int, int, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, len(c.pushed), c.language
}

func (c *fakeConnector) emit(res stt.Result) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	sub.ch <- res
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeTurnRouter, *fakeConnector) {
	t.Helper()
	turns := &fakeTurnRouter{}
	conn := &fakeConnector{}
	h, err := NewHandler(turns, conn, Options{})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, turns, conn
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session=" + sessionID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) serverMessage {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func TestRejectsConnectionWithoutSessionID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcceptsSessionIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Session-ID": []string{"s1"}})
	require.NoError(t, err)
	c.Close()
}

func TestStartStreamAndAudioFlow(t *testing.T) {
	srv, turns, conn := newTestServer(t)
	c := dial(t, srv, "s1")

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgStartStream, Language: "ko-KR"}))
	require.Eventually(t, func() bool {
		starts, _, _, _ := conn.snapshot()
		return starts == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Binary frames carry raw audio.
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	// Text frames carry base64 audio.
	require.NoError(t, c.WriteJSON(clientMessage{Type: msgAudioChunk, Audio: []byte{5, 6, 7, 8}}))
	require.Eventually(t, func() bool {
		_, _, pushed, _ := conn.snapshot()
		return pushed == 2
	}, 2*time.Second, 5*time.Millisecond)

	// An interim result reaches the client as a transcription event.
	conn.emit(stt.Result{SessionID: "s1", Text: "아메리카노", Confidence: 0.8})
	msg := readMessage(t, c)
	require.Equal(t, string(stream.EventTranscriptionResult), msg.Type)
	require.Equal(t, "s1", msg.SessionID)

	// A final result additionally drives a router turn.
	conn.emit(stt.Result{SessionID: "s1", Text: "아메리카노 두 잔 주세요", Confidence: 0.9, Final: true})
	types := []string{}
	for range 3 {
		types = append(types, readMessage(t, c).Type)
	}
	require.Contains(t, types, string(stream.EventTranscriptionResult))
	require.Contains(t, types, string(stream.EventStateChange))
	require.Contains(t, types, string(stream.EventUIUpdate))
	require.Equal(t, []string{"아메리카노 두 잔 주세요"}, turns.handled())
}

func TestTextInputRoutesTurn(t *testing.T) {
	srv, turns, _ := newTestServer(t)
	c := dial(t, srv, "s1")

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgTextInput, Text: "카페라떼 주세요"}))
	msg := readMessage(t, c)
	require.Equal(t, string(stream.EventStateChange), msg.Type)
	require.Eventually(t, func() bool {
		return len(turns.handled()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSetLanguage(t *testing.T) {
	srv, _, conn := newTestServer(t)
	c := dial(t, srv, "s1")

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgStartStream}))
	require.NoError(t, c.WriteJSON(clientMessage{Type: msgSetLanguage, Language: "en-US"}))
	require.Eventually(t, func() bool {
		_, _, _, lang := conn.snapshot()
		return lang == "en-US"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPingGetsPong(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := dial(t, srv, "s1")

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgPing}))
	msg := readMessage(t, c)
	require.Equal(t, string(stream.EventPing), msg.Type)
}

func TestDisconnectStopsStream(t *testing.T) {
	srv, _, conn := newTestServer(t)
	c := dial(t, srv, "s1")

	require.NoError(t, c.WriteJSON(clientMessage{Type: msgStartStream}))
	require.Eventually(t, func() bool {
		starts, _, _, _ := conn.snapshot()
		return starts == 1
	}, 2*time.Second, 5*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool {
		_, stops, _, _ := conn.snapshot()
		return stops >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	srv, turns, _ := newTestServer(t)
	c1 := dial(t, srv, "s1")
	c2 := dial(t, srv, "s1")

	// The first connection is closed once the second registers.
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c1.ReadMessage()
	require.Error(t, err)

	// The second connection still works.
	require.NoError(t, c2.WriteJSON(clientMessage{Type: msgTextInput, Text: "안녕"}))
	readMessage(t, c2)
	require.Equal(t, []string{"안녕"}, turns.handled())
}

func TestMalformedFrameYieldsError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := dial(t, srv, "s1")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, c)
	require.Equal(t, string(stream.EventError), msg.Type)
}
