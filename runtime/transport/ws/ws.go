// Package ws terminates the per-session duplex connection. It upgrades HTTP
// to WebSocket, multiplexes the inbound control messages (start_stream,
// stop_stream, audio_chunk, set_language, ping, text_input) to the speech
// connector and the router, and pushes transcription and UI events back to the
// client through a single writer goroutine per connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"goa.design/orderflow/runtime/dialog/router"
	"goa.design/orderflow/runtime/stream"
	"goa.design/orderflow/runtime/telemetry"
	"goa.design/orderflow/runtime/voice/connector"
	"goa.design/orderflow/runtime/voice/stt"
)

type (
	// TurnRouter routes one user turn. Satisfied by *router.Router.
	TurnRouter interface {
		Handle(ctx context.Context, sessionID, input string) (router.Outcome, error)
	}

	// ResultStream delivers transcription results. Satisfied by
	// *connector.Subscription.
	ResultStream interface {
		Results() <-chan stt.Result
	}

	// StreamConnector is the speech connector surface the transport needs.
	StreamConnector interface {
		Start(ctx context.Context, sessionID string, cfg stt.Config) (ResultStream, error)
		Stop(ctx context.Context, sessionID string)
		Push(sessionID string, audio []byte) error
		SetLanguage(ctx context.Context, sessionID, languageCode string) error
	}

	// Handler serves the /ws endpoint. Construct with NewHandler.
	Handler struct {
		router    TurnRouter
		connector StreamConnector
		upgrader  websocket.Upgrader
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		pongWait   time.Duration
		chunkRate  rate.Limit
		chunkBurst int

		mu    sync.Mutex
		conns map[string]*wsConn
	}

	// Options configures the handler. Zero values fall back to defaults.
	Options struct {
		// HeartbeatInterval is the pong deadline cycle. Defaults to 30s.
		HeartbeatInterval time.Duration
		// ChunksPerSecond bounds inbound audio chunks per connection.
		// Defaults to 50.
		ChunksPerSecond float64
		// ChunkBurst is the rate limiter burst. Defaults to 100.
		ChunkBurst int
		// CheckOrigin overrides the upgrader origin check. Defaults to
		// allowing all origins.
		CheckOrigin func(r *http.Request) bool
		// Logger receives transport logs. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives transport counters. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// clientMessage is one inbound control frame.
	clientMessage struct {
		// Type is start_stream, stop_stream, audio_chunk, set_language, ping
		// or text_input.
		Type string `json:"type"`
		// Language is the BCP-47 language code for start_stream/set_language.
		Language string `json:"language,omitempty"`
		// Audio is the base64 PCM chunk for audio_chunk text frames. Binary
		// frames carry the chunk raw instead.
		Audio []byte `json:"audio,omitempty"`
		// Text is the user input for text_input.
		Text string `json:"text,omitempty"`
	}

	// serverMessage is one outbound event frame.
	serverMessage struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		Payload   any    `json:"payload,omitempty"`
	}

	// wsConn is one live client connection. Only the writer goroutine writes
	// to the underlying socket.
	wsConn struct {
		h         *Handler
		sessionID string
		conn      *websocket.Conn
		send      chan serverMessage
		limiter   *rate.Limiter

		closeOnce sync.Once
		done      chan struct{}
	}
)

const (
	defaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
	maxMessageBytes  = 256 * 1024
	sendBuffer       = 64

	msgStartStream = "start_stream"
	msgStopStream  = "stop_stream"
	msgAudioChunk  = "audio_chunk"
	msgSetLanguage = "set_language"
	msgPing        = "ping"
	msgTextInput   = "text_input"
)

// NewHandler constructs the transport handler. Router and connector are
// required.
func NewHandler(turns TurnRouter, streams StreamConnector, opts Options) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("turn router is required")
	}
	if streams == nil {
		return nil, errors.New("stream connector is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.ChunksPerSecond <= 0 {
		opts.ChunksPerSecond = 50
	}
	if opts.ChunkBurst <= 0 {
		opts.ChunkBurst = 100
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Handler{
		router:     turns,
		connector:  streams,
		upgrader:   websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		pongWait:   opts.HeartbeatInterval,
		chunkRate:  rate.Limit(opts.ChunksPerSecond),
		chunkBurst: opts.ChunkBurst,
		conns:      make(map[string]*wsConn),
	}, nil
}

// Adapt wraps the concrete connector so it satisfies StreamConnector.
func Adapt(c *connector.Connector) StreamConnector {
	return connectorAdapter{c}
}

type connectorAdapter struct{ c *connector.Connector }

func (a connectorAdapter) Start(ctx context.Context, sessionID string, cfg stt.Config) (ResultStream, error) {
	return a.c.Start(ctx, sessionID, cfg)
}

func (a connectorAdapter) Stop(ctx context.Context, sessionID string) { a.c.Stop(ctx, sessionID) }

func (a connectorAdapter) Push(sessionID string, audio []byte) error { return a.c.Push(sessionID, audio) }

func (a connectorAdapter) SetLanguage(ctx context.Context, sessionID, languageCode string) error {
	return a.c.SetLanguage(ctx, sessionID, languageCode)
}

// ServeHTTP upgrades the connection and runs the read loop until disconnect.
// A request without a session id is rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		h:         h,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan serverMessage, sendBuffer),
		limiter:   rate.NewLimiter(h.chunkRate, h.chunkBurst),
		done:      make(chan struct{}),
	}
	h.register(c)
	h.metrics.IncCounter(telemetry.MetricTransportConnects, 1)
	h.logger.Info(r.Context(), "transport connected", "session_id", sessionID)

	go c.writePump()
	c.readLoop()
	c.teardown()
}

// Broadcast sends an event to the session's live connection, if any. It lets
// out-of-band producers (the router's background work, recovery notifications)
// reach the client.
func (h *Handler) Broadcast(ev stream.Event) {
	h.mu.Lock()
	c := h.conns[ev.SessionID()]
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.sendEvent(ev)
}

// Shutdown closes every live connection.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.teardown()
	}
}

// register records the connection, closing any previous connection for the
// same session first. At most one transport connection per session.
func (h *Handler) register(c *wsConn) {
	h.mu.Lock()
	old := h.conns[c.sessionID]
	h.conns[c.sessionID] = c
	h.mu.Unlock()
	if old != nil {
		old.teardown()
	}
}

func (h *Handler) unregister(c *wsConn) {
	h.mu.Lock()
	if h.conns[c.sessionID] == c {
		delete(h.conns, c.sessionID)
	}
	h.mu.Unlock()
}

// readLoop drains inbound frames until the connection dies. The pong handler
// extends the read deadline; a missed heartbeat cycle fails the next read.
func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.h.pongWait))
	})

	ctx := context.Background()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			c.pushChunk(data)
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.sendEvent(stream.NewError(c.sessionID, stream.ErrorPayload{
					Message:     "잘못된 요청 형식이에요.",
					Recoverable: true,
				}))
				continue
			}
			c.dispatch(ctx, msg)
		}
	}
}

// dispatch handles one inbound control message.
func (c *wsConn) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case msgStartStream:
		lang := msg.Language
		if lang == "" {
			lang = "ko-KR"
		}
		cfg := stt.Config{
			SampleRate:   16000,
			Channels:     1,
			Encoding:     stt.EncodingPCM16,
			LanguageCode: lang,
		}
		sub, err := c.h.connector.Start(ctx, c.sessionID, cfg)
		if err != nil {
			c.sendEvent(stream.NewError(c.sessionID, stream.ErrorPayload{
				Message:     "음성 인식을 시작하지 못했어요.",
				Recoverable: true,
			}))
			return
		}
		go c.forwardResults(sub)

	case msgStopStream:
		c.h.connector.Stop(ctx, c.sessionID)

	case msgAudioChunk:
		c.pushChunk(msg.Audio)

	case msgSetLanguage:
		if err := c.h.connector.SetLanguage(ctx, c.sessionID, msg.Language); err != nil {
			c.sendEvent(stream.NewError(c.sessionID, stream.ErrorPayload{
				Message:     "언어를 변경하지 못했어요.",
				Recoverable: true,
			}))
		}

	case msgPing:
		c.sendEvent(stream.NewPing(c.sessionID))

	case msgTextInput:
		c.routeTurn(ctx, msg.Text)

	default:
		c.h.logger.Debug(ctx, "unknown message type", "session_id", c.sessionID, "type", msg.Type)
	}
}

// pushChunk rate-limits and forwards one audio chunk. Chunks over the rate
// limit are dropped, not queued: stale audio is worthless.
func (c *wsConn) pushChunk(audio []byte) {
	if !c.limiter.Allow() {
		c.h.metrics.IncCounter(telemetry.MetricAudioChunksDropped, 1, "reason", "rate_limited")
		return
	}
	if err := c.h.connector.Push(c.sessionID, audio); err != nil {
		if errors.Is(err, connector.ErrNoActiveStream) {
			c.h.logger.Debug(context.Background(), "audio chunk without stream", "session_id", c.sessionID)
			return
		}
		c.sendEvent(stream.NewError(c.sessionID, stream.ErrorPayload{
			Message:     "음성 전송에 실패했어요.",
			Recoverable: true,
		}))
	}
}

// forwardResults relays the stream's transcription results to the client and
// routes final transcripts through the router. Exits when the stream ends.
func (c *wsConn) forwardResults(sub ResultStream) {
	ctx := context.Background()
	for res := range sub.Results() {
		c.sendEvent(stream.NewTranscriptionResult(c.sessionID, stream.TranscriptionResultPayload{
			Text:         res.Text,
			Confidence:   res.Confidence,
			Final:        res.Final,
			Alternatives: res.Alternatives,
		}))
		if res.Err != nil {
			c.sendEvent(stream.NewError(c.sessionID, stream.ErrorPayload{
				Message:     res.Err.Message,
				Recoverable: true,
			}))
			continue
		}
		if res.Final && res.Text != "" {
			c.routeTurn(ctx, res.Text)
		}
	}
}

// routeTurn runs one user turn through the router and relays the outcome.
func (c *wsConn) routeTurn(ctx context.Context, text string) {
	out, err := c.h.router.Handle(ctx, c.sessionID, text)
	if err != nil {
		c.h.logger.Error(ctx, "turn failed", "session_id", c.sessionID, "err", err)
		c.sendEvent(stream.NewError(c.sessionID, stream.ErrorPayload{
			Message:     "요청을 처리하지 못했어요.",
			Recoverable: true,
		}))
		return
	}
	for _, ev := range out.Events {
		c.sendEvent(ev)
	}
	if out.Response != "" {
		c.sendEvent(stream.NewUIUpdate(c.sessionID, stream.UIUpdatePayload{
			View: "assistant",
			Data: out.Response,
		}))
	}
}

// sendEvent queues an event for the writer goroutine without blocking.
func (c *wsConn) sendEvent(ev stream.Event) {
	msg := serverMessage{Type: string(ev.Type()), SessionID: ev.SessionID(), Payload: ev.Payload()}
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.h.logger.Warn(context.Background(), "outbound queue full, dropping event",
			"session_id", c.sessionID, "type", ev.Type())
	}
}

// writePump is the only goroutine writing to the socket. It drains the send
// queue and emits protocol pings every heartbeat cycle.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.h.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown stops the session's audio stream before releasing the connection
// record so no external stream outlives its transport. Idempotent.
func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		ctx := context.Background()
		c.h.connector.Stop(ctx, c.sessionID)
		c.h.unregister(c)
		close(c.done)
		c.conn.Close()
		c.h.metrics.IncCounter(telemetry.MetricTransportDisconnects, 1)
		c.h.logger.Info(ctx, "transport disconnected", "session_id", c.sessionID)
	})
}
