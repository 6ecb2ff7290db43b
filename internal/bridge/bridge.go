// Package bridge runs the worker side of the relay protocol: it dials back into the gateway as an "ai" participant
// for a session, listens for chat turns, and streams generated replies back onto the session as broadcast frames.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/internal/collaborator"
	"github.com/relaywire/relaywire/internal/config"
)

// ErrSessionIDRequired is returned when Registry.Start is called with an empty session_id.
var ErrSessionIDRequired = errors.New("bridge: session_id is required")

// ErrRelayNotConfigured is returned when the relay WebSocket endpoint has not been configured.
var ErrRelayNotConfigured = errors.New("bridge: relay_url is not configured")

const (
	connectedWaitTimeout = 3 * time.Second
	helloAckWaitTimeout  = 3 * time.Second
)

// task tracks one in-flight bridge connection for a session.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Registry starts and tracks at most one active worker bridge connection per session. Starting a bridge for a
// session that already has a live connection is a no-op; starting one for a session whose previous connection has
// since finished discards the stale entry and starts fresh.
type Registry struct {
	cfg *config.Config
	llm *collaborator.Client
	log zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// NewRegistry builds a Registry. cfg supplies the relay dial target and the shared secret; llm is the generation
// client used to produce replies.
func NewRegistry(cfg *config.Config, llm *collaborator.Client, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:   cfg,
		llm:   llm,
		log:   logger,
		tasks: make(map[string]*task),
	}
}

// Start launches a worker bridge connection for sessionID if one is not already running, returning immediately
// without waiting for the outbound connection to establish. It returns an error only for invalid preconditions
// (empty session_id, unconfigured relay endpoint) — a failed dial is logged and ends that task without a retry; it is
// not surfaced here.
func (r *Registry) Start(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionIDRequired
	}
	if r.cfg.RelayURL == "" {
		return ErrRelayNotConfigured
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[sessionID]; ok && !existing.isDone() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[sessionID] = t

	go r.run(ctx, sessionID, t)
	return nil
}

// Stop cancels the bridge connection for sessionID, if one is running.
func (r *Registry) Stop(sessionID string) {
	r.mu.Lock()
	t, ok := r.tasks[sessionID]
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
}

func (r *Registry) run(ctx context.Context, sessionID string, t *task) {
	defer close(t.done)
	defer func() {
		r.mu.Lock()
		if r.tasks[sessionID] == t {
			delete(r.tasks, sessionID)
		}
		r.mu.Unlock()
	}()

	log := r.log.With().Str("session_id", sessionID).Logger()
	if err := r.serve(ctx, sessionID, log); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("bridge connection ended")
	}
}

// serve dials the gateway for sessionID, completes the hello handshake, and processes chat turns until the
// connection closes, the context is cancelled, or a generation escalates (which ends the bridge's participation in
// the session).
func (r *Registry) serve(ctx context.Context, sessionID string, log zerolog.Logger) error {
	conn, err := r.dial(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	drainFrame(conn, connectedWaitTimeout)

	if err := sendFrame(conn, outboundFrame{Type: "hello", UserType: "ai"}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	drainFrame(conn, helloAckWaitTimeout)

	log.Info().Msg("bridge connected")

	for {
		_ = conn.SetReadDeadline(time.Time{})
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var inbound inboundFrame
		if err := json.Unmarshal(raw, &inbound); err != nil {
			log.Warn().Err(err).Msg("bridge: could not decode frame")
			continue
		}
		if inbound.Type != "session_message" {
			continue
		}

		var data chatData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			continue
		}
		if data.Type != "chat" && data.Type != "chat_message" {
			continue
		}

		req, err := parseChatRequest(sessionID, data)
		if err != nil {
			sendError(conn, err.Error())
			sendEnd(conn)
			continue
		}

		shouldDisconnect := r.generate(ctx, conn, req, log)
		if shouldDisconnect {
			return nil
		}
	}
}

// generate runs one streaming reply and forwards every event as a broadcast frame. It returns true if the
// generation escalated, meaning the bridge should stop serving this session. Breaking out of the range loop on a
// send failure stops StreamReply's iterator too, closing its response body without draining the rest of the stream.
func (r *Registry) generate(ctx context.Context, conn *websocket.Conn, req collaborator.ChatRequest, log zerolog.Logger) bool {
	shouldDisconnect := false

	for event, err := range r.llm.StreamReply(ctx, req) {
		if err != nil {
			log.Error().Err(err).Str("thread_id", req.ThreadID).Msg("generation failed")
			sendError(conn, "generation failed")
			sendEnd(conn)
			return false
		}

		if event.Type == "escalation" && event.ShouldEscalate {
			shouldDisconnect = true
		}
		if sendErr := sendFrame(conn, outboundFrame{Type: "broadcast", Data: mustMarshal(event)}); sendErr != nil {
			log.Warn().Err(sendErr).Str("thread_id", req.ThreadID).Msg("failed to forward generation event")
			return shouldDisconnect
		}
	}

	return shouldDisconnect
}

func (r *Registry) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	header := http.Header{}
	if r.cfg.RelayOrigin != "" {
		header.Set("Origin", r.cfg.RelayOrigin)
	}
	if r.cfg.SharedSecret != "" {
		header.Set("X-API-KEY", r.cfg.SharedSecret)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: r.cfg.BridgeConnectTimeout,
	}
	url := strings.TrimRight(r.cfg.RelayURL, "/") + "/ws/session/" + sessionID + "/"
	conn, _, err := dialer.DialContext(ctx, url, header)
	return conn, err
}

type outboundFrame struct {
	Type     string          `json:"type"`
	UserType string          `json:"user_type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type chatData struct {
	Type              string          `json:"type"`
	Message           string          `json:"message"`
	ThreadID          string          `json:"thread_id"`
	Channel           string          `json:"channel"`
	Invoice           json.RawMessage `json:"invoice"`
	StripePaymentLink string          `json:"stripe_payment_link"`
	StripeLink        string          `json:"stripe_link"`
	WebAppLink        string          `json:"web_app_link"`
	WebappLink        string          `json:"webapp_link"`
}

// parseChatRequest validates an inbound chat payload and fills in the defaults the original worker applies:
// thread_id falls back to the session's own id, channel is lowercased and falls back to "web" if absent or
// unrecognized, and the payment/web-app links fall back to the equivalent invoice fields.
func parseChatRequest(sessionID string, data chatData) (collaborator.ChatRequest, error) {
	message := strings.TrimSpace(data.Message)
	if message == "" {
		return collaborator.ChatRequest{}, errors.New("message is required")
	}

	threadID := data.ThreadID
	if threadID == "" {
		threadID = sessionID
	}

	channel := strings.ToLower(strings.TrimSpace(data.Channel))
	switch channel {
	case "web", "sms":
	default:
		channel = "web"
	}

	stripeLink := firstNonEmpty(data.StripePaymentLink, data.StripeLink, invoiceField(data.Invoice, "stripe_payment_link"))
	webAppLink := firstNonEmpty(data.WebAppLink, data.WebappLink, invoiceField(data.Invoice, "web_app_link"))

	return collaborator.ChatRequest{
		ThreadID:          threadID,
		Message:           message,
		Channel:           channel,
		Invoice:           data.Invoice,
		StripePaymentLink: stripeLink,
		WebAppLink:        webAppLink,
	}, nil
}

func invoiceField(invoice json.RawMessage, field string) string {
	if len(invoice) == 0 {
		return ""
	}
	var fields map[string]string
	if err := json.Unmarshal(invoice, &fields); err != nil {
		return ""
	}
	return fields[field]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sendFrame(conn *websocket.Conn, frame outboundFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func sendError(conn *websocket.Conn, detail string) {
	_ = sendFrame(conn, outboundFrame{Type: "broadcast", Data: mustMarshal(map[string]string{"type": "error", "content": detail})})
}

func sendEnd(conn *websocket.Conn) {
	_ = sendFrame(conn, outboundFrame{Type: "broadcast", Data: mustMarshal(map[string]string{"type": "end", "content": ""})})
}

// drainFrame reads and discards one frame with a short deadline, best-effort. It is used to drain the "connected"
// and "hello_ack" frames the gateway sends during admission, which the bridge does not act on.
func drainFrame(conn *websocket.Conn, timeout time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, _, _ = conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
