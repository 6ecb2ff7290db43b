package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/internal/bus"
	"github.com/relaywire/relaywire/internal/config"
	"github.com/relaywire/relaywire/internal/presence"
)

// relayEventType is the bus event type used for all session-group traffic published by the hub.
const relayEventType = "relay_message"

// maxSessionIDLength is the truncation boundary applied by SanitizeSessionID.
const maxSessionIDLength = 80

// SanitizeSessionID replaces every byte outside [A-Za-z0-9_.-] with "_" and truncates the result to 80 bytes, per the
// session_id boundary behaviour. It must be applied to the URL path segment before it is used as a presence or bus
// group key.
func SanitizeSessionID(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9', b == '_', b == '.', b == '-':
			out = append(out, b)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > maxSessionIDLength {
		out = out[:maxSessionIDLength]
	}
	return string(out)
}

// relayPayload is the envelope published to a session's bus channel by handleBroadcast, and decoded by every
// instance's session dispatcher to apply the routing policy.
type relayPayload struct {
	SenderRole    string          `json:"sender_role"`
	SenderChannel string          `json:"sender_channel"`
	Msg           string          `json:"msg,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// sessionLocal tracks the local (this-instance) state for one session: its connected clients, its bus subscription,
// and the means to stop that subscription's dispatcher when the last local client leaves.
type sessionLocal struct {
	clients map[string]*Client // connection_id -> client
	sub     *bus.Subscription
	cancel  context.CancelFunc
}

// Hub is the central WebSocket connection registry and event router. It admits connections, enforces the role
// handshake, applies the routing policy of section 4.3.4, and keeps the presence store warm while a connection is
// live. One Hub exists per relay process; cross-instance fan-out is delegated entirely to the Fan-out Bus.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLocal

	cfg      *config.Config
	presence *presence.Store
	bus      *bus.Bus
	resume   *ResumeStore
	log      zerolog.Logger
}

// NewHub creates a new session hub.
func NewHub(cfg *config.Config, presenceStore *presence.Store, fanout *bus.Bus, resume *ResumeStore, logger zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*sessionLocal),
		cfg:      cfg,
		presence: presenceStore,
		bus:      fanout,
		resume:   resume,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket admits a newly upgraded connection into the given session. It blocks for the lifetime of the
// connection; the caller (the HTTP layer's upgrade handler) should invoke it directly from the upgrade callback.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, sessionID string) {
	h.mu.RLock()
	total := 0
	for _, s := range h.sessions {
		total += len(s.clients)
	}
	h.mu.RUnlock()
	if total >= h.cfg.GatewayMaxConnections {
		h.log.Warn().Int("total", total).Msg("Rejecting connection, at max connections")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseMaxConnections, "relay at capacity"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	connectionID := uuid.New().String()
	client := newClient(h, conn, sessionID, connectionID, h.log)

	h.registerLocal(client)

	connected, err := newConnectedFrame(sessionID, connectionID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build connected frame")
		h.unregister(client)
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, connected); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send connected frame")
		h.unregister(client)
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// registerLocal adds a connection to the session's local client set, creating the session's bus subscription and
// dispatcher goroutine if this is the first local connection for it.
func (h *Hub) registerLocal(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[client.SessionID()]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sess = &sessionLocal{
			clients: make(map[string]*Client),
			sub:     h.bus.Subscribe(ctx, client.SessionID()),
			cancel:  cancel,
		}
		h.sessions[client.SessionID()] = sess
		go h.dispatchSession(client.SessionID(), sess.sub)
	}
	sess.clients[client.ConnectionID()] = client
}

// unregister removes a client from the hub, tearing down its session's subscription if it was the last local
// connection, and clears the connection's presence record.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	sess, ok := h.sessions[client.SessionID()]
	if ok {
		delete(sess.clients, client.ConnectionID())
		if len(sess.clients) == 0 {
			sess.cancel()
			_ = sess.sub.Close()
			delete(h.sessions, client.SessionID())
		}
	}
	h.mu.Unlock()

	client.closeSend()

	if client.IsRegistered() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.Remove(ctx, client.SessionID(), client.ConnectionID()); err != nil {
			h.log.Warn().Err(err).Str("connection_id", client.ConnectionID()).Msg("Failed to remove presence on disconnect")
		}
	}

	h.log.Debug().Str("connection_id", client.ConnectionID()).Str("session_id", client.SessionID()).Msg("Client unregistered")
}

// handleHello processes the role handshake. On success it upserts presence, starts a refresh goroutine, and replies
// with hello_ack; on a missing or invalid user_type it emits a structured error and closes the socket with 4401, and
// if the presence store is unavailable it closes with CloseInternalError.
func (h *Hub) handleHello(client *Client, userType string) {
	role := presence.Role(normalizeRole(userType))

	if userType == "" {
		client.sendError("user_type_required", ErrUserTypeRequired.Error())
		client.closeWithCode(CloseUnauthorized, "user_type required")
		client.closeSend()
		return
	}
	if !presence.ValidRole(string(role)) {
		client.sendError("invalid_user_type", ErrInvalidUserType.Error())
		client.closeWithCode(CloseUnauthorized, "invalid user_type")
		client.closeSend()
		return
	}

	if !client.latchRole(role) {
		// Already registered; a later hello is ignored per the role-immutability invariant.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Upsert(ctx, client.SessionID(), client.ConnectionID(), role, h.cfg.PresenceTTL); err != nil {
		h.log.Error().Err(err).Str("connection_id", client.ConnectionID()).Msg("Presence store unavailable during admission")
		client.sendError("internal_error", "presence store unavailable")
		client.closeWithCode(CloseInternalError, "presence store unavailable")
		client.closeSend()
		return
	}

	go h.refreshLoop(client)

	ack, err := newHelloAckFrame(client.SessionID(), client.ConnectionID(), string(role))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build hello_ack frame")
		return
	}
	client.enqueue(ack)

	h.log.Info().Str("connection_id", client.ConnectionID()).Str("session_id", client.SessionID()).
		Str("role", string(role)).Msg("Connection admitted")

	h.notifyResumeAvailable(client)
}

// notifyResumeAvailable tells a newly admitted client how many frames it could replay via a "resume" request, if
// any. Best-effort: a buffer read failure just means the client doesn't get the hint, it isn't fatal to admission.
func (h *Hub) notifyResumeAvailable(client *Client) {
	if h.resume == nil || client.Role() != presence.RolePatient {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	count, err := h.resume.Count(ctx, client.SessionID())
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", client.SessionID()).Msg("Failed to check resume buffer")
		return
	}
	if count == 0 {
		return
	}

	frame, err := newResumeAvailableFrame(int(count))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build resume_available frame")
		return
	}
	client.enqueue(frame)
}

// handleResume replays a session's buffered frames directly to the requesting client, oldest first. The client must
// already be admitted as a patient and must echo back the resume_token it was handed on connect/hello_ack, which is
// just the session_id: this keeps resume scoped to the session the connection was actually admitted into.
func (h *Hub) handleResume(client *Client, frame InboundFrame) {
	if !client.IsRegistered() {
		client.sendError("not_admitted", ErrNotRegistered.Error())
		return
	}
	if client.Role() != presence.RolePatient {
		client.sendError("resume_unavailable", "resume is only available to patients")
		return
	}
	if h.resume == nil {
		client.sendError("resume_unavailable", "resume is not enabled")
		return
	}

	req, err := parseResumeRequest(frame.Data)
	if err != nil || req.ResumeToken != client.SessionID() {
		client.sendError("invalid_resume_token", "resume_token does not match this session")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames, err := h.resume.Replay(ctx, client.SessionID())
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", client.SessionID()).Msg("Resume replay failed")
		client.sendError("internal_error", "resume buffer unavailable")
		return
	}

	for _, f := range frames {
		client.enqueue(f)
	}
}

// refreshLoop periodically extends the connection's presence TTL until the connection closes. A failed refresh is
// logged and retried at the next tick rather than dropping the client, per the presence failure semantics.
func (h *Hub) refreshLoop(client *Client) {
	interval := time.Duration(h.cfg.PresenceRefreshSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := h.presence.Refresh(ctx, client.ConnectionID(), h.cfg.PresenceTTL)
			cancel()
			if err != nil {
				h.log.Warn().Err(err).Str("connection_id", client.ConnectionID()).Msg("Presence refresh failed, retrying next tick")
				continue
			}
			if !ok {
				// The record expired or was never written (e.g. the process restarted); re-upsert from scratch.
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := h.presence.Upsert(ctx, client.SessionID(), client.ConnectionID(), client.Role(), h.cfg.PresenceTTL); err != nil {
					h.log.Warn().Err(err).Str("connection_id", client.ConnectionID()).Msg("Presence re-upsert failed")
				}
				cancel()
			}
		}
	}
}

// handlePresenceQuery answers a "presence" control message with the current membership of the connection's session.
func (h *Hub) handlePresenceQuery(client *Client) {
	if !client.IsRegistered() {
		client.sendError("not_admitted", ErrNotRegistered.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members, err := h.presence.List(ctx, client.SessionID(), true)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", client.SessionID()).Msg("Presence list failed")
		client.sendError("internal_error", "presence store unavailable")
		return
	}

	views := make([]presenceMemberView, len(members))
	byType := make(map[string]int)
	for i, m := range members {
		views[i] = presenceMemberView{
			ConnectionID: m.ConnectionID,
			UserType:     string(m.Role),
			ConnectedAt:  m.ConnectedAt.Unix(),
			LastSeen:     m.LastSeen.Unix(),
		}
		byType[string(m.Role)]++
	}

	frame, err := newPresenceFrame(views, byType)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build presence frame")
		return
	}
	client.enqueue(frame)
}

// handleBroadcast publishes a client's message to the session group. A publish failure surfaces as a structured error
// to the publishing connection only; other subscribers are unaffected.
func (h *Hub) handleBroadcast(client *Client, frame InboundFrame) {
	if !client.IsRegistered() {
		client.sendError("not_admitted", ErrNotRegistered.Error())
		client.closeWithCode(CloseUnauthorized, "broadcast before admission")
		client.closeSend()
		return
	}

	payload := relayPayload{
		SenderRole:    string(client.Role()),
		SenderChannel: client.ConnectionID(),
		Msg:           frame.Msg,
		Data:          frame.Data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, client.SessionID(), relayEventType, payload); err != nil {
		h.log.Warn().Err(err).Str("session_id", client.SessionID()).Msg("Bus publish failed")
		client.sendError("bus_unavailable", "message could not be delivered")
	}
}

// handleUnknown echoes an unrecognised message back to its sender only. It is never published to the session group.
func (h *Hub) handleUnknown(client *Client, raw []byte) {
	frame, err := newEchoFrame(raw)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build echo frame")
		return
	}
	client.enqueue(frame)
}

// dispatchSession reads decoded relay messages from a session's bus subscription and applies the routing policy of
// section 4.3.4 to every local client currently attached to that session. It runs for the lifetime of the session's
// first-to-last local connection.
func (h *Hub) dispatchSession(sessionID string, sub *bus.Subscription) {
	for msg := range sub.C() {
		if msg.Type != relayEventType {
			continue
		}

		var payload relayPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.log.Warn().Err(err).Str("session_id", sessionID).Msg("Dropping malformed relay payload")
			continue
		}

		h.mu.RLock()
		sess, ok := h.sessions[sessionID]
		var targets []*Client
		if ok {
			targets = make([]*Client, 0, len(sess.clients))
			for _, c := range sess.clients {
				targets = append(targets, c)
			}
		}
		h.mu.RUnlock()

		for _, c := range targets {
			h.deliverToClient(sessionID, c, payload)
		}

		h.appendResume(sessionID, payload)
	}
}

// appendResume records the patient-visible (unblanked) rendering of a delivered message in the session's resume
// buffer, once per message rather than once per recipient. Reconnecting patients replay from this buffer; operators
// do not use it, so the blanking rule applied to live operator deliveries is irrelevant here.
func (h *Hub) appendResume(sessionID string, payload relayPayload) {
	if h.resume == nil {
		return
	}

	frameType := FrameSessionMessage
	if presence.Role(payload.SenderRole) == presence.RoleAI {
		frameType = FrameBroadcast
	}

	out, err := newRelayFrame(frameType, payload.SenderRole, payload.Msg, payload.Data)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.resume.Append(ctx, sessionID, out); err != nil {
		h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to append resume buffer")
	}
}

// deliverToClient applies the routing policy for a single recipient: self-delivery suppression, then the
// operator/AI/default visibility rules.
func (h *Hub) deliverToClient(sessionID string, c *Client, payload relayPayload) {
	if !c.IsRegistered() {
		return
	}
	// Rule 1: no self-delivery. Applied uniformly to both session_message and broadcast paths.
	if c.ConnectionID() == payload.SenderChannel {
		return
	}

	var frameType, msg string
	var data json.RawMessage

	switch presence.Role(payload.SenderRole) {
	case presence.RoleOperator:
		// Rule 2: operator messages are visible only to patients.
		if c.Role() != presence.RolePatient {
			return
		}
		frameType, msg, data = FrameSessionMessage, payload.Msg, payload.Data

	case presence.RoleAI:
		// Rule 3: AI replies go out as broadcast frames; operators see the frame but not the content.
		frameType = FrameBroadcast
		msg, data = payload.Msg, payload.Data
		if c.Role() == presence.RoleOperator {
			msg = ""
			data = blankContent(data)
		}

	default:
		// Rule 4: patient-sourced (or any other) messages go to everyone else under session_message.
		frameType, msg, data = FrameSessionMessage, payload.Msg, payload.Data
	}

	out, err := newRelayFrame(frameType, payload.SenderRole, msg, data)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build relay frame")
		return
	}
	c.enqueue(out)
}

// Shutdown closes all locally-held connections with a going-away close code and stops every session dispatcher. It
// does not touch presence records for other instances' connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, sess := range h.sessions {
		sess.cancel()
		_ = sess.sub.Close()
		for _, client := range sess.clients {
			client.closeSend()
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			_ = client.conn.Close()
		}
		delete(h.sessions, sessionID)
	}
	h.log.Info().Msg("Session hub shut down")
}

// ClientCount returns the number of connections currently held by this instance, across all sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, sess := range h.sessions {
		total += len(sess.clients)
	}
	return total
}

func normalizeRole(userType string) string {
	out := make([]byte, 0, len(userType))
	for i := 0; i < len(userType); i++ {
		b := userType[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out = append(out, b)
	}
	return string(out)
}
