package gateway

import (
	"encoding/json"
	"fmt"
)

// Frame kinds exchanged over the session WebSocket. Patient/operator/ai clients all speak the same wire shape;
// behaviour differs by the connection's declared role, not by frame kind.
const (
	FrameConnected       = "connected"
	FrameHello           = "hello"
	FrameHelloAck        = "hello_ack"
	FramePresence        = "presence"
	FrameBroadcast       = "broadcast"
	FrameSessionMessage  = "session_message"
	FrameError           = "error"
	FrameResume          = "resume"
	FrameResumeAvailable = "resume_available"
)

// InboundFrame is the generic shape of a client-to-relay message. Only Type is required; the remaining fields are
// interpreted according to Type.
type InboundFrame struct {
	Type     string          `json:"type"`
	UserType string          `json:"user_type,omitempty"`
	Msg      string          `json:"msg,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// connectedFrame is sent immediately after a successful upgrade, before the role handshake. ResumeToken is the value
// a reconnecting client echoes back in a "resume" request to replay frames it missed for this session; it is the
// session_id itself, since the resume buffer is keyed by session_id and carries no secret the session_id doesn't
// already carry.
type connectedFrame struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	ConnectionID     string `json:"connection_id"`
	UserTypeRequired bool   `json:"user_type_required"`
	ResumeToken      string `json:"resume_token"`
}

func newConnectedFrame(sessionID, connectionID string) ([]byte, error) {
	return json.Marshal(connectedFrame{
		Type:             FrameConnected,
		SessionID:        sessionID,
		ConnectionID:     connectionID,
		UserTypeRequired: true,
		ResumeToken:      sessionID,
	})
}

type helloAckFrame struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	UserType     string `json:"user_type"`
	ResumeToken  string `json:"resume_token"`
}

func newHelloAckFrame(sessionID, connectionID, userType string) ([]byte, error) {
	return json.Marshal(helloAckFrame{
		Type:         FrameHelloAck,
		SessionID:    sessionID,
		ConnectionID: connectionID,
		UserType:     userType,
		ResumeToken:  sessionID,
	})
}

type errorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func newErrorFrame(code, detail string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: FrameError, Error: code, Detail: detail})
}

type presenceMemberView struct {
	ConnectionID string `json:"connection_id"`
	UserType     string `json:"user_type"`
	ConnectedAt  int64  `json:"connected_at"`
	LastSeen     int64  `json:"last_seen"`
}

type presenceFrame struct {
	Type    string               `json:"type"`
	Count   int                  `json:"count"`
	ByType  map[string]int       `json:"by_type"`
	Members []presenceMemberView `json:"members"`
}

func newPresenceFrame(members []presenceMemberView, byType map[string]int) ([]byte, error) {
	return json.Marshal(presenceFrame{
		Type:    FramePresence,
		Count:   len(members),
		ByType:  byType,
		Members: members,
	})
}

// relayFrame is the shape sent to recipients for both session_message (patient/operator-origin) and broadcast
// (ai-origin) delivery. The field name used on the wire (and the value of msg/data for operator recipients of an
// ai-origin frame) is decided by the router, not this constructor.
type relayFrame struct {
	Type     string          `json:"type"`
	UserType string          `json:"user_type"`
	Msg      string          `json:"msg"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func newRelayFrame(frameType, senderUserType, msg string, data json.RawMessage) ([]byte, error) {
	out, err := json.Marshal(relayFrame{Type: frameType, UserType: senderUserType, Msg: msg, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal relay frame: %w", err)
	}
	return out, nil
}

// resumeRequest is the payload of an inbound "resume" frame: a client asking to replay frames buffered for the
// resume_token it was handed on connect/hello_ack.
type resumeRequest struct {
	ResumeToken string `json:"resume_token"`
}

func parseResumeRequest(data json.RawMessage) (resumeRequest, error) {
	var req resumeRequest
	if len(data) == 0 {
		return req, fmt.Errorf("resume request missing data")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode resume request: %w", err)
	}
	return req, nil
}

// resumeAvailableFrame tells a newly admitted client how many buffered frames it can ask to replay for its
// resume_token. Sent once, right after hello_ack, only when the buffer is non-empty.
type resumeAvailableFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func newResumeAvailableFrame(count int) ([]byte, error) {
	return json.Marshal(resumeAvailableFrame{Type: FrameResumeAvailable, Count: count})
}

// echoFrame wraps an unrecognised client message and returns it to the sender only. It is never published to the
// session group.
type echoFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newEchoFrame(original []byte) ([]byte, error) {
	return json.Marshal(echoFrame{Type: "echo", Data: json.RawMessage(original)})
}

// blankContent returns a copy of data with its top-level "content" field, if present, set to the empty string. Used
// to suppress AI reply text for operator recipients while preserving the frame's other fields (e.g. "type").
func blankContent(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	if _, ok := fields["content"]; !ok {
		return data
	}
	fields["content"] = json.RawMessage(`""`)
	blanked, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return blanked
}
