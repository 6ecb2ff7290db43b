package gateway

import "errors"

// Custom WebSocket close codes used by the relay protocol. Standard codes (1000, 1001) are defined by RFC 6455; the
// 4000 range is reserved for application use.
const (
	// CloseUnauthorized closes a connection that failed the role handshake (missing/invalid user_type), sent a
	// broadcast before completing it, or did not complete it within the admission timeout.
	CloseUnauthorized = 4401
	// CloseRateLimited closes a connection that exceeded the inbound message rate limit.
	CloseRateLimited = 4008
	// CloseDecodeError is not sent by the hub: a frame it cannot parse is answered with a decode_error frame and the
	// socket stays open.
	CloseDecodeError = 4002
	// CloseMaxConnections is sent when the relay is at its configured connection ceiling.
	CloseMaxConnections = 4009
	// CloseInternalError closes a connection that hit an unrecoverable local failure during admission (the presence
	// store was unreachable while processing the role handshake).
	CloseInternalError = 4500
)

// Sentinel errors naming gateway failure modes. The hub uses ErrUserTypeRequired, ErrInvalidUserType and
// ErrNotRegistered as the detail text of error frames; the others are not referenced by the hub.
var (
	ErrInvalidUserType  = errors.New("user_type must be 'patient', 'operator', or 'ai'")
	ErrUserTypeRequired = errors.New("user_type is required")
	ErrNotRegistered    = errors.New("connection has not completed the role handshake")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrDecodeError      = errors.New("payload decode error")
	ErrMaxConnections   = errors.New("maximum connections reached")
)
