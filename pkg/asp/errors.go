package asp

import "fmt"

// Error codes are grouped by the subsystem that raised them:
//
//	1xxx  protocol (framing, handshake, versioning)
//	2xxx  audio configuration
//	3xxx  VAD configuration
//	4xxx  session lifecycle
//
// Each code carries a recoverable flag indicating whether the peer may retry
// on the same transport.
const (
	CodeInvalidMessage    = 1001
	CodeHandshakeTimeout  = 1002
	CodeUnexpectedMessage = 1003
	CodeVersionMismatch   = 1004

	CodeUnsupportedSampleRate    = 2001
	CodeUnsupportedEncoding      = 2002
	CodeUnsupportedFrameDuration = 2003

	CodeVADNotConfigurable = 3001

	CodeUnknownSession   = 4001
	CodeDuplicateSession = 4002
	CodeSessionIdle      = 4003
	CodeAudioImmutable   = 4004
)

// Session end reasons reported in session.ended.
const (
	ReasonClientRequest = "client_request"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonMaxDuration   = "max_duration"
	ReasonPeerClosed    = "peer_closed"
	ReasonServerError   = "server_error"
)

// ProtocolError is a structured protocol-level error. It is both sent on the
// wire inside protocol.error / session.started messages and returned from
// negotiation functions.
type ProtocolError struct {
	Code        int            `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("asp: error %d: %s (recoverable=%t)", e.Code, e.Message, e.Recoverable)
}

// NewError constructs a ProtocolError with the given code and message.
func NewError(code int, msg string, recoverable bool) *ProtocolError {
	return &ProtocolError{Code: code, Message: msg, Recoverable: recoverable}
}

// WithDetail attaches a key/value pair to the error's details map and returns
// the error for chaining.
func (e *ProtocolError) WithDetail(key string, value any) *ProtocolError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
