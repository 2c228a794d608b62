package asp

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags. Control messages are UTF-8 JSON text frames; every
// message carries "type" and an ISO-8601 "timestamp", and session-bound
// messages additionally carry "session_id".
const (
	TypeCapabilities   = "protocol.capabilities"
	TypeSessionStart   = "session.start"
	TypeSessionStarted = "session.started"
	TypeSessionUpdate  = "session.update"
	TypeSessionUpdated = "session.updated"
	TypeSessionEnd     = "session.end"
	TypeSessionEnded   = "session.ended"
	TypeProtocolError  = "protocol.error"
	TypeSpeechStart    = "audio.speech_start"
	TypeSpeechEnd      = "audio.speech_end"
	TypeResponseStart  = "response.start"
	TypeResponseEnd    = "response.end"
	TypeCallAction     = "call.action"
)

// Session negotiation statuses carried in session.started.
const (
	StatusAccepted            = "accepted"
	StatusAcceptedWithChanges = "accepted_with_changes"
	StatusRejected            = "rejected"
)

// Call actions carried in call.action.
const (
	ActionTransfer = "transfer"
	ActionHangup   = "hangup"
)

// Message is the sum type over all control messages. Parse returns exactly
// one of the concrete variants below.
type Message interface {
	// MessageType returns the wire type tag.
	MessageType() string
}

// CapabilitiesMessage is sent server→client once per connection.
type CapabilitiesMessage struct {
	Type         string       `json:"type"`
	Capabilities Capabilities `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (*CapabilitiesMessage) MessageType() string { return TypeCapabilities }

// SessionStart opens a session. Audio and VAD blocks are optional; absent
// blocks negotiate as defaults.
type SessionStart struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	CallID    string            `json:"call_id,omitempty"`
	Version   string            `json:"version,omitempty"`
	Audio     *AudioConfig      `json:"audio,omitempty"`
	VAD       *VADConfig        `json:"vad,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (*SessionStart) MessageType() string { return TypeSessionStart }

// SessionStarted carries the negotiation outcome.
type SessionStarted struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id"`
	Status     string            `json:"status"`
	Negotiated *NegotiatedConfig `json:"negotiated,omitempty"`
	Errors     []*ProtocolError  `json:"errors,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (*SessionStarted) MessageType() string { return TypeSessionStarted }

// SessionUpdate requests a mid-session VAD change. An audio block here is
// always rejected with 4004; audio parameters are immutable post-accept.
type SessionUpdate struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Audio     *AudioConfig `json:"audio,omitempty"`
	VAD       *VADConfig   `json:"vad,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (*SessionUpdate) MessageType() string { return TypeSessionUpdate }

// SessionUpdated acknowledges a session.update with the applied VAD config.
type SessionUpdated struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id"`
	VAD         VADConfig    `json:"vad"`
	Adjustments []Adjustment `json:"adjustments"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (*SessionUpdated) MessageType() string { return TypeSessionUpdated }

// SessionEnd is the client's request to terminate a session.
type SessionEnd struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (*SessionEnd) MessageType() string { return TypeSessionEnd }

// SessionEnded confirms termination, with a specific reason code.
type SessionEnded struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (*SessionEnded) MessageType() string { return TypeSessionEnded }

// ProtocolErrorMessage surfaces a protocol error to the peer. When the error
// is recoverable the transport stays open.
type ProtocolErrorMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Error     *ProtocolError `json:"error"`
	Timestamp time.Time      `json:"timestamp"`
}

func (*ProtocolErrorMessage) MessageType() string { return TypeProtocolError }

// SpeechStart signals that the server's VAD detected the onset of speech.
type SpeechStart struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (*SpeechStart) MessageType() string { return TypeSpeechStart }

// SpeechEnd signals a completed utterance and its duration.
type SpeechEnd struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	DurationMs int       `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func (*SpeechEnd) MessageType() string { return TypeSpeechEnd }

// ResponseStart marks the beginning of a spoken response cycle.
type ResponseStart struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (*ResponseStart) MessageType() string { return TypeResponseStart }

// ResponseEnd marks the end of a spoken response cycle. It is always
// observable before any call.action of the same cycle.
type ResponseEnd struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (*ResponseEnd) MessageType() string { return TypeResponseEnd }

// CallAction is a control-plane request from the AI service: transfer the
// caller or hang up. At most one per response cycle.
type CallAction struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (*CallAction) MessageType() string { return TypeCallAction }

// envelope is the minimal structure decoded to dispatch on the type tag.
type envelope struct {
	Type string `json:"type"`
}

// Parse decodes a control message into its concrete variant. Unknown type
// tags and malformed JSON return a *ProtocolError with code 1001.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed JSON: "+err.Error(), true)
	}

	var msg Message
	switch env.Type {
	case TypeCapabilities:
		msg = &CapabilitiesMessage{}
	case TypeSessionStart:
		msg = &SessionStart{}
	case TypeSessionStarted:
		msg = &SessionStarted{}
	case TypeSessionUpdate:
		msg = &SessionUpdate{}
	case TypeSessionUpdated:
		msg = &SessionUpdated{}
	case TypeSessionEnd:
		msg = &SessionEnd{}
	case TypeSessionEnded:
		msg = &SessionEnded{}
	case TypeProtocolError:
		msg = &ProtocolErrorMessage{}
	case TypeSpeechStart:
		msg = &SpeechStart{}
	case TypeSpeechEnd:
		msg = &SpeechEnd{}
	case TypeResponseStart:
		msg = &ResponseStart{}
	case TypeResponseEnd:
		msg = &ResponseEnd{}
	case TypeCallAction:
		msg = &CallAction{}
	case "":
		return nil, NewError(CodeInvalidMessage, "missing type tag", true)
	default:
		return nil, NewError(CodeInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type), true)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed "+env.Type+": "+err.Error(), true)
	}
	return msg, nil
}

// Encode serialises a control message, stamping the type tag and, if unset,
// the timestamp. The input is not mutated.
func Encode(msg Message) ([]byte, error) {
	stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("asp: encode %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// stamp fills the Type field and a zero Timestamp on the concrete variant.
func stamp(msg Message) {
	now := time.Now().UTC()
	switch m := msg.(type) {
	case *CapabilitiesMessage:
		m.Type = TypeCapabilities
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SessionStart:
		m.Type = TypeSessionStart
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SessionStarted:
		m.Type = TypeSessionStarted
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SessionUpdate:
		m.Type = TypeSessionUpdate
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SessionUpdated:
		m.Type = TypeSessionUpdated
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SessionEnd:
		m.Type = TypeSessionEnd
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SessionEnded:
		m.Type = TypeSessionEnded
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *ProtocolErrorMessage:
		m.Type = TypeProtocolError
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SpeechStart:
		m.Type = TypeSpeechStart
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *SpeechEnd:
		m.Type = TypeSpeechEnd
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *ResponseStart:
		m.Type = TypeResponseStart
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *ResponseEnd:
		m.Type = TypeResponseEnd
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	case *CallAction:
		m.Type = TypeCallAction
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	}
}
