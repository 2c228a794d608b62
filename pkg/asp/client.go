package asp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Default client-side timing budget.
const (
	DefaultWaitCaps        = 5 * time.Second
	DefaultClientHandshake = 10 * time.Second
)

// Event is the sum type of everything the server pushes to a connected
// client. The client surfaces all server activity through a single channel
// of these variants so the consumer can run one select loop.
type Event interface{ isEvent() }

// AudioEvent carries one outbound (AI → caller) PCM payload.
type AudioEvent struct{ PCM []byte }

// SpeechStartEvent mirrors audio.speech_start.
type SpeechStartEvent struct{}

// SpeechEndEvent mirrors audio.speech_end.
type SpeechEndEvent struct{ DurationMs int }

// ResponseStartEvent mirrors response.start.
type ResponseStartEvent struct{}

// ResponseEndEvent mirrors response.end.
type ResponseEndEvent struct{}

// CallActionEvent mirrors call.action.
type CallActionEvent struct {
	Action string
	Target string
	Reason string
}

// UpdatedEvent confirms a session.update round trip.
type UpdatedEvent struct {
	VAD         VADConfig
	Adjustments []Adjustment
}

// EndedEvent reports session termination by the server.
type EndedEvent struct{ Reason string }

// ErrorEvent surfaces a protocol.error pushed by the server.
type ErrorEvent struct{ Err *ProtocolError }

// ClosedEvent is the final event on the channel; the channel is closed
// immediately after it.
type ClosedEvent struct{ Err error }

func (AudioEvent) isEvent()         {}
func (SpeechStartEvent) isEvent()   {}
func (SpeechEndEvent) isEvent()     {}
func (ResponseStartEvent) isEvent() {}
func (ResponseEndEvent) isEvent()   {}
func (CallActionEvent) isEvent()    {}
func (UpdatedEvent) isEvent()       {}
func (EndedEvent) isEvent()         {}
func (ErrorEvent) isEvent()         {}
func (ClosedEvent) isEvent()        {}

// ClientConfig describes one session the client should open.
type ClientConfig struct {
	URL       string
	SessionID string
	CallID    string
	Metadata  map[string]string

	// Audio and VAD are the requested configuration; nil blocks negotiate
	// as defaults.
	Audio *AudioConfig
	VAD   *VADConfig

	// WaitCaps bounds the wait for protocol.capabilities before falling back
	// to legacy mode. Handshake bounds the wait for session.started.
	WaitCaps  time.Duration
	Handshake time.Duration

	// EventBuffer is the capacity of the Events channel. Default 64.
	EventBuffer int

	Logger *slog.Logger
}

// ErrSessionClosed is returned when sending on a client whose session has
// already been torn down.
var ErrSessionClosed = errors.New("asp: session closed")

// SessionRejectedError is returned by Dial when the server answered
// session.started with status rejected.
type SessionRejectedError struct {
	Errors []*ProtocolError
}

func (e *SessionRejectedError) Error() string {
	if len(e.Errors) == 0 {
		return "asp: session rejected"
	}
	return fmt.Sprintf("asp: session rejected: %s", e.Errors[0].Message)
}

// Client is the dialing side of the protocol: it negotiates one session and
// then exchanges audio and control frames with the AI service.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	logger *slog.Logger

	negotiated NegotiatedConfig
	caps       Capabilities
	legacy     bool
	hash       uint64

	writeMu   sync.Mutex
	events    chan Event
	available atomic.Bool
	closeOnce sync.Once
}

// Dial connects, runs the handshake, and starts the reader. When the server
// never sends capabilities within WaitCaps the client degrades to legacy
// mode: default config, headerless audio frames, no control channel.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.WaitCaps == 0 {
		cfg.WaitCaps = DefaultWaitCaps
	}
	if cfg.Handshake == 0 {
		cfg.Handshake = DefaultClientHandshake
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("asp: dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With("component", "asp-client", "session_id", cfg.SessionID),
		events: make(chan Event, cfg.EventBuffer),
		hash:   SessionHash(cfg.SessionID),
	}

	if err := c.handshake(ctx); err != nil {
		conn.CloseNow()
		return nil, err
	}

	c.available.Store(true)
	go c.readLoop(context.WithoutCancel(ctx))
	return c, nil
}

// handshake performs the capability wait, negotiation request, and result
// processing.
func (c *Client) handshake(ctx context.Context) error {
	capsCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitCaps)
	typ, data, err := c.conn.Read(capsCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("asp: handshake: %w", ctx.Err())
		}
		// No capabilities frame: pre-protocol server, run legacy.
		c.legacy = true
		c.negotiated = NegotiatedConfig{Audio: DefaultAudioConfig(), VAD: DefaultVADConfig()}
		c.logger.Info("no capabilities received, falling back to legacy mode")
		return nil
	}
	if typ != websocket.MessageText {
		return errors.New("asp: expected protocol.capabilities, got binary frame")
	}
	msg, perr := Parse(data)
	if perr != nil {
		return perr
	}
	capsMsg, ok := msg.(*CapabilitiesMessage)
	if !ok {
		return fmt.Errorf("asp: expected protocol.capabilities, got %s", msg.MessageType())
	}
	c.caps = capsMsg.Capabilities

	start := &SessionStart{
		SessionID: c.cfg.SessionID,
		CallID:    c.cfg.CallID,
		Version:   Version,
		Audio:     c.cfg.Audio,
		VAD:       c.cfg.VAD,
		Metadata:  c.cfg.Metadata,
	}
	if err := c.SendControl(ctx, start); err != nil {
		return err
	}

	startedCtx, cancel := context.WithTimeout(ctx, c.cfg.Handshake)
	defer cancel()
	for {
		_, data, err := c.conn.Read(startedCtx)
		if err != nil {
			return fmt.Errorf("asp: waiting for session.started: %w", err)
		}
		msg, perr := Parse(data)
		if perr != nil {
			return perr
		}
		switch m := msg.(type) {
		case *SessionStarted:
			if m.Status == StatusRejected {
				return &SessionRejectedError{Errors: m.Errors}
			}
			if m.Negotiated == nil {
				return errors.New("asp: session.started carries no negotiated config")
			}
			c.negotiated = *m.Negotiated
			if m.Status == StatusAcceptedWithChanges {
				for _, adj := range m.Negotiated.Adjustments {
					c.logger.Info("negotiation adjusted field",
						"field", adj.Field,
						"requested", adj.Requested,
						"applied", adj.Applied,
					)
				}
			}
			return nil
		case *ProtocolErrorMessage:
			if m.Error != nil && !m.Error.Recoverable {
				return m.Error
			}
			// Recoverable pre-session error: keep waiting.
		default:
			// The server must not start pushing session traffic before
			// session.started; anything else here is a hard failure.
			return fmt.Errorf("asp: unexpected %s during handshake", msg.MessageType())
		}
	}
}

// Events returns the server-event channel. It is closed after a final
// ClosedEvent once the connection is gone.
func (c *Client) Events() <-chan Event { return c.events }

// Negotiated returns the active session configuration.
func (c *Client) Negotiated() NegotiatedConfig { return c.negotiated }

// Capabilities returns the server's declared capabilities (zero value in
// legacy mode).
func (c *Client) Capabilities() Capabilities { return c.caps }

// Legacy reports whether the session runs in pre-protocol fallback mode.
func (c *Client) Legacy() bool { return c.legacy }

// Available reports whether the transport is connected and the handshake has
// completed. The fork manager latches this as the consumer availability
// signal.
func (c *Client) Available() bool { return c.available.Load() }

// SendControl writes a control message. Legacy sessions have no control
// channel; the message is dropped with a debug log.
func (c *Client) SendControl(ctx context.Context, msg Message) error {
	if c.legacy {
		c.logger.Debug("dropping control message in legacy mode", "type", msg.MessageType())
		return nil
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio writes one inbound (caller → AI) audio frame.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	data := pcm
	if !c.legacy {
		data = EncodeFrame(DirectionInbound, c.hash, pcm)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// UpdateVAD requests a mid-session VAD change. The applied config arrives as
// an UpdatedEvent.
func (c *Client) UpdateVAD(ctx context.Context, vad VADConfig) error {
	return c.SendControl(ctx, &SessionUpdate{SessionID: c.cfg.SessionID, VAD: &vad})
}

// End requests session termination and closes the transport.
func (c *Client) End(ctx context.Context, reason string) error {
	err := c.SendControl(ctx, &SessionEnd{SessionID: c.cfg.SessionID, Reason: reason})
	c.Close()
	return err
}

// Close tears the transport down. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.available.Store(false)
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
}

// readLoop translates wire traffic into Events until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.available.Store(false)
		close(c.events)
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.deliver(ClosedEvent{Err: err})
			return
		}

		if typ == websocket.MessageBinary {
			pcm := data
			if !c.legacy {
				hdr, payload, err := ParseFrame(data)
				if err != nil || hdr.Direction != DirectionOutbound || hdr.Hash != c.hash {
					continue
				}
				pcm = payload
			}
			// Copy: the websocket buffer is reused by the next Read.
			out := make([]byte, len(pcm))
			copy(out, pcm)
			c.deliver(AudioEvent{PCM: out})
			continue
		}

		msg, perr := Parse(data)
		if perr != nil {
			c.logger.Warn("unparseable control message", "err", perr)
			continue
		}
		switch m := msg.(type) {
		case *SpeechStart:
			c.deliver(SpeechStartEvent{})
		case *SpeechEnd:
			c.deliver(SpeechEndEvent{DurationMs: m.DurationMs})
		case *ResponseStart:
			c.deliver(ResponseStartEvent{})
		case *ResponseEnd:
			c.deliver(ResponseEndEvent{})
		case *CallAction:
			c.deliver(CallActionEvent{Action: m.Action, Target: m.Target, Reason: m.Reason})
		case *SessionUpdated:
			c.deliver(UpdatedEvent{VAD: m.VAD, Adjustments: m.Adjustments})
		case *SessionEnded:
			c.deliver(EndedEvent{Reason: m.Reason})
		case *ProtocolErrorMessage:
			c.deliver(ErrorEvent{Err: m.Error})
		default:
			c.logger.Warn("unexpected message type", "type", msg.MessageType())
		}
	}
}

// deliver pushes an event without ever blocking the reader; when the consumer
// lags, the oldest queued event is discarded first. Audio overflow policy is
// drop-oldest per the bounded-queue contract.
func (c *Client) deliver(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}
