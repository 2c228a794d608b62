package asp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Default server-side timing budget.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultLegacyGate       = 5 * time.Second
	DefaultIdleTimeout      = 300 * time.Second
	DefaultMaxSessionAge    = 3600 * time.Second
)

// Handler receives session lifecycle and media callbacks from the server.
// Callbacks for one session are invoked sequentially from that session's
// reader goroutine; implementations must not block for long.
type Handler interface {
	// SessionStarted fires once negotiation has been accepted (or a legacy
	// session has been admitted). The session is active and may send audio.
	SessionStarted(s *ServerSession)

	// SessionUpdated fires after a successful session.update replaced the
	// session's VAD configuration.
	SessionUpdated(s *ServerSession, vad VADConfig)

	// InboundAudio delivers the PCM payload of one validated inbound binary
	// frame. The slice is only valid for the duration of the call.
	InboundAudio(s *ServerSession, pcm []byte)

	// SessionClosed fires exactly once when the session ends for any reason.
	SessionClosed(s *ServerSession, reason string)
}

// ServerConfig tunes a Server. Zero values select the defaults above.
type ServerConfig struct {
	Capabilities     Capabilities
	HandshakeTimeout time.Duration
	LegacyGate       time.Duration
	IdleTimeout      time.Duration
	MaxSessionAge    time.Duration
	Logger           *slog.Logger
}

// Server is the listening side of the audio session protocol. Each accepted
// WebSocket carries exactly one session.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*ServerSession // keyed by session ID
}

// NewServer creates a Server delivering events to handler.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.Capabilities.Version == "" {
		cfg.Capabilities = DefaultCapabilities()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.LegacyGate == 0 {
		cfg.LegacyGate = DefaultLegacyGate
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxSessionAge == 0 {
		cfg.MaxSessionAge = DefaultMaxSessionAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.With("component", "asp-server"),
		sessions: make(map[string]*ServerSession),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the session until
// the peer disconnects or the session ends.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket accept failed", "err", err)
		return
	}
	// Binary audio frames can be large at 48 kHz; don't let the default
	// 32 KiB read limit kill the connection.
	conn.SetReadLimit(1 << 20)

	srv.serveConn(r.Context(), conn)
}

// ServerSession is one active protocol session on the server side.
type ServerSession struct {
	srv  *Server
	conn *websocket.Conn

	id       string
	callID   string
	metadata map[string]string
	hash     uint64
	legacy   bool

	writeMu sync.Mutex

	cfgMu  sync.RWMutex
	config NegotiatedConfig

	started      time.Time
	lastActivity atomic.Int64 // unix nanos

	// pendingLegacyAudio holds the binary payload that triggered legacy
	// admission; it is delivered as the session's first inbound frame.
	pendingLegacyAudio []byte
	closeOnce          sync.Once
	closeReason        atomic.Pointer[string]
}

// ID returns the session UUID.
func (s *ServerSession) ID() string { return s.id }

// CallID returns the opaque PBX correlation ID, if any.
func (s *ServerSession) CallID() string { return s.callID }

// Metadata returns the client-supplied metadata map (may be nil).
func (s *ServerSession) Metadata() map[string]string { return s.metadata }

// Legacy reports whether this session was admitted through the pre-protocol
// compatibility gate and runs with default config.
func (s *ServerSession) Legacy() bool { return s.legacy }

// Config returns the current negotiated configuration.
func (s *ServerSession) Config() NegotiatedConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config
}

// SendControl writes a control message to the peer.
func (s *ServerSession) SendControl(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio writes one outbound binary audio frame. Legacy sessions receive
// raw PCM without the frame header.
func (s *ServerSession) SendAudio(ctx context.Context, pcm []byte) error {
	data := pcm
	if !s.legacy {
		data = EncodeFrame(DirectionOutbound, s.hash, pcm)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

// End sends session.ended with the given reason and closes the transport.
func (s *ServerSession) End(ctx context.Context, reason string) error {
	err := s.SendControl(ctx, &SessionEnded{SessionID: s.id, Reason: reason})
	s.close(reason)
	return err
}

// close records the reason and shuts the transport; the reader goroutine then
// unwinds and fires SessionClosed exactly once.
func (s *ServerSession) close(reason string) {
	s.closeOnce.Do(func() {
		r := reason
		s.closeReason.Store(&r)
		_ = s.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

func (s *ServerSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *ServerSession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// serveConn runs the handshake state machine and the read loop for one
// connection.
func (srv *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()

	// CONNECTED → CAPS_SENT: capabilities go out immediately on accept.
	caps, err := Encode(&CapabilitiesMessage{Capabilities: srv.cfg.Capabilities})
	if err != nil {
		srv.logger.Error("encode capabilities", "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, caps); err != nil {
		return
	}

	sess, err := srv.handshake(ctx, conn)
	if err != nil {
		srv.logger.Info("handshake failed", "err", err)
		return
	}

	srv.mu.Lock()
	srv.sessions[sess.id] = sess
	srv.mu.Unlock()

	srv.handler.SessionStarted(sess)

	reason := srv.readLoop(ctx, sess)

	srv.mu.Lock()
	delete(srv.sessions, sess.id)
	srv.mu.Unlock()

	if stored := sess.closeReason.Load(); stored != nil {
		reason = *stored
	}
	sess.close(reason)
	srv.handler.SessionClosed(sess, reason)
}

// handshake waits for session.start, negotiates, and replies session.started.
// A binary frame arriving within the legacy gate admits a legacy session with
// default config; a pre-protocol peer sends audio straight away, so binary
// past the gate is dropped and the wait for session.start continues. Total
// silence past the handshake timeout is a 1002 and a close.
func (srv *Server) handshake(ctx context.Context, conn *websocket.Conn) (*ServerSession, error) {
	deadline := time.Now().Add(srv.cfg.HandshakeTimeout)
	legacyGate := time.Now().Add(srv.cfg.LegacyGate)

	for {
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && time.Now().After(deadline) {
				srv.sendError(ctx, conn, "", NewError(CodeHandshakeTimeout, "no session.start received", false))
			}
			return nil, fmt.Errorf("asp: handshake: %w", err)
		}

		if typ == websocket.MessageBinary {
			if time.Now().Before(legacyGate) {
				return srv.admitLegacy(conn, data)
			}
			// The peer has had the capabilities long enough to answer them;
			// stray audio here is not a pre-protocol client.
			continue
		}

		msg, perr := Parse(data)
		if perr != nil {
			var pe *ProtocolError
			if errors.As(perr, &pe) {
				srv.sendError(ctx, conn, "", pe)
				if pe.Recoverable {
					continue
				}
			}
			return nil, perr
		}

		start, ok := msg.(*SessionStart)
		if !ok {
			srv.sendError(ctx, conn, "", NewError(CodeUnexpectedMessage,
				fmt.Sprintf("expected session.start, got %s", msg.MessageType()), true))
			continue
		}
		if start.SessionID == "" {
			srv.sendError(ctx, conn, "", NewError(CodeInvalidMessage, "session.start missing session_id", true))
			continue
		}

		srv.mu.RLock()
		_, dup := srv.sessions[start.SessionID]
		srv.mu.RUnlock()
		if dup {
			srv.reject(ctx, conn, start.SessionID,
				NewError(CodeDuplicateSession, "session_id already active", false))
			return nil, fmt.Errorf("asp: duplicate session %s", start.SessionID)
		}

		cfg, status, errs := Negotiate(srv.cfg.Capabilities, start)
		if status == StatusRejected {
			srv.reject(ctx, conn, start.SessionID, errs...)
			// Recoverable rejection leaves the peer in CAPS_SENT to retry.
			if allRecoverable(errs) {
				continue
			}
			return nil, fmt.Errorf("asp: session %s rejected", start.SessionID)
		}

		sess := &ServerSession{
			srv:      srv,
			conn:     conn,
			id:       start.SessionID,
			callID:   start.CallID,
			metadata: start.Metadata,
			hash:     SessionHash(start.SessionID),
			config:   *cfg,
			started:  time.Now(),
		}
		sess.touch()

		if err := sess.SendControl(ctx, &SessionStarted{
			SessionID:  sess.id,
			Status:     status,
			Negotiated: cfg,
		}); err != nil {
			return nil, fmt.Errorf("asp: send session.started: %w", err)
		}
		srv.logger.Info("session negotiated",
			"session_id", sess.id,
			"call_id", sess.callID,
			"status", status,
			"sample_rate", cfg.Audio.SampleRate,
			"encoding", cfg.Audio.Encoding,
		)
		return sess, nil
	}
}

// admitLegacy builds a default-config session for a peer that sent audio
// before (or instead of) a handshake. The first audio payload is delivered
// once the handler has been notified, so no media is lost.
func (srv *Server) admitLegacy(conn *websocket.Conn, first []byte) (*ServerSession, error) {
	sess := &ServerSession{
		srv:     srv,
		conn:    conn,
		id:      fmt.Sprintf("legacy-%d", time.Now().UnixNano()),
		legacy:  true,
		config:  NegotiatedConfig{Audio: DefaultAudioConfig(), VAD: DefaultVADConfig()},
		started: time.Now(),
	}
	sess.touch()
	sess.pendingLegacyAudio = first
	srv.logger.Info("legacy session admitted", "session_id", sess.id)
	return sess, nil
}

// readLoop pumps frames for an active session until the transport drops or a
// lifecycle timer fires. It returns the close reason.
func (srv *Server) readLoop(ctx context.Context, sess *ServerSession) string {
	if sess.pendingLegacyAudio != nil {
		srv.handler.InboundAudio(sess, sess.pendingLegacyAudio)
		sess.pendingLegacyAudio = nil
	}

	for {
		if age := time.Since(sess.started); age > srv.cfg.MaxSessionAge {
			_ = sess.End(ctx, ReasonMaxDuration)
			return ReasonMaxDuration
		}
		if sess.idleFor() > srv.cfg.IdleTimeout {
			_ = sess.End(ctx, ReasonIdleTimeout)
			return ReasonIdleTimeout
		}

		readCtx, cancel := context.WithTimeout(ctx, srv.cfg.IdleTimeout-sess.idleFor()+time.Second)
		typ, data, err := sess.conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ReasonServerError
			}
			if sess.idleFor() > srv.cfg.IdleTimeout {
				_ = sess.End(ctx, ReasonIdleTimeout)
				return ReasonIdleTimeout
			}
			return ReasonPeerClosed
		}
		sess.touch()

		if typ == websocket.MessageBinary {
			srv.handleBinary(sess, data)
			continue
		}

		msg, perr := Parse(data)
		if perr != nil {
			var pe *ProtocolError
			if errors.As(perr, &pe) {
				srv.sendError(ctx, sess.conn, sess.id, pe)
				if pe.Recoverable {
					continue
				}
			}
			return ReasonServerError
		}

		switch m := msg.(type) {
		case *SessionUpdate:
			srv.handleUpdate(ctx, sess, m)
		case *SessionEnd:
			_ = sess.End(ctx, ReasonClientRequest)
			return ReasonClientRequest
		default:
			srv.sendError(ctx, sess.conn, sess.id, NewError(CodeUnexpectedMessage,
				fmt.Sprintf("unexpected %s in active session", msg.MessageType()), true))
		}
	}
}

// handleBinary validates and dispatches one inbound binary frame. Invalid
// frames are dropped without a protocol.error: audio is lossy by design.
func (srv *Server) handleBinary(sess *ServerSession, data []byte) {
	if sess.legacy {
		srv.handler.InboundAudio(sess, data)
		return
	}
	hdr, pcm, err := ParseFrame(data)
	if err != nil {
		return
	}
	if hdr.Direction != DirectionInbound || hdr.Hash != sess.hash {
		return
	}
	srv.handler.InboundAudio(sess, pcm)
}

// handleUpdate applies a VAD-only session.update. Audio changes are refused
// with 4004 without disturbing the session.
func (srv *Server) handleUpdate(ctx context.Context, sess *ServerSession, upd *SessionUpdate) {
	if upd.Audio != nil {
		srv.sendError(ctx, sess.conn, sess.id,
			NewError(CodeAudioImmutable, "audio parameters are immutable after session start", true))
		return
	}
	if upd.VAD == nil {
		srv.sendError(ctx, sess.conn, sess.id,
			NewError(CodeInvalidMessage, "session.update carries no vad block", true))
		return
	}

	vad := upd.VAD.withDefaults()
	vad.Enabled = upd.VAD.Enabled
	applied, adjustments := ClampVAD(vad)

	sess.cfgMu.Lock()
	sess.config.VAD = applied
	sess.cfgMu.Unlock()

	_ = sess.SendControl(ctx, &SessionUpdated{
		SessionID:   sess.id,
		VAD:         applied,
		Adjustments: adjustments,
	})
	srv.handler.SessionUpdated(sess, applied)
}

// reject replies session.started(status=rejected) carrying the errors.
func (srv *Server) reject(ctx context.Context, conn *websocket.Conn, sessionID string, errs ...*ProtocolError) {
	data, err := Encode(&SessionStarted{
		SessionID: sessionID,
		Status:    StatusRejected,
		Errors:    errs,
	})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// sendError emits a protocol.error message; the caller decides whether the
// transport survives.
func (srv *Server) sendError(ctx context.Context, conn *websocket.Conn, sessionID string, pe *ProtocolError) {
	data, err := Encode(&ProtocolErrorMessage{SessionID: sessionID, Error: pe})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func allRecoverable(errs []*ProtocolError) bool {
	for _, e := range errs {
		if !e.Recoverable {
			return false
		}
	}
	return true
}
