package asp

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// collectingHandler records every callback the server delivers.
type collectingHandler struct {
	mu      sync.Mutex
	started []*ServerSession
	updated []VADConfig
	audio   [][]byte
	closed  []string
}

func (h *collectingHandler) SessionStarted(s *ServerSession) {
	h.mu.Lock()
	h.started = append(h.started, s)
	h.mu.Unlock()
}

func (h *collectingHandler) SessionUpdated(s *ServerSession, vad VADConfig) {
	h.mu.Lock()
	h.updated = append(h.updated, vad)
	h.mu.Unlock()
}

func (h *collectingHandler) InboundAudio(s *ServerSession, pcm []byte) {
	h.mu.Lock()
	h.audio = append(h.audio, append([]byte(nil), pcm...))
	h.mu.Unlock()
}

func (h *collectingHandler) SessionClosed(s *ServerSession, reason string) {
	h.mu.Lock()
	h.closed = append(h.closed, reason)
	h.mu.Unlock()
}

func (h *collectingHandler) startedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started)
}

func (h *collectingHandler) audioFrames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.audio))
	copy(out, h.audio)
	return out
}

func newServerFixture(t *testing.T, cfg ServerConfig) (*collectingHandler, string) {
	t.Helper()
	handler := &collectingHandler{}
	ts := httptest.NewServer(NewServer(cfg, handler))
	t.Cleanup(ts.Close)
	return handler, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialRaw(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readControl(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading control frame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("got binary frame, want control message")
	}
	msg, perr := Parse(data)
	if perr != nil {
		t.Fatalf("parsing control frame: %v", perr)
	}
	return msg
}

func sendControl(t *testing.T, ctx context.Context, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encoding %s: %v", msg.MessageType(), err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writing %s: %v", msg.MessageType(), err)
	}
}

// openSession runs the text handshake for sessionID: consume capabilities,
// send session.start, consume session.started.
func openSession(t *testing.T, ctx context.Context, conn *websocket.Conn, sessionID string) *SessionStarted {
	t.Helper()
	if _, ok := readControl(t, ctx, conn).(*CapabilitiesMessage); !ok {
		t.Fatal("first server frame is not protocol.capabilities")
	}
	sendControl(t, ctx, conn, &SessionStart{SessionID: sessionID, Version: Version})
	started, ok := readControl(t, ctx, conn).(*SessionStarted)
	if !ok {
		t.Fatal("no session.started after session.start")
	}
	return started
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerHandshakeTimeout(t *testing.T) {
	_, url := newServerFixture(t, ServerConfig{HandshakeTimeout: 150 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, url)

	if _, ok := readControl(t, ctx, conn).(*CapabilitiesMessage); !ok {
		t.Fatal("first server frame is not protocol.capabilities")
	}

	// Stay silent; the server must give up with a 1002 and drop the link.
	errMsg, ok := readControl(t, ctx, conn).(*ProtocolErrorMessage)
	if !ok {
		t.Fatal("expected protocol.error after silent handshake")
	}
	if errMsg.Error == nil || errMsg.Error.Code != CodeHandshakeTimeout {
		t.Errorf("error = %+v, want code %d", errMsg.Error, CodeHandshakeTimeout)
	}
	if errMsg.Error.Recoverable {
		t.Error("handshake timeout reported as recoverable")
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("connection still open after handshake timeout")
	}
}

func TestServerRejectsAudioUpdate(t *testing.T) {
	handler, url := newServerFixture(t, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, url)
	openSession(t, ctx, conn, "sess-upd")

	sendControl(t, ctx, conn, &SessionUpdate{
		SessionID: "sess-upd",
		Audio:     &AudioConfig{SampleRate: 16000},
	})
	errMsg, ok := readControl(t, ctx, conn).(*ProtocolErrorMessage)
	if !ok {
		t.Fatal("expected protocol.error for an audio update")
	}
	if errMsg.Error == nil || errMsg.Error.Code != CodeAudioImmutable {
		t.Errorf("error = %+v, want code %d", errMsg.Error, CodeAudioImmutable)
	}

	// The session survives: a VAD-only update still goes through.
	vad := DefaultVADConfig()
	vad.SilenceThresholdMs = 700
	sendControl(t, ctx, conn, &SessionUpdate{SessionID: "sess-upd", VAD: &vad})
	upd, ok := readControl(t, ctx, conn).(*SessionUpdated)
	if !ok {
		t.Fatal("no session.updated after VAD-only update")
	}
	if upd.VAD.SilenceThresholdMs != 700 {
		t.Errorf("applied silence threshold = %d, want 700", upd.VAD.SilenceThresholdMs)
	}
	waitFor(t, "SessionUpdated callback", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.updated) == 1
	})
}

func TestServerDropsMismatchedBinaryFrames(t *testing.T) {
	handler, url := newServerFixture(t, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, url)
	openSession(t, ctx, conn, "sess-bin")

	hash := SessionHash("sess-bin")
	valid := []byte{1, 2, 3, 4}

	// Wrong session hash, then wrong direction, then a valid frame.
	writeBinary(t, ctx, conn, EncodeFrame(DirectionInbound, SessionHash("someone-else"), []byte{9, 9}))
	writeBinary(t, ctx, conn, EncodeFrame(DirectionOutbound, hash, []byte{8, 8}))
	writeBinary(t, ctx, conn, EncodeFrame(DirectionInbound, hash, valid))

	waitFor(t, "inbound audio delivery", func() bool {
		return len(handler.audioFrames()) > 0
	})
	frames := handler.audioFrames()
	if len(frames) != 1 {
		t.Fatalf("got %d delivered frames, want 1 (invalid frames must be dropped)", len(frames))
	}
	if !bytes.Equal(frames[0], valid) {
		t.Errorf("delivered payload %v, want %v", frames[0], valid)
	}
}

func TestServerAdmitsLegacyOnBinaryFirst(t *testing.T) {
	handler, url := newServerFixture(t, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, url)

	if _, ok := readControl(t, ctx, conn).(*CapabilitiesMessage); !ok {
		t.Fatal("first server frame is not protocol.capabilities")
	}

	// A pre-protocol peer ignores capabilities and just streams PCM.
	pcm := []byte{10, 20, 30, 40}
	writeBinary(t, ctx, conn, pcm)

	waitFor(t, "legacy admission", func() bool { return handler.startedCount() == 1 })
	handler.mu.Lock()
	sess := handler.started[0]
	handler.mu.Unlock()
	if !sess.Legacy() {
		t.Error("session not flagged legacy")
	}
	if got := sess.Config().Audio; got != DefaultAudioConfig() {
		t.Errorf("legacy audio config = %+v, want defaults", got)
	}

	// The admitting payload must not be lost.
	waitFor(t, "first legacy frame", func() bool { return len(handler.audioFrames()) == 1 })
	if !bytes.Equal(handler.audioFrames()[0], pcm) {
		t.Errorf("first frame %v, want %v", handler.audioFrames()[0], pcm)
	}
}

func TestServerIgnoresBinaryPastLegacyGate(t *testing.T) {
	handler, url := newServerFixture(t, ServerConfig{LegacyGate: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, url)

	if _, ok := readControl(t, ctx, conn).(*CapabilitiesMessage); !ok {
		t.Fatal("first server frame is not protocol.capabilities")
	}

	// A binary frame after the gate has passed must not create a legacy
	// session; the handshake keeps waiting for session.start.
	time.Sleep(100 * time.Millisecond)
	writeBinary(t, ctx, conn, []byte{1, 2, 3, 4})

	sendControl(t, ctx, conn, &SessionStart{SessionID: "sess-late", Version: Version})
	started, ok := readControl(t, ctx, conn).(*SessionStarted)
	if !ok {
		t.Fatal("no session.started after session.start")
	}
	if started.Status == StatusRejected {
		t.Fatalf("session rejected: %+v", started.Errors)
	}

	waitFor(t, "session start callback", func() bool { return handler.startedCount() == 1 })
	handler.mu.Lock()
	legacy := handler.started[0].Legacy()
	handler.mu.Unlock()
	if legacy {
		t.Error("stray binary past the gate admitted a legacy session")
	}
}

func TestServerRefusesDuplicateSession(t *testing.T) {
	_, url := newServerFixture(t, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first := dialRaw(t, ctx, url)
	if started := openSession(t, ctx, first, "sess-dup"); started.Status == StatusRejected {
		t.Fatalf("first session rejected: %+v", started.Errors)
	}

	second := dialRaw(t, ctx, url)
	started := openSession(t, ctx, second, "sess-dup")
	if started.Status != StatusRejected {
		t.Fatalf("second session status = %q, want rejected", started.Status)
	}
	if len(started.Errors) == 0 || started.Errors[0].Code != CodeDuplicateSession {
		t.Errorf("rejection errors = %+v, want code %d", started.Errors, CodeDuplicateSession)
	}
}

func writeBinary(t *testing.T, ctx context.Context, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("writing binary frame: %v", err)
	}
}
