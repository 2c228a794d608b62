package orchestrator

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/ami"
	"github.com/voxbridge/voxbridge/internal/fork"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// fakeLeg implements mediaLeg with manual drain control.
type fakeLeg struct {
	mu      sync.Mutex
	queued  [][]byte
	cleared bool
	drain   func()
	sink    func(audio.Frame)
}

func (l *fakeLeg) SetFrameSink(fn func(audio.Frame)) { l.sink = fn }

func (l *fakeLeg) EnqueuePCM(pcm []byte) {
	l.mu.Lock()
	l.queued = append(l.queued, append([]byte(nil), pcm...))
	l.mu.Unlock()
}

func (l *fakeLeg) ClearPlayout() {
	l.mu.Lock()
	l.cleared = true
	l.mu.Unlock()
}

func (l *fakeLeg) Playing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queued) > 0
}

func (l *fakeLeg) NotifyDrained(fn func()) {
	l.mu.Lock()
	l.drain = fn
	l.mu.Unlock()
}

func (l *fakeLeg) fireDrain(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	fn := l.drain
	l.drain = nil
	l.mu.Unlock()
	if fn == nil {
		t.Fatal("no drain callback armed")
	}
	fn()
}

func (l *fakeLeg) enqueued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queued)
}

// managerFixture runs a scripted AMI server and records every action.
type managerFixture struct {
	listener net.Listener

	mu      sync.Mutex
	actions []map[string]string
}

func newManagerFixture(t *testing.T) (*managerFixture, *ami.Client) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	f := &managerFixture{listener: l}
	go f.serve()
	t.Cleanup(func() { l.Close() })

	host, port, _ := net.SplitHostPort(l.Addr().String())
	client := ami.NewClient(ami.Config{
		Host: host, Port: port,
		Username: "vox", Secret: "s",
		ActionTimeout: 2 * time.Second,
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connecting manager client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return f, client
}

func (f *managerFixture) serve() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte("Asterisk Call Manager/5.0.2\r\n"))
	reader := bufio.NewReader(conn)
	for {
		block := make(map[string]string)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if k, v, ok := strings.Cut(line, ":"); ok {
				block[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
		f.mu.Lock()
		f.actions = append(f.actions, block)
		f.mu.Unlock()
		conn.Write([]byte("Response: Success\r\nActionID: " + block["ActionID"] + "\r\n\r\n"))
	}
}

func (f *managerFixture) actionsOf(kind string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]string
	for _, a := range f.actions {
		if a["Action"] == kind {
			out = append(out, a)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, mgr *ami.Client) *Orchestrator {
	t.Helper()
	o := New(Config{
		TransferContext: "internal",
		Manager:         mgr,
		BargeInEnabled:  true,
	})
	t.Cleanup(o.Stop)
	return o
}

func TestDeferredActionWaitsForPlaybackDrain(t *testing.T) {
	fixture, mgr := newManagerFixture(t)
	o := newTestOrchestrator(t, mgr)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-1", "1001", "PJSIP/1001-00000001")

	cs.setPlaying(true)
	cs.storeAction(pendingAction{Action: "transfer", Target: "2001"})
	cs.onResponseEnd()

	if got := fixture.actionsOf("Redirect"); len(got) != 0 {
		t.Fatalf("redirect issued before playback drained: %v", got)
	}

	leg.fireDrain(t)

	redirects := fixture.actionsOf("Redirect")
	if len(redirects) != 1 {
		t.Fatalf("got %d redirects, want 1", len(redirects))
	}
	r := redirects[0]
	if r["Channel"] != "PJSIP/1001-00000001" || r["Exten"] != "2001" || r["Context"] != "internal" {
		t.Errorf("unexpected redirect %v", r)
	}
	if cs.playing() {
		t.Error("call still marked playing after drain")
	}
}

// zeroAudioLeg drains the moment a callback is armed, as a live RTP
// session does when the playout buffer is already empty.
type zeroAudioLeg struct{ fakeLeg }

func (l *zeroAudioLeg) NotifyDrained(fn func()) { fn() }

func TestActionAfterSilentResponseExecutes(t *testing.T) {
	fixture, mgr := newManagerFixture(t)
	o := newTestOrchestrator(t, mgr)

	leg := &zeroAudioLeg{}
	cs := o.startCall(leg, "call-silent", "1001", "PJSIP/1001-00000009")

	// A response cycle with no audio: the drain edge fires during
	// response.end, before the call.action event is delivered.
	cs.setPlaying(true)
	cs.onResponseEnd()
	cs.storeAction(pendingAction{Action: "transfer", Target: "2001"})

	redirects := fixture.actionsOf("Redirect")
	if len(redirects) != 1 {
		t.Fatalf("got %d redirects, want 1", len(redirects))
	}
	if redirects[0]["Exten"] != "2001" {
		t.Errorf("redirect exten = %q, want 2001", redirects[0]["Exten"])
	}
	if cs.playing() {
		t.Error("call still marked playing after immediate drain")
	}
}

func TestDeferredActionLastWriteWins(t *testing.T) {
	fixture, mgr := newManagerFixture(t)
	o := newTestOrchestrator(t, mgr)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-2", "1001", "PJSIP/1001-00000002")

	cs.setPlaying(true)
	cs.storeAction(pendingAction{Action: "transfer", Target: "2001"})
	cs.storeAction(pendingAction{Action: "transfer", Target: "2002"})
	cs.onResponseEnd()
	leg.fireDrain(t)

	redirects := fixture.actionsOf("Redirect")
	if len(redirects) != 1 {
		t.Fatalf("got %d redirects, want exactly 1", len(redirects))
	}
	if redirects[0]["Exten"] != "2002" {
		t.Errorf("executed target %q, want the later write 2002", redirects[0]["Exten"])
	}
}

func TestInvalidTransferDropped(t *testing.T) {
	fixture, mgr := newManagerFixture(t)
	o := newTestOrchestrator(t, mgr)

	cases := []struct {
		name          string
		target        string
		callerChannel string
	}{
		{"bad target", "20;01", "PJSIP/1001-00000003"},
		{"empty target", "", "PJSIP/1001-00000003"},
		{"no caller channel", "2001", ""},
	}
	for i, tc := range cases {
		leg := &fakeLeg{}
		cs := o.startCall(leg, "call-invalid-"+tc.name, "1001", tc.callerChannel)
		cs.setPlaying(true)
		cs.storeAction(pendingAction{Action: "transfer", Target: tc.target})
		cs.onResponseEnd()
		leg.fireDrain(t)

		if got := fixture.actionsOf("Redirect"); len(got) != 0 {
			t.Errorf("%s: redirect issued: %v", tc.name, got)
		}
		// The call keeps running after a discarded action.
		if o.ActiveCalls() != i+1 {
			t.Errorf("%s: call was torn down", tc.name)
		}
	}
}

func TestHangupAction(t *testing.T) {
	fixture, mgr := newManagerFixture(t)
	o := newTestOrchestrator(t, mgr)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-3", "1001", "PJSIP/1001-00000004")
	cs.setPlaying(true)
	cs.storeAction(pendingAction{Action: "hangup", Reason: "caller done"})
	cs.onResponseEnd()
	leg.fireDrain(t)

	hangups := fixture.actionsOf("Hangup")
	if len(hangups) != 1 {
		t.Fatalf("got %d hangups, want 1", len(hangups))
	}
	if hangups[0]["Channel"] != "PJSIP/1001-00000004" {
		t.Errorf("hangup channel = %q", hangups[0]["Channel"])
	}
}

func TestFallbackModeRejectsActionsAndPlaysMessage(t *testing.T) {
	fixture, mgr := newManagerFixture(t)
	fallback := make([]byte, 320)
	o := New(Config{
		Manager:       mgr,
		FallbackAudio: fallback,
	})
	t.Cleanup(o.Stop)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-4", "1001", "PJSIP/1001-00000005")

	cs.onFallbackChange(true)
	if leg.enqueued() != 1 {
		t.Fatalf("fallback message enqueued %d times, want 1", leg.enqueued())
	}

	cs.setPlaying(true)
	cs.storeAction(pendingAction{Action: "transfer", Target: "2001"})
	cs.onResponseEnd()
	leg.fireDrain(t)

	if got := fixture.actionsOf("Redirect"); len(got) != 0 {
		t.Fatalf("redirect issued in fallback mode: %v", got)
	}

	// Recovery restores action handling.
	cs.onFallbackChange(false)
	cs.setPlaying(true)
	cs.storeAction(pendingAction{Action: "transfer", Target: "2001"})
	cs.onResponseEnd()
	leg.fireDrain(t)
	if got := fixture.actionsOf("Redirect"); len(got) != 1 {
		t.Fatalf("got %d redirects after recovery, want 1", len(got))
	}
}

// onsetMonitor flags speech onset on every frame.
type onsetMonitor struct{}

func (onsetMonitor) ProcessFrame([]byte) (vad.VADEvent, error) {
	return vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.92}, nil
}
func (onsetMonitor) Reset()       {}
func (onsetMonitor) Close() error { return nil }

func TestBargeInCutsPlayback(t *testing.T) {
	sink := &recordingConsumer{}
	o := New(Config{BargeInEnabled: true, ExtraConsumers: []fork.Consumer{sink}})
	t.Cleanup(o.Stop)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-barge", "1001", "PJSIP/1001-00000010")
	cs.monitor = onsetMonitor{}

	cs.setPlaying(true)
	leg.EnqueuePCM(make([]byte, 320))

	cs.onInboundFrame(audio.Frame{Data: make([]byte, 320), SampleRate: 8000})

	leg.mu.Lock()
	cleared := leg.cleared
	leg.mu.Unlock()
	if !cleared {
		t.Error("queued playout not cleared on barge-in")
	}
	if cs.playing() {
		t.Error("call still in playback mode after barge-in")
	}
	// The frame that tripped the detector goes downstream itself.
	sink.waitFor(t, 1)
}

func TestMonitorModeStopsForwarding(t *testing.T) {
	sink := &recordingConsumer{}
	o := New(Config{ExtraConsumers: []fork.Consumer{sink}})
	t.Cleanup(o.Stop)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-5", "1001", "PJSIP/1001-00000006")

	frame := audio.Frame{Data: make([]byte, 320), SampleRate: 8000}
	cs.onInboundFrame(frame)
	sink.waitFor(t, 1)

	cs.setPlaying(true)
	for i := 0; i < 5; i++ {
		cs.onInboundFrame(frame)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("consumer saw %d frames, want 1: playback frames must not be forwarded", got)
	}

	cs.setPlaying(false)
	cs.onInboundFrame(frame)
	sink.waitFor(t, 2)
}

func TestCallEndedReleasesState(t *testing.T) {
	o := New(Config{})
	t.Cleanup(o.Stop)

	leg := &fakeLeg{}
	o.startCall(leg, "call-6", "1001", "PJSIP/1001-00000007")
	if o.ActiveCalls() != 1 {
		t.Fatalf("ActiveCalls = %d", o.ActiveCalls())
	}

	o.CallEnded("call-6", "remote_hangup")
	if o.ActiveCalls() != 0 {
		t.Fatalf("ActiveCalls = %d after end", o.ActiveCalls())
	}
	leg.mu.Lock()
	defer leg.mu.Unlock()
	if !leg.cleared {
		t.Error("playout buffer not cleared on teardown")
	}

	// Ending an unknown call is a no-op.
	o.CallEnded("call-6", "remote_hangup")
}

// recordingConsumer counts frames delivered through the fork manager.
type recordingConsumer struct {
	mu     sync.Mutex
	frames int
	got    chan struct{}
}

func (r *recordingConsumer) Name() string    { return "recorder" }
func (r *recordingConsumer) Available() bool { return true }

func (r *recordingConsumer) Consume(_ context.Context, frames []audio.Frame) error {
	r.mu.Lock()
	if r.got == nil {
		r.got = make(chan struct{}, 64)
	}
	r.frames += len(frames)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingConsumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *recordingConsumer) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.count() < n {
		select {
		case <-deadline:
			t.Fatalf("consumer saw %d frames, want %d", r.count(), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// closableConsumer is a recordingConsumer whose Close is observable.
type closableConsumer struct {
	recordingConsumer
	closed chan struct{}
}

func (c *closableConsumer) Close() error {
	close(c.closed)
	return nil
}

func TestConsumerFactoryAttachesAndClosesPerCall(t *testing.T) {
	rec := &closableConsumer{closed: make(chan struct{})}

	var factoryCalls int
	o := New(Config{
		ConsumerFactory: func(callID, callerID string) (fork.Consumer, error) {
			factoryCalls++
			if callID != "call-7" || callerID != "1001" {
				t.Errorf("factory got callID=%q callerID=%q", callID, callerID)
			}
			return rec, nil
		},
	})
	t.Cleanup(o.Stop)

	leg := &fakeLeg{}
	cs := o.startCall(leg, "call-7", "1001", "PJSIP/1001-00000008")
	if factoryCalls != 1 {
		t.Fatalf("factory called %d times, want 1", factoryCalls)
	}

	frame := audio.Frame{Data: make([]byte, 320), SampleRate: 8000}
	for range 3 {
		cs.onInboundFrame(frame)
	}
	rec.waitFor(t, 3)

	o.CallEnded("call-7", "remote_hangup")
	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("per-call consumer not closed on teardown")
	}
}
