// Package orchestrator is the call control state machine. It sits between
// the SIP endpoint, the fork manager, and the agent session protocol client,
// and enforces the one ordering rule that matters on a voice call: the
// caller hears the spoken prompt to the end before the channel is redirected.
package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/ami"
	"github.com/voxbridge/voxbridge/internal/fork"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/sipphone"
	"github.com/voxbridge/voxbridge/pkg/asp"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

const (
	// DefaultCtlTimeout bounds one manager-channel action.
	DefaultCtlTimeout = 10 * time.Second

	// DefaultDrainTimeout caps how long we wait for the playout buffer to
	// empty after a response ends before forcing the pending action.
	DefaultDrainTimeout = 10 * time.Second

	rtpSampleRate = 8000
)

// targetPattern is the only shape of transfer target the dialplan accepts.
var targetPattern = regexp.MustCompile(`^[0-9*#]+$`)

// mediaLeg is the slice of the SIP call the orchestrator drives. Satisfied
// by [*sipphone.Call].
type mediaLeg interface {
	SetFrameSink(fn func(audio.Frame))
	EnqueuePCM(pcm []byte)
	ClearPlayout()
	Playing() bool
	NotifyDrained(fn func())
}

var _ mediaLeg = (*sipphone.Call)(nil)

// Config wires the orchestrator's collaborators.
type Config struct {
	// AgentURL is the WebSocket endpoint of the agent session server.
	AgentURL string

	// TransferContext and TransferPriority locate redirected callers in the
	// dialplan.
	TransferContext  string
	TransferPriority int

	// CtlTimeout bounds manager actions; DrainTimeout caps the wait for
	// playback to finish after a response ends.
	CtlTimeout   time.Duration
	DrainTimeout time.Duration

	// BargeInEnabled turns the monitor-mode VAD signal on.
	BargeInEnabled bool

	// FallbackAudio is linear PCM at 8 kHz played once when the agent
	// backend degrades.
	FallbackAudio []byte

	// Audio and SessionVAD are the configuration requested from the agent
	// server during session negotiation. Nil requests the defaults.
	Audio      *asp.AudioConfig
	SessionVAD *asp.VADConfig

	// MonitorVAD configures the orchestrator's own barge-in detector.
	MonitorVAD vad.Config

	// BufferDuration and DegradeAfter tune the per-call fork manager.
	BufferDuration time.Duration
	DegradeAfter   time.Duration

	// ExtraConsumers are attached to every call's fork manager alongside
	// the agent consumer.
	ExtraConsumers []fork.Consumer

	// ConsumerFactory builds one additional consumer per call, e.g. the
	// transcription sink, which needs the call ID and its own lifecycle.
	// A nil consumer or an error skips attachment for that call; the
	// consumer is closed on teardown if it implements io.Closer.
	ConsumerFactory func(callID, callerID string) (fork.Consumer, error)

	Manager   *ami.Client
	VADEngine vad.Engine
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TransferContext == "" {
		c.TransferContext = "internal"
	}
	if c.TransferPriority <= 0 {
		c.TransferPriority = 1
	}
	if c.CtlTimeout <= 0 {
		c.CtlTimeout = DefaultCtlTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Orchestrator owns every active call's state. It implements
// [sipphone.Handler] so the SIP endpoint can hand calls straight to it.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	calls map[string]*callState

	rootCtx context.Context
	cancel  context.CancelFunc
}

var _ sipphone.Handler = (*Orchestrator)(nil)

// pendingAction is the deferred control-plane action. Stored last-write-wins
// and executed only once playback has drained after a response end.
type pendingAction struct {
	Action string
	Target string
	Reason string
}

// callState tracks one call across the SIP leg, the fork manager, and the
// agent session.
type callState struct {
	orc *Orchestrator
	leg mediaLeg
	log *slog.Logger

	callID        string
	callerID      string
	callerChannel string

	forkMgr *fork.Manager
	monitor vad.SessionHandle
	perCall fork.Consumer

	mu         sync.Mutex
	client     *asp.Client
	pending    *pendingAction
	isPlaying  bool
	inFallback bool
	drainTimer *time.Timer

	cancel context.CancelFunc
}

// New creates the orchestrator. Start the SIP endpoint with it as the
// handler afterwards.
func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "orchestrator"),
		calls:   make(map[string]*callState),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// Stop tears down every active call.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.mu.Lock()
	states := make([]*callState, 0, len(o.calls))
	for _, cs := range o.calls {
		states = append(states, cs)
	}
	o.calls = make(map[string]*callState)
	o.mu.Unlock()
	for _, cs := range states {
		cs.teardown()
	}
}

// ActiveCalls returns the number of calls under management.
func (o *Orchestrator) ActiveCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// CallStarted runs on the INVITE goroutine and must return quickly.
func (o *Orchestrator) CallStarted(call *sipphone.Call) {
	o.startCall(call, call.ID, call.CallerID, call.CallerChannel)
}

// startCall wires up a new call: fork manager, monitor VAD, frame sink, and
// an async dial to the agent server.
func (o *Orchestrator) startCall(leg mediaLeg, callID, callerID, callerChannel string) *callState {
	logger := o.log.With("call_id", callID, "caller", callerID)
	ctx, cancel := context.WithCancel(o.rootCtx)

	cs := &callState{
		orc:           o,
		leg:           leg,
		log:           logger,
		callID:        callID,
		callerID:      callerID,
		callerChannel: callerChannel,
		cancel:        cancel,
	}

	if o.cfg.VADEngine != nil {
		session, err := o.cfg.VADEngine.NewSession(o.cfg.MonitorVAD)
		if err != nil {
			logger.Warn("monitor vad unavailable, barge-in detection disabled", "error", err)
		} else {
			cs.monitor = session
		}
	}

	cs.forkMgr = fork.NewManager(fork.Config{
		CallID:           callID,
		BufferDuration:   o.cfg.BufferDuration,
		DegradeAfter:     o.cfg.DegradeAfter,
		OnFallbackChange: cs.onFallbackChange,
		Logger:           o.cfg.Logger,
		Metrics:          o.cfg.Metrics,
	})
	cs.forkMgr.Register(&agentConsumer{cs: cs}, true)
	for _, c := range o.cfg.ExtraConsumers {
		cs.forkMgr.Register(c, false)
	}
	if o.cfg.ConsumerFactory != nil {
		c, err := o.cfg.ConsumerFactory(callID, callerID)
		switch {
		case err != nil:
			logger.Warn("per-call consumer unavailable", "error", err)
		case c != nil:
			cs.perCall = c
			cs.forkMgr.Register(c, false)
		}
	}
	cs.forkMgr.Start(ctx)

	leg.SetFrameSink(cs.onInboundFrame)

	o.mu.Lock()
	o.calls[callID] = cs
	o.mu.Unlock()
	o.cfg.Metrics.ActiveCalls.Add(ctx, 1)

	go o.runSession(ctx, cs)
	return cs
}

// CallEnded releases everything the call held.
func (o *Orchestrator) CallEnded(callID string, reason string) {
	o.mu.Lock()
	cs, ok := o.calls[callID]
	if ok {
		delete(o.calls, callID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	cs.teardown()
	o.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
	o.log.Info("call released", "call_id", callID, "reason", reason)
}

// runSession dials the agent server and pumps its events until the call or
// the session ends.
func (o *Orchestrator) runSession(ctx context.Context, cs *callState) {
	if o.cfg.AgentURL == "" {
		return
	}
	client, err := asp.Dial(ctx, asp.ClientConfig{
		URL:       o.cfg.AgentURL,
		SessionID: cs.callID,
		CallID:    cs.callID,
		Metadata: map[string]string{
			"caller_id":      cs.callerID,
			"caller_channel": cs.callerChannel,
		},
		Audio:  o.cfg.Audio,
		VAD:    o.cfg.SessionVAD,
		Logger: o.cfg.Logger,
	})
	if err != nil {
		if ctx.Err() == nil {
			cs.log.Error("agent session dial failed", "url", o.cfg.AgentURL, "error", err)
		}
		// The fork watchdog notices the missing primary consumer and
		// raises fallback mode after the degrade window.
		return
	}

	cs.mu.Lock()
	cs.client = client
	cs.mu.Unlock()
	cs.log.Info("agent session established",
		"sample_rate", client.Negotiated().Audio.SampleRate,
		"legacy", client.Legacy())

	for ev := range client.Events() {
		switch e := ev.(type) {
		case asp.AudioEvent:
			cs.onAgentAudio(e.PCM, client.Negotiated().Audio.SampleRate)
		case asp.ResponseStartEvent:
			cs.setPlaying(true)
		case asp.ResponseEndEvent:
			cs.onResponseEnd()
		case asp.CallActionEvent:
			cs.storeAction(pendingAction{Action: e.Action, Target: e.Target, Reason: e.Reason})
		case asp.SpeechStartEvent, asp.SpeechEndEvent, asp.UpdatedEvent:
			// Informational on this side of the wire.
		case asp.ErrorEvent:
			cs.log.Warn("agent session error",
				"code", e.Err.Code, "message", e.Err.Message, "recoverable", e.Err.Recoverable)
		case asp.EndedEvent:
			cs.log.Info("agent session ended", "reason", e.Reason)
		case asp.ClosedEvent:
			if e.Err != nil && ctx.Err() == nil {
				cs.log.Warn("agent session closed", "error", e.Err)
			}
			return
		}
	}
}

// onInboundFrame handles one decoded caller frame. During playback the call
// is in monitor mode: the VAD still runs so the caller can barge in, but the
// frame is not forwarded downstream.
func (cs *callState) onInboundFrame(f audio.Frame) {
	playing := cs.playing()

	if cs.monitor != nil {
		if ev, err := cs.monitor.ProcessFrame(f.Data); err == nil {
			if ev.Type == vad.VADSpeechStart && playing && cs.orc.cfg.BargeInEnabled {
				cs.bargeIn(ev.Probability)
				playing = false
			}
		}
	}

	if playing {
		return
	}
	cs.forkMgr.Push(f)
}

// bargeIn cuts the running response short: queued playout audio is dropped
// and the call leaves playback mode, so caller frames flow downstream again
// starting with the one that triggered the detection.
func (cs *callState) bargeIn(probability float64) {
	cs.orc.cfg.Metrics.BargeIns.Add(context.Background(), 1)
	cs.leg.ClearPlayout()
	cs.setPlaying(false)
	cs.log.Info("barge-in, response playback cut short", "probability", probability)
}

// onAgentAudio resamples a response chunk to the RTP rate and queues it for
// playback.
func (cs *callState) onAgentAudio(pcm []byte, sampleRate int) {
	if sampleRate != rtpSampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, rtpSampleRate)
	}
	cs.leg.EnqueuePCM(pcm)
}

func (cs *callState) playing() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.isPlaying
}

func (cs *callState) setPlaying(v bool) {
	cs.mu.Lock()
	cs.isPlaying = v
	cs.mu.Unlock()
}

// storeAction records the deferred action, last write wins. Nothing is
// queued: a later call.action in the same response cycle replaces an
// earlier one.
func (cs *callState) storeAction(a pendingAction) {
	cs.mu.Lock()
	replaced := cs.pending != nil
	cs.pending = &a
	idle := !cs.isPlaying && cs.drainTimer == nil
	cs.mu.Unlock()
	cs.log.Info("deferred action stored",
		"action", a.Action, "target", a.Target, "replaced", replaced)

	// A response with no audio can drain before the call.action event is
	// delivered. When no playback is live and no drain edge is armed,
	// nothing will ever collect the action, so run the finish path now.
	if idle {
		cs.onPlaybackFinished()
	}
}

// onResponseEnd arms the playback-finished edge: it fires when the playout
// buffer drains, or after DrainTimeout as a stuck-sink backstop.
func (cs *callState) onResponseEnd() {
	var once sync.Once
	finish := func() { once.Do(cs.onPlaybackFinished) }

	cs.mu.Lock()
	if cs.drainTimer != nil {
		cs.drainTimer.Stop()
	}
	cs.drainTimer = time.AfterFunc(cs.orc.cfg.DrainTimeout, finish)
	cs.mu.Unlock()

	cs.leg.NotifyDrained(finish)
}

// onPlaybackFinished leaves playback mode and executes the pending action,
// if any survives validation.
func (cs *callState) onPlaybackFinished() {
	cs.mu.Lock()
	if cs.drainTimer != nil {
		cs.drainTimer.Stop()
		cs.drainTimer = nil
	}
	cs.isPlaying = false
	action := cs.pending
	cs.pending = nil
	inFallback := cs.inFallback
	cs.mu.Unlock()

	if action == nil {
		return
	}
	if inFallback {
		cs.log.Warn("dropping action in fallback mode", "action", action.Action)
		return
	}
	cs.execute(*action)
}

// execute validates and issues one manager action. Failures are logged and
// the call continues; a broken transfer beats a dropped call.
func (cs *callState) execute(a pendingAction) {
	mgr := cs.orc.cfg.Manager
	ctx, cancel := context.WithTimeout(context.Background(), cs.orc.cfg.CtlTimeout)
	defer cancel()

	switch a.Action {
	case "transfer":
		if cs.callerChannel == "" {
			cs.log.Error("dropping transfer, no caller channel on this call", "target", a.Target)
			return
		}
		if !targetPattern.MatchString(a.Target) {
			cs.log.Error("dropping transfer, invalid target", "target", a.Target)
			return
		}
		if mgr == nil || !mgr.Connected() {
			cs.log.Error("dropping transfer, manager channel not connected", "target", a.Target)
			return
		}
		err := mgr.Redirect(ctx, cs.callerChannel,
			cs.orc.cfg.TransferContext, a.Target, cs.orc.cfg.TransferPriority)
		if err != nil {
			cs.log.Error("transfer failed, call continues", "target", a.Target, "error", err)
			return
		}
		cs.log.Info("caller transferred", "target", a.Target, "reason", a.Reason)

	case "hangup":
		if cs.callerChannel == "" || mgr == nil || !mgr.Connected() {
			cs.log.Error("dropping hangup, manager channel unavailable")
			return
		}
		if err := mgr.Hangup(ctx, cs.callerChannel); err != nil {
			cs.log.Error("hangup failed", "error", err)
			return
		}
		cs.log.Info("caller hung up by agent", "reason", a.Reason)

	default:
		cs.log.Warn("ignoring unknown action", "action", a.Action)
	}
}

// onFallbackChange reacts to the fork watchdog. Entering fallback plays the
// static message once and blocks control-plane actions until recovery.
func (cs *callState) onFallbackChange(active bool) {
	cs.mu.Lock()
	cs.inFallback = active
	if active {
		cs.pending = nil
	}
	cs.mu.Unlock()

	if active {
		cs.log.Warn("agent backend degraded, playing fallback message")
		if len(cs.orc.cfg.FallbackAudio) > 0 {
			cs.leg.EnqueuePCM(cs.orc.cfg.FallbackAudio)
		}
	} else {
		cs.log.Info("agent backend recovered")
	}
}

// teardown stops the conversation and releases the call's resources. Safe
// to call once per call.
func (cs *callState) teardown() {
	cs.cancel()

	cs.mu.Lock()
	client := cs.client
	cs.client = nil
	cs.pending = nil
	if cs.drainTimer != nil {
		cs.drainTimer.Stop()
		cs.drainTimer = nil
	}
	cs.mu.Unlock()

	if client != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.End(endCtx, "call_ended")
		cancel()
		client.Close()
	}
	cs.forkMgr.Stop()
	if closer, ok := cs.perCall.(io.Closer); ok {
		closer.Close()
	}
	if cs.monitor != nil {
		cs.monitor.Close()
	}
	cs.leg.ClearPlayout()
}

// agentConsumer adapts the agent session client to the fork consumer
// contract. Frames are resampled from the RTP rate to the negotiated
// session rate before they go on the wire.
type agentConsumer struct {
	cs *callState
}

var _ fork.Consumer = (*agentConsumer)(nil)

func (a *agentConsumer) Name() string { return "asp" }

func (a *agentConsumer) Available() bool {
	a.cs.mu.Lock()
	client := a.cs.client
	a.cs.mu.Unlock()
	return client != nil && client.Available()
}

func (a *agentConsumer) Consume(ctx context.Context, frames []audio.Frame) error {
	a.cs.mu.Lock()
	client := a.cs.client
	a.cs.mu.Unlock()
	if client == nil {
		return asp.ErrSessionClosed
	}

	rate := client.Negotiated().Audio.SampleRate
	for _, f := range frames {
		pcm := f.Data
		if f.SampleRate != rate {
			pcm = audio.ResampleMono16(pcm, f.SampleRate, rate)
		}
		if err := client.SendAudio(ctx, pcm); err != nil {
			return err
		}
	}
	return nil
}
