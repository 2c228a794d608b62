// Package agent implements the AI side of a voice call: a VAD-gated
// utterance buffer feeding an STT to LLM to TTS pipeline, exposed as an
// audio session protocol handler. One pipeline runs per active session.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/asp"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// Pipeline states. Inbound audio is buffered only while listening; frames
// arriving during processing or responding are dropped and counted.
const (
	stateListening int32 = iota
	stateProcessing
	stateResponding
)

// Defaults for Config fields left zero.
const (
	DefaultLLMTimeout       = 15 * time.Second
	DefaultMaxBufferSeconds = 60
	DefaultMaxUnresolved    = 3
	DefaultTTSSampleRate    = 16000
	DefaultSTTSampleRate    = 16000
	DefaultSilenceTimeout   = 35 * time.Second

	defaultApology  = "I'm sorry, I'm having trouble right now. Could you say that again?"
	defaultRePrompt = "Are you still there?"
)

// audioQueueDepth bounds the per-session inbound frame queue. At 20 ms per
// frame this is several seconds of audio; overflow means the pipeline
// goroutine has stalled and dropping is the only non-blocking option.
const audioQueueDepth = 256

// Config assembles the providers and conversation policy for a Server.
type Config struct {
	STT       stt.Provider
	LLM       llm.Provider
	TTS       tts.Provider
	Voice     tts.VoiceProfile
	VADEngine vad.Engine

	// TTSSampleRate is the PCM rate the TTS provider emits. Synthesised
	// audio is resampled from this rate to each session's negotiated rate.
	TTSSampleRate int

	// STTSampleRate is the rate utterances are resampled to before
	// transcription. Telephony sessions run at 8 kHz; most STT models
	// prefer 16 kHz.
	STTSampleRate int

	// SystemPrompt steers the LLM. Required for useful behaviour.
	SystemPrompt string

	// Greeting is spoken when a session starts. Suppressed when the session
	// metadata carries transfer_retry, so a caller bounced back mid-call is
	// not greeted twice.
	Greeting string

	// Apology is spoken when the pipeline fails mid-response. Defaults to a
	// generic retry request.
	Apology string

	// Directory resolves spoken department names in transfer_call targets.
	Directory *Directory

	// EscalationTarget is the extension dialled after MaxUnresolved
	// consecutive turns without a tool call. Empty disables escalation.
	EscalationTarget string

	// EscalationNotice is spoken before the escalation transfer.
	EscalationNotice string

	// SilenceTimeout bounds how long the caller may stay silent. On the
	// first expiry RePrompt is spoken; on the second the session ends with
	// reason silence_timeout. Negative disables the watchdog.
	SilenceTimeout time.Duration

	// RePrompt is spoken after the first silent window.
	RePrompt string

	MaxUnresolved    int
	LLMTimeout       time.Duration
	MaxBufferSeconds int
	Temperature      float64
	MaxTokens        int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TTSSampleRate == 0 {
		c.TTSSampleRate = DefaultTTSSampleRate
	}
	if c.STTSampleRate == 0 {
		c.STTSampleRate = DefaultSTTSampleRate
	}
	if c.Apology == "" {
		c.Apology = defaultApology
	}
	if c.RePrompt == "" {
		c.RePrompt = defaultRePrompt
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxUnresolved == 0 {
		c.MaxUnresolved = DefaultMaxUnresolved
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.MaxBufferSeconds == 0 {
		c.MaxBufferSeconds = DefaultMaxBufferSeconds
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// Server runs one conversation pipeline per audio session. It implements
// [asp.Handler]; wire it into an [asp.Server] to serve sessions.
type Server struct {
	cfg Config
	log *slog.Logger

	policy atomic.Pointer[Policy]

	mu       sync.Mutex
	sessions map[string]*session
}

var _ asp.Handler = (*Server)(nil)

// Policy is the hot-reloadable part of the conversation configuration.
// Sessions read it at each turn, so an update takes effect mid-call without
// restarting the session.
type Policy struct {
	SystemPrompt     string
	Greeting         string
	Directory        *Directory
	EscalationTarget string
	EscalationNotice string
	MaxUnresolved    int
}

// NewServer builds a Server from cfg. STT, LLM, TTS, and VADEngine must be
// set; everything else has defaults.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	srv := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "agent"),
		sessions: make(map[string]*session),
	}
	srv.UpdatePolicy(Policy{
		SystemPrompt:     cfg.SystemPrompt,
		Greeting:         cfg.Greeting,
		Directory:        cfg.Directory,
		EscalationTarget: cfg.EscalationTarget,
		EscalationNotice: cfg.EscalationNotice,
		MaxUnresolved:    cfg.MaxUnresolved,
	})
	return srv
}

// UpdatePolicy atomically replaces the conversation policy, e.g. after a
// configuration reload. In-flight turns finish on the policy they loaded.
func (srv *Server) UpdatePolicy(p Policy) {
	if p.Directory == nil {
		p.Directory = NewDirectory(nil, 0)
	}
	if p.MaxUnresolved <= 0 {
		p.MaxUnresolved = DefaultMaxUnresolved
	}
	srv.policy.Store(&p)
}

// SessionStarted implements asp.Handler.
func (srv *Server) SessionStarted(s *asp.ServerSession) {
	nc := s.Config()
	utt, err := newUtteranceBuffer(srv.cfg.VADEngine, nc.Audio, nc.VAD, srv.cfg.MaxBufferSeconds)
	if err != nil {
		srv.log.Error("utterance buffer setup failed", "session_id", s.ID(), "error", err)
		_ = s.End(context.Background(), "internal_error")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		srv:     srv,
		sess:    s,
		log:     srv.log.With("session_id", s.ID(), "call_id", s.CallID()),
		utt:     utt,
		audioIn: make(chan []byte, audioQueueDepth),
		cancel:  cancel,
	}
	srv.mu.Lock()
	srv.sessions[s.ID()] = sess
	srv.mu.Unlock()

	sess.log.Info("session started",
		"sample_rate", nc.Audio.SampleRate, "legacy", s.Legacy())
	srv.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	go sess.run(ctx)
}

// SessionUpdated implements asp.Handler. The server has already swapped the
// session's negotiated VAD config; rebuild the utterance buffer to match.
func (srv *Server) SessionUpdated(s *asp.ServerSession, vadCfg asp.VADConfig) {
	srv.mu.Lock()
	sess := srv.sessions[s.ID()]
	srv.mu.Unlock()
	if sess == nil {
		return
	}
	utt, err := newUtteranceBuffer(srv.cfg.VADEngine, s.Config().Audio, vadCfg, srv.cfg.MaxBufferSeconds)
	if err != nil {
		sess.log.Warn("vad reconfigure failed, keeping previous", "error", err)
		return
	}
	sess.swapBuffer(utt)
}

// InboundAudio implements asp.Handler. It must not block: frames arriving
// while the pipeline is not listening, or while the queue is full, are
// dropped and counted.
func (srv *Server) InboundAudio(s *asp.ServerSession, pcm []byte) {
	srv.mu.Lock()
	sess := srv.sessions[s.ID()]
	srv.mu.Unlock()
	if sess == nil {
		return
	}
	if sess.state.Load() != stateListening {
		sess.dropFrame()
		return
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	select {
	case sess.audioIn <- cp:
	default:
		sess.dropFrame()
	}
}

// SessionClosed implements asp.Handler.
func (srv *Server) SessionClosed(s *asp.ServerSession, reason string) {
	srv.mu.Lock()
	sess := srv.sessions[s.ID()]
	delete(srv.sessions, s.ID())
	srv.mu.Unlock()
	if sess == nil {
		return
	}
	sess.cancel()
	srv.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	sess.log.Info("session closed", "reason", reason, "dropped_frames", sess.dropped.Load())
}

// session is the per-call pipeline state, owned by its run goroutine.
type session struct {
	srv  *Server
	sess *asp.ServerSession
	log  *slog.Logger

	state   atomic.Int32
	audioIn chan []byte
	cancel  context.CancelFunc
	dropped atomic.Int64

	mu  sync.Mutex
	utt *utteranceBuffer

	// Conversation state below is touched only from the run goroutine.
	history       []llm.Message
	unresolved    int
	speechEndedAt time.Time
}

func (p *session) dropFrame() {
	p.dropped.Add(1)
	p.srv.cfg.Metrics.RecordFrameDrop(context.Background(), "agent", 1)
}

func (p *session) swapBuffer(utt *utteranceBuffer) {
	p.mu.Lock()
	old := p.utt
	p.utt = utt
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (p *session) buffer() *utteranceBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utt
}

func (p *session) run(ctx context.Context) {
	defer func() {
		if u := p.buffer(); u != nil {
			_ = u.Close()
		}
	}()

	if g := p.srv.policy.Load().Greeting; g != "" && p.sess.Metadata()["transfer_retry"] == "" {
		p.speak(ctx, g)
		p.history = append(p.history, llm.Message{Role: "assistant", Content: g})
	}

	// Silence watchdog: one re-prompt, then the session ends.
	silence := p.srv.cfg.SilenceTimeout
	var watchdog *time.Timer
	var watchdogC <-chan time.Time
	if silence > 0 {
		watchdog = time.NewTimer(silence)
		defer watchdog.Stop()
		watchdogC = watchdog.C
	}
	rePrompted := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-watchdogC:
			if rePrompted {
				p.log.Info("caller silent too long, ending session")
				_ = p.sess.End(ctx, "silence_timeout")
				return
			}
			rePrompted = true
			p.speak(ctx, p.srv.cfg.RePrompt)
			watchdog.Reset(silence)
		case pcm := <-p.audioIn:
			signals, err := p.buffer().Append(pcm)
			if err != nil {
				p.log.Warn("vad processing failed", "error", err)
				continue
			}
			for _, sig := range signals {
				p.handleSignal(ctx, sig)
				if sig.kind == signalComplete && watchdog != nil {
					rePrompted = false
					watchdog.Reset(silence)
				}
			}
		}
	}
}

func (p *session) handleSignal(ctx context.Context, sig utteranceSignal) {
	switch sig.kind {
	case signalSpeechStart:
		p.send(ctx, &asp.SpeechStart{SessionID: p.sess.ID()})
	case signalDiscarded:
		p.log.Debug("noise burst discarded")
	case signalComplete:
		p.state.Store(stateProcessing)
		p.speechEndedAt = time.Now()
		p.send(ctx, &asp.SpeechEnd{SessionID: p.sess.ID(), DurationMs: sig.utt.DurationMs})
		p.srv.cfg.Metrics.Utterances.Add(ctx, 1)
		p.handleUtterance(ctx, sig.utt)
		p.state.Store(stateListening)
	}
}

// handleUtterance runs one full conversation turn: transcription, LLM
// completion with tools, synthesis, and at most one deferred call action.
func (p *session) handleUtterance(ctx context.Context, utt *utterance) {
	cfg := p.srv.cfg
	met := cfg.Metrics

	pcm := utt.PCM
	rate := p.sess.Config().Audio.SampleRate
	if rate != cfg.STTSampleRate {
		pcm = audio.ResampleMono16(pcm, rate, cfg.STTSampleRate)
		rate = cfg.STTSampleRate
	}

	sttStart := time.Now()
	res, err := cfg.STT.Transcribe(ctx, pcm, rate)
	met.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		p.log.Warn("transcription failed, dropping utterance", "error", err)
		met.RecordProviderError(ctx, "stt", "transcribe")
		return
	}
	if res.Text == "" {
		p.log.Debug("empty transcription, dropping utterance")
		return
	}
	p.log.Info("utterance transcribed", "text", res.Text, "confidence", res.Confidence, "forced", utt.Forced)

	p.history = append(p.history, llm.Message{Role: "user", Content: res.Text})

	action := p.respond(ctx)
	if action != nil {
		p.send(ctx, action)
		p.unresolved = 0
		return
	}

	p.unresolved++
	pol := p.srv.policy.Load()
	if pol.EscalationTarget != "" && p.unresolved >= pol.MaxUnresolved {
		p.log.Info("escalating to human", "turns_without_action", p.unresolved)
		if pol.EscalationNotice != "" {
			p.speak(ctx, pol.EscalationNotice)
		}
		p.send(ctx, &asp.CallAction{
			SessionID: p.sess.ID(),
			Action:    "transfer",
			Target:    pol.EscalationTarget,
			Reason:    "escalation",
		})
		p.unresolved = 0
	}
}

// respond runs one LLM response cycle. response.start and response.end
// always bracket the cycle, even when the LLM or TTS fails; the returned
// call action, if any, must be sent only after response.end.
func (p *session) respond(ctx context.Context) *asp.CallAction {
	cfg := p.srv.cfg

	p.state.Store(stateResponding)
	p.send(ctx, &asp.ResponseStart{SessionID: p.sess.ID()})
	defer p.send(ctx, &asp.ResponseEnd{SessionID: p.sess.ID()})

	llmCtx, cancelLLM := context.WithTimeout(ctx, cfg.LLMTimeout)
	defer cancelLLM()

	llmStart := time.Now()
	chunks, err := cfg.LLM.StreamCompletion(llmCtx, llm.CompletionRequest{
		Messages:     p.history,
		Tools:        callTools(),
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		SystemPrompt: p.srv.policy.Load().SystemPrompt,
	})
	if err != nil {
		p.log.Error("llm stream failed", "error", err)
		cfg.Metrics.RecordProviderError(ctx, "llm", "completion")
		p.speak(ctx, cfg.Apology)
		return nil
	}

	textCh := make(chan string, 8)
	resultCh := make(chan cycleResult, 1)
	go func() {
		resultCh <- forwardResponse(llmCtx, chunks, textCh)
		close(textCh)
	}()

	p.streamSpeech(ctx, textCh)

	result := <-resultCh
	cfg.Metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	if result.err != nil {
		p.log.Error("llm stream aborted", "error", result.err)
		cfg.Metrics.RecordProviderError(ctx, "llm", "completion")
		if result.text == "" {
			p.speak(ctx, cfg.Apology)
		}
		return nil
	}

	if result.text != "" || len(result.toolCalls) > 0 {
		p.history = append(p.history, llm.Message{
			Role:      "assistant",
			Content:   result.text,
			ToolCalls: result.toolCalls,
		})
	}
	return p.resolveAction(ctx, result.toolCalls)
}

// resolveAction maps the cycle's tool calls to at most one call action. The
// first valid call wins; invalid or unknown calls are reported back into the
// conversation so the model can correct itself.
func (p *session) resolveAction(ctx context.Context, calls []llm.ToolCall) *asp.CallAction {
	cfg := p.srv.cfg
	var action *asp.CallAction
	for _, tc := range calls {
		if action != nil {
			p.toolResult(tc, "Ignored: another call action is already queued for this turn.")
			continue
		}
		switch tc.Name {
		case toolTransferCall:
			var args transferArgs
			if err := decodeToolArgs(tc, &args); err != nil {
				cfg.Metrics.RecordToolCall(ctx, tc.Name, "error")
				p.toolResult(tc, "Error: "+err.Error())
				continue
			}
			ext, err := p.srv.policy.Load().Directory.Resolve(args.Target)
			if err != nil {
				p.log.Warn("transfer target did not resolve", "target", args.Target, "error", err)
				cfg.Metrics.RecordToolCall(ctx, tc.Name, "unresolved")
				p.toolResult(tc, "Error: "+err.Error())
				continue
			}
			cfg.Metrics.RecordToolCall(ctx, tc.Name, "ok")
			action = &asp.CallAction{
				SessionID: p.sess.ID(),
				Action:    "transfer",
				Target:    ext,
				Reason:    args.Reason,
			}
			p.toolResult(tc, "Action queued for execution.")
		case toolEndCall:
			var args endCallArgs
			if err := decodeToolArgs(tc, &args); err != nil {
				cfg.Metrics.RecordToolCall(ctx, tc.Name, "error")
				p.toolResult(tc, "Error: "+err.Error())
				continue
			}
			cfg.Metrics.RecordToolCall(ctx, tc.Name, "ok")
			action = &asp.CallAction{
				SessionID: p.sess.ID(),
				Action:    "hangup",
				Reason:    args.Reason,
			}
			p.toolResult(tc, "Action queued for execution.")
		default:
			p.log.Warn("unknown tool requested", "tool", tc.Name)
			cfg.Metrics.RecordToolCall(ctx, tc.Name, "unknown")
			p.toolResult(tc, "Error: unknown tool.")
		}
	}
	return action
}

func (p *session) toolResult(tc llm.ToolCall, content string) {
	p.history = append(p.history, llm.Message{
		Role:       "tool",
		ToolCallID: tc.ID,
		Content:    content,
	})
}

// speak synthesises a fixed phrase as its own response cycle. Used for the
// greeting, apologies, and the escalation notice.
func (p *session) speak(ctx context.Context, text string) {
	prev := p.state.Swap(stateResponding)
	p.send(ctx, &asp.ResponseStart{SessionID: p.sess.ID()})
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	p.streamSpeech(ctx, textCh)
	p.send(ctx, &asp.ResponseEnd{SessionID: p.sess.ID()})
	p.state.Store(prev)
}

// streamSpeech pipes a text stream through TTS and forwards the synthesised
// audio to the session, resampled to the negotiated rate.
func (p *session) streamSpeech(ctx context.Context, textCh <-chan string) {
	cfg := p.srv.cfg

	ttsStart := time.Now()
	audioCh, err := cfg.TTS.SynthesizeStream(ctx, textCh, cfg.Voice)
	if err != nil {
		p.log.Error("tts stream failed", "error", err)
		cfg.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		// The provider will not consume textCh; drain it so the sentence
		// forwarder does not block.
		go func() {
			for range textCh {
			}
		}()
		return
	}

	outRate := p.sess.Config().Audio.SampleRate
	first := true
	for pcm := range audioCh {
		if first {
			first = false
			if !p.speechEndedAt.IsZero() {
				cfg.Metrics.ResponseTTFB.Record(ctx, time.Since(p.speechEndedAt).Seconds())
			}
		}
		if cfg.TTSSampleRate != outRate {
			pcm = audio.ResampleMono16(pcm, cfg.TTSSampleRate, outRate)
		}
		if err := p.sess.SendAudio(ctx, pcm); err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Warn("outbound audio write failed", "error", err)
			}
			go drainAudio(audioCh)
			return
		}
	}
	cfg.Metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
}

func (p *session) send(ctx context.Context, msg asp.Message) {
	if err := p.sess.SendControl(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("control send failed", "type", msg.MessageType(), "error", err)
	}
}

// cycleResult is everything collected from one LLM chunk stream.
type cycleResult struct {
	text      string
	toolCalls []llm.ToolCall
	err       error
}

// forwardResponse reads token chunks from ch, flushes complete sentences to
// textCh for synthesis, and collects the full text plus any tool calls. Any
// text remaining when the stream ends is flushed as a final fragment.
func forwardResponse(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string) cycleResult {
	var (
		result cycleResult
		buf    strings.Builder
		full   strings.Builder
	)
	flush := func(s string) bool {
		select {
		case textCh <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case <-ctx.Done():
			result.err = ctx.Err()
			result.text = full.String()
			go drainChunks(ch)
			return result
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				result.text = full.String()
				return result
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}
			if len(chunk.ToolCalls) > 0 {
				result.toolCalls = append(result.toolCalls, chunk.ToolCalls...)
			}

			// Flush complete sentences eagerly for lower TTS latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				if !flush(sentence) {
					result.err = ctx.Err()
					result.text = full.String()
					go drainChunks(ch)
					return result
				}
			}

			if chunk.FinishReason != "" {
				if chunk.FinishReason == "error" {
					result.err = errors.New("provider stream error")
				}
				if buf.Len() > 0 {
					flush(buf.String())
				}
				result.text = full.String()
				go drainChunks(ch)
				return result
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1 if none exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards the remainder of an LLM stream so the provider's
// goroutine does not block when the consumer returns early.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func drainAudio(ch <-chan []byte) {
	for range ch {
	}
}
