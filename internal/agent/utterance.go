package agent

import (
	"fmt"

	"github.com/voxbridge/voxbridge/pkg/asp"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// utteranceSignal is one observable transition of the utterance buffer.
type utteranceSignal struct {
	kind signalKind
	utt  *utterance
}

type signalKind int

const (
	signalSpeechStart signalKind = iota
	signalComplete
	signalDiscarded
)

// utterance is one complete caller utterance ready for transcription.
type utterance struct {
	// PCM is 16-bit little-endian mono audio at the buffer's sample rate,
	// including the prefix padding captured before speech onset.
	PCM []byte

	// DurationMs is the spoken duration, excluding the trailing silence that
	// closed the segment.
	DurationMs int

	// Forced is true when the utterance was flushed because the buffer hit
	// its size cap rather than by a detected speech end.
	Forced bool
}

// utteranceBuffer accumulates inbound PCM into complete utterances, gated by
// a VAD session. Audio arriving before speech onset is kept in a short prefix
// ring so the beginning of the first word is not clipped; once onset is
// declared the ring contents are prepended to the utterance.
//
// Not safe for concurrent use; the session's pipeline goroutine owns it.
type utteranceBuffer struct {
	vad        vad.SessionHandle
	sampleRate int
	frameBytes int
	frameMs    int
	silenceMs  int
	prefixMax  int
	maxBytes   int

	stage  []byte
	prefix [][]byte
	buf    []byte
	active bool
}

// newUtteranceBuffer builds a buffer from the session's negotiated audio and
// VAD parameters. maxBufferSeconds caps a single utterance; when reached the
// buffered audio is flushed as a forced utterance.
func newUtteranceBuffer(engine vad.Engine, audioCfg asp.AudioConfig, vadCfg asp.VADConfig, maxBufferSeconds int) (*utteranceBuffer, error) {
	if maxBufferSeconds <= 0 {
		return nil, fmt.Errorf("agent: max buffer seconds must be positive, got %d", maxBufferSeconds)
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:         audioCfg.SampleRate,
		FrameSizeMs:        audioCfg.FrameDurationMs,
		Threshold:          vadCfg.Threshold,
		RingBufferFrames:   vadCfg.RingBufferFrames,
		SpeechRatio:        vadCfg.SpeechRatio,
		SilenceThresholdMs: vadCfg.SilenceThresholdMs,
		MinSpeechMs:        vadCfg.MinSpeechMs,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: vad session: %w", err)
	}

	frameBytes := audioCfg.SampleRate * audioCfg.FrameDurationMs / 1000 * 2
	prefixMax := vadCfg.PrefixPaddingMs / audioCfg.FrameDurationMs
	return &utteranceBuffer{
		vad:        sess,
		sampleRate: audioCfg.SampleRate,
		frameBytes: frameBytes,
		frameMs:    audioCfg.FrameDurationMs,
		silenceMs:  vadCfg.SilenceThresholdMs,
		prefixMax:  prefixMax,
		maxBytes:   maxBufferSeconds * audioCfg.SampleRate * 2,
	}, nil
}

// Append feeds inbound PCM into the buffer. The input need not be
// frame-aligned; partial frames are staged until complete. The returned
// signals report, in order, any speech onset, completed utterance, or
// discarded noise burst produced by this chunk.
func (u *utteranceBuffer) Append(pcm []byte) ([]utteranceSignal, error) {
	u.stage = append(u.stage, pcm...)

	var signals []utteranceSignal
	for len(u.stage) >= u.frameBytes {
		frame := u.stage[:u.frameBytes]
		sig, err := u.processFrame(frame)
		u.stage = u.stage[u.frameBytes:]
		if err != nil {
			return signals, err
		}
		signals = append(signals, sig...)
	}
	return signals, nil
}

func (u *utteranceBuffer) processFrame(frame []byte) ([]utteranceSignal, error) {
	ev, err := u.vad.ProcessFrame(frame)
	if err != nil {
		return nil, err
	}

	if !u.active {
		u.pushPrefix(frame)
		if ev.Type != vad.VADSpeechStart {
			return nil, nil
		}
		// Onset: seed the utterance with the prefix ring, which already
		// contains the current frame.
		u.active = true
		for _, f := range u.prefix {
			u.buf = append(u.buf, f...)
		}
		u.prefix = u.prefix[:0]
		return []utteranceSignal{{kind: signalSpeechStart}}, nil
	}

	u.buf = append(u.buf, frame...)

	switch ev.Type {
	case vad.VADSpeechEnd:
		utt := u.take(false)
		return []utteranceSignal{{kind: signalComplete, utt: utt}}, nil
	case vad.VADSilence:
		// The segment ended below the minimum speech duration; drop it.
		u.active = false
		u.buf = nil
		return []utteranceSignal{{kind: signalDiscarded}}, nil
	}

	if len(u.buf) >= u.maxBytes {
		u.vad.Reset()
		utt := u.take(true)
		return []utteranceSignal{{kind: signalComplete, utt: utt}}, nil
	}
	return nil, nil
}

// take finishes the current utterance and resets for the next one.
func (u *utteranceBuffer) take(forced bool) *utterance {
	durationMs := len(u.buf) / u.frameBytes * u.frameMs
	if !forced {
		// The segment closed after a full silence window; exclude it from
		// the spoken duration.
		durationMs -= u.silenceMs
		if durationMs < 0 {
			durationMs = 0
		}
	}
	utt := &utterance{PCM: u.buf, DurationMs: durationMs, Forced: forced}
	u.buf = nil
	u.active = false
	return utt
}

func (u *utteranceBuffer) pushPrefix(frame []byte) {
	if u.prefixMax == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	if len(u.prefix) == u.prefixMax {
		u.prefix = append(u.prefix[1:], cp)
		return
	}
	u.prefix = append(u.prefix, cp)
}

// Close releases the underlying VAD session.
func (u *utteranceBuffer) Close() error {
	return u.vad.Close()
}
