// Package energy provides an RMS-energy VAD engine with no external model
// dependency. It is the default engine for telephony audio: narrowband
// speech has a strong energy contrast against comfort noise, and the
// per-frame cost is a single pass over the samples.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// referenceRMS is the RMS amplitude at which the speech probability
// saturates to 1.0. Telephone speech typically peaks around 5-15 % of
// full scale; 10 % keeps the default 0.5 threshold in the useful range.
const referenceRMS = 3276.8

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Engine creates RMS-energy VAD sessions.
type Engine struct{}

// New returns a ready Engine. The engine holds no state; all detection state
// lives in the sessions.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("energy: threshold %g out of [0,1]", cfg.Threshold)
	}
	if cfg.RingBufferFrames <= 0 {
		return nil, fmt.Errorf("energy: invalid ring size %d", cfg.RingBufferFrames)
	}
	if cfg.SpeechRatio < 0 || cfg.SpeechRatio > 1 {
		return nil, fmt.Errorf("energy: speech ratio %g out of [0,1]", cfg.SpeechRatio)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		ring:       make([]bool, cfg.RingBufferFrames),
	}, nil
}

// session holds the per-stream detection state: a sliding window of frame
// classifications plus counters for the active speech segment.
type session struct {
	cfg        vad.Config
	frameBytes int

	// ring holds the last RingBufferFrames speech/silence classifications.
	ring    []bool
	ringPos int
	ringLen int

	inSpeech  bool
	speechMs  int
	silenceMs int

	closed bool
}

var errClosed = errors.New("energy: session is closed")

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := probability(frame)
	isSpeech := prob >= s.cfg.Threshold

	s.ring[s.ringPos] = isSpeech
	s.ringPos = (s.ringPos + 1) % len(s.ring)
	if s.ringLen < len(s.ring) {
		s.ringLen++
	}

	ev := vad.VADEvent{Probability: prob}

	if !s.inSpeech {
		if s.ringLen == len(s.ring) && s.speechFraction() >= s.cfg.SpeechRatio {
			s.inSpeech = true
			s.speechMs = s.ringLen * s.cfg.FrameSizeMs
			s.silenceMs = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
		ev.Type = vad.VADSilence
		return ev, nil
	}

	s.speechMs += s.cfg.FrameSizeMs
	if isSpeech {
		s.silenceMs = 0
	} else {
		s.silenceMs += s.cfg.FrameSizeMs
	}

	if s.silenceMs >= s.cfg.SilenceThresholdMs {
		spoken := s.speechMs - s.silenceMs
		s.resetSegment()
		if spoken >= s.cfg.MinSpeechMs {
			ev.Type = vad.VADSpeechEnd
		} else {
			// Too short to be an utterance; treat as a noise burst.
			ev.Type = vad.VADSilence
		}
		return ev, nil
	}

	ev.Type = vad.VADSpeechContinue
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.resetSegment()
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

func (s *session) resetSegment() {
	s.inSpeech = false
	s.speechMs = 0
	s.silenceMs = 0
	s.ringLen = 0
	s.ringPos = 0
}

func (s *session) speechFraction() float64 {
	count := 0
	for i := range s.ringLen {
		if s.ring[i] {
			count++
		}
	}
	return float64(count) / float64(s.ringLen)
}

// probability maps the RMS amplitude of a 16-bit PCM frame to [0.0, 1.0],
// saturating at referenceRMS.
func probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2])))
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(n))
	return min(rms/referenceRMS, 1.0)
}
