package asp

// Audio encodings negotiable per session. Everything is mono; multi-channel
// audio is out of scope for a telephony leg.
const (
	EncodingPCM16 = "pcm_s16le"
	EncodingMulaw = "mulaw"
	EncodingAlaw  = "alaw"
)

// AudioConfig describes the binary audio framing of a session. Audio
// parameters are immutable once a session has been accepted.
type AudioConfig struct {
	SampleRate      int    `json:"sample_rate"`
	Encoding        string `json:"encoding"`
	Channels        int    `json:"channels"`
	FrameDurationMs int    `json:"frame_duration_ms"`
}

// DefaultAudioConfig returns the telephony default: 8 kHz mono linear PCM in
// 20 ms frames. Legacy (pre-negotiation) sessions always run with this config.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:      8000,
		Encoding:        EncodingPCM16,
		Channels:        1,
		FrameDurationMs: 20,
	}
}

// withDefaults fills zero-valued fields so that a partial session.start
// request negotiates against concrete values.
func (a AudioConfig) withDefaults() AudioConfig {
	def := DefaultAudioConfig()
	if a.SampleRate == 0 {
		a.SampleRate = def.SampleRate
	}
	if a.Encoding == "" {
		a.Encoding = def.Encoding
	}
	if a.Channels == 0 {
		a.Channels = def.Channels
	}
	if a.FrameDurationMs == 0 {
		a.FrameDurationMs = def.FrameDurationMs
	}
	return a
}

// FrameBytes returns the payload size in bytes of one linear-PCM frame.
func (a AudioConfig) FrameBytes() int {
	return a.SampleRate * a.FrameDurationMs / 1000 * 2
}

// VADConfig holds the tunable voice-activity-detection parameters of a
// session. Unlike audio parameters, the VAD block may be replaced mid-session
// via session.update.
type VADConfig struct {
	Enabled            bool    `json:"enabled"`
	SilenceThresholdMs int     `json:"silence_threshold_ms"`
	MinSpeechMs        int     `json:"min_speech_ms"`
	Threshold          float64 `json:"threshold"`
	RingBufferFrames   int     `json:"ring_buffer_frames"`
	SpeechRatio        float64 `json:"speech_ratio"`
	PrefixPaddingMs    int     `json:"prefix_padding_ms"`
}

// DefaultVADConfig returns the VAD defaults used when a client supplies no
// vad block.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Enabled:            true,
		SilenceThresholdMs: 500,
		MinSpeechMs:        250,
		Threshold:          0.5,
		RingBufferFrames:   5,
		SpeechRatio:        0.4,
		PrefixPaddingMs:    300,
	}
}

// withDefaults substitutes defaults for fields the client left unset. A field
// that was genuinely requested as zero is indistinguishable from an absent
// one; zero is below every tunable's range, so the clamp would reject it to
// the lower bound anyway and the default is the friendlier interpretation.
func (v VADConfig) withDefaults() VADConfig {
	def := DefaultVADConfig()
	if v.SilenceThresholdMs == 0 {
		v.SilenceThresholdMs = def.SilenceThresholdMs
	}
	if v.MinSpeechMs == 0 {
		v.MinSpeechMs = def.MinSpeechMs
	}
	if v.Threshold == 0 {
		v.Threshold = def.Threshold
	}
	if v.RingBufferFrames == 0 {
		v.RingBufferFrames = def.RingBufferFrames
	}
	if v.SpeechRatio == 0 {
		v.SpeechRatio = def.SpeechRatio
	}
	if v.PrefixPaddingMs == 0 {
		v.PrefixPaddingMs = def.PrefixPaddingMs
	}
	return v
}

// Adjustment records one VAD field that was snapped into range during
// negotiation.
type Adjustment struct {
	Field     string  `json:"field"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Reason    string  `json:"reason"`
}

// NegotiatedConfig is the per-session configuration produced by negotiation
// and echoed back in session.started. The audio portion is immutable; the VAD
// portion may be replaced by a later successful session.update.
type NegotiatedConfig struct {
	Audio       AudioConfig  `json:"audio"`
	VAD         VADConfig    `json:"vad"`
	Adjustments []Adjustment `json:"adjustments"`
}
