package asp

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Version is the protocol version spoken by this build. Major-version
// mismatch between peers is a hard reject.
const Version = "1.0.0"

// Feature tags advertised in protocol.capabilities.
const (
	FeatureBargeIn      = "barge_in"
	FeatureStreamingTTS = "streaming_tts"
)

// Capabilities is the server-declared protocol surface, sent exactly once per
// connection immediately after transport accept.
type Capabilities struct {
	Version          string   `json:"version"`
	SampleRates      []int    `json:"supported_sample_rates"`
	Encodings        []string `json:"supported_encodings"`
	FrameDurationsMs []int    `json:"supported_frame_durations_ms"`
	VADConfigurable  bool     `json:"vad_configurable"`
	VADTunableParams []string `json:"vad_tunable_params"`
	Features         []string `json:"features"`
}

// DefaultCapabilities returns the full capability set of this implementation.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Version:          Version,
		SampleRates:      []int{8000, 16000, 24000, 48000},
		Encodings:        []string{EncodingPCM16, EncodingMulaw, EncodingAlaw},
		FrameDurationsMs: []int{10, 20, 30},
		VADConfigurable:  true,
		VADTunableParams: []string{
			"enabled", "silence_threshold_ms", "min_speech_ms", "threshold",
			"ring_buffer_frames", "speech_ratio", "prefix_padding_ms",
		},
		Features: []string{FeatureBargeIn, FeatureStreamingTTS},
	}
}

// SupportsSampleRate reports whether rate is in the advertised set.
func (c Capabilities) SupportsSampleRate(rate int) bool {
	return slices.Contains(c.SampleRates, rate)
}

// SupportsEncoding reports whether enc is in the advertised set.
func (c Capabilities) SupportsEncoding(enc string) bool {
	return slices.Contains(c.Encodings, enc)
}

// SupportsFrameDuration reports whether ms is in the advertised set.
func (c Capabilities) SupportsFrameDuration(ms int) bool {
	return slices.Contains(c.FrameDurationsMs, ms)
}

// MajorVersion extracts the major component of a semver string.
func MajorVersion(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("asp: malformed version %q: %w", version, err)
	}
	return major, nil
}
