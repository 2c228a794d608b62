package asp

import "fmt"

// VAD parameter ranges (closed). Out-of-range values never reject a session;
// they are snapped to the nearest bound and reported as adjustments.
const (
	minSilenceThresholdMs = 100
	maxSilenceThresholdMs = 2000
	minMinSpeechMs        = 100
	maxMinSpeechMs        = 1000
	minThreshold          = 0.1
	maxThreshold          = 1.0
	minRingBufferFrames   = 3
	maxRingBufferFrames   = 10
	minSpeechRatio        = 0.2
	maxSpeechRatio        = 0.8
	minPrefixPaddingMs    = 0
	maxPrefixPaddingMs    = 500
)

// Negotiate validates a session.start request against the server's declared
// capabilities and produces the session configuration.
//
// Audio parameters outside the capability set reject the session (2001/2002/
// 2003); a protocol major-version mismatch rejects with 1004. VAD parameters
// outside their closed ranges are clamped to the nearest bound, each clamp
// recorded exactly once as an Adjustment. The clamp is per-field and
// order-independent, which makes the whole function idempotent: negotiating
// an already-negotiated config yields the same config with no adjustments.
//
// On rejection the returned config is nil and errs is non-empty.
func Negotiate(caps Capabilities, req *SessionStart) (cfg *NegotiatedConfig, status string, errs []*ProtocolError) {
	audio := DefaultAudioConfig()
	if req.Audio != nil {
		audio = req.Audio.withDefaults()
	}
	vad := DefaultVADConfig()
	if req.VAD != nil {
		vad = req.VAD.withDefaults()
		vad.Enabled = req.VAD.Enabled
	}

	if req.Version != "" {
		reqMajor, err := MajorVersion(req.Version)
		srvMajor, srvErr := MajorVersion(caps.Version)
		if err != nil || srvErr != nil || reqMajor != srvMajor {
			errs = append(errs, NewError(CodeVersionMismatch,
				fmt.Sprintf("protocol version %q is incompatible with server version %q", req.Version, caps.Version),
				false).WithDetail("server_version", caps.Version))
		}
	}

	if !caps.SupportsSampleRate(audio.SampleRate) {
		errs = append(errs, NewError(CodeUnsupportedSampleRate,
			fmt.Sprintf("sample rate %d is not supported", audio.SampleRate),
			true).WithDetail("supported", caps.SampleRates))
	}
	if !caps.SupportsEncoding(audio.Encoding) {
		errs = append(errs, NewError(CodeUnsupportedEncoding,
			fmt.Sprintf("encoding %q is not supported", audio.Encoding),
			true).WithDetail("supported", caps.Encodings))
	}
	if !caps.SupportsFrameDuration(audio.FrameDurationMs) {
		errs = append(errs, NewError(CodeUnsupportedFrameDuration,
			fmt.Sprintf("frame duration %d ms is not supported", audio.FrameDurationMs),
			true).WithDetail("supported", caps.FrameDurationsMs))
	}

	if len(errs) > 0 {
		return nil, StatusRejected, errs
	}

	vad, adjustments := ClampVAD(vad)

	status = StatusAccepted
	if len(adjustments) > 0 {
		status = StatusAcceptedWithChanges
	}
	return &NegotiatedConfig{
		Audio:       audio,
		VAD:         vad,
		Adjustments: adjustments,
	}, status, nil
}

// ClampVAD snaps every out-of-range VAD field to the nearest bound of its
// closed range and reports one Adjustment per clamped field. In-range fields
// are passed through untouched and never appear in the adjustment list.
func ClampVAD(vad VADConfig) (VADConfig, []Adjustment) {
	adjustments := make([]Adjustment, 0, 4)

	clampInt := func(field string, value, lo, hi int) int {
		if value < lo || value > hi {
			applied := value
			if applied < lo {
				applied = lo
			}
			if applied > hi {
				applied = hi
			}
			adjustments = append(adjustments, Adjustment{
				Field:     "vad." + field,
				Requested: float64(value),
				Applied:   float64(applied),
				Reason:    fmt.Sprintf("%s must be within [%d, %d]", field, lo, hi),
			})
			return applied
		}
		return value
	}
	clampFloat := func(field string, value, lo, hi float64) float64 {
		if value < lo || value > hi {
			applied := value
			if applied < lo {
				applied = lo
			}
			if applied > hi {
				applied = hi
			}
			adjustments = append(adjustments, Adjustment{
				Field:     "vad." + field,
				Requested: value,
				Applied:   applied,
				Reason:    fmt.Sprintf("%s must be within [%g, %g]", field, lo, hi),
			})
			return applied
		}
		return value
	}

	vad.SilenceThresholdMs = clampInt("silence_threshold_ms", vad.SilenceThresholdMs, minSilenceThresholdMs, maxSilenceThresholdMs)
	vad.MinSpeechMs = clampInt("min_speech_ms", vad.MinSpeechMs, minMinSpeechMs, maxMinSpeechMs)
	vad.Threshold = clampFloat("threshold", vad.Threshold, minThreshold, maxThreshold)
	vad.RingBufferFrames = clampInt("ring_buffer_frames", vad.RingBufferFrames, minRingBufferFrames, maxRingBufferFrames)
	vad.SpeechRatio = clampFloat("speech_ratio", vad.SpeechRatio, minSpeechRatio, maxSpeechRatio)
	vad.PrefixPaddingMs = clampInt("prefix_padding_ms", vad.PrefixPaddingMs, minPrefixPaddingMs, maxPrefixPaddingMs)

	return vad, adjustments
}
