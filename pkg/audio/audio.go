// Package audio defines the PCM frame type and sample-format helpers shared by
// the broker and the agent server.
//
// All audio inside the process is 16-bit little-endian mono PCM. G.711 payloads
// coming off the RTP leg are decoded at the edge (see g711.go) and re-encoded
// only when a legacy session negotiated mulaw/alaw framing.
package audio

import "time"

// Frame is a single span of mono PCM flowing through the pipeline. Frames are
// the atomic unit of transport: captured from RTP, fanned out by the fork
// manager, gated by VAD, and played back toward the caller.
type Frame struct {
	// Data is 16-bit little-endian mono PCM.
	Data []byte

	// SampleRate in Hz (8000 on the RTP leg, up to 48000 after negotiation).
	SampleRate int

	// Seq is the per-call monotonically increasing sequence number assigned
	// by the producer. Consumers use it to detect drops, never to reorder.
	Seq uint64

	// Arrival marks when the frame was captured.
	Arrival time.Time
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the payload size in bytes of one frame of durationMs
// milliseconds of 16-bit mono PCM at sampleRate.
func FrameBytes(sampleRate, durationMs int) int {
	return sampleRate * durationMs / 1000 * 2
}
