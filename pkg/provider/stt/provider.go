// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Transcription is utterance-scoped rather than streaming: voice activity
// detection upstream delimits a complete utterance and the whole PCM buffer
// is submitted in one call. This trades a little latency for much simpler
// provider plumbing: no partial-result channels, no session handles, and a
// provider failure affects exactly one utterance.
//
// Implementations must be safe for concurrent use; a single Provider serves
// every active call.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one complete utterance of 16-bit little-endian mono
	// PCM into text. sampleRate is the rate of the supplied buffer; providers
	// that require a fixed rate resample internally.
	//
	// An empty Result.Text with a nil error means the provider heard no
	// speech. Errors are transient per-utterance failures; the caller decides
	// whether to retry or drop the utterance.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}
