package stt

import "time"

// Result is the transcription of one complete utterance.
type Result struct {
	// Text is the transcribed speech, trimmed. Empty when the provider heard
	// no speech in the buffer.
	Text string

	// Confidence is the overall confidence score (0.0 to 1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Language is the BCP-47 tag the transcription ran with. Empty when the
	// provider does not report it.
	Language string

	// Words contains per-word detail when available (Deepgram). Nil for
	// providers without word-level output.
	Words []WordDetail

	// Duration is the audio length that was transcribed.
	Duration time.Duration
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
