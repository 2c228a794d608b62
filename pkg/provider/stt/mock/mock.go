// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to script transcription results and inspect submitted
// utterances:
//
//	p := &mock.Provider{Results: []stt.Result{{Text: "hello"}}}
//	res, _ := p.Transcribe(ctx, pcm, 8000)
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the submitted utterance buffer.
	PCM []byte
	// SampleRate is the rate the caller declared for the buffer.
	SampleRate int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order, one per Transcribe call. When the
	// script runs out the zero Result is returned.
	Results []stt.Result

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Calls records every invocation.
	Calls []TranscribeCall
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and pops the next scripted result.
func (p *Provider) Transcribe(_ context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.Calls = append(p.Calls, TranscribeCall{PCM: buf, SampleRate: sampleRate})

	if p.Err != nil {
		return stt.Result{}, p.Err
	}
	idx := len(p.Calls) - 1
	if idx < len(p.Results) {
		return p.Results[idx], nil
	}
	return stt.Result{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
