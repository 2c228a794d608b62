package deepgram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestTranscribe(t *testing.T) {
	var gotAuth, gotContentType string
	var gotQuery map[string][]string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotQuery = r.URL.Query()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"results": {
				"channels": [{
					"alternatives": [{
						"transcript": "transfer me to billing",
						"confidence": 0.97,
						"words": [
							{"word": "transfer", "start": 0.1, "end": 0.5, "confidence": 0.99}
						]
					}]
				}]
			}
		}`))
	}))
	defer srv.Close()

	p, err := New("test-key", WithEndpoint(srv.URL), WithModel("nova-3"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := make([]byte, 16000) // 1 s at 8 kHz
	result, err := p.Transcribe(context.Background(), pcm, 8000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if gotAuth != "Token test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "audio/raw" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if got := gotQuery["sample_rate"]; len(got) != 1 || got[0] != "8000" {
		t.Errorf("sample_rate query = %v", got)
	}
	if got := gotQuery["encoding"]; len(got) != 1 || got[0] != "linear16" {
		t.Errorf("encoding query = %v", got)
	}
	if len(gotBody) != len(pcm) {
		t.Errorf("body length = %d, want %d", len(gotBody), len(pcm))
	}

	if result.Text != "transfer me to billing" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Confidence != 0.97 {
		t.Errorf("confidence = %g", result.Confidence)
	}
	if len(result.Words) != 1 || result.Words[0].Word != "transfer" {
		t.Errorf("words = %+v", result.Words)
	}
}

func TestTranscribeEmptyBuffer(t *testing.T) {
	p, err := New("test-key", WithEndpoint("http://invalid.example"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := p.Transcribe(context.Background(), nil, 8000)
	if err != nil {
		t.Fatalf("empty buffer must not hit the network: %v", err)
	}
	if result.Text != "" {
		t.Errorf("text = %q, want empty", result.Text)
	}
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := New("test-key", WithEndpoint(srv.URL))
	if _, err := p.Transcribe(context.Background(), []byte{0, 0}, 8000); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestTranscribeNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	defer srv.Close()

	p, _ := New("test-key", WithEndpoint(srv.URL))
	result, err := p.Transcribe(context.Background(), []byte{0, 0}, 8000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if result.Text != "" {
		t.Errorf("text = %q, want empty for no speech", result.Text)
	}
}
