package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, minimalYAML)

	w, err := NewWatcher(path, nil, WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current returned nil")
	}
	if cfg.Telephony.SIP.Server != "pbx.example.com" {
		t.Errorf("sip server = %q, want pbx.example.com", cfg.Telephony.SIP.Server)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, minimalYAML)

	var mu sync.Mutex
	var got *Config
	onChange := func(old, new *Config) {
		mu.Lock()
		got = new
		mu.Unlock()
	}

	w, err := NewWatcher(path, onChange, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Rewrite with a changed log level. The watcher compares both mtime and
	// content hash.
	updated := `
server:
  listen_addr: ":8080"
  log_level: debug
telephony:
  sip:
    server: pbx.example.com
    username: voxbridge
    password: secret
`
	writeConfigFile(t, path, updated)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("onChange never called")
	}
	if got.Server.LogLevel != LogDebug {
		t.Errorf("reloaded log level = %q, want debug", got.Server.LogLevel)
	}
	if w.Current().Server.LogLevel != LogDebug {
		t.Errorf("Current not updated after reload")
	}
}

func TestWatcherKeepsOldConfigOnInvalidUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, minimalYAML)

	var called atomic.Bool
	w, err := NewWatcher(path, func(old, new *Config) { called.Store(true) }, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "server:\n  log_level: shouting\n")

	time.Sleep(200 * time.Millisecond)

	if called.Load() {
		t.Error("onChange called for invalid config")
	}
	if got := w.Current().Telephony.SIP.Server; got != "pbx.example.com" {
		t.Errorf("old config lost after invalid update: sip server = %q", got)
	}
}
