package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
server:
  listen_addr: ":8080"
telephony:
  sip:
    server: pbx.example.com
    username: voxbridge
    password: secret
`

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameDurationMs != 20 {
		t.Errorf("frame duration = %d, want 20", cfg.Audio.FrameDurationMs)
	}
	if cfg.Audio.Encoding != "pcm16" {
		t.Errorf("encoding = %q, want pcm16", cfg.Audio.Encoding)
	}
	if cfg.VAD.SilenceThresholdMs != 500 || cfg.VAD.PrefixPaddingMs != 300 {
		t.Errorf("vad defaults not applied: %+v", cfg.VAD)
	}
	if cfg.Fork.RingBufferMs != 500 || cfg.Fork.DegradeMs != 60000 {
		t.Errorf("fork defaults not applied: %+v", cfg.Fork)
	}
	if cfg.Session.IdleS != 300 || cfg.Session.SessionMaxS != 3600 || cfg.Session.HandshakeS != 30 {
		t.Errorf("session defaults not applied: %+v", cfg.Session)
	}
	if cfg.Agent.LLMTimeoutS != 15 || cfg.Agent.MaxUnresolvedInteractions != 3 {
		t.Errorf("agent defaults not applied: %+v", cfg.Agent)
	}
	if cfg.Telephony.SIP.ServerPort != 5060 || cfg.Telephony.SIP.RegisterExpiry != 300 {
		t.Errorf("sip defaults not applied: %+v", cfg.Telephony.SIP)
	}
	if cfg.Telephony.AMI.Port != 5038 {
		t.Errorf("ami port = %d, want 5038", cfg.Telephony.AMI.Port)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  bogus_field: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Server.LogLevel = "loud"
	cfg.Audio.Encoding = "opus"
	cfg.VAD.Threshold = 1.5
	cfg.Telephony.AMI.Host = "pbx.example.com"
	cfg.Agent.Directory = map[string]string{"billing": ""}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{
		"server.log_level",
		"audio.encoding",
		"vad.threshold",
		"telephony.ami.username",
		"telephony.ami.secret",
		`agent.directory["billing"]`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SAMPLE_RATE", "16000")
	t.Setenv("VAD_THRESHOLD", "0.7")
	t.Setenv("VAD_ENABLED", "true")
	t.Setenv("T_IDLE_S", "120")
	t.Setenv("BARGE_IN_ENABLED", "true")
	t.Setenv("MAX_UNRESOLVED_INTERACTIONS", "5")
	t.Setenv("DEFAULT_TRANSFER_TARGET", "2000")
	t.Setenv("AMI_HOST", "pbx.internal")
	t.Setenv("AMI_USERNAME", "manager")
	t.Setenv("AMI_SECRET", "hunter2")
	t.Setenv("RING_BUFFER_MS", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.VAD.Threshold != 0.7 {
		t.Errorf("vad threshold = %v, want 0.7", cfg.VAD.Threshold)
	}
	if !cfg.VAD.Enabled {
		t.Error("vad not enabled")
	}
	if cfg.Session.IdleS != 120 {
		t.Errorf("idle = %d, want 120", cfg.Session.IdleS)
	}
	if !cfg.Agent.BargeInEnabled {
		t.Error("barge-in not enabled")
	}
	if cfg.Agent.MaxUnresolvedInteractions != 5 {
		t.Errorf("max unresolved = %d, want 5", cfg.Agent.MaxUnresolvedInteractions)
	}
	if cfg.Agent.DefaultTransferTarget != "2000" {
		t.Errorf("transfer target = %q, want 2000", cfg.Agent.DefaultTransferTarget)
	}
	if cfg.Telephony.AMI.Host != "pbx.internal" || cfg.Telephony.AMI.Username != "manager" {
		t.Errorf("ami override not applied: %+v", cfg.Telephony.AMI)
	}
	if cfg.Fork.RingBufferMs != 250 {
		t.Errorf("ring buffer = %d, want 250", cfg.Fork.RingBufferMs)
	}

	// File values not overridden by the environment survive.
	if cfg.Telephony.SIP.Server != "pbx.example.com" {
		t.Errorf("sip server = %q, want pbx.example.com", cfg.Telephony.SIP.Server)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("SIP_SERVER", "pbx.example.com")
	t.Setenv("SIP_USERNAME", "voxbridge")
	t.Setenv("SIP_PASSWORD", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with empty path: %v", err)
	}
	if cfg.Telephony.SIP.Server != "pbx.example.com" {
		t.Errorf("sip server = %q, want pbx.example.com", cfg.Telephony.SIP.Server)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want default 8000", cfg.Audio.SampleRate)
	}
}

func TestLoadRequiresAMICredentialsFromEnv(t *testing.T) {
	t.Setenv("AMI_HOST", "pbx.internal")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for AMI host without credentials")
	}
}

func TestMalformedEnvOverridesIgnored(t *testing.T) {
	t.Setenv("SAMPLE_RATE", "not-a-number")
	t.Setenv("VAD_ENABLED", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want default 8000", cfg.Audio.SampleRate)
	}
	if cfg.VAD.Enabled {
		t.Error("malformed boolean override should not enable vad")
	}
}
