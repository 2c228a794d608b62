package config

import "testing"

func baseConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Agent.SystemPrompt = "You route calls."
	cfg.Agent.Directory = map[string]string{"billing": "2001"}
	cfg.Transcript.Vocabulary = []string{"billing", "Harrison"}
	return cfg
}

func TestDiffNoChanges(t *testing.T) {
	old := baseConfig()
	updated := baseConfig()

	d := Diff(old, updated)
	if d.Changed() {
		t.Errorf("identical configs reported as changed: %+v", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	old := baseConfig()
	updated := baseConfig()
	updated.Server.LogLevel = LogDebug

	d := Diff(old, updated)
	if !d.LogLevelChanged {
		t.Error("log level change not detected")
	}
	if d.NewLogLevel != LogDebug {
		t.Errorf("new log level = %q, want debug", d.NewLogLevel)
	}
}

func TestDiffDirectory(t *testing.T) {
	old := baseConfig()
	updated := baseConfig()
	updated.Agent.Directory["support"] = "2002"

	d := Diff(old, updated)
	if !d.DirectoryChanged {
		t.Error("directory change not detected")
	}
	if d.PromptChanged || d.VocabularyChanged {
		t.Errorf("unrelated changes reported: %+v", d)
	}
}

func TestDiffPromptAndEscalation(t *testing.T) {
	old := baseConfig()
	updated := baseConfig()
	updated.Agent.Greeting = "Welcome to support."
	updated.Agent.DefaultTransferTarget = "0"

	d := Diff(old, updated)
	if !d.PromptChanged {
		t.Error("greeting change not detected")
	}
	if !d.EscalationChanged {
		t.Error("transfer target change not detected")
	}
}

func TestDiffVocabulary(t *testing.T) {
	old := baseConfig()
	updated := baseConfig()
	updated.Transcript.Vocabulary = []string{"billing"}

	d := Diff(old, updated)
	if !d.VocabularyChanged {
		t.Error("vocabulary change not detected")
	}
}
