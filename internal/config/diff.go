package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; telephony,
// provider, and transport settings require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DirectoryChanged is true when the name-to-extension map differs.
	DirectoryChanged bool

	// PromptChanged is true when the system prompt or greeting differs.
	PromptChanged bool

	// EscalationChanged is true when the unresolved-turn limit or the
	// default transfer target differs.
	EscalationChanged bool

	// VocabularyChanged is true when the transcript correction vocabulary
	// differs.
	VocabularyChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DirectoryChanged || d.PromptChanged ||
		d.EscalationChanged || d.VocabularyChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !maps.Equal(old.Agent.Directory, new.Agent.Directory) {
		d.DirectoryChanged = true
	}

	if old.Agent.SystemPrompt != new.Agent.SystemPrompt || old.Agent.Greeting != new.Agent.Greeting {
		d.PromptChanged = true
	}

	if old.Agent.MaxUnresolvedInteractions != new.Agent.MaxUnresolvedInteractions ||
		old.Agent.DefaultTransferTarget != new.Agent.DefaultTransferTarget {
		d.EscalationChanged = true
	}

	if !slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) {
		d.VocabularyChanged = true
	}

	return d
}
