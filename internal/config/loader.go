package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, fills defaults, and returns a validated [Config]. An empty path
// skips the file stage so a deployment can configure itself entirely from the
// environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are NOT applied; useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from environment variables. Every
// recognised key has an override; malformed numeric or boolean values are
// ignored with a warning rather than treated as fatal.
func (c *Config) ApplyEnv() {
	envStr(&c.Server.ListenAddr, "LISTEN_ADDR")
	envStr(&c.Server.MetricsAddr, "METRICS_ADDR")
	envStr(&c.Server.AgentURL, "AGENT_URL")
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.Server.LogLevel = LogLevel(v)
	}

	envInt(&c.Audio.SampleRate, "SAMPLE_RATE")
	envInt(&c.Audio.FrameDurationMs, "FRAME_DURATION_MS")
	envStr(&c.Audio.Encoding, "ENCODING")

	envBool(&c.VAD.Enabled, "VAD_ENABLED")
	envInt(&c.VAD.SilenceThresholdMs, "VAD_SILENCE_THRESHOLD_MS")
	envInt(&c.VAD.MinSpeechMs, "VAD_MIN_SPEECH_MS")
	envFloat(&c.VAD.Threshold, "VAD_THRESHOLD")
	envInt(&c.VAD.RingBufferFrames, "VAD_RING_BUFFER_FRAMES")
	envFloat(&c.VAD.SpeechRatio, "VAD_SPEECH_RATIO")
	envInt(&c.VAD.PrefixPaddingMs, "VAD_PREFIX_PADDING_MS")

	envInt(&c.Fork.RingBufferMs, "RING_BUFFER_MS")
	envInt(&c.Fork.DegradeMs, "T_DEGRADE_MS")
	envStr(&c.Fork.FallbackAudioFile, "FALLBACK_AUDIO_FILE")

	envInt(&c.Session.IdleS, "T_IDLE_S")
	envInt(&c.Session.SessionMaxS, "T_SESSION_MAX_S")
	envInt(&c.Session.HandshakeS, "T_HANDSHAKE_S")

	envBool(&c.Agent.BargeInEnabled, "BARGE_IN_ENABLED")
	envInt(&c.Agent.MaxBufferSeconds, "MAX_BUFFER_SECONDS")
	envInt(&c.Agent.LLMMaxTokens, "LLM_MAX_TOKENS")
	envInt(&c.Agent.LLMTimeoutS, "LLM_TIMEOUT_S")
	envInt(&c.Agent.MaxUnresolvedInteractions, "MAX_UNRESOLVED_INTERACTIONS")
	envStr(&c.Agent.DefaultTransferTarget, "DEFAULT_TRANSFER_TARGET")
	envStr(&c.Agent.SystemPrompt, "SYSTEM_PROMPT")
	envStr(&c.Agent.Greeting, "GREETING")

	envStr(&c.Telephony.SIP.Server, "SIP_SERVER")
	envInt(&c.Telephony.SIP.ServerPort, "SIP_SERVER_PORT")
	envStr(&c.Telephony.SIP.Username, "SIP_USERNAME")
	envStr(&c.Telephony.SIP.AuthUsername, "SIP_AUTH_USERNAME")
	envStr(&c.Telephony.SIP.Password, "SIP_PASSWORD")
	envStr(&c.Telephony.SIP.LocalIP, "SIP_LOCAL_IP")
	envInt(&c.Telephony.SIP.Port, "SIP_PORT")
	envInt(&c.Telephony.SIP.RegisterExpiry, "SIP_REGISTER_EXPIRY")

	envStr(&c.Telephony.AMI.Host, "AMI_HOST")
	envInt(&c.Telephony.AMI.Port, "AMI_PORT")
	envStr(&c.Telephony.AMI.Username, "AMI_USERNAME")
	envStr(&c.Telephony.AMI.Secret, "AMI_SECRET")

	envStr(&c.Transcript.PostgresDSN, "TRANSCRIPT_POSTGRES_DSN")
	envInt(&c.Transcript.EmbeddingDimensions, "TRANSCRIPT_EMBEDDING_DIMENSIONS")
	envStr(&c.Transcript.Language, "TRANSCRIPT_LANGUAGE")
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Called by [Load] after environment overrides; safe to call repeatedly.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 8000
	}
	if c.Audio.FrameDurationMs == 0 {
		c.Audio.FrameDurationMs = 20
	}
	if c.Audio.Encoding == "" {
		c.Audio.Encoding = "pcm16"
	}

	if c.VAD.SilenceThresholdMs == 0 {
		c.VAD.SilenceThresholdMs = 500
	}
	if c.VAD.MinSpeechMs == 0 {
		c.VAD.MinSpeechMs = 250
	}
	if c.VAD.Threshold == 0 {
		c.VAD.Threshold = 0.5
	}
	if c.VAD.RingBufferFrames == 0 {
		c.VAD.RingBufferFrames = 5
	}
	if c.VAD.SpeechRatio == 0 {
		c.VAD.SpeechRatio = 0.4
	}
	if c.VAD.PrefixPaddingMs == 0 {
		c.VAD.PrefixPaddingMs = 300
	}

	if c.Fork.RingBufferMs == 0 {
		c.Fork.RingBufferMs = 500
	}
	if c.Fork.DegradeMs == 0 {
		c.Fork.DegradeMs = 60000
	}

	if c.Session.IdleS == 0 {
		c.Session.IdleS = 300
	}
	if c.Session.SessionMaxS == 0 {
		c.Session.SessionMaxS = 3600
	}
	if c.Session.HandshakeS == 0 {
		c.Session.HandshakeS = 30
	}

	if c.Agent.MaxBufferSeconds == 0 {
		c.Agent.MaxBufferSeconds = 60
	}
	if c.Agent.LLMTimeoutS == 0 {
		c.Agent.LLMTimeoutS = 15
	}
	if c.Agent.MaxUnresolvedInteractions == 0 {
		c.Agent.MaxUnresolvedInteractions = 3
	}

	if c.Telephony.SIP.ServerPort == 0 {
		c.Telephony.SIP.ServerPort = 5060
	}
	if c.Telephony.SIP.Port == 0 {
		c.Telephony.SIP.Port = 5060
	}
	if c.Telephony.SIP.RegisterExpiry == 0 {
		c.Telephony.SIP.RegisterExpiry = 300
	}
	if c.Telephony.AMI.Port == 0 {
		c.Telephony.AMI.Port = 5038
	}

	if c.Transcript.EmbeddingDimensions == 0 {
		c.Transcript.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch cfg.Audio.Encoding {
	case "", "pcm16", "mulaw", "alaw":
	default:
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: pcm16, mulaw, alaw", cfg.Audio.Encoding))
	}
	if cfg.Audio.FrameDurationMs < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must not be negative", cfg.Audio.FrameDurationMs))
	}

	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SpeechRatio < 0 || cfg.VAD.SpeechRatio > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_ratio %.2f is out of range [0, 1]", cfg.VAD.SpeechRatio))
	}

	// AMI credentials are required whenever a host is configured.
	if cfg.Telephony.AMI.Host != "" {
		if cfg.Telephony.AMI.Username == "" {
			errs = append(errs, errors.New("telephony.ami.username is required when telephony.ami.host is set"))
		}
		if cfg.Telephony.AMI.Secret == "" {
			errs = append(errs, errors.New("telephony.ami.secret is required when telephony.ami.host is set"))
		}
	}
	if cfg.Telephony.AMI.Host == "" && cfg.Agent.DefaultTransferTarget != "" {
		slog.Warn("agent.default_transfer_target is set but telephony.ami.host is empty; escalation transfers cannot be executed")
	}

	// Provider name validation warns for unknown provider names.
	validateProviderEntry("llm", cfg.Providers.LLM)
	validateProviderEntry("stt", cfg.Providers.STT)
	validateProviderEntry("tts", cfg.Providers.TTS)
	validateProviderEntry("embeddings", cfg.Providers.Embeddings)
	validateProviderEntry("vad", cfg.Providers.VAD)

	// Directory extensions must be dialable.
	for name, ext := range cfg.Agent.Directory {
		if ext == "" {
			errs = append(errs, fmt.Errorf("agent.directory[%q] has an empty extension", name))
		}
	}

	if cfg.Transcript.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("transcript.postgres_dsn is set but providers.embeddings is not; segments will be stored without vectors")
	}

	return errors.Join(errs...)
}

// validateProviderEntry checks the entry's name and the names of its
// fallbacks against the known provider list for the kind.
func validateProviderEntry(kind string, entry ProviderEntry) {
	validateProviderName(kind, entry.Name)
	for _, fb := range entry.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func envFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed float environment override", "key", key, "value", v)
		return
	}
	*dst = f
}

func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed boolean environment override", "key", key, "value", v)
		return
	}
	*dst = b
}
