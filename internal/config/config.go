// Package config provides the configuration schema, loader, and provider
// registry for the voxbridge broker and agent binaries. Configuration is
// loaded from a YAML file, and every recognised key can be overridden with
// an environment variable so containerised deployments can run file-less.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure shared by both binaries.
// The broker reads Telephony, Fork, and Session; the agent reads Providers,
// Agent, and Transcript. Loading validates only the sections a binary uses
// if it calls the section validators directly; [Validate] checks everything.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telephony  TelephonyConfig  `yaml:"telephony"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Fork       ForkConfig       `yaml:"fork"`
	Session    SessionConfig    `yaml:"session"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Agent      AgentConfig      `yaml:"agent"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the agent's websocket server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics, /healthz, and /readyz. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// AgentURL is the websocket address the broker dials to reach the agent
	// (e.g., "ws://agent:8080/session").
	AgentURL string `yaml:"agent_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the agent server. When nil, plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TelephonyConfig groups the broker's PBX-facing settings.
type TelephonyConfig struct {
	SIP SIPConfig `yaml:"sip"`
	AMI AMIConfig `yaml:"ami"`
}

// SIPConfig describes the broker's SIP endpoint registration.
type SIPConfig struct {
	// Server is the SIP registrar / proxy host.
	Server string `yaml:"server"`

	// ServerPort is the registrar's SIP port. Defaults to 5060.
	ServerPort int `yaml:"server_port"`

	// Username is the SIP account (also the default auth username).
	Username string `yaml:"username"`

	// AuthUsername overrides Username in digest challenges when set.
	AuthUsername string `yaml:"auth_username"`

	// Password authenticates digest challenges.
	Password string `yaml:"password"`

	// LocalIP is the address advertised in Contact and SDP. Empty means
	// autodetect.
	LocalIP string `yaml:"local_ip"`

	// Port is the local SIP listening port. Defaults to 5060.
	Port int `yaml:"port"`

	// RegisterExpiry is the registration lifetime in seconds. Defaults to 300.
	RegisterExpiry int `yaml:"register_expiry"`
}

// AMIConfig describes the Asterisk Manager Interface connection used for
// call-control actions. Username and Secret are required whenever Host is
// set: an unauthenticated manager session cannot log in.
type AMIConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`
}

// AudioConfig sets the session defaults offered during capability
// negotiation, and the fallback format for legacy clients that skip it.
type AudioConfig struct {
	// SampleRate in Hz. Defaults to 8000.
	SampleRate int `yaml:"sample_rate"`

	// FrameDurationMs is the frame size in milliseconds. Defaults to 20.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// Encoding is the PCM encoding name. Defaults to "pcm16".
	Encoding string `yaml:"encoding"`
}

// VADConfig is the default voice activity detection tuning advertised to
// sessions. Individual sessions may renegotiate these via session.update.
type VADConfig struct {
	Enabled            bool    `yaml:"enabled"`
	SilenceThresholdMs int     `yaml:"silence_threshold_ms"`
	MinSpeechMs        int     `yaml:"min_speech_ms"`
	Threshold          float64 `yaml:"threshold"`
	RingBufferFrames   int     `yaml:"ring_buffer_frames"`
	SpeechRatio        float64 `yaml:"speech_ratio"`
	PrefixPaddingMs    int     `yaml:"prefix_padding_ms"`
}

// ForkConfig tunes the media fork fan-out between the RTP leg and its
// consumers.
type ForkConfig struct {
	// RingBufferMs is the per-consumer buffering depth in milliseconds of
	// audio. Defaults to 500.
	RingBufferMs int `yaml:"ring_buffer_ms"`

	// DegradeMs is how long the primary consumer may stay unavailable before
	// the call degrades to fallback handling. Defaults to 60000.
	DegradeMs int `yaml:"t_degrade_ms"`

	// FallbackAudioFile is an optional raw PCM file (16-bit LE, 8 kHz mono)
	// played once when a call degrades to fallback mode.
	FallbackAudioFile string `yaml:"fallback_audio_file"`
}

// SessionConfig bounds session lifetimes.
type SessionConfig struct {
	// IdleS ends a session after this many seconds without inbound audio.
	// Defaults to 300.
	IdleS int `yaml:"t_idle_s"`

	// SessionMaxS is the hard session age cap in seconds. Defaults to 3600.
	SessionMaxS int `yaml:"t_session_max_s"`

	// HandshakeS bounds the websocket handshake in seconds. Defaults to 30.
	HandshakeS int `yaml:"t_handshake_s"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	VAD        ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "nova-2", or a whisper model file path).
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists additional providers of the same kind, tried in order
	// when the primary fails or its circuit breaker is open. Nested fallback
	// lists are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// AgentConfig describes the conversational behaviour of the AI session.
type AgentConfig struct {
	// SystemPrompt is prepended to every LLM completion request.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is spoken when a session starts. Empty uses the built-in
	// default; transfer-retry sessions are never greeted.
	Greeting string `yaml:"greeting"`

	// Voice is the provider-specific TTS voice identifier.
	Voice string `yaml:"voice"`

	// MaxBufferSeconds caps a single utterance's buffered audio. Defaults
	// to 60.
	MaxBufferSeconds int `yaml:"max_buffer_seconds"`

	// BargeInEnabled allows caller speech to interrupt agent playback.
	BargeInEnabled bool `yaml:"barge_in_enabled"`

	// LLMMaxTokens caps completion length. Zero leaves it to the provider.
	LLMMaxTokens int `yaml:"llm_max_tokens"`

	// LLMTimeoutS bounds a single completion in seconds. Defaults to 15.
	LLMTimeoutS int `yaml:"llm_timeout_s"`

	// MaxUnresolvedInteractions is how many consecutive turns may end
	// without a call action before the agent escalates. Defaults to 3.
	MaxUnresolvedInteractions int `yaml:"max_unresolved_interactions"`

	// DefaultTransferTarget is the extension used when escalating. Empty
	// disables escalation.
	DefaultTransferTarget string `yaml:"default_transfer_target"`

	// Directory maps spoken department names to dialable extensions for the
	// transfer_call tool.
	Directory map[string]string `yaml:"directory"`
}

// TranscriptConfig holds settings for the transcript index side-channel.
type TranscriptConfig struct {
	// PostgresDSN is the connection string for the pgvector transcript store.
	// Empty disables transcription entirely.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of the embeddings column.
	// Must match the model configured in Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// Vocabulary lists domain names and terms the transcriber corrects
	// near-miss transcriptions toward.
	Vocabulary []string `yaml:"vocabulary"`

	// Language hints the STT language. Empty lets the provider detect it.
	Language string `yaml:"language"`
}

// Duration accessors for integer config fields.

// RingBufferDuration returns the fork buffering depth.
func (c *ForkConfig) RingBufferDuration() time.Duration {
	return time.Duration(c.RingBufferMs) * time.Millisecond
}

// DegradeDuration returns how long the primary consumer may be unavailable.
func (c *ForkConfig) DegradeDuration() time.Duration {
	return time.Duration(c.DegradeMs) * time.Millisecond
}

// IdleTimeout returns the inbound-audio idle cutoff.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleS) * time.Second
}

// MaxAge returns the hard session age cap.
func (c *SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.SessionMaxS) * time.Second
}

// HandshakeTimeout returns the websocket handshake bound.
func (c *SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeS) * time.Second
}

// LLMTimeout returns the single-completion bound.
func (c *AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutS) * time.Second
}
