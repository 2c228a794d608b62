// Package app wires configuration to concrete providers and the runtime
// pieces shared by the voxbridge and voxagent binaries.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/provider/embeddings"
	ollamaembed "github.com/voxbridge/voxbridge/pkg/provider/embeddings/ollama"
	oaembed "github.com/voxbridge/voxbridge/pkg/provider/embeddings/openai"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/anyllm"
	oaillm "github.com/voxbridge/voxbridge/pkg/provider/llm/openai"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/stt/deepgram"
	"github.com/voxbridge/voxbridge/pkg/provider/stt/whisper"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/coqui"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/elevenlabs"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
	"github.com/voxbridge/voxbridge/pkg/provider/vad/energy"
)

// Providers holds the instantiated providers named in the configuration.
// Nil fields mean the provider kind was not configured.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// builtinProviders maps provider category names to the implementations that
// ship with voxbridge. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the matching
// provider from the real implementation packages.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the native OpenAI client; anthropic, gemini,
	// deepseek, mistral, groq, llamacpp, and llamafile share the any-llm
	// pattern: optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// whisper runs locally; Model is the ggml model file path.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// BuildProviders instantiates all providers named in cfg using the registry.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		if fbs := cfg.Providers.LLM.Fallbacks; len(fbs) > 0 {
			group := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
			for _, fb := range fbs {
				fp, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, fp)
			}
			p = group
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name,
			"fallbacks", len(cfg.Providers.LLM.Fallbacks))
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		if fbs := cfg.Providers.STT.Fallbacks; len(fbs) > 0 {
			group := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
			for _, fb := range fbs {
				fp, err := reg.CreateSTT(fb)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, fp)
			}
			p = group
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name,
			"fallbacks", len(cfg.Providers.STT.Fallbacks))
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		if fbs := cfg.Providers.TTS.Fallbacks; len(fbs) > 0 {
			group := resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
			for _, fb := range fbs {
				fp, err := reg.CreateTTS(fb)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, fp)
			}
			p = group
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", name,
			"fallbacks", len(cfg.Providers.TTS.Fallbacks))
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	// VAD defaults to the energy engine; every pipeline stage needs one.
	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	p, err := reg.CreateVAD(vadEntry)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", vadEntry.Name, err)
	}
	ps.VAD = p

	return ps, nil
}

// ErrNoProvider is returned by Require* helpers when a needed provider is
// not configured.
var ErrNoProvider = errors.New("app: required provider not configured")

// RequirePipeline checks that the STT, LLM, and TTS stages are all present.
func (p *Providers) RequirePipeline() error {
	var missing []string
	if p.STT == nil {
		missing = append(missing, "stt")
	}
	if p.LLM == nil {
		missing = append(missing, "llm")
	}
	if p.TTS == nil {
		missing = append(missing, "tts")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrNoProvider, missing)
	}
	return nil
}

// VADConfig maps the configured defaults onto an engine session config for
// the given audio format.
func VADConfig(audioCfg config.AudioConfig, vadCfg config.VADConfig) vad.Config {
	return vad.Config{
		SampleRate:         audioCfg.SampleRate,
		FrameSizeMs:        audioCfg.FrameDurationMs,
		Threshold:          vadCfg.Threshold,
		RingBufferFrames:   vadCfg.RingBufferFrames,
		SpeechRatio:        vadCfg.SpeechRatio,
		SilenceThresholdMs: vadCfg.SilenceThresholdMs,
		MinSpeechMs:        vadCfg.MinSpeechMs,
	}
}

// NewLogger builds the process-wide text logger at the configured level. The
// returned LevelVar adjusts the level at runtime, e.g. on config reload.
func NewLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(SlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

// SlogLevel maps a config log level onto its slog equivalent. Unknown values
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
