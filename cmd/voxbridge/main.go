// Command voxbridge is the telephony broker. It registers a SIP extension
// against the PBX, bridges each answered call's RTP audio to the AI session
// server, forks media to the transcription sink, and executes call-control
// actions over the Asterisk Manager Interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/voxbridge/voxbridge/internal/ami"
	"github.com/voxbridge/voxbridge/internal/app"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/fork"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/orchestrator"
	"github.com/voxbridge/voxbridge/internal/sipphone"
	"github.com/voxbridge/voxbridge/internal/transcript"
	"github.com/voxbridge/voxbridge/pkg/asp"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}
	if cfg.Telephony.SIP.Server == "" {
		fmt.Fprintln(os.Stderr, "voxbridge: telephony.sip.server is required")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := app.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"config", *configPath,
		"sip_server", cfg.Telephony.SIP.Server,
		"agent_url", cfg.Server.AgentURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxbridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to build metrics", "err", err)
		return 1
	}

	// ── Providers (broker side: VAD always, STT and embeddings only for the
	// transcription sink) ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── AMI control channel ───────────────────────────────────────────────────
	var (
		manager     *ami.Client
		reconnector *ami.Reconnector
	)
	if cfg.Telephony.AMI.Host != "" {
		manager = ami.NewClient(ami.Config{
			Host:     cfg.Telephony.AMI.Host,
			Port:     strconv.Itoa(cfg.Telephony.AMI.Port),
			Username: cfg.Telephony.AMI.Username,
			Secret:   cfg.Telephony.AMI.Secret,
			Logger:   logger,
		})

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := manager.Connect(connectCtx); err != nil {
			slog.Warn("initial AMI connection failed, reconnector will retry", "err", err)
		}
		cancel()

		reconnector = ami.NewReconnector(ami.ReconnectorConfig{
			Client: manager,
			Logger: logger,
		})
		reconnector.Monitor(ctx)
	} else {
		slog.Warn("no AMI host configured; transfer and hangup actions are disabled")
	}

	// ── Transcription sink ────────────────────────────────────────────────────
	var consumerFactory func(callID, callerID string) (fork.Consumer, error)
	var store *transcript.Store
	var vocabulary atomic.Pointer[[]string]
	vocabulary.Store(&cfg.Transcript.Vocabulary)
	if cfg.Transcript.PostgresDSN != "" {
		if providers.STT == nil {
			slog.Error("transcript.postgres_dsn is set but no STT provider is configured")
			return 1
		}
		store, err = transcript.NewStore(ctx, cfg.Transcript.PostgresDSN, cfg.Transcript.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		defer store.Close()

		consumerFactory = func(callID, callerID string) (fork.Consumer, error) {
			return transcript.NewConsumer(transcript.Config{
				CallID:          callID,
				SampleRate:      cfg.Audio.SampleRate,
				FrameDurationMs: cfg.Audio.FrameDurationMs,
				VAD:             app.VADConfig(cfg.Audio, cfg.VAD),
				Engine:          providers.VAD,
				STT:             providers.STT,
				Embedder:        providers.Embeddings,
				Writer:          store,
				Vocabulary:      *vocabulary.Load(),
				Language:        cfg.Transcript.Language,
				Metrics:         metrics,
				Logger:          logger,
			})
		}
		slog.Info("transcription sink enabled", "embedding_dims", cfg.Transcript.EmbeddingDimensions)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(previous, updated *config.Config) {
		diff := config.Diff(previous, updated)
		if diff.LogLevelChanged {
			logLevel.Set(app.SlogLevel(diff.NewLogLevel))
			slog.Info("log level updated", "level", diff.NewLogLevel)
		}
		if diff.VocabularyChanged {
			vocab := updated.Transcript.Vocabulary
			vocabulary.Store(&vocab)
			slog.Info("transcript vocabulary updated", "entries", len(vocab))
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Fallback announcement ─────────────────────────────────────────────────
	var fallbackAudio []byte
	if cfg.Fork.FallbackAudioFile != "" {
		fallbackAudio, err = os.ReadFile(cfg.Fork.FallbackAudioFile)
		if err != nil {
			slog.Error("failed to read fallback audio", "path", cfg.Fork.FallbackAudioFile, "err", err)
			return 1
		}
	}

	// ── Call orchestrator ─────────────────────────────────────────────────────
	orc := orchestrator.New(orchestrator.Config{
		AgentURL:       cfg.Server.AgentURL,
		BargeInEnabled: cfg.Agent.BargeInEnabled,
		FallbackAudio:  fallbackAudio,
		Audio: &asp.AudioConfig{
			SampleRate:      cfg.Audio.SampleRate,
			Encoding:        aspEncoding(cfg.Audio.Encoding),
			Channels:        1,
			FrameDurationMs: cfg.Audio.FrameDurationMs,
		},
		SessionVAD: &asp.VADConfig{
			Enabled:            cfg.VAD.Enabled,
			SilenceThresholdMs: cfg.VAD.SilenceThresholdMs,
			MinSpeechMs:        cfg.VAD.MinSpeechMs,
			Threshold:          cfg.VAD.Threshold,
			RingBufferFrames:   cfg.VAD.RingBufferFrames,
			SpeechRatio:        cfg.VAD.SpeechRatio,
			PrefixPaddingMs:    cfg.VAD.PrefixPaddingMs,
		},
		MonitorVAD:      app.VADConfig(cfg.Audio, cfg.VAD),
		BufferDuration:  cfg.Fork.RingBufferDuration(),
		DegradeAfter:    cfg.Fork.DegradeDuration(),
		ConsumerFactory: consumerFactory,
		Manager:         manager,
		VADEngine:       providers.VAD,
		Metrics:         metrics,
		Logger:          logger,
	})

	// ── SIP endpoint ──────────────────────────────────────────────────────────
	phone, err := sipphone.NewPhone(sipphone.Config{
		Server:         cfg.Telephony.SIP.Server,
		ServerPort:     cfg.Telephony.SIP.ServerPort,
		Username:       cfg.Telephony.SIP.Username,
		AuthUsername:   cfg.Telephony.SIP.AuthUsername,
		Password:       cfg.Telephony.SIP.Password,
		LocalIP:        cfg.Telephony.SIP.LocalIP,
		SIPPort:        cfg.Telephony.SIP.Port,
		RegisterExpiry: cfg.Telephony.SIP.RegisterExpiry,
		Logger:         logger,
	}, orc)
	if err != nil {
		slog.Error("failed to create SIP endpoint", "err", err)
		return 1
	}

	if err := phone.Start(ctx); err != nil {
		slog.Error("failed to start SIP endpoint", "err", err)
		return 1
	}

	// ── Operational endpoints ─────────────────────────────────────────────────
	var opsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		checkers := []health.Checker{
			{Name: "sip_registration", Check: func(context.Context) error {
				if !phone.Registered() {
					return errors.New("not registered with PBX")
				}
				return nil
			}},
		}
		if manager != nil {
			checkers = append(checkers, health.Checker{Name: "ami", Check: func(context.Context) error {
				if !manager.Connected() {
					return errors.New("manager session down")
				}
				return nil
			}})
		}
		opsServer = health.NewServer(cfg.Server.MetricsAddr, checkers...)
		go func() {
			slog.Info("operational endpoints listening", "addr", cfg.Server.MetricsAddr)
			if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("operational endpoint error", "err", err)
			}
		}()
	}

	slog.Info("voxbridge ready", "active_calls", orc.ActiveCalls())

	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	phone.Stop()
	orc.Stop()
	if reconnector != nil {
		reconnector.Stop()
	}
	if manager != nil {
		if err := manager.Close(); err != nil {
			slog.Warn("AMI close error", "err", err)
		}
	}
	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("operational endpoint shutdown error", "err", err)
		}
		cancel()
	}

	slog.Info("goodbye")
	return 0
}

// aspEncoding maps the config file's encoding names onto the session
// protocol's wire names.
func aspEncoding(name string) string {
	switch name {
	case "mulaw":
		return asp.EncodingMulaw
	case "alaw":
		return asp.EncodingAlaw
	default:
		return asp.EncodingPCM16
	}
}
