// Command voxagent is the AI session server. It accepts audio session
// protocol connections from the broker and runs the speech-to-speech
// pipeline (STT, LLM with call tools, TTS) for each call.
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
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/agent"
	"github.com/voxbridge/voxbridge/internal/app"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/asp"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
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
			fmt.Fprintf(os.Stderr, "voxagent: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxagent: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := app.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxagent starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxagent"})
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

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if err := providers.RequirePipeline(); err != nil {
		slog.Error("incomplete pipeline configuration", "err", err)
		return 1
	}

	// ── Agent server ──────────────────────────────────────────────────────────
	handler := agent.NewServer(agent.Config{
		STT:       providers.STT,
		LLM:       providers.LLM,
		TTS:       providers.TTS,
		VADEngine: providers.VAD,
		Voice: tts.VoiceProfile{
			ID:       cfg.Agent.Voice,
			Provider: cfg.Providers.TTS.Name,
		},
		SystemPrompt:     cfg.Agent.SystemPrompt,
		Greeting:         cfg.Agent.Greeting,
		Directory:        agent.NewDirectory(cfg.Agent.Directory, 0),
		EscalationTarget: cfg.Agent.DefaultTransferTarget,
		MaxUnresolved:    cfg.Agent.MaxUnresolvedInteractions,
		LLMTimeout:       cfg.Agent.LLMTimeout(),
		MaxBufferSeconds: cfg.Agent.MaxBufferSeconds,
		MaxTokens:        cfg.Agent.LLMMaxTokens,
		Metrics:          metrics,
		Logger:           logger,
	})

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(previous, updated *config.Config) {
		diff := config.Diff(previous, updated)
		if diff.LogLevelChanged {
			logLevel.Set(app.SlogLevel(diff.NewLogLevel))
			slog.Info("log level updated", "level", diff.NewLogLevel)
		}
		if diff.PromptChanged || diff.DirectoryChanged || diff.EscalationChanged {
			handler.UpdatePolicy(agent.Policy{
				SystemPrompt:     updated.Agent.SystemPrompt,
				Greeting:         updated.Agent.Greeting,
				Directory:        agent.NewDirectory(updated.Agent.Directory, 0),
				EscalationTarget: updated.Agent.DefaultTransferTarget,
				MaxUnresolved:    updated.Agent.MaxUnresolvedInteractions,
			})
			slog.Info("conversation policy updated")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	aspServer := asp.NewServer(asp.ServerConfig{
		Capabilities:     asp.DefaultCapabilities(),
		HandshakeTimeout: cfg.Session.HandshakeTimeout(),
		IdleTimeout:      cfg.Session.IdleTimeout(),
		MaxSessionAge:    cfg.Session.MaxAge(),
		Logger:           logger,
	}, handler)

	mux := http.NewServeMux()
	mux.Handle("/session", observe.Middleware(metrics)(aspServer))

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("session server listening", "addr", listenAddr)
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	// ── Operational endpoints ─────────────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		opsServer := health.NewServer(cfg.Server.MetricsAddr, health.Checker{
			Name: "providers",
			Check: func(context.Context) error {
				return providers.RequirePipeline()
			},
		})
		g.Go(func() error {
			slog.Info("operational endpoints listening", "addr", cfg.Server.MetricsAddr)
			if err := opsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return opsServer.Shutdown(shutdownCtx)
		})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("voxagent ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
