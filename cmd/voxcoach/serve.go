package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxcoach/voxcoach/internal/config"
	"github.com/voxcoach/voxcoach/internal/observe"
	"github.com/voxcoach/voxcoach/internal/resilience"
	"github.com/voxcoach/voxcoach/internal/server"
	"github.com/voxcoach/voxcoach/internal/storage"
	"github.com/voxcoach/voxcoach/internal/teach"
	"github.com/voxcoach/voxcoach/pkg/provider/llm"
	"github.com/voxcoach/voxcoach/pkg/provider/llm/anyllm"
	"github.com/voxcoach/voxcoach/pkg/provider/llm/openai"
	"github.com/voxcoach/voxcoach/pkg/provider/stt/whisper"
)

func runServe(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ───────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxcoach",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Storage ─────────────────────────────────────────────────────────────
	store, err := storage.New(ctx, cfg.Server.DatabaseDSN)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	defer store.Close()

	// ── Providers ───────────────────────────────────────────────────────────
	sttProv, err := whisper.New(cfg.Providers.STT.ModelPath,
		whisper.WithLanguage(cfg.Providers.STT.Language))
	if err != nil {
		slog.Error("failed to load whisper model", "err", err, "model", cfg.Providers.STT.ModelPath)
		return 1
	}
	defer sttProv.Close()

	llmProv, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build LLM provider", "err", err)
		return 1
	}

	engine := teach.New(teach.Config{
		Provider: llmProv,
		Breaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm"}),
		Metrics:  metrics,
	})

	// ── HTTP server ─────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		Store:             store,
		STT:               sttProv,
		Coach:             engine,
		Metrics:           metrics,
		SampleRate:        cfg.Capture.SampleRate,
		SilenceWindow:     cfg.VAD.SilenceWindow,
		MinUtteranceBytes: cfg.Capture.MinUtteranceBytes,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("voxcoach server starting",
		"listen_addr", cfg.Server.ListenAddr,
		"llm", cfg.Providers.LLM.Name,
		"llm_model", cfg.Providers.LLM.Model,
		"whisper_model", cfg.Providers.STT.ModelPath,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("voxcoach server stopped")
	return 0
}

// buildLLM constructs the coaching LLM backend from config, wrapping it in a
// fallback group when alternates are configured.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	primary, err := buildLLMBackend(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, cfg.Name, resilience.FallbackConfig{})
	for _, fb := range cfg.Fallbacks {
		p, err := buildLLMBackend(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

// buildLLMBackend constructs a single backend. The name "openai-direct"
// selects the official OpenAI SDK; every other name is routed through
// any-llm.
func buildLLMBackend(cfg config.LLMConfig) (llm.Provider, error) {
	if cfg.Name == "openai-direct" {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, cfg.Model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(cfg.Name, cfg.Model, opts...)
}
