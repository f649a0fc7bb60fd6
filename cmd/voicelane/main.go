// Command voicelane runs the campaign orchestration and call-execution
// server: the HTTP API, the campaign orchestrator, and the job workers, all
// in one process.
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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voicelane/voicelane/internal/api"
	"github.com/voicelane/voicelane/internal/artifacts"
	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/config"
	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/observe"
	"github.com/voicelane/voicelane/internal/stasis"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/telephony"
	"github.com/voicelane/voicelane/pkg/audio"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicelane: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(observe.ProviderConfig{ServiceName: "voicelane"})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer otelShutdown(context.Background())
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("build metrics", "error", err)
		return 1
	}

	// ── Storage and coordination ──────────────────────────────────────────────
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("connect database", "error", err)
		return 1
	}
	defer st.Close()

	b, err := bus.New(ctx, bus.Config{Addr: cfg.Bus.Addr, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
	if err != nil {
		logger.Error("connect bus", "error", err)
		return 1
	}
	defer b.Close()

	queue, err := jobs.New(b, logger, cfg.Jobs)
	if err != nil {
		logger.Error("build job queue", "error", err)
		return 1
	}

	// ── Campaign plane ────────────────────────────────────────────────────────
	pub := campaign.NewPublisher(b)
	breaker := campaign.NewBreaker(b, st, pub, logger)
	orch := campaign.NewOrchestrator(st, b, queue, breaker, pub, logger)

	// ── Telephony ─────────────────────────────────────────────────────────────
	var adapters []telephony.Provider
	if cfg.Telephony.Twilio.AccountSID != "" {
		adapters = append(adapters, telephony.NewTwilio(telephony.TwilioConfig{
			AccountSID:  cfg.Telephony.Twilio.AccountSID,
			AuthToken:   cfg.Telephony.Twilio.AuthToken,
			MediaWSBase: cfg.Server.MediaWSBase,
			Logger:      logger,
		}))
	}
	if cfg.Stasis.ARI.BaseURL != "" {
		client := stasis.NewClient(stasis.ClientConfig{
			BaseURL:  cfg.Stasis.ARI.BaseURL,
			App:      cfg.Stasis.ARI.App,
			Username: cfg.Stasis.ARI.Username,
			Password: cfg.Stasis.ARI.Password,
		})
		adapters = append(adapters, stasis.NewProvider(client))
	}
	registry := telephony.NewRegistry(adapters...)
	dialer := telephony.NewDialer(registry, b, cfg.Server.PublicBaseURL, logger)
	batch := campaign.NewProcessor(st, b, pub, dialer, logger)
	breaker.SetMetrics(metrics)
	batch.SetMetrics(metrics)

	// ── Artifacts and campaign sources ────────────────────────────────────────
	storage := artifacts.NewMemoryStorage()
	source := artifacts.NewCSVSource(storage)
	syncer := campaign.NewSyncer(st, pub, source, logger)
	completion := artifacts.NewCompletion(st, b, storage, pub, breaker,
		artifacts.WorkflowIntegrations(st), logger)

	// ── Media providers and session factory ───────────────────────────────────
	media, err := calls.BuildProviders(cfg.Providers)
	if err != nil {
		logger.Error("build media providers", "error", err)
		return 1
	}
	holdPCM, holdRate := loadHoldMusic(cfg.Transfer.HoldMusicPath, logger)
	factory := calls.New(calls.Config{
		Store:      st,
		Bus:        b,
		Queue:      queue,
		LLM:        media.LLM,
		STT:        media.STT,
		TTS:        media.TTS,
		Embedder:   media.Embedder,
		Registry:   registry,
		PublicBase: cfg.Server.PublicBaseURL,
		HoldPCM:    holdPCM,
		HoldRate:   holdRate,
		Metrics:    metrics,
		Logger:     logger,
	})

	// ── Job handlers ──────────────────────────────────────────────────────────
	if err := errors.Join(
		syncer.Register(queue),
		batch.Register(queue),
		completion.Register(queue),
	); err != nil {
		logger.Error("register job handlers", "error", err)
		return 1
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(api.Config{
		Store:      st,
		Bus:        b,
		Queue:      queue,
		Breaker:    breaker,
		Publisher:  pub,
		Source:     source,
		Storage:    storage,
		Registry:   registry,
		Sessions:   factory.Session,
		PublicBase: cfg.Server.PublicBaseURL,
		LocalEnv:   strings.HasPrefix(cfg.Server.PublicBaseURL, "http://"),
		Logger:     logger,
	}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("voicelane ready",
		"listen_addr", cfg.Server.ListenAddr,
		"public_base", cfg.Server.PublicBaseURL,
		"telephony_adapters", len(adapters),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "error", err)
		return 1
	}
	logger.Info("voicelane stopped")
	return 0
}

// loadHoldMusic reads the transfer hold-music WAV, tolerating a missing or
// unreadable file.
func loadHoldMusic(path string, logger *slog.Logger) ([]byte, int) {
	if path == "" {
		return nil, 0
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("hold music unavailable", "path", path, "error", err)
		return nil, 0
	}
	defer f.Close()
	pcm, rate, err := audio.ReadWAV(f)
	if err != nil {
		logger.Warn("hold music unreadable", "path", path, "error", err)
		return nil, 0
	}
	return pcm, rate
}
