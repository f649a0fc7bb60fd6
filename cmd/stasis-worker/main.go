// Command stasis-worker runs one media worker of the distributed broker: it
// heartbeats into the worker registry, serves the external-media WebSocket
// endpoint, and executes the call pipeline for every call the manager
// assigns to it.
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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/config"
	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/stasis"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/telephony"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stasis-worker: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// The worker only enqueues completion jobs; the main process consumes
	// them.
	queue, err := jobs.New(b, logger, cfg.Jobs)
	if err != nil {
		logger.Error("build job queue", "error", err)
		return 1
	}

	media, err := calls.BuildProviders(cfg.Providers)
	if err != nil {
		logger.Error("build media providers", "error", err)
		return 1
	}
	factory := calls.New(calls.Config{
		Store:      st,
		Bus:        b,
		Queue:      queue,
		LLM:        media.LLM,
		STT:        media.STT,
		TTS:        media.TTS,
		Embedder:   media.Embedder,
		Registry:   telephony.NewRegistry(),
		PublicBase: cfg.Server.PublicBaseURL,
		Logger:     logger,
	})

	workerID := cfg.Stasis.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	worker := stasis.NewWorker(workerID, b, factory.Session, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /media", func(w http.ResponseWriter, r *http.Request) {
		if err := worker.HandleMedia(r.Context(), w, r); err != nil {
			logger.Warn("media session ended with error", "error", err)
		}
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	listenAddr := cfg.Stasis.ListenAddr
	if listenAddr == "" {
		listenAddr = cfg.Server.ListenAddr
	}
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
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

	logger.Info("stasis worker ready", "worker_id", workerID, "listen_addr", listenAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "error", err)
		return 1
	}
	logger.Info("stasis worker stopped")
	return 0
}
