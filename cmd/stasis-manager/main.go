// Command stasis-manager runs the broker's singleton control plane: it holds
// the provider event sockets for every organization, answers incoming calls,
// wires up bridges and external media, and assigns each call to a worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/config"
	"github.com/voicelane/voicelane/internal/stasis"
	"github.com/voicelane/voicelane/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stasis-manager: %v\n", err)
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

	mediaWSBase := cfg.Stasis.MediaWSBase
	if mediaWSBase == "" {
		mediaWSBase = cfg.Server.MediaWSBase
	}
	manager := stasis.NewManager(st, b, mediaWSBase, logger)

	logger.Info("stasis manager ready", "media_ws_base", mediaWSBase)
	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "error", err)
		return 1
	}
	logger.Info("stasis manager stopped")
	return 0
}
