// Command loadtest runs scripted self-play calls against the real engine and
// pipeline, entirely in memory, and reports latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicelane/voicelane/internal/loadtest"
)

func main() {
	os.Exit(run())
}

func run() int {
	calls := flag.Int("calls", 10, "total number of simulated calls")
	concurrency := flag.Int("concurrency", 4, "how many calls run at once")
	verbose := flag.Bool("v", false, "log per-call engine activity")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := loadtest.New(loadtest.Config{
		Calls:       *calls,
		Concurrency: *concurrency,
		Logger:      logger,
	})
	report, err := h.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		return 1
	}

	fmt.Printf("calls:      %d (%d succeeded, %d failed)\n",
		report.Calls, report.Succeeded, report.Failed)
	fmt.Printf("latency:    p50=%s p95=%s max=%s\n", report.P50, report.P95, report.Max)
	fmt.Printf("bot audio:  %d bytes\n", report.BotAudioBytes)
	for _, e := range report.Errors {
		fmt.Fprintf(os.Stderr, "  %v\n", e)
	}
	if report.Failed > 0 {
		return 1
	}
	return 0
}
