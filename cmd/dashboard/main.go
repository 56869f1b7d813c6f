package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/store"
	"chart-sync-engine/internal/syncbus"
	"chart-sync-engine/internal/trace"
	"chart-sync-engine/internal/types"

	"github.com/joho/godotenv"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	_ = godotenv.Load()
	must(initializeSystem())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := store.LoadConfig("config.yaml")
	must(err)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	bus := syncbus.New()
	aggregator := initializeAggregator()
	fd := initializeFeed(cfg, aggregator)
	loader := initializeLoader(ctx, cfg)

	// Optional stale-data indicator: panels keep rendering during
	// RECONNECTING, this is the one shared signal about it.
	unsubHealth := fd.OnHealthChange(func(h types.FeedHealth) {
		if h.State == types.Reconnecting {
			logger.Warn(ctx, "Feed reconnecting, chart data may be stale")
		}
	})
	defer unsubHealth()

	panels := buildPanels(cfg, fd, bus, loader, aggregator)
	for _, p := range panels {
		if err := p.Mount(ctx); err != nil {
			logger.ErrorWithErr(ctx, "Panel mount failed", err)
		}
	}
	logger.Info(ctx, "Dashboard engine started", "panels", len(panels))

	<-sigc
	logger.Info(ctx, "Shutting down")

	for _, p := range panels {
		p.Unmount()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := fd.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr(shutdownCtx, "Feed shutdown failed", err)
	}
	_ = trace.Shutdown(shutdownCtx)
}
