package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"chart-sync-engine/internal/agg"
	"chart-sync-engine/internal/agg/aggobs"
	"chart-sync-engine/internal/backfill/httpapi"
	"chart-sync-engine/internal/backfill/kite"
	"chart-sync-engine/internal/feed"
	"chart-sync-engine/internal/feed/feedobs"
	"chart-sync-engine/internal/interfaces"
	"chart-sync-engine/internal/logger"
	"chart-sync-engine/internal/panel"
	"chart-sync-engine/internal/store"
	"chart-sync-engine/internal/syncbus"
	"chart-sync-engine/internal/trace"
	"chart-sync-engine/internal/types"
)

// initializeSystem initializes logger and tracer
func initializeSystem() error {
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// initializeAggregator builds the candle aggregator with observability
func initializeAggregator() interfaces.Aggregator {
	return aggobs.Wrap(agg.New())
}

// initializeFeed builds the subscription manager over the configured feed URL
func initializeFeed(cfg *store.Config, sink interfaces.Aggregator) interfaces.Feed {
	feedCfg := feed.Config{
		URL:               cfg.Feed.URL,
		BackoffMin:        time.Duration(cfg.Feed.BackoffMinMS) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.Feed.BackoffMaxMS) * time.Millisecond,
		ReconnectBackfill: cfg.Feed.ReconnectBackfill,
	}
	mgr := feed.NewManager(feedCfg, feed.WebsocketDialer(feedCfg), sink)
	return feedobs.Wrap(mgr)
}

// initializeLoader builds the historical-bar loader per configuration
func initializeLoader(ctx context.Context, cfg *store.Config) interfaces.BarLoader {
	switch cfg.Backfill.Source {
	case "KITE":
		apiKey := os.Getenv(cfg.Kite.APIKeyEnv)
		accessToken := os.Getenv(cfg.Kite.AccessTokenEnv)
		if apiKey == "" || accessToken == "" {
			logger.Warn(ctx, "Kite credentials missing, panels start from empty series")
			return nil
		}
		return kite.New(apiKey, accessToken, cfg.Kite.Tokens)
	case "HTTP":
		return httpapi.New(cfg.Backfill.URL, time.Duration(cfg.Backfill.TimeoutSeconds)*time.Second)
	default:
		return nil
	}
}

// buildPanels constructs one adapter per configured panel
func buildPanels(cfg *store.Config, fd interfaces.Feed, bus *syncbus.Bus, loader interfaces.BarLoader, seeder interfaces.HistorySeeder) []*panel.Adapter {
	panels := make([]*panel.Adapter, 0, len(cfg.Panels))
	for _, pc := range cfg.Panels {
		legs := make([]types.Leg, 0, len(pc.Legs))
		for _, l := range pc.Legs {
			legs = append(legs, types.Leg(l))
		}
		spec := panel.Spec{
			Symbol:    pc.Symbol,
			Legs:      legs,
			Timeframe: types.Timeframe(pc.Timeframe),
			Width:     pc.Width,
		}
		surface := &logSurface{symbol: pc.Symbol, timeframe: pc.Timeframe}
		panels = append(panels, panel.New(spec, fd, bus, loader, seeder, surface))
	}
	return panels
}

// logSurface is a headless rendering surface: it logs candle updates and sync
// changes instead of drawing them, for running the engine without a UI.
type logSurface struct {
	symbol    string
	timeframe string
}

func (s *logSurface) OnCandleUpdate(ev types.CandleUpdateEvent) {
	logger.Debug(context.Background(), "Candle update",
		"panel", s.symbol+"/"+s.timeframe,
		"kind", string(ev.Kind),
		"leg", string(ev.Candle.Leg),
		"bucket_start", ev.Candle.BucketStart,
		"close", ev.Candle.Close,
	)
}

func (s *logSurface) OnSyncStateChanged(partial types.SyncState) {
	if partial.CrosshairRatio != nil {
		logger.Debug(context.Background(), "Crosshair moved",
			"panel", s.symbol+"/"+s.timeframe,
			"ratio", *partial.CrosshairRatio,
		)
	}
}
