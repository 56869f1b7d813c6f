package main

import (
	"context"
	"flag"
	"log"
	"time"

	"chart-sync-engine/internal/feedsim"
	"chart-sync-engine/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	addr := flag.String("addr", ":8181", "listen address")
	interval := flag.Duration("tick-interval", 500*time.Millisecond, "delay between generated ticks")
	flag.Parse()

	_ = godotenv.Load()
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	logger.Info(ctx, "Feed simulator listening", "addr", *addr)

	srv := feedsim.NewServer(*interval)
	if err := srv.Run(*addr); err != nil {
		logger.ErrorWithErr(ctx, "Feed simulator stopped", err)
	}
}
