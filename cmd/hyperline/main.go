package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperline/hyperline/internal/config"
	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/server"
	"github.com/hyperline/hyperline/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := storage.NewBadgerMessageStore(cfg.BadgerDir, logger)
	if err != nil {
		logger.Fatal("Message store unavailable", log.Error(err))
	}
	defer func() { _ = msgs.Close() }()

	pairs, err := storage.NewRedisPairStore(ctx, cfg.RedisAddr, cfg.StoreRetries, cfg.StoreRetryBackoff, logger)
	if err != nil {
		logger.Fatal("Pair store unavailable", log.Error(err))
	}
	defer func() { _ = pairs.Close() }()

	srv, err := server.New(cfg, logger, msgs, pairs)
	if err != nil {
		logger.Fatal("Server setup failed", log.Error(err))
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err = srv.Start(ctx); err != nil {
		logger.Fatal("Server start failed", log.Error(err))
	}

	<-stopCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = srv.Stop(shutdownCtx); err != nil {
		logger.Error("Server stop failed", log.Error(err))
	}
}
