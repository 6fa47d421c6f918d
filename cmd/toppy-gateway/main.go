package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thinksyncs/toppy/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("TOPPY_CONFIG"), "path to gateway config file")
	)
	flag.Parse()

	if *configPath == "" {
		log.Fatal("config path is required: pass -config or set TOPPY_CONFIG")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if _, err := ensureTLSAssets(*configPath, &cfg); err != nil {
		log.Fatalf("ensure tls assets: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	verifier, err := NewTokenVerifierFromEnv()
	if err != nil {
		log.Fatalf("token verifier: %v", err)
	}

	metrics := NewMetrics(prometheus.DefaultRegisterer)
	srv := NewServer(cfg, logger, metrics, verifier)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}
