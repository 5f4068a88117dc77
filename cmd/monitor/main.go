package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/app"
	"github.com/rovshanmuradov/rangeguard/internal/config"
	"github.com/rovshanmuradov/rangeguard/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON or YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.Log.File
	logCfg.Development = cfg.Log.Development
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Starting range monitor", zap.String("addr", cfg.Server.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := app.NewRunner(cfg, log)
	if err := runner.Initialize(); err != nil {
		log.Fatal("Failed to initialize monitor", zap.Error(err))
	}

	if err := runner.Run(ctx); err != nil {
		log.Error("Monitor stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
