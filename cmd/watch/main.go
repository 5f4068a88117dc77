package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/app"
	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/gateway"
	"github.com/rovshanmuradov/rangeguard/internal/logger"
	"github.com/rovshanmuradov/rangeguard/internal/ui"
)

func main() {
	url := flag.String("url", "ws://localhost:3002/ws", "gateway websocket URL")
	token := flag.String("token", os.Getenv("RANGEGUARD_TOKEN"), "session token (defaults to $RANGEGUARD_TOKEN)")
	positionsFile := flag.String("positions", "", "JSON file of positions to register on connect")
	logFile := flag.String("log", "watch.log", "log file")
	flag.Parse()

	// The terminal belongs to the TUI, so logs only go to the file.
	logCfg := logger.DefaultConfig()
	logCfg.LogFile = *logFile
	log, err := logger.NewFileOnly(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	var positions []domain.Position
	if *positionsFile != "" {
		positions, err = app.LoadPositions(*positionsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	dial := func() (ui.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := gateway.Dial(ctx, *url, *token, log.Logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	program := tea.NewProgram(ui.NewWatchModel(dial, positions), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		log.Error("Watcher failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "watcher failed: %v\n", err)
		os.Exit(1)
	}
}
