// Package app wires the monitor components into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/rangeguard/internal/auth"
	"github.com/rovshanmuradov/rangeguard/internal/config"
	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/events"
	"github.com/rovshanmuradov/rangeguard/internal/gateway"
	"github.com/rovshanmuradov/rangeguard/internal/logger"
	"github.com/rovshanmuradov/rangeguard/internal/monitor"
	"github.com/rovshanmuradov/rangeguard/internal/neynar"
	"github.com/rovshanmuradov/rangeguard/internal/notify"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
	"github.com/rovshanmuradov/rangeguard/internal/pricefeed"
	"github.com/rovshanmuradov/rangeguard/internal/subgraph"
	"github.com/rovshanmuradov/rangeguard/internal/zapper"
)

const (
	busBuffer      = 256
	statusInterval = time.Minute
)

type Runner struct {
	cfg     *config.Config
	log     *logger.Logger
	logger  *zap.Logger
	metrics *observability.Metrics

	bus        *events.Bus
	feed       *pricefeed.Listener
	registry   *monitor.Registry
	dispatcher *notify.Dispatcher
	gateway    *gateway.Server
	httpServer *http.Server
	shutdown   *ShutdownHandler
}

func NewRunner(cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		log:      log,
		logger:   log.WithComponent("runner"),
		metrics:  observability.NewMetrics(""),
		shutdown: NewShutdownHandler(log.Logger, cfg.Server.ShutdownTimeout),
	}
}

// Initialize builds every component and seeds the registry. Seeding starts
// the price stream as soon as the first position lands.
func (r *Runner) Initialize() error {
	cfg := r.cfg

	r.bus = events.NewBus(r.log.WithComponent("events"), busBuffer)
	r.shutdown.AddFunc("event bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})

	stream := subgraph.NewClient(subgraph.Config{
		URL:    cfg.Subgraph.URL,
		APIKey: cfg.Subgraph.APIKey,
	}, r.log.WithComponent("subgraph"))

	r.feed = pricefeed.NewListener(stream, pricefeed.Config{
		BatchSize:      cfg.Subgraph.BatchSize,
		ReconnectDelay: cfg.Subgraph.ReconnectDelay,
	}, r.log.WithComponent("pricefeed"), r.metrics)
	r.shutdown.AddFunc("price feed", func() error {
		r.feed.Close()
		return nil
	})

	var sender notify.Sender = notify.NewLogSender(r.log.WithComponent("notify"))
	var wallets gateway.WalletResolver
	if cfg.Neynar.APIKey != "" {
		client := neynar.NewClient(neynar.Config{
			APIKey:    cfg.Neynar.APIKey,
			BaseURL:   cfg.Neynar.BaseURL,
			TargetURL: cfg.Notify.TargetURL,
		}, r.log.WithComponent("neynar"))
		sender = client
		wallets = client
	} else {
		r.logger.Warn("Neynar API key not set; notifications are only logged")
	}

	r.dispatcher = notify.NewDispatcher(sender, notify.Config{
		Cooldown:         cfg.Notify.Cooldown,
		Interval:         cfg.Notify.Interval,
		RetryDelay:       cfg.Notify.RetryDelay,
		MaxRetries:       cfg.Notify.MaxRetries,
		SendTimeout:      cfg.Notify.SendTimeout,
		NotifyOnRecovery: cfg.Notify.NotifyRecover,
		Logger:           r.log.WithComponent("notify"),
		Metrics:          r.metrics,
		Publisher:        r.bus,
	})
	r.shutdown.AddFunc("notification dispatcher", func() error {
		r.dispatcher.Close()
		return nil
	})

	r.registry = monitor.NewRegistry(r.feed, r.bus, monitor.RegistryConfig{
		CheckInterval: cfg.Monitor.CheckInterval,
		Logger:        r.log.WithComponent("registry"),
		Metrics:       r.metrics,
	})
	r.shutdown.AddFunc("position registry", func() error {
		r.registry.Stop()
		return nil
	})

	var portfolio gateway.PortfolioFetcher
	if cfg.Zapper.APIKey != "" {
		portfolio = zapper.NewClient(zapper.Config{
			APIKey:  cfg.Zapper.APIKey,
			BaseURL: cfg.Zapper.BaseURL,
			Network: cfg.Zapper.Network,
			Retries: cfg.Zapper.Retries,
		}, r.log.WithComponent("zapper"))
	}

	r.gateway = gateway.NewServer(r.registry, r.dispatcher, auth.NewVerifier(cfg.Auth.JWTSecret), r.bus, gateway.Config{
		AllowedOrigins:      cfg.Gateway.AllowedOrigins,
		OwnerOnlyEvents:     cfg.Gateway.OwnerOnlyEvents,
		ReleaseOnDisconnect: cfg.Gateway.ReleaseOnDisconnect,
		SendBuffer:          cfg.Gateway.SendBuffer,
		Wallets:             wallets,
		Portfolio:           portfolio,
		Logger:              r.log.Logger,
		Metrics:             r.metrics,
	})
	r.shutdown.AddFunc("gateway", func() error {
		r.gateway.Close()
		return nil
	})

	r.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.shutdown.AddFunc("http server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(ctx)
	})

	return r.seed()
}

func (r *Runner) seed() error {
	switch {
	case r.cfg.SeedFile != "":
		positions, err := LoadPositions(r.cfg.SeedFile)
		if err != nil {
			return err
		}
		r.addPositions(positions)
	case r.cfg.Log.Development:
		r.addPositions(SamplePositions())
	}
	return nil
}

func (r *Runner) addPositions(positions []domain.Position) {
	for _, p := range positions {
		r.registry.AddPosition(p)
		r.logger.Info("Added position for monitoring",
			zap.String("position_id", p.ID),
			zap.String("label", p.Label))
	}
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts
// everything down.
func (r *Runner) Run(ctx context.Context) error {
	if r.httpServer == nil {
		return errors.New("runner is not initialized")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.logger.Info("Gateway listening", zap.String("addr", r.httpServer.Addr))
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		r.dispatcher.Start(r.cfg.Notify.Interval)
		r.reportStatus(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("Stopping monitor")
		return r.shutdown.Shutdown(context.Background())
	})

	err := g.Wait()
	if syncErr := r.log.Sync(); syncErr != nil && err == nil {
		err = syncErr
	}
	return err
}

// reportStatus logs a registry summary every minute.
func (r *Runner) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.registry.Stats()
			r.logger.Info("Monitoring status",
				zap.Int("positions", stats.Positions),
				zap.Int("out_of_range", stats.OutOfRange),
				zap.Int("pools", stats.Pools),
				zap.Int("connections", r.gateway.ConnectionCount()),
				zap.Int("queued_notifications", r.dispatcher.QueueLength()))
		}
	}
}
