// internal/pricefeed/listener.go
package pricefeed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
	"github.com/rovshanmuradov/rangeguard/internal/subgraph"
)

// SwapStream is the upstream source of swap batches.
type SwapStream interface {
	StreamSwaps(ctx context.Context, query subgraph.SwapQuery, onSwaps func([]subgraph.Swap)) error
}

// PriceHandler receives price updates on the stream goroutine.
type PriceHandler func(update domain.PriceUpdate)

// Config holds listener settings.
type Config struct {
	BatchSize      int
	ReconnectDelay time.Duration
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      5,
		ReconnectDelay: 5 * time.Second,
	}
}

// Listener keeps a single swap subscription covering every monitored pool.
type Listener struct {
	mu       sync.Mutex
	stream   SwapStream
	config   Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	pools    map[string]struct{}
	handlers []PriceHandler

	// cancel is non-nil while a subscription is active.
	cancel     context.CancelFunc
	generation uint64
	wg         sync.WaitGroup
}

// NewListener creates a listener over stream. metrics may be nil.
func NewListener(stream SwapStream, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Listener {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	return &Listener{
		stream:  stream,
		config:  cfg,
		logger:  logger.Named("pricefeed"),
		metrics: metrics,
		pools:   make(map[string]struct{}),
	}
}

// OnPriceUpdate registers a handler. Handlers run in registration order.
func (l *Listener) OnPriceUpdate(handler PriceHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// AddPool adds a pool to the filter, restarting an active subscription.
func (l *Listener) AddPool(poolAddress string) {
	pool := domain.NormalizeAddress(poolAddress)
	if pool == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pools[pool]; exists {
		return
	}
	l.pools[pool] = struct{}{}
	l.updatePoolGauge()
	l.logger.Info("Added pool to monitoring list", zap.String("pool", pool))

	if l.cancel != nil {
		l.stopLocked()
		l.startLocked()
	}
}

// RemovePool drops a pool from the filter, restarting an active subscription.
// An empty filter does not unsubscribe; the restart is then a no-op.
func (l *Listener) RemovePool(poolAddress string) {
	pool := domain.NormalizeAddress(poolAddress)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pools[pool]; !exists {
		return
	}
	delete(l.pools, pool)
	l.updatePoolGauge()
	l.logger.Info("Removed pool from monitoring list", zap.String("pool", pool))

	if l.cancel != nil {
		l.stopLocked()
		l.startLocked()
	}
}

// Subscribe opens the stream. No-op if already subscribed or no pools are set.
func (l *Listener) Subscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.logger.Debug("Already subscribed to price updates")
		return
	}
	l.startLocked()
}

// Unsubscribe cancels the active stream. Idempotent and non-blocking.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

// Subscribed reports whether a subscription is active.
func (l *Listener) Subscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Pools returns the monitored pool set, sorted.
func (l *Listener) Pools() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poolsLocked()
}

// Close unsubscribes and waits for the stream goroutine to exit.
func (l *Listener) Close() {
	l.Unsubscribe()
	l.wg.Wait()
}

func (l *Listener) poolsLocked() []string {
	pools := make([]string, 0, len(l.pools))
	for p := range l.pools {
		pools = append(pools, p)
	}
	sort.Strings(pools)
	return pools
}

func (l *Listener) startLocked() {
	if len(l.pools) == 0 {
		l.logger.Info("No pools to monitor, not subscribing")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.generation++
	gen := l.generation

	l.logger.Info("Subscribing to price updates", zap.Int("pools", len(l.pools)))

	l.wg.Add(1)
	go l.run(ctx, gen)
}

func (l *Listener) stopLocked() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
	l.generation++
	l.logger.Debug("Unsubscribed from price updates")
}

// run keeps the stream alive for one generation, resubscribing after a fixed
// delay on transport errors.
func (l *Listener) run(ctx context.Context, gen uint64) {
	defer l.wg.Done()

	operation := func() (struct{}, error) {
		l.mu.Lock()
		if gen != l.generation {
			l.mu.Unlock()
			return struct{}{}, backoff.Permanent(context.Canceled)
		}
		query := subgraph.SwapQuery{Pools: l.poolsLocked(), First: l.config.BatchSize}
		l.mu.Unlock()

		if len(query.Pools) == 0 {
			return struct{}{}, nil
		}

		err := l.stream.StreamSwaps(ctx, query, func(swaps []subgraph.Swap) {
			l.handleSwaps(gen, swaps)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	notify := func(err error, next time.Duration) {
		if l.metrics != nil {
			l.metrics.StreamReconnects.Inc()
		}
		l.logger.Warn("Swap stream failed, resubscribing",
			zap.Error(err),
			zap.Duration("delay", next))
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(l.config.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify))

	switch {
	case err == nil:
		l.logger.Info("Swap subscription completed")
		l.mu.Lock()
		if gen == l.generation && l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
		l.mu.Unlock()
	case errors.Is(err, context.Canceled):
	default:
		l.logger.Error("Swap subscription stopped", zap.Error(err))
	}
}

// handleSwaps applies a batch oldest-first. Batches arrive newest-first, so the
// last update a handler sees for a pool is its newest price.
func (l *Listener) handleSwaps(gen uint64, swaps []subgraph.Swap) {
	for i := len(swaps) - 1; i >= 0; i-- {
		swap := swaps[i]
		update, err := ToPriceUpdate(swap)
		if err != nil {
			if l.metrics != nil {
				l.metrics.SkippedSwaps.Inc()
			}
			l.logger.Warn("Skipping swap record",
				zap.String("swap_id", swap.ID),
				zap.Error(err))
			continue
		}

		l.mu.Lock()
		if gen != l.generation {
			l.mu.Unlock()
			return
		}
		handlers := make([]PriceHandler, len(l.handlers))
		copy(handlers, l.handlers)
		l.mu.Unlock()

		if l.metrics != nil {
			l.metrics.PriceUpdates.WithLabelValues(update.PoolAddress).Inc()
		}
		for _, h := range handlers {
			h(update)
		}
	}
}

func (l *Listener) updatePoolGauge() {
	if l.metrics != nil {
		l.metrics.MonitoredPools.Set(float64(len(l.pools)))
	}
}
