// internal/monitor/registry.go
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/events"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
	"github.com/rovshanmuradov/rangeguard/internal/pricefeed"
)

// PriceFeed is the pool-level price source the registry drives.
type PriceFeed interface {
	AddPool(poolAddress string)
	RemovePool(poolAddress string)
	Subscribe()
	Unsubscribe()
	OnPriceUpdate(handler pricefeed.PriceHandler)
}

// PoolPrice is the last known price of a pool.
type PoolPrice struct {
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"-"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Positions  int  `json:"positions"`
	OutOfRange int  `json:"outOfRange"`
	Pools      int  `json:"pools"`
	Running    bool `json:"running"`
}

// RegistryConfig contains settings for the registry.
type RegistryConfig struct {
	CheckInterval time.Duration
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	// Now overrides the clock used by periodic re-checks.
	Now func() time.Time
}

// Registry tracks positions by id and by pool and evaluates them against pool prices.
type Registry struct {
	mu         sync.RWMutex
	positions  map[string]*domain.Position
	byPool     map[string]map[string]struct{}
	poolPrices map[string]PoolPrice

	// evalMu serialises evaluate+publish so status changes keep price order.
	evalMu sync.Mutex

	feed      PriceFeed
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	interval   time.Duration
	runCancel  context.CancelFunc
	runDone    chan struct{}
	runStateMu sync.Mutex
}

// NewRegistry creates a registry and hooks it to the feed's price updates.
func NewRegistry(feed PriceFeed, publisher events.Publisher, cfg RegistryConfig) *Registry {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		positions:  make(map[string]*domain.Position),
		byPool:     make(map[string]map[string]struct{}),
		poolPrices: make(map[string]PoolPrice),
		feed:       feed,
		publisher:  publisher,
		logger:     cfg.Logger.Named("registry"),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		interval:   cfg.CheckInterval,
	}

	feed.OnPriceUpdate(r.HandlePriceUpdate)
	return r
}

// AddPosition starts monitoring a position, replacing any entry with the same id.
// The first position starts the periodic re-check. While running, every add makes
// sure the feed is subscribed.
func (r *Registry) AddPosition(position domain.Position) {
	p := position.Clone()
	p.PoolAddress = domain.NormalizeAddress(p.PoolAddress)

	r.mu.Lock()
	if existing, ok := r.positions[p.ID]; ok {
		if p.LastNotified.IsZero() {
			p.LastNotified = existing.LastNotified
		}
		if existing.PoolAddress != p.PoolAddress {
			r.unindexLocked(existing.ID, existing.PoolAddress)
		}
	}
	r.positions[p.ID] = &p

	if _, tracked := r.byPool[p.PoolAddress]; !tracked {
		r.byPool[p.PoolAddress] = make(map[string]struct{})
		r.feed.AddPool(p.PoolAddress)
	}
	r.byPool[p.PoolAddress][p.ID] = struct{}{}
	count := len(r.positions)
	r.updateGaugesLocked()
	r.mu.Unlock()

	if !p.HasRange() {
		r.logger.Warn("Position has no price range, it will not be evaluated",
			zap.String("position_id", p.ID))
	}
	r.logger.Info("Added position for monitoring",
		zap.String("position_id", p.ID),
		zap.String("pool", p.PoolAddress))

	if count == 1 && !r.Running() {
		r.Start(0)
		return
	}
	if r.Running() {
		r.ensureSubscribed()
	}
}

// RemovePosition stops monitoring a position. Unknown ids are logged and ignored.
// The last removal stops the re-check loop and the subscription.
func (r *Registry) RemovePosition(positionID string) {
	r.mu.Lock()
	position, ok := r.positions[positionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Position not found", zap.String("position_id", positionID))
		return
	}
	delete(r.positions, positionID)
	r.unindexLocked(positionID, position.PoolAddress)
	remaining := len(r.positions)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Info("Removed position from monitoring", zap.String("position_id", positionID))

	if remaining == 0 {
		r.Stop()
	}
}

// unindexLocked drops id from the pool index, releasing the pool when it empties.
func (r *Registry) unindexLocked(positionID, pool string) {
	ids, ok := r.byPool[pool]
	if !ok {
		return
	}
	delete(ids, positionID)
	if len(ids) == 0 {
		delete(r.byPool, pool)
		delete(r.poolPrices, pool)
		r.feed.RemovePool(pool)
	}
}

// Start begins periodic re-evaluation every checkInterval and subscribes the feed
// if positions exist. A non-positive checkInterval keeps the configured one.
func (r *Registry) Start(checkInterval time.Duration) {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	if r.runCancel != nil {
		r.logger.Debug("Registry already running")
		return
	}
	if checkInterval > 0 {
		r.interval = checkInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.runCancel = cancel
	r.runDone = make(chan struct{})
	go r.checkLoop(ctx, r.runDone, r.interval)

	r.logger.Info("Started position checker", zap.Duration("interval", r.interval))

	r.ensureSubscribed()
}

// ensureSubscribed subscribes the feed when positions exist. The feed ignores
// the call while a subscription is active, and a completed stream needs it again.
func (r *Registry) ensureSubscribed() {
	r.mu.RLock()
	hasPositions := len(r.positions) > 0
	r.mu.RUnlock()
	if hasPositions {
		r.feed.Subscribe()
	}
}

// Stop halts periodic re-evaluation and unsubscribes the feed.
func (r *Registry) Stop() {
	r.runStateMu.Lock()
	cancel, done := r.runCancel, r.runDone
	r.runCancel, r.runDone = nil, nil
	r.runStateMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		r.logger.Info("Stopped position checker")
	}
	r.feed.Unsubscribe()
}

// Running reports whether the periodic re-check is active.
func (r *Registry) Running() bool {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()
	return r.runCancel != nil
}

func (r *Registry) checkLoop(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ensureSubscribed()
			r.CheckAllPositions()
		}
	}
}

// HandlePriceUpdate records the pool price and evaluates every position on that pool.
// Status changes are published before it returns.
func (r *Registry) HandlePriceUpdate(update domain.PriceUpdate) {
	pool := domain.NormalizeAddress(update.PoolAddress)

	r.evalMu.Lock()
	defer r.evalMu.Unlock()

	r.mu.Lock()
	if _, tracked := r.byPool[pool]; tracked {
		r.poolPrices[pool] = PoolPrice{Price: update.Price, UpdatedAt: update.Timestamp}
	}
	changes := r.evaluatePoolLocked(pool, update.Price, update.Timestamp)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Debug("Price update",
		zap.String("pool", pool),
		zap.Float64("price", update.Price))

	r.publish(changes)
}

// CheckAllPositions re-evaluates every pool with a known price, stamped with the current time.
func (r *Registry) CheckAllPositions() {
	r.evalMu.Lock()
	defer r.evalMu.Unlock()

	now := r.now()

	r.mu.Lock()
	pools := make([]string, 0, len(r.poolPrices))
	for pool := range r.poolPrices {
		pools = append(pools, pool)
	}
	sort.Strings(pools)

	var changes []domain.PositionStatusChange
	for _, pool := range pools {
		changes = append(changes, r.evaluatePoolLocked(pool, r.poolPrices[pool].Price, now)...)
	}
	r.updateGaugesLocked()
	count := len(r.positions)
	r.mu.Unlock()

	r.logger.Debug("Checked all positions", zap.Int("positions", count), zap.Int("pools", len(pools)))

	r.publish(changes)
}

// evaluatePoolLocked applies price to the pool's positions and returns the transitions.
func (r *Registry) evaluatePoolLocked(pool string, price float64, at time.Time) []domain.PositionStatusChange {
	ids, ok := r.byPool[pool]
	if !ok || len(ids) == 0 {
		return nil
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var changes []domain.PositionStatusChange
	for _, id := range sorted {
		position, ok := r.positions[id]
		if !ok {
			continue
		}
		if !position.HasRange() {
			r.logger.Debug("Position has no price boundaries", zap.String("position_id", id))
			continue
		}

		previous := position.IsInRange
		current := position.Contains(price)
		position.IsInRange = current
		position.LastChecked = at

		if previous == current {
			continue
		}

		// Snapshot keeps the previous LastNotified for cooldown checks.
		changes = append(changes, domain.PositionStatusChange{
			Position:       position.Clone(),
			PreviousStatus: previous,
			CurrentStatus:  current,
			Price:          price,
			Timestamp:      at,
		})
		position.LastNotified = at

		r.logger.Info("Position status changed",
			zap.String("position_id", id),
			zap.Bool("previous_in_range", previous),
			zap.Bool("in_range", current),
			zap.Float64("price", price))
	}
	return changes
}

func (r *Registry) publish(changes []domain.PositionStatusChange) {
	for _, change := range changes {
		if r.metrics != nil {
			direction := "out_of_range"
			if change.CurrentStatus {
				direction = "in_range"
			}
			r.metrics.StatusChanges.WithLabelValues(direction).Inc()
		}
		if r.publisher == nil {
			continue
		}
		if err := r.publisher.PublishSync(context.Background(), events.NewStatusChangedEvent(change)); err != nil {
			r.logger.Error("Status change handler failed",
				zap.String("position_id", change.Position.ID),
				zap.Error(err))
		}
	}
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.TrackedPositions.Set(float64(len(r.positions)))
	r.metrics.OutOfRange.Set(float64(r.outOfRangeCountLocked()))
}

func (r *Registry) outOfRangeCountLocked() int {
	n := 0
	for _, p := range r.positions {
		if !p.IsInRange {
			n++
		}
	}
	return n
}

// GetAllPositions returns copies of all monitored positions, ordered by id.
func (r *Registry) GetAllPositions() []domain.Position {
	return r.snapshot(func(*domain.Position) bool { return true })
}

// GetOutOfRangePositions returns copies of positions whose last status is out of range.
func (r *Registry) GetOutOfRangePositions() []domain.Position {
	return r.snapshot(func(p *domain.Position) bool { return !p.IsInRange })
}

func (r *Registry) snapshot(keep func(*domain.Position) bool) []domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Position, 0, len(r.positions))
	for _, p := range r.positions {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPosition returns a copy of one position.
func (r *Registry) GetPosition(positionID string) (domain.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.positions[positionID]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// PoolPrice returns the last price seen for a monitored pool.
func (r *Registry) PoolPrice(poolAddress string) (PoolPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	price, ok := r.poolPrices[domain.NormalizeAddress(poolAddress)]
	return price, ok
}

// Pools returns the monitored pool addresses, sorted.
func (r *Registry) Pools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pools := make([]string, 0, len(r.byPool))
	for pool := range r.byPool {
		pools = append(pools, pool)
	}
	sort.Strings(pools)
	return pools
}

// Stats summarises the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{
		Positions:  len(r.positions),
		OutOfRange: r.outOfRangeCountLocked(),
		Pools:      len(r.byPool),
	}
	r.mu.RUnlock()
	s.Running = r.Running()
	return s
}
