// internal/notify/dispatcher.go
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/events"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
)

// Sender delivers a notification to its recipient.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n domain.Notification) error

// Send calls f(ctx, n).
func (f SenderFunc) Send(ctx context.Context, n domain.Notification) error {
	return f(ctx, n)
}

// Config holds dispatcher settings. A zero Cooldown disables throttling;
// other zero values fall back to DefaultConfig.
type Config struct {
	Cooldown         time.Duration
	Interval         time.Duration
	RetryDelay       time.Duration
	MaxRetries       int
	SendTimeout      time.Duration
	NotifyOnRecovery bool

	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Publisher events.Publisher
	Now       func() time.Time
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:    time.Hour,
		Interval:    10 * time.Second,
		RetryDelay:  time.Minute,
		MaxRetries:  3,
		SendTimeout: 10 * time.Second,
	}
}

// Dispatcher turns range transitions into notifications and delivers them one per tick.
type Dispatcher struct {
	mu            sync.Mutex
	notifications map[string]*domain.Notification
	queue         []string
	processing    bool
	retryTimers   map[string]*time.Timer
	closed        bool

	runCancel context.CancelFunc
	runDone   chan struct{}

	sender Sender
	config Config
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher delivering through sender.
func NewDispatcher(sender Sender, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Cooldown < 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Dispatcher{
		notifications: make(map[string]*domain.Notification),
		retryTimers:   make(map[string]*time.Timer),
		sender:        sender,
		config:        cfg,
		logger:        cfg.Logger.Named("notify"),
	}
}

// HandlePositionStatusChange enqueues a notification for an in-range to
// out-of-range transition unless the position was notified within the cooldown.
// It reports the created notification.
func (d *Dispatcher) HandlePositionStatusChange(change domain.PositionStatusChange, userID string, fid int64) (domain.Notification, bool) {
	recovery := change.CameBackInRange()
	if !change.WentOutOfRange() && !(recovery && d.config.NotifyOnRecovery) {
		return domain.Notification{}, false
	}

	position := change.Position
	now := d.config.Now()
	if !position.LastNotified.IsZero() && now.Sub(position.LastNotified) < d.config.Cooldown {
		if d.config.Metrics != nil {
			d.config.Metrics.NotificationsThrottled.Inc()
		}
		d.logger.Info("Throttling notification due to cooldown",
			zap.String("position_id", position.ID),
			zap.Time("last_notified", position.LastNotified))
		return domain.Notification{}, false
	}

	n := &domain.Notification{
		ID:         fmt.Sprintf("notification_%s_%d", position.ID, domain.UnixMillis(change.Timestamp)),
		UserID:     userID,
		FID:        fid,
		PositionID: position.ID,
		Message:    buildMessage(position, change.Price, recovery),
		Status:     domain.NotificationPending,
		CreatedAt:  change.Timestamp,
	}

	d.mu.Lock()
	if _, exists := d.notifications[n.ID]; exists {
		// Same transition delivered to another owner.
		n.ID = fmt.Sprintf("%s_%d", n.ID, fid)
	}
	d.notifications[n.ID] = n
	d.queue = append(d.queue, n.ID)
	d.updateQueueGaugeLocked()
	created := *n
	d.mu.Unlock()

	if d.config.Metrics != nil {
		d.config.Metrics.NotificationsCreated.Inc()
	}
	d.logger.Info("Added notification to queue",
		zap.String("notification_id", created.ID),
		zap.String("position_id", position.ID),
		zap.Int64("fid", fid))

	if !d.Running() {
		d.Start(d.config.Interval)
	}
	return created, true
}

func buildMessage(p domain.Position, price float64, recovery bool) string {
	state := "out of range"
	if recovery {
		state = "back in range"
	}
	return fmt.Sprintf("Your %s %s position is now %s. Current price: $%.4f",
		p.AppName, p.PairLabel(), state, price)
}

// Start drains the queue every interval. No-op when already running or closed.
func (d *Dispatcher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = d.config.Interval
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Debug("Notification dispatcher closed, not starting")
		return
	}
	if d.runCancel != nil {
		d.logger.Debug("Notification dispatcher already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.runCancel = cancel
	d.runDone = make(chan struct{})
	go d.run(ctx, interval, d.runDone)

	d.logger.Info("Started notification dispatcher", zap.Duration("interval", interval))
}

// Stop halts the drain loop. Queued and scheduled retries stay in place.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.runCancel, d.runDone
	d.runCancel, d.runDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("Stopped notification dispatcher")
}

// Close stops the loop for good and cancels scheduled retries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, timer := range d.retryTimers {
		timer.Stop()
		delete(d.retryTimers, id)
	}
	d.mu.Unlock()

	d.Stop()
}

// Running reports whether the drain loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runCancel != nil
}

func (d *Dispatcher) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processQueue(ctx)
		}
	}
}

// processQueue delivers at most one notification.
func (d *Dispatcher) processQueue(ctx context.Context) {
	d.mu.Lock()
	if d.processing || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	d.processing = true
	id := d.queue[0]
	d.queue = d.queue[1:]
	d.updateQueueGaugeLocked()
	n, ok := d.notifications[id]
	var pending domain.Notification
	if ok {
		pending = *n
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.processing = false
		d.mu.Unlock()
	}()

	if !ok {
		d.logger.Error("Notification not found in store", zap.String("notification_id", id))
		return
	}

	d.logger.Debug("Processing notification", zap.String("notification_id", id))

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	started := time.Now()
	err := d.sender.Send(sendCtx, pending)
	cancel()
	if d.config.Metrics != nil {
		d.config.Metrics.DeliveryLatency.Observe(time.Since(started).Seconds())
	}

	if err == nil {
		d.markSent(id)
		return
	}
	d.markFailedAttempt(id, err)
}

func (d *Dispatcher) markSent(id string) {
	now := d.config.Now()

	d.mu.Lock()
	n := d.notifications[id]
	n.Status = domain.NotificationSent
	n.SentAt = &now
	sent := *n
	d.mu.Unlock()

	if d.config.Metrics != nil {
		d.config.Metrics.NotificationOutcomes.WithLabelValues("sent").Inc()
	}
	d.logger.Info("Notification sent",
		zap.String("notification_id", id),
		zap.Int64("fid", sent.FID))
	d.publish(events.NotificationSent, sent, now)
}

func (d *Dispatcher) markFailedAttempt(id string, sendErr error) {
	d.mu.Lock()
	n := d.notifications[id]
	n.RetryCount++

	if n.RetryCount >= d.config.MaxRetries {
		n.Status = domain.NotificationFailed
		failed := *n
		d.mu.Unlock()

		if d.config.Metrics != nil {
			d.config.Metrics.NotificationOutcomes.WithLabelValues("failed").Inc()
		}
		d.logger.Warn("Notification failed permanently",
			zap.String("notification_id", id),
			zap.Int("retries", failed.RetryCount),
			zap.Error(sendErr))
		d.publish(events.NotificationFailed, failed, d.config.Now())
		return
	}

	attempt := n.RetryCount + 1
	if !d.closed {
		d.retryTimers[id] = time.AfterFunc(d.config.RetryDelay, func() { d.requeue(id) })
	}
	d.mu.Unlock()

	if d.config.Metrics != nil {
		d.config.Metrics.NotificationOutcomes.WithLabelValues("retry").Inc()
	}
	d.logger.Warn("Notification delivery failed, will retry",
		zap.String("notification_id", id),
		zap.Int("next_attempt", attempt),
		zap.Duration("delay", d.config.RetryDelay),
		zap.Error(sendErr))
}

func (d *Dispatcher) requeue(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.retryTimers, id)
	if d.closed {
		return
	}
	d.queue = append(d.queue, id)
	d.updateQueueGaugeLocked()
	d.logger.Debug("Re-queued notification for retry", zap.String("notification_id", id))
}

func (d *Dispatcher) publish(typ events.EventType, n domain.Notification, at time.Time) {
	if d.config.Publisher == nil {
		return
	}
	if err := d.config.Publisher.Publish(events.NewNotificationEvent(typ, n, at)); err != nil {
		d.logger.Warn("Failed to publish notification event",
			zap.String("notification_id", n.ID),
			zap.Error(err))
	}
}

func (d *Dispatcher) updateQueueGaugeLocked() {
	if d.config.Metrics != nil {
		d.config.Metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
	}
}

// GetAllNotifications returns copies of every notification, oldest first.
func (d *Dispatcher) GetAllNotifications() []domain.Notification {
	return d.filter(func(*domain.Notification) bool { return true })
}

// GetPendingNotifications returns notifications still awaiting delivery.
func (d *Dispatcher) GetPendingNotifications() []domain.Notification {
	return d.filter(func(n *domain.Notification) bool { return n.Status == domain.NotificationPending })
}

// GetFailedNotifications returns notifications that exhausted their retries.
func (d *Dispatcher) GetFailedNotifications() []domain.Notification {
	return d.filter(func(n *domain.Notification) bool { return n.Status == domain.NotificationFailed })
}

// GetNotifications filters by status; an empty status returns everything.
func (d *Dispatcher) GetNotifications(status domain.NotificationStatus) []domain.Notification {
	if status == "" {
		return d.GetAllNotifications()
	}
	return d.filter(func(n *domain.Notification) bool { return n.Status == status })
}

// GetNotification returns one notification by id.
func (d *Dispatcher) GetNotification(id string) (domain.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.notifications[id]
	if !ok {
		return domain.Notification{}, false
	}
	return copyNotification(n), true
}

// QueueLength returns how many notifications wait for the next tick.
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) filter(keep func(*domain.Notification) bool) []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]domain.Notification, 0, len(d.notifications))
	for _, n := range d.notifications {
		if keep(n) {
			out = append(out, copyNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func copyNotification(n *domain.Notification) domain.Notification {
	c := *n
	if n.SentAt != nil {
		sentAt := *n.SentAt
		c.SentAt = &sentAt
	}
	return c
}
