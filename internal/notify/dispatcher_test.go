package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/events"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []domain.Notification
	fail  bool
	calls int
}

func (s *recordingSender) Send(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("provider unavailable")
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(t *testing.T, sender Sender, mutate func(*Config)) (*Dispatcher, *clock) {
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := Config{
		Cooldown:   time.Hour,
		Interval:   time.Hour,
		RetryDelay: time.Millisecond,
		MaxRetries: 3,
		Logger:     zaptest.NewLogger(t),
		Metrics:    observability.NewNopMetrics(),
		Now:        c.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d := NewDispatcher(sender, cfg)
	t.Cleanup(d.Close)
	return d, c
}

func outOfRange(lastNotified time.Time, at time.Time) domain.PositionStatusChange {
	lower, upper := 1800.0, 2200.0
	return domain.PositionStatusChange{
		Position: domain.Position{
			ID:           "pos_1",
			AppName:      "Uniswap V3",
			Tokens:       []domain.Token{{Symbol: "ETH"}, {Symbol: "USDC"}},
			PriceLower:   &lower,
			PriceUpper:   &upper,
			LastNotified: lastNotified,
		},
		PreviousStatus: true,
		CurrentStatus:  false,
		Price:          2300.123456,
		Timestamp:      at,
	}
}

func TestHandleOutOfRangeCreatesNotification(t *testing.T) {
	d, c := newTestDispatcher(t, &recordingSender{}, nil)

	n, ok := d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 42)
	require.True(t, ok)

	assert.Equal(t, "notification_pos_1_1700000000000", n.ID)
	assert.Equal(t, "user-1", n.UserID)
	assert.Equal(t, int64(42), n.FID)
	assert.Equal(t, domain.NotificationPending, n.Status)
	assert.Zero(t, n.RetryCount)
	assert.Equal(t, "Your Uniswap V3 ETH/USDC position is now out of range. Current price: $2300.1235", n.Message)
	assert.Equal(t, 1, d.QueueLength())
	assert.True(t, d.Running())
}

func TestIgnoresRecoveryAndNoopTransitions(t *testing.T) {
	d, c := newTestDispatcher(t, &recordingSender{}, nil)

	recovery := outOfRange(time.Time{}, c.Now())
	recovery.PreviousStatus, recovery.CurrentStatus = false, true
	_, ok := d.HandlePositionStatusChange(recovery, "user-1", 42)
	assert.False(t, ok)

	noop := outOfRange(time.Time{}, c.Now())
	noop.PreviousStatus = false
	_, ok = d.HandlePositionStatusChange(noop, "user-1", 42)
	assert.False(t, ok)

	assert.Empty(t, d.GetAllNotifications())
	assert.False(t, d.Running())
}

func TestRecoveryNotificationWhenEnabled(t *testing.T) {
	d, c := newTestDispatcher(t, &recordingSender{}, func(cfg *Config) { cfg.NotifyOnRecovery = true })

	recovery := outOfRange(time.Time{}, c.Now())
	recovery.PreviousStatus, recovery.CurrentStatus = false, true

	n, ok := d.HandlePositionStatusChange(recovery, "user-1", 42)
	require.True(t, ok)
	assert.Contains(t, n.Message, "is now back in range")
}

func TestCooldown(t *testing.T) {
	d, c := newTestDispatcher(t, &recordingSender{}, nil)
	lastNotified := c.Now()

	c.Advance(59 * time.Minute)
	_, ok := d.HandlePositionStatusChange(outOfRange(lastNotified, c.Now()), "user-1", 42)
	assert.False(t, ok, "within cooldown")
	assert.Empty(t, d.GetAllNotifications())

	c.Advance(time.Minute)
	_, ok = d.HandlePositionStatusChange(outOfRange(lastNotified, c.Now()), "user-1", 42)
	assert.True(t, ok, "cooldown elapsed exactly")
	assert.Len(t, d.GetAllNotifications(), 1)
}

func TestSameTransitionForTwoOwners(t *testing.T) {
	d, c := newTestDispatcher(t, &recordingSender{}, nil)
	change := outOfRange(time.Time{}, c.Now())

	first, ok := d.HandlePositionStatusChange(change, "user-1", 1)
	require.True(t, ok)
	second, ok := d.HandlePositionStatusChange(change, "user-2", 2)
	require.True(t, ok)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, d.GetPendingNotifications(), 2)
}

func TestProcessQueueDeliversOnePerTick(t *testing.T) {
	sender := &recordingSender{}
	bus := events.NewBus(zaptest.NewLogger(t), 8)
	defer bus.Shutdown(context.Background())

	sentEvents := make(chan events.NotificationEvent, 2)
	bus.SubscribeFunc(events.NotificationSent, func(_ context.Context, e events.Event) error {
		sentEvents <- e.(events.NotificationEvent)
		return nil
	})

	d, c := newTestDispatcher(t, sender, func(cfg *Config) { cfg.Publisher = bus })

	d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)
	c.Advance(time.Second)
	d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)
	require.Equal(t, 2, d.QueueLength())

	d.processQueue(context.Background())
	assert.Equal(t, 1, d.QueueLength())
	assert.Equal(t, 1, sender.callCount())

	sent := d.GetNotifications(domain.NotificationSent)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].SentAt)
	assert.Equal(t, c.Now(), *sent[0].SentAt)

	select {
	case e := <-sentEvents:
		assert.Equal(t, sent[0].ID, e.Notification.ID)
	case <-time.After(time.Second):
		t.Fatal("sent event not published")
	}
}

func TestProcessQueueSkipsWhileInFlight(t *testing.T) {
	sender := &recordingSender{}
	d, c := newTestDispatcher(t, sender, nil)
	d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)

	d.mu.Lock()
	d.processing = true
	d.mu.Unlock()

	d.processQueue(context.Background())
	assert.Zero(t, sender.callCount())
	assert.Equal(t, 1, d.QueueLength())
}

func TestRetryThenTerminalFailure(t *testing.T) {
	sender := &recordingSender{fail: true}
	d, c := newTestDispatcher(t, sender, nil)

	n, ok := d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)
	require.True(t, ok)

	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool { return d.QueueLength() == 1 }, time.Second, time.Millisecond,
			"attempt %d not queued", attempt)
		d.processQueue(context.Background())

		got, _ := d.GetNotification(n.ID)
		assert.Equal(t, attempt, got.RetryCount)
	}

	got, _ := d.GetNotification(n.ID)
	assert.Equal(t, domain.NotificationFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 3, sender.callCount())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.QueueLength(), "failed notifications are not re-queued")
	assert.Len(t, d.GetFailedNotifications(), 1)
	assert.Empty(t, d.GetPendingNotifications())
}

func TestSendTimeout(t *testing.T) {
	blocking := SenderFunc(func(ctx context.Context, n domain.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d, c := newTestDispatcher(t, blocking, func(cfg *Config) {
		cfg.SendTimeout = 10 * time.Millisecond
		cfg.RetryDelay = time.Hour
	})

	n, _ := d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)
	d.processQueue(context.Background())

	got, _ := d.GetNotification(n.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.NotificationPending, got.Status)
}

func TestStartStop(t *testing.T) {
	sender := &recordingSender{}
	d, c := newTestDispatcher(t, sender, nil)

	d.Start(5 * time.Millisecond)
	d.Start(5 * time.Millisecond)
	d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)

	require.Eventually(t, func() bool { return len(d.GetNotifications(domain.NotificationSent)) == 1 },
		time.Second, 5*time.Millisecond)

	d.Stop()
	d.Stop()
	assert.False(t, d.Running())
}

func TestClosedDispatcherStaysStopped(t *testing.T) {
	sender := &recordingSender{}
	d, c := newTestDispatcher(t, sender, nil)

	d.Start(5 * time.Millisecond)
	d.Close()
	assert.False(t, d.Running())

	_, ok := d.HandlePositionStatusChange(outOfRange(time.Time{}, c.Now()), "user-1", 1)
	assert.True(t, ok, "still recorded")
	assert.False(t, d.Running())

	d.Start(5 * time.Millisecond)
	assert.False(t, d.Running())
	assert.Zero(t, sender.callCount())
}
