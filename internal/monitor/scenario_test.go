package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/events"
	"github.com/rovshanmuradov/rangeguard/internal/notify"
)

func TestRegistryToDispatcherScenario(t *testing.T) {
	logger := zaptest.NewLogger(t)

	var clockMu sync.Mutex
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
		return now
	}

	bus := events.NewBus(logger, 16)
	defer bus.Shutdown(context.Background())

	dispatcher := notify.NewDispatcher(notify.SenderFunc(func(context.Context, domain.Notification) error { return nil }),
		notify.Config{
			Cooldown:   time.Hour,
			Interval:   time.Hour,
			RetryDelay: time.Minute,
			MaxRetries: 3,
			Logger:     logger,
			Now:        clock,
		})
	defer dispatcher.Close()

	recorder := &changeRecorder{}
	bus.Subscribe(events.PositionStatusChanged, recorder)
	bus.SubscribeFunc(events.PositionStatusChanged, func(_ context.Context, e events.Event) error {
		dispatcher.HandlePositionStatusChange(e.(events.StatusChangedEvent).Change, "user-1", 1)
		return nil
	})

	feed := newFakeFeed()
	registry := NewRegistry(feed, bus, RegistryConfig{CheckInterval: time.Hour, Logger: logger, Now: clock})
	defer registry.Stop()

	registry.AddPosition(domain.Position{
		ID:          "p1",
		AppName:     "Uniswap V3",
		PoolAddress: "0xPool",
		Tokens:      []domain.Token{{Symbol: "ETH"}, {Symbol: "USDC"}},
		PriceLower:  ptr(1000),
		PriceUpper:  ptr(2000),
		IsInRange:   true,
	})
	assert.Equal(t, []string{"0xpool"}, feed.Pools())

	// 1500: in range, nothing happens.
	feed.emit("0xPool", 1500, clock())
	p, _ := registry.GetPosition("p1")
	assert.True(t, p.IsInRange)
	assert.Empty(t, recorder.all())
	assert.Empty(t, dispatcher.GetAllNotifications())

	// 2500: goes out of range, one notification.
	feed.emit("0xPool", 2500, advance(time.Minute))
	p, _ = registry.GetPosition("p1")
	assert.False(t, p.IsInRange)
	require.Len(t, recorder.all(), 1)
	assert.True(t, recorder.all()[0].WentOutOfRange())
	notifications := dispatcher.GetAllNotifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, "p1", notifications[0].PositionID)
	assert.Len(t, registry.GetOutOfRangePositions(), 1)

	// 2500 again: stable, nothing new.
	feed.emit("0xPool", 2500, advance(time.Minute))
	assert.Len(t, recorder.all(), 1)
	assert.Len(t, dispatcher.GetAllNotifications(), 1)

	// 1500 after cooldown: back in range, recovery is not notified.
	feed.emit("0xPool", 1500, advance(2*time.Hour))
	p, _ = registry.GetPosition("p1")
	assert.True(t, p.IsInRange)
	require.Len(t, recorder.all(), 2)
	assert.True(t, recorder.all()[1].CameBackInRange())
	assert.Len(t, dispatcher.GetAllNotifications(), 1)
	assert.Empty(t, registry.GetOutOfRangePositions())
}
