package events

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
)

func newTestBus(t *testing.T) *Bus {
	bus := NewBus(zaptest.NewLogger(t), 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	return bus
}

func statusEvent(id string) StatusChangedEvent {
	return NewStatusChangedEvent(domain.PositionStatusChange{
		Position:       domain.Position{ID: id},
		PreviousStatus: true,
		CurrentStatus:  false,
		Price:          1500,
		Timestamp:      time.UnixMilli(1700000000000),
	})
}

func TestPublishSyncRunsHandlersInOrder(t *testing.T) {
	bus := newTestBus(t)

	var order []string
	bus.SubscribeFunc(PositionStatusChanged, func(ctx context.Context, e Event) error {
		order = append(order, "first")
		return nil
	})
	bus.SubscribeFunc(PositionStatusChanged, func(ctx context.Context, e Event) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, bus.PublishSync(context.Background(), statusEvent("pos_1")))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishSyncJoinsHandlerErrors(t *testing.T) {
	bus := newTestBus(t)
	errA := errors.New("a failed")

	var calls int
	bus.SubscribeFunc(PositionStatusChanged, func(ctx context.Context, e Event) error {
		calls++
		return errA
	})
	bus.SubscribeFunc(PositionStatusChanged, func(ctx context.Context, e Event) error {
		calls++
		return nil
	})

	err := bus.PublishSync(context.Background(), statusEvent("pos_1"))
	require.ErrorIs(t, err, errA)
	assert.Equal(t, 2, calls)
}

func TestPublishDeliversAsynchronously(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	bus.SubscribeFunc(PositionStatusChanged, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.(StatusChangedEvent).Change.Position.ID)
		if len(got) == 2 {
			close(done)
		}
		return nil
	})

	require.NoError(t, bus.Publish(statusEvent("pos_1")))
	require.NoError(t, bus.Publish(statusEvent("pos_2")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events were not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pos_1", "pos_2"}, got)
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	bus := newTestBus(t)

	var calls int
	sub := bus.SubscribeFunc(PositionStatusChanged, func(ctx context.Context, e Event) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, bus.HandlerCount(PositionStatusChanged))

	sub.Unsubscribe()
	assert.Equal(t, 0, bus.HandlerCount(PositionStatusChanged))

	require.NoError(t, bus.PublishSync(context.Background(), statusEvent("pos_1")))
	assert.Zero(t, calls)
}

func TestPublishAfterShutdown(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 4)
	require.NoError(t, bus.Shutdown(context.Background()))

	assert.ErrorIs(t, bus.Publish(statusEvent("pos_1")), ErrBusClosed)
}

func TestNotificationEventCarriesType(t *testing.T) {
	now := time.Now()
	e := NewNotificationEvent(NotificationFailed, domain.Notification{ID: "n1"}, now)

	assert.Equal(t, NotificationFailed, e.Type())
	assert.Equal(t, now, e.Timestamp())
	assert.Equal(t, "n1", e.Notification.ID)
}
