package pricefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
	"github.com/rovshanmuradov/rangeguard/internal/subgraph"
)

type streamSession struct {
	ctx     context.Context
	query   subgraph.SwapQuery
	batches chan []subgraph.Swap
	result  chan error
}

type fakeStream struct {
	started chan *streamSession
}

func newFakeStream() *fakeStream {
	return &fakeStream{started: make(chan *streamSession, 16)}
}

func (f *fakeStream) StreamSwaps(ctx context.Context, query subgraph.SwapQuery, onSwaps func([]subgraph.Swap)) error {
	s := &streamSession{
		ctx:     ctx,
		query:   query,
		batches: make(chan []subgraph.Swap, 4),
		result:  make(chan error, 1),
	}
	f.started <- s
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.result:
			return err
		case batch := <-s.batches:
			onSwaps(batch)
		}
	}
}

func (f *fakeStream) next(t *testing.T) *streamSession {
	t.Helper()
	select {
	case s := <-f.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not opened")
		return nil
	}
}

func (f *fakeStream) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.started:
		t.Fatalf("unexpected stream opened for %v", s.query.Pools)
	case <-time.After(50 * time.Millisecond):
	}
}

func swapFor(pool, amount0, amount1 string) subgraph.Swap {
	return subgraph.Swap{
		ID:        "swap-" + pool,
		Timestamp: "1700000000",
		Pool: subgraph.Pool{
			ID:     pool,
			Token0: subgraph.Token{ID: "0xeth", Symbol: "ETH", Decimals: "18"},
			Token1: subgraph.Token{ID: "0xusdc", Symbol: "USDC", Decimals: "6"},
			Tick:   "-200000",
		},
		Amount0:   amount0,
		Amount1:   amount1,
		AmountUSD: "2000.5",
	}
}

func newTestListener(t *testing.T, stream SwapStream) *Listener {
	l := NewListener(stream, Config{BatchSize: 5, ReconnectDelay: 10 * time.Millisecond},
		zaptest.NewLogger(t), observability.NewNopMetrics())
	t.Cleanup(l.Close)
	return l
}

func TestToPriceUpdate(t *testing.T) {
	update, err := ToPriceUpdate(swapFor("0xPOOL", "-1.5", "3000"))
	require.NoError(t, err)

	assert.Equal(t, "0xpool", update.PoolAddress)
	assert.InDelta(t, 2000.0, update.Price, 1e-9)
	assert.Equal(t, int64(1700000000000), update.Timestamp.UnixMilli())
	assert.InDelta(t, 2000.5, update.AmountUSD, 1e-9)
	assert.Equal(t, int64(-200000), update.Tick)
	assert.Equal(t, domain.PoolToken{Address: "0xeth", Symbol: "ETH", Decimals: 18}, update.Token0)
	assert.Equal(t, 6, update.Token1.Decimals)
}

func TestToPriceUpdateRejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name    string
		amount0 string
		amount1 string
		wantErr error
	}{
		{"missing amount0", "", "1", ErrMissingAmount},
		{"missing amount1", "1", "", ErrMissingAmount},
		{"zero amount0", "0", "1", ErrZeroAmount},
		{"zero amount1", "1", "0.000", ErrZeroAmount},
		{"unparsable", "abc", "1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToPriceUpdate(swapFor("0xpool", tt.amount0, tt.amount1))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestAddPoolDeduplicatesCaseInsensitively(t *testing.T) {
	l := newTestListener(t, newFakeStream())

	l.AddPool("0xABC")
	l.AddPool("0xabc")
	l.AddPool("0xdef")

	assert.Equal(t, []string{"0xabc", "0xdef"}, l.Pools())

	l.RemovePool("0XABC")
	assert.Equal(t, []string{"0xdef"}, l.Pools())
}

func TestSubscribeWithoutPoolsIsNoop(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.Subscribe()

	stream.assertIdle(t)
	assert.False(t, l.Subscribed())
}

func TestSubscribeStreamsAllPools(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	updates := make(chan domain.PriceUpdate, 4)
	l.OnPriceUpdate(func(u domain.PriceUpdate) { updates <- u })

	l.AddPool("0xB")
	l.AddPool("0xA")
	l.Subscribe()
	l.Subscribe()

	session := stream.next(t)
	assert.Equal(t, []string{"0xa", "0xb"}, session.query.Pools)
	assert.Equal(t, 5, session.query.First)
	stream.assertIdle(t)

	session.batches <- []subgraph.Swap{
		swapFor("0xa", "1", "1500"),
		swapFor("0xa", "", "1"),
		swapFor("0xb", "2", "-1"),
	}

	first := <-updates
	second := <-updates
	assert.Equal(t, "0xb", first.PoolAddress)
	assert.InDelta(t, 0.5, first.Price, 1e-9)
	assert.InDelta(t, 1500.0, second.Price, 1e-9)
}

func TestBatchAppliedOldestFirst(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	var mu sync.Mutex
	var prices []float64
	l.OnPriceUpdate(func(u domain.PriceUpdate) {
		mu.Lock()
		defer mu.Unlock()
		prices = append(prices, u.Price)
	})
	l.AddPool("0xa")
	l.Subscribe()

	session := stream.next(t)
	session.batches <- []subgraph.Swap{
		swapFor("0xa", "1", "2100"),
		swapFor("0xa", "1", "2000"),
		swapFor("0xa", "1", "1900"),
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1900, 2000, 2100}, prices)
}

func TestAddPoolRestartsActiveSubscription(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.AddPool("0xa")
	l.Subscribe()
	first := stream.next(t)

	l.AddPool("0xb")
	second := stream.next(t)

	assert.Equal(t, []string{"0xa", "0xb"}, second.query.Pools)
	select {
	case <-first.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("previous subscription was not cancelled")
	}
	assert.True(t, l.Subscribed())
}

func TestAddPoolWhileIdleDoesNotSubscribe(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.AddPool("0xa")
	stream.assertIdle(t)
}

func TestRemoveLastPoolTearsDownStream(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.AddPool("0xa")
	l.Subscribe()
	first := stream.next(t)

	l.RemovePool("0xa")

	<-first.ctx.Done()
	stream.assertIdle(t)
	assert.Empty(t, l.Pools())
}

func TestStreamErrorResubscribes(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.AddPool("0xa")
	l.Subscribe()
	first := stream.next(t)

	first.result <- assert.AnError

	second := stream.next(t)
	assert.Equal(t, []string{"0xa"}, second.query.Pools)
	assert.True(t, l.Subscribed())
}

func TestStreamCompletionClearsSubscription(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.AddPool("0xa")
	l.Subscribe()
	session := stream.next(t)

	session.result <- nil

	require.Eventually(t, func() bool { return !l.Subscribed() }, time.Second, 5*time.Millisecond)
	stream.assertIdle(t)

	l.Subscribe()
	stream.next(t)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	l := newTestListener(t, stream)

	l.Unsubscribe()

	l.AddPool("0xa")
	l.Subscribe()
	session := stream.next(t)

	l.Unsubscribe()
	l.Unsubscribe()

	<-session.ctx.Done()
	assert.False(t, l.Subscribed())
}

func TestStaleSubscriptionUpdatesAreDiscarded(t *testing.T) {
	l := newTestListener(t, newFakeStream())

	var mu sync.Mutex
	var got []domain.PriceUpdate
	l.OnPriceUpdate(func(u domain.PriceUpdate) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u)
	})

	l.AddPool("0xa")
	l.mu.Lock()
	stale := l.generation
	l.generation++
	l.mu.Unlock()

	l.handleSwaps(stale, []subgraph.Swap{swapFor("0xa", "1", "2")})

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, got)
}
