package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)

	var order []string
	for _, name := range []string{"bus", "registry", "gateway"} {
		sh.AddFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sh.Shutdown(context.Background()))
	assert.Equal(t, []string{"gateway", "registry", "bus"}, order)

	// Services are only closed once.
	require.NoError(t, sh.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownCollectsErrorsAndKeepsGoing(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)
	boom := errors.New("boom")

	closed := false
	sh.AddFunc("first", func() error { closed = true; return nil })
	sh.AddFunc("second", func() error { return boom })

	err := sh.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.True(t, closed)
}

func TestShutdownTimeout(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	sh.AddFunc("stuck", func() error { <-release; return nil })

	err := sh.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck: shutdown timeout")
}

func TestLoadPositions(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "positions.json")
	require.NoError(t, os.WriteFile(good, []byte(`[
		{"id":"pos_1","poolAddress":"0xPool","appName":"Uniswap V3","priceLower":1800,"priceUpper":2200,"isInRange":true,
		 "tokens":[{"symbol":"ETH","address":"0x1"},{"symbol":"USDC","address":"0x2"}]}
	]`), 0o600))

	positions, err := LoadPositions(good)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "pos_1", positions[0].ID)
	require.NotNil(t, positions[0].PriceUpper)
	assert.Equal(t, 2200.0, *positions[0].PriceUpper)

	missing := filepath.Join(dir, "missing-pool.json")
	require.NoError(t, os.WriteFile(missing, []byte(`[{"id":"pos_1"}]`), 0o600))
	_, err = LoadPositions(missing)
	assert.ErrorContains(t, err, "poolAddress")

	_, err = LoadPositions(filepath.Join(dir, "nope.json"))
	assert.Error(t, err)
}

func TestSamplePositionsHaveRanges(t *testing.T) {
	for _, p := range SamplePositions() {
		assert.True(t, p.HasRange(), p.ID)
		assert.True(t, p.IsInRange, p.ID)
		assert.NotEmpty(t, p.PoolAddress, p.ID)
	}
}
