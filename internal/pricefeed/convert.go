package pricefeed

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/subgraph"
)

var (
	ErrMissingAmount = errors.New("swap amount missing")
	ErrZeroAmount    = errors.New("swap amount is zero")
)

// ToPriceUpdate derives the pool price from a swap: |amount1 / amount0|.
func ToPriceUpdate(swap subgraph.Swap) (domain.PriceUpdate, error) {
	if swap.Amount0 == "" || swap.Amount1 == "" {
		return domain.PriceUpdate{}, ErrMissingAmount
	}

	amount0, err := decimal.NewFromString(swap.Amount0)
	if err != nil {
		return domain.PriceUpdate{}, fmt.Errorf("parse amount0: %w", err)
	}
	amount1, err := decimal.NewFromString(swap.Amount1)
	if err != nil {
		return domain.PriceUpdate{}, fmt.Errorf("parse amount1: %w", err)
	}
	if amount0.IsZero() || amount1.IsZero() {
		return domain.PriceUpdate{}, ErrZeroAmount
	}

	seconds, err := strconv.ParseInt(swap.Timestamp, 10, 64)
	if err != nil {
		return domain.PriceUpdate{}, fmt.Errorf("parse timestamp: %w", err)
	}

	update := domain.PriceUpdate{
		PoolAddress: domain.NormalizeAddress(swap.Pool.ID),
		Token0:      poolToken(swap.Pool.Token0),
		Token1:      poolToken(swap.Pool.Token1),
		Price:       amount1.Div(amount0).Abs().InexactFloat64(),
		Timestamp:   time.UnixMilli(seconds * 1000),
	}

	if usd, err := decimal.NewFromString(swap.AmountUSD); err == nil {
		update.AmountUSD = usd.InexactFloat64()
	}
	if tick, err := strconv.ParseInt(swap.Pool.Tick, 10, 64); err == nil {
		update.Tick = tick
	}

	return update, nil
}

func poolToken(t subgraph.Token) domain.PoolToken {
	decimals, _ := strconv.Atoi(t.Decimals)
	return domain.PoolToken{
		Address:  t.ID,
		Symbol:   t.Symbol,
		Decimals: decimals,
	}
}
