package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

// LoadPositions reads a JSON array of positions. Positions without an id
// or pool address are rejected.
func LoadPositions(path string) ([]domain.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read positions file: %w", err)
	}

	var positions []domain.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("decode positions file %s: %w", path, err)
	}
	for i, p := range positions {
		if p.ID == "" || p.PoolAddress == "" {
			return nil, fmt.Errorf("position %d in %s: id and poolAddress are required", i, path)
		}
	}
	return positions, nil
}

// SamplePositions returns the demo positions used when no seed file is configured
// in development mode.
func SamplePositions() []domain.Position {
	ethLower, ethUpper := 1800.0, 2200.0
	arbLower, arbUpper := 0.5, 1.5

	return []domain.Position{
		{
			ID:          "pos_1",
			Address:     "0x1234567890abcdef1234567890abcdef12345678",
			AppName:     "Uniswap V3",
			Label:       "ETH/USDC",
			PoolAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
			Value:       5000,
			Tokens: []domain.Token{
				{Symbol: "ETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"},
				{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
			},
			PriceLower: &ethLower,
			PriceUpper: &ethUpper,
			IsInRange:  true,
		},
		{
			ID:          "pos_2",
			Address:     "0x1234567890abcdef1234567890abcdef12345679",
			AppName:     "Aerodrome",
			Label:       "WETH/ARB",
			PoolAddress: "0x912ce59144191c1204e64559fe8253a0e49e6548",
			Value:       3000,
			Tokens: []domain.Token{
				{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"},
				{Symbol: "ARB", Address: "0x912CE59144191C1204E64559FE8253a0e49E6548"},
			},
			PriceLower: &arbLower,
			PriceUpper: &arbUpper,
			IsInRange:  true,
		},
	}
}
