package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestContainsIsInclusive(t *testing.T) {
	p := Position{PriceLower: ptr(1800), PriceUpper: ptr(2200)}

	tests := []struct {
		price float64
		want  bool
	}{
		{1800, true},
		{2200, true},
		{2000, true},
		{1799.9999, false},
		{2200.0001, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Contains(tt.price), "price %v", tt.price)
	}
}

func TestContainsWithoutFullRange(t *testing.T) {
	lowerOnly := Position{PriceLower: ptr(1)}
	assert.False(t, lowerOnly.HasRange())
	assert.False(t, lowerOnly.Contains(5))

	none := Position{}
	assert.False(t, none.Contains(0))
}

func TestCloneIsDeep(t *testing.T) {
	p := Position{
		ID:         "pos_1",
		Tokens:     []Token{{Symbol: "ETH"}, {Symbol: "USDC"}},
		PriceLower: ptr(1800),
		PriceUpper: ptr(2200),
	}
	c := p.Clone()

	*c.PriceLower = 1
	c.Tokens[0].Symbol = "WETH"

	assert.Equal(t, 1800.0, *p.PriceLower)
	assert.Equal(t, "ETH", p.Tokens[0].Symbol)
	assert.Equal(t, "ETH/USDC", p.PairLabel())
}

func TestPositionJSONUsesUnixMillis(t *testing.T) {
	checked := time.UnixMilli(1700000000123)
	p := Position{
		ID:          "pos_1",
		PoolAddress: "0xpool",
		PriceLower:  ptr(1800),
		PriceUpper:  ptr(2200),
		IsInRange:   true,
		LastChecked: checked,
	}

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.EqualValues(t, 1700000000123, fields["lastChecked"])
	assert.NotContains(t, fields, "lastNotified")
	assert.Equal(t, "0xpool", fields["poolAddress"])

	var back Position
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.LastChecked.Equal(checked))
	assert.True(t, back.LastNotified.IsZero())
	assert.Equal(t, 2200.0, *back.PriceUpper)
}

func TestStatusChangeDirection(t *testing.T) {
	out := PositionStatusChange{PreviousStatus: true, CurrentStatus: false}
	back := PositionStatusChange{PreviousStatus: false, CurrentStatus: true}

	assert.True(t, out.WentOutOfRange())
	assert.False(t, out.CameBackInRange())
	assert.True(t, back.CameBackInRange())

	raw, err := json.Marshal(PositionStatusChange{Price: 1500, Timestamp: time.UnixMilli(42)})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timestamp":42`)
	assert.Contains(t, string(raw), `"position":{`)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress(" 0xAbCdEf "))
}
