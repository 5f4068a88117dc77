// internal/domain/position.go
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Token is one asset of a position's pair, identified by address.
type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals *int   `json:"decimals,omitempty"`
}

// Position is a single liquidity position owned by one wallet.
type Position struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	AppName     string   `json:"appName"`
	Label       string   `json:"label"`
	PoolAddress string   `json:"poolAddress"`
	Value       float64  `json:"value"`
	Tokens      []Token  `json:"tokens"`
	PriceLower  *float64 `json:"priceLower,omitempty"`
	PriceUpper  *float64 `json:"priceUpper,omitempty"`
	IsInRange   bool     `json:"isInRange"`

	// Zero value means never checked / never notified.
	LastChecked  time.Time `json:"-"`
	LastNotified time.Time `json:"-"`
}

// HasRange reports whether both price bounds are set.
func (p *Position) HasRange() bool {
	return p.PriceLower != nil && p.PriceUpper != nil
}

// Contains checks price against the bounds, inclusive on both ends.
// Positions without a full range never contain any price.
func (p *Position) Contains(price float64) bool {
	if !p.HasRange() {
		return false
	}
	return price >= *p.PriceLower && price <= *p.PriceUpper
}

// Clone returns a deep copy safe to hand to other components.
func (p *Position) Clone() Position {
	c := *p
	if p.Tokens != nil {
		c.Tokens = make([]Token, len(p.Tokens))
		copy(c.Tokens, p.Tokens)
	}
	if p.PriceLower != nil {
		v := *p.PriceLower
		c.PriceLower = &v
	}
	if p.PriceUpper != nil {
		v := *p.PriceUpper
		c.PriceUpper = &v
	}
	return c
}

// PairLabel joins token symbols, e.g. "ETH/USDC".
func (p *Position) PairLabel() string {
	symbols := make([]string, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		symbols = append(symbols, t.Symbol)
	}
	return strings.Join(symbols, "/")
}

type positionAlias Position

type positionJSON struct {
	*positionAlias
	LastChecked  int64 `json:"lastChecked,omitempty"`
	LastNotified int64 `json:"lastNotified,omitempty"`
}

// MarshalJSON encodes timestamps as unix milliseconds.
func (p Position) MarshalJSON() ([]byte, error) {
	alias := positionAlias(p)
	return json.Marshal(positionJSON{
		positionAlias: &alias,
		LastChecked:   UnixMillis(p.LastChecked),
		LastNotified:  UnixMillis(p.LastNotified),
	})
}

// UnmarshalJSON decodes unix millisecond timestamps.
func (p *Position) UnmarshalJSON(data []byte) error {
	aux := positionJSON{positionAlias: (*positionAlias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.LastChecked = FromUnixMillis(aux.LastChecked)
	p.LastNotified = FromUnixMillis(aux.LastNotified)
	return nil
}

// NormalizeAddress lower-cases an address so case variants compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// UnixMillis returns ms since epoch, 0 for the zero time.
func UnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMillis is the inverse of UnixMillis.
func FromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
