package domain

import (
	"encoding/json"
	"time"
)

// PoolToken describes a pool token as reported by the swap stream.
type PoolToken struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// PriceUpdate is a normalised price tick for one pool. Transient.
type PriceUpdate struct {
	PoolAddress string
	Token0      PoolToken
	Token1      PoolToken
	Price       float64
	Timestamp   time.Time
	AmountUSD   float64
	Tick        int64
}

// PositionStatusChange is emitted when a position crosses its range boundary.
type PositionStatusChange struct {
	Position       Position
	PreviousStatus bool
	CurrentStatus  bool
	Price          float64
	Timestamp      time.Time
}

// WentOutOfRange reports an in-range -> out-of-range transition.
func (c PositionStatusChange) WentOutOfRange() bool {
	return c.PreviousStatus && !c.CurrentStatus
}

// CameBackInRange reports an out-of-range -> in-range transition.
func (c PositionStatusChange) CameBackInRange() bool {
	return !c.PreviousStatus && c.CurrentStatus
}

// MarshalJSON keeps the push-channel payload shape.
func (c PositionStatusChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Position       Position `json:"position"`
		PreviousStatus bool     `json:"previousStatus"`
		CurrentStatus  bool     `json:"currentStatus"`
		Price          float64  `json:"price"`
		Timestamp      int64    `json:"timestamp"`
	}{c.Position, c.PreviousStatus, c.CurrentStatus, c.Price, UnixMillis(c.Timestamp)})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *PositionStatusChange) UnmarshalJSON(data []byte) error {
	var aux struct {
		Position       Position `json:"position"`
		PreviousStatus bool     `json:"previousStatus"`
		CurrentStatus  bool     `json:"currentStatus"`
		Price          float64  `json:"price"`
		Timestamp      int64    `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Position = aux.Position
	c.PreviousStatus = aux.PreviousStatus
	c.CurrentStatus = aux.CurrentStatus
	c.Price = aux.Price
	c.Timestamp = FromUnixMillis(aux.Timestamp)
	return nil
}
