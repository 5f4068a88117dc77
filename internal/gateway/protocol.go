package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

// Message types exchanged over the websocket.
const (
	// client -> server
	TypeRegisterPositions  = "registerPositions"
	TypeGetPositionUpdates = "getPositionUpdates"

	// server -> client
	TypePositionsRegistered  = "positionsRegistered"
	TypePositionUpdatesList  = "positionUpdatesList"
	TypePositionStatusChange = "positionStatusChange"
	TypeNotificationSent     = "notificationSent"
	TypeNotificationFailed   = "notificationFailed"
	TypeError                = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RegisterPositionsRequest struct {
	Positions []domain.Position `json:"positions"`
}

type PositionsRegistered struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

type PositionUpdatesList struct {
	Positions []domain.Position `json:"positions"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func encodeEnvelope(typ string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}
