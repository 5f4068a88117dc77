package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

// Client is a websocket consumer of the gateway, used by the terminal watcher.
type Client struct {
	ws       *websocket.Conn
	logger   *zap.Logger
	messages chan Envelope

	writeMu sync.Mutex
	errMu   sync.Mutex
	err     error
}

// Dial connects to a gateway /ws endpoint with a bearer token.
func Dial(ctx context.Context, url, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		ws:       ws,
		logger:   logger.Named("gateway-client"),
		messages: make(chan Envelope, 32),
	}
	go c.readLoop()
	return c, nil
}

// Messages is closed when the connection ends; Err then reports why.
func (c *Client) Messages() <-chan Envelope {
	return c.messages
}

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Register(positions []domain.Position) error {
	if positions == nil {
		positions = []domain.Position{}
	}
	return c.send(TypeRegisterPositions, RegisterPositionsRequest{Positions: positions})
}

func (c *Client) RequestUpdates() error {
	return c.send(TypeGetPositionUpdates, struct{}{})
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Client) send(typ string, data interface{}) error {
	frame, err := encodeEnvelope(typ, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		c.messages <- env
	}
}

// DecodeStatusChange unpacks a positionStatusChange payload.
func DecodeStatusChange(env Envelope) (domain.PositionStatusChange, error) {
	var change domain.PositionStatusChange
	if err := json.Unmarshal(env.Data, &change); err != nil {
		return change, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return change, nil
}
