// internal/subgraph/client.go
package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnectionRejected = errors.New("subgraph rejected connection_init")
	ErrSubscription       = errors.New("subgraph subscription error")
)

// Config configures the stream client.
type Config struct {
	URL          string
	APIKey       string
	AckTimeout   time.Duration
	WriteTimeout time.Duration
}

// Client streams swap batches from a Uniswap v3 subgraph over graphql-transport-ws.
// Each StreamSwaps call owns its own connection.
type Client struct {
	config Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient creates a new stream client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		config: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		logger: logger.Named("subgraph"),
	}
}

type streamConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (s *streamConn) send(msg wsMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(msg)
}

// StreamSwaps opens a subscription and calls onSwaps for every batch, in order of
// receipt, on the calling goroutine. It blocks until the server completes the
// subscription (nil), the context ends (ctx.Err()) or the transport fails.
func (c *Client) StreamSwaps(ctx context.Context, query SwapQuery, onSwaps func([]Swap)) error {
	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	sc := &streamConn{conn: conn, writeTimeout: c.config.WriteTimeout}

	done := make(chan struct{})
	defer close(done)

	subID := uuid.New().String()
	go func() {
		select {
		case <-ctx.Done():
			_ = sc.send(wsMessage{ID: subID, Type: msgComplete})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	if err := c.handshake(sc); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	payload, err := json.Marshal(subscribePayload{
		OperationName: "PriceUpdates",
		Query:         swapsSubscription,
		Variables: map[string]interface{}{
			"pools": query.Pools,
			"first": query.First,
		},
	})
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if err := sc.send(wsMessage{ID: subID, Type: msgSubscribe, Payload: payload}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	c.logger.Debug("Subscribed to swaps",
		zap.String("subscription_id", subID),
		zap.Int("pools", len(query.Pools)))

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case msgPing:
			if err := sc.send(wsMessage{Type: msgPong}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		case msgNext:
			if msg.ID != subID {
				continue
			}
			var next nextPayload
			if err := json.Unmarshal(msg.Payload, &next); err != nil {
				c.logger.Warn("Malformed next payload", zap.Error(err))
				continue
			}
			if len(next.Errors) > 0 {
				return fmt.Errorf("%w: %s", ErrSubscription, joinErrors(next.Errors))
			}
			if len(next.Data.Swaps) > 0 {
				onSwaps(next.Data.Swaps)
			}
		case msgError:
			var errs []graphQLError
			_ = json.Unmarshal(msg.Payload, &errs)
			return fmt.Errorf("%w: %s", ErrSubscription, joinErrors(errs))
		case msgComplete:
			if msg.ID == subID {
				c.logger.Debug("Subscription completed by server", zap.String("subscription_id", subID))
				return nil
			}
		}
	}
}

func (c *Client) handshake(sc *streamConn) error {
	if err := sc.send(wsMessage{Type: msgConnectionInit, Payload: json.RawMessage(`{}`)}); err != nil {
		return fmt.Errorf("write connection_init: %w", err)
	}

	_ = sc.conn.SetReadDeadline(time.Now().Add(c.config.AckTimeout))
	defer sc.conn.SetReadDeadline(time.Time{})

	for {
		var msg wsMessage
		if err := sc.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await connection_ack: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			return nil
		case msgPing:
			if err := sc.send(wsMessage{Type: msgPong}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		default:
			return fmt.Errorf("%w: unexpected %q", ErrConnectionRejected, msg.Type)
		}
	}
}

func joinErrors(errs []graphQLError) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
