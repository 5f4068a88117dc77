// internal/neynar/client.go
package neynar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

const (
	DefaultBaseURL = "https://api.neynar.com"
	defaultTitle   = "Position Out of Range"
)

var (
	ErrMissingAPIKey = errors.New("neynar api key not configured")
	ErrUserNotFound  = errors.New("farcaster user not found")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Wallets lists the addresses linked to a Farcaster account.
type Wallets struct {
	FID            int64    `json:"fid"`
	Username       string   `json:"username"`
	DisplayName    string   `json:"displayName"`
	ETH            []string `json:"eth"`
	SOL            []string `json:"sol"`
	CustodyAddress string   `json:"custodyAddress"`
}

// EVMAddresses returns verified and custody addresses that are valid EVM hex, deduplicated.
func (w Wallets) EVMAddresses() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, addr := range append(append([]string(nil), w.ETH...), w.CustodyAddress) {
		if !common.IsHexAddress(addr) {
			continue
		}
		normalized := strings.ToLower(common.HexToAddress(addr).Hex())
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// Config configures the client.
type Config struct {
	APIKey    string
	BaseURL   string
	TargetURL string
	Timeout   time.Duration
}

// Client talks to the Neynar v2 API: user lookup and frame notifications.
type Client struct {
	config Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a Neynar client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("neynar"),
	}
}

type bulkUsersResponse struct {
	Users []struct {
		FID               int64  `json:"fid"`
		Username          string `json:"username"`
		DisplayName       string `json:"display_name"`
		CustodyAddress    string `json:"custody_address"`
		VerifiedAddresses struct {
			ETH []string `json:"eth_addresses"`
			SOL []string `json:"sol_addresses"`
		} `json:"verified_addresses"`
	} `json:"users"`
}

// UserWallets resolves the wallets of fid.
func (c *Client) UserWallets(ctx context.Context, fid int64) (Wallets, error) {
	if c.config.APIKey == "" {
		return Wallets{}, ErrMissingAPIKey
	}

	url := fmt.Sprintf("%s/v2/farcaster/user/bulk?fids=%s", c.config.BaseURL, strconv.FormatInt(fid, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Wallets{}, fmt.Errorf("create request: %w", err)
	}

	var resp bulkUsersResponse
	if err := c.do(req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return Wallets{}, ErrUserNotFound
		}
		return Wallets{}, fmt.Errorf("fetch user %d: %w", fid, err)
	}
	if len(resp.Users) == 0 {
		return Wallets{}, ErrUserNotFound
	}

	u := resp.Users[0]
	return Wallets{
		FID:            u.FID,
		Username:       u.Username,
		DisplayName:    u.DisplayName,
		ETH:            nonNil(u.VerifiedAddresses.ETH),
		SOL:            nonNil(u.VerifiedAddresses.SOL),
		CustodyAddress: u.CustodyAddress,
	}, nil
}

type notificationRequest struct {
	TargetFIDs   []int64 `json:"target_fids"`
	Notification struct {
		Title     string `json:"title"`
		Body      string `json:"body"`
		TargetURL string `json:"target_url"`
		UUID      string `json:"uuid,omitempty"`
	} `json:"notification"`
}

// Send posts a frame notification to the notification's FID.
func (c *Client) Send(ctx context.Context, n domain.Notification) error {
	if c.config.APIKey == "" {
		return ErrMissingAPIKey
	}

	var body notificationRequest
	body.TargetFIDs = []int64{n.FID}
	body.Notification.Title = defaultTitle
	body.Notification.Body = n.Message
	body.Notification.TargetURL = c.config.TargetURL
	body.Notification.UUID = NotificationUUID(n.ID)

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v2/farcaster/frame/notifications", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}

	c.logger.Debug("Frame notification delivered",
		zap.String("notification_id", n.ID),
		zap.Int64("fid", n.FID))
	return nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(data, 200)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// NotificationUUID derives a stable UUID from a notification id so retries
// of the same notification are deduplicated by the provider.
func NotificationUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
