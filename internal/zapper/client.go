// internal/zapper/client.go
package zapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

const DefaultBaseURL = "https://api.zapper.xyz"

var (
	ErrMissingAPIKey  = errors.New("zapper api key not configured")
	ErrInvalidAddress = errors.New("invalid EVM address")
	ErrNoAddresses    = errors.New("no addresses given")
)

// liquidityApps are the protocols whose positions carry a price range.
var liquidityApps = map[string]struct{}{
	"uniswap-v3":  {},
	"aerodrome":   {},
	"balancer-v2": {},
	"curve":       {},
}

// Summary aggregates a portfolio.
type Summary struct {
	TotalPositions  int     `json:"totalPositions"`
	TotalValue      float64 `json:"totalValue"`
	OutOfRangeCount int     `json:"outOfRangeCount"`
}

// Portfolio is the set of liquidity positions held by some addresses.
type Portfolio struct {
	Positions []domain.Position `json:"positions"`
	Summary   Summary           `json:"summary"`
}

// OutOfRange returns the positions reported out of range.
func (p Portfolio) OutOfRange() []domain.Position {
	var out []domain.Position
	for _, pos := range p.Positions {
		if !pos.IsInRange {
			out = append(out, pos)
		}
	}
	return out
}

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
	Network string
	// Retries is the number of extra attempts after a transient failure.
	Retries int
	Timeout time.Duration
}

// Client fetches positions from the Zapper v2 API.
type Client struct {
	config Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a Zapper client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Network == "" {
		cfg.Network = "base"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("zapper"),
	}
}

type apiToken struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals *int   `json:"decimals"`
}

type apiPosition struct {
	Key        string     `json:"key"`
	ID         string     `json:"id"`
	AppID      string     `json:"appId"`
	AppName    string     `json:"appName"`
	Label      string     `json:"label"`
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	Owner      string     `json:"owner"`
	Value      float64    `json:"value"`
	Tokens     []apiToken `json:"tokens"`
	IsInRange  *bool      `json:"isInRange"`
	LowerPrice *float64   `json:"lowerPrice"`
	UpperPrice *float64   `json:"upperPrice"`
}

type positionsResponse struct {
	Positions []apiPosition `json:"positions"`
}

// FetchPositions returns the liquidity positions held by addresses.
func (c *Client) FetchPositions(ctx context.Context, addresses []string) (Portfolio, error) {
	if c.config.APIKey == "" {
		return Portfolio{}, ErrMissingAPIKey
	}
	if len(addresses) == 0 {
		return Portfolio{}, ErrNoAddresses
	}

	query := url.Values{}
	for _, addr := range addresses {
		if !common.IsHexAddress(addr) {
			return Portfolio{}, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
		}
		query.Add("addresses[]", strings.ToLower(common.HexToAddress(addr).Hex()))
	}
	query.Set("network", c.config.Network)
	query.Set("bundled", "true")
	endpoint := c.config.BaseURL + "/v2/positions?" + query.Encode()

	operation := func() (positionsResponse, error) {
		return c.fetch(ctx, endpoint)
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Zapper request failed, retrying",
			zap.Error(err),
			zap.Duration("next_attempt_in", next))
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.config.Retries+1)),
		backoff.WithNotify(notify))
	if err != nil {
		return Portfolio{}, fmt.Errorf("fetch positions: %w", err)
	}

	return buildPortfolio(resp.Positions), nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) (positionsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return positionsResponse{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Basic "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return positionsResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return positionsResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return positionsResponse{}, statusErr
		}
		return positionsResponse{}, backoff.Permanent(statusErr)
	}

	var out positionsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return positionsResponse{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

func buildPortfolio(raw []apiPosition) Portfolio {
	portfolio := Portfolio{Positions: make([]domain.Position, 0, len(raw))}

	for _, p := range raw {
		if _, ok := liquidityApps[p.AppID]; !ok {
			continue
		}

		pos := domain.Position{
			ID:          firstNonEmpty(p.Key, p.ID),
			Address:     domain.NormalizeAddress(p.Owner),
			AppName:     firstNonEmpty(p.AppName, p.AppID),
			Label:       firstNonEmpty(p.Label, p.Name),
			PoolAddress: domain.NormalizeAddress(p.Address),
			Value:       p.Value,
			Tokens:      make([]domain.Token, 0, len(p.Tokens)),
			PriceLower:  p.LowerPrice,
			PriceUpper:  p.UpperPrice,
			IsInRange:   true,
		}
		if p.IsInRange != nil {
			pos.IsInRange = *p.IsInRange
		}
		for _, t := range p.Tokens {
			pos.Tokens = append(pos.Tokens, domain.Token{Symbol: t.Symbol, Address: t.Address, Decimals: t.Decimals})
		}

		portfolio.Positions = append(portfolio.Positions, pos)
		portfolio.Summary.TotalValue += pos.Value
		if !pos.IsInRange {
			portfolio.Summary.OutOfRangeCount++
		}
	}
	portfolio.Summary.TotalPositions = len(portfolio.Positions)

	return portfolio
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
