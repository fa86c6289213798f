// Package provider is the HTTP client for the external trading-provider
// capability: reading open positions and issuing stop adjustments or closes.
// Order execution itself lives entirely on the provider side.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/internal/schema"
)

// Client talks to the trading-provider gateway.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient creates a provider client for baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger.Named("provider"),
	}
}

// GetOpenPositions fetches the account's open positions.
func (c *Client) GetOpenPositions(ctx context.Context, accountID string) ([]schema.OpenPosition, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open positions: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		OpenPositions []schema.OpenPosition `json:"open_positions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	return out.OpenPositions, nil
}

// AdjustStop moves a position's stop-loss to the given level.
func (c *Client) AdjustStop(ctx context.Context, positionID string, stop decimal.Decimal) error {
	body, err := json.Marshal(map[string]string{"stop_loss": stop.String()})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/positions/%s/stop", c.baseURL, url.PathEscape(positionID))
	return c.post(ctx, endpoint, body, "adjust stop")
}

// ClosePosition closes a position at market.
func (c *Client) ClosePosition(ctx context.Context, positionID string) error {
	endpoint := fmt.Sprintf("%s/positions/%s/close", c.baseURL, url.PathEscape(positionID))
	return c.post(ctx, endpoint, nil, "close position")
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, op string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: rejected with status %d", op, resp.StatusCode)
	}
	return nil
}
