// Package directory is the HTTP client for the external identity directory:
// entitlement checks for subscriptions and the active-account listing the
// monitor cycles over.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/finvex/tradestream/internal/auth"
)

// Client talks to the identity directory service.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient creates a directory client for baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger.Named("directory"),
	}
}

// IsEntitled reports whether the identity may access the account's stream.
func (c *Client) IsEntitled(ctx context.Context, ident *auth.Identity, accountID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/internal/entitlements/%s/%s",
		c.baseURL, url.PathEscape(ident.Subject), url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("entitlement lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("entitlement lookup: unexpected status %d", resp.StatusCode)
	}
}

// ActiveAccounts lists accounts that currently hold open positions.
func (c *Client) ActiveAccounts(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/accounts/active", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("active accounts: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Accounts []string `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
	}
	return out.Accounts, nil
}
