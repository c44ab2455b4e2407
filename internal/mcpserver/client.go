package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to a paycore deployment.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Value sent in X-Admin-Secret
}

// Client is a pure HTTP client for the paycore admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the paycore admin API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetPayment returns a payment intent by reference.
func (c *Client) GetPayment(ctx context.Context, reference string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/payments/"+url.PathEscape(reference), nil)
}

// GetActiveSubscription returns the user's active subscription, if any.
func (c *Client) GetActiveSubscription(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/users/"+url.PathEscape(userID)+"/subscription", nil)
}

// GetAffiliateStats returns an affiliate's earnings and tier.
func (c *Client) GetAffiliateStats(ctx context.Context, affiliateID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/affiliates/"+url.PathEscape(affiliateID)+"/stats", nil)
}

// AuditAffiliate recomputes an affiliate's totals from the entry log.
func (c *Client) AuditAffiliate(ctx context.Context, affiliateID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/affiliates/"+url.PathEscape(affiliateID)+"/audit", nil)
}

// RunSweep triggers one reconciliation sweep.
func (c *Client) RunSweep(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/sweep", nil)
}
