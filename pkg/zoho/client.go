// Package zoho is the client for the external accounting catalog: customer
// and item lookup plus idempotent draft sales-order creation, over a
// Zoho-Books-shaped REST API with OAuth refresh-token auth.
package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// API is the catalog surface consumed by the resolver and the draft writer.
type API interface {
	SearchCustomers(ctx context.Context, name string) ([]Customer, error)
	SearchItems(ctx context.Context, q ItemQuery) ([]Item, error)
	CreateSalesOrder(ctx context.Context, order SalesOrder, idempotencyKey string) (*SalesOrderResult, error)
}

// ItemQuery narrows an item search. Exactly one field should be set.
type ItemQuery struct {
	GTIN string
	SKU  string
	Name string
}

// Config carries the catalog endpoints and OAuth client credentials.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	// RPS caps outgoing calls client-side; the remote enforces its own
	// quota with 429s on top.
	RPS float64
}

// Client is a rate-limited catalog client. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	clock   func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a live access token, refreshing through the refresh-token
// grant when the cached one is within a minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.clock().Add(time.Minute).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.cfg.RefreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("zoho: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("zoho: token refresh: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Status: resp.StatusCode, Message: "token refresh: " + strings.TrimSpace(string(body))}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("zoho: decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("zoho: token response carried no access token")
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = c.clock().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// do issues one authenticated API call. Every call waits on the client-side
// limiter first; a context past deadline surfaces from the wait.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, header http.Header, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("zoho: rate limit wait: %w", err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("zoho: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("zoho: create request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("zoho: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("zoho: decode response: %w", err)
		}
	}
	return nil
}

// SearchCustomers lists contacts whose name contains the query.
func (c *Client) SearchCustomers(ctx context.Context, name string) ([]Customer, error) {
	var out struct {
		Contacts []Customer `json:"contacts"`
	}
	q := url.Values{"contact_name_contains": {name}}
	if err := c.do(ctx, http.MethodGet, "/contacts", q, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

// SearchItems lists items by GTIN, SKU, or name fragment.
func (c *Client) SearchItems(ctx context.Context, query ItemQuery) ([]Item, error) {
	q := url.Values{}
	switch {
	case query.GTIN != "":
		q.Set("ean", query.GTIN)
	case query.SKU != "":
		q.Set("sku", query.SKU)
	case query.Name != "":
		q.Set("name_contains", query.Name)
	default:
		return nil, fmt.Errorf("zoho: empty item query")
	}
	var out struct {
		Items []Item `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/items", q, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CreateSalesOrder posts a draft sales order. The idempotency key is the
// order fingerprint; the remote deduplicates repeated creates under one key.
func (c *Client) CreateSalesOrder(ctx context.Context, order SalesOrder, idempotencyKey string) (*SalesOrderResult, error) {
	order.Status = "draft"
	header := http.Header{}
	header.Set("X-Idempotency-Key", idempotencyKey)

	var out struct {
		SalesOrder SalesOrderResult `json:"salesorder"`
	}
	if err := c.do(ctx, http.MethodPost, "/salesorders", nil, order, header, &out); err != nil {
		return nil, err
	}
	if out.SalesOrder.SalesOrderID == "" {
		return nil, fmt.Errorf("zoho: create response carried no salesorder id")
	}
	c.logger.Info("draft sales order created",
		"salesorder_id", out.SalesOrder.SalesOrderID,
		"idempotency_key", idempotencyKey,
	)
	return &out.SalesOrder, nil
}
