// Package pricecharting wraps the PriceCharting product API and the bulk
// price-guide feed published over FTP.
package pricecharting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cardvault/revalue/internal/resilience"
)

const defaultBaseURL = "https://www.pricecharting.com"

// Client looks up guide prices for a product.
type Client interface {
	Lookup(ctx context.Context, query string) (*Product, error)
}

// Product is a PriceCharting catalog entry. Prices are in US cents.
type Product struct {
	ID          string `json:"id"`
	ProductName string `json:"product-name"`
	ConsoleName string `json:"console-name"`
	LoosePrice  int64  `json:"loose-price"`
	CIBPrice    int64  `json:"cib-price"`
	NewPrice    int64  `json:"new-price"`
	GradedPrice int64  `json:"graded-price"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request throttle (2 req/s).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a PriceCharting API client with the given access token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(2, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lookupResponse struct {
	Status string `json:"status"`
	Error  string `json:"error-message"`
	Product
}

func (c *httpClient) Lookup(ctx context.Context, query string) (*Product, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "pricecharting: rate limit wait")
	}

	params := url.Values{}
	params.Set("t", c.token)
	params.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/product?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: lookup")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := eris.Errorf("pricecharting: lookup returned %d: %s", resp.StatusCode, string(data))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "pricecharting: decode response")
	}
	if out.Status != "success" {
		return nil, eris.Errorf("pricecharting: lookup failed: %s", out.Error)
	}
	return &out.Product, nil
}
