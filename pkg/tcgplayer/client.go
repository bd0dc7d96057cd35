// Package tcgplayer wraps the TCGplayer catalog and sales APIs.
package tcgplayer

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

const defaultBaseURL = "https://api.tcgplayer.com/v1.39.0"

// Client looks up recent sales for a catalog product.
type Client interface {
	LatestSales(ctx context.Context, q Query) ([]Sale, error)
}

// Query identifies the card being priced.
type Query struct {
	CardName string
	SetName  string
	Number   string
	Limit    int
}

// Sale is one completed marketplace order line.
type Sale struct {
	ProductName string    `json:"productName"`
	Price       float64   `json:"purchasePrice"`
	Currency    string    `json:"currency"`
	Condition   string    `json:"condition"`
	OrderDate   time.Time `json:"orderDate"`
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

// WithRateLimit overrides the default request throttle (10 req/s).
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

// NewClient creates a TCGplayer API client with the given bearer token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type salesResponse struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
	Results []Sale   `json:"results"`
}

func (c *httpClient) LatestSales(ctx context.Context, q Query) ([]Sale, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "tcgplayer: rate limit wait")
	}

	params := url.Values{}
	params.Set("productName", q.CardName)
	params.Set("setName", q.SetName)
	if q.Number != "" {
		params.Set("number", q.Number)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/pricing/sales/latest?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "tcgplayer: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "tcgplayer: latest sales")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := eris.Errorf("tcgplayer: sales returned %d: %s", resp.StatusCode, string(data))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out salesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "tcgplayer: decode response")
	}
	if !out.Success {
		return nil, eris.Errorf("tcgplayer: sales request rejected: %v", out.Errors)
	}

	limit := q.Limit
	if limit > 0 && len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out.Results, nil
}
