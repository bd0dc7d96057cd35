// Package ebay wraps the eBay marketplace-insights API for sold-item comps.
package ebay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cardvault/revalue/internal/resilience"
)

const defaultBaseURL = "https://api.ebay.com/buy/marketplace_insights/v1_beta"

// Client searches recently sold listings.
type Client interface {
	SearchSold(ctx context.Context, q Query) ([]SoldItem, error)
}

// Query identifies the card being priced.
type Query struct {
	CardName string
	SetName  string
	Number   string
	Limit    int
}

// SoldItem is one completed sale.
type SoldItem struct {
	Title     string    `json:"title"`
	Price     Amount    `json:"last_sold_price"`
	Condition string    `json:"condition"`
	SoldDate  time.Time `json:"last_sold_date"`
}

// Amount is a marketplace money value; eBay serializes the value as a string.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Float parses the string amount.
func (a Amount) Float() (float64, error) {
	v, err := strconv.ParseFloat(a.Value, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "ebay: parse amount %q", a.Value)
	}
	return v, nil
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

// WithRateLimit overrides the default request throttle (5 req/s).
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

// NewClient creates an eBay API client with the given OAuth token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	Total     int        `json:"total"`
	ItemSales []SoldItem `json:"itemSales"`
}

func (c *httpClient) SearchSold(ctx context.Context, q Query) ([]SoldItem, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ebay: rate limit wait")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("q", q.CardName+" "+q.SetName+" "+q.Number)
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/item_sales/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: search sold")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := eris.Errorf("ebay: search returned %d: %s", resp.StatusCode, string(data))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "ebay: decode response")
	}
	return out.ItemSales, nil
}
