package market

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// Client is an HTTP Provider backed by a levels/quotes service. Each call
// is bounded by the resty client timeout and retried with exponential
// backoff a fixed number of times before reporting ErrUnavailable.
type Client struct {
	http    *resty.Client
	retries int
}

// NewClient creates a provider against baseURL. apiKey may be empty for
// unauthenticated endpoints.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		http.SetHeader("Authorization", "Bearer "+apiKey)
	}
	return &Client{http: http, retries: 3}
}

type quotePayload struct {
	Last decimal.Decimal `json:"last"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
}

type levelsPayload struct {
	Flip          decimal.Decimal `json:"flip"`
	UpperBoundary decimal.Decimal `json:"upper_boundary"`
	LowerBoundary decimal.Decimal `json:"lower_boundary"`
	NetExposure   decimal.Decimal `json:"net_exposure"`
}

type volatilityPayload struct {
	Value float64 `json:"value"`
}

type rangePayload struct {
	Points decimal.Decimal `json:"points"`
}

// get runs one GET with retry/backoff. A non-2xx status or transport error
// after all retries collapses into ErrUnavailable; the caller never sees a
// zero-valued payload.
func (c *Client) get(ctx context.Context, path string, out any) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		resp, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("status %d", resp.StatusCode())
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, lastErr)
}

func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var p quotePayload
	if err := c.get(ctx, "/v1/quote/"+symbol, &p); err != nil {
		return nil, err
	}
	if p.Last.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive last for %s", ErrUnavailable, symbol)
	}
	return &Quote{Last: p.Last, Bid: p.Bid, Ask: p.Ask, At: time.Now().UTC()}, nil
}

func (c *Client) GetRegimeLevels(ctx context.Context, symbol string) (*model.RegimeSnapshot, error) {
	var p levelsPayload
	if err := c.get(ctx, "/v1/levels/"+symbol, &p); err != nil {
		return nil, err
	}
	if p.Flip.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: missing flip level for %s", ErrUnavailable, symbol)
	}
	return &model.RegimeSnapshot{
		Flip:          p.Flip,
		UpperBoundary: p.UpperBoundary,
		LowerBoundary: p.LowerBoundary,
		NetExposure:   p.NetExposure,
	}, nil
}

func (c *Client) GetVolatility(ctx context.Context) (float64, error) {
	var p volatilityPayload
	if err := c.get(ctx, "/v1/volatility", &p); err != nil {
		return 0, err
	}
	return p.Value, nil
}

func (c *Client) GetRange(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var p rangePayload
	if err := c.get(ctx, "/v1/range/"+symbol, &p); err != nil {
		return decimal.Zero, err
	}
	return p.Points, nil
}
