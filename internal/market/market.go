// Package market defines the market-context provider contract and
// implementations: an HTTP client for a levels/quotes service and a static
// provider for tests and replay.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// ErrUnavailable is the explicit absence returned when fresh data cannot
// be obtained. Callers treat it as transient; repeated occurrences are
// escalated by the position manager's circuit breaker, never here.
var ErrUnavailable = errors.New("market: data unavailable")

// Quote is a point-in-time price observation.
type Quote struct {
	Last decimal.Decimal `json:"last"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
	At   time.Time       `json:"at"`
}

// Provider supplies quotes and regime context. All methods return
// ErrUnavailable (possibly wrapped) instead of zero values on failure.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetRegimeLevels(ctx context.Context, symbol string) (*model.RegimeSnapshot, error)
	GetVolatility(ctx context.Context) (float64, error)
	GetRange(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Snapshot assembles the full regime snapshot from a provider: levels plus
// volatility and range. Any failing leg makes the whole snapshot
// unavailable so decisions never run on partial context.
func Snapshot(ctx context.Context, p Provider, symbol string) (*model.RegimeSnapshot, error) {
	snap, err := p.GetRegimeLevels(ctx, symbol)
	if err != nil {
		return nil, err
	}
	vol, err := p.GetVolatility(ctx)
	if err != nil {
		return nil, err
	}
	rng, err := p.GetRange(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := *snap
	out.Volatility = vol
	out.RangePoints = rng
	return &out, nil
}
