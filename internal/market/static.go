package market

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/model"
)

// StaticProvider is a settable in-memory Provider for tests and replay.
// Set FailQuotes to make GetQuote return ErrUnavailable, simulating a feed
// outage for circuit-breaker scenarios.
type StaticProvider struct {
	mu         sync.Mutex
	price      decimal.Decimal
	snapshot   model.RegimeSnapshot
	failQuotes int // remaining forced failures; -1 fails forever
	quoteCalls int
}

// NewStatic creates a provider pinned at the given price and snapshot.
func NewStatic(price decimal.Decimal, snap model.RegimeSnapshot) *StaticProvider {
	return &StaticProvider{price: price, snapshot: snap}
}

// SetPrice moves the simulated market.
func (s *StaticProvider) SetPrice(p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = p
}

// FailNextQuotes forces the next n GetQuote calls to fail. Pass -1 to fail
// until reset.
func (s *StaticProvider) FailNextQuotes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failQuotes = n
}

// QuoteCalls reports how many GetQuote calls were made.
func (s *StaticProvider) QuoteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteCalls
}

func (s *StaticProvider) GetQuote(_ context.Context, _ string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteCalls++
	if s.failQuotes != 0 {
		if s.failQuotes > 0 {
			s.failQuotes--
		}
		return nil, ErrUnavailable
	}
	spread := decimal.NewFromFloat(0.25)
	return &Quote{
		Last: s.price,
		Bid:  s.price.Sub(spread),
		Ask:  s.price.Add(spread),
	}, nil
}

func (s *StaticProvider) GetRegimeLevels(_ context.Context, _ string) (*model.RegimeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot
	return &snap, nil
}

func (s *StaticProvider) GetVolatility(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Volatility, nil
}

func (s *StaticProvider) GetRange(_ context.Context, _ string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.RangePoints, nil
}
