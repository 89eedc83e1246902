// Package compliance enforces trade-frequency limits. Counts always come
// from the durable store, never an in-memory counter, so limits hold
// across restarts and across multiple processes sharing one account.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gexflow/strategy-engine/internal/clock"
	"github.com/gexflow/strategy-engine/internal/store"
)

var (
	// ErrDailyLimit means the calendar-day trade cap is already reached.
	ErrDailyLimit = errors.New("compliance: daily trade limit reached")

	// ErrRoundTripLimit means the rolling-window round-trip cap is reached.
	ErrRoundTripLimit = errors.New("compliance: round-trip limit reached")
)

// Limiter checks entry eligibility against configured frequency caps.
// A cap of zero disables that check.
type Limiter struct {
	store store.Store

	// MaxTradesPerDay caps positions opened per calendar day.
	MaxTradesPerDay int

	// MaxRoundTrips caps same-day round trips counted over a trailing
	// window of WindowDays business days. Weekends are skipped when
	// walking the window back; exchange holidays are not, so the window
	// can only be wider than the true one and the check never
	// under-blocks.
	MaxRoundTrips int
	WindowDays    int
}

// NewLimiter creates a limiter backed by the given store.
func NewLimiter(st store.Store, maxPerDay, maxRoundTrips, windowDays int) *Limiter {
	if windowDays <= 0 {
		windowDays = 5
	}
	return &Limiter{
		store:           st,
		MaxTradesPerDay: maxPerDay,
		MaxRoundTrips:   maxRoundTrips,
		WindowDays:      windowDays,
	}
}

// Check returns nil when a new entry is allowed at instant now, or a
// sentinel error naming the limit that blocks it.
func (l *Limiter) Check(ctx context.Context, instanceID string, now time.Time) error {
	if l.MaxTradesPerDay > 0 {
		n, err := l.store.TradeCountOn(ctx, instanceID, now)
		if err != nil {
			return fmt.Errorf("compliance: count trades: %w", err)
		}
		if n >= l.MaxTradesPerDay {
			return fmt.Errorf("%w: %d/%d today", ErrDailyLimit, n, l.MaxTradesPerDay)
		}
	}

	if l.MaxRoundTrips > 0 {
		since := clock.BusinessDaysBack(now, l.WindowDays)
		n, err := l.store.RoundTripsSince(ctx, instanceID, since)
		if err != nil {
			return fmt.Errorf("compliance: count round trips: %w", err)
		}
		if n >= l.MaxRoundTrips {
			return fmt.Errorf("%w: %d/%d in %d business days",
				ErrRoundTripLimit, n, l.MaxRoundTrips, l.WindowDays)
		}
	}

	return nil
}
