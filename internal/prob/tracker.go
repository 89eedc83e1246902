// Package prob implements the Bayesian win-probability tracker: a
// Beta-distribution estimator with Laplace smoothing, updated once per
// closed trade and attributed to the regime the trade was entered under.
package prob

import (
	"sync"

	"github.com/gexflow/strategy-engine/internal/model"
)

// Estimator is the contract shared by the Bayesian tracker and any
// model-based alternative. Implementations must be safe for concurrent use.
type Estimator interface {
	// WinProbability is the overall estimate, always in (0,1).
	WinProbability() float64

	// RegimeProbability is the Laplace-smoothed estimate for one regime.
	RegimeProbability(regime model.Regime) float64

	// Update records the outcome of one closed trade.
	Update(won bool, regime model.Regime)

	// TotalTrades is the number of recorded outcomes, monotonic.
	TotalTrades() int

	// SufficientData reports whether enough outcomes have accumulated for
	// an alternative model-based estimator to become eligible.
	SufficientData() bool
}

// regimeRecord holds per-regime win/loss counters.
type regimeRecord struct {
	wins   int
	losses int
}

// Tracker is the Beta-distribution estimator. Alpha and beta start at 1
// (uniform prior) and never drop below 1.
type Tracker struct {
	mu        sync.RWMutex
	alpha     float64
	beta      float64
	total     int
	byRegime  map[model.Regime]*regimeRecord
	threshold int
}

// NewTracker creates a tracker with a uniform prior. threshold is the
// trade count at which SufficientData flips true.
func NewTracker(threshold int) *Tracker {
	return &Tracker{
		alpha:     1,
		beta:      1,
		byRegime:  make(map[model.Regime]*regimeRecord),
		threshold: threshold,
	}
}

func (t *Tracker) Update(won bool, regime model.Regime) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byRegime[regime]
	if !ok {
		rec = &regimeRecord{}
		t.byRegime[regime] = rec
	}

	if won {
		t.alpha++
		rec.wins++
	} else {
		t.beta++
		rec.losses++
	}
	t.total++
}

func (t *Tracker) WinProbability() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alpha / (t.alpha + t.beta)
}

// RegimeProbability returns (wins+1)/(wins+losses+2) for the regime.
// An unseen regime yields the uninformative 0.5.
func (t *Tracker) RegimeProbability(regime model.Regime) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byRegime[regime]
	if !ok {
		return 0.5
	}
	return float64(rec.wins+1) / float64(rec.wins+rec.losses+2)
}

func (t *Tracker) TotalTrades() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

func (t *Tracker) SufficientData() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total >= t.threshold
}

// Params returns the current Beta parameters, for status reporting.
func (t *Tracker) Params() (alpha, beta float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alpha, t.beta
}

// Rebuild replays terminal positions into the tracker, typically at
// startup so the estimate survives restarts. OPEN positions are skipped.
func (t *Tracker) Rebuild(positions []model.Position) {
	for _, p := range positions {
		if !p.Status.Terminal() {
			continue
		}
		t.Update(p.RealizedPnL.IsPositive(), p.EntryRegime)
	}
}
