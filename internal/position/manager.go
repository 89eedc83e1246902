// Package position implements the per-tick risk-control state machine over
// open positions. The manager owns every position after entry: stop updates
// while OPEN, then exactly one terminal transition. All close paths share
// one booking routine so P&L, the probability tracker, the ledger, and the
// audit log can never diverge.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/broker"
	"github.com/gexflow/strategy-engine/internal/clock"
	"github.com/gexflow/strategy-engine/internal/instrument"
	"github.com/gexflow/strategy-engine/internal/market"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/prob"
	"github.com/gexflow/strategy-engine/internal/store"
)

// Config holds the risk-control parameters for one engine instance.
type Config struct {
	// TrailingEnabled selects the no-loss trailing mode. When false the
	// manager runs the simple stop/target fallback.
	TrailingEnabled bool

	// ActivationPoints is the favorable excursion, in points, at which
	// trailing activates and the stop moves to breakeven.
	ActivationPoints decimal.Decimal

	// TrailPoints is the fixed distance, in points, kept between the
	// favorable extreme and the trailing stop.
	TrailPoints decimal.Decimal

	// MaxUnrealizedLoss is the dollar loss at which a position is cut,
	// tighter than the emergency stop. Zero disables the check.
	MaxUnrealizedLoss decimal.Decimal

	// EmergencyStopMult scales the entry-time stop distance into the
	// hard emergency distance. Values below 1 are treated as 1.
	EmergencyStopMult decimal.Decimal

	// BreakerThreshold is the consecutive quote-failure count that trips
	// the data circuit breaker. Values below 1 are treated as 3.
	BreakerThreshold int

	// MarginPerContract is the collateral released per contract on close.
	MarginPerContract decimal.Decimal
}

func (c Config) breakerThreshold() int {
	if c.BreakerThreshold < 1 {
		return 3
	}
	return c.BreakerThreshold
}

func (c Config) emergencyMult() decimal.Decimal {
	one := decimal.NewFromInt(1)
	if c.EmergencyStopMult.LessThan(one) {
		return one
	}
	return c.EmergencyStopMult
}

// SweepResult summarizes one sweep over the open positions.
type SweepResult struct {
	Checked      int
	Closed       map[model.CloseReason]int
	Activated    int
	StopMoves    int
	DataFailures int
}

func newSweepResult() *SweepResult {
	return &SweepResult{Closed: make(map[model.CloseReason]int)}
}

// Manager runs the state machine. It is single-writer per instance; the
// orchestrator's cycle mutex guarantees sweeps never interleave.
type Manager struct {
	log        *slog.Logger
	instanceID string
	cfg        Config

	store   store.Store
	gateway broker.Gateway
	market  market.Provider
	tracker prob.Estimator
	clock   clock.Clock
	window  *clock.Window
}

// NewManager wires a manager for one instance.
func NewManager(log *slog.Logger, instanceID string, cfg Config, st store.Store, gw broker.Gateway, mkt market.Provider, tracker prob.Estimator, clk clock.Clock, window *clock.Window) *Manager {
	return &Manager{
		log:        log.With("component", "position_manager", "instance", instanceID),
		instanceID: instanceID,
		cfg:        cfg,
		store:      st,
		gateway:    gw,
		market:     mkt,
		tracker:    tracker,
		clock:      clk,
		window:     window,
	}
}

// Sweep processes every OPEN position once. A failure on one position is
// logged and does not stop the sweep; risk checks on the remaining
// positions must still run.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	open, err := m.store.OpenPositions(ctx, m.instanceID)
	if err != nil {
		return nil, fmt.Errorf("position: load open positions: %w", err)
	}

	res := newSweepResult()
	for i := range open {
		p := &open[i]
		res.Checked++
		if err := m.process(ctx, p, res); err != nil {
			m.log.Error("position tick failed", "position_id", p.ID, "error", err)
		}
	}
	return res, nil
}

// process runs one tick of the state machine for one position.
func (m *Manager) process(ctx context.Context, p *model.Position, res *SweepResult) error {
	now := m.clock.Now()

	quote, err := m.market.GetQuote(ctx, p.Symbol)
	if err != nil {
		return m.handleQuoteFailure(ctx, p, now, res, err)
	}
	p.DataFailures = 0

	mark := quote.Last
	p.MarkExtremes(mark)

	inst, err := instrument.Parse(p.Symbol)
	if err != nil {
		return fmt.Errorf("position: parse symbol %s: %w", p.Symbol, err)
	}

	if m.cfg.TrailingEnabled {
		if err := m.tickTrailing(ctx, p, mark, inst, now, res); err != nil {
			return err
		}
	} else {
		if err := m.tickFallback(ctx, p, mark, inst, now, res); err != nil {
			return err
		}
	}

	// Hard session backstop, checked last. If a close above already won,
	// the position is terminal and this is a no-op.
	if p.Status == model.StatusOpen && m.window.PastCutoff(now) {
		return m.close(ctx, p, model.CloseSessionSafety, mark, inst.PointValue, now, res)
	}

	// Persist running extremes and any stop update from this tick.
	if p.Status == model.StatusOpen {
		return m.store.SavePosition(ctx, p)
	}
	return nil
}

// handleQuoteFailure runs the data circuit breaker. No other risk check
// runs on a tick without fresh data.
func (m *Manager) handleQuoteFailure(ctx context.Context, p *model.Position, now time.Time, res *SweepResult, cause error) error {
	p.DataFailures++
	res.DataFailures++
	m.log.Warn("quote unavailable",
		"position_id", p.ID,
		"consecutive_failures", p.DataFailures,
		"error", cause)

	inst, err := instrument.Parse(p.Symbol)
	if err != nil {
		return fmt.Errorf("position: parse symbol %s: %w", p.Symbol, err)
	}

	// Entry price is the last reliable reference we hold once the feed
	// is gone. A breaker close books flat rather than guessing a mark.
	if p.DataFailures >= m.cfg.breakerThreshold() {
		p.DataFailures = 0
		return m.close(ctx, p, model.CloseDataFailure, p.EntryPrice, inst.PointValue, now, res)
	}
	if m.window.PastCutoff(now) {
		return m.close(ctx, p, model.CloseSafetyNoData, p.EntryPrice, inst.PointValue, now, res)
	}

	return m.store.SavePosition(ctx, p)
}

// tickTrailing is the preferred no-loss trailing mode. Checks run in
// strict priority order; the first close wins the tick.
func (m *Manager) tickTrailing(ctx context.Context, p *model.Position, mark decimal.Decimal, inst *instrument.Instrument, now time.Time, res *SweepResult) error {
	unitValue := inst.PointValue

	// Target first, so a winner is never downgraded to a smaller trailed
	// gain by an unlucky intermediate tick.
	if targetReached(p, mark) {
		return m.close(ctx, p, model.CloseProfitTarget, mark, unitValue, now, res)
	}

	if m.cfg.MaxUnrealizedLoss.IsPositive() {
		if loss := p.UnrealizedPnL(mark, unitValue).Neg(); loss.GreaterThan(m.cfg.MaxUnrealizedLoss) {
			return m.close(ctx, p, model.CloseMaxLoss, mark, unitValue, now, res)
		}
	}

	// Emergency distance derives from the entry-time stop width, so a
	// wider extended-hours stop configured at entry survives restarts.
	emergency := p.StopDistance().Mul(m.cfg.emergencyMult())
	if p.FavorableExcursion(mark).Neg().GreaterThanOrEqual(emergency) {
		return m.close(ctx, p, model.CloseEmergencyStop, mark, unitValue, now, res)
	}

	if p.TrailingActive && stopCrossed(p, mark) {
		// Book at the stop price, not the live tick, so accounting is
		// deterministic and replayable.
		return m.close(ctx, p, model.CloseTrailingStop, p.CurrentStop, unitValue, now, res)
	}

	if !p.TrailingActive && p.FavorableExcursion(mark).GreaterThanOrEqual(m.cfg.ActivationPoints) {
		p.TrailingActive = true
		p.CurrentStop = p.EntryPrice
		res.Activated++
		m.log.Info("trailing activated",
			"position_id", p.ID,
			"stop", p.CurrentStop.String())
		return nil
	}

	if p.TrailingActive {
		m.ratchet(p, res)
	}
	return nil
}

// tickFallback is the simple stop/target mode: fixed stop before target
// so a same-tick double-touch is never mis-scored as a win, then breakeven
// activation and classic fixed-distance trailing.
func (m *Manager) tickFallback(ctx context.Context, p *model.Position, mark decimal.Decimal, inst *instrument.Instrument, now time.Time, res *SweepResult) error {
	unitValue := inst.PointValue

	if stopCrossed(p, mark) {
		reason := model.CloseFixedStop
		ref := mark
		if p.TrailingActive {
			reason = model.CloseTrailingStop
			ref = p.CurrentStop
		}
		return m.close(ctx, p, reason, ref, unitValue, now, res)
	}

	if targetReached(p, mark) {
		return m.close(ctx, p, model.CloseProfitTarget, mark, unitValue, now, res)
	}

	if !p.TrailingActive && p.FavorableExcursion(mark).GreaterThanOrEqual(m.cfg.ActivationPoints) {
		p.TrailingActive = true
		p.CurrentStop = p.EntryPrice
		res.Activated++
		m.log.Info("breakeven stop set", "position_id", p.ID)
		return nil
	}

	if p.TrailingActive {
		m.ratchet(p, res)
	}
	return nil
}

// ratchet moves the stop toward (favorable extreme - trail distance), only
// ever in the favorable direction.
func (m *Manager) ratchet(p *model.Position, res *SweepResult) {
	var candidate decimal.Decimal
	if p.Direction == model.Long {
		candidate = p.HighSinceEntry.Sub(m.cfg.TrailPoints)
		if candidate.LessThanOrEqual(p.CurrentStop) {
			return
		}
	} else {
		candidate = p.LowSinceEntry.Add(m.cfg.TrailPoints)
		if candidate.GreaterThanOrEqual(p.CurrentStop) {
			return
		}
	}

	old := p.CurrentStop
	p.CurrentStop = candidate
	res.StopMoves++
	m.log.Debug("stop ratcheted",
		"position_id", p.ID,
		"from", old.String(),
		"to", candidate.String())
}

func targetReached(p *model.Position, mark decimal.Decimal) bool {
	if p.Direction == model.Long {
		return mark.GreaterThanOrEqual(p.Target)
	}
	return mark.LessThanOrEqual(p.Target)
}

func stopCrossed(p *model.Position, mark decimal.Decimal) bool {
	if p.Direction == model.Long {
		return mark.LessThanOrEqual(p.CurrentStop)
	}
	return mark.GreaterThanOrEqual(p.CurrentStop)
}

// ForceClose exits a position outside the normal tick flow: startup
// recovery of orphans and manual closes from the control API.
func (m *Manager) ForceClose(ctx context.Context, p *model.Position, reason model.CloseReason, ref decimal.Decimal) error {
	inst, err := instrument.Parse(p.Symbol)
	if err != nil {
		return fmt.Errorf("position: parse symbol %s: %w", p.Symbol, err)
	}
	res := newSweepResult()
	return m.close(ctx, p, reason, ref, inst.PointValue, m.clock.Now(), res)
}

// close is the single booking path shared by every exit. Order matters:
// the gateway fill is confirmed first, then the conditional store
// transition decides the race, and only the winner touches the tracker,
// the ledger, and the audit log.
func (m *Manager) close(ctx context.Context, p *model.Position, reason model.CloseReason, ref, unitValue decimal.Decimal, now time.Time, res *SweepResult) error {
	fill, err := m.gateway.Close(ctx, p, reason, ref)
	if err != nil {
		return fmt.Errorf("position: close %s (%s): %w", p.ID, reason, err)
	}

	pnl := fill.Price.Sub(p.EntryPrice).
		Mul(p.Direction.Sign()).
		Mul(decimal.NewFromInt(p.Size)).
		Mul(unitValue)

	won, err := m.store.ClosePosition(ctx, p.ID, fill.Price, reason, pnl, now)
	if err != nil {
		return fmt.Errorf("position: persist close %s: %w", p.ID, err)
	}
	if !won {
		m.log.Warn("close lost race, already terminal", "position_id", p.ID, "reason", reason)
		return nil
	}

	p.Status = reason.TerminalStatus()
	p.ClosePrice = fill.Price
	p.CloseReason = reason
	p.RealizedPnL = pnl
	p.CloseTime = now

	m.tracker.Update(pnl.IsPositive(), p.EntryRegime)

	if err := m.bookLedger(ctx, p, pnl); err != nil {
		m.log.Error("ledger update failed", "position_id", p.ID, "error", err)
	}

	entry := &model.AuditEntry{
		ID:         uuid.New().String(),
		InstanceID: m.instanceID,
		PositionID: p.ID,
		Event:      "position_closed",
		Reason:     string(reason),
		Detail: fmt.Sprintf("fill=%s pnl=%s status=%s",
			fill.Price.String(), pnl.String(), p.Status),
		Timestamp: now,
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.log.Error("audit append failed", "position_id", p.ID, "error", err)
	}

	res.Closed[reason]++
	m.log.Info("position closed",
		"position_id", p.ID,
		"reason", reason,
		"status", string(p.Status),
		"fill", fill.Price.String(),
		"realized_pnl", pnl.String())
	return nil
}

func (m *Manager) bookLedger(ctx context.Context, p *model.Position, pnl decimal.Decimal) error {
	acct, err := m.store.GetAccount(ctx, m.instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // ledger not initialized, booked on next account save
	}
	if err != nil {
		return err
	}

	released := m.cfg.MarginPerContract.Mul(decimal.NewFromInt(p.Size))
	acct.ApplyRealized(pnl, released)
	return m.store.SaveAccount(ctx, acct)
}
