// Package engine sequences one trading cycle: risk sweep, eligibility
// gates, signal generation, execution, persistence. One Orchestrator per
// engine instance, constructed once at process start and passed by
// reference; there are no lazily-built singletons.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/broker"
	"github.com/gexflow/strategy-engine/internal/clock"
	"github.com/gexflow/strategy-engine/internal/compliance"
	"github.com/gexflow/strategy-engine/internal/instrument"
	"github.com/gexflow/strategy-engine/internal/market"
	"github.com/gexflow/strategy-engine/internal/metrics"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/position"
	"github.com/gexflow/strategy-engine/internal/prob"
	"github.com/gexflow/strategy-engine/internal/signal"
	"github.com/gexflow/strategy-engine/internal/store"
)

// ErrAlreadyClosed is returned by CloseManually for terminal positions.
var ErrAlreadyClosed = errors.New("engine: position already terminal")

// Notifier receives engine events for streaming to subscribers. A nil
// notifier is allowed; events are then dropped.
type Notifier interface {
	Notify(event string, payload any)
}

// Config holds the per-instance orchestration parameters.
type Config struct {
	Symbol            string
	MaxOpenPositions  int
	MarginPerContract decimal.Decimal
	StartingBalance   decimal.Decimal
}

// Orchestrator runs the cycle state machine for one instance.
type Orchestrator struct {
	// mu is the per-instance cycle mutex. Overlapping scheduler ticks
	// serialize here instead of interleaving.
	mu sync.Mutex

	log        *slog.Logger
	instanceID string
	cfg        Config
	enabled    atomic.Bool

	store     store.Store
	gateway   broker.Gateway
	provider  market.Provider
	tracker   *prob.Tracker
	generator *signal.Generator
	manager   *position.Manager
	limiter   *compliance.Limiter
	clock     clock.Clock
	window    *clock.Window
	metrics   *metrics.Bot
	notifier  Notifier
}

// New wires an orchestrator. It starts enabled.
func New(log *slog.Logger, instanceID string, cfg Config, st store.Store, gw broker.Gateway, provider market.Provider, tracker *prob.Tracker, gen *signal.Generator, mgr *position.Manager, lim *compliance.Limiter, clk clock.Clock, window *clock.Window, m *metrics.Bot, notifier Notifier) *Orchestrator {
	if cfg.MaxOpenPositions < 1 {
		cfg.MaxOpenPositions = 1
	}
	o := &Orchestrator{
		log:        log.With("component", "orchestrator", "instance", instanceID),
		instanceID: instanceID,
		cfg:        cfg,
		store:      st,
		gateway:    gw,
		provider:   provider,
		tracker:    tracker,
		generator:  gen,
		manager:    mgr,
		limiter:    lim,
		clock:      clk,
		window:     window,
		metrics:    m,
		notifier:   notifier,
	}
	o.enabled.Store(true)
	return o
}

// InstanceID returns the instance this orchestrator serves.
func (o *Orchestrator) InstanceID() string { return o.instanceID }

// Symbol returns the traded symbol.
func (o *Orchestrator) Symbol() string { return o.cfg.Symbol }

// Enabled reports whether new entries are allowed.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

// SetEnabled toggles new entries. Risk sweeps keep running either way;
// disabling never suspends risk management.
func (o *Orchestrator) SetEnabled(v bool) {
	o.enabled.Store(v)
	o.log.Info("instance toggled", "enabled", v)
}

// Manager exposes the position manager for manual close operations.
func (o *Orchestrator) Manager() *position.Manager { return o.manager }

// Status is the operator-facing view of one instance.
type Status struct {
	InstanceID      string          `json:"instance_id"`
	Symbol          string          `json:"symbol"`
	Enabled         bool            `json:"enabled"`
	OpenPositions   int             `json:"open_positions"`
	Balance         decimal.Decimal `json:"balance"`
	CollateralInUse decimal.Decimal `json:"collateral_in_use"`
	HighWaterMark   decimal.Decimal `json:"high_water_mark"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	WinProbability  float64         `json:"win_probability"`
	TotalTrades     int             `json:"total_trades"`
	SufficientData  bool            `json:"sufficient_data"`
}

// Status assembles the current instance view.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	acct, err := o.store.GetAccount(ctx, o.instanceID)
	if err != nil {
		return nil, err
	}
	open, err := o.store.OpenPositions(ctx, o.instanceID)
	if err != nil {
		return nil, err
	}
	return &Status{
		InstanceID:      o.instanceID,
		Symbol:          o.cfg.Symbol,
		Enabled:         o.enabled.Load(),
		OpenPositions:   len(open),
		Balance:         acct.Balance,
		CollateralInUse: acct.CollateralInUse,
		HighWaterMark:   acct.HighWaterMark,
		MaxDrawdown:     acct.MaxDrawdown,
		WinProbability:  o.tracker.WinProbability(),
		TotalTrades:     o.tracker.TotalTrades(),
		SufficientData:  o.tracker.SufficientData(),
	}, nil
}

// CloseManually force-closes one OPEN position at the current market
// price, falling back to the entry price when no quote is available. It
// takes the cycle mutex so it cannot interleave with a sweep.
func (o *Orchestrator) CloseManually(ctx context.Context, positionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if p.InstanceID != o.instanceID {
		return store.ErrNotFound
	}
	if p.Status.Terminal() {
		return ErrAlreadyClosed
	}

	ref := p.EntryPrice
	if quote, err := o.provider.GetQuote(ctx, o.cfg.Symbol); err == nil {
		ref = quote.Last
	}
	return o.manager.ForceClose(ctx, p, model.CloseManual, ref)
}

// Recover restores state after a restart: the ledger is ensured, the
// probability tracker is rebuilt from terminal positions, and positions
// found OPEN while the operational window is closed are force-closed
// before any cycle runs.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.store.GetAccount(ctx, o.instanceID); errors.Is(err, store.ErrNotFound) {
		acct := &model.Account{
			InstanceID:      o.instanceID,
			StartingBalance: o.cfg.StartingBalance,
			Balance:         o.cfg.StartingBalance,
			HighWaterMark:   o.cfg.StartingBalance,
		}
		if err := o.store.SaveAccount(ctx, acct); err != nil {
			return fmt.Errorf("engine: init ledger: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("engine: load ledger: %w", err)
	}

	history, err := o.store.ListPositions(ctx, o.instanceID, "", 10000)
	if err != nil {
		return fmt.Errorf("engine: load history: %w", err)
	}
	o.tracker.Rebuild(history)

	open, err := o.store.OpenPositions(ctx, o.instanceID)
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}

	now := o.clock.Now()
	orphaned := 0
	if o.window.PastCutoff(now) {
		for i := range open {
			p := &open[i]
			if err := o.manager.ForceClose(ctx, p, model.CloseRestart, p.EntryPrice); err != nil {
				return fmt.Errorf("engine: recover orphan %s: %w", p.ID, err)
			}
			orphaned++
		}
	}

	o.log.Info("recovery complete",
		"history", len(history),
		"tracker_trades", o.tracker.TotalTrades(),
		"open_carried", len(open)-orphaned,
		"orphans_closed", orphaned)
	return nil
}

// RunCycle executes one cycle. closeOnly runs just the risk sweep, used
// for higher-frequency risk polling between full cycles.
func (o *Orchestrator) RunCycle(ctx context.Context, closeOnly bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	defer func() {
		o.metrics.CycleDuration.WithLabelValues(o.instanceID).Observe(time.Since(start).Seconds())
	}()

	// The sweep always runs, even disabled or in close-only mode.
	// Nothing may stand between open risk and its checks.
	sweep, err := o.manager.Sweep(ctx)
	if err != nil {
		o.metrics.CyclesTotal.WithLabelValues(o.instanceID, "error").Inc()
		return err
	}
	o.recordSweep(sweep)

	if closeOnly {
		return o.finish(ctx, "close_only")
	}

	now := o.clock.Now()
	if !o.enabled.Load() {
		return o.finish(ctx, "disabled")
	}
	extended := o.window.IsExtendedHours(now)
	if !o.window.IsOpen(now) && !extended {
		return o.finish(ctx, "window_closed")
	}

	open, err := o.store.OpenPositions(ctx, o.instanceID)
	if err != nil {
		o.metrics.CyclesTotal.WithLabelValues(o.instanceID, "error").Inc()
		return err
	}
	if len(open) >= o.cfg.MaxOpenPositions {
		return o.finish(ctx, "at_capacity")
	}

	if err := o.limiter.Check(ctx, o.instanceID, now); err != nil {
		if errors.Is(err, compliance.ErrDailyLimit) || errors.Is(err, compliance.ErrRoundTripLimit) {
			o.skip(ctx, "compliance_limit", err.Error())
			return o.finish(ctx, "compliance_limited")
		}
		o.metrics.CyclesTotal.WithLabelValues(o.instanceID, "error").Inc()
		return err
	}

	snapshot, err := market.Snapshot(ctx, o.provider, o.cfg.Symbol)
	if err != nil {
		o.log.Warn("regime snapshot unavailable", "error", err)
		o.skip(ctx, "market_unavailable", err.Error())
		return o.finish(ctx, "no_data")
	}
	quote, err := o.provider.GetQuote(ctx, o.cfg.Symbol)
	if err != nil {
		o.log.Warn("quote unavailable", "error", err)
		o.skip(ctx, "market_unavailable", err.Error())
		return o.finish(ctx, "no_data")
	}

	acct, err := o.store.GetAccount(ctx, o.instanceID)
	if err != nil {
		o.metrics.CyclesTotal.WithLabelValues(o.instanceID, "error").Inc()
		return fmt.Errorf("engine: load ledger: %w", err)
	}

	sig, skipReason := o.generator.Generate(signal.Input{
		Price:         quote.Last,
		Snapshot:      *snapshot,
		Balance:       acct.Balance.Sub(acct.CollateralInUse),
		ExtendedHours: extended,
		Now:           now,
	})
	if sig == nil || skipReason != "" {
		if skipReason != "no_rule_matched" {
			o.skip(ctx, "invalid_signal", skipReason)
		}
		return o.finish(ctx, "no_signal")
	}
	o.metrics.SignalsTotal.WithLabelValues(o.instanceID, string(sig.Regime), string(sig.Rule)).Inc()

	// Re-check against the store: a close-only tick or another writer may
	// have opened a position between the capacity check and here.
	openNow, err := o.store.OpenPositions(ctx, o.instanceID)
	if err != nil {
		o.metrics.CyclesTotal.WithLabelValues(o.instanceID, "error").Inc()
		return err
	}
	if len(openNow) >= o.cfg.MaxOpenPositions {
		o.skip(ctx, "raced_capacity", "position opened since capacity check")
		return o.finish(ctx, "at_capacity")
	}

	fill, err := o.gateway.Submit(ctx, sig)
	if err != nil {
		o.log.Warn("entry rejected", "signal_id", sig.ID, "error", err)
		o.skip(ctx, "execution_rejected", err.Error())
		return o.finish(ctx, "entry_rejected")
	}

	pos := &model.Position{
		ID:             uuid.New().String(),
		InstanceID:     o.instanceID,
		Symbol:         sig.Symbol,
		Direction:      sig.Direction,
		Size:           sig.Size,
		EntryPrice:     fill.Price,
		InitialStop:    sig.Stop,
		CurrentStop:    sig.Stop,
		Target:         sig.Target,
		EntryRegime:    sig.Regime,
		EntrySnapshot:  *snapshot,
		Status:         model.StatusOpen,
		OpenTime:       now,
		HighSinceEntry: fill.Price,
		LowSinceEntry:  fill.Price,
	}
	if err := o.store.SavePosition(ctx, pos); err != nil {
		// A live fill exists with no durable record. Loudest possible
		// log; the next recovery pass cannot see this position.
		o.log.Error("CRITICAL: fill persisted nowhere",
			"order_id", fill.OrderID, "position_id", pos.ID, "error", err)
		o.metrics.CyclesTotal.WithLabelValues(o.instanceID, "error").Inc()
		return fmt.Errorf("engine: persist position: %w", err)
	}

	acct.CollateralInUse = acct.CollateralInUse.Add(
		o.cfg.MarginPerContract.Mul(decimal.NewFromInt(pos.Size)))
	if err := o.store.SaveAccount(ctx, acct); err != nil {
		o.log.Error("collateral update failed", "error", err)
	}

	o.audit(ctx, pos.ID, "position_opened", string(sig.Rule),
		fmt.Sprintf("dir=%s size=%d entry=%s stop=%s target=%s conf=%.2f winp=%.2f",
			sig.Direction, sig.Size, fill.Price, sig.Stop, sig.Target,
			sig.Confidence, sig.WinProbability))
	o.notify("position_opened", pos)

	o.log.Info("position opened",
		"position_id", pos.ID,
		"rule", string(sig.Rule),
		"direction", string(sig.Direction),
		"size", sig.Size,
		"entry", fill.Price.String(),
		"stop", sig.Stop.String(),
		"target", sig.Target.String())

	return o.finish(ctx, "opened")
}

// finish records the heartbeat and the cycle outcome. Every cycle path
// ends here so the equity stream never has gaps.
func (o *Orchestrator) finish(ctx context.Context, result string) error {
	o.metrics.CyclesTotal.WithLabelValues(o.instanceID, result).Inc()
	o.heartbeat(ctx)
	return nil
}

func (o *Orchestrator) heartbeat(ctx context.Context) {
	now := o.clock.Now()

	acct, err := o.store.GetAccount(ctx, o.instanceID)
	if err != nil {
		o.log.Warn("heartbeat: ledger unavailable", "error", err)
		return
	}
	open, err := o.store.OpenPositions(ctx, o.instanceID)
	if err != nil {
		o.log.Warn("heartbeat: open positions unavailable", "error", err)
		return
	}

	unrealized := decimal.Zero
	if len(open) > 0 {
		if quote, err := o.provider.GetQuote(ctx, o.cfg.Symbol); err == nil {
			for i := range open {
				if inst, err := instrumentValue(open[i].Symbol); err == nil {
					unrealized = unrealized.Add(open[i].UnrealizedPnL(quote.Last, inst))
				}
			}
		}
	}

	snap := &model.EquitySnapshot{
		InstanceID:    o.instanceID,
		Balance:       acct.Balance,
		UnrealizedPnL: unrealized,
		OpenPositions: len(open),
		Timestamp:     now,
	}
	if err := o.store.SaveEquitySnapshot(ctx, snap); err != nil {
		o.log.Warn("heartbeat: snapshot save failed", "error", err)
	}

	bal, _ := acct.Balance.Float64()
	o.metrics.EquityBalance.WithLabelValues(o.instanceID).Set(bal)
	o.metrics.OpenPositions.WithLabelValues(o.instanceID).Set(float64(len(open)))
	o.metrics.WinProbability.WithLabelValues(o.instanceID).Set(o.tracker.WinProbability())
	o.notify("heartbeat", snap)
}

func (o *Orchestrator) recordSweep(sweep *position.SweepResult) {
	for reason, n := range sweep.Closed {
		o.metrics.ClosesTotal.WithLabelValues(o.instanceID, string(reason)).Add(float64(n))
	}
	if sweep.StopMoves > 0 {
		o.metrics.StopMovesTotal.WithLabelValues(o.instanceID).Add(float64(sweep.StopMoves))
	}
	if sweep.DataFailures > 0 {
		o.metrics.DataFailures.WithLabelValues(o.instanceID).Add(float64(sweep.DataFailures))
	}
	if len(sweep.Closed) > 0 || sweep.Activated > 0 {
		o.notify("sweep", sweep)
	}
}

func (o *Orchestrator) skip(ctx context.Context, reason, detail string) {
	o.metrics.SignalsSkipped.WithLabelValues(o.instanceID, reason).Inc()
	o.audit(ctx, "", "signal_skipped", reason, detail)
}

func (o *Orchestrator) audit(ctx context.Context, positionID, event, reason, detail string) {
	entry := &model.AuditEntry{
		ID:         uuid.New().String(),
		InstanceID: o.instanceID,
		PositionID: positionID,
		Event:      event,
		Reason:     reason,
		Detail:     detail,
		Timestamp:  o.clock.Now(),
	}
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		o.log.Error("audit append failed", "event", event, "error", err)
	}
}

func (o *Orchestrator) notify(event string, payload any) {
	if o.notifier != nil {
		o.notifier.Notify(event, payload)
	}
}

func instrumentValue(symbol string) (decimal.Decimal, error) {
	inst, err := instrument.Parse(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return inst.PointValue, nil
}
