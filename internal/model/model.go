// Package model defines the core domain types shared across the strategy
// engine. All monetary values use shopspring/decimal, never float64 for
// money. Probabilities and confidences are float64 since they are not money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for long and -1 for short, used in P&L math.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Regime classifies market exposure from the signed net-exposure metric.
type Regime string

const (
	RegimePositive Regime = "POSITIVE"
	RegimeNegative Regime = "NEGATIVE"
	RegimeNeutral  Regime = "NEUTRAL"
)

// Rule identifies which strategy rule produced a signal.
type Rule string

const (
	RuleMeanReversion Rule = "MEAN_REVERSION"
	RuleMomentum      Rule = "MOMENTUM"
	RuleWallBounce    Rule = "WALL_BOUNCE"
)

// Status is the lifecycle state of a position. OPEN is the only live state;
// every other value is terminal and absorbing.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusStopped Status = "STOPPED"
	StatusTrailed Status = "TRAILED"
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s != StatusOpen
}

// CloseReason records why a position left the OPEN state.
type CloseReason string

const (
	CloseProfitTarget  CloseReason = "profit_target"
	CloseMaxLoss       CloseReason = "max_unrealized_loss"
	CloseEmergencyStop CloseReason = "emergency_stop"
	CloseFixedStop     CloseReason = "fixed_stop"
	CloseTrailingStop  CloseReason = "trailing_stop"
	CloseDataFailure   CloseReason = "data_feed_failure"
	CloseSafetyNoData  CloseReason = "safety_no_data"
	CloseSessionSafety CloseReason = "session_safety_close"
	CloseRestart       CloseReason = "restart_recovery"
	CloseManual        CloseReason = "manual"
)

// TerminalStatus maps a close reason to the terminal status it produces.
func (r CloseReason) TerminalStatus() Status {
	switch r {
	case CloseProfitTarget, CloseManual:
		return StatusClosed
	case CloseMaxLoss, CloseEmergencyStop, CloseFixedStop:
		return StatusStopped
	case CloseTrailingStop:
		return StatusTrailed
	case CloseDataFailure, CloseSafetyNoData, CloseSessionSafety, CloseRestart:
		return StatusExpired
	default:
		return StatusClosed
	}
}

// RegimeSnapshot captures the market-regime levels at a point in time.
type RegimeSnapshot struct {
	Flip          decimal.Decimal `json:"flip"`
	UpperBoundary decimal.Decimal `json:"upper_boundary"`
	LowerBoundary decimal.Decimal `json:"lower_boundary"`
	NetExposure   decimal.Decimal `json:"net_exposure"`
	Volatility    float64         `json:"volatility"`
	RangePoints   decimal.Decimal `json:"range_points"`
}

// Signal is an ephemeral trade candidate. It is never mutated after
// creation; it is either consumed into a Position or discarded with a
// recorded reason.
type Signal struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Direction      Direction       `json:"direction"`
	Rule           Rule            `json:"rule"`
	Regime         Regime          `json:"regime"`
	Confidence     float64         `json:"confidence"`      // [0,1]
	WinProbability float64         `json:"win_probability"` // [0,1]
	Entry          decimal.Decimal `json:"entry"`
	Stop           decimal.Decimal `json:"stop"`
	Target         decimal.Decimal `json:"target"`
	Size           int64           `json:"size"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Valid is the validity predicate every signal must pass before execution.
func (s *Signal) Valid() bool {
	return s.Confidence >= 0.5 &&
		s.WinProbability >= 0.5 &&
		s.Entry.IsPositive() &&
		s.Stop.IsPositive() &&
		s.Size >= 1
}

// Position is the durable record of a live or finished trade. It is owned
// by the position manager once created and mutated only by it: stop updates
// while OPEN, then exactly one terminal transition.
//
// Invariant: either Status is OPEN and all close fields are unset, or
// Status is terminal and CloseTime/ClosePrice/CloseReason/RealizedPnL are
// all set. No partial state is ever persisted.
type Position struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Size       int64     `json:"size"` // contracts, >= 1

	EntryPrice  decimal.Decimal `json:"entry_price"`
	InitialStop decimal.Decimal `json:"initial_stop"` // fixed at entry
	CurrentStop decimal.Decimal `json:"current_stop"` // monotonic once trailing
	Target      decimal.Decimal `json:"target"`

	TrailingActive bool `json:"trailing_active"`

	// Entry-time market snapshot, immutable, kept for audit and
	// probability attribution.
	EntryRegime   Regime         `json:"entry_regime"`
	EntrySnapshot RegimeSnapshot `json:"entry_snapshot"`

	Status   Status    `json:"status"`
	OpenTime time.Time `json:"open_time"`

	CloseTime   time.Time       `json:"close_time,omitempty"`
	ClosePrice  decimal.Decimal `json:"close_price,omitempty"`
	CloseReason CloseReason     `json:"close_reason,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl,omitempty"`

	// Running extremes since entry, monotonically widening. Audit only.
	HighSinceEntry decimal.Decimal `json:"high_since_entry"`
	LowSinceEntry  decimal.Decimal `json:"low_since_entry"`

	// Consecutive failed quote fetches, reset on any successful quote.
	DataFailures int `json:"data_failures"`
}

// MarkExtremes widens the running high/low with a fresh mark. Called
// unconditionally every tick, regardless of any exit decision.
func (p *Position) MarkExtremes(mark decimal.Decimal) {
	if mark.GreaterThan(p.HighSinceEntry) {
		p.HighSinceEntry = mark
	}
	if mark.LessThan(p.LowSinceEntry) {
		p.LowSinceEntry = mark
	}
}

// FavorableExcursion returns how far the given mark has moved in the
// position's favor, in points. Negative when under water.
func (p *Position) FavorableExcursion(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.EntryPrice).Mul(p.Direction.Sign())
}

// UnrealizedPnL marks the position to the given price.
func (p *Position) UnrealizedPnL(mark, unitValue decimal.Decimal) decimal.Decimal {
	return p.FavorableExcursion(mark).Mul(decimal.NewFromInt(p.Size)).Mul(unitValue)
}

// StopDistance is the distance between entry and the recorded initial stop.
// The emergency stop is derived from it so whatever stop width was
// configured at entry time (for example a wider extended-hours stop)
// survives restarts.
func (p *Position) StopDistance() decimal.Decimal {
	return p.EntryPrice.Sub(p.InitialStop).Abs()
}

// Account is the ledger view for one engine instance.
//
// Invariant: Balance = StartingBalance + sum of RealizedPnL over all
// terminal positions; HighWaterMark = running max(Balance);
// MaxDrawdown = running max(HighWaterMark - Balance) >= 0.
type Account struct {
	InstanceID      string          `json:"instance_id"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	Balance         decimal.Decimal `json:"balance"`
	CollateralInUse decimal.Decimal `json:"collateral_in_use"`
	HighWaterMark   decimal.Decimal `json:"high_water_mark"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
}

// ApplyRealized books a realized P&L into the ledger, releases collateral,
// and recomputes the high-water mark and drawdown.
func (a *Account) ApplyRealized(pnl, releasedCollateral decimal.Decimal) {
	a.Balance = a.Balance.Add(pnl)
	a.CollateralInUse = a.CollateralInUse.Sub(releasedCollateral)
	if a.CollateralInUse.IsNegative() {
		a.CollateralInUse = decimal.Zero
	}
	if a.Balance.GreaterThan(a.HighWaterMark) {
		a.HighWaterMark = a.Balance
	}
	if dd := a.HighWaterMark.Sub(a.Balance); dd.GreaterThan(a.MaxDrawdown) {
		a.MaxDrawdown = dd
	}
}

// AuditEntry is an immutable record of a decision taken by the engine.
// Once appended these are never modified or deleted.
type AuditEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	PositionID string    `json:"position_id,omitempty"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EquitySnapshot is the per-cycle heartbeat persisted by the orchestrator.
type EquitySnapshot struct {
	InstanceID    string          `json:"instance_id"`
	Balance       decimal.Decimal `json:"balance"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
	Timestamp     time.Time       `json:"timestamp"`
}
