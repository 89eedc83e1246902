// Package sizing converts a risk budget into a contract count. Two models
// are supported: fixed fractional risk against the stop distance for
// outright futures, and collateral-based sizing for credit-spread style
// instruments.
package sizing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidStopDistance = errors.New("sizing: stop distance must be positive")
	ErrInvalidUnitValue    = errors.New("sizing: unit value must be positive")
	ErrInvalidSpread       = errors.New("sizing: spread width must exceed net credit")
)

// Sizer computes contract counts from account state. It is stateless;
// balances and distances are passed per call.
type Sizer struct {
	// RiskPct is the fraction of balance risked per trade, e.g. 0.01.
	RiskPct decimal.Decimal

	// Utilization is the fraction of buying power deployable as collateral.
	Utilization decimal.Decimal

	// MaxContracts caps every result.
	MaxContracts int64
}

// New creates a sizer with the given risk fraction, collateral utilization
// fraction, and hard contract cap.
func New(riskPct, utilization decimal.Decimal, maxContracts int64) *Sizer {
	if maxContracts < 1 {
		maxContracts = 1
	}
	return &Sizer{RiskPct: riskPct, Utilization: utilization, MaxContracts: maxContracts}
}

// FixedRisk returns floor((balance * riskPct) / (stopDistance * unitValue)),
// clamped to [1, MaxContracts]. The floor of 1 means a funded account always
// trades at least one contract; callers gate affordability upstream.
func (s *Sizer) FixedRisk(balance, stopDistance, unitValue decimal.Decimal) (int64, error) {
	if stopDistance.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidStopDistance
	}
	if unitValue.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidUnitValue
	}

	riskBudget := balance.Mul(s.RiskPct)
	perContract := stopDistance.Mul(unitValue)
	contracts := riskBudget.Div(perContract).IntPart() // truncates toward zero

	if contracts < 1 {
		contracts = 1
	}
	if contracts > s.MaxContracts {
		contracts = s.MaxContracts
	}
	return contracts, nil
}

// CreditSpread sizes a defined-risk spread position:
//
//	collateralPerUnit = (width - netCredit) * unitValue
//	units = floor(buyingPower * utilization / collateralPerUnit)
//
// clamped to [0, MaxContracts]. Zero is a valid outcome meaning the account
// cannot afford one unit; the caller must treat it as skip, not trade.
func (s *Sizer) CreditSpread(buyingPower, width, netCredit, unitValue decimal.Decimal) (int64, error) {
	if unitValue.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidUnitValue
	}
	if width.LessThanOrEqual(netCredit) {
		return 0, ErrInvalidSpread
	}

	collateralPerUnit := width.Sub(netCredit).Mul(unitValue)
	deployable := buyingPower.Mul(s.Utilization)
	units := deployable.Div(collateralPerUnit).IntPart()

	if units < 0 {
		units = 0
	}
	if units > s.MaxContracts {
		units = s.MaxContracts
	}
	return units, nil
}

// CollateralFor returns the margin consumed by a fixed-risk position, used
// by the ledger to track collateral in use.
func CollateralFor(size int64, stopDistance, unitValue decimal.Decimal) decimal.Decimal {
	return stopDistance.Mul(unitValue).Mul(decimal.NewFromInt(size))
}
