// Package instrument handles futures contract symbol parsing and the
// per-contract metadata the sizer and position manager need: dollar value
// per point and tick size.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrUnknownRoot   = errors.New("instrument: unknown contract root")
)

// symbolRegex matches {ROOT} or {ROOT}-{YYYYMMDD}.
// Examples: ES, MES-20251219.
var symbolRegex = regexp.MustCompile(`^([A-Z]{1,4})(?:-(\d{8}))?$`)

// spec holds static contract metadata per root.
type spec struct {
	pointValue decimal.Decimal // dollars per point per contract
	tickSize   decimal.Decimal
}

var roots = map[string]spec{
	"ES":  {pointValue: decimal.NewFromInt(50), tickSize: decimal.NewFromFloat(0.25)},
	"MES": {pointValue: decimal.NewFromInt(5), tickSize: decimal.NewFromFloat(0.25)},
	"NQ":  {pointValue: decimal.NewFromInt(20), tickSize: decimal.NewFromFloat(0.25)},
	"MNQ": {pointValue: decimal.NewFromInt(2), tickSize: decimal.NewFromFloat(0.25)},
	// Cash-settled index spreads priced per 1x multiplier.
	"SPX": {pointValue: decimal.NewFromInt(100), tickSize: decimal.NewFromFloat(0.05)},
}

// Instrument is a parsed, validated contract symbol.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	Root       string          `json:"root"`
	PointValue decimal.Decimal `json:"point_value"`
	TickSize   decimal.Decimal `json:"tick_size"`
	Expiry     time.Time       `json:"expiry,omitempty"` // zero for continuous
}

// Parse parses and validates a contract symbol.
// Format: {root} or {root}-{YYYYMMDD}, e.g. "MES-20251219".
func Parse(symbol string) (*Instrument, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected ROOT or ROOT-YYYYMMDD)", ErrInvalidSymbol, symbol)
	}

	root := matches[1]
	sp, ok := roots[root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, root)
	}

	inst := &Instrument{
		Symbol:     symbol,
		Root:       root,
		PointValue: sp.pointValue,
		TickSize:   sp.tickSize,
	}

	if matches[2] != "" {
		expiry, err := time.Parse("20060102", matches[2])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid expiry %s", ErrInvalidSymbol, matches[2])
		}
		inst.Expiry = expiry
	}

	return inst, nil
}

// RoundToTick rounds a price to the nearest valid tick for the instrument.
func (i *Instrument) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return price
	}
	ticks := price.Div(i.TickSize).Round(0)
	return ticks.Mul(i.TickSize)
}

// Expired reports whether the contract has expired as of now.
// Continuous symbols never expire.
func (i *Instrument) Expired(now time.Time) bool {
	return !i.Expiry.IsZero() && now.After(i.Expiry)
}
