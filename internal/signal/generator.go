// Package signal implements the regime-conditioned rule engine that
// produces trade candidates. Rules are evaluated against the regime
// snapshot; the winning candidate's confidence is blended with the
// Bayesian tracker's regime estimate to produce a win probability.
package signal

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/instrument"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/prob"
	"github.com/gexflow/strategy-engine/internal/sizing"
)

// Config holds the rule thresholds. All percentages are expressed as
// percent values (0.5 means 0.5%), matching how the levels feeds quote them.
type Config struct {
	// Regime classification thresholds on net exposure.
	PositiveExposure decimal.Decimal
	NegativeExposure decimal.Decimal

	// Mean reversion: minimum displacement from the flip level, in percent.
	MinDistancePct float64

	// Momentum: breakout threshold = range * BreakoutRangeMult.
	BreakoutRangeMult decimal.Decimal

	// Wall bounce: proximity band around a boundary, in percent of price.
	WallProximityPct float64

	// Stop distance = max(range * StopRangeMult, StopFloorPoints).
	StopRangeMult   decimal.Decimal
	StopFloorPoints decimal.Decimal

	// ExtendedHoursStopMult widens the stop outside the regular session.
	ExtendedHoursStopMult decimal.Decimal

	// RewardRatio scales the target distance from the stop distance.
	RewardRatio decimal.Decimal

	// Optional per-regime stop multiplier overrides, bounded by the
	// explicit caps below when set.
	StopMultOverrides map[model.Regime]decimal.Decimal
	MinStopPoints     decimal.Decimal
	MaxStopPoints     decimal.Decimal

	// Volatility adjustment of the blended win probability.
	HighVolThreshold float64
	LowVolThreshold  float64
	VolPenaltyRate   float64 // subtracted per unit above HighVolThreshold
	LowVolBonus      float64
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		PositiveExposure:      decimal.NewFromInt(1000000000), // 1B net exposure
		NegativeExposure:      decimal.NewFromInt(-1000000000),
		MinDistancePct:        0.5,
		BreakoutRangeMult:     decimal.NewFromFloat(0.5),
		WallProximityPct:      0.15,
		StopRangeMult:         decimal.NewFromFloat(0.4),
		StopFloorPoints:       decimal.NewFromInt(5),
		ExtendedHoursStopMult: decimal.NewFromFloat(1.5),
		RewardRatio:           decimal.NewFromInt(2),
		HighVolThreshold:      25,
		LowVolThreshold:       15,
		VolPenaltyRate:        0.01,
		LowVolBonus:           0.03,
	}
}

// Input is the market context a generation pass runs against.
type Input struct {
	Price         decimal.Decimal
	Snapshot      model.RegimeSnapshot
	Balance       decimal.Decimal
	ExtendedHours bool
	Now           time.Time
}

// Generator produces at most one signal per invocation.
type Generator struct {
	cfg       Config
	estimator prob.Estimator
	sizer     *sizing.Sizer
	inst      *instrument.Instrument
}

// New creates a generator. All collaborators are injected; the generator
// holds no hidden global state.
func New(cfg Config, estimator prob.Estimator, sizer *sizing.Sizer, inst *instrument.Instrument) *Generator {
	return &Generator{cfg: cfg, estimator: estimator, sizer: sizer, inst: inst}
}

// ClassifyRegime buckets net exposure into POSITIVE, NEGATIVE or NEUTRAL.
func (g *Generator) ClassifyRegime(netExposure decimal.Decimal) model.Regime {
	switch {
	case netExposure.GreaterThan(g.cfg.PositiveExposure):
		return model.RegimePositive
	case netExposure.LessThan(g.cfg.NegativeExposure):
		return model.RegimeNegative
	default:
		return model.RegimeNeutral
	}
}

// Generate evaluates the rules against the input. A nil signal with a
// non-empty reason means no rule matched; that is not an error.
func (g *Generator) Generate(in Input) (*model.Signal, string) {
	regime := g.ClassifyRegime(in.Snapshot.NetExposure)

	var candidate *candidate
	switch regime {
	case model.RegimePositive:
		candidate = g.meanReversion(in)
	case model.RegimeNegative:
		candidate = g.momentum(in)
	}

	// Wall bounce is regime independent and acts as a secondary source
	// when the primary rule has nothing.
	if candidate == nil {
		candidate = g.wallBounce(in)
	}
	if candidate == nil {
		return nil, "no_rule_matched"
	}

	stopDist := g.stopDistance(in, regime)
	entry := g.inst.RoundToTick(in.Price)
	stop := g.inst.RoundToTick(entry.Sub(stopDist.Mul(candidate.direction.Sign())))
	target := g.inst.RoundToTick(entry.Add(stopDist.Mul(g.cfg.RewardRatio).Mul(candidate.direction.Sign())))

	size, err := g.sizer.FixedRisk(in.Balance, stopDist, g.inst.PointValue)
	if err != nil {
		return nil, "sizing_failed: " + err.Error()
	}

	sig := &model.Signal{
		ID:             uuid.New().String(),
		Symbol:         g.inst.Symbol,
		Direction:      candidate.direction,
		Rule:           candidate.rule,
		Regime:         regime,
		Confidence:     candidate.confidence,
		WinProbability: g.blendWinProbability(regime, candidate.confidence, in.Snapshot.Volatility),
		Entry:          entry,
		Stop:           stop,
		Target:         target,
		Size:           size,
		CreatedAt:      in.Now,
	}

	if !sig.Valid() {
		return sig, "failed_validity_predicate"
	}
	return sig, ""
}

type candidate struct {
	direction  model.Direction
	rule       model.Rule
	confidence float64
}

// meanReversion fades displacement from the flip level in a positive
// regime. Confidence grows with the displacement, capped at 0.95.
func (g *Generator) meanReversion(in Input) *candidate {
	if in.Snapshot.Flip.IsZero() {
		return nil
	}
	distancePct, _ := in.Price.Sub(in.Snapshot.Flip).
		Div(in.Snapshot.Flip).
		Mul(decimal.NewFromInt(100)).Float64()

	if math.Abs(distancePct) < g.cfg.MinDistancePct {
		return nil
	}

	dir := model.Short // above flip: fade down
	if distancePct < 0 {
		dir = model.Long
	}

	conf := math.Min(0.95, 0.55+0.10*math.Abs(distancePct)/g.cfg.MinDistancePct)
	return &candidate{direction: dir, rule: model.RuleMeanReversion, confidence: conf}
}

// momentum follows a breakout beyond the flip level in a negative regime.
// Confidence grows with the remaining room to the nearer boundary, capped
// at 0.90.
func (g *Generator) momentum(in Input) *candidate {
	threshold := in.Snapshot.RangePoints.Mul(g.cfg.BreakoutRangeMult)
	if threshold.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	displacement := in.Price.Sub(in.Snapshot.Flip)
	if displacement.Abs().LessThanOrEqual(threshold) {
		return nil
	}

	var dir model.Direction
	var room decimal.Decimal
	if displacement.IsPositive() {
		dir = model.Long
		room = in.Snapshot.UpperBoundary.Sub(in.Price)
	} else {
		dir = model.Short
		room = in.Price.Sub(in.Snapshot.LowerBoundary)
	}
	if room.LessThanOrEqual(decimal.Zero) {
		// Already beyond the boundary; no room left to run.
		return nil
	}

	roomRatio, _ := room.Div(in.Snapshot.RangePoints).Float64()
	conf := math.Min(0.90, 0.55+0.20*roomRatio)
	return &candidate{direction: dir, rule: model.RuleMomentum, confidence: conf}
}

// wallBounce fades price when it presses into either boundary level.
// Fixed moderate confidence; intended as an overlay source.
func (g *Generator) wallBounce(in Input) *candidate {
	if in.Price.IsZero() {
		return nil
	}
	band := in.Price.Mul(decimal.NewFromFloat(g.cfg.WallProximityPct / 100))

	if in.Snapshot.UpperBoundary.IsPositive() &&
		in.Snapshot.UpperBoundary.Sub(in.Price).Abs().LessThanOrEqual(band) {
		return &candidate{direction: model.Short, rule: model.RuleWallBounce, confidence: 0.65}
	}
	if in.Snapshot.LowerBoundary.IsPositive() &&
		in.Price.Sub(in.Snapshot.LowerBoundary).Abs().LessThanOrEqual(band) {
		return &candidate{direction: model.Long, rule: model.RuleWallBounce, confidence: 0.65}
	}
	return nil
}

// stopDistance derives the stop width from the range measure, with the
// session multiplier applied in extended hours and per-regime overrides
// bounded by the configured caps.
func (g *Generator) stopDistance(in Input, regime model.Regime) decimal.Decimal {
	mult := g.cfg.StopRangeMult
	if override, ok := g.cfg.StopMultOverrides[regime]; ok {
		mult = override
	}

	dist := in.Snapshot.RangePoints.Mul(mult)
	if dist.LessThan(g.cfg.StopFloorPoints) {
		dist = g.cfg.StopFloorPoints
	}
	if in.ExtendedHours && g.cfg.ExtendedHoursStopMult.IsPositive() {
		dist = dist.Mul(g.cfg.ExtendedHoursStopMult)
	}

	if g.cfg.MinStopPoints.IsPositive() && dist.LessThan(g.cfg.MinStopPoints) {
		dist = g.cfg.MinStopPoints
	}
	if g.cfg.MaxStopPoints.IsPositive() && dist.GreaterThan(g.cfg.MaxStopPoints) {
		dist = g.cfg.MaxStopPoints
	}
	return dist
}

// blendWinProbability combines the tracker's regime estimate with the rule
// confidence. The Bayesian weight grows with sample count up to 0.7, then
// a volatility adjustment is applied and the result clamped to [0.30,0.85].
func (g *Generator) blendWinProbability(regime model.Regime, confidence, volatility float64) float64 {
	bayesWeight := math.Min(0.7, 0.3+float64(g.estimator.TotalTrades())/100)
	confWeight := 1 - bayesWeight

	p := bayesWeight*g.estimator.RegimeProbability(regime) + confWeight*confidence

	if volatility > g.cfg.HighVolThreshold {
		p -= (volatility - g.cfg.HighVolThreshold) * g.cfg.VolPenaltyRate
	} else if volatility < g.cfg.LowVolThreshold {
		p += g.cfg.LowVolBonus
	}

	return math.Max(0.30, math.Min(0.85, p))
}
