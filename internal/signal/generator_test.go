package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/instrument"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/prob"
	"github.com/gexflow/strategy-engine/internal/sizing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestGenerator(t *testing.T) (*Generator, *prob.Tracker) {
	t.Helper()
	inst, err := instrument.Parse("MES")
	if err != nil {
		t.Fatalf("parse instrument: %v", err)
	}
	tracker := prob.NewTracker(20)
	sizer := sizing.New(d(0.01), d(0.85), 10)
	return New(DefaultConfig(), tracker, sizer, inst), tracker
}

func snapshot(flip, upper, lower, netExp, rng float64, vol float64) model.RegimeSnapshot {
	return model.RegimeSnapshot{
		Flip:          d(flip),
		UpperBoundary: d(upper),
		LowerBoundary: d(lower),
		NetExposure:   d(netExp),
		Volatility:    vol,
		RangePoints:   d(rng),
	}
}

func TestClassifyRegime(t *testing.T) {
	g, _ := newTestGenerator(t)

	tests := []struct {
		netExposure float64
		want        model.Regime
	}{
		{2e9, model.RegimePositive},
		{-2e9, model.RegimeNegative},
		{0, model.RegimeNeutral},
		{5e8, model.RegimeNeutral},
		{-5e8, model.RegimeNeutral},
	}
	for _, tt := range tests {
		if got := g.ClassifyRegime(d(tt.netExposure)); got != tt.want {
			t.Errorf("ClassifyRegime(%g) = %s, want %s", tt.netExposure, got, tt.want)
		}
	}
}

// POSITIVE regime, flip 6100, price 6145. Displacement is
// about 0.74%, above the 0.5% minimum, so a SHORT mean-reversion signal
// fades the excursion back toward the flip.
func TestGenerate_MeanReversionShort(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, reason := g.Generate(Input{
		Price:    d(6145),
		Snapshot: snapshot(6100, 6200, 6000, 2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil {
		t.Fatalf("expected a signal, got skip reason %q", reason)
	}
	if reason != "" {
		t.Fatalf("expected valid signal, got reason %q", reason)
	}
	if sig.Direction != model.Short {
		t.Errorf("expected SHORT, got %s", sig.Direction)
	}
	if sig.Rule != model.RuleMeanReversion {
		t.Errorf("expected MEAN_REVERSION, got %s", sig.Rule)
	}
	if sig.Regime != model.RegimePositive {
		t.Errorf("expected POSITIVE regime, got %s", sig.Regime)
	}
	if sig.Confidence < 0.5 || sig.Confidence > 0.95 {
		t.Errorf("confidence out of expected bounds: %f", sig.Confidence)
	}
	// Short: stop above entry, target below.
	if !sig.Stop.GreaterThan(sig.Entry) {
		t.Errorf("short stop should be above entry: stop=%s entry=%s", sig.Stop, sig.Entry)
	}
	if !sig.Target.LessThan(sig.Entry) {
		t.Errorf("short target should be below entry: target=%s entry=%s", sig.Target, sig.Entry)
	}
	if sig.Size < 1 {
		t.Errorf("size should be >= 1, got %d", sig.Size)
	}
}

func TestGenerate_MeanReversionLongBelowFlip(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, _ := g.Generate(Input{
		Price:    d(6055), // ~0.74% below flip
		Snapshot: snapshot(6100, 6200, 6000, 2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil || sig.Direction != model.Long {
		t.Fatalf("expected LONG mean-reversion below flip, got %+v", sig)
	}
}

func TestGenerate_MeanReversionTooClose(t *testing.T) {
	g, _ := newTestGenerator(t)

	// 0.2% displacement is under the 0.5% minimum and away from both walls.
	sig, reason := g.Generate(Input{
		Price:    d(6112),
		Snapshot: snapshot(6100, 6300, 5900, 2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig != nil {
		t.Fatalf("expected no signal, got %+v", sig)
	}
	if reason != "no_rule_matched" {
		t.Errorf("expected no_rule_matched, got %q", reason)
	}
}

func TestGenerate_MomentumBreakout(t *testing.T) {
	g, _ := newTestGenerator(t)

	// Negative regime, range 20 -> breakout threshold 10 points.
	// Price 6115 is 15 above the flip: long breakout with room to 6200.
	sig, reason := g.Generate(Input{
		Price:    d(6115),
		Snapshot: snapshot(6100, 6200, 6000, -2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil {
		t.Fatalf("expected momentum signal, got %q", reason)
	}
	if sig.Rule != model.RuleMomentum {
		t.Errorf("expected MOMENTUM, got %s", sig.Rule)
	}
	if sig.Direction != model.Long {
		t.Errorf("expected LONG breakout, got %s", sig.Direction)
	}
	if sig.Confidence > 0.90 {
		t.Errorf("momentum confidence capped at 0.90, got %f", sig.Confidence)
	}
}

func TestGenerate_MomentumDownBreakout(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, _ := g.Generate(Input{
		Price:    d(6085), // 15 below flip, threshold 10
		Snapshot: snapshot(6100, 6200, 6000, -2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil || sig.Direction != model.Short {
		t.Fatalf("expected SHORT down-breakout, got %+v", sig)
	}
}

func TestGenerate_MomentumInsideThreshold(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, _ := g.Generate(Input{
		Price:    d(6105), // 5 above flip, threshold 10, away from walls
		Snapshot: snapshot(6100, 6300, 5900, -2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig != nil {
		t.Fatalf("expected no signal inside breakout threshold, got %+v", sig)
	}
}

func TestGenerate_WallBounce(t *testing.T) {
	g, _ := newTestGenerator(t)

	// Neutral regime so primary rules are silent; price pressed into the
	// upper boundary within the 0.15% band.
	sig, reason := g.Generate(Input{
		Price:    d(6195),
		Snapshot: snapshot(6100, 6200, 6000, 0, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil {
		t.Fatalf("expected wall-bounce signal, got %q", reason)
	}
	if sig.Rule != model.RuleWallBounce {
		t.Errorf("expected WALL_BOUNCE, got %s", sig.Rule)
	}
	if sig.Direction != model.Short {
		t.Errorf("expected SHORT off the upper wall, got %s", sig.Direction)
	}
	if sig.Confidence != 0.65 {
		t.Errorf("expected fixed 0.65 confidence, got %f", sig.Confidence)
	}
}

func TestGenerate_WallBounceLowerWall(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, _ := g.Generate(Input{
		Price:    d(6004),
		Snapshot: snapshot(6100, 6200, 6000, 0, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil || sig.Direction != model.Long {
		t.Fatalf("expected LONG off the lower wall, got %+v", sig)
	}
}

func TestGenerate_NoConditionMet(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, reason := g.Generate(Input{
		Price:    d(6100),
		Snapshot: snapshot(6100, 6300, 5900, 0, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig != nil {
		t.Fatalf("expected nil signal, got %+v", sig)
	}
	if reason == "" {
		t.Error("expected a recorded skip reason")
	}
}

func TestGenerate_ExtendedHoursWidensStop(t *testing.T) {
	g, _ := newTestGenerator(t)

	base := Input{
		Price:    d(6145),
		Snapshot: snapshot(6100, 6200, 6000, 2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	}
	regular, _ := g.Generate(base)

	extended := base
	extended.ExtendedHours = true
	eh, _ := g.Generate(extended)

	if regular == nil || eh == nil {
		t.Fatal("expected signals in both sessions")
	}
	regDist := regular.Stop.Sub(regular.Entry).Abs()
	ehDist := eh.Stop.Sub(eh.Entry).Abs()
	if !ehDist.GreaterThan(regDist) {
		t.Errorf("extended-hours stop should be wider: regular=%s extended=%s", regDist, ehDist)
	}
}

func TestGenerate_TargetIsTwoToOne(t *testing.T) {
	g, _ := newTestGenerator(t)

	sig, _ := g.Generate(Input{
		Price:    d(6145),
		Snapshot: snapshot(6100, 6200, 6000, 2e9, 20, 18),
		Balance:  d(25000),
		Now:      time.Now(),
	})
	if sig == nil {
		t.Fatal("expected signal")
	}
	stopDist := sig.Stop.Sub(sig.Entry).Abs()
	targetDist := sig.Target.Sub(sig.Entry).Abs()
	// Tick rounding allows a small deviation from exactly 2x.
	ratio := targetDist.Div(stopDist)
	if ratio.LessThan(d(1.9)) || ratio.GreaterThan(d(2.1)) {
		t.Errorf("expected ~2:1 reward ratio, got %s", ratio)
	}
}

func TestBlendWinProbability_BayesWeightGrowsWithTrades(t *testing.T) {
	g, tracker := newTestGenerator(t)

	// With no history the confidence dominates.
	early := g.blendWinProbability(model.RegimePositive, 0.9, 18)

	// Feed 100 losing trades in POSITIVE regime; the Bayesian term should
	// now dominate and drag the blend down.
	for i := 0; i < 100; i++ {
		tracker.Update(false, model.RegimePositive)
	}
	late := g.blendWinProbability(model.RegimePositive, 0.9, 18)

	if late >= early {
		t.Errorf("100 losses should reduce blended probability: early=%f late=%f", early, late)
	}
}

func TestBlendWinProbability_VolatilityAdjustment(t *testing.T) {
	g, _ := newTestGenerator(t)

	normal := g.blendWinProbability(model.RegimeNeutral, 0.7, 20)
	highVol := g.blendWinProbability(model.RegimeNeutral, 0.7, 40)
	lowVol := g.blendWinProbability(model.RegimeNeutral, 0.7, 10)

	if highVol >= normal {
		t.Errorf("high volatility should penalize: normal=%f high=%f", normal, highVol)
	}
	if lowVol <= normal {
		t.Errorf("low volatility should get a bonus: normal=%f low=%f", normal, lowVol)
	}
}

func TestBlendWinProbability_Clamped(t *testing.T) {
	g, tracker := newTestGenerator(t)

	for i := 0; i < 200; i++ {
		tracker.Update(true, model.RegimePositive)
	}
	p := g.blendWinProbability(model.RegimePositive, 0.95, 10)
	if p > 0.85 {
		t.Errorf("blend should clamp at 0.85, got %f", p)
	}

	tracker2 := prob.NewTracker(20)
	for i := 0; i < 200; i++ {
		tracker2.Update(false, model.RegimeNegative)
	}
	g2 := New(DefaultConfig(), tracker2, sizing.New(d(0.01), d(0.85), 10), g.inst)
	p = g2.blendWinProbability(model.RegimeNegative, 0.1, 60)
	if p < 0.30 {
		t.Errorf("blend should clamp at 0.30, got %f", p)
	}
}
