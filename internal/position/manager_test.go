package position

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gexflow/strategy-engine/internal/broker"
	"github.com/gexflow/strategy-engine/internal/clock"
	"github.com/gexflow/strategy-engine/internal/market"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/prob"
	"github.com/gexflow/strategy-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type testEnv struct {
	store   *store.MemoryStore
	gateway *broker.Paper
	market  *market.StaticProvider
	tracker *prob.Tracker
	clock   *clock.Fake
	window  *clock.Window
	manager *Manager
}

// newTestEnv pins the clock mid-session on a Monday with the market at the
// given price.
func newTestEnv(t *testing.T, cfg Config, price string) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   store.NewMemoryStore(),
		gateway: broker.NewPaper(decimal.Zero),
		market:  market.NewStatic(d(price), model.RegimeSnapshot{RangePoints: d("30")}),
		tracker: prob.NewTracker(20),
		clock:   clock.NewFake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)),
		window: &clock.Window{
			OpenMinute:         9*60 + 30,
			CloseMinute:        16 * 60,
			CutoffMinute:       15*60 + 45,
			ExtendedOpenMinute: -1,
		},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.manager = NewManager(log, "inst-1", cfg, env.store, env.gateway, env.market, env.tracker, env.clock, env.window)
	return env
}

func (e *testEnv) openLong(t *testing.T, entry, stop, target string, size int64) *model.Position {
	t.Helper()
	return e.open(t, model.Long, entry, stop, target, size)
}

func (e *testEnv) openShort(t *testing.T, entry, stop, target string, size int64) *model.Position {
	t.Helper()
	return e.open(t, model.Short, entry, stop, target, size)
}

func (e *testEnv) open(t *testing.T, dir model.Direction, entry, stop, target string, size int64) *model.Position {
	t.Helper()
	p := &model.Position{
		ID:             uuid.New().String(),
		InstanceID:     "inst-1",
		Symbol:         "ES",
		Direction:      dir,
		Size:           size,
		EntryPrice:     d(entry),
		InitialStop:    d(stop),
		CurrentStop:    d(stop),
		Target:         d(target),
		EntryRegime:    model.RegimePositive,
		Status:         model.StatusOpen,
		OpenTime:       e.clock.Now(),
		HighSinceEntry: d(entry),
		LowSinceEntry:  d(entry),
	}
	if err := e.store.SavePosition(context.Background(), p); err != nil {
		t.Fatalf("save position: %v", err)
	}
	return p
}

func (e *testEnv) sweepAt(t *testing.T, price string) *SweepResult {
	t.Helper()
	e.market.SetPrice(d(price))
	res, err := e.manager.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return res
}

func (e *testEnv) get(t *testing.T, id string) *model.Position {
	t.Helper()
	p, err := e.store.GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	return p
}

func trailingConfig() Config {
	return Config{
		TrailingEnabled:   true,
		ActivationPoints:  d("3"),
		TrailPoints:       d("2"),
		MaxUnrealizedLoss: d("2000"),
		EmergencyStopMult: d("1.5"),
		BreakerThreshold:  3,
	}
}

func TestTrailingActivationAndRatchet(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6130", 1)

	// Below activation: nothing moves.
	env.sweepAt(t, "6102")
	got := env.get(t, p.ID)
	if got.TrailingActive {
		t.Fatal("trailing must not activate below the threshold")
	}
	if !got.CurrentStop.Equal(d("6088")) {
		t.Fatalf("stop moved early: %s", got.CurrentStop)
	}

	// +4 points activates, stop to breakeven.
	res := env.sweepAt(t, "6104")
	if res.Activated != 1 {
		t.Fatalf("expected 1 activation, got %d", res.Activated)
	}
	got = env.get(t, p.ID)
	if !got.TrailingActive {
		t.Fatal("trailing should be active at +4 points")
	}
	if !got.CurrentStop.Equal(d("6100")) {
		t.Fatalf("stop should be breakeven 6100, got %s", got.CurrentStop)
	}

	// New high ratchets the stop to high - trail.
	env.sweepAt(t, "6108")
	got = env.get(t, p.ID)
	if !got.CurrentStop.Equal(d("6106")) {
		t.Fatalf("stop should ratchet to 6106, got %s", got.CurrentStop)
	}

	// A smaller favorable tick never loosens the stop.
	env.sweepAt(t, "6107")
	got = env.get(t, p.ID)
	if !got.CurrentStop.Equal(d("6106")) {
		t.Fatalf("stop loosened to %s", got.CurrentStop)
	}
	if got.Status != model.StatusOpen {
		t.Fatalf("position closed early: %s", got.Status)
	}

	// Touching the stop books TRAILED at the stop price.
	env.sweepAt(t, "6106")
	got = env.get(t, p.ID)
	if got.Status != model.StatusTrailed {
		t.Fatalf("expected TRAILED, got %s", got.Status)
	}
	if !got.ClosePrice.Equal(d("6106")) {
		t.Fatalf("trailed close must book at the stop price, got %s", got.ClosePrice)
	}
	// +6 points x 1 contract x $50.
	if !got.RealizedPnL.Equal(d("300")) {
		t.Fatalf("expected realized 300, got %s", got.RealizedPnL)
	}
}

func TestTrailingBooksAtStopNotTick(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6130", 2)

	env.sweepAt(t, "6108") // activates and ratchets to 6106
	// Gap through the stop: booked at 6106, not 6101.
	env.sweepAt(t, "6101")

	got := env.get(t, p.ID)
	if got.Status != model.StatusTrailed {
		t.Fatalf("expected TRAILED, got %s", got.Status)
	}
	if !got.ClosePrice.Equal(d("6106")) {
		t.Fatalf("expected close at stop 6106, got %s", got.ClosePrice)
	}
	if !got.RealizedPnL.Equal(d("600")) {
		t.Fatalf("expected realized 600, got %s", got.RealizedPnL)
	}
}

func TestTrailingShortSide(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6145")
	p := env.openShort(t, "6145", "6157", "6121", 1)

	env.sweepAt(t, "6141") // -4 favorable, activates, stop 6145
	got := env.get(t, p.ID)
	if !got.TrailingActive || !got.CurrentStop.Equal(d("6145")) {
		t.Fatalf("short activation wrong: active=%v stop=%s", got.TrailingActive, got.CurrentStop)
	}

	env.sweepAt(t, "6136") // low 6136, stop to 6138
	got = env.get(t, p.ID)
	if !got.CurrentStop.Equal(d("6138")) {
		t.Fatalf("short stop should ratchet down to 6138, got %s", got.CurrentStop)
	}

	env.sweepAt(t, "6139") // crosses up through 6138
	got = env.get(t, p.ID)
	if got.Status != model.StatusTrailed {
		t.Fatalf("expected TRAILED, got %s", got.Status)
	}
	if !got.ClosePrice.Equal(d("6138")) {
		t.Fatalf("expected close at 6138, got %s", got.ClosePrice)
	}
	// Short from 6145 to 6138 is +7 points x $50.
	if !got.RealizedPnL.Equal(d("350")) {
		t.Fatalf("expected realized 350, got %s", got.RealizedPnL)
	}
}

func TestStopMonotonicUnderArbitraryPath(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	// Wide risk limits so only the trailing logic drives this test.
	env.manager.cfg.MaxUnrealizedLoss = d("1000000")
	env.manager.cfg.EmergencyStopMult = d("100")
	p := env.openLong(t, "6100", "6088", "7000", 1)

	rng := rand.New(rand.NewSource(42))
	price := 6100.0
	last := d("6088")
	activated := false

	for i := 0; i < 500; i++ {
		price += (rng.Float64() - 0.5) * 4
		env.sweepAt(t, decimal.NewFromFloat(price).Round(2).String())

		got := env.get(t, p.ID)
		if activated && got.CurrentStop.LessThan(last) {
			t.Fatalf("step %d: stop loosened from %s to %s", i, last, got.CurrentStop)
		}
		if got.TrailingActive {
			activated = true
			last = got.CurrentStop
		}
		if got.Status != model.StatusOpen {
			return // closed by the trail, monotonicity held throughout
		}
	}
}

func TestProfitTargetBeforeTrailing(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6110", 1)

	env.sweepAt(t, "6105") // trailing active, stop at breakeven

	// Target touch wins over any trailing consideration.
	env.sweepAt(t, "6111")
	got := env.get(t, p.ID)
	if got.Status != model.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseProfitTarget {
		t.Fatalf("expected profit_target, got %s", got.CloseReason)
	}
}

func TestMaxUnrealizedLossClose(t *testing.T) {
	cfg := trailingConfig()
	cfg.MaxUnrealizedLoss = d("500")
	env := newTestEnv(t, cfg, "6100")
	p := env.openLong(t, "6100", "6060", "6200", 1)

	// -11 points x $50 = -550 unrealized, over the 500 cap, while the
	// emergency distance (40 x 1.5 = 60 points) is nowhere near.
	env.sweepAt(t, "6089")
	got := env.get(t, p.ID)
	if got.Status != model.StatusStopped {
		t.Fatalf("expected STOPPED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseMaxLoss {
		t.Fatalf("expected max_unrealized_loss, got %s", got.CloseReason)
	}
}

func TestEmergencyStopUsesEntryTimeDistance(t *testing.T) {
	cfg := trailingConfig()
	cfg.MaxUnrealizedLoss = d("1000000")
	cfg.EmergencyStopMult = d("1.5")
	env := newTestEnv(t, cfg, "6100")
	// Entry-time stop width 8 points, so emergency fires at 12 adverse.
	p := env.openLong(t, "6100", "6092", "6200", 1)

	env.sweepAt(t, "6089")
	got := env.get(t, p.ID)
	if got.Status != model.StatusOpen {
		t.Fatalf("11 adverse points should not trip a 12-point emergency, got %s", got.Status)
	}

	env.sweepAt(t, "6088")
	got = env.get(t, p.ID)
	if got.Status != model.StatusStopped {
		t.Fatalf("expected STOPPED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseEmergencyStop {
		t.Fatalf("expected emergency_stop, got %s", got.CloseReason)
	}
}

func TestCircuitBreakerClosesExactlyOnce(t *testing.T) {
	cfg := trailingConfig()
	cfg.BreakerThreshold = 3
	env := newTestEnv(t, cfg, "6100")
	p := env.openLong(t, "6100", "6088", "6130", 1)

	env.market.FailNextQuotes(-1)

	// First two failures only count up.
	for i := 1; i <= 2; i++ {
		env.sweepAt(t, "6100")
		got := env.get(t, p.ID)
		if got.Status != model.StatusOpen {
			t.Fatalf("failure %d must not close, got %s", i, got.Status)
		}
		if got.DataFailures != i {
			t.Fatalf("failure %d: counter is %d", i, got.DataFailures)
		}
	}

	// Third failure trips the breaker: one close, booked at entry.
	env.sweepAt(t, "6100")
	got := env.get(t, p.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseDataFailure {
		t.Fatalf("expected data_feed_failure, got %s", got.CloseReason)
	}
	if !got.ClosePrice.Equal(d("6100")) {
		t.Fatalf("breaker close must book at entry, got %s", got.ClosePrice)
	}
	if !got.RealizedPnL.IsZero() {
		t.Fatalf("breaker close at entry must book flat, got %s", got.RealizedPnL)
	}

	// Further failing sweeps find nothing OPEN; never a second close.
	first := got.CloseTime
	for i := 0; i < 3; i++ {
		env.clock.Advance(time.Minute)
		env.sweepAt(t, "6100")
	}
	got = env.get(t, p.ID)
	if !got.CloseTime.Equal(first) || got.CloseReason != model.CloseDataFailure {
		t.Fatal("terminal position was re-closed")
	}
}

func TestQuoteFailureResetOnRecovery(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6130", 1)

	env.market.FailNextQuotes(2)
	env.sweepAt(t, "6100")
	env.sweepAt(t, "6100")
	if got := env.get(t, p.ID); got.DataFailures != 2 {
		t.Fatalf("expected 2 failures, got %d", got.DataFailures)
	}

	// Feed recovers: counter resets, position survives.
	env.sweepAt(t, "6101")
	got := env.get(t, p.ID)
	if got.DataFailures != 0 {
		t.Fatalf("counter must reset on a good quote, got %d", got.DataFailures)
	}
	if got.Status != model.StatusOpen {
		t.Fatalf("position should survive a recovered feed, got %s", got.Status)
	}
}

func TestSafetyCloseWhenNoDataPastCutoff(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6130", 1)

	// One failure before the breaker threshold, but past the 15:45 cutoff.
	env.clock.Set(time.Date(2026, 3, 2, 15, 50, 0, 0, time.UTC))
	env.market.FailNextQuotes(1)
	env.sweepAt(t, "6100")

	got := env.get(t, p.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseSafetyNoData {
		t.Fatalf("expected safety_no_data, got %s", got.CloseReason)
	}
}

func TestSessionCutoffAlwaysWins(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6200", 1)

	// Healthy feed, no risk rule firing, but past the cutoff.
	env.clock.Set(time.Date(2026, 3, 2, 15, 46, 0, 0, time.UTC))
	env.sweepAt(t, "6102")

	got := env.get(t, p.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseSessionSafety {
		t.Fatalf("expected session_safety_close, got %s", got.CloseReason)
	}
	if !got.ClosePrice.Equal(d("6102")) {
		t.Fatalf("session close books at best-known price, got %s", got.ClosePrice)
	}
}

func TestTerminalImmutableUnderFurtherTicks(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6105", 1)

	env.sweepAt(t, "6106")
	got := env.get(t, p.ID)
	if got.Status != model.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", got.Status)
	}
	snapshot := *got

	for _, px := range []string{"6000", "6200", "6088"} {
		env.sweepAt(t, px)
	}
	after := env.get(t, p.ID)
	if after.Status != snapshot.Status ||
		!after.ClosePrice.Equal(snapshot.ClosePrice) ||
		!after.RealizedPnL.Equal(snapshot.RealizedPnL) ||
		after.CloseReason != snapshot.CloseReason {
		t.Fatal("terminal position mutated by later ticks")
	}
}

func TestFallbackStopBeforeTarget(t *testing.T) {
	cfg := trailingConfig()
	cfg.TrailingEnabled = false
	env := newTestEnv(t, cfg, "6100")
	p := env.openLong(t, "6100", "6095", "6105", 1)

	// The stop is evaluated before the target in fallback mode.
	env.sweepAt(t, "6095")
	got := env.get(t, p.ID)
	if got.Status != model.StatusStopped {
		t.Fatalf("expected STOPPED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseFixedStop {
		t.Fatalf("expected fixed_stop, got %s", got.CloseReason)
	}
}

func TestFallbackBreakevenThenTrail(t *testing.T) {
	cfg := trailingConfig()
	cfg.TrailingEnabled = false
	env := newTestEnv(t, cfg, "6100")
	p := env.openLong(t, "6100", "6092", "6130", 1)

	env.sweepAt(t, "6103") // breakeven activation
	got := env.get(t, p.ID)
	if !got.TrailingActive || !got.CurrentStop.Equal(d("6100")) {
		t.Fatalf("breakeven not set: active=%v stop=%s", got.TrailingActive, got.CurrentStop)
	}

	env.sweepAt(t, "6110") // classic trail to 6108
	got = env.get(t, p.ID)
	if !got.CurrentStop.Equal(d("6108")) {
		t.Fatalf("expected trail to 6108, got %s", got.CurrentStop)
	}

	env.sweepAt(t, "6107") // crosses the trailed stop
	got = env.get(t, p.ID)
	if got.Status != model.StatusTrailed {
		t.Fatalf("expected TRAILED, got %s", got.Status)
	}
	if !got.ClosePrice.Equal(d("6108")) {
		t.Fatalf("expected close at trailed stop 6108, got %s", got.ClosePrice)
	}
}

func TestCloseUpdatesTrackerAndLedger(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	ctx := context.Background()

	require := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	require(env.store.SaveAccount(ctx, &model.Account{
		InstanceID:      "inst-1",
		StartingBalance: d("25000"),
		Balance:         d("25000"),
		HighWaterMark:   d("25000"),
	}))

	p := env.openLong(t, "6100", "6088", "6105", 1)
	env.sweepAt(t, "6106") // profit target, +6 points = +300

	if env.tracker.TotalTrades() != 1 {
		t.Fatalf("tracker not updated, trades=%d", env.tracker.TotalTrades())
	}
	if env.tracker.WinProbability() <= 0.5 {
		t.Fatalf("a win must raise the estimate, got %f", env.tracker.WinProbability())
	}

	acct, err := env.store.GetAccount(ctx, "inst-1")
	require(err)
	if !acct.Balance.Equal(d("25300")) {
		t.Fatalf("expected balance 25300, got %s", acct.Balance)
	}
	if !acct.HighWaterMark.Equal(d("25300")) {
		t.Fatalf("expected HWM 25300, got %s", acct.HighWaterMark)
	}

	entries, err := env.store.AuditEntries(ctx, "inst-1", 10)
	require(err)
	if len(entries) != 1 || entries[0].Event != "position_closed" {
		t.Fatalf("expected one position_closed audit entry, got %+v", entries)
	}
	_ = p
}

func TestRejectedCloseLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6105", 1)

	env.gateway.SetReject(true)
	env.sweepAt(t, "6106") // target touch, but the venue rejects

	got := env.get(t, p.ID)
	if got.Status != model.StatusOpen {
		t.Fatalf("rejected close must leave the position OPEN, got %s", got.Status)
	}
	if env.tracker.TotalTrades() != 0 {
		t.Fatal("tracker updated despite rejected close")
	}

	// Venue recovers: the next tick books it.
	env.gateway.SetReject(false)
	env.sweepAt(t, "6106")
	got = env.get(t, p.ID)
	if got.Status != model.StatusClosed {
		t.Fatalf("expected CLOSED after recovery, got %s", got.Status)
	}
}

func TestForceClose(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	p := env.openLong(t, "6100", "6088", "6200", 1)

	if err := env.manager.ForceClose(context.Background(), p, model.CloseRestart, d("6100")); err != nil {
		t.Fatalf("force close: %v", err)
	}
	got := env.get(t, p.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if got.CloseReason != model.CloseRestart {
		t.Fatalf("expected restart_recovery, got %s", got.CloseReason)
	}
}

func TestSweepIsolatesPerPositionFailures(t *testing.T) {
	env := newTestEnv(t, trailingConfig(), "6100")
	// An unknown root makes the first position fail mid-tick.
	bad := env.openLong(t, "6100", "6088", "6130", 1)
	bad.Symbol = "ZZZZ"
	if err := env.store.SavePosition(context.Background(), bad); err != nil {
		t.Fatal(err)
	}
	good := env.openLong(t, "6100", "6088", "6105", 1)

	env.sweepAt(t, "6106")
	got := env.get(t, good.ID)
	if got.Status != model.StatusClosed {
		t.Fatalf("healthy position must still be processed, got %s", got.Status)
	}
}
