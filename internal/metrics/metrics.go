// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bot holds the engine metric families. One Bot is shared by all engine
// instances; series are partitioned by the instance label.
type Bot struct {
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	SignalsTotal    *prometheus.CounterVec
	SignalsSkipped  *prometheus.CounterVec
	ClosesTotal     *prometheus.CounterVec
	StopMovesTotal  *prometheus.CounterVec
	DataFailures    *prometheus.CounterVec
	OpenPositions   *prometheus.GaugeVec
	EquityBalance   *prometheus.GaugeVec
	WinProbability  *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers the metric families on reg.
func New(reg prometheus.Registerer) *Bot {
	factory := promauto.With(reg)
	return &Bot{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Orchestrator cycles by outcome.",
		}, []string{"instance", "result"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall time of one orchestrator cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"instance"}),
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Signals generated, by regime and rule.",
		}, []string{"instance", "regime", "rule"}),
		SignalsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_skipped_total",
			Help: "Signals discarded before execution, by reason.",
		}, []string{"instance", "reason"}),
		ClosesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_position_closes_total",
			Help: "Position closes by reason.",
		}, []string{"instance", "reason"}),
		StopMovesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stop_moves_total",
			Help: "Trailing stop ratchets applied.",
		}, []string{"instance"}),
		DataFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_data_failures_total",
			Help: "Quote fetch failures observed by the position manager.",
		}, []string{"instance"}),
		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently open positions.",
		}, []string{"instance"}),
		EquityBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_equity_balance",
			Help: "Account balance from the last heartbeat.",
		}, []string{"instance"}),
		WinProbability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_win_probability",
			Help: "Overall Bayesian win-probability estimate.",
		}, []string{"instance"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "Control API requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_http_request_duration_seconds",
			Help:    "Control API request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

// HTTPMiddleware instruments the control API router.
func (b *Bot) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		b.httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		b.httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
