// Package monitoring exposes the bot's Prometheus metrics and the JSON
// health endpoint. Collectors are package-level and registered once at init,
// so any component can record without carrying a registry handle.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_runs_total",
			Help: "Trading runs by final status",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_run_duration_seconds",
			Help:    "Wall-clock duration of one trading run",
			Buckets: prometheus.DefBuckets,
		},
	)

	gateHalts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gate_halts_total",
			Help: "Runs halted by a hard gate, by gate name",
		},
		[]string{"gate"},
	)

	signalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signal_outcomes_total",
			Help: "Signal terminal states by strategy",
		},
		[]string{"strategy", "state"},
	)

	ordersSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_orders_submitted_total",
			Help: "Orders submitted to the broker",
		},
	)

	ordersRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_orders_rejected_total",
			Help: "Broker-rejected or failed order submissions",
		},
	)

	duplicateIntents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_duplicate_intents_total",
			Help: "Submissions skipped because the intent bucket was already used",
		},
	)

	reconciliationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_reconciliation_failures_total",
			Help: "Reconciliation comparisons that returned FAIL",
		},
	)

	portfolioCash = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_portfolio_cash",
			Help: "Local authoritative cash balance",
		},
	)

	portfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_portfolio_value",
			Help: "Local portfolio total value",
		},
	)

	portfolioHeat = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_portfolio_heat",
			Help: "Exposure as a fraction of portfolio value",
		},
	)

	drawdownFraction = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_drawdown_fraction",
			Help: "Drawdown from the tracked peak portfolio value",
		},
	)

	strategyAllocation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_strategy_allocation_weight",
			Help: "Capital allocation weight per strategy",
		},
		[]string{"strategy"},
	)

	brokerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_broker_call_duration_seconds",
			Help:    "Broker API call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(gateHalts)
	prometheus.MustRegister(signalOutcomes)
	prometheus.MustRegister(ordersSubmitted)
	prometheus.MustRegister(ordersRejected)
	prometheus.MustRegister(duplicateIntents)
	prometheus.MustRegister(reconciliationFailures)
	prometheus.MustRegister(portfolioCash)
	prometheus.MustRegister(portfolioValue)
	prometheus.MustRegister(portfolioHeat)
	prometheus.MustRegister(drawdownFraction)
	prometheus.MustRegister(strategyAllocation)
	prometheus.MustRegister(brokerCallDuration)
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records a finished run with its final status.
func RecordRun(status string, seconds float64) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(seconds)
}

// RecordGateHalt counts a hard-gate halt.
func RecordGateHalt(gate string) {
	gateHalts.WithLabelValues(gate).Inc()
}

// RecordSignalOutcome counts one signal terminal state.
func RecordSignalOutcome(strategy, state string) {
	signalOutcomes.WithLabelValues(strategy, state).Inc()
}

// RecordOrderSubmitted counts one broker submission attempt.
func RecordOrderSubmitted() {
	ordersSubmitted.Inc()
}

// RecordOrderRejected counts one rejected or failed submission.
func RecordOrderRejected() {
	ordersRejected.Inc()
}

// RecordDuplicateIntent counts one idempotent submission skip.
func RecordDuplicateIntent() {
	duplicateIntents.Inc()
}

// RecordReconciliationFailure counts one FAIL comparison.
func RecordReconciliationFailure() {
	reconciliationFailures.Inc()
}

// SetPortfolio publishes the post-run portfolio gauges.
func SetPortfolio(cash, totalValue, heat, drawdown float64) {
	portfolioCash.Set(cash)
	portfolioValue.Set(totalValue)
	portfolioHeat.Set(heat)
	drawdownFraction.Set(drawdown)
}

// SetAllocation publishes one strategy's allocation weight.
func SetAllocation(strategy string, weight float64) {
	strategyAllocation.WithLabelValues(strategy).Set(weight)
}

// ObserveBrokerCall records one broker API call's latency.
func ObserveBrokerCall(operation string, seconds float64) {
	brokerCallDuration.WithLabelValues(operation).Observe(seconds)
}
