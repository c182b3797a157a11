// Package metrics exposes the taker's Prometheus metrics:
//   - taker_book_events_total{kind}        – market-channel events applied
//   - taker_book_resync_total{reason}      – forced resubscribes (crossed/invariant/overflow)
//   - taker_ws_reconnects_total{channel}   – WebSocket session (re)establishments
//   - taker_ws_errors_total{channel}       – WebSocket stream errors
//   - taker_signals_total{result}          – oracle signals (ok|invalid|stale|dropped)
//   - taker_decisions_total{outcome}       – decision-loop outcomes (submit or a skip reason)
//   - taker_orders_total{status}           – submissions by result (acked|rejected|error|dry_run)
//   - taker_fills_total{status}            – user-channel fills (matched|confirmed|cancelled|expired)
//   - taker_chain_fills_total{role}        – on-chain OrderFilled confirmations (maker|taker)
//   - taker_best_bid / taker_best_ask{token} – top of book (price, units)
//   - taker_signal_age_ms                  – age of the freshest oracle signal
//   - taker_in_flight                      – in-flight order slot (0/1)
//   - taker_cash_deployed                  – quote currency at work
//   - taker_realized_pnl                   – realized PnL (quote units)
//   - taker_decision_to_wire_ms            – decision-to-wire latency histogram
//
// Collectors register in init() and are served via promhttp when METRICS_ADDR
// is configured.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_book_events_total",
			Help: "Market-channel events applied, by kind",
		},
		[]string{"kind"},
	)

	bookResync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_book_resync_total",
			Help: "Forced resubscribes, by reason",
		},
		[]string{"reason"},
	)

	wsReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_ws_reconnects_total",
			Help: "WebSocket session establishments, by channel",
		},
		[]string{"channel"},
	)

	wsErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_ws_errors_total",
			Help: "WebSocket stream errors, by channel",
		},
		[]string{"channel"},
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_signals_total",
			Help: "Oracle signals, by validation result",
		},
		[]string{"result"},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_decisions_total",
			Help: "Decision-loop outcomes: submit or a skip reason",
		},
		[]string{"outcome"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_orders_total",
			Help: "Order submissions, by result",
		},
		[]string{"status"},
	)

	fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_fills_total",
			Help: "User-channel fill events, by status",
		},
		[]string{"status"},
	)

	chainFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taker_chain_fills_total",
			Help: "On-chain OrderFilled confirmations, by wallet role",
		},
		[]string{"role"},
	)

	bestBid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taker_best_bid",
			Help: "Best bid price, by token",
		},
		[]string{"token"},
	)

	bestAsk = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taker_best_ask",
			Help: "Best ask price, by token",
		},
		[]string{"token"},
	)

	signalAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taker_signal_age_ms",
			Help: "Age of the freshest oracle signal in milliseconds",
		},
	)

	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taker_in_flight",
			Help: "In-flight order slot (0 or 1)",
		},
	)

	cashDeployed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taker_cash_deployed",
			Help: "Quote currency deployed into positions",
		},
	)

	realizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taker_realized_pnl",
			Help: "Realized PnL in quote units",
		},
	)

	decisionToWire = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taker_decision_to_wire_ms",
			Help:    "Latency from decision commit to request write, milliseconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)
)

func init() {
	prometheus.MustRegister(bookEvents, bookResync, wsReconnects, wsErrors)
	prometheus.MustRegister(signals, decisions, orders, fills, chainFills)
	prometheus.MustRegister(bestBid, bestAsk, signalAge, inFlight, cashDeployed, realizedPnL)
	prometheus.MustRegister(decisionToWire)
}

func IncBookEvent(kind string)      { bookEvents.WithLabelValues(kind).Inc() }
func IncBookResync(reason string)   { bookResync.WithLabelValues(reason).Inc() }
func IncWSReconnect(channel string) { wsReconnects.WithLabelValues(channel).Inc() }
func IncWSError(channel string)     { wsErrors.WithLabelValues(channel).Inc() }

func IncSignal(result string)    { signals.WithLabelValues(result).Inc() }
func IncDecision(outcome string) { decisions.WithLabelValues(outcome).Inc() }
func IncOrder(status string)     { orders.WithLabelValues(status).Inc() }
func IncFill(status string)      { fills.WithLabelValues(status).Inc() }
func IncChainFill(role string)   { chainFills.WithLabelValues(role).Inc() }

func SetBestBid(token string, priceMicros uint64) {
	bestBid.WithLabelValues(token).Set(float64(priceMicros) / 1e6)
}

func SetBestAsk(token string, priceMicros uint64) {
	bestAsk.WithLabelValues(token).Set(float64(priceMicros) / 1e6)
}

func SetSignalAgeMs(v int64)   { signalAge.Set(float64(v)) }
func SetInFlight(v int)        { inFlight.Set(float64(v)) }
func SetCashDeployed(m uint64) { cashDeployed.Set(float64(m) / 1e6) }
func SetRealizedPnL(m int64)   { realizedPnL.Set(float64(m) / 1e6) }

func ObserveDecisionToWire(d time.Duration) {
	decisionToWire.Observe(float64(d.Microseconds()) / 1000)
}

// Serve exposes /metrics on addr. The returned server lets the caller shut
// it down on exit; a failed listen leaves the endpoint absent rather than
// stopping trading.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
