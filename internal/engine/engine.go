// Package engine runs the single-threaded decision loop. It folds the
// freshest book snapshot, the freshest oracle signal, and the position gate
// into at most one in-flight taker order at a time; everything it consumes
// arrives over channels, so evaluation itself never blocks.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/audit"
	"polytaker/internal/book"
	"polytaker/internal/clob"
	"polytaker/internal/metrics"
	"polytaker/internal/micros"
	"polytaker/internal/oracle"
	"polytaker/internal/position"
	"polytaker/internal/submit"
)

// State is the loop's phase. Transitions are logged at debug.
type State string

const (
	StateIdle         State = "IDLE"
	StateEvaluating   State = "EVALUATING"
	StateSubmitting   State = "SUBMITTING"
	StateAwaitingFill State = "AWAITING_FILL"
	StateCooldown     State = "COOLDOWN"
)

// Config carries the strategy constants, all prices and ratios micro-scaled.
type Config struct {
	YesTokenID string
	NoTokenID  string

	TickMicros uint64
	NegRisk    bool
	FeeRateBps int

	EdgeThresholdMicros uint64
	PriceOffsetMicros   uint64
	TakePctMicros       uint64
	MinOrderQuoteMicros uint64
	MaxOrderQuoteMicros uint64

	SignalTTL time.Duration
	Cooldown  time.Duration
	// OrderExpiry, when positive, stamps each order with submit time plus
	// this duration. Required for GTD, zero for FOK/FAK.
	OrderExpiry time.Duration
}

// orderSubmitter is the slice of the Submitter the loop calls.
type orderSubmitter interface {
	Submit(ctx context.Context, order clob.LimitOrder, decidedAt time.Time) submit.Result
}

// fillWatcher is the slice of the fill tracker the loop consumes. A nil
// watcher (dry runs without a user channel) disables fill wakeups.
type fillWatcher interface {
	Expect(orderID string)
	Wake() <-chan struct{}
}

// Engine owns the in-flight slot: it is the only claimer and the only caller
// of the Submitter. Run must not be invoked concurrently.
type Engine struct {
	log zerolog.Logger
	cfg Config

	watch   *book.Watch
	signals <-chan oracle.Signal
	gate    *position.Gate
	sub     orderSubmitter
	fills   fillWatcher
	trail   *audit.Trail

	state State
	last  *oracle.Signal
}

func New(watch *book.Watch, signals <-chan oracle.Signal, gate *position.Gate, sub orderSubmitter, fills fillWatcher, trail *audit.Trail, logger zerolog.Logger, cfg Config) *Engine {
	return &Engine{
		log:     logger.With().Str("component", "engine").Logger(),
		cfg:     cfg,
		watch:   watch,
		signals: signals,
		gate:    gate,
		sub:     sub,
		fills:   fills,
		trail:   trail,
		state:   StateIdle,
	}
}

// Run blocks until ctx is done. Every wakeup re-reads the freshest of each
// input, so ordering across sources does not matter.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Str("edge_threshold", micros.Format(e.cfg.EdgeThresholdMicros)).
		Str("price_offset", micros.Format(e.cfg.PriceOffsetMicros)).
		Str("take_pct", micros.Format(e.cfg.TakePctMicros)).
		Str("max_order_quote", micros.Format(e.cfg.MaxOrderQuoteMicros)).
		Dur("signal_ttl", e.cfg.SignalTTL).
		Dur("cooldown", e.cfg.Cooldown).
		Msg("decision loop started")

	changed := e.watch.Changed()
	var wake <-chan struct{}
	if e.fills != nil {
		wake = e.fills.Wake()
	}
	cooldown := time.NewTimer(time.Hour)
	if !cooldown.Stop() {
		<-cooldown.C
	}
	defer cooldown.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.gate.InFlight() {
				e.log.Warn().Msg("shutting down with an order in flight")
			}
			return ctx.Err()
		case <-changed:
			changed = e.watch.Changed()
		case sig, ok := <-e.signals:
			if !ok {
				e.signals = nil
				continue
			}
			latest := e.drainNewest(sig)
			e.last = &latest
		case <-wake:
			// Fill tracker applied fills or released the slot.
		case <-cooldown.C:
			if e.state == StateCooldown {
				e.setState(StateIdle)
			}
		}
		e.evaluate(ctx, cooldown)
	}
}

// drainNewest empties any backlog on the signal channel and keeps the last
// value. Only the freshest signal is ever consulted.
func (e *Engine) drainNewest(first oracle.Signal) oracle.Signal {
	latest := first
	for {
		select {
		case sig, ok := <-e.signals:
			if !ok {
				e.signals = nil
				return latest
			}
			latest = sig
		default:
			return latest
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, cooldown *time.Timer) {
	switch e.state {
	case StateAwaitingFill:
		// The tracker released the slot on a terminal fill or cancel.
		if !e.gate.InFlight() {
			e.enterCooldown(cooldown)
		}
		return
	case StateCooldown, StateSubmitting:
		return
	}

	e.setState(StateEvaluating)
	dec, skip := e.tryDecide()
	if skip != "" {
		metrics.IncDecision(skip)
		e.setState(StateIdle)
		return
	}
	e.commit(ctx, dec, cooldown)
}

func (e *Engine) tryDecide() (Decision, string) {
	if e.last == nil {
		return Decision{}, skipNoSignal
	}
	age := e.last.AgeMs(time.Now().UnixMilli())
	metrics.SetSignalAgeMs(age)
	if age > e.cfg.SignalTTL.Milliseconds() {
		return Decision{}, skipStaleSignal
	}
	if e.gate.InFlight() {
		return Decision{}, skipInFlight
	}
	return Decide(e.watch.Load(), *e.last, e.gate, e.cfg)
}

func (e *Engine) commit(ctx context.Context, dec Decision, cooldown *time.Timer) {
	if !e.gate.ClaimInflight() {
		metrics.IncDecision(skipInFlight)
		e.setState(StateIdle)
		return
	}
	decidedAt := time.Now()
	e.setState(StateSubmitting)
	metrics.IncDecision("commit")

	age := e.last.AgeMs(decidedAt.UnixMilli())
	e.log.Info().
		Str("side", string(dec.Side)).
		Str("token_id", dec.TokenID).
		Bool("yes", dec.Yes).
		Str("fair", micros.Format(dec.FairMicros)).
		Str("edge", micros.Format(dec.EdgeMicros)).
		Str("limit", micros.Format(dec.LimitMicros)).
		Str("size", micros.Format(dec.SizeMicros)).
		Str("notional", micros.Format(dec.NotionalMicros)).
		Int64("signal_age_ms", age).
		Msg("edge found, committing order")
	e.trail.Log(audit.Event{
		Event:       "decision",
		TokenID:     dec.TokenID,
		Side:        string(dec.Side),
		OracleYes:   micros.Format(e.last.YesMicros),
		SignalAgeMs: age,
		BestBid:     micros.Format(dec.BestBidMicros),
		BestAsk:     micros.Format(dec.BestAskMicros),
		Edge:        micros.Format(dec.EdgeMicros),
		Price:       micros.Format(dec.LimitMicros),
		Size:        micros.Format(dec.SizeMicros),
		Notional:    micros.Format(dec.NotionalMicros),
	})

	order := clob.LimitOrder{
		TokenID:     dec.TokenID,
		Side:        dec.Side,
		PriceMicros: dec.LimitMicros,
		SizeMicros:  dec.SizeMicros,
		TickMicros:  e.cfg.TickMicros,
		NegRisk:     e.cfg.NegRisk,
		FeeRateBps:  e.cfg.FeeRateBps,
	}
	if e.cfg.OrderExpiry > 0 {
		order.Expiration = decidedAt.Add(e.cfg.OrderExpiry).Unix()
	}

	res := e.sub.Submit(ctx, order, decidedAt)
	switch {
	case res.Outcome == submit.OutcomeAcked:
		// Expect before anything else: the tracker must recognize the
		// order ID when the first fill event lands.
		if e.fills != nil {
			e.fills.Expect(res.OrderID)
		}
		e.setState(StateAwaitingFill)
	case res.Outcome == submit.OutcomeNetworkError && !res.Unsent && e.fills != nil:
		// Ambiguous: the request reached the wire, so the venue may hold
		// the order. Keep the slot claimed; confirmed fills still apply
		// through the user channel, and the tracker force-releases the
		// slot after the inflight timeout.
		e.log.Warn().Str("reason", res.Reason).
			Msg("ambiguous submit, awaiting user channel reconciliation")
		e.setState(StateAwaitingFill)
	default:
		// Rejected, provably unsent, or dry run: nothing rests at the
		// venue, free the slot now.
		e.gate.ReleaseInflight()
		e.enterCooldown(cooldown)
	}
}

func (e *Engine) enterCooldown(t *time.Timer) {
	e.setState(StateCooldown)
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(e.cfg.Cooldown)
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.log.Debug().Str("from", string(e.state)).Str("to", string(s)).Msg("state change")
	e.state = s
}
