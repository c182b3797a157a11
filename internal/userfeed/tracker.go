package userfeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/audit"
	"polytaker/internal/clob"
	"polytaker/internal/metrics"
	"polytaker/internal/micros"
	"polytaker/internal/position"
)

// DefaultInflightTimeout bounds how long the in-flight slot may wait for a
// terminal user-channel event before being force-released.
const DefaultInflightTimeout = 15 * time.Second

// tradesHighWater caps the dedupe map; terminal entries are pruned past it.
const tradesHighWater = 4096

// Reconciler is the REST fallback consulted when the user feed stays quiet
// on an in-flight order. *clob.Client implements it.
type Reconciler interface {
	GetOrder(ctx context.Context, orderID string) (*clob.OrderInfo, error)
	CancelOrder(ctx context.Context, orderID string) error
}

type TrackerOptions struct {
	InflightTimeout time.Duration

	// OnApplied runs after one or more fills were folded into the position,
	// outside the tracker's lock. Used for checkpointing.
	OnApplied func()

	// Reconciler enables the half-timeout order status probe and the
	// best-effort cancel on force-release. Nil disables both.
	Reconciler Reconciler
}

// Tracker owns the user channel. It settles trades into the position gate,
// releases the in-flight slot on terminal events, and wakes the decision
// loop. Fills are deduped by trade ID and applied exactly once, on the
// first CONFIRMED update; fills for orders this process never acked still
// apply, which is how ambiguous submissions reconcile.
type Tracker struct {
	stream   *Stream
	gate     *position.Gate
	trail    *audit.Trail
	log      zerolog.Logger
	ownerKey string
	opts     TrackerOptions

	mu       sync.Mutex
	expected string
	probed   bool
	trades   map[string]string

	wake chan struct{}
}

func NewTracker(stream *Stream, gate *position.Gate, trail *audit.Trail, ownerKey string, logger zerolog.Logger, opts TrackerOptions) *Tracker {
	if opts.InflightTimeout <= 0 {
		opts.InflightTimeout = DefaultInflightTimeout
	}
	return &Tracker{
		stream:   stream,
		gate:     gate,
		trail:    trail,
		log:      logger.With().Str("component", "userfeed").Logger(),
		ownerKey: ownerKey,
		opts:     opts,
		trades:   make(map[string]string),
		wake:     make(chan struct{}, 1),
	}
}

// Wake signals that the position or in-flight slot changed. The channel
// coalesces; fills themselves are never dropped because they are applied
// before the wake is sent.
func (t *Tracker) Wake() <-chan struct{} { return t.wake }

// Expect registers the order the decision loop is awaiting a fill for.
func (t *Tracker) Expect(orderID string) {
	t.mu.Lock()
	t.expected = orderID
	t.probed = false
	t.mu.Unlock()
}

// Run consumes the stream until ctx is cancelled. A watchdog sweeps the
// in-flight slot so a lost terminal event cannot stall the loop forever.
func (t *Tracker) Run(ctx context.Context) error {
	events, errs := t.stream.Start(ctx)

	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			t.sweepInflight(ctx, "watchdog")
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.log.Warn().Err(err).Msg("user stream error")
			metrics.IncWSError("user")
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.handle(ctx, ev)
		}
	}
}

func (t *Tracker) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindReconnected:
		t.log.Info().Msg("user stream (re)connected")
		metrics.IncWSReconnect("user")
		t.sweepInflight(ctx, "reconnect")
	case KindTrade:
		if ev.Trade != nil {
			t.handleTrade(ev.Trade)
		}
	case KindOrder:
		if ev.Order != nil {
			t.handleOrder(ev.Order)
		}
	}
}

func (t *Tracker) handleTrade(ev *TradeEvent) {
	switch ev.Status {
	case TradeMatched, TradeMined, TradeRetrying:
		t.mu.Lock()
		prev := t.trades[ev.ID]
		if prev != TradeConfirmed {
			t.trades[ev.ID] = ev.Status
		}
		t.pruneLocked()
		t.mu.Unlock()
		if prev == "" {
			t.log.Info().
				Str("trade", ev.ID).
				Str("side", string(ev.Side)).
				Str("price", micros.Format(ev.PriceMicros)).
				Str("size", micros.Format(ev.SizeMicros)).
				Str("status", ev.Status).
				Msg("trade matched, awaiting confirmation")
			metrics.IncFill("matched")
			t.trail.Log(audit.Event{
				Event:   "fill",
				TokenID: ev.AssetID,
				Side:    string(ev.Side),
				Price:   micros.Format(ev.PriceMicros),
				Size:    micros.Format(ev.SizeMicros),
				OrderID: ev.TakerOrderID,
				Status:  ev.Status,
			})
		}

	case TradeFailed:
		t.mu.Lock()
		t.trades[ev.ID] = TradeFailed
		t.pruneLocked()
		t.mu.Unlock()
		t.log.Error().
			Str("trade", ev.ID).
			Str("order_id", ev.TakerOrderID).
			Msg("trade failed, no position change")
		metrics.IncFill("failed")
		t.trail.Log(audit.Event{Event: "fill", OrderID: ev.TakerOrderID, Status: TradeFailed})
		t.releaseFor(ev, TradeFailed)

	case TradeConfirmed:
		t.mu.Lock()
		if t.trades[ev.ID] == TradeConfirmed {
			t.mu.Unlock()
			metrics.IncFill("duplicate")
			return
		}
		t.trades[ev.ID] = TradeConfirmed
		t.pruneLocked()
		t.mu.Unlock()

		applied := 0
		for _, f := range t.fillsFrom(ev) {
			realized := t.gate.ApplyFill(f)
			applied++
			metrics.IncFill("confirmed")
			t.log.Info().
				Str("trade", ev.ID).
				Str("order_id", f.OrderID).
				Str("side", string(f.Side)).
				Str("price", micros.Format(f.PriceMicros)).
				Str("size", micros.Format(f.SizeMicros)).
				Str("realized", micros.FormatSigned(realized)).
				Str("cash_deployed", micros.Format(t.gate.CashDeployedMicros())).
				Msg("fill confirmed")
			t.trail.Log(audit.Event{
				Event:        "fill",
				TokenID:      f.TokenID,
				Side:         string(f.Side),
				Price:        micros.Format(f.PriceMicros),
				Size:         micros.Format(f.SizeMicros),
				OrderID:      f.OrderID,
				Status:       TradeConfirmed,
				Ok:           true,
				CashDeployed: micros.Format(t.gate.CashDeployedMicros()),
				RealizedPnL:  micros.FormatSigned(t.gate.RealizedPnLMicros()),
			})
		}
		t.releaseFor(ev, TradeConfirmed)
		if applied > 0 && t.opts.OnApplied != nil {
			t.opts.OnApplied()
		}
		t.notify()

	default:
		t.log.Debug().Str("trade", ev.ID).Str("status", ev.Status).Msg("trade update")
	}
}

func (t *Tracker) handleOrder(ev *OrderEvent) {
	if !ev.Terminal() {
		t.log.Debug().
			Str("order_id", ev.OrderID).
			Str("type", ev.Type).
			Str("matched", micros.Format(ev.SizeMatchedMicros)).
			Msg("order update")
		return
	}

	t.mu.Lock()
	release := t.expected != "" && t.expected == ev.OrderID
	if release {
		t.expected = ""
	}
	t.mu.Unlock()

	reason := ev.Status
	if reason == "" {
		reason = ev.Type
	}
	t.log.Info().
		Str("order_id", ev.OrderID).
		Str("reason", reason).
		Msg("order closed")
	if release {
		t.gate.ReleaseInflight()
		t.trail.Log(audit.Event{Event: "release", OrderID: ev.OrderID, Reason: reason})
		t.notify()
	}
}

// releaseFor frees the in-flight slot when the trade settles the order the
// decision loop is waiting on.
func (t *Tracker) releaseFor(ev *TradeEvent, reason string) {
	t.mu.Lock()
	expected := t.expected
	match := expected != "" && ev.touchesOrder(expected)
	if match {
		t.expected = ""
	}
	t.mu.Unlock()
	if !match {
		return
	}
	t.gate.ReleaseInflight()
	t.trail.Log(audit.Event{Event: "release", OrderID: expected, Reason: reason})
	t.notify()
}

// fillsFrom maps one confirmed trade to this account's executions. Taker
// trades use the top-level terms; when this account was the maker, each of
// its resting orders contributes a fill on the opposite side.
func (t *Tracker) fillsFrom(ev *TradeEvent) []position.Fill {
	if t.ownerKey != "" && ev.TradeOwner != "" && ev.TradeOwner != t.ownerKey {
		var fills []position.Fill
		for _, mo := range ev.MakerOrders {
			if mo.Owner != "" && mo.Owner != t.ownerKey {
				continue
			}
			if mo.MatchedMicros == 0 {
				continue
			}
			asset := mo.AssetID
			if asset == "" {
				asset = ev.AssetID
			}
			fills = append(fills, position.Fill{
				OrderID:     mo.OrderID,
				TokenID:     asset,
				Side:        ev.Side.Opposite(),
				PriceMicros: mo.PriceMicros,
				SizeMicros:  mo.MatchedMicros,
			})
		}
		return fills
	}
	if ev.SizeMicros == 0 {
		return nil
	}
	return []position.Fill{{
		OrderID:     ev.TakerOrderID,
		TokenID:     ev.AssetID,
		Side:        ev.Side,
		PriceMicros: ev.PriceMicros,
		SizeMicros:  ev.SizeMicros,
	}}
}

func (ev *TradeEvent) touchesOrder(orderID string) bool {
	if ev.TakerOrderID == orderID {
		return true
	}
	for _, mo := range ev.MakerOrders {
		if mo.OrderID == orderID {
			return true
		}
	}
	return false
}

// sweepInflight enforces the inflight timeout. Past half the timeout it asks
// REST about the expected order once; past the full timeout it force-releases
// the slot. Skipping opportunities beats stalling forever on a lost terminal
// event.
func (t *Tracker) sweepInflight(ctx context.Context, trigger string) {
	held, ok := t.gate.InFlightFor()
	if !ok {
		return
	}
	if held < t.opts.InflightTimeout {
		if held >= t.opts.InflightTimeout/2 {
			t.probeExpected(ctx)
		}
		return
	}
	t.mu.Lock()
	orderID := t.expected
	t.expected = ""
	t.mu.Unlock()

	t.gate.ReleaseInflight()
	t.log.Error().
		Dur("held", held).
		Str("order_id", orderID).
		Str("trigger", trigger).
		Msg("in-flight slot force-released")
	t.trail.Log(audit.Event{Event: "release", OrderID: orderID, Reason: "inflight_timeout", Err: trigger})
	t.notify()

	// A GTD remainder may still rest at the venue; try to pull it.
	if rec := t.opts.Reconciler; rec != nil && orderID != "" {
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := rec.CancelOrder(cctx, orderID); err != nil {
				t.log.Warn().Err(err).Str("order_id", orderID).Msg("best-effort cancel failed")
			}
		}()
	}
}

// probeExpected asks REST once per claim about the awaited order. Only a
// definitive no-fill status releases the slot here; matched orders keep
// waiting for their confirmed trades.
func (t *Tracker) probeExpected(ctx context.Context) {
	if t.opts.Reconciler == nil {
		return
	}
	t.mu.Lock()
	orderID := t.expected
	if orderID == "" || t.probed {
		t.mu.Unlock()
		return
	}
	t.probed = true
	t.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	info, err := t.opts.Reconciler.GetOrder(rctx, orderID)
	if err != nil {
		t.log.Warn().Err(err).Str("order_id", orderID).Msg("order status probe failed")
		return
	}
	switch info.Status {
	case clob.OrderStatusCancelled, "CANCELLED", "EXPIRED":
		t.mu.Lock()
		release := t.expected == orderID
		if release {
			t.expected = ""
		}
		t.mu.Unlock()
		t.log.Info().
			Str("order_id", orderID).
			Str("status", info.Status).
			Msg("order closed per status probe")
		if release {
			t.gate.ReleaseInflight()
			t.trail.Log(audit.Event{
				Event:   "release",
				OrderID: orderID,
				Reason:  "probe_" + strings.ToLower(info.Status),
			})
			t.notify()
		}
	default:
		t.log.Info().
			Str("order_id", orderID).
			Str("status", info.Status).
			Msg("order status probe, still awaiting fills")
	}
}

func (t *Tracker) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// pruneLocked drops settled trade IDs once the dedupe map grows past the
// high-water mark. Pending trades are kept.
func (t *Tracker) pruneLocked() {
	if len(t.trades) <= tradesHighWater {
		return
	}
	for id, status := range t.trades {
		if status == TradeConfirmed || status == TradeFailed {
			delete(t.trades, id)
		}
	}
}
