package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/book"
	"polytaker/internal/clob"
	"polytaker/internal/oracle"
	"polytaker/internal/position"
	"polytaker/internal/submit"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	results []submit.Result
	calls   chan clob.LimitOrder
}

// newFakeSubmitter pops one scripted result per call; the last one repeats.
func newFakeSubmitter(results ...submit.Result) *fakeSubmitter {
	return &fakeSubmitter{results: results, calls: make(chan clob.LimitOrder, 16)}
}

func (f *fakeSubmitter) Submit(_ context.Context, order clob.LimitOrder, _ time.Time) submit.Result {
	f.mu.Lock()
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	f.calls <- order
	return res
}

type fakeTracker struct {
	mu       sync.Mutex
	expected []string
	wake     chan struct{}
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{wake: make(chan struct{}, 1)}
}

func (f *fakeTracker) Expect(orderID string) {
	f.mu.Lock()
	f.expected = append(f.expected, orderID)
	f.mu.Unlock()
}

func (f *fakeTracker) Wake() <-chan struct{} { return f.wake }

func (f *fakeTracker) expectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expected...)
}

type harness struct {
	watch   *book.Watch
	signals chan oracle.Signal
	gate    *position.Gate
	sub     *fakeSubmitter
	tracker *fakeTracker
}

func engineCfg() Config {
	cfg := testCfg()
	cfg.SignalTTL = 2 * time.Second
	cfg.Cooldown = 50 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg Config, sub *fakeSubmitter, gate *position.Gate) *harness {
	t.Helper()
	h := &harness{
		watch:   book.NewWatch(),
		signals: make(chan oracle.Signal, 8),
		gate:    gate,
		sub:     sub,
		tracker: newFakeTracker(),
	}
	eng := New(h.watch, h.signals, gate, sub, h.tracker, nil, zerolog.Nop(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// publishEdge installs the standard buy-edge fixture: YES ask 0.62, fair 0.65.
func (h *harness) publishEdge() {
	h.watch.Publish(yesSnap(
		[]book.Level{lvl(600_000, 150*scale)},
		[]book.Level{lvl(620_000, 200*scale)},
	))
}

func (h *harness) sendFresh(yes uint64) {
	s := sig(yes)
	s.ReceivedAtMs = time.Now().UnixMilli()
	h.signals <- s
}

func awaitSubmit(t *testing.T, sub *fakeSubmitter) clob.LimitOrder {
	t.Helper()
	select {
	case order := <-sub.calls:
		return order
	case <-time.After(2 * time.Second):
		t.Fatalf("no submission before deadline")
		return clob.LimitOrder{}
	}
}

func assertNoSubmit(t *testing.T, sub *fakeSubmitter, d time.Duration) {
	t.Helper()
	select {
	case order := <-sub.calls:
		t.Fatalf("unexpected submission: %s %s", order.Side, order.TokenID)
	case <-time.After(d):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineSubmitsOnFreshEdge(t *testing.T) {
	sub := newFakeSubmitter(submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord1"})
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)

	order := awaitSubmit(t, sub)
	if order.TokenID != "yes-token" || order.Side != clob.SideBuy {
		t.Fatalf("order = %s %s, want BUY yes-token", order.Side, order.TokenID)
	}
	if order.PriceMicros != 640_000 || order.SizeMicros != 78_120_000 {
		t.Fatalf("order terms = %d @ %d, want 78120000 @ 640000",
			order.SizeMicros, order.PriceMicros)
	}
	if order.TickMicros != 10_000 {
		t.Fatalf("tick = %d, want 10000", order.TickMicros)
	}
	if !h.gate.InFlight() {
		t.Fatalf("slot not held after ack")
	}
	waitFor(t, "expected order id", func() bool {
		ids := h.tracker.expectedIDs()
		return len(ids) == 1 && ids[0] == "0xord1"
	})
}

func TestEngineSkipsStaleSignal(t *testing.T) {
	sub := newFakeSubmitter(submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord1"})
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	stale := sig(650_000)
	stale.ReceivedAtMs = time.Now().UnixMilli() - 10_000
	h.signals <- stale

	assertNoSubmit(t, sub, 75*time.Millisecond)

	// A fresh signal on the same book trades immediately.
	h.sendFresh(650_000)
	awaitSubmit(t, sub)
}

func TestEngineSingleFlight(t *testing.T) {
	sub := newFakeSubmitter(submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord1"})
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)
	awaitSubmit(t, sub)

	// The edge persists while the order is awaiting fills: no second order.
	h.sendFresh(650_000)
	h.publishEdge()
	assertNoSubmit(t, sub, 75*time.Millisecond)

	// Terminal cancel: the tracker frees the slot and wakes the loop. After
	// cooldown the still-fresh signal trades again.
	h.gate.ReleaseInflight()
	h.tracker.wake <- struct{}{}
	awaitSubmit(t, sub)
}

func TestEngineCooldownPacesResubmission(t *testing.T) {
	sub := newFakeSubmitter(
		submit.Result{Outcome: submit.OutcomeRejected, Reason: "not enough balance"},
		submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord2"},
	)
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)
	awaitSubmit(t, sub)
	first := time.Now()

	waitFor(t, "slot release after reject", func() bool { return !h.gate.InFlight() })

	// The signal stays fresh, so the loop re-trades by itself once the
	// cooldown expires, not before.
	awaitSubmit(t, sub)
	if elapsed := time.Since(first); elapsed < 40*time.Millisecond {
		t.Fatalf("resubmitted after %v, want at least the 50ms cooldown", elapsed)
	}
}

func TestEngineDryRunReleasesSlot(t *testing.T) {
	sub := newFakeSubmitter(submit.Result{Outcome: submit.OutcomeDryRun})
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)
	awaitSubmit(t, sub)

	waitFor(t, "slot release after dry run", func() bool { return !h.gate.InFlight() })
	if got := h.gate.CashDeployedMicros(); got != 0 {
		t.Fatalf("cash deployed = %d, want 0 in dry run", got)
	}
}

func TestEngineAmbiguousErrorHoldsSlot(t *testing.T) {
	sub := newFakeSubmitter(
		submit.Result{Outcome: submit.OutcomeNetworkError, Reason: "timeout", Unsent: false},
		submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord2"},
	)
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)
	awaitSubmit(t, sub)

	// The venue may hold the order: the slot stays claimed and fresh edges
	// are ignored until the tracker resolves it.
	h.sendFresh(650_000)
	assertNoSubmit(t, sub, 75*time.Millisecond)
	if !h.gate.InFlight() {
		t.Fatalf("slot released on ambiguous error")
	}

	// Inflight timeout sweep: force release, wake, trade again.
	h.gate.ReleaseInflight()
	h.tracker.wake <- struct{}{}
	awaitSubmit(t, sub)
}

func TestEngineUnsentErrorReleasesImmediately(t *testing.T) {
	sub := newFakeSubmitter(
		submit.Result{Outcome: submit.OutcomeNetworkError, Reason: "connection refused", Unsent: true},
		submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord2"},
	)
	h := startEngine(t, engineCfg(), sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)
	awaitSubmit(t, sub)

	waitFor(t, "slot release after unsent error", func() bool { return !h.gate.InFlight() })

	// Provably unsent means nothing rests: the loop re-trades after cooldown.
	awaitSubmit(t, sub)
}

func TestEngineGTDExpiryStampsOrder(t *testing.T) {
	cfg := engineCfg()
	cfg.OrderExpiry = 90 * time.Second
	sub := newFakeSubmitter(submit.Result{Outcome: submit.OutcomeAcked, OrderID: "0xord1"})
	h := startEngine(t, cfg, sub, freshGate())

	h.publishEdge()
	h.sendFresh(650_000)

	order := awaitSubmit(t, sub)
	lo := time.Now().Add(80 * time.Second).Unix()
	hi := time.Now().Add(100 * time.Second).Unix()
	if order.Expiration < lo || order.Expiration > hi {
		t.Fatalf("expiration = %d, want within [%d, %d]", order.Expiration, lo, hi)
	}
}
