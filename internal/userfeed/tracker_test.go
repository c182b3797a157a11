package userfeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/clob"
	"polytaker/internal/position"
)

const ownerKey = "own-api-key"

func newTestTracker(opts TrackerOptions) (*Tracker, *position.Gate) {
	gate := position.NewGate(1_000_000_000) // $1000
	tr := NewTracker(nil, gate, nil, ownerKey, zerolog.Nop(), opts)
	return tr, gate
}

func confirmedTaker(tradeID, orderID string, side clob.Side, priceMicros, sizeMicros uint64) *TradeEvent {
	return &TradeEvent{
		ID:           tradeID,
		TakerOrderID: orderID,
		AssetID:      "yes-token",
		Side:         side,
		PriceMicros:  priceMicros,
		SizeMicros:   sizeMicros,
		Status:       TradeConfirmed,
		TradeOwner:   ownerKey,
	}
}

func TestTrackerAppliesConfirmedOnce(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})

	ev := confirmedTaker("t1", "0xabc", clob.SideBuy, 500_000, 10_000_000)
	tr.handleTrade(ev)
	tr.handleTrade(ev) // duplicate delivery after reconnect

	if got := gate.HeldMicros("yes-token"); got != 10_000_000 {
		t.Fatalf("held=%d want 10000000 after duplicate suppression", got)
	}
	if got := gate.CashDeployedMicros(); got != 5_000_000 {
		t.Fatalf("cash=%d want 5000000", got)
	}
}

func TestTrackerMatchedDoesNotTouchPosition(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})

	ev := confirmedTaker("t1", "0xabc", clob.SideBuy, 500_000, 10_000_000)
	ev.Status = TradeMatched
	tr.handleTrade(ev)

	if got := gate.HeldMicros("yes-token"); got != 0 {
		t.Fatalf("held=%d want 0 before confirmation", got)
	}

	ev2 := confirmedTaker("t1", "0xabc", clob.SideBuy, 500_000, 10_000_000)
	tr.handleTrade(ev2)
	if got := gate.HeldMicros("yes-token"); got != 10_000_000 {
		t.Fatalf("held=%d want 10000000 after confirmation", got)
	}
}

func TestTrackerConfirmedReleasesExpectedOrder(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})

	if !gate.ClaimInflight() {
		t.Fatalf("claim failed")
	}
	tr.Expect("0xabc")

	tr.handleTrade(confirmedTaker("t1", "0xother", clob.SideBuy, 500_000, 1_000_000))
	if !gate.InFlight() {
		t.Fatalf("slot released for unrelated order")
	}

	tr.handleTrade(confirmedTaker("t2", "0xabc", clob.SideBuy, 500_000, 1_000_000))
	if gate.InFlight() {
		t.Fatalf("slot still held after expected order confirmed")
	}

	select {
	case <-tr.Wake():
	default:
		t.Fatalf("no wake after fill")
	}
}

func TestTrackerMakerSideFill(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})
	gate.ApplyFill(position.Fill{TokenID: "yes-token", Side: clob.SideBuy, PriceMicros: 500_000, SizeMicros: 10_000_000})

	// A foreign taker bought against our resting sell.
	tr.handleTrade(&TradeEvent{
		ID:           "t1",
		TakerOrderID: "0xforeign",
		AssetID:      "yes-token",
		Side:         clob.SideBuy,
		PriceMicros:  600_000,
		SizeMicros:   9_000_000,
		Status:       TradeConfirmed,
		TradeOwner:   "someone-else",
		MakerOrders: []MakerFill{
			{OrderID: "0xours", AssetID: "yes-token", Owner: ownerKey, PriceMicros: 600_000, MatchedMicros: 5_000_000},
			{OrderID: "0xnotours", AssetID: "yes-token", Owner: "third-party", PriceMicros: 600_000, MatchedMicros: 4_000_000},
		},
	})

	if got := gate.HeldMicros("yes-token"); got != 5_000_000 {
		t.Fatalf("held=%d want 5000000 after our maker fill only", got)
	}
	if got := gate.RealizedPnLMicros(); got != 500_000 {
		t.Fatalf("realized=%d want 500000", got)
	}
}

func TestTrackerOrderCancellationReleases(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})
	gate.ClaimInflight()
	tr.Expect("0xabc")

	tr.handleOrder(&OrderEvent{OrderID: "0xzzz", Type: OrderCancellation})
	if !gate.InFlight() {
		t.Fatalf("slot released for unrelated cancellation")
	}

	tr.handleOrder(&OrderEvent{OrderID: "0xabc", Type: OrderCancellation})
	if gate.InFlight() {
		t.Fatalf("slot still held after cancellation of expected order")
	}
}

func TestTrackerExpiredOrderReleases(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})
	gate.ClaimInflight()
	tr.Expect("0xgtd")

	tr.handleOrder(&OrderEvent{OrderID: "0xgtd", Type: OrderUpdate, Status: "EXPIRED"})
	if gate.InFlight() {
		t.Fatalf("slot still held after expiry")
	}
}

func TestTrackerFailedTradeReleasesWithoutPosition(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{})
	gate.ClaimInflight()
	tr.Expect("0xabc")

	ev := confirmedTaker("t1", "0xabc", clob.SideBuy, 500_000, 10_000_000)
	ev.Status = TradeFailed
	tr.handleTrade(ev)

	if gate.InFlight() {
		t.Fatalf("slot still held after failed trade")
	}
	if got := gate.HeldMicros("yes-token"); got != 0 {
		t.Fatalf("held=%d want 0 after failed trade", got)
	}
}

func TestTrackerSweepForceReleases(t *testing.T) {
	tr, gate := newTestTracker(TrackerOptions{InflightTimeout: time.Nanosecond})
	gate.ClaimInflight()
	tr.Expect("0xstuck")
	time.Sleep(time.Millisecond)

	tr.sweepInflight(context.Background(), "reconnect")
	if gate.InFlight() {
		t.Fatalf("slot still held after timeout sweep")
	}

	// Sweeps leave a fresh claim alone.
	tr.opts.InflightTimeout = time.Hour
	gate.ClaimInflight()
	tr.sweepInflight(context.Background(), "watchdog")
	if !gate.InFlight() {
		t.Fatalf("fresh claim force-released")
	}
}

type fakeReconciler struct {
	mu        sync.Mutex
	status    string
	getCalls  int
	cancelled []string
}

func (f *fakeReconciler) GetOrder(_ context.Context, orderID string) (*clob.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return &clob.OrderInfo{ID: orderID, Status: f.status}, nil
}

func (f *fakeReconciler) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeReconciler) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func TestTrackerProbeReleasesCancelledOrder(t *testing.T) {
	rec := &fakeReconciler{status: clob.OrderStatusCancelled}
	tr, gate := newTestTracker(TrackerOptions{
		InflightTimeout: 50 * time.Millisecond,
		Reconciler:      rec,
	})
	gate.ClaimInflight()
	tr.Expect("0xquiet")
	time.Sleep(30 * time.Millisecond) // past half, before the full timeout

	tr.sweepInflight(context.Background(), "watchdog")
	if gate.InFlight() {
		t.Fatalf("slot still held after probe saw a cancelled order")
	}
}

func TestTrackerProbeRunsOncePerClaim(t *testing.T) {
	rec := &fakeReconciler{status: clob.OrderStatusMatched}
	tr, gate := newTestTracker(TrackerOptions{
		InflightTimeout: 50 * time.Millisecond,
		Reconciler:      rec,
	})
	gate.ClaimInflight()
	tr.Expect("0xmatched")
	time.Sleep(30 * time.Millisecond)

	tr.sweepInflight(context.Background(), "watchdog")
	tr.sweepInflight(context.Background(), "watchdog")
	if rec.getCalls != 1 {
		t.Fatalf("probe calls = %d, want 1", rec.getCalls)
	}
	// Matched per REST means fills are coming: keep waiting for them.
	if !gate.InFlight() {
		t.Fatalf("slot released for a matched order before confirmation")
	}
}

func TestTrackerForceReleaseCancelsRestingOrder(t *testing.T) {
	rec := &fakeReconciler{status: clob.OrderStatusLive}
	tr, gate := newTestTracker(TrackerOptions{
		InflightTimeout: time.Nanosecond,
		Reconciler:      rec,
	})
	gate.ClaimInflight()
	tr.Expect("0xresting")
	time.Sleep(time.Millisecond)

	tr.sweepInflight(context.Background(), "watchdog")
	if gate.InFlight() {
		t.Fatalf("slot still held after timeout sweep")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ids := rec.cancelledIDs(); len(ids) == 1 && ids[0] == "0xresting" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no cancel issued for the force-released order")
}

func TestTrackerOnAppliedHook(t *testing.T) {
	var calls int
	tr, _ := newTestTracker(TrackerOptions{OnApplied: func() { calls++ }})

	tr.handleTrade(confirmedTaker("t1", "0xabc", clob.SideBuy, 500_000, 1_000_000))
	tr.handleTrade(confirmedTaker("t1", "0xabc", clob.SideBuy, 500_000, 1_000_000)) // dup
	ev := confirmedTaker("t2", "0xdef", clob.SideBuy, 500_000, 1_000_000)
	ev.Status = TradeMatched
	tr.handleTrade(ev)

	if calls != 1 {
		t.Fatalf("OnApplied calls=%d want 1", calls)
	}
}
