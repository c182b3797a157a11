package book

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestMaintainer() (*Maintainer, *Watch) {
	w := NewWatch()
	s := NewStream("ws://unused", []string{"yes", "no"}, StreamOptions{})
	m := NewMaintainer(s, w, "yes", "no", zerolog.Nop())
	return m, w
}

func TestMaintainerBuffersDeltasUntilSnapshot(t *testing.T) {
	m, w := newTestMaintainer()
	m.handle(Event{Kind: KindReconnected})

	// Delta before snapshot: buffered, book stays not-ready.
	m.handle(Event{Kind: KindPriceChange, AssetID: "yes", Asks: []Level{{510_000, 5_000_000}}})
	if snap := w.Load(); snap.YesReady {
		t.Fatalf("book ready before snapshot")
	}

	m.handle(Event{
		Kind:    KindBook,
		AssetID: "yes",
		Bids:    []Level{{490_000, 10_000_000}},
		Asks:    []Level{{500_000, 10_000_000}},
	})

	snap := w.Load()
	if !snap.YesReady {
		t.Fatalf("book not ready after snapshot")
	}
	// The buffered delta replayed on top of the snapshot.
	if len(snap.Yes.Asks) != 2 || snap.Yes.Asks[1].PriceMicros != 510_000 {
		t.Fatalf("buffered delta not replayed: %+v", snap.Yes.Asks)
	}
}

func TestMaintainerAppliesDeltasAfterSnapshot(t *testing.T) {
	m, w := newTestMaintainer()
	m.handle(Event{Kind: KindReconnected})
	m.handle(Event{
		Kind:    KindBook,
		AssetID: "yes",
		Bids:    []Level{{490_000, 10_000_000}},
		Asks:    []Level{{500_000, 10_000_000}},
	})

	m.handle(Event{Kind: KindPriceChange, Changes: []Change{
		{AssetID: "yes", Bid: true, PriceMicros: 495_000, DepthMicros: 2_000_000},
	}})

	snap := w.Load()
	if bid, _ := snap.Yes.BestBid(); bid.PriceMicros != 495_000 {
		t.Fatalf("best bid=%d want 495000", bid.PriceMicros)
	}
}

func TestMaintainerCrossedBookGoesNotReady(t *testing.T) {
	m, w := newTestMaintainer()
	m.handle(Event{Kind: KindReconnected})
	m.handle(Event{
		Kind:    KindBook,
		AssetID: "yes",
		Bids:    []Level{{300_000, 1_000_000}},
		Asks:    []Level{{350_000, 1_000_000}},
	})
	if snap := w.Load(); !snap.YesReady {
		t.Fatalf("book should be ready")
	}

	// Delta produces ask=0.30 < bid: crossed. Book must go not-ready.
	m.handle(Event{Kind: KindPriceChange, Changes: []Change{
		{AssetID: "yes", Bid: true, PriceMicros: 350_000, DepthMicros: 1_000_000},
		{AssetID: "yes", Bid: false, PriceMicros: 300_000, DepthMicros: 1_000_000},
	}})

	snap := w.Load()
	if snap.YesReady {
		t.Fatalf("crossed book still marked ready")
	}
}

func TestMaintainerResetOnReconnect(t *testing.T) {
	m, w := newTestMaintainer()
	m.handle(Event{Kind: KindReconnected})
	m.handle(Event{
		Kind:    KindBook,
		AssetID: "no",
		Bids:    []Level{{400_000, 1_000_000}},
		Asks:    []Level{{420_000, 1_000_000}},
	})
	if snap := w.Load(); !snap.NoReady {
		t.Fatalf("book should be ready")
	}

	m.handle(Event{Kind: KindReconnected})
	snap := w.Load()
	if snap.NoReady || snap.YesReady {
		t.Fatalf("reconnect must reset readiness")
	}
	if len(snap.No.Bids) != 0 {
		t.Fatalf("reconnect must discard book state")
	}
}

func TestMaintainerBufferOverflowClearsPending(t *testing.T) {
	m, _ := newTestMaintainer()
	m.maxPending = 2
	m.handle(Event{Kind: KindReconnected})

	for i := 0; i < 3; i++ {
		m.handle(Event{Kind: KindPriceChange, AssetID: "yes", Asks: []Level{{500_000, 1_000_000}}})
	}
	// The third delta overflows the bound: buffer drops, resync kicks in.
	if len(m.pending["yes"]) != 0 {
		t.Fatalf("pending=%d want 0 after overflow", len(m.pending["yes"]))
	}
}

func TestWatchPublishWakesWaiters(t *testing.T) {
	w := NewWatch()
	ch := w.Changed()
	select {
	case <-ch:
		t.Fatalf("Changed fired before Publish")
	default:
	}

	w.Publish(Snapshot{Seq: 7})
	select {
	case <-ch:
	default:
		t.Fatalf("Changed did not fire after Publish")
	}
	if got := w.Load().Seq; got != 7 {
		t.Fatalf("Load().Seq=%d want 7", got)
	}
}
