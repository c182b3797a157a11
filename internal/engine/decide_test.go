package engine

import (
	"testing"

	"polytaker/internal/book"
	"polytaker/internal/clob"
	"polytaker/internal/oracle"
	"polytaker/internal/position"
)

const scale = 1_000_000

func testCfg() Config {
	return Config{
		YesTokenID:          "yes-token",
		NoTokenID:           "no-token",
		TickMicros:          10_000,
		EdgeThresholdMicros: 20_000,
		PriceOffsetMicros:   5_000,
		TakePctMicros:       500_000,
		MinOrderQuoteMicros: 1 * scale,
		MaxOrderQuoteMicros: 50 * scale,
	}
}

func lvl(price, depth uint64) book.Level {
	return book.Level{PriceMicros: price, DepthMicros: depth}
}

func yesSnap(bids, asks []book.Level) book.Snapshot {
	return book.Snapshot{
		Yes:      book.Book{Bids: bids, Asks: asks},
		YesReady: true,
	}
}

func sig(yes uint64) oracle.Signal {
	return oracle.Signal{YesMicros: yes, NoMicros: scale - yes}
}

func freshGate() *position.Gate {
	return position.NewGate(1000 * scale)
}

func TestDecideNoEdgeAtFairTouch(t *testing.T) {
	snap := yesSnap(
		[]book.Level{lvl(490_000, 100*scale)},
		[]book.Level{lvl(500_000, 100*scale)},
	)
	_, skip := Decide(snap, sig(500_000), freshGate(), testCfg())
	if skip != skipNoEdge {
		t.Fatalf("skip = %q, want %q", skip, skipNoEdge)
	}
}

func TestDecideBuyEdge(t *testing.T) {
	snap := yesSnap(
		[]book.Level{lvl(600_000, 150*scale)},
		[]book.Level{lvl(620_000, 200*scale)},
	)
	dec, skip := Decide(snap, sig(650_000), freshGate(), testCfg())
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	if dec.TokenID != "yes-token" || dec.Side != clob.SideBuy {
		t.Fatalf("decision = %s %s, want BUY yes-token", dec.Side, dec.TokenID)
	}
	if dec.EdgeMicros != 30_000 {
		t.Fatalf("edge = %d, want 30000", dec.EdgeMicros)
	}
	// fair - offset = 0.645, floored to the 0.01 tick.
	if dec.LimitMicros != 640_000 {
		t.Fatalf("limit = %d, want 640000", dec.LimitMicros)
	}
	if dec.LimitMicros > dec.FairMicros {
		t.Fatalf("buy limit %d above fair %d", dec.LimitMicros, dec.FairMicros)
	}
	// min(200*0.5, 50/0.64) = 78.125 tokens, floored to the size step.
	if dec.SizeMicros != 78_120_000 {
		t.Fatalf("size = %d, want 78120000", dec.SizeMicros)
	}
	if dec.NotionalMicros != 49_996_800 {
		t.Fatalf("notional = %d, want 49996800", dec.NotionalMicros)
	}
}

func TestDecideBuyEdgeHalfTick(t *testing.T) {
	cfg := testCfg()
	cfg.TickMicros = 5_000
	snap := yesSnap(
		[]book.Level{lvl(600_000, 150*scale)},
		[]book.Level{lvl(620_000, 200*scale)},
	)
	dec, skip := Decide(snap, sig(650_000), freshGate(), cfg)
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	if dec.LimitMicros != 645_000 {
		t.Fatalf("limit = %d, want 645000", dec.LimitMicros)
	}
	// 50/0.645 = 77.519 tokens, floored to the size step.
	if dec.SizeMicros != 77_510_000 {
		t.Fatalf("size = %d, want 77510000", dec.SizeMicros)
	}
	if dec.NotionalMicros != 49_993_950 {
		t.Fatalf("notional = %d, want 49993950", dec.NotionalMicros)
	}
}

func TestDecideSellEdge(t *testing.T) {
	cfg := testCfg()
	cfg.TickMicros = 5_000
	gate := freshGate()
	gate.ApplyFill(position.Fill{
		OrderID: "seed", TokenID: "yes-token", Side: clob.SideBuy,
		PriceMicros: 550_000, SizeMicros: 100 * scale,
	})
	snap := yesSnap(
		[]book.Level{lvl(450_000, 80*scale)},
		[]book.Level{lvl(470_000, 60*scale)},
	)
	dec, skip := Decide(snap, sig(400_000), gate, cfg)
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	if dec.Side != clob.SideSell || dec.TokenID != "yes-token" {
		t.Fatalf("decision = %s %s, want SELL yes-token", dec.Side, dec.TokenID)
	}
	if dec.EdgeMicros != 50_000 {
		t.Fatalf("edge = %d, want 50000", dec.EdgeMicros)
	}
	// fair + offset = 0.405, already tick-aligned.
	if dec.LimitMicros != 405_000 {
		t.Fatalf("limit = %d, want 405000", dec.LimitMicros)
	}
	if dec.LimitMicros < dec.FairMicros {
		t.Fatalf("sell limit %d below fair %d", dec.LimitMicros, dec.FairMicros)
	}
	// Bid depth 80 * take 0.5 = 40 tokens.
	if dec.SizeMicros != 40*scale {
		t.Fatalf("size = %d, want %d", dec.SizeMicros, 40*scale)
	}
	if dec.NotionalMicros != 16_200_000 {
		t.Fatalf("notional = %d, want 16200000", dec.NotionalMicros)
	}
}

func TestDecideSellRequiresHoldings(t *testing.T) {
	cfg := testCfg()
	cfg.TickMicros = 5_000
	snap := yesSnap(
		[]book.Level{lvl(450_000, 80*scale)},
		[]book.Level{lvl(470_000, 60*scale)},
	)
	_, skip := Decide(snap, sig(400_000), freshGate(), cfg)
	if skip != skipNoRoom {
		t.Fatalf("skip = %q, want %q", skip, skipNoRoom)
	}
}

func TestDecideEdgeExactlyAtThresholdFires(t *testing.T) {
	snap := yesSnap(
		[]book.Level{lvl(480_000, 100*scale)},
		[]book.Level{lvl(500_000, 100*scale)},
	)
	dec, skip := Decide(snap, sig(520_000), freshGate(), testCfg())
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	if dec.Side != clob.SideBuy || dec.EdgeMicros != 20_000 {
		t.Fatalf("got %s edge %d, want BUY edge 20000", dec.Side, dec.EdgeMicros)
	}
	if dec.LimitMicros != 510_000 {
		t.Fatalf("limit = %d, want 510000", dec.LimitMicros)
	}
}

func TestDecideBookNotReady(t *testing.T) {
	_, skip := Decide(book.Snapshot{}, sig(650_000), freshGate(), testCfg())
	if skip != skipBookNotReady {
		t.Fatalf("skip = %q, want %q", skip, skipBookNotReady)
	}

	// Ready flag set but one side empty still counts as not ready.
	snap := book.Snapshot{
		Yes:      book.Book{Asks: []book.Level{lvl(500_000, scale)}},
		YesReady: true,
	}
	_, skip = Decide(snap, sig(650_000), freshGate(), testCfg())
	if skip != skipBookNotReady {
		t.Fatalf("skip = %q, want %q", skip, skipBookNotReady)
	}
}

func TestDecideBelowMinOrderSkips(t *testing.T) {
	snap := yesSnap(
		[]book.Level{lvl(600_000, scale)},
		[]book.Level{lvl(620_000, scale)}, // one token of depth
	)
	_, skip := Decide(snap, sig(650_000), freshGate(), testCfg())
	if skip != skipBelowMin {
		t.Fatalf("skip = %q, want %q", skip, skipBelowMin)
	}
}

func TestDecideZeroSizeAfterLotRounding(t *testing.T) {
	snap := yesSnap(
		[]book.Level{lvl(600_000, scale)},
		[]book.Level{lvl(620_000, 15_000)}, // 0.015 tokens of depth
	)
	_, skip := Decide(snap, sig(650_000), freshGate(), testCfg())
	if skip != skipZeroSize {
		t.Fatalf("skip = %q, want %q", skip, skipZeroSize)
	}
}

func TestDecidePrefersWiderEdge(t *testing.T) {
	snap := book.Snapshot{
		Yes: book.Book{
			Bids: []book.Level{lvl(600_000, 50 * scale)},
			Asks: []book.Level{lvl(620_000, 100 * scale)}, // edge 0.03
		},
		No: book.Book{
			Bids: []book.Level{lvl(280_000, 50 * scale)},
			Asks: []book.Level{lvl(300_000, 100 * scale)}, // edge 0.05
		},
		YesReady: true,
		NoReady:  true,
	}
	dec, skip := Decide(snap, sig(650_000), freshGate(), testCfg())
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	if dec.TokenID != "no-token" || dec.Side != clob.SideBuy {
		t.Fatalf("decision = %s %s, want BUY no-token", dec.Side, dec.TokenID)
	}
	if dec.EdgeMicros != 50_000 {
		t.Fatalf("edge = %d, want 50000", dec.EdgeMicros)
	}
}

func TestDecideEqualEdgePrefersYes(t *testing.T) {
	snap := book.Snapshot{
		Yes: book.Book{
			Bids: []book.Level{lvl(600_000, 50 * scale)},
			Asks: []book.Level{lvl(620_000, 100 * scale)}, // edge 0.03
		},
		No: book.Book{
			Bids: []book.Level{lvl(300_000, 50 * scale)},
			Asks: []book.Level{lvl(320_000, 100 * scale)}, // edge 0.03
		},
		YesReady: true,
		NoReady:  true,
	}
	dec, skip := Decide(snap, sig(650_000), freshGate(), testCfg())
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	if dec.TokenID != "yes-token" {
		t.Fatalf("token = %s, want yes-token", dec.TokenID)
	}
}

func TestDecideBuyLimitCappedBelowOne(t *testing.T) {
	snap := yesSnap(
		[]book.Level{lvl(950_000, 10*scale)},
		[]book.Level{lvl(960_000, 100*scale)},
	)
	dec, skip := Decide(snap, sig(998_000), freshGate(), testCfg())
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	// fair - offset = 0.993, capped to the highest valid price 0.99.
	if dec.LimitMicros != 990_000 {
		t.Fatalf("limit = %d, want 990000", dec.LimitMicros)
	}
}

func TestDecideExposureRoomCapsBuy(t *testing.T) {
	gate := position.NewGate(10 * scale)
	snap := yesSnap(
		[]book.Level{lvl(600_000, 150*scale)},
		[]book.Level{lvl(620_000, 200*scale)},
	)
	dec, skip := Decide(snap, sig(650_000), gate, testCfg())
	if skip != "" {
		t.Fatalf("unexpected skip %q", skip)
	}
	// 10 quote of headroom at limit 0.64 buys 15.625 tokens.
	if dec.SizeMicros != 15_620_000 {
		t.Fatalf("size = %d, want 15620000", dec.SizeMicros)
	}
	if dec.NotionalMicros != 9_996_800 {
		t.Fatalf("notional = %d, want 9996800", dec.NotionalMicros)
	}
}
