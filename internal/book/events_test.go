package book

import "testing"

func TestDecodeEventsPairForm(t *testing.T) {
	raw := []byte(`[{"type":"book","asset_id":"tokA","timestamp":"1700000000123",` +
		`"bids":[["0.49","100"],["0.48","50"]],"asks":[["0.50","70"]]}]`)

	events, err := decodeEvents(raw)
	if err != nil {
		t.Fatalf("decodeEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events=%d want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != KindBook || ev.AssetID != "tokA" {
		t.Fatalf("kind=%q asset=%q", ev.Kind, ev.AssetID)
	}
	if ev.TsMs != 1_700_000_000_123 {
		t.Fatalf("TsMs=%d", ev.TsMs)
	}
	if len(ev.Bids) != 2 || ev.Bids[0] != (Level{490_000, 100_000_000}) {
		t.Fatalf("bids=%v", ev.Bids)
	}
	if len(ev.Asks) != 1 || ev.Asks[0] != (Level{500_000, 70_000_000}) {
		t.Fatalf("asks=%v", ev.Asks)
	}
}

func TestDecodeEventsObjectForm(t *testing.T) {
	raw := []byte(`{"event_type":"book","asset_id":"tokB",` +
		`"bids":[{"price":"0.45","size":"80"}],"asks":[{"price":0.47,"size":12.5}]}`)

	events, err := decodeEvents(raw)
	if err != nil {
		t.Fatalf("decodeEvents: %v", err)
	}
	ev := events[0]
	if ev.Bids[0] != (Level{450_000, 80_000_000}) {
		t.Fatalf("bids=%v", ev.Bids)
	}
	if ev.Asks[0] != (Level{470_000, 12_500_000}) {
		t.Fatalf("asks=%v", ev.Asks)
	}
}

func TestDecodeEventsPriceChangeForms(t *testing.T) {
	// Sparse per-side lists on the event itself.
	raw := []byte(`[{"type":"price_change","asset_id":"tokA",` +
		`"bids":[["0.48","0"]],"asks":[["0.51","25"]]}]`)
	events, err := decodeEvents(raw)
	if err != nil {
		t.Fatalf("decodeEvents: %v", err)
	}
	ev := events[0]
	if ev.Kind != KindPriceChange || len(ev.Bids) != 1 || len(ev.Asks) != 1 {
		t.Fatalf("unexpected decode: %+v", ev)
	}
	if ev.Bids[0].DepthMicros != 0 {
		t.Fatalf("zero-size delta lost: %+v", ev.Bids[0])
	}

	// Change-list form with side and per-change asset.
	raw = []byte(`{"event_type":"price_change","market":"0xabc",` +
		`"price_changes":[{"asset_id":"tokA","price":"0.52","size":"10","side":"SELL"},` +
		`{"asset_id":"tokB","price":"0.40","size":"5","side":"BUY"}]}`)
	events, err = decodeEvents(raw)
	if err != nil {
		t.Fatalf("decodeEvents: %v", err)
	}
	ev = events[0]
	if len(ev.Changes) != 2 {
		t.Fatalf("changes=%d want 2", len(ev.Changes))
	}
	if ev.Changes[0].Bid || ev.Changes[0].AssetID != "tokA" || ev.Changes[0].PriceMicros != 520_000 {
		t.Fatalf("change[0]=%+v", ev.Changes[0])
	}
	if !ev.Changes[1].Bid || ev.Changes[1].AssetID != "tokB" {
		t.Fatalf("change[1]=%+v", ev.Changes[1])
	}
}

func TestDecodeEventsLastTrade(t *testing.T) {
	raw := []byte(`{"event_type":"last_trade_price","asset_id":"tokA",` +
		`"price":"0.55","size":"33","side":"BUY","timestamp":"1700000001"}`)
	events, err := decodeEvents(raw)
	if err != nil {
		t.Fatalf("decodeEvents: %v", err)
	}
	ev := events[0]
	if ev.Kind != KindLastTrade || ev.TradePriceMicros != 550_000 || ev.TradeSizeMicros != 33_000_000 {
		t.Fatalf("last trade decode: %+v", ev)
	}
	if ev.TsMs != 1_700_000_001_000 {
		t.Fatalf("TsMs=%d want seconds upscaled", ev.TsMs)
	}
}

func TestDecodeEventsSkipsUnknown(t *testing.T) {
	raw := []byte(`[{"event_type":"tick_size_change","asset_id":"tokA"},{"foo":"bar"}]`)
	events, err := decodeEvents(raw)
	if err != nil {
		t.Fatalf("decodeEvents: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "tick_size_change" {
		t.Fatalf("events=%+v", events)
	}
}
