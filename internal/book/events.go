package book

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"polytaker/internal/micros"
)

// Event kinds on the market channel. Reconnected is synthesized locally when
// a session is (re)established so consumers can reset per-connection state.
const (
	KindBook        = "book"
	KindPriceChange = "price_change"
	KindLastTrade   = "last_trade_price"
	KindReconnected = "reconnected"
)

// Event is one decoded market-channel event.
type Event struct {
	Kind    string
	AssetID string
	TsMs    int64

	// book: both sides; price_change (pair form): sparse deltas per side.
	Bids []Level
	Asks []Level

	// price_change (change-list form): per-entry side and asset.
	Changes []Change

	// last_trade_price.
	TradePriceMicros uint64
	TradeSizeMicros  uint64
	TradeSide        string
}

// Change is a single price_change entry carrying its own asset and side.
type Change struct {
	AssetID     string
	Bid         bool
	PriceMicros uint64
	DepthMicros uint64
}

// wireLevel accepts both encodings seen on the wire: a ["0.55","100"] pair
// and a {"price":"0.55","size":"100"} object, values as strings or numbers.
type wireLevel struct {
	PriceMicros uint64
	DepthMicros uint64
	ok          bool
}

func (w *wireLevel) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '[':
		var pair []json.Number
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) < 2 {
			return fmt.Errorf("level pair len=%d", len(pair))
		}
		p, err := micros.Parse(pair[0].String())
		if err != nil {
			return err
		}
		d, err := micros.Parse(pair[1].String())
		if err != nil {
			return err
		}
		w.PriceMicros, w.DepthMicros, w.ok = p, d, true
		return nil
	case '{':
		var obj struct {
			Price json.Number `json:"price"`
			Size  json.Number `json:"size"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		p, err := micros.Parse(obj.Price.String())
		if err != nil {
			return err
		}
		d, err := micros.Parse(obj.Size.String())
		if err != nil {
			return err
		}
		w.PriceMicros, w.DepthMicros, w.ok = p, d, true
		return nil
	default:
		return fmt.Errorf("unexpected level encoding %q", string(b))
	}
}

type wireEvent struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	AssetID   string `json:"asset_id"`
	Timestamp string `json:"timestamp"`

	Bids []wireLevel `json:"bids"`
	Asks []wireLevel `json:"asks"`

	PriceChanges []wireChange `json:"price_changes"`
	ChangesAlt   []wireChange `json:"changes"`

	Price json.Number `json:"price"`
	Size  json.Number `json:"size"`
	Side  string      `json:"side"`
}

type wireChange struct {
	AssetID string      `json:"asset_id"`
	Price   json.Number `json:"price"`
	Size    json.Number `json:"size"`
	Side    string      `json:"side"`
}

// decodeEvents decodes a market-channel frame: a JSON array of events or a
// single event object.
func decodeEvents(raw []byte) ([]Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var wires []wireEvent
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &wires); err != nil {
			return nil, fmt.Errorf("decode event array: %w", err)
		}
	} else {
		var single wireEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		wires = append(wires, single)
	}

	out := make([]Event, 0, len(wires))
	for _, w := range wires {
		ev, ok := w.toEvent()
		if ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (w wireEvent) toEvent() (Event, bool) {
	kind := w.EventType
	if kind == "" {
		kind = w.Type
	}
	if kind == "" {
		return Event{}, false
	}

	ev := Event{Kind: kind, AssetID: w.AssetID, TsMs: parseTsMs(w.Timestamp)}

	switch kind {
	case KindBook:
		ev.Bids = collectLevels(w.Bids)
		ev.Asks = collectLevels(w.Asks)
	case KindPriceChange:
		ev.Bids = collectLevels(w.Bids)
		ev.Asks = collectLevels(w.Asks)
		changes := w.PriceChanges
		if len(changes) == 0 {
			changes = w.ChangesAlt
		}
		for _, c := range changes {
			p, err := micros.Parse(c.Price.String())
			if err != nil {
				continue
			}
			d, err := micros.Parse(c.Size.String())
			if err != nil {
				continue
			}
			asset := c.AssetID
			if asset == "" {
				asset = w.AssetID
			}
			ev.Changes = append(ev.Changes, Change{
				AssetID:     asset,
				Bid:         strings.EqualFold(c.Side, "BUY"),
				PriceMicros: p,
				DepthMicros: d,
			})
		}
	case KindLastTrade:
		if p, err := micros.Parse(w.Price.String()); err == nil {
			ev.TradePriceMicros = p
		}
		if s, err := micros.Parse(w.Size.String()); err == nil {
			ev.TradeSizeMicros = s
		}
		ev.TradeSide = w.Side
	}
	return ev, true
}

func collectLevels(in []wireLevel) []Level {
	if len(in) == 0 {
		return nil
	}
	out := make([]Level, 0, len(in))
	for _, l := range in {
		if !l.ok {
			continue
		}
		out = append(out, Level{PriceMicros: l.PriceMicros, DepthMicros: l.DepthMicros})
	}
	return out
}

// parseTsMs tolerates second- and millisecond-resolution timestamps.
func parseTsMs(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	if v > 0 && v < 10_000_000_000 {
		return v * 1000
	}
	return v
}
