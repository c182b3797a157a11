package userfeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polytaker/internal/clob"
	"polytaker/internal/micros"
)

// Trade lifecycle statuses on the user channel. MATCHED is provisional;
// only CONFIRMED settles the position.
const (
	TradeMatched   = "MATCHED"
	TradeMined     = "MINED"
	TradeConfirmed = "CONFIRMED"
	TradeRetrying  = "RETRYING"
	TradeFailed    = "FAILED"
)

// Order message types.
const (
	OrderPlacement    = "PLACEMENT"
	OrderUpdate       = "UPDATE"
	OrderCancellation = "CANCELLATION"
)

type EventKind int

const (
	KindTrade EventKind = iota
	KindOrder
	// KindReconnected is synthetic: it opens every session so the consumer
	// can run its reconnect bookkeeping.
	KindReconnected
)

// MakerFill is one resting order hit within a trade.
type MakerFill struct {
	OrderID       string
	AssetID       string
	Owner         string
	PriceMicros   uint64
	MatchedMicros uint64
}

// TradeEvent is one trade touching this account, as taker or maker. Price
// and Size describe the taker fill; maker details are per MakerFill.
type TradeEvent struct {
	ID           string
	TakerOrderID string
	AssetID      string
	Market       string
	Side         clob.Side
	PriceMicros  uint64
	SizeMicros   uint64
	Status       string
	TradeOwner   string
	MakerOrders  []MakerFill
	TsMs         int64
}

// OrderEvent is a lifecycle update for one of this account's orders.
type OrderEvent struct {
	OrderID           string
	AssetID           string
	Market            string
	Side              clob.Side
	Type              string
	Status            string
	PriceMicros       uint64
	SizeMatchedMicros uint64
	TsMs              int64
}

// Terminal reports whether the update means the order will never fill
// further (cancelled or expired).
func (o OrderEvent) Terminal() bool {
	if o.Type == OrderCancellation {
		return true
	}
	switch o.Status {
	case "CANCELED", "CANCELLED", "EXPIRED":
		return true
	}
	return false
}

type Event struct {
	Kind  EventKind
	Trade *TradeEvent
	Order *OrderEvent
	TsMs  int64
}

type wireMakerOrder struct {
	AssetID       string `json:"asset_id"`
	MatchedAmount string `json:"matched_amount"`
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	Price         string `json:"price"`
}

type wireUserEvent struct {
	EventType string `json:"event_type"`

	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
	Owner     string `json:"owner"`

	// trade fields
	Size         string           `json:"size"`
	Status       string           `json:"status"`
	TakerOrderID string           `json:"taker_order_id"`
	TradeOwner   string           `json:"trade_owner"`
	MakerOrders  []wireMakerOrder `json:"maker_orders"`

	// order fields
	Type        string `json:"type"`
	SizeMatched string `json:"size_matched"`
}

// decodeEvents parses one frame. The channel sends either a single object
// or an array of them; event types other than trade/order are skipped.
func decodeEvents(msg []byte) ([]Event, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	switch msg[0] {
	case '[':
		if err := json.Unmarshal(msg, &raws); err != nil {
			return nil, fmt.Errorf("user frame array: %w", err)
		}
	case '{':
		raws = []json.RawMessage{msg}
	default:
		return nil, fmt.Errorf("user frame: unexpected payload %q", previewPayload(msg))
	}

	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var w wireUserEvent
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("user event: %w", err)
		}
		switch strings.ToLower(w.EventType) {
		case "trade":
			ev, err := w.tradeEvent()
			if err != nil {
				return nil, err
			}
			events = append(events, Event{Kind: KindTrade, Trade: ev, TsMs: ev.TsMs})
		case "order":
			ev, err := w.orderEvent()
			if err != nil {
				return nil, err
			}
			events = append(events, Event{Kind: KindOrder, Order: ev, TsMs: ev.TsMs})
		}
	}
	return events, nil
}

func (w wireUserEvent) tradeEvent() (*TradeEvent, error) {
	price, err := parseMicrosField("trade price", w.Price)
	if err != nil {
		return nil, err
	}
	size, err := parseMicrosField("trade size", w.Size)
	if err != nil {
		return nil, err
	}

	ev := &TradeEvent{
		ID:           w.ID,
		TakerOrderID: w.TakerOrderID,
		AssetID:      w.AssetID,
		Market:       w.Market,
		Side:         sideFromWire(w.Side),
		PriceMicros:  price,
		SizeMicros:   size,
		Status:       strings.ToUpper(strings.TrimSpace(w.Status)),
		TradeOwner:   w.TradeOwner,
		TsMs:         parseTimestampMs(w.Timestamp),
	}
	for _, mo := range w.MakerOrders {
		moPrice, err := parseMicrosField("maker price", mo.Price)
		if err != nil {
			return nil, err
		}
		matched, err := parseMicrosField("maker matched", mo.MatchedAmount)
		if err != nil {
			return nil, err
		}
		ev.MakerOrders = append(ev.MakerOrders, MakerFill{
			OrderID:       mo.OrderID,
			AssetID:       mo.AssetID,
			Owner:         mo.Owner,
			PriceMicros:   moPrice,
			MatchedMicros: matched,
		})
	}
	return ev, nil
}

func (w wireUserEvent) orderEvent() (*OrderEvent, error) {
	price, err := parseMicrosField("order price", w.Price)
	if err != nil {
		return nil, err
	}
	matched, err := parseMicrosField("order size_matched", w.SizeMatched)
	if err != nil {
		return nil, err
	}
	return &OrderEvent{
		OrderID:           w.ID,
		AssetID:           w.AssetID,
		Market:            w.Market,
		Side:              sideFromWire(w.Side),
		Type:              strings.ToUpper(strings.TrimSpace(w.Type)),
		Status:            strings.ToUpper(strings.TrimSpace(w.Status)),
		PriceMicros:       price,
		SizeMatchedMicros: matched,
		TsMs:              parseTimestampMs(w.Timestamp),
	}, nil
}

func sideFromWire(s string) clob.Side {
	if strings.EqualFold(strings.TrimSpace(s), "SELL") {
		return clob.SideSell
	}
	return clob.SideBuy
}

func parseMicrosField(field, s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := micros.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return v, nil
}

// parseTimestampMs accepts second or millisecond epoch strings; anything
// unparseable falls back to the local clock.
func parseTimestampMs(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now().UnixMilli()
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UnixMilli()
	}
	if v < 10_000_000_000 {
		return v * 1000
	}
	return v
}

func previewPayload(b []byte) string {
	const n = 32
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
