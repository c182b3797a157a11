// Package book maintains the incremental L2 order book for the two outcome
// tokens of a single market, fed by the exchange market WebSocket.
package book

import (
	"fmt"
	"sort"

	"polytaker/internal/micros"
)

// Level is one aggregated price level. Price and depth are micros.
type Level struct {
	PriceMicros uint64
	DepthMicros uint64
}

// Book is one outcome token's two-sided L2 view, best-first: bids strictly
// decreasing, asks strictly increasing, no zero-depth levels.
type Book struct {
	Bids []Level
	Asks []Level

	UpdatedAtMs int64
	Seq         uint64
}

func (b *Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

func (b *Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Ready reports whether the book is meaningful: both sides non-empty.
func (b *Book) Ready() bool {
	return len(b.Bids) > 0 && len(b.Asks) > 0
}

// Crossed reports best_bid >= best_ask, which can only come from a stale or
// inconsistent feed and forces a resubscribe.
func (b *Book) Crossed() bool {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	return b.Bids[0].PriceMicros >= b.Asks[0].PriceMicros
}

func (b *Book) Clone() Book {
	out := Book{UpdatedAtMs: b.UpdatedAtMs, Seq: b.Seq}
	out.Bids = append([]Level(nil), b.Bids...)
	out.Asks = append([]Level(nil), b.Asks...)
	return out
}

// ApplySnapshot replaces both sides from a full "book" event.
func (b *Book) ApplySnapshot(bids, asks []Level, tsMs int64) {
	b.Bids = normalize(bids, true)
	b.Asks = normalize(asks, false)
	if tsMs > 0 {
		b.UpdatedAtMs = tsMs
	}
	b.Seq++
}

// ApplyDelta sets the depth at a price on one side; depth 0 removes the
// level. Side ordering is restored after application.
func (b *Book) ApplyDelta(bid bool, priceMicros, depthMicros uint64, tsMs int64) {
	if bid {
		b.Bids = applyLevel(b.Bids, priceMicros, depthMicros)
		sortBids(b.Bids)
	} else {
		b.Asks = applyLevel(b.Asks, priceMicros, depthMicros)
		sortAsks(b.Asks)
	}
	if tsMs > 0 {
		b.UpdatedAtMs = tsMs
	}
	b.Seq++
}

// Validate checks the side-ordering invariant: strict best-first order,
// no duplicates, all depths positive.
func (b *Book) Validate() error {
	if err := validateSide(b.Bids, true); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := validateSide(b.Asks, false); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	return nil
}

// DepthAtOrBelow sums ask depth at prices <= limit (buy-side liquidity).
func (b *Book) DepthAtOrBelow(limitMicros uint64) uint64 {
	var sum uint64
	for _, l := range b.Asks {
		if l.PriceMicros > limitMicros {
			break
		}
		sum += l.DepthMicros
	}
	return sum
}

// DepthAtOrAbove sums bid depth at prices >= limit (sell-side liquidity).
func (b *Book) DepthAtOrAbove(limitMicros uint64) uint64 {
	var sum uint64
	for _, l := range b.Bids {
		if l.PriceMicros < limitMicros {
			break
		}
		sum += l.DepthMicros
	}
	return sum
}

func applyLevel(side []Level, priceMicros, depthMicros uint64) []Level {
	if depthMicros == 0 {
		out := side[:0]
		for _, l := range side {
			if l.PriceMicros != priceMicros {
				out = append(out, l)
			}
		}
		return out
	}
	for i := range side {
		if side[i].PriceMicros == priceMicros {
			side[i].DepthMicros = depthMicros
			return side
		}
	}
	return append(side, Level{PriceMicros: priceMicros, DepthMicros: depthMicros})
}

func normalize(levels []Level, bid bool) []Level {
	out := make([]Level, 0, len(levels))
	seen := make(map[uint64]int, len(levels))
	for _, l := range levels {
		if l.DepthMicros == 0 {
			continue
		}
		if i, ok := seen[l.PriceMicros]; ok {
			// Same-price entries in one snapshot: last write wins.
			out[i].DepthMicros = l.DepthMicros
			continue
		}
		seen[l.PriceMicros] = len(out)
		out = append(out, l)
	}
	if bid {
		sortBids(out)
	} else {
		sortAsks(out)
	}
	return out
}

func sortBids(side []Level) {
	sort.Slice(side, func(i, j int) bool { return side[i].PriceMicros > side[j].PriceMicros })
}

func sortAsks(side []Level) {
	sort.Slice(side, func(i, j int) bool { return side[i].PriceMicros < side[j].PriceMicros })
}

func validateSide(side []Level, bid bool) error {
	for i, l := range side {
		if l.DepthMicros == 0 {
			return fmt.Errorf("zero depth at %s", micros.Format(l.PriceMicros))
		}
		if i == 0 {
			continue
		}
		prev := side[i-1].PriceMicros
		if bid && l.PriceMicros >= prev {
			return fmt.Errorf("not strictly decreasing at index %d", i)
		}
		if !bid && l.PriceMicros <= prev {
			return fmt.Errorf("not strictly increasing at index %d", i)
		}
	}
	return nil
}
