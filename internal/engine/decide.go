package engine

import (
	"polytaker/internal/book"
	"polytaker/internal/clob"
	"polytaker/internal/micros"
	"polytaker/internal/oracle"
	"polytaker/internal/position"
)

// Decision is a fully priced and sized taker order, ready to sign.
type Decision struct {
	TokenID string
	Yes     bool
	Side    clob.Side

	LimitMicros    uint64
	SizeMicros     uint64
	NotionalMicros uint64
	EdgeMicros     uint64

	// Inputs the decision was made on, kept for the audit trail.
	FairMicros    uint64
	BestBidMicros uint64
	BestAskMicros uint64
}

// Skip reasons reported on the decisions counter. "commit" is the one
// non-skip outcome.
const (
	skipNoSignal     = "no_signal"
	skipStaleSignal  = "stale_signal"
	skipInFlight     = "in_flight"
	skipBookNotReady = "book_not_ready"
	skipNoEdge       = "no_edge"
	skipArithmetic   = "arithmetic"
	skipNoLiquidity  = "no_liquidity"
	skipNoRoom       = "no_room"
	skipZeroSize     = "zero_size"
	skipBelowMin     = "below_min_order"
)

// Decide scans both outcome tokens for a tradable gap between the oracle's
// fair value and the touch, then prices and sizes an order for the widest
// one. It returns a non-empty skip reason when nothing should go out. The
// loop is its only production caller; it is exported so the hot path can be
// timed in isolation.
//
// Scan order fixes the tie-break on equal edges: YES before NO, buy before
// sell within a token.
func Decide(snap book.Snapshot, sig oracle.Signal, gate *position.Gate, cfg Config) (Decision, string) {
	var (
		best     Decision
		found    bool
		anyReady bool
	)
	for _, yes := range [2]bool{true, false} {
		b, ok := snap.TokenBook(yes)
		if !ok {
			continue
		}
		anyReady = true

		fair := sig.YesMicros
		tokenID := cfg.YesTokenID
		if !yes {
			fair = sig.NoMicros
			tokenID = cfg.NoTokenID
		}
		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()

		if fair >= ask.PriceMicros+cfg.EdgeThresholdMicros {
			cand := Decision{
				TokenID:       tokenID,
				Yes:           yes,
				Side:          clob.SideBuy,
				EdgeMicros:    fair - ask.PriceMicros,
				FairMicros:    fair,
				BestBidMicros: bid.PriceMicros,
				BestAskMicros: ask.PriceMicros,
			}
			if !found || cand.EdgeMicros > best.EdgeMicros {
				best, found = cand, true
			}
		}
		if bid.PriceMicros >= fair+cfg.EdgeThresholdMicros {
			cand := Decision{
				TokenID:       tokenID,
				Yes:           yes,
				Side:          clob.SideSell,
				EdgeMicros:    bid.PriceMicros - fair,
				FairMicros:    fair,
				BestBidMicros: bid.PriceMicros,
				BestAskMicros: ask.PriceMicros,
			}
			if !found || cand.EdgeMicros > best.EdgeMicros {
				best, found = cand, true
			}
		}
	}
	if !anyReady {
		return Decision{}, skipBookNotReady
	}
	if !found {
		return Decision{}, skipNoEdge
	}

	// Limit price. A buy never crosses above fair value, a sell never
	// below it; rounding moves the limit further from fair, not closer.
	tick := cfg.TickMicros
	if best.Side == clob.SideBuy {
		if best.FairMicros <= cfg.PriceOffsetMicros {
			return Decision{}, skipArithmetic
		}
		raw := best.FairMicros - cfg.PriceOffsetMicros
		if hi := micros.Scale - tick; raw > hi {
			raw = hi
		}
		best.LimitMicros = micros.FloorToTick(raw, tick)
		if best.LimitMicros == 0 {
			return Decision{}, skipArithmetic
		}
	} else {
		raw := best.FairMicros + cfg.PriceOffsetMicros
		if raw < tick {
			raw = tick
		}
		best.LimitMicros = micros.CeilToTick(raw, tick)
		if best.LimitMicros >= micros.Scale {
			return Decision{}, skipArithmetic
		}
	}

	// Size: a slice of the liquidity resting inside the limit, capped by
	// the per-order quote budget and the exposure headroom.
	b, _ := snap.TokenBook(best.Yes)
	var depth uint64
	if best.Side == clob.SideBuy {
		depth = b.DepthAtOrBelow(best.LimitMicros)
	} else {
		depth = b.DepthAtOrAbove(best.LimitMicros)
	}
	if depth == 0 {
		return Decision{}, skipNoLiquidity
	}

	size := micros.MulDiv(depth, cfg.TakePctMicros, micros.Scale)
	if hi := micros.SharesFromQuote(cfg.MaxOrderQuoteMicros, best.LimitMicros); hi < size {
		size = hi
	}
	room := gate.RemainingRoom(best.Side, best.TokenID, best.LimitMicros)
	if room == 0 {
		return Decision{}, skipNoRoom
	}
	if room < size {
		size = room
	}
	size -= size % clob.SizeStepMicros
	if size == 0 {
		return Decision{}, skipZeroSize
	}

	best.SizeMicros = size
	best.NotionalMicros = micros.Cost(size, best.LimitMicros)
	if best.NotionalMicros < cfg.MinOrderQuoteMicros {
		return Decision{}, skipBelowMin
	}
	return best, ""
}
