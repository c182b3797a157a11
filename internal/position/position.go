// Package position tracks holdings, deployed cash, and realized PnL, and
// owns the single in-flight order slot that gates new submissions. The
// decision loop claims the slot; the user-channel tracker applies fills and
// releases it.
package position

import (
	"sync"
	"time"

	"polytaker/internal/clob"
	"polytaker/internal/metrics"
	"polytaker/internal/micros"
)

// Fill is one confirmed execution reported by the user channel.
type Fill struct {
	OrderID     string
	TokenID     string
	Side        clob.Side
	PriceMicros uint64
	SizeMicros  uint64
}

// Holding is the persisted per-token state. CostMicros is the remaining
// basis of the long position; SizeMicros/CostMicros gives the weighted
// average entry.
type Holding struct {
	SizeMicros int64  `json:"size_micros"`
	CostMicros uint64 `json:"cost_micros"`
}

// Snapshot is the checkpointable view of the gate.
type Snapshot struct {
	CashDeployedMicros uint64             `json:"cash_deployed_micros"`
	RealizedPnLMicros  int64              `json:"realized_pnl_micros"`
	Holdings           map[string]Holding `json:"holdings,omitempty"`
}

type holding struct {
	sizeMicros int64
	costMicros uint64
}

// Gate enforces the exposure cap and the single-flight rule.
type Gate struct {
	maxExposureMicros uint64

	mu           sync.Mutex
	cashDeployed uint64
	realizedPnL  int64
	holdings     map[string]*holding
	inFlight     bool
	claimedAt    time.Time
}

func NewGate(maxExposureMicros uint64) *Gate {
	return &Gate{
		maxExposureMicros: maxExposureMicros,
		holdings:          make(map[string]*holding),
	}
}

// headroomMicros is the quote amount still spendable under the exposure cap.
// Callers hold mu. A restored checkpoint may sit above a lowered cap; that
// reads as zero headroom rather than an underflow.
func (g *Gate) headroomMicros() uint64 {
	if g.cashDeployed >= g.maxExposureMicros {
		return 0
	}
	return g.maxExposureMicros - g.cashDeployed
}

// CanBuy reports whether spending notionalMicros keeps deployed cash within
// the exposure cap.
func (g *Gate) CanBuy(notionalMicros uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return notionalMicros <= g.headroomMicros()
}

// CanSell reports whether sizeMicros tokens are actually held. Shorting is
// not supported; a sell may never exceed the position.
func (g *Gate) CanSell(tokenID string, sizeMicros uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.holdings[tokenID]
	return h != nil && h.sizeMicros > 0 && uint64(h.sizeMicros) >= sizeMicros
}

// RemainingRoom returns the largest order size, in token micros, the gate
// permits at the given limit price. For buys that is the exposure headroom
// converted at the limit; for sells it is the held token amount.
func (g *Gate) RemainingRoom(side clob.Side, tokenID string, limitPriceMicros uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if side == clob.SideSell {
		h := g.holdings[tokenID]
		if h == nil || h.sizeMicros <= 0 {
			return 0
		}
		return uint64(h.sizeMicros)
	}
	if limitPriceMicros == 0 {
		return 0
	}
	return micros.SharesFromQuote(g.headroomMicros(), limitPriceMicros)
}

// ClaimInflight takes the single order slot. It returns false if the slot is
// already held; the caller must not submit in that case.
func (g *Gate) ClaimInflight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight {
		return false
	}
	g.inFlight = true
	g.claimedAt = time.Now()
	metrics.SetInFlight(1)
	return true
}

// ReleaseInflight frees the order slot. Releasing an idle slot is a no-op,
// so submit failure paths and the fill tracker may both call it.
func (g *Gate) ReleaseInflight() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inFlight {
		return
	}
	g.inFlight = false
	g.claimedAt = time.Time{}
	metrics.SetInFlight(0)
}

func (g *Gate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// InFlightFor reports how long the current claim has been held. ok is false
// when the slot is idle.
func (g *Gate) InFlightFor() (d time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inFlight {
		return 0, false
	}
	return time.Since(g.claimedAt), true
}

// ApplyFill folds one confirmed fill into the position and returns the
// realized PnL delta in quote micros (zero for buys).
//
// Buys add size×price to both deployed cash and the token's basis. Sells
// remove basis proportionally, so (proceeds − removed basis) equals
// (fill price − weighted average entry) × size without rounding drift, and a
// flat exit clears the basis exactly. Deployed cash falls by the sale
// proceeds, saturating at zero.
func (g *Gate) ApplyFill(f Fill) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := g.holdings[f.TokenID]
	if h == nil {
		h = &holding{}
		g.holdings[f.TokenID] = h
	}
	notional := micros.Cost(f.SizeMicros, f.PriceMicros)

	var realizedDelta int64
	if f.Side == clob.SideSell {
		var removedCost uint64
		if held := h.sizeMicros; held > 0 {
			covered := f.SizeMicros
			if covered > uint64(held) {
				covered = uint64(held)
			}
			removedCost = micros.MulDiv(h.costMicros, covered, uint64(held))
		}
		h.costMicros -= removedCost
		h.sizeMicros -= int64(f.SizeMicros)
		realizedDelta = int64(notional) - int64(removedCost)
		g.realizedPnL += realizedDelta
		if notional >= g.cashDeployed {
			g.cashDeployed = 0
		} else {
			g.cashDeployed -= notional
		}
	} else {
		h.sizeMicros += int64(f.SizeMicros)
		h.costMicros += notional
		g.cashDeployed += notional
	}

	if h.sizeMicros == 0 && h.costMicros == 0 {
		delete(g.holdings, f.TokenID)
	}

	metrics.SetCashDeployed(g.cashDeployed)
	metrics.SetRealizedPnL(g.realizedPnL)
	return realizedDelta
}

// HeldMicros returns the signed token position.
func (g *Gate) HeldMicros(tokenID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.holdings[tokenID]
	if h == nil {
		return 0
	}
	return h.sizeMicros
}

// AvgEntryMicros returns the volume-weighted entry price for a held token,
// or zero when the position is flat or short.
func (g *Gate) AvgEntryMicros(tokenID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.holdings[tokenID]
	if h == nil || h.sizeMicros <= 0 {
		return 0
	}
	return micros.MulDiv(h.costMicros, micros.Scale, uint64(h.sizeMicros))
}

func (g *Gate) CashDeployedMicros() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cashDeployed
}

func (g *Gate) RealizedPnLMicros() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.realizedPnL
}

func (g *Gate) MaxExposureMicros() uint64 {
	return g.maxExposureMicros
}

// Snapshot copies the persistable state. The in-flight slot is deliberately
// not persisted; a restart starts with the slot free.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		CashDeployedMicros: g.cashDeployed,
		RealizedPnLMicros:  g.realizedPnL,
	}
	if len(g.holdings) > 0 {
		snap.Holdings = make(map[string]Holding, len(g.holdings))
		for token, h := range g.holdings {
			snap.Holdings[token] = Holding{SizeMicros: h.sizeMicros, CostMicros: h.costMicros}
		}
	}
	return snap
}

// Restore replaces the gate's state with a checkpoint. Cash above the
// current exposure cap is kept as-is and simply blocks new buys.
func (g *Gate) Restore(snap Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cashDeployed = snap.CashDeployedMicros
	g.realizedPnL = snap.RealizedPnLMicros
	g.holdings = make(map[string]*holding, len(snap.Holdings))
	for token, h := range snap.Holdings {
		if h.SizeMicros == 0 && h.CostMicros == 0 {
			continue
		}
		g.holdings[token] = &holding{sizeMicros: h.SizeMicros, costMicros: h.CostMicros}
	}
	metrics.SetCashDeployed(g.cashDeployed)
	metrics.SetRealizedPnL(g.realizedPnL)
}
