package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"polytaker/internal/micros"
)

// OrderBookSummary is the REST snapshot from /book. Levels are decimal
// strings as sent; use BestBidMicros/BestAskMicros for arithmetic.
type OrderBookSummary struct {
	Market    string        `json:"market"`
	AssetID   string        `json:"asset_id"`
	Timestamp string        `json:"timestamp"`
	Bids      []PriceLevel  `json:"bids"`
	Asks      []PriceLevel  `json:"asks"`
	MinOrder  string        `json:"min_order_size"`
	TickSize  decimalString `json:"tick_size"`
	NegRisk   bool          `json:"neg_risk"`
	Hash      string        `json:"hash"`
}

type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BestBidMicros scans for the highest bid. The venue sorts REST levels
// best-last, but scanning keeps us independent of that.
func (b *OrderBookSummary) BestBidMicros() (uint64, bool) {
	var best uint64
	found := false
	for _, lv := range b.Bids {
		p, err := micros.Parse(lv.Price)
		if err != nil {
			continue
		}
		if !found || p > best {
			best = p
			found = true
		}
	}
	return best, found
}

// BestAskMicros scans for the lowest ask.
func (b *OrderBookSummary) BestAskMicros() (uint64, bool) {
	var best uint64
	found := false
	for _, lv := range b.Asks {
		p, err := micros.Parse(lv.Price)
		if err != nil {
			continue
		}
		if !found || p < best {
			best = p
			found = true
		}
	}
	return best, found
}

// decimalString canonicalizes number-or-string JSON decimals: trailing
// fraction zeros trimmed, a leading zero before the point.
type decimalString string

func (d *decimalString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = decimalString(canonicalDecimal(s))
		return nil
	}
	*d = decimalString(canonicalDecimal(string(b)))
	return nil
}

func canonicalDecimal(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	if strings.Contains(s, ".") {
		parts := strings.SplitN(s, ".", 2)
		frac := strings.TrimRight(parts[1], "0")
		if frac == "" {
			return parts[0]
		}
		return parts[0] + "." + frac
	}
	return s
}

type tickSizeResp struct {
	MinimumTickSize decimalString `json:"minimum_tick_size"`
}

type negRiskResp struct {
	NegRisk bool `json:"neg_risk"`
}

// SeedTickSize primes the per-token cache, used by config overrides.
func (c *Client) SeedTickSize(tokenID, tickSize string) {
	tickSize = canonicalDecimal(tickSize)
	if tokenID == "" || tickSize == "" {
		return
	}
	c.mu.Lock()
	c.tickSize[tokenID] = tickSize
	c.mu.Unlock()
}

// SeedNegRisk primes the per-token neg-risk cache.
func (c *Client) SeedNegRisk(tokenID string, negRisk bool) {
	if tokenID == "" {
		return
	}
	c.mu.Lock()
	c.negRisk[tokenID] = negRisk
	c.mu.Unlock()
}

// GetTickSize returns the token's minimum tick as a canonical decimal
// string, cached after the first fetch. Tick size is immutable for the
// lifetime of a market, so the cache never expires.
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (string, error) {
	c.mu.RLock()
	if v, ok := c.tickSize[tokenID]; ok && v != "" {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	params := url.Values{"token_id": []string{tokenID}}
	var resp tickSizeResp
	if err := c.doJSON(ctx, http.MethodGet, "/tick-size", params, nil, &resp); err != nil {
		return "", err
	}
	tick := string(resp.MinimumTickSize)
	if tick == "" {
		return "", fmt.Errorf("tick size missing in response")
	}

	c.mu.Lock()
	c.tickSize[tokenID] = tick
	c.mu.Unlock()
	return tick, nil
}

// GetTickSizeMicros is GetTickSize in micro-units.
func (c *Client) GetTickSizeMicros(ctx context.Context, tokenID string) (uint64, error) {
	tick, err := c.GetTickSize(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	m, err := micros.Parse(tick)
	if err != nil || m == 0 {
		return 0, fmt.Errorf("bad tick size %q: %w", tick, err)
	}
	return m, nil
}

// GetNegRisk reports whether the token settles through the neg-risk adapter,
// which selects the exchange contract orders are signed against.
func (c *Client) GetNegRisk(ctx context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	if v, ok := c.negRisk[tokenID]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	params := url.Values{"token_id": []string{tokenID}}
	var resp negRiskResp
	if err := c.doJSON(ctx, http.MethodGet, "/neg-risk", params, nil, &resp); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.negRisk[tokenID] = resp.NegRisk
	c.mu.Unlock()
	return resp.NegRisk, nil
}

// GetOrderBook fetches the REST book snapshot. The trading path maintains
// its own book off the WebSocket; this is for preflight checks and tooling.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBookSummary, error) {
	params := url.Values{"token_id": []string{tokenID}}
	var book OrderBookSummary
	if err := c.doJSON(ctx, http.MethodGet, "/book", params, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}
