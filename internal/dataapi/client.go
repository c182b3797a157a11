// Package dataapi reads wallet positions from the public data API. The
// taker uses it once at startup to seed holdings when no checkpoint exists;
// the redeem tool uses it to find resolved positions worth claiming.
package dataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"polytaker/internal/micros"
)

const DefaultURL = "https://data-api.polymarket.com"

// DefaultUserAgent mimics a browser UA to avoid Cloudflare 403s.
const DefaultUserAgent = "Mozilla/5.0"

type Client struct {
	host       string
	httpClient *http.Client
	userAgent  string
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultURL
	}
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("data api url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("data api url must be http(s), got %q", host)
	}

	return &Client{
		host: host,
		httpClient: &http.Client{
			Timeout: 12 * time.Second,
		},
		userAgent: DefaultUserAgent,
	}, nil
}

type PositionsParams struct {
	User          string
	Market        []string // condition ids
	SizeThreshold *float64
	Redeemable    *bool
	Limit         int
	Offset        int
}

// Position is one wallet holding as the data API reports it. Sizes and
// prices arrive as floats; use the micros accessors for arithmetic.
type Position struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurPrice     float64 `json:"curPrice"`
	CashPnl      float64 `json:"cashPnl"`
	RealizedPnl  float64 `json:"realizedPnl"`
	Redeemable   bool    `json:"redeemable"`
	Title        string  `json:"title"`
	Slug         string  `json:"slug"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	NegativeRisk bool    `json:"negativeRisk"`
	EndDate      string  `json:"endDate"`
}

// SizeMicros is the held token amount in micros.
func (p Position) SizeMicros() uint64 { return floatToMicros(p.Size) }

// AvgPriceMicros is the reported average entry in micros.
func (p Position) AvgPriceMicros() uint64 { return floatToMicros(p.AvgPrice) }

// CostMicros is the position basis: size at average entry, in quote micros.
func (p Position) CostMicros() uint64 {
	return micros.Cost(p.SizeMicros(), p.AvgPriceMicros())
}

func floatToMicros(f float64) uint64 {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return uint64(math.Round(f * float64(micros.Scale)))
}

func (c *Client) GetPositions(ctx context.Context, params PositionsParams) ([]Position, error) {
	if c == nil {
		return nil, fmt.Errorf("data api client nil")
	}
	if strings.TrimSpace(params.User) == "" {
		return nil, fmt.Errorf("positions user required")
	}

	q := url.Values{}
	q.Set("user", strings.TrimSpace(params.User))
	if len(params.Market) > 0 {
		q.Set("market", strings.Join(params.Market, ","))
	}
	if params.SizeThreshold != nil {
		q.Set("sizeThreshold", strconv.FormatFloat(*params.SizeThreshold, 'f', -1, 64))
	}
	if params.Redeemable != nil {
		q.Set("redeemable", strconv.FormatBool(*params.Redeemable))
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	endpoint := c.host + "/positions?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		return nil, fmt.Errorf("data api %s: status=%d body=%q", endpoint, resp.StatusCode, body)
	}

	var out []Position
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("data api decode: %w", err)
	}
	return out, nil
}

// TokenHoldings fetches the wallet's positions and keeps those matching the
// given token IDs. Dust below the API's default threshold never arrives, so
// a missing token simply means flat.
func (c *Client) TokenHoldings(ctx context.Context, user string, tokenIDs []string) (map[string]Position, error) {
	wanted := make(map[string]bool, len(tokenIDs))
	for _, id := range tokenIDs {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = true
		}
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("token ids required")
	}

	positions, err := c.GetPositions(ctx, PositionsParams{User: user, Limit: 500})
	if err != nil {
		return nil, err
	}

	out := make(map[string]Position)
	for _, p := range positions {
		if wanted[p.Asset] && p.SizeMicros() > 0 {
			out[p.Asset] = p
		}
	}
	return out, nil
}

func readBodyLimit(r io.Reader, limit int64) string {
	if r == nil {
		return ""
	}
	if limit <= 0 {
		limit = 8 << 10
	}
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(b)
}
