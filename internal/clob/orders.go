package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Resting-order statuses reported by /data/order.
const (
	OrderStatusLive      = "LIVE"
	OrderStatusMatched   = "MATCHED"
	OrderStatusCancelled = "CANCELED"
	OrderStatusDelayed   = "DELAYED"
	OrderStatusUnmatched = "UNMATCHED"
)

// OrderInfo mirrors the /data/order/<order_id> payload. It backs the
// reconciliation poll when the user channel goes quiet on an in-flight order.
type OrderInfo struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Market           string   `json:"market"`
	AssetID          string   `json:"asset_id"`
	Side             string   `json:"side"`
	Price            string   `json:"price"`
	OriginalSize     string   `json:"original_size"`
	SizeMatched      string   `json:"size_matched"`
	AssociatedTrades []string `json:"associate_trades"`
	OrderType        string   `json:"order_type"`
}

type orderInfoResp struct {
	Order *OrderInfo `json:"order"`
}

// GetOrder fetches a single order by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id required")
	}

	path := "/data/order/" + orderID
	headers, err := c.L2Headers(nowUnixSeconds(), http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp orderInfoResp
	if err := c.doJSON(ctx, http.MethodGet, path, nil, headers, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("order missing in response")
	}
	return resp.Order, nil
}

// CancelOrder issues a best-effort cancel for a resting order, used on
// force-release when a GTD remainder may still sit at the venue. FAK and FOK
// orders self-cancel, so a "not canceled" response is not an error worth
// retrying.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("order id required")
	}
	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return err
	}
	headers, err := c.L2Headers(nowUnixSeconds(), http.MethodDelete, "/order", body)
	if err != nil {
		return err
	}
	_, err = c.doJSONBody(ctx, http.MethodDelete, "/order", nil, headers, body, nil)
	return err
}

// MakerOrder is one maker fragment inside a trade.
type MakerOrder struct {
	OrderID       string `json:"order_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	AssetID       string `json:"asset_id"`
	Side          string `json:"side"`
}

// Trade mirrors the /data/trades payload.
type Trade struct {
	ID           string       `json:"id"`
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Side         string       `json:"side"`
	Size         string       `json:"size"`
	Price        string       `json:"price"`
	Status       string       `json:"status"`
	MatchTime    string       `json:"match_time"`
	TakerOrderID string       `json:"taker_order_id"`
	MakerOrders  []MakerOrder `json:"maker_orders"`
}

// TradeParams filters GetTrades.
type TradeParams struct {
	ID     string
	Taker  string
	Maker  string
	Market string
	Before string
	After  string
}

// GetTrades fetches own-account trades, used to reconcile fills across a
// restart.
func (c *Client) GetTrades(ctx context.Context, params TradeParams) ([]Trade, error) {
	q := url.Values{}
	if params.ID != "" {
		q.Set("id", params.ID)
	}
	if params.Taker != "" {
		q.Set("taker", params.Taker)
	}
	if params.Maker != "" {
		q.Set("maker", params.Maker)
	}
	if params.Market != "" {
		q.Set("market", params.Market)
	}
	if params.Before != "" {
		q.Set("before", params.Before)
	}
	if params.After != "" {
		q.Set("after", params.After)
	}

	// The HMAC covers the query string, so sign the joined path.
	signedPath := "/data/trades"
	if len(q) > 0 {
		signedPath += "?" + q.Encode()
	}
	headers, err := c.L2Headers(nowUnixSeconds(), http.MethodGet, signedPath, nil)
	if err != nil {
		return nil, err
	}

	var resp []Trade
	if err := c.doJSON(ctx, http.MethodGet, signedPath, nil, headers, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
