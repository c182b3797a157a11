package clob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	AssetTypeCollateral  = "COLLATERAL"
	AssetTypeConditional = "CONDITIONAL"
)

// BalanceAllowance is the venue's view of spendable funds. Values are
// decimal strings of 1e6 base units.
type BalanceAllowance struct {
	Balance    decimalString            `json:"balance"`
	Allowances map[string]decimalString `json:"allowances"`
}

// GetBalanceAllowance fetches balance and exchange allowances for the
// collateral token or a conditional token. Preflight uses it to confirm the
// funder can actually cover max exposure before the engine starts.
func (c *Client) GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*BalanceAllowance, error) {
	assetType = strings.TrimSpace(assetType)
	if assetType == "" {
		assetType = AssetTypeCollateral
	}

	q := url.Values{}
	q.Set("asset_type", assetType)
	if tokenID = strings.TrimSpace(tokenID); tokenID != "" {
		q.Set("token_id", tokenID)
	}
	q.Set("signature_type", strconv.Itoa(c.sigType))

	headers, err := c.L2Headers(nowUnixSeconds(), http.MethodGet, "/balance-allowance", nil)
	if err != nil {
		return nil, err
	}

	var resp BalanceAllowance
	if err := c.doJSON(ctx, http.MethodGet, "/balance-allowance", q, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateBalanceAllowance asks the venue to refresh its cached on-chain view.
func (c *Client) UpdateBalanceAllowance(ctx context.Context, assetType, tokenID string) error {
	assetType = strings.TrimSpace(assetType)
	if assetType == "" {
		assetType = AssetTypeCollateral
	}

	q := url.Values{}
	q.Set("asset_type", assetType)
	if tokenID = strings.TrimSpace(tokenID); tokenID != "" {
		q.Set("token_id", tokenID)
	}
	q.Set("signature_type", strconv.Itoa(c.sigType))

	headers, err := c.L2Headers(nowUnixSeconds(), http.MethodGet, "/balance-allowance/update", nil)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodGet, "/balance-allowance/update", q, headers, nil)
}

// CollateralBalanceMicros returns the spendable collateral in micro-units.
func (c *Client) CollateralBalanceMicros(ctx context.Context) (uint64, error) {
	ba, err := c.GetBalanceAllowance(ctx, AssetTypeCollateral, "")
	if err != nil {
		return 0, err
	}
	bal := strings.TrimSpace(string(ba.Balance))
	if bal == "" {
		return 0, fmt.Errorf("balance missing in response")
	}
	v, err := strconv.ParseUint(bal, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", bal, err)
	}
	return v, nil
}
