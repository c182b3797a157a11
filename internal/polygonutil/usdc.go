// Package polygonutil reads USDC wallet state off Polygon with raw eth_call
// requests: no generated bindings for two view functions. The taker runs the
// preflight once at startup; cmd/balance exposes the same snapshot.
package polygonutil

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	orderconfig "github.com/polymarket/go-order-utils/pkg/config"
)

const USDCTokenDecimals = 6

// USDCTokenAddress is the bridged USDC contract on Polygon, the venue's
// collateral token.
var USDCTokenAddress = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

var (
	erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	erc20AllowanceSelector = crypto.Keccak256([]byte("allowance(address,address)"))[:4]
)

// Report is the startup USDC snapshot for one wallet against the exchange
// its orders settle through.
type Report struct {
	Owner           common.Address
	Exchange        common.Address
	BalanceMicros   uint64
	AllowanceMicros uint64
}

// ShortBalance reports whether the wallet cannot fund the exposure cap.
// Worth a warning, not an exit: smaller orders may still settle.
func (r Report) ShortBalance(maxExposureMicros uint64) bool {
	return r.BalanceMicros < maxExposureMicros
}

// MissingAllowance reports whether the exchange cannot pull collateral at
// all. Every live order would be rejected, so startup fails fast on it.
func (r Report) MissingAllowance() bool {
	return r.AllowanceMicros == 0
}

// ExchangeFor picks the settlement contract for the market type.
func ExchangeFor(chainID int64, negRisk bool) (common.Address, error) {
	contracts, err := orderconfig.GetContracts(chainID)
	if err != nil {
		return common.Address{}, fmt.Errorf("contracts for chain %d: %w", chainID, err)
	}
	if negRisk {
		return contracts.NegRiskExchange, nil
	}
	return contracts.Exchange, nil
}

// Exchanges lists every settlement contract that emits OrderFilled on the
// chain, plain and neg-risk both. The fills watcher subscribes to all of
// them so fills from either market type are seen.
func Exchanges(chainID int64) ([]common.Address, error) {
	contracts, err := orderconfig.GetContracts(chainID)
	if err != nil {
		return nil, fmt.Errorf("contracts for chain %d: %w", chainID, err)
	}
	return []common.Address{contracts.Exchange, contracts.NegRiskExchange}, nil
}

// USDCPreflight reads the wallet balance and the settlement exchange's
// allowance in one RPC session.
func USDCPreflight(ctx context.Context, rpcURL string, owner common.Address, chainID int64, negRisk bool) (Report, error) {
	exchange, err := ExchangeFor(chainID, negRisk)
	if err != nil {
		return Report{}, err
	}
	balance, allowances, err := USDCTokenBalanceAndAllowancesMicros(ctx, rpcURL, owner, []common.Address{exchange})
	if err != nil {
		return Report{}, err
	}
	return Report{
		Owner:           owner,
		Exchange:        exchange,
		BalanceMicros:   balance,
		AllowanceMicros: allowances[exchange],
	}, nil
}

// USDCTokenBalanceMicros reads balanceOf(owner). USDC has 6 decimals, so the
// raw value is already micros.
func USDCTokenBalanceMicros(ctx context.Context, rpcURL string, owner common.Address) (uint64, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return 0, fmt.Errorf("polygon RPC URL missing")
	}
	if (owner == common.Address{}) {
		return 0, fmt.Errorf("owner address missing")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return 0, fmt.Errorf("dial polygon RPC: %w", err)
	}
	defer client.Close()

	data := make([]byte, 0, 4+32)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &USDCTokenAddress, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("usdc balanceOf(%s): %w", owner.Hex(), err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("usdc balanceOf returned empty result")
	}

	bal := new(big.Int).SetBytes(out)
	if !bal.IsUint64() {
		return 0, fmt.Errorf("usdc balance overflows uint64")
	}
	return bal.Uint64(), nil
}

// USDCTokenBalanceAndAllowancesMicros reads balanceOf(owner) plus
// allowance(owner, spender) for each spender over one connection.
func USDCTokenBalanceAndAllowancesMicros(ctx context.Context, rpcURL string, owner common.Address, spenders []common.Address) (balanceMicros uint64, allowances map[common.Address]uint64, err error) {
	if strings.TrimSpace(rpcURL) == "" {
		return 0, nil, fmt.Errorf("polygon RPC URL missing")
	}
	if (owner == common.Address{}) {
		return 0, nil, fmt.Errorf("owner address missing")
	}

	uniqueSpenders := make([]common.Address, 0, len(spenders))
	seen := make(map[common.Address]struct{}, len(spenders))
	for _, sp := range spenders {
		if (sp == common.Address{}) {
			continue
		}
		if _, ok := seen[sp]; ok {
			continue
		}
		seen[sp] = struct{}{}
		uniqueSpenders = append(uniqueSpenders, sp)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return 0, nil, fmt.Errorf("dial polygon RPC: %w", err)
	}
	defer client.Close()

	callUint256 := func(to common.Address, data []byte) (*big.Int, error) {
		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty result")
		}
		return new(big.Int).SetBytes(out), nil
	}

	balData := make([]byte, 0, 4+32)
	balData = append(balData, erc20BalanceOfSelector...)
	balData = append(balData, common.LeftPadBytes(owner.Bytes(), 32)...)
	bal, err := callUint256(USDCTokenAddress, balData)
	if err != nil {
		return 0, nil, fmt.Errorf("usdc balanceOf(%s): %w", owner.Hex(), err)
	}
	if !bal.IsUint64() {
		return 0, nil, fmt.Errorf("usdc balance overflows uint64")
	}

	allowances = make(map[common.Address]uint64, len(uniqueSpenders))
	for _, sp := range uniqueSpenders {
		data := make([]byte, 0, 4+32+32)
		data = append(data, erc20AllowanceSelector...)
		data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
		data = append(data, common.LeftPadBytes(sp.Bytes(), 32)...)
		a, err := callUint256(USDCTokenAddress, data)
		if err != nil {
			return 0, nil, fmt.Errorf("usdc allowance(%s,%s): %w", owner.Hex(), sp.Hex(), err)
		}
		allowances[sp] = uint64FromUint256Saturating(a)
	}

	return bal.Uint64(), allowances, nil
}

// uint64FromUint256Saturating clamps uint256 values into uint64. Balances
// fit; allowances are frequently max(uint256) and saturate.
func uint64FromUint256Saturating(x *big.Int) uint64 {
	if x == nil || x.Sign() <= 0 {
		return 0
	}
	if x.IsUint64() {
		return x.Uint64()
	}
	return math.MaxUint64
}
