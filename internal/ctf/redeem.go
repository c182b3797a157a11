// Package ctf converts resolved outcome tokens back to collateral.
// Plain binary markets redeem straight against the ConditionalTokens
// contract; neg-risk markets hold wrapped tokens and must route through the
// adapter that unwraps them.
package ctf

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	orderconfig "github.com/polymarket/go-order-utils/pkg/config"
	exchangefees "github.com/polymarket/go-order-utils/pkg/contracts/exchange-fees"
)

const ctfABIJSON = `[
  {"inputs":[
    {"internalType":"address","name":"collateralToken","type":"address"},
    {"internalType":"bytes32","name":"parentCollectionId","type":"bytes32"},
    {"internalType":"bytes32","name":"conditionId","type":"bytes32"},
    {"internalType":"uint256[]","name":"indexSets","type":"uint256[]"}
  ],"name":"redeemPositions","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const negRiskABIJSON = `[
  {"inputs":[
    {"internalType":"bytes32","name":"_conditionId","type":"bytes32"},
    {"internalType":"uint256[]","name":"_amounts","type":"uint256[]"}
  ],"name":"redeemPositions","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// NegRiskAdapterAddress wraps and unwraps neg-risk outcome tokens on
// Polygon.
var NegRiskAdapterAddress = common.HexToAddress("0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296")

const (
	callTimeout    = 8 * time.Second
	receiptTimeout = 3 * time.Minute

	// Redemption gas varies with the number of index sets; the estimate
	// gets this percentage on top.
	gasMarginPct = 20
)

// Contracts holds the three settlement addresses redemption touches.
type Contracts struct {
	Collateral common.Address
	CTF        common.Address
	Adapter    common.Address
}

// ResolveContracts returns the collateral, ConditionalTokens and neg-risk
// adapter addresses for the chain. The exchange fee module's on-chain
// answer wins over the static table when it responds.
func ResolveContracts(ctx context.Context, client *ethclient.Client, chainID int64) (Contracts, error) {
	contracts, err := orderconfig.GetContracts(chainID)
	if err != nil {
		return Contracts{}, fmt.Errorf("contracts for chain %d: %w", chainID, err)
	}
	out := Contracts{
		Collateral: contracts.Collateral,
		CTF:        contracts.Conditional,
		Adapter:    NegRiskAdapterAddress,
	}

	fees, err := exchangefees.NewExchangeFees(contracts.FeeModule, client)
	if err != nil {
		return Contracts{}, fmt.Errorf("exchange fees binding: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if onchain, err := fees.Collateral(&bind.CallOpts{Context: callCtx}); err == nil && onchain != (common.Address{}) {
		out.Collateral = onchain
	}
	if onchain, err := fees.Ctf(&bind.CallOpts{Context: callCtx}); err == nil && onchain != (common.Address{}) {
		out.CTF = onchain
	}

	if out.Collateral == (common.Address{}) {
		return Contracts{}, errors.New("collateral address unresolved")
	}
	if out.CTF == (common.Address{}) {
		return Contracts{}, errors.New("conditional tokens address unresolved")
	}
	return out, nil
}

// Redeemer signs and sends redemption transactions from one EOA key.
type Redeemer struct {
	client    *ethclient.Client
	contracts Contracts
	key       *ecdsa.PrivateKey
	chainID   *big.Int

	ctfABI     abi.ABI
	adapterABI abi.ABI
}

func NewRedeemer(client *ethclient.Client, contracts Contracts, key *ecdsa.PrivateKey, chainID *big.Int) (*Redeemer, error) {
	if key == nil {
		return nil, errors.New("redeemer needs a private key")
	}
	ctfABI, err := abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		return nil, fmt.Errorf("ctf abi: %w", err)
	}
	adapterABI, err := abi.JSON(strings.NewReader(negRiskABIJSON))
	if err != nil {
		return nil, fmt.Errorf("neg-risk adapter abi: %w", err)
	}
	return &Redeemer{
		client:     client,
		contracts:  contracts,
		key:        key,
		chainID:    chainID,
		ctfABI:     ctfABI,
		adapterABI: adapterABI,
	}, nil
}

// Redeem submits one claim and waits for the receipt. Neg-risk claims burn
// per-slot amounts through the adapter; plain claims redeem index sets on
// the ConditionalTokens contract under the root collection.
func (r *Redeemer) Redeem(ctx context.Context, claim Claim) (*types.Receipt, error) {
	var (
		to       common.Address
		calldata []byte
		err      error
	)
	if claim.NegRisk {
		if len(claim.Amounts) == 0 {
			return nil, errors.New("neg-risk claim has no amounts")
		}
		to = r.contracts.Adapter
		calldata, err = r.adapterABI.Pack("redeemPositions", claim.ConditionID, claim.Amounts)
	} else {
		if len(claim.IndexSets) == 0 {
			return nil, errors.New("claim has no index sets")
		}
		to = r.contracts.CTF
		calldata, err = r.ctfABI.Pack("redeemPositions", r.contracts.Collateral, [32]byte{}, claim.ConditionID, claim.IndexSets)
	}
	if err != nil {
		return nil, fmt.Errorf("pack redeem: %w", err)
	}

	tx, err := r.send(ctx, to, calldata)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, r.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

// send estimates gas, pads the estimate, and submits. Estimation doubles as
// the revert preflight: a claim that would fail never costs gas.
func (r *Redeemer) send(ctx context.Context, to common.Address, calldata []byte) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(r.key.PublicKey)

	estCtx, cancel := context.WithTimeout(ctx, callTimeout)
	gas, err := r.client.EstimateGas(estCtx, ethereum.CallMsg{From: from, To: &to, Data: calldata})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.GasLimit = gas + gas*gasMarginPct/100

	contract := bind.NewBoundContract(to, r.ctfABI, r.client, r.client, r.client)
	tx, err := contract.RawTransact(opts, calldata)
	if err != nil {
		return nil, fmt.Errorf("send redeem: %w", err)
	}
	return tx, nil
}
