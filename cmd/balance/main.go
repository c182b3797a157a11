// Command balance prints the wallet's USDC state: the on-chain balance, the
// allowance each settlement exchange holds, and, when a wallet key is
// configured, the collateral balance the venue reports. A balance below
// MAX_EXPOSURE gets a warning; a zero allowance is what makes the taker
// refuse to start.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"polytaker/internal/clob"
	"polytaker/internal/config"
	"polytaker/internal/micros"
	"polytaker/internal/polygonutil"
)

func main() {
	log.SetFlags(0)

	addrFlag := flag.String("address", "", "wallet to report on (default FUNDER, then the PRIVATE_KEY signer)")
	rpcFlag := flag.String("rpc", "", "Polygon JSON-RPC endpoint (overrides POLYGON_RPC_URL)")
	timeout := flag.Duration("timeout", 12*time.Second, "request timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if *rpcFlag != "" {
		cfg.PolygonRPCURL = *rpcFlag
	}
	if strings.TrimSpace(cfg.PolygonRPCURL) == "" {
		log.Fatalf("[fatal] POLYGON_RPC_URL required (or pass --rpc)")
	}

	owner, ownerSrc, err := resolveOwner(*addrFlag, cfg)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	exchanges, err := polygonutil.Exchanges(cfg.ChainID)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	balance, allowances, err := polygonutil.USDCTokenBalanceAndAllowancesMicros(ctx, cfg.PolygonRPCURL, owner, exchanges)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	fmt.Printf("owner: %s (%s)\n", owner.Hex(), ownerSrc)
	fmt.Printf("usdc_balance: %s\n", micros.Format(balance))
	for _, ex := range exchanges {
		fmt.Printf("allowance %s: %s\n", ex.Hex(), micros.Format(allowances[ex]))
	}
	if balance < cfg.MaxExposure.Micros() {
		log.Printf("[warn] balance %s is below MAX_EXPOSURE %s",
			micros.Format(balance), micros.Format(cfg.MaxExposure.Micros()))
	}

	if strings.TrimSpace(cfg.PrivateKey) == "" {
		return
	}
	venueMicros, err := venueCollateral(ctx, cfg)
	if err != nil {
		log.Printf("[warn] venue collateral skipped: %v", err)
		return
	}
	fmt.Printf("venue_collateral: %s\n", micros.Format(venueMicros))
}

// venueCollateral asks the CLOB for the collateral balance it credits the
// wallet. Uses the configured credential triple, deriving one if absent.
func venueCollateral(ctx context.Context, cfg *config.Config) (uint64, error) {
	wallet, err := cfg.Wallet()
	if err != nil {
		return 0, err
	}
	client, err := clob.NewClient(cfg.ClobHost, cfg.ChainID, wallet, cfg.FunderAddress(), cfg.SignatureType)
	if err != nil {
		return 0, err
	}
	if creds, ok := cfg.Creds(); ok {
		client.SetCreds(creds)
	} else if _, err := client.EnsureCreds(ctx, 0, true); err != nil {
		return 0, err
	}
	return client.CollateralBalanceMicros(ctx)
}

func resolveOwner(addrFlag string, cfg *config.Config) (common.Address, string, error) {
	if raw := strings.TrimSpace(addrFlag); raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, "", fmt.Errorf("invalid --address %q", raw)
		}
		return common.HexToAddress(raw), "--address", nil
	}
	if f := strings.TrimSpace(cfg.Funder); f != "" {
		if !common.IsHexAddress(f) {
			return common.Address{}, "", fmt.Errorf("invalid FUNDER %q", f)
		}
		return common.HexToAddress(f), "FUNDER", nil
	}
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		wallet, err := cfg.Wallet()
		if err != nil {
			return common.Address{}, "", err
		}
		return crypto.PubkeyToAddress(wallet.PublicKey), "PRIVATE_KEY", nil
	}
	return common.Address{}, "", fmt.Errorf("wallet required: set FUNDER or PRIVATE_KEY, or pass --address")
}
