// Command redeem converts resolved outcome tokens back to USDC. It lists the
// wallet's redeemable positions from the data API, groups them into one
// claim per condition, and with --enable sends the redemption transactions
// from the EOA key. Without --enable it only prints what it would do.
// --every re-runs on an interval, for running it as a sweeper next to the
// taker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"polytaker/internal/config"
	"polytaker/internal/ctf"
	"polytaker/internal/dataapi"
	"polytaker/internal/micros"
)

const (
	positionsPageLimit = 500
	maxPositionsOffset = 10_000
)

func main() {
	log.SetFlags(0)

	enable := flag.Bool("enable", false, "send redemption transactions (default: list only)")
	every := flag.Duration("every", 0, "re-run on this interval; 0 runs once")
	sizeThreshold := flag.Float64("size-threshold", 1, "minimum redeemable size in tokens")
	rpcFlag := flag.String("rpc", "", "Polygon JSON-RPC endpoint (overrides POLYGON_RPC_URL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if *rpcFlag != "" {
		cfg.PolygonRPCURL = *rpcFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *every <= 0 {
		if err := runOnce(ctx, cfg, *sizeThreshold, *enable); err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		return
	}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		if err := runOnce(ctx, cfg, *sizeThreshold, *enable); err != nil {
			log.Printf("[warn] redeem run failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, cfg *config.Config, sizeThreshold float64, enable bool) error {
	owner, err := ownerAddress(cfg)
	if err != nil {
		return err
	}

	dataClient, err := dataapi.NewClient(cfg.DataAPIHost)
	if err != nil {
		return err
	}
	positions, err := fetchRedeemable(ctx, dataClient, owner.Hex(), sizeThreshold)
	if err != nil {
		return err
	}

	claims, skipped := ctf.BuildClaims(positions)
	if skipped > 0 {
		log.Printf("[warn] skipped %d malformed position(s)", skipped)
	}
	if len(claims) == 0 {
		log.Printf("[redeem] user=%s nothing to redeem", owner.Hex())
		return nil
	}

	for _, claim := range claims {
		title, outcome := claim.Title()
		if claim.NegRisk {
			log.Printf("[redeem] ready condition=%s kind=neg_risk size=%s title=%q outcome=%q",
				claim.ConditionID.Hex(), micros.Format(claim.SizeTotal()), title, outcome)
		} else {
			log.Printf("[redeem] ready condition=%s kind=plain index_sets=%s size=%s title=%q outcome=%q",
				claim.ConditionID.Hex(), ctf.FormatIndexSets(claim.IndexSets),
				micros.Format(claim.SizeTotal()), title, outcome)
		}
	}

	if !enable {
		log.Printf("[redeem] dry run: pass --enable to send %d transaction(s)", len(claims))
		return nil
	}

	// Redemptions spend from the EOA. Proxy and Safe wallets hold their
	// positions under the proxy contract, which this tool cannot act for.
	if cfg.SignatureType != 0 {
		return fmt.Errorf("redeem sends from the EOA key; SIGNATURE_TYPE %d not supported", cfg.SignatureType)
	}
	wallet, err := cfg.Wallet()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.PolygonRPCURL) == "" {
		return fmt.Errorf("POLYGON_RPC_URL required to send transactions (or pass --rpc)")
	}

	client, err := ethclient.DialContext(ctx, cfg.PolygonRPCURL)
	if err != nil {
		return fmt.Errorf("dial polygon rpc: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain id: %w", err)
	}
	contracts, err := ctf.ResolveContracts(ctx, client, chainID.Int64())
	if err != nil {
		return err
	}
	redeemer, err := ctf.NewRedeemer(client, contracts, wallet, chainID)
	if err != nil {
		return err
	}

	for _, claim := range claims {
		receipt, err := redeemer.Redeem(ctx, claim)
		if err != nil {
			log.Printf("[warn] redeem condition=%s failed: %v", claim.ConditionID.Hex(), err)
			continue
		}
		log.Printf("[redeem] confirmed tx=%s condition=%s gas_used=%d",
			receipt.TxHash.Hex(), claim.ConditionID.Hex(), receipt.GasUsed)
	}
	return nil
}

// fetchRedeemable pages through the wallet's redeemable positions. The API
// caps pages at 500; the offset cap bounds a runaway wallet.
func fetchRedeemable(ctx context.Context, client *dataapi.Client, user string, sizeThreshold float64) ([]dataapi.Position, error) {
	redeemable := true
	out := make([]dataapi.Position, 0, positionsPageLimit)
	for offset := 0; offset < maxPositionsOffset; {
		batch, err := client.GetPositions(ctx, dataapi.PositionsParams{
			User:          user,
			Redeemable:    &redeemable,
			SizeThreshold: &sizeThreshold,
			Limit:         positionsPageLimit,
			Offset:        offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < positionsPageLimit {
			break
		}
		offset += len(batch)
	}
	return out, nil
}

func ownerAddress(cfg *config.Config) (common.Address, error) {
	if f := strings.TrimSpace(cfg.Funder); f != "" {
		if !common.IsHexAddress(f) {
			return common.Address{}, fmt.Errorf("invalid FUNDER %q", f)
		}
		return common.HexToAddress(f), nil
	}
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		wallet, err := cfg.Wallet()
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(wallet.PublicKey), nil
	}
	return common.Address{}, fmt.Errorf("wallet required: set FUNDER or PRIVATE_KEY")
}
