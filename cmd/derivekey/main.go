// Command derivekey derives the L2 API credential triple for the configured
// wallet and prints it in .env form, ready to paste as CLOB_API_KEY,
// CLOB_SECRET and CLOB_PASSPHRASE. The venue returns the same triple for the
// same wallet and nonce; rotate the nonce to mint a fresh one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"polytaker/internal/clob"
	"polytaker/internal/config"
)

func main() {
	log.SetFlags(0)

	host := flag.String("host", "", "CLOB REST host (overrides CLOB_HOST)")
	nonce := flag.Uint64("nonce", 0, "credential nonce; a new nonce yields a new triple")
	timeout := flag.Duration("timeout", 15*time.Second, "request timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if *host != "" {
		cfg.ClobHost = *host
	}

	wallet, err := cfg.Wallet()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	client, err := clob.NewClient(cfg.ClobHost, cfg.ChainID, wallet, cfg.FunderAddress(), cfg.SignatureType)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	creds, err := client.EnsureCreds(ctx, *nonce, true)
	if err != nil {
		log.Fatalf("[fatal] derive creds: %v", err)
	}

	fmt.Printf("# signer %s nonce %d\n", client.SignerAddress().Hex(), *nonce)
	fmt.Printf("CLOB_API_KEY=%s\n", creds.Key)
	fmt.Printf("CLOB_SECRET=%s\n", creds.Secret)
	fmt.Printf("CLOB_PASSPHRASE=%s\n", creds.Passphrase)
}
