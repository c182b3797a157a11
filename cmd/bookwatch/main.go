// Command bookwatch subscribes to the market channel and prints top-of-book
// for both outcome tokens as it changes. It trades nothing and needs no
// credentials; point it at a market to eyeball feed health, spreads and
// resync behavior before letting the taker loose.
//
// Rows go to stdout; stream diagnostics go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/book"
	"polytaker/internal/config"
	"polytaker/internal/gamma"
	"polytaker/internal/micros"
)

func main() {
	log.SetFlags(0)

	slug := flag.String("slug", "", "market slug to resolve via Gamma (overrides MARKET_SLUG)")
	yes := flag.String("yes", "", "YES token ID (overrides YES_TOKEN_ID)")
	no := flag.String("no", "", "NO token ID (overrides NO_TOKEN_ID)")
	every := flag.Duration("every", 0, "minimum interval between rows; 0 prints every change")
	verbose := flag.Bool("v", false, "stream info logs on stderr, not just warnings")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if *slug != "" {
		cfg.MarketSlug = *slug
	}
	if *yes != "" {
		cfg.YesTokenID = *yes
	}
	if *no != "" {
		cfg.NoTokenID = *no
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	yesID := strings.TrimSpace(cfg.YesTokenID)
	noID := strings.TrimSpace(cfg.NoTokenID)
	if yesID == "" || noID == "" {
		marketSlug := strings.TrimSpace(cfg.MarketSlug)
		if marketSlug == "" {
			log.Fatalf("[fatal] set YES_TOKEN_ID/NO_TOKEN_ID or MARKET_SLUG (or pass --slug)")
		}
		gammaClient, err := gamma.NewClient(cfg.GammaHost)
		if err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		market, err := gammaClient.ResolveMarket(rctx, marketSlug)
		cancel()
		if err != nil {
			log.Fatalf("[fatal] resolve market %q: %v", marketSlug, err)
		}
		yesID, noID = market.YesTokenID, market.NoTokenID
		fmt.Printf("# %s  (%s)\n", market.Question, market.Slug)
	}

	watch := book.NewWatch()
	stream := book.NewStream(cfg.MarketWSURL(), []string{yesID, noID}, book.StreamOptions{})
	maintainer := book.NewMaintainer(stream, watch, yesID, noID, logger)

	go func() {
		if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("[fatal] book: %v", err)
		}
		stop()
	}()

	var lastRow time.Time
	for {
		ch := watch.Changed()
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		if *every > 0 && time.Since(lastRow) < *every {
			continue
		}
		lastRow = time.Now()

		snap := watch.Load()
		fmt.Printf("%s  yes[%s]  no[%s]  seq=%d\n",
			lastRow.Format("15:04:05.000"),
			sideString(snap.Yes, snap.YesReady),
			sideString(snap.No, snap.NoReady),
			snap.Seq)
	}
}

// sideString renders one token book as "bid@depth / ask@depth sp=spread",
// or a warming-up marker before the first snapshot lands.
func sideString(b book.Book, ready bool) string {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if !ready || !hasBid || !hasAsk {
		return "warming up"
	}
	spread := int64(ask.PriceMicros) - int64(bid.PriceMicros)
	return fmt.Sprintf("%s@%s / %s@%s sp=%s",
		micros.Format(bid.PriceMicros), micros.Format(bid.DepthMicros),
		micros.Format(ask.PriceMicros), micros.Format(ask.DepthMicros),
		micros.FormatSigned(spread))
}
