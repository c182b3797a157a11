// Command taker runs the low-latency prediction-market taker. It maintains
// the L2 book over the market channel, ingests oracle probabilities, and
// fires at most one taker order at a time when the oracle disagrees with the
// book by more than the configured edge.
//
// Configuration comes from .env and the environment (see internal/config);
// --dry-run, --metrics-addr and --log-level override it. The process exits 0
// on a clean signal shutdown and non-zero when configuration or credential
// setup fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"polytaker/internal/audit"
	"polytaker/internal/book"
	"polytaker/internal/clob"
	"polytaker/internal/config"
	"polytaker/internal/dataapi"
	"polytaker/internal/engine"
	"polytaker/internal/gamma"
	"polytaker/internal/metrics"
	"polytaker/internal/micros"
	"polytaker/internal/oracle"
	"polytaker/internal/polygonutil"
	"polytaker/internal/polygonwatch"
	"polytaker/internal/position"
	"polytaker/internal/state"
	"polytaker/internal/submit"
	"polytaker/internal/userfeed"
)

// startupTimeout bounds each one-shot startup call (market resolution, creds,
// metadata, preflight, position seed).
const startupTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taker:", err)
		os.Exit(1)
	}
}

func run() error {
	dryRun := flag.Bool("dry-run", false, "log orders instead of posting them (overrides DRY_RUN)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides METRICS_ADDR)")
	logLevel := flag.String("log-level", "", "zerolog level, trace through error (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dry-run":
			cfg.DryRun = *dryRun
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	mode := "live"
	if cfg.DryRun {
		mode = "dry"
	}
	runID := uuid.NewString()
	startedAt := time.Now()
	logger.Info().Str("run_id", runID).Str("mode", mode).Msg("taker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Market identity: an explicit token pair wins, otherwise the slug is
	// resolved through Gamma. A closed market is refused outright.
	yesID := strings.TrimSpace(cfg.YesTokenID)
	noID := strings.TrimSpace(cfg.NoTokenID)
	conditionID := ""
	negRisk, negRiskKnown := false, false
	if cfg.NegRisk != nil {
		negRisk, negRiskKnown = *cfg.NegRisk, true
	}
	if yesID == "" {
		gammaClient, err := gamma.NewClient(cfg.GammaHost)
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, startupTimeout)
		market, err := gammaClient.ResolveMarket(rctx, cfg.MarketSlug)
		cancel()
		if err != nil {
			return fmt.Errorf("resolve market %q: %w", cfg.MarketSlug, err)
		}
		if market.Closed {
			return fmt.Errorf("market %q is closed", cfg.MarketSlug)
		}
		yesID, noID, conditionID = market.YesTokenID, market.NoTokenID, market.ConditionID
		if !negRiskKnown {
			negRisk, negRiskKnown = market.NegRisk, true
		}
		logger.Info().
			Str("slug", market.Slug).
			Str("question", market.Question).
			Str("yes_token", yesID).
			Str("no_token", noID).
			Msg("market resolved")
	}

	// Venue client. The wallet key lives inside it from here on.
	wallet, err := cfg.Wallet()
	if err != nil {
		return err
	}
	venue, err := clob.NewClient(cfg.ClobHost, cfg.ChainID, wallet, cfg.FunderAddress(), cfg.SignatureType)
	if err != nil {
		return err
	}

	creds, haveCreds := cfg.Creds()
	switch {
	case haveCreds:
		venue.SetCreds(creds)
	case cfg.DryRun:
		logger.Info().Msg("dry run without api creds, user channel disabled")
	default:
		cctx, cancel := context.WithTimeout(ctx, startupTimeout)
		creds, err = venue.EnsureCreds(cctx, 0, true)
		cancel()
		if err != nil {
			return fmt.Errorf("derive api creds: %w", err)
		}
		haveCreds = true
		logger.Info().Msg("api creds derived")
	}

	// Market metadata: configured overrides seed the cache, anything missing
	// is fetched once. Both tokens of a market share tick and neg-risk.
	var tickMicros uint64
	if cfg.TickSize != "" {
		venue.SeedTickSize(yesID, cfg.TickSize)
		venue.SeedTickSize(noID, cfg.TickSize)
		tickMicros = cfg.TickSizeMicros()
	} else {
		tctx, cancel := context.WithTimeout(ctx, startupTimeout)
		tickMicros, err = venue.GetTickSizeMicros(tctx, yesID)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch tick size: %w", err)
		}
		venue.SeedTickSize(noID, micros.Format(tickMicros))
	}
	if negRiskKnown {
		venue.SeedNegRisk(yesID, negRisk)
		venue.SeedNegRisk(noID, negRisk)
	} else {
		nctx, cancel := context.WithTimeout(ctx, startupTimeout)
		negRisk, err = venue.GetNegRisk(nctx, yesID)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch neg risk: %w", err)
		}
		venue.SeedNegRisk(noID, negRisk)
	}
	logger.Info().
		Str("tick", micros.Format(tickMicros)).
		Bool("neg_risk", negRisk).
		Str("order_type", string(cfg.ClobOrderType())).
		Msg("market metadata ready")

	// Collateral preflight, live mode only: a missing exchange allowance
	// means every order would be rejected, so refuse to start. A short
	// balance still allows smaller orders.
	if !cfg.DryRun && strings.TrimSpace(cfg.PolygonRPCURL) != "" {
		pctx, cancel := context.WithTimeout(ctx, startupTimeout)
		report, err := polygonutil.USDCPreflight(pctx, cfg.PolygonRPCURL, venue.FunderAddress(), cfg.ChainID, negRisk)
		cancel()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("usdc preflight unavailable")
		case report.MissingAllowance():
			return fmt.Errorf("usdc allowance for exchange %s is zero", report.Exchange.Hex())
		case report.ShortBalance(cfg.MaxExposure.Micros()):
			logger.Warn().
				Str("balance", micros.Format(report.BalanceMicros)).
				Str("max_exposure", micros.Format(cfg.MaxExposure.Micros())).
				Msg("usdc balance below exposure cap")
		default:
			logger.Info().
				Str("balance", micros.Format(report.BalanceMicros)).
				Str("allowance", micros.Format(report.AllowanceMicros)).
				Msg("usdc preflight ok")
		}
	}

	// Position gate. A checkpoint written for this exact token pair restores
	// the position; a corrupt file is an operator problem, not a reason to
	// silently start flat.
	gate := position.NewGate(cfg.MaxExposure.Micros())
	restored := false
	if cfg.CheckpointPath != "" {
		ckpt, found, err := state.LoadCheckpoint(cfg.CheckpointPath)
		switch {
		case err != nil:
			return fmt.Errorf("load checkpoint: %w", err)
		case found && ckpt.Matches(yesID, noID):
			gate.Restore(ckpt.Position)
			restored = true
			logger.Info().
				Str("cash_deployed", micros.Format(gate.CashDeployedMicros())).
				Str("realized_pnl", micros.FormatSigned(gate.RealizedPnLMicros())).
				Msg("position restored from checkpoint")
		case found:
			logger.Warn().Str("path", cfg.CheckpointPath).Msg("checkpoint is for another market, starting flat")
		}
	}
	if !restored && cfg.SeedPosition {
		dataClient, err := dataapi.NewClient(cfg.DataAPIHost)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, startupTimeout)
		holdings, err := dataClient.TokenHoldings(sctx, venue.FunderAddress().Hex(), []string{yesID, noID})
		cancel()
		if err != nil {
			return fmt.Errorf("seed position: %w", err)
		}
		if len(holdings) > 0 {
			snap := position.Snapshot{Holdings: make(map[string]position.Holding, len(holdings))}
			for id, p := range holdings {
				snap.Holdings[id] = position.Holding{
					SizeMicros: int64(p.SizeMicros()),
					CostMicros: p.CostMicros(),
				}
				snap.CashDeployedMicros += p.CostMicros()
			}
			gate.Restore(snap)
			logger.Info().
				Int("tokens", len(holdings)).
				Str("cash_deployed", micros.Format(gate.CashDeployedMicros())).
				Msg("position seeded from data api")
		}
	}

	trail := audit.New(cfg.EventsPath, logger)
	defer trail.Close()
	trail.Log(audit.Event{Event: "startup", RunID: runID, Mode: mode, TokenID: yesID})

	saveCheckpoint := func() {
		if cfg.CheckpointPath == "" {
			return
		}
		ckpt := state.Checkpoint{
			MarketSlug: strings.TrimSpace(cfg.MarketSlug),
			YesTokenID: yesID,
			NoTokenID:  noID,
			Position:   gate.Snapshot(),
		}
		if err := state.SaveCheckpoint(cfg.CheckpointPath, ckpt); err != nil {
			logger.Warn().Err(err).Msg("checkpoint save failed")
		}
	}

	// Components. The engine is the only submitter; the tracker is the only
	// settler. In dry runs nothing rests at the venue, so no user channel.
	watch := book.NewWatch()
	marketStream := book.NewStream(cfg.MarketWSURL(), []string{yesID, noID}, book.StreamOptions{})
	maintainer := book.NewMaintainer(marketStream, watch, yesID, noID, logger)

	oracleClient, err := oracle.NewClient(cfg.OracleURL, oracle.Options{
		Mode:                cfg.OracleClientMode(),
		PollInterval:        cfg.OraclePollInterval(),
		EpsilonMicros:       cfg.OracleEpsilon.Micros(),
		MaxSkew:             cfg.OracleMaxSkew(),
		MinConfidenceMicros: cfg.MinConfidence.Micros(),
	}, logger)
	if err != nil {
		return err
	}

	submitter := submit.New(venue, trail, logger, submit.Options{
		OrderType: cfg.ClobOrderType(),
		DryRun:    cfg.DryRun,
	})

	var tracker *userfeed.Tracker
	if haveCreds && !cfg.DryRun {
		var userMarkets []string
		if conditionID != "" {
			userMarkets = []string{conditionID}
		}
		userStream := userfeed.NewStream(cfg.UserWSURL(), userMarkets, creds, userfeed.StreamOptions{})
		tracker = userfeed.NewTracker(userStream, gate, trail, creds.Key, logger, userfeed.TrackerOptions{
			InflightTimeout: cfg.InflightTimeout(),
			OnApplied:       saveCheckpoint,
			Reconciler:      venue,
		})
	}

	engineCfg := engine.Config{
		YesTokenID:          yesID,
		NoTokenID:           noID,
		TickMicros:          tickMicros,
		NegRisk:             negRisk,
		EdgeThresholdMicros: cfg.EdgeThreshold.Micros(),
		PriceOffsetMicros:   cfg.PriceOffset.Micros(),
		TakePctMicros:       cfg.LiquidityTakePct.Micros(),
		MinOrderQuoteMicros: cfg.MinOrderSize.Micros(),
		MaxOrderQuoteMicros: cfg.MaxOrderSize.Micros(),
		SignalTTL:           cfg.SignalTTL(),
		Cooldown:            cfg.Cooldown(),
		OrderExpiry:         cfg.OrderExpiry(),
	}
	var eng *engine.Engine
	if tracker != nil {
		eng = engine.New(watch, oracleClient.Out(), gate, submitter, tracker, trail, logger, engineCfg)
	} else {
		eng = engine.New(watch, oracleClient.Out(), gate, submitter, nil, trail, logger, engineCfg)
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(sctx)
			cancel()
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
	}

	// Run everything until a signal lands or a component gives up. Any
	// component exiting ends the run; context.Canceled is the clean path.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	launch := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
			cancel()
		}()
	}

	launch("book", maintainer.Run)
	launch("oracle", oracleClient.Run)
	launch("engine", eng.Run)
	if tracker != nil {
		launch("userfeed", tracker.Run)
	}
	if cfg.WatchFills {
		exchanges, err := polygonutil.Exchanges(cfg.ChainID)
		if err != nil {
			return err
		}
		watcher := polygonwatch.NewWatcher(cfg.PolygonWS, venue.FunderAddress(), exchanges, logger, polygonwatch.Options{})
		launch("fillwatch", watcher.Run)
	}

	<-runCtx.Done()
	if ctx.Err() != nil {
		logger.Info().Msg("shutdown signal received")
	}
	cancel()
	wg.Wait()

	saveCheckpoint()
	trail.Log(audit.Event{
		Event:        "shutdown",
		RunID:        runID,
		Mode:         mode,
		CashDeployed: micros.Format(gate.CashDeployedMicros()),
		RealizedPnL:  micros.FormatSigned(gate.RealizedPnLMicros()),
		UptimeMs:     time.Since(startedAt).Milliseconds(),
	})
	logger.Info().
		Str("cash_deployed", micros.Format(gate.CashDeployedMicros())).
		Str("realized_pnl", micros.FormatSigned(gate.RealizedPnLMicros())).
		Msg("taker stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
