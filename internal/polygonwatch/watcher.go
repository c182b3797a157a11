// Package polygonwatch tails the exchange contracts' OrderFilled events for
// one wallet over a Polygon WebSocket endpoint. The chain view is telemetry
// only: order state and position truth stay with the venue's user channel,
// this package confirms that fills actually settled.
package polygonwatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"polytaker/internal/metrics"
)

const (
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 30 * time.Second
)

// OrderFilled indexed-topic positions for the two parties.
const (
	topicMaker = 2
	topicTaker = 3
)

type Options struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	return o
}

// Watcher follows OrderFilled logs involving one wallet across the exchange
// contracts. Each session opens two server-side filters, wallet-as-maker and
// wallet-as-taker, because a filter query ANDs across topic positions.
type Watcher struct {
	wsURL     string
	wallet    common.Address
	exchanges []common.Address
	opts      Options
	log       zerolog.Logger
}

func NewWatcher(wsURL string, wallet common.Address, exchanges []common.Address, logger zerolog.Logger, opts Options) *Watcher {
	return &Watcher{
		wsURL:     wsURL,
		wallet:    wallet,
		exchanges: append([]common.Address(nil), exchanges...),
		opts:      opts.withDefaults(),
		log:       logger.With().Str("component", "polygonwatch").Logger(),
	}
}

// Run dials the endpoint and follows the wallet's fills until ctx is
// cancelled, reconnecting with jittered backoff.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := w.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		client, err := ethclient.DialContext(ctx, w.wsURL)
		if err != nil {
			metrics.IncWSError("chain")
			w.log.Warn().Err(err).Msg("polygon ws dial failed")
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, w.opts.BackoffMax)
			continue
		}

		backoff = w.opts.BackoffMin
		err = w.session(ctx, client)
		client.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			metrics.IncWSError("chain")
			w.log.Warn().Err(err).Msg("chain watch session ended")
		}
		sleepWithJitter(ctx, backoff)
		backoff = nextBackoff(backoff, w.opts.BackoffMax)
	}
}

// session holds both filters open until one of them fails or ctx is
// cancelled.
func (w *Watcher) session(ctx context.Context, client *ethclient.Client) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	makerCh := make(chan types.Log, 256)
	makerSub, err := client.SubscribeFilterLogs(sessionCtx, w.fillQuery(topicMaker), makerCh)
	if err != nil {
		return fmt.Errorf("subscribe maker fills: %w", err)
	}
	defer makerSub.Unsubscribe()

	takerCh := make(chan types.Log, 256)
	takerSub, err := client.SubscribeFilterLogs(sessionCtx, w.fillQuery(topicTaker), takerCh)
	if err != nil {
		return fmt.Errorf("subscribe taker fills: %w", err)
	}
	defer takerSub.Unsubscribe()

	metrics.IncWSReconnect("chain")
	w.log.Info().
		Str("wallet", w.wallet.Hex()).
		Int("exchanges", len(w.exchanges)).
		Msg("watching fills on-chain")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-makerSub.Err():
			return subEnded("maker", err)
		case err := <-takerSub.Err():
			return subEnded("taker", err)
		case vLog := <-makerCh:
			w.handleLog(vLog, "maker")
		case vLog := <-takerCh:
			w.handleLog(vLog, "taker")
		}
	}
}

// fillQuery matches OrderFilled on every exchange with the wallet at one
// indexed position. Filters AND across topic positions, so the maker and
// taker sides need separate subscriptions.
func (w *Watcher) fillQuery(position int) ethereum.FilterQuery {
	topics := [][]common.Hash{{orderFilledTopic}, nil, nil, nil}
	topics[position] = []common.Hash{common.BytesToHash(w.wallet.Bytes())}
	return ethereum.FilterQuery{
		Addresses: w.exchanges,
		Topics:    topics[:position+1],
	}
}

// handleLog decodes and reports one matched log. The role comes from which
// filter delivered it, so a self-crossed fill reports once per side.
func (w *Watcher) handleLog(vLog types.Log, role string) {
	if len(vLog.Topics) < 1 || vLog.Topics[0] != orderFilledTopic {
		return
	}
	rxMs := time.Now().UnixMilli()
	fill, err := DecodeOrderFilledLog(vLog)
	if err != nil {
		w.log.Warn().Err(err).Str("tx", vLog.TxHash.Hex()).Msg("undecodable fill log")
		return
	}
	fill.ReceivedAtMs = rxMs

	if fill.Removed {
		w.log.Warn().
			Str("order_hash", fill.OrderHash.Hex()).
			Uint64("block", fill.BlockNumber).
			Msg("fill log removed by reorg")
		return
	}

	metrics.IncChainFill(role)
	w.log.Info().
		Str("role", role).
		Str("order_hash", fill.OrderHash.Hex()).
		Str("maker_asset", fill.MakerAssetID.String()).
		Str("taker_asset", fill.TakerAssetID.String()).
		Str("maker_amount", fill.MakerAmountFilled.String()).
		Str("taker_amount", fill.TakerAmountFilled.String()).
		Str("fee", fill.Fee.String()).
		Uint64("block", fill.BlockNumber).
		Str("tx", fill.TxHash.Hex()).
		Msg("fill confirmed on-chain")
}

func subEnded(side string, err error) error {
	if err == nil {
		return fmt.Errorf("%s fill subscription ended", side)
	}
	return fmt.Errorf("%s fill subscription: %w", side, err)
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
