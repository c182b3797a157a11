package book

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/metrics"
	"polytaker/internal/micros"
)

// DefaultMaxPending bounds the deltas buffered per token while waiting for
// the initial snapshot; overflow forces a resubscribe.
const DefaultMaxPending = 512

// Maintainer owns the market-channel stream for one market (YES and NO
// tokens), applies snapshots and deltas in arrival order, and publishes a
// fresh latest-value snapshot to the watch after every applied event.
type Maintainer struct {
	yesID string
	noID  string

	stream *Stream
	watch  *Watch
	log    zerolog.Logger

	maxPending int

	books   map[string]*Book
	ready   map[string]bool
	pending map[string][]Event
	seq     uint64
}

func NewMaintainer(stream *Stream, watch *Watch, yesID, noID string, logger zerolog.Logger) *Maintainer {
	return &Maintainer{
		yesID:      yesID,
		noID:       noID,
		stream:     stream,
		watch:      watch,
		log:        logger.With().Str("component", "book").Logger(),
		maxPending: DefaultMaxPending,
		books:      map[string]*Book{yesID: {}, noID: {}},
		ready:      map[string]bool{},
		pending:    map[string][]Event{},
	}
}

// Run consumes the stream until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	events, errs := m.stream.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.log.Warn().Err(err).Msg("market stream error")
			metrics.IncWSError("market")
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ev)
		}
	}
}

func (m *Maintainer) handle(ev Event) {
	switch ev.Kind {
	case KindReconnected:
		m.reset()
		m.log.Info().Msg("market stream (re)connected, awaiting snapshots")
		metrics.IncWSReconnect("market")
		m.publish()

	case KindBook:
		b, ok := m.books[ev.AssetID]
		if !ok {
			return
		}
		metrics.IncBookEvent(KindBook)
		b.ApplySnapshot(ev.Bids, ev.Asks, ev.TsMs)
		m.ready[ev.AssetID] = true
		m.log.Info().
			Str("asset", shortID(ev.AssetID)).
			Str("bid", bestStr(b.BestBid())).
			Str("ask", bestStr(b.BestAsk())).
			Msg("book snapshot")

		if !m.checkConsistent(ev.AssetID, b) {
			return
		}
		m.replayPending(ev.AssetID)
		m.publish()

	case KindPriceChange:
		metrics.IncBookEvent(KindPriceChange)
		applied := false
		for _, asset := range []string{m.yesID, m.noID} {
			if m.applyDeltas(asset, ev) {
				applied = true
			}
		}
		if applied {
			m.publish()
		}

	case KindLastTrade:
		metrics.IncBookEvent(KindLastTrade)
		m.log.Debug().
			Str("asset", shortID(ev.AssetID)).
			Str("price", micros.Format(ev.TradePriceMicros)).
			Str("side", ev.TradeSide).
			Msg("last trade")
	}
}

// applyDeltas applies the deltas of ev addressed to asset. Returns whether
// the book changed. Deltas arriving before the initial snapshot are buffered.
func (m *Maintainer) applyDeltas(asset string, ev Event) bool {
	deltas := deltasFor(asset, ev)
	if len(deltas) == 0 {
		return false
	}

	if !m.ready[asset] {
		m.pending[asset] = append(m.pending[asset], ev)
		if len(m.pending[asset]) > m.maxPending {
			m.log.Warn().Str("asset", shortID(asset)).Msg("pre-snapshot buffer overflow, resubscribing")
			metrics.IncBookResync("buffer_overflow")
			m.pending[asset] = nil
			m.forceResync()
		}
		return false
	}

	b := m.books[asset]
	for _, d := range deltas {
		b.ApplyDelta(d.Bid, d.PriceMicros, d.DepthMicros, ev.TsMs)
	}
	return m.checkConsistent(asset, b)
}

// replayPending applies deltas buffered before the snapshot, in order.
func (m *Maintainer) replayPending(asset string) {
	pend := m.pending[asset]
	if len(pend) == 0 {
		return
	}
	m.pending[asset] = nil
	b := m.books[asset]
	for _, ev := range pend {
		for _, d := range deltasFor(asset, ev) {
			b.ApplyDelta(d.Bid, d.PriceMicros, d.DepthMicros, ev.TsMs)
		}
	}
	if m.checkConsistent(asset, b) {
		m.log.Debug().Str("asset", shortID(asset)).Int("events", len(pend)).Msg("replayed buffered deltas")
	}
}

// checkConsistent validates ordering and the uncrossed invariant; violations
// mark the book not-ready and force a resubscribe.
func (m *Maintainer) checkConsistent(asset string, b *Book) bool {
	if err := b.Validate(); err != nil {
		m.log.Error().Err(err).Str("asset", shortID(asset)).Msg("book invariant violated, resubscribing")
		metrics.IncBookResync("invariant")
		m.ready[asset] = false
		m.forceResync()
		m.publish()
		return false
	}
	if b.Crossed() {
		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()
		m.log.Warn().
			Str("asset", shortID(asset)).
			Str("bid", micros.Format(bid.PriceMicros)).
			Str("ask", micros.Format(ask.PriceMicros)).
			Msg("crossed book, resubscribing")
		metrics.IncBookResync("crossed")
		m.ready[asset] = false
		m.forceResync()
		m.publish()
		return false
	}
	return true
}

func (m *Maintainer) forceResync() {
	m.stream.Kick()
}

func (m *Maintainer) reset() {
	m.books = map[string]*Book{m.yesID: {}, m.noID: {}}
	m.ready = map[string]bool{}
	m.pending = map[string][]Event{}
}

func (m *Maintainer) publish() {
	m.seq++
	yes := m.books[m.yesID]
	no := m.books[m.noID]
	snap := Snapshot{
		Yes:           yes.Clone(),
		No:            no.Clone(),
		YesReady:      m.ready[m.yesID],
		NoReady:       m.ready[m.noID],
		Seq:           m.seq,
		PublishedAtMs: time.Now().UnixMilli(),
	}
	m.watch.Publish(snap)

	if bid, ok := yes.BestBid(); ok {
		metrics.SetBestBid("yes", bid.PriceMicros)
	}
	if ask, ok := yes.BestAsk(); ok {
		metrics.SetBestAsk("yes", ask.PriceMicros)
	}
	if bid, ok := no.BestBid(); ok {
		metrics.SetBestBid("no", bid.PriceMicros)
	}
	if ask, ok := no.BestAsk(); ok {
		metrics.SetBestAsk("no", ask.PriceMicros)
	}
}

// deltasFor flattens both price_change encodings into per-side deltas for
// one asset.
func deltasFor(asset string, ev Event) []Change {
	var out []Change
	if ev.AssetID == asset {
		for _, l := range ev.Bids {
			out = append(out, Change{AssetID: asset, Bid: true, PriceMicros: l.PriceMicros, DepthMicros: l.DepthMicros})
		}
		for _, l := range ev.Asks {
			out = append(out, Change{AssetID: asset, Bid: false, PriceMicros: l.PriceMicros, DepthMicros: l.DepthMicros})
		}
	}
	for _, c := range ev.Changes {
		if c.AssetID == asset {
			out = append(out, c)
		}
	}
	return out
}

func bestStr(l Level, ok bool) string {
	if !ok {
		return "-"
	}
	return micros.Format(l.PriceMicros)
}

// shortID trims long token ids for log lines.
func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "…"
}
