// Package submit posts signed taker orders to the CLOB and classifies the
// outcome. A FAK order is "take now or not at all": the submitter never
// retries, because a retry after the request may have been written risks
// executing twice against liquidity that has since moved. Callers learn
// whether a failure provably happened before the request went out and may
// only re-enter through a fresh decision cycle.
package submit

import (
	"context"
	"errors"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"polytaker/internal/audit"
	"polytaker/internal/clob"
	"polytaker/internal/metrics"
	"polytaker/internal/micros"
)

// Outcome is the terminal classification of one submission attempt.
type Outcome string

const (
	// OutcomeAcked means the venue accepted the order and returned an ID.
	// The in-flight slot stays claimed until the user channel settles it.
	OutcomeAcked Outcome = "acked"
	// OutcomeRejected means the venue refused the order. Nothing rests.
	OutcomeRejected Outcome = "rejected"
	// OutcomeNetworkError means the attempt failed at the transport layer.
	// Unless Unsent is set the order may still have reached the venue and
	// must be reconciled via the user channel.
	OutcomeNetworkError Outcome = "network_error"
	// OutcomeDryRun means trading is disabled; the order was logged only.
	OutcomeDryRun Outcome = "dry_run"
)

// Result reports what happened to a submitted order.
type Result struct {
	Outcome Outcome
	OrderID string
	Reason  string
	// Unsent is true when the failure provably occurred before the HTTP
	// request was written (DNS failure, connect refused, local build error).
	Unsent  bool
	Elapsed time.Duration
}

// Options configures a Submitter.
type Options struct {
	// Timeout bounds one POST end to end. Default 2s.
	Timeout time.Duration
	// OrderType defaults to FAK.
	OrderType clob.OrderType
	// DryRun logs intended orders without posting them.
	DryRun bool
	// SaltGen overrides the order salt source. Nil draws random salts.
	SaltGen func() int64
}

type Submitter struct {
	clob  *clob.Client
	trail *audit.Trail
	log   zerolog.Logger
	opts  Options
}

func New(client *clob.Client, trail *audit.Trail, log zerolog.Logger, opts Options) *Submitter {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.OrderType == "" {
		opts.OrderType = clob.OrderTypeFAK
	}
	return &Submitter{
		clob:  client,
		trail: trail,
		log:   log.With().Str("component", "submit").Logger(),
		opts:  opts,
	}
}

func (s *Submitter) mode() string {
	if s.opts.DryRun {
		return "dry"
	}
	return "live"
}

// Submit signs and posts one limit order. decidedAt is the instant the
// decision loop committed to the order; the wire latency histogram is fed
// when the request body hits the socket.
func (s *Submitter) Submit(ctx context.Context, order clob.LimitOrder, decidedAt time.Time) Result {
	start := time.Now()
	ev := audit.Event{
		Event:     "order_submit",
		Mode:      s.mode(),
		TokenID:   order.TokenID,
		Side:      string(order.Side),
		Price:     micros.Format(order.PriceMicros),
		Size:      micros.Format(order.SizeMicros),
		Notional:  micros.Format(micros.Cost(order.SizeMicros, order.PriceMicros)),
		OrderType: string(s.opts.OrderType),
	}

	if s.opts.DryRun {
		s.log.Info().
			Str("token", order.TokenID).
			Str("side", string(order.Side)).
			Str("price", micros.Format(order.PriceMicros)).
			Str("size", micros.Format(order.SizeMicros)).
			Msg("dry run, order not sent")
		metrics.IncOrder(string(OutcomeDryRun))
		ev.Status = string(OutcomeDryRun)
		ev.Ok = true
		s.trail.Log(ev)
		return Result{Outcome: OutcomeDryRun, Elapsed: time.Since(start)}
	}

	signed, err := s.clob.SignLimitOrder(order, s.opts.SaltGen)
	if err != nil {
		return s.finish(ev, start, Result{
			Outcome: OutcomeNetworkError,
			Reason:  err.Error(),
			Unsent:  true,
		})
	}

	postCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	// WroteRequest fires once the body is on the socket. If it never fires
	// the order provably reached no server and the failure is safe.
	var wrote atomic.Bool
	postCtx = httptrace.WithClientTrace(postCtx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			wrote.Store(true)
			if !decidedAt.IsZero() {
				metrics.ObserveDecisionToWire(time.Since(decidedAt))
			}
		},
	})

	res, raw, err := s.clob.PostOrder(postCtx, signed, s.opts.OrderType)
	if err != nil {
		unsent := errors.Is(err, clob.ErrUnsent) || !wrote.Load()
		r := Result{Outcome: OutcomeNetworkError, Reason: err.Error(), Unsent: unsent}
		if unsent {
			s.log.Warn().Err(err).Msg("order not sent")
		} else {
			s.log.Error().Err(err).Msg("order fate unknown, reconciling via user channel")
		}
		return s.finish(ev, start, r)
	}

	if !res.Accepted() {
		reason := res.ErrorMsg
		if reason == "" {
			reason = res.Status
		}
		if reason == "" {
			reason = "order not accepted"
		}
		s.log.Warn().
			Str("reason", reason).
			Str("token", order.TokenID).
			Str("side", string(order.Side)).
			Msg("order rejected")
		if len(raw) > 0 {
			s.log.Debug().RawJSON("response", raw).Msg("rejection body")
		}
		return s.finish(ev, start, Result{Outcome: OutcomeRejected, Reason: reason})
	}

	s.log.Info().
		Str("order_id", res.OrderID).
		Str("token", order.TokenID).
		Str("side", string(order.Side)).
		Str("price", micros.Format(order.PriceMicros)).
		Str("size", micros.Format(order.SizeMicros)).
		Str("status", res.Status).
		Msg("order acked")
	return s.finish(ev, start, Result{Outcome: OutcomeAcked, OrderID: res.OrderID})
}

func (s *Submitter) finish(ev audit.Event, start time.Time, r Result) Result {
	r.Elapsed = time.Since(start)

	status := string(r.Outcome)
	if r.Outcome == OutcomeNetworkError && r.Unsent {
		status = "unsent"
	}
	metrics.IncOrder(status)

	ev.Status = status
	ev.OrderID = r.OrderID
	ev.Ok = r.Outcome == OutcomeAcked
	ev.Err = r.Reason
	if r.Outcome == OutcomeAcked {
		ev.Err = ""
	}
	s.trail.Log(ev)
	return r
}
