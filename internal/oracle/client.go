package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"polytaker/internal/metrics"
	"polytaker/internal/micros"
)

type Mode string

const (
	ModePoll Mode = "poll"
	ModePush Mode = "push"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultQueueSize    = 64
)

type Options struct {
	Mode         Mode
	PollInterval time.Duration

	// Validation bounds. Epsilon caps |yes+no-1|; MaxSkew caps the distance
	// between the oracle stamp and our wall clock; MinConfidence drops
	// signals below the floor before they reach the queue.
	EpsilonMicros       uint64
	MaxSkew             time.Duration
	MinConfidenceMicros uint64

	QueueSize int

	BackoffMin   time.Duration
	BackoffMax   time.Duration
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModePoll
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 100 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	return o
}

// Client ingests signals in one of two modes. Poll GETs the URL on a fixed
// cadence; push reads the same object shape off a WebSocket. Either way the
// validated result lands on Out.
type Client struct {
	url  string
	opts Options
	log  zerolog.Logger

	httpClient *http.Client
	out        chan Signal

	nowMs func() int64
}

func NewClient(rawURL string, opts Options, logger zerolog.Logger) (*Client, error) {
	opts = opts.withDefaults()

	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("oracle url required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("oracle url parse %q: %w", rawURL, err)
	}
	switch opts.Mode {
	case ModePoll:
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("oracle poll url must be http(s), got %q", rawURL)
		}
	case ModePush:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("oracle push url must be ws(s), got %q", rawURL)
		}
	default:
		return nil, fmt.Errorf("oracle mode must be poll or push, got %q", opts.Mode)
	}

	return &Client{
		url:  rawURL,
		opts: opts,
		log:  logger.With().Str("component", "oracle").Logger(),
		httpClient: &http.Client{
			// Half the cadence: a hung request never eats the next slot.
			Timeout: opts.PollInterval / 2,
		},
		out:   make(chan Signal, opts.QueueSize),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Out carries validated signals. Consumers should drain to the newest; the
// queue drops oldest when full, so intermediate values are best-effort.
func (c *Client) Out() <-chan Signal {
	return c.out
}

// Run blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.opts.Mode == ModePush {
		return c.runPush(ctx)
	}
	return c.runPoll(ctx)
}

func (c *Client) runPoll(ctx context.Context) error {
	c.log.Info().Str("url", c.url).Dur("interval", c.opts.PollInterval).Msg("oracle poller started")
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce fetches and enqueues a single signal. Fetch and parse failures
// drop the sample and leave the last valid signal untouched.
func (c *Client) pollOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		metrics.IncSignal("error")
		c.log.Warn().Err(err).Msg("oracle request build failed")
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncSignal("error")
		c.log.Warn().Err(err).Msg("oracle poll failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.IncSignal("error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		c.log.Warn().Int("status", resp.StatusCode).Str("body", string(body)).Msg("oracle poll bad status")
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.IncSignal("error")
		c.log.Warn().Err(err).Msg("oracle body read failed")
		return
	}
	c.ingest(data)
}

func (c *Client) runPush(ctx context.Context) error {
	c.log.Info().Str("url", c.url).Msg("oracle push stream started")

	backoff := c.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			metrics.IncWSError("oracle")
			c.log.Warn().Err(err).Msg("oracle ws dial failed")
			sleepBackoff(ctx, backoff)
			backoff = nextBackoff(backoff, c.opts.BackoffMax)
			continue
		}

		backoff = c.opts.BackoffMin
		metrics.IncWSReconnect("oracle")

		if err := c.pushSession(ctx, conn); err != nil && ctx.Err() == nil {
			metrics.IncWSError("oracle")
			c.log.Warn().Err(err).Msg("oracle ws session ended")
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		sleepBackoff(ctx, backoff)
		backoff = nextBackoff(backoff, c.opts.BackoffMax)
	}
}

func (c *Client) pushSession(ctx context.Context, conn *websocket.Conn) error {
	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				werr := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeMu.Unlock()
				if werr != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("oracle ws read: %w", err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 {
			continue
		}
		if s := string(msg); s == "pong" || s == "ping" || s == "PONG" || s == "PING" {
			continue
		}
		c.ingest(msg)
	}
}

// ingest parses, validates, gates, and publishes one raw message.
func (c *Client) ingest(data []byte) {
	now := c.nowMs()
	sig, err := decodeSignal(data, now)
	if err != nil {
		metrics.IncSignal("error")
		c.log.Warn().Err(err).Msg("oracle parse failed")
		return
	}
	if err := sig.Validate(now, c.opts.EpsilonMicros, c.opts.MaxSkew.Milliseconds()); err != nil {
		if errors.Is(err, ErrStaleSignal) {
			metrics.IncSignal("stale")
		} else {
			metrics.IncSignal("invalid")
		}
		c.log.Warn().Err(err).Str("match_id", sig.MatchID).Msg("oracle signal rejected")
		return
	}
	if sig.ConfidenceMicros < c.opts.MinConfidenceMicros {
		metrics.IncSignal("low_confidence")
		c.log.Debug().Str("match_id", sig.MatchID).
			Str("confidence", micros.Format(sig.ConfidenceMicros)).
			Msg("oracle signal below confidence floor")
		return
	}
	c.publish(sig)
}

// publish enqueues with drop-oldest. Only the newest signal is consulted
// downstream, so shedding the head under pressure is safe.
func (c *Client) publish(sig Signal) {
	for {
		select {
		case c.out <- sig:
			metrics.IncSignal("ok")
			return
		default:
		}
		select {
		case <-c.out:
			metrics.IncSignal("dropped")
		default:
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepBackoff(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
