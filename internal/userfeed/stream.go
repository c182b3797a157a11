package userfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polytaker/internal/clob"
)

const DefaultWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

const (
	defaultPingInterval = 10 * time.Second
	defaultIdleTimeout  = 30 * time.Second
)

type StreamOptions struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	OutBuffer int
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 100 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	return o
}

type subscribeAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type subscribeRequest struct {
	Auth    subscribeAuth `json:"auth"`
	Markets []string      `json:"markets"`
	Type    string        `json:"type"`
}

// Stream is a reconnecting user-channel WebSocket authenticated with L2
// credentials. An empty market filter subscribes to every market the key
// trades. A synthetic "reconnected" event opens every session.
type Stream struct {
	url     string
	markets []string
	creds   clob.Creds
	opts    StreamOptions

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStream(url string, markets []string, creds clob.Creds, opts StreamOptions) *Stream {
	if url == "" {
		url = DefaultWSURL
	}
	return &Stream{url: url, markets: markets, creds: creds, opts: opts.withDefaults()}
}

func (s *Stream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Start connects and emits decoded events until ctx is cancelled. Fills must
// never be dropped, so delivery blocks; the consumer keeps draining.
func (s *Stream) Start(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event, s.opts.OutBuffer)
	errs := make(chan error, 16)

	go func() {
		defer close(out)
		defer close(errs)

		backoff := s.opts.BackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
			if err != nil {
				emitErrNonBlocking(errs, fmt.Errorf("user ws dial: %w", err))
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff, s.opts.BackoffMax)
				continue
			}

			backoff = s.opts.BackoffMin
			s.setConn(conn)

			if err := s.runSession(ctx, conn, out, errs); err != nil && ctx.Err() == nil {
				emitErrNonBlocking(errs, err)
			}

			s.setConn(nil)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
		}
	}()

	return out, errs
}

func (s *Stream) runSession(ctx context.Context, conn *websocket.Conn, out chan<- Event, errs chan<- error) error {
	req := subscribeRequest{
		Auth: subscribeAuth{
			APIKey:     s.creds.Key,
			Secret:     s.creds.Secret,
			Passphrase: s.creds.Passphrase,
		},
		Markets: s.markets,
		Type:    "user",
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("user ws subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("user ws subscribe write: %w", err)
	}

	if !emitBlocking(ctx, out, Event{Kind: KindReconnected, TsMs: time.Now().UnixMilli()}) {
		return nil
	}

	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(s.opts.PingInterval)
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
				werr := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				writeMu.Unlock()
				if werr != nil {
					emitErrNonBlocking(errs, fmt.Errorf("user ws ping: %w", werr))
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
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("user ws read: %w", err)
		}

		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 {
			continue
		}
		if string(msg) == "PONG" || string(msg) == "PING" {
			continue
		}

		events, err := decodeEvents(msg)
		if err != nil {
			emitErrNonBlocking(errs, fmt.Errorf("user ws decode: %w", err))
			continue
		}
		for _, ev := range events {
			if !emitBlocking(ctx, out, ev) {
				stopAll()
				return nil
			}
		}
	}
}

func emitBlocking(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func emitErrNonBlocking(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
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
