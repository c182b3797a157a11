// Package audit appends one JSON object per line to a trade audit file.
// Every decision, submission, and fill lands here so a session can be
// replayed after the fact. A nil *Trail disables auditing entirely.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a single audit record. Most fields are optional; which ones are
// set depends on Event ("decision", "order_submit", "order_ack",
// "order_reject", "fill", "release", "resync", "startup", "shutdown").
type Event struct {
	TsMs  int64  `json:"ts_ms"`
	Event string `json:"event"`

	// RunID ties the startup and shutdown records of one process lifetime
	// together so a trail spanning restarts can be split back into sessions.
	RunID string `json:"run_id,omitempty"`

	Mode string `json:"mode,omitempty"` // dry | live

	TokenID string `json:"token_id,omitempty"`
	Side    string `json:"side,omitempty"`

	// Decision inputs.
	OracleYes   string `json:"oracle_yes,omitempty"`
	SignalAgeMs int64  `json:"signal_age_ms,omitempty"`
	BestBid     string `json:"best_bid,omitempty"`
	BestAsk     string `json:"best_ask,omitempty"`
	Edge        string `json:"edge,omitempty"`

	// Order terms.
	Price     string `json:"price,omitempty"`
	Size      string `json:"size,omitempty"`
	Notional  string `json:"notional,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	OrderType string `json:"order_type,omitempty"`

	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Position after the event.
	CashDeployed string `json:"cash_deployed,omitempty"`
	RealizedPnL  string `json:"realized_pnl,omitempty"`

	DecisionToWireUs int64 `json:"decision_to_wire_us,omitempty"`

	Ok       bool   `json:"ok,omitempty"`
	Err      string `json:"err,omitempty"`
	UptimeMs int64  `json:"uptime_ms,omitempty"`
}

// Trail appends events to a JSONL file. It is safe for concurrent use and
// flushes after every record so tailers see events immediately.
type Trail struct {
	log zerolog.Logger

	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// New returns a Trail appending to path, or nil when path is empty/blank.
func New(path string, log zerolog.Logger) *Trail {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Trail{
		log:  log.With().Str("component", "audit").Logger(),
		path: path,
	}
}

func (t *Trail) ensureOpenLocked() error {
	if t.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	t.file = f
	t.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Log appends one event. Failures are reported on the process log and never
// propagate; a broken audit file must not stop trading.
func (t *Trail) Log(ev Event) {
	if t == nil {
		return
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.log.Warn().Err(err).Str("event", ev.Event).Msg("audit marshal failed")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		t.log.Warn().Err(err).Msg("audit open failed")
		return
	}
	if _, err := t.w.Write(b); err == nil {
		if err := t.w.WriteByte('\n'); err == nil {
			if err := t.w.Flush(); err != nil {
				t.log.Warn().Err(err).Msg("audit flush failed")
			}
			return
		}
	}
	t.log.Warn().Str("event", ev.Event).Msg("audit write failed")
}

// Close flushes buffered data and closes the file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if t.w != nil {
		if err := t.w.Flush(); err != nil {
			firstErr = err
		}
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.w = nil
	t.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
