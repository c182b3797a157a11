// Command latency probes the venue from the box the taker will run on. It
// measures CLOB REST latency (GET /time and optionally GET /book, with
// DNS/connect/TLS/TTFB stages via httptrace) and market-channel WebSocket
// latency as repeated connect -> subscribe -> first-book cycles, and prints
// percentile summaries. /time doubles as a clock-offset estimate, which is
// what bounds the HMAC timestamp skew on order submission.
//
// Samples can be appended to a JSONL file with --out for offline analysis.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"polytaker/internal/config"
)

type stats struct {
	min    int64
	median int64
	p95    int64
	max    int64
}

func summarize(values []int64) stats {
	if len(values) == 0 {
		return stats{}
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(q float64) int64 {
		idx := int(q * float64(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return stats{
		min:    sorted[0],
		median: pick(0.5),
		p95:    pick(0.95),
		max:    sorted[len(sorted)-1],
	}
}

type ring struct {
	mu         sync.Mutex
	buf        []int64
	next       int
	hasWrapped bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 4096
	}
	return &ring{buf: make([]int64, 0, capacity)}
}

func (r *ring) add(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, v)
		return
	}
	r.hasWrapped = true
	r.buf[r.next] = v
	r.next++
	if r.next >= len(r.buf) {
		r.next = 0
	}
}

func (r *ring) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]int64, 0, len(r.buf))
	if !r.hasWrapped || r.next == 0 {
		out = append(out, r.buf...)
		return out
	}
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

type sampleWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

func newSampleWriter(path string) *sampleWriter {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return &sampleWriter{path: path}
}

func (sw *sampleWriter) ensureOpen() error {
	if sw.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(sw.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(sw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	sw.file = f
	sw.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (sw *sampleWriter) writeRow(row map[string]any) {
	if sw == nil {
		return
	}
	b, err := json.Marshal(row)
	if err != nil {
		log.Printf("[warn] failed to marshal row: %v", err)
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if err := sw.ensureOpen(); err != nil {
		log.Printf("[warn] failed to open out file %s: %v", sw.path, err)
		return
	}
	if _, err := sw.w.Write(append(b, '\n')); err != nil {
		log.Printf("[warn] failed to write sample to %s: %v", sw.path, err)
		return
	}
	_ = sw.w.Flush()
}

func (sw *sampleWriter) close() {
	if sw == nil {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.w != nil {
		_ = sw.w.Flush()
	}
	if sw.file != nil {
		_ = sw.file.Close()
	}
}

type args struct {
	label       string
	outFile     string
	duration    time.Duration
	printEvery  time.Duration
	printFormat string

	restURL          string
	restTimeout      time.Duration
	disableKeepAlive bool
	timeInterval     time.Duration
	bookInterval     time.Duration
	tokenID          string

	wsURL   string
	wsCycle time.Duration

	sampleCap int
}

func parseArgs(cfg *config.Config) (args, error) {
	var (
		labelFlag       string
		outFlag         string
		durationFlag    time.Duration
		printEveryFlag  time.Duration
		printFormatFlag string

		restURLFlag      string
		restTimeoutFlag  time.Duration
		noKeepAliveFlag  bool
		timeIntervalFlag time.Duration
		bookIntervalFlag time.Duration
		tokenIDFlag      string

		wsURLFlag   string
		wsCycleFlag time.Duration

		sampleCapFlag int
	)

	flag.StringVar(&labelFlag, "label", "", "Optional label for this run (e.g. colo-ams, home)")
	flag.StringVar(&outFlag, "out", "", "Optional JSONL output file for raw samples")
	flag.DurationVar(&durationFlag, "duration", 30*time.Second, "Total runtime (0 = run until Ctrl+C)")
	flag.DurationVar(&printEveryFlag, "print-every", 5*time.Second, "How often to print summary stats")
	flag.StringVar(&printFormatFlag, "format", "table", "Summary output format: table or compact")

	flag.StringVar(&restURLFlag, "rest-url", "", "CLOB REST base URL (default CLOB_HOST)")
	flag.DurationVar(&restTimeoutFlag, "rest-timeout", 5*time.Second, "Per-request timeout for REST probes")
	flag.BoolVar(&noKeepAliveFlag, "no-keepalive", false, "Disable HTTP keep-alives (forces new TCP/TLS each request)")
	flag.DurationVar(&timeIntervalFlag, "time-interval", 500*time.Millisecond, "Interval for GET /time probes")
	flag.DurationVar(&bookIntervalFlag, "book-interval", 2*time.Second, "Interval for GET /book probes (needs a token)")
	flag.StringVar(&tokenIDFlag, "token-id", "", "Token ID for /book and WS probes (default YES_TOKEN_ID)")

	flag.StringVar(&wsURLFlag, "ws-url", "", "Market channel WebSocket URL (default from CLOB_WS_HOST)")
	flag.DurationVar(&wsCycleFlag, "ws-cycle", 5*time.Second, "Interval between WS connect/subscribe/first-book cycles")

	flag.IntVar(&sampleCapFlag, "sample-cap", 4096, "Max samples kept per metric in memory (ring buffer)")

	flag.Parse()

	if printEveryFlag <= 0 {
		return args{}, fmt.Errorf("print-every must be > 0")
	}
	if durationFlag < 0 {
		return args{}, fmt.Errorf("duration must be >= 0")
	}
	printFormat := strings.ToLower(strings.TrimSpace(printFormatFlag))
	if printFormat == "" {
		printFormat = "table"
	}
	switch printFormat {
	case "table", "compact":
	default:
		return args{}, fmt.Errorf("invalid format %q (use table or compact)", printFormatFlag)
	}

	restURL := strings.TrimSpace(restURLFlag)
	if restURL == "" {
		restURL = strings.TrimSpace(cfg.ClobHost)
	}
	restURL = strings.TrimRight(restURL, "/")
	if !strings.HasPrefix(restURL, "http://") && !strings.HasPrefix(restURL, "https://") {
		return args{}, fmt.Errorf("rest-url must start with http:// or https:// (got %q)", restURL)
	}
	if restTimeoutFlag <= 0 {
		return args{}, fmt.Errorf("rest-timeout must be > 0")
	}
	if timeIntervalFlag <= 0 {
		return args{}, fmt.Errorf("time-interval must be > 0")
	}
	if bookIntervalFlag <= 0 {
		return args{}, fmt.Errorf("book-interval must be > 0")
	}
	tokenID := strings.TrimSpace(tokenIDFlag)
	if tokenID == "" {
		tokenID = strings.TrimSpace(cfg.YesTokenID)
	}

	wsURL := strings.TrimSpace(wsURLFlag)
	if wsURL == "" {
		wsURL = cfg.MarketWSURL()
	}
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		return args{}, fmt.Errorf("ws-url must start with ws:// or wss:// (got %q)", wsURL)
	}
	if wsCycleFlag <= 0 {
		return args{}, fmt.Errorf("ws-cycle must be > 0")
	}
	if sampleCapFlag <= 0 {
		return args{}, fmt.Errorf("sample-cap must be > 0")
	}

	return args{
		label:            strings.TrimSpace(labelFlag),
		outFile:          strings.TrimSpace(outFlag),
		duration:         durationFlag,
		printEvery:       printEveryFlag,
		printFormat:      printFormat,
		restURL:          restURL,
		restTimeout:      restTimeoutFlag,
		disableKeepAlive: noKeepAliveFlag,
		timeInterval:     timeIntervalFlag,
		bookInterval:     bookIntervalFlag,
		tokenID:          tokenID,
		wsURL:            wsURL,
		wsCycle:          wsCycleFlag,
		sampleCap:        sampleCapFlag,
	}, nil
}

type httpMetrics struct {
	totalMs  *ring
	ttfbMs   *ring
	dnsMs    *ring
	connMs   *ring
	tlsMs    *ring
	offsetMs *ring

	ok     atomic.Int64
	errors atomic.Int64
	reused atomic.Int64
}

func newHTTPMetrics(sampleCap int) *httpMetrics {
	return &httpMetrics{
		totalMs:  newRing(sampleCap),
		ttfbMs:   newRing(sampleCap),
		dnsMs:    newRing(sampleCap),
		connMs:   newRing(sampleCap),
		tlsMs:    newRing(sampleCap),
		offsetMs: newRing(sampleCap),
	}
}

type wsMetrics struct {
	dialMs      *ring
	firstBookMs *ring
	pingRttMs   *ring

	cyclesOK  atomic.Int64
	cyclesErr atomic.Int64
}

func newWSMetrics(sampleCap int) *wsMetrics {
	return &wsMetrics{
		dialMs:      newRing(sampleCap),
		firstBookMs: newRing(sampleCap),
		pingRttMs:   newRing(sampleCap),
	}
}

func unixFromUnknown(ts int64) time.Time {
	// Heuristic based on magnitude:
	// - seconds: ~1e9
	// - millis:  ~1e12
	// - micros:  ~1e15
	// - nanos:   ~1e18
	switch {
	case ts > 1e18:
		return time.Unix(0, ts)
	case ts > 1e15:
		return time.Unix(0, ts*int64(time.Microsecond))
	case ts > 1e12:
		return time.Unix(0, ts*int64(time.Millisecond))
	default:
		return time.Unix(ts, 0)
	}
}

type traceTimings struct {
	dns        time.Duration
	connect    time.Duration
	tls        time.Duration
	ttfb       time.Duration
	connReused bool
}

func httpGetTimed(ctx context.Context, client *http.Client, fullURL string, maxBodyBytes int64) (traceTimings, int, []byte, error) {
	var (
		t0 = time.Now()
		td traceTimings

		dnsStart, connStart, tlsStart time.Time
		gotFirstByte                  time.Time
	)

	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			if !dnsStart.IsZero() {
				td.dns = time.Since(dnsStart)
			}
		},
		ConnectStart: func(_, _ string) { connStart = time.Now() },
		ConnectDone: func(_, _ string, err error) {
			if err == nil && !connStart.IsZero() {
				td.connect = time.Since(connStart)
			}
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil && !tlsStart.IsZero() {
				td.tls = time.Since(tlsStart)
			}
		},
		GotConn: func(info httptrace.GotConnInfo) { td.connReused = info.Reused },
		GotFirstResponseByte: func() {
			if gotFirstByte.IsZero() {
				gotFirstByte = time.Now()
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, fullURL, nil)
	if err != nil {
		return traceTimings{}, 0, nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return traceTimings{}, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if gotFirstByte.IsZero() {
		gotFirstByte = time.Now()
	}
	td.ttfb = gotFirstByte.Sub(t0)
	if err != nil {
		return td, resp.StatusCode, body, err
	}
	return td, resp.StatusCode, body, nil
}

func fmtMs(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	switch {
	case ms >= 60_000:
		return fmt.Sprintf("%s%.1fm", sign, float64(ms)/60_000.0)
	case ms >= 1_000:
		return fmt.Sprintf("%s%.2fs", sign, float64(ms)/1_000.0)
	default:
		return fmt.Sprintf("%s%dms", sign, ms)
	}
}

func restTimeLoop(
	ctx context.Context,
	baseURL string,
	interval time.Duration,
	timeout time.Duration,
	client *http.Client,
	metrics *httpMetrics,
	offsetEstimateMs *atomic.Int64,
	label string,
	writer *sampleWriter,
) {
	t := time.NewTicker(interval)
	defer t.Stop()

	run := func() {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		t0 := time.Now()
		td, status, body, err := httpGetTimed(reqCtx, client, baseURL+"/time", 64*1024)
		t1 := time.Now()
		totalMs := t1.Sub(t0).Milliseconds()

		row := map[string]any{
			"ts":       time.Now().UTC().Format(time.RFC3339Nano),
			"label":    label,
			"metric":   "rest_time",
			"url":      baseURL + "/time",
			"status":   status,
			"total_ms": totalMs,
			"ttfb_ms":  td.ttfb.Milliseconds(),
			"dns_ms":   td.dns.Milliseconds(),
			"conn_ms":  td.connect.Milliseconds(),
			"tls_ms":   td.tls.Milliseconds(),
			"reused":   td.connReused,
			"err":      "",
		}

		if td.connReused {
			metrics.reused.Add(1)
		}

		if err != nil || status < 200 || status >= 300 {
			metrics.errors.Add(1)
			if err != nil {
				row["err"] = err.Error()
			} else {
				row["err"] = strings.TrimSpace(string(body))
			}
			writer.writeRow(row)
			return
		}

		var serverTS int64
		if derr := json.Unmarshal(body, &serverTS); derr != nil {
			metrics.errors.Add(1)
			row["err"] = fmt.Sprintf("decode /time: %v", derr)
			writer.writeRow(row)
			return
		}

		serverTime := unixFromUnknown(serverTS)
		localMid := t0.Add(t1.Sub(t0) / 2)
		offset := serverTime.Sub(localMid)

		metrics.ok.Add(1)
		metrics.totalMs.add(totalMs)
		metrics.ttfbMs.add(td.ttfb.Milliseconds())
		metrics.dnsMs.add(td.dns.Milliseconds())
		metrics.connMs.add(td.connect.Milliseconds())
		metrics.tlsMs.add(td.tls.Milliseconds())
		metrics.offsetMs.add(offset.Milliseconds())
		offsetEstimateMs.Store(offset.Milliseconds())

		row["server_ts"] = serverTS
		row["offset_ms"] = offset.Milliseconds()
		writer.writeRow(row)
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}

func restBookLoop(
	ctx context.Context,
	baseURL string,
	tokenID string,
	interval time.Duration,
	timeout time.Duration,
	client *http.Client,
	metrics *httpMetrics,
	label string,
	writer *sampleWriter,
) {
	if tokenID == "" {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	bookURL := baseURL + "/book?token_id=" + url.QueryEscape(tokenID)

	run := func() {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		t0 := time.Now()
		td, status, body, err := httpGetTimed(reqCtx, client, bookURL, 2<<20)
		totalMs := time.Since(t0).Milliseconds()

		row := map[string]any{
			"ts":       time.Now().UTC().Format(time.RFC3339Nano),
			"label":    label,
			"metric":   "rest_book",
			"url":      bookURL,
			"token_id": tokenID,
			"status":   status,
			"total_ms": totalMs,
			"ttfb_ms":  td.ttfb.Milliseconds(),
			"dns_ms":   td.dns.Milliseconds(),
			"conn_ms":  td.connect.Milliseconds(),
			"tls_ms":   td.tls.Milliseconds(),
			"reused":   td.connReused,
			"err":      "",
		}

		if td.connReused {
			metrics.reused.Add(1)
		}

		if err != nil || status < 200 || status >= 300 {
			metrics.errors.Add(1)
			if err != nil {
				row["err"] = err.Error()
			} else {
				row["err"] = strings.TrimSpace(string(body))
			}
			writer.writeRow(row)
			return
		}
		if !json.Valid(body) {
			metrics.errors.Add(1)
			row["err"] = "invalid json body"
			writer.writeRow(row)
			return
		}

		metrics.ok.Add(1)
		metrics.totalMs.add(totalMs)
		metrics.ttfbMs.add(td.ttfb.Milliseconds())
		metrics.dnsMs.add(td.dns.Milliseconds())
		metrics.connMs.add(td.connect.Milliseconds())
		metrics.tlsMs.add(td.tls.Milliseconds())
		writer.writeRow(row)
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}

// wsCycleLoop repeatedly performs a full cold-start cycle against the market
// channel: dial, subscribe, wait for the first book snapshot, then one
// keepalive round-trip. Each cycle contributes one sample per metric, which
// is what makes the percentiles meaningful.
func wsCycleLoop(ctx context.Context, wsURL, tokenID string, cycle time.Duration, m *wsMetrics, label string, writer *sampleWriter) {
	if tokenID == "" {
		return
	}
	t := time.NewTicker(cycle)
	defer t.Stop()

	run := func() {
		if err := wsCycleOnce(ctx, wsURL, tokenID, m, label, writer); err != nil && ctx.Err() == nil {
			m.cyclesErr.Add(1)
			log.Printf("[warn] ws cycle: %v", err)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}

func wsCycleOnce(ctx context.Context, wsURL, tokenID string, m *wsMetrics, label string, writer *sampleWriter) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}

	dialStart := time.Now()
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()
	dialMs := time.Since(dialStart).Milliseconds()
	m.dialMs.add(dialMs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sub, err := json.Marshal(map[string]any{"assets_ids": []string{tokenID}, "type": "market"})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("ws subscribe write: %w", err)
	}
	subSentAt := time.Now()

	var firstBookMs int64 = -1
	readDeadline := time.Now().Add(10 * time.Second)
	for firstBookMs < 0 {
		_ = conn.SetReadDeadline(readDeadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws first book read: %w", err)
		}
		if hasBookEvent(msg) {
			firstBookMs = time.Since(subSentAt).Milliseconds()
		}
	}
	m.firstBookMs.add(firstBookMs)

	// One keepalive round-trip on the warm session. The venue answers a
	// literal "PING" text frame with "PONG".
	pingSentAt := time.Now()
	_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
		return fmt.Errorf("ws ping write: %w", err)
	}
	var pingRttMs int64 = -1
	pingDeadline := time.Now().Add(5 * time.Second)
	for pingRttMs < 0 {
		_ = conn.SetReadDeadline(pingDeadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws pong read: %w", err)
		}
		if string(msg) == "PONG" {
			pingRttMs = time.Since(pingSentAt).Milliseconds()
		}
	}
	m.pingRttMs.add(pingRttMs)

	m.cyclesOK.Add(1)
	writer.writeRow(map[string]any{
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
		"label":         label,
		"metric":        "ws_cycle",
		"url":           wsURL,
		"token_id":      tokenID,
		"dial_ms":       dialMs,
		"first_book_ms": firstBookMs,
		"ping_rtt_ms":   pingRttMs,
		"err":           "",
	})
	return nil
}

// hasBookEvent reports whether the frame carries at least one full book
// snapshot. The channel sends a single object or an array of them.
func hasBookEvent(msg []byte) bool {
	type evt struct {
		EventType string `json:"event_type"`
	}
	var one evt
	if err := json.Unmarshal(msg, &one); err == nil {
		return one.EventType == "book"
	}
	var many []evt
	if err := json.Unmarshal(msg, &many); err == nil {
		for _, e := range many {
			if e.EventType == "book" {
				return true
			}
		}
	}
	return false
}

func fmtStatTriplet(st stats, n int) string {
	if n <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("p50=%s p95=%s max=%s", fmtMs(st.median), fmtMs(st.p95), fmtMs(st.max))
}

func printHTTPStatsCompact(prefix string, m *httpMetrics, includeOffset bool) {
	total := m.totalMs.snapshot()
	stTotal := summarize(total)
	stTTFB := summarize(m.ttfbMs.snapshot())
	stDNS := summarize(m.dnsMs.snapshot())
	stConn := summarize(m.connMs.snapshot())
	stTLS := summarize(m.tlsMs.snapshot())

	ok := m.ok.Load()
	errs := m.errors.Load()
	reused := m.reused.Load()
	totalReq := ok + errs
	reusedPct := int64(0)
	if totalReq > 0 {
		reusedPct = (100 * reused) / totalReq
	}

	if includeOffset {
		stOff := summarize(m.offsetMs.snapshot())
		log.Printf("%s: ok=%d err=%d reused=%d (%d%%) total(p50/p95/max)=%s/%s/%s ttfb(p50)=%s dns(p50)=%s conn(p50)=%s tls(p50)=%s offset(p50)=%s",
			prefix, ok, errs, reused, reusedPct,
			fmtMs(stTotal.median), fmtMs(stTotal.p95), fmtMs(stTotal.max),
			fmtMs(stTTFB.median), fmtMs(stDNS.median), fmtMs(stConn.median), fmtMs(stTLS.median),
			fmtMs(stOff.median))
		return
	}

	log.Printf("%s: ok=%d err=%d reused=%d (%d%%) total(p50/p95/max)=%s/%s/%s ttfb(p50)=%s dns(p50)=%s conn(p50)=%s tls(p50)=%s",
		prefix, ok, errs, reused, reusedPct,
		fmtMs(stTotal.median), fmtMs(stTotal.p95), fmtMs(stTotal.max),
		fmtMs(stTTFB.median), fmtMs(stDNS.median), fmtMs(stConn.median), fmtMs(stTLS.median))
}

func printHTTPStatsTable(prefix string, m *httpMetrics, includeOffset bool) {
	total := m.totalMs.snapshot()
	stTotal := summarize(total)
	stTTFB := summarize(m.ttfbMs.snapshot())
	stDNS := summarize(m.dnsMs.snapshot())
	stConn := summarize(m.connMs.snapshot())
	stTLS := summarize(m.tlsMs.snapshot())

	ok := m.ok.Load()
	errs := m.errors.Load()
	reused := m.reused.Load()
	totalReq := ok + errs
	reusedPct := int64(0)
	if totalReq > 0 {
		reusedPct = (100 * reused) / totalReq
	}

	log.Printf("%-12s ok=%-6d err=%-6d reused=%-6d (%d%%) samples=%d", prefix, ok, errs, reused, reusedPct, len(total))
	log.Printf("  total:  %s", fmtStatTriplet(stTotal, len(total)))
	log.Printf("  ttfb:   p50=%-8s  dns: p50=%-8s  conn: p50=%-8s  tls: p50=%-8s",
		fmtMs(stTTFB.median), fmtMs(stDNS.median), fmtMs(stConn.median), fmtMs(stTLS.median))
	if includeOffset {
		stOff := summarize(m.offsetMs.snapshot())
		log.Printf("  offset: p50=%s (server - local_midpoint)", fmtMs(stOff.median))
	}
}

func printWSStatsCompact(prefix string, m *wsMetrics) {
	stDial := summarize(m.dialMs.snapshot())
	stFirst := summarize(m.firstBookMs.snapshot())
	stPing := summarize(m.pingRttMs.snapshot())

	log.Printf("%s: cycles_ok=%d cycles_err=%d dial(p50/p95/max)=%s/%s/%s first_book(p50/p95/max)=%s/%s/%s ping_rtt(p50/p95/max)=%s/%s/%s",
		prefix, m.cyclesOK.Load(), m.cyclesErr.Load(),
		fmtMs(stDial.median), fmtMs(stDial.p95), fmtMs(stDial.max),
		fmtMs(stFirst.median), fmtMs(stFirst.p95), fmtMs(stFirst.max),
		fmtMs(stPing.median), fmtMs(stPing.p95), fmtMs(stPing.max))
}

func printWSStatsTable(prefix string, m *wsMetrics) {
	dial := m.dialMs.snapshot()
	first := m.firstBookMs.snapshot()
	ping := m.pingRttMs.snapshot()

	log.Printf("%-12s cycles_ok=%-6d cycles_err=%-6d", prefix, m.cyclesOK.Load(), m.cyclesErr.Load())
	log.Printf("  dial:       %s", fmtStatTriplet(summarize(dial), len(dial)))
	log.Printf("  first_book: %s", fmtStatTriplet(summarize(first), len(first)))
	log.Printf("  ping_rtt:   %s", fmtStatTriplet(summarize(ping), len(ping)))
}

func printSummary(format, label string, restTime, restBook *httpMetrics, hasBook bool, ws *wsMetrics, hasWS bool) {
	if label != "" {
		log.Printf("=== summary  label=%s ===", label)
	} else {
		log.Printf("=== summary ===")
	}
	switch format {
	case "compact":
		printHTTPStatsCompact("REST /time", restTime, true)
		if hasBook {
			printHTTPStatsCompact("REST /book", restBook, false)
		}
		if hasWS {
			printWSStatsCompact("market WS", ws)
		}
	default:
		printHTTPStatsTable("REST /time", restTime, true)
		if hasBook {
			printHTTPStatsTable("REST /book", restBook, false)
		}
		if hasWS {
			printWSStatsTable("market WS", ws)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.LUTC)
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	parsed, err := parseArgs(cfg)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if parsed.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(baseCtx, parsed.duration)
		defer cancel()
	}

	writer := newSampleWriter(parsed.outFile)
	defer writer.close()

	log.Printf("Latency probe starting")
	log.Printf("Label: %q", parsed.label)
	log.Printf("Duration: %s (Ctrl+C to stop early)", parsed.duration)
	log.Printf("REST: %s (/time every %s, /book every %s token_id=%q)", parsed.restURL, parsed.timeInterval, parsed.bookInterval, parsed.tokenID)
	if parsed.tokenID != "" {
		log.Printf("WS: %s (connect/subscribe/first-book cycle every %s)", parsed.wsURL, parsed.wsCycle)
	} else {
		log.Printf("WS: skipped (no token; pass --token-id or set YES_TOKEN_ID)")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = parsed.disableKeepAlive
	transport.MaxIdleConns = 128
	transport.MaxIdleConnsPerHost = 64
	transport.IdleConnTimeout = 30 * time.Second

	httpClient := &http.Client{Transport: transport}

	var offsetEstimateMs atomic.Int64
	restTimeMetrics := newHTTPMetrics(parsed.sampleCap)
	restBookMetrics := newHTTPMetrics(parsed.sampleCap)
	wsCycleMetrics := newWSMetrics(parsed.sampleCap)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		restTimeLoop(ctx, parsed.restURL, parsed.timeInterval, parsed.restTimeout, httpClient, restTimeMetrics, &offsetEstimateMs, parsed.label, writer)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		restBookLoop(ctx, parsed.restURL, parsed.tokenID, parsed.bookInterval, parsed.restTimeout, httpClient, restBookMetrics, parsed.label, writer)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		wsCycleLoop(ctx, parsed.wsURL, parsed.tokenID, parsed.wsCycle, wsCycleMetrics, parsed.label, writer)
	}()

	printTicker := time.NewTicker(parsed.printEvery)
	defer printTicker.Stop()

	hasToken := parsed.tokenID != ""
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Printf("Final summary:")
			printSummary(parsed.printFormat, parsed.label, restTimeMetrics, restBookMetrics, hasToken, wsCycleMetrics, hasToken)
			return
		case <-printTicker.C:
			printSummary(parsed.printFormat, parsed.label, restTimeMetrics, restBookMetrics, hasToken, wsCycleMetrics, hasToken)
		}
	}
}
