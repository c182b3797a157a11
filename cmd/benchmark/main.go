// Command benchmark times the CPU half of the decision-to-wire path with no
// network attached: decision evaluation over a synthetic two-token book,
// EIP-712 order signing, submission body marshalling, and HMAC header
// stamping. Everything runs against a throwaway key and synthetic
// credentials, so it is safe on any box. Pair it with cmd/latency, which
// measures the network half.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"polytaker/internal/book"
	"polytaker/internal/clob"
	"polytaker/internal/engine"
	"polytaker/internal/micros"
	"polytaker/internal/oracle"
	"polytaker/internal/position"
)

type phaseStats struct {
	min int64
	p50 int64
	p95 int64
	max int64
}

func summarize(values []int64) phaseStats {
	if len(values) == 0 {
		return phaseStats{}
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
	return phaseStats{
		min: sorted[0],
		p50: pick(0.5),
		p95: pick(0.95),
		max: sorted[len(sorted)-1],
	}
}

func fmtUs(us int64) string {
	if us >= 10_000 {
		return fmt.Sprintf("%.2fms", float64(us)/1000.0)
	}
	return fmt.Sprintf("%dus", us)
}

type args struct {
	iterations int
	warmup     int
	levels     int
	chainID    int64
	negRisk    bool
	orderType  clob.OrderType
	target     time.Duration
}

func parseArgs() (args, error) {
	iterations := flag.Int("iterations", 2000, "Measured iterations")
	warmup := flag.Int("warmup", 200, "Unrecorded warmup iterations")
	levels := flag.Int("levels", 16, "Synthetic book depth levels per side")
	chainID := flag.Int64("chain-id", 137, "Chain ID for the signing domain")
	negRisk := flag.Bool("neg-risk", false, "Sign against the neg-risk exchange domain")
	orderType := flag.String("order-type", string(clob.OrderTypeFAK), "Order type in the payload: FOK, FAK, GTC or GTD")
	target := flag.Duration("target", 5*time.Millisecond, "Decision-to-wire CPU budget to compare against")
	flag.Parse()

	if *iterations <= 0 {
		return args{}, fmt.Errorf("iterations must be > 0")
	}
	if *warmup < 0 {
		return args{}, fmt.Errorf("warmup must be >= 0")
	}
	if *levels < 1 || *levels > 40 {
		return args{}, fmt.Errorf("levels must be in [1,40]")
	}
	if *chainID <= 0 {
		return args{}, fmt.Errorf("chain-id must be > 0")
	}
	if *target <= 0 {
		return args{}, fmt.Errorf("target must be > 0")
	}

	var ot clob.OrderType
	switch clob.OrderType(strings.ToUpper(strings.TrimSpace(*orderType))) {
	case clob.OrderTypeFOK:
		ot = clob.OrderTypeFOK
	case clob.OrderTypeFAK:
		ot = clob.OrderTypeFAK
	case clob.OrderTypeGTC:
		ot = clob.OrderTypeGTC
	case clob.OrderTypeGTD:
		ot = clob.OrderTypeGTD
	default:
		return args{}, fmt.Errorf("invalid order-type %q", *orderType)
	}

	return args{
		iterations: *iterations,
		warmup:     *warmup,
		levels:     *levels,
		chainID:    *chainID,
		negRisk:    *negRisk,
		orderType:  ot,
		target:     *target,
	}, nil
}

// buildSnapshot lays out a plausible resting book: the YES touch at
// 0.60/0.62, NO at 0.36/0.38, a fixed 250 tokens per level, levels one tick
// apart. The fair values fed in by main land above the YES ask so every
// iteration walks the full commit path.
func buildSnapshot(levels int) book.Snapshot {
	const (
		tick      = 10_000
		depthEach = 250 * micros.Scale
	)
	var yes, no book.Book
	for i := 0; i < levels; i++ {
		step := uint64(i) * tick
		yes.Bids = append(yes.Bids, book.Level{PriceMicros: 600_000 - step, DepthMicros: depthEach})
		yes.Asks = append(yes.Asks, book.Level{PriceMicros: 620_000 + step, DepthMicros: depthEach})
		no.Bids = append(no.Bids, book.Level{PriceMicros: 360_000 - step, DepthMicros: depthEach})
		no.Asks = append(no.Asks, book.Level{PriceMicros: 380_000 + step, DepthMicros: depthEach})
	}
	return book.Snapshot{
		Yes:           yes,
		No:            no,
		YesReady:      true,
		NoReady:       true,
		Seq:           1,
		PublishedAtMs: time.Now().UnixMilli(),
	}
}

func syntheticTokenID(seed string) string {
	return new(big.Int).SetBytes(ethcrypto.Keccak256([]byte(seed))).String()
}

func main() {
	log.SetFlags(0)

	parsed, err := parseArgs()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		log.Fatalf("[fatal] generate throwaway key: %v", err)
	}
	client, err := clob.NewClient(clob.DefaultHost, parsed.chainID, pk, common.Address{}, 0)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		log.Fatalf("[fatal] crypto/rand: %v", err)
	}
	client.SetCreds(clob.Creds{
		Key:        uuid.NewString(),
		Secret:     base64.StdEncoding.EncodeToString(secret[:]),
		Passphrase: uuid.NewString(),
	})

	cfg := engine.Config{
		YesTokenID:          syntheticTokenID("bench-yes"),
		NoTokenID:           syntheticTokenID("bench-no"),
		TickMicros:          10_000,
		NegRisk:             parsed.negRisk,
		EdgeThresholdMicros: 20_000,
		PriceOffsetMicros:   5_000,
		TakePctMicros:       500_000,
		MinOrderQuoteMicros: 1 * micros.Scale,
		MaxOrderQuoteMicros: 50 * micros.Scale,
	}
	gate := position.NewGate(10_000 * micros.Scale)
	snap := buildSnapshot(parsed.levels)

	var expiration int64
	if parsed.orderType == clob.OrderTypeGTD {
		// GTD must sit past the venue's 60s security threshold.
		expiration = time.Now().Add(2 * time.Minute).Unix()
	}

	decideUs := make([]int64, 0, parsed.iterations)
	signUs := make([]int64, 0, parsed.iterations)
	bodyUs := make([]int64, 0, parsed.iterations)
	headerUs := make([]int64, 0, parsed.iterations)
	totalUs := make([]int64, 0, parsed.iterations)

	var (
		committed  int
		skipped    int
		bodyBytes  int64
		lastHeader http.Header
	)

	iterate := func(i int, record bool) {
		// Jitter the fair value so consecutive iterations price and size
		// slightly different orders.
		fair := uint64(640_000 + (i%21)*1_000)
		sig := oracle.Signal{
			YesMicros:        fair,
			NoMicros:         micros.Scale - fair,
			ConfidenceMicros: 900_000,
			TsMs:             time.Now().UnixMilli(),
			ReceivedAtMs:     time.Now().UnixMilli(),
		}

		t0 := time.Now()
		dec, skip := engine.Decide(snap, sig, gate, cfg)
		t1 := time.Now()
		if record {
			decideUs = append(decideUs, t1.Sub(t0).Microseconds())
		}
		if skip != "" {
			if record {
				skipped++
			}
			return
		}

		order := clob.LimitOrder{
			TokenID:     dec.TokenID,
			Side:        dec.Side,
			PriceMicros: dec.LimitMicros,
			SizeMicros:  dec.SizeMicros,
			TickMicros:  cfg.TickMicros,
			NegRisk:     cfg.NegRisk,
			Expiration:  expiration,
		}
		signed, err := client.SignLimitOrder(order, nil)
		t2 := time.Now()
		if err != nil {
			log.Fatalf("[fatal] sign: %v", err)
		}

		body, err := client.BuildOrderBody(signed, parsed.orderType)
		t3 := time.Now()
		if err != nil {
			log.Fatalf("[fatal] body: %v", err)
		}

		headers, err := client.L2Headers(time.Now().Unix(), http.MethodPost, "/order", body)
		t4 := time.Now()
		if err != nil {
			log.Fatalf("[fatal] headers: %v", err)
		}

		if record {
			committed++
			bodyBytes += int64(len(body))
			lastHeader = headers
			signUs = append(signUs, t2.Sub(t1).Microseconds())
			bodyUs = append(bodyUs, t3.Sub(t2).Microseconds())
			headerUs = append(headerUs, t4.Sub(t3).Microseconds())
			totalUs = append(totalUs, t4.Sub(t0).Microseconds())
		}
	}

	for i := 0; i < parsed.warmup; i++ {
		iterate(i, false)
	}
	start := time.Now()
	for i := 0; i < parsed.iterations; i++ {
		iterate(i, true)
	}
	elapsed := time.Since(start)

	domain := "CTFExchange"
	if parsed.negRisk {
		domain = "NegRiskCTFExchange"
	}
	fmt.Printf("hot path: %d iterations (%d warmup), %d levels/side, chain %d, %s, %s\n",
		parsed.iterations, parsed.warmup, parsed.levels, parsed.chainID, domain, parsed.orderType)
	fmt.Printf("committed %d, skipped %d, wall %s\n", committed, skipped, elapsed.Round(time.Millisecond))
	if committed == 0 {
		log.Fatalf("[fatal] no iteration reached the wire; synthetic scenario is broken")
	}
	fmt.Printf("avg body %d bytes, %d auth headers\n\n", bodyBytes/int64(committed), len(lastHeader))

	rows := []struct {
		name string
		st   phaseStats
	}{
		{"decide", summarize(decideUs)},
		{"sign", summarize(signUs)},
		{"body", summarize(bodyUs)},
		{"headers", summarize(headerUs)},
		{"total", summarize(totalUs)},
	}
	fmt.Printf("%-9s %10s %10s %10s %10s\n", "phase", "min", "p50", "p95", "max")
	for _, r := range rows {
		fmt.Printf("%-9s %10s %10s %10s %10s\n",
			r.name, fmtUs(r.st.min), fmtUs(r.st.p50), fmtUs(r.st.p95), fmtUs(r.st.max))
	}

	total := summarize(totalUs)
	targetUs := parsed.target.Microseconds()
	fmt.Printf("\ndecision-to-wire CPU p95 %s, max %s (budget %s, network excluded)\n",
		fmtUs(total.p95), fmtUs(total.max), parsed.target)
	if total.p95 > targetUs {
		log.Printf("[warn] p95 exceeds the budget on this box")
	}
}
