// Package oracle consumes the external fair-value feed. Signals arrive over
// HTTP polling or a WebSocket push channel, are validated, and are published
// on a bounded queue. Only the newest signal matters downstream, so the queue
// drops oldest on overflow.
package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"polytaker/internal/micros"
)

var (
	ErrProbabilityRange = errors.New("oracle: probability out of range")
	ErrProbabilitySum   = errors.New("oracle: probabilities do not sum to one")
	ErrConfidenceRange  = errors.New("oracle: confidence out of range")
	ErrStaleSignal      = errors.New("oracle: timestamp skew exceeds bound")
)

// Signal is one fair-value observation. Probabilities and confidence are
// micro-units (1.0 == 1_000_000). TsMs is the oracle's own stamp;
// ReceivedAtMs is our wall clock at ingest and is what freshness checks use,
// so a skewed oracle clock cannot spoof recency.
type Signal struct {
	YesMicros        uint64
	NoMicros         uint64
	ConfidenceMicros uint64
	MatchID          string
	TsMs             int64
	ReceivedAtMs     int64
}

// AgeMs is the time since ingest, used against the signal TTL.
func (s Signal) AgeMs(nowMs int64) int64 {
	return nowMs - s.ReceivedAtMs
}

// Validate rejects malformed signals. epsilonMicros bounds |yes+no-1|,
// maxSkewMs bounds |now-ts| in either direction (0 disables the skew check).
func (s Signal) Validate(nowMs int64, epsilonMicros uint64, maxSkewMs int64) error {
	if s.YesMicros > micros.Scale || s.NoMicros > micros.Scale {
		return fmt.Errorf("%w: yes=%s no=%s", ErrProbabilityRange,
			micros.Format(s.YesMicros), micros.Format(s.NoMicros))
	}
	sum := s.YesMicros + s.NoMicros
	var dev uint64
	if sum > micros.Scale {
		dev = sum - micros.Scale
	} else {
		dev = micros.Scale - sum
	}
	if dev > epsilonMicros {
		return fmt.Errorf("%w: yes=%s no=%s eps=%s", ErrProbabilitySum,
			micros.Format(s.YesMicros), micros.Format(s.NoMicros), micros.Format(epsilonMicros))
	}
	if s.ConfidenceMicros > micros.Scale {
		return fmt.Errorf("%w: confidence=%s", ErrConfidenceRange, micros.Format(s.ConfidenceMicros))
	}
	if maxSkewMs > 0 {
		skew := nowMs - s.TsMs
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkewMs {
			return fmt.Errorf("%w: ts=%d now=%d", ErrStaleSignal, s.TsMs, nowMs)
		}
	}
	return nil
}

type wireSignal struct {
	Yes        json.Number `json:"yes_probability"`
	No         json.Number `json:"no_probability"`
	Confidence json.Number `json:"confidence"`
	TsMs       json.Number `json:"timestamp_ms"`
	MatchID    string      `json:"match_id"`
}

// decodeSignal parses one oracle message. Numbers are decoded as strings so
// probabilities convert to micros without a float round trip. A negative
// probability or confidence fails here rather than in Validate.
func decodeSignal(data []byte, receivedAtMs int64) (Signal, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w wireSignal
	if err := dec.Decode(&w); err != nil {
		return Signal{}, fmt.Errorf("oracle decode: %w", err)
	}

	yes, err := parseRatio(w.Yes)
	if err != nil {
		return Signal{}, fmt.Errorf("oracle yes_probability: %w", err)
	}
	no, err := parseRatio(w.No)
	if err != nil {
		return Signal{}, fmt.Errorf("oracle no_probability: %w", err)
	}
	conf, err := parseRatio(w.Confidence)
	if err != nil {
		return Signal{}, fmt.Errorf("oracle confidence: %w", err)
	}

	var ts int64
	if w.TsMs != "" {
		ts, err = w.TsMs.Int64()
		if err != nil {
			return Signal{}, fmt.Errorf("oracle timestamp_ms: %w", err)
		}
		// Some feeds stamp seconds.
		if ts > 0 && ts < 1e10 {
			ts *= 1000
		}
	}

	return Signal{
		YesMicros:        yes,
		NoMicros:         no,
		ConfidenceMicros: conf,
		MatchID:          w.MatchID,
		TsMs:             ts,
		ReceivedAtMs:     receivedAtMs,
	}, nil
}

func parseRatio(n json.Number) (uint64, error) {
	if n == "" {
		return 0, nil
	}
	return micros.Parse(string(n))
}
