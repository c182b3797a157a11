package oracle

import (
	"errors"
	"testing"
)

func TestDecodeSignal(t *testing.T) {
	raw := []byte(`{"yes_probability":0.65,"no_probability":0.35,"confidence":0.9,"timestamp_ms":1755000000123,"match_id":"m-42"}`)
	sig, err := decodeSignal(raw, 1755000000200)
	if err != nil {
		t.Fatalf("decodeSignal: %v", err)
	}
	if sig.YesMicros != 650_000 {
		t.Fatalf("yes=%d want 650000", sig.YesMicros)
	}
	if sig.NoMicros != 350_000 {
		t.Fatalf("no=%d want 350000", sig.NoMicros)
	}
	if sig.ConfidenceMicros != 900_000 {
		t.Fatalf("confidence=%d want 900000", sig.ConfidenceMicros)
	}
	if sig.MatchID != "m-42" {
		t.Fatalf("match_id=%q", sig.MatchID)
	}
	if sig.TsMs != 1755000000123 {
		t.Fatalf("ts=%d", sig.TsMs)
	}
	if sig.ReceivedAtMs != 1755000000200 {
		t.Fatalf("received=%d", sig.ReceivedAtMs)
	}
}

func TestDecodeSignalSecondsUpscaled(t *testing.T) {
	raw := []byte(`{"yes_probability":"0.5","no_probability":"0.5","timestamp_ms":1755000000}`)
	sig, err := decodeSignal(raw, 0)
	if err != nil {
		t.Fatalf("decodeSignal: %v", err)
	}
	if sig.TsMs != 1755000000000 {
		t.Fatalf("ts=%d want ms", sig.TsMs)
	}
	if sig.ConfidenceMicros != 0 {
		t.Fatalf("absent confidence must be zero, got %d", sig.ConfidenceMicros)
	}
}

func TestDecodeSignalRejectsGarbage(t *testing.T) {
	cases := []string{
		`{"yes_probability":-0.1,"no_probability":1.1}`,
		`{"yes_probability":"abc","no_probability":0.5}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := decodeSignal([]byte(raw), 0); err == nil {
			t.Fatalf("decodeSignal(%q): want error", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	now := int64(1755000000000)
	base := Signal{YesMicros: 650_000, NoMicros: 350_000, ConfidenceMicros: 900_000, TsMs: now}

	if err := base.Validate(now, 20_000, 5000); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}

	// Deviation exactly at epsilon passes.
	s := base
	s.NoMicros = 330_000
	if err := s.Validate(now, 20_000, 5000); err != nil {
		t.Fatalf("deviation at epsilon rejected: %v", err)
	}
	s.NoMicros = 329_999
	if err := s.Validate(now, 20_000, 5000); !errors.Is(err, ErrProbabilitySum) {
		t.Fatalf("want ErrProbabilitySum, got %v", err)
	}

	s = base
	s.YesMicros = 1_000_001
	if err := s.Validate(now, 20_000, 5000); !errors.Is(err, ErrProbabilityRange) {
		t.Fatalf("want ErrProbabilityRange, got %v", err)
	}

	s = base
	s.ConfidenceMicros = 1_200_000
	if err := s.Validate(now, 20_000, 5000); !errors.Is(err, ErrConfidenceRange) {
		t.Fatalf("want ErrConfidenceRange, got %v", err)
	}

	s = base
	s.TsMs = now - 6000
	if err := s.Validate(now, 20_000, 5000); !errors.Is(err, ErrStaleSignal) {
		t.Fatalf("want ErrStaleSignal for old stamp, got %v", err)
	}
	s.TsMs = now + 6000
	if err := s.Validate(now, 20_000, 5000); !errors.Is(err, ErrStaleSignal) {
		t.Fatalf("want ErrStaleSignal for future stamp, got %v", err)
	}

	// Skew bound zero disables the check.
	s.TsMs = 0
	if err := s.Validate(now, 20_000, 0); err != nil {
		t.Fatalf("skew check not disabled: %v", err)
	}
}

func TestSignalAge(t *testing.T) {
	s := Signal{ReceivedAtMs: 1000}
	if got := s.AgeMs(3500); got != 2500 {
		t.Fatalf("AgeMs=%d want 2500", got)
	}
}
