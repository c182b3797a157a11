package polygonutil

import (
	"math"
	"math/big"
	"testing"
)

func TestUint64FromUint256Saturating(t *testing.T) {
	over := new(big.Int).Add(new(big.Int).SetUint64(math.MaxUint64), big.NewInt(1))

	tests := []struct {
		name string
		in   *big.Int
		want uint64
	}{
		{"nil", nil, 0},
		{"zero", big.NewInt(0), 0},
		{"negative", big.NewInt(-1), 0},
		{"fits", new(big.Int).SetUint64(123_456_789), 123_456_789},
		{"saturates", over, math.MaxUint64},
	}
	for _, tt := range tests {
		if got := uint64FromUint256Saturating(tt.in); got != tt.want {
			t.Fatalf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestReportChecks(t *testing.T) {
	r := Report{BalanceMicros: 100_000_000, AllowanceMicros: 0}
	if !r.MissingAllowance() {
		t.Fatalf("zero allowance not flagged")
	}
	if !r.ShortBalance(250_000_000) {
		t.Fatalf("balance 100 below cap 250 not flagged")
	}

	r.AllowanceMicros = math.MaxUint64
	if r.MissingAllowance() {
		t.Fatalf("unlimited allowance flagged as missing")
	}
	if r.ShortBalance(100_000_000) {
		t.Fatalf("balance equal to cap flagged as short")
	}
}

func TestExchangeForSelectsContract(t *testing.T) {
	plain, err := ExchangeFor(137, false)
	if err != nil {
		t.Fatalf("ExchangeFor(137, false): %v", err)
	}
	negRisk, err := ExchangeFor(137, true)
	if err != nil {
		t.Fatalf("ExchangeFor(137, true): %v", err)
	}
	if plain == negRisk {
		t.Fatalf("neg-risk and plain exchanges must differ, both %s", plain.Hex())
	}

	all, err := Exchanges(137)
	if err != nil {
		t.Fatalf("Exchanges(137): %v", err)
	}
	if len(all) != 2 || all[0] != plain || all[1] != negRisk {
		t.Fatalf("Exchanges(137) = %v, want [%s %s]", all, plain.Hex(), negRisk.Hex())
	}
}
