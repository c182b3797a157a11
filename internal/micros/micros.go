// Package micros carries all prices, sizes, probabilities and quote amounts
// as integer "micro" units (1e6 scale). No floats on the hot path.
package micros

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"strings"
)

// Scale is the number of micro units per whole unit.
const Scale = uint64(1_000_000)

// Parse parses a base-10 decimal string into micro units.
//
// Examples:
//   - "1"        -> 1_000_000
//   - "0.55"     ->   550_000
//   - ".5"       ->   500_000
//   - "1.000001" -> 1_000_001
//
// If the input has more than 6 fractional digits, extra digits are truncated
// (not rounded).
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty decimal")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative not supported: %q", s)
	}
	if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(s[1:])
		if s == "" {
			return 0, fmt.Errorf("invalid decimal")
		}
	}

	var whole uint64
	var frac uint64
	fracDigits := 0
	seenDot := false
	seenDigit := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			if seenDot {
				return 0, fmt.Errorf("invalid decimal %q", s)
			}
			seenDot = true
		case c >= '0' && c <= '9':
			d := uint64(c - '0')
			seenDigit = true
			if !seenDot {
				if whole > (math.MaxUint64-d)/10 {
					return 0, fmt.Errorf("decimal overflow %q", s)
				}
				whole = whole*10 + d
				continue
			}
			if fracDigits < 6 {
				if frac > (math.MaxUint64-d)/10 {
					return 0, fmt.Errorf("decimal overflow %q", s)
				}
				frac = frac*10 + d
				fracDigits++
			}
			// Truncate extra fractional digits.
		default:
			return 0, fmt.Errorf("invalid decimal %q", s)
		}
	}

	if !seenDigit {
		return 0, fmt.Errorf("invalid decimal %q", s)
	}
	for fracDigits < 6 {
		frac *= 10
		fracDigits++
	}
	if whole > (math.MaxUint64-frac)/Scale {
		return 0, fmt.Errorf("decimal overflow %q", s)
	}
	return whole*Scale + frac, nil
}

// Format renders micro units as a trimmed decimal string ("1.25", "0.5", "3").
func Format(m uint64) string {
	whole := m / Scale
	frac := m % Scale
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	fs := fmt.Sprintf("%06d", frac)
	fs = strings.TrimRight(fs, "0")
	return fmt.Sprintf("%d.%s", whole, fs)
}

// FormatSigned renders signed micro units (realized PnL and the like).
func FormatSigned(m int64) string {
	if m < 0 {
		return "-" + Format(uint64(-m))
	}
	return Format(uint64(m))
}

// Amount is a micro-unit quantity that parses from a decimal string, so
// configuration fields like "0.02" land directly in micros.
type Amount uint64

// Micros returns the raw micro-unit value.
func (a Amount) Micros() uint64 { return uint64(a) }

// String renders the amount as a trimmed decimal.
func (a Amount) String() string { return Format(uint64(a)) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	m, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = Amount(m)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(Format(uint64(a))), nil
}

// MulDiv returns a*b/div with 128-bit intermediate precision.
func MulDiv(a, b, div uint64) uint64 {
	if div == 0 {
		panic("micros: MulDiv div=0")
	}

	hi, lo := bits.Mul64(a, b)
	if hi == 0 {
		return lo / div
	}

	// Fallback for overflow cases: exact 128-bit division via big.Int.
	var x big.Int
	x.SetUint64(hi)
	x.Lsh(&x, 64)

	var y big.Int
	y.SetUint64(lo)
	x.Add(&x, &y)

	var d big.Int
	d.SetUint64(div)
	x.Div(&x, &d)

	if x.IsUint64() {
		return x.Uint64()
	}
	return math.MaxUint64
}

// Cost returns the collateral (micros) to trade sharesMicros at priceMicros.
func Cost(sharesMicros, priceMicros uint64) uint64 {
	return MulDiv(sharesMicros, priceMicros, Scale)
}

// SharesFromQuote returns the maximum shares (micros) purchasable at
// priceMicros with quoteMicros collateral.
func SharesFromQuote(quoteMicros, priceMicros uint64) uint64 {
	if priceMicros == 0 {
		return 0
	}
	return MulDiv(quoteMicros, Scale, priceMicros)
}

// FloorToTick rounds price down to a multiple of tick. A zero tick is a no-op.
func FloorToTick(priceMicros, tickMicros uint64) uint64 {
	if tickMicros == 0 {
		return priceMicros
	}
	return priceMicros - priceMicros%tickMicros
}

// CeilToTick rounds price up to a multiple of tick. A zero tick is a no-op.
func CeilToTick(priceMicros, tickMicros uint64) uint64 {
	if tickMicros == 0 {
		return priceMicros
	}
	if rem := priceMicros % tickMicros; rem != 0 {
		return priceMicros + (tickMicros - rem)
	}
	return priceMicros
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
