package ctf

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"polytaker/internal/dataapi"
)

// Claim is one condition's worth of redeemable positions. Plain claims
// carry the CTF index sets to redeem; neg-risk claims carry the per-slot
// token amounts the adapter burns.
type Claim struct {
	ConditionID common.Hash
	NegRisk     bool
	IndexSets   []*big.Int
	Amounts     []*big.Int
	Positions   []dataapi.Position
}

// SizeTotal sums the held sizes across the claim's positions, in micros.
func (c Claim) SizeTotal() uint64 {
	var total uint64
	for _, p := range c.Positions {
		total += p.SizeMicros()
	}
	return total
}

// Title picks a display title and outcome from the underlying positions.
func (c Claim) Title() (title, outcome string) {
	for _, p := range c.Positions {
		if title == "" {
			title = strings.TrimSpace(p.Title)
		}
		if outcome == "" {
			outcome = strings.TrimSpace(p.Outcome)
		}
	}
	return title, outcome
}

// BuildClaims groups redeemable positions by condition, splitting the plain
// and neg-risk paths. Positions with malformed condition ids or outcome
// indexes are dropped; the count of drops comes back with the claims.
func BuildClaims(positions []dataapi.Position) ([]Claim, int) {
	byCondition := make(map[common.Hash]*Claim)
	skipped := 0

	for _, pos := range positions {
		cond, err := parseConditionID(pos.ConditionID)
		if err != nil {
			skipped++
			continue
		}

		claim := byCondition[cond]
		if claim == nil {
			claim = &Claim{ConditionID: cond, NegRisk: pos.NegativeRisk}
			byCondition[cond] = claim
		}
		if claim.NegRisk != pos.NegativeRisk {
			// One condition flagged both ways is API noise; trust the
			// first sighting and drop the contradiction.
			skipped++
			continue
		}

		if claim.NegRisk {
			if pos.OutcomeIndex < 0 || pos.OutcomeIndex > 1 {
				skipped++
				continue
			}
			if claim.Amounts == nil {
				claim.Amounts = []*big.Int{big.NewInt(0), big.NewInt(0)}
			}
			amt := new(big.Int).SetUint64(pos.SizeMicros())
			claim.Amounts[pos.OutcomeIndex].Add(claim.Amounts[pos.OutcomeIndex], amt)
		} else {
			set, err := outcomeIndexSet(pos.OutcomeIndex)
			if err != nil {
				skipped++
				continue
			}
			if !containsIndexSet(claim.IndexSets, set) {
				claim.IndexSets = append(claim.IndexSets, set)
			}
		}
		claim.Positions = append(claim.Positions, pos)
	}

	claims := make([]Claim, 0, len(byCondition))
	for _, claim := range byCondition {
		if len(claim.Positions) == 0 {
			continue
		}
		sort.Slice(claim.IndexSets, func(i, j int) bool {
			return claim.IndexSets[i].Cmp(claim.IndexSets[j]) < 0
		})
		claims = append(claims, *claim)
	}
	sort.Slice(claims, func(i, j int) bool {
		return claims[i].ConditionID.Hex() < claims[j].ConditionID.Hex()
	})
	return claims, skipped
}

// outcomeIndexSet maps an outcome slot to its CTF partition bit.
func outcomeIndexSet(idx int) (*big.Int, error) {
	if idx < 0 || idx > 255 {
		return nil, fmt.Errorf("outcome index %d out of range", idx)
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(idx)), nil
}

func parseConditionID(raw string) (common.Hash, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return common.Hash{}, errors.New("empty condition id")
	}
	if !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("condition id missing 0x prefix: %q", s)
	}
	hexStr := strings.TrimPrefix(s, "0x")
	if len(hexStr) != 64 {
		return common.Hash{}, fmt.Errorf("condition id length %d", len(hexStr))
	}
	if _, err := hex.DecodeString(hexStr); err != nil {
		return common.Hash{}, fmt.Errorf("condition id hex: %w", err)
	}
	return common.HexToHash(s), nil
}

func containsIndexSet(sets []*big.Int, target *big.Int) bool {
	for _, s := range sets {
		if s.Cmp(target) == 0 {
			return true
		}
	}
	return false
}

// FormatIndexSets renders index sets for log lines.
func FormatIndexSets(sets []*big.Int) string {
	if len(sets) == 0 {
		return "[]"
	}
	parts := make([]string, 0, len(sets))
	for _, s := range sets {
		parts = append(parts, s.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}
