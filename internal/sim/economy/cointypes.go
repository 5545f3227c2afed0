package economy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"shardworld.ai/internal/sim/tuning"
)

var ErrBadDistribution = errors.New("coin probabilities do not add up to 1")

type CoinKind struct {
	Type        int
	Value       int
	Radius      float64
	Probability float64
	// Floor is the cumulative probability of every kind sorted before this one.
	Floor float64
}

// CoinTable samples coin kinds by inverse CDF over the configured probabilities.
type CoinTable struct {
	kinds []CoinKind
}

func NewCoinTable(types []tuning.CoinType) (*CoinTable, error) {
	kinds := make([]CoinKind, 0, len(types))
	for _, ct := range types {
		kinds = append(kinds, CoinKind{Type: ct.Type, Value: ct.Value, Radius: ct.Radius, Probability: ct.Probability})
	}
	sort.SliceStable(kinds, func(i, j int) bool { return kinds[i].Probability < kinds[j].Probability })

	sum := 0.0
	for i := range kinds {
		kinds[i].Floor = sum
		sum += kinds[i].Probability
	}
	if len(kinds) == 0 || math.Abs(sum-1) > 1e-9 {
		return nil, fmt.Errorf("coin table sums to %v: %w", sum, ErrBadDistribution)
	}
	return &CoinTable{kinds: kinds}, nil
}

// Pick maps a uniform draw in [0,1) to the last kind whose floor is <= u.
func (t *CoinTable) Pick(u float64) (CoinKind, error) {
	for i := len(t.kinds) - 1; i >= 0; i-- {
		if u >= t.kinds[i].Floor {
			return t.kinds[i], nil
		}
	}
	return CoinKind{}, ErrBadDistribution
}

func (t *CoinTable) Kinds() []CoinKind { return append([]CoinKind(nil), t.kinds...) }
