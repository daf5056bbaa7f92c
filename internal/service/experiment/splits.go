package experiment

import (
	"math"

	"github.com/ignite/abtest-engine/internal/domain"
)

// Split arithmetic runs on integer tenths of a percent so 33.3+33.3+33.4
// style allocations come out exact instead of accumulating float error.

func toTenths(pct float64) int {
	return int(math.Round(pct * 10))
}

func fromTenths(t int) float64 {
	return float64(t) / 10
}

// rebalanceEven assigns every variant an equal share of 100%, with the last
// variant absorbing the remainder. Used on create and when a variant is
// added (the new variant sits last and takes the extra tenth).
func rebalanceEven(variants []domain.Variant) {
	n := len(variants)
	if n == 0 {
		return
	}
	share := 1000 / n
	used := 0
	for i := 0; i < n-1; i++ {
		variants[i].SplitPercentage = fromTenths(share)
		used += share
	}
	variants[n-1].SplitPercentage = fromTenths(1000 - used)
}

// redistributeAfterRemove hands the removed variant's share to the remaining
// variants in proportion to their current shares. Rounding residue lands on
// the first remaining variant so the total stays at exactly 100%.
func redistributeAfterRemove(variants []domain.Variant, removedSplit float64) {
	n := len(variants)
	if n == 0 {
		return
	}
	removed := toTenths(removedSplit)
	shares := make([]int, n)
	total := 0
	for i := range variants {
		shares[i] = toTenths(variants[i].SplitPercentage)
		total += shares[i]
	}
	if total == 0 {
		rebalanceEven(variants)
		return
	}
	assigned := 0
	for i := 1; i < n; i++ {
		extra := int(math.Round(float64(removed) * float64(shares[i]) / float64(total)))
		shares[i] += extra
		assigned += extra
	}
	shares[0] += removed - assigned
	for i := range variants {
		variants[i].SplitPercentage = fromTenths(shares[i])
	}
}

// resizeSplit sets one variant's share and spreads the difference across the
// others in proportion to their current shares, each rounded to one decimal.
// Per-variant rounding may leave the total up to a tenth of a percent off
// 100; the start validation window tolerates that.
func resizeSplit(variants []domain.Variant, targetID string, newSplit float64) {
	var target *domain.Variant
	othersTotal := 0
	for i := range variants {
		if variants[i].ID == targetID {
			target = &variants[i]
		} else {
			othersTotal += toTenths(variants[i].SplitPercentage)
		}
	}
	if target == nil {
		return
	}
	delta := toTenths(target.SplitPercentage) - toTenths(newSplit)
	target.SplitPercentage = fromTenths(toTenths(newSplit))

	if len(variants) == 1 {
		return
	}
	if othersTotal == 0 {
		// Nothing to scale against, spread evenly.
		each := delta / (len(variants) - 1)
		for i := range variants {
			if variants[i].ID == targetID {
				continue
			}
			variants[i].SplitPercentage = fromTenths(toTenths(variants[i].SplitPercentage) + each)
		}
		return
	}
	for i := range variants {
		if variants[i].ID == targetID {
			continue
		}
		cur := toTenths(variants[i].SplitPercentage)
		gain := int(math.Round(float64(delta) * float64(cur) / float64(othersTotal)))
		next := cur + gain
		if next < 0 {
			next = 0
		}
		variants[i].SplitPercentage = fromTenths(next)
	}
}

// splitMap builds the per-variant split update payload for the repository.
func splitMap(variants []domain.Variant) map[string]float64 {
	m := make(map[string]float64, len(variants))
	for _, v := range variants {
		m[v.ID] = v.SplitPercentage
	}
	return m
}
