package experiment

import "github.com/ignite/abtest-engine/internal/domain"

// rankVariants returns the best and runner-up variants for the given
// criterion. Ties break toward the lowest label so ranking is deterministic.
// Callers must pass at least two variants.
func rankVariants(variants []domain.Variant, c domain.WinnerCriteria) (best, runnerUp *domain.Variant) {
	for i := range variants {
		v := &variants[i]
		if best == nil || beats(v, best, c) {
			runnerUp = best
			best = v
			continue
		}
		if runnerUp == nil || beats(v, runnerUp, c) {
			runnerUp = v
		}
	}
	return best, runnerUp
}

func beats(a, b *domain.Variant, c domain.WinnerCriteria) bool {
	av, bv := a.MetricValue(c), b.MetricValue(c)
	if av != bv {
		return av > bv
	}
	return a.Label < b.Label
}
