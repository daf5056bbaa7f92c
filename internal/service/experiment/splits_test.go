package experiment

import (
	"math"
	"testing"

	"github.com/ignite/abtest-engine/internal/domain"
)

func variantsWithSplits(splits ...float64) []domain.Variant {
	out := make([]domain.Variant, len(splits))
	for i, s := range splits {
		out[i] = domain.Variant{
			ID:              domain.VariantLabels[i],
			Label:           domain.VariantLabels[i],
			SplitPercentage: s,
		}
	}
	return out
}

func splitsOf(vs []domain.Variant) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = v.SplitPercentage
	}
	return out
}

func assertSplits(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d splits, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("split %d: expected %.1f, got %.1f", i, want[i], got[i])
		}
	}
}

func TestRebalanceEven(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want []float64
	}{
		{"two variants", 2, []float64{50, 50}},
		{"three variants, last takes remainder", 3, []float64{33.3, 33.3, 33.4}},
		{"four variants", 4, []float64{25, 25, 25, 25}},
		{"five variants", 5, []float64{20, 20, 20, 20, 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := make([]domain.Variant, tt.n)
			rebalanceEven(vs)
			assertSplits(t, splitsOf(vs), tt.want)
		})
	}
}

func TestRedistributeAfterRemove(t *testing.T) {
	tests := []struct {
		name    string
		before  []float64
		removed float64
		want    []float64
	}{
		{"proportional over equal survivors", []float64{30, 30}, 40, []float64{50, 50}},
		{"proportional over unequal survivors", []float64{60, 20}, 20, []float64{75, 25}},
		{"residual lands on first survivor", []float64{33.3, 33.3}, 33.4, []float64{50, 50}},
		{"all-zero survivors fall back to even", []float64{0, 0}, 100, []float64{50, 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := variantsWithSplits(tt.before...)
			redistributeAfterRemove(vs, tt.removed)
			assertSplits(t, splitsOf(vs), tt.want)

			var total float64
			for _, s := range splitsOf(vs) {
				total += s
			}
			if math.Abs(total-100) > 1e-9 {
				t.Fatalf("splits should sum to 100 after remove, got %.2f", total)
			}
		})
	}
}

func TestResizeSplit(t *testing.T) {
	t.Run("delta scales with current shares", func(t *testing.T) {
		vs := variantsWithSplits(33.3, 33.3, 33.4)
		resizeSplit(vs, "A", 50)
		assertSplits(t, splitsOf(vs), []float64{50, 25, 25})
	})

	t.Run("shrinking one grows the others", func(t *testing.T) {
		vs := variantsWithSplits(50, 25, 25)
		resizeSplit(vs, "A", 20)
		assertSplits(t, splitsOf(vs), []float64{20, 40, 40})
	})

	t.Run("zero-share others split the delta evenly", func(t *testing.T) {
		vs := variantsWithSplits(100, 0, 0)
		resizeSplit(vs, "A", 40)
		assertSplits(t, splitsOf(vs), []float64{40, 30, 30})
	})

	t.Run("rounding drift stays within a tenth", func(t *testing.T) {
		vs := variantsWithSplits(33.3, 33.3, 33.4)
		resizeSplit(vs, "B", 40.1)

		var total float64
		for _, s := range splitsOf(vs) {
			total += s
		}
		if math.Abs(total-100) > 0.1+1e-9 {
			t.Fatalf("total drifted beyond 0.1 after resize: %.2f", total)
		}
	})
}
