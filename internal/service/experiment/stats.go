package experiment

import (
	"fmt"
	"math"

	"github.com/ignite/abtest-engine/internal/domain"
)

// SignificanceResult reports the outcome of comparing the leading variant
// against the runner-up on the experiment's winner criterion.
type SignificanceResult struct {
	ChiSquare        float64 `json:"chi_square"`
	PValue           float64 `json:"p_value"`
	IsSignificant    bool    `json:"is_significant"`
	HasMinimumSample bool    `json:"has_minimum_sample"`
	CanDeclareWinner bool    `json:"can_declare_winner"`
	LeadingVariantID string  `json:"leading_variant_id,omitempty"`
	LeadingLabel     string  `json:"leading_label,omitempty"`
	Message          string  `json:"message"`
}

// ConfidenceInterval bounds a variant's true rate, in percentage points.
// Margin is the half-width before the bounds are clamped to [0,100], so it
// stays recoverable even when a bound was cut off.
type ConfidenceInterval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Margin float64 `json:"margin"`
}

// analyze compares the best variant against the runner-up with a Pearson
// chi-square test on a 2x2 contingency table of successes and failures.
// No Yates correction. The p-value for one degree of freedom reduces to
// erfc(sqrt(chi/2)).
func analyze(e *domain.Experiment) SignificanceResult {
	res := SignificanceResult{PValue: 1}

	if len(e.Variants) < domain.MinVariants {
		res.Message = "insufficient data: fewer than two variants"
		return res
	}
	for _, v := range e.Variants {
		if v.SentCount == 0 {
			res.Message = "insufficient data: at least one variant has no sends"
			return res
		}
	}

	best, runnerUp := rankVariants(e.Variants, e.WinnerCriteria)
	res.LeadingVariantID = best.ID
	res.LeadingLabel = best.Label

	minSent := e.Variants[0].SentCount
	for _, v := range e.Variants[1:] {
		if v.SentCount < minSent {
			minSent = v.SentCount
		}
	}
	res.HasMinimumSample = minSent >= e.MinSampleSize

	chi, ok := chiSquare2x2(
		best.SuccessCount(e.WinnerCriteria), best.SentCount,
		runnerUp.SuccessCount(e.WinnerCriteria), runnerUp.SentCount,
	)
	if !ok {
		res.Message = "insufficient data: chi-square is undefined for these counts"
		return res
	}
	res.ChiSquare = chi
	res.PValue = chiSquarePValue(chi)
	res.IsSignificant = res.PValue < 1-e.ConfidenceLevel/100
	res.CanDeclareWinner = res.IsSignificant && res.HasMinimumSample

	switch {
	case res.CanDeclareWinner:
		res.Message = fmt.Sprintf("variant %s leads with %.1f%% confidence (chi-square %.2f, p=%.4f)",
			best.Label, e.ConfidenceLevel, chi, res.PValue)
	case !res.HasMinimumSample:
		res.Message = fmt.Sprintf("variant %s leads but the sample is below %d per variant (smallest: %d)",
			best.Label, e.MinSampleSize, minSent)
	default:
		res.Message = fmt.Sprintf("variant %s leads but the difference is not significant (chi-square %.2f, p=%.4f)",
			best.Label, chi, res.PValue)
	}
	return res
}

// chiSquare2x2 computes the Pearson statistic for a 2x2 table of successes
// and failures. ok is false when any marginal total is zero, which makes the
// expected counts undefined.
func chiSquare2x2(aSuccess, aTotal, bSuccess, bTotal int) (chi float64, ok bool) {
	aFail := aTotal - aSuccess
	bFail := bTotal - bSuccess
	if aFail < 0 {
		aFail = 0
	}
	if bFail < 0 {
		bFail = 0
	}

	rowA := float64(aSuccess + aFail)
	rowB := float64(bSuccess + bFail)
	colSuccess := float64(aSuccess + bSuccess)
	colFail := float64(aFail + bFail)
	grand := rowA + rowB
	if rowA == 0 || rowB == 0 || colSuccess == 0 || colFail == 0 {
		return 0, false
	}

	observed := [2][2]float64{
		{float64(aSuccess), float64(aFail)},
		{float64(bSuccess), float64(bFail)},
	}
	rows := [2]float64{rowA, rowB}
	cols := [2]float64{colSuccess, colFail}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			expected := rows[i] * cols[j] / grand
			diff := observed[i][j] - expected
			chi += diff * diff / expected
		}
	}
	return chi, true
}

// chiSquarePValue returns the upper tail of the chi-square distribution
// with one degree of freedom.
func chiSquarePValue(chi float64) float64 {
	if chi <= 0 {
		return 1
	}
	return math.Erfc(math.Sqrt(chi / 2))
}

// zScore converts a confidence level in percent to the two-sided critical
// value of the standard normal (95 -> 1.96, 99 -> 2.576).
func zScore(confidence float64) float64 {
	return math.Sqrt2 * math.Erfinv(confidence/100)
}

// confidenceInterval puts a normal-approximation interval around an observed
// rate. Bounds are in percentage points, clamped to [0,100]. A variant with
// no sends gets the degenerate [0,0] interval.
func confidenceInterval(successes, total int, confidence float64) ConfidenceInterval {
	if total <= 0 {
		return ConfidenceInterval{}
	}
	p := float64(successes) / float64(total)
	half := zScore(confidence) * math.Sqrt(p*(1-p)/float64(total)) * 100
	rate := p * 100
	ci := ConfidenceInterval{Lower: rate - half, Upper: rate + half, Margin: half}
	if ci.Lower < 0 {
		ci.Lower = 0
	}
	if ci.Upper > 100 {
		ci.Upper = 100
	}
	return ci
}
