package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// WilsonInterval calculates the Wilson score confidence interval
// for a binomial proportion. It's more accurate for small samples
// than the normal approximation. confidence is a fraction (0.95).
func WilsonInterval(successes, trials int64, confidence float64) (lower, upper float64) {
	if trials == 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	p := float64(successes) / float64(trials)
	n := float64(trials)

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	lower = center - spread
	upper = center + spread

	// Clamp to [0, 1]
	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}

	return lower, upper
}

// ZScore returns the two-sided critical value for a confidence level
// given as a fraction:
//   - 0.90 -> 1.645
//   - 0.95 -> 1.96
//   - 0.99 -> 2.576
//
// Levels outside (0, 1) return 0.
func ZScore(confidence float64) float64 {
	if confidence <= 0 || confidence >= 1 {
		return 0
	}
	return distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
}

// OneSidedZScore returns the z-score with the given probability mass below
// it, used for statistical power (0.80 -> 0.8416).
func OneSidedZScore(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return distuv.UnitNormal.Quantile(p)
}
