package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ZTest is the outcome of a two-proportion z-test.
type ZTest struct {
	Z          float64
	PValue     float64 // Two-sided
	Confidence float64 // (1 - PValue) * 100
}

// noDifference is reported whenever the test cannot be computed: no
// visitors on one side or zero pooled variance.
var noDifference = ZTest{Z: 0, PValue: 1, Confidence: 0}

// TwoProportionTest performs a pooled two-proportion z-test of a variant
// against the control. Degenerate input yields zero confidence, never NaN.
func TwoProportionTest(controlConv, controlViews, variantConv, variantViews int64) ZTest {
	if controlViews <= 0 || variantViews <= 0 {
		return noDifference
	}

	pC := float64(controlConv) / float64(controlViews)
	pV := float64(variantConv) / float64(variantViews)

	// Pooled proportion under null hypothesis (pC = pV)
	pooled := float64(controlConv+variantConv) / float64(controlViews+variantViews)

	// Standard error of the difference
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(controlViews) + 1/float64(variantViews)))
	if se == 0 || math.IsNaN(se) {
		return noDifference
	}

	z := (pV - pC) / se
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return noDifference
	}

	p := 2 * distuv.UnitNormal.Survival(math.Abs(z))
	if p > 1 {
		p = 1
	}

	return ZTest{
		Z:          z,
		PValue:     p,
		Confidence: (1 - p) * 100,
	}
}

// Lift returns the relative change of rate against base, or 0 when the
// base is zero.
func Lift(base, rate float64) float64 {
	if base == 0 {
		return 0
	}
	return (rate - base) / base
}
