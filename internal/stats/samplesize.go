package stats

import (
	"fmt"
	"math"

	"github.com/headline-goat/labgoat/internal/experiment"
)

// SampleSizeInput describes the test being planned. ConfidenceLevel and
// Power are percentages; MinimumDetectableEffect is a relative lift.
type SampleSizeInput struct {
	BaselineRate            float64 `json:"baselineRate"`
	MinimumDetectableEffect float64 `json:"minimumDetectableEffect"`
	ConfidenceLevel         float64 `json:"confidenceLevel"`
	Power                   float64 `json:"power"`
	Variants                int     `json:"variants"`
	DailyTraffic            int64   `json:"dailyTraffic"`
}

type SampleSizeResult struct {
	PerVariant    int64   `json:"perVariant"`
	Total         int64   `json:"total"`
	Variants      int     `json:"variants"`
	BaselineRate  float64 `json:"baselineRate"`
	TargetRate    float64 `json:"targetRate"`
	ZAlpha        float64 `json:"zAlpha"`
	ZBeta         float64 `json:"zBeta"`
	DailyTraffic  int64   `json:"dailyTraffic"`
	EstimatedDays int64   `json:"estimatedDays"`
}

// SampleSize computes the visitors each variant needs to detect the given
// relative lift over the baseline, using the normal approximation for two
// proportions. A smaller effect always requires a larger sample.
func SampleSize(in SampleSizeInput) (SampleSizeResult, error) {
	if in.Variants == 0 {
		in.Variants = 2
	}
	if err := guardSampleSize(in); err != nil {
		return SampleSizeResult{}, err
	}

	p1 := in.BaselineRate
	p2 := p1 * (1 + in.MinimumDetectableEffect)
	if p2 >= 1 {
		return SampleSizeResult{}, &experiment.Error{
			Kind:    experiment.KindComputationGuard,
			Message: fmt.Sprintf("target rate %.4f is not a valid proportion", p2),
		}
	}

	zAlpha := ZScore(in.ConfidenceLevel / 100)
	zBeta := OneSidedZScore(in.Power / 100)

	pBar := (p1 + p2) / 2
	numerator := zAlpha*math.Sqrt(2*pBar*(1-pBar)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	delta := p2 - p1

	n := math.Ceil(numerator * numerator / (delta * delta))
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return SampleSizeResult{}, &experiment.Error{
			Kind:    experiment.KindComputationGuard,
			Message: "sample size is not finite for the given input",
		}
	}

	res := SampleSizeResult{
		PerVariant:   int64(n),
		Variants:     in.Variants,
		BaselineRate: p1,
		TargetRate:   p2,
		ZAlpha:       zAlpha,
		ZBeta:        zBeta,
		DailyTraffic: in.DailyTraffic,
	}
	res.Total = res.PerVariant * int64(in.Variants)
	if in.DailyTraffic > 0 {
		res.EstimatedDays = (res.Total + in.DailyTraffic - 1) / in.DailyTraffic
	}
	return res, nil
}

func guardSampleSize(in SampleSizeInput) error {
	var msg string
	switch {
	case in.BaselineRate <= 0 || in.BaselineRate >= 1:
		msg = "baseline rate must be between 0 and 1 (exclusive)"
	case in.MinimumDetectableEffect <= 0:
		msg = "minimum detectable effect must be positive"
	case in.ConfidenceLevel <= 0 || in.ConfidenceLevel >= 100:
		msg = "confidence level must be between 0 and 100 (exclusive)"
	case in.Power <= 0 || in.Power >= 100:
		msg = "power must be between 0 and 100 (exclusive)"
	case in.Variants < 2:
		msg = "at least 2 variants are required"
	case in.DailyTraffic < 0:
		msg = "daily traffic must not be negative"
	default:
		return nil
	}
	return &experiment.Error{Kind: experiment.KindComputationGuard, Message: msg}
}
