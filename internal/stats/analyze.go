package stats

import (
	"fmt"
	"time"

	"github.com/headline-goat/labgoat/internal/experiment"
)

// Analyze computes per-goal significance of every treatment against the
// control. Variant metrics must already be populated. A winner is declared
// only when a treatment beats the control on the primary goal at the
// experiment's confidence level.
func Analyze(e *experiment.Experiment, now time.Time) *experiment.StatisticalResult {
	target := e.Settings.ConfidenceLevel
	res := &experiment.StatisticalResult{
		ExperimentID:    e.ID,
		ConfidenceLevel: target,
		ComputedAt:      now,
	}

	for _, v := range e.Variants {
		conv := goalConversions(&v, e.PrimaryGoal)
		lower, upper := WilsonInterval(conv, v.Metrics.Visitors, target/100)
		res.Variants = append(res.Variants, experiment.VariantResult{
			VariantID:   v.ID,
			Name:        v.Name,
			IsControl:   v.IsControl,
			Visitors:    v.Metrics.Visitors,
			Conversions: conv,
			Rate:        rate(conv, v.Metrics.Visitors),
			CILower:     lower,
			CIUpper:     upper,
			Revenue:     goalRevenue(&v, e.PrimaryGoal),
		})
	}

	control, ok := e.Control()
	if !ok {
		res.Recommendation = "Experiment has no control variant"
		return res
	}

	for i, g := range e.Goals() {
		gr := experiment.GoalResult{GoalID: g.ID, GoalName: g.Name, GoalType: g.Type, Primary: i == 0}
		for j := range e.Variants {
			v := &e.Variants[j]
			if v.IsControl {
				continue
			}
			gr.Comparisons = append(gr.Comparisons, compare(control, v, g, target))
		}
		res.Goals = append(res.Goals, gr)
	}

	res.WinnerID, res.Significant = pickWinner(res.Goals[0].Comparisons)
	res.Recommendation = recommend(e, res, control)
	return res
}

func compare(control, v *experiment.Variant, g experiment.Goal, target float64) experiment.Comparison {
	if !g.Binary() {
		cr := revenuePerVisitor(control, g)
		vr := revenuePerVisitor(v, g)
		return experiment.Comparison{
			VariantID:   v.ID,
			ControlRate: cr,
			VariantRate: vr,
			Lift:        Lift(cr, vr),
			PValue:      1,
		}
	}

	cc, vc := goalConversions(control, g), goalConversions(v, g)
	cr, vr := rate(cc, control.Metrics.Visitors), rate(vc, v.Metrics.Visitors)
	zt := TwoProportionTest(cc, control.Metrics.Visitors, vc, v.Metrics.Visitors)
	return experiment.Comparison{
		VariantID:   v.ID,
		ControlRate: cr,
		VariantRate: vr,
		Lift:        Lift(cr, vr),
		ZScore:      zt.Z,
		PValue:      zt.PValue,
		Confidence:  zt.Confidence,
		Significant: zt.Confidence >= target,
	}
}

// pickWinner returns the significant treatment with the largest positive
// difference, and whether any comparison was significant at all.
func pickWinner(cs []experiment.Comparison) (string, bool) {
	winner := ""
	best := 0.0
	significant := false
	for _, c := range cs {
		if !c.Significant {
			continue
		}
		significant = true
		if diff := c.VariantRate - c.ControlRate; diff > best {
			best = diff
			winner = c.VariantID
		}
	}
	return winner, significant
}

func recommend(e *experiment.Experiment, res *experiment.StatisticalResult, control *experiment.Variant) string {
	if control.Metrics.Visitors == 0 {
		return "Not enough data yet: the control has no visitors"
	}
	if res.WinnerID != "" {
		v, _ := e.Variant(res.WinnerID)
		for _, c := range res.Goals[0].Comparisons {
			if c.VariantID == res.WinnerID {
				return fmt.Sprintf("%q beats control by %.1f%% at %.1f%% confidence",
					v.Name, c.Lift*100, c.Confidence)
			}
		}
	}
	if res.Significant {
		return "Control outperforms every treatment; keep the control"
	}

	minSample := e.Settings.MinimumSampleSize
	if minSample > 0 {
		for _, v := range e.Variants {
			if v.Metrics.Visitors < minSample {
				return fmt.Sprintf("Keep running: %s has %d of %d required visitors",
					v.Name, v.Metrics.Visitors, minSample)
			}
		}
	}
	return fmt.Sprintf("No significant difference detected at %.0f%% confidence", res.ConfidenceLevel)
}

func goalConversions(v *experiment.Variant, g experiment.Goal) int64 {
	if gm, ok := v.Metrics.Goals[g.ID]; ok {
		return gm.Conversions
	}
	if v.Metrics.Goals == nil {
		return v.Metrics.Conversions
	}
	return 0
}

func goalRevenue(v *experiment.Variant, g experiment.Goal) float64 {
	if gm, ok := v.Metrics.Goals[g.ID]; ok {
		return gm.Revenue
	}
	return 0
}

func revenuePerVisitor(v *experiment.Variant, g experiment.Goal) float64 {
	if v.Metrics.Visitors == 0 {
		return 0
	}
	return goalRevenue(v, g) / float64(v.Metrics.Visitors)
}

func rate(conv, visitors int64) float64 {
	if visitors == 0 {
		return 0
	}
	return float64(conv) / float64(visitors)
}
