package experiment

import (
	"fmt"
	"math"
	"strings"
)

const (
	// AllocationTolerance bounds how far the allocation total may drift from 100.
	AllocationTolerance = 0.01
	// WeightTolerance bounds how far goal weights may drift from 1.
	WeightTolerance = 0.01

	MinConfidenceLevel = 80.0
	MaxConfidenceLevel = 99.0
	MinPower           = 50.0
	MaxPower           = 95.0
)

// Validate checks the structural invariants of a candidate experiment and
// returns every violation found. An empty result means the experiment is
// valid. The experiment is never modified.
func Validate(e *Experiment) []Violation {
	var vs []Violation
	add := func(field, code, format string, args ...any) {
		vs = append(vs, Violation{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if e.Name == "" {
		add("name", "required", "name is required")
	}
	if strings.ContainsAny(e.ID, "/ \t\n") {
		add("id", "invalid_id", "experiment id %q must not contain slashes or whitespace", e.ID)
	}
	switch e.Type {
	case TypeAB, TypeRedirect, TypeMultivariate, TypeFeatureFlag:
	default:
		add("type", "invalid_type", "unknown experiment type %q", e.Type)
	}

	if len(e.Variants) < 2 {
		add("variants", "too_few_variants", "need at least 2 variants, got %d", len(e.Variants))
	}

	controls := 0
	total := 0.0
	seen := make(map[string]bool, len(e.Variants))
	for i, v := range e.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if v.IsControl {
			controls++
		}
		if v.Name == "" {
			add(field+".name", "required", "variant name is required")
		}
		if v.ID != "" {
			if seen[v.ID] {
				add(field+".id", "duplicate_id", "variant id %q is used more than once", v.ID)
			}
			seen[v.ID] = true
		}
		if v.TrafficAllocation < 0 || v.TrafficAllocation > 100 {
			add(field+".trafficAllocation", "out_of_range", "traffic allocation %.2f must be within 0-100", v.TrafficAllocation)
		}
		total += v.TrafficAllocation
	}
	if len(e.Variants) > 0 && controls != 1 {
		add("variants", "control_count", "exactly one control variant is required, got %d", controls)
	}
	if len(e.Variants) > 0 && math.Abs(total-100) > AllocationTolerance {
		add("variants", "allocation_sum", "traffic allocation must sum to 100, got %.2f", total)
	}

	vs = append(vs, validateGoals(e)...)

	s := e.Settings
	if s.ConfidenceLevel < MinConfidenceLevel || s.ConfidenceLevel > MaxConfidenceLevel {
		add("settings.confidenceLevel", "out_of_range", "confidence level %.2f must be within %.0f-%.0f",
			s.ConfidenceLevel, MinConfidenceLevel, MaxConfidenceLevel)
	}
	if s.Power < MinPower || s.Power > MaxPower {
		add("settings.power", "out_of_range", "statistical power %.2f must be within %.0f-%.0f",
			s.Power, MinPower, MaxPower)
	}
	if s.MinimumDetectableEffect < 0 {
		add("settings.minimumDetectableEffect", "out_of_range", "minimum detectable effect must not be negative")
	}
	if s.MinimumSampleSize < 0 {
		add("settings.minimumSampleSize", "out_of_range", "minimum sample size must not be negative")
	}

	return vs
}

func validateGoals(e *Experiment) []Violation {
	var vs []Violation
	if e.PrimaryGoal.Name == "" {
		vs = append(vs, Violation{Field: "primaryGoal.name", Code: "required", Message: "primary goal name is required"})
	}

	sum := 0.0
	ids := make(map[string]bool)
	for i, g := range e.Goals() {
		field := "primaryGoal"
		if i > 0 {
			field = fmt.Sprintf("secondaryGoals[%d]", i-1)
		}
		switch g.Type {
		case GoalConversion, GoalRevenue, GoalEngagement:
		default:
			vs = append(vs, Violation{Field: field + ".type", Code: "invalid_type", Message: fmt.Sprintf("unknown goal type %q", g.Type)})
		}
		if g.Weight < 0 {
			vs = append(vs, Violation{Field: field + ".weight", Code: "out_of_range", Message: "goal weight must not be negative"})
		}
		if g.ID != "" {
			if ids[g.ID] {
				vs = append(vs, Violation{Field: field + ".id", Code: "duplicate_id", Message: fmt.Sprintf("goal id %q is used more than once", g.ID)})
			}
			ids[g.ID] = true
		}
		sum += g.Weight
	}
	if math.Abs(sum-1) > WeightTolerance {
		vs = append(vs, Violation{Field: "goals", Code: "weight_sum", Message: fmt.Sprintf("goal weights must sum to 1, got %.3f", sum)})
	}
	return vs
}
