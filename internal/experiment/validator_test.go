package experiment_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func validExperiment(splits ...float64) *experiment.Experiment {
	e := &experiment.Experiment{
		ID:     "exp-1",
		Name:   "hero headline",
		Type:   experiment.TypeAB,
		Status: experiment.StatusDraft,
		PrimaryGoal: experiment.Goal{
			ID: "signup", Name: "Signup", Type: experiment.GoalConversion, Weight: 1,
		},
		Settings: experiment.StatisticalSettings{ConfidenceLevel: 95, Power: 80, MinimumDetectableEffect: 0.1},
	}
	for i, s := range splits {
		e.Variants = append(e.Variants, experiment.Variant{
			ID:                fmt.Sprintf("v%d", i),
			Name:              fmt.Sprintf("Variant %d", i),
			IsControl:         i == 0,
			TrafficAllocation: s,
		})
	}
	return e
}

func hasCode(vs []experiment.Violation, code string) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_SixtyFortyPasses(t *testing.T) {
	vs := experiment.Validate(validExperiment(60, 40))
	if len(vs) != 0 {
		t.Errorf("expected no violations, got %v", vs)
	}
}

func TestValidate_SixtyFiftyRejected(t *testing.T) {
	vs := experiment.Validate(validExperiment(60, 50))
	if !hasCode(vs, "allocation_sum") {
		t.Errorf("expected allocation_sum violation, got %v", vs)
	}
}

func TestValidate_AllocationTolerance(t *testing.T) {
	if vs := experiment.Validate(validExperiment(33.333, 33.333, 33.334)); len(vs) != 0 {
		t.Errorf("expected thirds to pass, got %v", vs)
	}
	if vs := experiment.Validate(validExperiment(50.02, 50)); !hasCode(vs, "allocation_sum") {
		t.Errorf("expected 100.02 to fail, got %v", vs)
	}
}

func TestValidate_SingleVariant(t *testing.T) {
	vs := experiment.Validate(validExperiment(100))
	if !hasCode(vs, "too_few_variants") {
		t.Errorf("expected too_few_variants, got %v", vs)
	}
}

func TestValidate_ControlCount(t *testing.T) {
	noControl := validExperiment(50, 50)
	noControl.Variants[0].IsControl = false
	if vs := experiment.Validate(noControl); !hasCode(vs, "control_count") {
		t.Errorf("expected control_count for zero controls, got %v", vs)
	}

	twoControls := validExperiment(50, 50)
	twoControls.Variants[1].IsControl = true
	if vs := experiment.Validate(twoControls); !hasCode(vs, "control_count") {
		t.Errorf("expected control_count for two controls, got %v", vs)
	}
}

func TestValidate_GoalWeights(t *testing.T) {
	e := validExperiment(50, 50)
	e.SecondaryGoals = []experiment.Goal{{ID: "rev", Name: "Revenue", Type: experiment.GoalRevenue, Weight: 0.5}}
	if vs := experiment.Validate(e); !hasCode(vs, "weight_sum") {
		t.Errorf("expected weight_sum violation, got %v", vs)
	}

	e.PrimaryGoal.Weight = 0.5
	if vs := experiment.Validate(e); len(vs) != 0 {
		t.Errorf("expected 0.5 + 0.5 to pass, got %v", vs)
	}
}

func TestValidate_SettingsRanges(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		power      float64
		valid      bool
	}{
		{"lower bounds", 80, 50, true},
		{"upper bounds", 99, 95, true},
		{"confidence too low", 79, 80, false},
		{"confidence too high", 99.5, 80, false},
		{"power too low", 95, 49, false},
		{"power too high", 95, 96, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExperiment(50, 50)
			e.Settings.ConfidenceLevel = tt.confidence
			e.Settings.Power = tt.power
			vs := experiment.Validate(e)
			if tt.valid && len(vs) != 0 {
				t.Errorf("expected valid, got %v", vs)
			}
			if !tt.valid && !hasCode(vs, "out_of_range") {
				t.Errorf("expected out_of_range, got %v", vs)
			}
		})
	}
}

func TestValidate_IDCharacters(t *testing.T) {
	for _, id := range []string{"exp/1", "exp 1", "exp-1/"} {
		e := validExperiment(50, 50)
		e.ID = id
		if vs := experiment.Validate(e); !hasCode(vs, "invalid_id") {
			t.Errorf("id %q: expected invalid_id, got %v", id, vs)
		}
	}
	if vs := experiment.Validate(validExperiment(50, 50)); hasCode(vs, "invalid_id") {
		t.Errorf("exp-1 rejected: %v", vs)
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	e := validExperiment(60, 50)
	before := e.Clone()
	experiment.Validate(e)

	if e.Variants[1].TrafficAllocation != before.Variants[1].TrafficAllocation || e.Name != before.Name {
		t.Error("validator modified its input")
	}
}

func TestValidationError_Kind(t *testing.T) {
	err := error(experiment.NewValidationError(experiment.Validate(validExperiment(60, 50))))
	wrapped := fmt.Errorf("create: %w", err)

	if !errors.Is(wrapped, experiment.ErrValidation) {
		t.Error("expected errors.Is to match ErrValidation")
	}
	if errors.Is(wrapped, experiment.ErrNotFound) {
		t.Error("validation error must not match ErrNotFound")
	}
	if experiment.KindOf(wrapped) != experiment.KindValidation {
		t.Errorf("got kind %s, want %s", experiment.KindOf(wrapped), experiment.KindValidation)
	}
	if experiment.KindOf(errors.New("boom")) != experiment.KindInternal {
		t.Error("plain errors should be internal")
	}
}
