package experiment_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func TestAllocate_Deterministic(t *testing.T) {
	e := validExperiment(50, 50)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("session-%d", i)
		first, ok := experiment.Allocate(e, id)
		if !ok {
			t.Fatalf("no variant for %s", id)
		}
		second, _ := experiment.Allocate(e, id)
		if first.ID != second.ID {
			t.Errorf("identity %s moved from %s to %s", id, first.ID, second.ID)
		}
	}
}

func TestAllocate_DependsOnExperiment(t *testing.T) {
	a := validExperiment(50, 50)
	b := validExperiment(50, 50)
	b.ID = "exp-2"

	differs := 0
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("visitor-%d", i)
		va, _ := experiment.Allocate(a, id)
		vb, _ := experiment.Allocate(b, id)
		if va.ID != vb.ID {
			differs++
		}
	}
	if differs == 0 {
		t.Error("expected bucketing to be salted by experiment id")
	}
}

func TestAllocate_Distribution(t *testing.T) {
	tests := []struct {
		name   string
		splits []float64
	}{
		{"even", []float64{50, 50}},
		{"sixty forty", []float64{60, 40}},
		{"three way", []float64{20, 30, 50}},
	}

	const n = 10000
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExperiment(tt.splits...)
			counts := make(map[string]int)
			for i := 0; i < n; i++ {
				v, _ := experiment.Allocate(e, fmt.Sprintf("user-%d", i))
				counts[v.ID]++
			}
			for i, split := range tt.splits {
				got := float64(counts[fmt.Sprintf("v%d", i)]) / n * 100
				if math.Abs(got-split) > 3 {
					t.Errorf("variant %d: got %.2f%%, want %.0f%% +/- 3", i, got, split)
				}
			}
		})
	}
}

func TestAllocate_ZeroAllocationNeverServed(t *testing.T) {
	e := validExperiment(100, 0)
	for i := 0; i < 1000; i++ {
		v, _ := experiment.Allocate(e, fmt.Sprintf("u-%d", i))
		if v.ID != "v0" {
			t.Fatalf("zero-allocation variant received identity u-%d", i)
		}
	}
}

func TestBucket_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := experiment.Bucket("exp", fmt.Sprintf("id-%d", i))
		if b < 0 || b >= 100 {
			t.Fatalf("bucket %f out of range", b)
		}
	}
}

func TestOverlaps(t *testing.T) {
	mk := func(page, element string) *experiment.Experiment {
		return &experiment.Experiment{Targeting: experiment.Targeting{Page: page, Element: element}}
	}

	tests := []struct {
		name string
		a, b *experiment.Experiment
		want bool
	}{
		{"same page and element", mk("/landing", ".cta"), mk("/landing", ".cta"), true},
		{"different element", mk("/landing", ".cta"), mk("/landing", "h1"), false},
		{"different page", mk("/landing", ".cta"), mk("/pricing", ".cta"), false},
		{"trailing slash and case", mk("/Landing/", ".cta"), mk("/landing", ".cta"), true},
		{"whole page test", mk("/landing", ""), mk("/landing", "h1"), true},
		{"both untargeted", mk("", ""), mk("", ""), false},
		{"untargeted against root page", mk("", ""), mk("/", "h1"), false},
		{"element on root page", mk("", "h1"), mk("/", "h1"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := experiment.Overlaps(tt.a, tt.b); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to experiment.Status
		want     bool
	}{
		{experiment.StatusDraft, experiment.StatusRunning, true},
		{experiment.StatusRunning, experiment.StatusPaused, true},
		{experiment.StatusPaused, experiment.StatusRunning, true},
		{experiment.StatusRunning, experiment.StatusCompleted, true},
		{experiment.StatusPaused, experiment.StatusCompleted, true},
		{experiment.StatusDraft, experiment.StatusCompleted, false},
		{experiment.StatusDraft, experiment.StatusPaused, false},
		{experiment.StatusCompleted, experiment.StatusRunning, false},
	}

	for _, tt := range tests {
		if got := experiment.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEvenSplit(t *testing.T) {
	for _, n := range []int{2, 3, 6, 7} {
		vs := make([]experiment.Variant, n)
		experiment.EvenSplit(vs)

		total := 0.0
		for _, v := range vs {
			total += v.TrafficAllocation
		}
		if math.Abs(total-100) > experiment.AllocationTolerance {
			t.Errorf("%d variants: total %.4f, want 100", n, total)
		}
	}
}
