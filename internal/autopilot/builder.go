package autopilot

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/stats"
)

type BuilderConfig struct {
	// MinTrafficPerVariation is the floor for the derived minimum sample size.
	MinTrafficPerVariation int64
	// MaxTreatments caps how many proposed changes become variants.
	MaxTreatments int
	Defaults      experiment.StatisticalSettings
	// BaselineRate is assumed when the hypothesis carries no conversion rate.
	BaselineRate float64
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MinTrafficPerVariation: 1000,
		MaxTreatments:          3,
		Defaults:               experiment.StatisticalSettings{ConfidenceLevel: 95, Power: 80, MinimumDetectableEffect: 0.1},
		BaselineRate:           0.03,
	}
}

type BuildRequest struct {
	Hypothesis *Hypothesis `json:"hypothesis" validate:"required"`
	// Split optionally declares the allocation, control first.
	Split []float64 `json:"split,omitempty"`
	Owner string    `json:"owner,omitempty"`
}

type Builder struct {
	cfg BuilderConfig
	now func() time.Time
}

func NewBuilder(cfg BuilderConfig) *Builder {
	def := DefaultBuilderConfig()
	if cfg.MinTrafficPerVariation <= 0 {
		cfg.MinTrafficPerVariation = def.MinTrafficPerVariation
	}
	if cfg.MaxTreatments <= 0 {
		cfg.MaxTreatments = def.MaxTreatments
	}
	if cfg.Defaults.ConfidenceLevel == 0 {
		cfg.Defaults.ConfidenceLevel = def.Defaults.ConfidenceLevel
	}
	if cfg.Defaults.Power == 0 {
		cfg.Defaults.Power = def.Defaults.Power
	}
	if cfg.BaselineRate <= 0 || cfg.BaselineRate >= 1 {
		cfg.BaselineRate = def.BaselineRate
	}
	return &Builder{cfg: cfg, now: time.Now}
}

// Build returns a draft experiment with an unmodified control and one
// treatment per proposed change. The derived minimum sample size is never
// below the configured per-variation floor.
func (b *Builder) Build(req BuildRequest) (*experiment.Experiment, error) {
	h := req.Hypothesis
	if h == nil || len(h.ProposedChanges) == 0 {
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "hypothesis.proposedChanges", Code: "required", Message: errNoChanges.Error(),
		}})
	}

	proposals := h.ProposedChanges
	if len(proposals) > b.cfg.MaxTreatments {
		proposals = proposals[:b.cfg.MaxTreatments]
	}

	variants := make([]experiment.Variant, 0, 1+len(proposals))
	variants = append(variants, experiment.Variant{
		ID:          "control",
		Name:        "Control",
		Description: "Current experience",
		IsControl:   true,
	})
	for i, p := range proposals {
		variants = append(variants, experiment.Variant{
			ID:          fmt.Sprintf("treatment-%d", i+1),
			Name:        p.Name,
			Description: p.Description,
			Changes:     append([]experiment.Change(nil), p.Changes...),
		})
	}

	if err := allocate(variants, req.Split); err != nil {
		return nil, err
	}

	mde := h.ExpectedImpact
	if mde <= 0 {
		mde = b.cfg.Defaults.MinimumDetectableEffect
	}
	settings := experiment.StatisticalSettings{
		ConfidenceLevel:         b.cfg.Defaults.ConfidenceLevel,
		Power:                   b.cfg.Defaults.Power,
		MinimumDetectableEffect: mde,
		MinimumSampleSize:       b.minimumSample(h, mde, len(variants)),
	}

	typ := experiment.TypeAB
	if len(variants) > 2 {
		typ = experiment.TypeMultivariate
	}
	now := b.now().UTC()
	e := &experiment.Experiment{
		ID:          uuid.NewString(),
		Name:        fmt.Sprintf("Autopilot: %s %s", h.ElementType, targetLabel(h)),
		Description: h.Statement,
		Type:        typ,
		Status:      experiment.StatusDraft,
		Variants:    variants,
		PrimaryGoal: experiment.Goal{ID: "conversion", Name: "Conversion", Type: experiment.GoalConversion, Weight: 1},
		Settings:    settings,
		Targeting:   experiment.Targeting{Page: h.Page, Element: h.Element},
		Metadata: experiment.Metadata{
			Owner:        req.Owner,
			Hypothesis:   h.Statement,
			HypothesisID: h.ID,
			Tags:         []string{"autopilot", string(h.ElementType)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if vs := experiment.Validate(e); len(vs) > 0 {
		return nil, experiment.NewValidationError(vs)
	}
	return e, nil
}

func (b *Builder) minimumSample(h *Hypothesis, mde float64, variants int) int64 {
	floor := b.cfg.MinTrafficPerVariation
	baseline := h.CurrentPerformance["conversionRate"]
	if baseline <= 0 || baseline >= 1 {
		baseline = b.cfg.BaselineRate
	}
	res, err := stats.SampleSize(stats.SampleSizeInput{
		BaselineRate:            baseline,
		MinimumDetectableEffect: mde,
		ConfidenceLevel:         b.cfg.Defaults.ConfidenceLevel,
		Power:                   b.cfg.Defaults.Power,
		Variants:                variants,
	})
	if err != nil || res.PerVariant < floor {
		return floor
	}
	return res.PerVariant
}

// allocate applies a declared split or spreads traffic evenly.
func allocate(vs []experiment.Variant, split []float64) error {
	if len(split) == 0 {
		experiment.EvenSplit(vs)
		return nil
	}
	if len(split) != len(vs) {
		return experiment.NewValidationError([]experiment.Violation{{
			Field:   "split",
			Code:    "split_length",
			Message: fmt.Sprintf("split has %d entries for %d variants", len(split), len(vs)),
		}})
	}
	for i := range vs {
		vs[i].TrafficAllocation = split[i]
	}
	return nil
}

func targetLabel(h *Hypothesis) string {
	if h.Element != "" {
		return h.Element + " on " + h.Page
	}
	return h.Page
}
