package autopilot_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/headline-goat/labgoat/internal/autopilot"
	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
)

func signals() []autopilot.Signal {
	return []autopilot.Signal{
		{Page: "/pricing", Element: ".cta-button", Visitors: 8000, ConversionRate: 0.008, BounceRate: 0.7, TimeOnPage: 20, ClickThroughRate: 0.01},
		{Page: "/landing", Element: "h1", Visitors: 500, ConversionRate: 0.02, BounceRate: 0.5, TimeOnPage: 45, ClickThroughRate: 0.04},
		{Page: "/about", Element: "main", Visitors: 3000, ConversionRate: 0.05, BounceRate: 0.3, TimeOnPage: 120, ClickThroughRate: 0.08},
	}
}

func TestAnalyze_RanksByScore(t *testing.T) {
	a := autopilot.NewAnalyzer(autopilot.DefaultBenchmarks(), zaptest.NewLogger(t))
	opps, err := a.Analyze(context.Background(), signals())
	require.NoError(t, err)

	require.Len(t, opps, 2, "healthy page yields no opportunity")
	assert.Equal(t, "/pricing", opps[0].Page)
	assert.Equal(t, autopilot.ElementCTA, opps[0].ElementType)
	assert.Equal(t, autopilot.ElementHeadline, opps[1].ElementType)
	assert.GreaterOrEqual(t, opps[0].Score, opps[1].Score)

	for _, o := range opps {
		assert.InDelta(t, o.PotentialImpact*0.5+o.ConfidenceScore*0.3, o.Score, 0.002)
		assert.GreaterOrEqual(t, o.PotentialImpact, 0.0)
		assert.LessOrEqual(t, o.PotentialImpact, 1.0)
		assert.LessOrEqual(t, o.ConfidenceScore, 1.0)
		assert.NotEmpty(t, o.Reasons)
	}
}

func TestAnalyze_SegmentSpreadRaisesImpact(t *testing.T) {
	a := autopilot.NewAnalyzer(autopilot.DefaultBenchmarks(), nil)
	base := autopilot.Signal{Page: "/checkout", Element: "form", Visitors: 2000, ConversionRate: 0.02, BounceRate: 0.4, TimeOnPage: 70, ClickThroughRate: 0.06}
	spread := base
	spread.Segments = []autopilot.SegmentPerformance{
		{Name: "mobile", Visitors: 1000, ConversionRate: 0.005},
		{Name: "desktop", Visitors: 1000, ConversionRate: 0.035},
	}

	plain, err := a.Analyze(context.Background(), []autopilot.Signal{base})
	require.NoError(t, err)
	withSegs, err := a.Analyze(context.Background(), []autopilot.Signal{spread})
	require.NoError(t, err)

	require.Len(t, plain, 1)
	require.Len(t, withSegs, 1)
	assert.Greater(t, withSegs[0].PotentialImpact, plain[0].PotentialImpact)
}

func TestInferElementType(t *testing.T) {
	tests := map[string]autopilot.ElementType{
		"h1.hero":       autopilot.ElementHeadline,
		"#signup-btn":   autopilot.ElementCTA,
		".cta":          autopilot.ElementCTA,
		"section.grid":  autopilot.ElementLayout,
		"":              autopilot.ElementLayout,
		".page-title":   autopilot.ElementHeadline,
		"button.submit": autopilot.ElementCTA,
	}
	for el, want := range tests {
		assert.Equal(t, want, autopilot.InferElementType(el), el)
	}
}

func TestGenerate_RuleTablePerElement(t *testing.T) {
	rec := events.NewRecorder(10)
	g := autopilot.NewGenerator(nil, rec, zaptest.NewLogger(t))
	ctx := context.Background()

	headline, err := g.Generate(ctx, autopilot.Opportunity{ID: "o1", Page: "/landing", Element: "h1", ElementType: autopilot.ElementHeadline, PotentialImpact: 0.4, ConfidenceScore: 0.6, Severity: autopilot.SeverityHigh})
	require.NoError(t, err)
	cta, err := g.Generate(ctx, autopilot.Opportunity{ID: "o2", Page: "/landing", Element: ".cta", PotentialImpact: 0.4, ConfidenceScore: 0.6, Severity: autopilot.SeverityHigh})
	require.NoError(t, err)

	assert.NotEqual(t, headline.ProposedChanges[0].Name, cta.ProposedChanges[0].Name)
	assert.Equal(t, autopilot.ElementCTA, cta.ElementType)
	assert.Contains(t, headline.Statement, "h1 on /landing")
	assert.Greater(t, headline.ExpectedImpact, 0.0)
	assert.Len(t, rec.Recent(0), 2)
	assert.Equal(t, events.TypeHypothesisGenerated, rec.Recent(1)[0].Type)

	_, err = g.Generate(ctx, autopilot.Opportunity{})
	assert.ErrorIs(t, err, experiment.ErrValidation)
}

func TestDefaultPriority_StrictlyIncreasing(t *testing.T) {
	p := autopilot.DefaultPriority
	base := p(0.3, 0.5, autopilot.SeverityMedium)

	assert.Greater(t, p(0.31, 0.5, autopilot.SeverityMedium), base)
	assert.Greater(t, p(0.3, 0.51, autopilot.SeverityMedium), base)
	assert.Greater(t, p(0.3, 0.5, autopilot.SeverityHigh), base)
	assert.Less(t, p(0.3, 0.5, autopilot.SeverityLow), base)
}

func TestGenerate_PluggablePriority(t *testing.T) {
	g := autopilot.NewGenerator(func(impact, confidence float64, _ autopilot.Severity) float64 {
		return impact + confidence
	}, nil, nil)

	h, err := g.Generate(context.Background(), autopilot.Opportunity{Page: "/", PotentialImpact: 0.2, ConfidenceScore: 0.3})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h.Priority, 1e-9)
}

func hypothesis(t *testing.T) *autopilot.Hypothesis {
	t.Helper()
	g := autopilot.NewGenerator(nil, nil, nil)
	h, err := g.Generate(context.Background(), autopilot.Opportunity{
		ID: "o1", Page: "/pricing", Element: ".cta", ElementType: autopilot.ElementCTA,
		PotentialImpact: 0.5, ConfidenceScore: 0.8, Severity: autopilot.SeverityHigh,
		Metrics: map[string]float64{"conversionRate": 0.04},
	})
	require.NoError(t, err)
	return h
}

func TestBuild_ControlAndTreatments(t *testing.T) {
	b := autopilot.NewBuilder(autopilot.BuilderConfig{MaxTreatments: 2, MinTrafficPerVariation: 500})
	e, err := b.Build(autopilot.BuildRequest{Hypothesis: hypothesis(t), Owner: "growth"})
	require.NoError(t, err)

	require.Len(t, e.Variants, 3)
	assert.True(t, e.Variants[0].IsControl)
	assert.Empty(t, e.Variants[0].Changes, "control is unmodified")
	assert.NotEmpty(t, e.Variants[1].Changes)
	assert.Equal(t, experiment.StatusDraft, e.Status)
	assert.Equal(t, "/pricing", e.Targeting.Page)
	assert.Equal(t, "growth", e.Metadata.Owner)
	assert.Empty(t, experiment.Validate(e))
}

func TestBuild_DeclaredSplit(t *testing.T) {
	b := autopilot.NewBuilder(autopilot.BuilderConfig{MaxTreatments: 1})
	e, err := b.Build(autopilot.BuildRequest{Hypothesis: hypothesis(t), Split: []float64{70, 30}})
	require.NoError(t, err)
	assert.Equal(t, 70.0, e.Variants[0].TrafficAllocation)

	_, err = b.Build(autopilot.BuildRequest{Hypothesis: hypothesis(t), Split: []float64{70, 20, 10}})
	assert.ErrorIs(t, err, experiment.ErrValidation)

	_, err = b.Build(autopilot.BuildRequest{Hypothesis: hypothesis(t), Split: []float64{70, 40}})
	assert.ErrorIs(t, err, experiment.ErrValidation)
}

func TestBuild_MinimumSampleAtLeastFloor(t *testing.T) {
	h := hypothesis(t)

	small := autopilot.NewBuilder(autopilot.BuilderConfig{MinTrafficPerVariation: 100})
	e, err := small.Build(autopilot.BuildRequest{Hypothesis: h})
	require.NoError(t, err)
	assert.Greater(t, e.Settings.MinimumSampleSize, int64(100), "computed sample exceeds a low floor")

	huge := autopilot.NewBuilder(autopilot.BuilderConfig{MinTrafficPerVariation: 1_000_000})
	e, err = huge.Build(autopilot.BuildRequest{Hypothesis: h})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), e.Settings.MinimumSampleSize)
}

func TestBuild_NoProposals(t *testing.T) {
	b := autopilot.NewBuilder(autopilot.DefaultBuilderConfig())
	_, err := b.Build(autopilot.BuildRequest{Hypothesis: &autopilot.Hypothesis{Page: "/"}})
	assert.ErrorIs(t, err, experiment.ErrValidation)
}

func TestAnalyze_ConcurrentCallsAgree(t *testing.T) {
	a := autopilot.NewAnalyzer(autopilot.DefaultBenchmarks(), nil)
	const callers = 8
	results := make([][]autopilot.Opportunity, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opps, err := a.Analyze(context.Background(), signals())
			assert.NoError(t, err)
			results[i] = opps
		}(i)
	}
	wg.Wait()
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}
