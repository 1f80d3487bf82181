package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat"
)

type ElementType string

const (
	ElementHeadline ElementType = "headline"
	ElementCTA      ElementType = "cta"
	ElementLayout   ElementType = "layout"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (low) to 3 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

type SegmentPerformance struct {
	Name           string  `json:"name" validate:"required"`
	Visitors       int64   `json:"visitors" validate:"gte=0"`
	ConversionRate float64 `json:"conversionRate" validate:"gte=0,lte=1"`
}

// Signal is the observed performance of one page element.
type Signal struct {
	Page             string               `json:"page" validate:"required"`
	Element          string               `json:"element"`
	ElementType      ElementType          `json:"elementType,omitempty" validate:"omitempty,oneof=headline cta layout"`
	Visitors         int64                `json:"visitors" validate:"gte=0"`
	ConversionRate   float64              `json:"conversionRate" validate:"gte=0,lte=1"`
	BounceRate       float64              `json:"bounceRate" validate:"gte=0,lte=1"`
	TimeOnPage       float64              `json:"timeOnPage" validate:"gte=0"` // Seconds
	ClickThroughRate float64              `json:"clickThroughRate" validate:"gte=0,lte=1"`
	Segments         []SegmentPerformance `json:"segments,omitempty" validate:"dive"`
}

type Opportunity struct {
	ID              string             `json:"id"`
	Page            string             `json:"page"`
	Element         string             `json:"element"`
	ElementType     ElementType        `json:"elementType"`
	Severity        Severity           `json:"severity"`
	PotentialImpact float64            `json:"potentialImpact"`
	ConfidenceScore float64            `json:"confidenceScore"`
	Score           float64            `json:"score"`
	Reasons         []string           `json:"reasons"`
	Metrics         map[string]float64 `json:"metrics"`
}

// Benchmarks are the healthy reference values signals are compared against.
type Benchmarks struct {
	ConversionRate   float64
	BounceRate       float64
	TimeOnPage       float64
	ClickThroughRate float64
	// FullConfidenceVisitors is the traffic at which confidence reaches 1.
	FullConfidenceVisitors int64
	// MinImpact drops opportunities below this potential impact.
	MinImpact float64
}

func DefaultBenchmarks() Benchmarks {
	return Benchmarks{
		ConversionRate:         0.03,
		BounceRate:             0.45,
		TimeOnPage:             60,
		ClickThroughRate:       0.05,
		FullConfidenceVisitors: 10000,
		MinImpact:              0.05,
	}
}

// Ranking weights. The remaining 0.2 is unassigned.
const (
	impactWeight     = 0.5
	confidenceWeight = 0.3
)

// Analyzer ranks opportunities. Concurrent calls with identical signals
// share one computation.
type Analyzer struct {
	bench  Benchmarks
	logger *zap.Logger
	group  singleflight.Group

	// beforeCompute runs at the start of each computation. Tests use it to
	// hold a computation in flight.
	beforeCompute func()
}

func NewAnalyzer(bench Benchmarks, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{bench: bench, logger: logger}
}

func (a *Analyzer) Analyze(ctx context.Context, signals []Signal) ([]Opportunity, error) {
	key, err := signalsKey(signals)
	if err != nil {
		return nil, err
	}

	ch := a.group.DoChan(key, func() (any, error) {
		if a.beforeCompute != nil {
			a.beforeCompute()
		}
		return a.rank(signals), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			a.logger.Debug("opportunity analysis shared", zap.String("key", key))
		}
		shared := res.Val.([]Opportunity)
		out := make([]Opportunity, len(shared))
		copy(out, shared)
		return out, nil
	}
}

func signalsKey(signals []Signal) (string, error) {
	data, err := json.Marshal(signals)
	if err != nil {
		return "", fmt.Errorf("failed to encode signals: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

func (a *Analyzer) rank(signals []Signal) []Opportunity {
	out := make([]Opportunity, 0, len(signals))
	for _, s := range signals {
		opp, ok := a.evaluate(s)
		if ok {
			out = append(out, opp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *Analyzer) evaluate(s Signal) (Opportunity, bool) {
	b := a.bench
	var reasons []string

	convGap := shortfall(b.ConversionRate, s.ConversionRate)
	if convGap > 0 {
		reasons = append(reasons, fmt.Sprintf("conversion rate %.2f%% is below the %.2f%% benchmark", s.ConversionRate*100, b.ConversionRate*100))
	}
	bounceGap := 0.0
	if s.BounceRate > b.BounceRate && b.BounceRate < 1 {
		bounceGap = (s.BounceRate - b.BounceRate) / (1 - b.BounceRate)
		reasons = append(reasons, fmt.Sprintf("bounce rate %.0f%% exceeds %.0f%%", s.BounceRate*100, b.BounceRate*100))
	}
	timeGap := shortfall(b.TimeOnPage, s.TimeOnPage)
	if timeGap > 0 {
		reasons = append(reasons, fmt.Sprintf("time on page %.0fs is under %.0fs", s.TimeOnPage, b.TimeOnPage))
	}
	ctrGap := shortfall(b.ClickThroughRate, s.ClickThroughRate)
	if ctrGap > 0 {
		reasons = append(reasons, fmt.Sprintf("click-through %.2f%% is below %.2f%%", s.ClickThroughRate*100, b.ClickThroughRate*100))
	}
	spread := segmentSpread(s.Segments)
	if spread > 0.25 {
		reasons = append(reasons, fmt.Sprintf("segments diverge (spread %.2f)", spread))
	}

	impact := clamp01(0.4*convGap + 0.2*bounceGap + 0.15*timeGap + 0.15*ctrGap + 0.1*spread)
	if impact < b.MinImpact {
		return Opportunity{}, false
	}
	confidence := trafficConfidence(s.Visitors, b.FullConfidenceVisitors)

	elemType := s.ElementType
	if elemType == "" {
		elemType = InferElementType(s.Element)
	}

	return Opportunity{
		ID:              opportunityID(s.Page, s.Element),
		Page:            s.Page,
		Element:         s.Element,
		ElementType:     elemType,
		Severity:        severityFor(impact),
		PotentialImpact: round3(impact),
		ConfidenceScore: round3(confidence),
		Score:           round3(impact*impactWeight + confidence*confidenceWeight),
		Reasons:         reasons,
		Metrics: map[string]float64{
			"visitors":         float64(s.Visitors),
			"conversionRate":   s.ConversionRate,
			"bounceRate":       s.BounceRate,
			"timeOnPage":       s.TimeOnPage,
			"clickThroughRate": s.ClickThroughRate,
			"segmentSpread":    round3(spread),
		},
	}, true
}

// shortfall is the relative gap of observed below benchmark, in [0,1].
func shortfall(benchmark, observed float64) float64 {
	if benchmark <= 0 || observed >= benchmark {
		return 0
	}
	return clamp01((benchmark - observed) / benchmark)
}

// segmentSpread is the visitor-weighted coefficient of variation of segment
// conversion rates, capped at 1.
func segmentSpread(segs []SegmentPerformance) float64 {
	if len(segs) < 2 {
		return 0
	}
	rates := make([]float64, len(segs))
	weights := make([]float64, len(segs))
	for i, s := range segs {
		rates[i] = s.ConversionRate
		weights[i] = float64(s.Visitors)
		if weights[i] <= 0 {
			weights[i] = 1
		}
	}
	mean, std := stat.MeanStdDev(rates, weights)
	if mean <= 0 || math.IsNaN(std) {
		return 0
	}
	return clamp01(std / mean)
}

// trafficConfidence grows logarithmically with visitors and reaches 1 at full.
func trafficConfidence(visitors, full int64) float64 {
	if visitors <= 0 || full <= 0 {
		return 0
	}
	return clamp01(math.Log10(1+float64(visitors)) / math.Log10(1+float64(full)))
}

func severityFor(impact float64) Severity {
	switch {
	case impact >= 0.6:
		return SeverityCritical
	case impact >= 0.4:
		return SeverityHigh
	case impact >= 0.2:
		return SeverityMedium
	}
	return SeverityLow
}

// InferElementType guesses the element category from a CSS selector or name.
func InferElementType(element string) ElementType {
	e := strings.ToLower(element)
	for _, kw := range []string{"h1", "h2", "headline", "title", "hero"} {
		if strings.Contains(e, kw) {
			return ElementHeadline
		}
	}
	for _, kw := range []string{"cta", "button", "btn", "signup", "buy"} {
		if strings.Contains(e, kw) {
			return ElementCTA
		}
	}
	return ElementLayout
}

func opportunityID(page, element string) string {
	return "opp-" + strconv.FormatUint(xxhash.Sum64String(page+"|"+element), 16)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
