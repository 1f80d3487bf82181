package autopilot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
)

// ProposedChange is one candidate treatment.
type ProposedChange struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Changes     []experiment.Change `json:"changes"`
}

type Hypothesis struct {
	ID                 string             `json:"id"`
	OpportunityID      string             `json:"opportunityId"`
	Page               string             `json:"page" validate:"required"`
	Element            string             `json:"element"`
	ElementType        ElementType        `json:"elementType"`
	Statement          string             `json:"statement"`
	CurrentPerformance map[string]float64 `json:"currentPerformance"`
	ProposedChanges    []ProposedChange   `json:"proposedChanges" validate:"required,min=1"`
	ExpectedImpact     float64            `json:"expectedImpact" validate:"gt=0,lt=1"` // Relative lift
	Priority           float64            `json:"priority"`
	Severity           Severity           `json:"severity"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// PriorityFunc scores a hypothesis. Implementations must be strictly
// increasing in impact, confidence and severity rank.
type PriorityFunc func(impact, confidence float64, severity Severity) float64

// WeightedPriority returns a 0-100 score from a weighted sum. All weights
// must be positive.
func WeightedPriority(impactW, confidenceW, severityW float64) PriorityFunc {
	return func(impact, confidence float64, severity Severity) float64 {
		sev := float64(severity.Rank()) / 3
		score := impactW*impact + confidenceW*confidence + severityW*sev
		return score / (impactW + confidenceW + severityW) * 100
	}
}

// DefaultPriority weighs impact, confidence and severity 0.5/0.3/0.2.
var DefaultPriority = WeightedPriority(0.5, 0.3, 0.2)

type rule struct {
	statement string
	maxLift   float64
	changes   []ProposedChange
}

var rules = map[ElementType]rule{
	ElementHeadline: {
		statement: "Rewriting the headline on %s to lead with the visitor's benefit will lift conversions",
		maxLift:   0.25,
		changes: []ProposedChange{
			{Name: "Benefit-led headline", Description: "State the outcome the visitor gets", Changes: []experiment.Change{{Attribute: "text", Value: "benefit"}}},
			{Name: "Question headline", Description: "Open with the visitor's problem as a question", Changes: []experiment.Change{{Attribute: "text", Value: "question"}}},
			{Name: "Shorter headline", Description: "Cut the headline to under eight words", Changes: []experiment.Change{{Attribute: "text", Value: "short"}}},
		},
	},
	ElementCTA: {
		statement: "A clearer, more prominent call to action on %s will raise click-through and conversions",
		maxLift:   0.3,
		changes: []ProposedChange{
			{Name: "Action-oriented copy", Description: "Use a first-person action verb", Changes: []experiment.Change{{Attribute: "text", Value: "Start my free trial"}}},
			{Name: "Contrasting color", Description: "Give the button a high-contrast color", Changes: []experiment.Change{{Attribute: "style.background", Value: "contrast"}}},
			{Name: "Larger button", Description: "Increase size and padding", Changes: []experiment.Change{{Attribute: "style.size", Value: "large"}}},
		},
	},
	ElementLayout: {
		statement: "Simplifying the layout of %s will reduce bounce and lift conversions",
		maxLift:   0.2,
		changes: []ProposedChange{
			{Name: "Single column", Description: "Collapse the page to one column", Changes: []experiment.Change{{Attribute: "layout", Value: "single-column"}}},
			{Name: "Social proof above the fold", Description: "Move testimonials above the fold", Changes: []experiment.Change{{Attribute: "order", Value: "social-proof-first"}}},
			{Name: "Fewer form fields", Description: "Remove optional form fields", Changes: []experiment.Change{{Attribute: "form.fields", Value: "required-only"}}},
		},
	},
}

const minExpectedImpact = 0.05

type Generator struct {
	priority  PriorityFunc
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewGenerator(priority PriorityFunc, publisher events.Publisher, logger *zap.Logger) *Generator {
	if priority == nil {
		priority = DefaultPriority
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{priority: priority, publisher: publisher, logger: logger, now: time.Now}
}

// Generate proposes a hypothesis for opp using the rule set of its element
// category.
func (g *Generator) Generate(ctx context.Context, opp Opportunity) (*Hypothesis, error) {
	if opp.Page == "" {
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "page", Code: "required", Message: "opportunity page is required",
		}})
	}
	et := opp.ElementType
	if et == "" {
		et = InferElementType(opp.Element)
	}
	r, ok := rules[et]
	if !ok {
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "elementType", Code: "invalid_type", Message: fmt.Sprintf("no hypothesis rules for element type %q", et),
		}})
	}

	target := opp.Page
	if opp.Element != "" {
		target = opp.Element + " on " + opp.Page
	}

	changes := make([]ProposedChange, len(r.changes))
	for i, c := range r.changes {
		c.Changes = append([]experiment.Change(nil), c.Changes...)
		changes[i] = c
	}

	h := &Hypothesis{
		ID:                 uuid.NewString(),
		OpportunityID:      opp.ID,
		Page:               opp.Page,
		Element:            opp.Element,
		ElementType:        et,
		Statement:          fmt.Sprintf(r.statement, target),
		CurrentPerformance: copyMetrics(opp.Metrics),
		ProposedChanges:    changes,
		ExpectedImpact:     math.Max(minExpectedImpact, round3(opp.PotentialImpact*r.maxLift)),
		Priority:           g.priority(opp.PotentialImpact, opp.ConfidenceScore, opp.Severity),
		Severity:           opp.Severity,
		CreatedAt:          g.now().UTC(),
	}

	if err := g.publisher.Publish(ctx, events.New(events.TypeHypothesisGenerated, "", h.Statement).
		With("hypothesisId", h.ID).
		With("priority", h.Priority)); err != nil {
		g.logger.Warn("failed to publish hypothesis", zap.Error(err))
	}
	return h, nil
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var errNoChanges = errors.New("hypothesis has no proposed changes")
