package experiment

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

type Type string

const (
	TypeAB           Type = "ab"
	TypeRedirect     Type = "redirect"
	TypeMultivariate Type = "multivariate"
	TypeFeatureFlag  Type = "feature_flag"
)

type GoalType string

const (
	GoalConversion GoalType = "conversion"
	GoalRevenue    GoalType = "revenue"
	GoalEngagement GoalType = "engagement"
)

type Experiment struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Type           Type                `json:"type"`
	Status         Status              `json:"status"`
	Variants       []Variant           `json:"variants"`
	PrimaryGoal    Goal                `json:"primaryGoal"`
	SecondaryGoals []Goal              `json:"secondaryGoals,omitempty"`
	Settings       StatisticalSettings `json:"settings"`
	Targeting      Targeting           `json:"targeting"`
	Metadata       Metadata            `json:"metadata"`
	WinnerID       string              `json:"winnerId,omitempty"`
	FinalResult    *StatisticalResult  `json:"finalResult,omitempty"` // Set once on completion
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	PausedAt       *time.Time          `json:"pausedAt,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
}

type Variant struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	IsControl         bool               `json:"isControl"`
	TrafficAllocation float64            `json:"trafficAllocation"` // Percent, 0-100
	Changes           []Change           `json:"changes,omitempty"`
	Metrics           PerformanceMetrics `json:"metrics"`
}

// Change is a single mutation a treatment applies to the targeted element.
type Change struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

type Goal struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        GoalType `json:"type"`
	TargetValue float64  `json:"targetValue,omitempty"`
	Weight      float64  `json:"weight"`
}

// Binary reports whether a goal counts at most one conversion per participant.
func (g Goal) Binary() bool {
	return g.Type != GoalRevenue
}

type StatisticalSettings struct {
	ConfidenceLevel         float64 `json:"confidenceLevel"`         // Percent, 80-99
	Power                   float64 `json:"power"`                   // Percent, 50-95
	MinimumDetectableEffect float64 `json:"minimumDetectableEffect"` // Relative lift, e.g. 0.1
	MinimumSampleSize       int64   `json:"minimumSampleSize,omitempty"`
}

type Targeting struct {
	Page        string   `json:"page,omitempty"`
	Element     string   `json:"element,omitempty"`
	DeviceTypes []string `json:"deviceTypes,omitempty"`
}

type Metadata struct {
	Owner        string   `json:"owner,omitempty"`
	Hypothesis   string   `json:"hypothesis,omitempty"`
	HypothesisID string   `json:"hypothesisId,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

type GoalMetrics struct {
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// PerformanceMetrics is derived from the participant and conversion logs.
// Conversions and ConversionRate refer to the primary goal.
type PerformanceMetrics struct {
	Visitors       int64                  `json:"visitors"`
	Conversions    int64                  `json:"conversions"`
	ConversionRate float64                `json:"conversionRate"`
	Revenue        float64                `json:"revenue"`
	Goals          map[string]GoalMetrics `json:"goals,omitempty"`
}

type Participant struct {
	ExperimentID string    `json:"experimentId"`
	ID           string    `json:"id"`
	VariantID    string    `json:"variantId"`
	DeviceType   string    `json:"deviceType,omitempty"`
	AssignedAt   time.Time `json:"assignedAt"`
}

type ConversionEvent struct {
	ID            string    `json:"id"`
	ExperimentID  string    `json:"experimentId"`
	VariantID     string    `json:"variantId"`
	ParticipantID string    `json:"participantId"`
	GoalID        string    `json:"goalId"`
	Value         *float64  `json:"value,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

type StatisticalResult struct {
	ExperimentID    string          `json:"experimentId"`
	ConfidenceLevel float64         `json:"confidenceLevel"` // Target, percent
	Variants        []VariantResult `json:"variants"`
	Goals           []GoalResult    `json:"goals"`
	WinnerID        string          `json:"winnerId,omitempty"`
	Significant     bool            `json:"significant"`
	Recommendation  string          `json:"recommendation"`
	ComputedAt      time.Time       `json:"computedAt"`
}

// VariantResult describes a variant against the primary goal.
type VariantResult struct {
	VariantID   string  `json:"variantId"`
	Name        string  `json:"name"`
	IsControl   bool    `json:"isControl"`
	Visitors    int64   `json:"visitors"`
	Conversions int64   `json:"conversions"`
	Rate        float64 `json:"rate"`
	CILower     float64 `json:"ciLower"`
	CIUpper     float64 `json:"ciUpper"`
	Revenue     float64 `json:"revenue"`
}

type GoalResult struct {
	GoalID      string       `json:"goalId"`
	GoalName    string       `json:"goalName"`
	GoalType    GoalType     `json:"goalType"`
	Primary     bool         `json:"primary"`
	Comparisons []Comparison `json:"comparisons"`
}

// Comparison is one treatment measured against the control for one goal.
type Comparison struct {
	VariantID   string  `json:"variantId"`
	ControlRate float64 `json:"controlRate"`
	VariantRate float64 `json:"variantRate"`
	Lift        float64 `json:"lift"` // Relative to control
	ZScore      float64 `json:"zScore"`
	PValue      float64 `json:"pValue"`
	Confidence  float64 `json:"confidence"` // Achieved, percent
	Significant bool    `json:"significant"`
}

// Goals returns the primary goal followed by the secondary goals.
func (e *Experiment) Goals() []Goal {
	goals := make([]Goal, 0, 1+len(e.SecondaryGoals))
	goals = append(goals, e.PrimaryGoal)
	return append(goals, e.SecondaryGoals...)
}

func (e *Experiment) Goal(id string) (Goal, bool) {
	for _, g := range e.Goals() {
		if g.ID == id {
			return g, true
		}
	}
	return Goal{}, false
}

func (e *Experiment) Variant(id string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

func (e *Experiment) Control() (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers can apply defaults or patches
// without touching the original.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		v.Changes = append([]Change(nil), v.Changes...)
		if v.Metrics.Goals != nil {
			goals := make(map[string]GoalMetrics, len(v.Metrics.Goals))
			for k, g := range v.Metrics.Goals {
				goals[k] = g
			}
			v.Metrics.Goals = goals
		}
		c.Variants[i] = v
	}
	c.SecondaryGoals = append([]Goal(nil), e.SecondaryGoals...)
	c.Targeting.DeviceTypes = append([]string(nil), e.Targeting.DeviceTypes...)
	c.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	if e.FinalResult != nil {
		r := *e.FinalResult
		c.FinalResult = &r
	}
	return &c
}
