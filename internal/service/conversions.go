package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/store"
)

type ConversionInput struct {
	ExperimentID  string    `json:"experimentId"`
	VariantID     string    `json:"variantId"`
	ParticipantID string    `json:"participantId"`
	GoalID        string    `json:"goalId"`
	Value         *float64  `json:"value,omitempty"`
	EventID       string    `json:"eventId,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

type ConversionResult struct {
	// Recorded is false when a binary goal had already converted for the
	// participant.
	Recorded bool                        `json:"recorded"`
	Event    *experiment.ConversionEvent `json:"event"`
}

// RecordConversion attributes a conversion to the participant's assigned
// variant. A claim for any other variant is rejected, never reassigned.
func (s *Service) RecordConversion(ctx context.Context, in ConversionInput) (*ConversionResult, error) {
	if vs := checkConversion(in); len(vs) > 0 {
		s.metrics.Conversion("rejected")
		return nil, experiment.NewValidationError(vs)
	}

	e, err := s.load(ctx, in.ExperimentID)
	if err != nil {
		return nil, err
	}
	if !e.Status.AcceptsConversions() {
		s.metrics.Conversion("rejected")
		return nil, notRunning(e)
	}

	goal, ok := e.Goal(in.GoalID)
	if !ok {
		s.metrics.Conversion("rejected")
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "goalId", Code: "unknown_goal", Message: "goal '" + in.GoalID + "' is not defined on this experiment",
		}})
	}
	if !goal.Binary() && (in.Value == nil || *in.Value < 0) {
		s.metrics.Conversion("rejected")
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "value", Code: "required", Message: "revenue goals need a non-negative value",
		}})
	}

	p, err := s.store.GetParticipant(ctx, e.ID, in.ParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.Conversion("rejected")
		return nil, &experiment.Error{
			Kind:    experiment.KindAttributionMismatch,
			Message: "participant '" + in.ParticipantID + "' was never assigned in this experiment",
			Details: map[string]string{"claimedVariantId": in.VariantID},
		}
	}
	if err != nil {
		return nil, err
	}
	if p.VariantID != in.VariantID {
		s.metrics.Conversion("rejected")
		return nil, &experiment.Error{
			Kind:    experiment.KindAttributionMismatch,
			Message: "participant '" + in.ParticipantID + "' is assigned to '" + p.VariantID + "', not '" + in.VariantID + "'",
			Details: map[string]string{"assignedVariantId": p.VariantID, "claimedVariantId": in.VariantID},
		}
	}

	ev := &experiment.ConversionEvent{
		ID:            in.EventID,
		ExperimentID:  e.ID,
		VariantID:     p.VariantID,
		ParticipantID: p.ID,
		GoalID:        goal.ID,
		Value:         in.Value,
		Timestamp:     in.Timestamp,
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.LastSeenAt = ev.Timestamp

	recorded, err := s.store.AppendConversion(ctx, ev, goal.Binary())
	if err != nil {
		return nil, err
	}
	if recorded {
		s.metrics.Conversion("recorded")
	} else {
		s.metrics.Conversion("duplicate")
		s.logger.Debug("duplicate conversion ignored",
			zap.String("experiment_id", e.ID),
			zap.String("participant_id", p.ID),
			zap.String("goal_id", goal.ID))
	}
	return &ConversionResult{Recorded: recorded, Event: ev}, nil
}

func checkConversion(in ConversionInput) []experiment.Violation {
	var vs []experiment.Violation
	required := func(field, value string) {
		if value == "" {
			vs = append(vs, experiment.Violation{Field: field, Code: "required", Message: field + " is required"})
		}
	}
	required("experimentId", in.ExperimentID)
	required("variantId", in.VariantID)
	required("participantId", in.ParticipantID)
	required("goalId", in.GoalID)
	return vs
}

type BulkItem struct {
	Index  int               `json:"index"`
	Result *ConversionResult `json:"result"`
}

type BulkFailure struct {
	Index int             `json:"index"`
	Kind  experiment.Kind `json:"kind"`
	Error string          `json:"error"`
}

// BulkReport partitions a batch into the items that were accepted and the
// items that failed.
type BulkReport struct {
	Succeeded []BulkItem    `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// RecordConversionsBulk records each item independently; one bad item never
// fails the batch.
func (s *Service) RecordConversionsBulk(ctx context.Context, items []ConversionInput) BulkReport {
	report := BulkReport{Succeeded: []BulkItem{}, Failed: []BulkFailure{}}
	for i, in := range items {
		res, err := s.RecordConversion(ctx, in)
		if err != nil {
			report.Failed = append(report.Failed, BulkFailure{Index: i, Kind: experiment.KindOf(err), Error: err.Error()})
			continue
		}
		report.Succeeded = append(report.Succeeded, BulkItem{Index: i, Result: res})
	}
	return report
}

// Conversions returns the raw conversion log for an experiment.
func (s *Service) Conversions(ctx context.Context, id string) ([]*experiment.ConversionEvent, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListConversions(ctx, id)
}
