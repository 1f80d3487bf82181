package service

import (
	"context"
	"errors"
	"strings"

	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/store"
)

type AssignRequest struct {
	ParticipantID string
	DeviceType    string
}

// Assign buckets a participant into a variant. Repeat calls return the
// stored assignment. Paused experiments serve existing assignments only.
func (s *Service) Assign(ctx context.Context, id string, req AssignRequest) (*experiment.Participant, error) {
	if strings.TrimSpace(req.ParticipantID) == "" {
		return nil, experiment.NewValidationError([]experiment.Violation{{
			Field: "sessionId", Code: "required", Message: "participant identity is required",
		}})
	}

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case e.Status == experiment.StatusPaused:
		p, err := s.store.GetParticipant(ctx, id, req.ParticipantID)
		if err == nil {
			s.metrics.Assignment(false)
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, notRunning(e)
	case !e.Status.AcceptsParticipants():
		return nil, notRunning(e)
	}

	// A returning participant keeps its variant even if it no longer matches
	// the targeting rules.
	if len(e.Targeting.DeviceTypes) > 0 {
		if p, err := s.store.GetParticipant(ctx, id, req.ParticipantID); err == nil {
			s.metrics.Assignment(false)
			return p, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if !deviceAllowed(e.Targeting.DeviceTypes, req.DeviceType) {
			return nil, experiment.NewValidationError([]experiment.Violation{{
				Field:   "deviceType",
				Code:    "not_targeted",
				Message: "device type '" + req.DeviceType + "' is not targeted by this experiment",
			}})
		}
	}

	v, ok := experiment.Allocate(e, req.ParticipantID)
	if !ok {
		return nil, &experiment.Error{Kind: experiment.KindInternal, Message: "experiment '" + id + "' has no allocatable variant"}
	}

	stored, created, err := s.store.AssignParticipant(ctx, &experiment.Participant{
		ExperimentID: id,
		ID:           req.ParticipantID,
		VariantID:    v.ID,
		DeviceType:   req.DeviceType,
		AssignedAt:   s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Assignment(created)
	return stored, nil
}

func deviceAllowed(allowed []string, device string) bool {
	for _, d := range allowed {
		if strings.EqualFold(d, device) {
			return true
		}
	}
	return false
}

func notRunning(e *experiment.Experiment) error {
	return &experiment.Error{
		Kind:    experiment.KindNotRunning,
		Message: "experiment '" + e.ID + "' is " + string(e.Status) + ", not running",
		Details: map[string]string{"status": string(e.Status)},
	}
}

// Variant returns one variant of an experiment without loading metrics.
func (s *Service) Variant(ctx context.Context, experimentID, variantID string) (*experiment.Variant, error) {
	e, err := s.load(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	v, ok := e.Variant(variantID)
	if !ok {
		return nil, experiment.NewNotFoundError("variant", variantID)
	}
	return v, nil
}
