package service

import (
	"context"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/stats"
)

// Results computes the statistical result on demand. Completed experiments
// return the analysis stored when they were stopped.
func (s *Service) Results(ctx context.Context, id string) (*experiment.StatisticalResult, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == experiment.StatusCompleted && e.FinalResult != nil {
		return e.FinalResult, nil
	}

	res := stats.Analyze(e, s.now())
	s.metrics.Analysis()
	s.publish(ctx, events.New(events.TypeAnalysisCompleted, id, res.Recommendation).
		With("winnerId", res.WinnerID).
		With("significant", res.Significant))
	return res, nil
}
