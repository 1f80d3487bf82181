package server

import (
	"net/http"

	"github.com/headline-goat/labgoat/internal/autopilot"
)

type opportunitiesRequest struct {
	Signals []autopilot.Signal `json:"signals" validate:"required,min=1,dive"`
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	var req opportunitiesRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	opps, err := s.analyzer.Analyze(r.Context(), req.Signals)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if opps == nil {
		opps = []autopilot.Opportunity{}
	}
	writeData(w, http.StatusOK, opps)
}

func (s *Server) handleHypothesis(w http.ResponseWriter, r *http.Request) {
	var opp autopilot.Opportunity
	if err := readJSON(r, &opp); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.generator.Generate(r.Context(), opp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, h)
}

// handleBuildExperiment turns a hypothesis into a persisted draft. The
// draft still has to be started explicitly.
func (s *Server) handleBuildExperiment(w http.ResponseWriter, r *http.Request) {
	var req autopilot.BuildRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	draft, err := s.builder.Build(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.svc.Create(r.Context(), draft)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}
