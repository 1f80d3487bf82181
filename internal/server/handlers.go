package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/headline-goat/labgoat/internal/experiment"
	"github.com/headline-goat/labgoat/internal/service"
	"github.com/headline-goat/labgoat/internal/stats"
)

type HealthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store"`
	Error         string `json:"error,omitempty"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	resp := HealthResponse{
		Status:        h.Status,
		Store:         h.Store,
		Error:         h.Error,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: status == http.StatusOK, Data: resp})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, experiment.NewValidationError([]experiment.Violation{{
				Field: "limit", Code: "invalid_type", Message: "limit must be a non-negative integer",
			}}))
			return
		}
		limit = n
	}
	writeData(w, http.StatusOK, s.recorder.Recent(limit))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	status := experiment.Status(r.URL.Query().Get("status"))
	list, err := s.svc.List(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*experiment.Experiment{}
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var def experiment.Experiment
	if err := readJSON(r, &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.svc.Create(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	var patch service.Patch
	if err := readJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var def experiment.Experiment
	if err := readJSON(r, &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, s.svc.Validate(&def))
}

type sampleSizeRequest struct {
	BaselineRate            float64 `json:"baselineRate" validate:"gt=0,lt=1"`
	MinimumDetectableEffect float64 `json:"minimumDetectableEffect" validate:"gt=0"`
	ConfidenceLevel         float64 `json:"confidenceLevel" validate:"gte=0,lt=100"`
	Power                   float64 `json:"power" validate:"gte=0,lt=100"`
	Variants                int     `json:"variants" validate:"omitempty,gte=2"`
	DailyTraffic            int64   `json:"dailyTraffic" validate:"gte=0"`
}

func (s *Server) handleSampleSize(w http.ResponseWriter, r *http.Request) {
	var req sampleSizeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.SampleSize(stats.SampleSizeInput(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

type stopRequest struct {
	WinnerID string `json:"winnerId"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	e, err := s.svc.Stop(r.Context(), chi.URLParam(r, "id"), req.WinnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

type assignRequest struct {
	SessionID  string `json:"sessionId" validate:"required"`
	DeviceType string `json:"deviceType"`
}

type assignResponse struct {
	VariantID   string                  `json:"variantId"`
	Changes     []experiment.Change     `json:"changes"`
	Participant *experiment.Participant `json:"participant"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Assign(r.Context(), chi.URLParam(r, "id"), service.AssignRequest{
		ParticipantID: req.SessionID,
		DeviceType:    req.DeviceType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.Variant(r.Context(), p.ExperimentID, p.VariantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	changes := v.Changes
	if changes == nil {
		changes = []experiment.Change{}
	}
	writeData(w, http.StatusOK, assignResponse{VariantID: p.VariantID, Changes: changes, Participant: p})
}

type conversionRequest struct {
	ExperimentID  string    `json:"experimentId"`
	VariantID     string    `json:"variantId" validate:"required"`
	ParticipantID string    `json:"participantId" validate:"required"`
	GoalID        string    `json:"goalId" validate:"required"`
	Value         *float64  `json:"value,omitempty" validate:"omitempty,gte=0"`
	EventID       string    `json:"eventId,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

func (c conversionRequest) input() service.ConversionInput {
	return service.ConversionInput{
		ExperimentID:  c.ExperimentID,
		VariantID:     c.VariantID,
		ParticipantID: c.ParticipantID,
		GoalID:        c.GoalID,
		Value:         c.Value,
		EventID:       c.EventID,
		Timestamp:     c.Timestamp,
	}
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := req.input()
	in.ExperimentID = chi.URLParam(r, "id")

	res, err := s.svc.RecordConversion(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// handleBulkConversions accepts an array of conversions, each naming its
// experiment. Items are checked by the recorder one at a time.
func (s *Server) handleBulkConversions(w http.ResponseWriter, r *http.Request) {
	var reqs []conversionRequest
	if err := readJSON(r, &reqs); err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]service.ConversionInput, len(reqs))
	for i, req := range reqs {
		items[i] = req.input()
	}
	writeData(w, http.StatusOK, s.svc.RecordConversionsBulk(r.Context(), items))
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Conversions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*experiment.ConversionEvent{}
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
