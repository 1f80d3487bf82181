package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/experiment"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind experiment.Kind) int {
	switch kind {
	case experiment.KindValidation, experiment.KindLifecycle:
		return http.StatusBadRequest
	case experiment.KindNotFound:
		return http.StatusNotFound
	case experiment.KindDeploymentConflict, experiment.KindNotRunning:
		return http.StatusConflict
	case experiment.KindAttributionMismatch, experiment.KindComputationGuard:
		return http.StatusUnprocessableEntity
	case experiment.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := experiment.KindOf(err)
	status := statusFor(kind)

	body := envelope{Success: false, Error: err.Error(), Kind: string(kind)}
	var e *experiment.Error
	if errors.As(err, &e) {
		body.Details = e.Details
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		body.Error = "internal server error"
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into dst and runs struct validation on it.
// Failures come back as validation errors.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := readJSON(r, dst); err != nil {
		return err
	}
	return s.check(dst)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return experiment.NewValidationError([]experiment.Violation{{
			Field: "body", Code: "invalid_json", Message: fmt.Sprintf("invalid JSON body: %v", err),
		}})
	}
	return nil
}

func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate request: %w", err)
	}
	violations := make([]experiment.Violation, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		violations = append(violations, experiment.Violation{
			Field:   fe.Namespace(),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("failed %q check", fe.Tag()),
		})
	}
	return experiment.NewValidationError(violations)
}

// requestLogger logs each request and records it in the HTTP metrics under
// its route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		s.metrics.HTTPRequest(r.Method, route, status, elapsed)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
