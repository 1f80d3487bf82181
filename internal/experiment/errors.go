package experiment

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindNotFound              Kind = "not_found"
	KindLifecycle             Kind = "lifecycle_error"
	KindDeploymentConflict    Kind = "deployment_conflict"
	KindAttributionMismatch   Kind = "attribution_mismatch"
	KindComputationGuard      Kind = "computation_guard"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindNotRunning            Kind = "experiment_not_running"
	KindInternal              Kind = "internal"
)

// Error carries a Kind plus a human message. Details holds structured
// context such as validator violations or colliding experiment ids.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotFound)
// works for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrLifecycle             = &Error{Kind: KindLifecycle}
	ErrDeploymentConflict    = &Error{Kind: KindDeploymentConflict}
	ErrAttributionMismatch   = &Error{Kind: KindAttributionMismatch}
	ErrComputationGuard      = &Error{Kind: KindComputationGuard}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrNotRunning            = &Error{Kind: KindNotRunning}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Violation is one failed structural check.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

func NewValidationError(violations []Violation) *Error {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.String()
	}
	return &Error{
		Kind:    KindValidation,
		Message: "experiment is invalid: " + strings.Join(parts, "; "),
		Details: violations,
	}
}

func NewNotFoundError(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s '%s' not found", what, id)}
}

func NewLifecycleError(id string, from, to Status) *Error {
	return &Error{
		Kind:    KindLifecycle,
		Message: fmt.Sprintf("experiment '%s' cannot move from %s to %s", id, from, to),
		Details: map[string]string{"from": string(from), "to": string(to)},
	}
}

func NewDeploymentConflictError(id string, colliding []string) *Error {
	return &Error{
		Kind: KindDeploymentConflict,
		Message: fmt.Sprintf("experiment '%s' targets the same page element as running experiment(s) %s",
			id, strings.Join(colliding, ", ")),
		Details: map[string][]string{"conflictingExperimentIds": colliding},
	}
}
