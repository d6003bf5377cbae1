package models

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypePrecondition ErrorType = "precondition"
	ErrorTypeExternal     ErrorType = "external"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeCancelled    ErrorType = "cancelled"
	ErrorTypeInternal     ErrorType = "internal"
)

type AppError struct {
	Type     ErrorType      `json:"type"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Cause    error          `json:"-"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Type and Code so that sentinels survive WithCause/WithMetadata copies.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithCause returns a copy so shared sentinels are never mutated.
func (e *AppError) WithCause(cause error) *AppError {
	clone := e.clone()
	clone.Cause = cause
	return clone
}

func (e *AppError) WithMetadata(key string, value any) *AppError {
	clone := e.clone()
	clone.Metadata[key] = value
	return clone
}

func (e *AppError) clone() *AppError {
	clone := *e
	clone.Metadata = make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

func newAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:     errorType,
		Code:     code,
		Message:  message,
		Metadata: map[string]any{},
	}
}

func NewValidationError(code, message string) *AppError {
	return newAppError(ErrorTypeValidation, code, message)
}

func NewPreconditionError(code, message string) *AppError {
	return newAppError(ErrorTypePrecondition, code, message)
}

func NewExternalError(code, message string) *AppError {
	return newAppError(ErrorTypeExternal, code, message)
}

func NewTimeoutError(code, message string) *AppError {
	return newAppError(ErrorTypeTimeout, code, message)
}

func NewInternalError(code, message string) *AppError {
	return newAppError(ErrorTypeInternal, code, message)
}

func NewNotFoundError(code, message string) *AppError {
	return newAppError(ErrorTypeNotFound, code, message)
}

// WrapExternalError tags an error returned by an outbound service call.
// Errors that are already AppErrors keep their classification.
func WrapExternalError(service string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return NewExternalError(service+"_FAILED", service+" request failed").WithCause(err)
}

// ErrorTypeOf reports the AppError classification of err, or internal.
func ErrorTypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

var (
	ErrEmptyState         = NewPreconditionError("EMPTY_STATE", "conversation state has no messages")
	ErrNoJudgment         = NewPreconditionError("NO_JUDGMENT", "grader produced no judgment")
	ErrNonNumericScore    = NewPreconditionError("NON_NUMERIC_SCORE", "relevance score is not numeric")
	ErrScoreOutOfRange    = NewPreconditionError("SCORE_OUT_OF_RANGE", "relevance score is outside [0, 1]")
	ErrNoRetrievedContext = NewPreconditionError("NO_RETRIEVED_CONTEXT", "no tool result found in the conversation history")
	ErrRefinementLimit    = NewPreconditionError("REFINEMENT_LIMIT", "retrieved context never reached the relevance threshold")
	ErrWorkflowNotFound   = NewNotFoundError("WORKFLOW_NOT_FOUND", "workflow not found")
	ErrWorkflowCancelled  = newAppError(ErrorTypeCancelled, "WORKFLOW_CANCELLED", "workflow was cancelled")
)
