package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"picks-pipeline/internal/models"
)

type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

type APIError struct {
	Type    models.ErrorType `json:"type"`
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

// StatusFor maps an error classification onto an HTTP status.
func StatusFor(err error) int {
	switch models.ErrorTypeOf(err) {
	case models.ErrorTypeValidation:
		return http.StatusBadRequest
	case models.ErrorTypePrecondition:
		return http.StatusUnprocessableEntity
	case models.ErrorTypeExternal:
		return http.StatusBadGateway
	case models.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case models.ErrorTypeNotFound:
		return http.StatusNotFound
	case models.ErrorTypeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func toAPIError(err error) *APIError {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		return &APIError{Type: models.ErrorTypeInternal, Code: "INTERNAL_ERROR", Message: "internal server error"}
	}
	apiErr := &APIError{Type: appErr.Type, Code: appErr.Code, Message: appErr.Message}
	if len(appErr.Metadata) > 0 {
		apiErr.Details = appErr.Metadata
	}
	return apiErr
}

func respondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: RequestIDFrom(c),
	})
}

func respondError(c *gin.Context, err error, data any) {
	c.JSON(StatusFor(err), APIResponse{
		Success:   false,
		Data:      data,
		Error:     toAPIError(err),
		RequestID: RequestIDFrom(c),
	})
}

// bindingError turns a gin binding failure into a validation error that
// names the offending fields.
func bindingError(err error) error {
	appErr := models.NewValidationError("INVALID_REQUEST", "request body is invalid")

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		fields := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			fields = append(fields, strings.ToLower(fe.Field())+" failed "+fe.Tag())
		}
		return appErr.WithMetadata("fields", fields)
	}
	return appErr.WithCause(err)
}
