package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/voxqueue/internal/api/shared"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/service"
	"github.com/phrazzld/voxqueue/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing the error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrEmptySessionID),
		errors.Is(err, shared.ErrRequestTooLarge):
		return http.StatusBadRequest

	case errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrSessionGone):
		return http.StatusGone

	case errors.Is(err, domain.ErrCapacity):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that does not
// leak internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		if verr.Field != "" {
			return fmt.Sprintf("Invalid %s", verr.Field)
		}
		return "Validation error"
	}

	switch {
	case errors.Is(err, shared.ErrRequestTooLarge):
		return "Request body too large"
	case errors.Is(err, domain.ErrInvalidPayload):
		return "Invalid payload"
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, domain.ErrSessionGone):
		return "Session is closed"
	case errors.Is(err, domain.ErrCapacity):
		return "Service is at capacity, retry later"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and safe message for err and logs the
// redacted error. A non-empty message overrides the default one.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns a validator error into a short message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Format: "Key: 'SubmitJobRequest.MaxAttempts' Error:Field validation for 'MaxAttempts' failed on the 'max' tag"
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}
				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	return "Validation error"
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
