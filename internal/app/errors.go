package app

import (
	"errors"
	"fmt"
	"net/http"

	"cowrite/api/internal/access"
	"cowrite/api/internal/auth"
	"cowrite/api/internal/authpw"
	"cowrite/api/internal/conversation"
	"cowrite/api/internal/engine"
	"cowrite/api/internal/export"
	"cowrite/api/internal/session"
	"cowrite/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalidRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

func projectNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found with id of "+id, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func persistenceFailure(message string, err error) error {
	return fmt.Errorf("%w: %w", domainError(http.StatusInternalServerError, "PERSISTENCE_FAILURE", message, nil), err)
}

// mapError converts an error into the response envelope. Messages for AI and
// persistence failures are generic; the cause is only logged.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case engine.ErrInvalidRequest:
			return http.StatusBadRequest, "INVALID_REQUEST", engineErr.Error(), nil
		case engine.ErrProjectNotFound:
			return http.StatusNotFound, "PROJECT_NOT_FOUND", engineErr.Error(), nil
		case engine.ErrAIUnavailable:
			return http.StatusServiceUnavailable, "AI_SERVICE_UNAVAILABLE", engineErr.Error(), map[string]any{"retry": true}
		case engine.ErrPersistence:
			return http.StatusInternalServerError, "PERSISTENCE_FAILURE", engineErr.Error(), nil
		}
	}

	var validationErr *conversation.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, "VALIDATION_FAILED", validationErr.Error(), nil
	}

	switch {
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrForbiddenEdit):
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "CONFLICT", "Resource already exists", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil
	case errors.Is(err, authpw.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "INVALID_REQUEST", "format must be pdf or html", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
