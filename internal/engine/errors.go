package engine

import (
	"errors"

	"cowrite/api/internal/access"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrProjectNotFound = errors.New("project not found")
	ErrAIUnavailable   = errors.New("AI service unavailable")
	ErrPersistence     = errors.New("persistence failure")

	ErrForbidden     = access.ErrForbidden
	ErrForbiddenEdit = access.ErrForbiddenEdit
)

// Error carries a caller-safe message and a classification; the underlying
// cause is kept for logs only.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func invalid(msg string) error {
	return &Error{Kind: ErrInvalidRequest, Message: msg}
}

func aiFailure(msg string, err error) error {
	return &Error{Kind: ErrAIUnavailable, Message: msg, Err: err}
}

func persistence(msg string, err error) error {
	return &Error{Kind: ErrPersistence, Message: msg, Err: err}
}
