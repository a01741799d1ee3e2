package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	// Kind is one of the sentinels above, so callers can use errors.Is.
	Kind error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Kind
}

func domainError(status int, code, message string, details any) *DomainError {
	var kind error
	switch status {
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = ErrInvalidArgument
	case http.StatusConflict:
		kind = ErrConflict
	}
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
		Kind:    kind,
	}
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func invalidArgument(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}
