package broker

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrLoginRequired is returned when a link has no stored session.
	ErrLoginRequired = errors.New("login required")

	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrInvalidTransition is returned for a connectivity transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid connectivity state transition")

	// ErrUnknownProvider is returned when no adapter factory is registered for a provider code.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("adapter closed")
)

// StatusCategory groups transport status codes for feed status derivation.
type StatusCategory string

const (
	CategoryNone   StatusCategory = ""
	CategoryAuth   StatusCategory = "auth"
	CategoryServer StatusCategory = "server"
	CategoryClient StatusCategory = "client"
)

// ClassifyStatus maps an HTTP status code to its category.
func ClassifyStatus(code int) StatusCategory {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryAuth
	case code >= 500 && code <= 599:
		return CategoryServer
	case code >= 400 && code <= 499:
		return CategoryClient
	default:
		return CategoryNone
	}
}

// StatusError is a non-success status returned by the brokerage.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Category returns the status category of the error.
func (e *StatusError) Category() StatusCategory {
	return ClassifyStatus(e.StatusCode)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.Category() == CategoryServer || e.StatusCode == http.StatusTooManyRequests
}

// StatusCode extracts the status code from err, 0 if err carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsAuthError reports whether err is an authentication or authorization failure.
func IsAuthError(err error) bool {
	return ClassifyStatus(StatusCode(err)) == CategoryAuth
}
