// Package interfaces holds the small contract types shared across layers.
package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError carries the upstream HTTP status alongside the raw body text.
// Callers key their retry and disable decisions off the status code.
type StatusError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// StatusCode returns the upstream HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// NewStatusError wraps an upstream status code and body text.
func NewStatusError(code int, body []byte) *StatusError {
	return &StatusError{Code: code, Message: string(body)}
}

// IsPermanentAuth reports whether the error is an upstream authorization
// rejection that will never succeed with the same credential.
func IsPermanentAuth(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}
