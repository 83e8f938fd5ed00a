// ABOUTME: REST error taxonomy: typed API errors with status sentinels.
// ABOUTME: Mirrors the upstream status-to-error mapping (400/401/403/404).

package rest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinels for the statuses callers branch on.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited after retries")
)

// APIError carries the server's error body for a non-2xx response.
// errors.Is works against the status sentinels above.
type APIError struct {
	Status  int
	Code    int
	Message string

	sentinel error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.sentinel
}

// newAPIError maps a status and response body to an APIError.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}

	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		e.Code = payload.Code
		e.Message = payload.Message
	} else {
		e.Message = string(body)
	}

	switch status {
	case 400:
		e.sentinel = ErrBadRequest
	case 401:
		e.sentinel = ErrUnauthorized
	case 403:
		e.sentinel = ErrForbidden
	case 404:
		e.sentinel = ErrNotFound
	}
	return e
}
