package client

import (
	"fmt"
	"net/http"
)

// APIError is a failed response from the ops API. Code is empty when the
// server did not answer with a JSON envelope.
type APIError struct {
	StatusCode int         `json:"-"`
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("fleetpulse %d %s: %s", e.StatusCode, code, e.Message)
}

// IsNotFound reports an unknown device or alert
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnavailable reports that the engine or one of its stores is down
func (e *APIError) IsUnavailable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}
