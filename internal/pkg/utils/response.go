// Package utils holds the JSON envelope every ops endpoint answers with.
package utils

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
)

// Envelope is the body of every ops API response. Exactly one of Data and
// Error is meaningful, selected by Success.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *ListMeta   `json:"meta,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ListMeta describes a list payload
type ListMeta struct {
	Count int `json:"count"`
	Limit int `json:"limit,omitempty"`
}

// ErrorBody is the machine readable part of a failed response
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// WriteJSON encodes v with status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func WriteSuccess(w http.ResponseWriter, status int, data interface{}) error {
	return WriteJSON(w, status, Envelope{Success: true, Data: data})
}

// WriteList answers 200 with data and its count. limit 0 means unbounded.
func WriteList(w http.ResponseWriter, data interface{}, count, limit int) error {
	return WriteJSON(w, http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Meta:    &ListMeta{Count: count, Limit: limit},
	})
}

// WriteError answers with the status and code carried by err. The wrapped
// cause stays server side.
func WriteError(w http.ResponseWriter, err *errors.AppError) error {
	return WriteJSON(w, err.StatusCode, Envelope{Error: &ErrorBody{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}})
}

// WriteFromError answers with err when it is an AppError anywhere in its
// chain, otherwise with a 500 carrying fallback
func WriteFromError(w http.ResponseWriter, err error, fallback string) error {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Internal(fallback, err)
	}
	return WriteError(w, appErr)
}
