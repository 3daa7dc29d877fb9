package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with additional context
type AppError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	StatusCode int         `json:"-"`
	Internal   error       `json:"-"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}
	return e.Message
}

// Unwrap returns the internal error for errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Common error codes
const (
	ErrCodeInternal               = "INTERNAL_ERROR"
	ErrCodeBadRequest             = "BAD_REQUEST"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeDatabase               = "DATABASE_ERROR"
	ErrCodeDeviceStoreUnavailable = "DEVICE_STORE_UNAVAILABLE"
	ErrCodeQueueUnavailable       = "QUEUE_UNAVAILABLE"
	ErrCodeSinkUnavailable        = "SINK_UNAVAILABLE"
	ErrCodeRuleEvaluation         = "RULE_EVALUATION_ERROR"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Internal:   err,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, message, http.StatusInternalServerError)
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message, http.StatusBadRequest)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// VersionConflict wraps an optimistic concurrency failure
func VersionConflict(resource string, err error) *AppError {
	return Wrap(err, ErrCodeConflict, fmt.Sprintf("%s was modified concurrently", resource), http.StatusConflict)
}

// ValidationError creates a validation error
func ValidationError(message string, details interface{}) *AppError {
	return New(ErrCodeValidation, message, http.StatusBadRequest).WithDetails(details)
}

// DatabaseError creates a database error
func DatabaseError(message string, err error) *AppError {
	return Wrap(err, ErrCodeDatabase, message, http.StatusInternalServerError)
}

// DeviceStoreUnavailable marks a failed read of the device inventory
func DeviceStoreUnavailable(err error) *AppError {
	return Wrap(err, ErrCodeDeviceStoreUnavailable, "Device store unavailable", http.StatusServiceUnavailable)
}

// QueueUnavailable marks a failed broker operation
func QueueUnavailable(lane string, err error) *AppError {
	return Wrap(err, ErrCodeQueueUnavailable,
		fmt.Sprintf("Task queue unavailable for lane %s", lane),
		http.StatusServiceUnavailable)
}

// SinkUnavailable marks a failed metrics sink write
func SinkUnavailable(err error) *AppError {
	return Wrap(err, ErrCodeSinkUnavailable, "Metrics sink unavailable", http.StatusServiceUnavailable)
}

// RuleEvaluation marks a rule that could not be evaluated
func RuleEvaluation(ruleID string, err error) *AppError {
	return Wrap(err, ErrCodeRuleEvaluation,
		fmt.Sprintf("Failed to evaluate rule %s", ruleID),
		http.StatusUnprocessableEntity)
}

// RateLimited creates a rate limited error
func RateLimited(message string) *AppError {
	return New(ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

// ServiceUnavailable creates a service unavailable error
func ServiceUnavailable(message string) *AppError {
	return New(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// IsInfrastructure reports whether err is a store, queue or sink failure.
// Those are retried at the next natural cycle.
func IsInfrastructure(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeDeviceStoreUnavailable, ErrCodeQueueUnavailable, ErrCodeSinkUnavailable, ErrCodeDatabase:
		return true
	default:
		return false
	}
}

// HasCode reports whether err wraps an AppError with the given code
func HasCode(err error, code string) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}
