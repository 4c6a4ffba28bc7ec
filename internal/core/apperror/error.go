// Package apperror provides structured error handling for the sequence engine.
// All business errors must use AppError so callers can branch on Code.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes of the sequence engine taxonomy.
const (
	// Infrastructure errors
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Configuration-time validation
	CodeValidation              = "VALIDATION_ERROR"
	CodeInvalidCounterValue     = "INVALID_COUNTER_VALUE"
	CodeInvalidGapPolicy        = "INVALID_GAP_POLICY"
	CodeInvalidOverflowBehavior = "INVALID_OVERFLOW_BEHAVIOR"
	CodeInvalidResetPeriod      = "INVALID_RESET_PERIOD"
	CodePatternVersionConflict  = "PATTERN_VERSION_CONFLICT"

	// Generation-time failures
	CodeSequenceNotFound   = "SEQUENCE_NOT_FOUND"
	CodeSequenceLocked     = "SEQUENCE_LOCKED"
	CodeSequenceInactive   = "SEQUENCE_INACTIVE"
	CodeNoActivePattern    = "NO_ACTIVE_PATTERN"
	CodeUnresolvedVariable = "UNRESOLVED_VARIABLE"
	CodeSequenceExhausted  = "SEQUENCE_EXHAUSTED"

	// Lookups and state conflicts
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"
)

// AppError is the standard error type for the engine.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (sequence key, values, dates)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a generic validation error.
func NewValidation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

// NewNotFound creates a not found error for auxiliary entities (reservations, versions).
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewConflict creates a state conflict error.
func NewConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// NewDatabase wraps a storage failure.
func NewDatabase(op string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: "Storage operation failed",
		Details: map[string]any{"operation": op},
		Err:     err,
	}
}

// NewSequenceNotFound is returned when no sequence is defined for the key.
func NewSequenceNotFound(key string) *AppError {
	return &AppError{
		Code:    CodeSequenceNotFound,
		Message: fmt.Sprintf("sequence %s not found", key),
		Details: map[string]any{"sequence": key},
	}
}

// NewSequenceLocked is returned when generation is attempted on a locked sequence.
func NewSequenceLocked(key string) *AppError {
	return &AppError{
		Code:    CodeSequenceLocked,
		Message: fmt.Sprintf("sequence %s is locked", key),
		Details: map[string]any{"sequence": key},
	}
}

// NewSequenceInactive is returned when generation is attempted on an inactive sequence.
func NewSequenceInactive(key string) *AppError {
	return &AppError{
		Code:    CodeSequenceInactive,
		Message: fmt.Sprintf("sequence %s is inactive", key),
		Details: map[string]any{"sequence": key},
	}
}

// NewNoActivePattern is returned when no pattern version covers the reference date.
func NewNoActivePattern(key string, date string) *AppError {
	return &AppError{
		Code:    CodeNoActivePattern,
		Message: fmt.Sprintf("no active pattern for sequence %s on %s", key, date),
		Details: map[string]any{"sequence": key, "date": date},
	}
}

// NewPatternVersionConflict is returned when a new version interval intersects an existing one.
func NewPatternVersionConflict(key string, from, until string) *AppError {
	return &AppError{
		Code:    CodePatternVersionConflict,
		Message: fmt.Sprintf("pattern version [%s, %s) overlaps an existing version of %s", from, until, key),
		Details: map[string]any{"sequence": key, "effective_from": from, "effective_until": until},
	}
}

// NewUnresolvedVariable is returned when a custom pattern variable is missing from the context map.
func NewUnresolvedVariable(name string) *AppError {
	return &AppError{
		Code:    CodeUnresolvedVariable,
		Message: fmt.Sprintf("pattern variable %s is not present in context", name),
		Details: map[string]any{"variable": name},
	}
}

// NewSequenceExhausted is returned when a counter no longer fits its pattern padding.
func NewSequenceExhausted(key string, value int64, padding int) *AppError {
	return &AppError{
		Code:    CodeSequenceExhausted,
		Message: fmt.Sprintf("sequence %s exhausted: %d does not fit %d digits", key, value, padding),
		Details: map[string]any{"sequence": key, "value": value, "padding": padding},
	}
}

// NewInvalidCounterValue is returned by counter overrides that would break monotonicity.
func NewInvalidCounterValue(key string, current, requested int64) *AppError {
	return &AppError{
		Code:    CodeInvalidCounterValue,
		Message: fmt.Sprintf("counter value %d is not allowed for %s (current %d)", requested, key, current),
		Details: map[string]any{"sequence": key, "current": current, "requested": requested},
	}
}

// NewInvalidGapPolicy is returned for unknown gap policy strings.
func NewInvalidGapPolicy(value string) *AppError {
	return &AppError{
		Code:    CodeInvalidGapPolicy,
		Message: fmt.Sprintf("invalid gap policy %q", value),
		Details: map[string]any{"value": value},
	}
}

// NewInvalidOverflowBehavior is returned for unknown overflow behavior strings.
func NewInvalidOverflowBehavior(value string) *AppError {
	return &AppError{
		Code:    CodeInvalidOverflowBehavior,
		Message: fmt.Sprintf("invalid overflow behavior %q", value),
		Details: map[string]any{"value": value},
	}
}

// NewInvalidResetPeriod is returned for unknown reset period strings.
func NewInvalidResetPeriod(value string) *AppError {
	return &AppError{
		Code:    CodeInvalidResetPeriod,
		Message: fmt.Sprintf("invalid reset period %q", value),
		Details: map[string]any{"value": value},
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether the first AppError in the chain of err carries code.
func Is(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code, or CodeInternal for foreign errors.
func CodeOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// IsNotFound checks if error is CodeNotFound or CodeSequenceNotFound
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound) || Is(err, CodeSequenceNotFound)
}
