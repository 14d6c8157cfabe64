package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a category of orchestrator failure.
type ErrorCode string

const (
	CodeProjectNotReady      ErrorCode = "PROJECT_NOT_READY"
	CodePortsExhausted       ErrorCode = "PORTS_EXHAUSTED"
	CodeStartupTimeout       ErrorCode = "STARTUP_TIMEOUT"
	CodeSpawnFailed          ErrorCode = "SPAWN_FAILED"
	CodeStopped              ErrorCode = "STOPPED"
	CodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
)

// Error is a typed orchestrator error. Two Errors match under errors.Is
// when their codes are equal, so callers can compare against the sentinels.
type Error struct {
	Code       ErrorCode
	Message    string
	JobID      string
	Cause      error
	Suggestion string
}

// Sentinels for errors.Is.
var (
	ErrProjectNotReady   = &Error{Code: CodeProjectNotReady, Message: "project not ready"}
	ErrPortsExhausted    = &Error{Code: CodePortsExhausted, Message: "no preview ports available"}
	ErrStartupTimeout    = &Error{Code: CodeStartupTimeout, Message: "preview did not become ready"}
	ErrSpawnFailed       = &Error{Code: CodeSpawnFailed, Message: "preview could not be started"}
	ErrStartCancelled    = &Error{Code: CodeStopped, Message: "start cancelled"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "preview not found"}
	ErrInvalidConfig     = &Error{Code: CodeInvalidConfiguration, Message: "invalid configuration"}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	errOrchestratorClose = &Error{Code: CodeStopped, Message: "orchestrator is shutting down"}
)

func newError(code ErrorCode, jobID, message string) *Error {
	return &Error{Code: code, JobID: jobID, Message: message}
}

func (e *Error) withCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) withSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

func (e *Error) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", e.Code, e.JobID, e.Message))
	} else {
		parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("suggestion: %s", e.Suggestion))
	}
	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
