package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies errors by pipeline stage so the orchestrator can
// aggregate failures and the CLI can map them to exit codes.
type Kind string

const (
	// KindConfiguration marks unrecoverable configuration problems; the
	// session aborts.
	KindConfiguration Kind = "configuration"
	// KindIngest marks per-row ingest problems downgraded to warnings.
	KindIngest Kind = "ingest"
	// KindDetector marks detector failures; the integration is skipped.
	KindDetector Kind = "detector"
	// KindRemediation marks action-template failures; the action is dropped.
	KindRemediation Kind = "remediation"
	// KindSafety marks preflight blockers; the run is rejected.
	KindSafety Kind = "safety"
	// KindExecutor marks action execution failures.
	KindExecutor Kind = "executor"
	// KindAudit marks audit-write failures; never fatal.
	KindAudit Kind = "audit"
	// KindState marks processing-state store failures.
	KindState Kind = "state"
)

// Severity mirrors corruption severity levels for error reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is a structured error carrying a stage kind and optional context.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail attaches a key/value pair and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a structured error.
func New(kind Kind, severity Severity, message string) *Error {
	return &Error{
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap creates a structured error wrapping a cause.
func Wrap(kind Kind, severity Severity, message string, cause error) *Error {
	e := New(kind, severity, message)
	e.Cause = cause
	return e
}

// NewConfigError creates a configuration error (severity critical, aborts the session).
func NewConfigError(message string, cause error) *Error {
	return Wrap(KindConfiguration, SeverityCritical, message, cause)
}

// NewIngestError creates an ingest error.
func NewIngestError(message string, cause error) *Error {
	return Wrap(KindIngest, SeverityMedium, message, cause)
}

// NewSafetyError creates a safety blocker error.
func NewSafetyError(message string) *Error {
	return New(KindSafety, SeverityHigh, message)
}

// NewExecutorError creates an executor error.
func NewExecutorError(message string, cause error) *Error {
	return Wrap(KindExecutor, SeverityHigh, message, cause)
}

// KindOf returns the Kind carried by err, or empty when err is not structured.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
