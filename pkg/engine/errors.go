package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: backend connection refused, stalled status checks.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion on a backend.
	// Should be retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification of the same entity.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed keys, invalid specs, submissions rejected by a backend.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeMalformedKey       = "MALFORMED_KEY"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeUnsupportedKind    = "UNSUPPORTED_KIND"
	ErrCodeDuplicateKind      = "DUPLICATE_KIND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeRejectedByBackend  = "REJECTED_BY_BACKEND"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure within the error taxonomy.
	Code string `json:"code,omitempty"`

	// Resource is the entity key or backend handle involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Sentinel errors for use with errors.Is. Matching compares class and code only.
var (
	ErrValidation         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrMalformedKey       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMalformedKey}
	ErrNotFound           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrAlreadyExists      = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyExists}
	ErrUnsupportedKind    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnsupportedKind}
	ErrDuplicateKind      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateKind}
	ErrInvalidTransition  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTransition}
	ErrBackendUnavailable = &EngineError{Class: ErrorClassTransient, Code: ErrCodeBackendUnavailable}
	ErrRejectedByBackend  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRejectedByBackend}
	ErrPolicyDenied       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)%s",
			e.Class, msg, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)%s",
			e.Class, msg, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, msg, e.unwrapMessage())
}

// Classification returns the class and code of the error. Telemetry uses
// it to label error metrics without importing this package.
func (e *EngineError) Classification() (class, code string) {
	return string(e.Class), e.Code
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Code:    ErrCodeRateLimited,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewValidationError reports a malformed entity, spec or payload.
// Validation errors are never retried.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// NewMalformedKeyError reports an identifier that does not follow the key grammar.
func NewMalformedKeyError(uri, reason string) *EngineError {
	return NewPermanentError(fmt.Sprintf("malformed key: %s", reason), nil).
		WithCode(ErrCodeMalformedKey).
		WithResource(uri)
}

// NewNotFoundError reports a missing entity or correlation.
func NewNotFoundError(what, resource string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", what), nil).
		WithCode(ErrCodeNotFound).
		WithResource(resource)
}

// NewAlreadyExistsError reports a create on a key that is already taken.
func NewAlreadyExistsError(resource string) *EngineError {
	return &EngineError{
		Class:    ErrorClassConflict,
		Message:  "entity already exists",
		Code:     ErrCodeAlreadyExists,
		Resource: resource,
	}
}

// NewUnsupportedKindError reports a kind with no registered runtime adapter.
func NewUnsupportedKindError(kind string) *EngineError {
	return NewPermanentError(fmt.Sprintf("no runtime registered for kind %q", kind), nil).
		WithCode(ErrCodeUnsupportedKind)
}

// NewDuplicateKindError reports a second registration of the same kind.
func NewDuplicateKindError(kind string) *EngineError {
	return NewPermanentError(fmt.Sprintf("runtime kind %q already registered", kind), nil).
		WithCode(ErrCodeDuplicateKind)
}

// NewInvalidTransitionError reports a state machine misuse.
func NewInvalidTransitionError(from, to State) *EngineError {
	return NewPermanentError(fmt.Sprintf("invalid transition %s -> %s", from, to), nil).
		WithCode(ErrCodeInvalidTransition).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewBackendUnavailableError reports a transient backend failure.
func NewBackendUnavailableError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeBackendUnavailable)
}

// NewRejectedByBackendError reports a submission the backend refused permanently.
func NewRejectedByBackendError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeRejectedByBackend)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable. Conflicts are not retried
// automatically because the caller has to re-read the entity first.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsValidation reports whether err is a validation-class failure, including policy denials.
func IsValidation(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeValidation || code == ErrCodePolicyDenied
}

// CodeOf returns the taxonomy code carried by err, or "" for unclassified errors.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
