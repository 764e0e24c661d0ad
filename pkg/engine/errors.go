package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides how a failed step is retried.
type ErrorClass string

const (
	// ErrorClassTransient covers network failures and provider 5xx responses.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled is a 429 from the management API; retried with backoff.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict is a versioned write that lost its precondition.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent fails the operation without retry.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError. They are stable and surface in API
// responses and in the ErrorCode of failed resource records.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeConflict             = "CONFLICT"
	ErrCodePreconditionFailed   = "PRECONDITION_FAILED"
	ErrCodeNotSupported         = "NOT_SUPPORTED"
	ErrCodeNoCapacity           = "NO_CAPACITY"
	ErrCodeLocationNotAvailable = "LOCATION_NOT_AVAILABLE"
	ErrCodeInvalidToken         = "INVALID_CONTINUATION_TOKEN"
	ErrCodeThrottled            = "THROTTLED"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeProviderFailed       = "PROVIDER_FAILED"
)

// ErrInvalidToken matches, through errors.Is, any rejected continuation token.
var ErrInvalidToken = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidToken, Message: "invalid continuation token"}

// EngineError is a classified error. Class drives retries; Code is what
// callers branch on.
// nolint:revive
type EngineError struct {
	Class    ErrorClass             `json:"class"`
	Message  string                 `json:"message"`
	Code     string                 `json:"code,omitempty"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Err      error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches on class and code so sentinels like ErrInvalidToken work with
// errors.Is regardless of message.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, ErrCodeThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// NewNotFoundError reports a missing record of the given kind.
func NewNotFoundError(kind, id string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeNotFound, kind+" not found", nil).WithResource(id)
}

// NewNotSupportedError rejects a request shape the receiving component
// cannot serve, such as an unknown resource type.
func NewNotSupportedError(format string, args ...interface{}) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeNotSupported, fmt.Sprintf(format, args...), nil)
}

func NewValidationError(format string, args ...interface{}) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeValidation, fmt.Sprintf(format, args...), nil)
}

// ClassOf and CodeOf look at the outermost EngineError in the chain.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return ClassOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool { return ClassOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// IsRetryable is true for every class except permanent. Unclassified errors
// are not retryable.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }
func IsNotSupported(err error) bool { return CodeOf(err) == ErrCodeNotSupported }
func IsInvalidToken(err error) bool { return CodeOf(err) == ErrCodeInvalidToken }

// IsNoCapacity reports a placement failure, either no subscription with
// quota or a location with no subscriptions at all.
func IsNoCapacity(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeNoCapacity || code == ErrCodeLocationNotAvailable
}
