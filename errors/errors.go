// Package errors provides standardized error handling for LangHook
// components. Errors carry a pipeline error kind (the wire-visible
// identifier such as "invalid-json" or "budget-exhausted") and a
// classification that decides whether a message is acked, nacked for
// redelivery, or dead-lettered.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a pipeline error condition by its stable name.
type Kind string

// Pipeline error kinds.
const (
	KindUnknown          Kind = ""
	KindInvalidJSON      Kind = "invalid-json"
	KindBodyTooLarge     Kind = "body-too-large"
	KindRateLimited      Kind = "rate-limited"
	KindInvalidSignature Kind = "invalid-signature"

	KindMappingMissing          Kind = "mapping-missing"
	KindMappingInvalidCanonical Kind = "mapping-yielded-invalid-canonical"
	KindSynthesisFailed         Kind = "llm-synthesis-failed"

	KindBrokerUnavailable Kind = "broker-unavailable"
	KindStoreUnavailable  Kind = "store-unavailable"
	KindCacheUnavailable  Kind = "cache-unavailable"
	KindLLMUnavailable    Kind = "llm-unavailable"
	KindBudgetExhausted   Kind = "budget-exhausted"

	KindPatternUnknownSchema  Kind = "subscription-pattern-unknown-schema"
	KindChannelDeliveryFailed Kind = "channel-delivery-failed"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors; workers nak for redelivery.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to bad input; surfaced as 4xx or DLQ.
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the operation.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	ErrNoConnection   = errors.New("no connection available")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrMigrationAhead = errors.New("store schema is newer than this binary supports")
)

// ClassifiedError wraps an error with its classification and pipeline kind.
type ClassifiedError struct {
	Class     ErrorClass
	Kind      Kind
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// KindOf extracts the pipeline kind from an error, or KindUnknown.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given pipeline kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient checks if an error is transient and should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsInvalid checks if an error is due to invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return false
}

// IsFatal checks if an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return false
}

// Classify returns the error class for an error. Unknown errors default
// to transient so the broker redelivers rather than silently dropping.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	return ErrorTransient
}

func newClassified(class ErrorClass, kind Kind, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Kind:      kind,
		Err:       err,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, KindOf(err), Wrap(err, component, method, action), component, method)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, KindOf(err), Wrap(err, component, method, action), component, method)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, KindOf(err), Wrap(err, component, method, action), component, method)
}

// NewKind creates a new classified error with an explicit pipeline kind.
func NewKind(kind Kind, class ErrorClass, component, operation, message string) error {
	return newClassified(class, kind, fmt.Errorf("%s.%s: %s", component, operation, message), component, operation)
}

// WrapKind wraps an error with a pipeline kind and classification.
func WrapKind(err error, kind Kind, class ErrorClass, component, operation string) error {
	if err == nil {
		return nil
	}
	return newClassified(class, kind, Wrap(err, component, operation, string(kind)), component, operation)
}

// As, Is and New re-export the stdlib helpers so callers do not need a
// second errors import.
func As(err error, target any) bool { return errors.As(err, target) }

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
