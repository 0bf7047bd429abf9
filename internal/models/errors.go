package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure into the fixed taxonomy the
// orchestrator and the activity log work with.
type ErrorKind string

const (
	// ErrKindValidation is malformed input caught before any network call.
	// Never retried automatically; surfaced field-by-field.
	ErrKindValidation ErrorKind = "validation"

	// ErrKindTransport is a network failure or timeout calling either
	// external service. Retryable by re-invoking the same stage.
	ErrKindTransport ErrorKind = "transport"

	// ErrKindProviderRejected means the booking provider responded but
	// signalled failure (ok:false) or returned an incomplete payload.
	ErrKindProviderRejected ErrorKind = "provider_rejected"

	// ErrKindPaymentDeclined means the processor confirmation failed with a
	// decline or processing error. Not retried with the same card.
	ErrKindPaymentDeclined ErrorKind = "payment_declined"

	// ErrKindIdentifierMismatch is an internal contract violation: a
	// payment-method identifier was about to be sent where an intent
	// identifier is required (or vice versa). Fatal, never fixed up silently.
	ErrKindIdentifierMismatch ErrorKind = "identifier_mismatch"

	// ErrKindCompensationFailure means the automatic refund after a
	// post-charge finalize failure itself failed. Requires manual follow-up.
	ErrKindCompensationFailure ErrorKind = "compensation_failure"
)

// Retryable reports whether re-invoking the failed stage with the same input
// can reasonably succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransport, ErrKindProviderRejected:
		return true
	default:
		return false
	}
}

// FlowError is the single failure channel for stage operations. Transport
// exceptions from the external clients are converted into this shape at the
// stage boundary so callers only ever deal with one error type.
type FlowError struct {
	Kind    ErrorKind         `json:"kind"`
	Stage   Stage             `json:"stage"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"` // field-level validation detail
	Err     error             `json:"-"`                // underlying cause, not serialized
}

// Error implements the error interface
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As
func (e *FlowError) Unwrap() error {
	return e.Err
}

// Clone returns a shallow copy with its own fields map, safe to hand to
// snapshot consumers.
func (e *FlowError) Clone() *FlowError {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Fields != nil {
		clone.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			clone.Fields[k] = v
		}
	}
	return &clone
}

// NewValidationError builds a FlowError for input rejected before any network
// call. fields maps field name to human-readable problem.
func NewValidationError(stage Stage, message string, fields map[string]string) *FlowError {
	return &FlowError{
		Kind:    ErrKindValidation,
		Stage:   stage,
		Message: message,
		Fields:  fields,
	}
}

// AsFlowError unwraps err into a *FlowError if possible
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
