// Package apperr defines the error taxonomy shared by the funnel engine and
// the payment reconciler.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation                 Kind = "VALIDATION"
	KindUpstreamTimeout            Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamError              Kind = "UPSTREAM_ERROR"
	KindSignatureInvalid           Kind = "SIGNATURE_INVALID"
	KindAnalysisFailure            Kind = "ANALYSIS_FAILURE"
	KindPaymentVerificationFailure Kind = "PAYMENT_VERIFICATION_FAILURE"
	KindInternal                   Kind = "INTERNAL"
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an *Error. err may be nil.
func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRecoverable reports whether the failure maps to a fallback transition
// rather than an operator-visible fault.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTimeout, KindUpstreamError, KindAnalysisFailure, KindPaymentVerificationFailure:
		return true
	}
	return false
}
