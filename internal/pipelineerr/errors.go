// Package pipelineerr implements the engine's error taxonomy: a single
// PipelineError type carrying one of a fixed set of ErrorTypes, used
// throughout the retrieval/matcher/resolver/ledger pipeline so callers can
// branch on failure category (continue the cycle, escalate, or abort)
// without string-matching error messages.
package pipelineerr

import (
	"errors"
	"fmt"
)

// ErrorType classifies a pipeline failure by how the orchestrator must react to it.
type ErrorType string

const (
	// ErrorTypeSourceUnavailable marks a scraper HTTP failure. The source
	// contributes zero rows this cycle; the cycle continues.
	ErrorTypeSourceUnavailable ErrorType = "source_unavailable"
	// ErrorTypeSourceMalformed marks a per-row parse failure. The row is
	// dropped; the batch continues.
	ErrorTypeSourceMalformed ErrorType = "source_malformed"
	// ErrorTypeIndexMissing marks an incremental build invoked without a
	// prior build. The orchestrator escalates to a full build automatically.
	ErrorTypeIndexMissing ErrorType = "index_missing"
	// ErrorTypeIndexInconsistent marks an artifact triple mismatch on load.
	// Forces a full rebuild on the next cycle.
	ErrorTypeIndexInconsistent ErrorType = "index_inconsistent"
	// ErrorTypeMatcherError marks a per-client matching failure. That
	// client is skipped; the cycle continues and the error is reported
	// in the cycle summary.
	ErrorTypeMatcherError ErrorType = "matcher_error"
	// ErrorTypeResolverInvariantViolation marks a contention result that
	// violates "no permit assigned twice". Fatal to the cycle: nothing is
	// delivered, no ledger writes occur.
	ErrorTypeResolverInvariantViolation ErrorType = "resolver_invariant_violation"
	// ErrorTypeDeliveryFailure marks a per-client delivery failure. That
	// client's rows are not recorded in the ledger and are retried next cycle.
	ErrorTypeDeliveryFailure ErrorType = "delivery_failure"
	// ErrorTypeLedgerError marks a failure to record after successful
	// delivery. Logged at warning; next cycle redelivers until resolved.
	ErrorTypeLedgerError ErrorType = "ledger_error"
)

// Severity describes how the orchestrator must react to an error of a given type.
type Severity string

const (
	// SeverityContained errors are locally absorbed: the unit of work (row,
	// source, client) is skipped and the cycle proceeds.
	SeverityContained Severity = "contained"
	// SeverityEscalate errors trigger an automatic corrective action
	// (e.g. full rebuild) but do not abort the cycle.
	SeverityEscalate Severity = "escalate"
	// SeverityFatal errors abort the current cycle: nothing is delivered
	// and no ledger writes occur. The process itself keeps running.
	SeverityFatal Severity = "fatal"
)

var severities = map[ErrorType]Severity{
	ErrorTypeSourceUnavailable:          SeverityContained,
	ErrorTypeSourceMalformed:            SeverityContained,
	ErrorTypeIndexMissing:               SeverityEscalate,
	ErrorTypeIndexInconsistent:          SeverityEscalate,
	ErrorTypeMatcherError:               SeverityContained,
	ErrorTypeResolverInvariantViolation: SeverityFatal,
	ErrorTypeDeliveryFailure:            SeverityContained,
	ErrorTypeLedgerError:                SeverityContained,
}

// SeverityOf returns the severity for t, or SeverityContained for an
// unrecognized type (the conservative default: never let an unknown error
// type accidentally abort a cycle).
func SeverityOf(t ErrorType) Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return SeverityContained
}

// PipelineError is a typed pipeline failure with optional context and an
// optional wrapped cause.
type PipelineError struct {
	Type    ErrorType
	Message string
	Details string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// New creates a PipelineError of type t with message msg.
func New(t ErrorType, msg string) *PipelineError {
	return &PipelineError{Type: t, Message: msg}
}

// Wrap creates a PipelineError of type t wrapping cause.
func Wrap(cause error, t ErrorType, msg string) *PipelineError {
	return &PipelineError{Type: t, Message: msg, Cause: cause}
}

// Wrapf creates a PipelineError of type t wrapping cause, with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Type: t, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails sets e.Details in place and returns e.
func (e *PipelineError) WithDetails(details string) *PipelineError {
	e.Details = details
	return e
}

// WithDetailsf sets e.Details from a format string in place and returns e.
func (e *PipelineError) WithDetailsf(format string, args ...interface{}) *PipelineError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsType reports whether err is a *PipelineError of type t.
func IsType(err error, t ErrorType) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type == t
	}
	return false
}

// GetType returns err's ErrorType, or "" if err is not a *PipelineError.
func GetType(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ""
}

// IsFatal reports whether err's severity is SeverityFatal.
func IsFatal(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return SeverityOf(pe.Type) == SeverityFatal
	}
	return false
}

// LogFields returns a structured field map suitable for passing to
// pkg/shared/logging.Fields.Custom or directly to a zap/logrus call site.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}

	var pe *PipelineError
	if !errors.As(err, &pe) {
		return fields
	}

	fields["error_type"] = string(pe.Type)
	fields["severity"] = string(SeverityOf(pe.Type))
	if pe.Details != "" {
		fields["error_details"] = pe.Details
	}
	if pe.Cause != nil {
		fields["underlying_error"] = pe.Cause.Error()
	}
	return fields
}

