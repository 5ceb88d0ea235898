package pipeline

import (
	"context"
	"errors"

	"github.com/onnwee/nostrhook/admission"
	"github.com/onnwee/nostrhook/event"
	"github.com/onnwee/nostrhook/sink"
	"github.com/onnwee/nostrhook/source"
)

// Error taxonomy. Each sentinel is the one its producing package wraps, re-exported so
// callers only need this package for errors.Is.
var (
	ErrMalformedEvent    = event.ErrMalformed
	ErrInvalidSignature  = event.ErrInvalidSignature
	ErrStaleEvent        = admission.ErrStaleEvent
	ErrLikelyDuplicate   = admission.ErrLikelyDuplicate
	ErrSinkRateLimited   = sink.ErrRateLimited
	ErrSinkFailed        = sink.ErrFailed
	ErrSourceUnavailable = source.ErrSourceUnavailable
)

// Class says how the pipeline reacts to an error.
type Class int

const (
	// ClassUnknown is anything outside the taxonomy.
	ClassUnknown Class = iota
	// ClassTerminal errors are logged and the event skipped; they never fail a batch.
	ClassTerminal
	// ClassRetryLater errors halt the batch and surface a retry hint.
	ClassRetryLater
	// ClassBatchFailure errors abort the whole cycle leaving ledger and cursor untouched.
	ClassBatchFailure
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassTerminal:
		return "terminal"
	case ClassRetryLater:
		return "retry_later"
	case ClassBatchFailure:
		return "batch_failure"
	default:
		return "unknown"
	}
}

// Classify maps err onto the taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrStaleEvent),
		errors.Is(err, ErrLikelyDuplicate),
		errors.Is(err, ErrSinkFailed):
		return ClassTerminal
	case errors.Is(err, ErrSinkRateLimited):
		return ClassRetryLater
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassBatchFailure
	}
	return ClassUnknown
}

// RejectReason returns the metric/log reason for a terminal rejection, or "".
func RejectReason(err error) string {
	if r := event.Reason(err); r != "" {
		return r
	}
	var re *admission.RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
