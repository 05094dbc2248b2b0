package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced in HTTP error envelopes. Stable strings: clients key
// retry behavior off them.
const (
	CodeCircuitOpen       = "circuit_open"
	CodeAdmissionRejected = "admission_rejected"
	CodeAdmissionTimeout  = "admission_timeout"
	CodeDownstreamError   = "downstream_error"
	CodeStoreUnavailable  = "store_unavailable"
)

// CircuitOpenError is returned when a circuit rejects a call fast-fail.
// The caller may retry after RetryAfter.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Resource, e.RetryAfter)
}

// Code returns the stable error code for HTTP envelopes.
func (e *CircuitOpenError) Code() string { return CodeCircuitOpen }

// AdmissionRejectedError is returned when both the concurrency ceiling and
// the queue are full. Transient; safe to retry with backoff.
type AdmissionRejectedError struct {
	Resource   string
	QueueLen   int
	RetryAfter time.Duration
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("admission queue full for %q (%d queued)", e.Resource, e.QueueLen)
}

func (e *AdmissionRejectedError) Code() string { return CodeAdmissionRejected }

// AdmissionTimeoutError is returned when a queued request was not promoted
// within the configured wait bound.
type AdmissionTimeoutError struct {
	Resource string
	Waited   time.Duration
}

func (e *AdmissionTimeoutError) Error() string {
	return fmt.Sprintf("admission wait for %q timed out after %s", e.Resource, e.Waited)
}

func (e *AdmissionTimeoutError) Code() string { return CodeAdmissionTimeout }

// DownstreamError wraps a failure from the wrapped handler, tagged with the
// classification that drives circuit accounting.
type DownstreamError struct {
	Resource string
	Class    Classification
	Err      error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream %q failed (%s): %v", e.Resource, e.Class, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

func (e *DownstreamError) Code() string { return CodeDownstreamError }

// StoreUnavailableError signals that the shared state store could not be
// reached. Non-fatal for caching (degrades to miss); for circuits the
// configured degraded policy decides.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("shared state store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Code() string { return CodeStoreUnavailable }

// Classify derives a classification from an arbitrary handler error. Typed
// DownstreamErrors keep their own classification; context errors map to
// timeout/canceled; everything else is a server error.
func Classify(err error) Classification {
	var de *DownstreamError
	if errors.As(err, &de) && de.Class.IsValid() {
		return de.Class
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	}
	return ClassServerError
}
