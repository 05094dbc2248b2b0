// Package models holds the shared result types and error taxonomy for the
// resilience chain. Rejections are modeled as returned values so callers can
// branch on them with errors.As; panics stay reserved for programmer errors.
package models

// Classification categorizes downstream failures for circuit breaker
// accounting. Only some classifications count against a circuit: a flood of
// 404s says nothing about the downstream's health.
type Classification string

const (
	ClassTimeout     Classification = "timeout"
	ClassServerError Classification = "server_error"
	ClassBadRequest  Classification = "bad_request"
	ClassNotFound    Classification = "not_found"
	ClassBusiness    Classification = "business"
	ClassCanceled    Classification = "canceled"
	// ClassLoadShed marks admission rejections. Not circuit-relevant by
	// default: shedding load is not the downstream's fault. Deployments
	// that want rejections to trip circuits opt the class in.
	ClassLoadShed Classification = "load_shed"
)

// CircuitRelevant reports whether a failure with this classification should
// increment circuit failure counters by default.
func (c Classification) CircuitRelevant() bool {
	switch c {
	case ClassTimeout, ClassServerError:
		return true
	}
	return false
}

// IsValid checks if the classification is one of the supported enum values.
func (c Classification) IsValid() bool {
	switch c {
	case ClassTimeout, ClassServerError, ClassBadRequest, ClassNotFound, ClassBusiness, ClassCanceled, ClassLoadShed:
		return true
	}
	return false
}

// Response is the pipeline's uniform downstream result. Callers always
// receive one of: success with payload, success not-modified, or a
// structured rejection error.
type Response struct {
	Payload     []byte
	ETag        string
	NotModified bool
	FromCache   bool
}
