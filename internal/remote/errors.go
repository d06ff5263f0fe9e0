// Package remote defines the collaborator interfaces the offline subsystem
// depends on — document store, blob store, and inference service — plus a
// REST client implementation with retry and error classification. The
// classification is what lets the sync engine route failures: permanent
// errors dead-letter a mutation, transient errors leave it queued for the
// next pass.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrInvalid      = errors.New("remote: invalid request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
	ErrThrottled    = errors.New("remote: throttled")
	ErrServer       = errors.New("remote: server error")
	ErrUnavailable  = errors.New("remote: service unavailable")
)

// APIError wraps a sentinel with the HTTP status, request id, and response
// body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Class buckets an error for the sync engine's retry decision.
type Class int

// Error classes.
const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassPermanent errors will never succeed on retry (permission,
	// validation). The mutation moves to dead-letter immediately.
	ClassPermanent
	// ClassTransient errors may clear up (throttling, server hiccups,
	// dropped connections). The mutation stays queued.
	ClassTransient
	// ClassConnectivity means the request never reached the service.
	// Treated like transient but useful to distinguish in logs.
	ClassConnectivity
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassPermanent:
		return "permanent"
	case ClassTransient:
		return "transient"
	case ClassConnectivity:
		return "connectivity"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalid
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServer
		}

		return nil
	}
}

// isRetryableStatus reports whether the status code should be retried
// in-flight by the client (before the sync engine ever sees the error).
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Classify buckets an error for retry routing. Unknown error types are
// treated as connectivity failures: the safest assumption for an error
// that never produced an HTTP status is that the network dropped mid-flight.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvalid),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict):
		return ClassPermanent
	case errors.Is(err, ErrThrottled),
		errors.Is(err, ErrServer),
		errors.Is(err, ErrUnavailable):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassConnectivity
	}
}
