package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed provider request. Every call site can
// switch on the kind exhaustively instead of inspecting raw status codes.
type ErrorKind string

const (
	// KindRateLimited means the provider returned 429; RetryAfter carries
	// the authoritative wait duration.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnauthorized means the access token was rejected (401).
	KindUnauthorized ErrorKind = "unauthorized"
	// KindNotFound means the requested resource does not exist (404/410).
	KindNotFound ErrorKind = "not_found"
	// KindRequisitionExpired means the bank consent behind the requisition
	// has lapsed (428) and the host must re-link the connection.
	KindRequisitionExpired ErrorKind = "requisition_expired"
	// KindTransient means the request never produced an HTTP response.
	KindTransient ErrorKind = "transient"
	// KindProvider covers every other non-2xx status.
	KindProvider ErrorKind = "provider"
)

// APIError is the typed failure returned by every client operation.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Detail     string
	RetryAfter time.Duration // set when Kind == KindRateLimited
	Err        error         // underlying transport error, if any
}

// Error implements the error interface
func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("provider request failed (%s): %v", e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("provider returned %d (%s): %s", e.StatusCode, e.Kind, e.Detail)
	default:
		return fmt.Sprintf("provider returned %d (%s)", e.StatusCode, e.Kind)
	}
}

// Unwrap returns the underlying transport error
func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind from err. Errors that are not an
// *APIError are treated as transient.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// AsAPIError returns the *APIError inside err, or nil.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
