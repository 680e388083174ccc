package fetch

import (
	"fmt"
)

// ErrorPolicy selects, per call, which non-2xx responses surface as
// errors to the caller.
type ErrorPolicy int

const (
	// RaiseNone swallows every error response and returns no document.
	RaiseNone ErrorPolicy = iota
	// RaiseTemporary raises only responses worth retrying later;
	// unsalvageable client errors are swallowed.
	RaiseTemporary
	// RaiseAll raises on any non-2xx response.
	RaiseAll
)

// PrivateNetworkAddressError is a private/link-local/loopback policy
// violation. Fatal, never retried.
type PrivateNetworkAddressError struct {
	Host string
}

func (e *PrivateNetworkAddressError) Error() string {
	return fmt.Sprintf("%s resolves to a private network address", e.Host)
}

// TimeoutError is a connect, write or cumulative read timeout.
// Transient; retry per caller policy.
type TimeoutError struct {
	Op      string
	Seconds float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %g seconds", e.Op, e.Seconds)
}

func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// UnexpectedResponseError carries a non-2xx response for the caller's
// retry policy to classify.
type UnexpectedResponseError struct {
	StatusCode int
	URI        string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response %d from %s", e.StatusCode, e.URI)
}

// Unsalvageable reports whether retrying later cannot help.
// 401, 408 and 429 remain retriable.
func (e *UnexpectedResponseError) Unsalvageable() bool {
	return responseErrorUnsalvageable(e.StatusCode)
}

func responseErrorUnsalvageable(code int) bool {
	if code == 501 {
		return true
	}
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case 401, 408, 429:
		return false
	}
	return true
}

// LengthValidationError is an oversized payload. Fatal for that fetch.
type LengthValidationError struct {
	Size  int64
	Limit int64
}

func (e *LengthValidationError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("content length %d exceeds limit of %d", e.Size, e.Limit)
	}
	return fmt.Sprintf("body size exceeds limit of %d", e.Limit)
}

// RecursionLimitExceededError signals a dereference chain deeper than
// the configured bound. Deferred, not fatal.
type RecursionLimitExceededError struct {
	Depth int
}

func (e *RecursionLimitExceededError) Error() string {
	return fmt.Sprintf("recursion limit exceeded at depth %d", e.Depth)
}
