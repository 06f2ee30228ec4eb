package backfila

import (
	"context"
	"errors"
	"fmt"
	"net"

	"connectrpc.com/connect"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseConflict is returned when an optimistic write loses against a concurrent writer.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrStateConflict is returned when a run is not in the state a transition expects.
	ErrStateConflict = errors.New("run state conflict")

	// ErrLeaseStolen is returned by a runner whose lease is now held by someone else.
	ErrLeaseStolen = errors.New("lease stolen")
)

// ValidationError rejects a request before any state is persisted.
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// ErrorKind classifies a failed client call.
type ErrorKind int

const (
	// KindRemote is any other failure raised by the client.
	KindRemote ErrorKind = iota
	// KindTimeout means the call did not finish within its deadline.
	KindTimeout
	// KindUnavailable means the client could not be reached.
	KindUnavailable
	// KindInvalidResponse means the client answered with something the cursor cannot accept.
	KindInvalidResponse
	// KindRemoteValidation means the client rejected the request itself.
	KindRemoteValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindInvalidResponse:
		return "invalid_response"
	case KindRemoteValidation:
		return "remote_validation"
	default:
		return "remote"
	}
}

// Retryable reports whether a failure of this kind goes through the backoff schedule.
// KindRemoteValidation errors the partition immediately.
func (k ErrorKind) Retryable() bool {
	return k != KindRemoteValidation
}

// InvalidResponseError marks a client response the cursor refused to apply.
type InvalidResponseError struct {
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return "invalid response: " + e.Reason
}

// ClassifyError maps a client call failure to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindRemote
	}

	var invalid *InvalidResponseError
	if errors.As(err, &invalid) || errors.Is(err, errMalformedMessage) {
		return KindInvalidResponse
	}
	if IsValidationError(err) {
		return KindRemoteValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeDeadlineExceeded:
			return KindTimeout
		case connect.CodeUnavailable, connect.CodeCanceled:
			return KindUnavailable
		case connect.CodeInvalidArgument, connect.CodeFailedPrecondition:
			return KindRemoteValidation
		default:
			return KindRemote
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindRemote
}
