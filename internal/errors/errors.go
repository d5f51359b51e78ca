// Package errors defines the kernel error taxonomy: every failure that can
// cross a component boundary is classified by Kind, carries a Retryable
// flag, and maps onto an HTTP status. Retryability is preserved end to end;
// the outermost HTTP layer turns retryable errors into 503 + Retry-After.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a kernel error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindStorage    Kind = "storage"
	KindNet        Kind = "net"
	KindHandler    Kind = "handler"
	KindInternal   Kind = "internal"
)

// NetCode is the typed code surfaced to JS for egress failures.
type NetCode string

const (
	NetBlocked NetCode = "NET_BLOCKED"
	NetTimeout NetCode = "NET_TIMEOUT"
	NetLimit   NetCode = "NET_LIMIT"
	NetBudget  NetCode = "NET_BUDGET"
	NetSize    NetCode = "NET_SIZE"
	NetError   NetCode = "NET_ERROR"
)

// Error is the structured kernel error.
type Error struct {
	Kind      Kind
	Code      NetCode // set for Kind == KindNet
	Op        string  // operation that failed, e.g. "vfs.write", "egress.fetch"
	Err       error   // underlying error
	Retryable bool
	msg       string
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.msg, e.Err)
	case e.msg != "":
		if e.Op != "" {
			return fmt.Sprintf("%s: %s", e.Op, e.msg)
		}
		return e.msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the human-readable message without the op prefix.
func (e *Error) Message() string {
	if e.msg != "" {
		return e.msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// HTTPStatus maps the error onto a status code: retryable errors get 503,
// validation 400, not found 404, everything else 500.
func (e *Error) HTTPStatus() int {
	if e.Retryable {
		return http.StatusServiceUnavailable
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// JSCode returns the code field exposed on host errors thrown into JS.
func (e *Error) JSCode() string {
	if e.Kind == KindNet && e.Code != "" {
		return string(e.Code)
	}
	switch e.Kind {
	case KindStorage:
		return "STORAGE"
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// Validation builds a non-retryable validation error.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a non-retryable not-found error.
func NotFound(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, msg: fmt.Sprintf(format, args...)}
}

// StorageRetryable builds the retryable storage error used by WriteQueue
// admission failures (queue full, store busy, exhausted budget).
func StorageRetryable(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorage, Op: op, Retryable: true, msg: fmt.Sprintf(format, args...)}
}

// Net builds a typed egress error. Retryability follows the code: limit,
// budget and timeout failures may succeed on retry; blocked and size never
// will.
func Net(op string, code NetCode, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindNet,
		Code:      code,
		Op:        op,
		Retryable: code == NetLimit || code == NetBudget || code == NetTimeout,
		msg:       fmt.Sprintf(format, args...),
	}
}

// Handler builds a non-retryable handler error (uncaught JS exception or VM
// interrupt).
func Handler(op string, err error) *Error {
	return &Error{Kind: KindHandler, Op: op, Err: err}
}

// Unavailable builds a retryable error for transient capacity exhaustion
// outside the storage layer, such as a saturated VM pool.
func Unavailable(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Op: op, Retryable: true, msg: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// Wrap attaches op context to err, preserving an existing *Error's
// classification.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return &Error{Kind: ke.Kind, Code: ke.Code, Op: op, Err: err, Retryable: ke.Retryable}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is marked
// retryable.
func IsRetryable(err error) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// IsNotFound reports whether err is a not-found kernel error.
func IsNotFound(err error) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == KindNotFound
	}
	return false
}

// AsKernel extracts the kernel error from err, or wraps it as internal.
func AsKernel(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return &Error{Kind: KindInternal, Err: err}
}

// HTTPStatus maps any error to a status using the taxonomy; plain errors
// are internal.
func HTTPStatus(err error) int {
	return AsKernel(err).HTTPStatus()
}
