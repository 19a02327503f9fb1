package flowpipe

import (
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ErrWouldBlock is returned by non-blocking Transport calls that cannot make progress yet.
type ErrWouldBlock struct{}

func (ErrWouldBlock) Error() string   { return "operation would block" }
func (ErrWouldBlock) Temporary() bool { return true }

// ErrCancelled is returned to a producer offering to a Channel whose consumer cancelled.
type ErrCancelled struct{}

func (ErrCancelled) Error() string { return "stream cancelled" }

// ErrBodyDiscarded terminates a request body that was still unread when the response began.
type ErrBodyDiscarded struct{}

func (ErrBodyDiscarded) Error() string { return "request body discarded" }

// ErrPoolSaturated is returned when the WorkerPool queue is full.
type ErrPoolSaturated struct{}

func (ErrPoolSaturated) Error() string { return "worker pool saturated" }

// ErrPoolClosed is returned when submitting to a closed WorkerPool.
type ErrPoolClosed struct{}

func (ErrPoolClosed) Error() string { return "worker pool closed" }

// ErrRegistryFrozen is returned when registering a codec after Freeze.
type ErrRegistryFrozen struct{}

func (ErrRegistryFrozen) Error() string { return "codec registry frozen" }

// ErrNoCodec is returned when no codec is registered for a content type and value type.
type ErrNoCodec struct {
	ContentType string
	ValueType   string
}

func (e ErrNoCodec) Error() string {
	return fmt.Sprintf("no codec for %q decoding into %s", e.ContentType, e.ValueType)
}

// ErrExchangeComplete is the cancellation cause of an exchange that finished normally.
type ErrExchangeComplete struct{}

func (ErrExchangeComplete) Error() string { return "exchange complete" }

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// InvalidDemandError is the result of requesting zero or negative demand.
type InvalidDemandError struct {
	N int64
}

func (e InvalidDemandError) Error() string {
	return fmt.Sprintf("invalid demand %d: must be positive", e.N)
}

// ProtocolViolationError reports a producer emitting beyond its demand or after
// a terminal signal, or an exchange operation out of order.
type ProtocolViolationError struct {
	Reason string
}

func (e ProtocolViolationError) Error() string { return "protocol violation: " + e.Reason }

// IdleTimeoutError is the failure cause of an exchange that saw no readiness
// events and no demand for longer than its idle timeout.
type IdleTimeoutError struct {
	Idle time.Duration
}

func (e IdleTimeoutError) Error() string   { return fmt.Sprintf("idle for %v", e.Idle) }
func (e IdleTimeoutError) Timeout() bool   { return true }
func (e IdleTimeoutError) Temporary() bool { return true }

// DecodeError reports a malformed unit in a body, at byte Offset of that body.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at byte %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TruncatedInputError reports a body that ended inside a unit.
type TruncatedInputError struct {
	Offset   int64
	Buffered int
}

func (e *TruncatedInputError) Error() string {
	return fmt.Sprintf("input truncated at byte %d with %d bytes of incomplete unit", e.Offset, e.Buffered)
}

// HandlerError wraps a failure raised by, or a panic recovered from, a Handler.
type HandlerError struct {
	Err   error
	Panic interface{}
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler panic: %v", e.Panic)
	}
	return "handler: " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// AdapterIOError wraps an I/O failure reported by the runtime.
type AdapterIOError struct {
	Op  string
	Err error
}

func (e *AdapterIOError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *AdapterIOError) Unwrap() error { return e.Err }

// StatusError lets a handler choose the HTTP status of its failure.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Code)
	}
	return fmt.Sprintf("%d %s: %v", e.Code, http.StatusText(e.Code), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// violation creates a ProtocolViolationError with a stack trace.
// Panics if StrictProtocol is set.
func violation(format string, args ...interface{}) error {
	return reportViolation(errors.WithStack(ProtocolViolationError{Reason: fmt.Sprintf(format, args...)}))
}

func reportViolation(err error) error {
	if StrictProtocol {
		panic(err)
	}
	return err
}

// StatusCode maps an exchange failure to the HTTP status sent when no
// response head has been written yet.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return http.StatusBadRequest
	}
	var te *TruncatedInputError
	if errors.As(err, &te) {
		return http.StatusBadRequest
	}
	var it IdleTimeoutError
	if errors.As(err, &it) {
		return http.StatusRequestTimeout
	}
	if errors.Is(err, ErrPoolSaturated{}) || errors.Is(err, serverClosedError{}) {
		return http.StatusServiceUnavailable
	}
	var ne ErrNoCodec
	if errors.As(err, &ne) {
		return http.StatusUnsupportedMediaType
	}
	return http.StatusInternalServerError
}

// isClosedError reports whether err means the peer or the runtime went away.
func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case io.EOF, io.ErrUnexpectedEOF, io.ErrClosedPipe, syscall.EPIPE, syscall.ECONNRESET:
		return true
	}
	var ae *AdapterIOError
	if errors.As(err, &ae) {
		return isClosedError(ae.Err)
	}
	return false
}

// IsServerClosed reports whether err was returned because the server or
// pipeline was closed.
func IsServerClosed(err error) bool {
	return errors.Is(err, serverClosedError{})
}
