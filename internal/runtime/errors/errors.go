// Package errors holds the sentinel errors and typed failures raised by the
// bus runtime, plus the mapping from an error to the diagnostics attached to
// abandoned messages.
package errors

import (
	sterrors "errors"
	"fmt"
	"runtime/debug"

	"github.com/drblury/busflow/transport"
)

var (
	ErrAlreadyRunning      = sterrors.New("busflow: already running")
	ErrNotStarted          = sterrors.New("busflow: bus is not started")
	ErrBusStopped          = sterrors.New("busflow: bus stopped")
	ErrHandlerRequired     = sterrors.New("busflow: handler factory is required")
	ErrSenderClosed        = sterrors.New("busflow: sender is closed")
	ErrRequestTimeout      = sterrors.New("busflow: request timed out")
	ErrMaxDurationExceeded = sterrors.New("busflow: handler exceeded its maximum duration")
	ErrConfigRequired      = sterrors.New("busflow: configuration is required")
	ErrPayloadRequired     = sterrors.New("busflow: message payload is required")

	// ErrLockLost is shared with the transport port so receivers and the
	// long-running supervisor report the same condition.
	ErrLockLost = transport.ErrLockLost
)

// ConfigurationError reports an invalid handler set or bus configuration. It
// is raised before any pump starts.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("busflow: invalid configuration: %s: %v", e.Reason, e.Err)
	}
	return "busflow: invalid configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError returns nil when err is nil.
func NewConfigurationError(reason string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Reason: reason, Err: err}
}

// DispatchFailedError wraps a handler or interceptor failure together with the
// message it happened on and the stack captured at the dispatch boundary.
type DispatchFailedError struct {
	MessageID    string
	BodyTypeName string
	Stack        string
	Err          error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("busflow: dispatch of %s (%s) failed: %v", e.BodyTypeName, e.MessageID, e.Err)
}

func (e *DispatchFailedError) Unwrap() error { return e.Err }

// NewDispatchFailedError captures the current goroutine stack.
func NewDispatchFailedError(msg *transport.Message, err error) *DispatchFailedError {
	out := &DispatchFailedError{Err: err, Stack: string(debug.Stack())}
	if msg != nil {
		out.MessageID = msg.MessageID
		out.BodyTypeName = msg.BodyTypeName
	}
	return out
}

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("busflow: handler panicked: %v", e.Value)
}

// Unwrap exposes a panic value that was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// NewPanicError is meant to be called from inside the deferred recover.
func NewPanicError(value any) *PanicError {
	return &PanicError{Value: value, Stack: string(debug.Stack())}
}

// RemoteError carries the failure a responder reported for a request.
type RemoteError struct {
	Detail transport.ErrorDetail
}

func (e *RemoteError) Error() string {
	if e.Detail.Type != "" {
		return fmt.Sprintf("busflow: remote %s error (%s): %s", e.Detail.Category, e.Detail.Type, e.Detail.Message)
	}
	return fmt.Sprintf("busflow: remote %s error: %s", e.Detail.Category, e.Detail.Message)
}

// SendFailedError reports messages that could not be delivered to a
// destination.
type SendFailedError struct {
	Destination string
	Count       int
	Err         error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("busflow: failed to send %d message(s) to %q: %v", e.Count, e.Destination, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Classify maps an error onto a diagnostic category.
func Classify(err error) transport.ErrorCategory {
	if err == nil {
		return transport.ErrorCategoryNone
	}
	var (
		cfgErr    *ConfigurationError
		sendErr   *SendFailedError
		remoteErr *RemoteError
		panicErr  *PanicError
	)
	switch {
	case sterrors.As(err, &cfgErr):
		return transport.ErrorCategoryConfiguration
	case sterrors.Is(err, ErrLockLost):
		return transport.ErrorCategoryLockLost
	case sterrors.Is(err, ErrBusStopped):
		return transport.ErrorCategoryBusStopped
	case sterrors.Is(err, ErrRequestTimeout), sterrors.Is(err, ErrMaxDurationExceeded):
		return transport.ErrorCategoryTimeout
	case sterrors.As(err, &remoteErr):
		return remoteErr.Detail.Category
	case sterrors.As(err, &sendErr), sterrors.Is(err, ErrSenderClosed), sterrors.Is(err, transport.ErrClosed):
		return transport.ErrorCategoryTransport
	case sterrors.As(err, &panicErr):
		return transport.ErrorCategoryHandler
	}
	var validator interface{ Validation() bool }
	if sterrors.As(err, &validator) && validator.Validation() {
		return transport.ErrorCategoryValidation
	}
	var dispatchErr *DispatchFailedError
	if sterrors.As(err, &dispatchErr) {
		return transport.ErrorCategoryHandler
	}
	return transport.ErrorCategoryOther
}

// Detail builds the diagnostics attached to an abandoned message or a failure
// response.
func Detail(err error) transport.ErrorDetail {
	if err == nil {
		return transport.ErrorDetail{Category: transport.ErrorCategoryNone}
	}
	detail := transport.ErrorDetail{
		Category: Classify(err),
		Type:     typeName(err),
		Message:  err.Error(),
	}
	var dispatchErr *DispatchFailedError
	var panicErr *PanicError
	switch {
	case sterrors.As(err, &panicErr):
		detail.Stack = panicErr.Stack
	case sterrors.As(err, &dispatchErr):
		detail.Stack = dispatchErr.Stack
	}
	return detail
}

// typeName reports the innermost error's concrete type, skipping the runtime's
// own wrappers.
func typeName(err error) string {
	inner := err
	for {
		var next error
		switch e := inner.(type) {
		case *DispatchFailedError:
			next = e.Err
		case *PanicError:
			if e.Unwrap() == nil {
				return "panic"
			}
			next = e.Unwrap()
		}
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T", inner)
}
