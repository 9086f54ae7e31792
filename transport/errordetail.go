package transport

import "github.com/drblury/busflow/internal/runtime/metadata"

// ErrorCategory classifies a failure for diagnostics and remote callers.
type ErrorCategory string

const (
	ErrorCategoryNone          ErrorCategory = "none"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryTransport     ErrorCategory = "transport"
	ErrorCategoryHandler       ErrorCategory = "handler"
	ErrorCategoryLockLost      ErrorCategory = "lock_lost"
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryBusStopped    ErrorCategory = "bus_stopped"
	ErrorCategoryOther         ErrorCategory = "other"
)

// ErrorDetail is the structured failure record attached to abandoned
// messages and failed responses.
type ErrorDetail struct {
	Category ErrorCategory
	Type     string
	Message  string
	Stack    string
}

// IsZero reports whether no failure is described.
func (d ErrorDetail) IsZero() bool {
	return d == ErrorDetail{}
}

// Properties renders the detail into reserved property keys. Empty fields are
// omitted.
func (d ErrorDetail) Properties() metadata.Metadata {
	md := metadata.Metadata{}
	if d.Category != "" {
		md[metadata.KeyErrorCategory] = string(d.Category)
	}
	if d.Type != "" {
		md[metadata.KeyErrorType] = d.Type
	}
	if d.Message != "" {
		md[metadata.KeyErrorMessage] = d.Message
	}
	if d.Stack != "" {
		md[metadata.KeyErrorStack] = d.Stack
	}
	return md
}

// ErrorDetailFromProperties reads a detail back from a property bag. The
// boolean is false when no error keys are present.
func ErrorDetailFromProperties(md metadata.Metadata) (ErrorDetail, bool) {
	d := ErrorDetail{
		Category: ErrorCategory(md.Get(metadata.KeyErrorCategory)),
		Type:     md.Get(metadata.KeyErrorType),
		Message:  md.Get(metadata.KeyErrorMessage),
		Stack:    md.Get(metadata.KeyErrorStack),
	}
	if d.IsZero() {
		return d, false
	}
	if d.Category == "" {
		d.Category = ErrorCategoryOther
	}
	return d, true
}
