package metadata

// Reserved property keys. Transports that cannot carry first-class envelope
// fields store them under these keys; application properties must not reuse
// the busflow_ prefix.
const (
	KeyMessageID     = "busflow_message_id"
	KeyCorrelationID = "busflow_correlation_id"
	KeyBodyType      = "busflow_body_type"
	KeyReplyTo       = "busflow_reply_to"
	KeyDeliveryCount = "busflow_delivery_count"
	KeyEnqueuedAt    = "busflow_enqueued_at"

	// KeyDeliverAt holds an RFC3339Nano timestamp before which the message
	// must not be delivered.
	KeyDeliverAt = "busflow_deliver_at"

	// KeyResponse marks a reply as "success" or "failure".
	KeyResponse = "busflow_response"

	KeyErrorCategory = "busflow_error_category"
	KeyErrorType     = "busflow_error_type"
	KeyErrorMessage  = "busflow_error_message"
	KeyErrorStack    = "busflow_error_stack"

	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

const (
	ResponseSuccess = "success"
	ResponseFailure = "failure"
)

// Envelope lists the keys that carry envelope fields rather than
// application properties.
var Envelope = []string{
	KeyMessageID,
	KeyCorrelationID,
	KeyBodyType,
	KeyReplyTo,
	KeyDeliveryCount,
	KeyEnqueuedAt,
}
