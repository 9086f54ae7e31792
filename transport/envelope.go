package transport

import (
	"strconv"
	"time"

	"github.com/drblury/busflow/internal/runtime/metadata"
)

// EnvelopeProperties flattens the envelope fields and the property bag into a
// single string map for backends that only carry headers.
func EnvelopeProperties(msg *Message) metadata.Metadata {
	md := msg.Properties.Clone()
	md[metadata.KeyMessageID] = msg.MessageID
	md[metadata.KeyCorrelationID] = msg.CorrelationID
	md[metadata.KeyBodyType] = msg.BodyTypeName
	if msg.ReplyTo != "" {
		md[metadata.KeyReplyTo] = msg.ReplyTo
	}
	if msg.DeliveryCount > 0 {
		md[metadata.KeyDeliveryCount] = strconv.Itoa(msg.DeliveryCount)
	}
	enqueued := msg.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = time.Now().UTC()
	}
	md[metadata.KeyEnqueuedAt] = enqueued.Format(time.RFC3339Nano)
	return md
}

// MessageFromEnvelope is the inverse of EnvelopeProperties. fallbackID is
// used when the headers carry no message id.
func MessageFromEnvelope(fallbackID string, body []byte, headers metadata.Metadata) *Message {
	msg := &Message{
		MessageID:     headers.Get(metadata.KeyMessageID),
		CorrelationID: headers.Get(metadata.KeyCorrelationID),
		BodyTypeName:  headers.Get(metadata.KeyBodyType),
		ReplyTo:       headers.Get(metadata.KeyReplyTo),
		Body:          body,
		Properties:    headers.Without(metadata.Envelope...),
	}
	if msg.MessageID == "" {
		msg.MessageID = fallbackID
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.MessageID
	}
	if n, err := strconv.Atoi(headers.Get(metadata.KeyDeliveryCount)); err == nil {
		msg.DeliveryCount = n
	}
	if at, err := time.Parse(time.RFC3339Nano, headers.Get(metadata.KeyEnqueuedAt)); err == nil {
		msg.EnqueuedAt = at
	}
	return msg
}
