package transport

import (
	"time"

	"github.com/drblury/busflow/internal/runtime/metadata"
)

// Message is the transport-independent unit flowing through the bus.
type Message struct {
	MessageID     string
	CorrelationID string
	BodyTypeName  string
	Body          []byte
	ReplyTo       string
	DeliveryCount int
	Properties    metadata.Metadata

	// EnqueuedAt is set by the sender side when known.
	EnqueuedAt time.Time
	// LockedUntil is the lock expiry reported by the receiver; zero when the
	// backend does not report one.
	LockedUntil time.Time

	// Handle is owned by the receiver that produced the message (a lock
	// token, a delivery tag, a broker message). Callers must not touch it.
	Handle any
}

// Clone returns a copy with its own property bag and body slice. The handle
// is shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Properties = m.Properties.Clone()
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	return &out
}

// Property is a nil-safe property lookup.
func (m *Message) Property(key string) string {
	if m == nil {
		return ""
	}
	return m.Properties.Get(key)
}

// IsFailureResponse reports whether the message is a failed reply.
func (m *Message) IsFailureResponse() bool {
	return m.Property(metadata.KeyResponse) == metadata.ResponseFailure
}

// DeliverAt returns the earliest delivery time requested by the sender.
func (m *Message) DeliverAt() (time.Time, bool) {
	raw := m.Property(metadata.KeyDeliverAt)
	if raw == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Size approximates the wire size used for batch byte thresholds.
func (m *Message) Size() int {
	n := len(m.Body) + len(m.MessageID) + len(m.CorrelationID) + len(m.BodyTypeName) + len(m.ReplyTo)
	for k, v := range m.Properties {
		n += len(k) + len(v)
	}
	return n
}
