// Package transport defines the port the busflow runtime consumes: a Sender
// that ships ordered batches, a Receiver with lock-based completion, and a
// QueueManager that provisions both. Each backend lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrReceiveTimeout is returned by Receiver.Receive when the bounded wait
	// elapsed without a message. It is not a failure.
	ErrReceiveTimeout = errors.New("busflow: receive timed out")

	// ErrLockLost is returned when a message lock is no longer held by the
	// caller, either because it expired or because another consumer owns it.
	ErrLockLost = errors.New("busflow: message lock lost")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("busflow: transport is closed")
)

// Sender ships messages to a single destination.
type Sender interface {
	// SendBatch sends msgs in order. The call either succeeds for the whole
	// batch or returns an error; callers do not assume partial success.
	SendBatch(ctx context.Context, msgs []*Message) error
	Close() error
}

// Receiver pulls messages from a single source.
type Receiver interface {
	// Receive waits up to timeout for the next message and locks it.
	// It returns ErrReceiveTimeout when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	// Complete acknowledges a successfully processed message.
	Complete(ctx context.Context, msg *Message) error
	// Abandon releases the lock so the message can be redelivered. The
	// detail is attached to the message where the backend can carry it.
	Abandon(ctx context.Context, msg *Message, detail ErrorDetail) error
	// RenewLock extends the lock and returns the new expiry.
	RenewLock(ctx context.Context, msg *Message) (time.Time, error)
	Close() error
}

// QueueOptions tunes queue creation.
type QueueOptions struct {
	EnablePartitioning bool
}

// QueueManager provisions queues, senders and receivers for one backend.
type QueueManager interface {
	EnsureQueueExists(ctx context.Context, name string, opts QueueOptions) error
	CreateSender(ctx context.Context, destination string) (Sender, error)
	CreateReceiver(ctx context.Context, source string) (Receiver, error)
	Close() error
}

// Builder creates a QueueManager from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (QueueManager, error)

// Config exposes the settings transports may read without depending on the
// runtime config package.
type Config interface {
	GetPubSubSystem() string
	GetApplicationName() string
	GetLockDuration() time.Duration
	GetMaxDeliveryCount() int

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetSQLiteFile() string

	GetPostgresURL() string

	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that report capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by transports that keep dead-lettered messages.
type DLQManager interface {
	GetDLQCount(queue string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(queue string) (int64, error)
	PurgeDLQ(queue string) (int64, error)
}

// DLQLister is implemented by transports that can page through dead letters.
type DLQLister interface {
	ListDLQMessages(queue string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is a dead-lettered message as stored by the backend.
type DLQMessage struct {
	ID            int64             `json:"id"`
	MessageID     string            `json:"message_id"`
	OriginalQueue string            `json:"original_queue"`
	Body          []byte            `json:"body"`
	Properties    map[string]string `json:"properties"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	DeliveryCount int               `json:"delivery_count"`
}

// QueueIntrospector is implemented by transports that report queue depth.
type QueueIntrospector interface {
	GetPendingCount(queue string) (int64, error)
}
