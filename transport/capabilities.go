package transport

// Capabilities describes what a backend can do natively.
type Capabilities struct {
	Name string

	// SupportsLockRenewal is true when RenewLock extends a broker-side lock.
	// Backends without it extend a local lease only.
	SupportsLockRenewal bool
	// SupportsDelay is true when busflow_deliver_at is honoured.
	SupportsDelay bool
	// SupportsNativeDLQ is true when abandoned messages are dead-lettered
	// after the configured number of deliveries.
	SupportsNativeDLQ bool
	// SupportsDiagnostics is true when Abandon persists the error detail on
	// the redelivered message.
	SupportsDiagnostics bool
	SupportsOrdering    bool
	// SupportsBatching is true when SendBatch maps onto a single broker call
	// or transaction.
	SupportsBatching     bool
	SupportsPartitioning bool
	Durable              bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresLeaseEmulation reports whether long-running handlers only get a
// local lease from RenewLock.
func (c Capabilities) RequiresLeaseEmulation() bool {
	return !c.SupportsLockRenewal
}

// Capability sets of the bundled backends.
var (
	InProcessCapabilities = Capabilities{
		Name:                "inprocess",
		SupportsLockRenewal: true,
		SupportsDelay:       true,
		SupportsNativeDLQ:   true,
		SupportsDiagnostics: true,
		SupportsOrdering:    true,
		SupportsBatching:    true,
	}

	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsBatching:     true,
		SupportsPartitioning: true,
		Durable:              true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		Durable:          true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		SupportsLockRenewal: true,
		SupportsDelay:       true,
		SupportsNativeDLQ:   true,
		SupportsOrdering:    true,
		SupportsBatching:    true,
		Durable:             true,
		MaxMessageSize:      1 << 20,
	}

	RedisStreamCapabilities = Capabilities{
		Name:                "redis",
		SupportsLockRenewal: true,
		SupportsNativeDLQ:   true,
		SupportsDiagnostics: true,
		SupportsOrdering:    true,
		SupportsBatching:    true,
		Durable:             true,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsBatching: true,
		Durable:          true,
		MaxMessageSize:   256 << 10,
	}

	SQLiteCapabilities = Capabilities{
		Name:                "sqlite",
		SupportsLockRenewal: true,
		SupportsDelay:       true,
		SupportsNativeDLQ:   true,
		SupportsDiagnostics: true,
		SupportsOrdering:    true,
		SupportsBatching:    true,
		Durable:             true,
	}

	PostgresCapabilities = Capabilities{
		Name:                "postgres",
		SupportsLockRenewal: true,
		SupportsDelay:       true,
		SupportsNativeDLQ:   true,
		SupportsDiagnostics: true,
		SupportsOrdering:    true,
		SupportsBatching:    true,
		Durable:             true,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)
