package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	serializerpkg "github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
)

// Dependencies holds the optional collaborators of a Bus. Leave fields nil
// to use the defaults derived from the configuration.
type Dependencies struct {
	// QueueManager skips the transport registry lookup when set.
	QueueManager transport.QueueManager
	// Registry resolves Config.PubSubSystem. Defaults to
	// transport.DefaultRegistry.
	Registry *transport.Registry
	// Serializer overrides Config.Serializer.
	Serializer serializerpkg.Serializer
	// Validator, when set, checks every decoded payload before its handler.
	Validator PayloadValidator
	// Interceptors run after the default chain.
	Interceptors []InterceptorFactory
	// DisableDefaultInterceptors drops the logging, tracing, metrics and
	// stats interceptors.
	DisableDefaultInterceptors bool
	// MetricsRegistry receives the bus collectors and backs /metrics. Nil
	// selects the Prometheus default registry.
	MetricsRegistry *prometheus.Registry
	Tracer          trace.Tracer
}

type busState int

const (
	busIdle busState = iota
	busRunning
	// busStopping drains the pumps. Only sends made from an in-flight
	// dispatch are still accepted.
	busStopping
	busStopped
)

// Bus ties the handler registry, dispatcher, correlator, sender pool and one
// message pump per queue to a transport.
type Bus struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	qm     transport.QueueManager

	handlers   *HandlerRegistry
	factory    *MessageFactory
	dispatcher *Dispatcher
	correlator *Correlator
	senders    *SenderPool
	metrics    *BusMetrics
	stats      *StatsCollector
	registry   *prometheus.Registry

	mu        sync.Mutex
	state     busState
	pumps     []*MessagePump
	receivers []transport.Receiver
	servers   *httpServers
}

// New builds a bus from conf. Register handlers before calling Start.
func New(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps Dependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = loggingpkg.NopLogger{}
	}
	conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigurationError("config", err)
	}

	ser := deps.Serializer
	if ser == nil {
		var err error
		if ser, err = serializerpkg.ByName(conf.Serializer); err != nil {
			return nil, errspkg.NewConfigurationError("serializer", err)
		}
	}

	qm := deps.QueueManager
	if qm == nil {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		var err error
		qm, err = registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("busflow: build transport %q: %w", conf.PubSubSystem, err)
		}
	}

	var registerer prometheus.Registerer
	if deps.MetricsRegistry != nil {
		registerer = deps.MetricsRegistry
	}
	metrics := NewBusMetrics(registerer)
	if conf.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			return nil, fmt.Errorf("busflow: register metrics: %w", err)
		}
	}

	logger.Info("Creating message bus", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"application":   conf.ApplicationName,
		"reply_queue":   conf.ReplyQueue,
	})

	b := &Bus{
		conf:       conf,
		logger:     logger,
		qm:         qm,
		handlers:   NewHandlerRegistry(),
		factory:    NewMessageFactory(ser, SanitizeQueueName(conf.ReplyQueue)),
		correlator: NewCorrelator(logger, metrics),
		metrics:    metrics,
		stats:      NewStatsCollector(),
		registry:   deps.MetricsRegistry,
	}
	b.senders = NewSenderPool(qm.CreateSender, BatchOptions{
		MaxMessages:   conf.BatchMaxMessages,
		MaxBytes:      conf.BatchMaxBytes,
		FlushInterval: conf.BatchFlushInterval,
		Logger:        logger,
		Metrics:       metrics,
	})

	var interceptors []InterceptorFactory
	if !deps.DisableDefaultInterceptors {
		interceptors = append(interceptors,
			LoggingInterceptor(logger),
			TracingInterceptor(deps.Tracer),
			MetricsInterceptor(metrics),
			StatsInterceptor(b.stats),
		)
	}
	if deps.Validator != nil {
		interceptors = append(interceptors, ValidationInterceptor(deps.Validator))
	}
	interceptors = append(interceptors, deps.Interceptors...)

	b.dispatcher = NewDispatcher(b.handlers, DispatcherOptions{
		Factory:      b.factory,
		Interceptors: interceptors,
		Supervisor: SupervisorOptions{
			LockDuration:    conf.LockDuration,
			RenewalFraction: conf.LockRenewalFraction,
			MaxDuration:     conf.MaxHandlerDuration,
		},
		Reply: func(ctx context.Context, destination string, msg *transport.Message) error {
			stampTrace(ctx, msg)
			return b.senders.Send(ctx, destination, msg)
		},
		Logger:  logger,
		Metrics: metrics,
		Bus:     b,
	})
	return b, nil
}

// Config returns the effective configuration.
func (b *Bus) Config() *configpkg.Config { return b.conf }

// Logger returns the bus logger.
func (b *Bus) Logger() loggingpkg.ServiceLogger { return b.logger }

// QueueManager exposes the transport, for DLQ and introspection capabilities.
func (b *Bus) QueueManager() transport.QueueManager { return b.qm }

// MessageFactory returns the factory used for outbound messages.
func (b *Bus) MessageFactory() *MessageFactory { return b.factory }

// Metrics returns the bus collectors.
func (b *Bus) Metrics() *BusMetrics { return b.metrics }

// HandlerStats returns per message type dispatch statistics.
func (b *Bus) HandlerStats() StatsSnapshot { return b.stats.Snapshot() }

// PendingRequests returns the number of requests awaiting a reply.
func (b *Bus) PendingRequests() int { return b.correlator.Pending() }

// ReplyQueue is the private queue replies to this bus arrive on.
func (b *Bus) ReplyQueue() string { return b.factory.ReplyTo() }

// Register adds a type-erased handler registration. Typed helpers such as
// RegisterCommandHandler call it.
func (b *Bus) Register(reg *Registration) error {
	return b.handlers.Add(reg)
}

// Handlers lists the registered handlers with their queues.
func (b *Bus) Handlers() []HandlerInfo {
	return b.handlers.Handlers(b.queueFor)
}

// CommandQueue is the queue commands and requests of typeName are sent to.
func (b *Bus) CommandQueue(typeName string) string {
	return SanitizeQueueName(b.conf.QueuePrefix + typeName)
}

// EventQueue is the queue events of typeName are published to.
func (b *Bus) EventQueue(typeName string) string {
	return SanitizeQueueName(b.conf.QueuePrefix + "events." + typeName)
}

func (b *Bus) queueFor(kind HandlerKind, typeName string) string {
	if kind == KindEvent {
		return b.EventQueue(typeName)
	}
	return b.CommandQueue(typeName)
}

// SanitizeQueueName replaces every character outside [A-Za-z0-9._-] with
// '-'.
func SanitizeQueueName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
}

type pumpSpec struct {
	queue    string
	dispatch DispatchFunc
}

// Start validates the handler set, provisions every queue and starts one
// pump per queue plus the reply pump. An ambiguous registration fails here,
// before any pump runs. ctx bounds queue provisioning only; the pumps run
// until Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case busRunning:
		return errspkg.ErrAlreadyRunning
	case busStopping, busStopped:
		return errspkg.ErrBusStopped
	}

	if err := b.handlers.Validate(); err != nil {
		return err
	}
	b.handlers.Freeze()

	var specs []pumpSpec
	for _, typeName := range b.handlers.DirectTypes() {
		specs = append(specs, pumpSpec{queue: b.CommandQueue(typeName), dispatch: b.dispatcher.Dispatch})
	}
	for _, typeName := range b.handlers.EventTypes() {
		specs = append(specs, pumpSpec{queue: b.EventQueue(typeName), dispatch: b.dispatcher.DispatchEvent})
	}
	specs = append(specs, pumpSpec{queue: b.ReplyQueue(), dispatch: b.correlator.OnReplyReceived})

	opts := transport.QueueOptions{EnablePartitioning: b.conf.EnablePartitioning}
	for _, spec := range specs {
		if err := b.qm.EnsureQueueExists(ctx, spec.queue, opts); err != nil {
			return fmt.Errorf("busflow: ensure queue %q: %w", spec.queue, err)
		}
	}

	pumpOpts := PumpOptions{
		ReceiveTimeout: b.conf.ReceiveTimeout,
		ErrorBackoff:   b.conf.ReceiveErrorBackoff,
		Logger:         b.logger,
		Metrics:        b.metrics,
	}
	var (
		pumps     []*MessagePump
		receivers []transport.Receiver
	)
	cleanup := func() {
		for _, p := range pumps {
			p.Stop()
		}
		for _, r := range receivers {
			_ = r.Close()
		}
	}
	for _, spec := range specs {
		receiver, err := b.qm.CreateReceiver(ctx, spec.queue)
		if err != nil {
			cleanup()
			return fmt.Errorf("busflow: create receiver for %q: %w", spec.queue, err)
		}
		receivers = append(receivers, receiver)
		pump := NewMessagePump(spec.queue, receiver, spec.dispatch, pumpOpts)
		if err := pump.Start(context.WithoutCancel(ctx)); err != nil {
			cleanup()
			return err
		}
		pumps = append(pumps, pump)
	}

	b.pumps = pumps
	b.receivers = receivers
	b.servers = b.startHTTPServers()
	b.state = busRunning
	b.logger.Info("Message bus started", loggingpkg.LogFields{"count": len(pumps)})
	return nil
}

// Stop stops every pump, waiting for in-flight dispatches, fails pending
// requests with ErrBusStopped, makes a last flush attempt and closes the
// transport. Messages that could not be flushed are reported as
// SendFailedErrors. Handlers still running may send follow-up messages
// until their dispatch ends. Calling Stop again is a no-op.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == busStopping || b.state == busStopped {
		b.mu.Unlock()
		return nil
	}
	b.state = busStopping
	pumps, receivers, servers := b.pumps, b.receivers, b.servers
	b.pumps, b.receivers, b.servers = nil, nil, nil
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pumps {
		wg.Add(1)
		go func(p *MessagePump) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()

	b.mu.Lock()
	b.state = busStopped
	b.mu.Unlock()
	b.correlator.Stop()

	flushCtx, cancel := context.WithTimeout(ctx, b.conf.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := b.senders.Close(flushCtx); err != nil {
		errs = append(errs, err)
	}
	for _, r := range receivers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := servers.shutdown(flushCtx); err != nil {
		errs = append(errs, err)
	}
	if err := b.qm.Close(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Info("Message bus stopped", nil)
	return errors.Join(errs...)
}

// checkRunning reports whether a new send may start. While stopping, only
// sends issued from one of this bus's dispatches pass.
func (b *Bus) checkRunning(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case busIdle:
		return errspkg.ErrNotStarted
	case busStopping:
		if dc, ok := DispatchContextFrom(ctx); ok && dc.Bus == b {
			return nil
		}
		return errspkg.ErrBusStopped
	case busStopped:
		return errspkg.ErrBusStopped
	}
	return nil
}

func (b *Bus) stopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == busStopping
}

// Send enqueues a command for its handler queue.
func (b *Bus) Send(ctx context.Context, cmd any) error {
	msg, err := b.factory.Create(cmd)
	if err != nil {
		return err
	}
	return b.SendMessage(ctx, b.CommandQueue(msg.BodyTypeName), msg)
}

// SendAfter enqueues a command that becomes visible after delay on
// transports supporting delayed delivery.
func (b *Bus) SendAfter(ctx context.Context, cmd any, delay time.Duration) error {
	msg, err := b.factory.Create(cmd)
	if err != nil {
		return err
	}
	msg.Properties[metadatapkg.KeyDeliverAt] = time.Now().Add(delay).UTC().Format(time.RFC3339Nano)
	return b.SendMessage(ctx, b.CommandQueue(msg.BodyTypeName), msg)
}

// Publish enqueues an event for every handler of its type.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	msg, err := b.factory.Create(evt)
	if err != nil {
		return err
	}
	return b.SendMessage(ctx, b.EventQueue(msg.BodyTypeName), msg)
}

// SendMessage enqueues a prepared message for destination.
func (b *Bus) SendMessage(ctx context.Context, destination string, msg *transport.Message) error {
	if err := b.checkRunning(ctx); err != nil {
		return err
	}
	stampTrace(ctx, msg)
	return b.senders.Send(ctx, destination, msg)
}

// Flush pushes every buffered message to the transport now.
func (b *Bus) Flush(ctx context.Context) error {
	return b.senders.FlushAll(ctx)
}

// RequestMessage sends req and waits for the reply message. A timeout of
// zero selects Config.DefaultRequestTimeout.
func (b *Bus) RequestMessage(ctx context.Context, req any, timeout time.Duration) (*transport.Message, error) {
	if err := b.checkRunning(ctx); err != nil {
		return nil, err
	}
	if b.stopping() {
		// the reply pump is draining, so no reply could arrive
		return nil, errspkg.ErrBusStopped
	}
	msg, err := b.factory.Create(req)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.conf.DefaultRequestTimeout
	}
	return b.correlator.MakeCorrelatedRequest(ctx, msg, timeout, func(ctx context.Context, m *transport.Message) error {
		return b.SendMessage(ctx, b.CommandQueue(m.BodyTypeName), m)
	})
}

// Request sends req and decodes the reply into a Resp. A failure response
// surfaces as *errors.RemoteError.
func Request[Req, Resp any](ctx context.Context, b *Bus, req Req, timeout time.Duration) (Resp, error) {
	reply, err := b.RequestMessage(ctx, req, timeout)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return decodeBody[Resp](b.factory.Serializer(), reply)
}
