// Package busflow is a transport-agnostic message bus. A Bus receives
// commands, requests and events from queues, dispatches each message to the
// handler registered for its body type through a chain of interceptors, and
// sends commands, events and replies through batching senders.
//
// Requests are correlated with their replies on a private reply queue per bus
// instance, so Request blocks until the reply arrives, the timeout expires or
// the bus stops. Handlers implementing LongRunning get their message lock
// renewed while they run and are cancelled when the lock is lost or their
// maximum duration is exceeded.
//
// A minimal setup fills Config, creates a Bus with New, registers handlers
// with HandleCommand, HandleRequest or HandleEvent, and calls Start:
//
//	bus, err := busflow.New(ctx, &busflow.Config{}, logger, busflow.Dependencies{})
//	if err != nil {
//		return err
//	}
//	_ = busflow.HandleCommand(bus, func(ctx context.Context, cmd PlaceOrder) error {
//		return nil
//	})
//	if err := bus.Start(ctx); err != nil {
//		return err
//	}
//	defer bus.Stop(context.Background())
//
// # Transports
//
// Config.PubSubSystem selects the transport. The in-process broker is always
// available; import github.com/drblury/busflow/transport/transports to
// register every backend (channel, kafka, rabbitmq, nats, nats-jetstream,
// redis, http, aws, sqlite and postgres), or import a single sub-package.
//
// # Interceptors
//
// The default chain logs, traces with OpenTelemetry, records Prometheus
// metrics and per-type statistics. Dependencies.Interceptors appends custom
// interceptors, for example HooksInterceptor with LoggingHooks or
// AlertingHooks, and Dependencies.Validator adds payload validation.
package busflow
