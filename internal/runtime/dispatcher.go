package runtime

import (
	"context"
	"errors"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// ReplyFunc hands a response to the outbound path.
type ReplyFunc func(ctx context.Context, destination string, msg *transport.Message) error

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Factory      *MessageFactory
	Interceptors []InterceptorFactory
	Supervisor   SupervisorOptions
	Reply        ReplyFunc
	Logger       loggingpkg.ServiceLogger
	Metrics      *BusMetrics
	Bus          *Bus
}

// Dispatcher resolves the handler for an inbound message and runs it inside
// the interceptor chain.
type Dispatcher struct {
	registry *HandlerRegistry
	opts     DispatcherOptions
}

// NewDispatcher binds a dispatcher to registry.
func NewDispatcher(registry *HandlerRegistry, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NopLogger{}
	}
	if opts.Factory == nil {
		opts.Factory = NewMessageFactory(nil, "")
	}
	if opts.Supervisor.Logger == nil {
		opts.Supervisor.Logger = opts.Logger
	}
	if opts.Supervisor.Metrics == nil {
		opts.Supervisor.Metrics = opts.Metrics
	}
	return &Dispatcher{registry: registry, opts: opts}
}

// Dispatch handles a command or request message. Requests are answered on
// their reply address; a handler failure becomes a failure response and the
// request itself completes.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *transport.Message, lock LockRenewer) error {
	reg, err := d.registry.resolve(msg.BodyTypeName)
	if err != nil {
		return errspkg.NewDispatchFailedError(msg, err)
	}
	if reg.kind == KindRequest {
		return d.dispatchRequest(ctx, reg, msg, lock)
	}
	_, err = d.run(ctx, reg, msg, lock)
	return err
}

// DispatchEvent runs every handler registered for the event type. All
// handlers run even when one fails; the failures are joined.
func (d *Dispatcher) DispatchEvent(ctx context.Context, msg *transport.Message, lock LockRenewer) error {
	regs := d.registry.eventHandlers(msg.BodyTypeName)
	if len(regs) == 0 {
		d.opts.Logger.Debug("No event handler registered", loggingpkg.LogFields{
			"message_id":   msg.MessageID,
			"message_type": msg.BodyTypeName,
		})
		return nil
	}
	var errs []error
	for _, reg := range regs {
		if _, err := d.run(ctx, reg, msg, lock); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, reg *Registration, msg *transport.Message, lock LockRenewer) error {
	result, runErr := d.run(ctx, reg, msg, lock)
	if msg.ReplyTo == "" {
		d.opts.Logger.Warn("Request carries no reply address, response dropped", messageFields(msg))
		return runErr
	}
	if errors.Is(runErr, errspkg.ErrLockLost) {
		return runErr
	}

	var reply *transport.Message
	if runErr != nil {
		reply = d.opts.Factory.CreateFailedResponse(msg, runErr)
	} else {
		var err error
		reply, err = d.opts.Factory.CreateSuccessfulResponse(result, msg)
		if err != nil {
			return errspkg.NewDispatchFailedError(msg, err)
		}
	}
	if d.opts.Reply == nil {
		return errspkg.NewDispatchFailedError(msg, errors.New("no reply path configured"))
	}
	if err := d.opts.Reply(ctx, msg.ReplyTo, reply); err != nil {
		return errspkg.NewDispatchFailedError(msg, err)
	}
	return nil
}

// run executes one handler registration inside a fresh interceptor chain.
func (d *Dispatcher) run(ctx context.Context, reg *Registration, msg *transport.Message, lock LockRenewer) (any, error) {
	inv, err := reg.prepare(msg, d.opts.Factory.Serializer())
	if err != nil {
		return nil, errspkg.NewDispatchFailedError(msg, err)
	}

	ctx = withDispatchContext(ctx, &DispatchContext{
		Message: msg,
		Queue:   queueFrom(ctx),
		Logger:  d.opts.Logger.With(messageFields(msg)),
		Bus:     d.opts.Bus,
	})

	chain := make([]Interceptor, 0, len(d.opts.Interceptors))
	for _, factory := range d.opts.Interceptors {
		if ic := factory(); ic != nil {
			chain = append(chain, ic)
		}
	}

	// entered counts interceptors whose before-hook ran, including one that
	// failed, so each gets exactly one after-hook.
	entered := 0
	var runErr error
	for _, ic := range chain {
		entered++
		next, err := ic.OnHandlerExecuting(ctx, inv.payload, msg)
		if err != nil {
			runErr = err
			break
		}
		if next != nil {
			ctx = next
		}
	}

	var result any
	if runErr == nil {
		result, runErr = d.invoke(ctx, inv, msg, lock)
	}

	if runErr == nil {
		for i := entered - 1; i >= 0; i-- {
			if err := chain[i].OnHandlerSuccess(ctx, inv.payload, msg); err != nil && runErr == nil {
				runErr = err
			}
		}
		if runErr != nil {
			return nil, errspkg.NewDispatchFailedError(msg, runErr)
		}
		return result, nil
	}

	for i := entered - 1; i >= 0; i-- {
		if err := chain[i].OnHandlerError(ctx, inv.payload, msg, runErr); err != nil {
			d.opts.Logger.Error("Interceptor error hook failed", err, messageFields(msg))
		}
	}
	return nil, errspkg.NewDispatchFailedError(msg, runErr)
}

func (d *Dispatcher) invoke(ctx context.Context, inv *invocation, msg *transport.Message, lock LockRenewer) (any, error) {
	if !inv.longRunning || lock == nil {
		return callSafely(ctx, inv.call)
	}
	opts := d.opts.Supervisor
	if inv.maxDuration > 0 {
		opts.MaxDuration = inv.maxDuration
	}
	return NewSupervisor(opts).Run(ctx, msg, lock, inv.call)
}

// callSafely turns a handler panic into a PanicError.
func callSafely(ctx context.Context, fn func(context.Context) (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errspkg.NewPanicError(r)
		}
	}()
	return fn(ctx)
}

func messageFields(msg *transport.Message) loggingpkg.LogFields {
	if msg == nil {
		return nil
	}
	return loggingpkg.LogFields{
		"message_id":     msg.MessageID,
		"correlation_id": msg.CorrelationID,
		"message_type":   msg.BodyTypeName,
		"delivery_count": msg.DeliveryCount,
	}
}

func withField(fields loggingpkg.LogFields, key string, value any) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
