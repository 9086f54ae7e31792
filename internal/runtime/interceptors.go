package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// TracerName is the instrumentation name of the dispatch spans.
const TracerName = "github.com/drblury/busflow"

// LoggingInterceptor logs the start and outcome of every dispatch.
func LoggingInterceptor(logger loggingpkg.ServiceLogger) InterceptorFactory {
	if logger == nil {
		logger = loggingpkg.NopLogger{}
	}
	return func() Interceptor {
		return &loggingInterceptor{logger: logger}
	}
}

type loggingInterceptor struct {
	logger  loggingpkg.ServiceLogger
	started time.Time
}

func (i *loggingInterceptor) OnHandlerExecuting(ctx context.Context, _ any, msg *transport.Message) (context.Context, error) {
	i.started = time.Now()
	i.logger.Debug("Handling message", messageFields(msg))
	return ctx, nil
}

func (i *loggingInterceptor) OnHandlerSuccess(_ context.Context, _ any, msg *transport.Message) error {
	i.logger.Debug("Message handled", withField(messageFields(msg), "duration_ms", time.Since(i.started).Milliseconds()))
	return nil
}

func (i *loggingInterceptor) OnHandlerError(_ context.Context, _ any, msg *transport.Message, err error) error {
	fields := withField(messageFields(msg), "duration_ms", time.Since(i.started).Milliseconds())
	i.logger.Error("Handler failed", err, withField(fields, "error_category", string(errspkg.Classify(err))))
	return nil
}

// TracingInterceptor opens an OpenTelemetry consumer span around every
// dispatch. Handlers see the span through their context.
func TracingInterceptor(tracer trace.Tracer) InterceptorFactory {
	return func() Interceptor {
		t := tracer
		if t == nil {
			t = otel.Tracer(TracerName)
		}
		return &tracingInterceptor{tracer: t}
	}
}

type tracingInterceptor struct {
	tracer trace.Tracer
	span   trace.Span
}

func (i *tracingInterceptor) OnHandlerExecuting(ctx context.Context, _ any, msg *transport.Message) (context.Context, error) {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.message.id", msg.MessageID),
		attribute.String("messaging.message.conversation_id", msg.CorrelationID),
		attribute.String("busflow.message_type", msg.BodyTypeName),
		attribute.Int("busflow.delivery_count", msg.DeliveryCount),
	}
	if parent := msg.Property(metadatapkg.KeyTraceID); parent != "" {
		attrs = append(attrs, attribute.String("busflow.parent_trace_id", parent))
	}
	ctx, i.span = i.tracer.Start(ctx, "busflow.dispatch "+msg.BodyTypeName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	return ctx, nil
}

func (i *tracingInterceptor) OnHandlerSuccess(context.Context, any, *transport.Message) error {
	i.span.SetStatus(codes.Ok, "")
	i.span.End()
	return nil
}

func (i *tracingInterceptor) OnHandlerError(_ context.Context, _ any, _ *transport.Message, err error) error {
	if i.span == nil {
		return nil
	}
	i.span.RecordError(err)
	i.span.SetStatus(codes.Error, err.Error())
	i.span.End()
	return nil
}

// MetricsInterceptor observes the dispatch duration per message type and
// outcome.
func MetricsInterceptor(m *BusMetrics) InterceptorFactory {
	return func() Interceptor {
		return &metricsInterceptor{metrics: m}
	}
}

type metricsInterceptor struct {
	metrics *BusMetrics
	started time.Time
}

func (i *metricsInterceptor) OnHandlerExecuting(ctx context.Context, _ any, _ *transport.Message) (context.Context, error) {
	i.started = time.Now()
	return ctx, nil
}

func (i *metricsInterceptor) OnHandlerSuccess(_ context.Context, _ any, msg *transport.Message) error {
	i.metrics.ObserveDispatch(msg.BodyTypeName, true, time.Since(i.started))
	return nil
}

func (i *metricsInterceptor) OnHandlerError(_ context.Context, _ any, msg *transport.Message, _ error) error {
	i.metrics.ObserveDispatch(msg.BodyTypeName, false, time.Since(i.started))
	return nil
}

// stampTrace copies the span of ctx into the outbound message properties.
func stampTrace(ctx context.Context, msg *transport.Message) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	if msg.Properties == nil {
		msg.Properties = metadatapkg.Metadata{}
	}
	msg.Properties[metadatapkg.KeyTraceID] = sc.TraceID().String()
	msg.Properties[metadatapkg.KeySpanID] = sc.SpanID().String()
}

// PayloadValidator checks a decoded payload before its handler runs.
type PayloadValidator interface {
	Validate(payload any) error
}

// ValidationError wraps a rejected payload. It classifies as a validation
// failure.
type ValidationError struct {
	MessageType string
	Err         error
}

func (e *ValidationError) Error() string {
	return "busflow: invalid " + e.MessageType + " payload: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error    { return e.Err }
func (e *ValidationError) Validation() bool { return true }

// ValidationInterceptor rejects payloads that fail validator. The handler is
// skipped and the message abandoned with category validation.
func ValidationInterceptor(validator PayloadValidator) InterceptorFactory {
	return func() Interceptor {
		return &validationInterceptor{validator: validator}
	}
}

type validationInterceptor struct {
	NopInterceptor
	validator PayloadValidator
}

func (i *validationInterceptor) OnHandlerExecuting(ctx context.Context, payload any, msg *transport.Message) (context.Context, error) {
	if i.validator == nil {
		return ctx, nil
	}
	if err := i.validator.Validate(payload); err != nil {
		return ctx, &ValidationError{MessageType: msg.BodyTypeName, Err: err}
	}
	return ctx, nil
}
