package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// JobContext describes one handler execution to hooks.
type JobContext struct {
	// MessageType is the body type name the handler was resolved for.
	MessageType   string
	MessageID     string
	CorrelationID string
	// Properties is a copy of the message property bag.
	Properties metadatapkg.Metadata
	Context    context.Context
	StartedAt  time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// DeliveryCount is 1 on the first delivery.
	DeliveryCount int
}

// JobHooks defines callbacks for job lifecycle events. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksInterceptor invokes hooks around every dispatch.
func HooksInterceptor(hooks JobHooks) InterceptorFactory {
	return func() Interceptor {
		return &hooksInterceptor{hooks: hooks}
	}
}

type hooksInterceptor struct {
	hooks JobHooks
	job   JobContext
}

func (i *hooksInterceptor) OnHandlerExecuting(ctx context.Context, _ any, msg *transport.Message) (context.Context, error) {
	i.job = JobContext{
		MessageType:   msg.BodyTypeName,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Properties:    msg.Properties.Clone(),
		Context:       ctx,
		StartedAt:     time.Now(),
		DeliveryCount: msg.DeliveryCount,
	}
	if i.hooks.OnJobStart != nil {
		i.hooks.OnJobStart(i.job)
	}
	return ctx, nil
}

func (i *hooksInterceptor) OnHandlerSuccess(context.Context, any, *transport.Message) error {
	i.job.Duration = time.Since(i.job.StartedAt)
	if i.hooks.OnJobDone != nil {
		i.hooks.OnJobDone(i.job)
	}
	return nil
}

func (i *hooksInterceptor) OnHandlerError(_ context.Context, _ any, _ *transport.Message, err error) error {
	i.job.Duration = time.Since(i.job.StartedAt)
	if i.hooks.OnJobError != nil {
		i.hooks.OnJobError(i.job, err)
	}
	return nil
}

// LoggingHooks returns hooks that log job lifecycle events at info level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"message_type":   ctx.MessageType,
				"message_id":     ctx.MessageID,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"message_type": ctx.MessageType,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"message_type":   ctx.MessageType,
				"message_id":     ctx.MessageID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// AlertingHooks returns hooks that call alert when a job fails on or after
// its final allowed delivery.
func AlertingHooks(maxDeliveries int, alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if alert != nil && ctx.DeliveryCount >= maxDeliveries {
				alert(ctx, err)
			}
		},
	}
}
