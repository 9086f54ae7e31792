package runtime

import (
	"context"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/transport"
)

// Interceptor wraps handler execution. OnHandlerExecuting runs before the
// handler in registration order and may return a derived context for the
// rest of the dispatch; OnHandlerSuccess and OnHandlerError run afterwards in
// reverse order.
type Interceptor interface {
	OnHandlerExecuting(ctx context.Context, payload any, msg *transport.Message) (context.Context, error)
	OnHandlerSuccess(ctx context.Context, payload any, msg *transport.Message) error
	OnHandlerError(ctx context.Context, payload any, msg *transport.Message, err error) error
}

// InterceptorFactory builds a fresh interceptor for every dispatched message,
// so interceptor fields never leak between messages.
type InterceptorFactory func() Interceptor

// NopInterceptor implements every hook as a no-op. Embed it to implement only
// the hooks you need.
type NopInterceptor struct{}

func (NopInterceptor) OnHandlerExecuting(ctx context.Context, _ any, _ *transport.Message) (context.Context, error) {
	return ctx, nil
}

func (NopInterceptor) OnHandlerSuccess(context.Context, any, *transport.Message) error { return nil }

func (NopInterceptor) OnHandlerError(context.Context, any, *transport.Message, error) error {
	return nil
}

// DispatchContext is the per-dispatch scope handed to handlers through their
// context.
type DispatchContext struct {
	Message *transport.Message
	Queue   string
	Logger  loggingpkg.ServiceLogger
	Bus     *Bus
}

type (
	dispatchContextKey struct{}
	queueKey           struct{}
)

// withQueue records the queue a pump received the message from.
func withQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueKey{}, queue)
}

func queueFrom(ctx context.Context) string {
	queue, _ := ctx.Value(queueKey{}).(string)
	return queue
}

func withDispatchContext(ctx context.Context, dc *DispatchContext) context.Context {
	return context.WithValue(ctx, dispatchContextKey{}, dc)
}

// DispatchContextFrom returns the scope of the dispatch ctx belongs to.
func DispatchContextFrom(ctx context.Context) (*DispatchContext, bool) {
	if ctx == nil {
		return nil, false
	}
	dc, ok := ctx.Value(dispatchContextKey{}).(*DispatchContext)
	return dc, ok && dc != nil
}
