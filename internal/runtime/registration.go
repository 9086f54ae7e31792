package runtime

import (
	"context"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// RegisterCommandHandler registers h for commands of type T. The same
// instance serves every message; use RegisterCommandHandlerFactory for a
// handler per message.
func RegisterCommandHandler[T any](b *Bus, h CommandHandler[T]) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterCommandHandlerFactory(b, func() CommandHandler[T] { return h })
}

// RegisterCommandHandlerFactory registers a factory called once per message.
func RegisterCommandHandlerFactory[T any](b *Bus, factory func() CommandHandler[T]) error {
	reg, err := NewCommandRegistration(factory)
	if err != nil {
		return err
	}
	return b.Register(reg)
}

// HandleCommand registers fn for commands of type T.
func HandleCommand[T any](b *Bus, fn func(ctx context.Context, cmd T) error) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterCommandHandler[T](b, CommandHandlerFunc[T](fn))
}

// RegisterRequestHandler registers h for requests of type Req. Its result is
// sent back to the requester's reply queue.
func RegisterRequestHandler[Req, Resp any](b *Bus, h RequestHandler[Req, Resp]) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterRequestHandlerFactory(b, func() RequestHandler[Req, Resp] { return h })
}

func RegisterRequestHandlerFactory[Req, Resp any](b *Bus, factory func() RequestHandler[Req, Resp]) error {
	reg, err := NewRequestRegistration(factory)
	if err != nil {
		return err
	}
	return b.Register(reg)
}

// HandleRequest registers fn for requests of type Req.
func HandleRequest[Req, Resp any](b *Bus, fn func(ctx context.Context, req Req) (Resp, error)) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterRequestHandler[Req, Resp](b, RequestHandlerFunc[Req, Resp](fn))
}

// RegisterEventHandler adds h to the handlers of events of type T. Any number
// of event handlers may share a type.
func RegisterEventHandler[T any](b *Bus, h EventHandler[T]) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterEventHandlerFactory(b, func() EventHandler[T] { return h })
}

func RegisterEventHandlerFactory[T any](b *Bus, factory func() EventHandler[T]) error {
	reg, err := NewEventRegistration(factory)
	if err != nil {
		return err
	}
	return b.Register(reg)
}

// HandleEvent registers fn for events of type T.
func HandleEvent[T any](b *Bus, fn func(ctx context.Context, evt T) error) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return RegisterEventHandler[T](b, EventHandlerFunc[T](fn))
}
