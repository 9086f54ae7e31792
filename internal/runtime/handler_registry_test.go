package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

func commandReg[T any](t *testing.T, fn func(context.Context, T) error) *Registration {
	t.Helper()
	reg, err := NewCommandRegistration(func() CommandHandler[T] { return CommandHandlerFunc[T](fn) })
	require.NoError(t, err)
	return reg
}

func requestReg[Req, Resp any](t *testing.T, fn func(context.Context, Req) (Resp, error)) *Registration {
	t.Helper()
	reg, err := NewRequestRegistration(func() RequestHandler[Req, Resp] { return RequestHandlerFunc[Req, Resp](fn) })
	require.NoError(t, err)
	return reg
}

func eventReg[T any](t *testing.T, fn func(context.Context, T) error) *Registration {
	t.Helper()
	reg, err := NewEventRegistration(func() EventHandler[T] { return EventHandlerFunc[T](fn) })
	require.NoError(t, err)
	return reg
}

func TestRegistrationNamesPayloadType(t *testing.T) {
	cmd := commandReg(t, func(context.Context, placeOrder) error { return nil })
	assert.Equal(t, "runtime.placeOrder", cmd.TypeName())
	assert.Equal(t, KindCommand, cmd.Kind())

	ptr := commandReg(t, func(context.Context, *placeOrder) error { return nil })
	assert.Equal(t, "runtime.placeOrder", ptr.TypeName())

	req := requestReg(t, func(context.Context, getQuote) (quote, error) { return quote{}, nil })
	assert.Equal(t, KindRequest, req.Kind())
	assert.Equal(t, "request", req.Kind().String())

	_, err := NewCommandRegistration[placeOrder](nil)
	require.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestHandlerRegistryResolve(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Add(commandReg(t, func(context.Context, placeOrder) error { return nil })))
	require.NoError(t, r.Validate())

	reg, err := r.resolve("runtime.placeOrder")
	require.NoError(t, err)
	assert.Equal(t, KindCommand, reg.Kind())

	_, err = r.resolve("runtime.unknown")
	var cfgErr *errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestHandlerRegistryRejectsAmbiguousCommandTypes(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Add(commandReg(t, func(context.Context, placeOrder) error { return nil })))
	require.NoError(t, r.Add(commandReg(t, func(context.Context, placeOrder) error { return nil })))

	err := r.Validate()
	var cfgErr *errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "runtime.placeOrder has 2 handlers")

	_, err = r.resolve("runtime.placeOrder")
	require.ErrorAs(t, err, &cfgErr)
}

func TestHandlerRegistryCommandAndRequestShareTypeSpace(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Add(commandReg(t, func(context.Context, getQuote) error { return nil })))
	require.NoError(t, r.Add(requestReg(t, func(context.Context, getQuote) (quote, error) { return quote{}, nil })))

	require.Error(t, r.Validate())
}

func TestHandlerRegistryAllowsManyEventHandlers(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Add(eventReg(t, func(context.Context, orderPlaced) error { return nil })))
	require.NoError(t, r.Add(eventReg(t, func(context.Context, orderPlaced) error { return nil })))

	require.NoError(t, r.Validate())
	assert.Len(t, r.eventHandlers("runtime.orderPlaced"), 2)
	assert.Equal(t, []string{"runtime.orderPlaced"}, r.EventTypes())
	assert.Empty(t, r.DirectTypes())
}

func TestHandlerRegistryFreeze(t *testing.T) {
	r := NewHandlerRegistry()
	r.Freeze()

	err := r.Add(commandReg(t, func(context.Context, placeOrder) error { return nil }))
	var cfgErr *errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, r.Add(nil), errspkg.ErrHandlerRequired)
}

func TestHandlerRegistryHandlers(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Add(eventReg(t, func(context.Context, orderPlaced) error { return nil })))
	require.NoError(t, r.Add(commandReg(t, func(context.Context, placeOrder) error { return nil })))

	infos := r.Handlers(func(kind HandlerKind, typeName string) string {
		return kind.String() + ":" + typeName
	})

	require.Len(t, infos, 2)
	assert.Equal(t, "runtime.placeOrder", infos[0].MessageType)
	assert.Equal(t, "command:runtime.placeOrder", infos[0].Queue)
	assert.Contains(t, infos[0].Handler, "CommandHandlerFunc")
	assert.Equal(t, "event", infos[1].KindName)
}
