package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	serializerpkg "github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
)

// trail records hook invocations across interceptors in order.
type trail struct {
	mu     sync.Mutex
	events []string
}

func (tr *trail) add(event string) {
	tr.mu.Lock()
	tr.events = append(tr.events, event)
	tr.mu.Unlock()
}

func (tr *trail) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

type tracingHooks struct {
	name          string
	trail         *trail
	failBefore    error
	failSuccess   error
	failOnError   error
	seenErr       error
	seenPayload   any
	contextMarker any
}

type markerKey struct{}

func (h *tracingHooks) OnHandlerExecuting(ctx context.Context, payload any, _ *transport.Message) (context.Context, error) {
	h.trail.add(h.name + ".before")
	h.seenPayload = payload
	if h.failBefore != nil {
		return ctx, h.failBefore
	}
	return context.WithValue(ctx, markerKey{}, h.name), nil
}

func (h *tracingHooks) OnHandlerSuccess(ctx context.Context, _ any, _ *transport.Message) error {
	h.trail.add(h.name + ".success")
	h.contextMarker = ctx.Value(markerKey{})
	return h.failSuccess
}

func (h *tracingHooks) OnHandlerError(_ context.Context, _ any, _ *transport.Message, err error) error {
	h.trail.add(h.name + ".error")
	h.seenErr = err
	return h.failOnError
}

func factoryOf(i Interceptor) InterceptorFactory {
	return func() Interceptor { return i }
}

type replyRecorder struct {
	mu          sync.Mutex
	destination string
	msgs        []*transport.Message
	err         error
}

func (r *replyRecorder) reply(_ context.Context, destination string, msg *transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.destination = destination
	r.msgs = append(r.msgs, msg)
	return nil
}

func newDispatcherFixture(t *testing.T, replyTo string, interceptors ...InterceptorFactory) (*Dispatcher, *HandlerRegistry, *MessageFactory, *replyRecorder) {
	t.Helper()
	registry := NewHandlerRegistry()
	factory := NewMessageFactory(serializerpkg.JSON{}, replyTo)
	replies := &replyRecorder{}
	d := NewDispatcher(registry, DispatcherOptions{
		Factory:      factory,
		Interceptors: interceptors,
		Reply:        replies.reply,
	})
	return d, registry, factory, replies
}

func mustCreate(t *testing.T, f *MessageFactory, body any) *transport.Message {
	t.Helper()
	msg, err := f.Create(body)
	require.NoError(t, err)
	return msg
}

func TestDispatchRunsInterceptorsAroundHandler(t *testing.T) {
	tr := &trail{}
	a := &tracingHooks{name: "a", trail: tr}
	b := &tracingHooks{name: "b", trail: tr}
	d, registry, factory, _ := newDispatcherFixture(t, "", factoryOf(a), factoryOf(b))

	var got placeOrder
	require.NoError(t, registry.Add(commandReg(t, func(ctx context.Context, cmd placeOrder) error {
		tr.add("handler")
		got = cmd
		assert.Equal(t, "b", ctx.Value(markerKey{}))
		return nil
	})))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{ID: "o-1", Items: 3}), nil)

	require.NoError(t, err)
	assert.Equal(t, placeOrder{ID: "o-1", Items: 3}, got)
	assert.Equal(t, []string{"a.before", "b.before", "handler", "b.success", "a.success"}, tr.list())
	assert.Equal(t, placeOrder{ID: "o-1", Items: 3}, a.seenPayload)
	assert.Equal(t, "b", a.contextMarker)
}

func TestDispatchHandlerErrorRunsErrorHooksInReverse(t *testing.T) {
	tr := &trail{}
	a := &tracingHooks{name: "a", trail: tr, failOnError: errors.New("hook broke")}
	b := &tracingHooks{name: "b", trail: tr}
	logger := newRecordingLogger()
	registry := NewHandlerRegistry()
	factory := NewMessageFactory(serializerpkg.JSON{}, "")
	d := NewDispatcher(registry, DispatcherOptions{
		Factory:      factory,
		Interceptors: []InterceptorFactory{factoryOf(a), factoryOf(b)},
		Logger:       logger,
	})
	require.NoError(t, registry.Add(commandReg(t, func(context.Context, placeOrder) error { return errBoom })))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{ID: "o-1"}), nil)

	var dispatchErr *errspkg.DispatchFailedError
	require.ErrorAs(t, err, &dispatchErr)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "runtime.placeOrder", dispatchErr.BodyTypeName)
	assert.NotEmpty(t, dispatchErr.Stack)
	assert.Equal(t, transport.ErrorCategoryHandler, errspkg.Classify(err))
	assert.Equal(t, []string{"a.before", "b.before", "b.error", "a.error"}, tr.list())
	assert.ErrorIs(t, b.seenErr, errBoom)
	assert.Equal(t, 1, logger.count("error", "Interceptor error hook failed"))
}

func TestDispatchBeforeHookFailureSkipsHandler(t *testing.T) {
	tr := &trail{}
	a := &tracingHooks{name: "a", trail: tr}
	b := &tracingHooks{name: "b", trail: tr, failBefore: errBoom}
	c := &tracingHooks{name: "c", trail: tr}
	d, registry, factory, _ := newDispatcherFixture(t, "", factoryOf(a), factoryOf(b), factoryOf(c))

	called := false
	require.NoError(t, registry.Add(commandReg(t, func(context.Context, placeOrder) error {
		called = true
		return nil
	})))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{}), nil)

	require.ErrorIs(t, err, errBoom)
	assert.False(t, called)
	assert.Equal(t, []string{"a.before", "b.before", "b.error", "a.error"}, tr.list())
}

func TestDispatchSuccessHookFailureFailsDispatch(t *testing.T) {
	tr := &trail{}
	a := &tracingHooks{name: "a", trail: tr}
	b := &tracingHooks{name: "b", trail: tr, failSuccess: errBoom}
	d, registry, factory, _ := newDispatcherFixture(t, "", factoryOf(a), factoryOf(b))
	require.NoError(t, registry.Add(commandReg(t, func(context.Context, placeOrder) error { return nil })))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{}), nil)

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"a.before", "b.before", "b.success", "a.success"}, tr.list())
}

func TestDispatchBuildsFreshChainPerMessage(t *testing.T) {
	var mu sync.Mutex
	created := 0
	factory := func() Interceptor {
		mu.Lock()
		created++
		mu.Unlock()
		return NopInterceptor{}
	}
	handlers := 0
	d, registry, msgs, _ := newDispatcherFixture(t, "", factory)
	reg, err := NewCommandRegistration(func() CommandHandler[placeOrder] {
		handlers++
		return CommandHandlerFunc[placeOrder](func(context.Context, placeOrder) error { return nil })
	})
	require.NoError(t, err)
	require.NoError(t, registry.Add(reg))
	before := handlers

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), mustCreate(t, msgs, placeOrder{}), nil))
	}

	assert.Equal(t, 3, created)
	assert.Equal(t, before+3, handlers)
}

func TestDispatchRecoversPanics(t *testing.T) {
	d, registry, factory, _ := newDispatcherFixture(t, "")
	require.NoError(t, registry.Add(commandReg(t, func(context.Context, placeOrder) error {
		panic("kaboom")
	})))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{}), nil)

	var panicErr *errspkg.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.Equal(t, transport.ErrorCategoryHandler, errspkg.Classify(err))
}

func TestDispatchUnknownTypeIsConfigurationError(t *testing.T) {
	d, _, factory, _ := newDispatcherFixture(t, "")

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{}), nil)

	assert.Equal(t, transport.ErrorCategoryConfiguration, errspkg.Classify(err))
}

func TestDispatchUndecodableBodyIsValidationError(t *testing.T) {
	d, registry, _, _ := newDispatcherFixture(t, "")
	require.NoError(t, registry.Add(commandReg(t, func(context.Context, placeOrder) error { return nil })))

	msg := &transport.Message{MessageID: "m-1", BodyTypeName: "runtime.placeOrder", Body: []byte("{")}
	err := d.Dispatch(context.Background(), msg, nil)

	assert.Equal(t, transport.ErrorCategoryValidation, errspkg.Classify(err))
}

func TestDispatchExposesDispatchContext(t *testing.T) {
	d, registry, factory, _ := newDispatcherFixture(t, "")
	msg := mustCreate(t, factory, placeOrder{})

	var seen *DispatchContext
	require.NoError(t, registry.Add(commandReg(t, func(ctx context.Context, _ placeOrder) error {
		dc, ok := DispatchContextFrom(ctx)
		require.True(t, ok)
		seen = dc
		return nil
	})))

	require.NoError(t, d.Dispatch(withQueue(context.Background(), "orders"), msg, nil))
	assert.Same(t, msg, seen.Message)
	assert.Equal(t, "orders", seen.Queue)
	assert.NotNil(t, seen.Logger)

	_, ok := DispatchContextFrom(context.Background())
	assert.False(t, ok)
}

func TestDispatchRequestRepliesWithResult(t *testing.T) {
	d, registry, factory, replies := newDispatcherFixture(t, "caller.replies")
	require.NoError(t, registry.Add(requestReg(t, func(_ context.Context, req getQuote) (quote, error) {
		return quote{Symbol: req.Symbol, Price: 42}, nil
	})))
	req := mustCreate(t, factory, getQuote{Symbol: "ACME"})

	require.NoError(t, d.Dispatch(context.Background(), req, nil))

	require.Len(t, replies.msgs, 1)
	assert.Equal(t, "caller.replies", replies.destination)
	resp := replies.msgs[0]
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	assert.Equal(t, metadatapkg.ResponseSuccess, resp.Property(metadatapkg.KeyResponse))
	var got quote
	require.NoError(t, factory.GetBody(resp, &got))
	assert.Equal(t, quote{Symbol: "ACME", Price: 42}, got)
}

func TestDispatchRequestFailureSendsFailureResponse(t *testing.T) {
	d, registry, factory, replies := newDispatcherFixture(t, "caller.replies")
	require.NoError(t, registry.Add(requestReg(t, func(context.Context, getQuote) (quote, error) {
		return quote{}, errBoom
	})))

	require.NoError(t, d.Dispatch(context.Background(), mustCreate(t, factory, getQuote{}), nil))

	require.Len(t, replies.msgs, 1)
	resp := replies.msgs[0]
	assert.True(t, resp.IsFailureResponse())
	detail, ok := transport.ErrorDetailFromProperties(resp.Properties)
	require.True(t, ok)
	assert.Equal(t, transport.ErrorCategoryHandler, detail.Category)
	assert.Equal(t, "boom", detail.Message)
}

func TestDispatchRequestReplyFailureFailsDispatch(t *testing.T) {
	d, registry, factory, replies := newDispatcherFixture(t, "caller.replies")
	replies.err = errBoom
	require.NoError(t, registry.Add(requestReg(t, func(context.Context, getQuote) (quote, error) {
		return quote{}, nil
	})))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, getQuote{}), nil)
	require.ErrorIs(t, err, errBoom)
}

func TestDispatchRequestWithoutReplyAddress(t *testing.T) {
	logger := newRecordingLogger()
	registry := NewHandlerRegistry()
	factory := NewMessageFactory(serializerpkg.JSON{}, "")
	replies := &replyRecorder{}
	d := NewDispatcher(registry, DispatcherOptions{Factory: factory, Reply: replies.reply, Logger: logger})
	require.NoError(t, registry.Add(requestReg(t, func(context.Context, getQuote) (quote, error) {
		return quote{}, nil
	})))

	require.NoError(t, d.Dispatch(context.Background(), mustCreate(t, factory, getQuote{}), nil))
	assert.Empty(t, replies.msgs)
	_, found := logger.find("warn", "Request carries no reply address, response dropped")
	assert.True(t, found)
}

func TestDispatchEventRunsEveryHandler(t *testing.T) {
	d, registry, factory, _ := newDispatcherFixture(t, "")
	var mu sync.Mutex
	var calls []string
	record := func(name string, err error) func(context.Context, orderPlaced) error {
		return func(context.Context, orderPlaced) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return err
		}
	}
	require.NoError(t, registry.Add(eventReg(t, record("billing", errBoom))))
	require.NoError(t, registry.Add(eventReg(t, record("shipping", nil))))

	err := d.DispatchEvent(context.Background(), mustCreate(t, factory, orderPlaced{ID: "o-1"}), nil)

	require.ErrorIs(t, err, errBoom)
	assert.ElementsMatch(t, []string{"billing", "shipping"}, calls)
}

func TestDispatchEventWithoutHandlersIsNoop(t *testing.T) {
	d, _, factory, _ := newDispatcherFixture(t, "")
	require.NoError(t, d.DispatchEvent(context.Background(), mustCreate(t, factory, orderPlaced{}), nil))
}

type stubValidator struct{ err error }

func (v stubValidator) Validate(any) error { return v.err }

func TestValidationInterceptorRejectsPayload(t *testing.T) {
	d, registry, factory, _ := newDispatcherFixture(t, "", ValidationInterceptor(stubValidator{err: errors.New("items must be positive")}))
	called := false
	require.NoError(t, registry.Add(commandReg(t, func(context.Context, placeOrder) error {
		called = true
		return nil
	})))

	err := d.Dispatch(context.Background(), mustCreate(t, factory, placeOrder{}), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "runtime.placeOrder", validationErr.MessageType)
	assert.Equal(t, transport.ErrorCategoryValidation, errspkg.Classify(err))
	assert.False(t, called)
}
