package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	serializerpkg "github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
)

// HandlerKind tells how a registered handler is reached.
type HandlerKind int

const (
	KindCommand HandlerKind = iota + 1
	KindRequest
	KindEvent
)

func (k HandlerKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindRequest:
		return "request"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// CommandHandler handles one-way commands of type T.
type CommandHandler[T any] interface {
	Handle(ctx context.Context, cmd T) error
}

// RequestHandler answers requests of type Req with a Resp.
type RequestHandler[Req, Resp any] interface {
	Handle(ctx context.Context, req Req) (Resp, error)
}

// EventHandler reacts to published events of type T.
type EventHandler[T any] interface {
	Handle(ctx context.Context, evt T) error
}

// LongRunning is implemented by handlers that may outlive the message lock.
// The bus renews the lock while they run, up to MaxDuration.
type LongRunning interface {
	MaxDuration() time.Duration
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc[T any] func(ctx context.Context, cmd T) error

func (f CommandHandlerFunc[T]) Handle(ctx context.Context, cmd T) error { return f(ctx, cmd) }

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f RequestHandlerFunc[Req, Resp]) Handle(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc[T any] func(ctx context.Context, evt T) error

func (f EventHandlerFunc[T]) Handle(ctx context.Context, evt T) error { return f(ctx, evt) }

// invocation is one prepared handler call: a fresh handler instance bound to
// a decoded payload.
type invocation struct {
	payload     any
	longRunning bool
	maxDuration time.Duration
	call        func(ctx context.Context) (any, error)
}

// Registration is the type-erased form of a typed handler factory.
type Registration struct {
	kind        HandlerKind
	typeName    string
	handlerName string
	prepare     func(msg *transport.Message, ser serializerpkg.Serializer) (*invocation, error)
}

// TypeName is the body type name the registration handles.
func (r *Registration) TypeName() string { return r.typeName }

// Kind reports whether the registration handles commands, requests or events.
func (r *Registration) Kind() HandlerKind { return r.kind }

// NewCommandRegistration erases a command handler factory. The factory runs
// once per dispatched message.
func NewCommandRegistration[T any](factory func() CommandHandler[T]) (*Registration, error) {
	if factory == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return &Registration{
		kind:        KindCommand,
		typeName:    serializerpkg.TypeNameFor[T](),
		handlerName: handlerName(factory()),
		prepare: func(msg *transport.Message, ser serializerpkg.Serializer) (*invocation, error) {
			payload, err := decodeBody[T](ser, msg)
			if err != nil {
				return nil, err
			}
			h := factory()
			inv := &invocation{payload: payload, call: func(ctx context.Context) (any, error) {
				return nil, h.Handle(ctx, payload)
			}}
			inv.longRunning, inv.maxDuration = longRunningHint(h)
			return inv, nil
		},
	}, nil
}

// NewRequestRegistration erases a request handler factory.
func NewRequestRegistration[Req, Resp any](factory func() RequestHandler[Req, Resp]) (*Registration, error) {
	if factory == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return &Registration{
		kind:        KindRequest,
		typeName:    serializerpkg.TypeNameFor[Req](),
		handlerName: handlerName(factory()),
		prepare: func(msg *transport.Message, ser serializerpkg.Serializer) (*invocation, error) {
			payload, err := decodeBody[Req](ser, msg)
			if err != nil {
				return nil, err
			}
			h := factory()
			inv := &invocation{payload: payload, call: func(ctx context.Context) (any, error) {
				return h.Handle(ctx, payload)
			}}
			inv.longRunning, inv.maxDuration = longRunningHint(h)
			return inv, nil
		},
	}, nil
}

// NewEventRegistration erases an event handler factory.
func NewEventRegistration[T any](factory func() EventHandler[T]) (*Registration, error) {
	if factory == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return &Registration{
		kind:        KindEvent,
		typeName:    serializerpkg.TypeNameFor[T](),
		handlerName: handlerName(factory()),
		prepare: func(msg *transport.Message, ser serializerpkg.Serializer) (*invocation, error) {
			payload, err := decodeBody[T](ser, msg)
			if err != nil {
				return nil, err
			}
			h := factory()
			inv := &invocation{payload: payload, call: func(ctx context.Context) (any, error) {
				return nil, h.Handle(ctx, payload)
			}}
			inv.longRunning, inv.maxDuration = longRunningHint(h)
			return inv, nil
		},
	}, nil
}

func decodeBody[T any](ser serializerpkg.Serializer, msg *transport.Message) (T, error) {
	v := serializerpkg.New[T]()
	var target any = &v
	if _, ok := any(v).(proto.Message); ok {
		target = v
	}
	if err := ser.Unmarshal(msg.Body, target); err != nil {
		var zero T
		return zero, &decodeError{typeName: msg.BodyTypeName, err: err}
	}
	return v, nil
}

func longRunningHint(h any) (bool, time.Duration) {
	lr, ok := h.(LongRunning)
	if !ok {
		return false, 0
	}
	return true, lr.MaxDuration()
}

func handlerName(h any) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", h), "*")
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Kind        HandlerKind `json:"-"`
	KindName    string      `json:"kind"`
	MessageType string      `json:"message_type"`
	Handler     string      `json:"handler"`
	Queue       string      `json:"queue"`
}

// HandlerRegistry maps body type names to handlers. It accepts registrations
// until Freeze and is read-only afterwards.
type HandlerRegistry struct {
	mu     sync.Mutex
	frozen bool
	direct map[string][]*Registration
	events map[string][]*Registration
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		direct: make(map[string][]*Registration),
		events: make(map[string][]*Registration),
	}
}

// Add records reg. Duplicate command or request types are kept and reported
// by Validate so that startup fails before any pump runs.
func (r *HandlerRegistry) Add(reg *Registration) error {
	if reg == nil {
		return errspkg.ErrHandlerRequired
	}
	if reg.typeName == "" {
		return errspkg.NewConfigurationError("handler registration", errors.New("message type name is empty"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errspkg.NewConfigurationError("handler registration", fmt.Errorf("bus already started, cannot register %s", reg.typeName))
	}
	if reg.kind == KindEvent {
		r.events[reg.typeName] = append(r.events[reg.typeName], reg)
		return nil
	}
	r.direct[reg.typeName] = append(r.direct[reg.typeName], reg)
	return nil
}

// Validate reports every type with more than one command or request
// handler.
func (r *HandlerRegistry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, name := range sortedKeys(r.direct) {
		if regs := r.direct[name]; len(regs) > 1 {
			errs = append(errs, fmt.Errorf("%s has %d handlers registered: %s", name, len(regs), joinHandlerNames(regs)))
		}
	}
	return errspkg.NewConfigurationError("ambiguous handler registration", errors.Join(errs...))
}

// Freeze stops further registrations.
func (r *HandlerRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// resolve returns the single command or request handler for typeName.
func (r *HandlerRegistry) resolve(typeName string) (*Registration, error) {
	r.mu.Lock()
	regs := r.direct[typeName]
	r.mu.Unlock()
	switch len(regs) {
	case 0:
		return nil, errspkg.NewConfigurationError("handler resolution", fmt.Errorf("no handler registered for %q", typeName))
	case 1:
		return regs[0], nil
	default:
		return nil, errspkg.NewConfigurationError("handler resolution", fmt.Errorf("%d handlers registered for %q", len(regs), typeName))
	}
}

func (r *HandlerRegistry) eventHandlers(typeName string) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[typeName]
}

// DirectTypes lists the command and request type names.
func (r *HandlerRegistry) DirectTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.direct)
}

// EventTypes lists the event type names with at least one handler.
func (r *HandlerRegistry) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.events)
}

// Handlers describes every registration, resolving queue names through
// queueOf.
func (r *HandlerRegistry) Handlers(queueOf func(kind HandlerKind, typeName string) string) []HandlerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HandlerInfo
	for _, group := range []map[string][]*Registration{r.direct, r.events} {
		for _, name := range sortedKeys(group) {
			for _, reg := range group[name] {
				info := HandlerInfo{
					Kind:        reg.kind,
					KindName:    reg.kind.String(),
					MessageType: reg.typeName,
					Handler:     reg.handlerName,
				}
				if queueOf != nil {
					info.Queue = queueOf(reg.kind, reg.typeName)
				}
				out = append(out, info)
			}
		}
	}
	return out
}

func sortedKeys(m map[string][]*Registration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinHandlerNames(regs []*Registration) string {
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.kind.String() + " " + reg.handlerName
	}
	return strings.Join(names, ", ")
}
