package busflow

import (
	"context"
	"time"

	runtimepkg "github.com/drblury/busflow/internal/runtime"
	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	serializerpkg "github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/inprocess"
)

type (
	Config       = configpkg.Config
	Bus          = runtimepkg.Bus
	Dependencies = runtimepkg.Dependencies

	CommandHandler[T any]             = runtimepkg.CommandHandler[T]
	RequestHandler[Req, Resp any]     = runtimepkg.RequestHandler[Req, Resp]
	EventHandler[T any]               = runtimepkg.EventHandler[T]
	CommandHandlerFunc[T any]         = runtimepkg.CommandHandlerFunc[T]
	RequestHandlerFunc[Req, Resp any] = runtimepkg.RequestHandlerFunc[Req, Resp]
	EventHandlerFunc[T any]           = runtimepkg.EventHandlerFunc[T]

	LongRunning  = runtimepkg.LongRunning
	Registration = runtimepkg.Registration
	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerKind  = runtimepkg.HandlerKind

	Interceptor        = runtimepkg.Interceptor
	InterceptorFactory = runtimepkg.InterceptorFactory
	NopInterceptor     = runtimepkg.NopInterceptor
	DispatchContext    = runtimepkg.DispatchContext
	PayloadValidator   = runtimepkg.PayloadValidator
	ValidationError    = runtimepkg.ValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	BusMetrics         = runtimepkg.BusMetrics
	BusMetricsSnapshot = runtimepkg.BusMetricsSnapshot
	HandlerStats       = runtimepkg.HandlerStats
	StatsSnapshot      = runtimepkg.StatsSnapshot

	Serializer = serializerpkg.Serializer
	Metadata   = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigurationError  = errspkg.ConfigurationError
	DispatchFailedError = errspkg.DispatchFailedError
	PanicError          = errspkg.PanicError
	RemoteError         = errspkg.RemoteError
	SendFailedError     = errspkg.SendFailedError

	// Transport port
	Message           = transport.Message
	ErrorDetail       = transport.ErrorDetail
	ErrorCategory     = transport.ErrorCategory
	QueueManager      = transport.QueueManager
	Sender            = transport.Sender
	Receiver          = transport.Receiver
	QueueOptions      = transport.QueueOptions
	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportRegistry = transport.Registry
	Capabilities      = transport.Capabilities
	DLQManager        = transport.DLQManager
	DLQMessage        = transport.DLQMessage
	QueueIntrospector = transport.QueueIntrospector
	InProcessBroker   = inprocess.Broker
	InProcessOptions  = inprocess.Options
)

var (
	LoadConfig = configpkg.Load

	LoggingInterceptor    = runtimepkg.LoggingInterceptor
	TracingInterceptor    = runtimepkg.TracingInterceptor
	MetricsInterceptor    = runtimepkg.MetricsInterceptor
	StatsInterceptor      = runtimepkg.StatsInterceptor
	ValidationInterceptor = runtimepkg.ValidationInterceptor
	HooksInterceptor      = runtimepkg.HooksInterceptor
	DispatchContextFrom   = runtimepkg.DispatchContextFrom

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	SanitizeQueueName = runtimepkg.SanitizeQueueName

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	// NewInProcessBroker returns a broker that several buses of one process
	// can share through Broker.Shared.
	NewInProcessBroker = inprocess.New

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrAlreadyRunning      = errspkg.ErrAlreadyRunning
	ErrNotStarted          = errspkg.ErrNotStarted
	ErrBusStopped          = errspkg.ErrBusStopped
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrSenderClosed        = errspkg.ErrSenderClosed
	ErrRequestTimeout      = errspkg.ErrRequestTimeout
	ErrMaxDurationExceeded = errspkg.ErrMaxDurationExceeded
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLockLost            = errspkg.ErrLockLost
	ErrReceiveTimeout      = transport.ErrReceiveTimeout

	ClassifyError = errspkg.Classify

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	NewID = idspkg.NewID
)

// Metadata keys carried in message properties.
const (
	MetadataKeyDeliverAt = metadatapkg.KeyDeliverAt
	MetadataKeyResponse  = metadatapkg.KeyResponse
	MetadataKeyTraceID   = metadatapkg.KeyTraceID
	MetadataKeySpanID    = metadatapkg.KeySpanID
)

// Error categories reported in failure responses and abandon details.
const (
	ErrorCategoryNone          = transport.ErrorCategoryNone
	ErrorCategoryConfiguration = transport.ErrorCategoryConfiguration
	ErrorCategoryValidation    = transport.ErrorCategoryValidation
	ErrorCategoryTransport     = transport.ErrorCategoryTransport
	ErrorCategoryHandler       = transport.ErrorCategoryHandler
	ErrorCategoryLockLost      = transport.ErrorCategoryLockLost
	ErrorCategoryTimeout       = transport.ErrorCategoryTimeout
	ErrorCategoryBusStopped    = transport.ErrorCategoryBusStopped
	ErrorCategoryOther         = transport.ErrorCategoryOther
)

// New builds a bus from conf. With an empty PubSubSystem the bus runs on a
// private in-process broker.
func New(ctx context.Context, conf *Config, logger ServiceLogger, deps Dependencies) (*Bus, error) {
	return runtimepkg.New(ctx, conf, logger, deps)
}

func RegisterCommandHandler[T any](b *Bus, h CommandHandler[T]) error {
	return runtimepkg.RegisterCommandHandler(b, h)
}

func RegisterCommandHandlerFactory[T any](b *Bus, factory func() CommandHandler[T]) error {
	return runtimepkg.RegisterCommandHandlerFactory(b, factory)
}

// HandleCommand registers fn for commands of type T.
func HandleCommand[T any](b *Bus, fn func(ctx context.Context, cmd T) error) error {
	return runtimepkg.HandleCommand(b, fn)
}

func RegisterRequestHandler[Req, Resp any](b *Bus, h RequestHandler[Req, Resp]) error {
	return runtimepkg.RegisterRequestHandler(b, h)
}

func RegisterRequestHandlerFactory[Req, Resp any](b *Bus, factory func() RequestHandler[Req, Resp]) error {
	return runtimepkg.RegisterRequestHandlerFactory(b, factory)
}

// HandleRequest registers fn for requests of type Req.
func HandleRequest[Req, Resp any](b *Bus, fn func(ctx context.Context, req Req) (Resp, error)) error {
	return runtimepkg.HandleRequest(b, fn)
}

func RegisterEventHandler[T any](b *Bus, h EventHandler[T]) error {
	return runtimepkg.RegisterEventHandler(b, h)
}

func RegisterEventHandlerFactory[T any](b *Bus, factory func() EventHandler[T]) error {
	return runtimepkg.RegisterEventHandlerFactory(b, factory)
}

// HandleEvent registers fn for events of type T.
func HandleEvent[T any](b *Bus, fn func(ctx context.Context, evt T) error) error {
	return runtimepkg.HandleEvent(b, fn)
}

// Request sends req and waits for a Resp. A zero timeout selects
// Config.DefaultRequestTimeout.
func Request[Req, Resp any](ctx context.Context, b *Bus, req Req, timeout time.Duration) (Resp, error) {
	return runtimepkg.Request[Req, Resp](ctx, b, req, timeout)
}

// TypeName returns the body type name used on the wire for T.
func TypeName[T any]() string {
	return serializerpkg.TypeNameFor[T]()
}

// WithDeliverAt returns a Metadata scheduling delivery at t on transports
// supporting delayed delivery.
func WithDeliverAt(t time.Time) Metadata {
	return Metadata{MetadataKeyDeliverAt: t.UTC().Format(time.RFC3339Nano)}
}
