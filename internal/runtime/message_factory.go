package runtime

import (
	"errors"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	serializerpkg "github.com/drblury/busflow/internal/runtime/serializer"
	"github.com/drblury/busflow/transport"
)

// MessageFactory builds outbound messages for one bus instance. Originating
// messages carry the bus reply queue so handlers of requests know where to
// answer.
type MessageFactory struct {
	serializer serializerpkg.Serializer
	replyTo    string
}

// NewMessageFactory returns a factory. A nil serializer selects
// serializer.Auto.
func NewMessageFactory(ser serializerpkg.Serializer, replyTo string) *MessageFactory {
	if ser == nil {
		ser = serializerpkg.Auto{}
	}
	return &MessageFactory{serializer: ser, replyTo: replyTo}
}

// Serializer returns the serializer bodies are encoded with.
func (f *MessageFactory) Serializer() serializerpkg.Serializer { return f.serializer }

// ReplyTo returns the reply address stamped on originating messages.
func (f *MessageFactory) ReplyTo() string { return f.replyTo }

// Create serializes body into a new originating message whose correlation id
// equals its message id.
func (f *MessageFactory) Create(body any) (*transport.Message, error) {
	msg, err := f.newMessage(body)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = msg.MessageID
	msg.ReplyTo = f.replyTo
	return msg, nil
}

// CreateSuccessfulResponse answers request with body. The response gets its
// own message id and inherits the request's correlation id.
func (f *MessageFactory) CreateSuccessfulResponse(body any, request *transport.Message) (*transport.Message, error) {
	if request == nil {
		return nil, errors.New("busflow: request message is required")
	}
	msg, err := f.newMessage(body)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = correlationOf(request)
	msg.Properties[metadatapkg.KeyResponse] = metadatapkg.ResponseSuccess
	return msg, nil
}

// CreateFailedResponse answers request with an empty body and the error
// diagnostics in the property bag.
func (f *MessageFactory) CreateFailedResponse(request *transport.Message, cause error) *transport.Message {
	detail := responseDetail(cause)
	props := detail.Properties()
	props[metadatapkg.KeyResponse] = metadatapkg.ResponseFailure
	msg := &transport.Message{
		MessageID:  idspkg.NewID(),
		Properties: props,
		EnqueuedAt: time.Now().UTC(),
	}
	if request != nil {
		msg.CorrelationID = correlationOf(request)
	}
	return msg
}

// GetBody decodes the message body into target.
func (f *MessageFactory) GetBody(msg *transport.Message, target any) error {
	if msg == nil {
		return errspkg.ErrPayloadRequired
	}
	if err := f.serializer.Unmarshal(msg.Body, target); err != nil {
		return &decodeError{typeName: msg.BodyTypeName, err: err}
	}
	return nil
}

func (f *MessageFactory) newMessage(body any) (*transport.Message, error) {
	if body == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	data, err := f.serializer.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &transport.Message{
		MessageID:    idspkg.NewID(),
		BodyTypeName: serializerpkg.TypeName(body),
		Body:         data,
		Properties:   metadatapkg.Metadata{},
		EnqueuedAt:   time.Now().UTC(),
	}, nil
}

func correlationOf(msg *transport.Message) string {
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	return msg.MessageID
}

// responseDetail describes cause for a remote caller: the runtime's dispatch
// wrapper is peeled off and stacks stay local.
func responseDetail(cause error) transport.ErrorDetail {
	detail := errspkg.Detail(cause)
	var dispatchErr *errspkg.DispatchFailedError
	if errors.As(cause, &dispatchErr) && dispatchErr.Err != nil {
		detail.Message = dispatchErr.Err.Error()
	}
	detail.Stack = ""
	return detail
}

// decodeError reports a body that could not be decoded into the handler's
// payload type. It is classified as a validation failure.
type decodeError struct {
	typeName string
	err      error
}

func (e *decodeError) Error() string {
	return "busflow: cannot decode " + e.typeName + " body: " + e.err.Error()
}

func (e *decodeError) Unwrap() error    { return e.err }
func (e *decodeError) Validation() bool { return true }
