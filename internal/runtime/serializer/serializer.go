// Package serializer turns message payloads into body bytes and back, and
// derives the body type name used for handler resolution and queue naming.
package serializer

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
)

// ErrNotProto is returned when a protobuf serializer is handed a plain value.
var ErrNotProto = errors.New("busflow: value is not a proto.Message")

// Serializer encodes payloads. Implementations must be safe for concurrent use.
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// TypeName reports the logical body type name of v. Protobuf messages use
// their full descriptor name, everything else its Go type without pointers.
func TypeName(v any) string {
	if m, ok := v.(proto.Message); ok {
		return string(m.ProtoReflect().Descriptor().FullName())
	}
	return TypeNameOf(reflect.TypeOf(v))
}

// TypeNameFor is TypeName for a type parameter, usable without a value.
func TypeNameFor[T any]() string {
	var zero T
	if _, ok := any(zero).(proto.Message); ok {
		return TypeName(New[T]())
	}
	return TypeNameOf(reflect.TypeOf((*T)(nil)).Elem())
}

// TypeNameOf strips pointers and returns the package-qualified type name.
func TypeNameOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

// New returns a usable zero value of T. Pointer types are allocated so
// protobuf targets can be unmarshalled into.
func New[T any]() T {
	var zero T
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(T)
	}
	return zero
}

// JSON encodes with sonic using encoding/json compatible settings.
type JSON struct{}

func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(v any) ([]byte, error) { return jsoncodec.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return jsoncodec.Unmarshal(data, v)
}

// Proto encodes protobuf messages in the binary wire format.
type Proto struct{}

func (Proto) ContentType() string { return "application/protobuf" }

func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProto, v)
	}
	return proto.Marshal(m)
}

func (Proto) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProto, v)
	}
	return proto.Unmarshal(data, m)
}

// ProtoJSON encodes protobuf messages with protojson.
type ProtoJSON struct{}

func (ProtoJSON) ContentType() string { return "application/json" }

func (ProtoJSON) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProto, v)
	}
	return protojson.Marshal(m)
}

func (ProtoJSON) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProto, v)
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
}

// Auto uses ProtoJSON for protobuf messages and JSON for everything else, so
// bodies stay readable in every transport.
type Auto struct{}

func (Auto) ContentType() string { return "application/json" }

func (Auto) Marshal(v any) ([]byte, error) {
	if _, ok := v.(proto.Message); ok {
		return ProtoJSON{}.Marshal(v)
	}
	return JSON{}.Marshal(v)
}

func (Auto) Unmarshal(data []byte, v any) error {
	if _, ok := v.(proto.Message); ok {
		return ProtoJSON{}.Unmarshal(data, v)
	}
	return JSON{}.Unmarshal(data, v)
}

// ByName resolves a serializer from configuration. Empty selects Auto.
func ByName(name string) (Serializer, error) {
	switch name {
	case "", "auto":
		return Auto{}, nil
	case "json":
		return JSON{}, nil
	case "proto", "protobuf":
		return Proto{}, nil
	case "protojson":
		return ProtoJSON{}, nil
	default:
		return nil, fmt.Errorf("busflow: unknown serializer %q", name)
	}
}
