package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeFor[proto.Message]()

// Proto encodes protocol buffer messages.
type Proto struct{}

// Name implements Codec.
func (Proto) Name() string { return "proto" }

// Marshal implements Codec. v must be a proto.Message.
func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec proto: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

// Unmarshal implements Codec. v is either a proto.Message, or a pointer to a
// proto.Message pointer, in which case a new message is allocated. The second
// form is what typed callers pass when the response type is itself a pointer.
func (Proto) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec proto: %T is not a pointer", v)
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Pointer || !elem.Type().Implements(protoMessageType) {
		return fmt.Errorf("codec proto: %T does not point to a proto.Message", v)
	}
	msg := reflect.New(elem.Type().Elem())
	if err := proto.Unmarshal(data, msg.Interface().(proto.Message)); err != nil {
		return err
	}
	elem.Set(msg)
	return nil
}
