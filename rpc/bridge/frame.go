// Package bridge carries full-duplex calls over a channel that moves one frame at a
// time in each direction, such as a WebSocket or a length-prefixed byte stream.
//
// A call is one FrameConn. The client writes a HEADER frame, then MESSAGE frames, an
// optional HALF_CLOSE and possibly a CANCEL. The server writes MESSAGE frames and
// exactly one STATUS frame, after which both sides close the channel. Losing the
// channel before the STATUS frame ends the call with UNAVAILABLE.
package bridge

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bearlytools/tern/rpc/errors"
	"github.com/bearlytools/tern/rpc/metadata"
	"github.com/bearlytools/tern/rpc/status"
)

var (
	// ErrProtocol indicates the peer sent a frame that breaks the call protocol.
	ErrProtocol = errors.New("bridge: protocol violation")
	// ErrFrameTooLarge indicates a frame exceeded the maximum frame size.
	ErrFrameTooLarge = errors.New("bridge: frame too large")
)

// Type is the type of a frame.
type Type uint8

const (
	// TUnknown indicates a bug.
	TUnknown Type = 0
	// THeader opens the call. It is always the client's first frame.
	THeader Type = 1
	// TMessage carries one encoded message.
	TMessage Type = 2
	// THalfClose ends the request sequence.
	THalfClose Type = 3
	// TStatus ends the call with a terminal status.
	TStatus Type = 4
	// TCancel aborts the call from the client side.
	TCancel Type = 5
)

func (t Type) String() string {
	switch t {
	case THeader:
		return "HEADER"
	case TMessage:
		return "MESSAGE"
	case THalfClose:
		return "HALF_CLOSE"
	case TStatus:
		return "STATUS"
	case TCancel:
		return "CANCEL"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Field numbers of the frame envelope.
const (
	fieldType       protowire.Number = 1
	fieldPath       protowire.Number = 2
	fieldMetadata   protowire.Number = 3
	fieldTimeout    protowire.Number = 4
	fieldCompressor protowire.Number = 5
	fieldPayload    protowire.Number = 6
	fieldCode       protowire.Number = 7
	fieldMessage    protowire.Number = 8

	fieldMDKey   protowire.Number = 1
	fieldMDValue protowire.Number = 2
)

// Header opens a call.
type Header struct {
	// Path is "/<service>/<method>".
	Path string
	// Metadata is the caller's metadata.
	Metadata *metadata.MD
	// Timeout is the time left until the caller's deadline. Zero means no deadline.
	Timeout time.Duration
	// Compressor names the compressor applied to every MESSAGE payload of the call.
	Compressor string
}

// Frame is one unit on a FrameConn. Which fields are used depends on Type.
type Frame struct {
	Type Type
	// Header is set for THeader.
	Header Header
	// Payload is set for TMessage.
	Payload []byte
	// Status is set for TStatus.
	Status status.Status
}

// Append encodes f onto b.
func (f Frame) Append(b []byte) []byte {
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))

	switch f.Type {
	case THeader:
		b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
		b = protowire.AppendString(b, f.Header.Path)
		if f.Header.Metadata != nil {
			f.Header.Metadata.Range(func(key string, values []string) bool {
				for _, v := range values {
					b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
					b = protowire.AppendBytes(b, appendEntry(nil, key, v))
				}
				return true
			})
		}
		if f.Header.Timeout > 0 {
			b = protowire.AppendTag(b, fieldTimeout, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(f.Header.Timeout))
		}
		if f.Header.Compressor != "" {
			b = protowire.AppendTag(b, fieldCompressor, protowire.BytesType)
			b = protowire.AppendString(b, f.Header.Compressor)
		}
	case TMessage:
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	case TStatus:
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Status.Code))
		if f.Status.Message != "" {
			b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
			b = protowire.AppendString(b, f.Status.Message)
		}
	}
	return b
}

func appendEntry(b []byte, key, value string) []byte {
	b = protowire.AppendTag(b, fieldMDKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, fieldMDValue, protowire.BytesType)
	return protowire.AppendString(b, value)
}

// Decode decodes a frame. The payload of a TMessage frame aliases b. Unknown fields
// are skipped.
func Decode(b []byte) (Frame, error) {
	var f Frame
	var code uint64
	var msg string

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Type = Type(v)
		case num == fieldPath && typ == protowire.BytesType:
			f.Header.Path, n = protowire.ConsumeString(b)
		case num == fieldMetadata && typ == protowire.BytesType:
			var entry []byte
			entry, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				if f.Header.Metadata == nil {
					f.Header.Metadata = metadata.New()
				}
				if err := decodeEntry(entry, f.Header.Metadata); err != nil {
					return Frame{}, err
				}
			}
		case num == fieldTimeout && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Header.Timeout = time.Duration(v)
		case num == fieldCompressor && typ == protowire.BytesType:
			f.Header.Compressor, n = protowire.ConsumeString(b)
		case num == fieldPayload && typ == protowire.BytesType:
			f.Payload, n = protowire.ConsumeBytes(b)
		case num == fieldCode && typ == protowire.VarintType:
			code, n = protowire.ConsumeVarint(b)
		case num == fieldMessage && typ == protowire.BytesType:
			msg, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	switch f.Type {
	case THeader:
		if f.Header.Path == "" {
			return Frame{}, fmt.Errorf("%w: HEADER frame without a path", ErrProtocol)
		}
	case TStatus:
		if code >= 1<<32 || !status.Code(code).Valid() {
			return Frame{}, fmt.Errorf("%w: status code %d", ErrProtocol, code)
		}
		f.Status = status.New(status.Code(code), msg)
	case TMessage, THalfClose, TCancel:
	default:
		return Frame{}, fmt.Errorf("%w: frame type %s", ErrProtocol, f.Type)
	}
	return f, nil
}

func decodeEntry(b []byte, md *metadata.MD) error {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: metadata entry: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldMDKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == fieldMDValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: metadata entry: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if key == "" {
		return fmt.Errorf("%w: metadata entry without a key", ErrProtocol)
	}
	md.Append(key, value)
	return nil
}
