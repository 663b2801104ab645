package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/jsonutil"
)

// ErrPayload marks a payload the codec cannot decode.
var ErrPayload = fault.New(fault.Protocol, "bad_payload", "")

// Codec encodes invocation payloads. Decoded values use the JSON data
// model: nil, bool, float64, string, []any and map[string]any.
type Codec interface {
	Name() string
	EncodeInvocation(invoke.Invocation) ([]byte, error)
	DecodeInvocation([]byte) (invoke.Invocation, error)
	EncodeResult(invoke.Result) ([]byte, error)
	DecodeResult([]byte) (invoke.Result, error)
	EncodeError(*invoke.Error) ([]byte, error)
	DecodeError([]byte) (*invoke.Error, error)
}

// CodecByName returns the codec called name ("json" or "proto").
func CodecByName(name string, maxPayload int64) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{MaxBytes: maxPayload}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("wire: unknown codec %q", name)
}

// JSONCodec encodes payloads as compact JSON.
type JSONCodec struct {
	MaxBytes int64
}

func (JSONCodec) Name() string { return "json" }

func (c JSONCodec) encode(v any) ([]byte, error) { return jsonutil.Marshal(v, c.MaxBytes) }

func (c JSONCodec) decode(b []byte, v any) error {
	if err := jsonutil.Unmarshal(b, v, c.MaxBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrPayload, err)
	}
	return nil
}

func (c JSONCodec) EncodeInvocation(inv invoke.Invocation) ([]byte, error) { return c.encode(inv) }

func (c JSONCodec) DecodeInvocation(b []byte) (invoke.Invocation, error) {
	var inv invoke.Invocation
	err := c.decode(b, &inv)
	return inv, err
}

func (c JSONCodec) EncodeResult(r invoke.Result) ([]byte, error) { return c.encode(r) }

func (c JSONCodec) DecodeResult(b []byte) (invoke.Result, error) {
	var r invoke.Result
	err := c.decode(b, &r)
	return r, err
}

func (c JSONCodec) EncodeError(e *invoke.Error) ([]byte, error) { return c.encode(e) }

func (c JSONCodec) DecodeError(b []byte) (*invoke.Error, error) {
	var e invoke.Error
	if err := c.decode(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ProtoCodec encodes payloads in protobuf wire format. Arguments and result
// values travel as google.protobuf.Value messages.
//
//	Invocation: 1 dispatch_type varint, 2 type, 3 name, 4 method,
//	            5 repeated parameter, 6 repeated argument Value
//	Result:     1 value Value
//	Error:      1 type, 2 message, 3 kind varint, 4 cause Error
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

// plain converts v to a value structpb accepts, going through JSON for
// anything structpb does not know.
func plain(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, []byte:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeValue(v any) ([]byte, error) {
	p, err := plain(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode value: %w", err)
	}
	val, err := structpb.NewValue(p)
	if err != nil {
		return nil, fmt.Errorf("wire: encode value: %w", err)
	}
	return proto.Marshal(val)
}

func decodeValue(b []byte) (any, error) {
	var val structpb.Value
	if err := proto.Unmarshal(b, &val); err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrPayload, err)
	}
	return val.AsInterface(), nil
}

func (ProtoCodec) EncodeInvocation(inv invoke.Invocation) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(inv.DispatchType))
	b = appendString(b, 2, inv.Type)
	b = appendString(b, 3, inv.Name)
	b = appendString(b, 4, inv.Method)
	for _, p := range inv.Parameters {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	for _, a := range inv.Arguments {
		raw, err := encodeValue(a)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// fields walks b and calls fn for every field. v holds varints; raw holds
// length-delimited contents.
func fields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrPayload, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrPayload, num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func (ProtoCodec) DecodeInvocation(b []byte) (invoke.Invocation, error) {
	var inv invoke.Invocation
	err := fields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			inv.DispatchType = invoke.DispatchType(v)
		case 2:
			inv.Type = string(raw)
		case 3:
			inv.Name = string(raw)
		case 4:
			inv.Method = string(raw)
		case 5:
			inv.Parameters = append(inv.Parameters, string(raw))
		case 6:
			a, err := decodeValue(raw)
			if err != nil {
				return err
			}
			inv.Arguments = append(inv.Arguments, a)
		}
		return nil
	})
	return inv, err
}

func (ProtoCodec) EncodeResult(r invoke.Result) ([]byte, error) {
	raw, err := encodeValue(r.Value)
	if err != nil {
		return nil, err
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, raw), nil
}

func (ProtoCodec) DecodeResult(b []byte) (invoke.Result, error) {
	var r invoke.Result
	err := fields(b, func(num protowire.Number, _ uint64, raw []byte) error {
		if num != 1 {
			return nil
		}
		v, err := decodeValue(raw)
		r.Value = v
		return err
	})
	return r, err
}

func (c ProtoCodec) EncodeError(e *invoke.Error) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	var b []byte
	b = appendString(b, 1, e.Type)
	b = appendString(b, 2, e.Message)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if e.Cause != nil {
		cause, err := c.EncodeError(e.Cause)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, cause)
	}
	return b, nil
}

func (c ProtoCodec) DecodeError(b []byte) (*invoke.Error, error) {
	e := &invoke.Error{}
	err := fields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			e.Type = string(raw)
		case 2:
			e.Message = string(raw)
		case 3:
			e.Kind = fault.Kind(v)
		case 4:
			cause, err := c.DecodeError(raw)
			if err != nil {
				return err
			}
			e.Cause = cause
		}
		return nil
	})
	return e, err
}
