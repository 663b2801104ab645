package wire

import (
	"encoding/binary"
	"fmt"

	"pkt.systems/rtnode/internal/fault"
)

// ErrHeader marks a header that cannot be decoded.
var ErrHeader = fault.New(fault.Protocol, "bad_header", "")

// ErrPartLimit marks a request asking for more async parts than allowed.
var ErrPartLimit = fault.New(fault.Protocol, "part_limit", "")

const (
	requestHeaderSize  = 4
	responseHeaderSize = 5
)

// RequestHeader precedes every invocation payload. New fields are appended;
// decoders ignore trailing bytes they do not know.
type RequestHeader struct {
	// AdditionalParts is the number of async answers the caller accepts.
	AdditionalParts uint32
}

func (h RequestHeader) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32(make([]byte, 0, requestHeaderSize), h.AdditionalParts), nil
}

func (h *RequestHeader) UnmarshalBinary(b []byte) error {
	if len(b) < requestHeaderSize {
		return fmt.Errorf("%w: request header of %d bytes", ErrHeader, len(b))
	}
	h.AdditionalParts = binary.BigEndian.Uint32(b)
	return nil
}

// ResponseType tells a result payload from an error payload.
type ResponseType uint8

const (
	InvocationResult ResponseType = 0
	InvocationError  ResponseType = 1
)

func (t ResponseType) String() string {
	switch t {
	case InvocationResult:
		return "INVOCATION_RESULT"
	case InvocationError:
		return "INVOCATION_ERROR"
	}
	return fmt.Sprintf("ResponseType(%d)", uint8(t))
}

// ResponseHeader precedes every answer. Part 0 is the sync answer.
type ResponseHeader struct {
	Type ResponseType
	Part uint32
}

func (h ResponseHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, responseHeaderSize)
	b = append(b, byte(h.Type))
	return binary.BigEndian.AppendUint32(b, h.Part), nil
}

func (h *ResponseHeader) UnmarshalBinary(b []byte) error {
	if len(b) < responseHeaderSize {
		return fmt.Errorf("%w: response header of %d bytes", ErrHeader, len(b))
	}
	t := ResponseType(b[0])
	if t != InvocationResult && t != InvocationError {
		return fmt.Errorf("%w: response type %d", ErrHeader, b[0])
	}
	h.Type = t
	h.Part = binary.BigEndian.Uint32(b[1:])
	return nil
}
