// Package invoke models method invocations against node contexts and
// dispatches them locally.
//
// An invocation names a target (a context kind or a registered type, plus
// an optional scope or name), a method and its arguments. The target answers
// exactly once synchronously and then up to Parts times asynchronously.
package invoke

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"pkt.systems/rtnode/internal/fault"
)

// DispatchType records how the caller intends to consume the answer. It is
// informational; the dispatcher treats every call the same way.
type DispatchType uint8

const (
	Synchronous DispatchType = iota
	Consumer
	Future
)

var dispatchTypeNames = [...]string{"SYNCHRONOUS", "CONSUMER", "FUTURE"}

func (d DispatchType) String() string {
	if int(d) < len(dispatchTypeNames) {
		return dispatchTypeNames[d]
	}
	return "DISPATCH_TYPE(" + strconv.Itoa(int(d)) + ")"
}

// ParseDispatchType accepts the upper-case names, case-insensitively.
func ParseDispatchType(s string) (DispatchType, error) {
	for i, name := range dispatchTypeNames {
		if strings.EqualFold(s, name) {
			return DispatchType(i), nil
		}
	}
	return Synchronous, fmt.Errorf("invoke: unknown dispatch type %q", s)
}

func (d DispatchType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DispatchType) UnmarshalText(b []byte) error {
	v, err := ParseDispatchType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Invocation is one method call addressed to a target.
type Invocation struct {
	DispatchType DispatchType `json:"dispatch_type"`
	// Type is a context kind name such as "ResourceContext", or a type
	// registered in the named registry.
	Type string `json:"type"`
	// Name is a scope ("local", "remote") for context kinds, or the
	// registration name otherwise. Empty selects the default.
	Name       string   `json:"name,omitempty"`
	Method     string   `json:"method"`
	Parameters []string `json:"parameters,omitempty"`
	Arguments  []any    `json:"arguments,omitempty"`
}

func (inv Invocation) String() string {
	target := inv.Type
	if inv.Name != "" {
		target += "/" + inv.Name
	}
	return target + "." + inv.Method
}

// Arg returns argument i, or nil when absent.
func (inv Invocation) Arg(i int) any {
	if i < 0 || i >= len(inv.Arguments) {
		return nil
	}
	return inv.Arguments[i]
}

// StringArg returns argument i as a string.
func (inv Invocation) StringArg(i int) (string, error) {
	switch v := inv.Arg(i).(type) {
	case string:
		return v, nil
	case nil:
		return "", argError(inv, i, "missing")
	default:
		return "", argError(inv, i, fmt.Sprintf("want string, got %T", v))
	}
}

// IntArg returns argument i as an int64. JSON numbers arrive as float64 and
// are accepted when integral.
func (inv Invocation) IntArg(i int) (int64, error) {
	switch v := inv.Arg(i).(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, argError(inv, i, fmt.Sprintf("%v is not an integer", v))
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, argError(inv, i, err.Error())
		}
		return n, nil
	case nil:
		return 0, argError(inv, i, "missing")
	default:
		return 0, argError(inv, i, fmt.Sprintf("want integer, got %T", v))
	}
}

func argError(inv Invocation, i int, detail string) error {
	return fault.Newf(fault.Execution, "bad_argument", "%s argument %d: %s", inv, i, detail)
}

// Result is one successful answer.
type Result struct {
	Value any `json:"value"`
}

// Error is the wire form of a failed answer. Kind survives the trip so a
// remote caller can classify the failure.
type Error struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Kind    fault.Kind `json:"kind"`
	Cause   *Error     `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Type
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the cause chain to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ErrorFrom converts any error to its wire form. fault.Error values keep
// their kind and code; the first wrapped cause is kept as the nested cause.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	out := &Error{Type: "error", Message: err.Error(), Kind: fault.KindOf(err)}
	var fe *fault.Error
	if errors.As(err, &fe) {
		out.Type = fe.Code
		if out.Type == "" {
			out.Type = fe.Kind.String()
		}
		out.Message = fe.Detail
		if fe.Cause != nil {
			out.Cause = ErrorFrom(fe.Cause)
		}
		if out.Message == "" && out.Cause == nil {
			out.Message = err.Error()
		}
	}
	return out
}

// AsFault rebuilds a fault.Error carrying the same kind and code.
func (e *Error) AsFault() error {
	if e == nil {
		return nil
	}
	var cause error
	if e.Cause != nil {
		cause = e.Cause.AsFault()
	}
	return &fault.Error{Kind: e.Kind, Code: e.Type, Detail: e.Message, Cause: cause}
}
