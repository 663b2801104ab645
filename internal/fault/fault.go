// Package fault defines the error taxonomy shared by the lock service, the
// journal engine, and the wire layer.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation and reporting.
type Kind uint8

const (
	// Internal is the zero kind: an unexpected failure or broken invariant.
	Internal Kind = iota
	// Protocol covers malformed headers, frames, and undecodable payloads.
	Protocol
	// DispatchMapping reports an unknown (type, name) resolution request.
	DispatchMapping
	// Corruption reports an invalid on-disk object.
	Corruption
	// StaleRevision reports a revision beyond the counter or already reclaimed.
	StaleRevision
	// Fatal reports resource exhaustion that the process cannot recover from.
	Fatal
	// NotFound reports a missing resource or path.
	NotFound
	// Execution wraps errors raised by resource logic.
	Execution
)

var kindNames = [...]string{
	Internal:        "internal",
	Protocol:        "protocol",
	DispatchMapping: "dispatch_mapping",
	Corruption:      "corruption",
	StaleRevision:   "stale_revision",
	Fatal:           "fatal",
	NotFound:        "not_found",
	Execution:       "execution",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves the textual form produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return Internal, fmt.Errorf("fault: unknown kind %q", s)
}

// MarshalText renders the kind name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Retryable reports whether a caller may reasonably retry an operation that
// failed with this kind. The core itself never retries.
func (k Kind) Retryable() bool {
	return k == StaleRevision
}

// Error is a transport-neutral failure with a kind and a stable code.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	code := e.Code
	if code == "" {
		code = e.Kind.String()
	}
	msg := code
	if e.Detail != "" {
		msg = code + ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind and code so sentinel faults work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

// New constructs a fault without a cause.
func New(kind Kind, code, detail string) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail}
}

// Newf constructs a fault with a formatted detail.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and code to err. A nil err yields nil.
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Cause: err}
}

// KindOf classifies err. Errors carrying no fault are Internal.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// CodeOf returns the code of the outermost fault in err, or the kind name.
func CodeOf(err error) string {
	var f *Error
	if errors.As(err, &f) {
		if f.Code != "" {
			return f.Code
		}
		return f.Kind.String()
	}
	return Internal.String()
}

// IsKind reports whether err carries a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
