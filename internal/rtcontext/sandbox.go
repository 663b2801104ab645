// Package rtcontext implements the context kinds a node serves locally:
// resources, the path index, the manifest, events, the scheduler, tasks and
// stateless handlers.
package rtcontext

import (
	"context"
	"encoding/json"
	"slices"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/jsonpointer"
	"pkt.systems/rtnode/internal/jsonutil"
)

// Sandbox executes resource logic. state is the resource's stored document;
// when mutated is true newState replaces it.
type Sandbox interface {
	Invoke(ctx context.Context, state []byte, method string, args []any) (result any, newState []byte, mutated bool, err error)
}

// DefaultMaxStateBytes bounds a resource document.
const DefaultMaxStateBytes = 1 << 20

// DocumentSandbox treats resource state as a JSON document addressed by
// JSON pointers. Methods:
//
//	get(ptr)              value at ptr, null when absent
//	set(ptr, value)       previous value
//	delete(ptr)           whether anything was removed
//	increment(ptr, [n])   new number, n defaults to 1
//	keys([ptr])           sorted object keys at ptr
//	snapshot()            the whole document
type DocumentSandbox struct {
	MaxStateBytes int64
}

// Methods lists the supported method names.
func (DocumentSandbox) Methods() []string {
	return []string{"delete", "get", "increment", "keys", "set", "snapshot"}
}

func (s DocumentSandbox) limit() int64 {
	if s.MaxStateBytes > 0 {
		return s.MaxStateBytes
	}
	return DefaultMaxStateBytes
}

func (s DocumentSandbox) Invoke(ctx context.Context, state []byte, method string, args []any) (any, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, err
	}
	var doc any
	if err := jsonutil.Unmarshal(state, &doc, s.limit()); err != nil {
		return nil, nil, false, fault.Wrap(fault.Corruption, "bad_state", err)
	}
	ptr := func(i int) (string, error) {
		if i >= len(args) {
			return "", nil
		}
		p, ok := args[i].(string)
		if !ok {
			return "", fault.Newf(fault.Execution, "bad_argument", "%s: pointer must be a string, got %T", method, args[i])
		}
		return p, nil
	}
	var (
		result  any
		mutated bool
		err     error
	)
	switch method {
	case "get":
		var p string
		if p, err = ptr(0); err == nil {
			result, _, err = jsonpointer.Get(doc, p)
		}
	case "snapshot":
		result = doc
	case "keys":
		var p string
		if p, err = ptr(0); err == nil {
			var node any
			node, _, err = jsonpointer.Get(doc, p)
			keys := []any{}
			if obj, ok := node.(map[string]any); ok {
				names := make([]string, 0, len(obj))
				for k := range obj {
					names = append(names, k)
				}
				slices.Sort(names)
				for _, k := range names {
					keys = append(keys, k)
				}
			}
			result = keys
		}
	case "set":
		if len(args) < 2 {
			return nil, nil, false, fault.New(fault.Execution, "bad_argument", "set needs a pointer and a value")
		}
		var p string
		if p, err = ptr(0); err == nil {
			doc, result, err = jsonpointer.Set(doc, p, args[1])
			mutated = err == nil
		}
	case "delete":
		var p string
		if p, err = ptr(0); err == nil {
			var removed bool
			doc, removed, err = jsonpointer.Remove(doc, p)
			result, mutated = removed, removed
		}
	case "increment":
		var p string
		if p, err = ptr(0); err == nil {
			delta := 1.0
			if len(args) > 1 {
				n, ok := args[1].(float64)
				if !ok {
					return nil, nil, false, fault.Newf(fault.Execution, "bad_argument", "increment delta must be a number, got %T", args[1])
				}
				delta = n
			}
			var cur any
			cur, _, err = jsonpointer.Get(doc, p)
			if err == nil {
				base, ok := cur.(float64)
				if cur != nil && !ok {
					return nil, nil, false, fault.Newf(fault.Execution, "not_a_number", "value at %q is %T", p, cur)
				}
				doc, _, err = jsonpointer.Set(doc, p, base+delta)
				result, mutated = base+delta, err == nil
			}
		}
	default:
		return nil, nil, false, fault.Newf(fault.DispatchMapping, "unknown_method", "document has no method %q", method)
	}
	if err != nil {
		return nil, nil, false, fault.Wrap(fault.Execution, "sandbox_failed", err)
	}
	if !mutated {
		return result, nil, false, nil
	}
	next, err := jsonutil.Marshal(doc, s.limit())
	if err != nil {
		return nil, nil, false, fault.Wrap(fault.Execution, "state_too_large", err)
	}
	return result, next, true, nil
}

// encodeState normalises an initial state argument into a stored document.
func encodeState(v any, maxBytes int64) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return jsonutil.Compact(raw, maxBytes)
	}
	return jsonutil.Marshal(v, maxBytes)
}

func decodeState(state []byte) any {
	var doc any
	if err := json.Unmarshal(state, &doc); err != nil {
		return string(state)
	}
	return doc
}
