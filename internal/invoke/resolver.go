package invoke

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"pkt.systems/rtnode/internal/fault"
)

// Target executes calls. Invoke must answer the sync slot before it
// returns; async slots may be answered later from any goroutine.
type Target interface {
	Invoke(ctx context.Context, call *Call)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, call *Call)

func (f TargetFunc) Invoke(ctx context.Context, call *Call) { f(ctx, call) }

// MethodLister is implemented by targets that can enumerate their methods.
type MethodLister interface {
	Methods() []string
}

// ErrDispatchMapping marks an invocation naming no known target.
var ErrDispatchMapping = fault.New(fault.DispatchMapping, "dispatch_mapping", "")

type slot struct {
	kind  Kind
	scope Scope
}

// Resolver maps invocations to targets. Context kinds are looked up in a
// fixed (kind, scope) table; any other type falls back to the named
// registry keyed by (type, name).
type Resolver struct {
	mu    sync.RWMutex
	table map[slot]Target
	named map[string]Target
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{table: map[slot]Target{}, named: map[string]Target{}}
}

// Bind installs the implementation of kind for scope, replacing any previous
// binding.
func (r *Resolver) Bind(kind Kind, scope Scope, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[slot{kind, scope}] = t
}

// Register adds a named target. Context kind names are reserved.
func (r *Resolver) Register(typ, name string, t Target) error {
	if _, ok := ParseKind(typ); ok {
		return fmt.Errorf("invoke: %s is a context kind, use Bind", typ)
	}
	if typ == "" || t == nil {
		return fmt.Errorf("invoke: register needs a type and a target")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := namedKey(typ, name)
	if _, exists := r.named[key]; exists {
		return fmt.Errorf("invoke: %s already registered", key)
	}
	r.named[key] = t
	return nil
}

func namedKey(typ, name string) string {
	if name == "" {
		return typ
	}
	return typ + "/" + name
}

// Resolve returns the default target for typ: the local binding of a context
// kind or the unnamed registration of a type.
func (r *Resolver) Resolve(typ string) (Target, error) {
	return r.ResolveNamed(typ, "")
}

// ResolveNamed returns the target for (typ, name).
func (r *Resolver) ResolveNamed(typ, name string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind, ok := ParseKind(typ); ok {
		scope, err := ParseScope(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrDispatchMapping, typ, name, err)
		}
		if t, ok := r.table[slot{kind, scope}]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("%w: no %s bound for scope %s", ErrDispatchMapping, kind, scope)
	}
	if t, ok := r.named[namedKey(typ, name)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: nothing registered as %s", ErrDispatchMapping, namedKey(typ, name))
}

// Binding describes one resolvable target.
type Binding struct {
	Type    string   `json:"type"`
	Name    string   `json:"name,omitempty"`
	Methods []string `json:"methods,omitempty"`
}

// Bindings lists every resolvable target, context kinds first.
func (r *Resolver) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Binding
	for _, kind := range Kinds() {
		for _, scope := range []Scope{Local, Remote} {
			if t, ok := r.table[slot{kind, scope}]; ok {
				out = append(out, Binding{Type: kind.String(), Name: scope.String(), Methods: methodsOf(t)})
			}
		}
	}
	keys := make([]string, 0, len(r.named))
	for k := range r.named {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		typ, name, _ := strings.Cut(k, "/")
		out = append(out, Binding{Type: typ, Name: name, Methods: methodsOf(r.named[k])})
	}
	return out
}

func methodsOf(t Target) []string {
	if ml, ok := t.(MethodLister); ok {
		m := ml.Methods()
		slices.Sort(m)
		return m
	}
	return nil
}

// MethodFunc handles one method of a Methods target.
type MethodFunc func(ctx context.Context, call *Call)

// Methods is a Target dispatching on the invocation's method name.
type Methods map[string]MethodFunc

// Invoke runs the handler for call's method.
func (m Methods) Invoke(ctx context.Context, call *Call) {
	fn, ok := m[call.Invocation.Method]
	if !ok {
		call.Fail(fault.Newf(fault.DispatchMapping, "unknown_method", "%s has no method %q", call.Invocation.Type, call.Invocation.Method))
		return
	}
	fn(ctx, call)
}

// Methods lists the handled method names.
func (m Methods) Methods() []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
