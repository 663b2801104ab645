package rtcontext

import (
	"context"
	"sync/atomic"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
)

// Manifest is the local ManifestContext. It describes whatever the bound
// resolver can reach.
type Manifest struct {
	node     string
	resolver atomic.Pointer[invoke.Resolver]
	methods  invoke.Methods
}

// NewManifest returns a manifest for the node called node.
func NewManifest(node string) *Manifest {
	m := &Manifest{node: node}
	m.methods = invoke.Methods{"describe": m.describe}
	return m
}

func (m *Manifest) Invoke(ctx context.Context, call *invoke.Call) { m.methods.Invoke(ctx, call) }

func (m *Manifest) Methods() []string { return m.methods.Methods() }

func (m *Manifest) describe(_ context.Context, call *invoke.Call) {
	r := m.resolver.Load()
	if r == nil {
		call.Fail(fault.New(fault.Internal, "manifest_unbound", "manifest has no resolver"))
		return
	}
	kinds := make([]any, 0, len(invoke.Kinds()))
	for _, k := range invoke.Kinds() {
		kinds = append(kinds, k.String())
	}
	var targets []any
	for _, b := range r.Bindings() {
		methods := make([]any, 0, len(b.Methods))
		for _, name := range b.Methods {
			methods = append(methods, name)
		}
		targets = append(targets, map[string]any{"type": b.Type, "name": b.Name, "methods": methods})
	}
	call.Result(map[string]any{"node": m.node, "kinds": kinds, "targets": targets})
}
