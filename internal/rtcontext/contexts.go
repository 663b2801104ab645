package rtcontext

import (
	"context"
	"errors"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/persist"
)

// Config wires the local contexts.
type Config struct {
	Engine *persist.Engine
	// Sandbox executes resource and handler logic. DocumentSandbox is used
	// when nil.
	Sandbox       Sandbox
	MaxStateBytes int64
	Clock         clock.Clock
	// TaskHistory is the number of finished tasks kept for status queries.
	TaskHistory int
	// Node names this node in manifests.
	Node   string
	Logger pslog.Logger
}

// Contexts holds one implementation of every local context kind.
type Contexts struct {
	Resources *Resources
	Index     *Index
	Manifest  *Manifest
	Events    *Events
	Scheduler *Scheduler
	Tasks     *Tasks
	Handler   *Handler

	cancel context.CancelFunc
}

// New builds the local contexts.
func New(cfg Config) (*Contexts, error) {
	if cfg.Engine == nil {
		return nil, errors.New("rtcontext: engine required")
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = DocumentSandbox{MaxStateBytes: cfg.MaxStateBytes}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	base, cancel := context.WithCancel(context.Background())
	resources := NewResources(cfg.Engine, cfg.Sandbox, cfg.MaxStateBytes, cfg.Logger)
	tasks := NewTasks(cfg.Clock, cfg.TaskHistory, cfg.Logger)
	return &Contexts{
		Resources: resources,
		Index:     NewIndex(cfg.Engine),
		Manifest:  NewManifest(cfg.Node),
		Events:    NewEvents(cfg.Logger),
		Scheduler: NewScheduler(base, cfg.Clock, resources, tasks, cfg.Logger),
		Tasks:     tasks,
		Handler:   NewHandler(cfg.Sandbox, cfg.MaxStateBytes),
		cancel:    cancel,
	}, nil
}

// Bind installs every context as the local implementation of its kind and
// points the manifest at r.
func (c *Contexts) Bind(r *invoke.Resolver) {
	r.Bind(invoke.ResourceContext, invoke.Local, c.Resources)
	r.Bind(invoke.IndexContext, invoke.Local, c.Index)
	r.Bind(invoke.ManifestContext, invoke.Local, c.Manifest)
	r.Bind(invoke.EventContext, invoke.Local, c.Events)
	r.Bind(invoke.SchedulerContext, invoke.Local, c.Scheduler)
	r.Bind(invoke.TaskContext, invoke.Local, c.Tasks)
	r.Bind(invoke.HandlerContext, invoke.Local, c.Handler)
	c.Manifest.resolver.Store(r)
}

// Close stops deferred work and ends open subscriptions and waits.
func (c *Contexts) Close() {
	c.cancel()
	c.Events.Close()
	c.Tasks.Close()
}
