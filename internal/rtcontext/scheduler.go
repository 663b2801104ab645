package rtcontext

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/svcfields"
)

// Scheduler is the local SchedulerContext. Deferred resource calls run on
// the clock and their completion is reported through Tasks.
type Scheduler struct {
	base      context.Context
	clock     clock.Clock
	resources *Resources
	tasks     *Tasks
	logger    pslog.Logger
	methods   invoke.Methods
}

// NewScheduler returns a scheduler whose deferred calls run under base.
func NewScheduler(base context.Context, clk clock.Clock, resources *Resources, tasks *Tasks, logger pslog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Scheduler{
		base:      base,
		clock:     clk,
		resources: resources,
		tasks:     tasks,
		logger:    svcfields.WithSubsystem(logger, "rtcontext.scheduler"),
	}
	s.methods = invoke.Methods{
		"resumeAfter": s.resumeAfter,
		"cancel":      s.cancel,
	}
	return s
}

func (s *Scheduler) Invoke(ctx context.Context, call *invoke.Call) { s.methods.Invoke(ctx, call) }

func (s *Scheduler) Methods() []string { return s.methods.Methods() }

// durationArg accepts a Go duration string or a number of milliseconds.
func durationArg(call *invoke.Call, i int) (time.Duration, error) {
	var d time.Duration
	switch v := call.Invocation.Arg(i).(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fault.Wrap(fault.Execution, "bad_argument", err)
		}
		d = parsed
	default:
		ms, err := call.Invocation.IntArg(i)
		if err != nil {
			return 0, err
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d < 0 {
		return 0, fault.Newf(fault.Execution, "bad_argument", "negative delay %s", d)
	}
	return d, nil
}

// resumeAfter(delay, idOrPath, method, args...) runs a resource method once
// delay has passed. The sync answer names the task; the method's result
// arrives on async part 1 when the call has one.
func (s *Scheduler) resumeAfter(_ context.Context, call *invoke.Call) {
	delay, err := durationArg(call, 0)
	if err != nil {
		call.Fail(err)
		return
	}
	target, err := call.Invocation.StringArg(1)
	if err != nil {
		call.Fail(err)
		return
	}
	method, err := call.Invocation.StringArg(2)
	if err != nil {
		call.Fail(err)
		return
	}
	var args []any
	if len(call.Invocation.Arguments) > 3 {
		args = append(args, call.Invocation.Arguments[3:]...)
	}
	due := s.clock.Now().Add(delay)
	id := s.tasks.Issue(due)
	if call.Parts() > 0 {
		s.tasks.watch(id, call)
	}
	call.Result(map[string]any{"task": id, "due": due.Format(time.RFC3339Nano)})
	stop := s.clock.AfterFunc(delay, func() { s.run(id, target, method, args) })
	s.tasks.attach(id, stop)
	s.logger.Debug("rtcontext.scheduler.scheduled", "task", id, "target", target, "method", method, "delay", delay.String())
}

func (s *Scheduler) run(id, target, method string, args []any) {
	if !s.tasks.Start(id) {
		return
	}
	if err := s.base.Err(); err != nil {
		s.tasks.Finish(id, nil, err)
		return
	}
	result, rev, err := s.apply(s.base, target, method, args)
	if err != nil {
		s.logger.Warn("rtcontext.scheduler.task_failed", "task", id, "target", target, "method", method, "error", err)
		s.tasks.Finish(id, nil, err)
		return
	}
	s.tasks.Finish(id, map[string]any{"task": id, "result": result, "revision": rev}, nil)
}

func (s *Scheduler) apply(ctx context.Context, target, method string, args []any) (any, uint64, error) {
	rid, err := s.resources.Lookup(ctx, target)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", target, err)
	}
	result, rev, err := s.resources.Apply(ctx, rid, method, args)
	return result, uint64(rev), err
}

// cancel(task) stops a task that has not started.
func (s *Scheduler) cancel(_ context.Context, call *invoke.Call) {
	id, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	if err := s.tasks.Cancel(id); err != nil {
		call.Fail(err)
		return
	}
	call.Result(true)
}
