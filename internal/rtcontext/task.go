package rtcontext

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/clock"
	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
	"pkt.systems/rtnode/internal/svcfields"
)

// TaskState is the lifecycle position of a task.
type TaskState uint8

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskFinished
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s TaskState) terminal() bool { return s >= TaskFinished }

// DefaultTaskHistory is the number of finished tasks kept for status queries.
const DefaultTaskHistory = 1024

// ErrUnknownTask marks a task id that was never issued or has aged out.
var ErrUnknownTask = fault.New(fault.NotFound, "unknown_task", "")

type task struct {
	id      string
	state   TaskState
	created time.Time
	due     time.Time
	value   any
	err     *invoke.Error
	stop    func() bool
	waiters []*invoke.Call
}

// Tasks tracks deferred work issued by the scheduler. Finished tasks are
// kept for status queries until history newer ones push them out.
type Tasks struct {
	clock   clock.Clock
	history int
	logger  pslog.Logger

	mu       sync.Mutex
	tasks    map[string]*task
	finished []string
	methods  invoke.Methods
}

// NewTasks returns a tracker keeping history finished tasks.
func NewTasks(clk clock.Clock, history int, logger pslog.Logger) *Tasks {
	if clk == nil {
		clk = clock.Real{}
	}
	if history <= 0 {
		history = DefaultTaskHistory
	}
	t := &Tasks{
		clock:   clk,
		history: history,
		logger:  svcfields.WithSubsystem(logger, "rtcontext.task"),
		tasks:   map[string]*task{},
	}
	t.methods = invoke.Methods{
		"status": t.status,
		"finish": t.finish,
		"wait":   t.wait,
	}
	return t
}

func (t *Tasks) Invoke(ctx context.Context, call *invoke.Call) { t.methods.Invoke(ctx, call) }

func (t *Tasks) Methods() []string { return t.methods.Methods() }

// Issue registers a pending task due at due and returns its id.
func (t *Tasks) Issue(due time.Time) string {
	id := xid.New().String()
	t.mu.Lock()
	t.tasks[id] = &task{id: id, created: t.clock.Now(), due: due}
	t.mu.Unlock()
	return id
}

// attach records the function that stops a pending task's timer.
func (t *Tasks) attach(id string, stop func() bool) {
	t.mu.Lock()
	if tk, ok := t.tasks[id]; ok {
		tk.stop = stop
	}
	t.mu.Unlock()
}

// watch adds call as a waiter of an open task.
func (t *Tasks) watch(id string, call *invoke.Call) {
	t.mu.Lock()
	if tk, ok := t.tasks[id]; ok && !tk.state.terminal() {
		tk.waiters = append(tk.waiters, call)
	}
	t.mu.Unlock()
}

// Start moves a pending task to running. It reports false when the task
// was cancelled or already completed.
func (t *Tasks) Start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok || tk.state != TaskPending {
		return false
	}
	tk.state = TaskRunning
	return true
}

// Finish completes id with value, or with err when err is non-nil, and
// answers every waiter. It reports whether the task was still open.
func (t *Tasks) Finish(id string, value any, err error) bool {
	state := TaskFinished
	if err != nil {
		state = TaskFailed
	}
	return t.complete(id, state, value, err)
}

// Cancel stops a pending task. Running tasks cannot be cancelled.
func (t *Tasks) Cancel(id string) error {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownTask
	}
	if tk.state != TaskPending {
		t.mu.Unlock()
		return fault.Newf(fault.Execution, "task_not_pending", "task %s is %s", id, tk.state)
	}
	stop := tk.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	t.complete(id, TaskCancelled, nil, fault.Newf(fault.Execution, "task_cancelled", "task %s was cancelled", id))
	return nil
}

func (t *Tasks) complete(id string, state TaskState, value any, err error) bool {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok || tk.state.terminal() {
		t.mu.Unlock()
		return false
	}
	tk.state = state
	tk.value = value
	if err != nil {
		tk.err = invoke.ErrorFrom(err)
	}
	waiters := tk.waiters
	tk.waiters = nil
	t.finished = append(t.finished, id)
	for len(t.finished) > t.history {
		delete(t.tasks, t.finished[0])
		t.finished = t.finished[1:]
	}
	t.mu.Unlock()
	for _, w := range waiters {
		deliver(w, value, err)
	}
	t.logger.Debug("rtcontext.task.completed", "task", id, "state", state.String())
	return true
}

func deliver(call *invoke.Call, value any, err error) {
	if err != nil {
		call.AsyncFail(err)
		return
	}
	call.AsyncNext(value)
}

func (tk *task) describe() map[string]any {
	out := map[string]any{
		"id":      tk.id,
		"state":   tk.state.String(),
		"created": tk.created.Format(time.RFC3339Nano),
	}
	if !tk.due.IsZero() {
		out["due"] = tk.due.Format(time.RFC3339Nano)
	}
	if tk.state == TaskFinished {
		out["value"] = tk.value
	}
	if tk.err != nil {
		out["error"] = tk.err.Error()
	}
	return out
}

// Status returns a description of id.
func (t *Tasks) Status(id string) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return nil, ErrUnknownTask
	}
	return tk.describe(), nil
}

// status(task) describes a task.
func (t *Tasks) status(_ context.Context, call *invoke.Call) {
	id, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	out, err := t.Status(id)
	if err != nil {
		call.Fail(err)
		return
	}
	call.Result(out)
}

// finish(task, value) completes an open task from outside, cancelling its
// timer when it has not fired yet.
func (t *Tasks) finish(_ context.Context, call *invoke.Call) {
	id, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	t.mu.Lock()
	tk, ok := t.tasks[id]
	var stop func() bool
	if ok && tk.state == TaskPending {
		stop = tk.stop
	}
	t.mu.Unlock()
	if !ok {
		call.Fail(ErrUnknownTask)
		return
	}
	if stop != nil {
		stop()
	}
	call.Result(t.Finish(id, call.Invocation.Arg(1), nil))
}

// wait(task) answers with the current status and delivers the task's value
// on async part 1 once it completes.
func (t *Tasks) wait(_ context.Context, call *invoke.Call) {
	id, err := call.Invocation.StringArg(0)
	if err != nil {
		call.Fail(err)
		return
	}
	if call.Parts() == 0 {
		call.Fail(fault.New(fault.Execution, "no_async_parts", "wait needs at least one async part"))
		return
	}
	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		call.Fail(ErrUnknownTask)
		return
	}
	status := tk.describe()
	done := tk.state.terminal()
	value, terr := tk.value, error(nil)
	if tk.err != nil {
		terr = tk.err
	}
	if !done {
		tk.waiters = append(tk.waiters, call)
	}
	t.mu.Unlock()
	call.Result(status)
	if done {
		deliver(call, value, terr)
	}
}

// Close fails every waiter of an open task.
func (t *Tasks) Close() {
	t.mu.Lock()
	var open []string
	for id, tk := range t.tasks {
		if !tk.state.terminal() {
			open = append(open, id)
		}
	}
	t.mu.Unlock()
	for _, id := range open {
		_ = t.Cancel(id)
		t.complete(id, TaskCancelled, nil, fault.New(fault.Execution, "node_closing", "node is shutting down"))
	}
}
