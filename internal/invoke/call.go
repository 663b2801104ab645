package invoke

import (
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/svcfields"
)

// Consumers receive the answers of one call. Any may be nil.
type Consumers struct {
	OnResult      func(Result)
	OnError       func(*Error)
	OnAsyncResult func(part uint32, r Result)
	OnAsyncError  func(part uint32, e *Error)
	// OnDrop observes answers that were not delivered: a second sync answer,
	// or async answers after the slots closed.
	OnDrop func(part uint32, reason string)
}

// ErrNoSyncAnswer is reported when a target returns without answering.
var ErrNoSyncAnswer = fault.New(fault.Internal, "no_sync_answer", "")

// Call is one in-flight invocation. The sync slot accepts exactly one
// answer. Async slots 1..Parts each accept one result; an async error closes
// every remaining slot and carries the lowest unanswered part number.
type Call struct {
	Invocation Invocation

	consumers Consumers
	logger    pslog.Logger
	synced    atomic.Bool

	mu        sync.Mutex
	answered  []bool
	remaining int
	closed    bool
	done      chan struct{}
	syncDone  bool
}

// NewCall prepares a call with parts async slots.
func NewCall(inv Invocation, parts uint32, consumers Consumers, logger pslog.Logger) *Call {
	c := &Call{
		Invocation: inv,
		consumers:  consumers,
		logger:     svcfields.Ensure(logger),
		answered:   make([]bool, parts),
		remaining:  int(parts),
		done:       make(chan struct{}),
	}
	return c
}

// Parts returns the number of async slots.
func (c *Call) Parts() uint32 { return uint32(len(c.answered)) }

// SyncAnswered reports whether the sync slot is filled.
func (c *Call) SyncAnswered() bool { return c.synced.Load() }

// Done is closed once the sync slot is filled and no async slot is open.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result fills the sync slot with v. It reports whether v was delivered.
func (c *Call) Result(v any) bool {
	if !c.claimSync("result") {
		return false
	}
	if c.consumers.OnResult != nil {
		c.consumers.OnResult(Result{Value: v})
	}
	c.finishSync()
	return true
}

// Fail fills the sync slot with err. It reports whether err was delivered.
func (c *Call) Fail(err error) bool {
	if err == nil {
		err = fault.New(fault.Internal, "nil_error", "target failed without an error")
	}
	if !c.claimSync("error") {
		return false
	}
	if c.consumers.OnError != nil {
		c.consumers.OnError(ErrorFrom(err))
	}
	c.finishSync()
	return true
}

func (c *Call) claimSync(what string) bool {
	if c.synced.CompareAndSwap(false, true) {
		return true
	}
	c.logger.Warn("invoke.sync.duplicate", "invocation", c.Invocation.String(), "answer", what)
	if c.consumers.OnDrop != nil {
		c.consumers.OnDrop(0, "duplicate_sync")
	}
	return false
}

func (c *Call) finishSync() {
	c.mu.Lock()
	c.syncDone = true
	c.maybeDoneLocked()
	c.mu.Unlock()
}

// AsyncResult fills slot part (1-based) with v. It reports whether v was
// delivered.
func (c *Call) AsyncResult(part uint32, v any) bool {
	c.mu.Lock()
	if c.closed || part == 0 || int(part) > len(c.answered) || c.answered[part-1] {
		c.mu.Unlock()
		c.drop(part, "async_slot_unavailable")
		return false
	}
	c.answered[part-1] = true
	c.remaining--
	if c.remaining == 0 {
		c.closed = true
	}
	c.mu.Unlock()
	if c.consumers.OnAsyncResult != nil {
		c.consumers.OnAsyncResult(part, Result{Value: v})
	}
	c.mu.Lock()
	c.maybeDoneLocked()
	c.mu.Unlock()
	return true
}

// AsyncNext fills the lowest unanswered slot with v and returns its part.
func (c *Call) AsyncNext(v any) (uint32, bool) {
	c.mu.Lock()
	part := uint32(0)
	if !c.closed {
		for i, ok := range c.answered {
			if !ok {
				part = uint32(i + 1)
				c.answered[i] = true
				c.remaining--
				if c.remaining == 0 {
					c.closed = true
				}
				break
			}
		}
	}
	c.mu.Unlock()
	if part == 0 {
		c.drop(0, "async_closed")
		return 0, false
	}
	if c.consumers.OnAsyncResult != nil {
		c.consumers.OnAsyncResult(part, Result{Value: v})
	}
	c.mu.Lock()
	c.maybeDoneLocked()
	c.mu.Unlock()
	return part, true
}

// AsyncFail terminates the async stream with err, reported at the lowest
// unanswered part. It reports whether err was delivered.
func (c *Call) AsyncFail(err error) bool {
	c.mu.Lock()
	part := uint32(0)
	for i, ok := range c.answered {
		if !ok {
			part = uint32(i + 1)
			break
		}
	}
	if c.closed || part == 0 {
		c.mu.Unlock()
		c.drop(part, "async_closed")
		return false
	}
	c.closed = true
	c.remaining = 0
	c.mu.Unlock()
	if c.consumers.OnAsyncError != nil {
		c.consumers.OnAsyncError(part, ErrorFrom(err))
	}
	c.mu.Lock()
	c.maybeDoneLocked()
	c.mu.Unlock()
	return true
}

// NextPart returns the lowest unanswered async part, or 0 when closed.
func (c *Call) NextPart() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	for i, ok := range c.answered {
		if !ok {
			return uint32(i + 1)
		}
	}
	return 0
}

func (c *Call) drop(part uint32, reason string) {
	c.logger.Debug("invoke.async.dropped", "invocation", c.Invocation.String(), svcfields.PartKey, part, "reason", reason)
	if c.consumers.OnDrop != nil {
		c.consumers.OnDrop(part, reason)
	}
}

func (c *Call) maybeDoneLocked() {
	if !c.syncDone || (!c.closed && c.remaining > 0) {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
