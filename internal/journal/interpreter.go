package journal

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
)

// Op identifies the command being executed.
type Op struct {
	TxnID    xid.ID
	Revision Revision
	Phase    Phase
	Index    int
}

// Handler applies decoded instructions to a store. Handlers must be
// idempotent: recovery replays programs that may have partially applied.
type Handler interface {
	Noop(ctx context.Context, op Op) error
	UnlinkFSPath(ctx context.Context, op Op, rel string) error
	UnlinkRTPath(ctx context.Context, op Op, p path.Path) error
	LinkNewResource(ctx context.Context, op Op, id resourceid.ID, staged string) error
	UpdateResource(ctx context.Context, op Op, id resourceid.ID, staged string) error
	AddPath(ctx context.Context, op Op, p path.Path) error
	AddResourceID(ctx context.Context, op Op, id resourceid.ID) error
	LinkResourceToRTPath(ctx context.Context, op Op, id resourceid.ID, p path.Path) error
	RemoveResource(ctx context.Context, op Op, id resourceid.ID) error
}

// NopHandler accepts every instruction. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) Noop(context.Context, Op) error                                   { return nil }
func (NopHandler) UnlinkFSPath(context.Context, Op, string) error                   { return nil }
func (NopHandler) UnlinkRTPath(context.Context, Op, path.Path) error                { return nil }
func (NopHandler) LinkNewResource(context.Context, Op, resourceid.ID, string) error { return nil }
func (NopHandler) UpdateResource(context.Context, Op, resourceid.ID, string) error  { return nil }
func (NopHandler) AddPath(context.Context, Op, path.Path) error                     { return nil }
func (NopHandler) AddResourceID(context.Context, Op, resourceid.ID) error           { return nil }
func (NopHandler) LinkResourceToRTPath(context.Context, Op, resourceid.ID, path.Path) error {
	return nil
}
func (NopHandler) RemoveResource(context.Context, Op, resourceid.ID) error { return nil }

// Interpreter runs the segments of a parsed program against a Handler.
type Interpreter struct {
	program *Program
	handler Handler
}

// NewInterpreter binds program to handler.
func NewInterpreter(program *Program, handler Handler) *Interpreter {
	if handler == nil {
		handler = NopHandler{}
	}
	return &Interpreter{program: program, handler: handler}
}

// ExecuteCommit runs the commit segment, stopping at the first failure.
func (in *Interpreter) ExecuteCommit(ctx context.Context) error {
	return in.execute(ctx, PhaseCommit, in.program.Commit)
}

// ExecuteCleanup runs the cleanup segment, stopping at the first failure.
func (in *Interpreter) ExecuteCleanup(ctx context.Context) error {
	return in.execute(ctx, PhaseCleanup, in.program.Cleanup)
}

func (in *Interpreter) execute(ctx context.Context, phase Phase, cmds []Command) error {
	if !in.program.Header.Has(phase) {
		return fmt.Errorf("%w: program %s has no %s phase", ErrPhase, in.program.Header.TxnID, phase)
	}
	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := Op{
			TxnID:    in.program.Header.TxnID,
			Revision: in.program.Header.Revision,
			Phase:    phase,
			Index:    i,
		}
		if err := in.dispatch(ctx, op, cmd); err != nil {
			return fmt.Errorf("journal: %s[%d] %s: %w", phase, i, cmd.Instruction, err)
		}
	}
	return nil
}

func (in *Interpreter) dispatch(ctx context.Context, op Op, cmd Command) error {
	h := in.handler
	switch cmd.Instruction {
	case Noop:
		if err := arity(cmd, 0); err != nil {
			return err
		}
		return h.Noop(ctx, op)
	case UnlinkFSPath:
		if err := arity(cmd, 1); err != nil {
			return err
		}
		rel, err := cmd.Params[0].FSPath()
		if err != nil {
			return err
		}
		return h.UnlinkFSPath(ctx, op, rel)
	case UnlinkRTPath, AddPath:
		if err := arity(cmd, 1); err != nil {
			return err
		}
		p, err := cmd.Params[0].RTPath()
		if err != nil {
			return err
		}
		if cmd.Instruction == AddPath {
			return h.AddPath(ctx, op, p)
		}
		return h.UnlinkRTPath(ctx, op, p)
	case LinkNewResource, UpdateResource:
		if err := arity(cmd, 2); err != nil {
			return err
		}
		id, err := cmd.Params[0].ResourceID()
		if err != nil {
			return err
		}
		staged, err := cmd.Params[1].FSPath()
		if err != nil {
			return err
		}
		if cmd.Instruction == LinkNewResource {
			return h.LinkNewResource(ctx, op, id, staged)
		}
		return h.UpdateResource(ctx, op, id, staged)
	case AddResourceID, RemoveResource:
		if err := arity(cmd, 1); err != nil {
			return err
		}
		id, err := cmd.Params[0].ResourceID()
		if err != nil {
			return err
		}
		if cmd.Instruction == AddResourceID {
			return h.AddResourceID(ctx, op, id)
		}
		return h.RemoveResource(ctx, op, id)
	case LinkResourceToRTPath:
		if err := arity(cmd, 2); err != nil {
			return err
		}
		id, err := cmd.Params[0].ResourceID()
		if err != nil {
			return err
		}
		p, err := cmd.Params[1].RTPath()
		if err != nil {
			return err
		}
		return h.LinkResourceToRTPath(ctx, op, id, p)
	default:
		return corrupt("unknown instruction %d", uint8(cmd.Instruction))
	}
}

func arity(cmd Command, want int) error {
	if len(cmd.Params) != want {
		return corrupt("%s takes %d parameters, got %d", cmd.Instruction, want, len(cmd.Params))
	}
	return nil
}
