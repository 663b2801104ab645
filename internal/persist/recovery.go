package persist

import (
	"context"
	"fmt"
	"strconv"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/svcfields"
)

// recover replays every program left in the journal, oldest first.
// Validated programs re-run their commit segment; committed ones only their
// cleanup. Slots that fail validation are copied to quarantine and freed.
// No transaction can run until recover returns.
func (e *Engine) recover(ctx context.Context) error {
	pending, err := e.journal.Pending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		e.logger.Info("journal.recovery.start", "pending", len(pending))
	}
	for i := range pending {
		pe := &pending[i]
		var prog *journal.Program
		if pe.Err == nil {
			prog, pe.Err = journal.ParseProgram(pe.Program)
		}
		if pe.Err != nil {
			if err := e.quarantine(ctx, pe); err != nil {
				return err
			}
			continue
		}
		if err := e.pool.Observe(prog.Header.Revision); err != nil {
			return err
		}
		logger := e.logger.With(
			svcfields.TxnKey, prog.Header.TxnID.String(),
			svcfields.RevisionKey, prog.Header.Revision.String(),
		)
		interp := journal.NewInterpreter(prog, fsHandler{e: e})
		entry := &pe.Entry
		if entry.State == journal.SlotValidated {
			if err := interp.ExecuteCommit(ctx); err != nil {
				logger.Error("journal.recovery.commit_failed", "slot", entry.Slot, "error", err)
				return fault.Wrap(fault.Fatal, "recovery_failed", err)
			}
			if err := e.journal.MarkCommitted(entry); err != nil {
				return err
			}
			logger.Info("journal.recovery.committed", "slot", entry.Slot)
		}
		e.runCleanup(ctx, interp, entry, logger)
		e.metrics.recordRecovered(ctx)
	}
	if err := e.clearStaging(); err != nil {
		return fmt.Errorf("persist: clear staging: %w", err)
	}
	return nil
}

func (e *Engine) quarantine(ctx context.Context, pe *journal.PendingEntry) error {
	data := pe.Program
	if data == nil {
		data = []byte(pe.Err.Error())
	}
	rel := quarantineDir + "/" + strconv.FormatUint(pe.Seq, 10) + "-" + strconv.Itoa(pe.Slot) + ".slot"
	if err := (fsHandler{e: e}).writeFile(rel, data); err != nil {
		return fmt.Errorf("persist: quarantine slot %d: %w", pe.Slot, err)
	}
	if err := e.journal.Release(&pe.Entry); err != nil {
		return err
	}
	e.logger.Warn("journal.recovery.quarantined", "slot", pe.Slot, "seq", pe.Seq, "file", rel, "error", pe.Err)
	e.metrics.recordQuarantined(ctx)
	return nil
}
