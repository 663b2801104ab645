package journal

import "pkt.systems/rtnode/internal/fault"

// Sentinel faults. Compare with errors.Is; detail text may differ.
var (
	// ErrCorrupt marks any on-disk object that failed validation.
	ErrCorrupt = fault.New(fault.Corruption, "journal_corrupt", "")
	// ErrVersion marks an object written by an unsupported format version.
	ErrVersion = fault.New(fault.Corruption, "journal_version", "")
	// ErrChecksum marks a checksum mismatch.
	ErrChecksum = fault.New(fault.Corruption, "journal_checksum", "")
	// ErrNoSuchRevision marks a revision beyond the counter or already reclaimed.
	ErrNoSuchRevision = fault.New(fault.StaleRevision, "no_such_revision", "")
	// ErrRevisionsExhausted marks a revision pool that cannot advance.
	ErrRevisionsExhausted = fault.New(fault.Fatal, "revisions_exhausted", "")
	// ErrProgramTooLarge marks a program that does not fit a journal slot.
	ErrProgramTooLarge = fault.New(fault.Internal, "journal_program_too_large", "")
	// ErrLocked marks a journal already opened by another writer.
	ErrLocked = fault.New(fault.Fatal, "journal_locked", "")
	// ErrClosed marks use of a closed journal or pool.
	ErrClosed = fault.New(fault.Internal, "journal_closed", "")
	// ErrPhase marks execution of a phase the program does not carry.
	ErrPhase = fault.New(fault.Internal, "journal_phase", "")
)

func corrupt(format string, args ...any) error {
	return fault.Newf(fault.Corruption, ErrCorrupt.Code, format, args...)
}

func badVersion(format string, args ...any) error {
	return fault.Newf(fault.Corruption, ErrVersion.Code, format, args...)
}
