package journal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rs/xid"
)

// ProgramHeaderSize is the encoded size of ProgramHeader including the
// object header.
const ProgramHeaderSize = ObjectHeaderSize + 12 + 8 + 2 + 5*4

// ProgramHeader locates the segments of a program. Offsets are absolute
// within the encoded program.
//
//	object header (13) | txn xid (12) | revision uint64 | phases uint16 |
//	length int32 | commitPos int32 | commitLen int32 | cleanupPos int32 | cleanupLen int32
type ProgramHeader struct {
	Object     ObjectHeader
	TxnID      xid.ID
	Revision   Revision
	Phases     Phase
	Length     int32
	CommitPos  int32
	CommitLen  int32
	CleanupPos int32
	CleanupLen int32
}

// SetRevision rewrites the revision of an encoded program in place and
// refreshes its checksum. The program length does not change.
func SetRevision(program []byte, rev Revision) error {
	if len(program) < ProgramHeaderSize {
		return corrupt("program too short: %d bytes", len(program))
	}
	obj, err := decodeObjectHeader(program)
	if err != nil {
		return err
	}
	if err := obj.Validate(); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(program[ObjectHeaderSize+12:], uint64(rev))
	obj.Checksum = obj.Algorithm.Sum(program[ObjectHeaderSize:])
	obj.encode(program[:ObjectHeaderSize])
	return nil
}

// Has reports whether the program carries phase.
func (h ProgramHeader) Has(phase Phase) bool {
	return h.Phases&phase != 0
}

func (h ProgramHeader) encode(buf []byte) {
	h.Object.encode(buf[0:ObjectHeaderSize])
	off := ObjectHeaderSize
	copy(buf[off:off+12], h.TxnID.Bytes())
	off += 12
	binary.BigEndian.PutUint64(buf[off:], uint64(h.Revision))
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(h.Phases))
	off += 2
	for _, v := range []int32{h.Length, h.CommitPos, h.CommitLen, h.CleanupPos, h.CleanupLen} {
		binary.BigEndian.PutUint32(buf[off:], uint32(v))
		off += 4
	}
}

func decodeProgramHeader(buf []byte) (ProgramHeader, error) {
	var h ProgramHeader
	obj, err := decodeObjectHeader(buf)
	if err != nil {
		return h, err
	}
	h.Object = obj
	if len(buf) < ProgramHeaderSize {
		return h, corrupt("program header short read: %d bytes", len(buf))
	}
	off := ObjectHeaderSize
	id, err := xid.FromBytes(buf[off : off+12])
	if err != nil {
		return h, corrupt("program txn id: %v", err)
	}
	h.TxnID = id
	off += 12
	h.Revision = Revision(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.Phases = Phase(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	fields := []*int32{&h.Length, &h.CommitPos, &h.CommitLen, &h.CleanupPos, &h.CleanupLen}
	for _, f := range fields {
		*f = int32(binary.BigEndian.Uint32(buf[off:]))
		off += 4
	}
	return h, nil
}

// Program is a parsed journal program.
type Program struct {
	Header  ProgramHeader
	Commit  []Command
	Cleanup []Command
}

// ParseProgram validates and decodes an encoded program. Checks run in a
// fixed order: size, header version, checksum, segment offsets, commands. The
// first failure stops parsing; nothing is partially trusted.
func ParseProgram(buf []byte) (*Program, error) {
	if len(buf) < ProgramHeaderSize {
		return nil, corrupt("program too short: %d bytes", len(buf))
	}
	if len(buf) > math.MaxInt32 {
		return nil, corrupt("program too long: %d bytes", len(buf))
	}
	obj, err := decodeObjectHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	if sum := obj.Algorithm.Sum(buf[ObjectHeaderSize:]); sum != obj.Checksum {
		return nil, wrapf(ErrChecksum, "program checksum %08x, computed %08x", obj.Checksum, sum)
	}
	hdr, err := decodeProgramHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(hdr.Length) != len(buf) {
		return nil, corrupt("program length field %d, have %d bytes", hdr.Length, len(buf))
	}
	commitSeg, err := segment(buf, "commit", hdr.CommitPos, hdr.CommitLen)
	if err != nil {
		return nil, err
	}
	cleanupSeg, err := segment(buf, "cleanup", hdr.CleanupPos, hdr.CleanupLen)
	if err != nil {
		return nil, err
	}
	prog := &Program{Header: hdr}
	if prog.Commit, err = decodeCommands(commitSeg, PhaseCommit); err != nil {
		return nil, err
	}
	if prog.Cleanup, err = decodeCommands(cleanupSeg, PhaseCleanup); err != nil {
		return nil, err
	}
	return prog, nil
}

// segment bounds-checks (pos, length) in 64-bit arithmetic so neither
// overflow nor negative values can slip through.
func segment(buf []byte, name string, pos, length int32) ([]byte, error) {
	if pos < 0 || length < 0 {
		return nil, corrupt("%s segment offsets negative (pos=%d len=%d)", name, pos, length)
	}
	start, end := int64(pos), int64(pos)+int64(length)
	if length > 0 && start < ProgramHeaderSize {
		return nil, corrupt("%s segment overlaps header (pos=%d)", name, pos)
	}
	if end > int64(len(buf)) {
		return nil, corrupt("%s segment exceeds program (pos=%d len=%d size=%d)", name, pos, length, len(buf))
	}
	return buf[start:end], nil
}

func wrapf(base error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}

// Builder accumulates commands for one transaction.
type Builder struct {
	txnID     xid.ID
	revision  Revision
	algorithm ChecksumAlgorithm
	commit    []Command
	cleanup   []Command
}

// NewBuilder starts a program for txn at revision.
func NewBuilder(txnID xid.ID, revision Revision, algorithm ChecksumAlgorithm) *Builder {
	return &Builder{txnID: txnID, revision: revision, algorithm: algorithm}
}

// Commit appends a commit-phase command.
func (b *Builder) Commit(instr Instruction, params ...Param) *Builder {
	b.commit = append(b.commit, Command{Phase: PhaseCommit, Instruction: instr, Params: params})
	return b
}

// Cleanup appends a cleanup-phase command.
func (b *Builder) Cleanup(instr Instruction, params ...Param) *Builder {
	b.cleanup = append(b.cleanup, Command{Phase: PhaseCleanup, Instruction: instr, Params: params})
	return b
}

// Compile encodes the program carrying the given phases. Calling Compile
// with no phases includes every non-empty segment plus the commit phase.
func (b *Builder) Compile(phases ...Phase) ([]byte, error) {
	var mask Phase
	for _, p := range phases {
		mask |= p
	}
	if len(phases) == 0 {
		mask = PhaseCommit
		if len(b.cleanup) > 0 {
			mask |= PhaseCleanup
		}
	}
	buf := make([]byte, ProgramHeaderSize, ProgramHeaderSize+256)
	var err error
	hdr := ProgramHeader{
		Object:   ObjectHeader{Major: VersionMajor, Minor: VersionMinor, Algorithm: b.algorithm},
		TxnID:    b.txnID,
		Revision: b.revision,
		Phases:   mask,
	}
	if mask&PhaseCommit != 0 {
		hdr.CommitPos = int32(len(buf))
		for _, c := range b.commit {
			if buf, err = appendCommand(buf, c); err != nil {
				return nil, err
			}
		}
		hdr.CommitLen = int32(len(buf)) - hdr.CommitPos
	}
	if mask&PhaseCleanup != 0 {
		hdr.CleanupPos = int32(len(buf))
		for _, c := range b.cleanup {
			if buf, err = appendCommand(buf, c); err != nil {
				return nil, err
			}
		}
		hdr.CleanupLen = int32(len(buf)) - hdr.CleanupPos
	}
	if len(buf) > math.MaxInt32 {
		return nil, fmt.Errorf("journal: program too large (%d bytes)", len(buf))
	}
	hdr.Length = int32(len(buf))
	hdr.encode(buf)
	hdr.Object.Checksum = b.algorithm.Sum(buf[ObjectHeaderSize:])
	hdr.Object.encode(buf[:ObjectHeaderSize])
	return buf, nil
}
