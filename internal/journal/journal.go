package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/svcfields"
)

const (
	// FileName is the journal file inside the data directory.
	FileName = "journal.dat"

	journalMagic      = "JELM"
	journalHeaderSize = 32
	slotHeaderSize    = 13

	// DefaultSlotSize bounds the encoded size of one program.
	DefaultSlotSize = 64 << 10
	// DefaultSlotCount bounds the number of in-flight transactions.
	DefaultSlotCount = 64
)

// SlotState is the lifecycle marker of a journal slot.
type SlotState uint8

const (
	// SlotValidated holds a program whose commit has not been confirmed.
	SlotValidated SlotState = 1
	// SlotCommitted holds a program whose cleanup has not been confirmed.
	SlotCommitted SlotState = 2
	// SlotFree is the byte value of an unused slot.
	SlotFree SlotState = 0xFF
)

func (s SlotState) String() string {
	switch s {
	case SlotValidated:
		return "validated"
	case SlotCommitted:
		return "committed"
	case SlotFree:
		return "free"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Options configure Open.
type Options struct {
	// SlotSize is the size of each slot in bytes, header included. Ignored
	// for an existing journal.
	SlotSize int
	// SlotCount is the number of slots. Ignored for an existing journal.
	SlotCount int
	// ReadOnly opens with a shared lock for offline inspection.
	ReadOnly bool
	Logger   pslog.Logger
}

// Entry is a program held in a slot.
type Entry struct {
	Slot  int
	Seq   uint64
	State SlotState
	// Program holds the raw program bytes. Only Pending fills it.
	Program []byte
}

// Journal is a fixed-size circular buffer of program slots in one file.
//
// File header (32 bytes, big endian):
//
//	magic "JELM" | major uint32 | minor uint32 | slotSize uint32 | slotCount uint32 | seq uint64 | reserved uint32
//
// Slot: state uint8 | seq uint64 | length uint32 | program bytes. A free slot
// is filled with 0xFF.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	logger    pslog.Logger
	slotSize  int
	slotCount int
	states    []SlotState
	reserved  []bool
	cursor    int
	seq       uint64
	freed     chan struct{}
	readOnly  bool
	closed    bool
}

// Open opens or creates dir/journal.dat and takes the single-writer lock.
func Open(dir string, opts Options) (*Journal, error) {
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultSlotSize
	}
	if opts.SlotCount <= 0 {
		opts.SlotCount = DefaultSlotCount
	}
	if opts.SlotSize <= slotHeaderSize+ProgramHeaderSize {
		return nil, fmt.Errorf("journal: slot size %d too small", opts.SlotSize)
	}
	logger := svcfields.WithSubsystem(opts.Logger, "journal.file")
	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	name := filepath.Join(dir, FileName)
	f, err := os.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", name, err)
	}
	if err := lockFile(f, opts.ReadOnly); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: lock %s: %w", name, err)
	}
	j := &Journal{file: f, logger: logger, freed: make(chan struct{}), readOnly: opts.ReadOnly}
	info, err := f.Stat()
	if err != nil {
		j.closeFile()
		return nil, fmt.Errorf("journal: stat: %w", err)
	}
	if info.Size() == 0 {
		if opts.ReadOnly {
			j.closeFile()
			return nil, corrupt("journal %s is empty", name)
		}
		err = j.initialise(opts.SlotSize, opts.SlotCount)
	} else {
		err = j.load(info.Size())
	}
	if err != nil {
		j.closeFile()
		return nil, err
	}
	if !opts.ReadOnly && (j.slotSize != opts.SlotSize || j.slotCount != opts.SlotCount) {
		logger.Info("journal.open.geometry_kept",
			"slot_size", j.slotSize, "slot_count", j.slotCount,
			"requested_slot_size", opts.SlotSize, "requested_slot_count", opts.SlotCount)
	}
	logger.Debug("journal.open", "file", name, "slot_size", j.slotSize, "slot_count", j.slotCount, "seq", j.seq)
	return j, nil
}

func (j *Journal) initialise(slotSize, slotCount int) error {
	j.slotSize, j.slotCount = slotSize, slotCount
	j.states = make([]SlotState, slotCount)
	j.reserved = make([]bool, slotCount)
	for i := range j.states {
		j.states[i] = SlotFree
	}
	if err := j.writeHeader(); err != nil {
		return err
	}
	free := bytes.Repeat([]byte{byte(SlotFree)}, slotSize)
	for i := 0; i < slotCount; i++ {
		if _, err := j.file.WriteAt(free, j.slotOffset(i)); err != nil {
			return fmt.Errorf("journal: initialise slot %d: %w", i, err)
		}
	}
	return syncFile(j.file)
}

func (j *Journal) load(size int64) error {
	hdr := make([]byte, journalHeaderSize)
	if _, err := j.file.ReadAt(hdr, 0); err != nil {
		return corrupt("journal header short read: %v", err)
	}
	if string(hdr[0:4]) != journalMagic {
		return corrupt("journal magic %q", hdr[0:4])
	}
	if major := binary.BigEndian.Uint32(hdr[4:8]); major != VersionMajor {
		return badVersion("journal version %d.%d", major, binary.BigEndian.Uint32(hdr[8:12]))
	}
	j.slotSize = int(binary.BigEndian.Uint32(hdr[12:16]))
	j.slotCount = int(binary.BigEndian.Uint32(hdr[16:20]))
	j.seq = binary.BigEndian.Uint64(hdr[20:28])
	if j.slotSize <= slotHeaderSize || j.slotCount <= 0 {
		return corrupt("journal geometry %dx%d", j.slotCount, j.slotSize)
	}
	if want := j.slotOffset(j.slotCount); size != want {
		return corrupt("journal size %d, geometry needs %d", size, want)
	}
	j.states = make([]SlotState, j.slotCount)
	j.reserved = make([]bool, j.slotCount)
	var state [1]byte
	for i := range j.states {
		if _, err := j.file.ReadAt(state[:], j.slotOffset(i)); err != nil {
			return corrupt("journal slot %d: %v", i, err)
		}
		j.states[i] = SlotState(state[0])
	}
	return nil
}

func (j *Journal) writeHeader() error {
	hdr := make([]byte, journalHeaderSize)
	copy(hdr[0:4], journalMagic)
	binary.BigEndian.PutUint32(hdr[4:8], VersionMajor)
	binary.BigEndian.PutUint32(hdr[8:12], VersionMinor)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(j.slotSize))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(j.slotCount))
	binary.BigEndian.PutUint64(hdr[20:28], j.seq)
	if _, err := j.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("journal: write header: %w", err)
	}
	return nil
}

func (j *Journal) slotOffset(i int) int64 {
	return int64(journalHeaderSize) + int64(i)*int64(j.slotSize)
}

// MaxProgramSize is the largest program a slot can hold.
func (j *Journal) MaxProgramSize() int {
	return j.slotSize - slotHeaderSize
}

// Append writes program into a free slot in the validated state. When every
// slot is busy Append waits for Release or for ctx to end.
func (j *Journal) Append(ctx context.Context, program []byte) (*Entry, error) {
	r, err := j.Reserve(ctx, len(program))
	if err != nil {
		return nil, err
	}
	return r.Write(program)
}

// Reservation holds a free slot for one program until Write or Abort.
type Reservation struct {
	j    *Journal
	slot int
	size int
	done bool
}

// Reserve claims a slot for a program of size bytes without writing
// anything. It fails with ErrProgramTooLarge before waiting, and waits for a
// Release or for ctx to end when every slot is busy.
func (j *Journal) Reserve(ctx context.Context, size int) (*Reservation, error) {
	if size > j.MaxProgramSize() {
		return nil, fmt.Errorf("%w: %d bytes, slot holds %d", ErrProgramTooLarge, size, j.MaxProgramSize())
	}
	for {
		j.mu.Lock()
		if j.closed || j.readOnly {
			j.mu.Unlock()
			return nil, ErrClosed
		}
		slot := j.findFreeLocked()
		if slot >= 0 {
			j.reserved[slot] = true
			j.cursor = (slot + 1) % j.slotCount
			j.mu.Unlock()
			return &Reservation{j: j, slot: slot, size: size}, nil
		}
		wait := j.freed
		j.mu.Unlock()
		j.logger.Debug("journal.append.full", "slots", j.slotCount)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Write stores program in the reserved slot in the validated state. The
// program may not be larger than the size passed to Reserve. A failed
// write frees the slot.
func (r *Reservation) Write(program []byte) (*Entry, error) {
	j := r.j
	j.mu.Lock()
	defer j.mu.Unlock()
	if r.done {
		return nil, fmt.Errorf("journal: slot %d reservation already used", r.slot)
	}
	r.done = true
	if j.closed {
		return nil, ErrClosed
	}
	if len(program) > r.size {
		j.freeReservedLocked(r.slot)
		return nil, fmt.Errorf("%w: %d bytes, reserved %d", ErrProgramTooLarge, len(program), r.size)
	}
	entry, err := j.writeSlotLocked(r.slot, program)
	if err != nil {
		j.freeReservedLocked(r.slot)
		return nil, err
	}
	return entry, nil
}

// Abort hands the slot back. It is a no-op after Write.
func (r *Reservation) Abort() {
	j := r.j
	j.mu.Lock()
	defer j.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if !j.closed {
		j.freeReservedLocked(r.slot)
	}
}

func (j *Journal) freeReservedLocked(slot int) {
	if !j.reserved[slot] {
		return
	}
	j.reserved[slot] = false
	close(j.freed)
	j.freed = make(chan struct{})
}

func (j *Journal) findFreeLocked() int {
	for n := 0; n < j.slotCount; n++ {
		i := (j.cursor + n) % j.slotCount
		if j.states[i] == SlotFree && !j.reserved[i] {
			return i
		}
	}
	return -1
}

func (j *Journal) writeSlotLocked(slot int, program []byte) (*Entry, error) {
	seq := j.seq + 1
	buf := make([]byte, slotHeaderSize+len(program))
	buf[0] = byte(SlotValidated)
	binary.BigEndian.PutUint64(buf[1:9], seq)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(program)))
	copy(buf[slotHeaderSize:], program)
	if _, err := j.file.WriteAt(buf, j.slotOffset(slot)); err != nil {
		return nil, fmt.Errorf("journal: write slot %d: %w", slot, err)
	}
	j.seq = seq
	if err := j.writeHeader(); err != nil {
		return nil, err
	}
	if err := syncFile(j.file); err != nil {
		return nil, fmt.Errorf("journal: sync slot %d: %w", slot, err)
	}
	j.states[slot] = SlotValidated
	j.reserved[slot] = false
	return &Entry{Slot: slot, Seq: seq, State: SlotValidated}, nil
}

// MarkCommitted records that entry's commit phase has fully applied.
func (j *Journal) MarkCommitted(entry *Entry) error {
	if err := j.setState(entry, SlotCommitted); err != nil {
		return err
	}
	entry.State = SlotCommitted
	return nil
}

func (j *Journal) setState(entry *Entry, state SlotState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || j.readOnly {
		return ErrClosed
	}
	if j.states[entry.Slot] == SlotFree {
		return fmt.Errorf("journal: slot %d already released", entry.Slot)
	}
	if _, err := j.file.WriteAt([]byte{byte(state)}, j.slotOffset(entry.Slot)); err != nil {
		return fmt.Errorf("journal: mark slot %d %s: %w", entry.Slot, state, err)
	}
	if err := syncFile(j.file); err != nil {
		return fmt.Errorf("journal: sync slot %d: %w", entry.Slot, err)
	}
	j.states[entry.Slot] = state
	return nil
}

// Release frees entry's slot once its program needs no further work.
func (j *Journal) Release(entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || j.readOnly {
		return ErrClosed
	}
	free := bytes.Repeat([]byte{byte(SlotFree)}, j.slotSize)
	if _, err := j.file.WriteAt(free, j.slotOffset(entry.Slot)); err != nil {
		return fmt.Errorf("journal: release slot %d: %w", entry.Slot, err)
	}
	if err := syncFile(j.file); err != nil {
		return fmt.Errorf("journal: sync slot %d: %w", entry.Slot, err)
	}
	j.states[entry.Slot] = SlotFree
	entry.State = SlotFree
	close(j.freed)
	j.freed = make(chan struct{})
	return nil
}

// Pending returns every occupied slot in append order with its program
// bytes. Slots whose header cannot be trusted are returned with a nil
// Program and an error in Err so recovery can quarantine them.
func (j *Journal) Pending() ([]PendingEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	var out []PendingEntry
	hdr := make([]byte, slotHeaderSize)
	for i, state := range j.states {
		if state == SlotFree {
			continue
		}
		pe := PendingEntry{Entry: Entry{Slot: i, State: state}}
		if _, err := j.file.ReadAt(hdr, j.slotOffset(i)); err != nil {
			pe.Err = corrupt("slot %d header: %v", i, err)
			out = append(out, pe)
			continue
		}
		pe.Seq = binary.BigEndian.Uint64(hdr[1:9])
		length := int(binary.BigEndian.Uint32(hdr[9:13]))
		switch {
		case state != SlotValidated && state != SlotCommitted:
			pe.Err = corrupt("slot %d has unknown state %d", i, uint8(state))
		case length > j.MaxProgramSize():
			pe.Err = corrupt("slot %d declares %d bytes", i, length)
		default:
			pe.Program = make([]byte, length)
			if _, err := j.file.ReadAt(pe.Program, j.slotOffset(i)+slotHeaderSize); err != nil {
				pe.Program = nil
				pe.Err = corrupt("slot %d program: %v", i, err)
			}
		}
		out = append(out, pe)
	}
	slices.SortFunc(out, func(a, b PendingEntry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out, nil
}

// PendingEntry is an occupied slot found by Pending.
type PendingEntry struct {
	Entry
	Err error
}

// Geometry returns the slot size and count in use.
func (j *Journal) Geometry() (slotSize, slotCount int) {
	return j.slotSize, j.slotCount
}

// InFlight returns the number of occupied slots.
func (j *Journal) InFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for i, s := range j.states {
		if s != SlotFree || j.reserved[i] {
			n++
		}
	}
	return n
}

// Close releases the file lock and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	close(j.freed)
	j.freed = make(chan struct{})
	return j.closeFile()
}

func (j *Journal) closeFile() error {
	_ = unlockFile(j.file)
	return j.file.Close()
}
