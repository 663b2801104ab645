package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rs/xid"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/resourceid"
)

func sampleProgram(t *testing.T, alg ChecksumAlgorithm) ([]byte, resourceid.ID) {
	t.Helper()
	id := resourceid.New()
	b := NewBuilder(xid.New(), 7, alg).
		Commit(LinkNewResource, ResourceIDParam(id), FSPathParam("staging/abc.rev")).
		Commit(AddPath, RTPathParam(path.MustParse("game://players/1"))).
		Commit(LinkResourceToRTPath, ResourceIDParam(id), RTPathParam(path.MustParse("game://players/1"))).
		Cleanup(UnlinkFSPath, FSPathParam("resources/x/0000000000000001.rev")).
		Cleanup(Noop)
	raw, err := b.Compile(PhaseCommit, PhaseCleanup)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return raw, id
}

func TestProgramRoundTrip(t *testing.T) {
	t.Parallel()

	for _, alg := range []ChecksumAlgorithm{Adler32, CRC32, XXH32} {
		raw, id := sampleProgram(t, alg)
		prog, err := ParseProgram(raw)
		if err != nil {
			t.Fatalf("%s: parse: %v", alg, err)
		}
		if !prog.Header.Object.IsValid() || prog.Header.Revision != 7 {
			t.Fatalf("%s: unexpected header %+v", alg, prog.Header)
		}
		if len(prog.Commit) != 3 || len(prog.Cleanup) != 2 {
			t.Fatalf("%s: segments %d/%d", alg, len(prog.Commit), len(prog.Cleanup))
		}
		got, err := prog.Commit[0].Params[0].ResourceID()
		if err != nil || got != id {
			t.Fatalf("%s: resource id param %v %v", alg, got, err)
		}
		p, err := prog.Commit[1].Params[0].RTPath()
		if err != nil || p.String() != "game://players/1" {
			t.Fatalf("%s: rt path param %v %v", alg, p, err)
		}
		if prog.Cleanup[1].Instruction != Noop {
			t.Fatalf("%s: expected trailing NOOP", alg)
		}
	}
}

func TestSetRevisionPatchesHeaderAndChecksum(t *testing.T) {
	t.Parallel()

	for _, alg := range []ChecksumAlgorithm{Adler32, CRC32, XXH32} {
		raw, _ := sampleProgram(t, alg)
		size := len(raw)
		if err := SetRevision(raw, 0x1122334455667788); err != nil {
			t.Fatalf("%s: set revision: %v", alg, err)
		}
		if len(raw) != size {
			t.Fatalf("%s: length changed %d -> %d", alg, size, len(raw))
		}
		prog, err := ParseProgram(raw)
		if err != nil {
			t.Fatalf("%s: parse patched program: %v", alg, err)
		}
		if prog.Header.Revision != 0x1122334455667788 || len(prog.Commit) != 3 {
			t.Fatalf("%s: unexpected header %+v", alg, prog.Header)
		}
	}
	if err := SetRevision(make([]byte, 8), 1); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt for short program, got %v", err)
	}
}

func TestCorruptedByteFailsChecksum(t *testing.T) {
	t.Parallel()

	raw, _ := sampleProgram(t, CRC32)
	for _, pos := range []int{ObjectHeaderSize + 3, ProgramHeaderSize + 4, len(raw) - 1} {
		bad := append([]byte(nil), raw...)
		bad[pos] ^= 0x5a
		_, err := ParseProgram(bad)
		if !errors.Is(err, ErrChecksum) {
			t.Fatalf("byte %d: expected checksum error, got %v", pos, err)
		}
		if fault.KindOf(err) != fault.Corruption {
			t.Fatalf("byte %d: expected corruption kind, got %s", pos, fault.KindOf(err))
		}
	}
}

func TestUnsupportedMajorVersionRejected(t *testing.T) {
	t.Parallel()

	raw, _ := sampleProgram(t, Adler32)
	binary.BigEndian.PutUint32(raw[0:4], 2)
	_, err := ParseProgram(raw)
	if !errors.Is(err, ErrVersion) {
		t.Fatalf("expected version error, got %v", err)
	}
	if fault.KindOf(err) != fault.Corruption {
		t.Fatalf("expected corruption kind, got %s", fault.KindOf(err))
	}
}

// reseal rewrites a header field and recomputes the checksum so only the
// offset checks can catch the damage.
func reseal(raw []byte, fieldOffset int, value uint32) []byte {
	out := append([]byte(nil), raw...)
	binary.BigEndian.PutUint32(out[fieldOffset:], value)
	hdr, _ := decodeObjectHeader(out)
	hdr.Checksum = hdr.Algorithm.Sum(out[ObjectHeaderSize:])
	hdr.encode(out[:ObjectHeaderSize])
	return out
}

func TestOffsetsValidated(t *testing.T) {
	t.Parallel()

	raw, _ := sampleProgram(t, XXH32)
	lengthField := ObjectHeaderSize + 12 + 8 + 2
	commitPos := lengthField + 4
	commitLen := commitPos + 4
	cases := map[string][]byte{
		"negative pos":   reseal(raw, commitPos, 0xFFFFFFF0),
		"overflow len":   reseal(raw, commitLen, 0x7FFFFFFF),
		"header overlap": reseal(raw, commitPos, 4),
		"length field":   reseal(raw, lengthField, uint32(len(raw)+1)),
	}
	for name, bad := range cases {
		_, err := ParseProgram(bad)
		if !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: expected corruption, got %v", name, err)
		}
	}
	if _, err := ParseProgram(raw[:ProgramHeaderSize-1]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("short program: expected corruption, got %v", err)
	}
}

type recordingHandler struct {
	NopHandler
	calls []string
}

func (h *recordingHandler) LinkNewResource(_ context.Context, op Op, id resourceid.ID, staged string) error {
	h.calls = append(h.calls, "link:"+staged)
	return nil
}

func (h *recordingHandler) AddPath(_ context.Context, _ Op, p path.Path) error {
	h.calls = append(h.calls, "add:"+p.String())
	return nil
}

func (h *recordingHandler) UnlinkFSPath(_ context.Context, op Op, rel string) error {
	if op.Phase != PhaseCleanup {
		return errors.New("unlink outside cleanup")
	}
	h.calls = append(h.calls, "unlink:"+rel)
	return nil
}

func TestInterpreterRunsPhasesInOrder(t *testing.T) {
	t.Parallel()

	raw, _ := sampleProgram(t, Adler32)
	prog, err := ParseProgram(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	h := &recordingHandler{}
	in := NewInterpreter(prog, h)
	if err := in.ExecuteCommit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := in.ExecuteCleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	want := []string{"link:staging/abc.rev", "add:game://players/1", "unlink:resources/x/0000000000000001.rev"}
	if len(h.calls) != len(want) {
		t.Fatalf("calls %v", h.calls)
	}
	for i := range want {
		if h.calls[i] != want[i] {
			t.Fatalf("call %d: got %s want %s", i, h.calls[i], want[i])
		}
	}
}

func TestInterpreterRequiresPhase(t *testing.T) {
	t.Parallel()

	raw, err := NewBuilder(xid.New(), 1, Adler32).Commit(Noop).Compile(PhaseCommit)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	prog, err := ParseProgram(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := NewInterpreter(prog, nil).ExecuteCleanup(context.Background()); !errors.Is(err, ErrPhase) {
		t.Fatalf("expected phase error, got %v", err)
	}
}

func TestWrongArityIsCorruption(t *testing.T) {
	t.Parallel()

	raw, err := NewBuilder(xid.New(), 1, Adler32).Commit(RemoveResource).Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	prog, err := ParseProgram(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := NewInterpreter(prog, nil).ExecuteCommit(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corruption, got %v", err)
	}
}
