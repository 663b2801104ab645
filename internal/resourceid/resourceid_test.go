package resourceid_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/rtnode/internal/resourceid"
)

func TestNewIsTimeOrderedUUID(t *testing.T) {
	t.Parallel()

	id := resourceid.New()
	parsed, err := uuid.Parse(id.String())
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if id.IsZero() || id == resourceid.New() {
		t.Fatal("expected unique non-zero ids")
	}
}

func TestBytesAndTextRoundTrip(t *testing.T) {
	t.Parallel()

	id := resourceid.New()
	fromBytes, err := resourceid.FromBytes(id.Bytes())
	if err != nil || fromBytes != id {
		t.Fatalf("FromBytes: %v %v", fromBytes, err)
	}
	if _, err := resourceid.FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected short byte slice to fail")
	}
	if _, err := resourceid.Parse("not-a-uuid"); err == nil {
		t.Fatal("expected parse failure")
	}
}

func TestSortOrder(t *testing.T) {
	t.Parallel()

	a := resourceid.MustParse("00000000-0000-0000-0000-000000000001")
	b := resourceid.MustParse("00000000-0000-0000-0000-000000000002")
	c := resourceid.MustParse("ffffffff-0000-0000-0000-000000000000")
	ids := []resourceid.ID{c, a, b}
	if resourceid.IsSorted(ids) {
		t.Fatal("unsorted ids reported sorted")
	}
	resourceid.Sort(ids)
	if ids[0] != a || ids[1] != b || ids[2] != c {
		t.Fatalf("unexpected order %v", ids)
	}
	if resourceid.IsSorted([]resourceid.ID{a, a}) {
		t.Fatal("duplicates must not count as sorted")
	}
}
