// Package resourceid names individual resource instances.
package resourceid

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// ID is a 128-bit resource identifier. IDs are totally ordered by their
// bytes, which is the order used for lock acquisition.
type ID uuid.UUID

// Zero is the unset identifier.
var Zero ID

// New returns a time-ordered UUIDv7 identifier, or panics if the random
// source fails.
func New() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

// Parse reads the canonical textual form.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Zero, fmt.Errorf("resourceid: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes reads the 16-byte binary form.
func FromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return Zero, fmt.Errorf("resourceid: %w", err)
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

// Bytes returns the 16-byte binary form.
func (id ID) Bytes() []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool { return id == Zero }

// Compare orders identifiers by their bytes.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Sort sorts ids in place.
func Sort(ids []ID) {
	slices.SortFunc(ids, Compare)
}

// IsSorted reports whether ids are strictly increasing.
func IsSorted(ids []ID) bool {
	for i := 1; i < len(ids); i++ {
		if Compare(ids[i-1], ids[i]) >= 0 {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
