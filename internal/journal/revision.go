package journal

import (
	"fmt"
	"math"
	"strconv"
)

// Revision versions the state of the store. Revisions are issued in strictly
// increasing order starting at 1; zero means "nothing committed yet".
type Revision uint64

const (
	// NoRevision is the counter value of an empty pool.
	NoRevision Revision = 0
	// Latest asks a reader for the newest committed revision.
	Latest Revision = math.MaxUint64
)

// String renders the revision as 16 lowercase hex digits.
func (r Revision) String() string {
	return fmt.Sprintf("%016x", uint64(r))
}

// ParseRevision reads the hex form produced by String.
func ParseRevision(s string) (Revision, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse revision %q: %w", s, err)
	}
	return Revision(v), nil
}
