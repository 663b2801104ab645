package path

import (
	"slices"
	"strings"
)

// WildcardFirst is the canonical total order used for lock acquisition. More
// general paths sort before the specific paths they cover:
//
//   - the wildcard context first, then no context, then contexts lexically
//   - component by component, a wildcard sorts before a literal and literals
//     compare lexically
//   - a shorter path sorts before a longer one sharing its prefix
//   - on a remaining tie "*" sorts before "**"
func WildcardFirst(a, b Path) int {
	if c := compareContext(a.context, b.context); c != 0 {
		return c
	}
	n := min(len(a.components), len(b.components))
	for i := 0; i < n; i++ {
		ac, bc := a.components[i], b.components[i]
		aw, bw := isWildcard(ac), isWildcard(bc)
		switch {
		case aw && !bw:
			return -1
		case !aw && bw:
			return 1
		case !aw && !bw:
			if c := strings.Compare(ac, bc); c != 0 {
				return c
			}
		}
	}
	if c := len(a.components) - len(b.components); c != 0 {
		if c < 0 {
			return -1
		}
		return 1
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(a.components[i], b.components[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareContext(a, b string) int {
	rank := func(ctx string) int {
		switch ctx {
		case Wildcard:
			return 0
		case "":
			return 1
		default:
			return 2
		}
	}
	if ra, rb := rank(a), rank(b); ra != rb {
		return ra - rb
	}
	return strings.Compare(a, b)
}

// SortWildcardFirst sorts paths in place using WildcardFirst.
func SortWildcardFirst(paths []Path) {
	slices.SortFunc(paths, WildcardFirst)
}

// IsSortedWildcardFirst reports whether paths are strictly increasing under
// WildcardFirst, which also rules out duplicates.
func IsSortedWildcardFirst(paths []Path) bool {
	for i := 1; i < len(paths); i++ {
		if WildcardFirst(paths[i-1], paths[i]) >= 0 {
			return false
		}
	}
	return true
}
