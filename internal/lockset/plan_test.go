package lockset

import (
	"strings"
	"testing"

	"pkt.systems/rtnode/internal/path"
)

func renderPlan(steps []planStep) string {
	parts := make([]string, len(steps))
	for i, st := range steps {
		prefix := "R "
		if st.mode == Write {
			prefix = "W "
		}
		parts[i] = prefix + st.path.String()
	}
	return strings.Join(parts, " | ")
}

func TestHierarchyForConcretePath(t *testing.T) {
	t.Parallel()

	got := renderPlan(planPaths(Write, []path.Path{path.MustParse("ctx://a/b")}))
	want := "R *:// | R ctx:// | R ctx://* | R ctx://a | R ctx://a/* | R ctx://a/b | W ctx://a/b/*"
	if got != want {
		t.Fatalf("unexpected plan\n got %s\nwant %s", got, want)
	}
}

func TestHierarchyStopsAtWildcard(t *testing.T) {
	t.Parallel()

	got := renderPlan(planPaths(Write, []path.Path{path.MustParse("ctx://a/*/c")}))
	want := "R *:// | R ctx:// | R ctx://* | R ctx://a | W ctx://a/*"
	if got != want {
		t.Fatalf("unexpected plan\n got %s\nwant %s", got, want)
	}
	recursive := renderPlan(planPaths(Read, []path.Path{path.MustParse("/a/**")}))
	if recursive != "R *:// | R / | R /* | R /a | R /a/*" {
		t.Fatalf("unexpected recursive plan %s", recursive)
	}
}

func TestHierarchyWildcardContext(t *testing.T) {
	t.Parallel()

	got := renderPlan(planPaths(Write, []path.Path{path.MustParse("*://a/b")}))
	if got != "W *://" {
		t.Fatalf("unexpected plan %s", got)
	}
}

func TestPlanMergesWithWriteWinning(t *testing.T) {
	t.Parallel()

	paths := []path.Path{path.MustParse("/a"), path.MustParse("/a/b")}
	steps := planPaths(Write, paths)
	got := renderPlan(steps)
	want := "R *:// | R / | R /* | R /a | W /a/* | R /a/b | W /a/b/*"
	if got != want {
		t.Fatalf("unexpected plan\n got %s\nwant %s", got, want)
	}
	for i := 1; i < len(steps); i++ {
		if path.WildcardFirst(steps[i-1].path, steps[i].path) >= 0 {
			t.Fatalf("plan not strictly ordered at %d: %s", i, got)
		}
	}
}
