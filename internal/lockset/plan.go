package lockset

import (
	"pkt.systems/rtnode/internal/path"
)

type planStep struct {
	path path.Path
	mode Mode
}

// planPaths expands every requested path into its lock hierarchy and merges
// the results into one wildcard-first ordered plan. A key requested in both
// modes is taken for write.
//
// For ctx://a/b the hierarchy is:
//
//	R *://    R ctx://    R ctx://*    R ctx://a    R ctx://a/*    R ctx://a/b    M ctx://a/b/*
//
// where M is the requested mode. A wildcard component stops the walk with M
// taken on that level's "*" key, and a wildcard context takes M on *:// alone.
func planPaths(mode Mode, paths []path.Path) []planStep {
	merged := make(map[string]int)
	var out []planStep
	add := func(p path.Path, m Mode) {
		key := p.String()
		if idx, ok := merged[key]; ok {
			if m == Write {
				out[idx].mode = Write
			}
			return
		}
		merged[key] = len(out)
		out = append(out, planStep{path: p, mode: m})
	}
	for _, p := range paths {
		for _, st := range hierarchy(mode, p) {
			add(st.path, st.mode)
		}
	}
	sortPlan(out)
	return out
}

func hierarchy(mode Mode, p path.Path) []planStep {
	wildcardRoot := mustContextRoot(path.Wildcard)
	if p.IsWildcardContext() {
		return []planStep{{path: wildcardRoot, mode: mode}}
	}
	steps := []planStep{
		{path: wildcardRoot, mode: Read},
		{path: p.ContextRoot(), mode: Read},
	}
	for i := 0; i < p.Len(); i++ {
		level := p.Prefix(i).ToWildcard()
		if c := p.Component(i); c == path.Wildcard || c == path.WildcardRecursive {
			return append(steps, planStep{path: level, mode: mode})
		}
		steps = append(steps,
			planStep{path: level, mode: Read},
			planStep{path: p.Prefix(i + 1), mode: Read},
		)
	}
	return append(steps, planStep{path: p.ToWildcard(), mode: mode})
}

func mustContextRoot(ctx string) path.Path {
	p, err := path.FromContextAndComponents(ctx)
	if err != nil {
		panic(err)
	}
	return p
}

func sortPlan(steps []planStep) {
	// insertion sort keeps this allocation free for the short plans typical
	// of a single request
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && path.WildcardFirst(steps[j-1].path, steps[j].path) > 0; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
}
