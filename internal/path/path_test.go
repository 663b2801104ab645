package path_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"pkt.systems/rtnode/internal/path"
)

func TestParseAndString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ctx  string
		n    int
	}{
		{in: "/a/b/c", want: "/a/b/c", n: 3},
		{in: "a//b/ ", want: "/a/b", n: 2},
		{in: "game://players/ 42 /inventory", want: "game://players/42/inventory", ctx: "game", n: 3},
		{in: "game://", want: "game://", ctx: "game", n: 0},
		{in: "/", want: "/", n: 0},
		{in: "*://x/**", want: "*://x/**", ctx: "*", n: 2},
	}
	for _, tc := range cases {
		p, err := path.Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if p.String() != tc.want || p.Context() != tc.ctx || p.Len() != tc.n {
			t.Fatalf("parse %q: got %q ctx=%q len=%d", tc.in, p.String(), p.Context(), p.Len())
		}
		again, err := path.Parse(p.String())
		if err != nil || !again.Equal(p) {
			t.Fatalf("reparse %q: %v %v", p.String(), again, err)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"/a/**/b",
		"**://a",
		"://a",
		"a://b://c",
		"/a/\x01",
	} {
		if _, err := path.Parse(in); !errors.Is(err, path.ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %q, got %v", in, err)
		}
	}
}

func TestWildcardHelpers(t *testing.T) {
	t.Parallel()

	p := path.MustParse("ctx://a/b")
	if got := p.ToWildcard().String(); got != "ctx://a/b/*" {
		t.Fatalf("ToWildcard: %q", got)
	}
	if got := p.ToWildcard().ToWildcardRecursive().String(); got != "ctx://a/b/**" {
		t.Fatalf("ToWildcardRecursive: %q", got)
	}
	if got := path.MustParse("/a/**").StripWildcardRecursive().String(); got != "/a" {
		t.Fatalf("StripWildcardRecursive: %q", got)
	}
	if !path.MustParse("/a/*/c").IsWildcard() || path.MustParse("/a/*/c").IsWildcardTerminated() {
		t.Fatal("unexpected wildcard classification for /a/*/c")
	}
	if got := path.MustParse("/a/*/c").FirstWildcard(); got != 1 {
		t.Fatalf("FirstWildcard: %d", got)
	}
	fresh := path.MustParse("/players/*").AppendUUIDIfWildcard()
	if fresh.IsWildcard() || fresh.Len() != 2 || fresh.Component(0) != "players" {
		t.Fatalf("AppendUUIDIfWildcard: %q", fresh)
	}
	if got := p.ContextRoot().String(); got != "ctx://" {
		t.Fatalf("ContextRoot: %q", got)
	}
	if got := p.Parent().String(); got != "ctx://a" {
		t.Fatalf("Parent: %q", got)
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/*", "/a/b", true},
		{"/a/*", "/a/b/c", false},
		{"/a/**", "/a/b/c", true},
		{"/a/**", "/a", true},
		{"/a/b/**", "/a", false},
		{"*://a", "ctx://a", true},
		{"x://a", "y://a", false},
		{"/a", "ctx://a", false},
	}
	for _, tc := range cases {
		a, b := path.MustParse(tc.a), path.MustParse(tc.b)
		if got := a.Matches(b); got != tc.want {
			t.Fatalf("%s matches %s: got %v", tc.a, tc.b, got)
		}
		if got := b.Matches(a); got != tc.want {
			t.Fatalf("%s matches %s (reversed): got %v", tc.b, tc.a, got)
		}
	}
}

func canonicalOrder() []path.Path {
	var out []path.Path
	add := func(format string, args ...any) {
		out = append(out, path.MustParse(fmt.Sprintf(format, args...)))
	}
	add("*://")
	add("/")
	add("/bar/**")
	add("/foo/**")
	add("/foo/*/bar/*")
	for i := 0; i < 5; i++ {
		add("/foo/%d/bar/*", i)
		add("/foo/%d/bar/**", i)
		for j := 0; j < 5; j++ {
			add("/foo/%d/bar/%d", i, j)
		}
	}
	for i := 0; i < 5; i++ {
		add("test://foo/%d/bar/*", i)
		add("test://foo/%d/bar/**", i)
		for j := 0; j < 5; j++ {
			add("test://foo/%d/bar/%d", i, j)
		}
	}
	return out
}

func TestWildcardFirstOrder(t *testing.T) {
	t.Parallel()

	want := canonicalOrder()
	if !path.IsSortedWildcardFirst(want) {
		t.Fatal("canonical list must already be strictly sorted")
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 20; round++ {
		got := append([]path.Path(nil), want...)
		rng.Shuffle(len(got), func(i, j int) { got[i], got[j] = got[j], got[i] })
		path.SortWildcardFirst(got)
		for i := range want {
			if !got[i].Equal(want[i]) {
				t.Fatalf("round %d position %d: got %s want %s", round, i, got[i], want[i])
			}
		}
	}
}

func TestIsSortedRejectsDuplicates(t *testing.T) {
	t.Parallel()

	p := path.MustParse("/a")
	if path.IsSortedWildcardFirst([]path.Path{p, p}) {
		t.Fatal("duplicates must not count as sorted")
	}
}

func TestJSONUsesTextForm(t *testing.T) {
	t.Parallel()

	type doc struct {
		Path path.Path `json:"path"`
	}
	raw, err := json.Marshal(doc{Path: path.MustParse("ctx://a/b")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"path":"ctx://a/b"}` {
		t.Fatalf("unexpected json %s", raw)
	}
	var back doc
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Path.String() != "ctx://a/b" {
		t.Fatalf("unexpected path %s", back.Path)
	}
}
