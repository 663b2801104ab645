package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersionFromVCSStamps(t *testing.T) {
	t.Parallel()
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	if got, want := pseudoVersion(info), "v0.0.0-20260304050607-0123456789ab+dirty"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := pseudoVersion(&debug.BuildInfo{}); got != "" {
		t.Fatalf("expected empty version without stamps, got %q", got)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	info := Describe()
	if info.Version == "" || !strings.HasPrefix(info.Go, "go") || !strings.Contains(info.Platform, "/") {
		t.Fatalf("incomplete info %+v", info)
	}
}
