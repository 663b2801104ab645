package jsonpointer

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestSplitDecodesEscapes(t *testing.T) {
	t.Parallel()

	segs, err := Split("/a~1b/c~0d")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(segs) != 2 || segs[0] != "a/b" || segs[1] != "c~d" {
		t.Fatalf("unexpected segments %q", segs)
	}
	if segs, _ := Split("score"); len(segs) != 1 || segs[0] != "score" {
		t.Fatalf("bare key: %q", segs)
	}
	if _, err := Split("a/b"); err == nil {
		t.Fatal("expected relative multi-segment pointer to fail")
	}
	if Join("/a", "b/c") != "/a/b~1c" {
		t.Fatalf("join: %s", Join("/a", "b/c"))
	}
}

func TestGetSetRemove(t *testing.T) {
	t.Parallel()

	doc := decode(t, `{"player":{"name":"ada","items":["sword","shield"]}}`)
	if v, ok, err := Get(doc, "/player/items/1"); err != nil || !ok || v != "shield" {
		t.Fatalf("get: %v %v %v", v, ok, err)
	}
	if _, ok, _ := Get(doc, "/player/items/7"); ok {
		t.Fatal("out of range index must not resolve")
	}
	doc, prev, err := Set(doc, "/player/name", "grace")
	if err != nil || prev != "ada" {
		t.Fatalf("set: prev=%v err=%v", prev, err)
	}
	doc, _, err = Set(doc, "/player/items/-", "bow")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	doc, _, err = Set(doc, "/stats/level", 3.0)
	if err != nil {
		t.Fatalf("create intermediate: %v", err)
	}
	doc, removed, err := Remove(doc, "/player/items/0")
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	raw, _ := json.Marshal(doc)
	want := `{"player":{"items":["shield","bow"],"name":"grace"},"stats":{"level":3}}`
	if string(raw) != want {
		t.Fatalf("got %s\nwant %s", raw, want)
	}
	if _, removed, _ := Remove(doc, "/missing"); removed {
		t.Fatal("removing a missing key must report false")
	}
}
