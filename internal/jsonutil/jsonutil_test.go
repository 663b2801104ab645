package jsonutil

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestCompactMatchesStdlib(t *testing.T) {
	t.Parallel()

	cases := []string{
		` { "foo" : [ 1 , 2 , 3 ] } `,
		"\n\t{\"nested\": {\"a\": 1, \"b\":true}}",
		`{"string":"\"quoted\"","escape":"\\tab\n"}`,
		` [ 0 , -1 , 3.1415 , 10e-3 ] `,
	}
	for _, tc := range cases {
		got, err := Compact([]byte(tc), 0)
		if err != nil {
			t.Fatalf("compact %q: %v", tc, err)
		}
		var want bytes.Buffer
		if err := json.Compact(&want, []byte(tc)); err != nil {
			t.Fatalf("reference: %v", err)
		}
		if string(got) != want.String() {
			t.Fatalf("got %q want %q", got, want.String())
		}
	}
}

func TestCompactRejectsInvalidAndOversize(t *testing.T) {
	t.Parallel()

	for _, tc := range []string{`{`, `{"a":}`, `0 1`} {
		if _, err := Compact([]byte(tc), 0); err == nil {
			t.Fatalf("expected error for %q", tc)
		}
	}
	if _, err := Compact([]byte(`{"foo":"bar"}`), 5); err == nil {
		t.Fatal("expected size error")
	}
	if err := CompactTo(io.Discard, strings.NewReader(`{"a":`+strings.Repeat(" ", 20)+`1}`), 8); err == nil {
		t.Fatal("expected streaming size error")
	}
	if _, err := Marshal(strings.Repeat("x", 32), 8); err == nil {
		t.Fatal("expected marshal size error")
	}
}

func TestUnmarshalEmptyLeavesTarget(t *testing.T) {
	t.Parallel()

	v := map[string]any{"kept": true}
	if err := Unmarshal([]byte("  "), &v, 0); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v["kept"] != true {
		t.Fatalf("target changed: %v", v)
	}
	if err := Unmarshal([]byte(` {"a" : 1} `), &v, 0); err != nil || v["a"] != 1.0 {
		t.Fatalf("decode: %v %v", v, err)
	}
}
