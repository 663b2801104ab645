// Package jsonpointer addresses values inside decoded JSON documents with
// RFC 6901 pointers.
package jsonpointer

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	encoder = strings.NewReplacer("~", "~0", "/", "~1")
	decoder = strings.NewReplacer("~1", "/", "~0", "~")
)

// EncodeSegment escapes a pointer segment.
func EncodeSegment(segment string) string {
	return encoder.Replace(segment)
}

// DecodeSegment unescapes a pointer segment.
func DecodeSegment(segment string) string {
	return decoder.Replace(segment)
}

// Split decomposes a pointer into decoded segments. "" and "/" address the
// whole document. A bare word is accepted as a single top-level key.
func Split(pointer string) ([]string, error) {
	pointer = strings.TrimSpace(pointer)
	if pointer == "" || pointer == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		if strings.Contains(pointer, "/") {
			return nil, fmt.Errorf("json pointer %q must start with '/'", pointer)
		}
		return []string{pointer}, nil
	}
	parts := strings.Split(pointer[1:], "/")
	for i, part := range parts {
		parts[i] = DecodeSegment(part)
	}
	return parts, nil
}

// Join appends child to parent.
func Join(parent, child string) string {
	return strings.TrimSuffix(parent, "/") + "/" + EncodeSegment(child)
}

// Get returns the value at pointer.
func Get(doc any, pointer string) (any, bool, error) {
	segs, err := Split(pointer)
	if err != nil {
		return nil, false, err
	}
	cur := doc
	for _, seg := range segs {
		next, ok := child(cur, seg)
		if !ok {
			return nil, false, nil
		}
		cur = next
	}
	return cur, true, nil
}

// Set stores v at pointer, creating intermediate objects, and returns the
// new root and the previous value. "-" appends to an array.
func Set(doc any, pointer string, v any) (root any, prev any, err error) {
	segs, err := Split(pointer)
	if err != nil {
		return doc, nil, err
	}
	if len(segs) == 0 {
		return v, doc, nil
	}
	root, prev, err = set(doc, segs, v)
	return root, prev, err
}

func set(node any, segs []string, v any) (any, any, error) {
	seg := segs[0]
	last := len(segs) == 1
	switch n := node.(type) {
	case nil:
		node = map[string]any{}
		return set(node, segs, v)
	case map[string]any:
		if last {
			prev := n[seg]
			n[seg] = v
			return n, prev, nil
		}
		updated, prev, err := set(n[seg], segs[1:], v)
		if err != nil {
			return n, nil, err
		}
		n[seg] = updated
		return n, prev, nil
	case []any:
		if seg == "-" {
			if !last {
				return n, nil, fmt.Errorf("json pointer: '-' must be the last segment")
			}
			return append(n, v), nil, nil
		}
		idx, err := index(seg, len(n))
		if err != nil {
			return n, nil, err
		}
		if last {
			prev := n[idx]
			n[idx] = v
			return n, prev, nil
		}
		updated, prev, err := set(n[idx], segs[1:], v)
		if err != nil {
			return n, nil, err
		}
		n[idx] = updated
		return n, prev, nil
	}
	return node, nil, fmt.Errorf("json pointer: cannot descend into %T at %q", node, seg)
}

// Remove deletes the value at pointer and returns the new root and whether
// anything was removed.
func Remove(doc any, pointer string) (any, bool, error) {
	segs, err := Split(pointer)
	if err != nil {
		return doc, false, err
	}
	if len(segs) == 0 {
		return nil, doc != nil, nil
	}
	parent, ok, err := Get(doc, pointerOf(segs[:len(segs)-1]))
	if err != nil || !ok {
		return doc, false, err
	}
	key := segs[len(segs)-1]
	switch p := parent.(type) {
	case map[string]any:
		if _, exists := p[key]; !exists {
			return doc, false, nil
		}
		delete(p, key)
		return doc, true, nil
	case []any:
		idx, err := index(key, len(p))
		if err != nil {
			return doc, false, nil
		}
		shrunk := append(p[:idx:idx], p[idx+1:]...)
		if len(segs) == 1 {
			return shrunk, true, nil
		}
		root, _, err := Set(doc, pointerOf(segs[:len(segs)-1]), shrunk)
		return root, err == nil, err
	}
	return doc, false, nil
}

func child(node any, seg string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[seg]
		return v, ok
	case []any:
		idx, err := index(seg, len(n))
		if err != nil {
			return nil, false
		}
		return n[idx], true
	}
	return nil, false
}

func index(seg string, n int) (int, error) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= n || (len(seg) > 1 && seg[0] == '0') {
		return 0, fmt.Errorf("json pointer: index %q out of range", seg)
	}
	return idx, nil
}

func pointerOf(segs []string) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(EncodeSegment(s))
	}
	return b.String()
}
