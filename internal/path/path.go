// Package path implements hierarchical resource paths of the form
// "context://a/b/c" or "/a/b/c", including the wildcard components used for
// matching and for canonical lock ordering.
package path

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	// Separator delimits path components.
	Separator = "/"
	// ContextSeparator splits the context from the components.
	ContextSeparator = "://"
	// Wildcard matches exactly one component, or any context.
	Wildcard = "*"
	// WildcardRecursive matches any number of trailing components.
	WildcardRecursive = "**"
)

// ErrInvalid is wrapped by every parse or construction failure.
var ErrInvalid = errors.New("path: invalid")

// Path is an immutable hierarchical name. The zero value is the root path
// without a context ("/").
type Path struct {
	context    string
	components []string
}

// Parse reads a path from its textual form.
func Parse(s string) (Path, error) {
	var (
		ctx  string
		rest = s
	)
	if idx := strings.Index(s, ContextSeparator); idx >= 0 {
		ctx = strings.TrimSpace(s[:idx])
		rest = s[idx+len(ContextSeparator):]
		if ctx == "" {
			return Path{}, fmt.Errorf("%w: empty context in %q", ErrInvalid, s)
		}
		if strings.Contains(rest, ContextSeparator) {
			return Path{}, fmt.Errorf("%w: multiple context separators in %q", ErrInvalid, s)
		}
	}
	return FromContextAndComponents(ctx, strings.Split(rest, Separator)...)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromComponents builds a context-less path.
func FromComponents(components ...string) (Path, error) {
	return FromContextAndComponents("", components...)
}

// FromContextAndComponents builds a path from a context (empty for none) and
// components. Components are trimmed and empty components dropped.
func FromContextAndComponents(ctx string, components ...string) (Path, error) {
	ctx = strings.TrimSpace(ctx)
	if ctx == WildcardRecursive {
		return Path{}, fmt.Errorf("%w: context cannot be %q", ErrInvalid, WildcardRecursive)
	}
	if ctx != "" {
		if err := validateText(ctx); err != nil {
			return Path{}, fmt.Errorf("%w: context %q: %v", ErrInvalid, ctx, err)
		}
	}
	cleaned := make([]string, 0, len(components))
	for _, c := range components {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if err := validateText(c); err != nil {
			return Path{}, fmt.Errorf("%w: component %q: %v", ErrInvalid, c, err)
		}
		cleaned = append(cleaned, c)
	}
	for i, c := range cleaned {
		if c == WildcardRecursive && i != len(cleaned)-1 {
			return Path{}, fmt.Errorf("%w: %q must be the last component", ErrInvalid, WildcardRecursive)
		}
	}
	return Path{context: ctx, components: cleaned}, nil
}

func validateText(s string) error {
	if strings.Contains(s, Separator) {
		return errors.New("contains separator")
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("non-printable rune %U", r)
		}
	}
	return nil
}

// String renders "ctx://a/b" or "/a/b".
func (p Path) String() string {
	var b strings.Builder
	if p.context != "" {
		b.WriteString(p.context)
		b.WriteString(ContextSeparator)
	} else {
		b.WriteString(Separator)
	}
	b.WriteString(strings.Join(p.components, Separator))
	return b.String()
}

// Context returns the context or "" when absent.
func (p Path) Context() string { return p.context }

// HasContext reports whether a context is present.
func (p Path) HasContext() bool { return p.context != "" }

// Components returns a copy of the components.
func (p Path) Components() []string {
	out := make([]string, len(p.components))
	copy(out, p.components)
	return out
}

// Component returns the i-th component.
func (p Path) Component(i int) string { return p.components[i] }

// Len returns the number of components.
func (p Path) Len() int { return len(p.components) }

// IsRoot reports whether the path has no components.
func (p Path) IsRoot() bool { return len(p.components) == 0 }

// IsWildcard reports whether any component is a wildcard.
func (p Path) IsWildcard() bool {
	for _, c := range p.components {
		if isWildcard(c) {
			return true
		}
	}
	return false
}

// IsWildcardTerminated reports whether the last component is a wildcard.
func (p Path) IsWildcardTerminated() bool {
	return len(p.components) > 0 && isWildcard(p.components[len(p.components)-1])
}

// IsWildcardRecursive reports whether the path ends with "**".
func (p Path) IsWildcardRecursive() bool {
	return len(p.components) > 0 && p.components[len(p.components)-1] == WildcardRecursive
}

// IsWildcardContext reports whether the context is "*".
func (p Path) IsWildcardContext() bool { return p.context == Wildcard }

// FirstWildcard returns the index of the first wildcard component or -1.
func (p Path) FirstWildcard() int {
	for i, c := range p.components {
		if isWildcard(c) {
			return i
		}
	}
	return -1
}

func isWildcard(c string) bool {
	return c == Wildcard || c == WildcardRecursive
}

// Parent drops the last component. The parent of a root is the root itself.
func (p Path) Parent() Path {
	if len(p.components) == 0 {
		return p
	}
	return p.Prefix(len(p.components) - 1)
}

// Prefix returns the path made of the first n components.
func (p Path) Prefix(n int) Path {
	if n < 0 {
		n = 0
	}
	if n > len(p.components) {
		n = len(p.components)
	}
	return Path{context: p.context, components: p.components[:n:n]}
}

// Append joins the components of other onto p, keeping p's context.
func (p Path) Append(other Path) (Path, error) {
	return p.AppendComponents(other.components...)
}

// AppendComponents appends components, validating the result.
func (p Path) AppendComponents(components ...string) (Path, error) {
	all := make([]string, 0, len(p.components)+len(components))
	all = append(all, p.components...)
	all = append(all, components...)
	return FromContextAndComponents(p.context, all...)
}

// ContextRoot returns the path with the same context and no components.
func (p Path) ContextRoot() Path { return Path{context: p.context} }

// ToWildcard appends "*" unless the path already ends with a wildcard.
func (p Path) ToWildcard() Path {
	if p.IsWildcardTerminated() {
		return p
	}
	return p.with(Wildcard)
}

// ToWildcardRecursive replaces a trailing "*" with "**", or appends "**".
func (p Path) ToWildcardRecursive() Path {
	if p.IsWildcardRecursive() {
		return p
	}
	base := p
	if p.IsWildcardTerminated() {
		base = p.Parent()
	}
	return base.with(WildcardRecursive)
}

// StripWildcardRecursive drops a trailing "**".
func (p Path) StripWildcardRecursive() Path {
	if p.IsWildcardRecursive() {
		return p.Parent()
	}
	return p
}

// StripWildcard drops a trailing wildcard of either kind.
func (p Path) StripWildcard() Path {
	if p.IsWildcardTerminated() {
		return p.Parent()
	}
	return p
}

func (p Path) with(component string) Path {
	all := make([]string, 0, len(p.components)+1)
	all = append(all, p.components...)
	all = append(all, component)
	return Path{context: p.context, components: all}
}

// WithContext returns the path under a different context.
func (p Path) WithContext(ctx string) (Path, error) {
	return FromContextAndComponents(ctx, p.components...)
}

// WithoutContext strips the context.
func (p Path) WithoutContext() Path { return Path{components: p.components} }

// AppendUUIDIfWildcard replaces a trailing wildcard with a fresh random UUID
// so that "/players/*" names a new concrete resource. Other paths are
// returned unchanged.
func (p Path) AppendUUIDIfWildcard() Path {
	if !p.IsWildcardTerminated() {
		return p
	}
	return p.StripWildcard().with(uuid.NewString())
}

// Matches reports whether p and other address overlapping resources,
// honouring wildcards on both sides.
func (p Path) Matches(other Path) bool {
	if !componentMatch(p.context, other.context) {
		return false
	}
	lLimit, rLimit := len(p.components), len(other.components)
	lRec, rRec := p.IsWildcardRecursive(), other.IsWildcardRecursive()
	if lRec {
		lLimit--
	}
	if rRec {
		rLimit--
	}
	switch {
	case !lRec && !rRec && lLimit != rLimit:
		return false
	case lRec && !rRec && rLimit < lLimit:
		return false
	case rRec && !lRec && lLimit < rLimit:
		return false
	}
	limit := min(lLimit, rLimit)
	for i := 0; i < limit; i++ {
		if !componentMatch(p.components[i], other.components[i]) {
			return false
		}
	}
	return true
}

func componentMatch(l, r string) bool {
	return l == Wildcard || r == Wildcard || l == r
}

// Equal reports structural equality.
func (p Path) Equal(other Path) bool {
	if p.context != other.context || len(p.components) != len(other.components) {
		return false
	}
	for i := range p.components {
		if p.components[i] != other.components[i] {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
