package invoke

import (
	"fmt"
	"strconv"
)

// Kind is the closed set of context kinds every node serves.
type Kind uint8

const (
	ResourceContext Kind = iota
	SchedulerContext
	HandlerContext
	TaskContext
	ManifestContext
	EventContext
	IndexContext
	kindCount
)

var kindNames = [...]string{
	ResourceContext:  "ResourceContext",
	SchedulerContext: "SchedulerContext",
	HandlerContext:   "HandlerContext",
	TaskContext:      "TaskContext",
	ManifestContext:  "ManifestContext",
	EventContext:     "EventContext",
	IndexContext:     "IndexContext",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Kinds lists every context kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// ParseKind resolves a context kind by exact name.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Scope tags where a context implementation runs.
type Scope uint8

const (
	Local Scope = iota
	Remote
)

func (s Scope) String() string {
	switch s {
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return "scope(" + strconv.Itoa(int(s)) + ")"
}

// ParseScope maps "" and "local" to Local and "remote" to Remote.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "local":
		return Local, nil
	case "remote":
		return Remote, nil
	}
	return Local, fmt.Errorf("invoke: unknown scope %q", s)
}
