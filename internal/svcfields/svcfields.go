// Package svcfields carries the logging conventions shared by every rtnode
// subsystem: the subsystem tag, canonical field keys, and nil-safe loggers.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Canonical field keys used across packages so log queries stay stable.
const (
	ResourceKey = pslog.TrustedString("resource_id")
	PathKey     = pslog.TrustedString("path")
	RevisionKey = pslog.TrustedString("revision")
	TxnKey      = pslog.TrustedString("txn")
	RequestKey  = pslog.TrustedString("request_id")
	PeerKey     = pslog.TrustedString("peer")
	PartKey     = pslog.TrustedString("part")
)

// Ensure returns logger when non-nil, otherwise a disabled logger.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
