package rtnode

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/rtnode/internal/connguard"
	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/persist"
	"pkt.systems/rtnode/internal/retry"
	"pkt.systems/rtnode/internal/rtcontext"
	"pkt.systems/rtnode/internal/wire"
)

const (
	// DefaultListen is the default TCP endpoint for the wire protocol.
	DefaultListen = ":7341"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultCodec names the payload codec used on the wire.
	DefaultCodec = "json"
	// DefaultJournalSlotSize bounds the encoded size of one transaction program.
	DefaultJournalSlotSize = journal.DefaultSlotSize
	// DefaultJournalSlotCount bounds the number of transactions in flight.
	DefaultJournalSlotCount = journal.DefaultSlotCount
	// DefaultJournalChecksum selects the checksum of new journal objects.
	DefaultJournalChecksum = "adler32"
	// DefaultRetention is the number of revisions kept per resource.
	DefaultRetention = persist.DefaultRetention
	// DefaultMaxStateBytes bounds one resource document.
	DefaultMaxStateBytes = rtcontext.DefaultMaxStateBytes
	// DefaultTaskHistory is the number of finished scheduler tasks kept.
	DefaultTaskHistory = rtcontext.DefaultTaskHistory
	// DefaultMaxFrames bounds the frames of one wire message.
	DefaultMaxFrames = wire.DefaultMaxFrames
	// DefaultMaxFrameSize bounds one wire frame.
	DefaultMaxFrameSize = wire.DefaultMaxFrameSize
	// DefaultMaxParts bounds the async parts one request may ask for.
	DefaultMaxParts = wire.DefaultMaxParts
	// DefaultMaxInFlight bounds concurrent dispatches across connections.
	DefaultMaxInFlight = wire.DefaultMaxInFlight
	// DefaultWriteTimeout bounds one response write.
	DefaultWriteTimeout = wire.DefaultWriteTimeout
	// DefaultShutdownTimeout caps the total graceful shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultPeerRetryMaxAttempts is how many times a peer dial is attempted.
	DefaultPeerRetryMaxAttempts = 6
	// DefaultPeerRetryBaseDelay is the first backoff between peer dials.
	DefaultPeerRetryBaseDelay = 100 * time.Millisecond
	// DefaultPeerRetryMaxDelay caps the backoff between peer dials.
	DefaultPeerRetryMaxDelay = 5 * time.Second
	// DefaultPeerRetryMultiplier is the exponential backoff ratio.
	DefaultPeerRetryMultiplier = 2.0
	// DefaultConnguardFailureThreshold is the number of protocol failures
	// from one host that blocks it.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for failures.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds the wait for a new connection's first byte.
	DefaultConnguardProbeTimeout = 2 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an rtnode.Server.
type Config struct {
	// Listen is the wire protocol bind address (for example ":7341").
	Listen string
	// ListenProto selects the listener network (tcp, tcp4, tcp6).
	ListenProto string
	// Node names this node in manifests. Defaults to the host name.
	Node string

	// DataDir holds the journal, revision pool and resource files.
	DataDir string
	// DataDirDisableExpansion disables env/tilde expansion for DataDir.
	DataDirDisableExpansion bool
	// JournalSlotSize and JournalSlotCount size a newly created journal.
	JournalSlotSize  int
	JournalSlotCount int
	// JournalChecksum is adler32, crc32 or xxh32.
	JournalChecksum string
	// Retention is the number of revisions kept per resource. It is fixed
	// when the data directory is created.
	Retention int
	// ArchiveURL, when set, receives revisions reclaimed by retention
	// (s3://host[:port]/bucket/prefix or file:///dir).
	ArchiveURL string
	// ArchiveKeyFile, when set, encrypts archived blobs with the kryptograf
	// root key in this PEM bundle. A missing file is created with a new key.
	ArchiveKeyFile string

	// MaxStateBytes bounds one resource document.
	MaxStateBytes int64
	// TaskHistory is the number of finished scheduler tasks kept for status queries.
	TaskHistory int

	// Codec names the payload codec (json or proto).
	Codec string
	// MaxConns caps accepted connections. Zero is unlimited.
	MaxConns int
	// MaxInFlight bounds concurrent dispatches across connections.
	MaxInFlight int64
	// MaxFrames and MaxFrameSize bound inbound messages.
	MaxFrames    int
	MaxFrameSize int
	// MaxParts bounds the async parts one inbound request may ask for.
	MaxParts uint32
	// WriteTimeout bounds one response write.
	WriteTimeout time.Duration

	// Peer is the address of the node serving the remote scope. Empty
	// leaves the remote scope unbound.
	Peer string
	// PeerMaxIdle caps pooled idle connections to the peer.
	PeerMaxIdle int
	// PeerRetry* configure dial retries towards the peer.
	PeerRetryMaxAttempts int
	PeerRetryBaseDelay   time.Duration
	PeerRetryMaxDelay    time.Duration
	PeerRetryMultiplier  float64

	// ConnguardEnabled turns on blocking of hosts that repeatedly send
	// malformed traffic.
	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
	ConnguardProbeTimeout     time.Duration

	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string

	// ShutdownTimeout caps the total graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: unsupported listen network %q", c.ListenProto)
	}
	if c.Node == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "rtnode"
		}
		c.Node = host
	}
	if strings.TrimSpace(c.DataDir) == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("config: resolve data dir: %w", err)
		}
		c.DataDir = dir
	}
	if !c.DataDirDisableExpansion {
		dir, err := expandUserAndEnv(c.DataDir)
		if err != nil {
			return fmt.Errorf("config: expand data dir: %w", err)
		}
		c.DataDir = dir
	}
	if c.ArchiveKeyFile != "" {
		if c.ArchiveURL == "" {
			return fmt.Errorf("config: archive key file requires an archive url")
		}
		keyFile, err := expandUserAndEnv(c.ArchiveKeyFile)
		if err != nil {
			return fmt.Errorf("config: expand archive key file: %w", err)
		}
		c.ArchiveKeyFile = keyFile
	}
	if c.JournalSlotSize == 0 {
		c.JournalSlotSize = DefaultJournalSlotSize
	}
	if c.JournalSlotSize < journal.ProgramHeaderSize*2 {
		return fmt.Errorf("config: journal slot size %s is too small", humanizeBytes(int64(c.JournalSlotSize)))
	}
	if c.JournalSlotCount <= 0 {
		c.JournalSlotCount = DefaultJournalSlotCount
	}
	if c.JournalChecksum == "" {
		c.JournalChecksum = DefaultJournalChecksum
	}
	if _, err := journal.ParseChecksumAlgorithm(c.JournalChecksum); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxStateBytes <= 0 {
		c.MaxStateBytes = DefaultMaxStateBytes
	}
	if c.TaskHistory <= 0 {
		c.TaskHistory = DefaultTaskHistory
	}
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.MaxParts == 0 {
		c.MaxParts = DefaultMaxParts
	}
	if _, err := wire.CodecByName(c.Codec, int64(c.MaxFrameSize)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxStateBytes > int64(c.MaxFrameSize) {
		return fmt.Errorf("config: max state %s exceeds max frame size %s",
			humanizeBytes(c.MaxStateBytes), humanizeBytes(int64(c.MaxFrameSize)))
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: max conns must be >= 0")
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Peer != "" {
		if _, _, err := net.SplitHostPort(c.Peer); err != nil {
			return fmt.Errorf("config: peer %q: %w", c.Peer, err)
		}
	}
	if c.PeerRetryMaxAttempts <= 0 {
		c.PeerRetryMaxAttempts = DefaultPeerRetryMaxAttempts
	}
	if c.PeerRetryBaseDelay <= 0 {
		c.PeerRetryBaseDelay = DefaultPeerRetryBaseDelay
	}
	if c.PeerRetryMaxDelay <= 0 {
		c.PeerRetryMaxDelay = DefaultPeerRetryMaxDelay
	}
	if c.PeerRetryMultiplier <= 0 {
		c.PeerRetryMultiplier = DefaultPeerRetryMultiplier
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		c.ConnguardProbeTimeout = 0
	} else if c.ConnguardProbeTimeout == 0 {
		c.ConnguardProbeTimeout = DefaultConnguardProbeTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Checksum returns the parsed journal checksum algorithm.
func (c Config) Checksum() journal.ChecksumAlgorithm {
	alg, _ := journal.ParseChecksumAlgorithm(c.JournalChecksum)
	return alg
}

// Limits returns the wire message limits.
func (c Config) Limits() wire.Limits {
	return wire.Limits{MaxFrames: c.MaxFrames, MaxFrameSize: c.MaxFrameSize, MaxParts: c.MaxParts}
}

// PeerRetry returns the dial retry policy towards the peer.
func (c Config) PeerRetry() retry.Config {
	return retry.Config{
		MaxAttempts: c.PeerRetryMaxAttempts,
		BaseDelay:   c.PeerRetryBaseDelay,
		MaxDelay:    c.PeerRetryMaxDelay,
		Multiplier:  c.PeerRetryMultiplier,
	}
}

// Connguard returns the listener guard configuration.
func (c Config) Connguard() connguard.Config {
	return connguard.Config{
		Enabled:          c.ConnguardEnabled,
		FailureThreshold: c.ConnguardFailureThreshold,
		FailureWindow:    c.ConnguardFailureWindow,
		BlockDuration:    c.ConnguardBlockDuration,
		ProbeTimeout:     c.ConnguardProbeTimeout,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.rtnode).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RTNODE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rtnode"), nil
}

// DefaultDataDir returns the default data directory ($HOME/.rtnode/data).
func DefaultDataDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// expandUserAndEnv expands $VAR, ${VAR} and a leading "~/" in p. The result
// is not made absolute.
func expandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}
