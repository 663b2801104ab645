package rtnode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateFillsDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{DataDir: t.TempDir()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.ListenProto != DefaultListenProto {
		t.Fatalf("listen defaults: %q %q", cfg.Listen, cfg.ListenProto)
	}
	if cfg.JournalSlotSize != DefaultJournalSlotSize || cfg.JournalSlotCount != DefaultJournalSlotCount {
		t.Fatalf("journal defaults: %d %d", cfg.JournalSlotSize, cfg.JournalSlotCount)
	}
	if cfg.Codec != DefaultCodec || cfg.MaxFrameSize != DefaultMaxFrameSize || cfg.MaxInFlight != DefaultMaxInFlight {
		t.Fatalf("wire defaults: %+v", cfg)
	}
	if cfg.Node == "" {
		t.Fatal("node name not defaulted")
	}
	if r := cfg.PeerRetry(); r.MaxAttempts != DefaultPeerRetryMaxAttempts || r.Multiplier != DefaultPeerRetryMultiplier {
		t.Fatalf("peer retry defaults: %+v", r)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"network", Config{ListenProto: "unix"}, "listen network"},
		{"checksum", Config{JournalChecksum: "md5"}, "checksum"},
		{"codec", Config{Codec: "xml"}, "codec"},
		{"slot", Config{JournalSlotSize: 16}, "too small"},
		{"state", Config{MaxStateBytes: 2 << 20, MaxFrameSize: 1 << 20}, "exceeds max frame size"},
		{"peer", Config{Peer: "no-port"}, "peer"},
		{"profiling", Config{EnableProfilingMetrics: true}, "metrics listen"},
		{"archive key", Config{ArchiveKeyFile: "/tmp/archive.pem"}, "archive url"},
	}
	for _, tc := range cases {
		tc.cfg.DataDir = t.TempDir()
		err := tc.cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidateExpandsDataDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	t.Setenv("RTNODE_TEST_SUB", "nodes")
	cfg := Config{DataDir: "~/rtnode/$RTNODE_TEST_SUB"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := filepath.Join(home, "rtnode", "nodes"); cfg.DataDir != want {
		t.Fatalf("expanded %q, want %q", cfg.DataDir, want)
	}
	raw := Config{DataDir: "~/$RTNODE_TEST_SUB", DataDirDisableExpansion: true}
	if err := raw.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if raw.DataDir != "~/$RTNODE_TEST_SUB" {
		t.Fatalf("expansion not disabled: %q", raw.DataDir)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RTNODE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("config dir %q %v", got, err)
	}
	data, err := DefaultDataDir()
	if err != nil || data != filepath.Join(dir, "data") {
		t.Fatalf("data dir %q %v", data, err)
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", "", true},
		{"collector:55680", "grpc", "collector:55680", "", true},
		{"grpcs://collector", "grpc", "collector:4317", "", false},
		{"http://collector/v1/traces", "http", "collector:4318", "/v1/traces", true},
		{"https://collector:443", "http", "collector:443", "", false},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: got %+v", tc.raw, got)
		}
	}
	if _, err := resolveOTLPTarget("ftp://collector"); err == nil {
		t.Fatal("unknown scheme accepted")
	}
}

func TestHumanizeBytes(t *testing.T) {
	t.Parallel()
	if got := humanizeBytes(64 << 10); got != "64KiB" {
		t.Fatalf("got %q", got)
	}
}
