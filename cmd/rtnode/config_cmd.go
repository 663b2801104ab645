package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/rtnode"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rtnode configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.rtnode/" + rtnode.DefaultConfigFileName
	if dir, err := rtnode.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, rtnode.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default rtnode configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := rtnode.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, rtnode.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys are the flag names so
// viper reads the generated file back unchanged.
type configDefaults struct {
	Listen                    string  `yaml:"listen"`
	ListenProto               string  `yaml:"listen-proto"`
	Node                      string  `yaml:"node"`
	DataDir                   string  `yaml:"data-dir"`
	JournalSlotSize           string  `yaml:"journal-slot-size"`
	JournalSlotCount          int     `yaml:"journal-slot-count"`
	JournalChecksum           string  `yaml:"journal-checksum"`
	Retention                 int     `yaml:"retention"`
	Archive                   string  `yaml:"archive"`
	ArchiveKey                string  `yaml:"archive-key"`
	MaxState                  string  `yaml:"max-state"`
	TaskHistory               int     `yaml:"task-history"`
	Codec                     string  `yaml:"codec"`
	MaxConns                  int     `yaml:"max-conns"`
	MaxInFlight               int64   `yaml:"max-in-flight"`
	MaxFrames                 int     `yaml:"max-frames"`
	MaxParts                  uint32  `yaml:"max-parts"`
	MaxFrameSize              string  `yaml:"max-frame-size"`
	WriteTimeout              string  `yaml:"write-timeout"`
	Peer                      string  `yaml:"peer"`
	PeerMaxIdle               int     `yaml:"peer-max-idle"`
	PeerRetryAttempts         int     `yaml:"peer-retry-attempts"`
	PeerRetryBaseDelay        string  `yaml:"peer-retry-base-delay"`
	PeerRetryMaxDelay         string  `yaml:"peer-retry-max-delay"`
	PeerRetryMultiplier       float64 `yaml:"peer-retry-multiplier"`
	ConnguardEnabled          bool    `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int     `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string  `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string  `yaml:"connguard-block-duration"`
	ConnguardProbeTimeout     string  `yaml:"connguard-probe-timeout"`
	MetricsListen             string  `yaml:"metrics-listen"`
	PprofListen               string  `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	ShutdownTimeout           string  `yaml:"shutdown-timeout"`
	LogLevel                  string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	dataDir := ""
	if dir, err := rtnode.DefaultDataDir(); err == nil {
		dataDir = dir
	}
	defaults := configDefaults{
		Listen:                    rtnode.DefaultListen,
		ListenProto:               rtnode.DefaultListenProto,
		DataDir:                   dataDir,
		JournalSlotSize:           humanizeBytes(rtnode.DefaultJournalSlotSize),
		JournalSlotCount:          rtnode.DefaultJournalSlotCount,
		JournalChecksum:           rtnode.DefaultJournalChecksum,
		Retention:                 rtnode.DefaultRetention,
		MaxState:                  humanizeBytes(rtnode.DefaultMaxStateBytes),
		TaskHistory:               rtnode.DefaultTaskHistory,
		Codec:                     rtnode.DefaultCodec,
		MaxInFlight:               rtnode.DefaultMaxInFlight,
		MaxFrames:                 rtnode.DefaultMaxFrames,
		MaxParts:                  rtnode.DefaultMaxParts,
		MaxFrameSize:              humanizeBytes(rtnode.DefaultMaxFrameSize),
		WriteTimeout:              rtnode.DefaultWriteTimeout.String(),
		PeerRetryAttempts:         rtnode.DefaultPeerRetryMaxAttempts,
		PeerRetryBaseDelay:        rtnode.DefaultPeerRetryBaseDelay.String(),
		PeerRetryMaxDelay:         rtnode.DefaultPeerRetryMaxDelay.String(),
		PeerRetryMultiplier:       rtnode.DefaultPeerRetryMultiplier,
		ConnguardEnabled:          true,
		ConnguardFailureThreshold: rtnode.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    rtnode.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    rtnode.DefaultConnguardBlockDuration.String(),
		ConnguardProbeTimeout:     rtnode.DefaultConnguardProbeTimeout.String(),
		MetricsListen:             rtnode.DefaultMetricsListen,
		PprofListen:               rtnode.DefaultPprofListen,
		ShutdownTimeout:           rtnode.DefaultShutdownTimeout.String(),
		LogLevel:                  "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
