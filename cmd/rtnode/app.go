package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/rtnode"
	"pkt.systems/rtnode/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RTNODE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rtnode")
	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// serverFlags lists every flag that maps onto rtnode.Config. Each is bound
// to viper under the same name and to RTNODE_<NAME> in the environment.
var serverFlags = []string{
	"listen", "listen-proto", "node", "data-dir",
	"journal-slot-size", "journal-slot-count", "journal-checksum", "retention", "archive", "archive-key",
	"max-state", "task-history",
	"codec", "max-conns", "max-in-flight", "max-frames", "max-frame-size", "max-parts", "write-timeout",
	"peer", "peer-max-idle", "peer-retry-attempts", "peer-retry-base-delay", "peer-retry-max-delay", "peer-retry-multiplier",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"shutdown-timeout", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "rtnode",
		Short:         "rtnode is a resource runtime node with a journaled store and a framed invocation protocol",
		SilenceErrors: true,
		Example: `
  # Serve with the data directory under /var/lib/rtnode
  rtnode --data-dir /var/lib/rtnode

  # Forward the remote scope to another node and speak protobuf on the wire
  rtnode --codec proto --peer 10.0.0.2:7341

  # Archive revisions reclaimed by retention to MinIO
  RTNODE_ARCHIVE='s3://localhost:9000/rtnode/archive?insecure=1' rtnode --retention 8
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to rtnode",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			var cfg rtnode.Config
			if err := bindConfig(v, &cfg); err != nil {
				return err
			}
			server, err := rtnode.NewServer(cfg, rtnode.WithLogger(logger))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			return server.Start()
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.rtnode/"+rtnode.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", rtnode.DefaultListen, "wire protocol listen address")
	flags.String("listen-proto", rtnode.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.String("node", "", "node name reported by ManifestContext (defaults to the host name)")
	addDataDirFlag(flags)
	flags.String("journal-slot-size", humanizeBytes(rtnode.DefaultJournalSlotSize), "journal slot size for a new data directory")
	flags.Int("journal-slot-count", rtnode.DefaultJournalSlotCount, "journal slot count for a new data directory")
	flags.String("journal-checksum", rtnode.DefaultJournalChecksum, "journal checksum (adler32, crc32, xxh32)")
	flags.Int("retention", rtnode.DefaultRetention, "revisions kept per resource (fixed when the data directory is created)")
	flags.String("archive", "", "archive for reclaimed revisions (s3://, aws://, azure:// or file:// URL)")
	flags.String("archive-key", "", "kryptograf key bundle encrypting archived revisions (created when missing)")
	flags.String("max-state", humanizeBytes(rtnode.DefaultMaxStateBytes), "maximum resource document size")
	flags.Int("task-history", rtnode.DefaultTaskHistory, "finished scheduler tasks kept for status queries")
	flags.String("codec", rtnode.DefaultCodec, "wire payload codec (json, proto)")
	flags.Int("max-conns", 0, "maximum accepted connections (0 is unlimited)")
	flags.Int64("max-in-flight", rtnode.DefaultMaxInFlight, "maximum concurrent dispatches")
	flags.Int("max-frames", rtnode.DefaultMaxFrames, "maximum frames in one wire message")
	flags.Uint32("max-parts", rtnode.DefaultMaxParts, "maximum async parts one request may ask for")
	flags.String("max-frame-size", humanizeBytes(rtnode.DefaultMaxFrameSize), "maximum size of one wire frame")
	flags.Duration("write-timeout", rtnode.DefaultWriteTimeout, "timeout for one response write")
	flags.String("peer", "", "address of the node serving the remote scope")
	flags.Int("peer-max-idle", 0, "idle connections pooled towards the peer")
	flags.Int("peer-retry-attempts", rtnode.DefaultPeerRetryMaxAttempts, "peer dial attempts")
	flags.Duration("peer-retry-base-delay", rtnode.DefaultPeerRetryBaseDelay, "first backoff between peer dials")
	flags.Duration("peer-retry-max-delay", rtnode.DefaultPeerRetryMaxDelay, "maximum backoff between peer dials")
	flags.Float64("peer-retry-multiplier", rtnode.DefaultPeerRetryMultiplier, "peer dial backoff multiplier")
	flags.Bool("connguard-enabled", true, "block hosts that repeatedly send malformed traffic")
	flags.Int("connguard-failure-threshold", rtnode.DefaultConnguardFailureThreshold, "failures within the window that block a host")
	flags.Duration("connguard-failure-window", rtnode.DefaultConnguardFailureWindow, "window for counting failures")
	flags.Duration("connguard-block-duration", rtnode.DefaultConnguardBlockDuration, "how long a host stays blocked")
	flags.Duration("connguard-probe-timeout", rtnode.DefaultConnguardProbeTimeout, "wait for a new connection's first byte (negative disables)")
	flags.String("metrics-listen", rtnode.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", rtnode.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", rtnode.DefaultShutdownTimeout, "graceful shutdown timeout")

	v.SetEnvPrefix("RTNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, cmd, append([]string{"config"}, serverFlags...))

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newInvokeCommand(baseLogger))
	cmd.AddCommand(newJournalCommand())
	cmd.AddCommand(newRevisionCommand(baseLogger))
	return cmd
}

func addDataDirFlag(flags *pflag.FlagSet) {
	flags.String("data-dir", "", "data directory (defaults to $HOME/.rtnode/data)")
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, names []string) {
	for _, name := range names {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", key, raw, err)
	}
	return int64(n), nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := rtnode.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, rtnode.DefaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
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
	return filepath.Abs(p)
}

func bindConfig(v *viper.Viper, cfg *rtnode.Config) error {
	cfg.Listen = v.GetString("listen")
	cfg.ListenProto = v.GetString("listen-proto")
	cfg.Node = v.GetString("node")
	cfg.DataDir = v.GetString("data-dir")
	slotSize, err := parseBytes(v, "journal-slot-size")
	if err != nil {
		return err
	}
	cfg.JournalSlotSize = int(slotSize)
	cfg.JournalSlotCount = v.GetInt("journal-slot-count")
	cfg.JournalChecksum = v.GetString("journal-checksum")
	cfg.Retention = v.GetInt("retention")
	cfg.ArchiveURL = v.GetString("archive")
	cfg.ArchiveKeyFile = v.GetString("archive-key")
	if cfg.MaxStateBytes, err = parseBytes(v, "max-state"); err != nil {
		return err
	}
	cfg.TaskHistory = v.GetInt("task-history")
	cfg.Codec = v.GetString("codec")
	cfg.MaxConns = v.GetInt("max-conns")
	cfg.MaxInFlight = v.GetInt64("max-in-flight")
	cfg.MaxFrames = v.GetInt("max-frames")
	cfg.MaxParts = v.GetUint32("max-parts")
	frameSize, err := parseBytes(v, "max-frame-size")
	if err != nil {
		return err
	}
	cfg.MaxFrameSize = int(frameSize)
	cfg.WriteTimeout = v.GetDuration("write-timeout")
	cfg.Peer = v.GetString("peer")
	cfg.PeerMaxIdle = v.GetInt("peer-max-idle")
	cfg.PeerRetryMaxAttempts = v.GetInt("peer-retry-attempts")
	cfg.PeerRetryBaseDelay = v.GetDuration("peer-retry-base-delay")
	cfg.PeerRetryMaxDelay = v.GetDuration("peer-retry-max-delay")
	cfg.PeerRetryMultiplier = v.GetFloat64("peer-retry-multiplier")
	cfg.ConnguardEnabled = v.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = v.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = v.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = v.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = v.GetDuration("connguard-probe-timeout")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	return nil
}
