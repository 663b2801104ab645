package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/rtnode"
	"pkt.systems/rtnode/internal/journal"
	"pkt.systems/rtnode/internal/path"
	"pkt.systems/rtnode/internal/persist"
	"pkt.systems/rtnode/internal/resourceid"
	"pkt.systems/rtnode/internal/svcfields"
)

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the transaction journal of a data directory",
	}
	cmd.AddCommand(newJournalVerifyCommand())
	return cmd
}

func newJournalVerifyCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every pending journal slot without changing the data directory",
		Long: `Verify opens the journal read-only, parses each occupied slot and prints
its state, transaction and commands. It fails when any slot is corrupt.
A node holding the data directory blocks verify.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			dir, err := resolveDataDir(v)
			if err != nil {
				return err
			}
			return verifyJournal(cmd.OutOrStdout(), dir)
		},
	}
	addDataDirFlag(cmd.Flags())
	bindDataDir(v, cmd)
	return cmd
}

func verifyJournal(w io.Writer, dir string) error {
	current, retention, err := journal.ReadRevisionPool(dir)
	if err != nil {
		return err
	}
	j, err := journal.Open(dir, journal.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer j.Close()
	slotSize, slotCount := j.Geometry()
	fmt.Fprintf(w, "data dir:   %s\n", dir)
	fmt.Fprintf(w, "revision:   %s\n", current)
	fmt.Fprintf(w, "retention:  %d\n", retention)
	fmt.Fprintf(w, "geometry:   %d slots of %s\n", slotCount, humanizeBytes(int64(slotSize)))
	entries, err := j.Pending()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "pending:    %d\n", len(entries))
	var bad int
	for _, pe := range entries {
		if pe.Err != nil {
			bad++
			fmt.Fprintf(w, "slot %d: %v\n", pe.Slot, pe.Err)
			continue
		}
		program, err := journal.ParseProgram(pe.Program)
		if err != nil {
			bad++
			fmt.Fprintf(w, "slot %d seq %d %s: %v\n", pe.Slot, pe.Seq, pe.State, err)
			continue
		}
		fmt.Fprintf(w, "slot %d seq %d %s txn %s revision %s\n",
			pe.Slot, pe.Seq, pe.State, program.Header.TxnID, program.Header.Revision)
		for _, c := range append(program.Commit, program.Cleanup...) {
			fmt.Fprintf(w, "  %-7s %s%s\n", c.Phase, c.Instruction, formatParams(c.Params))
		}
	}
	if bad > 0 {
		return fmt.Errorf("journal: %d of %d pending slots are corrupt", bad, len(entries))
	}
	return nil
}

func formatParams(params []journal.Param) string {
	var b strings.Builder
	for _, p := range params {
		b.WriteByte(' ')
		switch p.Type {
		case journal.ParamResourceID:
			id, err := p.ResourceID()
			if err != nil {
				b.WriteString("<bad id>")
				continue
			}
			b.WriteString(id.String())
		case journal.ParamBytes:
			fmt.Fprintf(&b, "<%d bytes>", len(p.Value))
		default:
			b.WriteString(string(p.Value))
		}
	}
	return b.String()
}

func newRevisionCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revision",
		Short: "Read stored revisions from a stopped node's data directory",
	}
	cmd.AddCommand(newRevisionShowCommand(baseLogger))
	return cmd
}

func newRevisionShowCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	var at string
	cmd := &cobra.Command{
		Use:   "show [ID|PATH]",
		Short: "Print the current revision, or one resource as of a revision",
		Long: `Without arguments show prints the store's current revision. With a resource
id or path it prints the resource document as of --at (default latest).
The store is opened for writing so pending transactions are recovered first;
stop the node before running it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			dir, err := resolveDataDir(v)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				current, _, err := journal.ReadRevisionPool(dir)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, current.String())
				return err
			}
			rev := journal.Latest
			if at != "" {
				if rev, err = journal.ParseRevision(at); err != nil {
					return err
				}
			}
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("data dir: %w", err)
			}
			ctx := cmd.Context()
			engine, err := persist.Open(ctx, persist.Config{
				Dir:    dir,
				Logger: svcfields.WithSubsystem(baseLogger, "cli.revision"),
			})
			if err != nil {
				return err
			}
			defer engine.Close()
			id, err := resourceid.Parse(args[0])
			if err != nil {
				p, perr := path.Parse(args[0])
				if perr != nil {
					return errors.Join(fmt.Errorf("%q is neither a resource id nor a path", args[0]), err, perr)
				}
				if id, err = engine.Resolve(ctx, p); err != nil {
					return err
				}
			}
			snap, err := engine.Load(ctx, id, rev)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "id:       %s\nrevision: %s\n", snap.ID, snap.Revision)
			_, err = fmt.Fprintf(out, "%s\n", snap.Data)
			return err
		},
	}
	addDataDirFlag(cmd.Flags())
	cmd.Flags().StringVar(&at, "at", "", "revision to read (16 hex digits, default latest)")
	bindDataDir(v, cmd)
	return cmd
}

func bindDataDir(v *viper.Viper, cmd *cobra.Command) {
	v.SetEnvPrefix("RTNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, cmd, []string{"data-dir"})
}

func resolveDataDir(v *viper.Viper) (string, error) {
	cfg := rtnode.Config{DataDir: v.GetString("data-dir")}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	return cfg.DataDir, nil
}
