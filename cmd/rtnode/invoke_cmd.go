package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/rtnode"
	"pkt.systems/rtnode/client"
	"pkt.systems/rtnode/internal/svcfields"
)

const defaultServerAddr = "127.0.0.1:7341"

func newInvokeCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "invoke TYPE METHOD [ARGS...]",
		Short: "Invoke a method on a running node",
		Long: `Invoke sends one invocation and prints the sync answer followed by each
async part, one JSON document per line. Arguments that parse as JSON are
sent as JSON values; anything else is sent as a string.`,
		Example: `
  rtnode invoke ResourceContext create '/users/*' '{"n":0}'
  rtnode invoke ResourceContext invoke /users/alice increment /n 1
  rtnode invoke --name remote ResourceContext load /users/alice
  rtnode invoke --parts 10 EventContext subscribe '/users/*'
`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := svcfields.WithSubsystem(baseLogger, "cli.invoke")
			cli, err := client.New(v.GetString("server"),
				client.WithLogger(logger),
				client.WithCodec(v.GetString("codec")),
			)
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if d := v.GetDuration("timeout"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			inv := client.Invocation{
				Type:      args[0],
				Name:      v.GetString("name"),
				Method:    args[1],
				Arguments: parseArguments(args[2:]),
			}
			parts := v.GetUint32("parts")
			pending, err := cli.Invoke(ctx, inv, parts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			value, err := pending.Sync(ctx)
			if err != nil {
				return err
			}
			if err := printValue(out, value); err != nil {
				return err
			}
			for answer := range pending.Async() {
				if answer.Err != nil {
					return fmt.Errorf("part %d: %w", answer.Part, answer.Err)
				}
				if err := printValue(out, answer.Value); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringP("server", "s", defaultServerAddr, "node address")
	flags.String("name", "", "scope (local, remote) or registration name")
	flags.Uint32("parts", 0, "async parts to accept")
	flags.String("codec", rtnode.DefaultCodec, "wire payload codec (json, proto)")
	flags.Duration("timeout", 30*time.Second, "overall deadline (0 waits for every part)")
	v.SetEnvPrefix("RTNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, cmd, []string{"server", "name", "parts", "codec", "timeout"})
	return cmd
}

func parseArguments(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			out = append(out, v)
			continue
		}
		out = append(out, s)
	}
	return out
}

func printValue(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
