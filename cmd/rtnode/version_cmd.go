package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/rtnode/internal/version"
)

func newVersionCommand() *cobra.Command {
	var asJSON, asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the rtnode version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(version.Describe())
			case asYAML:
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(version.Describe())
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build details as JSON")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print build details as YAML")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")
	return cmd
}
