package config

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/davdef/airlift-node-sub001/internal/conf"
)

// Command creates the config command, which prints the effective
// configuration after file, environment and flags are merged.
func Command(ctx *conf.Context) *cobra.Command {
	var reveal, template bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if template {
				return printTemplate(cmd.OutOrStdout())
			}
			return ctx.Settings.Dump(cmd.OutOrStdout(), reveal)
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show passwords and the Sentry DSN instead of masking them")
	cmd.Flags().BoolVar(&template, "default", false, "Print the annotated default config.yaml")
	return cmd
}

func printTemplate(out io.Writer) error {
	body, err := conf.DefaultConfig()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(out, body)
	return err
}
