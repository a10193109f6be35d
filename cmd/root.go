package cmd

import (
	"github.com/spf13/cobra"

	"github.com/davdef/airlift-node-sub001/cmd/config"
	"github.com/davdef/airlift-node-sub001/cmd/devices"
	"github.com/davdef/airlift-node-sub001/cmd/inspect"
	"github.com/davdef/airlift-node-sub001/cmd/stream"
	"github.com/davdef/airlift-node-sub001/cmd/version"
	"github.com/davdef/airlift-node-sub001/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *conf.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "airlift",
		Short:         "Airlift node: capture audio and stream it to Icecast",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, ctx); err != nil {
		// only fails on a programming error in the flag table
		panic(err)
	}

	versionCmd := version.Command(ctx)
	rootCmd.AddCommand(
		stream.Command(ctx),
		devices.Command(ctx),
		inspect.Command(ctx),
		config.Command(ctx),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return ctx.Init()
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return ctx.Close()
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *conf.Context) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.ConfigPath, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/airlift, /etc/airlift)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.StringVar(&ctx.LogLevel, "log-level", "", "Override the log level (trace, debug, info, warn, error)")

	return conf.BindFlags(ctx.Viper, flags, conf.FlagBinding{Flag: "debug", Key: "debug"})
}
