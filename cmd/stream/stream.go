package stream

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davdef/airlift-node-sub001/internal/conf"
	"github.com/davdef/airlift-node-sub001/internal/node"
)

// Command creates the stream command, which runs the node until it is
// interrupted or its input ends.
func Command(ctx *conf.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Capture audio and stream it to the configured server",
		Long: "Capture audio from a sound card, file or test tone, encode it and stream it " +
			"to an Icecast mount point until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), ctx)
		},
	}

	if err := setupFlags(cmd, ctx); err != nil {
		panic(err)
	}
	return cmd
}

func run(parent context.Context, ctx *conf.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx.Settings, ctx.Build, ctx.Log)
	if err != nil {
		return err
	}
	return n.Run(sigCtx)
}

// setupFlags configures flags specific to the stream command.
func setupFlags(cmd *cobra.Command, ctx *conf.Context) error {
	flags := cmd.Flags()
	flags.String("source", "", "Audio source: malgo, file or sine")
	flags.String("device", "", "Capture device name, empty for the default device")
	flags.String("file", "", "WAV or FLAC file to stream when --source=file")
	flags.Bool("loop", false, "Loop the input file")
	flags.String("codec", "", "Codec kind: pcm, wav, adpcm, mulaw or flac")
	flags.String("host", "", "Icecast server host")
	flags.Int("port", 0, "Icecast server port")
	flags.String("mount", "", "Icecast mount point")
	flags.Bool("monitoring", false, "Enable the metrics endpoint")
	flags.String("listen", "", "Listen address of the metrics endpoint")

	return conf.BindFlags(ctx.Viper, flags,
		conf.FlagBinding{Flag: "source", Key: "audio.source"},
		conf.FlagBinding{Flag: "device", Key: "audio.device"},
		conf.FlagBinding{Flag: "file", Key: "audio.file"},
		conf.FlagBinding{Flag: "loop", Key: "audio.loop"},
		conf.FlagBinding{Flag: "codec", Key: "codec.kind"},
		conf.FlagBinding{Flag: "host", Key: "icecast.host"},
		conf.FlagBinding{Flag: "port", Key: "icecast.port"},
		conf.FlagBinding{Flag: "mount", Key: "icecast.mount"},
		conf.FlagBinding{Flag: "monitoring", Key: "monitoring.enabled"},
		conf.FlagBinding{Flag: "listen", Key: "monitoring.listen"},
	)
}
