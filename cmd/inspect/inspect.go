package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
	"github.com/davdef/airlift-node-sub001/internal/conf"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

// Command creates the inspect command, which checks a recorded stream,
// for example one captured with curl from the Icecast mount.
func Command(ctx *conf.Context) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "inspect <stream-file>",
		Short: "Verify and summarize a recorded stream",
		Long: "Read a recorded stream page by page, verify checksums and framing, " +
			"report lost frames and optionally decode the audio to a WAV file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.input = args[0]
			return run(cmd.OutOrStdout(), opts, ctx.Logger("inspect"))
		},
	}

	cmd.Flags().StringVar(&opts.decode, "decode", "", "Decode the audio into this WAV file; lost frames become silence")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

type options struct {
	input  string
	decode string
	asJSON bool
}

func run(out io.Writer, opts options, log logger.Logger) error {
	in, err := os.Open(opts.input)
	if err != nil {
		return fmt.Errorf("error opening stream file: %w", err)
	}
	defer in.Close()

	var (
		fn  container.FrameFunc
		dec *wavDecoder
	)
	if opts.decode != "" {
		dec = newWAVDecoder(opts.decode)
		fn = dec.Frame
	}

	sum, scanErr := container.Scan(in, fn)
	if dec != nil {
		if err := dec.Close(); err != nil && scanErr == nil {
			scanErr = err
		}
	}
	if scanErr != nil {
		return scanErr
	}

	log.Debug("stream inspected",
		logger.String("file", opts.input),
		logger.Int("pages", sum.Pages),
		logger.Int("frames", sum.Frames))

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	return printSummary(out, sum, dec)
}

func printSummary(out io.Writer, sum container.Summary, dec *wavDecoder) error {
	d := sum.Descriptor
	lines := []string{
		fmt.Sprintf("codec:         %s", d.Kind),
		fmt.Sprintf("format:        %d Hz, %d channels, %d samples per frame", d.SampleRate, d.Channels, d.FrameSamples),
		fmt.Sprintf("pages:         %d (%d header)", sum.Pages, sum.HeaderPages),
		fmt.Sprintf("frames:        %d (sequence %d to %d)", sum.Frames, sum.FirstFrame, sum.LastFrame),
		fmt.Sprintf("payload bytes: %d", sum.PayloadBytes),
		fmt.Sprintf("duration:      %s", streamDuration(sum)),
		fmt.Sprintf("lost frames:   %d in %d gaps", sum.MissingFrames(), len(sum.Gaps)),
	}
	for _, g := range sum.Gaps {
		lines = append(lines, fmt.Sprintf("  gap after frame %d: %d missing", g.After, g.Missing()))
	}
	if dec != nil {
		lines = append(lines, fmt.Sprintf("decoded:       %s (%d samples)", dec.path, dec.written))
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(out, l); err != nil {
			return err
		}
	}
	return nil
}

// streamDuration is the audio time the recorded frames span, gaps included.
func streamDuration(sum container.Summary) time.Duration {
	d := sum.Descriptor
	if sum.Frames == 0 || d.SampleRate == 0 {
		return 0
	}
	frames := sum.LastFrame - sum.FirstFrame + 1
	samples := frames * uint64(d.FrameSamples)
	return time.Duration(samples) * time.Second / time.Duration(d.SampleRate)
}
