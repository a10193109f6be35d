package devices

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/davdef/airlift-node-sub001/internal/audiocore/sources"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sources/malgo"
	"github.com/davdef/airlift-node-sub001/internal/conf"
)

// listDevices is replaced in tests, enumeration needs a sound system.
var listDevices = sources.ListDevices

// Command creates the devices command, which lists capture devices.
func Command(ctx *conf.Context) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), ctx.Settings.Audio.Backend, asJSON)
		},
	}

	cmd.Flags().String("backend", "", "Audio backend: alsa, pulseaudio, wasapi, coreaudio or null")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print devices as JSON")
	if err := conf.BindFlags(ctx.Viper, cmd.Flags(), conf.FlagBinding{Flag: "backend", Key: "audio.backend"}); err != nil {
		panic(err)
	}
	return cmd
}

func run(out io.Writer, backend string, asJSON bool) error {
	devices, err := listDevices(backend)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if devices == nil {
			devices = []malgo.DeviceInfo{}
		}
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No capture devices found")
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		if _, err := fmt.Fprintf(out, "%s %2d  %s  (%s)\n", marker, d.Index, d.Name, d.ID); err != nil {
			return err
		}
	}
	return nil
}
