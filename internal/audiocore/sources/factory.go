// Package sources builds capture devices from configuration: a sound card
// through malgo, a WAV or FLAC file, or a sine test tone.
package sources

import (
	"fmt"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sources/malgo"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

const componentSources = "sources"

// Source kinds.
const (
	KindMalgo = "malgo"
	KindFile  = "file"
	KindSine  = "sine"
)

// Config selects and configures one device.
type Config struct {
	Source  string // malgo, file or sine
	Device  string // malgo device name, empty for the default
	Backend string // malgo backend, empty for the platform default
	File    string
	Loop    bool
	// Unpaced disables real-time pacing of file and sine sources.
	Unpaced bool
}

// New creates the configured device.
func New(cfg Config, log logger.Logger) (audiocore.Device, error) {
	switch cfg.Source {
	case KindMalgo, "soundcard", "":
		return malgo.NewDevice(malgo.Config{DeviceName: cfg.Device, Backend: cfg.Backend}, log), nil
	case KindFile:
		if cfg.File == "" {
			return nil, errors.Newf("file source requires a path").
				Component(componentSources).
				Category(errors.CategoryConfiguration).
				Build()
		}
		return NewFileDevice(FileConfig{Path: cfg.File, Loop: cfg.Loop, Unpaced: cfg.Unpaced}, log), nil
	case KindSine:
		return NewSineDevice(SineConfig{Unpaced: cfg.Unpaced}), nil
	default:
		return nil, errors.Newf("unknown audio source %q", cfg.Source).
			Component(componentSources).
			Category(errors.CategoryConfiguration).
			Context("supported", []string{KindMalgo, KindFile, KindSine}).
			Build()
	}
}

// ListDevices returns the sound card capture devices.
func ListDevices(backend string) ([]malgo.DeviceInfo, error) {
	return malgo.EnumerateDevices(backend)
}

func unsupported(device, msg string) error {
	return errors.New(fmt.Errorf("%w: %s", audiocore.ErrFormatUnsupported, msg)).
		Component(componentSources).
		Category(errors.CategoryFormatUnsupported).
		Context("device", device).
		Build()
}
