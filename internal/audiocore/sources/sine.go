package sources

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
)

const (
	DefaultSineFrequency = 440.0
	DefaultSineAmplitude = 0.2
)

// SineConfig configures the test tone generator.
type SineConfig struct {
	Frequency float64 // Hz
	Amplitude float64 // 0..1 of full scale
	// Unpaced produces frames as fast as they are read.
	Unpaced bool
}

// SineDevice generates a continuous tone on every channel.
type SineDevice struct {
	cfg SineConfig
}

// NewSineDevice returns a tone generator.
func NewSineDevice(cfg SineConfig) *SineDevice {
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultSineFrequency
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = DefaultSineAmplitude
	}
	return &SineDevice{cfg: cfg}
}

// Name implements audiocore.Device.
func (d *SineDevice) Name() string {
	return fmt.Sprintf("sine:%gHz", d.cfg.Frequency)
}

// Open implements audiocore.Device.
func (d *SineDevice) Open(params audiocore.DeviceParams) (audiocore.DeviceHandle, error) {
	if err := params.Format.Validate(); err != nil {
		return nil, err
	}
	if params.FrameSamples <= 0 {
		return nil, unsupported(d.Name(), "frame size must be positive")
	}
	h := &sineHandle{
		params: params,
		step:   2 * math.Pi * d.cfg.Frequency / float64(params.Format.SampleRate),
		scale:  d.cfg.Amplitude * math.MaxInt16,
	}
	if !d.cfg.Unpaced {
		h.pace.interval = params.FrameDuration()
	}
	return h, nil
}

type sineHandle struct {
	params audiocore.DeviceParams
	step   float64
	scale  float64
	index  uint64
	pace   pacer
}

func (h *sineHandle) ReadFrame(ctx context.Context) (audiocore.SampleFrame, error) {
	if err := h.pace.wait(ctx); err != nil {
		return audiocore.SampleFrame{}, err
	}
	ch := h.params.Format.Channels
	samples := make([]int16, h.params.FrameLen())
	for i := range h.params.FrameSamples {
		v := int16(h.scale * math.Sin(h.step*float64(h.index+uint64(i))))
		for c := range ch {
			samples[i*ch+c] = v
		}
	}
	frame := audiocore.SampleFrame{Samples: samples, Index: h.index, Captured: time.Now()}
	h.index += uint64(h.params.FrameSamples)
	return frame, nil
}

func (h *sineHandle) Close() error {
	return nil
}
