package pipeline

import (
	"fmt"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sink"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

const (
	DefaultFrameDuration       = 20 * time.Millisecond
	DefaultBufferDuration      = 2 * time.Second
	DefaultStopTimeout         = 5 * time.Second
	DefaultDeviceRetryInitial  = time.Second
	DefaultDeviceRetryMax      = 30 * time.Second
	DefaultDeviceRetryAttempts = 10
	DefaultStatsInterval       = 5 * time.Second
)

// Config describes one capture-to-stream session.
type Config struct {
	Format       audiocore.AudioFormat
	FrameSamples int // per channel; zero derives it from DefaultFrameDuration

	// BufferSamples is the ring capacity in interleaved samples. It is
	// rounded up to a whole number of frames.
	BufferSamples  int
	OverflowPolicy audiocore.OverflowPolicy
	BlockTimeout   time.Duration

	Codec codec.Kind

	MaxPageBytes int
	MaxLatency   time.Duration

	Sink sink.Config

	StopTimeout time.Duration
	// MaxReconnectFailures stops the pipeline after that many consecutive
	// failed connects. Zero retries forever.
	MaxReconnectFailures int

	DeviceRetryInitial  time.Duration
	DeviceRetryMax      time.Duration
	DeviceRetryAttempts int

	StatsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Format.BitDepth == 0 {
		c.Format.BitDepth = 16
	}
	if c.FrameSamples <= 0 && c.Format.SampleRate > 0 {
		c.FrameSamples = audiocore.FrameSamplesFor(c.Format.SampleRate, DefaultFrameDuration)
	}
	frameLen := c.FrameSamples * c.Format.Channels
	if c.BufferSamples <= 0 && c.Format.SampleRate > 0 {
		c.BufferSamples = int(DefaultBufferDuration.Seconds() * float64(c.Format.SampleRate*c.Format.Channels))
	}
	if frameLen > 0 {
		frames := max(1, (c.BufferSamples+frameLen-1)/frameLen)
		c.BufferSamples = frames * frameLen
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = audiocore.OverflowDropOldest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = audiocore.DefaultBlockTimeout
	}
	if c.Codec == "" {
		c.Codec = codec.KindPCM
	}
	if c.MaxPageBytes <= 0 {
		c.MaxPageBytes = container.DefaultMaxPageBytes
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = container.DefaultMaxLatency
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.DeviceRetryInitial <= 0 {
		c.DeviceRetryInitial = DefaultDeviceRetryInitial
	}
	if c.DeviceRetryMax <= 0 {
		c.DeviceRetryMax = DefaultDeviceRetryMax
	}
	if c.DeviceRetryAttempts <= 0 {
		c.DeviceRetryAttempts = DefaultDeviceRetryAttempts
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.Sink.Policy == "" {
		c.Sink.Policy = c.OverflowPolicy
	}
	if c.Sink.BlockTimeout <= 0 {
		c.Sink.BlockTimeout = c.BlockTimeout
	}
	if c.Sink.AudioInfo == "" {
		c.Sink.AudioInfo = fmt.Sprintf("samplerate=%d;channels=%d;codec=%s",
			c.Format.SampleRate, c.Format.Channels, c.Codec)
	}
}

func (c Config) validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.FrameSamples <= 0 || c.FrameSamples > 0xFFFF {
		return errors.Newf("frame size %d is out of range", c.FrameSamples).
			Component(componentPipeline).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := audiocore.ParseOverflowPolicy(string(c.OverflowPolicy)); err != nil {
		return err
	}
	return nil
}

func (c Config) params() audiocore.DeviceParams {
	return audiocore.DeviceParams{Format: c.Format, FrameSamples: c.FrameSamples}
}
