package audiocore

import (
	"context"
	"fmt"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// Pipeline defaults. 48 kHz stereo with 20 ms frames.
const (
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultBitDepth      = 16
	DefaultFrameDuration = 20 * time.Millisecond
)

// AudioFormat describes interleaved signed 16-bit PCM.
type AudioFormat struct {
	SampleRate int // Hz
	Channels   int
	BitDepth   int // always 16 on the wire between stages
}

// Validate checks the format is usable by the pipeline.
func (f AudioFormat) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return formatError("sample rate must be positive", f)
	case f.Channels <= 0 || f.Channels > 8:
		return formatError("channel count must be between 1 and 8", f)
	case f.BitDepth != 16:
		return formatError("only 16-bit samples are supported", f)
	}
	return nil
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/s%d", f.SampleRate, f.Channels, f.BitDepth)
}

func formatError(msg string, f AudioFormat) error {
	return errors.New(fmt.Errorf("%w: %s", ErrFormatUnsupported, msg)).
		Component(ComponentAudioCore).
		Category(errors.CategoryFormatUnsupported).
		Context("format", f.String()).
		Build()
}

// FrameSamplesFor returns the per-channel sample count of a frame of the given duration.
func FrameSamplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// SampleFrame is one fixed-size block of interleaved PCM.
type SampleFrame struct {
	Samples []int16
	// Index is the sample clock (per channel) of the first sample.
	Index uint64
	// Captured is the wall-clock capture time, informational only.
	Captured time.Time
}

// PerChannel returns the number of samples per channel.
func (f SampleFrame) PerChannel(channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(f.Samples) / channels
}

// EncodedFrame is the encoder output handed to the muxer. Ownership moves
// with the value; the producer must not touch Payload afterwards.
type EncodedFrame struct {
	Payload []byte
	// Sequence starts at 1 for audio frames; header frames use 0.
	Sequence uint64
	// Timestamp is the sample clock after this frame.
	Timestamp uint64
	// Header marks codec metadata rather than audio.
	Header bool
}

// DeviceParams is what a capture device is asked to open with.
type DeviceParams struct {
	Format       AudioFormat
	FrameSamples int // per channel
}

// FrameLen returns the interleaved sample count of one frame.
func (p DeviceParams) FrameLen() int {
	return p.FrameSamples * p.Format.Channels
}

// FrameDuration returns the wall-clock length of one frame.
func (p DeviceParams) FrameDuration() time.Duration {
	if p.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.FrameSamples) * time.Second / time.Duration(p.Format.SampleRate)
}

// Device is an audio input that can be opened for capture.
type Device interface {
	Name() string
	// Open fails with ErrDeviceUnavailable or ErrFormatUnsupported.
	Open(params DeviceParams) (DeviceHandle, error)
}

// DeviceHandle is an opened device. ReadFrame blocks until a full frame is
// available, ctx is done, or the device fails. Close is called once.
type DeviceHandle interface {
	ReadFrame(ctx context.Context) (SampleFrame, error)
	Close() error
}
