// Package malgo captures from a sound card through miniaudio.
//
// miniaudio delivers audio on its own callback thread in arbitrary period
// sizes. The callback cuts the stream into whole frames and hands them to
// ReadFrame over a channel, so the capture producer keeps a plain blocking
// read loop.
package malgo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

const (
	componentMalgo = "malgo"

	// frameQueueLen is how many whole frames may wait for the reader.
	frameQueueLen = 16
)

// Config selects the device and backend.
type Config struct {
	DeviceName string
	// Backend is alsa, pulseaudio, wasapi, coreaudio or null; empty picks per platform.
	Backend string
}

// Device is a sound card capture device.
type Device struct {
	cfg Config
	log logger.Logger
}

// NewDevice returns a device that opens cfg.DeviceName on demand.
func NewDevice(cfg Config, log logger.Logger) *Device {
	if log == nil {
		log = logger.Discard()
	}
	return &Device{cfg: cfg, log: log.Module(componentMalgo)}
}

// Name implements audiocore.Device.
func (d *Device) Name() string {
	if d.cfg.DeviceName == "" {
		return "malgo:default"
	}
	return "malgo:" + d.cfg.DeviceName
}

// Open implements audiocore.Device. The device is asked for s16 at the
// configured rate and channel count; a device that negotiates a different
// rate or channel count is rejected with ErrFormatUnsupported.
func (d *Device) Open(params audiocore.DeviceParams) (audiocore.DeviceHandle, error) {
	if err := params.Format.Validate(); err != nil {
		return nil, err
	}

	mctx, err := initContext(d.cfg.Backend)
	if err != nil {
		return nil, unavailable(err, d.Name())
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		freeContext(mctx)
		return nil, unavailable(err, d.Name())
	}
	info, err := selectDevice(infos, d.cfg.DeviceName)
	if err != nil {
		freeContext(mctx)
		return nil, unavailable(err, d.Name())
	}

	h := &handle{
		frames:     make(chan audiocore.SampleFrame, frameQueueLen),
		failed:     make(chan struct{}),
		mctx:       mctx,
		asm:        newAssembler(params.FrameLen(), params.Format.Channels),
		log:        d.log.With(logger.String("device", info.Name())),
		throttle:   logger.NewThrottle(time.Second),
		deviceName: info.Name(),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(params.Format.Channels)
	cfg.Capture.DeviceID = info.ID.Pointer()
	cfg.SampleRate = uint32(params.Format.SampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: h.onData,
		Stop: h.onStop,
	})
	if err != nil {
		freeContext(mctx)
		return nil, unavailable(err, d.Name())
	}
	h.dev = dev
	h.format = dev.CaptureFormat()

	if rate := int(dev.SampleRate()); rate != params.Format.SampleRate {
		h.release()
		return nil, unsupported(fmt.Sprintf("device runs at %d Hz, %d Hz requested", rate, params.Format.SampleRate), d.Name())
	}
	if ch := int(dev.CaptureChannels()); ch != params.Format.Channels {
		h.release()
		return nil, unsupported(fmt.Sprintf("device has %d channels, %d requested", ch, params.Format.Channels), d.Name())
	}
	if bytesPerSample(h.format) == 0 {
		h.release()
		return nil, unsupported("device sample format "+formatName(h.format)+" cannot be converted", d.Name())
	}

	if err := dev.Start(); err != nil {
		h.release()
		return nil, unavailable(err, d.Name())
	}
	h.started.Store(true)

	d.log.Info("capture device opened",
		logger.String("device", info.Name()),
		logger.String("native_format", formatName(h.format)),
		logger.String("format", params.Format.String()))
	return h, nil
}

// handle is an opened malgo device. onData runs on the miniaudio thread;
// ReadFrame runs on the producer goroutine.
type handle struct {
	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	format     malgo.FormatType
	asm        *assembler
	frames     chan audiocore.SampleFrame
	deviceName string

	started   atomic.Bool
	closing   atomic.Bool
	failOnce  sync.Once
	failed    chan struct{}
	failErr   error
	closeOnce sync.Once

	log      logger.Logger
	throttle *logger.Throttle
}

func (h *handle) onData(_, input []byte, _ uint32) {
	if h.closing.Load() {
		return
	}
	err := h.asm.push(input, h.format, func(f audiocore.SampleFrame) {
		select {
		case h.frames <- f:
		default:
			if h.throttle.Allow("reader-behind") {
				h.log.Warn("reader is behind, dropping captured frame", logger.Uint64("index", f.Index))
			}
		}
	})
	if err != nil {
		h.fail(err)
	}
}

// onStop fires when miniaudio stops the device, including unplugging.
func (h *handle) onStop() {
	if h.closing.Load() {
		return
	}
	h.fail(errors.Newf("capture device %s stopped unexpectedly", h.deviceName).
		Component(componentMalgo).
		Category(errors.CategoryDeviceUnavailable).
		Build())
}

func (h *handle) fail(err error) {
	h.failOnce.Do(func() {
		h.failErr = err
		close(h.failed)
	})
}

// ReadFrame implements audiocore.DeviceHandle.
func (h *handle) ReadFrame(ctx context.Context) (audiocore.SampleFrame, error) {
	select {
	case f := <-h.frames:
		return f, nil
	case <-h.failed:
		return audiocore.SampleFrame{}, unavailable(h.failErr, h.deviceName)
	case <-ctx.Done():
		return audiocore.SampleFrame{}, ctx.Err()
	}
}

// Close implements audiocore.DeviceHandle.
func (h *handle) Close() error {
	h.release()
	return nil
}

func (h *handle) release() {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		if h.dev != nil {
			if h.started.Load() {
				_ = h.dev.Stop()
			}
			h.dev.Uninit()
		}
		freeContext(h.mctx)
	})
}

// assembler cuts an arbitrary-length sample stream into frames of frameLen
// interleaved samples.
type assembler struct {
	frameLen int
	channels int
	pending  []int16
	index    uint64
}

func newAssembler(frameLen, channels int) *assembler {
	return &assembler{
		frameLen: frameLen,
		channels: channels,
		pending:  make([]int16, 0, frameLen*2),
	}
}

func (a *assembler) push(raw []byte, format malgo.FormatType, emit func(audiocore.SampleFrame)) error {
	var err error
	a.pending, err = appendS16(a.pending, raw, format)
	if err != nil {
		return err
	}
	for len(a.pending) >= a.frameLen {
		samples := make([]int16, a.frameLen)
		copy(samples, a.pending)
		emit(audiocore.SampleFrame{Samples: samples, Index: a.index, Captured: time.Now()})
		a.index += uint64(a.frameLen / a.channels)
		a.pending = append(a.pending[:0], a.pending[a.frameLen:]...)
	}
	return nil
}

func unavailable(err error, device string) error {
	if errors.Is(err, audiocore.ErrDeviceUnavailable) || errors.Is(err, audiocore.ErrFormatUnsupported) {
		return err
	}
	return errors.New(fmt.Errorf("%w: %w", audiocore.ErrDeviceUnavailable, err)).
		Component(componentMalgo).
		Category(errors.CategoryDeviceUnavailable).
		Context("device", device).
		Build()
}

func unsupported(msg, device string) error {
	return errors.New(fmt.Errorf("%w: %s", audiocore.ErrFormatUnsupported, msg)).
		Component(componentMalgo).
		Category(errors.CategoryFormatUnsupported).
		Context("device", device).
		Build()
}
