// Package capture drives an audio input device and feeds the ring buffer.
package capture

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

const (
	componentCapture = "capture"

	// DefaultStopTimeout bounds how long Stop waits for the read loop.
	DefaultStopTimeout = 2 * time.Second

	errorQueueSize = 4
)

// State is the producer lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateError
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Producer.
type Config struct {
	Params      audiocore.DeviceParams
	StopTimeout time.Duration
}

// Stats is a snapshot of producer counters.
type Stats struct {
	State            State
	Device           string
	SamplesProcessed uint64 // interleaved samples written to the ring
	Frames           uint64
	Errors           uint64
}

// Producer reads whole frames from a device on its own goroutine and
// writes them into a RingBuffer. It is the only writer of that buffer.
type Producer struct {
	device audiocore.Device
	ring   *audiocore.RingBuffer
	cfg    Config
	log    logger.Logger
	meter  *audiocore.PeakMeter

	mu     sync.Mutex // serializes Start and Stop
	state  atomic.Int32
	handle audiocore.DeviceHandle
	cancel context.CancelFunc
	done   chan struct{}
	errs   chan error

	samples atomic.Uint64
	frames  atomic.Uint64
	errors  atomic.Uint64
}

// NewProducer creates a stopped producer.
func NewProducer(device audiocore.Device, ring *audiocore.RingBuffer, cfg Config, log logger.Logger) (*Producer, error) {
	if device == nil || ring == nil {
		return nil, errors.Newf("capture producer requires a device and a ring buffer").
			Component(componentCapture).
			Category(errors.CategoryValidation).
			Build()
	}
	if err := cfg.Params.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.Params.FrameSamples <= 0 {
		return nil, errors.Newf("frame size must be positive, got %d", cfg.Params.FrameSamples).
			Component(componentCapture).
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Producer{
		device: device,
		ring:   ring,
		cfg:    cfg,
		log:    log.Module(componentCapture).With(logger.String("device", device.Name())),
		meter:  audiocore.NewPeakMeter(cfg.Params.Format.Channels),
		errs:   make(chan error, errorQueueSize),
	}, nil
}

// Start opens the device and launches the read loop. It fails with
// ErrDeviceUnavailable or ErrFormatUnsupported and leaves the producer
// stopped in that case.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.State(); s != StateStopped {
		return errors.Newf("capture producer cannot start from state %s", s).
			Component(componentCapture).
			Category(errors.CategoryState).
			Build()
	}
	p.state.Store(int32(StateStarting))

	handle, err := p.device.Open(p.cfg.Params)
	if err != nil {
		p.errors.Add(1)
		p.state.Store(int32(StateStopped))
		return classifyOpenError(err, p.device.Name())
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.handle = handle
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state.Store(int32(StateRunning))

	go p.run(loopCtx, handle, p.done)

	p.log.Info("capture started",
		logger.String("format", p.cfg.Params.Format.String()),
		logger.Int("frame_samples", p.cfg.Params.FrameSamples))
	return nil
}

// Stop ends the read loop and releases the device. Calling Stop on a
// stopped producer is a no-op. If the loop does not exit within the stop
// timeout, the device is still released and ErrStopTimeout is returned.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateStopped {
		return nil
	}
	p.state.Store(int32(StateStopping))
	p.cancel()

	var stopErr error
	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		stopErr = errors.New(fmt.Errorf("%w: capture loop did not exit", audiocore.ErrStopTimeout)).
			Component(componentCapture).
			Category(errors.CategoryStopTimeout).
			Priority(errors.PriorityCritical).
			Context("timeout", p.cfg.StopTimeout.String()).
			Build()
	}

	if err := p.handle.Close(); err != nil {
		p.log.Warn("device close failed", logger.Error(err))
	}
	p.handle = nil
	p.cancel = nil
	p.state.Store(int32(StateStopped))

	p.log.Info("capture stopped", logger.Uint64("samples", p.samples.Load()))
	return stopErr
}

// State returns the current lifecycle state.
func (p *Producer) State() State {
	return State(p.state.Load())
}

// Running reports whether frames are being captured.
func (p *Producer) Running() bool {
	return p.State() == StateRunning
}

// Errors delivers device failures that moved the producer to StateError,
// and io.EOF once a finite input is exhausted.
func (p *Producer) Errors() <-chan error {
	return p.errs
}

// Levels returns the peak level per channel of the latest frame in dBFS.
func (p *Producer) Levels() []float64 {
	return p.meter.Levels()
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	return Stats{
		State:            p.State(),
		Device:           p.device.Name(),
		SamplesProcessed: p.samples.Load(),
		Frames:           p.frames.Load(),
		Errors:           p.errors.Load(),
	}
}

func (p *Producer) run(ctx context.Context, handle audiocore.DeviceHandle, done chan struct{}) {
	defer close(done)

	frameLen := p.cfg.Params.FrameLen()
	throttle := logger.NewThrottle(time.Second)

	for ctx.Err() == nil {
		frame, err := handle.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				p.end(err)
				return
			}
			p.fail(err)
			return
		}

		if len(frame.Samples) != frameLen {
			p.errors.Add(1)
			if throttle.Allow("partial-frame") {
				p.log.Warn("dropping frame with unexpected size",
					logger.Int("samples", len(frame.Samples)),
					logger.Int("expected", frameLen))
			}
			continue
		}

		p.ring.Write(frame.Samples)
		p.meter.Update(frame.Samples)
		p.samples.Add(uint64(frameLen))
		p.frames.Add(1)
	}
}

func (p *Producer) fail(err error) {
	p.errors.Add(1)
	p.state.CompareAndSwap(int32(StateRunning), int32(StateError))

	wrapped := errors.New(fmt.Errorf("%w: %w", audiocore.ErrDeviceUnavailable, err)).
		Component(componentCapture).
		Category(errors.CategoryDeviceUnavailable).
		Context("device", p.device.Name()).
		Build()
	p.log.Error("device read failed", logger.Error(err))

	select {
	case p.errs <- wrapped:
	default:
	}
}

// end reports a finished input. It is not counted as an error and leaves
// the producer in StateStopping until Stop releases the device.
func (p *Producer) end(err error) {
	p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	p.log.Info("input reached end of stream", logger.Uint64("frames", p.frames.Load()))

	select {
	case p.errs <- err:
	default:
	}
}

func classifyOpenError(err error, device string) error {
	if errors.Is(err, audiocore.ErrFormatUnsupported) || errors.Is(err, audiocore.ErrDeviceUnavailable) {
		return err
	}
	return errors.New(fmt.Errorf("%w: %w", audiocore.ErrDeviceUnavailable, err)).
		Component(componentCapture).
		Category(errors.CategoryDeviceUnavailable).
		Context("device", device).
		Build()
}
