// Package pipeline wires capture, encoding, muxing and the network sink
// into one supervised session.
//
// The Supervisor runs three goroutines next to the capture producer's own
// read loop: the encode loop drains the ring buffer, encodes whole frames
// and hands finished pages to the sink; the sink loop owns the connection;
// the monitor reacts to device and sink failures. Transient failures are
// retried, structural ones stop the session with a terminal error.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/capture"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sink"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

const (
	componentPipeline = "pipeline"

	drainPollInterval = 10 * time.Millisecond
)

type phase int32

const (
	phaseIdle phase = iota
	phaseRunning
	phaseStopped
)

// errEndOfStream ends a session whose input ran out. It never leaves the package.
var errEndOfStream = errors.NewStd("end of input stream")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSinkOptions passes options through to the network sink.
func WithSinkOptions(opts ...sink.Option) Option {
	return func(s *Supervisor) {
		s.sinkOpts = append(s.sinkOpts, opts...)
	}
}

// WithSleep replaces the wait between device reopen attempts.
func WithSleep(sleep audiocore.SleepFunc) Option {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// WithOverflowHook is called from the capture goroutine whenever the ring
// buffer drops samples.
func WithOverflowHook(fn func(dropped int, timedOut bool)) Option {
	return func(s *Supervisor) {
		s.onOverflow = fn
	}
}

// session holds the components of one Start. It is published atomically so
// Status never takes a lock.
type session struct {
	id       string
	started  time.Time
	ring     *audiocore.RingBuffer
	producer *capture.Producer
	instance *codec.Instance
	muxer    *container.Muxer
	sink     *sink.Sink

	enqueued atomic.Uint64
}

// Supervisor owns the lifecycle of one pipeline session. It is single use:
// once stopped it cannot be started again.
type Supervisor struct {
	cfg        Config
	device     audiocore.Device
	registry   *codec.Registry
	log        logger.Logger
	sinkOpts   []sink.Option
	sleep      audiocore.SleepFunc
	onOverflow func(dropped int, timedOut bool)

	mu          sync.Mutex // serializes Start and Stop
	phase       atomic.Int32
	session     atomic.Pointer[session]
	cancel      context.CancelFunc
	workersDone chan struct{}
	done        chan struct{}
	stoppedAt   atomic.Int64

	terminalOnce sync.Once
	terminalErr  atomic.Pointer[error]
	lastError    atomic.Pointer[string]

	statsLog rate.Sometimes
}

// New validates cfg and returns an idle supervisor. The registry is shared
// with whoever serves codec snapshots; nil creates a private one.
func New(cfg Config, device audiocore.Device, registry *codec.Registry, log logger.Logger, opts ...Option) (*Supervisor, error) {
	if device == nil {
		return nil, errors.Newf("pipeline requires an audio device").
			Component(componentPipeline).
			Category(errors.CategoryConfiguration).
			Build()
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = codec.NewRegistry()
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Supervisor{
		cfg:      cfg,
		device:   device,
		registry: registry,
		log:      log.Module(componentPipeline),
		sleep:    audiocore.SleepContext,
		done:     make(chan struct{}),
		statsLog: rate.Sometimes{Interval: cfg.StatsInterval},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start builds every component and starts capture and streaming. If any
// step fails, everything set up so far is torn down before the error is
// returned. ctx bounds the whole session.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phase(s.phase.Load()) != phaseIdle {
		return errors.Newf("pipeline already started").
			Component(componentPipeline).
			Category(errors.CategoryState).
			Build()
	}

	sess, err := s.build()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := sess.producer.Start(runCtx); err != nil {
		cancel()
		s.teardown(sess)
		s.log.Error("pipeline start failed", logger.Error(err))
		return err
	}

	s.cancel = cancel
	s.workersDone = make(chan struct{})
	s.session.Store(sess)
	s.phase.Store(int32(phaseRunning))

	g, gctx := errgroup.WithContext(runCtx)
	eof := make(chan struct{})
	g.Go(func() error { return s.encodeLoop(gctx, sess, eof) })
	g.Go(func() error { return s.runSink(gctx, sess) })
	g.Go(func() error { return s.monitor(gctx, sess, eof) })
	go s.finish(g, sess)

	s.log.Info("pipeline started",
		logger.String("session", sess.id),
		logger.String("device", s.device.Name()),
		logger.String("format", s.cfg.Format.String()),
		logger.String("codec", string(s.cfg.Codec)),
		logger.Int("frame_samples", s.cfg.FrameSamples),
		logger.Int("buffer_samples", s.cfg.BufferSamples),
		logger.String("overflow_policy", string(s.cfg.OverflowPolicy)))
	return nil
}

// Stop ends the session and waits for its goroutines. Stopping an idle or
// stopped pipeline is a no-op. Goroutines that do not exit within the stop
// timeout are reported as ErrStopTimeout, which also becomes the terminal
// error.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phase(s.phase.Load()) == phaseIdle {
		return nil
	}
	s.cancel()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.workersDone:
	case <-timer.C:
		err := errors.New(fmt.Errorf("%w: pipeline goroutines did not exit", audiocore.ErrStopTimeout)).
			Component(componentPipeline).
			Category(errors.CategoryStopTimeout).
			Priority(errors.PriorityCritical).
			Context("timeout", s.cfg.StopTimeout.String()).
			Build()
		s.setTerminal(err)
		s.log.Error("pipeline stop timed out", logger.Error(err))
		return err
	}

	<-s.done
	if err := s.Err(); errors.Is(err, audiocore.ErrStopTimeout) {
		return err
	}
	return nil
}

// Done is closed once the session has fully stopped, either through Stop,
// the end of the input, or a terminal failure.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil if the session ended normally or
// is still running.
func (s *Supervisor) Err() error {
	if p := s.terminalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SessionID returns the id of the current session, empty before Start.
func (s *Supervisor) SessionID() string {
	if sess := s.session.Load(); sess != nil {
		return sess.id
	}
	return ""
}

// ListSnapshots returns read-only snapshots of the registered codecs.
func (s *Supervisor) ListSnapshots() []codec.Snapshot {
	return s.registry.ListSnapshots()
}

// Status aggregates component counters. It only reads atomics and never
// blocks the capture or encode path.
func (s *Supervisor) Status() Status {
	st := Status{
		ProducerState: capture.StateStopped.String(),
		SinkState:     sink.StateDisconnected.String(),
		Buffer:        AbsentBufferStats(),
	}
	if msg := s.lastError.Load(); msg != nil {
		st.LastError = *msg
	}

	sess := s.session.Load()
	if sess == nil {
		return st
	}
	running := phase(s.phase.Load()) == phaseRunning

	pst := sess.producer.Stats()
	sst := sess.sink.Status()
	snap := sess.instance.Snapshot()

	st.SessionID = sess.id
	st.Device = pst.Device
	st.ProducerState = pst.State.String()
	st.SinkState = sst.State
	st.Running = running && pst.State == capture.StateRunning && s.terminalErr.Load() == nil
	st.Connected = running && sst.Connected
	st.SamplesProcessed = pst.SamplesProcessed
	st.Errors = pst.Errors + snap.Errors + sst.Errors
	st.Codec = &snap
	st.PagesSent = sst.PagesSent
	st.PagesDropped = sst.PagesDropped
	st.BytesSent = sst.BytesSent
	st.Reconnects = sst.Reconnects
	st.Peaks = sess.producer.Levels()
	if running {
		st.Buffer = PresentBufferStats(sess.ring.Stats())
		st.Uptime = time.Since(sess.started)
	} else if stopped := s.stoppedAt.Load(); stopped != 0 {
		st.Uptime = time.Unix(0, stopped).Sub(sess.started)
	}
	return st
}

// build creates the session components. On error nothing is left registered.
func (s *Supervisor) build() (*session, error) {
	params := s.cfg.params()
	sess := &session{id: uuid.NewString(), started: time.Now()}

	ring, err := audiocore.NewRingBuffer(s.cfg.BufferSamples, audiocore.RingOptions{
		Policy:       s.cfg.OverflowPolicy,
		BlockTimeout: s.cfg.BlockTimeout,
		OnOverflow:   s.onOverflow,
	}, s.log)
	if err != nil {
		return nil, err
	}
	sess.ring = ring

	id, err := s.registry.Register(s.cfg.Codec, codec.Params{Format: s.cfg.Format, FrameSamples: s.cfg.FrameSamples})
	if err != nil {
		ring.Close()
		return nil, err
	}
	instance, err := s.registry.Bind(id)
	if err != nil {
		s.registry.Release(id)
		ring.Close()
		return nil, err
	}
	sess.instance = instance

	sess.muxer = container.NewMuxer(container.Options{
		MaxPageBytes: s.cfg.MaxPageBytes,
		MaxLatency:   s.cfg.MaxLatency,
		Descriptor: container.Descriptor{
			Kind:         string(s.cfg.Codec),
			SampleRate:   s.cfg.Format.SampleRate,
			Channels:     s.cfg.Format.Channels,
			FrameSamples: s.cfg.FrameSamples,
		},
	})
	header, err := sess.muxer.Mux(instance.Header(), sess.started)
	if err != nil {
		s.teardown(sess)
		return nil, err
	}

	sinkCfg := s.cfg.Sink
	if sinkCfg.ContentType == "" {
		sinkCfg.ContentType = container.ContentType
	}
	sess.sink, err = sink.New(sinkCfg, s.log, s.sinkOpts...)
	if err != nil {
		s.teardown(sess)
		return nil, err
	}
	sess.sink.SetHeader(header[0])

	sess.producer, err = capture.NewProducer(s.device, ring, capture.Config{
		Params:      params,
		StopTimeout: s.cfg.StopTimeout,
	}, s.log)
	if err != nil {
		s.teardown(sess)
		return nil, err
	}
	return sess, nil
}

// teardown releases what build created. The producer must not be running.
func (s *Supervisor) teardown(sess *session) {
	if sess.instance != nil {
		s.registry.Release(sess.instance.ID())
	}
	if sess.sink != nil {
		sess.sink.Disconnect()
	}
	sess.ring.Close()
}

func (s *Supervisor) finish(g *errgroup.Group, sess *session) {
	err := g.Wait()
	close(s.workersDone)

	sess.ring.Close()
	if stopErr := sess.producer.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	s.teardown(sess)

	switch {
	case errors.Is(err, errEndOfStream):
		s.log.Info("input ended, pipeline finished", logger.String("session", sess.id))
		err = nil
	case err != nil:
		s.setTerminal(err)
	}

	s.stoppedAt.Store(time.Now().UnixNano())
	s.phase.Store(int32(phaseStopped))
	s.logStats(sess, "pipeline stopped")
	close(s.done)
}

// terminal builds the error that ends the session. Build reports it to
// telemetry because of its critical priority.
func (s *Supervisor) terminal(err error, sess *session, stage string) error {
	return errors.New(err).
		Component(componentPipeline).
		Priority(errors.PriorityCritical).
		Context("session", sess.id).
		Context("stage", stage).
		Build()
}

func (s *Supervisor) setTerminal(err error) {
	s.terminalOnce.Do(func() {
		s.terminalErr.Store(&err)
		msg := err.Error()
		s.lastError.Store(&msg)
		s.log.Error("pipeline failed", logger.Error(err))
	})
}

func (s *Supervisor) runSink(ctx context.Context, sess *session) error {
	if err := sess.sink.Run(ctx); err != nil {
		return s.terminal(err, sess, "sink")
	}
	return nil
}

func (s *Supervisor) encodeLoop(ctx context.Context, sess *session, eof <-chan struct{}) error {
	interval := max(s.cfg.params().FrameDuration()/2, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-eof:
			return s.drain(ctx, sess)
		case now := <-ticker.C:
			if err := s.pump(sess, now); err != nil {
				return err
			}
			s.statsLog.Do(func() { s.logStats(sess, "pipeline stats") })
		}
	}
}

// pump encodes every whole frame in the ring and sends the resulting pages.
func (s *Supervisor) pump(sess *session, now time.Time) error {
	frameLen := s.cfg.params().FrameLen()
	for sess.ring.Len() >= frameLen {
		samples := sess.ring.Read(frameLen)
		if len(samples) < frameLen {
			break
		}
		frame := audiocore.SampleFrame{Samples: samples, Captured: now}

		encoded, err := sess.instance.Encode(frame)
		if err != nil {
			if errors.Is(err, audiocore.ErrInvalidFrame) {
				continue
			}
			return s.terminal(err, sess, "encode")
		}
		pages, err := sess.muxer.Mux(encoded, now)
		if err != nil {
			return s.terminal(err, sess, "mux")
		}
		s.enqueue(sess, pages)
	}

	pages, err := sess.muxer.Tick(now)
	if err != nil {
		return s.terminal(err, sess, "mux")
	}
	s.enqueue(sess, pages)
	return nil
}

func (s *Supervisor) enqueue(sess *session, pages []container.Page) {
	for _, p := range pages {
		sess.enqueued.Add(1)
		sess.sink.Enqueue(p)
	}
}

// drain sends whatever is left after the input ended and waits, bounded by
// the stop timeout, for the sink to deliver it.
func (s *Supervisor) drain(ctx context.Context, sess *session) error {
	if err := s.pump(sess, time.Now()); err != nil {
		return err
	}
	pages, err := sess.muxer.Flush()
	if err != nil {
		return s.terminal(err, sess, "mux")
	}
	s.enqueue(sess, pages)

	deadline := time.NewTimer(s.cfg.StopTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(drainPollInterval)
	defer poll.Stop()
	for {
		st := sess.sink.Status()
		if sess.sink.Pending() == 0 && st.PagesSent+st.PagesDropped >= sess.enqueued.Load() {
			return errEndOfStream
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			s.log.Warn("sink did not drain before the stop timeout",
				logger.Int("pending_pages", sess.sink.Pending()))
			return errEndOfStream
		case <-poll.C:
		}
	}
}

func (s *Supervisor) monitor(ctx context.Context, sess *session, eof chan struct{}) error {
	backoff := audiocore.NewBackoff(s.cfg.DeviceRetryAttempts, s.cfg.DeviceRetryInitial, s.cfg.DeviceRetryMax)
	var framesAtStart uint64
	ended := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sess.producer.Errors():
			if errors.Is(err, io.EOF) {
				if !ended {
					ended = true
					s.log.Info("input reached end of stream", logger.String("device", s.device.Name()))
					close(eof)
				}
				continue
			}
			if sess.producer.Stats().Frames > framesAtStart {
				backoff.Reset()
			}
			if err := s.reopenDevice(ctx, sess, err, backoff); err != nil {
				return err
			}
			framesAtStart = sess.producer.Stats().Frames

		case err := <-sess.sink.Failures():
			if errors.Is(err, audiocore.ErrAuthRejected) {
				// runSink returns the same error
				continue
			}
			failures := sess.sink.Status().ConsecutiveFailures
			if s.cfg.MaxReconnectFailures > 0 && failures >= uint64(s.cfg.MaxReconnectFailures) {
				return s.terminal(fmt.Errorf("giving up after %d consecutive sink failures: %w", failures, err), sess, "sink")
			}
		}
	}
}

// reopenDevice restarts the producer after a device failure, backing off
// between attempts. It returns a terminal error once retries are exhausted
// or the failure is structural.
func (s *Supervisor) reopenDevice(ctx context.Context, sess *session, cause error, backoff *audiocore.Backoff) error {
	for {
		if audiocore.IsStructural(cause) {
			return s.terminal(cause, sess, "capture")
		}
		delay, ok := backoff.Next()
		if !ok {
			return s.terminal(fmt.Errorf("giving up after %d device failures: %w", backoff.Attempts(), cause), sess, "capture")
		}
		s.log.Warn("audio device failed, reopening",
			logger.Error(cause),
			logger.Duration("backoff", delay),
			logger.Int("attempt", backoff.Attempts()))
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}

		if err := sess.producer.Stop(); err != nil {
			return s.terminal(err, sess, "capture")
		}
		cause = sess.producer.Start(ctx)
		if cause == nil {
			s.log.Info("audio device reopened", logger.String("device", s.device.Name()))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Supervisor) logStats(sess *session, msg string) {
	pst := sess.producer.Stats()
	sst := sess.sink.Status()
	snap := sess.instance.Snapshot()
	s.log.Info(msg,
		logger.String("session", sess.id),
		logger.Uint64("samples", pst.SamplesProcessed),
		logger.Uint64("frames_encoded", snap.FramesEncoded),
		logger.Uint64("pages_sent", sst.PagesSent),
		logger.Uint64("pages_dropped", sst.PagesDropped),
		logger.Uint64("bytes_sent", sst.BytesSent),
		logger.Uint64("errors", pst.Errors+snap.Errors+sst.Errors),
		logger.Uint64("overflows", sess.ring.Stats().OverflowCount))
}
