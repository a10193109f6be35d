package audiocore

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

const (
	bytesPerSample = 2

	// DefaultBlockTimeout bounds how long a block-producer write may wait.
	DefaultBlockTimeout = 50 * time.Millisecond

	highWaterRatio  = 0.9
	overflowLogRate = time.Second
)

// OverflowPolicy decides what happens when a write does not fit.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest unread samples. Writes never block.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	// OverflowBlockProducer waits for the reader up to a timeout, then drops the oldest.
	OverflowBlockProducer OverflowPolicy = "block-producer"
)

// ParseOverflowPolicy maps a config string to a policy. Empty means drop-oldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowBlockProducer:
		return OverflowBlockProducer, nil
	}
	return "", errors.Newf("unknown overflow policy %q", s).
		Component(ComponentAudioCore).
		Category(errors.CategoryValidation).
		Build()
}

// RingOptions configures a RingBuffer.
type RingOptions struct {
	Policy       OverflowPolicy
	BlockTimeout time.Duration
	// OnOverflow is called from the writer goroutine after samples were
	// dropped. timedOut is set only when a block-producer wait expired;
	// a wait released by Close reports false.
	OnOverflow func(dropped int, timedOut bool)
}

// BufferStats is a point-in-time view of a RingBuffer.
type BufferStats struct {
	FillLevel     int    `json:"fill_level"`
	Capacity      int    `json:"capacity"`
	OverflowCount uint64 `json:"overflow_count"`
	Written       uint64 `json:"written"`
	Read          uint64 `json:"read"`
}

// RingBuffer is a fixed-capacity SPSC queue of int16 samples.
//
// Exactly one goroutine may call Write and exactly one may call Read.
// The mutex only covers the discard-then-write sequence against a
// concurrent Read; counters are atomics so Stats never takes it.
type RingBuffer struct {
	mu       sync.Mutex
	rb       *ringbuffer.RingBuffer
	capacity int
	opts     RingOptions

	encodeBuf  []byte
	discardBuf []byte

	space     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	fill     atomic.Int64
	overflow atomic.Uint64
	written  atomic.Uint64
	read     atomic.Uint64

	log      logger.Logger
	throttle *logger.Throttle
}

// NewRingBuffer allocates a buffer holding capacity samples.
func NewRingBuffer(capacity int, opts RingOptions, log logger.Logger) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Newf("ring buffer capacity must be positive, got %d", capacity).
			Component(ComponentAudioCore).
			Category(errors.CategoryValidation).
			Build()
	}
	if opts.Policy == "" {
		opts.Policy = OverflowDropOldest
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RingBuffer{
		rb:       ringbuffer.New(capacity * bytesPerSample),
		capacity: capacity,
		opts:     opts,
		space:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
		log:      log.Module("ring"),
		throttle: logger.NewThrottle(overflowLogRate),
	}, nil
}

// Capacity returns the capacity in samples.
func (r *RingBuffer) Capacity() int {
	return r.capacity
}

// Policy returns the configured overflow policy.
func (r *RingBuffer) Policy() OverflowPolicy {
	return r.opts.Policy
}

// Len returns the number of unread samples.
func (r *RingBuffer) Len() int {
	return int(r.fill.Load())
}

// Write stores samples and returns how many of them are now buffered.
// Samples that cannot be kept are accounted as overflow: a write larger
// than the whole buffer keeps only its newest capacity samples, and any
// remaining shortfall evicts the oldest unread samples.
func (r *RingBuffer) Write(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	r.written.Add(uint64(len(samples)))

	dropped := 0
	if len(samples) > r.capacity {
		dropped = len(samples) - r.capacity
		samples = samples[dropped:]
	}

	timedOut, closed := false, false
	if r.opts.Policy == OverflowBlockProducer && dropped == 0 {
		var fits bool
		fits, closed = r.waitForSpace(len(samples))
		timedOut = !fits && !closed
	}

	r.mu.Lock()
	if need := len(samples) - r.rb.Free()/bytesPerSample; need > 0 {
		r.discardLocked(need)
		dropped += need
	}
	r.writeLocked(samples)
	fill := r.rb.Length() / bytesPerSample
	r.fill.Store(int64(fill))
	r.mu.Unlock()

	if dropped > 0 {
		r.overflow.Add(uint64(dropped))
		r.reportOverflow(dropped, timedOut, closed)
	} else if float64(fill) > float64(r.capacity)*highWaterRatio {
		if r.throttle.Allow("high-water") {
			r.log.Warn("ring buffer nearly full",
				logger.Int("fill", fill),
				logger.Int("capacity", r.capacity))
		}
	}
	return len(samples)
}

// Read removes and returns up to max samples. It never blocks and returns
// an empty slice when nothing is buffered.
func (r *RingBuffer) Read(max int) []int16 {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	n := min(max, r.rb.Length()/bytesPerSample)
	if n == 0 {
		r.mu.Unlock()
		return []int16{}
	}
	buf := make([]byte, n*bytesPerSample)
	if _, err := r.rb.Read(buf); err != nil {
		r.mu.Unlock()
		r.log.Error("ring buffer read failed", logger.Error(err))
		return []int16{}
	}
	r.fill.Store(int64(r.rb.Length() / bytesPerSample))
	r.mu.Unlock()

	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*bytesPerSample:]))
	}
	r.read.Add(uint64(n))

	select {
	case r.space <- struct{}{}:
	default:
	}
	return out
}

// Stats returns counters without locking.
func (r *RingBuffer) Stats() BufferStats {
	return BufferStats{
		FillLevel:     r.Len(),
		Capacity:      r.capacity,
		OverflowCount: r.overflow.Load(),
		Written:       r.written.Load(),
		Read:          r.read.Load(),
	}
}

// Close releases a writer blocked under block-producer. Further writes
// behave as drop-oldest.
func (r *RingBuffer) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// waitForSpace blocks until n samples fit, the block timeout expires or
// the buffer is closed.
func (r *RingBuffer) waitForSpace(n int) (fits, closed bool) {
	if r.capacity-r.Len() >= n {
		return true, false
	}
	timer := time.NewTimer(r.opts.BlockTimeout)
	defer timer.Stop()
	for {
		select {
		case <-r.space:
			if r.capacity-r.Len() >= n {
				return true, false
			}
		case <-r.closed:
			return r.capacity-r.Len() >= n, true
		case <-timer.C:
			return r.capacity-r.Len() >= n, false
		}
	}
}

func (r *RingBuffer) discardLocked(n int) {
	size := n * bytesPerSample
	if cap(r.discardBuf) < size {
		r.discardBuf = make([]byte, size)
	}
	if _, err := r.rb.Read(r.discardBuf[:size]); err != nil {
		r.log.Error("ring buffer discard failed", logger.Error(err))
	}
}

func (r *RingBuffer) writeLocked(samples []int16) {
	size := len(samples) * bytesPerSample
	if cap(r.encodeBuf) < size {
		r.encodeBuf = make([]byte, size)
	}
	buf := r.encodeBuf[:size]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*bytesPerSample:], uint16(s))
	}
	if _, err := r.rb.Write(buf); err != nil {
		r.log.Error("ring buffer write failed", logger.Error(err))
	}
}

func (r *RingBuffer) reportOverflow(dropped int, timedOut, closed bool) {
	if closed {
		if ok, suppressed := r.throttle.AllowWithCount("closed"); ok {
			r.log.Info("ring buffer closed, dropped oldest samples",
				logger.Int("dropped", dropped),
				logger.Int("suppressed", suppressed),
				logger.Uint64("overflow_total", r.overflow.Load()))
		}
	} else if timedOut {
		if ok, suppressed := r.throttle.AllowWithCount("block-timeout"); ok {
			r.log.Error("producer blocked past timeout, dropped oldest samples",
				logger.Int("dropped", dropped),
				logger.Int("suppressed", suppressed),
				logger.Duration("timeout", r.opts.BlockTimeout),
				logger.Uint64("overflow_total", r.overflow.Load()))
		}
	} else if ok, suppressed := r.throttle.AllowWithCount("overflow"); ok {
		r.log.Warn("ring buffer overflow, dropped oldest samples",
			logger.Int("dropped", dropped),
			logger.Int("suppressed", suppressed),
			logger.Uint64("overflow_total", r.overflow.Load()))
	}
	if r.opts.OnOverflow != nil {
		r.opts.OnOverflow(dropped, timedOut)
	}
}
