package capture

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testParams = audiocore.DeviceParams{
	Format:       audiocore.AudioFormat{SampleRate: 8000, Channels: 2, BitDepth: 16},
	FrameSamples: 4,
}

// fakeDevice hands out fakeHandles that produce frames from next.
type fakeDevice struct {
	openErr error
	next    func(i int) ([]int16, error)
	// ignoreCtx makes ReadFrame block on release only. entered, when
	// set, is signalled once the read is blocked.
	ignoreCtx bool
	release   chan struct{}
	entered   chan struct{}

	mu     sync.Mutex
	opens  int
	closes int
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Open(audiocore.DeviceParams) (audiocore.DeviceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	return &fakeHandle{dev: d}, nil
}

func (d *fakeDevice) counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

type fakeHandle struct {
	dev *fakeDevice
	i   int
}

func (h *fakeHandle) ReadFrame(ctx context.Context) (audiocore.SampleFrame, error) {
	if h.dev.ignoreCtx {
		if h.dev.entered != nil {
			select {
			case h.dev.entered <- struct{}{}:
			default:
			}
		}
		<-h.dev.release
		return audiocore.SampleFrame{}, context.Canceled
	}
	select {
	case <-ctx.Done():
		return audiocore.SampleFrame{}, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	samples, err := h.dev.next(h.i)
	h.i++
	return audiocore.SampleFrame{Samples: samples}, err
}

func (h *fakeHandle) Close() error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.closes++
	return nil
}

func fullFrame(i int) ([]int16, error) {
	out := make([]int16, testParams.FrameLen())
	for j := range out {
		out[j] = int16(i*100 + j)
	}
	return out, nil
}

func newTestProducer(t *testing.T, dev *fakeDevice, ringCap int) (*Producer, *audiocore.RingBuffer) {
	t.Helper()
	ring, err := audiocore.NewRingBuffer(ringCap, audiocore.RingOptions{}, nil)
	require.NoError(t, err)
	p, err := NewProducer(dev, ring, Config{Params: testParams, StopTimeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	return p, ring
}

func TestProducerWritesWholeFrames(t *testing.T) {
	dev := &fakeDevice{next: fullFrame}
	p, ring := newTestProducer(t, dev, 1024)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateRunning, p.State())

	require.Eventually(t, func() bool { return p.Stats().Frames >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	stats := p.Stats()
	assert.Equal(t, StateStopped, stats.State)
	assert.Equal(t, stats.Frames*uint64(testParams.FrameLen()), stats.SamplesProcessed)
	assert.Equal(t, stats.SamplesProcessed, ring.Stats().Written)

	first := ring.Read(testParams.FrameLen())
	want, _ := fullFrame(0)
	assert.Equal(t, want, first)
}

func TestProducerSkipsPartialFrames(t *testing.T) {
	dev := &fakeDevice{next: func(i int) ([]int16, error) {
		if i%2 == 1 {
			return []int16{1, 2, 3}, nil
		}
		return fullFrame(i)
	}}
	p, ring := newTestProducer(t, dev, 1024)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.Stats().Errors >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	assert.Zero(t, ring.Stats().Written%uint64(testParams.FrameLen()))
}

func TestProducerOpenErrors(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    error
	}{
		{"unavailable", audiocore.ErrDeviceUnavailable, audiocore.ErrDeviceUnavailable},
		{"format", audiocore.ErrFormatUnsupported, audiocore.ErrFormatUnsupported},
		{"unclassified becomes unavailable", context.DeadlineExceeded, audiocore.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProducer(t, &fakeDevice{openErr: tt.openErr}, 64)
			err := p.Start(context.Background())
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateStopped, p.State())
			assert.Equal(t, uint64(1), p.Stats().Errors)
			require.NoError(t, p.Stop())
		})
	}
}

func TestProducerDeviceFailureMovesToError(t *testing.T) {
	dev := &fakeDevice{next: func(i int) ([]int16, error) {
		if i == 3 {
			return nil, assert.AnError
		}
		return fullFrame(i)
	}}
	p, _ := newTestProducer(t, dev, 1024)
	require.NoError(t, p.Start(context.Background()))

	select {
	case err := <-p.Errors():
		assert.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(time.Second):
		t.Fatal("no device error reported")
	}
	assert.Equal(t, StateError, p.State())
	assert.Equal(t, uint64(1), p.Stats().Errors)

	err := p.Start(context.Background())
	require.Error(t, err, "start from error state must go through Stop")

	require.NoError(t, p.Stop())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())

	opens, closes := dev.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 2, closes)
}

func TestProducerStopIsIdempotent(t *testing.T) {
	dev := &fakeDevice{next: fullFrame}
	p, _ := newTestProducer(t, dev, 1024)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	_, closes := dev.counts()
	assert.Equal(t, 1, closes)
}

func TestProducerEndOfInputIsNotAnError(t *testing.T) {
	dev := &fakeDevice{next: func(i int) ([]int16, error) {
		if i == 3 {
			return nil, io.EOF
		}
		return fullFrame(i)
	}}
	p, _ := newTestProducer(t, dev, 1024)
	require.NoError(t, p.Start(context.Background()))

	select {
	case err := <-p.Errors():
		assert.ErrorIs(t, err, io.EOF)
		assert.NotErrorIs(t, err, audiocore.ErrDeviceUnavailable)
	case <-time.After(time.Second):
		t.Fatal("end of input not reported")
	}
	st := p.Stats()
	assert.Zero(t, st.Errors)
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, StateStopping, p.State())
	assert.False(t, p.Running())

	require.NoError(t, p.Stop())
	assert.Equal(t, StateStopped, p.State())
}

func TestProducerStopTimeout(t *testing.T) {
	dev := &fakeDevice{ignoreCtx: true, release: make(chan struct{}), entered: make(chan struct{}, 1)}
	p, _ := newTestProducer(t, dev, 64)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-dev.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop never called ReadFrame")
	}
	err := p.Stop()
	require.ErrorIs(t, err, audiocore.ErrStopTimeout)
	assert.Equal(t, StateStopped, p.State())

	_, closes := dev.counts()
	assert.Equal(t, 1, closes)

	close(dev.release)
	assert.Eventually(t, func() bool {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestProducerLevels(t *testing.T) {
	dev := &fakeDevice{next: func(int) ([]int16, error) {
		return []int16{32767, 0, 32767, 0, 32767, 0, 32767, 0}, nil
	}}
	p, _ := newTestProducer(t, dev, 1024)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.Stats().Frames > 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	levels := p.Levels()
	require.Len(t, levels, 2)
	assert.InDelta(t, 0.0, levels[0], 0.01)
	assert.Equal(t, audiocore.SilenceDBFS, levels[1])
}
