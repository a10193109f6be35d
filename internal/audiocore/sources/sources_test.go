package sources

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

func testParams(rate, channels, frameSamples int) audiocore.DeviceParams {
	return audiocore.DeviceParams{
		Format:       audiocore.AudioFormat{SampleRate: rate, Channels: channels, BitDepth: 16},
		FrameSamples: frameSamples,
	}
}

// writeWAV writes interleaved samples as a 16-bit PCM WAV file.
func writeWAV(t *testing.T, rate, channels int, samples []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		Data:           samples,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func ramp(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestSineDeviceIsPhaseContinuous(t *testing.T) {
	t.Parallel()

	dev := NewSineDevice(SineConfig{Frequency: 1000, Amplitude: 0.5, Unpaced: true})
	assert.Equal(t, "sine:1000Hz", dev.Name())

	h, err := dev.Open(testParams(48000, 2, 480))
	require.NoError(t, err)
	defer h.Close()

	first, err := h.ReadFrame(context.Background())
	require.NoError(t, err)
	second, err := h.ReadFrame(context.Background())
	require.NoError(t, err)

	require.Len(t, first.Samples, 960)
	assert.Equal(t, uint64(0), first.Index)
	assert.Equal(t, uint64(480), second.Index)

	// channels carry the same value
	for i := 0; i < len(first.Samples); i += 2 {
		require.Equal(t, first.Samples[i], first.Samples[i+1])
	}
	// 1 kHz at 48 kHz repeats every 48 samples, so frames line up exactly
	for i := range first.Samples {
		require.InDelta(t, first.Samples[i], second.Samples[i], 1)
	}
	assert.Equal(t, int16(0), first.Samples[0])
	assert.InDelta(t, 0.5*32767, float64(first.Samples[24]), 1)
}

func TestSineDeviceRejectsBadParams(t *testing.T) {
	t.Parallel()

	dev := NewSineDevice(SineConfig{})
	_, err := dev.Open(testParams(48000, 2, 0))
	require.ErrorIs(t, err, audiocore.ErrFormatUnsupported)

	_, err = dev.Open(testParams(0, 2, 480))
	require.Error(t, err)
}

func TestPacerHoldsFrameInterval(t *testing.T) {
	t.Parallel()

	p := pacer{interval: 20 * time.Millisecond}
	start := time.Now()
	for range 3 {
		require.NoError(t, p.wait(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.wait(ctx), context.Canceled)

	unpaced := pacer{}
	require.NoError(t, unpaced.wait(context.Background()))
}

func TestFileDevicePlaysWAVAndEnds(t *testing.T) {
	t.Parallel()

	// 5 stereo sample frames; 2 per device frame leaves a padded tail
	path := writeWAV(t, 8000, 2, ramp(10))
	dev := NewFileDevice(FileConfig{Path: path, Unpaced: true}, nil)
	assert.Equal(t, "file:input.wav", dev.Name())

	h, err := dev.Open(testParams(8000, 2, 2))
	require.NoError(t, err)
	defer h.Close()

	var got [][]int16
	for {
		frame, err := h.ReadFrame(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, frame.Samples)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []int16{1, 2, 3, 4}, got[0])
	assert.Equal(t, []int16{5, 6, 7, 8}, got[1])
	assert.Equal(t, []int16{9, 10, 0, 0}, got[2])

	_, err = h.ReadFrame(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestFileDeviceLoops(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 8000, 1, ramp(3))
	dev := NewFileDevice(FileConfig{Path: path, Loop: true, Unpaced: true}, nil)

	h, err := dev.Open(testParams(8000, 1, 2))
	require.NoError(t, err)
	defer h.Close()

	var got []int16
	for range 4 {
		frame, err := h.ReadFrame(context.Background())
		require.NoError(t, err)
		got = append(got, frame.Samples...)
	}
	assert.Equal(t, []int16{1, 2, 3, 1, 2, 3, 1, 2}, got)
}

func TestFileDeviceFormatMismatch(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, 44100, 1, ramp(16))
	info, err := ProbeFile(path)
	require.NoError(t, err)
	assert.Equal(t, FileInfo{SampleRate: 44100, Channels: 1, BitDepth: 16}, info)

	_, err = NewFileDevice(FileConfig{Path: path}, nil).Open(testParams(48000, 1, 480))
	require.ErrorIs(t, err, audiocore.ErrFormatUnsupported)
	assert.True(t, audiocore.IsStructural(err))
}

func TestFileDeviceErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := NewFileDevice(FileConfig{Path: filepath.Join(dir, "missing.wav")}, nil).Open(testParams(8000, 1, 2))
	require.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))
	_, err = NewFileDevice(FileConfig{Path: txt}, nil).Open(testParams(8000, 1, 2))
	require.ErrorIs(t, err, audiocore.ErrFormatUnsupported)

	garbage := filepath.Join(dir, "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not riff"), 0o600))
	_, err = NewFileDevice(FileConfig{Path: garbage}, nil).Open(testParams(8000, 1, 2))
	require.ErrorIs(t, err, audiocore.ErrFormatUnsupported)
}

func TestNewSelectsDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{name: "sine", cfg: Config{Source: KindSine}, wantName: "sine:440Hz"},
		{name: "file", cfg: Config{Source: KindFile, File: "/tmp/x.flac"}, wantName: "file:x.flac"},
		{name: "malgo default", cfg: Config{}, wantName: "malgo:default"},
		{name: "malgo named", cfg: Config{Source: KindMalgo, Device: "hw:1,0"}, wantName: "malgo:hw:1,0"},
		{name: "file without path", cfg: Config{Source: KindFile}, wantErr: true},
		{name: "unknown", cfg: Config{Source: "jack"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dev, err := New(tt.cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				var ee *errors.EnhancedError
				require.ErrorAs(t, err, &ee)
				assert.Equal(t, errors.CategoryConfiguration, ee.Category)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, dev.Name())
		})
	}
}
