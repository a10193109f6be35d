package container

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testDescriptor() Descriptor {
	return Descriptor{Kind: "pcm", SampleRate: 48000, Channels: 2, FrameSamples: 960}
}

func audioFrame(seq uint64, size int) audiocore.EncodedFrame {
	payload := bytes.Repeat([]byte{byte(seq)}, size)
	return audiocore.EncodedFrame{Payload: payload, Sequence: seq, Timestamp: seq * 960}
}

func headerFrame() audiocore.EncodedFrame {
	return audiocore.EncodedFrame{Payload: []byte("codec-header"), Header: true}
}

func TestPageWireLayout(t *testing.T) {
	t.Parallel()

	p := Page{
		Sequence:    7,
		SampleClock: 4800,
		Frames:      []Frame{{Sequence: 5, Payload: []byte{0xAA, 0xBB}}},
	}
	require.NoError(t, encodePage(&p))
	raw := p.Bytes()

	require.Len(t, raw, HeaderLen+FrameOverhead+2)
	assert.Equal(t, "RFMA", string(raw[0:4]))
	assert.Equal(t, byte(1), raw[4])
	assert.Equal(t, byte(0), raw[5])
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(raw[6:]))
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(raw[8:]))
	assert.Equal(t, uint64(4800), binary.BigEndian.Uint64(raw[16:]))
	assert.Equal(t, uint32(14), binary.BigEndian.Uint32(raw[24:]))
	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(raw[32:]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[40:]))
	assert.Equal(t, []byte{0xAA, 0xBB}, raw[44:])

	crc := crc32.NewIEEE()
	crc.Write(raw[:28])
	crc.Write(raw[32:])
	assert.Equal(t, crc.Sum32(), binary.BigEndian.Uint32(raw[28:]))
}

func TestParsePageRejectsCorruption(t *testing.T) {
	t.Parallel()

	p := Page{Sequence: 1, Frames: []Frame{{Sequence: 1, Payload: []byte("abc")}}}
	require.NoError(t, encodePage(&p))

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:10] }},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"version", func(b []byte) []byte { b[4] = 2; return b }},
		{"payload bit flip", func(b []byte) []byte { b[len(b)-1] ^= 1; return b }},
		{"header bit flip", func(b []byte) []byte { b[10] ^= 1; return b }},
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := tt.mutate(bytes.Clone(p.Bytes()))
			_, err := ParsePage(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorruptPage)
		})
	}
}

func TestMuxHeaderFirstAndOnce(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Options{Descriptor: testDescriptor()})

	_, err := m.Mux(audioFrame(1, 10), t0)
	require.ErrorIs(t, err, audiocore.ErrMuxInvariantViolation)

	pages, err := m.Mux(headerFrame(), t0)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	hp := pages[0]
	assert.True(t, hp.IsHeader())
	assert.Zero(t, hp.Sequence)

	codecHeader, desc, err := ParseHeaderPage(hp)
	require.NoError(t, err)
	assert.Equal(t, []byte("codec-header"), codecHeader)
	assert.Equal(t, testDescriptor(), desc)

	cached, ok := m.HeaderPage()
	require.True(t, ok)
	assert.Equal(t, hp.Bytes(), cached.Bytes())

	_, err = m.Mux(headerFrame(), t0)
	require.ErrorIs(t, err, audiocore.ErrMuxInvariantViolation)
}

func TestMuxRejectsSequenceRegression(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Options{Descriptor: testDescriptor()})
	_, err := m.Mux(headerFrame(), t0)
	require.NoError(t, err)

	_, err = m.Mux(audioFrame(2, 10), t0)
	require.NoError(t, err)
	_, err = m.Mux(audioFrame(2, 10), t0)
	require.ErrorIs(t, err, audiocore.ErrMuxInvariantViolation)
	_, err = m.Mux(audioFrame(1, 10), t0)
	require.ErrorIs(t, err, audiocore.ErrMuxInvariantViolation)
}

func TestMuxPacksBySize(t *testing.T) {
	t.Parallel()

	// room for exactly three 100 byte frames per page
	maxBytes := HeaderLen + 3*(FrameOverhead+100)
	m := NewMuxer(Options{MaxPageBytes: maxBytes, MaxLatency: time.Hour, Descriptor: testDescriptor()})
	_, err := m.Mux(headerFrame(), t0)
	require.NoError(t, err)

	var pages []Page
	for seq := uint64(1); seq <= 10; seq++ {
		out, err := m.Mux(audioFrame(seq, 100), t0)
		require.NoError(t, err)
		pages = append(pages, out...)
	}
	rest, err := m.Flush()
	require.NoError(t, err)
	pages = append(pages, rest...)

	require.Len(t, pages, 4)
	var frameSeq uint64
	for i, p := range pages {
		assert.Equal(t, uint64(i+1), p.Sequence, "pages are gapless")
		assert.LessOrEqual(t, p.Len(), maxBytes)
		for _, f := range p.Frames {
			frameSeq++
			assert.Equal(t, frameSeq, f.Sequence)
		}
		assert.Equal(t, p.Frames[len(p.Frames)-1].Sequence*960, p.SampleClock)
	}
	assert.Equal(t, uint64(10), frameSeq)
	assert.Len(t, pages[3].Frames, 1)
}

func TestMuxFlushesByLatency(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Options{MaxPageBytes: 1 << 20, MaxLatency: 50 * time.Millisecond, Descriptor: testDescriptor()})
	_, err := m.Mux(headerFrame(), t0)
	require.NoError(t, err)

	out, err := m.Mux(audioFrame(1, 10), t0)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = m.Tick(t0.Add(20 * time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = m.Mux(audioFrame(2, 10), t0.Add(40*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 2, m.Pending())

	out, err = m.Tick(t0.Add(50 * time.Millisecond))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out[0].Frames, 2)
	assert.Zero(t, m.Pending())

	// the latency clock restarts with the next page
	out, err = m.Mux(audioFrame(3, 10), t0.Add(60*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = m.Mux(audioFrame(4, 10), t0.Add(110*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(2), out[0].Sequence)
}

func TestMuxOversizedFrameGetsOwnPage(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Options{MaxPageBytes: 256, MaxLatency: time.Hour, Descriptor: testDescriptor()})
	_, err := m.Mux(headerFrame(), t0)
	require.NoError(t, err)

	_, err = m.Mux(audioFrame(1, 10), t0)
	require.NoError(t, err)
	out, err := m.Mux(audioFrame(2, 1000), t0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Len(t, out[0].Frames, 1)
	assert.Len(t, out[1].Frames, 1)
	assert.Equal(t, uint64(2), out[1].Frames[0].Sequence)
}

func TestReaderStream(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Options{MaxPageBytes: 512, MaxLatency: time.Hour, Descriptor: testDescriptor()})
	var stream bytes.Buffer
	write := func(pages []Page, err error) {
		require.NoError(t, err)
		for _, p := range pages {
			stream.Write(p.Bytes())
		}
	}
	write(m.Mux(headerFrame(), t0))
	for seq := uint64(1); seq <= 20; seq++ {
		write(m.Mux(audioFrame(seq, 60), t0))
	}
	write(m.Flush())

	r := NewReader(&stream)
	first, err := r.Next()
	require.NoError(t, err)
	assert.True(t, first.IsHeader())

	var frames int
	last := first.Sequence
	for {
		p, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, last+1, p.Sequence)
		last = p.Sequence
		frames += len(p.Frames)
	}
	assert.Equal(t, 20, frames)
}

func TestReaderTruncatedStream(t *testing.T) {
	t.Parallel()

	p := Page{Sequence: 1, Frames: []Frame{{Sequence: 1, Payload: []byte("abcdef")}}}
	require.NoError(t, encodePage(&p))

	r := NewReader(bytes.NewReader(p.Bytes()[:HeaderLen+3]))
	_, err := r.Next()
	require.ErrorIs(t, err, ErrCorruptPage)
}

func TestDescriptorBounds(t *testing.T) {
	t.Parallel()

	_, err := Descriptor{Kind: "pcm", SampleRate: 48000, Channels: 2, FrameSamples: 70000}.MarshalBinary()
	require.Error(t, err)

	var d Descriptor
	require.Error(t, d.UnmarshalBinary([]byte{5, 'a'}))
}

func recordStream(t *testing.T, seqs []uint64) *bytes.Buffer {
	t.Helper()
	m := NewMuxer(Options{MaxPageBytes: 256, MaxLatency: time.Hour, Descriptor: testDescriptor()})
	var stream bytes.Buffer
	write := func(pages []Page, err error) {
		require.NoError(t, err)
		for _, p := range pages {
			stream.Write(p.Bytes())
		}
	}
	write(m.Mux(headerFrame(), t0))
	for _, seq := range seqs {
		write(m.Mux(audioFrame(seq, 40), t0))
	}
	write(m.Flush())
	return &stream
}

func TestScanSummarizesStream(t *testing.T) {
	t.Parallel()

	stream := recordStream(t, []uint64{1, 2, 3, 6, 7, 10})

	var seen []uint64
	sum, err := Scan(stream, func(desc Descriptor, f Frame) error {
		assert.Equal(t, testDescriptor(), desc)
		seen = append(seen, f.Sequence)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3, 6, 7, 10}, seen)
	assert.Equal(t, testDescriptor(), sum.Descriptor)
	assert.Equal(t, len("codec-header"), sum.CodecHeader)
	assert.Equal(t, 1, sum.HeaderPages)
	assert.Equal(t, 6, sum.Frames)
	assert.Equal(t, int64(6*40), sum.PayloadBytes)
	assert.Equal(t, uint64(1), sum.FirstFrame)
	assert.Equal(t, uint64(10), sum.LastFrame)
	assert.Equal(t, uint64(10*960), sum.SampleClock)
	assert.Equal(t, []Gap{{After: 3, Next: 6}, {After: 7, Next: 10}}, sum.Gaps)
	assert.Equal(t, uint64(4), sum.MissingFrames())
	assert.Greater(t, sum.Pages, 2)
}

func TestScanRejectsMalformedStreams(t *testing.T) {
	t.Parallel()

	audioOnly := Page{Sequence: 1, Frames: []Frame{{Sequence: 1, Payload: []byte("x")}}}
	require.NoError(t, encodePage(&audioOnly))

	tests := []struct {
		name   string
		stream []byte
	}{
		{"empty", nil},
		{"audio before header", audioOnly.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Scan(bytes.NewReader(tt.stream), nil)
			require.ErrorIs(t, err, ErrCorruptPage)
		})
	}
}

func TestScanStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	stop := io.ErrShortWrite
	sum, err := Scan(recordStream(t, []uint64{1, 2, 3}), func(Descriptor, Frame) error { return stop })
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, sum.Frames)
}
