package codec

import (
	"encoding/binary"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

const (
	wavRIFFSizeOffset = 4
	wavHeaderLen      = 44
	wavDataSizeOffset = wavHeaderLen - 4
	// Streams have no known length; players treat the maximum as open-ended.
	wavUnknownSize = 0xFFFFFFFF
)

// wavEncoder emits a RIFF/WAVE header packet followed by raw s16le frames.
type wavEncoder struct {
	header []byte
}

func newWAVEncoder(p Params) (Encoder, error) {
	header, err := streamingWAVHeader(p.Format.SampleRate, p.Format.Channels)
	if err != nil {
		return nil, err
	}
	return &wavEncoder{header: header}, nil
}

func (e *wavEncoder) ContentType() string { return "audio/wav" }

func (e *wavEncoder) Header() []byte { return e.header }

func (e *wavEncoder) Encode(dst []byte, samples []int16) []byte {
	return appendS16LE(dst, samples)
}

// streamingWAVHeader renders the canonical 44 byte header with the RIFF
// and data chunk sizes set to the streaming sentinel.
func streamingWAVHeader(sampleRate, channels int) ([]byte, error) {
	buf := &seekableBuffer{}
	enc := wav.NewEncoder(buf, sampleRate, 16, channels, 1)
	empty := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: 16,
	}
	if err := enc.Write(empty); err != nil {
		return nil, errors.New(err).Component(componentCodec).Category(errors.CategoryCodec).Build()
	}
	if err := enc.Close(); err != nil {
		return nil, errors.New(err).Component(componentCodec).Category(errors.CategoryCodec).Build()
	}

	header := buf.Bytes()
	if len(header) != wavHeaderLen {
		return nil, errors.Newf("unexpected wav header length %d", len(header)).
			Component(componentCodec).
			Category(errors.CategoryCodec).
			Build()
	}
	binary.LittleEndian.PutUint32(header[wavRIFFSizeOffset:], wavUnknownSize)
	binary.LittleEndian.PutUint32(header[wavDataSizeOffset:], wavUnknownSize)
	return header, nil
}

// seekableBuffer is an in-memory io.WriteSeeker; the wav encoder seeks
// back to patch chunk sizes when it closes.
type seekableBuffer struct {
	data []byte
	pos  int64
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.Newf("invalid whence %d", whence).Component(componentCodec).Build()
	}
	if next < 0 {
		return 0, errors.Newf("negative seek position %d", next).Component(componentCodec).Build()
	}
	b.pos = next
	return next, nil
}

func (b *seekableBuffer) Bytes() []byte {
	return b.data
}
