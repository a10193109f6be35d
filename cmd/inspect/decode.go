package inspect

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
)

// wavDecoder decodes stream frames into a 16-bit WAV file. The file is
// created on the first frame, once the descriptor is known.
type wavDecoder struct {
	path    string
	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	last    uint64
	written int
}

func newWAVDecoder(path string) *wavDecoder {
	return &wavDecoder{path: path}
}

// Frame is a container.FrameFunc.
func (d *wavDecoder) Frame(desc container.Descriptor, f container.Frame) error {
	if d.enc == nil {
		if err := d.open(desc); err != nil {
			return err
		}
	}

	frameLen := desc.FrameSamples * desc.Channels
	if d.last != 0 && f.Sequence > d.last+1 {
		silence := make([]int16, frameLen)
		for range f.Sequence - d.last - 1 {
			if err := d.write(silence); err != nil {
				return err
			}
		}
	}
	d.last = f.Sequence

	samples, err := codec.Decode(codec.Kind(desc.Kind), desc.Channels, desc.FrameSamples, f.Payload)
	if err != nil {
		return fmt.Errorf("frame %d: %w", f.Sequence, err)
	}
	return d.write(samples)
}

func (d *wavDecoder) open(desc container.Descriptor) error {
	file, err := os.Create(d.path)
	if err != nil {
		return fmt.Errorf("error creating decode output: %w", err)
	}
	d.file = file
	d.enc = wav.NewEncoder(file, desc.SampleRate, 16, desc.Channels, 1)
	d.buf = &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: desc.SampleRate, NumChannels: desc.Channels},
		SourceBitDepth: 16,
	}
	return nil
}

func (d *wavDecoder) write(samples []int16) error {
	data := d.buf.Data[:0]
	for _, s := range samples {
		data = append(data, int(s))
	}
	d.buf.Data = data
	if err := d.enc.Write(d.buf); err != nil {
		return fmt.Errorf("error writing decoded audio: %w", err)
	}
	d.written += len(samples)
	return nil
}

// Close finalizes the WAV header. It is a no-op when no frame was decoded.
func (d *wavDecoder) Close() error {
	if d.enc == nil {
		return nil
	}
	encErr := d.enc.Close()
	fileErr := d.file.Close()
	if encErr != nil {
		return fmt.Errorf("error finalizing decode output: %w", encErr)
	}
	return fileErr
}
