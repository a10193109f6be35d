package sources

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

// FileConfig configures playback of a WAV or FLAC file.
type FileConfig struct {
	Path string
	// Loop restarts at the beginning instead of ending the stream.
	Loop bool
	// Unpaced delivers frames as fast as they are read instead of in real time.
	Unpaced bool
}

// FileDevice plays an audio file as if it were a live input. The file must
// already have the pipeline's sample rate and channel count; samples wider
// than 16 bits are truncated to 16.
//
// Without Loop, ReadFrame returns io.EOF once the file is exhausted; the
// last frame is padded with silence.
type FileDevice struct {
	cfg FileConfig
	log logger.Logger
}

// NewFileDevice returns a file-backed device.
func NewFileDevice(cfg FileConfig, log logger.Logger) *FileDevice {
	if log == nil {
		log = logger.Discard()
	}
	return &FileDevice{cfg: cfg, log: log.Module("file")}
}

// Name implements audiocore.Device.
func (d *FileDevice) Name() string {
	return "file:" + filepath.Base(d.cfg.Path)
}

// FileInfo is the stream layout of an audio file.
type FileInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Open implements audiocore.Device.
func (d *FileDevice) Open(params audiocore.DeviceParams) (audiocore.DeviceHandle, error) {
	if err := params.Format.Validate(); err != nil {
		return nil, err
	}
	src, info, err := openSampleSource(d.cfg.Path)
	if err != nil {
		return nil, err
	}
	if info.SampleRate != params.Format.SampleRate || info.Channels != params.Format.Channels {
		_ = src.close()
		return nil, unsupported(d.Name(), fmt.Sprintf("file is %d Hz/%d ch, pipeline wants %s",
			info.SampleRate, info.Channels, params.Format))
	}

	h := &fileHandle{
		src:    src,
		params: params,
		loop:   d.cfg.Loop,
		log:    d.log.With(logger.String("path", d.cfg.Path)),
	}
	if !d.cfg.Unpaced {
		h.pace.interval = params.FrameDuration()
	}
	d.log.Info("file source opened",
		logger.String("path", d.cfg.Path),
		logger.Int("bit_depth", info.BitDepth),
		logger.Bool("loop", d.cfg.Loop))
	return h, nil
}

// ProbeFile reads the stream layout without playing the file.
func ProbeFile(path string) (FileInfo, error) {
	src, info, err := openSampleSource(path)
	if err != nil {
		return FileInfo{}, err
	}
	_ = src.close()
	return info, nil
}

type fileHandle struct {
	src    sampleSource
	params audiocore.DeviceParams
	loop   bool
	index  uint64
	done   bool
	pace   pacer
	log    logger.Logger
}

func (h *fileHandle) ReadFrame(ctx context.Context) (audiocore.SampleFrame, error) {
	if h.done {
		return audiocore.SampleFrame{}, io.EOF
	}
	if err := h.pace.wait(ctx); err != nil {
		return audiocore.SampleFrame{}, err
	}

	samples := make([]int16, h.params.FrameLen())
	filled := 0
	rewound := false
	for filled < len(samples) {
		n, err := h.src.read(samples[filled:])
		filled += n
		if err == nil {
			continue
		}
		if err != io.EOF {
			return audiocore.SampleFrame{}, err
		}
		// an empty file would rewind forever
		if !h.loop || (rewound && n == 0) {
			h.done = true
			break
		}
		if err := h.src.rewind(); err != nil {
			return audiocore.SampleFrame{}, err
		}
		rewound = true
		h.log.Debug("looping file")
	}
	if filled == 0 {
		return audiocore.SampleFrame{}, io.EOF
	}

	frame := audiocore.SampleFrame{Samples: samples, Index: h.index, Captured: time.Now()}
	h.index += uint64(h.params.FrameSamples)
	return frame, nil
}

func (h *fileHandle) Close() error {
	return h.src.close()
}

// sampleSource yields interleaved 16-bit samples from a decoded file.
type sampleSource interface {
	// read fills dst and returns io.EOF once no samples are left.
	read(dst []int16) (int, error)
	rewind() error
	close() error
}

func openSampleSource(path string) (sampleSource, FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, FileInfo{}, errors.New(fmt.Errorf("%w: %w", audiocore.ErrDeviceUnavailable, err)).
			Component(componentSources).
			Category(errors.CategoryDeviceUnavailable).
			Context("path", path).
			Build()
	}

	var (
		src  sampleSource
		info FileInfo
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		src, info, err = newWAVSource(f)
	case ".flac":
		src, info, err = newFLACSource(f)
	default:
		err = fmt.Errorf("unsupported file type %q", ext)
	}
	if err != nil {
		_ = f.Close()
		return nil, FileInfo{}, unsupported("file:"+filepath.Base(path), err.Error())
	}
	if info.BitDepth != 16 && info.BitDepth != 24 && info.BitDepth != 32 {
		_ = src.close()
		return nil, FileInfo{}, unsupported("file:"+filepath.Base(path), fmt.Sprintf("unsupported bit depth %d", info.BitDepth))
	}
	return src, info, nil
}

type wavSource struct {
	f     *os.File
	dec   *wav.Decoder
	buf   *audio.IntBuffer
	shift int
}

func newWAVSource(f *os.File) (*wavSource, FileInfo, error) {
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, FileInfo{}, fmt.Errorf("not a valid WAV file")
	}
	if dec.WavAudioFormat != 1 {
		return nil, FileInfo{}, fmt.Errorf("WAV encoding %d is not integer PCM", dec.WavAudioFormat)
	}
	info := FileInfo{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: int(dec.BitDepth)}
	return &wavSource{
		f:     f,
		dec:   dec,
		buf:   &audio.IntBuffer{Format: &audio.Format{SampleRate: info.SampleRate, NumChannels: info.Channels}},
		shift: info.BitDepth - 16,
	}, info, nil
}

func (s *wavSource) read(dst []int16) (int, error) {
	if cap(s.buf.Data) < len(dst) {
		s.buf.Data = make([]int, len(dst))
	}
	s.buf.Data = s.buf.Data[:len(dst)]
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return 0, err
	}
	for i, v := range s.buf.Data[:n] {
		dst[i] = int16(v >> s.shift)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *wavSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.dec = wav.NewDecoder(s.f)
	s.dec.ReadInfo()
	return nil
}

func (s *wavSource) close() error {
	return s.f.Close()
}

type flacSource struct {
	f        *os.File
	dec      *flac.Decoder
	width    int
	shift    int
	leftover []int16
}

func newFLACSource(f *os.File) (*flacSource, FileInfo, error) {
	dec, err := flac.NewDecoder(f)
	if err != nil {
		return nil, FileInfo{}, err
	}
	info := FileInfo{SampleRate: dec.SampleRate, Channels: dec.NChannels, BitDepth: dec.BitsPerSample}
	return &flacSource{f: f, dec: dec, width: info.BitDepth / 8, shift: info.BitDepth - 16}, info, nil
}

func (s *flacSource) read(dst []int16) (int, error) {
	for len(s.leftover) < len(dst) {
		block, err := s.dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		for i := 0; i+s.width <= len(block); i += s.width {
			var v int32
			switch s.width {
			case 2:
				v = int32(int16(binary.LittleEndian.Uint16(block[i:])))
			case 3:
				v = int32(block[i]) | int32(block[i+1])<<8 | int32(int8(block[i+2]))<<16
			case 4:
				v = int32(binary.LittleEndian.Uint32(block[i:]))
			}
			s.leftover = append(s.leftover, int16(v>>s.shift))
		}
	}
	n := copy(dst, s.leftover)
	s.leftover = s.leftover[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *flacSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	dec, err := flac.NewDecoder(s.f)
	if err != nil {
		return err
	}
	s.dec = dec
	s.leftover = nil
	return nil
}

func (s *flacSource) close() error {
	return s.f.Close()
}
