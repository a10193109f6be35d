package codec

import (
	"bytes"
	"fmt"

	"github.com/tphakala/flac"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// FLAC with one fixed-size FLAC frame per codec frame. Each channel is
// coded independently as a constant, fixed-prediction (orders 0 to 4,
// single Rice partition) or verbatim subframe, whichever is smallest.
// The header packet is the "fLaC" marker plus a STREAMINFO block with
// unknown length and checksum.

const (
	flacBitsPerSample = 16
	flacMaxOrder      = 4
	flacMaxRiceParam  = 14
	flacStreamInfoLen = 34

	flacBlockSizeCode16 = 7
	flacSampleSizeCode  = 4 // 16 bits
	flacRateFromInfo    = 0
	flacRateHz16        = 13
	flacRateTensOfHz16  = 14
	flacFrameNumberMod  = 1 << 31
)

type flacEncoder struct {
	channels int
	rateCode byte
	rate     uint16
	header   []byte
	frame    uint64
	chans    [][]int32
	residual []uint32
}

func newFLACEncoder(p Params) (Encoder, error) {
	e := &flacEncoder{
		channels: p.Format.Channels,
		header:   flacStreamHeader(p.Format.SampleRate, p.Format.Channels, p.FrameSamples),
		chans:    make([][]int32, p.Format.Channels),
		residual: make([]uint32, p.FrameSamples),
	}
	for ch := range e.chans {
		e.chans[ch] = make([]int32, p.FrameSamples)
	}
	switch rate := p.Format.SampleRate; {
	case rate <= 0xFFFF:
		e.rateCode, e.rate = flacRateHz16, uint16(rate)
	case rate%10 == 0 && rate/10 <= 0xFFFF:
		e.rateCode, e.rate = flacRateTensOfHz16, uint16(rate/10)
	case rate < 1<<20:
		e.rateCode = flacRateFromInfo
	default:
		return nil, errors.New(fmt.Errorf("%w: flac sample rate %d out of range", audiocore.ErrFormatUnsupported, rate)).
			Component(componentCodec).
			Category(errors.CategoryFormatUnsupported).
			Build()
	}
	return e, nil
}

func (e *flacEncoder) ContentType() string { return "audio/flac" }

func (e *flacEncoder) Header() []byte { return e.header }

func (e *flacEncoder) Encode(dst []byte, samples []int16) []byte {
	n := len(samples) / e.channels
	for ch := range e.channels {
		c := e.chans[ch][:n]
		for i := range c {
			c[i] = int32(samples[i*e.channels+ch])
		}
	}

	start := len(dst)
	dst = append(dst, 0xFF, 0xF8,
		flacBlockSizeCode16<<4|e.rateCode,
		byte(e.channels-1)<<4|flacSampleSizeCode<<1)
	dst = appendFLACNumber(dst, e.frame%flacFrameNumberMod)
	dst = append(dst, byte((n-1)>>8), byte(n-1))
	if e.rateCode != flacRateFromInfo {
		dst = append(dst, byte(e.rate>>8), byte(e.rate))
	}
	dst = append(dst, crc8(dst[start:]))

	w := bitWriter{buf: dst}
	for ch := range e.channels {
		e.writeSubframe(&w, e.chans[ch][:n])
	}
	dst = w.flush()

	crc := crc16(dst[start:])
	e.frame++
	return append(dst, byte(crc>>8), byte(crc))
}

func (e *flacEncoder) writeSubframe(w *bitWriter, x []int32) {
	n := len(x)
	constant := true
	for _, v := range x[1:] {
		if v != x[0] {
			constant = false
			break
		}
	}
	if constant {
		w.write(0, 8)
		w.write(uint64(uint16(x[0])), flacBitsPerSample)
		return
	}

	bestOrder, bestParam := -1, 0
	bestBits := 8 + flacBitsPerSample*n // verbatim
	for order := 0; order <= min(flacMaxOrder, n-1); order++ {
		res := fixedResidual(e.residual[:n-order], x, order)
		param, bits := riceParam(res)
		bits += 8 + order*flacBitsPerSample + 2 + 4 + 4
		if bits < bestBits {
			bestOrder, bestParam, bestBits = order, param, bits
		}
	}

	if bestOrder < 0 {
		w.write(0x02, 8)
		for _, v := range x {
			w.write(uint64(uint16(v)), flacBitsPerSample)
		}
		return
	}

	res := fixedResidual(e.residual[:n-bestOrder], x, bestOrder)
	w.write(uint64(0x08|bestOrder)<<1, 8)
	for _, v := range x[:bestOrder] {
		w.write(uint64(uint16(v)), flacBitsPerSample)
	}
	// Rice coding, 4-bit parameter, partition order 0
	w.write(0, 2)
	w.write(0, 4)
	w.write(uint64(bestParam), 4)
	for _, u := range res {
		w.unary(u >> bestParam)
		w.write(uint64(u), uint(bestParam))
	}
}

// fixedResidual fills dst with the zigzag-folded residual of the fixed
// predictor of the given order.
func fixedResidual(dst []uint32, x []int32, order int) []uint32 {
	for i := order; i < len(x); i++ {
		var r int32
		switch order {
		case 0:
			r = x[i]
		case 1:
			r = x[i] - x[i-1]
		case 2:
			r = x[i] - 2*x[i-1] + x[i-2]
		case 3:
			r = x[i] - 3*x[i-1] + 3*x[i-2] - x[i-3]
		case 4:
			r = x[i] - 4*x[i-1] + 6*x[i-2] - 4*x[i-3] + x[i-4]
		}
		dst[i-order] = uint32(r<<1) ^ uint32(r>>31)
	}
	return dst
}

// riceParam picks the parameter with the fewest coded bits.
func riceParam(res []uint32) (param, bits int) {
	bits = -1
	for k := range flacMaxRiceParam + 1 {
		total := 0
		for _, u := range res {
			total += int(u>>k) + 1 + k
		}
		if bits < 0 || total < bits {
			param, bits = k, total
		}
	}
	return param, bits
}

func flacStreamHeader(sampleRate, channels, frameSamples int) []byte {
	w := bitWriter{buf: []byte("fLaC")}
	w.write(1, 1) // last metadata block
	w.write(0, 7) // STREAMINFO
	w.write(flacStreamInfoLen, 24)
	w.write(uint64(frameSamples), 16)
	w.write(uint64(frameSamples), 16)
	w.write(0, 24) // frame sizes unknown
	w.write(0, 24)
	w.write(uint64(sampleRate), 20)
	w.write(uint64(channels-1), 3)
	w.write(flacBitsPerSample-1, 5)
	w.write(0, 36) // total samples unknown
	buf := w.flush()
	return append(buf, make([]byte, 16)...) // no MD5
}

// appendFLACNumber appends v in the UTF-8-like coding of frame headers.
func appendFLACNumber(dst []byte, v uint64) []byte {
	if v < 0x80 {
		return append(dst, byte(v))
	}
	extra := 1
	for v >= 1<<(6*extra+6-extra) {
		extra++
	}
	dst = append(dst, byte(0xFF<<(7-extra))|byte(v>>(6*extra)))
	for i := extra - 1; i >= 0; i-- {
		dst = append(dst, 0x80|byte(v>>(6*i))&0x3F)
	}
	return dst
}

// DecodeFLAC decodes one frame produced by the flac encoder.
func DecodeFLAC(payload []byte, channels, frameSamples int) ([]int16, error) {
	// frames carry their own sample rate; STREAMINFO only has to be valid
	stream := append(flacStreamHeader(1, channels, frameSamples), payload...)
	dec, err := flac.NewDecoder(bytes.NewReader(stream))
	if err != nil {
		return nil, flacDecodeError(err)
	}
	data, err := dec.Next()
	if err != nil {
		return nil, flacDecodeError(err)
	}
	return DecodePCM(data), nil
}

func flacDecodeError(err error) error {
	return errors.New(fmt.Errorf("%w: flac: %w", audiocore.ErrInvalidFrame, err)).
		Component(componentCodec).
		Category(errors.CategoryCodec).
		Build()
}

// bitWriter appends big-endian bit fields to buf.
type bitWriter struct {
	buf   []byte
	acc   uint64
	nbits uint
}

// write appends the low n bits of v, n <= 56.
func (w *bitWriter) write(v uint64, n uint) {
	if n == 0 {
		return
	}
	w.acc = w.acc<<n | v&(1<<n-1)
	w.nbits += n
	for w.nbits >= 8 {
		w.nbits -= 8
		w.buf = append(w.buf, byte(w.acc>>w.nbits))
	}
	w.acc &= 1<<w.nbits - 1
}

// unary appends q zero bits and a terminating one.
func (w *bitWriter) unary(q uint32) {
	for q >= 32 {
		w.write(0, 32)
		q -= 32
	}
	w.write(1, uint(q)+1)
}

// flush pads to a byte boundary with zero bits and returns the buffer.
func (w *bitWriter) flush() []byte {
	if w.nbits > 0 {
		w.write(0, 8-w.nbits)
	}
	return w.buf
}

func crc8(b []byte) byte {
	var crc byte
	for _, c := range b {
		crc ^= c
		for range 8 {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func crc16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc ^= uint16(c) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x8005
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
