package codec

import (
	"encoding/binary"
	"fmt"
)

// pcmEncoder passes samples through as signed 16-bit little endian.
type pcmEncoder struct {
	contentType string
}

func newPCMEncoder(p Params) (Encoder, error) {
	return &pcmEncoder{
		contentType: fmt.Sprintf("audio/L16;rate=%d;channels=%d;endianness=little-endian", p.Format.SampleRate, p.Format.Channels),
	}, nil
}

func (e *pcmEncoder) ContentType() string { return e.contentType }

func (e *pcmEncoder) Header() []byte { return nil }

func (e *pcmEncoder) Encode(dst []byte, samples []int16) []byte {
	return appendS16LE(dst, samples)
}

func appendS16LE(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// DecodePCM converts s16le bytes back to samples. A trailing odd byte is ignored.
func DecodePCM(payload []byte) []int16 {
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return out
}
