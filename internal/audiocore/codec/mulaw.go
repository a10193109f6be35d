package codec

import "fmt"

// G.711 mu-law, one byte per sample.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

type mulawEncoder struct {
	contentType string
}

func newMuLawEncoder(p Params) (Encoder, error) {
	return &mulawEncoder{
		contentType: fmt.Sprintf("audio/PCMU;rate=%d;channels=%d", p.Format.SampleRate, p.Format.Channels),
	}, nil
}

func (e *mulawEncoder) ContentType() string { return e.contentType }

func (e *mulawEncoder) Header() []byte { return nil }

func (e *mulawEncoder) Encode(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = append(dst, linearToMuLaw(s))
	}
	return dst
}

func linearToMuLaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	s = min(s, mulawClip) + mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

func muLawToLinear(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// DecodeMuLaw expands mu-law bytes to linear samples.
func DecodeMuLaw(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawToLinear(b)
	}
	return out
}
