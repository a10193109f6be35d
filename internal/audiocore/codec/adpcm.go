package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// IMA ADPCM, 4 bits per sample. Each frame carries, per channel, a 4 byte
// block header (predictor int16 LE, step index, reserved zero) followed by
// that channel's nibbles packed low nibble first. A frame can therefore be
// decoded without any earlier frame.

const adpcmBlockHeaderLen = 4

var adpcmIndexTable = [16]int{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

var adpcmStepTable = [89]int32{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

type adpcmChannel struct {
	predictor int32
	index     int
}

type adpcmEncoder struct {
	channels    int
	contentType string
	state       []adpcmChannel
}

func newADPCMEncoder(p Params) (Encoder, error) {
	return &adpcmEncoder{
		channels:    p.Format.Channels,
		contentType: fmt.Sprintf("audio/x-ima-adpcm;rate=%d;channels=%d", p.Format.SampleRate, p.Format.Channels),
		state:       make([]adpcmChannel, p.Format.Channels),
	}, nil
}

func (e *adpcmEncoder) ContentType() string { return e.contentType }

func (e *adpcmEncoder) Header() []byte { return nil }

func (e *adpcmEncoder) Encode(dst []byte, samples []int16) []byte {
	perChannel := len(samples) / e.channels
	for ch := range e.channels {
		st := &e.state[ch]
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(st.predictor)))
		dst = append(dst, byte(st.index), 0)

		var packed byte
		for i := range perChannel {
			nibble := st.encode(samples[i*e.channels+ch])
			if i%2 == 0 {
				packed = nibble
			} else {
				dst = append(dst, packed|nibble<<4)
			}
		}
		if perChannel%2 == 1 {
			dst = append(dst, packed)
		}
	}
	return dst
}

func (st *adpcmChannel) encode(sample int16) byte {
	diff := int32(sample) - st.predictor
	var nibble byte
	if diff < 0 {
		nibble = 8
		diff = -diff
	}

	step := adpcmStepTable[st.index]
	delta := step >> 3
	if diff >= step {
		nibble |= 4
		diff -= step
		delta += step
	}
	step >>= 1
	if diff >= step {
		nibble |= 2
		diff -= step
		delta += step
	}
	step >>= 1
	if diff >= step {
		nibble |= 1
		delta += step
	}

	st.apply(nibble, delta)
	return nibble
}

func (st *adpcmChannel) decode(nibble byte) int16 {
	step := adpcmStepTable[st.index]
	delta := step >> 3
	if nibble&4 != 0 {
		delta += step
	}
	if nibble&2 != 0 {
		delta += step >> 1
	}
	if nibble&1 != 0 {
		delta += step >> 2
	}
	st.apply(nibble, delta)
	return int16(st.predictor)
}

func (st *adpcmChannel) apply(nibble byte, delta int32) {
	if nibble&8 != 0 {
		st.predictor -= delta
	} else {
		st.predictor += delta
	}
	st.predictor = max(-32768, min(32767, st.predictor))
	st.index = max(0, min(len(adpcmStepTable)-1, st.index+adpcmIndexTable[nibble]))
}

// ADPCMFrameLen returns the encoded size of one frame.
func ADPCMFrameLen(channels, frameSamples int) int {
	return channels * (adpcmBlockHeaderLen + (frameSamples+1)/2)
}

// DecodeADPCM decodes one encoded frame into interleaved samples.
func DecodeADPCM(payload []byte, channels, frameSamples int) ([]int16, error) {
	if channels <= 0 || frameSamples <= 0 || len(payload) != ADPCMFrameLen(channels, frameSamples) {
		return nil, errors.New(fmt.Errorf("%w: adpcm payload of %d bytes does not match %d channels x %d samples",
			audiocore.ErrInvalidFrame, len(payload), channels, frameSamples)).
			Component(componentCodec).
			Category(errors.CategoryInvalidFrame).
			Build()
	}

	out := make([]int16, channels*frameSamples)
	blockLen := len(payload) / channels
	for ch := range channels {
		block := payload[ch*blockLen : (ch+1)*blockLen]
		index := int(block[2])
		if index >= len(adpcmStepTable) {
			return nil, errors.New(fmt.Errorf("%w: adpcm step index %d out of range", audiocore.ErrInvalidFrame, index)).
				Component(componentCodec).
				Category(errors.CategoryInvalidFrame).
				Build()
		}
		st := adpcmChannel{
			predictor: int32(int16(binary.LittleEndian.Uint16(block))),
			index:     index,
		}
		data := block[adpcmBlockHeaderLen:]
		for i := range frameSamples {
			b := data[i/2]
			nibble := b & 0x0F
			if i%2 == 1 {
				nibble = b >> 4
			}
			out[i*channels+ch] = st.decode(nibble)
		}
	}
	return out, nil
}
