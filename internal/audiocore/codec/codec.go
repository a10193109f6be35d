// Package codec turns fixed-size PCM frames into encoded frames.
//
// A Registry holds any number of registered codec instances for
// introspection. A pipeline binds exactly one of them at start and is the
// only caller of that instance's Encode method.
package codec

import (
	"fmt"
	"sort"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

const componentCodec = "codec"

// Kind names a codec implementation.
type Kind string

const (
	KindPCM   Kind = "pcm"
	KindWAV   Kind = "wav"
	KindADPCM Kind = "adpcm"
	KindMuLaw Kind = "mulaw"
	KindFLAC  Kind = "flac"
)

// Params are the fixed encoding parameters of an instance.
type Params struct {
	Format       audiocore.AudioFormat `json:"format"`
	FrameSamples int                   `json:"frame_samples"` // per channel
}

// FrameLen returns the interleaved sample count of one input frame.
func (p Params) FrameLen() int {
	return p.FrameSamples * p.Format.Channels
}

// Validate checks the parameters can be encoded.
func (p Params) Validate() error {
	if err := p.Format.Validate(); err != nil {
		return err
	}
	if p.FrameSamples <= 0 || p.FrameSamples > 0xFFFF {
		return errors.Newf("frame samples must be between 1 and 65535, got %d", p.FrameSamples).
			Component(componentCodec).
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Encoder is the stateful core of a codec. Encode is only called with
// frames of exactly Params.FrameLen samples and appends the encoded bytes
// to dst. Implementations must be deterministic: the same state and input
// always produce the same output.
type Encoder interface {
	ContentType() string
	// Header returns the codec header packet sent before any audio.
	Header() []byte
	Encode(dst []byte, samples []int16) []byte
}

// Factory builds an encoder for validated parameters.
type Factory func(Params) (Encoder, error)

var builtinFactories = map[Kind]Factory{
	KindPCM:   newPCMEncoder,
	KindWAV:   newWAVEncoder,
	KindADPCM: newADPCMEncoder,
	KindMuLaw: newMuLawEncoder,
	KindFLAC:  newFLACEncoder,
}

// ParseKind maps a config string to a built-in kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := builtinFactories[k]; ok {
		return k, nil
	}
	return "", errors.New(fmt.Errorf("%w: unknown codec kind %q", audiocore.ErrFormatUnsupported, s)).
		Component(componentCodec).
		Category(errors.CategoryFormatUnsupported).
		Context("supported", BuiltinKinds()).
		Build()
}

// BuiltinKinds lists the kinds every registry supports.
func BuiltinKinds() []Kind {
	kinds := make([]Kind, 0, len(builtinFactories))
	for k := range builtinFactories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
