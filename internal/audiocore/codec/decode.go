package codec

import (
	"fmt"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// Decode turns one encoded audio frame of the given kind back into
// interleaved samples. Only the built-in kinds can be decoded.
func Decode(kind Kind, channels, frameSamples int, payload []byte) ([]int16, error) {
	switch kind {
	case KindPCM, KindWAV:
		return DecodePCM(payload), nil
	case KindADPCM:
		return DecodeADPCM(payload, channels, frameSamples)
	case KindMuLaw:
		return DecodeMuLaw(payload), nil
	case KindFLAC:
		return DecodeFLAC(payload, channels, frameSamples)
	default:
		return nil, errors.New(fmt.Errorf("%w: no decoder for codec kind %q", audiocore.ErrFormatUnsupported, kind)).
			Component(componentCodec).
			Category(errors.CategoryFormatUnsupported).
			Build()
	}
}
