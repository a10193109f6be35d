package malgo

import (
	"encoding/binary"
	"math"

	"github.com/gen2brain/malgo"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// bytesPerSample returns the width of one sample in the given format, or 0
// for formats the converter does not handle.
func bytesPerSample(format malgo.FormatType) int {
	switch format {
	case malgo.FormatU8:
		return 1
	case malgo.FormatS16:
		return 2
	case malgo.FormatS24:
		return 3
	case malgo.FormatS32, malgo.FormatF32:
		return 4
	default:
		return 0
	}
}

// formatName is used in logs and error context.
func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatU8:
		return "u8"
	case malgo.FormatS16:
		return "s16"
	case malgo.FormatS24:
		return "s24"
	case malgo.FormatS32:
		return "s32"
	case malgo.FormatF32:
		return "f32"
	default:
		return "unknown"
	}
}

// appendS16 converts raw device bytes in format to signed 16-bit samples
// and appends them to dst. A trailing partial sample is ignored.
func appendS16(dst []int16, raw []byte, format malgo.FormatType) ([]int16, error) {
	width := bytesPerSample(format)
	if width == 0 {
		return dst, errors.Newf("unsupported capture format %d", format).
			Component(componentMalgo).
			Category(errors.CategoryFormatUnsupported).
			Build()
	}

	for i := 0; i+width <= len(raw); i += width {
		var v int32
		switch format {
		case malgo.FormatU8:
			v = (int32(raw[i]) - 128) << 8
		case malgo.FormatS16:
			v = int32(int16(binary.LittleEndian.Uint16(raw[i:])))
		case malgo.FormatS24:
			v = int32(raw[i]) | int32(raw[i+1])<<8 | int32(int8(raw[i+2]))<<16
			v >>= 8
		case malgo.FormatS32:
			v = int32(binary.LittleEndian.Uint32(raw[i:])) >> 16
		case malgo.FormatF32:
			f := math.Float32frombits(binary.LittleEndian.Uint32(raw[i:]))
			v = int32(max(-1, min(1, f)) * math.MaxInt16)
		}
		dst = append(dst, int16(max(math.MinInt16, min(math.MaxInt16, v))))
	}
	return dst, nil
}
