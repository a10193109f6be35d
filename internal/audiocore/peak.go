package audiocore

import (
	"math"
	"sync/atomic"
)

// SilenceDBFS is reported for channels that carried only zeros.
const SilenceDBFS = -96.0

// PeakMeter tracks the peak absolute sample per channel of the most recent
// frame. Update is called by the capture goroutine, Levels from anywhere.
type PeakMeter struct {
	peaks []atomic.Uint32
}

// NewPeakMeter creates a meter for the given channel count.
func NewPeakMeter(channels int) *PeakMeter {
	return &PeakMeter{peaks: make([]atomic.Uint32, max(channels, 1))}
}

// Update records the per-channel peaks of one interleaved frame.
func (p *PeakMeter) Update(samples []int16) {
	channels := len(p.peaks)
	var local [8]uint32
	for i, s := range samples {
		a := uint32(s)
		if s < 0 {
			a = uint32(-int32(s))
		}
		if ch := i % channels; ch < len(local) && a > local[ch] {
			local[ch] = a
		}
	}
	for ch := range p.peaks {
		if ch < len(local) {
			p.peaks[ch].Store(local[ch])
		}
	}
}

// Levels returns the peak of each channel in dBFS.
func (p *PeakMeter) Levels() []float64 {
	out := make([]float64, len(p.peaks))
	for ch := range p.peaks {
		out[ch] = ToDBFS(p.peaks[ch].Load())
	}
	return out
}

// ToDBFS converts an absolute 16-bit sample value to dBFS.
func ToDBFS(peak uint32) float64 {
	if peak == 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(float64(peak)/math.MaxInt16)
	return max(db, SilenceDBFS)
}
