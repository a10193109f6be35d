package container

import (
	"io"
)

// Gap is a run of audio frames missing from a recorded stream.
type Gap struct {
	After uint64 `json:"after"` // last frame sequence seen before the gap
	Next  uint64 `json:"next"`  // first frame sequence after it
}

// Missing returns the number of frames lost in the gap.
func (g Gap) Missing() uint64 { return g.Next - g.After - 1 }

// Summary describes a recorded stream.
type Summary struct {
	Descriptor   Descriptor `json:"descriptor"`
	CodecHeader  int        `json:"codec_header_bytes"`
	Pages        int        `json:"pages"`
	HeaderPages  int        `json:"header_pages"`
	Frames       int        `json:"frames"`
	PayloadBytes int64      `json:"payload_bytes"`
	FirstFrame   uint64     `json:"first_frame"`
	LastFrame    uint64     `json:"last_frame"`
	SampleClock  uint64     `json:"sample_clock"`
	Gaps         []Gap      `json:"gaps,omitempty"`
}

// MissingFrames sums the frames lost across all gaps.
func (s Summary) MissingFrames() uint64 {
	var n uint64
	for _, g := range s.Gaps {
		n += g.Missing()
	}
	return n
}

// FrameFunc receives every audio frame of a scanned stream together with
// the descriptor of the header page that preceded it.
type FrameFunc func(desc Descriptor, f Frame) error

// Scan reads a stream of pages from r to the end and summarizes it. The
// stream must open with a header page. A header page repeated after a
// reconnect is accepted when its descriptor is unchanged. Audio frames are
// passed to fn when it is not nil; an error from fn stops the scan.
func Scan(r io.Reader, fn FrameFunc) (Summary, error) {
	var (
		sum        Summary
		haveHeader bool
		lastFrame  uint64
	)
	rd := NewReader(r)
	for {
		p, err := rd.Next()
		if err == io.EOF {
			if !haveHeader {
				return sum, corrupt("stream has no header page")
			}
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		sum.Pages++

		if p.IsHeader() {
			codecHeader, desc, err := ParseHeaderPage(p)
			if err != nil {
				return sum, err
			}
			if haveHeader && desc != sum.Descriptor {
				return sum, corrupt("header page %d changes the stream descriptor", sum.Pages)
			}
			haveHeader = true
			sum.Descriptor = desc
			sum.CodecHeader = len(codecHeader)
			sum.HeaderPages++
			continue
		}
		if !haveHeader {
			return sum, corrupt("audio page %d before header page", p.Sequence)
		}

		sum.SampleClock = p.SampleClock
		for _, f := range p.Frames {
			switch {
			case sum.Frames == 0:
				sum.FirstFrame = f.Sequence
			case f.Sequence <= lastFrame:
				return sum, corrupt("frame sequence %d does not follow %d", f.Sequence, lastFrame)
			case f.Sequence != lastFrame+1:
				sum.Gaps = append(sum.Gaps, Gap{After: lastFrame, Next: f.Sequence})
			}
			lastFrame = f.Sequence
			sum.LastFrame = f.Sequence
			sum.Frames++
			sum.PayloadBytes += int64(len(f.Payload))
			if fn != nil {
				if err := fn(sum.Descriptor, f); err != nil {
					return sum, err
				}
			}
		}
	}
}
