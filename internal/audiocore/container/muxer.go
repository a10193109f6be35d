package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

const (
	// DefaultMaxPageBytes bounds a serialized page, header included.
	DefaultMaxPageBytes = 8192
	// DefaultMaxLatency bounds how long a frame may wait in a partial page.
	DefaultMaxLatency = 100 * time.Millisecond
)

// Descriptor tells a downstream parser how to decode the stream. It is
// carried in the header page next to the codec header packet.
type Descriptor struct {
	Kind         string
	SampleRate   int
	Channels     int
	FrameSamples int
}

// MarshalBinary encodes the descriptor as u8 kind length, kind, u32 rate,
// u8 channels, u16 frame samples, all big endian.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	if len(d.Kind) > 0xFF || d.Channels < 0 || d.Channels > 0xFF ||
		d.FrameSamples < 0 || d.FrameSamples > 0xFFFF || d.SampleRate < 0 || uint64(d.SampleRate) > 0xFFFFFFFF {
		return nil, errors.Newf("descriptor %+v does not fit the wire format", d).
			Component(componentContainer).
			Category(errors.CategoryValidation).
			Build()
	}
	b := make([]byte, 0, 1+len(d.Kind)+4+1+2)
	b = append(b, byte(len(d.Kind)))
	b = append(b, d.Kind...)
	b = binary.BigEndian.AppendUint32(b, uint32(d.SampleRate))
	b = append(b, byte(d.Channels))
	b = binary.BigEndian.AppendUint16(b, uint16(d.FrameSamples))
	return b, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (d *Descriptor) UnmarshalBinary(b []byte) error {
	if len(b) < 1 || len(b) != 1+int(b[0])+7 {
		return corrupt("descriptor of %d bytes is malformed", len(b))
	}
	n := int(b[0])
	d.Kind = string(b[1 : 1+n])
	rest := b[1+n:]
	d.SampleRate = int(binary.BigEndian.Uint32(rest))
	d.Channels = int(rest[4])
	d.FrameSamples = int(binary.BigEndian.Uint16(rest[5:]))
	return nil
}

// ParseHeaderPage extracts the codec header packet and descriptor.
func ParseHeaderPage(p Page) (codecHeader []byte, desc Descriptor, err error) {
	if !p.IsHeader() || len(p.Frames) != 2 {
		return nil, Descriptor{}, corrupt("page %d is not a header page", p.Sequence)
	}
	if err := desc.UnmarshalBinary(p.Frames[1].Payload); err != nil {
		return nil, Descriptor{}, err
	}
	return p.Frames[0].Payload, desc, nil
}

// Options configures a Muxer.
type Options struct {
	MaxPageBytes int
	MaxLatency   time.Duration
	Descriptor   Descriptor
}

// Muxer packs encoded frames into pages. A page is closed when the next
// frame would push it past MaxPageBytes or when its oldest frame has
// waited MaxLatency, whichever comes first. A frame too large for an
// empty page gets a page of its own.
//
// A Muxer is used by a single goroutine. Any inconsistency it detects is
// reported as ErrMuxInvariantViolation and must be treated as fatal.
type Muxer struct {
	opts Options

	nextPage      uint64
	headerPage    *Page
	lastFrameSeq  uint64
	lastClock     uint64
	pending       []Frame
	pendingBytes  int
	pendingClock  uint64
	pendingOpened time.Time
}

// NewMuxer returns a muxer that has not emitted its header yet.
func NewMuxer(opts Options) *Muxer {
	if opts.MaxPageBytes <= HeaderLen+FrameOverhead {
		opts.MaxPageBytes = DefaultMaxPageBytes
	}
	if opts.MaxLatency <= 0 {
		opts.MaxLatency = DefaultMaxLatency
	}
	return &Muxer{opts: opts}
}

// HeaderPage returns the cached header page once it was emitted.
func (m *Muxer) HeaderPage() (Page, bool) {
	if m.headerPage == nil {
		return Page{}, false
	}
	return *m.headerPage, true
}

// NextSequence returns the sequence number the next page will carry.
func (m *Muxer) NextSequence() uint64 {
	return m.nextPage
}

// Mux accepts one encoded frame. The first frame must be the codec header
// packet; it yields the header page immediately. Audio frames yield zero
// or more completed pages.
func (m *Muxer) Mux(frame audiocore.EncodedFrame, now time.Time) ([]Page, error) {
	if frame.Header {
		return m.muxHeader(frame)
	}
	if m.headerPage == nil {
		return nil, m.violation("audio frame %d before header page", frame.Sequence)
	}
	if frame.Sequence <= m.lastFrameSeq {
		return nil, m.violation("frame sequence %d does not follow %d", frame.Sequence, m.lastFrameSeq)
	}
	if frame.Timestamp < m.lastClock {
		return nil, m.violation("sample clock went backwards from %d to %d", m.lastClock, frame.Timestamp)
	}
	m.lastFrameSeq = frame.Sequence
	m.lastClock = frame.Timestamp

	var out []Page
	size := FrameOverhead + len(frame.Payload)
	if len(m.pending) > 0 && HeaderLen+m.pendingBytes+size > m.opts.MaxPageBytes {
		page, err := m.closePage()
		if err != nil {
			return nil, err
		}
		out = append(out, page)
	}

	if len(m.pending) == 0 {
		m.pendingOpened = now
	}
	m.pending = append(m.pending, Frame{Sequence: frame.Sequence, Payload: frame.Payload})
	m.pendingBytes += size
	m.pendingClock = frame.Timestamp

	if HeaderLen+m.pendingBytes >= m.opts.MaxPageBytes ||
		len(m.pending) == maxFrames ||
		now.Sub(m.pendingOpened) >= m.opts.MaxLatency {
		page, err := m.closePage()
		if err != nil {
			return nil, err
		}
		out = append(out, page)
	}
	return out, nil
}

// Tick closes the partial page once its latency budget is spent.
func (m *Muxer) Tick(now time.Time) ([]Page, error) {
	if len(m.pending) == 0 || now.Sub(m.pendingOpened) < m.opts.MaxLatency {
		return nil, nil
	}
	page, err := m.closePage()
	if err != nil {
		return nil, err
	}
	return []Page{page}, nil
}

// Flush closes the partial page regardless of its age.
func (m *Muxer) Flush() ([]Page, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	page, err := m.closePage()
	if err != nil {
		return nil, err
	}
	return []Page{page}, nil
}

// Pending returns the number of frames waiting in the partial page.
func (m *Muxer) Pending() int {
	return len(m.pending)
}

func (m *Muxer) muxHeader(frame audiocore.EncodedFrame) ([]Page, error) {
	if m.headerPage != nil {
		return nil, m.violation("second header packet in one session")
	}
	desc, err := m.opts.Descriptor.MarshalBinary()
	if err != nil {
		return nil, m.violation("%v", err)
	}
	page := Page{
		Sequence: 0,
		Flags:    FlagHeader,
		Frames: []Frame{
			{Sequence: 0, Payload: frame.Payload},
			{Sequence: 0, Payload: desc},
		},
	}
	if err := m.seal(&page); err != nil {
		return nil, err
	}
	m.headerPage = &page
	m.nextPage = 1
	return []Page{page}, nil
}

func (m *Muxer) closePage() (Page, error) {
	page := Page{
		Sequence:    m.nextPage,
		SampleClock: m.pendingClock,
		Frames:      m.pending,
	}
	if err := m.seal(&page); err != nil {
		return Page{}, err
	}
	m.nextPage++
	m.pending = nil
	m.pendingBytes = 0
	return page, nil
}

// seal serializes the page and parses it back before it may leave the muxer.
func (m *Muxer) seal(p *Page) error {
	if err := encodePage(p); err != nil {
		return m.violation("encoding page %d: %v", p.Sequence, err)
	}
	check, err := ParsePage(p.raw)
	if err != nil {
		return m.violation("page %d failed self-check: %v", p.Sequence, err)
	}
	if check.Sequence != p.Sequence || len(check.Frames) != len(p.Frames) {
		return m.violation("page %d round trip mismatch", p.Sequence)
	}
	for i := range p.Frames {
		if check.Frames[i].Sequence != p.Frames[i].Sequence ||
			!bytes.Equal(check.Frames[i].Payload, p.Frames[i].Payload) {
			return m.violation("page %d frame %d round trip mismatch", p.Sequence, i)
		}
	}
	return nil
}

func (m *Muxer) violation(format string, args ...any) error {
	return errors.New(fmt.Errorf("%w: %s", audiocore.ErrMuxInvariantViolation, fmt.Sprintf(format, args...))).
		Component(componentContainer).
		Category(errors.CategoryMuxInvariant).
		Priority(errors.PriorityCritical).
		Context("next_page", m.nextPage).
		Build()
}
