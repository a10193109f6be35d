// Package container frames encoded audio into self-describing RFMA pages.
//
// Every page is independently parseable: a fixed 32 byte header carrying
// magic, version, flags, frame count, page sequence, sample clock, payload
// length and a CRC-32 over header and payload, followed by the frames.
// The header page (sequence 0) describes the stream and is replayed by the
// sink after every reconnect.
package container

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

const (
	componentContainer = "container"

	// Magic opens every page.
	Magic = "RFMA"
	// Version is the only supported wire version.
	Version = 1
	// HeaderLen is the fixed page header size.
	HeaderLen = 32
	// FrameOverhead is the per-frame sequence and length prefix.
	FrameOverhead = 12
	// ContentType identifies the page stream to the server.
	ContentType = "application/x-rfma"

	// FlagHeader marks the stream header page.
	FlagHeader byte = 1 << 0

	maxFrames = 0xFFFF
	// maxReadPayload guards Reader against absurd lengths from a corrupt stream.
	maxReadPayload = 16 << 20

	offMagic    = 0
	offVersion  = 4
	offFlags    = 5
	offFrames   = 6
	offSequence = 8
	offClock    = 16
	offLength   = 24
	offCRC      = 28
)

// ErrCorruptPage is returned by the parser for pages that fail validation.
var ErrCorruptPage = errors.New(errors.NewStd("corrupt container page")).
	Component(componentContainer).
	Category(errors.CategoryCorruptData).
	Build()

// Frame is one encoded frame inside a page.
type Frame struct {
	Sequence uint64
	Payload  []byte
}

// Page is one framed unit of the wire stream.
type Page struct {
	Sequence    uint64
	Flags       byte
	SampleClock uint64
	Frames      []Frame
	raw         []byte
}

// IsHeader reports whether this is the stream header page.
func (p Page) IsHeader() bool { return p.Flags&FlagHeader != 0 }

// Bytes returns the serialized page. Callers must not modify it.
func (p Page) Bytes() []byte { return p.raw }

// Len returns the serialized size.
func (p Page) Len() int { return len(p.raw) }

// encodePage serializes a page and fills in its raw bytes.
func encodePage(p *Page) error {
	if len(p.Frames) > maxFrames {
		return errors.Newf("page holds %d frames, limit is %d", len(p.Frames), maxFrames).Build()
	}
	payloadLen := 0
	for _, f := range p.Frames {
		payloadLen += FrameOverhead + len(f.Payload)
	}
	if uint64(payloadLen) > 0xFFFFFFFF {
		return errors.Newf("payload length %d overflows the length field", payloadLen).Build()
	}

	buf := make([]byte, HeaderLen, HeaderLen+payloadLen)
	copy(buf[offMagic:], Magic)
	buf[offVersion] = Version
	buf[offFlags] = p.Flags
	binary.BigEndian.PutUint16(buf[offFrames:], uint16(len(p.Frames)))
	binary.BigEndian.PutUint64(buf[offSequence:], p.Sequence)
	binary.BigEndian.PutUint64(buf[offClock:], p.SampleClock)
	binary.BigEndian.PutUint32(buf[offLength:], uint32(payloadLen))
	for _, f := range p.Frames {
		buf = binary.BigEndian.AppendUint64(buf, f.Sequence)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
		buf = append(buf, f.Payload...)
	}
	binary.BigEndian.PutUint32(buf[offCRC:], pageCRC(buf))
	p.raw = buf
	return nil
}

// pageCRC covers the header up to the CRC field and the whole payload.
func pageCRC(raw []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(raw[:offCRC])
	_, _ = h.Write(raw[HeaderLen:])
	return h.Sum32()
}

// ParsePage validates and decodes exactly one serialized page.
func ParsePage(b []byte) (Page, error) {
	if len(b) < HeaderLen {
		return Page{}, corrupt("short page: %d bytes", len(b))
	}
	if string(b[offMagic:offMagic+4]) != Magic {
		return Page{}, corrupt("bad magic %q", b[offMagic:offMagic+4])
	}
	if b[offVersion] != Version {
		return Page{}, corrupt("unsupported version %d", b[offVersion])
	}
	payloadLen := binary.BigEndian.Uint32(b[offLength:])
	if uint64(len(b)-HeaderLen) != uint64(payloadLen) {
		return Page{}, corrupt("payload length %d does not match %d available bytes", payloadLen, len(b)-HeaderLen)
	}
	if want, got := binary.BigEndian.Uint32(b[offCRC:]), pageCRC(b); want != got {
		return Page{}, corrupt("checksum mismatch: header %08x, computed %08x", want, got)
	}

	count := int(binary.BigEndian.Uint16(b[offFrames:]))
	p := Page{
		Sequence:    binary.BigEndian.Uint64(b[offSequence:]),
		Flags:       b[offFlags],
		SampleClock: binary.BigEndian.Uint64(b[offClock:]),
		Frames:      make([]Frame, 0, count),
		raw:         b,
	}
	rest := b[HeaderLen:]
	for i := range count {
		if len(rest) < FrameOverhead {
			return Page{}, corrupt("frame %d truncated", i)
		}
		seq := binary.BigEndian.Uint64(rest)
		n := binary.BigEndian.Uint32(rest[8:])
		rest = rest[FrameOverhead:]
		if uint64(len(rest)) < uint64(n) {
			return Page{}, corrupt("frame %d claims %d bytes, %d left", i, n, len(rest))
		}
		p.Frames = append(p.Frames, Frame{Sequence: seq, Payload: rest[:n:n]})
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Page{}, corrupt("%d trailing payload bytes after %d frames", len(rest), count)
	}
	return p, nil
}

// Reader parses a stream of concatenated pages.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next page, or io.EOF at a clean end of stream.
func (rd *Reader) Next() (Page, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(rd.r, header); err != nil {
		if err == io.EOF {
			return Page{}, io.EOF
		}
		return Page{}, corrupt("reading page header: %v", err)
	}
	n := binary.BigEndian.Uint32(header[offLength:])
	if n > maxReadPayload {
		return Page{}, corrupt("payload length %d exceeds limit", n)
	}
	raw := make([]byte, HeaderLen+int(n))
	copy(raw, header)
	if _, err := io.ReadFull(rd.r, raw[HeaderLen:]); err != nil {
		return Page{}, corrupt("reading page payload: %v", err)
	}
	return ParsePage(raw)
}

func corrupt(format string, args ...any) error {
	return errors.New(fmt.Errorf("%w: %s", ErrCorruptPage, fmt.Sprintf(format, args...))).
		Component(componentContainer).
		Category(errors.CategoryCorruptData).
		Build()
}
