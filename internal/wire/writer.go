package wire

import (
	"io"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// Pad is a growable, backpatchable write buffer for wire-encoded records.
// It is backed by writerseeker.WriterSeeker, which the teacher's own
// go.mod already pulls in as the zero-copy io.WriteSeeker idiom for
// build-up-then-snapshot buffers; we reuse it here so QCFinish/NestExit can
// seek back and patch a length field after the fact instead of needing two
// passes over the data.
type Pad struct {
	ws  writerseeker.WriterSeeker
	pos int64

	// nest holds the byte offset of each open container's 4-byte
	// length/header cell, most recently entered last.
	nest []nestFrame
}

type nestFrame struct {
	offset   int64
	metadata bool
}

// NewPad returns an empty Pad ready for writing.
func NewPad() *Pad {
	return &Pad{}
}

// Len reports the number of bytes written so far.
func (p *Pad) Len() int64 { return p.pos }

// AlignTo4 appends zero filler bytes, if needed, so the next write starts
// on a 4-byte boundary. v5 framing reserves exactly this gap between a
// record's body and the next record's header; the reader skips over it
// arithmetically rather than parsing it, so plain zero bytes suffice.
func (p *Pad) AlignTo4() error {
	n := (4 - int(p.pos%4)) % 4
	if n == 0 {
		return nil
	}
	return p.append(make([]byte, n))
}

// Bytes returns a snapshot of everything written.
func (p *Pad) Bytes() ([]byte, error) {
	b, err := io.ReadAll(p.ws.BytesReader())
	if err != nil {
		return nil, xerrors.Errorf("wire: pad snapshot: %w", err)
	}
	return b, nil
}

func (p *Pad) append(b []byte) error {
	if _, err := p.ws.Seek(p.pos, io.SeekStart); err != nil {
		return err
	}
	n, err := p.ws.Write(b)
	p.pos += int64(n)
	return err
}

func (p *Pad) writeAt(off int64, b []byte) error {
	if _, err := p.ws.Seek(off, io.SeekStart); err != nil {
		return err
	}
	if _, err := p.ws.Write(b); err != nil {
		return err
	}
	_, err := p.ws.Seek(p.pos, io.SeekStart)
	return err
}

// FieldName writes a short (<32 byte) field name tag.
func (p *Pad) FieldName(name string) error {
	if len(name) > 0x1F {
		return xerrors.Errorf("wire: field name %q too long for short encoding", name)
	}
	return p.append(append([]byte{ctrlFieldNameMin + byte(len(name))}, name...))
}

// EventName writes a stop-bit length-prefixed event name tag.
func (p *Pad) EventName(name string) error {
	return p.writeTagged(ctrlEventName, name)
}

// TypePrefix writes a stop-bit length-prefixed type prefix tag.
func (p *Pad) TypePrefix(name string) error {
	return p.writeTagged(ctrlTypePrefix, name)
}

func (p *Pad) writeTagged(ctrl byte, s string) error {
	buf := []byte{ctrl}
	buf = appendStopUint(buf, uint64(len(s)))
	buf = append(buf, s...)
	return p.append(buf)
}

// Text writes a text value, using the short inline encoding when it fits
// and the stop-bit length-prefixed encoding otherwise.
func (p *Pad) Text(s string) error {
	if len(s) <= 0x1F {
		return p.append(append([]byte{ctrlTextShortMin + byte(len(s))}, s...))
	}
	return p.writeTagged(ctrlText, s)
}

// FieldUint8 writes an inline small unsigned integer (0-0x7F only).
func (p *Pad) FieldUint8(v uint8) error {
	if v > ctrlInlineIntMax {
		return xerrors.New("wire: FieldUint8 value does not fit the inline encoding")
	}
	return p.append([]byte{v})
}

// FieldUint16 writes a fixed-width 16 bit unsigned integer.
func (p *Pad) FieldUint16(v uint16) error {
	return p.append([]byte{ctrlInt16, byte(v), byte(v >> 8)})
}

// FieldVarint writes v using the smallest fixed-width encoding it fits in,
// falling back to the inline form for small values. This mirrors the
// narrowing the original writer performs for roll-scheme and index fields.
func (p *Pad) FieldVarint(v uint64) error {
	switch {
	case v <= ctrlInlineIntMax:
		return p.append([]byte{byte(v)})
	case v <= 0xFFFF:
		return p.append([]byte{ctrlInt16, byte(v), byte(v >> 8)})
	case v <= 0xFFFFFFFF:
		b := make([]byte, 5)
		b[0] = ctrlInt32
		b[1], b[2], b[3], b[4] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		return p.append(b)
	default:
		b := make([]byte, 9)
		b[0] = ctrlInt64
		for i := 0; i < 8; i++ {
			b[1+i] = byte(v >> (8 * i))
		}
		return p.append(b)
	}
}

// FieldUint64Aligned writes an 8-byte-aligned int64 cell: field name tag
// (when non-empty), padding to bring the following 8-byte value onto an
// 8-byte boundary, the 0xA7 control byte and the little-endian value. The
// alignment matters because readers/writers CAS and atomically add this
// cell across process boundaries.
func (p *Pad) FieldUint64Aligned(field string, v uint64) error {
	if field != "" {
		if err := p.FieldName(field); err != nil {
			return err
		}
	}
	// after the control byte + 8 value bytes are appended, the value
	// itself must start at a position %8 == 0.
	valueStart := p.pos + 1
	need := (8 - (valueStart % 8)) % 8
	if need > 0 {
		if err := p.pad(int(need)); err != nil {
			return err
		}
	}
	b := make([]byte, 9)
	b[0] = ctrlInt64
	for i := 0; i < 8; i++ {
		b[1+i] = byte(v >> (8 * i))
	}
	return p.append(b)
}

// pad writes n bytes of filler. ctrlPaddingN's own framing (control byte
// plus a 4-byte little-endian skip count) costs 5 bytes before any filler
// starts, so it can only represent runs of 5 or more; anything shorter
// falls back to repeated single ctrlPadding bytes.
func (p *Pad) pad(n int) error {
	if n <= 0 {
		return nil
	}
	if n < 5 {
		b := make([]byte, n)
		for i := range b {
			b[i] = ctrlPadding
		}
		return p.append(b)
	}
	skip := uint32(n - 5)
	b := []byte{ctrlPaddingN, byte(skip), byte(skip >> 8), byte(skip >> 16), byte(skip >> 24)}
	b = append(b, make([]byte, skip)...)
	return p.append(b)
}

// NestEnter opens a 0x82-tagged nested block, returning an opaque token
// that must be passed to NestExit.
func (p *Pad) NestEnter() (int64, error) {
	off := p.pos
	if err := p.append([]byte{ctrlNest, 0, 0, 0, 0}); err != nil {
		return 0, err
	}
	return off, nil
}

// NestExit closes the block opened by the matching NestEnter, backpatching
// its 4-byte length cell.
func (p *Pad) NestExit(token int64) error {
	sz := uint32(p.pos - token - 5)
	return p.writeAt(token+1, []byte{byte(sz), byte(sz >> 8), byte(sz >> 16), byte(sz >> 24)})
}

// QCStart opens a record (a "queue container"): a 4-byte header marked
// Working so concurrent readers see it as busy until QCFinish clears it.
func (p *Pad) QCStart(metadata bool) error {
	off := p.pos
	if err := p.append([]byte{0, 0, 0, 0x80}); err != nil {
		return err
	}
	p.nest = append(p.nest, nestFrame{offset: off, metadata: metadata})
	return nil
}

// QCFinish closes the record opened by the matching QCStart, backpatching
// its header with the final length and the Metadata bit if applicable.
func (p *Pad) QCFinish() error {
	if len(p.nest) == 0 {
		return xerrors.New("wire: QCFinish with no matching QCStart")
	}
	f := p.nest[len(p.nest)-1]
	p.nest = p.nest[:len(p.nest)-1]

	sz := uint32(p.pos - f.offset - 4)
	header := sz & 0x3FFFFFFF
	if f.metadata {
		header |= 0x40000000
	}
	return p.writeAt(f.offset, []byte{byte(header), byte(header >> 8), byte(header >> 16), byte(header >> 24)})
}

func appendStopUint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
