// Package wire implements the self-describing binary field encoding used
// throughout a chronicle queue: directory-listing metadata, cycle file
// headers and individual message records are all framed with the same
// control-byte-driven scheme.
package wire

import "golang.org/x/xerrors"

// Control byte ranges and fixed control bytes, as laid out on the wire.
const (
	ctrlInlineIntMax  = 0x7F // 0x00-0x7F: inline small unsigned int, value == byte
	ctrlFieldNameMin  = 0xC0
	ctrlFieldNameMax  = 0xDF // 0xC0-0xDF: short field name, length = byte-0xC0
	ctrlTextShortMin  = 0xE0
	ctrlTextShortMax  = 0xFF // 0xE0-0xFF: short text, length = byte-0xE0

	ctrlInt8     = 0xA4
	ctrlInt16    = 0xA5
	ctrlInt32    = 0xA6
	ctrlInt64    = 0xA7
	ctrlFloat32  = 0x90
	ctrlFloat64  = 0x91
	ctrlBytes8   = 0xB7 // length-prefixed (stop-bit) raw bytes
	ctrlText     = 0xB8 // length-prefixed (stop-bit) text
	ctrlEventName = 0xB9
	ctrlTypePrefix = 0xBB
	ctrlPadding  = 0x8F // single padding byte
	ctrlPaddingN = 0x8E // padding run, next 4 bytes are a little-endian skip count
	ctrlNest     = 0x82 // nested length-prefixed block
)

// Callbacks receives the decoded events produced by Parse. Any field left
// nil is simply not invoked; callers only set the ones they care about.
type Callbacks struct {
	EventName   func(name string)
	TypePrefix  func(name string)
	FieldName   func(name string)

	FieldUint8  func(name string, v uint8)
	FieldUint16 func(name string, v uint16)
	FieldUint32 func(name string, v uint32)
	FieldUint64 func(name string, v uint64)
	FieldText   func(name string, v string)

	// PtrUint64 fires for a top-level event-named aligned int64 cell, as
	// used by directory-listing data records (e.g. "listing.highestCycle").
	// cell aliases the 8 value bytes within the buffer Parse was called
	// with, so the caller can keep it and later read or atomically update
	// it directly, the same way the original captures a pointer rather
	// than a one-shot value.
	PtrUint64 func(eventName string, cell []byte)
}

// parser walks a single record body (the bytes strictly between a record's
// 4-byte header and its end, excluding any trailing pad bytes).
type parser struct {
	buf []byte
	pos int

	evName   string
	fldName  string
}

// Parse decodes a single wire-encoded record body, invoking cbs for each
// field or event it recognises. It does not interpret the 4-byte record
// header; callers slice that off first.
func Parse(buf []byte, cbs *Callbacks) error {
	p := &parser{buf: buf}
	if cbs == nil {
		cbs = &Callbacks{}
	}
	for p.pos < len(p.buf) {
		if err := p.step(cbs); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) step(cbs *Callbacks) error {
	c := p.buf[p.pos]
	p.pos++

	switch {
	case c <= ctrlInlineIntMax:
		if cbs.FieldUint8 != nil {
			cbs.FieldUint8(p.fldName, c)
		}
		return nil

	case c >= ctrlFieldNameMin && c <= ctrlFieldNameMax:
		n := int(c - ctrlFieldNameMin)
		name, err := p.take(n)
		if err != nil {
			return err
		}
		p.fldName = string(name)
		if cbs.FieldName != nil {
			cbs.FieldName(p.fldName)
		}
		return nil

	case c >= ctrlTextShortMin && c <= ctrlTextShortMax:
		n := int(c - ctrlTextShortMin)
		text, err := p.take(n)
		if err != nil {
			return err
		}
		if cbs.FieldText != nil {
			cbs.FieldText(p.fldName, string(text))
		}
		return nil

	case c == ctrlInt8:
		b, err := p.take(1)
		if err != nil {
			return err
		}
		if cbs.FieldUint8 != nil {
			cbs.FieldUint8(p.fldName, b[0])
		}
		return nil

	case c == ctrlInt16:
		b, err := p.take(2)
		if err != nil {
			return err
		}
		v := uint16(b[0]) | uint16(b[1])<<8
		if cbs.FieldUint16 != nil {
			cbs.FieldUint16(p.fldName, v)
		}
		return nil

	case c == ctrlInt32:
		b, err := p.take(4)
		if err != nil {
			return err
		}
		v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		if cbs.FieldUint32 != nil {
			cbs.FieldUint32(p.fldName, v)
		}
		return nil

	case c == ctrlInt64:
		b, err := p.take(8)
		if err != nil {
			return err
		}
		if p.evName != "" && cbs.PtrUint64 != nil {
			cbs.PtrUint64(p.evName, b)
		} else if cbs.FieldUint64 != nil {
			cbs.FieldUint64(p.fldName, le64(b))
		}
		return nil

	case c == ctrlFloat64:
		// float64 fields are not consumed by any current callback; skip the
		// 8-byte payload so nested parsing stays in sync.
		_, err := p.take(8)
		return err

	case c == ctrlFloat32:
		_, err := p.take(4)
		return err

	case c == ctrlText || c == ctrlBytes8:
		n, err := p.readStopUint()
		if err != nil {
			return err
		}
		text, err := p.take(int(n))
		if err != nil {
			return err
		}
		if c == ctrlText && cbs.FieldText != nil {
			cbs.FieldText(p.fldName, string(text))
		}
		return nil

	case c == ctrlEventName:
		n, err := p.readStopUint()
		if err != nil {
			return err
		}
		name, err := p.take(int(n))
		if err != nil {
			return err
		}
		p.evName = string(name)
		if cbs.EventName != nil {
			cbs.EventName(p.evName)
		}
		return nil

	case c == ctrlTypePrefix:
		n, err := p.readStopUint()
		if err != nil {
			return err
		}
		name, err := p.take(int(n))
		if err != nil {
			return err
		}
		if cbs.TypePrefix != nil {
			cbs.TypePrefix(string(name))
		}
		return nil

	case c == ctrlPadding:
		return nil

	case c == ctrlPaddingN:
		b, err := p.take(4)
		if err != nil {
			return xerrors.Errorf("wire: truncated padding run: %w", err)
		}
		n := le32(b)
		_, err = p.take(int(n))
		return err

	case c == ctrlNest:
		n, err := p.take(4)
		if err != nil {
			return err
		}
		sz := int(le32(n))
		body, err := p.take(sz)
		if err != nil {
			return err
		}
		return Parse(body, cbs)

	default:
		return xerrors.Errorf("wire: unrecognised control byte 0x%02x at offset %d", c, p.pos-1)
	}
}

func (p *parser) take(n int) ([]byte, error) {
	if n < 0 || p.pos+n > len(p.buf) {
		return nil, xerrors.Errorf("wire: truncated record, need %d bytes at offset %d of %d", n, p.pos, len(p.buf))
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

// readStopUint decodes a stop-bit (variable length, 7 bits per byte)
// integer: the high bit of a byte set means more bytes follow, clear means
// this is the final byte.
func (p *parser) readStopUint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if p.pos >= len(p.buf) {
			return 0, xerrors.New("wire: truncated stop-bit integer")
		}
		b := p.buf[p.pos]
		p.pos++
		if b&0x80 != 0 {
			v |= uint64(b&0x7F) << shift
			shift += 7
			continue
		}
		v |= uint64(b) << shift
		return v, nil
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
