package wire_test

import (
	"testing"

	"github.com/TeaEngineering/libchronicle/internal/wire"
	"github.com/google/go-cmp/cmp"
)

func TestPadFieldUint64AlignedRoundTrips(t *testing.T) {
	t.Parallel()
	p := wire.NewPad()
	if err := p.FieldUint64Aligned("listing.highestCycle", 0x1122334455667788); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf, err := p.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	var got uint64
	cbs := &wire.Callbacks{
		FieldUint64: func(name string, v uint64) {
			if name != "listing.highestCycle" {
				t.Errorf("unexpected field name %q", name)
			}
			got = v
		},
	}
	if err := wire.Parse(buf, cbs); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 0x1122334455667788 {
		t.Errorf("got %#x, want %#x", got, uint64(0x1122334455667788))
	}
}

func TestPadTextShortAndLong(t *testing.T) {
	t.Parallel()
	p := wire.NewPad()
	short := "ok"
	long := "this text is deliberately longer than thirty one bytes so it needs stop-bit length encoding"
	if err := p.FieldName("a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Text(short); err != nil {
		t.Fatal(err)
	}
	if err := p.FieldName("b"); err != nil {
		t.Fatal(err)
	}
	if err := p.Text(long); err != nil {
		t.Fatal(err)
	}
	buf, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]string{}
	cbs := &wire.Callbacks{
		FieldText: func(name, v string) { got[name] = v },
	}
	if err := wire.Parse(buf, cbs); err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{"a": short, "b": long}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded fields mismatch (-want +got):\n%s", diff)
	}
}

func TestPadQCRecordHeader(t *testing.T) {
	t.Parallel()
	p := wire.NewPad()
	if err := p.QCStart(true); err != nil {
		t.Fatal(err)
	}
	if err := p.FieldName("length"); err != nil {
		t.Fatal(err)
	}
	if err := p.FieldVarint(86400); err != nil {
		t.Fatal(err)
	}
	if err := p.QCFinish(); err != nil {
		t.Fatal(err)
	}
	buf, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	header := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if header&0xC0000000 != 0x40000000 {
		t.Errorf("expected metadata bit set, header=%#x", header)
	}
	sz := header & 0x3FFFFFFF
	if int(sz) != len(buf)-4 {
		t.Errorf("recorded size %d, actual body %d", sz, len(buf)-4)
	}

	var length uint64
	cbs := &wire.Callbacks{
		FieldUint32: func(name string, v uint32) {
			if name == "length" {
				length = uint64(v)
			}
		},
	}
	if err := wire.Parse(buf[4:4+sz], cbs); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if length != 86400 {
		t.Errorf("length = %d, want 86400", length)
	}
}

func TestPadNestedBlock(t *testing.T) {
	t.Parallel()
	p := wire.NewPad()
	tok, err := p.NestEnter()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.FieldName("x"); err != nil {
		t.Fatal(err)
	}
	if err := p.FieldUint8(7); err != nil {
		t.Fatal(err)
	}
	if err := p.NestExit(tok); err != nil {
		t.Fatal(err)
	}

	buf, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	var got uint8
	cbs := &wire.Callbacks{
		FieldUint8: func(name string, v uint8) {
			if name == "x" {
				got = v
			}
		},
	}
	if err := wire.Parse(buf, cbs); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}
