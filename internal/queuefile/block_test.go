package queuefile_test

import (
	"testing"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
)

func putHeader(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func TestParseBlockWalksDataRecords(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 64)
	putHeader(buf, 0, 3) // data record, length 3
	copy(buf[4:], "abc")
	putHeader(buf, 7, 3)
	copy(buf[11:], "xyz")
	putHeader(buf, 14, queuefile.HeaderEOF)

	var got []string
	base, index, status, err := queuefile.ParseBlock(buf, 0, 0, nil, func(payload []byte, idx uint64) bool {
		got = append(got, string(payload))
		return false
	}, 4)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if status != queuefile.StatusReachedEOF {
		t.Fatalf("status = %v, want StatusReachedEOF", status)
	}
	if base != 14 {
		t.Errorf("base = %d, want 14", base)
	}
	if index != 2 {
		t.Errorf("index = %d, want 2", index)
	}
	if len(got) != 2 || got[0] != "abc" || got[1] != "xyz" {
		t.Errorf("got %v", got)
	}
}

func TestParseBlockAwaitingEntry(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 16)
	_, _, status, err := queuefile.ParseBlock(buf, 0, 0, nil, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if status != queuefile.StatusAwaitingEntry {
		t.Errorf("status = %v, want StatusAwaitingEntry", status)
	}
}

func TestParseBlockBusy(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 16)
	putHeader(buf, 0, queuefile.HeaderWorking|42)
	_, _, status, err := queuefile.ParseBlock(buf, 0, 0, nil, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if status != queuefile.StatusBusy {
		t.Errorf("status = %v, want StatusBusy", status)
	}
}

func TestParseBlockNeedsExtendAtWindowBoundary(t *testing.T) {
	t.Parallel()
	// A window exactly 4 bytes long can never safely read a header: the
	// conservative base+4 >= extent guard must report StatusNeedExtend
	// even though the header word itself would technically fit.
	buf := make([]byte, 4)
	putHeader(buf, 0, 1)
	base, index, status, err := queuefile.ParseBlock(buf, 0, 0, nil, func([]byte, uint64) bool { return false }, 5)
	if err != nil {
		t.Fatal(err)
	}
	if status != queuefile.StatusNeedExtend {
		t.Errorf("status = %v, want StatusNeedExtend", status)
	}
	if base != 0 || index != 0 {
		t.Errorf("base/index should be unchanged, got %d/%d", base, index)
	}
}

func TestParseBlockMetadataThenData(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 32)
	putHeader(buf, 0, queuefile.HeaderMetadata|4)
	copy(buf[4:], "meta")
	putHeader(buf, 8, 2) // v5: 2-byte payload, padded to 4
	copy(buf[12:], "hi")
	putHeader(buf, 16, queuefile.HeaderEOF)

	var gotData string
	_, _, status, err := queuefile.ParseBlock(buf, 0, 0, nil, func(payload []byte, idx uint64) bool {
		gotData = string(payload)
		return false
	}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if status != queuefile.StatusReachedEOF {
		t.Errorf("status = %v, want StatusReachedEOF", status)
	}
	if gotData != "hi" {
		t.Errorf("gotData = %q, want %q", gotData, "hi")
	}
}
