package queuefile

import "github.com/TeaEngineering/libchronicle/internal/wire"

// Status is the outcome of one ParseBlock call: why it stopped advancing.
type Status int

const (
	// StatusAwaitingEntry means the next header is HeaderUnallocated: no
	// writer has claimed this slot yet.
	StatusAwaitingEntry Status = iota
	// StatusBusy means the next header is HeaderWorking: a writer has
	// claimed the slot but not committed its length yet.
	StatusBusy
	// StatusNeedExtend means the current window does not contain enough
	// bytes to read the next header or its body; the caller must remap a
	// later window, or extend/double the file, and retry.
	StatusNeedExtend
	// StatusReachedEOF means an EOF marker was read; the cycle is done.
	StatusReachedEOF
	// StatusNullItem means a data record was found but the caller passed a
	// nil DataFunc, so nothing could be dispatched.
	StatusNullItem
	// StatusCollected means the DataFunc asked to stop after this record.
	StatusCollected
)

// DataFunc is invoked once per data record found, with the record's
// payload (header and any trailing pad stripped) and its index. Returning
// true stops the scan after this record.
type DataFunc func(payload []byte, index uint64) bool

// ParseBlock walks buf from byte offset base, dispatching metadata records
// to hcbs and data records to dataFn, until it must stop. It returns the
// new base and index to resume from next time (unchanged on
// StatusNeedExtend/StatusBusy/StatusAwaitingEntry/StatusReachedEOF).
//
// version selects v4 (no inter-record padding) vs v5 (records padded to a
// 4-byte boundary) framing.
func ParseBlock(buf []byte, base int, index uint64, hcbs *wire.Callbacks, dataFn DataFunc, version int) (int, uint64, Status, error) {
	extent := len(buf)
	for {
		// The conservative boundary check mirrors the original parser: a
		// header is only trusted once base+4 is strictly less than
		// extent, not merely in bounds, so a header landing on the very
		// last four bytes of a window is treated as "not enough data yet"
		// rather than read.
		if base+4 >= extent {
			return base, index, StatusNeedExtend, nil
		}

		header := LoadHeader(buf, base)
		switch header & MaskMeta {
		case 0:
			if header == HeaderUnallocated {
				return base, index, StatusAwaitingEntry, nil
			}
			sz := int(header & MaskLength)
			if base+4+sz > extent {
				return base, index, StatusNeedExtend, nil
			}
			if dataFn == nil {
				return base, index, StatusNullItem, nil
			}
			stop := dataFn(buf[base+4:base+4+sz], index)
			base = advance(base, sz, version)
			index++
			if stop {
				return base, index, StatusCollected, nil
			}

		case HeaderWorking:
			return base, index, StatusBusy, nil

		case HeaderMetadata:
			sz := int(header & MaskLength)
			if base+4+sz > extent {
				return base, index, StatusNeedExtend, nil
			}
			if hcbs != nil {
				if err := wire.Parse(buf[base+4:base+4+sz], hcbs); err != nil {
					return base, index, 0, err
				}
			}
			base = advance(base, sz, version)

		case HeaderEOF:
			return base, index, StatusReachedEOF, nil
		}
	}
}

func advance(base, sz, version int) int {
	pad := 0
	if version >= 5 {
		pad = (-sz) & 0x03
	}
	return base + 4 + sz + pad
}
