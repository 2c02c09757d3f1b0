package libchronicle

import (
	"os"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// TailerState mirrors the original's tailstate_t: it tells a caller why
// Peek stopped without producing a new record, so they can decide whether
// to poll again, back off, or treat the queue as exhausted.
type TailerState int

const (
	StateAwaitingEntry TailerState = iota
	StateBusy
	StateAwaitingQueuefile
	StateStatFailed
	StateMmapFailed
	StateNotYetPolled
	StateExtendFail
	StateCollected
)

func (s TailerState) String() string {
	switch s {
	case StateAwaitingEntry:
		return "awaiting-entry"
	case StateBusy:
		return "busy"
	case StateAwaitingQueuefile:
		return "awaiting-queuefile"
	case StateStatFailed:
		return "stat-failed"
	case StateMmapFailed:
		return "mmap-failed"
	case StateNotYetPolled:
		return "not-yet-polled"
	case StateExtendFail:
		return "extend-fail"
	case StateCollected:
		return "collected"
	default:
		return "unknown"
	}
}

// Dispatcher is invoked for each record a Tailer walks past, in order,
// with the decoded message and its index. Returning true tells the tailer
// to stop after this record (used by Collect).
type Dispatcher func(index uint64, msg interface{}) bool

// Tailer walks a queue forward from some starting index, one cycle file at
// a time, never holding more than one mmap window open.
type Tailer struct {
	queue *Queue

	nextIndex uint64
	writable  bool // true only for the appender's internal tailer

	dispatcher Dispatcher
	dispatchAfter uint64

	cycleOpen int64
	haveCycle bool
	file      *os.File
	fileSize  int64

	region queuefile.Region
	tip    int64

	state   TailerState
	lastErr error
}

// TailerOption configures a Tailer at construction.
type TailerOption func(*Tailer)

// WithStartIndex starts the tailer at index instead of the lowest
// available cycle's first record.
func WithStartIndex(index uint64) TailerOption {
	return func(t *Tailer) {
		t.nextIndex = index
		if index > 0 {
			t.dispatchAfter = index - 1
		}
	}
}

// WithDispatcher installs the callback Peek feeds records to.
func WithDispatcher(d Dispatcher) TailerOption {
	return func(t *Tailer) { t.dispatcher = d }
}

// NewTailer creates a read-only Tailer over q, starting at the lowest
// cycle currently known unless overridden with WithStartIndex.
func (q *Queue) NewTailer(opts ...TailerOption) (*Tailer, error) {
	if !q.opened {
		return nil, q.setLastError(ErrNotOpen)
	}
	t := &Tailer{
		queue: q,
		state: StateNotYetPolled,
	}
	low := q.lowestCycle()
	t.nextIndex = low << q.cycleShift
	for _, o := range opts {
		o(t)
	}
	// Index was explicitly supplied: clamp into [lowestCycle, highestCycle]
	// the same way the original clamps an out-of-range start index rather
	// than erroring.
	if t.nextIndex>>q.cycleShift < q.lowestCycle() {
		t.nextIndex = q.lowestCycle() << q.cycleShift
	}
	if hc := q.highestCycle(); t.nextIndex>>q.cycleShift > hc {
		t.nextIndex = hc << q.cycleShift
	}
	return t, nil
}

// Index reports the index the tailer will next attempt to read.
func (t *Tailer) Index() uint64 { return t.nextIndex }

// State reports why the most recent Peek stopped.
func (t *Tailer) State() TailerState { return t.state }

// Close releases the tailer's mapped region and open cycle file.
func (t *Tailer) Close() error { return t.close() }

func (t *Tailer) close() error {
	var firstErr error
	if err := t.region.Close(); err != nil {
		firstErr = err
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.file = nil
	}
	t.haveCycle = false
	return firstErr
}

// Peek advances the tailer as far as it can: across cycle boundaries,
// across mmap windows, until it dispatches one record (or is told to
// collect one and does), or must stop and report why via State.
func (t *Tailer) Peek() error {
	q := t.queue
	for {
		cycle := int64(t.nextIndex >> q.cycleShift)

		if !t.haveCycle || cycle != t.cycleOpen {
			if err := t.openCycle(cycle); err != nil {
				return err
			}
			if !t.haveCycle {
				if t.state == StateNotYetPolled {
					// fast-forwarded past a long-missing cycle file
					continue
				}
				return nil
			}
		}

		if err := t.remapWindow(); err != nil {
			return err
		}
		if t.state == StateMmapFailed || t.state == StateExtendFail {
			return nil
		}

		base := int(t.tip - t.region.Offset)
		index := t.nextIndex

		dataFn := func(payload []byte, idx uint64) bool {
			if idx <= t.dispatchAfter {
				return false
			}
			if t.dispatcher == nil {
				return false
			}
			msg, err := q.decoder.Parse(payload)
			if err != nil {
				q.logf("tailer: decode error at index %#x: %v", idx, err)
				return false
			}
			return t.dispatcher(idx, msg)
		}

		newBase, newIndex, status, err := queuefile.ParseBlock(t.region.Buf, base, index, q.headerCallbacks(), dataFn, q.version)
		if err != nil {
			return err
		}
		moved := newBase != base
		if moved {
			t.tip = t.region.Offset + int64(newBase)
			t.nextIndex = newIndex
		}

		switch status {
		case queuefile.StatusBusy:
			t.state = StateBusy
			return nil
		case queuefile.StatusCollected:
			t.state = StateCollected
			return nil
		case queuefile.StatusNullItem:
			t.state = StateAwaitingEntry
			return nil
		case queuefile.StatusNeedExtend:
			if !moved {
				if !t.writable {
					// a read-only tailer simply waits for more bytes to show up
					t.state = StateAwaitingEntry
					return nil
				}
				// the window is already as large as the current blocksize
				// allows and still can't fit the next header/record: the
				// record must be larger than a block, so double it and
				// remap on the next pass.
				q.doubleBlocksize()
			}
			continue
		case queuefile.StatusReachedEOF:
			t.nextIndex = uint64(cycle+1) << q.cycleShift
			continue
		case queuefile.StatusAwaitingEntry:
			// A cycle file that exists but hasn't had this slot written
			// yet is only skipped once it falls more than patchCycles
			// behind the highest known cycle: within that window the
			// writer is assumed to still be catching up to it, so the
			// tailer waits instead, same as a missing EOF marker.
			if hc := q.highestCycle(); !t.writable && hc >= patchCycles && uint64(cycle) < hc-patchCycles {
				t.nextIndex = uint64(cycle+1) << q.cycleShift
				continue
			}
			t.state = StateAwaitingEntry
			return nil
		}
	}
}

func (t *Tailer) openCycle(cycle int64) error {
	q := t.queue
	if err := t.close(); err != nil {
		return err
	}
	path := q.cycleFilename(cycle)

	flags := os.O_RDONLY
	if t.writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		// A missing cycle file behind the highest known cycle is assumed
		// gone for good (e.g. it rolled before this tailer ever looked
		// for it) rather than merely not yet created, so skip straight to
		// the next cycle instead of parking here. This check is plain
		// cycle < highestCycle, not offset by patchCycles: that slack is
		// reserved for the separate StatusAwaitingEntry case in Peek, where
		// the cycle file exists but hasn't been written to yet. A
		// writable tailer (the appender) never skips, since its job is to
		// create exactly this file.
		if !t.writable {
			hc := q.highestCycle()
			if uint64(cycle) < hc {
				t.nextIndex = uint64(cycle+1) << q.cycleShift
				t.state = StateNotYetPolled
				return nil
			}
		}
		t.state = StateAwaitingQueuefile
		return nil
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		t.state = StateStatFailed
		t.lastErr = err
		return nil
	}
	t.file = f
	t.fileSize = fi.Size()
	t.cycleOpen = cycle
	t.haveCycle = true
	t.tip = 0
	t.nextIndex = uint64(cycle) << q.cycleShift
	return nil
}

func (t *Tailer) remapWindow() error {
	q := t.queue
	blocksize := int64(q.blocksize)
	mask := ^(blocksize - 1)
	mmapOff := t.tip & mask

	remaining := t.fileSize - mmapOff
	needed := 2 * blocksize
	if remaining < needed {
		fi, err := t.file.Stat()
		if err != nil {
			t.state = StateStatFailed
			t.lastErr = err
			return nil
		}
		t.fileSize = fi.Size()
		remaining = t.fileSize - mmapOff
		if remaining < needed {
			if t.writable {
				t.state = StateExtendFail
				return nil
			}
		}
	}

	length := needed
	if remaining < length {
		length = remaining
	}
	if length <= 0 {
		t.state = StateAwaitingEntry
		return nil
	}

	if t.region.Buf == nil || mmapOff != t.region.Offset || int64(len(t.region.Buf)) != length {
		prot := unix.PROT_READ
		if t.writable {
			prot |= unix.PROT_WRITE
		}
		if err := t.region.Remap(int(t.file.Fd()), mmapOff, int(length), prot); err != nil {
			t.state = StateMmapFailed
			t.lastErr = err
			return xerrors.Errorf("libchronicle: %w", err)
		}
	}
	return nil
}
