package libchronicle

import (
	"fmt"
	"os"
	"time"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
	"github.com/TeaEngineering/libchronicle/internal/wire"
	"golang.org/x/xerrors"
)

// cycleFilePrealloc is how many bytes a freshly created cycle file is
// extended to up front, and how much more it grows each time it runs out
// of room (an lseek-to-end-and-write-one-byte sparse extend, same trick
// the original uses). 83,754,496 is the fixed extent the wire format
// specifies, not a tunable.
const cycleFilePrealloc = 83754496

// Appender is the lazily created single-writer-per-process handle used by
// Append/AppendAt. It keeps its own writable Tailer positioned at the
// first free record slot.
type Appender struct {
	tailer *Tailer
}

func (q *Queue) ensureAppender() (*Tailer, error) {
	if q.appender != nil {
		return q.appender.tailer, nil
	}
	hc := q.highestCycle()
	start := int64(hc) - patchCycles
	if start < 0 {
		start = 0
	}
	t := &Tailer{
		queue:    q,
		writable: true,
		state:    StateNotYetPolled,
	}
	t.nextIndex = uint64(start) << q.cycleShift
	q.appender = &Appender{tailer: t}
	return t, nil
}

// Append writes msg at the next free index, using the current wall clock
// to decide whether the queue should roll onto a new cycle first.
func (q *Queue) Append(msg interface{}) (uint64, error) {
	return q.AppendAt(msg, nowMs())
}

// AppendAt writes msg at the next free index, rolling onto the cycle
// wallMs (milliseconds since the unix epoch) falls in if that is later
// than the cycle currently being written.
func (q *Queue) AppendAt(msg interface{}, wallMs int64) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.opened {
		return 0, q.setLastError(ErrNotOpen)
	}
	if q.encoder == nil {
		return 0, q.setLastError(ErrNoEncoder)
	}

	writeSz := q.encoder.SizeOf(msg)
	if writeSz < 0 || uint32(writeSz) > queuefile.MaskLength {
		return 0, q.setLastError(ErrMessageTooLarge)
	}
	for uint32(writeSz)+4 > q.blocksize {
		q.doubleBlocksize()
	}

	t, err := q.ensureAppender()
	if err != nil {
		return 0, q.setLastError(err)
	}

	targetCycle := int64(t.nextIndex >> q.cycleShift)
	if wallMs > 0 {
		wc := wallMs / (q.scheme.RollLengthSecs * 1000)
		if wc > targetCycle {
			targetCycle = wc
		}
	}

	for attempt := 0; attempt < 10000; attempt++ {
		if int64(t.nextIndex>>q.cycleShift) < targetCycle {
			t.nextIndex = uint64(targetCycle) << q.cycleShift
		}

		// two defensive peeks: the first may only discover a state that a
		// second immediately resolves (e.g. a file that just appeared).
		if err := t.Peek(); err != nil {
			return 0, q.setLastError(err)
		}
		if err := t.Peek(); err != nil {
			return 0, q.setLastError(err)
		}

		switch t.state {
		case StateAwaitingQueuefile:
			cycle := int64(t.nextIndex >> q.cycleShift)
			if err := q.createCycleFile(cycle); err != nil {
				return 0, q.setLastError(err)
			}
			continue

		case StateExtendFail:
			if err := q.extendCycleFile(t); err != nil {
				q.logf("append: extend failed, retrying: %v", err)
				time.Sleep(time.Millisecond)
			}
			continue

		case StateAwaitingEntry:
			index, committed, err := q.tryWrite(t, msg, writeSz)
			if err != nil {
				return 0, q.setLastError(err)
			}
			if !committed {
				continue
			}
			return index, nil

		default:
			time.Sleep(time.Millisecond)
			continue
		}
	}
	return 0, q.setLastError(xerrors.New("libchronicle: append gave up after repeated contention"))
}

// tryWrite attempts the lock-free single-writer claim on the slot the
// appender's tailer is currently parked at. It reports committed=false if
// another writer won the race or the cycle had already moved on, meaning
// the caller should re-peek and try again.
func (q *Queue) tryWrite(t *Tailer, msg interface{}, writeSz int) (uint64, bool, error) {
	base := int(t.tip - t.region.Offset)
	if base+4+writeSz > len(t.region.Buf) {
		return 0, false, nil
	}
	cell := t.region.Buf[base : base+4+writeSz]

	pid := uint32(os.Getpid()) & queuefile.MaskLength
	if !queuefile.CASHeader(cell, 0, queuefile.HeaderUnallocated, queuefile.HeaderWorking|pid) {
		return 0, false, nil
	}

	cycle := t.nextIndex >> q.cycleShift
	if cycle < q.highestCycle() {
		// a later cycle file has already appeared behind our back: patch
		// this claimed slot as EOF and let the next peek roll forward.
		queuefile.StoreHeader(cell, 0, queuefile.HeaderEOF)
		t.nextIndex = uint64(cycle+1) << q.cycleShift
		return 0, false, nil
	}

	n := q.encoder.Write(cell[4:4+writeSz], msg)
	queuefile.StoreHeader(cell, 0, uint32(n)&queuefile.MaskLength)

	index := t.nextIndex
	if cycle > q.highestCycle() {
		q.raiseHighestCycle(cycle)
	}
	q.bumpModCount()
	return index, true, nil
}

// createCycleFile materialises a new, preallocated cycle file for cycle,
// via the same create-as-a-pid-tagged-temp-file-then-rename dance the
// original uses so a half-written file is never visible under its real
// name; renameio isn't used here because the temp file needs repeated
// writes (the sparse extend) before the rename, not a single snapshot.
func (q *Queue) createCycleFile(cycle int64) error {
	target := q.cycleFilename(cycle)
	if fileExists(target) {
		return nil
	}
	tmp := fmt.Sprintf("%s.%d.tmp", target, os.Getpid())

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return q.awaitCycleFile(target)
		}
		return xerrors.Errorf("%w: %v", ErrCreateTmpQueueFileFail, err)
	}
	header, err := q.cycleFileHeader()
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return xerrors.Errorf("%w: %v", ErrCreateTmpQueueFileFail, err)
	}
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		os.Remove(tmp)
		return xerrors.Errorf("%w: %v", ErrWriteFail, err)
	}
	if err := f.Truncate(cycleFilePrealloc); err != nil {
		f.Close()
		os.Remove(tmp)
		return xerrors.Errorf("%w: %v", ErrLSeekFail, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return xerrors.Errorf("%w: %v", ErrCreateTmpQueueFileFail, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		if os.IsExist(err) {
			os.Remove(tmp)
			return nil
		}
		return xerrors.Errorf("%w: %v", ErrCreateTmpQueueFileFail, err)
	}
	return nil
}

// cycleFileHeader builds the one metadata record every cycle file opens
// with: length/format/epoch describe the roll scheme it was created
// under, indexCount/indexSpacing describe the (unused by this library)
// index2index acceleration structure a full Chronicle-Queue would lay out
// after it. We only ever round-trip those last two, never traverse them.
func (q *Queue) cycleFileHeader() ([]byte, error) {
	pad := wire.NewPad()
	if err := pad.QCStart(true); err != nil {
		return nil, err
	}
	if err := pad.FieldName("length"); err != nil {
		return nil, err
	}
	if err := pad.FieldVarint(uint64(q.scheme.RollLengthSecs)); err != nil {
		return nil, err
	}
	if err := pad.FieldName("format"); err != nil {
		return nil, err
	}
	if err := pad.Text(q.scheme.FormatPattern); err != nil {
		return nil, err
	}
	if err := pad.FieldName("epoch"); err != nil {
		return nil, err
	}
	if err := pad.FieldUint8(0); err != nil {
		return nil, err
	}
	if err := pad.FieldName("indexCount"); err != nil {
		return nil, err
	}
	if err := pad.FieldVarint(uint64(q.scheme.IndexCount)); err != nil {
		return nil, err
	}
	if err := pad.FieldName("indexSpacing"); err != nil {
		return nil, err
	}
	if err := pad.FieldVarint(uint64(q.scheme.IndexSpacing)); err != nil {
		return nil, err
	}
	if err := pad.QCFinish(); err != nil {
		return nil, err
	}
	if q.version >= 5 {
		if err := pad.AlignTo4(); err != nil {
			return nil, err
		}
	}
	return pad.Bytes()
}

// awaitCycleFile handles the race where another process's tmp file is
// visible but the rename hasn't landed yet: sleep-and-retry a few times,
// matching the original's sleep/retry loop around EEXIST.
func (q *Queue) awaitCycleFile(target string) error {
	for i := 0; i < 50; i++ {
		if fileExists(target) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return xerrors.Errorf("%w: %s never appeared", ErrCreateRaced, target)
}

// extendCycleFile grows the currently open cycle file by writing a single
// byte at the new end offset, the same sparse-file trick as the original's
// queuefile_init: the filesystem only backs the pages actually touched.
func (q *Queue) extendCycleFile(t *Tailer) error {
	newSize := t.fileSize + cycleFilePrealloc
	if _, err := t.file.WriteAt([]byte{0}, newSize-1); err != nil {
		return xerrors.Errorf("%w: %v", ErrLSeekFail, err)
	}
	t.fileSize = newSize
	return nil
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
