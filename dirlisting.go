package libchronicle

import (
	"io"
	"os"
	"path/filepath"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
	"github.com/TeaEngineering/libchronicle/internal/rollcycle"
	"github.com/TeaEngineering/libchronicle/internal/wire"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// cycleHeaderProbeSize is how much of a cycle file's leading block v4 roll
// config discovery reads: comfortably more than the single metadata record
// cycleFileHeader ever writes.
const cycleHeaderProbeSize = 4096

const dirListingSize = 4096

// event names for the directory listing's six data records.
const (
	evHighestCycle   = "listing.highestCycle"
	evLowestCycle    = "listing.lowestCycle"
	evModCount       = "listing.modCount"
	evWriteLock      = "chronicle.write.lock"
	evLastIdxRepl    = "chronicle.lastIndexReplicated"
	evLastAckIdxRepl = "chronicle.lastAcknowledgedIndexReplicated"
)

// createDirListing builds a fresh directory-listing/metadata file: one
// metadata record describing the roll scheme, followed by the six
// zero-valued data cells every reader expects to find. It is written to a
// temp file and atomically renamed into place with renameio, so a reader
// that races the creation either sees nothing yet or the whole thing.
func (q *Queue) createDirListing(path string, version int) error {
	pad := wire.NewPad()

	if err := pad.QCStart(true); err != nil {
		return err
	}
	if err := pad.FieldName("length"); err != nil {
		return err
	}
	if err := pad.FieldVarint(uint64(q.scheme.RollLengthSecs)); err != nil {
		return err
	}
	if err := pad.FieldName("format"); err != nil {
		return err
	}
	if err := pad.Text(q.scheme.FormatPattern); err != nil {
		return err
	}
	if err := pad.FieldName("epoch"); err != nil {
		return err
	}
	if err := pad.FieldUint8(0); err != nil {
		return err
	}
	if err := pad.FieldName("deltaCheckpointInterval"); err != nil {
		return err
	}
	if err := pad.FieldVarint(64); err != nil {
		return err
	}
	if err := pad.FieldName("sourceId"); err != nil {
		return err
	}
	if err := pad.FieldVarint(0); err != nil {
		return err
	}
	if err := pad.QCFinish(); err != nil {
		return err
	}
	if version >= 5 {
		if err := pad.AlignTo4(); err != nil {
			return err
		}
	}

	for _, ev := range []string{evHighestCycle, evLowestCycle, evModCount, evWriteLock, evLastIdxRepl, evLastAckIdxRepl} {
		if err := pad.QCStart(false); err != nil {
			return err
		}
		if err := pad.EventName(ev); err != nil {
			return err
		}
		if err := pad.FieldUint64Aligned("", 0); err != nil {
			return err
		}
		if err := pad.QCFinish(); err != nil {
			return err
		}
		if version >= 5 {
			if err := pad.AlignTo4(); err != nil {
				return err
			}
		}
	}

	body, err := pad.Bytes()
	if err != nil {
		return err
	}
	if len(body) > dirListingSize {
		return xerrors.New("libchronicle: directory listing body exceeds preallocated size")
	}
	buf := make([]byte, dirListingSize)
	copy(buf, body)

	return renameio.WriteFile(path, buf, 0o644)
}

// parseDirListing walks the mapped directory-listing buffer, capturing the
// roll scheme from its metadata record and aliasing the six aligned cells
// so later reads/writes touch the live shared memory directly.
func (q *Queue) parseDirListing() error {
	buf := q.dirListRegion.Buf

	var length uint64
	var format string
	haveFormat := false
	hcbs := &wire.Callbacks{
		FieldUint16: func(name string, v uint16) {
			if name == "length" {
				length = uint64(v)
			}
		},
		FieldUint32: func(name string, v uint32) {
			if name == "length" {
				length = uint64(v)
			}
		},
		FieldText: func(name, v string) {
			if name == "format" {
				format = v
				haveFormat = true
			}
		},
	}

	dataFn := func(payload []byte, index uint64) bool {
		cbs := &wire.Callbacks{
			PtrUint64: func(ev string, cell []byte) {
				switch ev {
				case evHighestCycle:
					q.dirList.highestCycle = cell
				case evLowestCycle:
					q.dirList.lowestCycle = cell
				case evModCount:
					q.dirList.modCount = cell
				case evWriteLock:
					q.dirList.writeLock = cell
				case evLastIdxRepl:
					q.dirList.lastIdxRepl = cell
				case evLastAckIdxRepl:
					q.dirList.lastAckRepl = cell
				}
			},
		}
		if err := wire.Parse(payload, cbs); err != nil {
			q.logf("directory listing: skipping unreadable data record: %v", err)
		}
		return false
	}

	_, _, status, err := queuefile.ParseBlock(buf, 0, 0, hcbs, dataFn, q.version)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrDirListingHeaderFail, err)
	}
	_ = status

	if haveFormat {
		s, err := rollcycle.ByFormatPattern(format)
		if err != nil {
			if q.schemeName != "" {
				q.logf("directory listing format %q unrecognised, keeping configured scheme %s", format, q.schemeName)
			} else {
				return xerrors.Errorf("%w: %v", ErrRollFormatFail, err)
			}
		} else {
			q.scheme = s
			q.schemeName = s.Name
			_ = length
		}
	}
	return nil
}

// detectV4RollScheme discovers the roll scheme for a v4 queue whose
// directory-listing carries no format metadata at all (the normal v4
// contract: that metadata only ever lived in the cycle file headers) by
// opening any one existing cycle file and parsing the same metadata record
// cycleFileHeader writes at its head. If no cycle file exists yet, there is
// nothing to learn from and the caller is left to require an explicit
// scheme instead.
func (q *Queue) detectV4RollScheme() error {
	matches, err := filepath.Glob(filepath.Join(q.dir, "*.cq4"))
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrDirStatFail, err)
	}
	if len(matches) == 0 {
		return nil
	}

	f, err := os.Open(matches[0])
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrQueueFileOpenFail, err)
	}
	defer f.Close()

	head := make([]byte, cycleHeaderProbeSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return xerrors.Errorf("%w: %v", ErrQueueFileOpenFail, err)
	}
	head = head[:n]

	var format string
	haveFormat := false
	haveLength := false
	haveEpoch := false
	cbs := &wire.Callbacks{
		FieldUint16: func(name string, v uint16) {
			if name == "length" {
				haveLength = true
			}
		},
		FieldUint32: func(name string, v uint32) {
			if name == "length" {
				haveLength = true
			}
		},
		FieldUint8: func(name string, v uint8) {
			if name == "epoch" {
				haveEpoch = true
			}
		},
		FieldText: func(name, v string) {
			if name == "format" {
				format = v
				haveFormat = true
			}
		},
	}

	if _, _, _, err := queuefile.ParseBlock(head, 0, 0, cbs, nil, 4); err != nil {
		return xerrors.Errorf("%w: %v", ErrRollFormatFail, err)
	}
	if !haveFormat {
		return xerrors.Errorf("%w: cycle file %s carried no roll format", ErrRollFormatFail, matches[0])
	}
	if !haveLength {
		return xerrors.Errorf("%w: cycle file %s carried no roll length", ErrRollLengthFail, matches[0])
	}
	if !haveEpoch {
		return xerrors.Errorf("%w: cycle file %s carried no roll epoch", ErrRollEpochFail, matches[0])
	}

	s, err := rollcycle.ByFormatPattern(format)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrRollFormatFail, err)
	}
	q.scheme = s
	q.schemeName = s.Name
	return nil
}
