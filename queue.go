// Package libchronicle is a client library for a memory-mapped,
// append-only message log shared between cooperating processes, wire
// compatible with Chronicle-Queue's v4/v5 on-disk format: any number of
// readers (Tailers) can walk the log at their own pace while at most one
// process at a time claims and writes each record slot.
package libchronicle

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
	"github.com/TeaEngineering/libchronicle/internal/rollcycle"
	"github.com/TeaEngineering/libchronicle/internal/wire"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	// patchCycles is how many cycles behind the highest known cycle a
	// tailer still waits on an existing cycle file whose next slot is
	// unwritten, rather than fast forwarding past it. A cycle file that is
	// missing altogether is skipped as soon as it is behind the highest
	// known cycle. The appender starts this many cycles behind it.
	patchCycles = 3

	defaultBlocksize = 1 << 20
	defaultCycleShift = 32

	dirListingV4Name = "directory-listing.cq4t"
	dirListingV5Name = "metadata.cq4t"
)

// Queue is a handle on one chronicle queue directory. The zero value is not
// usable; construct one with New.
type Queue struct {
	dir string

	mu sync.Mutex

	version int // 0 until detected/configured, else 4 or 5
	create  bool

	schemeName string
	scheme     rollcycle.Scheme

	blocksize  uint32
	cycleShift uint
	seqnumMask uint64

	encoder Encoder
	decoder Decoder

	dirListPath   string
	dirListFile   *os.File
	dirListRegion queuefile.Region
	dirList       dirListCells

	appender *Appender

	opened bool
	lastErr error

	Logger *log.Logger
}

// dirListCells holds the live (mmap-backed) 8-byte cells the directory
// listing exposes, captured once at Open and shared by every subsequent
// reader/writer in this process.
type dirListCells struct {
	highestCycle []byte
	lowestCycle  []byte
	modCount     []byte
	writeLock    []byte
	lastIdxRepl  []byte
	lastAckRepl  []byte
}

// New returns an unopened Queue rooted at dir.
func New(dir string) *Queue {
	return &Queue{
		dir:        dir,
		blocksize:  defaultBlocksize,
		cycleShift: defaultCycleShift,
		seqnumMask: (uint64(1) << defaultCycleShift) - 1,
		encoder:    TextCodec{},
		decoder:    TextCodec{},
		Logger:     log.New(os.Stderr, "libchronicle: ", log.LstdFlags),
	}
}

// SetVersion sets the on-disk format version (4 or 5) Open uses when no
// directory-listing file exists yet. If one already exists, Open detects
// the version from it and that version takes precedence.
func (q *Queue) SetVersion(v int) {
	q.version = v
}

// SetRollScheme selects a named roll cadence (see rollcycle.Schemes) to use
// when creating a new queue; ignored when reopening an existing one, whose
// roll format is read back from its directory listing / cycle header.
func (q *Queue) SetRollScheme(name string) error {
	s, err := rollcycle.ByName(name)
	if err != nil {
		return err
	}
	q.schemeName = name
	q.scheme = s
	return nil
}

// SetRollDateFormat overrides the roll scheme's format pattern directly,
// looking up the matching scheme by pattern.
func (q *Queue) SetRollDateFormat(pattern string) error {
	s, err := rollcycle.ByFormatPattern(pattern)
	if err != nil {
		return err
	}
	q.schemeName = s.Name
	q.scheme = s
	return nil
}

// SetBlocksize overrides the initial mmap window size (default 1MiB).
// Appends that don't fit still double it automatically; this just changes
// the starting point, mainly useful for tests that want to exercise that
// doubling without huge payloads.
func (q *Queue) SetBlocksize(n uint32) { q.blocksize = n }

// SetCreate controls whether Open is allowed to create a missing
// directory listing (and, as records are appended, missing cycle files).
func (q *Queue) SetCreate(create bool) {
	q.create = create
}

// SetEncoder installs the Encoder used by Append/AppendAt.
func (q *Queue) SetEncoder(e Encoder) { q.encoder = e }

// SetDecoder installs the Decoder every Tailer of this queue uses from its
// next Peek on.
func (q *Queue) SetDecoder(d Decoder) { q.decoder = d }

// Version reports the detected or configured on-disk format version, valid
// once Open has returned successfully.
func (q *Queue) Version() int { return q.version }

// Open detects (or creates) the queue's directory listing, determines its
// roll scheme and version, and leaves the queue ready for tailers and
// appends.
func (q *Queue) Open() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.opened {
		return q.setLastError(ErrAlreadyOpen)
	}

	if fi, err := os.Stat(q.dir); err == nil {
		if !fi.IsDir() {
			return q.setLastError(ErrDirNotDirectory)
		}
	} else if !os.IsNotExist(err) {
		return q.setLastError(xerrors.Errorf("%w: %v", ErrDirStatFail, err))
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return q.setLastError(xerrors.Errorf("%w: %v", ErrDirStatFail, err))
	}

	v5path := filepath.Join(q.dir, dirListingV5Name)
	v4path := filepath.Join(q.dir, dirListingV4Name)

	version := q.version
	var path string
	switch {
	case fileExists(v5path):
		version = 5
		path = v5path
	case fileExists(v4path):
		version = 4
		path = v4path
	case version == 5:
		path = v5path
	case version == 4:
		path = v4path
	case q.create:
		// Neither an existing queue nor a pinned version to create under:
		// open refuses to default to 5, the caller must say so explicitly.
		return q.setLastError(ErrCreateRequiresVersion)
	default:
		return q.setLastError(ErrVersionDetectFail)
	}

	if !fileExists(path) {
		if !q.create {
			return q.setLastError(ErrCreateNotPermitted)
		}
		if q.scheme.Name == "" {
			return q.setLastError(ErrCreateRequiresRollScheme)
		}
		if err := q.checkEmptyForCreate(); err != nil {
			return q.setLastError(err)
		}
		if err := q.createDirListing(path, version); err != nil {
			return q.setLastError(xerrors.Errorf("%w: %v", ErrCreateTmpQueueFileFail, err))
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	prot := unix.PROT_READ | unix.PROT_WRITE
	if err != nil {
		f, err = os.OpenFile(path, os.O_RDONLY, 0o644)
		prot = unix.PROT_READ
		if err != nil {
			return q.setLastError(xerrors.Errorf("%w: %v", ErrDirListingReopenFail, err))
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return q.setLastError(xerrors.Errorf("%w: %v", ErrDirStatFail, err))
	}

	if err := q.dirListRegion.Remap(int(f.Fd()), 0, int(fi.Size()), prot); err != nil {
		f.Close()
		return q.setLastError(xerrors.Errorf("%w: %v", ErrQueueFileMmapFail, err))
	}
	q.dirListFile = f
	q.dirListPath = path
	q.version = version

	if err := q.parseDirListing(); err != nil {
		return q.setLastError(err)
	}
	if q.scheme.Name == "" && q.version == 4 {
		if err := q.detectV4RollScheme(); err != nil {
			return q.setLastError(err)
		}
	}
	if q.scheme.Name == "" {
		return q.setLastError(xerrors.Errorf("%w: directory listing carried no roll format", ErrRollSchemeUnknown))
	}

	q.opened = true
	return nil
}

// checkEmptyForCreate enforces CreateRequiresEmptyDir: a directory that
// already has cycle or directory-listing files of its own (even if the one
// matching the requested version is absent) cannot be silently adopted by
// a fresh create.
func (q *Queue) checkEmptyForCreate() error {
	for _, pattern := range []string{"*.cq4", "*.cq4t"} {
		matches, err := filepath.Glob(filepath.Join(q.dir, pattern))
		if err != nil {
			return xerrors.Errorf("%w: %v", ErrDirStatFail, err)
		}
		if len(matches) > 0 {
			return ErrCreateRequiresEmptyDir
		}
	}
	return nil
}

// Close unmaps and closes the directory listing, and any mapped cycle file
// held open by the appender. Mirrors the original's discipline of always
// unmapping on every exit path, even after an earlier error.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.opened {
		return q.setLastError(ErrAlreadyClosed)
	}
	var firstErr error
	if q.appender != nil {
		if err := q.appender.tailer.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		q.appender = nil
	}
	if err := q.dirListRegion.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if q.dirListFile != nil {
		if err := q.dirListFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		q.dirListFile = nil
	}
	q.opened = false
	if firstErr != nil {
		return q.setLastError(firstErr)
	}
	return nil
}

func (q *Queue) cycleFilename(cycle int64) string {
	return rollcycle.CycleFilename(q.dir, q.scheme, cycle)
}

func (q *Queue) highestCycle() uint64 {
	if q.dirList.highestCycle == nil {
		return 0
	}
	return queuefile.LoadUint64(q.dirList.highestCycle, 0)
}

func (q *Queue) lowestCycle() uint64 {
	if q.dirList.lowestCycle == nil {
		return 0
	}
	return queuefile.LoadUint64(q.dirList.lowestCycle, 0)
}

func (q *Queue) bumpModCount() {
	if q.dirList.modCount != nil {
		queuefile.AddUint64(q.dirList.modCount, 0, 1)
	}
}

// raiseHighestCycle atomically advances the shared highestCycle cell to at
// least cycle, retrying the CAS against concurrent writers in other
// processes.
func (q *Queue) raiseHighestCycle(cycle uint64) {
	if q.dirList.highestCycle == nil {
		return
	}
	for {
		cur := queuefile.LoadUint64(q.dirList.highestCycle, 0)
		if cur >= cycle {
			return
		}
		if queuefile.CASUint64(q.dirList.highestCycle, 0, cur, cycle) {
			return
		}
	}
}

func (q *Queue) doubleBlocksize() {
	q.blocksize *= 2
	q.logf("doubling blocksize to %d", q.blocksize)
}

func (q *Queue) logf(format string, args ...interface{}) {
	if q.Logger != nil {
		q.Logger.Printf(format, args...)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// headerCallbacks returns the (empty) metadata-record callback set used
// when walking an ordinary cycle file: no cycle-file header field is
// acted on mid-stream, it is only ever read once at file creation/open.
func (q *Queue) headerCallbacks() *wire.Callbacks {
	return &wire.Callbacks{}
}
