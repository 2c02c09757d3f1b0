package libchronicle

import "golang.org/x/xerrors"

// Sentinel errors. Wrapped errors returned from Queue/Tailer methods carry
// one of these so callers can match with errors.Is. Names follow the
// closed error taxonomy the wire format's reference implementation
// enumerates, plus a handful of Go-idiomatic additions (ErrNotOpen and
// friends) for states that taxonomy has no analogue for.
var (
	ErrNotOpen       = xerrors.New("libchronicle: queue not open")
	ErrAlreadyOpen   = xerrors.New("libchronicle: queue already open")
	ErrAlreadyClosed = xerrors.New("libchronicle: already closed")
	ErrNoEncoder     = xerrors.New("libchronicle: no encoder configured")
	ErrNoDecoder     = xerrors.New("libchronicle: no decoder configured")

	ErrCreateNotPermitted = xerrors.New("libchronicle: directory-listing missing and create not set")
	ErrCreateRaced        = xerrors.New("libchronicle: lost race creating queue file")
	ErrWriteWouldOverflow = xerrors.New("libchronicle: write would overflow mapped window")

	// DirStatFail / DirNotDirectory: the queue directory itself could not
	// be statted, or exists but is not a directory.
	ErrDirStatFail     = xerrors.New("libchronicle: could not stat queue directory")
	ErrDirNotDirectory = xerrors.New("libchronicle: queue path exists and is not a directory")

	// VersionDetectFail: neither directory-listing.cq4t nor metadata.cq4t
	// exists and nothing pins a version to create under.
	ErrVersionDetectFail = xerrors.New("libchronicle: could not detect queue version")

	// RollFormatFail / RollLengthFail / RollEpochFail: the roll-config
	// metadata record (directory listing, or a v4 cycle file header used
	// as a fallback) was missing or carried an unrecognised value for the
	// named field.
	ErrRollFormatFail = xerrors.New("libchronicle: could not determine roll format")
	ErrRollLengthFail = xerrors.New("libchronicle: roll config missing or invalid length field")
	ErrRollEpochFail  = xerrors.New("libchronicle: roll config missing or invalid epoch field")

	// RollSchemeUnknown: Open ended with no roll scheme at all: none was
	// configured and no roll format was found on disk. A format that was
	// read but matches no known scheme is reported as RollFormatFail.
	ErrRollSchemeUnknown = xerrors.New("libchronicle: unknown roll scheme")

	// QueueFileOpenFail / QueueFileMmapFail: opening or mapping a cycle
	// file (or, during v4 roll-config discovery, probing one) failed.
	ErrQueueFileOpenFail = xerrors.New("libchronicle: opening queue file failed")
	ErrQueueFileMmapFail = xerrors.New("libchronicle: mapping queue file failed")

	// DirListingReopenFail / DirListingHeaderFail: the directory-listing
	// file itself could not be reopened, or its metadata record could not
	// be parsed.
	ErrDirListingReopenFail = xerrors.New("libchronicle: reopening directory listing failed")
	ErrDirListingHeaderFail = xerrors.New("libchronicle: parsing directory listing header failed")

	// CreateTmpQueueFileFail / LSeekFail / WriteFail: creating a new cycle
	// file's backing temp file, extending it, or writing its header
	// failed.
	ErrCreateTmpQueueFileFail = xerrors.New("libchronicle: failed to create queue file")
	ErrLSeekFail              = xerrors.New("libchronicle: seeking to extend queue file failed")
	ErrWriteFail              = xerrors.New("libchronicle: writing queue file failed")

	ErrMessageTooLarge = xerrors.New("libchronicle: message too large for HD_MASK_LENGTH")

	// CreateRequiresEmptyDir / CreateRequiresVersion / CreateRequiresRollScheme:
	// Open's create path refuses to guess; it requires an explicit version
	// and roll scheme, and a directory with no pre-existing cycle/listing
	// files of its own.
	ErrCreateRequiresEmptyDir   = xerrors.New("libchronicle: create requires an empty directory")
	ErrCreateRequiresVersion    = xerrors.New("libchronicle: create requires an explicit version")
	ErrCreateRequiresRollScheme = xerrors.New("libchronicle: create requires an explicit roll scheme")
)

// LastError returns the most recent error returned by Open, Close,
// NewTailer, Append or AppendAt, or nil if none has failed; a later
// success does not clear it. Failures that append retries internally, such
// as a failed extend, are logged rather than recorded here. It mirrors chronicle_strerror's per-process last-error
// slot, but scoped to the Queue instead of kept as global state.
func (q *Queue) LastError() error {
	return q.lastErr
}

func (q *Queue) setLastError(err error) error {
	q.lastErr = err
	return err
}
