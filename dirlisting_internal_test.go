package libchronicle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TeaEngineering/libchronicle/internal/queuefile"
	"github.com/TeaEngineering/libchronicle/internal/rollcycle"
	"github.com/TeaEngineering/libchronicle/internal/wire"
)

// buildV4DirListingNoFormat writes a directory-listing file carrying only
// the six aligned data cells and no metadata record at all, matching the
// real v4 contract: roll format metadata never lived there, only in each
// cycle file's own header.
func buildV4DirListingNoFormat(t *testing.T, path string, cycle uint64) {
	t.Helper()
	pad := wire.NewPad()
	cells := map[string]uint64{
		evHighestCycle:   cycle,
		evLowestCycle:    cycle,
		evModCount:       0,
		evWriteLock:      0,
		evLastIdxRepl:    0,
		evLastAckIdxRepl: 0,
	}
	for _, ev := range []string{evHighestCycle, evLowestCycle, evModCount, evWriteLock, evLastIdxRepl, evLastAckIdxRepl} {
		if err := pad.QCStart(false); err != nil {
			t.Fatal(err)
		}
		if err := pad.EventName(ev); err != nil {
			t.Fatal(err)
		}
		if err := pad.FieldUint64Aligned("", cells[ev]); err != nil {
			t.Fatal(err)
		}
		if err := pad.QCFinish(); err != nil {
			t.Fatal(err)
		}
	}
	body, err := pad.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(body) > dirListingSize {
		t.Fatalf("directory listing body of %d bytes exceeds preallocated size", len(body))
	}
	buf := make([]byte, dirListingSize)
	copy(buf, body)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

// buildV4CycleFile writes a cycle file by hand: the same metadata header
// cycleFileHeader produces, followed by records (framed with no
// inter-record padding, the v4 contract), with the same header and framing
// the real createCycleFile/tryWrite path produces but without its
// preallocated zero-filled extent: the file ends right after the last record.
func buildV4CycleFile(t *testing.T, path string, scheme rollcycle.Scheme, records []string) {
	t.Helper()
	q := &Queue{scheme: scheme, schemeName: scheme.Name, version: 4}
	header, err := q.cycleFileHeader()
	if err != nil {
		t.Fatal(err)
	}
	buf := append([]byte{}, header...)
	for _, r := range records {
		n := uint32(len(r)) & queuefile.MaskLength
		buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
		buf = append(buf, r...)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestV4RollConfigDiscoveryFromCycleFileHeader covers scenario S3: a v4
// queue whose directory-listing carries no roll format at all is opened
// without one configured, and Open discovers the scheme by reading the
// one existing cycle file's leading block instead of failing with
// ErrRollSchemeUnknown.
func TestV4RollConfigDiscoveryFromCycleFileHeader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	scheme, err := rollcycle.ByName("DAILY")
	if err != nil {
		t.Fatal(err)
	}

	const cycle = 5
	want := []string{"one", "two", "three", "a much longer item that will need encoding as variable length text"}

	buildV4DirListingNoFormat(t, filepath.Join(dir, dirListingV4Name), cycle)
	buildV4CycleFile(t, rollcycle.CycleFilename(dir, scheme, cycle), scheme, want)

	q := New(dir)
	if err := q.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	if q.Version() != 4 {
		t.Fatalf("Version() = %d, want 4", q.Version())
	}
	if q.schemeName != "DAILY" {
		t.Fatalf("schemeName = %q, want DAILY (roll scheme not auto-detected)", q.schemeName)
	}

	tailer, err := q.NewTailer()
	if err != nil {
		t.Fatalf("NewTailer: %v", err)
	}
	defer tailer.Close()

	for _, w := range want {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c, err := tailer.Collect(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if c.Message.(string) != w {
			t.Errorf("got %q, want %q", c.Message, w)
		}
	}
}

// TestOpenCreateRequiresExplicitVersionAndScheme covers CreateRequiresVersion
// and CreateRequiresRollScheme: Open's create path refuses to default
// either rather than guessing.
func TestOpenCreateRequiresExplicitVersionAndScheme(t *testing.T) {
	t.Parallel()

	t.Run("missing version", func(t *testing.T) {
		t.Parallel()
		q := New(t.TempDir())
		q.SetCreate(true)
		if err := q.SetRollScheme("DAILY"); err != nil {
			t.Fatal(err)
		}
		if err := q.Open(); err != ErrCreateRequiresVersion {
			t.Fatalf("Open() = %v, want ErrCreateRequiresVersion", err)
		}
	})

	t.Run("missing roll scheme", func(t *testing.T) {
		t.Parallel()
		q := New(t.TempDir())
		q.SetCreate(true)
		q.SetVersion(5)
		if err := q.Open(); err != ErrCreateRequiresRollScheme {
			t.Fatalf("Open() = %v, want ErrCreateRequiresRollScheme", err)
		}
	})

	t.Run("non-empty directory", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "19700101.cq4"), []byte{0}, 0o644); err != nil {
			t.Fatal(err)
		}
		q := New(dir)
		q.SetCreate(true)
		q.SetVersion(5)
		if err := q.SetRollScheme("DAILY"); err != nil {
			t.Fatal(err)
		}
		if err := q.Open(); err != ErrCreateRequiresEmptyDir {
			t.Fatalf("Open() = %v, want ErrCreateRequiresEmptyDir", err)
		}
	})
}
