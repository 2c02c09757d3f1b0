package libchronicle_test

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/TeaEngineering/libchronicle"
)

func tempQueueDir(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "libchronicle-test-")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newTestQueue(t *testing.T, dir string) *libchronicle.Queue {
	t.Helper()
	q := libchronicle.New(dir)
	q.SetCreate(true)
	q.SetVersion(5)
	if err := q.SetRollScheme("DAILY"); err != nil {
		t.Fatalf("SetRollScheme: %v", err)
	}
	if err := q.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestAppendThenTailSameProcess(t *testing.T) {
	t.Parallel()
	dir := tempQueueDir(t)
	q := newTestQueue(t, dir)

	want := []string{"one", "two", "three"}
	var indices []uint64
	for _, w := range want {
		idx, err := q.Append(w)
		if err != nil {
			t.Fatalf("Append(%q): %v", w, err)
		}
		indices = append(indices, idx)
	}
	for i := 1; i < len(indices); i++ {
		if indices[i] <= indices[i-1] {
			t.Errorf("indices not strictly increasing: %#x then %#x", indices[i-1], indices[i])
		}
	}

	tailer, err := q.NewTailer(libchronicle.WithStartIndex(indices[0]))
	if err != nil {
		t.Fatalf("NewTailer: %v", err)
	}
	defer tailer.Close()

	var got []string
	for range want {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c, err := tailer.Collect(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		got = append(got, c.Message.(string))
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("record %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestReopenAfterCloseReplaysRecords(t *testing.T) {
	t.Parallel()
	dir := tempQueueDir(t)

	q1 := libchronicle.New(dir)
	q1.SetCreate(true)
	q1.SetVersion(5)
	if err := q1.SetRollScheme("DAILY"); err != nil {
		t.Fatal(err)
	}
	if err := q1.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, err := q1.Append("persisted")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2 := libchronicle.New(dir)
	if err := q2.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	tailer, err := q2.NewTailer(libchronicle.WithStartIndex(first))
	if err != nil {
		t.Fatalf("NewTailer: %v", err)
	}
	defer tailer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := tailer.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if c.Index != first {
		t.Errorf("index = %#x, want %#x", c.Index, first)
	}
	if c.Message.(string) != "persisted" {
		t.Errorf("message = %q, want %q", c.Message, "persisted")
	}
}

func TestAppendAtRollsCycleForwardWithTimestamp(t *testing.T) {
	t.Parallel()
	dir := tempQueueDir(t)
	q := newTestQueue(t, dir)

	const oneDayMs = 86400 * 1000
	base := int64(1_700_000_000_000)

	idx1, err := q.AppendAt("day one", base)
	if err != nil {
		t.Fatalf("AppendAt 1: %v", err)
	}
	idx2, err := q.AppendAt("day two", base+oneDayMs)
	if err != nil {
		t.Fatalf("AppendAt 2: %v", err)
	}

	cycle1 := idx1 >> 32
	cycle2 := idx2 >> 32
	if cycle2 != cycle1+1 {
		t.Errorf("expected cycle to advance by exactly one day, got %d -> %d", cycle1, cycle2)
	}
	if idx2>>32<<32 != idx2 {
		t.Errorf("expected the first record of a new cycle to have sequence 0, index=%#x", idx2)
	}
}

func TestBlocksizeDoublesForOversizedPayload(t *testing.T) {
	t.Parallel()
	dir := tempQueueDir(t)
	q := libchronicle.New(dir)
	q.SetCreate(true)
	q.SetVersion(5)
	if err := q.SetRollScheme("DAILY"); err != nil {
		t.Fatal(err)
	}
	q.SetBlocksize(4096)
	if err := q.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	big := make([]byte, 0, 500000)
	for len(big) < 500000 {
		big = append(big, 'x')
	}
	idx, err := q.Append(string(big))
	if err != nil {
		t.Fatalf("Append large payload: %v", err)
	}

	tailer, err := q.NewTailer(libchronicle.WithStartIndex(idx))
	if err != nil {
		t.Fatalf("NewTailer: %v", err)
	}
	defer tailer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := tailer.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(c.Message.(string)) != len(big) {
		t.Errorf("got payload of length %d, want %d", len(c.Message.(string)), len(big))
	}
}

func TestMissingCycleFileIsSkippedWhenFarBehindHighest(t *testing.T) {
	t.Parallel()
	dir := tempQueueDir(t)
	q := newTestQueue(t, dir)

	// cycle0 gets a real file, cycle0+1 is never created at all, cycle0+2
	// gets a real file with a record, and a much later append pushes the
	// highest known cycle past cycle0+1, so the missing cycle0+1 file is
	// judged gone for good rather than merely not-yet-created. A tailer
	// starting exactly at the start of cycle0+1 must skip over that single
	// missing file and land on the record actually waiting in cycle0+2,
	// without trying to jump all the way to the highest cycle.
	const oneDayMs = 86400 * 1000
	base := int64(1_700_000_000_000)

	first, err := q.AppendAt("first", base)
	if err != nil {
		t.Fatalf("AppendAt first: %v", err)
	}
	second, err := q.AppendAt("second", base+2*oneDayMs)
	if err != nil {
		t.Fatalf("AppendAt second: %v", err)
	}
	if _, err := q.AppendAt("much later", base+6*oneDayMs); err != nil {
		t.Fatalf("AppendAt much later: %v", err)
	}

	cycle0 := first >> 32
	gapStart := (cycle0 + 1) << 32

	tailer, err := q.NewTailer(libchronicle.WithStartIndex(gapStart))
	if err != nil {
		t.Fatalf("NewTailer: %v", err)
	}
	defer tailer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := tailer.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if c.Index != second {
		t.Errorf("expected tailer to skip the missing cycle and land on %#x, got %#x", second, c.Index)
	}
	if c.Message.(string) != "second" {
		t.Errorf("message = %q, want %q", c.Message, "second")
	}
}
