package rollcycle_test

import (
	"path/filepath"
	"testing"

	"github.com/TeaEngineering/libchronicle/internal/rollcycle"
)

func TestCycleFilenameDaily(t *testing.T) {
	t.Parallel()
	s, err := rollcycle.ByName("DAILY")
	if err != nil {
		t.Fatal(err)
	}
	got := rollcycle.CycleFilename("/q", s, 0)
	want := filepath.Join("/q", "19700101.cq4")
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCycleFilenameFastHourly(t *testing.T) {
	t.Parallel()
	s, err := rollcycle.ByName("FAST_HOURLY")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		cycle int64
		want  string
	}{
		{0, "19700101-00F.cq4"},
		{1, "19700101-01F.cq4"},
		{24, "19700102-00F.cq4"},
	}
	for _, c := range cases {
		got := rollcycle.CycleFilename("/q", s, c.cycle)
		want := filepath.Join("/q", c.want)
		if got != want {
			t.Errorf("cycle %d: got %s, want %s", c.cycle, got, want)
		}
	}
}

func TestCycleFilenameFiveMinutely(t *testing.T) {
	t.Parallel()
	s, err := rollcycle.ByName("FIVE_MINUTELY")
	if err != nil {
		t.Fatal(err)
	}
	got := rollcycle.CycleFilename("/q", s, 1)
	want := filepath.Join("/q", "19700101-0005V.cq4")
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCycleFromWallMs(t *testing.T) {
	t.Parallel()
	s, err := rollcycle.ByName("DAILY")
	if err != nil {
		t.Fatal(err)
	}
	const oneDayMs = 86400 * 1000
	c0 := rollcycle.CycleFromWallMs(0, s.RollLengthSecs)
	c1 := rollcycle.CycleFromWallMs(oneDayMs, s.RollLengthSecs)
	if c1 != c0+1 {
		t.Errorf("expected cycle to advance by exactly one day boundary, got %d -> %d", c0, c1)
	}
}

func TestByFormatPatternRoundTrips(t *testing.T) {
	t.Parallel()
	for _, s := range rollcycle.Schemes {
		got, err := rollcycle.ByFormatPattern(s.FormatPattern)
		if err != nil {
			t.Fatalf("%s: %v", s.Name, err)
		}
		if got.Name != s.Name {
			t.Errorf("ByFormatPattern(%q) = %q, want %q", s.FormatPattern, got.Name, s.Name)
		}
	}
}
