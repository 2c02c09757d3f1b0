// Package rollcycle translates named roll schemes (how often a chronicle
// queue rolls onto a new cycle file, and how that file is named) into the
// concrete arithmetic and filename patterns a Queue needs.
package rollcycle

import (
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Scheme describes one named roll cadence.
type Scheme struct {
	Name           string
	FormatPattern  string // a yyyy/MM/dd/HH/mm literal micro-DSL, 'quoted' literals pass through verbatim
	RollLengthSecs int64
	IndexCount     uint16
	IndexSpacing   uint8
}

// Schemes lists the roll cadences a queue may be configured with, in the
// same order chronicle_roll_schemes enumerates them.
var Schemes = []Scheme{
	{Name: "DAILY", FormatPattern: "yyyyMMdd", RollLengthSecs: 86400, IndexCount: 16, IndexSpacing: 64},
	{Name: "FAST_DAILY", FormatPattern: "yyyyMMdd'F'", RollLengthSecs: 86400, IndexCount: 16, IndexSpacing: 64},
	{Name: "FAST_HOURLY", FormatPattern: "yyyyMMdd-HH'F'", RollLengthSecs: 3600, IndexCount: 16, IndexSpacing: 64},
	{Name: "FIVE_MINUTELY", FormatPattern: "yyyyMMdd-HHmm'V'", RollLengthSecs: 300, IndexCount: 16, IndexSpacing: 64},
}

// ByName returns the scheme registered under name.
func ByName(name string) (Scheme, error) {
	for _, s := range Schemes {
		if s.Name == name {
			return s, nil
		}
	}
	return Scheme{}, xerrors.Errorf("rollcycle: unknown roll scheme %q", name)
}

// ByFormatPattern returns the scheme whose FormatPattern matches, used when
// bootstrapping from an existing v4 queue that only records the pattern.
func ByFormatPattern(pattern string) (Scheme, error) {
	for _, s := range Schemes {
		if s.FormatPattern == pattern {
			return s, nil
		}
	}
	return Scheme{}, xerrors.Errorf("rollcycle: unrecognised roll format %q", pattern)
}

// GoLayout translates a yyyy/MM/dd/HH/mm pattern, with 'literal' runs kept
// verbatim, into the equivalent time.Format reference layout.
func GoLayout(pattern string) string {
	var out strings.Builder
	literal := false
	for i := 0; i < len(pattern); {
		if pattern[i] == '\'' {
			literal = !literal
			i++
			continue
		}
		if literal {
			out.WriteByte(pattern[i])
			i++
			continue
		}
		rest := pattern[i:]
		switch {
		case strings.HasPrefix(rest, "yyyy"):
			out.WriteString("2006")
			i += 4
		case strings.HasPrefix(rest, "MM"):
			out.WriteString("01")
			i += 2
		case strings.HasPrefix(rest, "dd"):
			out.WriteString("02")
			i += 2
		case strings.HasPrefix(rest, "HH"):
			out.WriteString("15")
			i += 2
		case strings.HasPrefix(rest, "mm"):
			out.WriteString("04")
			i += 2
		default:
			out.WriteByte(pattern[i])
			i++
		}
	}
	return out.String()
}

// CycleFilename returns the path of the cycle file holding cycle, under
// dir, for the given scheme.
func CycleFilename(dir string, s Scheme, cycle int64) string {
	layout := GoLayout(s.FormatPattern)
	t := time.Unix(cycle*s.RollLengthSecs, 0).UTC()
	return filepath.Join(dir, t.Format(layout)+".cq4")
}

// CycleFromWallMs returns the cycle number containing wallMs (milliseconds
// since the unix epoch), given the roll length in seconds.
func CycleFromWallMs(wallMs int64, rollLengthSecs int64) int64 {
	return wallMs / (rollLengthSecs * 1000)
}
