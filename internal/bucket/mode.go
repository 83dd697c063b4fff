package bucket

import (
	"fmt"
	"strings"
	"time"
)

type modeKind int

const (
	modeUTC modeKind = iota
	modeFixed
	modeLocal
)

// Mode selects the UTC offset applied to each record before bucketing. One
// query uses exactly one mode.
type Mode struct {
	kind modeKind
	loc  *time.Location
}

// UTC buckets every record with offset 0.
var UTC = Mode{kind: modeUTC}

// Local buckets every record with its own recorded offset.
var Local = Mode{kind: modeLocal}

// Fixed buckets every record in loc, resolving the offset per instant.
func Fixed(loc *time.Location) Mode {
	return Mode{kind: modeFixed, loc: loc}
}

// ParseMode accepts "", "utc", "local" or "fixed:<IANA zone>".
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "utc"):
		return UTC, nil
	case strings.EqualFold(s, "local"):
		return Local, nil
	case strings.HasPrefix(strings.ToLower(s), "fixed:"):
		name := strings.TrimSpace(s[len("fixed:"):])
		if name == "" {
			return Mode{}, fmt.Errorf("timezone %q: missing zone name", s)
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			return Mode{}, fmt.Errorf("timezone %q: %w", s, err)
		}
		return Fixed(loc), nil
	}
	return Mode{}, fmt.Errorf("unknown timezone mode %q", s)
}

func (m Mode) String() string {
	switch m.kind {
	case modeLocal:
		return "local"
	case modeFixed:
		return "fixed:" + m.loc.String()
	default:
		return "utc"
	}
}

// Offset returns the offset in minutes this mode applies to a record at ts
// that carries recordOffset.
func (m Mode) Offset(ts time.Time, recordOffset int) int {
	switch m.kind {
	case modeLocal:
		return recordOffset
	case modeFixed:
		_, sec := ts.In(m.loc).Zone()
		return sec / 60
	default:
		return 0
	}
}

// Bucketer binds a mode to a granularity.
type Bucketer struct {
	Mode        Mode
	Granularity Granularity
}

func New(m Mode, g Granularity) Bucketer {
	return Bucketer{Mode: m, Granularity: g}
}

// Key returns the bucket key for a record.
func (b Bucketer) Key(ts time.Time, recordOffset int) Key {
	return Bucket(ts, b.Mode.Offset(ts, recordOffset), b.Granularity)
}

// Date returns the local calendar date of a record.
func (b Bucketer) Date(ts time.Time, recordOffset int) time.Time {
	return DateOf(Wall(ts, b.Mode.Offset(ts, recordOffset)))
}

// InRange reports whether the record's local date lies in the inclusive date
// range [startDate, endDate].
func (b Bucketer) InRange(ts time.Time, recordOffset int, startDate, endDate time.Time) bool {
	d := b.Date(ts, recordOffset)
	return !d.Before(DateOf(startDate)) && !d.After(DateOf(endDate))
}

// Enumerate returns the keys for the inclusive date range at b's granularity.
func (b Bucketer) Enumerate(startDate, endDate time.Time) []Key {
	return Enumerate(startDate, endDate, b.Granularity)
}

// MaxOffset bounds every offset any mode can produce.
const MaxOffset = 14 * time.Hour

// ReadWindow returns the half-open UTC interval that contains every instant
// whose local date, under any mode, falls in [startDate, endDate].
func ReadWindow(startDate, endDate time.Time) (time.Time, time.Time) {
	from := DateOf(startDate).Add(-MaxOffset)
	to := DateOf(endDate).AddDate(0, 0, 1).Add(MaxOffset)
	return from, to
}
