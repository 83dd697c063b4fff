// Package bucket maps record timestamps onto canonical time-bucket keys.
package bucket

import (
	"fmt"
	"strings"
	"time"
)

type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity accepts hour, day, week or month (case-insensitive).
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case Hour, Day, Week, Month:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// Key is the rendered start of a bucket.
type Key string

const (
	hourLayout  = "2006-01-02T15:00"
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Bucket shifts ts by offsetMinutes to local wall-clock time and returns the
// key of the bucket containing it.
func Bucket(ts time.Time, offsetMinutes int, g Granularity) Key {
	return Format(Truncate(Wall(ts, offsetMinutes), g), g)
}

// Wall returns the local wall-clock time for ts, expressed in time.UTC so that
// calendar arithmetic is free of DST effects.
func Wall(ts time.Time, offsetMinutes int) time.Time {
	return ts.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
}

// Truncate returns the start of the bucket containing the wall-clock time t.
// Weeks start on Monday.
func Truncate(t time.Time, g Granularity) time.Time {
	y, m, d := t.Date()
	switch g {
	case Hour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, time.UTC)
	case Week:
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket following the one starting at start.
func Next(start time.Time, g Granularity) time.Time {
	switch g {
	case Hour:
		return start.Add(time.Hour)
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Format renders a bucket start as its key.
func Format(start time.Time, g Granularity) Key {
	switch g {
	case Hour:
		return Key(start.Format(hourLayout))
	case Month:
		return Key(start.Format(monthLayout))
	default:
		return Key(start.Format(dayLayout))
	}
}

// Parse is the inverse of Format.
func Parse(k Key, g Granularity) (time.Time, error) {
	layout := dayLayout
	switch g {
	case Hour:
		layout = hourLayout
	case Month:
		layout = monthLayout
	}
	return time.ParseInLocation(layout, string(k), time.UTC)
}

// Enumerate returns the ordered, gap-free keys covering the inclusive date
// range [startDate, endDate]. Only the calendar dates of the arguments are
// used. The result is empty when endDate is before startDate.
func Enumerate(startDate, endDate time.Time, g Granularity) []Key {
	first := DateOf(startDate)
	stop := DateOf(endDate).AddDate(0, 0, 1)
	if !first.Before(stop) {
		return nil
	}

	var keys []Key
	for cur := Truncate(first, g); cur.Before(stop); cur = Next(cur, g) {
		keys = append(keys, Format(cur, g))
	}
	return keys
}

// Index returns the position of each key in keys.
func Index(keys []Key) map[Key]int {
	idx := make(map[Key]int, len(keys))
	for i, k := range keys {
		idx[k] = i
	}
	return idx
}

// DateOf drops the clock part of t, keeping its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
