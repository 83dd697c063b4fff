// Package version orders dotted game and OS version strings.
package version

import "strings"

// Compare compares two dot-separated version strings and returns -1, 0 or 1.
//
// Missing segments count as zero, so "1.2" equals "1.2.0". An empty string
// sorts before any non-empty string. Segments that are not plain decimal
// digits compare as zero.
func Compare(v1, v2 string) int {
	v1 = strings.TrimSpace(v1)
	v2 = strings.TrimSpace(v2)

	switch {
	case v1 == "" && v2 == "":
		return 0
	case v1 == "":
		return -1
	case v2 == "":
		return 1
	}

	parts1 := strings.Split(v1, ".")
	parts2 := strings.Split(v2, ".")

	maxLen := len(parts1)
	if len(parts2) > maxLen {
		maxLen = len(parts2)
	}

	for i := 0; i < maxLen; i++ {
		var p1, p2 string
		if i < len(parts1) {
			p1 = parts1[i]
		}
		if i < len(parts2) {
			p2 = parts2[i]
		}

		if c := compareSegment(p1, p2); c != 0 {
			return c
		}
	}
	return 0
}

// AtLeast reports whether v >= min.
func AtLeast(v, min string) bool {
	return Compare(v, min) >= 0
}

// compareSegment compares two numeric segments without converting them to
// integers, so arbitrarily long segments never overflow.
func compareSegment(a, b string) int {
	a = normalizeSegment(a)
	b = normalizeSegment(b)

	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// normalizeSegment strips leading zeros from a digit-only segment. Anything
// else, including the empty segment, becomes "0".
func normalizeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0"
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "0"
		}
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
