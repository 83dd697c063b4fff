package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, "utc", m.String())

	m, err = ParseMode("LOCAL")
	require.NoError(t, err)
	assert.Equal(t, "local", m.String())

	m, err = ParseMode("fixed:America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "fixed:America/New_York", m.String())

	for _, bad := range []string{"fixed:", "fixed:Not/AZone", "pst"} {
		_, err := ParseMode(bad)
		assert.Error(t, err, bad)
	}
}

func TestModeOffset(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, UTC.Offset(ts, 180))
	assert.Equal(t, 180, Local.Offset(ts, 180))

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, -4*60, Fixed(ny).Offset(ts, 180))
	assert.Equal(t, -5*60, Fixed(ny).Offset(ts.AddDate(0, 6, 0), 180))
}

func TestFixedModeAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	b := New(Fixed(ny), Day)

	// 2024-03-10 is the spring-forward day in New York.
	before := time.Date(2024, 3, 10, 4, 30, 0, 0, time.UTC) // 23:30 EST on the 9th
	after := time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)  // 03:30 EDT on the 10th

	assert.Equal(t, Key("2024-03-09"), b.Key(before, 0))
	assert.Equal(t, Key("2024-03-10"), b.Key(after, 0))
}

func TestBucketerInRange(t *testing.T) {
	b := New(Local, Day)
	start := date(2024, 1, 1)
	end := date(2024, 1, 2)

	late := time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)
	assert.True(t, b.InRange(late, 0, start, end))
	assert.False(t, b.InRange(late, 120, start, end))
	assert.True(t, b.InRange(time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC), 120, start, end))
}

func TestReadWindow(t *testing.T) {
	from, to := ReadWindow(date(2024, 1, 1), date(2024, 1, 1))
	assert.Equal(t, time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC), to)
}
