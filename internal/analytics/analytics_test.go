package analytics

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func sess(player string, start time.Time) *models.Session {
	return &models.Session{ID: player + start.String(), GameID: "g1", PlayerID: player, StartTime: start}
}

func closedSess(player string, start time.Time, seconds int64) *models.Session {
	s := sess(player, start)
	end := start.Add(time.Duration(seconds) * time.Second)
	s.EndTime = &end
	s.DurationSeconds = &seconds
	return s
}

func tx(id, product, platform, amount, currency string, ts time.Time) *models.MonetizationTransaction {
	return &models.MonetizationTransaction{
		ID: id, GameID: "g1", PlayerID: "p-" + id, ProductID: product, Platform: platform,
		Amount: decimal.RequireFromString(amount), Currency: currency, Timestamp: ts,
	}
}

func dayWindow(from, to int) Window {
	return NewWindow(day(from), day(to), bucket.UTC, bucket.Day)
}

// Player A plays on day 1 and day 8, player B only on day 1.
func scenarioG1() []*models.Session {
	return []*models.Session{
		sess("A", day(1).Add(10*time.Hour)),
		sess("B", day(1).Add(11*time.Hour)),
		sess("A", day(8).Add(9*time.Hour)),
	}
}

func firstSessions(all []*models.Session) []*models.Session {
	first := make(map[string]*models.Session)
	for _, s := range all {
		if cur, ok := first[s.PlayerID]; !ok || s.StartTime.Before(cur.StartTime) {
			first[s.PlayerID] = s
		}
	}
	out := make([]*models.Session, 0, len(first))
	for _, s := range first {
		out = append(out, s)
	}
	return out
}

func TestScenarioG1ActiveDays(t *testing.T) {
	days := ActiveDays(scenarioG1(), nil, dayWindow(1, 8))
	require.Len(t, days, 8)

	assert.Equal(t, bucket.Key("2024-01-01"), days[0].Date)
	assert.Equal(t, 2, days[0].DAU)
	assert.Equal(t, 1, days[7].DAU)
	assert.Equal(t, 0, days[3].DAU)

	// day 8's trailing week is days 2..8
	assert.Equal(t, 1, days[7].WAU)
	assert.Equal(t, 2, days[6].WAU)
	assert.Equal(t, 2, days[7].MAU)
}

func TestScenarioG1Retention(t *testing.T) {
	all := scenarioG1()
	cohorts := Retention(firstSessions(all), all, dayWindow(1, 8), DefaultMaxOffset)
	require.Len(t, cohorts, 8)

	c := cohorts[0]
	assert.Equal(t, bucket.Key("2024-01-01"), c.Cohort)
	assert.Equal(t, 2, c.Size)
	require.Len(t, c.Retention, 8)
	assert.Equal(t, 1.0, c.Retention[0])
	assert.Equal(t, 0.5, c.Retention[7])
	assert.Equal(t, 0.0, c.Retention[3])

	empty := cohorts[1]
	assert.Equal(t, 0, empty.Size)
	assert.Empty(t, empty.Retention)
}

func TestRetentionMaxOffset(t *testing.T) {
	all := scenarioG1()
	cohorts := Retention(firstSessions(all), all, dayWindow(1, 8), 3)
	assert.Len(t, cohorts[0].Retention, 4)
}

func TestRetentionOffsetZeroIsOne(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var all []*models.Session
	for i := 0; i < 200; i++ {
		p := string(rune('a' + r.Intn(26)))
		all = append(all, sess(p, day(1+r.Intn(20)).Add(time.Duration(r.Intn(24))*time.Hour)))
	}
	for _, c := range Retention(firstSessions(all), all, dayWindow(1, 20), DefaultMaxOffset) {
		if c.Size > 0 {
			assert.Equal(t, 1.0, c.Retention[0], c.Cohort)
		}
	}
}

func TestActiveDaysMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	var sessions []*models.Session
	var events []*models.Event
	for i := 0; i < 500; i++ {
		p := string(rune('A' + r.Intn(40)))
		ts := day(1).AddDate(0, 0, -29+r.Intn(60)).Add(time.Duration(r.Intn(86400)) * time.Second)
		if i%2 == 0 {
			sessions = append(sessions, sess(p, ts))
		} else {
			events = append(events, &models.Event{GameID: "g1", PlayerID: p, EventName: "x", Timestamp: ts})
		}
	}

	days := ActiveDays(sessions, events, dayWindow(1, 31))
	require.Len(t, days, 31)
	for _, d := range days {
		assert.LessOrEqual(t, d.DAU, d.WAU, d.Date)
		assert.LessOrEqual(t, d.WAU, d.MAU, d.Date)
	}
}

func TestActiveUsersWeekly(t *testing.T) {
	w := NewWindow(day(1), day(14), bucket.UTC, bucket.Week)
	points := ActiveUsers(scenarioG1(), []*models.Event{
		{PlayerID: "C", Timestamp: day(2)},
		{PlayerID: "C", Timestamp: day(20)},
	}, w)
	require.Len(t, points, 2)
	assert.Equal(t, CountPoint{Key: "2024-01-01", Count: 3}, points[0])
	assert.Equal(t, CountPoint{Key: "2024-01-08", Count: 1}, points[1])
}

func TestActiveUsersLocalMode(t *testing.T) {
	late := sess("A", time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC))
	late.TimezoneOffsetMinutes = 60

	utc := ActiveUsers([]*models.Session{late}, nil, NewWindow(day(1), day(2), bucket.UTC, bucket.Day))
	local := ActiveUsers([]*models.Session{late}, nil, NewWindow(day(1), day(2), bucket.Local, bucket.Day))

	assert.Equal(t, int64(1), utc[0].Count)
	assert.Equal(t, int64(0), local[0].Count)
	assert.Equal(t, int64(1), local[1].Count)
}

func TestNewPlayers(t *testing.T) {
	all := scenarioG1()
	points := NewPlayers(firstSessions(all), dayWindow(1, 8))
	require.Len(t, points, 8)
	assert.Equal(t, int64(2), points[0].Count)
	assert.Equal(t, int64(0), points[7].Count)
}

func TestCohortUsesEarliestLocalDate(t *testing.T) {
	// First in UTC, but already the second local day.
	first := sess("A", time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC))
	first.TimezoneOffsetMinutes = 60
	// Later in UTC, but still the first local day.
	later := sess("A", time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC))
	later.TimezoneOffsetMinutes = -300
	all := []*models.Session{first, later}

	w := NewWindow(day(1), day(3), bucket.Local, bucket.Day)
	firsts := EarliestLocal([]*models.Session{first}, all, w)
	require.Len(t, firsts, 1)
	assert.Same(t, later, firsts[0])

	points := NewPlayers(firsts, w)
	assert.Equal(t, int64(1), points[0].Count)
	assert.Equal(t, int64(0), points[1].Count)

	cohorts := Retention(firsts, all, w, DefaultMaxOffset)
	assert.Equal(t, 1, cohorts[0].Size)
	assert.Equal(t, []float64{1, 1, 0}, cohorts[0].Retention)
	assert.Equal(t, 0, cohorts[1].Size)

	// In UTC mode the first-ever session already has the earliest date.
	utc := EarliestLocal([]*models.Session{first}, all, dayWindow(1, 3))
	assert.Same(t, first, utc[0])
}

func TestScenarioRevenueByProduct(t *testing.T) {
	txs := []*models.MonetizationTransaction{
		tx("t1", "p1", "ios", "10.00", "USD", day(1).Add(time.Hour)),
		tx("t2", "p1", "android", "5.50", "USD", day(2)),
	}
	groups, cur, err := RevenueByProduct(txs, dayWindow(1, 2), "")
	require.NoError(t, err)
	assert.Equal(t, "USD", cur)
	require.Len(t, groups, 1)
	assert.Equal(t, "p1", groups[0].Key)
	assert.Equal(t, json.Number("15.50"), groups[0].Amount)

	raw, err := json.Marshal(groups[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"p1","amount":15.50,"transactions":2}`, string(raw))
}

func TestRevenueSumMatchesInput(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var txs []*models.MonetizationTransaction
	want := decimal.Zero
	for i := 0; i < 100; i++ {
		amt := decimal.New(int64(r.Intn(10000)), -2)
		want = want.Add(amt)
		txs = append(txs, &models.MonetizationTransaction{
			ID: string(rune(i)), PlayerID: "p", ProductID: "x", Amount: amt, Currency: "EUR",
			Timestamp: day(1 + r.Intn(10)).Add(time.Duration(r.Intn(86400)) * time.Second),
		})
	}

	res, err := Revenue(txs, dayWindow(1, 10), "")
	require.NoError(t, err)
	assert.Equal(t, json.Number(want.StringFixed(2)), res.Summary.Total)

	got := decimal.Zero
	for _, p := range res.Series {
		got = got.Add(decimal.RequireFromString(string(p.Amount)))
	}
	assert.True(t, want.Equal(got), "series sum %s != %s", got, want)
}

func TestRevenueMixedCurrency(t *testing.T) {
	txs := []*models.MonetizationTransaction{
		tx("t1", "p1", "ios", "1.00", "USD", day(1)),
		tx("t2", "p2", "ios", "1.00", "EUR", day(1)),
	}
	_, err := Revenue(txs, dayWindow(1, 1), "")
	assert.ErrorIs(t, err, ErrInconsistentCurrency)

	_, _, err = RevenueByPlatform(txs, dayWindow(1, 1), "")
	assert.ErrorIs(t, err, ErrInconsistentCurrency)

	res, err := Revenue(txs, dayWindow(1, 1), "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", res.Summary.Currency)
	assert.Equal(t, json.Number("1.00"), res.Summary.Total)
}

func TestRevenueRankingTies(t *testing.T) {
	txs := []*models.MonetizationTransaction{
		tx("t1", "b", "ios", "2.00", "USD", day(1)),
		tx("t2", "a", "ios", "2.00", "USD", day(1)),
		tx("t3", "c", "ios", "3.00", "USD", day(1)),
	}
	groups, _, err := RevenueByProduct(txs, dayWindow(1, 1), "")
	require.NoError(t, err)
	keys := []string{groups[0].Key, groups[1].Key, groups[2].Key}
	assert.Equal(t, []string{"c", "a", "b"}, keys)
}

func TestRevenueEmpty(t *testing.T) {
	res, err := Revenue(nil, dayWindow(1, 3), "")
	require.NoError(t, err)
	assert.Len(t, res.Series, 3)
	assert.Equal(t, json.Number("0.00"), res.Summary.Total)
	assert.Empty(t, res.ByPlatform)
}

func TestScenarioTopEvents(t *testing.T) {
	var events []*models.Event
	add := func(name string, n int) {
		for i := 0; i < n; i++ {
			events = append(events, &models.Event{PlayerID: "p", EventName: name, Timestamp: day(1).Add(time.Duration(i) * time.Minute)})
		}
	}
	add("level_start", 5)
	add("level_end", 5)
	add("purchase", 3)

	res := TopEvents(events, dayWindow(1, 1), 2, "")
	assert.Equal(t, []EventCount{{"level_end", 5}, {"level_start", 5}}, res.Top)
	assert.Equal(t, int64(13), res.Total)
	assert.Equal(t, int64(13), res.Series[0].Count)
}

func TestTopEventsTypeFilter(t *testing.T) {
	events := []*models.Event{
		{EventName: "buy", EventType: "economy", Timestamp: day(1)},
		{EventName: "jump", EventType: "gameplay", Timestamp: day(1)},
	}
	res := TopEvents(events, dayWindow(1, 1), 0, "economy")
	assert.Equal(t, []EventCount{{"buy", 1}}, res.Top)
}

func TestPerformanceWeighting(t *testing.T) {
	samples := []*models.PerformanceSample{
		{DeviceModel: "m1", OSVersion: "1", Date: day(1), AvgFPS: 60, AvgLoadTime: 1, CrashCount: 1, SampleCount: 100},
		{DeviceModel: "m1", OSVersion: "1", Date: day(2), AvgFPS: 30, AvgLoadTime: 3, CrashCount: 2, SampleCount: 1},
		{DeviceModel: "a0", OSVersion: "1", Date: day(2), AvgFPS: 50, AvgLoadTime: 2, SampleCount: 5},
		{DeviceModel: "m1", OSVersion: "1", Date: day(9), AvgFPS: 10, SampleCount: 5},
	}
	res := Performance(samples, dayWindow(1, 2))
	require.Len(t, res.Devices, 2)
	assert.Equal(t, "a0", res.Devices[0].DeviceModel)

	m1 := res.Devices[1]
	assert.Equal(t, 45.0, m1.AvgFPS)
	assert.Equal(t, 2.0, m1.AvgLoadTime)
	assert.Equal(t, int64(3), m1.CrashCount)
	assert.Equal(t, 2, m1.Days)

	require.Len(t, res.Series, 2)
	assert.Equal(t, 40.0, res.Series[1].AvgFPS)
	assert.Equal(t, 2, res.Series[1].Rows)
}

func TestSessionDuration(t *testing.T) {
	sessions := []*models.Session{
		closedSess("a", day(1), 10),
		closedSess("b", day(1), 20),
		closedSess("c", day(2), 30),
		closedSess("d", day(2), 40),
		sess("open", day(2)),
		closedSess("out", day(5), 1000),
	}
	res := SessionDuration(sessions, dayWindow(1, 2))
	assert.Equal(t, 4, res.Summary.Sessions)
	assert.Equal(t, 25.0, res.Summary.MeanSeconds)
	assert.Equal(t, int64(20), res.Summary.P50Seconds)
	assert.Equal(t, int64(40), res.Summary.P90Seconds)
	assert.Equal(t, 15.0, res.Series[0].MeanSeconds)
	assert.Equal(t, 35.0, res.Series[1].MeanSeconds)
}

func TestNearestRank(t *testing.T) {
	data := []int64{15, 20, 35, 40, 50}
	assert.Equal(t, int64(35), NearestRank(data, 50))
	assert.Equal(t, int64(50), NearestRank(data, 90))
	assert.Equal(t, int64(15), NearestRank(data, 0))
	assert.Equal(t, int64(0), NearestRank(nil, 50))
}

func TestProgression(t *testing.T) {
	at := func(level int, status models.CompletionStatus, score int64, stars int) *models.ProgressionAttempt {
		return &models.ProgressionAttempt{PlayerID: "p", LevelNumber: level, StartTime: day(1), CompletionStatus: status, Score: score, Stars: stars, Attempts: 1}
	}
	stats := Progression([]*models.ProgressionAttempt{
		at(2, models.CompletionCompleted, 100, 3),
		at(2, models.CompletionFailed, 0, 0),
		at(1, models.CompletionCompleted, 50, 1),
		at(1, models.CompletionCompleted, 150, 3),
		at(1, models.CompletionStarted, 0, 0),
	}, dayWindow(1, 1))

	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].LevelNumber)
	assert.Equal(t, 1.0, stats[0].CompletionRate)
	assert.Equal(t, 100.0, stats[0].MeanScore)
	assert.Equal(t, 2.0, stats[0].MeanStars)
	assert.Equal(t, 0.5, stats[1].CompletionRate)
}

func TestEmptyInputsAreWellFormed(t *testing.T) {
	w := dayWindow(1, 3)
	assert.Len(t, ActiveUsers(nil, nil, w), 3)
	assert.Len(t, ActiveDays(nil, nil, w), 3)
	assert.Len(t, Retention(nil, nil, w, 5), 3)
	assert.Empty(t, TopEvents(nil, w, 3, "").Top)
	assert.Empty(t, Performance(nil, w).Devices)
	assert.Equal(t, 0, SessionDuration(nil, w).Summary.Sessions)
	assert.Empty(t, Progression(nil, w))
}
