package analytics

import (
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// TrailingDays is how far before the window start DAU/WAU/MAU need data.
const TrailingDays = 29

// ActiveDay holds the active-user counts of one local day. WAU and MAU are
// trailing windows of 7 and 30 days ending on Date.
type ActiveDay struct {
	Date bucket.Key `json:"date"`
	DAU  int        `json:"dau"`
	WAU  int        `json:"wau"`
	MAU  int        `json:"mau"`
}

// ActiveDays computes daily, weekly and monthly active players for every day
// of the window. A player is active on a day with at least one session start
// or event. sessions and events must cover TrailingDays before w.Start for
// the first WAU/MAU values to see full windows.
func ActiveDays(sessions []*models.Session, events []*models.Event, w Window) []ActiveDay {
	first := w.Start.AddDate(0, 0, -TrailingDays)
	n := int(w.End.Sub(first)/(24*time.Hour)) + 1
	if n <= TrailingDays {
		return []ActiveDay{}
	}

	day := bucket.New(w.Bucketer.Mode, bucket.Day)
	perDay := make([]map[string]struct{}, n)
	mark := func(ts time.Time, offset int, player string) {
		i := int(day.Date(ts, offset).Sub(first) / (24 * time.Hour))
		if i < 0 || i >= n {
			return
		}
		if perDay[i] == nil {
			perDay[i] = make(map[string]struct{})
		}
		perDay[i][player] = struct{}{}
	}
	for _, s := range sessions {
		mark(s.StartTime, s.TimezoneOffsetMinutes, s.PlayerID)
	}
	for _, e := range events {
		mark(e.Timestamp, e.TimezoneOffsetMinutes, e.PlayerID)
	}

	weekly := make(map[string]int)
	monthly := make(map[string]int)
	out := make([]ActiveDay, 0, n-TrailingDays)
	for i := 0; i < n; i++ {
		for p := range perDay[i] {
			weekly[p]++
			monthly[p]++
		}
		if i >= 7 {
			release(weekly, perDay[i-7])
		}
		if i >= 30 {
			release(monthly, perDay[i-30])
		}
		if i >= TrailingDays {
			out = append(out, ActiveDay{
				Date: bucket.Format(first.AddDate(0, 0, i), bucket.Day),
				DAU:  len(perDay[i]),
				WAU:  len(weekly),
				MAU:  len(monthly),
			})
		}
	}
	return out
}

func release(counts map[string]int, players map[string]struct{}) {
	for p := range players {
		if counts[p] <= 1 {
			delete(counts, p)
		} else {
			counts[p]--
		}
	}
}

// ActiveUsers counts distinct active players per bucket of the window's
// granularity.
func ActiveUsers(sessions []*models.Session, events []*models.Event, w Window) []CountPoint {
	sets := make(map[bucket.Key]map[string]struct{})
	mark := func(ts time.Time, offset int, player string) {
		if !w.Contains(ts, offset) {
			return
		}
		k := w.Key(ts, offset)
		if sets[k] == nil {
			sets[k] = make(map[string]struct{})
		}
		sets[k][player] = struct{}{}
	}
	for _, s := range sessions {
		mark(s.StartTime, s.TimezoneOffsetMinutes, s.PlayerID)
	}
	for _, e := range events {
		mark(e.Timestamp, e.TimezoneOffsetMinutes, e.PlayerID)
	}

	counts := make(map[bucket.Key]int64, len(sets))
	for k, set := range sets {
		counts[k] = int64(len(set))
	}
	return countSeries(w.Keys(), counts)
}

// EarliestLocal replaces each player's first-ever session by the player's
// session with the earliest local date. A session that starts later in UTC
// can fall on an earlier local day when its UTC offset is more negative, and
// a cohort must not start after a day the player was already active.
// sessions must cover every session starting at or after the given first
// sessions up to the window end.
func EarliestLocal(firstSessions, sessions []*models.Session, w Window) []*models.Session {
	earliest := make(map[string]*models.Session, len(firstSessions))
	for _, s := range firstSessions {
		earliest[s.PlayerID] = s
	}
	for _, s := range sessions {
		cur, ok := earliest[s.PlayerID]
		if !ok {
			continue
		}
		if w.Bucketer.Date(s.StartTime, s.TimezoneOffsetMinutes).Before(w.Bucketer.Date(cur.StartTime, cur.TimezoneOffsetMinutes)) {
			earliest[s.PlayerID] = s
		}
	}
	out := make([]*models.Session, 0, len(firstSessions))
	for _, s := range firstSessions {
		out = append(out, earliest[s.PlayerID])
	}
	return out
}

// NewPlayers counts, per bucket, players whose first-ever session starts in
// that bucket. firstSessions holds one session per player.
func NewPlayers(firstSessions []*models.Session, w Window) []CountPoint {
	counts := make(map[bucket.Key]int64)
	for _, s := range firstSessions {
		if w.Contains(s.StartTime, s.TimezoneOffsetMinutes) {
			counts[w.Key(s.StartTime, s.TimezoneOffsetMinutes)]++
		}
	}
	return countSeries(w.Keys(), counts)
}
