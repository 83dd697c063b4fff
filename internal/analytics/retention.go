package analytics

import (
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// DefaultMaxOffset caps retention offsets when the query sets none.
const DefaultMaxOffset = 30

// Cohort is the retention curve of players whose first session falls in one
// bucket. Retention[n] is the fraction of the cohort with a session in the
// bucket n steps later.
type Cohort struct {
	Cohort    bucket.Key `json:"cohort"`
	Size      int        `json:"size"`
	Retention []float64  `json:"retention"`
}

// Retention builds one cohort per bucket of the window. firstSessions holds
// each player's first-ever session; sessions holds every session from the
// window start to its end. Offsets stop at the window end and at maxOffset.
func Retention(firstSessions, sessions []*models.Session, w Window, maxOffset int) []Cohort {
	if maxOffset < 0 {
		maxOffset = 0
	}
	keys := w.Keys()
	idx := bucket.Index(keys)

	cohortOf := make(map[string]int)
	sizes := make([]int, len(keys))
	for _, s := range firstSessions {
		if !w.Contains(s.StartTime, s.TimezoneOffsetMinutes) {
			continue
		}
		i, ok := idx[w.Key(s.StartTime, s.TimezoneOffsetMinutes)]
		if !ok {
			continue
		}
		cohortOf[s.PlayerID] = i
		sizes[i]++
	}

	// seen[i][offset] counts cohort-i players active offset buckets later.
	seen := make([]map[int]map[string]struct{}, len(keys))
	mark := func(player string, ci, at int) {
		off := at - ci
		if off < 0 || off > maxOffset {
			return
		}
		if seen[ci] == nil {
			seen[ci] = make(map[int]map[string]struct{})
		}
		if seen[ci][off] == nil {
			seen[ci][off] = make(map[string]struct{})
		}
		seen[ci][off][player] = struct{}{}
	}
	for player, ci := range cohortOf {
		mark(player, ci, ci)
	}
	for _, s := range sessions {
		ci, ok := cohortOf[s.PlayerID]
		if !ok || !w.Contains(s.StartTime, s.TimezoneOffsetMinutes) {
			continue
		}
		if at, ok := idx[w.Key(s.StartTime, s.TimezoneOffsetMinutes)]; ok {
			mark(s.PlayerID, ci, at)
		}
	}

	out := make([]Cohort, len(keys))
	for i, k := range keys {
		c := Cohort{Cohort: k, Size: sizes[i], Retention: []float64{}}
		if sizes[i] > 0 {
			last := len(keys) - 1 - i
			if last > maxOffset {
				last = maxOffset
			}
			c.Retention = make([]float64, last+1)
			for off := 0; off <= last; off++ {
				c.Retention[off] = float64(len(seen[i][off])) / float64(sizes[i])
			}
		}
		out[i] = c
	}
	return out
}
