package analytics

import (
	"math"
	"sort"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

type DurationSummary struct {
	Sessions    int     `json:"sessions"`
	MeanSeconds float64 `json:"mean_seconds"`
	P50Seconds  int64   `json:"p50_seconds"`
	P90Seconds  int64   `json:"p90_seconds"`
}

type DurationPoint struct {
	Key         bucket.Key `json:"key"`
	Sessions    int        `json:"sessions"`
	MeanSeconds float64    `json:"mean_seconds"`
}

type SessionDurationResult struct {
	Summary DurationSummary `json:"summary"`
	Series  []DurationPoint `json:"series"`
}

// SessionDuration summarizes the durations of closed sessions starting in
// the window. Open sessions are ignored.
func SessionDuration(sessions []*models.Session, w Window) *SessionDurationResult {
	var all []int64
	type acc struct {
		sum float64
		n   int
	}
	perBucket := make(map[bucket.Key]*acc)

	for _, s := range sessions {
		if !s.Closed() || s.DurationSeconds == nil {
			continue
		}
		if !w.Contains(s.StartTime, s.TimezoneOffsetMinutes) {
			continue
		}
		d := *s.DurationSeconds
		all = append(all, d)
		k := w.Key(s.StartTime, s.TimezoneOffsetMinutes)
		if perBucket[k] == nil {
			perBucket[k] = &acc{}
		}
		perBucket[k].sum += float64(d)
		perBucket[k].n++
	}

	res := &SessionDurationResult{}
	if len(all) > 0 {
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		var sum float64
		for _, d := range all {
			sum += float64(d)
		}
		res.Summary = DurationSummary{
			Sessions:    len(all),
			MeanSeconds: sum / float64(len(all)),
			P50Seconds:  NearestRank(all, 50),
			P90Seconds:  NearestRank(all, 90),
		}
	}

	keys := w.Keys()
	res.Series = make([]DurationPoint, len(keys))
	for i, k := range keys {
		p := DurationPoint{Key: k}
		if a, ok := perBucket[k]; ok {
			p.Sessions = a.n
			p.MeanSeconds = a.sum / float64(a.n)
		}
		res.Series[i] = p
	}
	return res
}

// NearestRank returns the p-th percentile of sorted using the nearest-rank
// method: the value at rank ceil(p/100 * n).
func NearestRank(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
