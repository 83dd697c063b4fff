package analytics

import (
	"sort"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// DefaultTopN is the number of events top_events returns by default.
const DefaultTopN = 10

type EventCount struct {
	Name  string `json:"event_name"`
	Count int64  `json:"count"`
}

// TopEventsResult ranks event names and carries the per-bucket totals.
type TopEventsResult struct {
	Top    []EventCount `json:"top"`
	Series []CountPoint `json:"series"`
	Total  int64        `json:"total"`
}

// TopEvents counts events by name over the window and returns the n largest,
// count descending, ties by name ascending. A non-empty eventType restricts
// the input.
func TopEvents(events []*models.Event, w Window, n int, eventType string) *TopEventsResult {
	if n <= 0 {
		n = DefaultTopN
	}

	byName := make(map[string]int64)
	perBucket := make(map[bucket.Key]int64)
	var total int64
	for _, e := range events {
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if !w.Contains(e.Timestamp, e.TimezoneOffsetMinutes) {
			continue
		}
		byName[e.EventName]++
		perBucket[w.Key(e.Timestamp, e.TimezoneOffsetMinutes)]++
		total++
	}

	ranked := make([]EventCount, 0, len(byName))
	for name, c := range byName {
		ranked = append(ranked, EventCount{Name: name, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Name < ranked[j].Name
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	return &TopEventsResult{
		Top:    ranked,
		Series: countSeries(w.Keys(), perBucket),
		Total:  total,
	}
}
