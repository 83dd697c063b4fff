// Package analytics holds the metric aggregators. Every aggregator is a pure
// function of the records it is given and the query window; none of them
// touches storage or shared state.
package analytics

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
)

// ErrInconsistentCurrency is returned by revenue aggregators when the input
// mixes currencies.
var ErrInconsistentCurrency = errors.New("inconsistent currency")

// Window is the inclusive local date range of a query and the bucketer that
// partitions it.
type Window struct {
	Start    time.Time
	End      time.Time
	Bucketer bucket.Bucketer
}

func NewWindow(start, end time.Time, m bucket.Mode, g bucket.Granularity) Window {
	return Window{
		Start:    bucket.DateOf(start),
		End:      bucket.DateOf(end),
		Bucketer: bucket.New(m, g),
	}
}

// Keys returns the full ordered bucket sequence of the window.
func (w Window) Keys() []bucket.Key {
	return w.Bucketer.Enumerate(w.Start, w.End)
}

// Contains reports whether a record's local date falls in the window.
func (w Window) Contains(ts time.Time, offset int) bool {
	return w.Bucketer.InRange(ts, offset, w.Start, w.End)
}

// Key returns the bucket of a record.
func (w Window) Key(ts time.Time, offset int) bucket.Key {
	return w.Bucketer.Key(ts, offset)
}

// Days returns the number of calendar days in the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start)/(24*time.Hour)) + 1
}

// CountPoint is one bucket of a count series.
type CountPoint struct {
	Key   bucket.Key `json:"key"`
	Count int64      `json:"count"`
}

// MoneyPoint is one bucket of a monetary series.
type MoneyPoint struct {
	Key    bucket.Key  `json:"key"`
	Amount json.Number `json:"amount"`
}

// Money renders an exact amount with two decimals as a JSON number.
func Money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func countSeries(keys []bucket.Key, counts map[bucket.Key]int64) []CountPoint {
	out := make([]CountPoint, len(keys))
	for i, k := range keys {
		out[i] = CountPoint{Key: k, Count: counts[k]}
	}
	return out
}
