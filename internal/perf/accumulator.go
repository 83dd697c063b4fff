// Package perf folds raw client performance readings into daily
// per-device aggregates.
package perf

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// Folder folds readings into daily samples and lists the result.
type Folder interface {
	// Fold incorporates one reading into its daily row and returns the row as
	// it stands after the fold.
	Fold(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error)

	// List returns the daily rows of gameID whose date lies in the inclusive
	// date range, ordered by date, device model and OS version.
	List(ctx context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error)
}

// Accumulator is an in-memory Folder. Folds on the same key are serialized by
// a per-key mutex; folds on different keys run in parallel.
type Accumulator struct {
	mu   sync.RWMutex
	rows map[models.PerformanceKey]*row
}

type row struct {
	mu     sync.Mutex
	sample models.PerformanceSample
}

func NewAccumulator() *Accumulator {
	return &Accumulator{rows: make(map[models.PerformanceKey]*row)}
}

func (a *Accumulator) Fold(_ context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key := r.Key()
	rw := a.rowFor(key)

	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.sample.Fold(r)
	out := rw.sample
	return &out, nil
}

func (a *Accumulator) rowFor(key models.PerformanceKey) *row {
	a.mu.RLock()
	rw, ok := a.rows[key]
	a.mu.RUnlock()
	if ok {
		return rw
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rw, ok = a.rows[key]; ok {
		return rw
	}
	date, _ := time.ParseInLocation(models.DateLayout, key.Date, time.UTC)
	rw = &row{sample: models.PerformanceSample{
		GameID:      key.GameID,
		DeviceModel: key.DeviceModel,
		OSVersion:   key.OSVersion,
		Date:        date,
	}}
	a.rows[key] = rw
	return rw
}

func (a *Accumulator) List(_ context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error) {
	lo, hi := from.Format(models.DateLayout), to.Format(models.DateLayout)

	a.mu.RLock()
	matched := make([]*row, 0)
	for k, rw := range a.rows {
		if k.GameID == gameID && k.Date >= lo && k.Date <= hi {
			matched = append(matched, rw)
		}
	}
	a.mu.RUnlock()

	out := make([]*models.PerformanceSample, 0, len(matched))
	for _, rw := range matched {
		rw.mu.Lock()
		s := rw.sample
		rw.mu.Unlock()
		out = append(out, &s)
	}
	SortSamples(out)
	return out, nil
}

// SortSamples orders rows by date, device model and OS version.
func SortSamples(s []*models.PerformanceSample) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].Date.Equal(s[j].Date) {
			return s[i].Date.Before(s[j].Date)
		}
		if s[i].DeviceModel != s[j].DeviceModel {
			return s[i].DeviceModel < s[j].DeviceModel
		}
		return s[i].OSVersion < s[j].OSVersion
	})
}
