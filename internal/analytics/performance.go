package analytics

import (
	"sort"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// DevicePerformance averages the daily rows of one device model and OS
// version. Every daily row weighs the same.
type DevicePerformance struct {
	DeviceModel string  `json:"device_model"`
	OSVersion   string  `json:"os_version"`
	AvgFPS      float64 `json:"avg_fps"`
	AvgLoadTime float64 `json:"avg_load_time"`
	CrashCount  int64   `json:"crash_count"`
	Days        int     `json:"days"`
	Samples     int64   `json:"samples"`
}

// PerformancePoint is one bucket of the performance series.
type PerformancePoint struct {
	Key         bucket.Key `json:"key"`
	AvgFPS      float64    `json:"avg_fps"`
	AvgLoadTime float64    `json:"avg_load_time"`
	CrashCount  int64      `json:"crash_count"`
	Rows        int        `json:"rows"`
}

type PerformanceResult struct {
	Devices []DevicePerformance `json:"devices"`
	Series  []PerformancePoint  `json:"series"`
}

type perfAcc struct {
	fps, load float64
	crashes   int64
	rows      int
	samples   int64
}

func (a *perfAcc) add(s *models.PerformanceSample) {
	a.fps += s.AvgFPS
	a.load += s.AvgLoadTime
	a.crashes += s.CrashCount
	a.rows++
	a.samples += s.SampleCount
}

func (a *perfAcc) means() (float64, float64) {
	if a.rows == 0 {
		return 0, 0
	}
	return a.fps / float64(a.rows), a.load / float64(a.rows)
}

// Performance aggregates daily rows per device model and OS version, ordered
// by model then OS version, plus a per-bucket series. Rows are already keyed
// by local date, so they are bucketed without a further offset.
func Performance(samples []*models.PerformanceSample, w Window) *PerformanceResult {
	type deviceKey struct{ model, os string }
	devices := make(map[deviceKey]*perfAcc)
	buckets := make(map[bucket.Key]*perfAcc)

	for _, s := range samples {
		d := bucket.DateOf(s.Date)
		if d.Before(w.Start) || d.After(w.End) {
			continue
		}
		dk := deviceKey{s.DeviceModel, s.OSVersion}
		if devices[dk] == nil {
			devices[dk] = &perfAcc{}
		}
		devices[dk].add(s)

		bk := bucket.Format(bucket.Truncate(d, w.Bucketer.Granularity), w.Bucketer.Granularity)
		if buckets[bk] == nil {
			buckets[bk] = &perfAcc{}
		}
		buckets[bk].add(s)
	}

	out := &PerformanceResult{Devices: make([]DevicePerformance, 0, len(devices))}
	for dk, a := range devices {
		fps, load := a.means()
		out.Devices = append(out.Devices, DevicePerformance{
			DeviceModel: dk.model,
			OSVersion:   dk.os,
			AvgFPS:      fps,
			AvgLoadTime: load,
			CrashCount:  a.crashes,
			Days:        a.rows,
			Samples:     a.samples,
		})
	}
	sort.Slice(out.Devices, func(i, j int) bool {
		if out.Devices[i].DeviceModel != out.Devices[j].DeviceModel {
			return out.Devices[i].DeviceModel < out.Devices[j].DeviceModel
		}
		return out.Devices[i].OSVersion < out.Devices[j].OSVersion
	})

	keys := w.Keys()
	out.Series = make([]PerformancePoint, len(keys))
	for i, k := range keys {
		p := PerformancePoint{Key: k}
		if a, ok := buckets[k]; ok {
			p.AvgFPS, p.AvgLoadTime = a.means()
			p.CrashCount = a.crashes
			p.Rows = a.rows
		}
		out.Series[i] = p
	}
	return out
}
