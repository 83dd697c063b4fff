// Package query is the analytics façade: it validates a request, loads one
// snapshot of the needed streams and fans the metrics out to the
// aggregators.
package query

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// ErrStoreUnavailable fails a whole query when a snapshot read fails.
var ErrStoreUnavailable = errors.New("store unavailable")

// ValidationError rejects a whole request before any aggregation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err rejects the request as malformed.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Filters narrow individual metrics. Unset fields use the metric defaults.
type Filters struct {
	Currency  string `json:"currency,omitempty"`
	TopN      *int   `json:"top_n,omitempty"`
	EventType string `json:"event_type,omitempty"`
	MaxOffset *int   `json:"max_offset,omitempty"`
}

type Request struct {
	GameID      string   `json:"game_id"`
	Metrics     []string `json:"metrics"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Granularity string   `json:"granularity"`
	Timezone    string   `json:"timezone,omitempty"`
	Filters     Filters  `json:"filters"`
}

// plan is a validated request.
type plan struct {
	gameID      string
	metrics     []string
	start, end  time.Time
	granularity bucket.Granularity
	mode        bucket.Mode
	filters     Filters
}

func (p *plan) wants(names ...string) bool {
	for _, m := range p.metrics {
		for _, n := range names {
			if m == n {
				return true
			}
		}
	}
	return false
}

func (e *Engine) validate(req *Request) (*plan, error) {
	p := &plan{gameID: strings.TrimSpace(req.GameID), filters: req.Filters}
	if p.gameID == "" {
		return nil, invalid("game_id is required")
	}

	var err error
	if p.start, err = time.ParseInLocation(models.DateLayout, req.StartDate, time.UTC); err != nil {
		return nil, invalid("start_date must be YYYY-MM-DD, got %q", req.StartDate)
	}
	if p.end, err = time.ParseInLocation(models.DateLayout, req.EndDate, time.UTC); err != nil {
		return nil, invalid("end_date must be YYYY-MM-DD, got %q", req.EndDate)
	}
	if p.end.Before(p.start) {
		return nil, invalid("end_date %s is before start_date %s", req.EndDate, req.StartDate)
	}
	days := int(p.end.Sub(p.start)/(24*time.Hour)) + 1
	if e.cfg.MaxRangeDays > 0 && days > e.cfg.MaxRangeDays {
		return nil, invalid("date range of %d days exceeds the maximum of %d", days, e.cfg.MaxRangeDays)
	}

	gran := req.Granularity
	if gran == "" {
		gran = string(bucket.Day)
	}
	if p.granularity, err = bucket.ParseGranularity(gran); err != nil {
		return nil, invalid("%v", err)
	}
	if p.mode, err = bucket.ParseMode(req.Timezone); err != nil {
		return nil, invalid("%v", err)
	}

	if len(req.Metrics) == 0 {
		return nil, invalid("metrics must name at least one metric")
	}
	seen := make(map[string]struct{}, len(req.Metrics))
	for _, m := range req.Metrics {
		m = strings.ToLower(strings.TrimSpace(m))
		if _, ok := registry[m]; !ok {
			return nil, invalid("unknown metric %q", m)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		p.metrics = append(p.metrics, m)
	}

	p.filters.Currency = strings.TrimSpace(p.filters.Currency)
	if p.filters.TopN != nil && *p.filters.TopN < 1 {
		return nil, invalid("filters.top_n must be >= 1")
	}
	if p.filters.MaxOffset != nil && *p.filters.MaxOffset < 0 {
		return nil, invalid("filters.max_offset must be >= 0")
	}
	return p, nil
}
