package storage

import (
	"context"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/perf"
)

// WithEvents returns a Store that serves the event stream from events and
// everything else from base.
func WithEvents(base Store, events EventRepo) Store {
	return &eventOverlay{Store: base, events: events}
}

type eventOverlay struct {
	Store
	events EventRepo
}

func (o *eventOverlay) InsertEvents(ctx context.Context, events []*models.Event) error {
	return o.events.InsertEvents(ctx, events)
}

func (o *eventOverlay) ListEvents(ctx context.Context, gameID string, r TimeRange) ([]*models.Event, error) {
	return o.events.ListEvents(ctx, gameID, r)
}

// WithPerformance returns a Store that folds and lists performance rows
// through f and serves everything else from base.
func WithPerformance(base Store, f perf.Folder) Store {
	return &perfOverlay{Store: base, folder: f}
}

type perfOverlay struct {
	Store
	folder perf.Folder
}

func (o *perfOverlay) FoldPerformance(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error) {
	return o.folder.Fold(ctx, r)
}

func (o *perfOverlay) ListPerformance(ctx context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error) {
	return o.folder.List(ctx, gameID, from, to)
}
