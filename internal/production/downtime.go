package production

import (
	"context"
	"time"

	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/internal/lock"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

// StartDowntimeRequest opens a downtime on an active run
type StartDowntimeRequest struct {
	RunID       string    `json:"production_run_id"`
	CategoryID  string    `json:"downtime_category_id"`
	StartTime   time.Time `json:"start_time"`
	Description string    `json:"description,omitempty"`
}

// StartDowntime opens a downtime. A run holds at most one open downtime and
// downtimes of a run never overlap.
func (s *Service) StartDowntime(ctx context.Context, req StartDowntimeRequest) (*models.Downtime, error) {
	const op = "start_downtime"
	switch {
	case req.RunID == "":
		return nil, s.reject(op, invalid("production_run_id", "is required"))
	case req.CategoryID == "":
		return nil, s.reject(op, invalid("downtime_category_id", "is required"))
	}
	start := s.timeOrNow(req.StartTime)

	var (
		dt       *models.Downtime
		category *models.DowntimeCategory
	)
	err := s.withLock(ctx, lock.RunKey(req.RunID), func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.LockRun(ctx, req.RunID); err != nil {
				return err
			}
			run, err := tx.GetRun(ctx, req.RunID)
			if err != nil {
				return fromStore(err, "production run", req.RunID)
			}
			category, err = tx.GetCategory(ctx, req.CategoryID)
			if err != nil {
				return fromStore(err, "downtime category", req.CategoryID)
			}
			if !run.IsActive() {
				return conflict("production run %s is completed", run.ID)
			}
			candidate := interval.Open(start)
			if !interval.Open(run.StartTime).Contains(candidate) {
				return invalid("start_time", "precedes run start %s", run.StartTime.Format(time.RFC3339))
			}

			existing, err := tx.ListDowntimes(ctx, run.ID)
			if err != nil {
				return err
			}
			for i := range existing {
				prev := &existing[i]
				if prev.IsOpen() {
					return conflict("production run %s already has open downtime %s", run.ID, prev.ID)
				}
				if span(prev).Overlaps(candidate) {
					return invalid("start_time", "overlaps downtime %s ending %s", prev.ID, prev.EndTime.Format(time.RFC3339))
				}
			}

			dt = &models.Downtime{
				ID:          s.newID(),
				RunID:       run.ID,
				CategoryID:  category.ID,
				StartTime:   start,
				Description: req.Description,
				CreatedAt:   s.now(),
			}
			return fromStore(tx.InsertDowntime(ctx, dt), "downtime", dt.ID)
		})
	})
	if err != nil {
		return nil, s.reject(op, err)
	}

	if s.metrics != nil {
		s.metrics.DowntimesStarted.WithLabelValues(string(category.Type)).Inc()
	}
	s.log.Info("downtime started",
		logger.String("downtime_id", dt.ID),
		logger.String("run_id", dt.RunID),
		logger.String("category_id", dt.CategoryID),
	)
	return dt, nil
}

// EndDowntime closes an open downtime. Run OEE is only computed at run end.
func (s *Service) EndDowntime(ctx context.Context, downtimeID string, endTime time.Time) (*models.Downtime, error) {
	const op = "end_downtime"
	if downtimeID == "" {
		return nil, s.reject(op, invalid("downtime_id", "is required"))
	}
	end := s.timeOrNow(endTime)

	found, err := s.store.GetDowntime(ctx, downtimeID)
	if err != nil {
		return nil, s.reject(op, fromStore(err, "downtime", downtimeID))
	}

	var dt *models.Downtime
	err = s.withLock(ctx, lock.RunKey(found.RunID), func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.LockRun(ctx, found.RunID); err != nil {
				return err
			}
			var err error
			dt, err = tx.GetDowntime(ctx, downtimeID)
			if err != nil {
				return fromStore(err, "downtime", downtimeID)
			}
			if !dt.IsOpen() {
				return badState("downtime %s is already closed", dt.ID)
			}
			if err := interval.Closed(dt.StartTime, end).Validate(); err != nil {
				return invalid("end_time", "%v: downtime started %s", err, dt.StartTime.Format(time.RFC3339))
			}
			closeDowntime(dt, end)
			return fromStore(tx.UpdateDowntime(ctx, dt), "downtime", dt.ID)
		})
	})
	if err != nil {
		return nil, s.reject(op, err)
	}

	s.observeClosed(ctx, dt)
	s.log.Info("downtime ended",
		logger.String("downtime_id", dt.ID),
		logger.String("run_id", dt.RunID),
		logger.Int("duration_minutes", *dt.DurationMinutes),
	)
	return dt, nil
}

// ListDowntimes returns the downtimes of a run ordered by start time
func (s *Service) ListDowntimes(ctx context.Context, runID string) ([]models.Downtime, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, fromStore(err, "production run", runID)
	}
	return s.store.ListDowntimes(ctx, runID)
}

// span returns the downtime as an interval, open while the stoppage is ongoing
func span(dt *models.Downtime) interval.Interval {
	if dt.EndTime == nil {
		return interval.Open(dt.StartTime)
	}
	return interval.Closed(dt.StartTime, *dt.EndTime)
}

func closeDowntime(dt *models.Downtime, end time.Time) {
	minutes := interval.RoundMinutes(end.Sub(dt.StartTime))
	dt.EndTime = &end
	dt.DurationMinutes = &minutes
}

func (s *Service) observeClosed(ctx context.Context, dt *models.Downtime) {
	if s.metrics == nil {
		return
	}
	kind := "unknown"
	if cat, err := s.store.GetCategory(ctx, dt.CategoryID); err == nil {
		kind = string(cat.Type)
	}
	s.metrics.DowntimesClosed.WithLabelValues(kind).Inc()
	s.metrics.DowntimeMinutes.WithLabelValues(kind).Add(float64(*dt.DurationMinutes))
}
