package production

import (
	"context"
	"math"
	"time"

	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/internal/lock"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

// StartRunRequest opens a production run
type StartRunRequest struct {
	MachineID string `json:"machine_id"`
	ProductID string `json:"product_id"`
	ShiftID   string `json:"shift_id"`
	// PlannedProductionTime in minutes; zero seeds it from the shift length
	PlannedProductionTime float64   `json:"planned_production_time"`
	StartTime             time.Time `json:"start_time"`
	Notes                 string    `json:"notes,omitempty"`
}

func (r StartRunRequest) validate() error {
	switch {
	case r.MachineID == "":
		return invalid("machine_id", "is required")
	case r.ProductID == "":
		return invalid("product_id", "is required")
	case r.ShiftID == "":
		return invalid("shift_id", "is required")
	case r.PlannedProductionTime < 0 || math.IsNaN(r.PlannedProductionTime) || math.IsInf(r.PlannedProductionTime, 0):
		return invalid("planned_production_time", "must be a positive number of minutes")
	}
	return nil
}

// Counts are the output counters of a run
type Counts struct {
	ActualOutput int `json:"actual_output"`
	GoodOutput   int `json:"good_output"`
	DefectOutput int `json:"defect_output"`
}

func (c Counts) validate() error {
	switch {
	case c.ActualOutput < 0:
		return invalid("actual_output", "must not be negative")
	case c.GoodOutput < 0:
		return invalid("good_output", "must not be negative")
	case c.DefectOutput < 0:
		return invalid("defect_output", "must not be negative")
	case c.GoodOutput+c.DefectOutput > c.ActualOutput:
		return invalid("good_output", "good (%d) + defect (%d) exceeds actual output (%d)", c.GoodOutput, c.DefectOutput, c.ActualOutput)
	}
	return nil
}

// EndRunRequest completes a production run
type EndRunRequest struct {
	RunID string `json:"-"`
	Counts
	EndTime time.Time `json:"end_time"`
}

// TheoreticalOutput is floor(planned seconds / cycle time)
func TheoreticalOutput(plannedMinutes, cycleTimeSeconds float64) int {
	if plannedMinutes <= 0 || cycleTimeSeconds <= 0 {
		return 0
	}
	// tolerate float error on exact multiples
	return int(math.Floor(plannedMinutes*60/cycleTimeSeconds + 1e-9))
}

// StartRun creates an ACTIVE run. A machine can have only one active run.
func (s *Service) StartRun(ctx context.Context, req StartRunRequest) (*models.ProductionRun, error) {
	const op = "start_run"
	if err := req.validate(); err != nil {
		return nil, s.reject(op, err)
	}
	start := s.timeOrNow(req.StartTime)

	var run *models.ProductionRun
	err := s.withLock(ctx, lock.MachineKey(req.MachineID), func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetMachine(ctx, req.MachineID); err != nil {
				return fromStore(err, "machine", req.MachineID)
			}
			product, err := tx.GetProduct(ctx, req.ProductID)
			if err != nil {
				return fromStore(err, "product", req.ProductID)
			}
			shift, err := tx.GetShift(ctx, req.ShiftID)
			if err != nil {
				return fromStore(err, "shift", req.ShiftID)
			}

			if product.TheoreticalCycleTime <= 0 {
				return invalid("product_id", "product %s has no positive theoretical cycle time", product.ID)
			}

			planned := req.PlannedProductionTime
			if planned == 0 {
				planned, err = interval.ShiftMinutes(shift.StartTime, shift.EndTime)
				if err != nil {
					return invalid("shift_id", "cannot derive planned time: %v", err)
				}
			}
			if planned <= 0 {
				return invalid("planned_production_time", "must be greater than zero")
			}

			if err := tx.LockMachine(ctx, req.MachineID); err != nil {
				return err
			}
			active, err := tx.ActiveRunForMachine(ctx, req.MachineID)
			if err != nil {
				return err
			}
			if active != nil {
				return conflict("machine %s already has active run %s", req.MachineID, active.ID)
			}

			now := s.now()
			run = &models.ProductionRun{
				ID:                    s.newID(),
				MachineID:             req.MachineID,
				ProductID:             req.ProductID,
				ShiftID:               req.ShiftID,
				StartTime:             start,
				PlannedProductionTime: planned,
				TheoreticalOutput:     TheoreticalOutput(planned, product.TheoreticalCycleTime),
				Notes:                 req.Notes,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			return fromStore(tx.InsertRun(ctx, run), "production run", run.ID)
		})
	})
	if err != nil {
		return nil, s.reject(op, err)
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.Inc()
	}
	s.log.Info("production run started",
		logger.String("run_id", run.ID),
		logger.String("machine_id", run.MachineID),
		logger.String("product_id", run.ProductID),
		logger.Float64("planned_production_time", run.PlannedProductionTime),
		logger.Int("theoretical_output", run.TheoreticalOutput),
	)
	return run, nil
}

// EndRun completes an ACTIVE run and persists its OEE. The run, its closed
// downtimes and all derived fields are written in a single transaction.
func (s *Service) EndRun(ctx context.Context, req EndRunRequest) (*models.ProductionRun, error) {
	const op = "end_run"
	if req.RunID == "" {
		return nil, s.reject(op, invalid("run_id", "is required"))
	}
	if err := req.Counts.validate(); err != nil {
		return nil, s.reject(op, err)
	}
	end := s.timeOrNow(req.EndTime)

	var (
		run        *models.ProductionRun
		autoClosed *models.Downtime
		result     oee.Result
	)
	err := s.withLock(ctx, lock.RunKey(req.RunID), func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.LockRun(ctx, req.RunID); err != nil {
				return err
			}
			var err error
			run, err = tx.GetRun(ctx, req.RunID)
			if err != nil {
				return fromStore(err, "production run", req.RunID)
			}
			if !run.IsActive() {
				return badState("production run %s is already completed", run.ID)
			}
			runSpan := interval.Closed(run.StartTime, end)
			if err := runSpan.Validate(); err != nil {
				return invalid("end_time", "%v: run started %s", err, run.StartTime.Format(time.RFC3339))
			}

			open, err := tx.OpenDowntimeForRun(ctx, run.ID)
			if err != nil {
				return err
			}
			if open != nil {
				if s.config.OpenDowntimePolicy == Reject {
					return badState("production run %s has open downtime %s", run.ID, open.ID)
				}
				if err := interval.Closed(open.StartTime, end).Validate(); err != nil {
					return invalid("end_time", "%v: open downtime started %s", err, open.StartTime.Format(time.RFC3339))
				}
				closeDowntime(open, end)
				if err := tx.UpdateDowntime(ctx, open); err != nil {
					return fromStore(err, "downtime", open.ID)
				}
				autoClosed = open
			}

			downtimes, err := tx.ListDowntimes(ctx, run.ID)
			if err != nil {
				return err
			}
			for i := range downtimes {
				dt := &downtimes[i]
				if !runSpan.Contains(span(dt)) {
					return invalid("end_time", "precedes end of downtime %s", dt.ID)
				}
			}
			categories, err := s.categories(ctx, tx)
			if err != nil {
				return err
			}

			run.ActualOutput = req.ActualOutput
			run.GoodOutput = req.GoodOutput
			run.DefectOutput = req.DefectOutput

			in := oee.FromRun(run, downtimes, categories)
			result = s.calc.Compute(in)
			actual := oee.ActualProductionTime(run.StartTime, end, in)

			run.EndTime = &end
			run.ActualProductionTime = &actual
			oee.Apply(run, result)
			run.UpdatedAt = s.now()

			return fromStore(tx.UpdateRun(ctx, run), "production run", run.ID)
		})
	})
	if err != nil {
		return nil, s.reject(op, err)
	}

	if autoClosed != nil {
		s.observeClosed(ctx, autoClosed)
		s.log.Info("open downtime closed at run end",
			logger.String("run_id", run.ID),
			logger.String("downtime_id", autoClosed.ID),
			logger.Int("duration_minutes", *autoClosed.DurationMinutes),
		)
	}
	if s.metrics != nil {
		s.metrics.RunsCompleted.Inc()
		if result.OEE != nil {
			s.metrics.RunOEE.Observe(*result.OEE)
		}
	}
	s.log.Info("production run completed",
		logger.String("run_id", run.ID),
		logger.String("machine_id", run.MachineID),
		logger.Float64p("availability_pct", run.AvailabilityPct),
		logger.Float64p("performance_pct", run.PerformancePct),
		logger.Float64p("quality_pct", run.QualityPct),
		logger.Float64p("oee_pct", run.OEEPct),
	)

	for _, hook := range s.hooks {
		hook(ctx, run)
	}
	return run, nil
}

// UpdateCounts records progressive output counters on an ACTIVE run
func (s *Service) UpdateCounts(ctx context.Context, runID string, counts Counts) (*models.ProductionRun, error) {
	const op = "update_counts"
	if err := counts.validate(); err != nil {
		return nil, s.reject(op, err)
	}

	var run *models.ProductionRun
	err := s.withLock(ctx, lock.RunKey(runID), func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.LockRun(ctx, runID); err != nil {
				return err
			}
			var err error
			run, err = tx.GetRun(ctx, runID)
			if err != nil {
				return fromStore(err, "production run", runID)
			}
			if !run.IsActive() {
				return badState("production run %s is completed, counters are frozen", run.ID)
			}
			run.ActualOutput = counts.ActualOutput
			run.GoodOutput = counts.GoodOutput
			run.DefectOutput = counts.DefectOutput
			run.UpdatedAt = s.now()
			return fromStore(tx.UpdateRun(ctx, run), "production run", run.ID)
		})
	})
	if err != nil {
		return nil, s.reject(op, err)
	}
	return run, nil
}

// Snapshot returns OEE for a run. Active runs get a provisional figure computed up
// to now from closed downtimes; completed runs return their persisted values.
func (s *Service) Snapshot(ctx context.Context, runID string) (*oee.Snapshot, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fromStore(err, "production run", runID)
	}
	downtimes, err := s.store.ListDowntimes(ctx, runID)
	if err != nil {
		return nil, err
	}
	categories, err := s.categories(ctx, s.store)
	if err != nil {
		return nil, err
	}

	if run.IsActive() {
		snap := s.calc.Live(run, downtimes, categories, s.now())
		return &snap, nil
	}

	in := oee.FromRun(run, downtimes, categories)
	res := oee.ResultOf(run)
	res.OEEIncludedDowntime = s.calc.Compute(in).OEEIncludedDowntime
	snap := oee.Snapshot{
		RunID:  run.ID,
		Status: run.Status(),
		AsOf:   *run.EndTime,
		Result: res,
	}
	if run.ActualProductionTime != nil {
		snap.ActualProductionTime = *run.ActualProductionTime
	}
	return &snap, nil
}

// GetRun returns a run by id
func (s *Service) GetRun(ctx context.Context, runID string) (*models.ProductionRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fromStore(err, "production run", runID)
	}
	return run, nil
}

// RunDetail returns a run together with its downtimes
func (s *Service) RunDetail(ctx context.Context, runID string) (*models.RunDetail, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	downtimes, err := s.store.ListDowntimes(ctx, runID)
	if err != nil {
		return nil, err
	}
	if downtimes == nil {
		downtimes = []models.Downtime{}
	}
	return &models.RunDetail{Run: run, Downtimes: downtimes}, nil
}

// ListRuns returns runs matching the filter ordered by start time
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]models.ProductionRun, error) {
	return s.store.ListRuns(ctx, filter)
}

// ActiveRun returns the machine's active run, or a NotFoundError when idle
func (s *Service) ActiveRun(ctx context.Context, machineID string) (*models.ProductionRun, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{MachineID: machineID, Status: models.RunStatusActive, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, &NotFoundError{Entity: "active run for machine", ID: machineID}
	}
	return &runs[0], nil
}
