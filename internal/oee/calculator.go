package oee

import (
	"math"
	"time"

	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/pkg/models"
)

// Config holds OEE calculation policy and targets (0-100 scale)
type Config struct {
	// CapPerformance clamps performance at 100 when output beats the theoretical rate
	CapPerformance     bool    `yaml:"cap_performance"`
	TargetOEE          float64 `yaml:"target_oee"`
	TargetAvailability float64 `yaml:"target_availability"`
	TargetPerformance  float64 `yaml:"target_performance"`
	TargetQuality      float64 `yaml:"target_quality"`
}

// DefaultConfig returns world-class OEE targets with performance capping enabled
func DefaultConfig() Config {
	return Config{
		CapPerformance:     true,
		TargetOEE:          85,
		TargetAvailability: 90,
		TargetPerformance:  95,
		TargetQuality:      99,
	}
}

// Calculator derives OEE components from run figures. It holds no state beyond its policy.
type Calculator struct {
	config Config
}

// NewCalculator creates a new OEE calculator
func NewCalculator(config Config) *Calculator {
	if config.TargetOEE == 0 {
		config.TargetOEE = 85
	}
	if config.TargetAvailability == 0 {
		config.TargetAvailability = 90
	}
	if config.TargetPerformance == 0 {
		config.TargetPerformance = 95
	}
	if config.TargetQuality == 0 {
		config.TargetQuality = 99
	}
	return &Calculator{config: config}
}

// Config returns the calculator policy
func (c *Calculator) Config() Config {
	return c.config
}

// DowntimeEntry is one closed stoppage as seen by the calculator
type DowntimeEntry struct {
	Minutes       float64
	IncludedInOEE bool
}

// Input contains everything needed to compute OEE for one run
type Input struct {
	PlannedProductionTime float64 // minutes
	TheoreticalOutput     int
	ActualOutput          int
	GoodOutput            int
	Downtimes             []DowntimeEntry
}

// Result holds OEE percentages. A nil component means it is undefined for the input.
type Result struct {
	Availability        *float64 `json:"availability_pct"`
	Performance         *float64 `json:"performance_pct"`
	Quality             *float64 `json:"quality_pct"`
	OEE                 *float64 `json:"oee_pct"`
	OEEIncludedDowntime float64  `json:"oee_included_downtime_minutes"`
}

// Compute calculates availability, performance, quality and OEE
func (c *Calculator) Compute(in Input) Result {
	var res Result

	for _, dt := range in.Downtimes {
		if dt.IncludedInOEE {
			res.OEEIncludedDowntime += dt.Minutes
		}
	}

	// Availability = (Planned - Included Downtime) / Planned
	if in.PlannedProductionTime > 0 {
		availability := 100 * (in.PlannedProductionTime - res.OEEIncludedDowntime) / in.PlannedProductionTime
		res.Availability = ptr(clamp(availability, 0, 100))
	}

	// Performance = Actual Output / Theoretical Output
	if in.TheoreticalOutput > 0 {
		performance := 100 * float64(in.ActualOutput) / float64(in.TheoreticalOutput)
		if c.config.CapPerformance {
			performance = clamp(performance, 0, 100)
		} else {
			performance = math.Max(performance, 0)
		}
		res.Performance = ptr(performance)
	}

	// Quality = Good Output / Actual Output; zero output leaves it undefined
	if in.ActualOutput > 0 {
		res.Quality = ptr(clamp(100*float64(in.GoodOutput)/float64(in.ActualOutput), 0, 100))
	}

	// OEE = Availability × Performance × Quality
	if res.Availability != nil && res.Performance != nil && res.Quality != nil {
		res.OEE = ptr(*res.Availability * *res.Performance * *res.Quality / 10000)
	}

	return res
}

// FromRun builds calculator input from a run and its downtimes. Open downtimes are
// skipped and categories missing from the map count toward OEE.
func FromRun(run *models.ProductionRun, downtimes []models.Downtime, categories map[string]models.DowntimeCategory) Input {
	in := Input{
		PlannedProductionTime: run.PlannedProductionTime,
		TheoreticalOutput:     run.TheoreticalOutput,
		ActualOutput:          run.ActualOutput,
		GoodOutput:            run.GoodOutput,
	}

	for _, dt := range downtimes {
		if dt.IsOpen() || dt.DurationMinutes == nil {
			continue
		}
		included := true
		if cat, ok := categories[dt.CategoryID]; ok {
			included = cat.IncludedInOEE
		}
		in.Downtimes = append(in.Downtimes, DowntimeEntry{
			Minutes:       float64(*dt.DurationMinutes),
			IncludedInOEE: included,
		})
	}

	return in
}

// ActualProductionTime returns elapsed run time minus included downtime, clamped at zero
func ActualProductionTime(start, end time.Time, in Input) float64 {
	var included float64
	for _, dt := range in.Downtimes {
		if dt.IncludedInOEE {
			included += dt.Minutes
		}
	}
	return math.Max(interval.ElapsedMinutes(start, end)-included, 0)
}

// Snapshot is a provisional OEE view of a run that must not be persisted
type Snapshot struct {
	RunID                string           `json:"run_id"`
	Status               models.RunStatus `json:"status"`
	AsOf                 time.Time        `json:"as_of"`
	ActualProductionTime float64          `json:"actual_production_time"`
	Result
}

// Live computes a snapshot of an active run using now as the provisional end time.
// Only closed downtimes contribute.
func (c *Calculator) Live(run *models.ProductionRun, downtimes []models.Downtime, categories map[string]models.DowntimeCategory, now time.Time) Snapshot {
	in := FromRun(run, downtimes, categories)
	return Snapshot{
		RunID:                run.ID,
		Status:               run.Status(),
		AsOf:                 now,
		ActualProductionTime: ActualProductionTime(run.StartTime, now, in),
		Result:               c.Compute(in),
	}
}

// Evaluation compares a result against the configured targets
type Evaluation struct {
	AvailabilityLoss        *float64 `json:"availability_loss"`
	PerformanceLoss         *float64 `json:"performance_loss"`
	QualityLoss             *float64 `json:"quality_loss"`
	MeetsOEETarget          bool     `json:"meets_oee_target"`
	MeetsAvailabilityTarget bool     `json:"meets_availability_target"`
	MeetsPerformanceTarget  bool     `json:"meets_performance_target"`
	MeetsQualityTarget      bool     `json:"meets_quality_target"`
}

// Evaluate derives losses and target checks. Undefined components never meet a target.
func (c *Calculator) Evaluate(res Result) Evaluation {
	return Evaluation{
		AvailabilityLoss:        loss(res.Availability),
		PerformanceLoss:         loss(res.Performance),
		QualityLoss:             loss(res.Quality),
		MeetsOEETarget:          meets(res.OEE, c.config.TargetOEE),
		MeetsAvailabilityTarget: meets(res.Availability, c.config.TargetAvailability),
		MeetsPerformanceTarget:  meets(res.Performance, c.config.TargetPerformance),
		MeetsQualityTarget:      meets(res.Quality, c.config.TargetQuality),
	}
}

// Apply writes a result onto a run's derived fields
func Apply(run *models.ProductionRun, res Result) {
	run.AvailabilityPct = res.Availability
	run.PerformancePct = res.Performance
	run.QualityPct = res.Quality
	run.OEEPct = res.OEE
}

// ResultOf reads persisted percentages back off a run
func ResultOf(run *models.ProductionRun) Result {
	return Result{
		Availability: run.AvailabilityPct,
		Performance:  run.PerformancePct,
		Quality:      run.QualityPct,
		OEE:          run.OEEPct,
	}
}

func loss(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptr(math.Max(100-*v, 0))
}

func meets(v *float64, target float64) bool {
	return v != nil && *v >= target
}

func ptr(v float64) *float64 {
	return &v
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
