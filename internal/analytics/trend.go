package analytics

import (
	"sort"
	"time"

	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/pkg/models"
)

// Aggregate is the shared reduction over a group of runs. Averages only count
// runs where the metric is defined and stay nil when none are.
type Aggregate struct {
	AvgAvailability *float64 `json:"avg_availability"`
	AvgPerformance  *float64 `json:"avg_performance"`
	AvgQuality      *float64 `json:"avg_quality"`
	AvgOEE          *float64 `json:"avg_oee"`
	TotalOutput     int      `json:"total_output"`
	TotalGoodOutput int      `json:"total_good_output"`
	TotalRuns       int      `json:"total_runs"`
}

// TrendPoint is one time bucket of a trend series
type TrendPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Aggregate
}

// MachineSummary compares one machine against the configured targets
type MachineSummary struct {
	MachineID               string  `json:"machine_id"`
	MachineName             string  `json:"machine_name,omitempty"`
	TotalDowntime           float64 `json:"total_downtime_minutes"`
	MeetsOEETarget          bool    `json:"meets_oee_target"`
	MeetsAvailabilityTarget bool    `json:"meets_availability_target"`
	MeetsPerformanceTarget  bool    `json:"meets_performance_target"`
	MeetsQualityTarget      bool    `json:"meets_quality_target"`
	Aggregate
}

type mean struct {
	sum   float64
	count int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.count++
}

func (m mean) value() *float64 {
	if m.count == 0 {
		return nil
	}
	v := m.sum / float64(m.count)
	return &v
}

type accumulator struct {
	availability, performance, quality, oee mean
	output, good, runs                      int
}

func (a *accumulator) add(run *models.ProductionRun) {
	a.availability.add(run.AvailabilityPct)
	a.performance.add(run.PerformancePct)
	a.quality.add(run.QualityPct)
	a.oee.add(run.OEEPct)
	a.output += run.ActualOutput
	a.good += run.GoodOutput
	a.runs++
}

func (a *accumulator) aggregate() Aggregate {
	return Aggregate{
		AvgAvailability: a.availability.value(),
		AvgPerformance:  a.performance.value(),
		AvgQuality:      a.quality.value(),
		AvgOEE:          a.oee.value(),
		TotalOutput:     a.output,
		TotalGoodOutput: a.good,
		TotalRuns:       a.runs,
	}
}

// Trend buckets runs by start time truncated to the granularity in loc (UTC when
// nil). Empty buckets are not emitted; points are ordered by bucket start.
func Trend(runs []models.ProductionRun, g interval.Granularity, loc *time.Location) []TrendPoint {
	buckets := make(map[time.Time]*accumulator)
	for i := range runs {
		key := interval.Truncate(runs[i].StartTime, g, loc)
		acc, ok := buckets[key]
		if !ok {
			acc = &accumulator{}
			buckets[key] = acc
		}
		acc.add(&runs[i])
	}

	points := make([]TrendPoint, 0, len(buckets))
	for start, acc := range buckets {
		points = append(points, TrendPoint{BucketStart: start, Aggregate: acc.aggregate()})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].BucketStart.Before(points[j].BucketStart)
	})
	return points
}

// CompareMachines reduces runs per machine, ordered by machine id. downtimeByRun
// holds OEE-relevant downtime minutes per run and may be nil.
func CompareMachines(runs []models.ProductionRun, machines map[string]models.Machine, downtimeByRun map[string]float64, calc *oee.Calculator) []MachineSummary {
	groups := make(map[string]*accumulator)
	downtime := make(map[string]float64)
	for i := range runs {
		run := &runs[i]
		acc, ok := groups[run.MachineID]
		if !ok {
			acc = &accumulator{}
			groups[run.MachineID] = acc
		}
		acc.add(run)
		downtime[run.MachineID] += downtimeByRun[run.ID]
	}

	summaries := make([]MachineSummary, 0, len(groups))
	for id, acc := range groups {
		agg := acc.aggregate()
		eval := calc.Evaluate(oee.Result{
			Availability: agg.AvgAvailability,
			Performance:  agg.AvgPerformance,
			Quality:      agg.AvgQuality,
			OEE:          agg.AvgOEE,
		})
		summaries = append(summaries, MachineSummary{
			MachineID:               id,
			MachineName:             machines[id].Name,
			TotalDowntime:           downtime[id],
			MeetsOEETarget:          eval.MeetsOEETarget,
			MeetsAvailabilityTarget: eval.MeetsAvailabilityTarget,
			MeetsPerformanceTarget:  eval.MeetsPerformanceTarget,
			MeetsQualityTarget:      eval.MeetsQualityTarget,
			Aggregate:               agg,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].MachineID < summaries[j].MachineID
	})
	return summaries
}
