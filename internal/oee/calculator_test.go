package oee

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/savegress/oeetrack/pkg/models"
)

func newTestCalculator() *Calculator {
	return NewCalculator(DefaultConfig())
}

func approx(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %.4f, got nil", name, want)
	}
	if math.Abs(*got-want) > 0.01 {
		t.Errorf("%s: expected %.4f, got %.4f", name, want, *got)
	}
}

func TestCalculator_ScenarioA(t *testing.T) {
	c := newTestCalculator()

	res := c.Compute(Input{
		PlannedProductionTime: 480,
		TheoreticalOutput:     480,
		ActualOutput:          380,
		GoodOutput:            370,
		Downtimes:             []DowntimeEntry{{Minutes: 30, IncludedInOEE: true}},
	})

	approx(t, "availability", res.Availability, 93.75)
	approx(t, "performance", res.Performance, 79.1667)
	approx(t, "quality", res.Quality, 97.3684)
	approx(t, "oee", res.OEE, 72.27)
	if res.OEEIncludedDowntime != 30 {
		t.Errorf("expected 30 included minutes, got %v", res.OEEIncludedDowntime)
	}
}

func TestCalculator_ZeroOutput(t *testing.T) {
	c := newTestCalculator()

	res := c.Compute(Input{
		PlannedProductionTime: 480,
		TheoreticalOutput:     480,
	})

	approx(t, "performance", res.Performance, 0)
	if res.Quality != nil {
		t.Errorf("expected nil quality for zero output, got %v", *res.Quality)
	}
	if res.OEE != nil {
		t.Errorf("expected nil oee for zero output, got %v", *res.OEE)
	}
}

func TestCalculator_ZeroTheoreticalOutput(t *testing.T) {
	c := newTestCalculator()

	res := c.Compute(Input{
		PlannedProductionTime: 30,
		TheoreticalOutput:     0,
		ActualOutput:          5,
		GoodOutput:            5,
	})

	if res.Performance != nil {
		t.Errorf("expected nil performance, got %v", *res.Performance)
	}
	if res.OEE != nil {
		t.Error("expected nil oee when performance is undefined")
	}
	approx(t, "quality", res.Quality, 100)
}

func TestCalculator_AvailabilityBounds(t *testing.T) {
	c := newTestCalculator()

	tests := []struct {
		name      string
		downtimes []DowntimeEntry
		want      float64
	}{
		{"no downtime", nil, 100},
		{"excluded only", []DowntimeEntry{{Minutes: 120, IncludedInOEE: false}}, 100},
		{"partial", []DowntimeEntry{{Minutes: 60, IncludedInOEE: true}, {Minutes: 60, IncludedInOEE: false}}, 87.5},
		{"exceeds planned", []DowntimeEntry{{Minutes: 600, IncludedInOEE: true}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Compute(Input{
				PlannedProductionTime: 480,
				TheoreticalOutput:     100,
				ActualOutput:          50,
				GoodOutput:            50,
				Downtimes:             tt.downtimes,
			})
			approx(t, "availability", res.Availability, tt.want)
			if *res.Availability < 0 || *res.Availability > 100 {
				t.Errorf("availability out of bounds: %v", *res.Availability)
			}
		})
	}
}

func TestCalculator_PerformancePolicy(t *testing.T) {
	in := Input{
		PlannedProductionTime: 60,
		TheoreticalOutput:     100,
		ActualOutput:          120,
		GoodOutput:            120,
	}

	capped := NewCalculator(Config{CapPerformance: true}).Compute(in)
	approx(t, "capped performance", capped.Performance, 100)

	uncapped := NewCalculator(Config{CapPerformance: false}).Compute(in)
	approx(t, "uncapped performance", uncapped.Performance, 120)
	approx(t, "uncapped oee", uncapped.OEE, 120)
}

func TestCalculator_Idempotent(t *testing.T) {
	c := newTestCalculator()
	in := Input{
		PlannedProductionTime: 420,
		TheoreticalOutput:     840,
		ActualOutput:          700,
		GoodOutput:            690,
		Downtimes: []DowntimeEntry{
			{Minutes: 12, IncludedInOEE: true},
			{Minutes: 30, IncludedInOEE: false},
		},
	}

	first := c.Compute(in)
	second := c.Compute(in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestFromRun(t *testing.T) {
	start := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	closedEnd := start.Add(30 * time.Minute)
	thirty, ten, five := 30, 10, 5

	run := &models.ProductionRun{
		ID:                    "run-1",
		StartTime:             start,
		PlannedProductionTime: 480,
		TheoreticalOutput:     480,
		ActualOutput:          100,
		GoodOutput:            95,
	}
	downtimes := []models.Downtime{
		{ID: "a", CategoryID: "breakdown", StartTime: start, EndTime: &closedEnd, DurationMinutes: &thirty},
		{ID: "b", CategoryID: "lunch", StartTime: start, EndTime: &closedEnd, DurationMinutes: &ten},
		{ID: "c", CategoryID: "unknown", StartTime: start, EndTime: &closedEnd, DurationMinutes: &five},
		{ID: "d", CategoryID: "breakdown", StartTime: start.Add(time.Hour)},
	}
	categories := map[string]models.DowntimeCategory{
		"breakdown": {ID: "breakdown", Type: models.CategoryUnplanned, IncludedInOEE: true},
		"lunch":     {ID: "lunch", Type: models.CategoryPlanned, IncludedInOEE: false},
	}

	in := FromRun(run, downtimes, categories)
	if len(in.Downtimes) != 3 {
		t.Fatalf("expected open downtime skipped, got %d entries", len(in.Downtimes))
	}
	if !in.Downtimes[2].IncludedInOEE {
		t.Error("unknown category should count toward OEE")
	}

	res := newTestCalculator().Compute(in)
	approx(t, "availability", res.Availability, 100*(480-35)/480.0)

	if got := ActualProductionTime(start, start.Add(8*time.Hour), in); got != 445 {
		t.Errorf("expected 445 actual minutes, got %v", got)
	}
}

func TestCalculator_Live(t *testing.T) {
	c := newTestCalculator()
	start := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	twenty := 20

	run := &models.ProductionRun{
		ID:                    "run-live",
		StartTime:             start,
		PlannedProductionTime: 480,
		TheoreticalOutput:     480,
		ActualOutput:          60,
		GoodOutput:            60,
	}
	downtimes := []models.Downtime{
		{ID: "closed", CategoryID: "x", StartTime: start, EndTime: &end, DurationMinutes: &twenty},
		{ID: "open", CategoryID: "x", StartTime: start.Add(90 * time.Minute)},
	}

	now := start.Add(2 * time.Hour)
	snap := c.Live(run, downtimes, nil, now)

	if snap.Status != models.RunStatusActive {
		t.Errorf("expected active status, got %s", snap.Status)
	}
	if snap.ActualProductionTime != 100 {
		t.Errorf("expected 100 provisional minutes, got %v", snap.ActualProductionTime)
	}
	approx(t, "availability", snap.Availability, 100*(480-20)/480.0)
	if run.AvailabilityPct != nil {
		t.Error("live snapshot must not write onto the run")
	}
}

func TestCalculator_Evaluate(t *testing.T) {
	c := newTestCalculator()

	res := c.Compute(Input{
		PlannedProductionTime: 100,
		TheoreticalOutput:     100,
		ActualOutput:          100,
		GoodOutput:            100,
	})
	eval := c.Evaluate(res)
	if !eval.MeetsOEETarget || !eval.MeetsQualityTarget {
		t.Errorf("perfect run should meet targets: %+v", eval)
	}
	approx(t, "availability loss", eval.AvailabilityLoss, 0)

	empty := c.Evaluate(Result{})
	if empty.MeetsOEETarget || empty.QualityLoss != nil {
		t.Errorf("undefined components should neither meet targets nor report loss: %+v", empty)
	}
}

func TestApplyAndResultOf(t *testing.T) {
	run := &models.ProductionRun{}
	res := newTestCalculator().Compute(Input{
		PlannedProductionTime: 60,
		TheoreticalOutput:     60,
		ActualOutput:          30,
		GoodOutput:            30,
	})

	Apply(run, res)
	back := ResultOf(run)
	if !reflect.DeepEqual(back.OEE, res.OEE) || !reflect.DeepEqual(back.Quality, res.Quality) {
		t.Errorf("round trip mismatch: %+v vs %+v", back, res)
	}
}
