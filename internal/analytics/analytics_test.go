package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/savegress/oeetrack/internal/cache"
	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

var t0 = time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC) // Wednesday

func f64(v float64) *float64 { return &v }

func closedDowntime(id, runID, categoryID string, minutes int) models.Downtime {
	start := t0
	end := start.Add(time.Duration(minutes) * time.Minute)
	return models.Downtime{ID: id, RunID: runID, CategoryID: categoryID, StartTime: start, EndTime: &end, DurationMinutes: &minutes}
}

func completedRun(id, machineID string, start time.Time, a, p, q, o *float64, actual, good int) models.ProductionRun {
	end := start.Add(8 * time.Hour)
	return models.ProductionRun{
		ID:                    id,
		MachineID:             machineID,
		ProductID:             "p1",
		ShiftID:               "s1",
		StartTime:             start,
		EndTime:               &end,
		PlannedProductionTime: 480,
		TheoreticalOutput:     480,
		ActualOutput:          actual,
		GoodOutput:            good,
		AvailabilityPct:       a,
		PerformancePct:        p,
		QualityPct:            q,
		OEEPct:                o,
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestPareto_ScenarioC(t *testing.T) {
	categories := map[string]models.DowntimeCategory{
		"small": {ID: "small", Name: "Setup", Type: models.CategoryPlanned},
		"big":   {ID: "big", Name: "Breakdown", Type: models.CategoryUnplanned},
	}
	downtimes := []models.Downtime{
		closedDowntime("d1", "r1", "small", 50),
		closedDowntime("d2", "r1", "big", 100),
		closedDowntime("d3", "r2", "big", 50),
		{ID: "open", RunID: "r2", CategoryID: "small", StartTime: t0},
	}

	entries := Pareto(downtimes, categories)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first, second := entries[0], entries[1]
	if first.CategoryID != "big" || first.TotalDuration != 150 || first.Occurrences != 2 {
		t.Errorf("unexpected first entry %+v", first)
	}
	if !near(first.Percentage, 75) || !near(first.CumulativePercentage, 75) {
		t.Errorf("first percentages = %v / %v", first.Percentage, first.CumulativePercentage)
	}
	if second.CategoryID != "small" || second.Occurrences != 1 || second.CategoryName != "Setup" {
		t.Errorf("unexpected second entry %+v", second)
	}
	if !near(second.Percentage, 25) || !near(second.CumulativePercentage, 100) {
		t.Errorf("second percentages = %v / %v", second.Percentage, second.CumulativePercentage)
	}

	top := TopContributors(entries, 0)
	if len(top) != 1 || top[0].CategoryID != "big" {
		t.Errorf("unexpected top contributors %+v", top)
	}
}

func TestPareto_OrderingAndTies(t *testing.T) {
	downtimes := []models.Downtime{
		closedDowntime("d1", "r1", "c", 30),
		closedDowntime("d2", "r1", "a", 30),
		closedDowntime("d3", "r1", "b", 40),
		closedDowntime("d4", "r1", "d", 7),
	}
	entries := Pareto(downtimes, nil)

	want := []string{"b", "a", "c", "d"}
	for i, id := range want {
		if entries[i].CategoryID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, entries[i].CategoryID)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].TotalDuration > entries[i-1].TotalDuration {
			t.Error("entries not sorted by duration")
		}
	}
	if last := entries[len(entries)-1].CumulativePercentage; math.Abs(last-100) > 1e-9 {
		t.Errorf("last cumulative = %v, want 100", last)
	}
	if entries[0].CategoryName != "b" {
		t.Errorf("unknown category should be named by id, got %q", entries[0].CategoryName)
	}
}

func TestPareto_ZeroTotals(t *testing.T) {
	entries := Pareto([]models.Downtime{closedDowntime("d1", "r1", "a", 0)}, nil)
	if len(entries) != 1 || entries[0].Percentage != 0 || entries[0].CumulativePercentage != 0 {
		t.Errorf("unexpected entries %+v", entries)
	}
	if len(TopContributors(entries, 80)) != 0 {
		t.Error("zero-duration entries are not contributors")
	}
	if got := Pareto(nil, nil); len(got) != 0 {
		t.Errorf("expected empty report, got %+v", got)
	}
}

func TestTrend_Daily(t *testing.T) {
	runs := []models.ProductionRun{
		completedRun("r1", "m1", t0, f64(90), f64(80), f64(100), f64(72), 400, 400),
		completedRun("r2", "m1", t0.Add(6*time.Hour), f64(100), f64(60), nil, nil, 0, 0),
		completedRun("r3", "m2", t0.Add(48*time.Hour), f64(50), f64(50), f64(50), f64(12.5), 100, 50),
	}

	points := Trend(runs, interval.Daily, nil)
	if len(points) != 2 {
		t.Fatalf("expected 2 buckets (empty day omitted), got %d", len(points))
	}
	day := points[0]
	if !day.BucketStart.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected bucket start %v", day.BucketStart)
	}
	if day.TotalRuns != 2 || day.TotalOutput != 400 || day.TotalGoodOutput != 400 {
		t.Errorf("unexpected counters %+v", day.Aggregate)
	}
	if !near(*day.AvgAvailability, 95) || !near(*day.AvgPerformance, 70) {
		t.Errorf("unexpected averages %v %v", *day.AvgAvailability, *day.AvgPerformance)
	}
	// nil quality does not drag the mean down
	if !near(*day.AvgQuality, 100) || !near(*day.AvgOEE, 72) {
		t.Errorf("null values must be skipped, got %v %v", *day.AvgQuality, *day.AvgOEE)
	}
	if !points[1].BucketStart.After(day.BucketStart) {
		t.Error("points not ascending")
	}
}

func TestTrend_WeeklyAndLocation(t *testing.T) {
	runs := []models.ProductionRun{
		completedRun("r1", "m1", t0, f64(90), nil, nil, nil, 0, 0),
		completedRun("r2", "m1", t0.Add(4*24*time.Hour), f64(70), nil, nil, nil, 0, 0), // Sunday
		completedRun("r3", "m1", t0.Add(5*24*time.Hour), f64(60), nil, nil, nil, 0, 0), // Monday
	}

	points := Trend(runs, interval.Weekly, time.UTC)
	if len(points) != 2 {
		t.Fatalf("expected 2 weekly buckets, got %d", len(points))
	}
	if !points[0].BucketStart.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("week should start Monday, got %v", points[0].BucketStart)
	}
	if points[0].TotalRuns != 2 || points[0].AvgPerformance != nil {
		t.Errorf("unexpected first week %+v", points[0].Aggregate)
	}

	loc := time.FixedZone("UTC+10", 10*3600)
	late := []models.ProductionRun{
		completedRun("r4", "m1", time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC), f64(80), nil, nil, nil, 0, 0),
	}
	local := Trend(late, interval.Daily, loc)
	if local[0].BucketStart.Day() != 5 {
		t.Errorf("expected bucket on local March 5, got %v", local[0].BucketStart)
	}
}

func TestCompareMachines(t *testing.T) {
	calc := oee.NewCalculator(oee.DefaultConfig())
	runs := []models.ProductionRun{
		completedRun("r1", "m2", t0, f64(95), f64(97), f64(99.5), f64(91.7), 460, 458),
		completedRun("r2", "m1", t0, f64(80), f64(70), f64(90), f64(50.4), 300, 270),
		completedRun("r3", "m1", t0.Add(24*time.Hour), f64(90), f64(80), f64(100), f64(72), 380, 380),
	}
	machines := map[string]models.Machine{"m1": {ID: "m1", Name: "Press 1"}}

	summaries := CompareMachines(runs, machines, map[string]float64{"r2": 30, "r3": 15}, calc)
	if len(summaries) != 2 || summaries[0].MachineID != "m1" {
		t.Fatalf("unexpected order %+v", summaries)
	}
	m1, m2 := summaries[0], summaries[1]
	if m1.MachineName != "Press 1" || m1.TotalRuns != 2 || m1.TotalDowntime != 45 || m1.TotalOutput != 680 {
		t.Errorf("unexpected m1 %+v", m1)
	}
	if !near(*m1.AvgAvailability, 85) || m1.MeetsOEETarget {
		t.Errorf("unexpected m1 evaluation %+v", m1)
	}
	if !m2.MeetsOEETarget || !m2.MeetsAvailabilityTarget || !m2.MeetsQualityTarget {
		t.Errorf("m2 should meet targets: %+v", m2)
	}
}

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	_ = st.PutMachine(ctx, &models.Machine{ID: "m1", Name: "Press 1"})
	_ = st.PutCategory(ctx, &models.DowntimeCategory{ID: "jam", Name: "Jam", Type: models.CategoryUnplanned, IncludedInOEE: true})
	_ = st.PutCategory(ctx, &models.DowntimeCategory{ID: "lunch", Name: "Lunch", Type: models.CategoryPlanned})

	runs := []models.ProductionRun{
		completedRun("r1", "m1", t0, f64(90), f64(80), f64(100), f64(72), 400, 400),
		completedRun("r2", "m1", t0.Add(24*time.Hour), f64(80), f64(80), f64(100), f64(64), 400, 400),
	}
	active := models.ProductionRun{ID: "r3", MachineID: "m1", StartTime: t0.Add(48 * time.Hour), PlannedProductionTime: 480}

	err := st.WithTx(ctx, func(tx store.Tx) error {
		for i := range runs {
			if err := tx.InsertRun(ctx, &runs[i]); err != nil {
				return err
			}
		}
		if err := tx.InsertRun(ctx, &active); err != nil {
			return err
		}
		for _, dt := range []models.Downtime{
			closedDowntime("d1", "r1", "jam", 40),
			closedDowntime("d2", "r2", "lunch", 30),
			closedDowntime("d3", "r3", "jam", 500),
		} {
			dt := dt
			if err := tx.InsertDowntime(ctx, &dt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return st
}

func TestService_Reports(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, nil, oee.NewCalculator(oee.DefaultConfig()), nil, nil)
	ctx := context.Background()

	pareto, err := svc.Pareto(ctx, Filter{MachineID: "m1"})
	if err != nil {
		t.Fatalf("Pareto failed: %v", err)
	}
	// active run r3 is excluded
	if len(pareto) != 2 || pareto[0].CategoryID != "jam" || pareto[0].TotalDuration != 40 {
		t.Errorf("unexpected pareto %+v", pareto)
	}

	trend, err := svc.Trend(ctx, Filter{From: t0.Add(time.Hour)}, interval.Daily)
	if err != nil {
		t.Fatalf("Trend failed: %v", err)
	}
	if len(trend) != 1 || trend[0].TotalRuns != 1 {
		t.Errorf("unexpected trend %+v", trend)
	}

	machines, err := svc.CompareMachines(ctx, Filter{})
	if err != nil {
		t.Fatalf("CompareMachines failed: %v", err)
	}
	if len(machines) != 1 || machines[0].TotalDowntime != 40 || machines[0].MachineName != "Press 1" {
		t.Errorf("unexpected comparison %+v", machines)
	}
}

func TestService_CacheInvalidation(t *testing.T) {
	st := newTestStore(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := cache.New(client, cache.Config{KeyPrefix: "t", TTL: time.Minute})
	svc := NewService(st, c, oee.NewCalculator(oee.DefaultConfig()), nil, nil)
	ctx := context.Background()

	first, err := svc.Pareto(ctx, Filter{})
	if err != nil {
		t.Fatalf("Pareto failed: %v", err)
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("expected one cached report, got %v", mr.Keys())
	}

	// complete the active run behind the cache's back
	err = st.WithTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, "r3")
		if err != nil {
			return err
		}
		end := run.StartTime.Add(9 * time.Hour)
		run.EndTime = &end
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stale, _ := svc.Pareto(ctx, Filter{})
	if stale[0].TotalDuration != first[0].TotalDuration {
		t.Error("expected cached report before invalidation")
	}

	svc.Invalidate(ctx, &models.ProductionRun{ID: "r3"})
	fresh, err := svc.Pareto(ctx, Filter{})
	if err != nil {
		t.Fatalf("Pareto failed: %v", err)
	}
	if fresh[0].TotalDuration != 540 {
		t.Errorf("expected refreshed jam total 540, got %+v", fresh)
	}
}

func newCachedService(t *testing.T, st *store.MemoryStore) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.New(client, cache.Config{KeyPrefix: "t", TTL: time.Minute})
	return NewService(st, c, oee.NewCalculator(oee.DefaultConfig()), nil, nil)
}

func TestService_LateWriteAfterInvalidation(t *testing.T) {
	svc := newCachedService(t, newTestStore(t))
	ctx := context.Background()

	// a report whose data was loaded before a run completed lands after the invalidation
	key := svc.reportKey(ctx, "pareto", Filter{}.keyParts()...)
	svc.Invalidate(ctx, &models.ProductionRun{ID: "r3"})
	svc.remember(ctx, key, []LossEntry{{CategoryID: "stale"}})

	entries, err := svc.Pareto(ctx, Filter{})
	if err != nil {
		t.Fatalf("Pareto failed: %v", err)
	}
	if len(entries) == 0 || entries[0].CategoryID == "stale" {
		t.Errorf("served a report from a retired generation: %+v", entries)
	}
}

func TestService_InvalidateCatalog(t *testing.T) {
	st := newTestStore(t)
	svc := newCachedService(t, st)
	ctx := context.Background()

	if _, err := svc.Pareto(ctx, Filter{}); err != nil {
		t.Fatalf("Pareto failed: %v", err)
	}
	_ = st.PutCategory(ctx, &models.DowntimeCategory{ID: "jam", Name: "Paper jam", Type: models.CategoryUnplanned, IncludedInOEE: true})
	svc.InvalidateCatalog(ctx, "downtime_category", "jam")

	entries, err := svc.Pareto(ctx, Filter{})
	if err != nil {
		t.Fatalf("Pareto failed: %v", err)
	}
	if entries[0].CategoryName != "Paper jam" {
		t.Errorf("expected renamed category, got %+v", entries[0])
	}
}
