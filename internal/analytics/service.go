package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/savegress/oeetrack/internal/cache"
	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

// Filter narrows the completed runs a report covers. To is exclusive.
type Filter struct {
	MachineID string
	ShiftID   string
	From      time.Time
	To        time.Time
}

func (f Filter) runFilter() store.RunFilter {
	return store.RunFilter{
		MachineID: f.MachineID,
		ShiftID:   f.ShiftID,
		Status:    models.RunStatusCompleted,
		From:      f.From,
		To:        f.To,
	}
}

func (f Filter) keyParts() []string {
	return []string{f.MachineID, f.ShiftID, formatBound(f.From), formatBound(f.To)}
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Service loads completed runs from the store and builds cached reports
type Service struct {
	store store.Reader
	cache *cache.Cache
	calc  *oee.Calculator
	loc   *time.Location
	log   logger.Logger
}

// NewService creates a reporting service. Bucket boundaries use loc, UTC when nil.
func NewService(st store.Reader, c *cache.Cache, calc *oee.Calculator, loc *time.Location, log logger.Logger) *Service {
	if c == nil {
		c = cache.Disabled()
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{store: st, cache: c, calc: calc, loc: loc, log: log}
}

// Pareto reports downtime losses of the filtered completed runs
func (s *Service) Pareto(ctx context.Context, f Filter) ([]LossEntry, error) {
	key := s.reportKey(ctx, "pareto", f.keyParts()...)
	var entries []LossEntry
	if s.cached(ctx, key, &entries) {
		return entries, nil
	}

	runs, err := s.store.ListRuns(ctx, f.runFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	downtimes, err := s.store.ListDowntimesForRuns(ctx, runIDs(runs))
	if err != nil {
		return nil, fmt.Errorf("failed to list downtimes: %w", err)
	}
	categories, err := s.categories(ctx)
	if err != nil {
		return nil, err
	}

	entries = Pareto(downtimes, categories)
	s.remember(ctx, key, entries)
	return entries, nil
}

// Trend reports OEE over time buckets of the given granularity
func (s *Service) Trend(ctx context.Context, f Filter, g interval.Granularity) ([]TrendPoint, error) {
	key := s.reportKey(ctx, "trend", append([]string{string(g), s.loc.String()}, f.keyParts()...)...)
	var points []TrendPoint
	if s.cached(ctx, key, &points) {
		return points, nil
	}

	runs, err := s.store.ListRuns(ctx, f.runFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	points = Trend(runs, g, s.loc)
	s.remember(ctx, key, points)
	return points, nil
}

// CompareMachines reports per-machine averages against targets
func (s *Service) CompareMachines(ctx context.Context, f Filter) ([]MachineSummary, error) {
	key := s.reportKey(ctx, "machines", f.keyParts()...)
	var summaries []MachineSummary
	if s.cached(ctx, key, &summaries) {
		return summaries, nil
	}

	runs, err := s.store.ListRuns(ctx, f.runFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	downtimes, err := s.store.ListDowntimesForRuns(ctx, runIDs(runs))
	if err != nil {
		return nil, fmt.Errorf("failed to list downtimes: %w", err)
	}
	categories, err := s.categories(ctx)
	if err != nil {
		return nil, err
	}

	byRun := make(map[string][]models.Downtime)
	for _, dt := range downtimes {
		byRun[dt.RunID] = append(byRun[dt.RunID], dt)
	}
	downtimeByRun := make(map[string]float64, len(runs))
	machines := make(map[string]models.Machine)
	for i := range runs {
		run := &runs[i]
		downtimeByRun[run.ID] = s.calc.Compute(oee.FromRun(run, byRun[run.ID], categories)).OEEIncludedDowntime
		if _, seen := machines[run.MachineID]; seen {
			continue
		}
		m, err := s.store.GetMachine(ctx, run.MachineID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			machines[run.MachineID] = models.Machine{ID: run.MachineID}
		case err != nil:
			return nil, fmt.Errorf("failed to get machine %s: %w", run.MachineID, err)
		default:
			machines[run.MachineID] = *m
		}
	}

	summaries = CompareMachines(runs, machines, downtimeByRun, s.calc)
	s.remember(ctx, key, summaries)
	return summaries, nil
}

// Invalidate drops cached reports. It matches production.CompletionHook.
func (s *Service) Invalidate(ctx context.Context, run *models.ProductionRun) {
	if err := s.cache.InvalidateReports(ctx); err != nil {
		s.log.Warn("failed to invalidate report cache", logger.String("run_id", run.ID), logger.Err(err))
	}
}

// InvalidateCatalog drops cached reports after a machine or downtime category
// changes, since reports carry their names.
func (s *Service) InvalidateCatalog(ctx context.Context, entity, id string) {
	if err := s.cache.InvalidateReports(ctx); err != nil {
		s.log.Warn("failed to invalidate report cache", logger.String(entity+"_id", id), logger.Err(err))
	}
}

// reportKey pins a report to the current cache generation. It must be called
// before the report's data is loaded. An empty key bypasses the cache.
func (s *Service) reportKey(ctx context.Context, kind string, params ...string) string {
	if !s.cache.IsEnabled() {
		return ""
	}
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.log.Warn("report cache unavailable", logger.Err(err))
		return ""
	}
	return cache.ReportKey(gen, kind, params...)
}

func (s *Service) cached(ctx context.Context, key string, dest any) bool {
	if key == "" {
		return false
	}
	err := s.cache.Get(ctx, key, dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn("report cache read failed", logger.String("key", key), logger.Err(err))
	}
	return false
}

func (s *Service) remember(ctx context.Context, key string, value any) {
	if key == "" {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.log.Warn("report cache write failed", logger.String("key", key), logger.Err(err))
	}
}

func (s *Service) categories(ctx context.Context) (map[string]models.DowntimeCategory, error) {
	cats, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downtime categories: %w", err)
	}
	return store.CategoryIndex(cats), nil
}

func runIDs(runs []models.ProductionRun) []string {
	ids := make([]string, len(runs))
	for i := range runs {
		ids[i] = runs[i].ID
	}
	return ids
}
