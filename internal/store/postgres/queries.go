package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

const runColumns = `id, machine_id, product_id, shift_id, start_time, end_time,
	planned_production_time, actual_production_time, theoretical_output,
	actual_output, good_output, defect_output,
	availability_pct, performance_pct, quality_pct, oee_pct, notes, created_at, updated_at`

const downtimeColumns = `id, production_run_id, downtime_category_id, start_time, end_time,
	duration_minutes, description, created_at`

// queries implements store.Reader over either the pool or a transaction
type queries struct {
	q querier
}

// =============================================================================
// Reference data
// =============================================================================

func (s *Store) PutMachine(ctx context.Context, m *models.Machine) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (id, name, hourly_production_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, hourly_production_value = EXCLUDED.hourly_production_value
	`, m.ID, m.Name, m.HourlyProductionValue)
	if err != nil {
		return mapError(err, "failed to save machine")
	}
	return nil
}

func (s *Store) PutProduct(ctx context.Context, p *models.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, theoretical_cycle_time, target_units_per_hour)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			theoretical_cycle_time = EXCLUDED.theoretical_cycle_time,
			target_units_per_hour = EXCLUDED.target_units_per_hour
	`, p.ID, p.Name, p.TheoreticalCycleTime, p.TargetUnitsPerHour)
	if err != nil {
		return mapError(err, "failed to save product")
	}
	return nil
}

func (s *Store) PutShift(ctx context.Context, sh *models.Shift) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shifts (id, name, start_time, end_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time
	`, sh.ID, sh.Name, sh.StartTime, sh.EndTime)
	if err != nil {
		return mapError(err, "failed to save shift")
	}
	return nil
}

func (s *Store) PutCategory(ctx context.Context, c *models.DowntimeCategory) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO downtime_categories (id, name, category_type, is_included_in_oee)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			category_type = EXCLUDED.category_type,
			is_included_in_oee = EXCLUDED.is_included_in_oee
	`, c.ID, c.Name, string(c.Type), c.IncludedInOEE)
	if err != nil {
		return mapError(err, "failed to save downtime category")
	}
	return nil
}

func (q queries) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	m := &models.Machine{}
	err := q.q.QueryRow(ctx, `
		SELECT id, name, hourly_production_value, created_at FROM machines WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.HourlyProductionValue, &m.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get machine "+id)
	}
	return m, nil
}

func (q queries) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p := &models.Product{}
	err := q.q.QueryRow(ctx, `
		SELECT id, name, theoretical_cycle_time, target_units_per_hour, created_at FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.TheoreticalCycleTime, &p.TargetUnitsPerHour, &p.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get product "+id)
	}
	return p, nil
}

func (q queries) GetShift(ctx context.Context, id string) (*models.Shift, error) {
	sh := &models.Shift{}
	err := q.q.QueryRow(ctx, `
		SELECT id, name, start_time, end_time, created_at FROM shifts WHERE id = $1
	`, id).Scan(&sh.ID, &sh.Name, &sh.StartTime, &sh.EndTime, &sh.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get shift "+id)
	}
	return sh, nil
}

func (q queries) GetCategory(ctx context.Context, id string) (*models.DowntimeCategory, error) {
	c := &models.DowntimeCategory{}
	var categoryType string
	err := q.q.QueryRow(ctx, `
		SELECT id, name, category_type, is_included_in_oee, created_at FROM downtime_categories WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &categoryType, &c.IncludedInOEE, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get downtime category "+id)
	}
	c.Type = models.CategoryType(categoryType)
	return c, nil
}

func (q queries) ListCategories(ctx context.Context) ([]models.DowntimeCategory, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, name, category_type, is_included_in_oee, created_at FROM downtime_categories ORDER BY id
	`)
	if err != nil {
		return nil, mapError(err, "failed to list downtime categories")
	}
	defer rows.Close()

	var categories []models.DowntimeCategory
	for rows.Next() {
		var c models.DowntimeCategory
		var categoryType string
		if err := rows.Scan(&c.ID, &c.Name, &categoryType, &c.IncludedInOEE, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan downtime category: %w", err)
		}
		c.Type = models.CategoryType(categoryType)
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// =============================================================================
// Production runs
// =============================================================================

func scanRun(row pgx.Row) (*models.ProductionRun, error) {
	r := &models.ProductionRun{}
	err := row.Scan(
		&r.ID, &r.MachineID, &r.ProductID, &r.ShiftID, &r.StartTime, &r.EndTime,
		&r.PlannedProductionTime, &r.ActualProductionTime, &r.TheoreticalOutput,
		&r.ActualOutput, &r.GoodOutput, &r.DefectOutput,
		&r.AvailabilityPct, &r.PerformancePct, &r.QualityPct, &r.OEEPct, &r.Notes, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q queries) GetRun(ctx context.Context, id string) (*models.ProductionRun, error) {
	run, err := scanRun(q.q.QueryRow(ctx, `SELECT `+runColumns+` FROM production_runs WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "failed to get production run "+id)
	}
	return run, nil
}

func (q queries) ListRuns(ctx context.Context, filter store.RunFilter) ([]models.ProductionRun, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.MachineID != "" {
		add("machine_id = $%d", filter.MachineID)
	}
	if filter.ShiftID != "" {
		add("shift_id = $%d", filter.ShiftID)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	switch filter.Status {
	case models.RunStatusActive:
		where = append(where, "end_time IS NULL")
	case models.RunStatusCompleted:
		where = append(where, "end_time IS NOT NULL")
	}
	if !filter.From.IsZero() {
		add("start_time >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("start_time < $%d", filter.To)
	}

	query := `SELECT ` + runColumns + ` FROM production_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to list production runs")
	}
	defer rows.Close()

	var runs []models.ProductionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan production run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// =============================================================================
// Downtimes
// =============================================================================

func scanDowntime(row pgx.Row) (*models.Downtime, error) {
	d := &models.Downtime{}
	err := row.Scan(
		&d.ID, &d.RunID, &d.CategoryID, &d.StartTime, &d.EndTime,
		&d.DurationMinutes, &d.Description, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (q queries) GetDowntime(ctx context.Context, id string) (*models.Downtime, error) {
	dt, err := scanDowntime(q.q.QueryRow(ctx, `SELECT `+downtimeColumns+` FROM downtimes WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "failed to get downtime "+id)
	}
	return dt, nil
}

func (q queries) ListDowntimes(ctx context.Context, runID string) ([]models.Downtime, error) {
	return q.ListDowntimesForRuns(ctx, []string{runID})
}

func (q queries) ListDowntimesForRuns(ctx context.Context, runIDs []string) ([]models.Downtime, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}

	rows, err := q.q.Query(ctx, `
		SELECT `+downtimeColumns+` FROM downtimes
		WHERE production_run_id = ANY($1)
		ORDER BY start_time, id
	`, runIDs)
	if err != nil {
		return nil, mapError(err, "failed to list downtimes")
	}
	defer rows.Close()

	var downtimes []models.Downtime
	for rows.Next() {
		dt, err := scanDowntime(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan downtime: %w", err)
		}
		downtimes = append(downtimes, *dt)
	}
	return downtimes, rows.Err()
}

// =============================================================================
// Transaction writes
// =============================================================================

type txStore struct {
	queries
}

func (tx *txStore) advisoryLock(ctx context.Context, key string) error {
	if _, err := tx.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %s: %w", key, err)
	}
	return nil
}

func (tx *txStore) LockMachine(ctx context.Context, machineID string) error {
	return tx.advisoryLock(ctx, "machine:"+machineID)
}

func (tx *txStore) LockRun(ctx context.Context, runID string) error {
	return tx.advisoryLock(ctx, "run:"+runID)
}

func (tx *txStore) ActiveRunForMachine(ctx context.Context, machineID string) (*models.ProductionRun, error) {
	run, err := scanRun(tx.q.QueryRow(ctx, `
		SELECT `+runColumns+` FROM production_runs WHERE machine_id = $1 AND end_time IS NULL
	`, machineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to get active run")
	}
	return run, nil
}

func (tx *txStore) OpenDowntimeForRun(ctx context.Context, runID string) (*models.Downtime, error) {
	dt, err := scanDowntime(tx.q.QueryRow(ctx, `
		SELECT `+downtimeColumns+` FROM downtimes WHERE production_run_id = $1 AND end_time IS NULL
	`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to get open downtime")
	}
	return dt, nil
}

func (tx *txStore) InsertRun(ctx context.Context, r *models.ProductionRun) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO production_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		r.ID, r.MachineID, r.ProductID, r.ShiftID, r.StartTime, r.EndTime,
		r.PlannedProductionTime, r.ActualProductionTime, r.TheoreticalOutput,
		r.ActualOutput, r.GoodOutput, r.DefectOutput,
		r.AvailabilityPct, r.PerformancePct, r.QualityPct, r.OEEPct, r.Notes, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to insert production run")
	}
	return nil
}

func (tx *txStore) UpdateRun(ctx context.Context, r *models.ProductionRun) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE production_runs SET
			end_time = $2, actual_production_time = $3,
			actual_output = $4, good_output = $5, defect_output = $6,
			availability_pct = $7, performance_pct = $8, quality_pct = $9, oee_pct = $10,
			notes = $11, updated_at = $12
		WHERE id = $1
	`,
		r.ID, r.EndTime, r.ActualProductionTime,
		r.ActualOutput, r.GoodOutput, r.DefectOutput,
		r.AvailabilityPct, r.PerformancePct, r.QualityPct, r.OEEPct,
		r.Notes, r.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "failed to update production run")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("production run %s: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

func (tx *txStore) InsertDowntime(ctx context.Context, d *models.Downtime) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO downtimes (`+downtimeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.RunID, d.CategoryID, d.StartTime, d.EndTime, d.DurationMinutes, d.Description, d.CreatedAt)
	if err != nil {
		return mapError(err, "failed to insert downtime")
	}
	return nil
}

func (tx *txStore) UpdateDowntime(ctx context.Context, d *models.Downtime) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE downtimes SET end_time = $2, duration_minutes = $3, description = $4 WHERE id = $1
	`, d.ID, d.EndTime, d.DurationMinutes, d.Description)
	if err != nil {
		return mapError(err, "failed to update downtime")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("downtime %s: %w", d.ID, store.ErrNotFound)
	}
	return nil
}

// Reads outside a transaction go straight to the pool

func (s *Store) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	return queries{q: s.pool}.GetMachine(ctx, id)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return queries{q: s.pool}.GetProduct(ctx, id)
}

func (s *Store) GetShift(ctx context.Context, id string) (*models.Shift, error) {
	return queries{q: s.pool}.GetShift(ctx, id)
}

func (s *Store) GetCategory(ctx context.Context, id string) (*models.DowntimeCategory, error) {
	return queries{q: s.pool}.GetCategory(ctx, id)
}

func (s *Store) ListCategories(ctx context.Context) ([]models.DowntimeCategory, error) {
	return queries{q: s.pool}.ListCategories(ctx)
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.ProductionRun, error) {
	return queries{q: s.pool}.GetRun(ctx, id)
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]models.ProductionRun, error) {
	return queries{q: s.pool}.ListRuns(ctx, filter)
}

func (s *Store) GetDowntime(ctx context.Context, id string) (*models.Downtime, error) {
	return queries{q: s.pool}.GetDowntime(ctx, id)
}

func (s *Store) ListDowntimes(ctx context.Context, runID string) ([]models.Downtime, error) {
	return queries{q: s.pool}.ListDowntimes(ctx, runID)
}

func (s *Store) ListDowntimesForRuns(ctx context.Context, runIDs []string) ([]models.Downtime, error) {
	return queries{q: s.pool}.ListDowntimesForRuns(ctx, runIDs)
}
