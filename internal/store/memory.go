package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/savegress/oeetrack/pkg/models"
)

// MemoryStore keeps everything in maps. Transactions are serialized and staged, so a
// failing unit of work leaves no trace.
type MemoryStore struct {
	mu         sync.RWMutex
	txMu       sync.Mutex
	machines   map[string]models.Machine
	products   map[string]models.Product
	shifts     map[string]models.Shift
	categories map[string]models.DowntimeCategory
	runs       map[string]models.ProductionRun
	downtimes  map[string]models.Downtime
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:   make(map[string]models.Machine),
		products:   make(map[string]models.Product),
		shifts:     make(map[string]models.Shift),
		categories: make(map[string]models.DowntimeCategory),
		runs:       make(map[string]models.ProductionRun),
		downtimes:  make(map[string]models.Downtime),
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) PutMachine(ctx context.Context, m *models.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = *m
	return nil
}

func (s *MemoryStore) PutProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = *p
	return nil
}

func (s *MemoryStore) PutShift(ctx context.Context, sh *models.Shift) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts[sh.ID] = *sh
	return nil
}

func (s *MemoryStore) PutCategory(ctx context.Context, c *models.DowntimeCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetShift(ctx context.Context, id string) (*models.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shifts[id]
	if !ok {
		return nil, fmt.Errorf("shift %s: %w", id, ErrNotFound)
	}
	return &sh, nil
}

func (s *MemoryStore) GetCategory(ctx context.Context, id string) (*models.DowntimeCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	if !ok {
		return nil, fmt.Errorf("downtime category %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListCategories(ctx context.Context) ([]models.DowntimeCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DowntimeCategory, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.ProductionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRun(id)
}

func (s *MemoryStore) getRun(id string) (*models.ProductionRun, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("production run %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.ProductionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterRuns(s.runs, nil, filter), nil
}

func (s *MemoryStore) GetDowntime(ctx context.Context, id string) (*models.Downtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.downtimes[id]
	if !ok {
		return nil, fmt.Errorf("downtime %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (s *MemoryStore) ListDowntimes(ctx context.Context, runID string) ([]models.Downtime, error) {
	return s.ListDowntimesForRuns(ctx, []string{runID})
}

func (s *MemoryStore) ListDowntimesForRuns(ctx context.Context, runIDs []string) ([]models.Downtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterDowntimes(s.downtimes, nil, runIDs), nil
}

// WithTx serializes fn against other transactions and applies its writes atomically
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:     s,
		runs:      make(map[string]models.ProductionRun),
		downtimes: make(map[string]models.Downtime),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx stages writes on top of the committed maps
type memoryTx struct {
	store     *MemoryStore
	runs      map[string]models.ProductionRun
	downtimes map[string]models.Downtime
}

func (tx *memoryTx) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	return tx.store.GetMachine(ctx, id)
}

func (tx *memoryTx) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return tx.store.GetProduct(ctx, id)
}

func (tx *memoryTx) GetShift(ctx context.Context, id string) (*models.Shift, error) {
	return tx.store.GetShift(ctx, id)
}

func (tx *memoryTx) GetCategory(ctx context.Context, id string) (*models.DowntimeCategory, error) {
	return tx.store.GetCategory(ctx, id)
}

func (tx *memoryTx) ListCategories(ctx context.Context) ([]models.DowntimeCategory, error) {
	return tx.store.ListCategories(ctx)
}

func (tx *memoryTx) GetRun(ctx context.Context, id string) (*models.ProductionRun, error) {
	if r, ok := tx.runs[id]; ok {
		return &r, nil
	}
	return tx.store.GetRun(ctx, id)
}

func (tx *memoryTx) ListRuns(ctx context.Context, filter RunFilter) ([]models.ProductionRun, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return filterRuns(tx.store.runs, tx.runs, filter), nil
}

func (tx *memoryTx) GetDowntime(ctx context.Context, id string) (*models.Downtime, error) {
	if d, ok := tx.downtimes[id]; ok {
		return &d, nil
	}
	return tx.store.GetDowntime(ctx, id)
}

func (tx *memoryTx) ListDowntimes(ctx context.Context, runID string) ([]models.Downtime, error) {
	return tx.ListDowntimesForRuns(ctx, []string{runID})
}

func (tx *memoryTx) ListDowntimesForRuns(ctx context.Context, runIDs []string) ([]models.Downtime, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return filterDowntimes(tx.store.downtimes, tx.downtimes, runIDs), nil
}

// LockMachine is satisfied by transaction serialization
func (tx *memoryTx) LockMachine(ctx context.Context, machineID string) error {
	return nil
}

// LockRun is satisfied by transaction serialization
func (tx *memoryTx) LockRun(ctx context.Context, runID string) error {
	return nil
}

func (tx *memoryTx) ActiveRunForMachine(ctx context.Context, machineID string) (*models.ProductionRun, error) {
	runs, _ := tx.ListRuns(ctx, RunFilter{MachineID: machineID, Status: models.RunStatusActive, Limit: 1})
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (tx *memoryTx) OpenDowntimeForRun(ctx context.Context, runID string) (*models.Downtime, error) {
	dts, _ := tx.ListDowntimes(ctx, runID)
	for i := range dts {
		if dts[i].IsOpen() {
			return &dts[i], nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) InsertRun(ctx context.Context, run *models.ProductionRun) error {
	if _, err := tx.GetRun(ctx, run.ID); err == nil {
		return fmt.Errorf("production run %s: %w", run.ID, ErrConflict)
	}
	if run.IsActive() {
		if active, _ := tx.ActiveRunForMachine(ctx, run.MachineID); active != nil {
			return fmt.Errorf("machine %s already has active run %s: %w", run.MachineID, active.ID, ErrConflict)
		}
	}
	tx.runs[run.ID] = *run
	return nil
}

func (tx *memoryTx) UpdateRun(ctx context.Context, run *models.ProductionRun) error {
	if _, err := tx.GetRun(ctx, run.ID); err != nil {
		return err
	}
	tx.runs[run.ID] = *run
	return nil
}

func (tx *memoryTx) InsertDowntime(ctx context.Context, dt *models.Downtime) error {
	if _, err := tx.GetDowntime(ctx, dt.ID); err == nil {
		return fmt.Errorf("downtime %s: %w", dt.ID, ErrConflict)
	}
	if dt.IsOpen() {
		if open, _ := tx.OpenDowntimeForRun(ctx, dt.RunID); open != nil {
			return fmt.Errorf("run %s already has open downtime %s: %w", dt.RunID, open.ID, ErrConflict)
		}
	}
	tx.downtimes[dt.ID] = *dt
	return nil
}

func (tx *memoryTx) UpdateDowntime(ctx context.Context, dt *models.Downtime) error {
	if _, err := tx.GetDowntime(ctx, dt.ID); err != nil {
		return err
	}
	tx.downtimes[dt.ID] = *dt
	return nil
}

func (tx *memoryTx) commit() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for id, r := range tx.runs {
		tx.store.runs[id] = r
	}
	for id, d := range tx.downtimes {
		tx.store.downtimes[id] = d
	}
	return nil
}

func filterRuns(committed, staged map[string]models.ProductionRun, filter RunFilter) []models.ProductionRun {
	var out []models.ProductionRun
	for id, r := range committed {
		if s, ok := staged[id]; ok {
			r = s
		}
		if filter.Matches(&r) {
			out = append(out, r)
		}
	}
	for id, r := range staged {
		if _, ok := committed[id]; ok {
			continue
		}
		if filter.Matches(&r) {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func filterDowntimes(committed, staged map[string]models.Downtime, runIDs []string) []models.Downtime {
	wanted := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		wanted[id] = true
	}

	var out []models.Downtime
	for id, d := range committed {
		if s, ok := staged[id]; ok {
			d = s
		}
		if wanted[d.RunID] {
			out = append(out, d)
		}
	}
	for id, d := range staged {
		if _, ok := committed[id]; ok {
			continue
		}
		if wanted[d.RunID] {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}
