// Package store defines persistence for runs, downtimes and their reference data.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/savegress/oeetrack/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness invariant
	ErrConflict = errors.New("conflict")
)

// RunFilter selects production runs
type RunFilter struct {
	MachineID string
	ShiftID   string
	ProductID string
	Status    models.RunStatus
	// From and To bound the run start time; zero values are unbounded. To is exclusive.
	From  time.Time
	To    time.Time
	Limit int
}

// Matches reports whether a run passes the filter
func (f RunFilter) Matches(run *models.ProductionRun) bool {
	if f.MachineID != "" && run.MachineID != f.MachineID {
		return false
	}
	if f.ShiftID != "" && run.ShiftID != f.ShiftID {
		return false
	}
	if f.ProductID != "" && run.ProductID != f.ProductID {
		return false
	}
	if f.Status != "" && run.Status() != f.Status {
		return false
	}
	if !f.From.IsZero() && run.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !run.StartTime.Before(f.To) {
		return false
	}
	return true
}

// Reader exposes lookups shared by transactions and read-only reporting
type Reader interface {
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetShift(ctx context.Context, id string) (*models.Shift, error)
	GetCategory(ctx context.Context, id string) (*models.DowntimeCategory, error)
	ListCategories(ctx context.Context) ([]models.DowntimeCategory, error)

	GetRun(ctx context.Context, id string) (*models.ProductionRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]models.ProductionRun, error)
	GetDowntime(ctx context.Context, id string) (*models.Downtime, error)
	// ListDowntimes returns a run's downtimes ordered by start time
	ListDowntimes(ctx context.Context, runID string) ([]models.Downtime, error)
	// ListDowntimesForRuns returns the downtimes of every listed run
	ListDowntimesForRuns(ctx context.Context, runIDs []string) ([]models.Downtime, error)
}

// Tx is a unit of work. Writes become visible only when the enclosing WithTx returns nil.
type Tx interface {
	Reader

	// LockMachine serializes check-and-set on a machine's active run until the tx ends
	LockMachine(ctx context.Context, machineID string) error
	// LockRun serializes check-and-set on a run's open downtime until the tx ends
	LockRun(ctx context.Context, runID string) error

	ActiveRunForMachine(ctx context.Context, machineID string) (*models.ProductionRun, error)
	OpenDowntimeForRun(ctx context.Context, runID string) (*models.Downtime, error)

	InsertRun(ctx context.Context, run *models.ProductionRun) error
	UpdateRun(ctx context.Context, run *models.ProductionRun) error
	InsertDowntime(ctx context.Context, dt *models.Downtime) error
	UpdateDowntime(ctx context.Context, dt *models.Downtime) error
}

// Catalog writes reference data owned by external systems
type Catalog interface {
	PutMachine(ctx context.Context, m *models.Machine) error
	PutProduct(ctx context.Context, p *models.Product) error
	PutShift(ctx context.Context, s *models.Shift) error
	PutCategory(ctx context.Context, c *models.DowntimeCategory) error
}

// Store is the persistence boundary of the service
type Store interface {
	Reader
	Catalog

	// WithTx runs fn inside a transaction, committing if fn returns nil
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// CategoryIndex maps categories by id
func CategoryIndex(categories []models.DowntimeCategory) map[string]models.DowntimeCategory {
	idx := make(map[string]models.DowntimeCategory, len(categories))
	for _, c := range categories {
		idx[c.ID] = c
	}
	return idx
}
