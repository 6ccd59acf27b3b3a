package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost:5432/db":   "pgx5://u:p@localhost:5432/db",
		"postgresql://u:p@localhost:5432/db": "pgx5://u:p@localhost:5432/db",
		"pgx5://already":                     "pgx5://already",
	}
	for in, want := range tests {
		if got := migrateURL(in); got != want {
			t.Errorf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// newIntegrationStore connects to OEETRACK_TEST_DATABASE_URL or skips
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("OEETRACK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OEETRACK_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return s
}

func TestStore_ActiveRunUniqueness(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	machineID := uuid.NewString()
	productID := uuid.NewString()
	shiftID := uuid.NewString()
	if err := s.PutMachine(ctx, &models.Machine{ID: machineID, Name: "press"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutProduct(ctx, &models.Product{ID: productID, Name: "bracket", TheoreticalCycleTime: 60}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutShift(ctx, &models.Shift{ID: shiftID, Name: "early", StartTime: "06:00", EndTime: "14:00"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	newRun := func() *models.ProductionRun {
		return &models.ProductionRun{
			ID:                    uuid.NewString(),
			MachineID:             machineID,
			ProductID:             productID,
			ShiftID:               shiftID,
			StartTime:             now,
			PlannedProductionTime: 480,
			TheoreticalOutput:     480,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
	}

	first := newRun()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockMachine(ctx, machineID); err != nil {
			return err
		}
		return tx.InsertRun(ctx, first)
	})
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertRun(ctx, newRun())
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetRun(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !got.IsActive() || got.AvailabilityPct != nil {
		t.Errorf("unexpected stored run: %+v", got)
	}

	if _, err := s.GetRun(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
