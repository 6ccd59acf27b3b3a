package models

import (
	"time"
)

// RunStatus represents the lifecycle state of a production run
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
)

// CategoryType classifies a downtime category
type CategoryType string

const (
	CategoryPlanned   CategoryType = "planned"
	CategoryUnplanned CategoryType = "unplanned"
)

// Valid reports whether the category type is one of the known values
func (t CategoryType) Valid() bool {
	return t == CategoryPlanned || t == CategoryUnplanned
}

// Machine represents a piece of production equipment
type Machine struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	HourlyProductionValue float64   `json:"hourly_production_value"`
	CreatedAt             time.Time `json:"created_at"`
}

// Product represents a manufactured item with its ideal cycle time
type Product struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	TheoreticalCycleTime float64   `json:"theoretical_cycle_time"` // seconds per unit
	TargetUnitsPerHour   float64   `json:"target_units_per_hour"`
	CreatedAt            time.Time `json:"created_at"`
}

// Shift represents a recurring work shift in wall-clock time
type Shift struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime string    `json:"start_time"` // HH:MM
	EndTime   string    `json:"end_time"`   // HH:MM, may be earlier than StartTime
	CreatedAt time.Time `json:"created_at"`
}

// DowntimeCategory groups downtime reasons
type DowntimeCategory struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Type          CategoryType `json:"category_type"`
	IncludedInOEE bool         `json:"is_included_in_oee"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ProductionRun is a single run of one product on one machine.
// Percentages are nil while the run is active and set once it completes.
type ProductionRun struct {
	ID        string     `json:"id"`
	MachineID string     `json:"machine_id"`
	ProductID string     `json:"product_id"`
	ShiftID   string     `json:"shift_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Time metrics (in minutes)
	PlannedProductionTime float64  `json:"planned_production_time"`
	ActualProductionTime  *float64 `json:"actual_production_time"`

	// Production metrics
	TheoreticalOutput int `json:"theoretical_output"`
	ActualOutput      int `json:"actual_output"`
	GoodOutput        int `json:"good_output"`
	DefectOutput      int `json:"defect_output"`

	// OEE metrics (0-100 scale)
	AvailabilityPct *float64 `json:"availability_pct"`
	PerformancePct  *float64 `json:"performance_pct"`
	QualityPct      *float64 `json:"quality_pct"`
	OEEPct          *float64 `json:"oee_pct"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status derives the lifecycle state from the end time
func (r *ProductionRun) Status() RunStatus {
	if r.EndTime == nil {
		return RunStatusActive
	}
	return RunStatusCompleted
}

// IsActive reports whether the run has not been ended yet
func (r *ProductionRun) IsActive() bool {
	return r.EndTime == nil
}

// Downtime is a stoppage recorded against a production run
type Downtime struct {
	ID              string     `json:"id"`
	RunID           string     `json:"production_run_id"`
	CategoryID      string     `json:"downtime_category_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes"`
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IsOpen reports whether the stoppage is still ongoing
func (d *Downtime) IsOpen() bool {
	return d.EndTime == nil
}

// RunDetail bundles a run with the downtimes it owns
type RunDetail struct {
	Run       *ProductionRun `json:"run"`
	Downtimes []Downtime     `json:"downtimes"`
}
