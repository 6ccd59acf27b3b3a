// Package analytics builds read-only reports over completed production data:
// Pareto loss breakdowns, time-bucketed OEE trends and machine comparisons.
package analytics

import (
	"sort"

	"github.com/savegress/oeetrack/pkg/models"
)

// DefaultTopThreshold is the cumulative percentage that marks top contributors
const DefaultTopThreshold = 80.0

// LossEntry is one category row of a Pareto report
type LossEntry struct {
	CategoryID           string              `json:"category_id"`
	CategoryName         string              `json:"category_name"`
	CategoryType         models.CategoryType `json:"category_type,omitempty"`
	TotalDuration        int                 `json:"total_duration"` // minutes
	Occurrences          int                 `json:"occurrences"`
	Percentage           float64             `json:"percentage"`
	CumulativePercentage float64             `json:"cumulative_percentage"`
}

// Pareto groups closed downtimes by category and orders them by total duration,
// longest first, ties broken by category id. Open downtimes are ignored.
func Pareto(downtimes []models.Downtime, categories map[string]models.DowntimeCategory) []LossEntry {
	byCategory := make(map[string]*LossEntry)
	var total int

	for i := range downtimes {
		dt := &downtimes[i]
		if dt.IsOpen() || dt.DurationMinutes == nil {
			continue
		}
		entry, ok := byCategory[dt.CategoryID]
		if !ok {
			entry = &LossEntry{CategoryID: dt.CategoryID, CategoryName: dt.CategoryID}
			if cat, found := categories[dt.CategoryID]; found {
				entry.CategoryName = cat.Name
				entry.CategoryType = cat.Type
			}
			byCategory[dt.CategoryID] = entry
		}
		entry.TotalDuration += *dt.DurationMinutes
		entry.Occurrences++
		total += *dt.DurationMinutes
	}

	entries := make([]LossEntry, 0, len(byCategory))
	for _, e := range byCategory {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalDuration != entries[j].TotalDuration {
			return entries[i].TotalDuration > entries[j].TotalDuration
		}
		return entries[i].CategoryID < entries[j].CategoryID
	})

	// all-zero totals leave every percentage at 0
	if total == 0 {
		return entries
	}
	var cumulative float64
	for i := range entries {
		entries[i].Percentage = 100 * float64(entries[i].TotalDuration) / float64(total)
		cumulative += entries[i].Percentage
		entries[i].CumulativePercentage = cumulative
	}
	return entries
}

// TopContributors returns the leading entries whose cumulative percentage stays
// within threshold. A threshold <= 0 uses DefaultTopThreshold.
func TopContributors(entries []LossEntry, threshold float64) []LossEntry {
	if threshold <= 0 {
		threshold = DefaultTopThreshold
	}
	var top []LossEntry
	for _, e := range entries {
		if e.Percentage == 0 || e.CumulativePercentage > threshold+1e-9 {
			break
		}
		top = append(top, e)
	}
	return top
}
