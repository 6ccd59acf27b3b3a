package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/savegress/oeetrack/internal/analytics"
	"github.com/savegress/oeetrack/internal/interval"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/oee"
	"github.com/savegress/oeetrack/internal/production"
	"github.com/savegress/oeetrack/internal/store"
	"github.com/savegress/oeetrack/pkg/models"
)

// Health check
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "oeetrack",
		"time":    time.Now().UTC(),
	})
}

// Run handlers

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		MachineID: q.Get("machine_id"),
		ShiftID:   q.Get("shift_id"),
		ProductID: q.Get("product_id"),
		Status:    models.RunStatus(q.Get("status")),
	}
	switch filter.Status {
	case "", models.RunStatusActive, models.RunStatusCompleted:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}

	var err error
	if filter.From, filter.To, err = parseRange(r); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if runs == nil {
		runs = []models.ProductionRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req production.StartRunRequest
	if !decode(w, r, &req) {
		return
	}

	run, err := s.runs.StartRun(r.Context(), req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.runs.RunDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) getActiveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ActiveRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) endRun(w http.ResponseWriter, r *http.Request) {
	var req production.EndRunRequest
	if !decode(w, r, &req) {
		return
	}
	req.RunID = chi.URLParam(r, "id")

	run, err := s.runs.EndRun(r.Context(), req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) updateCounts(w http.ResponseWriter, r *http.Request) {
	var counts production.Counts
	if !decode(w, r, &counts) {
		return
	}

	run, err := s.runs.UpdateCounts(r.Context(), chi.URLParam(r, "id"), counts)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type snapshotResponse struct {
	*oee.Snapshot
	Evaluation oee.Evaluation `json:"evaluation"`
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runs.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshotResponse{
		Snapshot:   snap,
		Evaluation: s.runs.Calculator().Evaluate(snap.Result),
	})
}

// Downtime handlers

func (s *Server) listDowntimes(w http.ResponseWriter, r *http.Request) {
	downtimes, err := s.runs.ListDowntimes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	if downtimes == nil {
		downtimes = []models.Downtime{}
	}
	respondJSON(w, http.StatusOK, downtimes)
}

func (s *Server) startDowntime(w http.ResponseWriter, r *http.Request) {
	var req production.StartDowntimeRequest
	if !decode(w, r, &req) {
		return
	}
	req.RunID = chi.URLParam(r, "id")

	dt, err := s.runs.StartDowntime(r.Context(), req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, dt)
}

func (s *Server) endDowntime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EndTime time.Time `json:"end_time"`
	}
	if !decode(w, r, &req) {
		return
	}

	dt, err := s.runs.EndDowntime(r.Context(), chi.URLParam(r, "id"), req.EndTime)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dt)
}

// Report handlers

type paretoResponse struct {
	Entries         []analytics.LossEntry `json:"entries"`
	TopContributors []analytics.LossEntry `json:"top_contributors"`
}

func (s *Server) getPareto(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var threshold float64
	if v := r.URL.Query().Get("threshold"); v != "" {
		if threshold, err = strconv.ParseFloat(v, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
	}

	entries, err := s.reports.Pareto(r.Context(), filter)
	if err != nil {
		s.handleError(w, err)
		return
	}
	top := analytics.TopContributors(entries, threshold)
	if top == nil {
		top = []analytics.LossEntry{}
	}
	respondJSON(w, http.StatusOK, paretoResponse{Entries: entries, TopContributors: top})
}

func (s *Server) getTrend(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := interval.ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := s.reports.Trend(r.Context(), filter, g)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, points)
}

func (s *Server) getMachineComparison(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	summaries, err := s.reports.CompareMachines(r.Context(), filter)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

// Catalog handlers

func (s *Server) putMachine(w http.ResponseWriter, r *http.Request) {
	var m models.Machine
	if !decode(w, r, &m) {
		return
	}
	if m.HourlyProductionValue < 0 {
		respondError(w, http.StatusBadRequest, "hourly_production_value must not be negative")
		return
	}
	m.ID = idOrNew(m.ID)
	m.CreatedAt = time.Now().UTC()

	if err := s.catalog.PutMachine(r.Context(), &m); err != nil {
		s.handleError(w, err)
		return
	}
	s.reports.InvalidateCatalog(r.Context(), "machine", m.ID)
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) putProduct(w http.ResponseWriter, r *http.Request) {
	var p models.Product
	if !decode(w, r, &p) {
		return
	}
	if p.TheoreticalCycleTime <= 0 {
		respondError(w, http.StatusBadRequest, "theoretical_cycle_time must be greater than zero")
		return
	}
	p.ID = idOrNew(p.ID)
	p.CreatedAt = time.Now().UTC()

	if err := s.catalog.PutProduct(r.Context(), &p); err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) putShift(w http.ResponseWriter, r *http.Request) {
	var sh models.Shift
	if !decode(w, r, &sh) {
		return
	}
	if _, err := interval.ShiftMinutes(sh.StartTime, sh.EndTime); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sh.ID = idOrNew(sh.ID)
	sh.CreatedAt = time.Now().UTC()

	if err := s.catalog.PutShift(r.Context(), &sh); err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sh)
}

func (s *Server) putCategory(w http.ResponseWriter, r *http.Request) {
	var c models.DowntimeCategory
	if !decode(w, r, &c) {
		return
	}
	if !c.Type.Valid() {
		respondError(w, http.StatusBadRequest, "category_type must be planned or unplanned")
		return
	}
	c.ID = idOrNew(c.ID)
	c.CreatedAt = time.Now().UTC()

	if err := s.catalog.PutCategory(r.Context(), &c); err != nil {
		s.handleError(w, err)
		return
	}
	s.reports.InvalidateCatalog(r.Context(), "downtime_category", c.ID)
	respondJSON(w, http.StatusCreated, c)
}

// Helpers

func (s *Server) handleError(w http.ResponseWriter, err error) {
	var (
		ve *production.ValidationError
		ce *production.ConflictError
		se *production.StateError
		ne *production.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ne), errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ce), errors.As(err, &se), errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body. An empty body leaves dest untouched.
func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func parseFilter(r *http.Request) (analytics.Filter, error) {
	from, to, err := parseRange(r)
	if err != nil {
		return analytics.Filter{}, err
	}
	return analytics.Filter{
		MachineID: r.URL.Query().Get("machine_id"),
		ShiftID:   r.URL.Query().Get("shift_id"),
		From:      from,
		To:        to,
	}, nil
}

func parseRange(r *http.Request) (from, to time.Time, err error) {
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, fmt.Errorf("invalid from: %w", err)
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, fmt.Errorf("invalid to: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return from, to, errors.New("to must be after from")
	}
	return from, to, nil
}

func idOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": message,
	})
}
