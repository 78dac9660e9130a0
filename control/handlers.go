package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aluiziolira/go-form-autofill/driver"
	"github.com/aluiziolira/go-form-autofill/models"
	"github.com/aluiziolira/go-form-autofill/parser"
	"github.com/aluiziolira/go-form-autofill/source"
)

const (
	maxBodyBytes      = 4 << 20
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

// runRequest is the host config with an optional delay.
type runRequest struct {
	models.HostConfig
	DelayMs *int `json:"delayMs"`
}

type stopResponse struct {
	Stopped bool            `json:"stopped"`
	State   models.RunState `json:"state"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	host := req.HostConfig
	host.DelayMs = models.DefaultDelayMs
	if req.DelayMs != nil {
		host.DelayMs = *req.DelayMs
	}

	if host.PreviouslyProcessed == nil && s.store != nil {
		processed, err := s.store.ProcessedItems(r.Context())
		if err != nil {
			slog.Error("Loading processed items failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to load processed items")
			return
		}
		host.PreviouslyProcessed = processed
	}

	if err := s.runner.Start(s.runCtx, host.RunConfig()); err != nil {
		writeError(w, runErrorStatus(err), err.Error())
		return
	}

	if s.store != nil {
		settings := models.Settings{
			Dates:     host.Dates,
			DateGoals: host.DateGoals,
			DelayMs:   host.DelayMs,
			DateIndex: host.StartDateIndex,
		}
		if settings.DateGoals == nil {
			settings.DateGoals = map[string]int{}
		}
		if err := s.store.SaveSettings(r.Context(), settings); err != nil {
			slog.Warn("Saving settings failed", slog.Any("error", err))
		}
	}

	writeJSON(w, http.StatusAccepted, s.runner.State())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Pause(); err != nil {
		writeError(w, runErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.runner.State())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Resume(); err != nil {
		writeError(w, runErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.runner.State())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.runner.Stop()
	writeJSON(w, http.StatusOK, stopResponse{Stopped: stopped, State: s.runner.State()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.State())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	settings, err := s.store.LoadSettings(r.Context())
	if err != nil {
		slog.Error("Loading settings failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	settings := models.DefaultSettings()
	if err := decodeBody(w, r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateSettings(settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveSettings(r.Context(), settings); err != nil {
		slog.Error("Saving settings failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleClearSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.store.ClearSettings(r.Context()); err != nil {
		slog.Error("Clearing settings failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to clear settings")
		return
	}
	writeJSON(w, http.StatusOK, models.DefaultSettings())
}

func (s *Server) handleGetProcessed(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	items, err := s.store.ProcessedItems(r.Context())
	if err != nil {
		slog.Error("Loading processed items failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load processed items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleClearProcessed(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if s.runner.State().Phase.Active() {
		writeError(w, http.StatusConflict, driver.ErrRunActive.Error())
		return
	}
	n, err := s.store.ClearProcessed(r.Context())
	if err != nil {
		slog.Error("Clearing processed items failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to clear processed items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runs, err := s.store.Runs(r.Context(), 50)
	if err != nil {
		slog.Error("Loading runs failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
			return
		}
		limit = n
	}

	runID := mux.Vars(r)["id"]
	events, err := s.store.Events(r.Context(), runID, limit)
	if err != nil {
		slog.Error("Loading run events failed", slog.String("run_id", runID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load run events")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLoadItems(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		writeError(w, http.StatusServiceUnavailable, "list loading not configured")
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.loader.Load(r.Context(), req.URL)
	if err != nil {
		writeError(w, loadErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func validateSettings(settings models.Settings) error {
	for _, date := range settings.Dates {
		if err := parser.ValidateISODate(date); err != nil {
			return err
		}
	}
	for date, goal := range settings.DateGoals {
		if err := parser.ValidateISODate(date); err != nil {
			return err
		}
		if goal < 0 {
			return fmt.Errorf("goal for %s cannot be negative", date)
		}
	}
	if settings.DelayMs < 0 {
		return errors.New("delayMs cannot be negative")
	}
	if settings.DateIndex < 0 || (len(settings.Dates) > 0 && settings.DateIndex >= len(settings.Dates)) {
		return fmt.Errorf("dateIndex %d out of range", settings.DateIndex)
	}
	return nil
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, driver.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrRunActive),
		errors.Is(err, driver.ErrNotRunning),
		errors.Is(err, driver.ErrNotPaused):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func loadErrorStatus(err error) int {
	switch source.ErrorTypeLabel(err) {
	case "empty_list":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "other":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
