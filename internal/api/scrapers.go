package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"harvestd/internal/runner"
	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

type scraperRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Driver      string            `json:"driver"`
	Config      map[string]any    `json:"config"`
	Headers     map[string]string `json:"headers"`
	IsActive    *bool             `json:"is_active"`
}

type scraperResponse struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Driver      string            `json:"driver"`
	Config      map[string]any    `json:"config"`
	Headers     map[string]string `json:"headers"`
	Namespace   string            `json:"namespace"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

func toScraperResponse(t store.TaskDefinition) scraperResponse {
	return scraperResponse{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Driver:      t.Driver,
		Config:      t.Config,
		Headers:     t.Headers,
		Namespace:   t.Namespace,
		IsActive:    t.IsActive,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) createScraper(w http.ResponseWriter, r *http.Request) {
	var req scraperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Driver == "" {
		writeError(w, http.StatusBadRequest, "driver is required")
		return
	}

	task := store.TaskDefinition{
		Name:        req.Name,
		Description: req.Description,
		Driver:      req.Driver,
		Config:      req.Config,
		Headers:     req.Headers,
		IsActive:    true,
	}
	if req.IsActive != nil {
		task.IsActive = *req.IsActive
	}

	if err := s.store.CreateTask(r.Context(), &task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("scraper created",
		logx.Int64("task_id", task.ID),
		logx.String("name", task.Name),
		logx.String("driver", task.Driver))
	writeJSON(w, http.StatusCreated, toScraperResponse(task))
}

func (s *Server) listScrapers(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]scraperResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toScraperResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getScraper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScraperResponse(task))
}

func (s *Server) updateScraper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}

	var req scraperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != "" {
		task.Name = req.Name
	}
	if req.Description != "" {
		task.Description = req.Description
	}
	if req.Driver != "" {
		task.Driver = req.Driver
	}
	if req.Config != nil {
		task.Config = req.Config
	}
	if req.Headers != nil {
		task.Headers = req.Headers
	}
	if req.IsActive != nil {
		task.IsActive = *req.IsActive
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.respondStoreErr(w, err)
		return
	}
	task, err = s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScraperResponse(task))
}

// deleteScraper removes the task, its jobs and executions (cascade) and its
// storage namespace. Live triggers for its jobs are removed first so nothing
// fires against a vanished task.
func (s *Server) deleteScraper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	taskID := id
	jobs, err := s.store.ListJobs(r.Context(), &taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, j := range jobs {
		s.scheduler.RemoveJob(r.Context(), j.ID)
	}

	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		s.respondStoreErr(w, err)
		return
	}
	s.log.Info("scraper deleted", logx.Int64("task_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type runRequest struct {
	Params map[string]any `json:"params"`
}

type runResponse struct {
	ExecutionID int64 `json:"execution_id"`
}

func (s *Server) runScraper(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	execID, err := s.runner.Execute(r.Context(), id, nil, scraper.Params(req.Params))
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, runner.ErrTaskInactive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, runner.ErrPluginLoad):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{ExecutionID: execID})
}

func (s *Server) respondStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
