package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"harvestd/internal/sched"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

type jobRequest struct {
	TaskID         int64          `json:"task_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ScheduleKind   string         `json:"schedule_kind"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	Params         map[string]any `json:"params"`
	IsActive       *bool          `json:"is_active"`
}

type jobResponse struct {
	ID             int64          `json:"id"`
	TaskID         int64          `json:"task_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ScheduleKind   string         `json:"schedule_kind"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	Params         map[string]any `json:"params"`
	IsActive       bool           `json:"is_active"`
	TriggerID      string         `json:"trigger_id,omitempty"`
	LastRunAt      *string        `json:"last_run_at,omitempty"`
	NextRunAt      *string        `json:"next_run_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

func toJobResponse(j store.ScheduledJob) jobResponse {
	fmtPtr := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339)
		return &s
	}
	return jobResponse{
		ID:             j.ID,
		TaskID:         j.TaskID,
		Name:           j.Name,
		Description:    j.Description,
		ScheduleKind:   j.ScheduleKind,
		ScheduleConfig: j.ScheduleConfig,
		Params:         j.Params,
		IsActive:       j.IsActive,
		TriggerID:      j.TriggerID,
		LastRunAt:      fmtPtr(j.LastRunAt),
		NextRunAt:      fmtPtr(j.NextRunAt),
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := sched.Validate(req.ScheduleKind, req.ScheduleConfig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.GetTask(r.Context(), req.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "task does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job := store.ScheduledJob{
		TaskID:         req.TaskID,
		Name:           req.Name,
		Description:    req.Description,
		ScheduleKind:   req.ScheduleKind,
		ScheduleConfig: req.ScheduleConfig,
		Params:         req.Params,
		IsActive:       true,
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}

	if err := s.store.CreateJob(r.Context(), &job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if job.IsActive {
		if err := s.scheduler.AddJob(r.Context(), job); err != nil {
			// Validated above; reaching here means the scheduler rejected the
			// job anyway. Do not keep a row that can never fire.
			_ = s.store.DeleteJob(r.Context(), job.ID)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	created, err := s.store.GetJob(r.Context(), job.ID)
	if err == nil {
		job = created
	}
	s.log.Info("job created",
		logx.Int64("job_id", job.ID),
		logx.Int64("task_id", job.TaskID),
		logx.String("kind", job.ScheduleKind))
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var taskID *int64
	if raw := r.URL.Query().Get("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task_id")
			return
		}
		taskID = &id
	}
	jobs, err := s.store.ListJobs(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != "" {
		job.Name = req.Name
	}
	if req.Description != "" {
		job.Description = req.Description
	}
	if req.ScheduleKind != "" {
		job.ScheduleKind = req.ScheduleKind
	}
	if req.ScheduleConfig != nil {
		job.ScheduleConfig = req.ScheduleConfig
	}
	if req.Params != nil {
		job.Params = req.Params
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}

	if err := sched.Validate(job.ScheduleKind, job.ScheduleConfig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		s.respondStoreErr(w, err)
		return
	}

	// Re-register so the live trigger matches the stored schedule.
	if job.IsActive {
		if err := s.scheduler.AddJob(r.Context(), job); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		s.scheduler.RemoveJob(r.Context(), job.ID)
	}

	job, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	s.scheduler.RemoveJob(r.Context(), id)
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.respondStoreErr(w, err)
		return
	}
	s.log.Info("job deleted", logx.Int64("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateJob(w http.ResponseWriter, r *http.Request) {
	s.setJobActive(w, r, true)
}

func (s *Server) deactivateJob(w http.ResponseWriter, r *http.Request) {
	s.setJobActive(w, r, false)
}

func (s *Server) setJobActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}

	job.IsActive = active
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		s.respondStoreErr(w, err)
		return
	}
	if active {
		if err := s.scheduler.AddJob(r.Context(), job); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		s.scheduler.RemoveJob(r.Context(), job.ID)
	}

	job, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}
