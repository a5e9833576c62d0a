package api

import (
	"net/http"
	"strconv"
	"time"

	"harvestd/internal/store"
)

type executionResponse struct {
	ID           int64          `json:"id"`
	TaskID       int64          `json:"task_id"`
	JobID        *int64         `json:"job_id,omitempty"`
	Status       string         `json:"status"`
	StartedAt    string         `json:"started_at"`
	CompletedAt  *string        `json:"completed_at,omitempty"`
	ItemsScraped int            `json:"items_scraped"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Logs         string         `json:"logs,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

func toExecutionResponse(e store.ExecutionRecord) executionResponse {
	resp := executionResponse{
		ID:           e.ID,
		TaskID:       e.TaskID,
		JobID:        e.JobID,
		Status:       e.Status,
		StartedAt:    e.StartedAt.UTC().Format(time.RFC3339),
		ItemsScraped: e.ItemsScraped,
		ErrorMessage: e.ErrorMessage,
		Logs:         e.Logs,
		Params:       e.Params,
		Metrics:      e.Metrics,
	}
	if e.CompletedAt != nil {
		s := e.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	var taskID *int64
	if raw := r.URL.Query().Get("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task_id")
			return
		}
		taskID = &id
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	execs, err := s.store.ListExecutions(r.Context(), taskID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(exec))
}
