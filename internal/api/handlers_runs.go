package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/runs"
	"github.com/maxq-dev/maxq/internal/store"
)

func (s *server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid JSON body"))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}

	run, err := s.deps.Runs.Create(r.Context(), runs.CreateInput{
		FlowName: req.FlowName,
		Input:    req.Input,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	if cached, ok := s.deps.Cache.GetRun(r.Context(), id); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Cache.PutRun(r.Context(), run)
	writeJSON(w, http.StatusOK, run)
}

func (s *server) patchRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	var req patchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid JSON body"))
		return
	}

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Status != nil {
		status := models.RunStatus(*req.Status)
		switch status {
		case models.RunPending, models.RunRunning, models.RunPaused, models.RunCompleted, models.RunFailed:
			run.Status = status
		default:
			writeError(w, apperr.Validation("invalid status value"))
			return
		}
	}
	if req.Output != nil {
		run.Output = req.Output
	}
	if req.Error != nil {
		run.Error = req.Error
	}
	if req.Name != nil {
		run.Name = req.Name
	}
	if req.Description != nil {
		run.Description = req.Description
	}

	if err := s.deps.Store.UpdateRun(r.Context(), run); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Cache.InvalidateRun(r.Context(), id)
	writeJSON(w, http.StatusOK, run)
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		FlowName: q.Get("flowName"),
		Status:   q.Get("status"),
	}
	page := store.Page{
		Limit:     queryInt(q, "limit", 20),
		Offset:    queryInt(q, "offset", 0),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	}

	list, err := s.deps.Store.ListRuns(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": list.Runs,
		"pagination": paginationResponse{
			Limit:  page.Limit,
			Offset: page.Offset,
			Total:  list.Total,
		},
	})
}

func (s *server) abortRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	killed, err := s.deps.Runs.Abort(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Cache.InvalidateRun(r.Context(), id)
	s.deps.Events.Publish("run.aborted", eventFor("run.aborted", id, "aborted"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "run aborted",
		"processesKilled": killed,
	})
}

func (s *server) pauseRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	killed, err := s.deps.Runs.Pause(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Cache.InvalidateRun(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "run paused",
		"processesKilled": killed,
	})
}

func (s *server) resumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.deps.Runs.Resume(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Cache.InvalidateRun(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"message": "run resumed",
	})
}

func (s *server) retryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.deps.Runs.RetryRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Cache.InvalidateRun(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"message": "run retry scheduled",
	})
}

func queryInt(q url.Values, key string, def int) int {
	raw := q.Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
