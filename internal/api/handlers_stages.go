package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/stages"
)

func (s *server) scheduleSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req scheduleStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid JSON body"))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}

	defs := make([]models.StepDefinition, 0, len(req.Steps))
	for _, st := range req.Steps {
		defs = append(defs, models.StepDefinition{
			ID:         st.ID,
			Name:       st.Name,
			DependsOn:  st.DependsOn,
			MaxRetries: st.MaxRetries,
			Env:        st.Env,
		})
	}

	stage, scheduled, err := s.deps.Stages.Schedule(r.Context(), runID, stages.ScheduleInput{
		Stage: req.Stage,
		Final: req.Final,
		Steps: defs,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"stage":     stage,
		"scheduled": len(scheduled),
		"steps":     scheduled,
	})
}

func (s *server) postFields(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")

	var req postFieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid JSON body"))
		return
	}

	step, err := s.deps.Store.GetStep(r.Context(), stepID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Fields never influence step status (spec P3): this is a key-wise
	// merge-patch via gjson/sjson directly over the raw JSON bytes already
	// stored, rather than a full unmarshal/remarshal round trip.
	if !gjson.ValidBytes(req.Fields) {
		writeError(w, apperr.Validation("invalid fields payload"))
		return
	}
	merged := nonNullJSON(step.Fields)
	var setErr error
	gjson.ParseBytes(req.Fields).ForEach(func(key, value gjson.Result) bool {
		merged, setErr = sjson.SetRawBytes(merged, key.String(), []byte(value.Raw))
		return setErr == nil
	})
	if setErr != nil {
		writeError(w, apperr.Validation("invalid fields payload"))
		return
	}
	step.Fields = merged

	if err := s.deps.Store.UpdateStep(r.Context(), step); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *server) getFields(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stepID := r.URL.Query().Get("stepId")

	if stepID != "" {
		step, err := s.deps.Store.GetStep(r.Context(), stepID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]json.RawMessage{stepID: nonNullJSON(step.Fields)})
		return
	}

	steps, err := s.deps.Store.ListStepsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]json.RawMessage, len(steps))
	for _, st := range steps {
		out[st.ID] = nonNullJSON(st.Fields)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) retryStep(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stepID := chi.URLParam(r, "stepID")

	var req retryStepRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Validation("invalid JSON body"))
			return
		}
	}

	result, err := s.deps.Runs.RetryStep(r.Context(), runID, stepID, req.CascadeDownstream)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"step":          result.Step,
		"cascadedSteps": result.CascadedSteps,
		"message":       "step retry scheduled",
	})
}

func nonNullJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
