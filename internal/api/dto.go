// Package api is the thin HTTP transport the core consumes through (spec
// §1: "HTTP transport and request parsing ... appears only via the narrow
// interface the core consumes"). It binds/validates JSON, calls into
// internal/runs, internal/stages and internal/store, and maps domain
// errors to status codes. None of the scheduling, DAG, or process-
// supervision logic lives here.
package api

import "encoding/json"

// createRunRequest is the body of POST /runs.
type createRunRequest struct {
	FlowName string          `json:"flowName" validate:"required"`
	Input    json.RawMessage `json:"input,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// patchRunRequest is the body of PATCH /runs/{id}; every field is optional.
type patchRunRequest struct {
	Status      *string         `json:"status,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
}

// scheduleStepRequest mirrors models.StepDefinition for request binding.
type scheduleStepRequest struct {
	ID         string          `json:"id" validate:"required"`
	Name       string          `json:"name" validate:"required"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	Env        json.RawMessage `json:"env,omitempty"`
}

// scheduleStageRequest is the body of POST /runs/{id}/steps.
type scheduleStageRequest struct {
	Stage string                `json:"stage" validate:"required"`
	Final bool                  `json:"final"`
	Steps []scheduleStepRequest `json:"steps" validate:"required,min=1,dive"`
}

// postFieldsRequest is the body of POST /runs/{id}/steps/{stepId}/fields.
type postFieldsRequest struct {
	Fields json.RawMessage `json:"fields" validate:"required"`
}

// retryStepRequest is the body of POST /runs/{id}/steps/{stepId}/retry.
type retryStepRequest struct {
	CascadeDownstream bool `json:"cascadeDownstream,omitempty"`
}

// createLogRequest is the body of POST /runs/{id}/logs.
type createLogRequest struct {
	EntityType string          `json:"entityType" validate:"required,oneof=run stage step"`
	EntityID   *string         `json:"entityId,omitempty"`
	Level      string          `json:"level" validate:"required,oneof=debug info warn error"`
	Message    string          `json:"message" validate:"required"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// errorResponse is the uniform JSON shape for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// paginationResponse mirrors spec §6's GET /runs {data, pagination} shape.
type paginationResponse struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}
