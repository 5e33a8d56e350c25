package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/deployctl/internal/api/request"
	"github.com/edvin/deployctl/internal/api/response"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/pipeline"
)

type Deployment struct {
	orch *pipeline.Orchestrator
}

func NewDeployment(orch *pipeline.Orchestrator) *Deployment {
	return &Deployment{orch: orch}
}

// Create accepts a deployment request and starts the pipeline in the
// background. The response is a 202 with the execution ID to poll.
func (h *Deployment) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateDeployment
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	envs, err := resolveEnvironments(req)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := h.orch.Submit(&model.DeploymentRequest{
		Module: model.ModuleDescriptor{
			Name:        req.ModuleName,
			Version:     req.Version,
			Description: req.Description,
			Author:      req.Author,
		},
		Environments:    envs,
		RequesterEmail:  req.RequesterEmail,
		RequireApproval: req.RequireApproval,
		Metadata:        req.Metadata,
	})
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	response.WriteAccepted(w, exec.ExecutionID, exec.Status)
}

func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "executionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := h.orch.Get(id)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, exec)
}

func (h *Deployment) List(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.orch.List())
}

// Rollback reverts the most recently completed stage of a finished execution.
func (h *Deployment) Rollback(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "executionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := h.orch.Rollback(id, "manual"); {
	case err == nil:
		response.WriteAccepted(w, id, model.PipelineRunning)
	case errors.Is(err, pipeline.ErrExecutionNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrExecutionRunning), errors.Is(err, pipeline.ErrNothingToRollback):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// Cancel aborts a running execution.
func (h *Deployment) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "executionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := h.orch.Cancel(id); {
	case err == nil:
		response.WriteAccepted(w, id, model.PipelineRunning)
	case errors.Is(err, pipeline.ErrExecutionNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrExecutionTerminal):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// resolveEnvironments turns the request's environment fields into the chain
// the orchestrator should run: an explicit list wins, then the promotion
// chain through the target environment, then the full default chain.
func resolveEnvironments(req request.CreateDeployment) ([]model.Environment, error) {
	if len(req.Environments) > 0 {
		envs := make([]model.Environment, 0, len(req.Environments))
		for _, raw := range req.Environments {
			env, err := model.ParseEnvironment(raw)
			if err != nil {
				return nil, err
			}
			envs = append(envs, env)
		}
		return envs, nil
	}
	if req.TargetEnvironment != "" {
		target, err := model.ParseEnvironment(req.TargetEnvironment)
		if err != nil {
			return nil, err
		}
		return model.ChainThrough(target), nil
	}
	return nil, nil
}
