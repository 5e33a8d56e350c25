package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/deployctl/internal/api/response"
	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/model"
)

type Environment struct {
	probe cluster.Probe
}

func NewEnvironment(probe cluster.Probe) *Environment {
	return &Environment{probe: probe}
}

// Health returns the latest health snapshot and aggregate metrics for one
// environment.
func (h *Environment) Health(w http.ResponseWriter, r *http.Request) {
	env, err := model.ParseEnvironment(chi.URLParam(r, "env"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.probe.Health(r.Context(), env)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	metrics, err := h.probe.Metrics(r.Context(), env)
	if err != nil {
		response.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"environment":   env,
		"total_nodes":   snap.TotalNodes,
		"healthy_nodes": snap.HealthyNodes,
		"healthy_ratio": snap.HealthyRatio(),
		"metrics":       metrics,
	})
}
