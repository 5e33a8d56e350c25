package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/deployctl/internal/api/request"
	"github.com/edvin/deployctl/internal/api/response"
	"github.com/edvin/deployctl/internal/model"
	"github.com/edvin/deployctl/internal/release"
)

type Release struct {
	store release.Store
}

func NewRelease(store release.Store) *Release {
	return &Release{store: store}
}

// List returns the release history for one module across environments.
func (h *Release) List(w http.ResponseWriter, r *http.Request) {
	moduleName, err := request.RequireID(chi.URLParam(r, "module"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.ListByModule(r.Context(), moduleName)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, records)
}

// Get returns the current and previous version of a module in one
// environment.
func (h *Release) Get(w http.ResponseWriter, r *http.Request) {
	moduleName, err := request.RequireID(chi.URLParam(r, "module"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	env, err := model.ParseEnvironment(chi.URLParam(r, "env"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Get(r.Context(), moduleName, env)
	switch {
	case err == nil:
		response.WriteJSON(w, http.StatusOK, rec)
	case errors.Is(err, release.ErrNoRelease):
		response.WriteError(w, http.StatusNotFound, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
