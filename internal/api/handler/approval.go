package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/deployctl/internal/api/request"
	"github.com/edvin/deployctl/internal/api/response"
	"github.com/edvin/deployctl/internal/approval"
)

type Approval struct {
	gate *approval.Gate
}

func NewApproval(gate *approval.Gate) *Approval {
	return &Approval{gate: gate}
}

func (h *Approval) Pending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.gate.Pending(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, pending)
}

func (h *Approval) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *Approval) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Approval) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	id, err := request.RequireID(chi.URLParam(r, "executionID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.Decision
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolved, err := h.gate.Decide(r.Context(), id, req.ApproverEmail, approved, req.Reason)
	switch {
	case err == nil:
		response.WriteJSON(w, http.StatusOK, resolved)
	case errors.Is(err, approval.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
