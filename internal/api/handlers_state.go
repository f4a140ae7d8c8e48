package api

import (
	"net/http"

	"github.com/micro-nova/dspd/internal/models"
)

func (h *Handlers) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.State())
}

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.GetInfo())
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	if req.Enabled == nil {
		writeError(w, models.ErrBadField("enabled", "enabled is required"))
		return
	}
	state, appErr := h.ctrl.SetEnabled(*req.Enabled)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handlers) openSession(w http.ResponseWriter, r *http.Request) {
	sid, appErr := intParam(r, "sid")
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	if appErr := h.ctrl.OpenSession(r.Context(), sid); appErr != nil {
		writeError(w, appErr)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	sid, appErr := intParam(r, "sid")
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	if appErr := h.ctrl.CloseSession(r.Context(), sid); appErr != nil {
		writeError(w, appErr)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
