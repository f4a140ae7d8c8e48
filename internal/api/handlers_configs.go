package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/dspd/internal/models"
)

func (h *Handlers) getConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Configs())
}

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, appErr := h.ctrl.GetConfig(chi.URLParam(r, "id"))
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.Config
	if appErr := decodeBody(r, &cfg); appErr != nil {
		writeError(w, appErr)
		return
	}
	saved, appErr := h.ctrl.PutConfig(chi.URLParam(r, "id"), cfg)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if appErr := h.ctrl.DeleteConfig(chi.URLParam(r, "id")); appErr != nil {
		writeError(w, appErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
