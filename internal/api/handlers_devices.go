package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/dspd/internal/models"
)

type deviceConfigRequest struct {
	ConfigID string `json:"config_id"`
}

type devicesConfigRequest struct {
	DeviceIDs []string       `json:"device_ids"`
	Config    *models.Config `json:"config,omitempty"`
}

func (h *Handlers) getDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Devices(r.Context()))
}

func (h *Handlers) setDeviceConfig(w http.ResponseWriter, r *http.Request) {
	var req deviceConfigRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	if req.ConfigID == "" {
		writeError(w, models.ErrBadField("config_id", "config_id is required"))
		return
	}
	if appErr := h.ctrl.SetDeviceConfig(chi.URLParam(r, "did"), req.ConfigID); appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.State())
}

func (h *Handlers) mergedConfig(w http.ResponseWriter, r *http.Request) {
	var req devicesConfigRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	cfg, appErr := h.ctrl.MergedConfig(req.DeviceIDs)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) setDevicesConfig(w http.ResponseWriter, r *http.Request) {
	var req devicesConfigRequest
	if appErr := decodeBody(r, &req); appErr != nil {
		writeError(w, appErr)
		return
	}
	if req.Config == nil {
		writeError(w, models.ErrBadField("config", "config is required"))
		return
	}
	saved, appErr := h.ctrl.SetDevicesConfig(req.DeviceIDs, *req.Config)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
