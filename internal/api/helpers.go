// Package api implements the local HTTP control API of the DSP daemon.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/repository"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctrl   Controller
	events EventBus
}

// Controller is the interface the handlers use to read and change the daemon's state.
type Controller interface {
	State() models.State
	GetInfo() models.Info
	SetEnabled(enabled bool) (models.State, *models.AppError)
	Devices(ctx context.Context) []models.AudioDevice
	Configs() []repository.RankedConfig
	GetConfig(id string) (models.Config, *models.AppError)
	PutConfig(id string, cfg models.Config) (models.Config, *models.AppError)
	DeleteConfig(id string) *models.AppError
	SetDeviceConfig(deviceID, configID string) *models.AppError
	MergedConfig(deviceIDs []string) (models.Config, *models.AppError)
	SetDevicesConfig(deviceIDs []string, cfg models.Config) (models.Config, *models.AppError)
	OpenSession(ctx context.Context, id int) *models.AppError
	CloseSession(ctx context.Context, id int) *models.AppError
}

// EventBus is the interface for subscribing to state change events.
type EventBus interface {
	Subscribe(id string) <-chan models.State
	Unsubscribe(id string)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error as a JSON response. Callers must not pass a
// nil *models.AppError.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) *models.AppError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ErrBadRequest("invalid JSON: " + err.Error())
	}
	return nil
}

// intParam reads an integer path parameter by name.
func intParam(r *http.Request, name string) (int, *models.AppError) {
	s := chi.URLParam(r, name)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, models.ErrBadRequest("invalid " + name + " parameter")
	}
	return n, nil
}
