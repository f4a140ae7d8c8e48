package controller

import (
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/repository"
)

// Configs returns every config ranked by recent usage.
func (c *Controller) Configs() []repository.RankedConfig {
	return c.repo.RankedConfigs()
}

// GetConfig returns one config.
func (c *Controller) GetConfig(id string) (models.Config, *models.AppError) {
	return c.repo.Config(id)
}

// PutConfig creates or replaces the config with the given id. An id in the
// body, if any, must match.
func (c *Controller) PutConfig(id string, cfg models.Config) (models.Config, *models.AppError) {
	if cfg.ID != "" && cfg.ID != id {
		return models.Config{}, models.ErrBadField("id", "id in body does not match the path")
	}
	cfg.ID = id
	return c.repo.UpdateConfig(cfg)
}

// DeleteConfig removes a config. Devices using it fall back to the default.
func (c *Controller) DeleteConfig(id string) *models.AppError {
	return c.repo.DeleteConfig(id)
}

// SetDeviceConfig associates a device with a config.
func (c *Controller) SetDeviceConfig(deviceID, configID string) *models.AppError {
	return c.repo.SetDeviceConfig(deviceID, configID)
}

// MergedConfig returns the combined config of several devices, used to seed
// an editor that applies to all of them at once.
func (c *Controller) MergedConfig(deviceIDs []string) (models.Config, *models.AppError) {
	if len(deviceIDs) == 0 {
		return models.Config{}, models.ErrBadField("device_ids", "at least one device is required")
	}
	return c.repo.MergedConfig(deviceIDs), nil
}

// SetDevicesConfig saves cfg and associates it with every device.
func (c *Controller) SetDevicesConfig(deviceIDs []string, cfg models.Config) (models.Config, *models.AppError) {
	return c.repo.SetDevicesConfig(deviceIDs, cfg)
}
