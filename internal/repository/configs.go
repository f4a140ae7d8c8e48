package repository

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/micro-nova/dspd/internal/models"
)

// Config returns a config by id.
func (r *Repository) Config(id string) (models.Config, *models.AppError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.prefs.Configs[id]
	if !ok {
		return models.Config{}, models.ErrNotFound("config not found")
	}
	return c.Copy(), nil
}

// Configs returns all configs ordered by id.
func (r *Repository) Configs() []models.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Config, 0, len(r.prefs.Configs))
	for _, c := range r.prefs.Configs {
		out = append(out, c.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolveConfig returns the config for deviceID and whether the association
// points at a config that no longer exists.
func resolveConfig(p *models.Prefs, deviceID string) (models.Config, bool) {
	def, ok := p.Configs[models.DefaultConfigID]
	if !ok {
		def = models.DefaultConfig()
	}
	id, ok := p.ConfigsByDevice[deviceID]
	if !ok {
		return def.Copy(), false
	}
	c, ok := p.Configs[id]
	if !ok {
		return def.Copy(), true
	}
	return c.Copy(), false
}

// DeviceConfig returns the config associated with deviceID, falling back to
// the default config. An association to a missing config is rewritten to
// point at the default.
func (r *Repository) DeviceConfig(deviceID string) models.Config {
	r.mu.RLock()
	c, broken := resolveConfig(&r.prefs, deviceID)
	r.mu.RUnlock()
	if !broken {
		return c
	}

	slog.Warn("repository: device points at a missing config, resetting to default", "device", deviceID)
	_, err := r.apply(func(p *models.Prefs) error {
		if _, broken := resolveConfig(p, deviceID); broken {
			p.ConfigsByDevice[deviceID] = models.DefaultConfigID
		}
		return nil
	})
	if err != nil {
		slog.Warn("repository: self-heal failed", "device", deviceID, "err", err)
	}
	return c
}

// ValidateConfig checks a config's values.
func ValidateConfig(c models.Config) *models.AppError {
	if len(c.Eq) == 0 {
		return models.ErrBadField("eq", "config needs at least one band")
	}
	for f, g := range c.Eq {
		if f <= 0 {
			return models.ErrBadField("eq", fmt.Sprintf("band frequency %d must be positive", f))
		}
		if math.IsNaN(g) || g < models.EqMinDB || g > models.EqMaxDB {
			return models.ErrBadField("eq", fmt.Sprintf("gain %v at %d Hz out of range [%v, %v]", g, f, models.EqMinDB, models.EqMaxDB))
		}
	}
	if math.IsNaN(c.BassBoost) || c.BassBoost < 0 || c.BassBoost > models.BassBoostMaxDB {
		return models.ErrBadField("bass_boost", fmt.Sprintf("bass boost out of range [0, %v]", models.BassBoostMaxDB))
	}
	if math.IsNaN(c.PostGain) || math.Abs(c.PostGain) > models.PostGainMaxDB {
		return models.ErrBadField("post_gain", fmt.Sprintf("post gain out of range [%v, %v]", -models.PostGainMaxDB, models.PostGainMaxDB))
	}
	return nil
}

// UpdateConfig creates or replaces a config. A config without an id gets a
// new custom id.
func (r *Repository) UpdateConfig(c models.Config) (models.Config, *models.AppError) {
	if c.ID == "" {
		c.ID = models.NewConfigID()
	}
	if appErr := ValidateConfig(c); appErr != nil {
		return models.Config{}, appErr
	}
	c = c.Copy()
	_, err := r.apply(func(p *models.Prefs) error {
		p.Configs[c.ID] = c
		return nil
	})
	if err != nil {
		return models.Config{}, appError(err)
	}
	return c, nil
}

// DeleteConfig removes a config, its usages and the associations to it.
// The default config cannot be deleted.
func (r *Repository) DeleteConfig(id string) *models.AppError {
	if id == models.DefaultConfigID {
		return models.ErrConflict("the default config cannot be deleted")
	}
	_, err := r.apply(func(p *models.Prefs) error {
		if _, ok := p.Configs[id]; !ok {
			return models.ErrNotFound("config not found")
		}
		delete(p.Configs, id)
		delete(p.ConfigUsages, id)
		for dev, cid := range p.ConfigsByDevice {
			if cid == id {
				delete(p.ConfigsByDevice, dev)
			}
		}
		return nil
	})
	return appError(err)
}

// SetDeviceConfig associates deviceID with an existing config and counts it
// as a usage of that config.
func (r *Repository) SetDeviceConfig(deviceID, configID string) *models.AppError {
	if deviceID == "" {
		return models.ErrBadField("device_id", "device id is required")
	}
	now := r.now()
	_, err := r.apply(func(p *models.Prefs) error {
		if _, ok := p.Configs[configID]; !ok {
			return models.ErrNotFound("config not found")
		}
		p.ConfigsByDevice[deviceID] = configID
		r.recordUsage(p, configID, now)
		return nil
	})
	return appError(err)
}

// MergedConfig combines the configs of several devices: bass boost and post
// gain are averaged, EQ gains are averaged per band when every config has the
// same bands and reset to neutral default bands otherwise. The result has no id.
func (r *Repository) MergedConfig(deviceIDs []string) models.Config {
	r.mu.RLock()
	configs := make([]models.Config, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		c, _ := resolveConfig(&r.prefs, id)
		configs = append(configs, c)
	}
	r.mu.RUnlock()
	return Merge(configs)
}

// Merge is the pure part of MergedConfig. Disagreeing band sets give neutral
// default bands rather than an empty EQ, which a saved config may not have.
func Merge(configs []models.Config) models.Config {
	if len(configs) == 0 {
		c := models.DefaultConfig()
		c.ID = ""
		return c
	}
	if len(configs) == 1 {
		c := configs[0].Copy()
		c.ID = ""
		return c
	}

	n := float64(len(configs))
	out := models.Config{Eq: map[int]float64{}}
	sameBands := true
	for _, c := range configs {
		out.BassBoost += c.BassBoost / n
		out.PostGain += c.PostGain / n
		if !c.SameBands(configs[0]) {
			sameBands = false
		}
	}
	if !sameBands {
		out.Eq = models.DefaultConfig().Eq
		return out
	}
	for f := range configs[0].Eq {
		for _, c := range configs {
			out.Eq[f] += c.Eq[f] / n
		}
	}
	return out
}

// SetDevicesConfig saves cfg (creating a custom id if it has none) and
// associates it with every device in deviceIDs.
func (r *Repository) SetDevicesConfig(deviceIDs []string, cfg models.Config) (models.Config, *models.AppError) {
	if len(deviceIDs) == 0 {
		return models.Config{}, models.ErrBadField("device_ids", "at least one device is required")
	}
	if cfg.ID == "" {
		cfg.ID = models.NewConfigID()
	}
	if appErr := ValidateConfig(cfg); appErr != nil {
		return models.Config{}, appErr
	}
	cfg = cfg.Copy()
	now := r.now()
	_, err := r.apply(func(p *models.Prefs) error {
		p.Configs[cfg.ID] = cfg
		for _, d := range deviceIDs {
			p.ConfigsByDevice[d] = cfg.ID
		}
		r.recordUsage(p, cfg.ID, now)
		return nil
	})
	if err != nil {
		return models.Config{}, appError(err)
	}
	return cfg, nil
}
