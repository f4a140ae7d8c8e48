package config

import (
	"log/slog"
	"math"
	"time"

	"github.com/micro-nova/dspd/internal/models"
)

// migratePrefs converts older files to the current schema and fills in
// anything missing.
func migratePrefs(p *models.Prefs) {
	if p.Version < models.PrefsVersion {
		slog.Info("config: migrating prefs", "from", p.Version, "to", models.PrefsVersion)
		for id, c := range p.Configs {
			p.Configs[id] = denormalize(c)
		}
	}
	p.Version = models.PrefsVersion

	if p.Configs == nil {
		p.Configs = map[string]models.Config{}
	}
	if p.ConfigsByDevice == nil {
		p.ConfigsByDevice = map[string]string{}
	}
	if p.ConfigUsages == nil {
		p.ConfigUsages = map[string][]time.Time{}
	}

	for id, c := range p.Configs {
		c.ID = id
		if len(c.Eq) == 0 {
			slog.Warn("config: config without bands, resetting EQ", "config", id)
			c = c.WithBands(models.DefaultEqBands)
		}
		p.Configs[id] = clampConfig(c)
	}

	if _, ok := p.Configs[models.DefaultConfigID]; !ok {
		slog.Info("config: adding missing default config")
		p.Configs[models.DefaultConfigID] = models.DefaultConfig()
	}
}

// denormalize converts a config stored as 0..1 values into dB.
func denormalize(c models.Config) models.Config {
	next := c.Copy()
	for f, v := range c.Eq {
		next.Eq[f] = models.Lerp(models.EqMinDB, models.EqMaxDB, v)
	}
	next.BassBoost = c.BassBoost * models.BassBoostMaxDB
	next.PostGain = c.PostGain * models.PostGainMaxDB
	return next
}

func clampConfig(c models.Config) models.Config {
	for f, g := range c.Eq {
		c.Eq[f] = clamp(g, models.EqMinDB, models.EqMaxDB)
	}
	c.BassBoost = clamp(c.BassBoost, 0, models.BassBoostMaxDB)
	c.PostGain = clamp(c.PostGain, -models.PostGainMaxDB, models.PostGainMaxDB)
	return c
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
