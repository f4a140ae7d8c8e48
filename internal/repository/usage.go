package repository

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/micro-nova/dspd/internal/models"
)

// RankedConfig is a config with its usage score.
type RankedConfig struct {
	Config models.Config `json:"config"`
	Score  float64       `json:"score"`
}

// recordUsage appends a usage and trims the history. Caller is inside apply.
func (r *Repository) recordUsage(p *models.Prefs, id string, now time.Time) {
	p.ConfigUsages[id] = append(p.ConfigUsages[id], now)
	trimUsages(p, now.Add(-r.window))
}

// ConfigUsed records that the config was picked by the user.
func (r *Repository) ConfigUsed(id string) *models.AppError {
	now := r.now()
	_, err := r.apply(func(p *models.Prefs) error {
		if _, ok := p.Configs[id]; !ok {
			return models.ErrNotFound("config not found")
		}
		r.recordUsage(p, id, now)
		return nil
	})
	return appError(err)
}

// UsageScores returns a recency-weighted popularity score in 0..1 for every id.
func (r *Repository) UsageScores(ids []string) map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return UsageScores(r.prefs.ConfigUsages, ids, r.now())
}

// UsageScores weighs each usage by t^4, t being the usage's position between
// the oldest usage of any candidate (0) and now (1). Each candidate's weights
// are summed, then the sums are normalized to 0..1 across candidates. When
// all sums are equal every candidate with any usage scores 1.
func UsageScores(usages map[string][]time.Time, ids []string, now time.Time) map[string]float64 {
	var oldest time.Time
	for _, id := range ids {
		for _, u := range usages[id] {
			if oldest.IsZero() || u.Before(oldest) {
				oldest = u
			}
		}
	}

	span := now.Sub(oldest).Seconds()
	raw := make(map[string]float64, len(ids))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, id := range ids {
		var sum float64
		for _, u := range usages[id] {
			t := 1.0
			if span > 0 {
				t = math.Min(1, math.Max(0, u.Sub(oldest).Seconds()/span))
			}
			sum += accelerate(t)
		}
		raw[id] = sum
		lo = math.Min(lo, sum)
		hi = math.Max(hi, sum)
	}

	scores := make(map[string]float64, len(ids))
	for _, id := range ids {
		switch {
		case hi > lo:
			scores[id] = (raw[id] - lo) / (hi - lo)
		case raw[id] > 0:
			scores[id] = 1
		default:
			scores[id] = 0
		}
	}
	return scores
}

// accelerate is an accelerate-interpolator curve with factor 2.
func accelerate(t float64) float64 {
	return math.Pow(t, 4)
}

// RankedConfigs returns every config ordered by score (descending), then id.
func (r *Repository) RankedConfigs() []RankedConfig {
	configs := r.Configs()
	ids := make([]string, len(configs))
	for i, c := range configs {
		ids[i] = c.ID
	}
	scores := r.UsageScores(ids)

	out := make([]RankedConfig, len(configs))
	for i, c := range configs {
		out[i] = RankedConfig{Config: c, Score: scores[c.ID]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Config.ID < out[j].Config.ID
	})
	return out
}

func trimUsages(p *models.Prefs, cutoff time.Time) {
	for id, us := range p.ConfigUsages {
		kept := us[:0]
		for _, u := range us {
			if !u.Before(cutoff) {
				kept = append(kept, u)
			}
		}
		if len(kept) == 0 {
			delete(p.ConfigUsages, id)
		} else {
			p.ConfigUsages[id] = kept
		}
	}
}

// Prune drops associations of Bluetooth devices that are no longer bonded
// (only when bondedKnown, so an unreachable adapter does not wipe them),
// deletes custom configs no device uses, and trims old usages.
func (r *Repository) Prune(bonded []models.AudioDevice, bondedKnown bool) error {
	now := r.now()
	_, err := r.apply(func(p *models.Prefs) error {
		if bondedKnown {
			keep := map[string]bool{models.PhoneDeviceID: true, models.AuxDeviceID: true}
			for _, d := range bonded {
				keep[d.ID()] = true
			}
			for dev := range p.ConfigsByDevice {
				if !keep[dev] {
					slog.Info("repository: dropping association of unbonded device", "device", dev)
					delete(p.ConfigsByDevice, dev)
				}
			}
		}

		used := make(map[string]bool, len(p.ConfigsByDevice))
		for _, cid := range p.ConfigsByDevice {
			used[cid] = true
		}
		for id := range p.Configs {
			if models.IsCustomID(id) && !used[id] {
				slog.Info("repository: deleting unused custom config", "config", id)
				delete(p.Configs, id)
				delete(p.ConfigUsages, id)
			}
		}
		for id := range p.ConfigUsages {
			if _, ok := p.Configs[id]; !ok {
				delete(p.ConfigUsages, id)
			}
		}

		trimUsages(p, now.Add(-r.window))
		return nil
	})
	return err
}
