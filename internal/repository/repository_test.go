package repository_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-nova/dspd/internal/config"
	"github.com/micro-nova/dspd/internal/models"
	"github.com/micro-nova/dspd/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newRepo(t *testing.T) (*repository.Repository, *config.MemStore, *clock) {
	t.Helper()
	store := config.NewMemStore()
	clk := &clock{now: t0}
	r, err := repository.New(store, repository.Options{Now: clk.Now})
	require.NoError(t, err)
	return r, store, clk
}

func custom(bass float64) models.Config {
	c := models.DefaultConfig()
	c.ID = ""
	c.BassBoost = bass
	return c
}

func TestDeviceConfig_FallsBackToDefault(t *testing.T) {
	r, store, _ := newRepo(t)

	c := r.DeviceConfig(models.PhoneDeviceID)
	assert.Equal(t, models.DefaultConfigID, c.ID)
	assert.Equal(t, 0, store.Saves(), "an unset association is not written")
}

func TestDeviceConfig_SelfHeals(t *testing.T) {
	r, store, _ := newRepo(t)

	p := models.DefaultPrefs()
	p.ConfigsByDevice[models.AuxDeviceID] = "gone"
	require.NoError(t, store.Save(&p))
	r, err := repository.New(store, repository.Options{})
	require.NoError(t, err)

	c := r.DeviceConfig(models.AuxDeviceID)
	assert.Equal(t, models.DefaultConfigID, c.ID)
	assert.Equal(t, models.DefaultConfigID, r.Prefs().ConfigsByDevice[models.AuxDeviceID])

	saved, _ := store.Load()
	assert.Equal(t, models.DefaultConfigID, saved.ConfigsByDevice[models.AuxDeviceID])
}

func TestUpdateConfig_AssignsCustomID(t *testing.T) {
	r, _, _ := newRepo(t)

	c, appErr := r.UpdateConfig(custom(3))
	require.Nil(t, appErr)
	assert.True(t, models.IsCustomID(c.ID))

	got, appErr := r.Config(c.ID)
	require.Nil(t, appErr)
	assert.Equal(t, 3.0, got.BassBoost)
}

func TestUpdateConfig_Validates(t *testing.T) {
	r, _, _ := newRepo(t)

	bad := custom(99)
	_, appErr := r.UpdateConfig(bad)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.Equal(t, "bass_boost", appErr.Field)

	bad = custom(0)
	bad.Eq = nil
	_, appErr = r.UpdateConfig(bad)
	require.NotNil(t, appErr)
	assert.Equal(t, "eq", appErr.Field)

	bad = custom(0)
	bad.Eq[1000] = 20
	_, appErr = r.UpdateConfig(bad)
	require.NotNil(t, appErr)
}

func TestDeleteConfig(t *testing.T) {
	r, _, _ := newRepo(t)
	c, _ := r.UpdateConfig(models.Config{ID: "Car", Eq: map[int]float64{100: 1}})
	require.Nil(t, r.SetDeviceConfig(models.AuxDeviceID, c.ID))

	require.Nil(t, r.DeleteConfig("Car"))
	p := r.Prefs()
	assert.NotContains(t, p.Configs, "Car")
	assert.NotContains(t, p.ConfigsByDevice, models.AuxDeviceID)
	assert.NotContains(t, p.ConfigUsages, "Car")

	appErr := r.DeleteConfig("Car")
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusNotFound, appErr.Status)

	appErr = r.DeleteConfig(models.DefaultConfigID)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusConflict, appErr.Status)
}

func TestSetDeviceConfig_UnknownConfig(t *testing.T) {
	r, _, _ := newRepo(t)
	appErr := r.SetDeviceConfig(models.PhoneDeviceID, "nope")
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestLastSessionID(t *testing.T) {
	r, _, _ := newRepo(t)

	_, ok := r.LastSessionID()
	assert.False(t, ok)

	require.NoError(t, r.SetLastSessionID(12))
	id, ok := r.LastSessionID()
	require.True(t, ok)
	assert.Equal(t, 12, id)

	require.NoError(t, r.ClearLastSessionID(13))
	_, ok = r.LastSessionID()
	assert.True(t, ok, "clearing a different id keeps the stored one")

	require.NoError(t, r.ClearLastSessionID(12))
	_, ok = r.LastSessionID()
	assert.False(t, ok)
}

func TestSetEnabledPublishes(t *testing.T) {
	r, _, _ := newRepo(t)
	ch := r.Subscribe("test")
	defer r.Unsubscribe("test")

	first := <-ch
	assert.False(t, first.DSPEnabled)

	require.NoError(t, r.SetEnabled(true))
	select {
	case p := <-ch:
		assert.True(t, p.DSPEnabled)
	case <-time.After(time.Second):
		t.Fatal("no prefs published")
	}
	assert.True(t, r.Enabled())
}

func TestReplaceDoesNotSave(t *testing.T) {
	r, store, _ := newRepo(t)
	p := models.DefaultPrefs()
	p.DSPEnabled = true
	r.Replace(p)

	assert.True(t, r.Enabled())
	assert.Equal(t, 0, store.Saves())
}

func TestMerge(t *testing.T) {
	a := models.Config{ID: "a", Eq: map[int]float64{100: 2, 1000: -4}, BassBoost: 4, PostGain: 1}
	b := models.Config{ID: "b", Eq: map[int]float64{100: 4, 1000: 0}, BassBoost: 8, PostGain: 3}

	m := repository.Merge([]models.Config{a, b})
	assert.Equal(t, "", m.ID)
	assert.Equal(t, 6.0, m.BassBoost)
	assert.Equal(t, 2.0, m.PostGain)
	assert.Equal(t, map[int]float64{100: 3, 1000: -2}, m.Eq)

	c := models.Config{ID: "c", Eq: map[int]float64{60: 1}, BassBoost: 0}
	m = repository.Merge([]models.Config{a, c})
	assert.Equal(t, 2.0, m.BassBoost)
	assert.Len(t, m.Eq, len(models.DefaultEqBands))
	for _, g := range m.Eq {
		assert.Equal(t, 0.0, g)
	}
	assert.Nil(t, repository.ValidateConfig(m), "a merged config can be saved as is")

	one := repository.Merge([]models.Config{a})
	assert.Equal(t, "", one.ID)
	assert.Equal(t, a.Eq, one.Eq)
}

func TestSetDevicesConfig(t *testing.T) {
	r, _, _ := newRepo(t)
	devs := []string{models.PhoneDeviceID, "00:11:22:33:44:55"}

	merged := r.MergedConfig(devs)
	merged.BassBoost = 5
	saved, appErr := r.SetDevicesConfig(devs, merged)
	require.Nil(t, appErr)
	assert.True(t, models.IsCustomID(saved.ID))

	for _, d := range devs {
		assert.Equal(t, saved.ID, r.DeviceConfig(d).ID)
	}
	assert.Len(t, r.Prefs().ConfigUsages[saved.ID], 1)

	_, appErr = r.SetDevicesConfig(nil, merged)
	assert.NotNil(t, appErr)
}

func TestUsageScores(t *testing.T) {
	now := t0
	usages := map[string][]time.Time{
		"old":    {now.Add(-10 * 24 * time.Hour)},
		"recent": {now.Add(-1 * time.Hour), now.Add(-2 * time.Hour)},
		"mid":    {now.Add(-5 * 24 * time.Hour)},
	}
	scores := repository.UsageScores(usages, []string{"old", "recent", "mid", "never"}, now)

	assert.Equal(t, 1.0, scores["recent"])
	assert.Equal(t, 0.0, scores["old"])
	assert.Equal(t, 0.0, scores["never"])
	assert.Greater(t, scores["mid"], 0.0)
	assert.Less(t, scores["mid"], scores["recent"])

	// mid sits halfway: 0.5^4 against ~2 for recent.
	assert.InDelta(t, 0.0625/1.99, scores["mid"], 0.01)
}

func TestUsageScores_AllEqual(t *testing.T) {
	now := t0
	usages := map[string][]time.Time{"a": {now}, "b": {now}}
	scores := repository.UsageScores(usages, []string{"a", "b", "c"}, now)
	assert.Equal(t, 1.0, scores["a"])
	assert.Equal(t, 1.0, scores["b"])
	assert.Equal(t, 0.0, scores["c"])

	scores = repository.UsageScores(nil, []string{"a", "b"}, now)
	assert.Equal(t, 0.0, scores["a"])
}

func TestRankedConfigs(t *testing.T) {
	r, _, clk := newRepo(t)
	_, _ = r.UpdateConfig(models.Config{ID: "Car", Eq: map[int]float64{100: 0}})
	_, _ = r.UpdateConfig(models.Config{ID: "Home", Eq: map[int]float64{100: 0}})

	clk.now = t0.Add(-48 * time.Hour)
	require.Nil(t, r.ConfigUsed("Home"))
	clk.now = t0
	require.Nil(t, r.ConfigUsed("Car"))
	require.Nil(t, r.ConfigUsed("Car"))

	ranked := r.RankedConfigs()
	require.Len(t, ranked, 3)
	assert.Equal(t, "Car", ranked[0].Config.ID)
	assert.Equal(t, 1.0, ranked[0].Score)
	// Home and default both score 0 and fall back to id order.
	assert.Equal(t, "Home", ranked[1].Config.ID)
	assert.Equal(t, "default", ranked[2].Config.ID)

	assert.NotNil(t, r.ConfigUsed("missing"))
}

func TestUsagesTrimmedToWindow(t *testing.T) {
	r, _, clk := newRepo(t)
	_, _ = r.UpdateConfig(models.Config{ID: "Car", Eq: map[int]float64{100: 0}})

	clk.now = t0.Add(-30 * 24 * time.Hour)
	require.Nil(t, r.ConfigUsed("Car"))
	clk.now = t0
	require.Nil(t, r.ConfigUsed("Car"))

	us := r.Prefs().ConfigUsages["Car"]
	require.Len(t, us, 1)
	assert.Equal(t, t0, us[0])
}

func TestPrune(t *testing.T) {
	r, _, clk := newRepo(t)
	bonded := models.Bluetooth("00:11:22:33:44:55", "Headphones")
	gone := "AA:BB:CC:DD:EE:FF"

	kept, _ := r.UpdateConfig(custom(1))
	orphan, _ := r.UpdateConfig(custom(2))
	named, _ := r.UpdateConfig(models.Config{ID: "Car", Eq: map[int]float64{100: 0}})
	onGone, _ := r.UpdateConfig(custom(3))
	require.Nil(t, r.SetDeviceConfig(bonded.ID(), kept.ID))
	require.Nil(t, r.SetDeviceConfig(gone, onGone.ID))
	require.Nil(t, r.SetDeviceConfig(models.AuxDeviceID, named.ID))

	// Adapter unreachable: associations survive, only unreferenced customs go.
	require.NoError(t, r.Prune(nil, false))
	p := r.Prefs()
	assert.Contains(t, p.ConfigsByDevice, gone)
	assert.NotContains(t, p.Configs, orphan.ID)
	assert.Contains(t, p.Configs, onGone.ID)

	clk.now = t0.Add(time.Hour)
	require.NoError(t, r.Prune([]models.AudioDevice{bonded}, true))
	p = r.Prefs()
	assert.NotContains(t, p.ConfigsByDevice, gone)
	assert.Contains(t, p.ConfigsByDevice, bonded.ID())
	assert.Contains(t, p.ConfigsByDevice, models.AuxDeviceID)
	assert.NotContains(t, p.Configs, onGone.ID)
	assert.NotContains(t, p.ConfigUsages, onGone.ID)
	assert.Contains(t, p.Configs, kept.ID)
	assert.Contains(t, p.Configs, "Car", "named configs are never pruned")
	assert.Contains(t, p.Configs, models.DefaultConfigID)
}
