// Package models defines the data structures shared by the dspd packages.
// JSON field names match the preference file written by the settings UI.
package models

import "time"

// PrefsVersion is the schema version written by this daemon.
// Version 1 and older stored EQ, bass boost and post gain normalized to 0..1.
const PrefsVersion = 2

// Prefs is the persisted user state.
type Prefs struct {
	Version            int                    `json:"version"`
	DSPEnabled         bool                   `json:"dsp_enabled"`
	Configs            map[string]Config      `json:"configs"`
	ConfigsByDevice    map[string]string      `json:"configs_by_device"` // AudioDevice.ID → Config.ID
	LastAudioSessionID *int                   `json:"last_audio_session_id,omitempty"`
	ConfigUsages       map[string][]time.Time `json:"config_usages"`
}

// DeepCopy returns a deep copy of the prefs.
func (p Prefs) DeepCopy() Prefs {
	next := Prefs{
		Version:    p.Version,
		DSPEnabled: p.DSPEnabled,
	}

	next.Configs = make(map[string]Config, len(p.Configs))
	for id, c := range p.Configs {
		next.Configs[id] = c.Copy()
	}

	next.ConfigsByDevice = make(map[string]string, len(p.ConfigsByDevice))
	for d, c := range p.ConfigsByDevice {
		next.ConfigsByDevice[d] = c
	}

	if p.LastAudioSessionID != nil {
		v := *p.LastAudioSessionID
		next.LastAudioSessionID = &v
	}

	next.ConfigUsages = make(map[string][]time.Time, len(p.ConfigUsages))
	for id, us := range p.ConfigUsages {
		cp := make([]time.Time, len(us))
		copy(cp, us)
		next.ConfigUsages[id] = cp
	}
	return next
}

// SessionInfo describes one live effect session.
type SessionInfo struct {
	ID          int  `json:"id"`
	NeedsResync bool `json:"needs_resync"`
}

// State is the runtime snapshot returned by GET /api and streamed over SSE.
type State struct {
	Enabled  bool          `json:"enabled"`
	Route    AudioDevice   `json:"route"`
	RouteID  string        `json:"route_id"`
	Config   Config        `json:"config"`
	Sessions []SessionInfo `json:"sessions"`
	Info     Info          `json:"info"`
}

// Info is the daemon information block.
type Info struct {
	Version string `json:"version"`
	Mock    bool   `json:"mock"`
}

// DeepCopy returns a deep copy of the state.
func (s State) DeepCopy() State {
	next := s
	next.Config = s.Config.Copy()
	next.Sessions = make([]SessionInfo, len(s.Sessions))
	copy(next.Sessions, s.Sessions)
	return next
}
