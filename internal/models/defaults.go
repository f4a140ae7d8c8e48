package models

import "time"

// DefaultConfigID is the id of the fallback config.
const DefaultConfigID = "default"

// DefaultEqBands are the band frequencies (Hz) of a new config.
var DefaultEqBands = []int{25, 40, 63, 100, 160, 250, 400, 630, 1000, 1600, 2500, 4000, 6300, 10000, 16000}

// Value ranges of the canonical (dB) schema.
const (
	EqMinDB        = -15.0
	EqMaxDB        = 15.0
	BassBoostMaxDB = 15.0
	PostGainMaxDB  = 15.0
)

// DefaultPrefs returns the prefs used when no file exists.
func DefaultPrefs() Prefs {
	def := DefaultConfig()
	return Prefs{
		Version:         PrefsVersion,
		DSPEnabled:      false,
		Configs:         map[string]Config{def.ID: def},
		ConfigsByDevice: map[string]string{},
		ConfigUsages:    map[string][]time.Time{},
	}
}

// KnownDevices returns the bonded Bluetooth devices followed by Phone and Aux.
func KnownDevices(bonded []AudioDevice) []AudioDevice {
	out := make([]AudioDevice, 0, len(bonded)+2)
	out = append(out, bonded...)
	return append(out, Phone(), Aux())
}

// Lerp interpolates between a and b by t.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Unlerp is the inverse of Lerp. It returns 0 when a == b.
func Unlerp(a, b, v float64) float64 {
	if a == b {
		return 0
	}
	return (v - a) / (b - a)
}
