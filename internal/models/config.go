package models

import (
	"regexp"
	"sort"

	"github.com/google/uuid"
)

// Band is one equalizer control point.
type Band struct {
	FrequencyHz int     `json:"frequency"`
	GainDB      float64 `json:"gain"`
}

// Config is a named DSP parameter set.
type Config struct {
	ID        string          `json:"id"`
	Eq        map[int]float64 `json:"eq"`         // band frequency in Hz → gain in dB
	BassBoost float64         `json:"bass_boost"` // dB
	PostGain  float64         `json:"post_gain"`  // dB
}

// DefaultConfig returns the fallback config that is always resolvable.
func DefaultConfig() Config {
	return Config{
		ID: DefaultConfigID,
		Eq: neutralEq(DefaultEqBands),
	}
}

// Bands returns the EQ bands sorted ascending by frequency.
func (c Config) Bands() []Band {
	bands := make([]Band, 0, len(c.Eq))
	for f, g := range c.Eq {
		bands = append(bands, Band{FrequencyHz: f, GainDB: g})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].FrequencyHz < bands[j].FrequencyHz })
	return bands
}

// WithBands returns a copy of c whose EQ has exactly the given bands.
// Gains of bands already present are kept, new bands start at 0 dB.
func (c Config) WithBands(freqs []int) Config {
	next := c.Copy()
	next.Eq = make(map[int]float64, len(freqs))
	for _, f := range freqs {
		next.Eq[f] = c.Eq[f]
	}
	return next
}

// Copy returns a deep copy of the config.
func (c Config) Copy() Config {
	next := c
	if c.Eq != nil {
		next.Eq = make(map[int]float64, len(c.Eq))
		for f, g := range c.Eq {
			next.Eq[f] = g
		}
	}
	return next
}

// Equal reports whether two configs hold the same values.
func (c Config) Equal(o Config) bool {
	if c.ID != o.ID || c.BassBoost != o.BassBoost || c.PostGain != o.PostGain || len(c.Eq) != len(o.Eq) {
		return false
	}
	for f, g := range c.Eq {
		og, ok := o.Eq[f]
		if !ok || og != g {
			return false
		}
	}
	return true
}

// SameBands reports whether both configs define the same set of band frequencies.
func (c Config) SameBands(o Config) bool {
	if len(c.Eq) != len(o.Eq) {
		return false
	}
	for f := range c.Eq {
		if _, ok := o.Eq[f]; !ok {
			return false
		}
	}
	return true
}

var uuidPattern = regexp.MustCompile(`^[\da-f]{8}-[\da-f]{4}-[\da-f]{4}-[\da-f]{4}-[\da-f]{12}$`)

// NewConfigID returns a random id for a config created by editing (a "custom" config).
func NewConfigID() string {
	return uuid.NewString()
}

// IsCustomID reports whether id was generated by NewConfigID rather than named by the user.
func IsCustomID(id string) bool {
	return uuidPattern.MatchString(id)
}

func neutralEq(freqs []int) map[int]float64 {
	eq := make(map[int]float64, len(freqs))
	for _, f := range freqs {
		eq[f] = 0
	}
	return eq
}
