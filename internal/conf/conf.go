// Package conf loads the daemon settings from an optional dspd.yaml, DSPD_*
// environment variables and command-line flags, in increasing precedence.
package conf

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings are the daemon settings. User preferences live in prefs.json and
// are not part of them.
type Settings struct {
	PrefsDir string `mapstructure:"prefs_dir"`
	Debug    bool   `mapstructure:"debug"`
	Mock     bool   `mapstructure:"mock"`

	Bridge struct {
		Socket      string        `mapstructure:"socket"`
		RateLimit   float64       `mapstructure:"rate_limit"` // calls per second, negative disables
		Burst       int           `mapstructure:"burst"`
		CallTimeout time.Duration `mapstructure:"call_timeout"`
	} `mapstructure:"bridge"`

	Effect struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		Backoff     time.Duration `mapstructure:"backoff"`
		SettleDelay time.Duration `mapstructure:"settle_delay"`
	} `mapstructure:"effect"`

	Bluetooth struct {
		Enabled        bool          `mapstructure:"enabled"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		BondedCacheTTL time.Duration `mapstructure:"bonded_cache_ttl"`
	} `mapstructure:"bluetooth"`

	Headset struct {
		StatePath    string        `mapstructure:"state_path"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"headset"`

	API struct {
		Addr string `mapstructure:"addr"`
		MDNS bool   `mapstructure:"mdns"`
		Key  string `mapstructure:"key"`
	} `mapstructure:"api"`

	Usage struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"usage"`
}

// SetDefaults registers the default for every key. Keys without a default
// are invisible to environment variables.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("prefs_dir", "")
	v.SetDefault("debug", false)
	v.SetDefault("mock", false)

	v.SetDefault("bridge.socket", "/run/dspd/effects.sock")
	v.SetDefault("bridge.rate_limit", 200.0)
	v.SetDefault("bridge.burst", 20)
	v.SetDefault("bridge.call_timeout", 2*time.Second)

	v.SetDefault("effect.max_attempts", 5)
	v.SetDefault("effect.backoff", time.Duration(0))
	v.SetDefault("effect.settle_delay", time.Second)

	v.SetDefault("bluetooth.enabled", true)
	v.SetDefault("bluetooth.idle_timeout", time.Second)
	v.SetDefault("bluetooth.connect_timeout", 5*time.Second)
	v.SetDefault("bluetooth.bonded_cache_ttl", 30*time.Second)

	v.SetDefault("headset.state_path", "/sys/class/switch/h2w/state")
	v.SetDefault("headset.poll_interval", 2*time.Second)

	v.SetDefault("api.addr", "127.0.0.1:8470")
	v.SetDefault("api.mdns", false)
	v.SetDefault("api.key", "")

	v.SetDefault("usage.window", 28*24*time.Hour)
}

// Load reads the settings into v and decodes them. configFile, when set,
// must exist; otherwise dspd.yaml is looked up in /etc/dspd and
// $HOME/.config/dspd and is optional.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix("DSPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("dspd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/dspd")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dspd"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("conf: reading config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("conf: decoding settings: %w", err)
	}
	if s.PrefsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("conf: prefs_dir unset and no home directory: %w", err)
		}
		s.PrefsDir = filepath.Join(home, ".config", "dspd")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the daemon cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.Effect.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("effect.max_attempts must be positive, got %d", s.Effect.MaxAttempts))
	}
	durations := map[string]time.Duration{
		"bridge.call_timeout":        s.Bridge.CallTimeout,
		"effect.backoff":             s.Effect.Backoff,
		"effect.settle_delay":        s.Effect.SettleDelay,
		"bluetooth.idle_timeout":     s.Bluetooth.IdleTimeout,
		"bluetooth.connect_timeout":  s.Bluetooth.ConnectTimeout,
		"bluetooth.bonded_cache_ttl": s.Bluetooth.BondedCacheTTL,
		"headset.poll_interval":      s.Headset.PollInterval,
		"usage.window":               s.Usage.Window,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", key, durations[key]))
		}
	}
	if s.Bridge.Burst < 0 {
		errs = append(errs, fmt.Errorf("bridge.burst must not be negative, got %d", s.Bridge.Burst))
	}
	if !s.Mock && s.Bridge.Socket == "" {
		errs = append(errs, errors.New("bridge.socket is required unless running in mock mode"))
	}
	if s.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("conf: invalid settings: %w", errors.Join(errs...))
	}
	return nil
}
