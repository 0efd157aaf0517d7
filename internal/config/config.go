// Package config loads coordinator settings from an optional TOML file and
// KENSUKE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/dreamware/kensuke/internal/coordinator"
)

const (
	configName = "kensuke"
	configType = "toml"
	envPrefix  = "KENSUKE"
)

// Keys understood in the config file. Environment variables use the same
// names upper-cased with dots replaced by underscores, e.g.
// KENSUKE_TALK_TIMEOUT.
const (
	KeyListen            = "listen"
	KeyAPIListen         = "api.listen"
	KeyDatabase          = "database"
	KeyTalkTimeout       = "talk.timeout"
	KeyWarmup            = "session.warmup"
	KeyCacheTTL          = "cache.ttl"
	KeyCacheSweep        = "cache.sweep"
	KeyKeepAliveInterval = "keepalive.interval"
	KeyKeepAliveMissed   = "keepalive.max_missed"
	KeyRateFrames        = "ratelimit.frames"
	KeyRateBurst         = "ratelimit.burst"
	KeyHistoryFlush      = "history.flush"
)

// Duration renders as a Go duration string in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the effective configuration. Field tags follow the file layout.
type Config struct {
	Listen    string `toml:"listen"`
	Database  string `toml:"database"`
	API       struct {
		Listen string `toml:"listen"`
	} `toml:"api"`
	Talk struct {
		Timeout Duration `toml:"timeout"`
	} `toml:"talk"`
	Session struct {
		Warmup Duration `toml:"warmup"`
	} `toml:"session"`
	Cache struct {
		TTL   Duration `toml:"ttl"`
		Sweep Duration `toml:"sweep"`
	} `toml:"cache"`
	KeepAlive struct {
		Interval  Duration `toml:"interval"`
		MaxMissed int      `toml:"max_missed"`
	} `toml:"keepalive"`
	RateLimit struct {
		Frames float64 `toml:"frames"`
		Burst  int     `toml:"burst"`
	} `toml:"ratelimit"`
	History struct {
		Flush Duration `toml:"flush"`
	} `toml:"history"`

	// File is the config file that was read, empty if none.
	File string `toml:"-"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := coordinator.DefaultOptions()
	v.SetDefault(KeyListen, ":8999")
	v.SetDefault(KeyAPIListen, ":8998")
	v.SetDefault(KeyDatabase, "kensuke.db")
	v.SetDefault(KeyTalkTimeout, d.TalkTimeout)
	v.SetDefault(KeyWarmup, d.Warmup)
	v.SetDefault(KeyCacheTTL, d.CacheTTL)
	v.SetDefault(KeyCacheSweep, d.CacheSweep)
	v.SetDefault(KeyKeepAliveInterval, d.KeepAliveInterval)
	v.SetDefault(KeyKeepAliveMissed, d.MaxMissed)
	v.SetDefault(KeyRateFrames, d.FrameRate)
	v.SetDefault(KeyRateBurst, d.FrameBurst)
	v.SetDefault(KeyHistoryFlush, time.Second)
}

// Load reads the config file at path, or kensuke.toml from the working
// directory when path is empty, applies environment overrides and returns
// the result. A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &Config{
		Listen:   v.GetString(KeyListen),
		Database: v.GetString(KeyDatabase),
		File:     v.ConfigFileUsed(),
	}
	c.API.Listen = v.GetString(KeyAPIListen)
	c.Talk.Timeout = Duration(v.GetDuration(KeyTalkTimeout))
	c.Session.Warmup = Duration(v.GetDuration(KeyWarmup))
	c.Cache.TTL = Duration(v.GetDuration(KeyCacheTTL))
	c.Cache.Sweep = Duration(v.GetDuration(KeyCacheSweep))
	c.KeepAlive.Interval = Duration(v.GetDuration(KeyKeepAliveInterval))
	c.KeepAlive.MaxMissed = v.GetInt(KeyKeepAliveMissed)
	c.RateLimit.Frames = v.GetFloat64(KeyRateFrames)
	c.RateLimit.Burst = v.GetInt(KeyRateBurst)
	c.History.Flush = Duration(v.GetDuration(KeyHistoryFlush))

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.Database == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Session.Warmup < 0 {
		return fmt.Errorf("%s cannot be negative", KeyWarmup)
	}
	for key, d := range map[string]Duration{
		KeyTalkTimeout:       c.Talk.Timeout,
		KeyCacheTTL:          c.Cache.TTL,
		KeyCacheSweep:        c.Cache.Sweep,
		KeyKeepAliveInterval: c.KeepAlive.Interval,
		KeyHistoryFlush:      c.History.Flush,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, time.Duration(d))
		}
	}
	if c.KeepAlive.MaxMissed <= 0 {
		return fmt.Errorf("%s must be positive", KeyKeepAliveMissed)
	}
	if c.RateLimit.Frames <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate limit must be positive")
	}
	return nil
}

// Options maps the config onto coordinator options.
func (c *Config) Options() coordinator.Options {
	return coordinator.Options{
		TalkTimeout:       time.Duration(c.Talk.Timeout),
		Warmup:            time.Duration(c.Session.Warmup),
		CacheTTL:          time.Duration(c.Cache.TTL),
		CacheSweep:        time.Duration(c.Cache.Sweep),
		KeepAliveInterval: time.Duration(c.KeepAlive.Interval),
		MaxMissed:         c.KeepAlive.MaxMissed,
		FrameRate:         c.RateLimit.Frames,
		FrameBurst:        c.RateLimit.Burst,
	}
}

// TOML renders the effective configuration in the file format.
func (c *Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}
