// Package config resolves settings from flags, SGCACHE_* environment
// variables and an optional YAML file, in that precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything the daemon needs to run.
type Config struct {
	DataRoot string `mapstructure:"data_root"`
	Sqlite   string `mapstructure:"sqlite"`
	Schema   string `mapstructure:"schema"`

	ShotgunURL        string `mapstructure:"shotgun_url"`
	ShotgunScriptName string `mapstructure:"shotgun_script_name"`
	ShotgunAPIKey     string `mapstructure:"shotgun_api_key"`

	Port int `mapstructure:"port"`

	WatchEvents    bool          `mapstructure:"watch_events"`
	WatchIdleDelay time.Duration `mapstructure:"watch_idle_delay"`
	AutoLastID     bool          `mapstructure:"auto_last_id"`
	WatchSince     int64         `mapstructure:"watch_since"`

	ScanChanges  bool          `mapstructure:"scan_changes"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	ScanSince    string        `mapstructure:"scan_since"`
	ScanTypes    []string      `mapstructure:"scan_types"`
	ScanProjects []int64       `mapstructure:"scan_projects"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// New builds a viper with the defaults and environment binding in
// place. Commands bind their flags on top.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SGCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_root", "./var")
	v.SetDefault("sqlite", "")
	v.SetDefault("schema", "")
	v.SetDefault("port", 8010)
	v.SetDefault("watch_events", true)
	v.SetDefault("watch_idle_delay", 5*time.Second)
	v.SetDefault("auto_last_id", true)
	v.SetDefault("watch_since", -1)
	v.SetDefault("scan_changes", true)
	v.SetDefault("scan_interval", 5*time.Minute)
	v.SetDefault("scan_since", "3600")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	return v
}

// Load reads the optional config file under the data root and
// validates the result.
func Load(v *viper.Viper) (*Config, error) {
	dataRoot := v.GetString("data_root")
	v.SetConfigName("sgcache")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataRoot)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Sqlite == "" {
		cfg.Sqlite = filepath.Join(cfg.DataRoot, "cache.sqlite")
	}
	if cfg.Schema == "" {
		cfg.Schema = filepath.Join(cfg.DataRoot, "schema.yml")
	}
	if cfg.ShotgunURL == "" {
		return nil, fmt.Errorf("shotgun_url is required")
	}
	return &cfg, nil
}

// ControlSocket returns the path of one named control socket.
func (c *Config) ControlSocket(name string) string {
	return filepath.Join(c.DataRoot, "control", name+".sock")
}

// ScanSinceTime parses the scan watermark seed, if set. A bare number
// means "the last N seconds"; a duration string ("90m") works too; an
// absolute RFC3339 time is taken as is. Zero means scan everything.
func (c *Config) ScanSinceTime() (time.Time, error) {
	s := strings.TrimSpace(c.ScanSince)
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Now().UTC().Add(-time.Duration(secs) * time.Second), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("scan_since: %w", err)
	}
	return t, nil
}
