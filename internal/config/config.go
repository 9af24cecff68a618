package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full supervisor/worker configuration. Both binaries
// read the same file (the launcher hands workers the path through the
// environment) so they resolve the same store and Redis endpoints.
type Config struct {
	Store struct {
		DSN       string `mapstructure:"dsn"`
		QueueSize int    `mapstructure:"queue_size"`
		Workers   int    `mapstructure:"workers"`
	} `mapstructure:"store"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Runtime struct {
		Project          string  `mapstructure:"project"`
		PollIntervalMs   int     `mapstructure:"poll_interval_ms"`
		MaxPollIntervalMs int    `mapstructure:"max_poll_interval_ms"`
		StopGraceMs      int     `mapstructure:"stop_grace_ms"`
		WorkerBinary     string  `mapstructure:"worker_binary"`
		WorkdirBase      string  `mapstructure:"workdir_base"`
		SpawnRatePerSec  float64 `mapstructure:"spawn_rate_per_sec"`
		SpawnBurst       int     `mapstructure:"spawn_burst"`
		RoleOverrides    string  `mapstructure:"role_overrides"`
	} `mapstructure:"runtime"`

	API struct {
		Addr       string `mapstructure:"addr"`
		AuthSecret string `mapstructure:"auth_secret"`
	} `mapstructure:"api"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// EnvConfigPath is the environment variable both binaries resolve the
// config file from; the exec launcher propagates it to workers.
const EnvConfigPath = "HIVEPLANE_CONFIG"

// Path returns the config file path from the environment, or the
// given fallback.
func Path(fallback string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return fallback
}

// Load reads the YAML config at path, applying HIVEPLANE_* environment
// overrides and filling defaults for anything unset. A missing file is
// not an error; defaults and environment carry the day.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HIVEPLANE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap()
	}
	return err
}

func (c *Config) applyDefaults() {
	if c.Store.DSN == "" {
		c.Store.DSN = "hiveplane.db"
	}
	if c.Store.QueueSize == 0 {
		c.Store.QueueSize = 256
	}
	if c.Store.Workers == 0 {
		c.Store.Workers = 2
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Runtime.Project == "" {
		c.Runtime.Project = "default"
	}
	if c.Runtime.PollIntervalMs == 0 {
		c.Runtime.PollIntervalMs = 500
	}
	if c.Runtime.MaxPollIntervalMs == 0 {
		c.Runtime.MaxPollIntervalMs = 5000
	}
	if c.Runtime.StopGraceMs == 0 {
		c.Runtime.StopGraceMs = 5000
	}
	if c.Runtime.WorkerBinary == "" {
		c.Runtime.WorkerBinary = "agentworker"
	}
	if c.Runtime.WorkdirBase == "" {
		c.Runtime.WorkdirBase = "./agents"
	}
	if c.Runtime.SpawnRatePerSec == 0 {
		c.Runtime.SpawnRatePerSec = 5
	}
	if c.Runtime.SpawnBurst == 0 {
		c.Runtime.SpawnBurst = 10
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8090"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 2112
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "hiveplane-supervisord"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// PollInterval returns the relay poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Runtime.PollIntervalMs) * time.Millisecond
}

// MaxPollInterval returns the relay backoff cap as a duration.
func (c *Config) MaxPollInterval() time.Duration {
	return time.Duration(c.Runtime.MaxPollIntervalMs) * time.Millisecond
}

// StopGrace returns the voluntary-exit grace period as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Runtime.StopGraceMs) * time.Millisecond
}
