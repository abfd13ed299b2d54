package riptide

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr        = ":8080"
	defaultWorkerConcurrency = 2
	defaultTimerPollInterval = 100 * time.Millisecond
	defaultSweepInterval     = time.Minute
	defaultSweepDeadline     = 24 * time.Hour
)

// Config is the YAML-loadable runtime configuration for a riptide process.
type Config struct {
	// DatabasePath is the SQLite database file. Empty means run fully
	// in-memory (no durability).
	DatabasePath string `yaml:"database_path"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// WorkerConcurrency is the number of activity worker goroutines.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// TimerPollInterval is how often due timers are scanned for.
	TimerPollInterval time.Duration `yaml:"timer_poll_interval"`

	// ActivityTimeout bounds a single activity invocation. Zero means
	// unbounded.
	ActivityTimeout time.Duration `yaml:"activity_timeout"`

	// SweepInterval is how often the supervisory sweep runs. Zero
	// disables it.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepDeadline is the progress deadline after which a Running
	// instance is failed by the sweep.
	SweepDeadline time.Duration `yaml:"sweep_deadline"`
}

// SetDefaults fills in zero fields with default values.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = defaultWorkerConcurrency
	}
	if c.TimerPollInterval <= 0 {
		c.TimerPollInterval = defaultTimerPollInterval
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SweepDeadline <= 0 {
		c.SweepDeadline = defaultSweepDeadline
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.SweepInterval > 0 && c.SweepDeadline <= 0 {
		return fmt.Errorf("sweep_deadline must be positive when sweep_interval is set")
	}
	if c.SweepInterval > 0 && c.SweepDeadline <= c.SweepInterval {
		return fmt.Errorf("sweep_deadline (%s) must exceed sweep_interval (%s)", c.SweepDeadline, c.SweepInterval)
	}
	return nil
}

// LoadConfig reads a Config from a YAML file, applies defaults and
// validates it.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RuntimeConfig converts the file-level Config into the options a Runtime
// constructor takes.
func (c *Config) RuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		TimerPollInterval: c.TimerPollInterval,
		ActivityTimeout:   c.ActivityTimeout,
		SweepInterval:     c.SweepInterval,
		SweepDeadline:     c.SweepDeadline,
	}
}
