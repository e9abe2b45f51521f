// Package config loads the orchestration core's run-time tunables from a
// YAML file. CLI flags parsed by cmd/pipelinecore override whatever the
// YAML file sets.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of run-time tunables the Coordinator, Bus, and
// Collector take at construction.
type Config struct {
	Bus struct {
		Workers             int           `yaml:"workers"`
		QueueSize           int           `yaml:"queue_size"`
		RetryBase           time.Duration `yaml:"retry_base"`
		RetryCap            time.Duration `yaml:"retry_cap"`
		RateLimitMultiplier float64       `yaml:"rate_limit_multiplier"`
		ApprovalTimeout     time.Duration `yaml:"approval_timeout"`
		Redis           struct {
			Addr    string `yaml:"addr"`
			Enabled bool   `yaml:"enabled"`
		} `yaml:"redis"`
	} `yaml:"bus"`

	Execution struct {
		MaxRetries      int `yaml:"max_retries"`
		TimeoutMs       int `yaml:"timeout_ms"`
		MemoryMB        int `yaml:"memory_mb"`
		MaxOutputBytes  int `yaml:"max_output_bytes"`
	} `yaml:"execution"`

	ProjectRoot string `yaml:"project_root"`
}

// Default returns a Config populated with the same defaults the individual
// components use internally when constructed without options, so a caller
// with no YAML file still gets a sane Config.
func Default() Config {
	var c Config
	c.Bus.Workers = 4
	c.Bus.QueueSize = 256
	c.Bus.RetryBase = time.Second
	c.Bus.RetryCap = 30 * time.Second
	c.Bus.RateLimitMultiplier = 4
	c.Bus.ApprovalTimeout = 10 * time.Minute
	c.Execution.MaxRetries = 3
	c.Execution.TimeoutMs = 30_000
	c.Execution.MemoryMB = 512
	c.Execution.MaxOutputBytes = 1 << 20
	c.ProjectRoot = "."
	return c
}

// Load reads and parses a YAML config file at path, starting from
// Default() so any field the file omits keeps its default value.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r into a Config seeded with Default().
func Parse(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return c, nil
}
