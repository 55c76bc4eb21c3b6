// Package config loads the waterplan configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-waterplan/pkg/allocator"
	"github.com/dd0wney/cluso-waterplan/pkg/validation"
)

// Config is the root of waterplan.yaml.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	LogLevel string       `yaml:"log_level"`

	// StateDir holds the run lock. RunsDir holds one directory per run.
	StateDir string `yaml:"state_dir"`
	RunsDir  string `yaml:"runs_dir"`

	Topology string   `yaml:"topology"`
	Series   []string `yaml:"series"`

	Allocator       allocator.Config `yaml:"allocator"`
	OrphanAllowList []string         `yaml:"orphan_allow_list"`

	Store StoreConfig `yaml:"store"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// StoreConfig selects optional result backends. The file store under
// RunsDir is always used.
type StoreConfig struct {
	PostgresURL string   `yaml:"postgres_url"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Enabled reports whether run artifacts are archived to S3.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			PollInterval:    2 * time.Second,
		},
		LogLevel:  "info",
		StateDir:  "./data/state",
		RunsDir:   "./data/runs",
		Topology:  "topology.yaml",
		Allocator: allocator.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes input file paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Topology = rel(c.Topology)
	for i, s := range c.Series {
		c.Series[i] = rel(s)
	}
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: PORT %q: %v", ErrInvalidConfig, port, err)
		}
		c.Server.Port = p
	}
	c.LogLevel = validation.DefaultOr(os.Getenv("LOG_LEVEL"), c.LogLevel)
	c.StateDir = validation.DefaultOr(os.Getenv("WATERPLAN_STATE_DIR"), c.StateDir)
	c.RunsDir = validation.DefaultOr(os.Getenv("WATERPLAN_RUNS_DIR"), c.RunsDir)
	c.Store.PostgresURL = validation.DefaultOr(os.Getenv("DATABASE_URL"), c.Store.PostgresURL)
	return nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	err := validation.NewConfigValidator("config").
		RangeInt("server.port", c.Server.Port, 1, 65535).
		MinDuration("server.poll_interval", c.Server.PollInterval, 10*time.Millisecond).
		OneOf("log_level", c.LogLevel, []string{"debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR"}).
		Required("state_dir", c.StateDir).
		Required("runs_dir", c.RunsDir).
		Required("topology", c.Topology).
		Positive("allocator.max_augmentations", c.Allocator.MaxAugmentations).
		PositiveFloat("allocator.epsilon", c.Allocator.Epsilon).
		Custom("orphan_allow_list", func() error {
			for _, id := range c.OrphanAllowList {
				if err := validation.ValidateElementID(id); err != nil {
					return err
				}
			}
			return nil
		}).
		When(c.Store.S3.Enabled(), func(v *validation.ConfigValidator) {
			v.Required("store.s3.region", c.Store.S3.Region)
		}).
		Validate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
