package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultEnvironment is the environment recorded on runs when none is
	// configured.
	DefaultEnvironment = "local"

	// DefaultRunnerConcurrency is the number of suites executed in parallel.
	DefaultRunnerConcurrency = 4

	// DefaultTestTimeout bounds a single test when the suite does not set one.
	DefaultTestTimeout = "30s"
)

// Config is the root configuration for apiprobe.
type Config struct {
	Global    GlobalConfig     `yaml:"global"`
	Database  DatabaseConfig   `yaml:"database"`
	Runner    RunnerConfig     `yaml:"runner"`
	Reporters ReportersConfig  `yaml:"reporters"`
	Dashboard *DashboardConfig `yaml:"dashboard,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// RunnerConfig contains test execution settings.
type RunnerConfig struct {
	SuitesDir      string `yaml:"suites_dir"`
	Concurrency    int    `yaml:"concurrency"`
	DefaultTimeout string `yaml:"default_timeout"`
	DefaultRetries int    `yaml:"default_retries"`

	// Run metadata recorded on every persisted run.
	Environment string `yaml:"environment"`
	Branch      string `yaml:"branch,omitempty"`
	Commit      string `yaml:"commit,omitempty"`
	TriggeredBy string `yaml:"triggered_by,omitempty"`
	RunURL      string `yaml:"run_url,omitempty"`
}

// Load reads and parses one or more configuration files. Later files
// override earlier ones field by field at the YAML level.
func Load(paths ...string) (*Config, error) {
	var cfg Config

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides lets APIPROBE_* environment variables override database
// credentials so secrets can stay out of config files.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix("APIPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if host := v.GetString("db.host"); host != "" {
		c.Database.Postgres.Host = host
	}

	if port := v.GetInt("db.port"); port != 0 {
		c.Database.Postgres.Port = port
	}

	if user := v.GetString("db.user"); user != "" {
		c.Database.Postgres.User = user
	}

	if password := v.GetString("db.password"); password != "" {
		c.Database.Postgres.Password = password
	}

	if name := v.GetString("db.name"); name != "" {
		c.Database.Postgres.Database = name
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Runner.Concurrency <= 0 {
		c.Runner.Concurrency = DefaultRunnerConcurrency
	}

	if c.Runner.DefaultTimeout == "" {
		c.Runner.DefaultTimeout = DefaultTestTimeout
	}

	if c.Runner.Environment == "" {
		c.Runner.Environment = DefaultEnvironment
	}

	c.Database.applyDefaults()
	c.Reporters.applyDefaults()

	if c.Dashboard != nil {
		c.Dashboard.applyDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Runner.DefaultTimeout); err != nil {
		return fmt.Errorf("invalid runner default_timeout: %w", err)
	}

	if c.Runner.SuitesDir != "" {
		if _, err := os.Stat(c.Runner.SuitesDir); os.IsNotExist(err) {
			return fmt.Errorf("suites directory %q does not exist", c.Runner.SuitesDir)
		}
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Reporters.Validate(); err != nil {
		return fmt.Errorf("reporters: %w", err)
	}

	if c.Dashboard != nil {
		if err := c.Dashboard.Validate(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	}

	if c.Reporters.JSON.Enabled && c.Reporters.JSON.OutputDir != "" {
		dir := filepath.Dir(c.Reporters.JSON.OutputDir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("json output directory parent %q does not exist", dir)
			}
		}
	}

	return nil
}

// TestTimeout returns the parsed default per-test timeout.
func (c *RunnerConfig) TestTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultTestTimeout)
	}

	return d
}
