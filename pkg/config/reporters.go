package config

import "fmt"

// Reporter defaults.
const (
	// DefaultBatchThreshold is the result count at or below which a report
	// is written in a single transaction.
	DefaultBatchThreshold = 50

	// DefaultBatchSize is the per-transaction batch size for large reports.
	DefaultBatchSize = 25

	// DefaultJSONOutputDir is the default directory for JSON result files.
	DefaultJSONOutputDir = "./results"
)

// ReportersConfig enables and configures the individual reporters.
type ReportersConfig struct {
	Console  ConsoleReporterConfig  `yaml:"console,omitempty"`
	JSON     JSONReporterConfig     `yaml:"json,omitempty"`
	Postgres PostgresReporterConfig `yaml:"postgres,omitempty"`
}

// ConsoleReporterConfig configures the console reporter.
type ConsoleReporterConfig struct {
	Enabled bool `yaml:"enabled"`
	Verbose bool `yaml:"verbose,omitempty"`
}

// JSONReporterConfig configures the JSON file reporter.
type JSONReporterConfig struct {
	Enabled   bool            `yaml:"enabled"`
	OutputDir string          `yaml:"output_dir,omitempty"`
	Upload    *S3UploadConfig `yaml:"upload,omitempty"`
}

// S3UploadConfig configures S3 upload of report artifacts.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty"`
	ACL             string `yaml:"acl,omitempty"`
}

// PostgresReporterConfig configures the PostgreSQL reporter.
type PostgresReporterConfig struct {
	Enabled bool `yaml:"enabled"`

	// BatchThreshold is the result count at or below which the whole report
	// is written atomically in one transaction.
	BatchThreshold int `yaml:"batch_threshold,omitempty"`

	// BatchSize is the per-transaction batch size used above the threshold.
	BatchSize int `yaml:"batch_size,omitempty"`

	// FailFast aborts the report on the first batch failure instead of
	// logging it and continuing with the remaining batches.
	FailFast bool `yaml:"fail_fast,omitempty"`

	// Options carries reporter-specific extras decoded by the reporter
	// itself (mapstructure keys).
	Options map[string]any `yaml:"options,omitempty"`
}

func (c *ReportersConfig) applyDefaults() {
	if c.JSON.OutputDir == "" {
		c.JSON.OutputDir = DefaultJSONOutputDir
	}

	if c.Postgres.BatchThreshold <= 0 {
		c.Postgres.BatchThreshold = DefaultBatchThreshold
	}

	if c.Postgres.BatchSize <= 0 {
		c.Postgres.BatchSize = DefaultBatchSize
	}
}

// Validate checks the reporter configuration for errors.
func (c *ReportersConfig) Validate() error {
	if c.JSON.Upload != nil && c.JSON.Upload.Enabled && c.JSON.Upload.Bucket == "" {
		return fmt.Errorf("json upload bucket is required")
	}

	if c.Postgres.BatchSize > c.Postgres.BatchThreshold {
		return fmt.Errorf(
			"postgres batch_size (%d) must not exceed batch_threshold (%d)",
			c.Postgres.BatchSize, c.Postgres.BatchThreshold,
		)
	}

	return nil
}
