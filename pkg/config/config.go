// Package config provides configuration loading and management for pgzipbackup
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/catalog"
	"github.com/supporttools/pgzipbackup/pkg/database/postgresql"
	"github.com/supporttools/pgzipbackup/pkg/restore"
	"gopkg.in/yaml.v3"
)

// Modes accepted by Validate
const (
	ModeDump     = "dump"
	ModeRestore  = "restore"
	ModeList     = "list"
	ModeSchedule = "schedule"
)

// PostgreSQLConfig defines PostgreSQL connection settings
type PostgreSQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DumpConfig defines what a dump writes
type DumpConfig struct {
	File               string   `yaml:"file"`
	Schemas            []string `yaml:"schemas"`
	BatchSize          int      `yaml:"batchSize"`
	MaxObjectsPerBatch int      `yaml:"maxObjectsPerBatch"`
	SchemaOnly         bool     `yaml:"schemaOnly"`
	ExcludeData        []string `yaml:"excludeData"`
}

// RestoreConfig defines what a restore reads and where it goes
type RestoreConfig struct {
	File        string   `yaml:"file"`
	Schemas     []string `yaml:"schemas"`
	ToSchemas   []string `yaml:"toSchemas"`
	CommitEvery int      `yaml:"commitEvery"`
}

// S3Config defines S3 storage settings
type S3Config struct {
	Enabled            bool   `yaml:"enabled"`
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"` // Use path-style access for S3
	UseSSL             bool   `yaml:"useSSL"`
	CustomCAPath       string `yaml:"customCAPath"`
	SkipCertValidation bool   `yaml:"skipCertValidation"`
}

// MetricsConfig defines metrics server settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// MetadataConfig defines where the run ledger is kept
type MetadataConfig struct {
	File string `yaml:"file"`
}

// ScheduleConfig defines scheduled whole database dumps
type ScheduleConfig struct {
	Cron            string `yaml:"cron"`
	OutputDirectory string `yaml:"outputDirectory"`
	// Retention is how long scheduled archives are kept, empty keeps forever
	Retention string `yaml:"retention"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	Dump       DumpConfig       `yaml:"dump"`
	Restore    RestoreConfig    `yaml:"restore"`
	S3         S3Config         `yaml:"s3"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Debug      bool             `yaml:"debug"`
	Timing     bool             `yaml:"timing"`
	ConfigFile string           `yaml:"-"`
}

// CFG is the global configuration object
var CFG AppConfig

// LoadConfiguration resets CFG to defaults overlaid with environment
// variables
func LoadConfiguration() {
	CFG = AppConfig{}
	loadFromEnvironment()
	setDefaults()
}

// loadFromEnvironment loads configuration from environment variables. The
// libpq variables are honoured for the connection.
func loadFromEnvironment() {
	CFG.Debug = parseEnvBool("PGZB_DEBUG", false)
	CFG.Timing = parseEnvBool("PGZB_TIMING", false)

	CFG.PostgreSQL.Host = getEnvOrDefault("PGHOST", "localhost")
	CFG.PostgreSQL.Port = parseEnvInt("PGPORT", 5432)
	CFG.PostgreSQL.Username = getEnvOrDefault("PGUSER", os.Getenv("USER"))
	CFG.PostgreSQL.Password = getEnvOrDefault("PGPASSWORD", "")
	CFG.PostgreSQL.Database = getEnvOrDefault("PGDATABASE", "")
	CFG.PostgreSQL.SSLMode = getEnvOrDefault("PGSSLMODE", "")

	CFG.Dump.BatchSize = parseEnvInt("PGZB_BATCH_SIZE", catalog.DefaultBatchSize)
	CFG.Dump.MaxObjectsPerBatch = parseEnvInt("PGZB_MAX_OBJECTS_PER_BATCH", 0)
	CFG.Dump.SchemaOnly = parseEnvBool("PGZB_SCHEMA_ONLY", false)
	CFG.Dump.ExcludeData = parseEnvList("PGZB_EXCLUDE_DATA")
	CFG.Restore.CommitEvery = parseEnvInt("PGZB_COMMIT_EVERY", restore.DefaultCommitEvery)

	CFG.S3.Enabled = parseEnvBool("PGZB_S3_ENABLED", false)
	CFG.S3.Bucket = getEnvOrDefault("PGZB_S3_BUCKET", "")
	CFG.S3.Region = getEnvOrDefault("PGZB_S3_REGION", "us-east-1")
	CFG.S3.Endpoint = getEnvOrDefault("PGZB_S3_ENDPOINT", "")
	CFG.S3.AccessKey = getEnvOrDefault("PGZB_S3_ACCESS_KEY", "")
	CFG.S3.SecretKey = getEnvOrDefault("PGZB_S3_SECRET_KEY", "")
	CFG.S3.Prefix = getEnvOrDefault("PGZB_S3_PREFIX", "pg-backups")
	CFG.S3.PathStyle = parseEnvBool("PGZB_S3_PATH_STYLE", false)
	CFG.S3.UseSSL = parseEnvBool("PGZB_S3_USE_SSL", true)
	CFG.S3.CustomCAPath = getEnvOrDefault("PGZB_S3_CUSTOM_CA_PATH", "")
	CFG.S3.SkipCertValidation = parseEnvBool("PGZB_S3_SKIP_CERT_VALIDATION", false)

	CFG.Metrics.Enabled = parseEnvBool("PGZB_METRICS_ENABLED", false)
	CFG.Metrics.Port = getEnvOrDefault("PGZB_METRICS_PORT", "8080")

	CFG.Metadata.File = getEnvOrDefault("PGZB_METADATA_FILE", "")

	CFG.Schedule.Cron = getEnvOrDefault("PGZB_SCHEDULE", "")
	CFG.Schedule.OutputDirectory = getEnvOrDefault("PGZB_OUTPUT_DIRECTORY", "")
	CFG.Schedule.Retention = getEnvOrDefault("PGZB_RETENTION", "")
}

// setDefaults ensures all config fields have reasonable default values
func setDefaults() {
	if CFG.PostgreSQL.Port == 0 {
		CFG.PostgreSQL.Port = 5432
	}
	if CFG.Dump.BatchSize == 0 {
		CFG.Dump.BatchSize = catalog.DefaultBatchSize
	}
	if CFG.Restore.CommitEvery == 0 {
		CFG.Restore.CommitEvery = restore.DefaultCommitEvery
	}
	if CFG.Metrics.Port == "" {
		CFG.Metrics.Port = "8080"
	}
}

// LoadFile overlays the YAML file at path on CFG. Keys missing from the
// file keep their current value.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &CFG); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	CFG.ConfigFile = path
	setDefaults()
	return nil
}

// Provider returns the connection provider for the configured database
func (c *AppConfig) Provider() *postgresql.Provider {
	return &postgresql.Provider{
		Host:            c.PostgreSQL.Host,
		Port:            c.PostgreSQL.Port,
		User:            c.PostgreSQL.Username,
		Password:        c.PostgreSQL.Password,
		Database:        c.PostgreSQL.Database,
		SSLMode:         c.PostgreSQL.SSLMode,
		ApplicationName: "pgzipbackup",
	}
}

// DSN returns the connection string for the configured database. An empty
// password is left to the driver's password file lookup.
func (c *AppConfig) DSN() string {
	return c.Provider().DSN()
}

// RetentionPeriod returns the parsed schedule retention, zero when unset
func (c *AppConfig) RetentionPeriod() time.Duration {
	d, _ := time.ParseDuration(c.Schedule.Retention)
	return d
}

// DataFilter returns the filter selecting the data a dump includes
func (c *AppConfig) DataFilter() catalog.DataFilter {
	if c.Dump.SchemaOnly {
		return catalog.NoData
	}
	return catalog.ExcludeData(c.Dump.ExcludeData)
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("Error parsing %s as integer: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

func parseEnvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	return SplitList(value)
}

// SplitList splits a comma separated list, dropping empty items
func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	// Handle additional truthy and falsy values
	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			logrus.Warnf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

// DisplayConfiguration logs the current configuration while masking
// sensitive information
func DisplayConfiguration() {
	logrus.WithFields(logrus.Fields{
		"host":     CFG.PostgreSQL.Host,
		"port":     CFG.PostgreSQL.Port,
		"user":     CFG.PostgreSQL.Username,
		"password": maskSensitiveInfo(CFG.PostgreSQL.Password),
		"database": CFG.PostgreSQL.Database,
		"sslmode":  CFG.PostgreSQL.SSLMode,
	}).Debug("Connection settings")

	logrus.WithFields(logrus.Fields{
		"batch_size":            CFG.Dump.BatchSize,
		"max_objects_per_batch": CFG.Dump.MaxObjectsPerBatch,
		"schema_only":           CFG.Dump.SchemaOnly,
		"exclude_data":          CFG.Dump.ExcludeData,
		"commit_every":          CFG.Restore.CommitEvery,
		"config_file":           CFG.ConfigFile,
	}).Debug("Run settings")

	if CFG.S3.Enabled {
		logrus.WithFields(logrus.Fields{
			"bucket":     CFG.S3.Bucket,
			"region":     CFG.S3.Region,
			"endpoint":   CFG.S3.Endpoint,
			"prefix":     CFG.S3.Prefix,
			"access_key": maskSensitiveInfo(CFG.S3.AccessKey),
			"secret_key": maskSensitiveInfo(CFG.S3.SecretKey),
		}).Debug("S3 settings")
	}
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last character, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}

// ValidateConfig validates the configuration for one of the modes
func ValidateConfig(mode string) error {
	if mode != ModeList {
		if err := CFG.Provider().Validate(); err != nil {
			return err
		}
	}

	switch mode {
	case ModeDump:
		if CFG.Dump.BatchSize <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", CFG.Dump.BatchSize)
		}
		if CFG.Dump.MaxObjectsPerBatch < 0 {
			return fmt.Errorf("max objects per batch cannot be negative")
		}
		for _, p := range CFG.Dump.ExcludeData {
			if _, err := path.Match(p, ""); err != nil {
				return fmt.Errorf("invalid exclude data pattern %q: %v", p, err)
			}
		}

	case ModeRestore:
		if CFG.Restore.File == "" {
			return fmt.Errorf("a backup file is required to restore")
		}
		if len(CFG.Restore.ToSchemas) > 0 && len(CFG.Restore.ToSchemas) != len(CFG.Restore.Schemas) {
			return fmt.Errorf("%d target schemas given for %d schemas", len(CFG.Restore.ToSchemas), len(CFG.Restore.Schemas))
		}
		if CFG.Restore.CommitEvery <= 0 {
			return fmt.Errorf("commit every must be positive, got %d", CFG.Restore.CommitEvery)
		}

	case ModeList:
		if CFG.Restore.File == "" {
			return fmt.Errorf("a backup file is required to list schemas")
		}

	case ModeSchedule:
		if CFG.Schedule.Cron == "" {
			return fmt.Errorf("a cron schedule is required")
		}
		if _, err := cron.ParseStandard(CFG.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %v", CFG.Schedule.Cron, err)
		}
		if CFG.Schedule.Retention != "" {
			if _, err := time.ParseDuration(CFG.Schedule.Retention); err != nil {
				return fmt.Errorf("invalid retention %q: %v", CFG.Schedule.Retention, err)
			}
		}
		if CFG.Schedule.OutputDirectory == "" && !CFG.S3.Enabled {
			return fmt.Errorf("scheduled dumps need an output directory or S3")
		}

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if CFG.S3.Enabled {
		if CFG.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when S3 is enabled")
		}
		if (CFG.S3.AccessKey == "") != (CFG.S3.SecretKey == "") {
			return fmt.Errorf("S3 access key and secret key must be specified together")
		}
	}

	return nil
}
