// Package config loads the microlab application configuration and manages the
// small local storage file that holds the remote backend settings.
//
// The application configuration is a YAML file (default <dataDir>/config.yaml).
// Values from the file are applied over Default() and then overridden by
// MICROLAB_* environment variables:
//
//	MICROLAB_DATA_DIR            data directory
//	MICROLAB_STORAGE_DRIVER      memory|sqlite|postgres (empty selects automatically)
//	MICROLAB_SQLITE_PATH         embedded database file
//	MICROLAB_POSTGRES_DSN        remote database URL, overrides the saved remote config
//	MICROLAB_STRICT_UPDATES      true rejects updates of missing documents
//	MICROLAB_REMOTE_TIMEOUT      per-attempt network timeout (e.g. 10s)
//	MICROLAB_BACKUP_DRIVER       fs|memory|s3
//	MICROLAB_BACKUP_FORMAT       json|cbor
//	MICROLAB_BACKUP_S3_BUCKET    bucket for the s3 backup driver
//	MICROLAB_BACKUP_S3_REGION    region (default us-east-1)
//	MICROLAB_BACKUP_S3_ENDPOINT  custom endpoint (MinIO)
//	MICROLAB_METRICS_ADDR        listen address of the metrics server
//	MICROLAB_LOG_LEVEL           debug|info|warn|error
//	MICROLAB_LOG_FORMAT          auto|text|json
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the configuration file looked up inside the data directory.
	FileName = "config.yaml"
	// DefaultRemoteTimeout bounds each remote network attempt.
	DefaultRemoteTimeout = 10 * time.Second
)

// Config is the application configuration.
type Config struct {
	// DataDir holds the embedded database, local storage and file backups.
	DataDir string        `yaml:"data_dir"`
	Storage StorageConfig `yaml:"storage"`
	Backup  BackupConfig  `yaml:"backup"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects and tunes the record store.
type StorageConfig struct {
	// Driver forces a backend. Empty selects postgres when a remote
	// configuration is saved and sqlite otherwise.
	Driver string `yaml:"driver"`
	// SQLitePath defaults to <data_dir>/microlab.db.
	SQLitePath string `yaml:"sqlite_path"`
	// StrictUpdates makes the embedded backend reject updates of missing ids.
	StrictUpdates bool `yaml:"strict_updates"`
	// PostgresDSN overrides the databaseURL of the saved remote configuration.
	PostgresDSN   string        `yaml:"postgres_dsn"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// BackupConfig configures where collection backups are written.
type BackupConfig struct {
	Driver string   `yaml:"driver"`
	Root   string   `yaml:"root"`
	Format string   `yaml:"format"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures the s3 backup driver.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	// Exporter is prometheus or expvar.
	Exporter string `yaml:"exporter"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultDataDir returns MICROLAB_DATA_DIR or <user config dir>/microlab.
func DefaultDataDir() string {
	if dir := os.Getenv("MICROLAB_DATA_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return ".microlab"
	}
	return filepath.Join(base, "microlab")
}

// Default returns the configuration used when no file exists.
func Default(dataDir string) Config {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	return Config{
		DataDir: dataDir,
		Storage: StorageConfig{RemoteTimeout: DefaultRemoteTimeout},
		Backup:  BackupConfig{Driver: "fs", Format: "json"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464", Exporter: "prometheus"},
		Log:     LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads path over Default(dataDir) and applies the environment. A missing
// file is not an error. An empty path uses <dataDir>/config.yaml.
func Load(path, dataDir string) (Config, error) {
	cfg := Default(dataDir)
	if path == "" {
		path = filepath.Join(cfg.DataDir, FileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// ApplyEnv overrides fields from MICROLAB_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("MICROLAB_DATA_DIR", &c.DataDir)
	str("MICROLAB_STORAGE_DRIVER", &c.Storage.Driver)
	str("MICROLAB_SQLITE_PATH", &c.Storage.SQLitePath)
	str("MICROLAB_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("MICROLAB_BACKUP_DRIVER", &c.Backup.Driver)
	str("MICROLAB_BACKUP_FORMAT", &c.Backup.Format)
	str("MICROLAB_BACKUP_S3_BUCKET", &c.Backup.S3.Bucket)
	str("MICROLAB_BACKUP_S3_REGION", &c.Backup.S3.Region)
	str("MICROLAB_BACKUP_S3_ENDPOINT", &c.Backup.S3.Endpoint)
	str("MICROLAB_METRICS_ADDR", &c.Metrics.Addr)
	str("MICROLAB_LOG_LEVEL", &c.Log.Level)
	str("MICROLAB_LOG_FORMAT", &c.Log.Format)

	if v := strings.TrimSpace(getenv("MICROLAB_STRICT_UPDATES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MICROLAB_STRICT_UPDATES: %w", err)
		}
		c.Storage.StrictUpdates = b
	}
	if v := strings.TrimSpace(getenv("MICROLAB_REMOTE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MICROLAB_REMOTE_TIMEOUT: %w", err)
		}
		c.Storage.RemoteTimeout = d
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.DataDir, "microlab.db")
	}
	if c.Storage.RemoteTimeout <= 0 {
		c.Storage.RemoteTimeout = DefaultRemoteTimeout
	}
	if c.Backup.Driver == "fs" && c.Backup.Root == "" {
		c.Backup.Root = filepath.Join(c.DataDir, "backups")
	}
}

// Validate checks enumerated fields.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch c.Backup.Driver {
	case "fs", "memory":
	case "s3":
		if c.Backup.S3.Bucket == "" {
			errs = append(errs, errors.New("backup.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("backup.driver: unknown driver %q", c.Backup.Driver))
	}
	switch c.Backup.Format {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("backup.format: unknown format %q", c.Backup.Format))
	}
	switch c.Metrics.Exporter {
	case "", "prometheus", "expvar":
	default:
		errs = append(errs, fmt.Errorf("metrics.exporter: unknown exporter %q", c.Metrics.Exporter))
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LocalStoragePath returns the path of the local storage file.
func (c Config) LocalStoragePath() string {
	return filepath.Join(c.DataDir, LocalStorageFile)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
