package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no other is given.
const DefaultPath = "config/config.yaml"

type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Database  Database  `yaml:"database"`
	Upload    Upload    `yaml:"upload"`
	Reconcile Reconcile `yaml:"reconcile"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Storage struct {
	Path string `yaml:"path"`
}

type Database struct {
	Filename     string        `yaml:"filename"`       // relative to the storage path unless absolute
	MaxOpenConns int           `yaml:"max_open_conns"` // sqlite connection pool size
	BusyTimeout  time.Duration `yaml:"busy_timeout"`   // wait for a locked database
}

type Upload struct {
	MaxSize int64 `yaml:"max_size"` // bytes
}

type Reconcile struct {
	Interval    time.Duration `yaml:"interval"`     // time between sweeps
	GracePeriod time.Duration `yaml:"grace_period"` // minimum age of an inconsistency
	Repair      bool          `yaml:"repair"`       // remove what the sweep finds
}

type RateLimit struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Filename   string `yaml:"filename"`    // log file path
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of backups
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

// Default returns the configuration used for unset values.
func Default() *Config {
	return &Config{
		Server:    Server{Port: 5000},
		Storage:   Storage{Path: "./data"},
		Database:  Database{Filename: "registry.db", MaxOpenConns: 1, BusyTimeout: 5 * time.Second},
		Upload:    Upload{MaxSize: 250 << 20},
		Reconcile: Reconcile{Interval: time.Hour, GracePeriod: 15 * time.Minute},
		RateLimit: RateLimit{RPS: 20, Burst: 40},
		Log: Log{
			Level:      "info",
			Filename:   "./logs/registry.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadFromFile loads the configuration from the specified file and creates
// the storage directories it names.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := ensureDirs(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("failed to create storage directories: %w", err)
	}
	return cfg, nil
}

// Parse decodes a yaml document, fills unset values from Default and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults(Default())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(d *Config) {
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Database.Filename == "" {
		c.Database.Filename = d.Database.Filename
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = d.Database.MaxOpenConns
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = d.Database.BusyTimeout
	}
	if c.Upload.MaxSize == 0 {
		c.Upload.MaxSize = d.Upload.MaxSize
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = d.Reconcile.Interval
	}
	if c.Reconcile.GracePeriod == 0 {
		c.Reconcile.GracePeriod = d.Reconcile.GracePeriod
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = d.RateLimit.RPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Filename == "" {
		c.Log.Filename = d.Log.Filename
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = d.Log.MaxSize
	}
}

// Validate reports values that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Database.MaxOpenConns < 0 || c.Database.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("database values must not be negative"))
	}
	if c.Upload.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("upload.max_size must not be negative"))
	}
	if c.Reconcile.Interval < 0 || c.Reconcile.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("reconcile durations must not be negative"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}
	if c.Log.MaxSize < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("log rotation values must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// PackagesPath is the content store root.
func (c *Config) PackagesPath() string {
	return filepath.Join(c.Storage.Path, "packages")
}

// DatabasePath is the sqlite file of the metadata store.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Filename) {
		return c.Database.Filename
	}
	return filepath.Join(c.Storage.Path, c.Database.Filename)
}

// ensureDirs creates necessary directories if they don't exist
func ensureDirs(basePath string) error {
	dirs := []string{
		basePath,
		filepath.Join(basePath, "packages"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
