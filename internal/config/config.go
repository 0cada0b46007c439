// Package config loads the coordinator configuration.
//
// Values come from three layers, later ones winning: built-in defaults,
// an optional YAML file, and command-line flags. Any zero field left
// after loading falls back to its default.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ping-upload-coordinator/internal/logging"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the full coordinator configuration.
type Config struct {
	// DataDir holds the SQLite database and the upload lock file.
	DataDir string `yaml:"data_dir"`

	// ServerEndpoint is the collection server base URL.
	ServerEndpoint string `yaml:"server_endpoint"`

	AppID        string `yaml:"app_id"`
	AppVersion   string `yaml:"app_version"`
	AppBuild     string `yaml:"app_build"`
	Channel      string `yaml:"channel"`
	DebugViewTag string `yaml:"debug_view_tag"`

	UploadEnabled bool `yaml:"upload_enabled"`

	// ListenAddr is where pingd serves the debug API.
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Policy     PolicyConfig     `yaml:"policy"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Store      StoreConfig      `yaml:"store"`
	Uploader   UploaderConfig   `yaml:"uploader"`
}

// RateLimitConfig bounds upload attempts per window.
type RateLimitConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxCount int           `yaml:"max_count"`
}

// PolicyConfig bounds a single upload session and the pending queue.
type PolicyConfig struct {
	MaxWaitAttempts   int   `yaml:"max_wait_attempts"`
	MaxUploadAttempts int   `yaml:"max_upload_attempts"`
	MaxPingBodySize   int64 `yaml:"max_ping_body_size"`
	MaxPendingBytes   int64 `yaml:"max_pending_bytes"`
}

// DispatcherConfig configures the pre-init recording queue.
type DispatcherConfig struct {
	MaxQueueSize int `yaml:"max_queue_size"`
	// Synchronous makes every launch block until its task ran. Tests only.
	Synchronous bool `yaml:"synchronous"`
}

// SchedulerConfig configures the metrics ping schedule.
type SchedulerConfig struct {
	// DueHour is the local hour of day the metrics ping is due, 0-23.
	DueHour int `yaml:"due_hour"`
}

// StoreConfig selects where scheduler and engine state is persisted.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// UploaderConfig configures the HTTP uploader.
type UploaderConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Capabilities   []string      `yaml:"capabilities"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:        "./data",
		ServerEndpoint: "https://incoming.telemetry.mozilla.org",
		AppID:          "ping-upload-coordinator",
		AppVersion:     "0.0.0",
		Channel:        "release",
		UploadEnabled:  true,
		ListenAddr:     ":8080",
		LogLevel:       "info",
		RateLimit: RateLimitConfig{
			Interval: 60 * time.Second,
			MaxCount: 15,
		},
		Policy: PolicyConfig{
			MaxWaitAttempts:   3,
			MaxUploadAttempts: 100,
			MaxPingBodySize:   1024 * 1024,
			MaxPendingBytes:   10 * 1024 * 1024,
		},
		Dispatcher: DispatcherConfig{MaxQueueSize: 100},
		Scheduler:  SchedulerConfig{DueHour: 4},
		Store:      StoreConfig{Backend: BackendSQLite, RedisPrefix: "pingupload:"},
		Uploader: UploaderConfig{
			Timeout:        30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Flags are the command-line overrides understood by pingd.
type Flags struct {
	ConfigPath string
	ListenAddr string
	DataDir    string
	LogLevel   string
}

// Register adds the flags to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to the YAML config file")
	fs.StringVar(&f.ListenAddr, "listen", "", "debug API listen address")
	fs.StringVar(&f.DataDir, "data-dir", "", "directory for the pending pings database and upload lock")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn or error")
}

// Parse parses args, loads the config file they name, applies the flag
// overrides and validates the result. It returns pflag.ErrHelp when
// --help was given.
func Parse(name string, args []string) (*Config, error) {
	var flags Flags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.Register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", ErrInvalid, fs.Arg(0))
	}

	cfg, err := Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("listen") {
		cfg.ListenAddr = f.ListenAddr
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = f.DataDir
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
}

// ApplyDefaults fills zero fields with their defaults. Booleans and the
// due hour are left alone since their zero value is meaningful.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.ServerEndpoint == "" {
		c.ServerEndpoint = d.ServerEndpoint
	}
	if c.AppVersion == "" {
		c.AppVersion = d.AppVersion
	}
	if c.Channel == "" {
		c.Channel = d.Channel
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RateLimit.Interval <= 0 {
		c.RateLimit.Interval = d.RateLimit.Interval
	}
	if c.RateLimit.MaxCount <= 0 {
		c.RateLimit.MaxCount = d.RateLimit.MaxCount
	}
	if c.Policy.MaxWaitAttempts <= 0 {
		c.Policy.MaxWaitAttempts = d.Policy.MaxWaitAttempts
	}
	if c.Policy.MaxUploadAttempts <= 0 {
		c.Policy.MaxUploadAttempts = d.Policy.MaxUploadAttempts
	}
	if c.Policy.MaxPingBodySize <= 0 {
		c.Policy.MaxPingBodySize = d.Policy.MaxPingBodySize
	}
	if c.Policy.MaxPendingBytes <= 0 {
		c.Policy.MaxPendingBytes = d.Policy.MaxPendingBytes
	}
	if c.Dispatcher.MaxQueueSize <= 0 {
		c.Dispatcher.MaxQueueSize = d.Dispatcher.MaxQueueSize
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = d.Store.RedisPrefix
	}
	if c.Uploader.Timeout <= 0 {
		c.Uploader.Timeout = d.Uploader.Timeout
	}
	if c.Uploader.ConnectTimeout <= 0 {
		c.Uploader.ConnectTimeout = d.Uploader.ConnectTimeout
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("%w: app_id is required", ErrInvalid)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	}

	u, err := url.Parse(c.ServerEndpoint)
	if err != nil {
		return fmt.Errorf("%w: server_endpoint: %v", ErrInvalid, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server_endpoint must be an absolute http(s) URL, got %q", ErrInvalid, c.ServerEndpoint)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Scheduler.DueHour < 0 || c.Scheduler.DueHour > 23 {
		return fmt.Errorf("%w: scheduler.due_hour must be within 0-23, got %d", ErrInvalid, c.Scheduler.DueHour)
	}
	if c.Dispatcher.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: dispatcher.max_queue_size must be positive", ErrInvalid)
	}
	if c.RateLimit.MaxCount <= 0 || c.RateLimit.Interval <= 0 {
		return fmt.Errorf("%w: rate_limit interval and max_count must be positive", ErrInvalid)
	}

	switch c.Store.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("%w: store.redis_url is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, c.Store.Backend)
	}
	return nil
}

// DatabasePath is the SQLite file holding pending pings.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "pings.db")
}

// LockPath is the file locked for the duration of an upload session.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "upload.lock")
}
