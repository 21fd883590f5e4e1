package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/docmark/internal/common"
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "DOCMARK_CONFIG"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Converter ConverterConfig `yaml:"converter"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	WorkerCount     int           `yaml:"workerCount"`
	QueueCapacity   int           `yaml:"queueCapacity"`
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for workers before forced stop
	CallbackRetries int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
	LogFormat       string        `yaml:"logFormat"`       // text|json
	// DisableResultCache turns off reuse of finished results for identical uploads.
	DisableResultCache bool `yaml:"disableResultCache"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite|bolt
	Path   string `yaml:"path"`   // optional, defaults under storageDir
}

// ConverterConfig configures the external converter programs.
type ConverterConfig struct {
	Timeout         time.Duration `yaml:"timeout"`       // budget for one whole conversion
	BridgeTimeout   time.Duration `yaml:"bridgeTimeout"` // budget for one LibreOffice invocation
	MaxBridges      int           `yaml:"maxBridges"`    // concurrent LibreOffice processes
	PandocPath      string        `yaml:"pandocPath"`
	LibreOfficePath string        `yaml:"libreofficePath"`
	MarkerPath      string        `yaml:"markerPath"`
}

// StorageConfig configures the optional S3-compatible image target.
type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"` // host[:port]; empty means AWS S3 for the region
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	Prefix        string `yaml:"prefix"`
	UseSSL        *bool  `yaml:"useSSL"`
	PublicBaseURL string `yaml:"publicBaseUrl"` // optional override for public object URLs
	ACL           string `yaml:"acl"`           // canned ACL sent with uploads, "none" to omit
	UploadArchive bool   `yaml:"uploadArchive"` // also upload result archives
}

// Enabled reports whether remote mode is configured. All three credentials
// must be present.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessKey) != "" &&
		strings.TrimSpace(s.SecretKey) != "" &&
		strings.TrimSpace(s.Bucket) != ""
}

// SSL returns the effective TLS setting, defaulting to true.
func (s StorageConfig) SSL() bool {
	return s.UseSSL == nil || *s.UseSSL
}

// RetentionConfig drives the sweeper.
type RetentionConfig struct {
	Window       time.Duration `yaml:"window"`       // terminal tasks older than this are expired
	Interval     time.Duration `yaml:"interval"`     // sweep period
	StaleAfter   time.Duration `yaml:"staleAfter"`   // PROCESSING tasks older than this are failed
	TombstoneTTL time.Duration `yaml:"tombstoneTtl"` // how long expired ids answer EXPIRED
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
	}
	parsed, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses sizes such as "10Mi", "20MB", "512KiB" or "1024".
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var DOCMARK_CONFIG, then default to "config.yaml".
// A missing default file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.yaml"
		}
	}
	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	return finish(&cfg)
}

// Default returns a configuration with every default applied and no file read.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	if cfg.Store.Path == "" {
		name := common.DatabaseFileName
		if cfg.Store.Driver == DriverBolt {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ".bolt"
		}
		cfg.Store.Path = filepath.Join(cfg.Server.StorageDir, name)
	}
	return cfg, nil
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(50 * humanize.MByte)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	cfg.Server.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel))
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	cfg.Server.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Server.LogFormat))
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "text"
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}

	if cfg.Converter.Timeout == 0 {
		cfg.Converter.Timeout = 10 * time.Minute
	}
	if cfg.Converter.BridgeTimeout == 0 {
		cfg.Converter.BridgeTimeout = 3 * time.Minute
	}
	if cfg.Converter.MaxBridges <= 0 {
		cfg.Converter.MaxBridges = common.DefaultMaxBridges
	}
	if cfg.Converter.PandocPath == "" {
		cfg.Converter.PandocPath = common.PandocExecutable
	}
	if cfg.Converter.LibreOfficePath == "" {
		cfg.Converter.LibreOfficePath = common.LibreOfficeExecutable
	}
	if cfg.Converter.MarkerPath == "" {
		cfg.Converter.MarkerPath = common.MarkerExecutable
	}

	cfg.Storage.Prefix = normalizePathPrefix(cfg.Storage.Prefix)
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "markdown-images"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.ACL == "" {
		cfg.Storage.ACL = "public-read"
	}

	if cfg.Retention.Window == 0 {
		cfg.Retention.Window = 7 * 24 * time.Hour
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = time.Hour
	}
	if cfg.Retention.StaleAfter == 0 {
		cfg.Retention.StaleAfter = 2 * cfg.Converter.Timeout
	}
	if cfg.Retention.TombstoneTTL == 0 {
		cfg.Retention.TombstoneTTL = 30 * 24 * time.Hour
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case DriverSQLite, DriverBolt:
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, bolt", cfg.Store.Driver)
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not one of debug, info, warn, error", cfg.Server.LogLevel)
	}
	switch cfg.Server.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("server.logFormat %q is not one of text, json", cfg.Server.LogFormat)
	}
	if cfg.Converter.Timeout < 0 || cfg.Converter.BridgeTimeout < 0 {
		return errors.New("converter timeouts must be positive")
	}
	if cfg.Retention.Window < 0 || cfg.Retention.Interval < 0 {
		return errors.New("retention durations must be positive")
	}
	if cfg.Storage.UploadArchive && !cfg.Storage.Enabled() {
		return errors.New("storage.uploadArchive requires accessKey, secretKey and bucket")
	}
	return nil
}

// normalizePathPrefix trims slashes so keys join as prefix/task/name.
func normalizePathPrefix(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.Trim(p, "/")
}
