// Package config provides configuration for the SQLiteCult server and admin CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names accepted by database/sql.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// Config holds the configuration for SQLiteCult.
type Config struct {
	// DataDir is the base directory for local files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Storage configuration for exports and snapshots
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Rows configuration
	Rows RowsConfig `json:"rows" yaml:"rows"`
}

// DatabaseConfig holds settings for the databases folder.
type DatabaseConfig struct {
	// Dir is the folder holding the SQLite files
	Dir string `json:"dir" yaml:"dir"`

	// Driver is the database/sql driver: sqlite3 (cgo) or sqlite (pure Go)
	Driver string `json:"driver" yaml:"driver"`

	// BusyTimeout is how long SQLite waits on a locked file
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// ListConcurrency bounds the fan-out when listing databases
	ListConcurrency int `json:"list_concurrency" yaml:"list_concurrency"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxUploadMB caps import payloads
	MaxUploadMB int64 `json:"max_upload_mb" yaml:"max_upload_mb"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey are optional static credentials.
	// When empty the default AWS credential chain is used.
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// AuthConfig holds API token and browser identity settings.
type AuthConfig struct {
	// JWTSecret signs and verifies API tokens
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// Issuer is the expected token issuer
	Issuer string `json:"issuer" yaml:"issuer"`

	// TokenTTL is the lifetime of minted tokens
	TokenTTL time.Duration `json:"token_ttl" yaml:"token_ttl"`

	// UserHeader names the header a reverse proxy sets with the user name
	UserHeader string `json:"user_header" yaml:"user_header"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a logrus level name
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// RowsConfig holds row browsing settings.
type RowsConfig struct {
	// DefaultPageSize is used when a request does not set one
	DefaultPageSize int `json:"default_page_size" yaml:"default_page_size"`

	// MaxPageSize caps requested page sizes
	MaxPageSize int `json:"max_page_size" yaml:"max_page_size"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/sqlitecult",
		Database: DatabaseConfig{
			Driver:          DriverMattn,
			BusyTimeout:     30 * time.Second,
			ListConcurrency: 8,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxUploadMB:  64,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Auth: AuthConfig{
			Issuer:     "sqlitecult",
			TokenTTL:   30 * 24 * time.Hour,
			UserHeader: "X-Forwarded-User",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Rows: RowsConfig{
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/sqlitecult"
	}
	if c.Database.Dir == "" {
		c.Database.Dir = filepath.Join(c.DataDir, "databases")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "exports")
	}
	if c.Database.ListConcurrency <= 0 {
		c.Database.ListConcurrency = 8
	}
	if c.Rows.DefaultPageSize <= 0 {
		c.Rows.DefaultPageSize = 50
	}
	if c.Rows.MaxPageSize <= 0 {
		c.Rows.MaxPageSize = 500
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Database.Driver {
	case DriverMattn, DriverModernc:
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or sqlite)", c.Database.Driver)
	}

	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must not be negative")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Rows.DefaultPageSize > c.Rows.MaxPageSize {
		return fmt.Errorf("rows.default_page_size (%d) exceeds rows.max_page_size (%d)", c.Rows.DefaultPageSize, c.Rows.MaxPageSize)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// APIEnabled reports whether API tokens can be verified.
func (c *Config) APIEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SQLITECULT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SQLITECULT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("SQLITECULT_DATABASE_DIR"); v != "" {
		cfg.Database.Dir = v
	}
	if v := os.Getenv("SQLITECULT_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SQLITECULT_DATABASE_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.BusyTimeout = d
		}
	}

	// HTTP configuration
	if v := os.Getenv("SQLITECULT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SQLITECULT_HTTP_MAX_UPLOAD_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxUploadMB)
	}

	// gRPC configuration
	if v := os.Getenv("SQLITECULT_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("SQLITECULT_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("SQLITECULT_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SQLITECULT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SQLITECULT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SQLITECULT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("SQLITECULT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("SQLITECULT_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("SQLITECULT_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}

	// Auth configuration
	if v := os.Getenv("SQLITECULT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SQLITECULT_JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("SQLITECULT_USER_HEADER"); v != "" {
		cfg.Auth.UserHeader = v
	}

	// Log configuration
	if v := os.Getenv("SQLITECULT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SQLITECULT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Database.Dir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
