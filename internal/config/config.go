// Package config handles loading and parsing of filerelay configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxUploadSize is the largest upload accepted when the config does
// not say otherwise (100 MiB).
const DefaultMaxUploadSize int64 = 100 * 1024 * 1024

// Config is the top-level configuration for filerelay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Upload        UploadConfig        `yaml:"upload"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown budget in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize is the upload size cap in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// AuthConfig holds the single HTTP Basic credential pair.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ProtectDownloads also requires credentials on GET /{name}.
	ProtectDownloads bool `yaml:"protect_downloads"`
}

// UploadConfig holds defaults applied when upload headers are absent.
type UploadConfig struct {
	// DefaultTTLHours of 0 means the file never expires by age.
	DefaultTTLHours int `yaml:"default_ttl_hours"`
	// DefaultMaxDownloads of 0 means unlimited downloads.
	DefaultMaxDownloads int `yaml:"default_max_downloads"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine: "sqlite", "memory",
	// "dynamodb", "firestore", or "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite-specific metadata store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DynamoDBConfig holds settings for the DynamoDB metadata store.
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// EndpointURL overrides the service endpoint (DynamoDB Local, LocalStack).
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds settings for the Firestore metadata store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds settings for the Cosmos DB metadata store.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig holds blob storage backend settings.
type StorageConfig struct {
	// Backend is the storage backend type: "local", "memory", "aws",
	// "gcp", or "azure".
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	AWS     AWSConfig   `yaml:"aws"`
	GCP     GCPConfig   `yaml:"gcp"`
	Azure   AzureConfig `yaml:"azure"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the upload directory. Listings are relative to it.
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds settings for the S3 storage backend.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds settings for the Google Cloud Storage backend.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds settings for the Azure Blob Storage backend.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is used to build https://{account}.blob.core.windows.net when
	// AccountURL is empty.
	Account          string `yaml:"account"`
	AccountURL       string `yaml:"account_url"`
	Prefix           string `yaml:"prefix"`
	ConnectionString string `yaml:"connection_string"`
}

// JanitorConfig controls the optional background sweep of expired files.
type JanitorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the sweep period in seconds.
	Interval int `yaml:"interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// ShutdownTimeoutDuration returns the shutdown budget as a time.Duration.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// IntervalDuration returns the janitor period as a time.Duration.
func (j JanitorConfig) IntervalDuration() time.Duration {
	return time.Duration(j.Interval) * time.Second
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to filerelay.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "filerelay.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "filerelay.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upload.DefaultTTLHours < 0 {
		return fmt.Errorf("upload.default_ttl_hours must not be negative")
	}
	if c.Upload.DefaultMaxDownloads < 0 {
		return fmt.Errorf("upload.default_max_downloads must not be negative")
	}
	switch c.Metadata.Engine {
	case "sqlite", "memory", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("unknown metadata engine %q", c.Metadata.Engine)
	}
	switch c.Storage.Backend {
	case "local", "memory", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 30,
			MaxUploadSize:   DefaultMaxUploadSize,
		},
		Auth: AuthConfig{
			Username: "filerelay",
			Password: "filerelay-secret",
		},
		Upload: UploadConfig{
			DefaultTTLHours: 24,
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/uploads",
			},
		},
		Janitor: JanitorConfig{
			Interval: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxUploadSize <= 0 {
		cfg.Server.MaxUploadSize = def.Server.MaxUploadSize
	}
	if cfg.Auth.Username == "" {
		cfg.Auth.Username = def.Auth.Username
	}
	if cfg.Auth.Password == "" {
		cfg.Auth.Password = def.Auth.Password
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = def.Metadata.Engine
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = def.Metadata.SQLite.Path
	}
	if cfg.Metadata.DynamoDB.Table == "" {
		cfg.Metadata.DynamoDB.Table = "filerelay-metadata"
	}
	if cfg.Metadata.Firestore.Collection == "" {
		cfg.Metadata.Firestore.Collection = "filerelay-metadata"
	}
	if cfg.Metadata.Cosmos.Database == "" {
		cfg.Metadata.Cosmos.Database = "filerelay"
	}
	if cfg.Metadata.Cosmos.Container == "" {
		cfg.Metadata.Cosmos.Container = "metadata"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = def.Storage.Local.RootDir
	}
	if cfg.Janitor.Interval <= 0 {
		cfg.Janitor.Interval = def.Janitor.Interval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}
