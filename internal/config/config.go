// Package config loads the pump server's configuration from a YAML file
// overridden by environment variables, the same two-phase load the
// teacher's internal/config uses for its gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`

	Store   BackendConfig   `yaml:"store"`
	KMS     KMSConfig       `yaml:"kms"`
	Cache   CacheConfig     `yaml:"cache"`
	Audit   AuditConfig     `yaml:"audit"`
	TLS     TLSConfig       `yaml:"tls"`
	Server  ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing TracingConfig   `yaml:"tracing"`

	// AllowedNamespaces lists glob patterns (see github.com/ryanuber/go-glob)
	// that a request's namespace must match against. Empty allows every
	// namespace.
	AllowedNamespaces []string `yaml:"allowed_namespaces" env:"ALLOWED_NAMESPACES"`
}

// BackendConfig holds the S3-compatible bucket mongostore is backed by.
type BackendConfig struct {
	Endpoint     string `yaml:"endpoint" env:"STORE_ENDPOINT"`
	Region       string `yaml:"region" env:"STORE_REGION"`
	AccessKey    string `yaml:"access_key" env:"STORE_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORE_SECRET_KEY"`
	Bucket       string `yaml:"bucket" env:"STORE_BUCKET"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORE_USE_PATH_STYLE"`
}

// KMSConfig selects and configures the KMS providers hostkms dials.
type KMSConfig struct {
	// LocalMasterKeyFile points at a 32-byte raw AES-256 key used for the
	// "local" provider. Required only if any KEK in use has
	// provider == "local".
	LocalMasterKeyFile string `yaml:"local_master_key_file" env:"KMS_LOCAL_MASTER_KEY_FILE"`

	// AWSRegion/AzureVaultEndpoint/GCPLocation are used only to build the
	// default SDK clients in cmd/pumpserver; credentials for all three
	// come from each provider's standard ambient credential chain
	// (environment, instance metadata, workload identity), never from
	// this file.
	AWSRegion          string `yaml:"aws_region" env:"KMS_AWS_REGION"`
	AzureVaultEndpoint string `yaml:"azure_vault_endpoint" env:"KMS_AZURE_VAULT_ENDPOINT"`
	GCPLocation        string `yaml:"gcp_location" env:"KMS_GCP_LOCATION"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds schemacache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"`
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: BackendConfig{
			Region: "us-east-1",
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxItems:   1000,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "mongocrypt-pumpserver",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("STORE_ENDPOINT"); v != "" {
		config.Store.Endpoint = v
	}
	if v := os.Getenv("STORE_REGION"); v != "" {
		config.Store.Region = v
	}
	if v := os.Getenv("STORE_ACCESS_KEY"); v != "" {
		config.Store.AccessKey = v
	}
	if v := os.Getenv("STORE_SECRET_KEY"); v != "" {
		config.Store.SecretKey = v
	}
	if v := os.Getenv("STORE_BUCKET"); v != "" {
		config.Store.Bucket = v
	}
	if v := os.Getenv("STORE_USE_PATH_STYLE"); v != "" {
		config.Store.UsePathStyle = v == "true" || v == "1"
	}
	if v := os.Getenv("KMS_LOCAL_MASTER_KEY_FILE"); v != "" {
		config.KMS.LocalMasterKeyFile = v
	}
	if v := os.Getenv("KMS_AWS_REGION"); v != "" {
		config.KMS.AWSRegion = v
	}
	if v := os.Getenv("KMS_AZURE_VAULT_ENDPOINT"); v != "" {
		config.KMS.AzureVaultEndpoint = v
	}
	if v := os.Getenv("KMS_GCP_LOCATION"); v != "" {
		config.KMS.GCPLocation = v
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if maxBytes, err := strconv.Atoi(v); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		if maxItems, err := strconv.Atoi(v); err == nil && maxItems > 0 {
			config.Cache.MaxItems = maxItems
		}
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if maxEvents, err := strconv.Atoi(v); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = v == "true" || v == "1"
	}
	if v := os.Getenv("ALLOWED_NAMESPACES"); v != "" {
		config.AllowedNamespaces = strings.Split(v, ",")
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{"stdout": true, "jaeger": true, "otlp": true}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
