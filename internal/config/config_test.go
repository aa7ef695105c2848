package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	os.Setenv("STORE_BUCKET", "test-bucket")
	defer os.Unsetenv("STORE_BUCKET")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.ListenAddr)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, "us-east-1", config.Store.Region)
	assert.True(t, config.Cache.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	os.Setenv("LISTEN_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("STORE_ENDPOINT", "http://localhost:9000")
	os.Setenv("STORE_BUCKET", "test-bucket")
	os.Setenv("KMS_AWS_REGION", "eu-west-1")
	defer func() {
		os.Unsetenv("LISTEN_ADDR")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("STORE_ENDPOINT")
		os.Unsetenv("STORE_BUCKET")
		os.Unsetenv("KMS_AWS_REGION")
	}()

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.ListenAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "http://localhost:9000", config.Store.Endpoint)
	assert.Equal(t, "eu-west-1", config.KMS.AWSRegion)
}

func TestLoadConfig_FromYAML(t *testing.T) {
	tmpFile := createTempConfigFile(t, `
listen_addr: ":7070"
store:
  bucket: "yaml-bucket"
  region: "ap-south-1"
kms:
  aws_region: "ap-south-1"
`)
	defer os.Remove(tmpFile)

	config, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, ":7070", config.ListenAddr)
	assert.Equal(t, "yaml-bucket", config.Store.Bucket)
	assert.Equal(t, "ap-south-1", config.KMS.AWSRegion)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				ListenAddr: ":8080",
				Store:      BackendConfig{Bucket: "my-bucket"},
			},
			wantErr: false,
		},
		{
			name: "missing listen addr",
			config: &Config{
				Store: BackendConfig{Bucket: "my-bucket"},
			},
			wantErr: true,
		},
		{
			name: "missing store bucket",
			config: &Config{
				ListenAddr: ":8080",
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: &Config{
				ListenAddr: ":8080",
				LogLevel:   "verbose",
				Store:      BackendConfig{Bucket: "my-bucket"},
			},
			wantErr: true,
		},
		{
			name: "tls enabled without cert",
			config: &Config{
				ListenAddr: ":8080",
				Store:      BackendConfig{Bucket: "my-bucket"},
				TLS:        TLSConfig{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "tracing enabled with jaeger but no endpoint",
			config: &Config{
				ListenAddr: ":8080",
				Store:      BackendConfig{Bucket: "my-bucket"},
				Tracing:    TracingConfig{Enabled: true, ServiceName: "svc", Exporter: "jaeger"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test-config-*.yaml")
	require.NoError(t, err)

	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	return tmpFile.Name()
}
