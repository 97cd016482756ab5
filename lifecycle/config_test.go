package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDocumentThenEnvOverrides(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(doc, []byte("multiproc_dir: /from/document\nredis_port: 6379\n"), 0o644))

	t.Setenv("GUNICORN_SIDECAR_MULTIPROC_DIR", "/from/env")
	t.Setenv("GUNICORN_SIDECAR_REDIS_ENABLED", "true")

	cfg, err := Load(doc)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.MultiprocDir, "env overrides the document")
	assert.Equal(t, 6379, cfg.RedisPort, "document value survives when env doesn't set it")
	assert.True(t, cfg.RedisEnabled)
}

func TestLoadWithoutDocumentUsesEnvOnly(t *testing.T) {
	t.Setenv("GUNICORN_SIDECAR_MULTIPROC_DIR", "/run/multiproc")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/run/multiproc", cfg.MultiprocDir)
	assert.Equal(t, "gunicorn_sidecar", cfg.RedisKeyPrefix, "prefix defaults to a stable value")
}

func TestValidateRequiresMultiprocDirForFileBackend(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	require.Error(t, err)
	var invalid *ErrConfigurationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "multiproc_dir", invalid.Option)
}

func TestValidatePassesForRedisBackendWithoutMultiprocDir(t *testing.T) {
	cfg := Config{RedisEnabled: true, RedisHost: "localhost", RedisPort: 6379}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresRedisHostPort(t *testing.T) {
	cfg := Config{RedisEnabled: true}
	err := cfg.Validate()
	require.Error(t, err)
	var invalid *ErrConfigurationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "redis_host", invalid.Option)
}

func TestValidateProductionRequiresPortBindWorkers(t *testing.T) {
	cfg := Config{MultiprocDir: "/tmp/x", Production: true}
	err := cfg.Validate()
	require.Error(t, err)
	var invalid *ErrConfigurationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "metrics_port", invalid.Option)
}

func TestValidateRejectsMismatchedSSLPair(t *testing.T) {
	cfg := Config{MultiprocDir: "/tmp/x", SSLCertFile: "/tmp/cert.pem"}
	err := cfg.Validate()
	require.Error(t, err)
	var invalid *ErrConfigurationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "ssl_certfile/ssl_keyfile", invalid.Option)
}

func TestValidateRejectsClientAuthWithoutCA(t *testing.T) {
	cfg := Config{MultiprocDir: "/tmp/x", SSLClientAuthRequired: true}
	err := cfg.Validate()
	require.Error(t, err)
	var invalid *ErrConfigurationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "ssl_client_ca_file", invalid.Option)
}

func TestApplyCLIOnlyOverridesNonZero(t *testing.T) {
	cfg := Config{Workers: 4, BindAddress: "127.0.0.1"}
	cfg.ApplyCLI(0, "")
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "127.0.0.1", cfg.BindAddress)

	cfg.ApplyCLI(8, "0.0.0.0")
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
}

func TestErrConfigurationInvalidNamesOptionAndExample(t *testing.T) {
	err := &ErrConfigurationInvalid{Option: "redis_port", Reason: "must be positive", Example: "6379"}
	assert.Contains(t, err.Error(), "redis_port")
	assert.Contains(t, err.Error(), "6379")
}
