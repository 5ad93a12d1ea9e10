package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/chunkvault/pkg/config"
	"github.com/3FT-io/chunkvault/pkg/testutil"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "https://s3.cubbit.eu", cfg.Storage.Endpoint)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.Equal(t, 4, cfg.Ledger.Difficulty)
	assert.Equal(t, int64(100<<20), cfg.Ingest.ChunkSize)

	// bucket is the only thing an operator must supply
	assert.ErrorContains(t, cfg.Validate(), "storage.bucket")
	cfg.Storage.Bucket = "models"
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := testutil.CreateTestFile(t, dir, "chunkvault.yaml", []byte(`
api_port: 9090
storage:
  backend: file
  local_dir: /var/lib/chunkvault
registry:
  backend: postgres
  dsn: postgres://localhost/chunks
ingest:
  chunk_size: 1048576
`))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/chunkvault", cfg.Storage.LocalDir)
	assert.Equal(t, "postgres", cfg.Registry.Backend)
	assert.Equal(t, int64(1048576), cfg.Ingest.ChunkSize)
	// untouched sections keep their defaults
	assert.Equal(t, 4, cfg.Ledger.Difficulty)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := testutil.CreateTestFile(t, t.TempDir(), "bad.yaml", []byte("api_port: [nope"))
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHUNKVAULT_S3_ACCESS_KEY":     "AKID",
		"CHUNKVAULT_S3_SECRET_KEY":     "secret",
		"CHUNKVAULT_S3_BUCKET":         "weights",
		"CHUNKVAULT_API_PORT":          "7000",
		"CHUNKVAULT_CHUNK_SIZE":        "2048",
		"CHUNKVAULT_BOOTSTRAP_PEERS":   "/ip4/10.0.0.1/tcp/4001/p2p/QmA, ,/ip4/10.0.0.2/tcp/4001/p2p/QmB",
		"CHUNKVAULT_EMBEDDING_API_KEY": "sk-test",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "AKID", cfg.Storage.AccessKey)
	assert.Equal(t, "secret", cfg.Storage.SecretKey)
	assert.Equal(t, "weights", cfg.Storage.Bucket)
	assert.Equal(t, 7000, cfg.APIPort)
	assert.Equal(t, int64(2048), cfg.Ingest.ChunkSize)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Len(t, cfg.BootstrapPeers, 2)

	env["CHUNKVAULT_PORT"] = "not-a-port"
	assert.Error(t, config.DefaultConfig().ApplyEnv(lookup))
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "ftp"
	cfg.Registry.Backend = "postgres"
	cfg.Ledger.Difficulty = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage backend "ftp"`)
	assert.Contains(t, err.Error(), "registry.dsn")
	assert.Contains(t, err.Error(), "ledger.difficulty")
}
