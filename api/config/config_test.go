package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SKALD_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8900", cfg.Port)
	assert.Equal(t, "0.0.0.0:8900", cfg.Addr())
	assert.Equal(t, "consul", cfg.StoreBackend)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, []string{"dc1"}, cfg.NomadDatacenters)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.ResyncInterval)
	assert.Equal(t, 0, cfg.HistoryRetention)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SKALD_CONFIG", "")
	t.Setenv("SKALD_PORT", "9999")
	t.Setenv("SKALD_STORE_BACKEND", "ETCD")
	t.Setenv("SKALD_ETCD_ENDPOINTS", "etcd-0:2379, etcd-1:2379,")
	t.Setenv("SKALD_HISTORY_RETENTION", "500")
	t.Setenv("SKALD_ROLLOUT_POLL", "250ms")
	t.Setenv("SKALD_DATABASE_URL", "postgres://test:test@db:5432/test_db")
	t.Setenv("SKALD_CORS_ALLOWED_ORIGINS", "https://ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "etcd", cfg.StoreBackend)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 500, cfg.HistoryRetention)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "postgres://test:test@db:5432/test_db", cfg.DatabaseURL)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.AllowedOrigins)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
store:
  backend: memory
nomad:
  datacenters: [fra1, ams1]
s3:
  endpoint: minio:9000
  use_ssl: false
`), 0o644))
	t.Setenv("SKALD_CONFIG", path)
	t.Setenv("SKALD_PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7100", cfg.Port, "env wins over file")
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, []string{"fra1", "ams1"}, cfg.NomadDatacenters)
	assert.Equal(t, "minio:9000", cfg.S3Endpoint)
	assert.False(t, cfg.S3UseSSL)
	assert.Equal(t, "skald-history", cfg.S3Bucket)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"backend", map[string]string{"SKALD_STORE_BACKEND": "zookeeper"}},
		{"retention", map[string]string{"SKALD_HISTORY_RETENTION": "-1"}},
		{"cf access", map[string]string{"SKALD_CF_ACCESS_TEAM_DOMAIN": "acme.cloudflareaccess.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SKALD_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("SKALD_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
