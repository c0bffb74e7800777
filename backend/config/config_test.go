package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/entity"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabConfig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
running:
  port: 9000
store:
  kind: memory
transport:
  kind: memory
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: ops
  base_backoff: 20ms
collab:
  heartbeat_interval: 5s
  persist_every: 3
  strategy: manual
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 20*time.Millisecond, cfg.Kafka.BaseBackoff)
	assert.Equal(t, time.Second, cfg.Kafka.MaxBackoff)
	assert.Equal(t, 5*time.Second, cfg.Collab.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Collab.PersistEvery)
	assert.Equal(t, 30*time.Minute, cfg.Collab.LockLease)
	assert.Equal(t, entity.StrategyManual, cfg.Collab.Strategy)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
running:
  port: 9000
store:
  kind: memory
transport:
  kind: memory
`)
	t.Setenv("COLLAB_RUNNING_PORT", "9100")
	t.Setenv("COLLAB_COLLAB_LOCK_LEASE", "10m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, 10*time.Minute, cfg.Collab.LockLease)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mysql without dsn": "store:\n  kind: mysql\ntransport:\n  kind: memory\n",
		"unknown transport": "store:\n  kind: memory\ntransport:\n  kind: carrier-pigeon\n",
		"bad port":          "running:\n  port: -1\nstore:\n  kind: memory\ntransport:\n  kind: memory\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
