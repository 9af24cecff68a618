package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hiveplane.db", cfg.Store.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.MaxPollInterval())
	assert.Equal(t, 5*time.Second, cfg.StopGrace())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  dsn: /var/lib/hiveplane/store.db
redis:
  addr: redis:6379
runtime:
  poll_interval_ms: 100
  stop_grace_ms: 1000
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/hiveplane/store.db", cfg.Store.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Second, cfg.StopGrace())
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset keys still get defaults.
	assert.Equal(t, 5*time.Second, cfg.MaxPollInterval())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hiveplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	reloaded := make(chan *Config, 1)
	stop, err := Watch(path, zap.NewNop(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe the rewrite")
	}
}
