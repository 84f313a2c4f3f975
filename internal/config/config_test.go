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
	t.Setenv("POKIFY_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 60*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 30.0, cfg.GlobalRate)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pokify.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 9000
transport: http
transport_url: http://relay.local/send
reconcile_interval: 30s
flood_limit: 100
mdns: false
`), 0o600))

	t.Setenv("POKIFY_CONFIG_FILE", path)
	t.Setenv("POKIFY_FLOOD_LIMIT", "250")
	t.Setenv("POKIFY_GLOBAL_RATE", "12.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, TransportHTTP, cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 250, cfg.FloodLimit, "environment wins over file")
	assert.Equal(t, 12.5, cfg.GlobalRate)
	assert.False(t, cfg.MDNS)
	assert.Equal(t, defaultDatabasePath, cfg.DatabasePath, "unset keys keep defaults")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("POKIFY_CONFIG_FILE", "")

	t.Setenv("POKIFY_HTTP_PORT", "eighty")
	_, err := Load()
	assert.ErrorContains(t, err, "invalid POKIFY_HTTP_PORT")

	t.Setenv("POKIFY_HTTP_PORT", "")
	t.Setenv("POKIFY_DEDUP_TTL", "soon")
	_, err = Load()
	assert.ErrorContains(t, err, "invalid POKIFY_DEDUP_TTL")

	t.Setenv("POKIFY_DEDUP_TTL", "")
	t.Setenv("POKIFY_TRANSPORT", "mqtt-external")
	_, err = Load()
	assert.ErrorContains(t, err, "needs a transport url")

	t.Setenv("POKIFY_TRANSPORT", "pigeon")
	_, err = Load()
	assert.ErrorContains(t, err, "unknown transport")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("POKIFY_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "read config file")
}
