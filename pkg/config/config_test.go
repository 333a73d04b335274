package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/model"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PDSNO_CONTROLLER_ID", "PDSNO_ROLE", "PDSNO_REGION", "PDSNO_NIB_DSN",
		"PDSNO_REDIS_ADDR", "PDSNO_LISTEN_ADDR", "PDSNO_PARENT_ID",
		"PDSNO_PARENT_URL", "PDSNO_HEARTBEAT_INTERVAL", "PDSNO_DISCOVERY_INTERVAL",
		"PDSNO_LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PDSNO_ROLE", "global")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, model.RoleGlobal, cfg.Role)
	assert.Equal(t, "pdsno.db", cfg.NIBDSN)
	assert.Equal(t, ":7420", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PDSNO_ROLE", "regional")
	t.Setenv("PDSNO_REGION", "zone-A")
	t.Setenv("PDSNO_PARENT_ID", "global_cntl_1")
	t.Setenv("PDSNO_NIB_DSN", "postgres://pdsno@db:5432/pdsno")
	t.Setenv("PDSNO_HEARTBEAT_INTERVAL", "30")
	t.Setenv("PDSNO_DISCOVERY_INTERVAL", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, model.RoleRegional, cfg.Role)
	assert.Equal(t, "zone-A", cfg.Region)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.DiscoveryInterval)
}

func TestLoadRejectsInvalidRole(t *testing.T) {
	clearEnv(t)
	t.Setenv("PDSNO_ROLE", "galactic")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresRegionBelowGlobal(t *testing.T) {
	clearEnv(t)
	t.Setenv("PDSNO_ROLE", "local")
	t.Setenv("PDSNO_PARENT_ID", "regional_cntl_zone-A_1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PDSNO_REGION", "zone-A")
	_, err = Load()
	assert.NoError(t, err)
}

func TestReadSecretTrimsNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef0123456789abcdef\n"), 0o600))

	secret, err := ReadSecret(path)
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}
