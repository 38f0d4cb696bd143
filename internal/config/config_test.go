package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Lease.Grace())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
team: av-team
capture:
  root: /srv/captures
  queue_size: 16
lease:
  heartbeat: 5s
  grace_multiplier: 4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "av-team", cfg.Team)
	assert.Equal(t, "/srv/captures", cfg.Capture.Root)
	assert.Equal(t, 16, cfg.Capture.QueueSize)
	assert.Equal(t, 20*time.Second, cfg.Lease.Grace())
	// Untouched fields keep defaults.
	assert.Equal(t, 3.5, cfg.Analyzer.FreezeThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvServerURL, "http://orchestrator.lan:9000")
	t.Setenv(EnvTeamID, "team-7")
	t.Setenv(EnvCaptureRoot, "/mnt/cap")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://orchestrator.lan:9000", cfg.Server.URL)
	assert.Equal(t, "team-7", cfg.Team)
	assert.Equal(t, "/mnt/cap", cfg.Capture.Root)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero heartbeat", func(c *Config) { c.Lease.Heartbeat = 0 }},
		{"grace multiplier below one", func(c *Config) { c.Lease.GraceMultiplier = 0 }},
		{"empty capture root", func(c *Config) { c.Capture.Root = "" }},
		{"audio lookback too large", func(c *Config) { c.Analyzer.AudioLookback = 4 }},
		{"audio lookback too small", func(c *Config) { c.Analyzer.AudioLookback = 0 }},
		{"zero zap window", func(c *Config) { c.Zap.WindowFrames = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestHostAndDeviceEnv(t *testing.T) {
	t.Setenv(EnvHostName, "host1")
	t.Setenv(EnvDeviceID, "device42")
	assert.Equal(t, "host1", HostName("fallback"))
	assert.Equal(t, "device42", DeviceID("fallback"))
}
