package config

import "os"

// Environment variable names honoured by the CLI tooling and daemon.
const (
	EnvServerURL   = "SERVER_URL"
	EnvTeamID      = "TEAM_ID"
	EnvHostName    = "HOST_NAME"
	EnvDeviceID    = "DEVICE_ID"
	EnvCaptureRoot = "CAPTURE_ROOT"
	EnvRedisAddr   = "REDIS_ADDR"
	EnvAIBaseURL   = "AI_BASE_URL"
	EnvLogLevel    = "LOG_LEVEL"
)

// applyEnv overlays environment variables on top of the loaded config.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv(EnvTeamID); v != "" {
		c.Team = v
	}
	if v := os.Getenv(EnvCaptureRoot); v != "" {
		c.Capture.Root = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv(EnvAIBaseURL); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// HostName returns the HOST_NAME override, or def when unset.
func HostName(def string) string {
	if v := os.Getenv(EnvHostName); v != "" {
		return v
	}
	return def
}

// DeviceID returns the DEVICE_ID override, or def when unset.
func DeviceID(def string) string {
	if v := os.Getenv(EnvDeviceID); v != "" {
		return v
	}
	return def
}
