package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var allVars = []string{
	envAPIKey, envAllowUnauthenticated, envHTTPPort, envServersConfig, envDashboardURL,
	envSyncInterval, envSyncTimeout, envShutdownTimeout, envLogLevel, envLogFormat, envLogJSONRPC,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allVars {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, defaultHTTPPort, cfg.HTTPPort)
	require.Equal(t, ":3001", cfg.Addr())
	require.Equal(t, defaultServersConfig, cfg.ServersConfig)
	require.Equal(t, 30*time.Second, cfg.SyncInterval)
	require.Equal(t, 30*time.Second, cfg.SyncTimeout)
	require.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
	require.False(t, cfg.AllowUnauthenticated)
	require.False(t, cfg.LogJSONRPC)
	require.Empty(t, cfg.DashboardURL)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envAPIKey, " key-123 ")
	t.Setenv(envAllowUnauthenticated, "true")
	t.Setenv(envHTTPPort, "4100")
	t.Setenv(envServersConfig, "/etc/nexus/config.yml")
	t.Setenv(envDashboardURL, "https://dashboard.example.com")
	t.Setenv(envSyncInterval, "1m")
	t.Setenv(envSyncTimeout, "bogus")
	t.Setenv(envLogLevel, "DEBUG")
	t.Setenv(envLogFormat, "console")
	t.Setenv(envLogJSONRPC, "1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "key-123", cfg.APIKey)
	require.True(t, cfg.AllowUnauthenticated)
	require.Equal(t, 4100, cfg.HTTPPort)
	require.Equal(t, "/etc/nexus/config.yml", cfg.ServersConfig)
	require.Equal(t, "https://dashboard.example.com", cfg.DashboardURL)
	require.Equal(t, time.Minute, cfg.SyncInterval)
	require.Equal(t, defaultSyncTimeout, cfg.SyncTimeout)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "console", cfg.LogFormat)
	require.True(t, cfg.LogJSONRPC)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(envHTTPPort, "port")
	_, err := Load()
	require.Error(t, err)

	clearEnv(t)
	t.Setenv(envDashboardURL, "not a url")
	_, err = Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		mode    Mode
		wantErr bool
	}{
		{"http with key", Config{APIKey: "k", HTTPPort: 3001}, ModeHTTP, false},
		{"http without key", Config{HTTPPort: 3001}, ModeHTTP, true},
		{"http unauthenticated", Config{AllowUnauthenticated: true, HTTPPort: 3001}, ModeHTTP, false},
		{"http port too low", Config{APIKey: "k", HTTPPort: 80}, ModeHTTP, true},
		{"http port too high", Config{APIKey: "k", HTTPPort: 50000}, ModeHTTP, true},
		{"stdio without key", Config{}, ModeStdio, false},
		{"stdio ignores port", Config{HTTPPort: 1}, ModeStdio, false},
		{"dashboard without key", Config{DashboardURL: "https://d", AllowUnauthenticated: true, HTTPPort: 3001}, ModeHTTP, true},
		{"stdio dashboard without key", Config{DashboardURL: "https://d"}, ModeStdio, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate(tc.mode)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("HTTP")
	require.NoError(t, err)
	require.Equal(t, ModeHTTP, mode)
	mode, err = ParseMode("stdio")
	require.NoError(t, err)
	require.Equal(t, ModeStdio, mode)
	_, err = ParseMode("sse")
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Unsetenv(envLogFormat))
	t.Setenv(envLogLevel, "warn")
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("LOG_FORMAT=console\nLOG_LEVEL=debug\n"), 0o600))

	require.NoError(t, LoadDotEnv(file, filepath.Join(dir, "missing.env")))
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "console", cfg.LogFormat)
	require.Equal(t, "warn", cfg.LogLevel, "existing variables win over .env")
}
