// Package config loads the gateway process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envAPIKey               = "API_KEY"
	envAllowUnauthenticated = "ALLOW_UNAUTHENTICATED_MCP"
	envHTTPPort             = "HTTP_SERVER_PORT"
	envServersConfig        = "MCP_SERVERS_CONFIG"
	envDashboardURL         = "DASHBOARD_URL"
	envSyncInterval         = "SYNC_INTERVAL"
	envSyncTimeout          = "SYNC_TIMEOUT"
	envShutdownTimeout      = "SHUTDOWN_TIMEOUT"
	envLogLevel             = "LOG_LEVEL"
	envLogFormat            = "LOG_FORMAT"
	envLogJSONRPC           = "LOG_JSONRPC"

	defaultHTTPPort        = 3001
	defaultServersConfig   = "servers/config.yml"
	defaultSyncInterval    = 30 * time.Second
	defaultSyncTimeout     = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"

	minHTTPPort = 1028
	maxHTTPPort = 49150
)

// Mode selects how the gateway is exposed to clients.
type Mode string

const (
	ModeHTTP  Mode = "http"
	ModeStdio Mode = "stdio"
)

// ParseMode accepts "http" or "stdio".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeHTTP:
		return ModeHTTP, nil
	case ModeStdio:
		return ModeStdio, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want http or stdio)", s)
	}
}

// Config captures runtime settings for the gateway.
type Config struct {
	APIKey               string
	AllowUnauthenticated bool
	HTTPPort             int
	ServersConfig        string
	DashboardURL         string
	SyncInterval         time.Duration
	SyncTimeout          time.Duration
	ShutdownTimeout      time.Duration
	LogLevel             string
	LogFormat            string
	LogJSONRPC           bool
}

// LoadDotEnv loads variables from the given files, or ".env" when none are
// named, without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables. Mode-specific
// requirements are checked by Validate.
func Load() (Config, error) {
	port := defaultHTTPPort
	if raw := strings.TrimSpace(os.Getenv(envHTTPPort)); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envHTTPPort, err)
		}
		port = parsed
	}

	dashboardURL := strings.TrimSpace(os.Getenv(envDashboardURL))
	if dashboardURL != "" {
		u, err := url.Parse(dashboardURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDashboardURL, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return Config{}, fmt.Errorf("%s must be an absolute URL", envDashboardURL)
		}
	}

	cfg := Config{
		APIKey:               strings.TrimSpace(os.Getenv(envAPIKey)),
		AllowUnauthenticated: getBool(envAllowUnauthenticated, false),
		HTTPPort:             port,
		ServersConfig:        getString(envServersConfig, defaultServersConfig),
		DashboardURL:         dashboardURL,
		SyncInterval:         getDuration(envSyncInterval, defaultSyncInterval),
		SyncTimeout:          getDuration(envSyncTimeout, defaultSyncTimeout),
		ShutdownTimeout:      getDuration(envShutdownTimeout, defaultShutdownTimeout),
		LogLevel:             strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		LogFormat:            strings.ToLower(getString(envLogFormat, defaultLogFormat)),
		LogJSONRPC:           getBool(envLogJSONRPC, false),
	}
	return cfg, nil
}

// Validate checks the settings required by mode.
func (c Config) Validate(mode Mode) error {
	if c.DashboardURL != "" && c.APIKey == "" {
		return fmt.Errorf("%s is required when %s is set", envAPIKey, envDashboardURL)
	}
	if mode != ModeHTTP {
		return nil
	}
	if c.APIKey == "" && !c.AllowUnauthenticated {
		return fmt.Errorf("%s is required unless %s=true", envAPIKey, envAllowUnauthenticated)
	}
	if c.HTTPPort < minHTTPPort || c.HTTPPort > maxHTTPPort {
		return fmt.Errorf("%s must be between %d and %d", envHTTPPort, minHTTPPort, maxHTTPPort)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
