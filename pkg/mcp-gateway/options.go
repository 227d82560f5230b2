package mcpgateway

import (
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway to downstream clients.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":3001".
	Addr string
	// Path mounts the MCP endpoint. Defaults to "/mcp".
	Path string
	// APIKey is the bearer token clients must present on the HTTP endpoint.
	// When neither APIKey nor TokenVerifier is set every request is rejected
	// unless AllowUnauthenticated is true.
	APIKey string
	// AllowUnauthenticated disables bearer token checks on the HTTP endpoint.
	AllowUnauthenticated bool
	// TokenVerifier replaces the API key comparison.
	TokenVerifier auth.TokenVerifier
	// TokenOptions are passed to auth.RequireBearerToken. Requires APIKey or
	// TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// CORS overrides the default policy, which allows every origin and
	// exposes the Mcp-Session-Id header.
	CORS *cors.Options
	// PollInterval is the reconciliation period. Defaults to 30s.
	PollInterval time.Duration
	// SyncTimeout bounds each end server's setup and tools/list round trips.
	// Defaults to 30s.
	SyncTimeout time.Duration
	// ShutdownTimeout bounds Shutdown. Defaults to 5s.
	ShutdownTimeout time.Duration
	// Logger receives structured diagnostics.
	Logger *zerolog.Logger
	// RPCLogger observes JSON-RPC frames on client and end server connections.
	RPCLogger endserver.RPCLogger
	// HTTPClient is the base client for streamable-http end servers.
	HTTPClient *http.Client
	// Actor is the template for end server actors. Logger, HTTPClient and
	// RPCLogger fall back to the gateway's values.
	Actor endserver.ActorOptions
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "Nexus L2 MCP",
			Version: "0.1.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":3001"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		logger := log.With().Str("component", "gateway").Logger()
		opts.Logger = &logger
	}
	if opts.Actor.Logger == nil {
		opts.Actor.Logger = opts.Logger
	}
	if opts.Actor.HTTPClient == nil {
		opts.Actor.HTTPClient = opts.HTTPClient
	}
	if opts.Actor.RPCLogger == nil {
		opts.Actor.RPCLogger = opts.RPCLogger
	}
	return opts
}

func defaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Authorization", mcpSessionIDHeader, "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{mcpSessionIDHeader},
	}
}
