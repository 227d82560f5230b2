package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/snapshot"
	"golang.org/x/sync/errgroup"
)

const (
	methodToolsList = "tools/list"
	methodToolsCall = "tools/call"
)

// Gateway serves one MCP server whose tool catalog is the merged, namespaced
// catalog of every end server in the registry. A reconciler keeps the
// registry in line with a snapshot source.
type Gateway struct {
	opts   Options
	logger zerolog.Logger

	registry   *Registry
	reconciler *Reconciler
	progress   *progressTracker
	hub        *connHub
	sessions   *sessionManager

	server      *mcp.Server
	mux         *http.ServeMux
	httpHandler http.Handler

	baseCtx    context.Context
	cancelBase context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	pollDone    chan struct{}

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway that reconciles against source. No end server
// is contacted until Start.
func NewGateway(source snapshot.Source, opts *Options) (*Gateway, error) {
	if source == nil {
		return nil, fmt.Errorf("mcpgateway: snapshot source is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil && options.APIKey == "" {
		return nil, fmt.Errorf("mcpgateway: TokenOptions requires APIKey or TokenVerifier")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:       options,
		logger:     *options.Logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	g.progress = newProgressTracker(g.logger)
	g.hub = newConnHub(g.logger, options.RPCLogger)
	g.registry = NewRegistry(&RegistryOptions{
		Logger:         options.Logger,
		Actor:          options.Actor,
		SyncTimeout:    options.SyncTimeout,
		OnNotification: g.handleEndServerNotification,
	})
	g.reconciler = NewReconciler(g.registry, source, &ReconcilerOptions{
		Logger:       options.Logger,
		Interval:     options.PollInterval,
		SetupTimeout: options.SyncTimeout,
		OnChange:     g.NotifyToolsChanged,
	})

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools: true,
	})
	g.server.AddReceivingMiddleware(g.routeTools)

	g.sessions = newSessionManager(g)
	g.mux = http.NewServeMux()
	g.httpHandler = g.mountHandler()
	return g, nil
}

// Options returns the effective gateway options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Registry exposes the gateway's end server registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Handler exposes the HTTP handler serving the MCP endpoint and /healthz.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// SessionCount returns the number of connected clients across HTTP sessions
// and stdio.
func (g *Gateway) SessionCount() int {
	return g.hub.count()
}

// Start runs the initial reconciliation and starts periodic reconciliation.
// A failing snapshot fetch is logged and the gateway starts without end
// servers.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	if g.started {
		g.lifecycleMu.Unlock()
		return fmt.Errorf("mcpgateway: already started")
	}
	g.started = true
	g.pollDone = make(chan struct{})
	done := g.pollDone
	g.lifecycleMu.Unlock()

	if _, err := g.reconciler.Tick(ctx); err != nil {
		g.logger.Error().Err(err).Msg("initial end server sync failed, continuing without end servers")
	}
	g.logger.Info().Int("end_servers", g.registry.Len()).Msg("end servers installed, gateway ready")

	go func() {
		defer close(done)
		g.reconciler.Run(g.baseCtx)
	}()
	return nil
}

// NotifyToolsChanged sends notifications/tools/list_changed to every
// connected client.
func (g *Gateway) NotifyToolsChanged(ctx context.Context) {
	sent := g.hub.broadcast(ctx, endserver.NotificationToolListChanged, nil)
	g.logger.Debug().Int("clients", sent).Msg("tools list changed notification sent")
}

// ListenAndServe runs an HTTP server until ctx is cancelled or the server
// stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		g.httpServerMu.Unlock()
		return ErrAlreadyRunning
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	// Open SSE streams never go idle, so sessions are closed as soon as the
	// listener stops accepting.
	srv.RegisterOnShutdown(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		g.sessions.closeAll(closeCtx)
	})
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.logger.Info().Str("addr", g.opts.Addr).Str("path", g.opts.Path).Msg("MCP HTTP endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Run serves a single client over t until the client disconnects or ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context, t mcp.Transport) error {
	return g.server.Run(ctx, g.hub.wrap(t))
}

// ServeStdio serves a single client over the process's stdin and stdout.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	g.logger.Info().Msg("serving MCP over stdio")
	return g.Run(ctx, &mcp.StdioTransport{})
}

// Shutdown stops reconciliation, the HTTP listener, every client session and
// every end server transport. It returns once everything is closed or
// ShutdownTimeout elapses.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.ShutdownTimeout)
	defer cancel()

	g.cancelBase()
	g.lifecycleMu.Lock()
	done := g.pollDone
	g.lifecycleMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			g.logger.Warn().Msg("reconciliation did not stop before shutdown timeout")
		}
	}

	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()

	grp, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		grp.Go(func() error {
			if err := srv.Shutdown(gctx); err != nil {
				g.logger.Warn().Err(err).Msg("stopping HTTP listener")
			}
			return nil
		})
	}
	grp.Go(func() error {
		g.sessions.closeAll(gctx)
		return nil
	})
	grp.Go(func() error {
		return g.registry.CloseAll(gctx, "gateway shutting down")
	})
	err := grp.Wait()
	g.logger.Info().Msg("gateway shut down")
	return err
}

// routeTools answers tools/list and tools/call from the registry. Every
// other method goes to the SDK's handlers.
func (g *Gateway) routeTools(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		switch method {
		case methodToolsList:
			g.logger.Debug().Msg("client requested tools list")
			return &mcp.ListToolsResult{Tools: g.registry.ListTools(ctx)}, nil
		case methodToolsCall:
			return g.callTool(ctx, req)
		default:
			return next(ctx, method, req)
		}
	}
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      map[string]any  `json:"_meta,omitempty"`
}

func (g *Gateway) callTool(ctx context.Context, req mcp.Request) (mcp.Result, error) {
	callReq, ok := req.(*mcp.CallToolRequest)
	if !ok || callReq.Params == nil {
		return nil, fmt.Errorf("mcpgateway: unexpected tools/call request %T", req)
	}
	var call callToolParams
	if raw, err := json.Marshal(callReq.Params); err != nil {
		return nil, fmt.Errorf("mcpgateway: encode call params: %w", err)
	} else if err := json.Unmarshal(raw, &call); err != nil {
		return nil, fmt.Errorf("mcpgateway: decode call params: %w", err)
	}
	g.logger.Debug().Str("tool", call.Name).Msg("client called tool")

	params := make(map[string]any, 2)
	if len(call.Arguments) > 0 {
		params["arguments"] = call.Arguments
	}
	meta := make(map[string]any, len(call.Meta))
	for k, v := range call.Meta {
		meta[k] = v
	}
	if token, ok := meta["progressToken"]; ok {
		delete(meta, "progressToken")
		var sink progressSink
		if callReq.Session != nil {
			sink = callReq.Session
		}
		if _, ns, namespaced := ParseNamespacedToolName(call.Name); namespaced {
			if gwToken, release, tracked := g.progress.track(ctx, ns, sink, token); tracked {
				defer release()
				meta["progressToken"] = gwToken
			}
		}
	}
	if len(meta) > 0 {
		params["_meta"] = meta
	}

	res, err := g.registry.CallTool(ctx, call.Name, params)
	if err != nil {
		g.logger.Warn().Err(err).Str("tool", call.Name).Msg("tool call rejected")
		return nil, err
	}
	return res, nil
}

func (g *Gateway) handleEndServerNotification(_ context.Context, n endserver.Notification) {
	switch n.Method {
	case endserver.NotificationToolListChanged:
		g.logger.Info().Str("server", n.ServerID).Msg("end server tools changed")
		go g.NotifyToolsChanged(g.baseCtx)
	case endserver.NotificationProgress:
		g.progress.forward(n.ServerID, n.Params)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	g.mux.Handle(path, g.authenticate(g.sessions))
	g.mux.HandleFunc("/healthz", g.serveHealth)

	corsOpts := defaultCORSOptions()
	if g.opts.CORS != nil {
		corsOpts = *g.opts.CORS
	}
	return cors.New(corsOpts).Handler(g.mux)
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"endServers": g.registry.Len(),
		"sessions":   g.SessionCount(),
	})
}
