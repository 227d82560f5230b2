package endserver

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProtocolVersion is the MCP protocol version offered during initialize.
const ProtocolVersion = "2025-03-26"

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
	methodPing        = "ping"
	methodRootsList   = "roots/list"
)

// Notification methods an Actor surfaces through ActorOptions.OnNotification.
const (
	NotificationToolListChanged = "notifications/tools/list_changed"
	NotificationProgress        = "notifications/progress"
)

// Notification is a backend notification forwarded to the actor's owner.
type Notification struct {
	ServerID string
	Method   string
	Params   json.RawMessage
}

// ActorOptions configure an Actor.
type ActorOptions struct {
	// Logger receives structured diagnostics. Defaults to the global zerolog
	// logger tagged with component=endserver.
	Logger *zerolog.Logger
	// HTTPClient is the base client for streamable-http transports.
	HTTPClient *http.Client
	// ClientInfo is advertised to the end server during initialize.
	ClientInfo *mcp.Implementation
	// ProtocolVersion overrides the version offered during initialize.
	ProtocolVersion string
	// TransportFactory overrides BuildTransport.
	TransportFactory TransportFactory
	// RPCLogger, when set, observes every JSON-RPC frame on the connection.
	RPCLogger RPCLogger
	// OnNotification receives tools/list_changed and progress notifications.
	// It runs on the connection's read goroutine and must not block.
	OnNotification func(context.Context, Notification)
}

func (o *ActorOptions) withDefaults() ActorOptions {
	if o == nil {
		o = &ActorOptions{}
	}
	opts := *o
	if opts.Logger == nil {
		logger := log.With().Str("component", "endserver").Logger()
		opts.Logger = &logger
	}
	if opts.ClientInfo == nil {
		opts.ClientInfo = &mcp.Implementation{Name: "Nexus L2 MCP Proxy Client", Version: "1.0.0"}
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = ProtocolVersion
	}
	return opts
}

// Actor owns the transport to one end server and correlates the requests
// issued over it.
type Actor struct {
	desc   Descriptor
	opts   ActorOptions
	logger zerolog.Logger

	mu        sync.Mutex
	token     string
	transport mcp.Transport
	conn      mcp.Connection
	nextID    int64
	pending   map[int64]chan rpcResult
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// NewActor binds an Actor to desc. No I/O happens until CreateTransport and
// StartTransport are called.
func NewActor(desc Descriptor, opts *ActorOptions) *Actor {
	options := opts.withDefaults()
	return &Actor{
		desc:    desc,
		opts:    options,
		logger:  options.Logger.With().Str("server", desc.ID).Str("server_name", desc.Name).Str("transport", string(TransportOf(desc.Config))).Logger(),
		token:   NormalizeToken(desc.AccessToken),
		nextID:  1,
		pending: make(map[int64]chan rpcResult),
	}
}

// ID returns the descriptor id.
func (a *Actor) ID() string { return a.desc.ID }

// Descriptor returns the descriptor the actor was built from.
func (a *Actor) Descriptor() Descriptor { return a.desc }

// AccessToken returns the normalized token currently injected into HTTP
// requests.
func (a *Actor) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// UpdateAccessToken swaps the token used for subsequent HTTP requests without
// rebuilding the transport.
func (a *Actor) UpdateAccessToken(token string) {
	a.mu.Lock()
	a.token = NormalizeToken(token)
	a.mu.Unlock()
}

// HasTransport reports whether CreateTransport succeeded and the transport
// has not been closed since.
func (a *Actor) HasTransport() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport != nil
}

// Live reports whether the transport is started and can carry requests.
func (a *Actor) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// PendingCount returns the number of requests awaiting a response.
func (a *Actor) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// CreateTransport validates the descriptor's required environment variables
// and builds its transport. It returns a *MissingEnvError when a required
// variable has no value.
func (a *Actor) CreateTransport() error {
	if missing := a.desc.MissingEnv(); len(missing) > 0 {
		a.logger.Warn().Strs("missing", missing).Msg("required environment variables missing")
		return &MissingEnvError{ServerID: a.desc.ID, Keys: missing}
	}
	if a.HasTransport() {
		return ErrTransportExists
	}

	var (
		transport mcp.Transport
		err       error
	)
	if a.opts.TransportFactory != nil {
		transport, err = a.opts.TransportFactory(a.desc, a.AccessToken)
	} else {
		transport, err = BuildTransport(a.desc, a.AccessToken, a.opts.HTTPClient)
	}
	if err != nil {
		return err
	}
	if a.opts.RPCLogger != nil {
		transport = &loggingTransport{serverID: a.desc.ID, delegate: transport, logger: a.opts.RPCLogger}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport != nil {
		return ErrTransportExists
	}
	a.transport = transport
	return nil
}

// StartTransport opens the connection (spawning the child process or
// preparing the HTTP session) and starts reading from it.
func (a *Actor) StartTransport(ctx context.Context) error {
	a.mu.Lock()
	transport := a.transport
	started := a.conn != nil
	a.mu.Unlock()
	if transport == nil {
		return ErrNoTransport
	}
	if started {
		return nil
	}

	conn, err := transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("endserver: start %s: %w", a.desc.ID, err)
	}

	a.mu.Lock()
	if a.transport != transport || a.conn != nil {
		a.mu.Unlock()
		_ = conn.Close()
		if a.Live() {
			return nil
		}
		return &TransportClosedError{Reason: "transport closed during start"}
	}
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn)
	return nil
}

// InitializeConnection performs the MCP initialize handshake.
func (a *Actor) InitializeConnection(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": a.opts.ProtocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": false},
		},
		"clientInfo": a.opts.ClientInfo,
	}
	raw, err := a.SendRequest(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("%s error: %w", a.desc.Name, err)
	}
	var res mcp.InitializeResult
	if err := decodeResult(raw, &res); err != nil {
		return fmt.Errorf("%s error: %w", a.desc.Name, err)
	}
	event := a.logger.Info().Str("protocol", res.ProtocolVersion)
	if res.ServerInfo != nil {
		event = event.Str("remote_name", res.ServerInfo.Name).Str("remote_version", res.ServerInfo.Version)
	}
	event.Msg("end server initialized")
	if err := a.Notify(ctx, methodInitialized, map[string]any{}); err != nil {
		return fmt.Errorf("%s error: %w", a.desc.Name, err)
	}
	return nil
}

// Connect creates, starts, and initializes the transport. On failure the
// transport is closed again so the actor is left without one.
func (a *Actor) Connect(ctx context.Context) error {
	if err := a.CreateTransport(); err != nil {
		return err
	}
	if err := a.StartTransport(ctx); err != nil {
		a.CloseTransport("start failed")
		return err
	}
	if err := a.InitializeConnection(ctx); err != nil {
		a.CloseTransport("initialize failed")
		return err
	}
	return nil
}

// SendRequest issues a JSON-RPC request and waits for the matching response,
// the transport closing, or ctx ending.
func (a *Actor) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil, ErrNoTransport
	}
	id := a.nextID
	a.nextID++
	ch := make(chan rpcResult, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	reqID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		a.dropPending(id)
		return nil, err
	}
	if err := conn.Write(ctx, &jsonrpc.Request{ID: reqID, Method: method, Params: rawParams}); err != nil {
		a.dropPending(id)
		if IsAuthFailure(err) {
			a.logger.Warn().Err(err).Msg("end server rejected access token")
			a.teardown(conn, ReasonUnauthorized)
		} else {
			a.logger.Error().Err(err).Str("method", method).Msg("write to end server failed")
		}
		return nil, fmt.Errorf("endserver: %s %s: %w", a.desc.ID, method, err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		a.dropPending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification.
func (a *Actor) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNoTransport
	}
	return conn.Write(ctx, &jsonrpc.Request{Method: method, Params: rawParams})
}

// ListTools follows tools/list pagination until the cursor is exhausted and
// returns the concatenated pages. End servers that do not implement tools
// yield an empty list.
func (a *Actor) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var (
		tools  []*mcp.Tool
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := a.SendRequest(ctx, methodToolsList, params)
		if err != nil {
			if isMethodUnavailableError(err) {
				a.logger.Debug().Err(err).Msg("end server does not list tools")
				return nil, nil
			}
			return nil, err
		}
		var page mcp.ListToolsResult
		if err := decodeResult(raw, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes tools/call with name merged into params.
func (a *Actor) CallTool(ctx context.Context, name string, params map[string]any) (*mcp.CallToolResult, error) {
	merged := make(map[string]any, len(params)+1)
	maps.Copy(merged, params)
	merged["name"] = name
	raw, err := a.SendRequest(ctx, methodToolsCall, merged)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := decodeResult(raw, &res); err != nil {
		return nil, err
	}
	if res.Content == nil {
		res.Content = []mcp.Content{}
	}
	return &res, nil
}

// CloseTransport fails every pending request with reason, closes the
// connection, and forgets the transport. Close errors are logged and
// swallowed. Calling it on an actor without a transport is a no-op.
func (a *Actor) CloseTransport(reason string) {
	a.teardown(nil, reason)
}

func (a *Actor) teardown(expected mcp.Connection, reason string) {
	a.mu.Lock()
	if expected != nil && a.conn != expected {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	hadTransport := a.transport != nil
	pending := a.pending
	a.pending = make(map[int64]chan rpcResult)
	a.conn = nil
	a.transport = nil
	a.mu.Unlock()

	closed := &TransportClosedError{Reason: reason}
	for _, ch := range pending {
		ch <- rpcResult{err: closed}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			a.logger.Debug().Err(err).Msg("closing end server connection")
		}
	}
	if hadTransport {
		a.logger.Info().Str("reason", reason).Int("rejected", len(pending)).Msg("end server transport closed")
	}
}

func (a *Actor) dropPending(id int64) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *Actor) readLoop(conn mcp.Connection) {
	ctx := context.Background()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			a.handleReadError(conn, err)
			return
		}
		a.handleMessage(ctx, conn, msg)
	}
}

func (a *Actor) handleReadError(conn mcp.Connection, err error) {
	a.mu.Lock()
	current := a.conn == conn
	a.mu.Unlock()
	if !current {
		return
	}
	if IsAuthFailure(err) {
		a.logger.Warn().Err(err).Msg("end server rejected access token")
		a.teardown(conn, ReasonUnauthorized)
		return
	}
	a.logger.Error().Err(err).Msg("end server connection failed")
	a.teardown(conn, "transport closed: "+err.Error())
}

func (a *Actor) handleMessage(ctx context.Context, conn mcp.Connection, msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		a.handleResponse(conn, m)
	case *jsonrpc.Request:
		if m.ID.IsValid() {
			a.answerRequest(ctx, conn, m)
			return
		}
		a.handleNotification(ctx, m)
	default:
		a.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("unexpected message from end server")
	}
}

func (a *Actor) handleResponse(conn mcp.Connection, resp *jsonrpc.Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		a.logger.Warn().Interface("id", resp.ID.Raw()).Msg("response with non-numeric id")
		return
	}
	a.mu.Lock()
	ch, found := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !found {
		a.logger.Debug().Int64("id", id).Msg("response for unknown request")
		return
	}
	if resp.Error != nil {
		ch <- rpcResult{err: fmt.Errorf("%w: %s", ErrEndServer, resp.Error.Error())}
		if IsAuthFailure(resp.Error) {
			a.logger.Warn().Err(resp.Error).Msg("end server rejected access token")
			a.teardown(conn, ReasonUnauthorized)
		}
		return
	}
	ch <- rpcResult{result: resp.Result}
}

func (a *Actor) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch req.Method {
	case NotificationToolListChanged, NotificationProgress:
		if a.opts.OnNotification != nil {
			a.opts.OnNotification(ctx, Notification{ServerID: a.desc.ID, Method: req.Method, Params: req.Params})
		}
	default:
		a.logger.Debug().Str("method", req.Method).Msg("ignoring end server notification")
	}
}

// answerRequest replies to requests initiated by the end server. Only ping
// and roots/list are supported.
func (a *Actor) answerRequest(ctx context.Context, conn mcp.Connection, req *jsonrpc.Request) {
	resp := &jsonrpc.Response{ID: req.ID}
	switch req.Method {
	case methodPing:
		resp.Result = json.RawMessage(`{}`)
	case methodRootsList:
		resp.Result = json.RawMessage(`{"roots":[]}`)
	default:
		a.logger.Debug().Str("method", req.Method).Msg("rejecting end server request")
		resp.Error = fmt.Errorf("method not found: %s", req.Method)
	}
	if err := conn.Write(ctx, resp); err != nil {
		a.logger.Warn().Err(err).Str("method", req.Method).Msg("reply to end server failed")
	}
}

func numericID(id jsonrpc.ID) (int64, bool) {
	switch v := id.Raw().(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("endserver: encode params: %w", err)
	}
	return raw, nil
}

func decodeResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return ErrInvalidResponse
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
