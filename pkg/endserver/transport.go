package endserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// TokenProvider returns the current access token for outbound HTTP requests.
// An empty token leaves the Authorization header unset.
type TokenProvider func() string

// TransportFactory builds the transport for a descriptor. Actors use
// BuildTransport unless ActorOptions.TransportFactory overrides it.
type TransportFactory func(desc Descriptor, token TokenProvider) (mcp.Transport, error)

// BuildTransport constructs the go-sdk client transport matching the
// descriptor's TransportConfig. The HTTP client is decorated so every
// request carries the configured headers and the token returned by token.
func BuildTransport(desc Descriptor, token TokenProvider, base *http.Client) (mcp.Transport, error) {
	switch cfg := desc.Config.(type) {
	case *StdioConfig:
		return buildStdioTransport(desc.ID, cfg)
	case *HTTPConfig:
		if cfg == nil || cfg.URL == "" {
			return nil, fmt.Errorf("endserver: url missing for %q", desc.ID)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(base, cfg.HTTPHeader(), token),
		}, nil
	default:
		return nil, fmt.Errorf("endserver: unsupported transport config for %q", desc.ID)
	}
}

func buildStdioTransport(serverID string, cfg *StdioConfig) (mcp.Transport, error) {
	if cfg == nil || cfg.Command == "" {
		return nil, fmt.Errorf("endserver: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stderr = os.Stderr
	if len(cfg.Env) > 0 {
		cmd.Env = mergeEnviron(os.Environ(), cfg.Env)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// mergeEnviron appends overrides to base in key order. exec uses the last
// value for duplicate keys.
func mergeEnviron(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}

func decorateHTTPClient(base *http.Client, headers http.Header, token TokenProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers,
		token:   token,
	}
	return &clone
}

// headerDecorator injects static headers and the bearer token into every
// request issued through one transport instance.
type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	token   TokenProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.token != nil {
		if token := NormalizeToken(d.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded, _ = json.Marshal(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}
