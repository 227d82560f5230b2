package mcpgateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

// connHub tracks every client connection attached to the shared server so
// gateway-level notifications can be written to all of them.
type connHub struct {
	logger    zerolog.Logger
	rpcLogger endserver.RPCLogger

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

func newConnHub(logger zerolog.Logger, rpcLogger endserver.RPCLogger) *connHub {
	return &connHub{
		logger:    logger,
		rpcLogger: rpcLogger,
		conns:     make(map[*hubConn]struct{}),
	}
}

// wrap returns a transport whose connections register with the hub until
// they are closed.
func (h *connHub) wrap(t mcp.Transport) mcp.Transport {
	return &hubTransport{hub: h, delegate: t}
}

func (h *connHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// broadcast writes a notification to every tracked connection. Write
// failures are logged per connection.
func (h *connHub) broadcast(ctx context.Context, method string, params any) int {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			h.logger.Error().Err(err).Str("method", method).Msg("encoding notification")
			return 0
		}
		raw = encoded
	}

	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if len(conns) == 0 {
		h.logger.Debug().Str("method", method).Msg("no clients connected to receive notification")
		return 0
	}
	sent := 0
	for _, c := range conns {
		if err := c.Write(ctx, &jsonrpc.Request{Method: method, Params: raw}); err != nil {
			h.logger.Warn().Err(err).Str("method", method).Str("session", c.SessionID()).Msg("sending notification")
			continue
		}
		sent++
	}
	return sent
}

func (h *connHub) add(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *connHub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type hubTransport struct {
	hub      *connHub
	delegate mcp.Transport
}

func (t *hubTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	c := &hubConn{hub: t.hub, delegate: conn}
	t.hub.add(c)
	return c, nil
}

type hubConn struct {
	hub       *connHub
	delegate  mcp.Connection
	closeOnce sync.Once
	logMu     sync.Mutex
}

func (c *hubConn) SessionID() string { return c.delegate.SessionID() }

func (c *hubConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(endserver.RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *hubConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(endserver.RPCDirectionSend, msg)
	return nil
}

func (c *hubConn) Close() error {
	c.closeOnce.Do(func() { c.hub.remove(c) })
	return c.delegate.Close()
}

func (c *hubConn) emit(direction endserver.RPCDirection, msg jsonrpc.Message) {
	if c.hub.rpcLogger == nil {
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded, _ = json.Marshal(err.Error())
	}
	c.hub.rpcLogger(endserver.RPCLogEvent{Direction: direction, Message: encoded, ServerID: "client:" + c.SessionID()})
}
