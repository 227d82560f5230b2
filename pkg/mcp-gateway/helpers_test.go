package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func testDescriptor(id string) endserver.Descriptor {
	return endserver.Descriptor{
		ID:          id,
		Name:        "Server " + id,
		Description: "test server " + id,
		Category:    "official",
		Config:      &endserver.StdioConfig{Command: "unused"},
	}
}

// fleet hands out scripted end servers to actors by descriptor id.
type fleet struct {
	mu       sync.Mutex
	backends map[string]*scriptedBackend
}

func newFleet() *fleet {
	return &fleet{backends: make(map[string]*scriptedBackend)}
}

func (f *fleet) add(id string, tools ...string) *scriptedBackend {
	b := &scriptedBackend{name: id, tools: tools}
	f.mu.Lock()
	f.backends[id] = b
	f.mu.Unlock()
	return b
}

func (f *fleet) factory(desc endserver.Descriptor, _ endserver.TokenProvider) (mcp.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[desc.ID]
	if !ok {
		return nil, fmt.Errorf("no scripted backend for %s", desc.ID)
	}
	return b, nil
}

func (f *fleet) actorOptions() endserver.ActorOptions {
	return endserver.ActorOptions{Logger: nopLogger(), TransportFactory: f.factory}
}

// scriptedBackend is an mcp.Transport whose connections answer initialize,
// tools/list, and tools/call from canned data.
type scriptedBackend struct {
	name string

	mu         sync.Mutex
	tools      []string
	listErr    error
	callErr    error
	connects   int
	conns      []*scriptedConn
	calls      []scriptedCall
	progressOn bool
}

type scriptedCall struct {
	Tool      string
	Arguments json.RawMessage
	Meta      map[string]any
}

func (b *scriptedBackend) setTools(tools ...string) {
	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
}

func (b *scriptedBackend) failList(err error) {
	b.mu.Lock()
	b.listErr = err
	b.mu.Unlock()
}

func (b *scriptedBackend) failCalls(err error) {
	b.mu.Lock()
	b.callErr = err
	b.mu.Unlock()
}

func (b *scriptedBackend) emitProgress() {
	b.mu.Lock()
	b.progressOn = true
	b.mu.Unlock()
}

func (b *scriptedBackend) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *scriptedBackend) recordedCalls() []scriptedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]scriptedCall(nil), b.calls...)
}

// notify pushes a notification on every open connection.
func (b *scriptedBackend) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	b.mu.Lock()
	conns := append([]*scriptedConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.push(&jsonrpc.Request{Method: method, Params: raw})
	}
}

func (b *scriptedBackend) Connect(context.Context) (mcp.Connection, error) {
	c := &scriptedConn{
		backend: b,
		out:     make(chan jsonrpc.Message, 64),
		closed:  make(chan struct{}),
	}
	b.mu.Lock()
	b.connects++
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *scriptedBackend) handle(c *scriptedConn, req *jsonrpc.Request) *jsonrpc.Response {
	resp := &jsonrpc.Response{ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = json.RawMessage(`{"protocolVersion":"2025-03-26","capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"` + b.name + `","version":"1.0.0"}}`)
	case "tools/list":
		b.mu.Lock()
		tools, listErr := b.tools, b.listErr
		b.mu.Unlock()
		if listErr != nil {
			resp.Error = listErr
			return resp
		}
		listed := make([]map[string]any, 0, len(tools))
		for _, name := range tools {
			listed = append(listed, map[string]any{
				"name":        name,
				"description": "does " + name,
				"inputSchema": map[string]any{"type": "object"},
			})
		}
		resp.Result, _ = json.Marshal(map[string]any{"tools": listed})
	case "tools/call":
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			Meta      map[string]any  `json:"_meta"`
		}
		if err := json.Unmarshal(req.Params, &call); err != nil {
			resp.Error = err
			return resp
		}
		b.mu.Lock()
		b.calls = append(b.calls, scriptedCall{Tool: call.Name, Arguments: call.Arguments, Meta: call.Meta})
		progressOn, callErr := b.progressOn, b.callErr
		b.mu.Unlock()
		if callErr != nil {
			resp.Error = callErr
			return resp
		}
		if token, ok := call.Meta["progressToken"]; ok && progressOn {
			raw, _ := json.Marshal(map[string]any{"progressToken": token, "progress": 1, "total": 2})
			c.push(&jsonrpc.Request{Method: endserver.NotificationProgress, Params: raw})
		}
		text := fmt.Sprintf("%s:%s:%s", b.name, call.Name, string(call.Arguments))
		resp.Result, _ = json.Marshal(map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		})
	default:
		resp.Error = errors.New("method not found: " + req.Method)
	}
	return resp
}

type scriptedConn struct {
	backend   *scriptedBackend
	out       chan jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *scriptedConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.out:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedConn) Write(_ context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok || !req.ID.IsValid() {
		return nil
	}
	c.push(c.backend.handle(c, req))
	return nil
}

func (c *scriptedConn) push(msg jsonrpc.Message) {
	select {
	case c.out <- msg:
	case <-c.closed:
	}
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) SessionID() string { return "" }

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %+v", res)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
