package mcpgateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

const mcpSessionIDHeader = "Mcp-Session-Id"

// JSON-RPC error codes used at the HTTP boundary.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
	codeBadRequest     = -32000
)

const maxRequestBody = 4 << 20

// sessionManager routes HTTP requests to per-client streamable transports,
// all connected to the gateway's single server.
type sessionManager struct {
	g      *Gateway
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*clientSession
}

type clientSession struct {
	id        string
	transport *mcp.StreamableServerTransport
	session   *mcp.ServerSession
}

func newSessionManager(g *Gateway) *sessionManager {
	return &sessionManager{
		g:        g,
		logger:   g.logger.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*clientSession),
	}
}

func (m *sessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error().Interface("panic", rec).Str("method", r.Method).Msg("handling MCP request")
			writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "Internal server error.")
		}
	}()

	normalizeAccept(r)
	switch r.Method {
	case http.MethodPost:
		m.servePOST(w, r)
	case http.MethodGet:
		if s := m.lookup(r); s != nil {
			s.transport.ServeHTTP(w, r)
			return
		}
		writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid or missing session ID")
	case http.MethodDelete:
		s := m.lookup(r)
		if s == nil {
			writeJSONRPCError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid or missing session ID")
			return
		}
		m.logger.Info().Str("session", s.id).Msg("session terminated by client")
		m.close(s)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *sessionManager) servePOST(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID != "" {
		s := m.get(sessionID)
		if s == nil {
			m.logger.Debug().Str("session", sessionID).Msg("unknown session")
			writeJSONRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: No valid session ID provided")
			return
		}
		w.Header().Set(mcpSessionIDHeader, s.id)
		s.transport.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, codeParseError, "Parse error")
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, codeParseError, "Parse error")
		return
	}
	if req, ok := msg.(*jsonrpc.Request); !ok || req.Method != "initialize" || !req.ID.IsValid() {
		writeJSONRPCError(w, http.StatusBadRequest, codeBadRequest, "Bad Request: No valid session ID provided")
		return
	}

	s, err := m.open()
	if err != nil {
		m.logger.Error().Err(err).Msg("creating session")
		writeJSONRPCError(w, http.StatusInternalServerError, codeInternalError, "Internal server error.")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	w.Header().Set(mcpSessionIDHeader, s.id)
	s.transport.ServeHTTP(w, r)
}

func (m *sessionManager) open() (*clientSession, error) {
	id := uuid.NewString()
	transport := &mcp.StreamableServerTransport{SessionID: id}
	ss, err := m.g.server.Connect(m.g.baseCtx, m.g.hub.wrap(transport), nil)
	if err != nil {
		return nil, err
	}
	s := &clientSession{id: id, transport: transport, session: ss}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.logger.Info().Str("session", id).Msg("session created")

	go func() {
		_ = ss.Wait()
		m.remove(s)
		m.logger.Debug().Str("session", id).Msg("session closed")
	}()
	return s, nil
}

func (m *sessionManager) lookup(r *http.Request) *clientSession {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		return nil
	}
	return m.get(id)
}

func (m *sessionManager) get(id string) *clientSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *sessionManager) remove(s *clientSession) {
	m.mu.Lock()
	if current, ok := m.sessions[s.id]; ok && current == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

func (m *sessionManager) close(s *clientSession) {
	m.remove(s)
	if err := s.session.Close(); err != nil {
		m.logger.Debug().Err(err).Str("session", s.id).Msg("closing session")
	}
}

// closeAll closes every session concurrently, giving up when ctx ends.
func (m *sessionManager) closeAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*clientSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.logger.Debug().Str("session", s.id).Msg("closing session")
			m.close(s)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Int("sessions", len(sessions)).Msg("timed out closing sessions")
	}
}

// normalizeAccept makes requests from clients that omit one of the media
// types acceptable to the streamable transport.
func normalizeAccept(r *http.Request) {
	accept := r.Header.Get("Accept")
	switch r.Method {
	case http.MethodPost:
		if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
			r.Header.Set("Accept", "application/json, text/event-stream")
		}
	case http.MethodGet:
		if !strings.Contains(accept, "text/event-stream") {
			r.Header.Set("Accept", "text/event-stream")
		}
	}
}

type jsonrpcErrorBody struct {
	JSONRPC string `json:"jsonrpc"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID any `json:"id"`
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	body := jsonrpcErrorBody{JSONRPC: "2.0"}
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// authenticate enforces bearer tokens on the MCP endpoint unless
// unauthenticated access is enabled.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	if g.opts.AllowUnauthenticated {
		g.logger.Warn().Msg("MCP endpoint accepts unauthenticated requests")
		return next
	}
	verifier := g.opts.TokenVerifier
	if verifier == nil {
		verifier = apiKeyVerifier(g.opts.APIKey)
	}
	return auth.RequireBearerToken(verifier, g.opts.TokenOptions)(next)
}

// apiKeyVerifier accepts exactly key. An empty key rejects every token.
func apiKeyVerifier(key string) auth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		if key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
