package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressTracker maps gateway-issued progress tokens back to the client
// session and token of the tools/call that carried them.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	logger       zerolog.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	// ctx carries the originating request's values so the notification is
	// written to that request's response stream.
	ctx      context.Context
	sink     progressSink
	original any
	seq      uint64
}

// progressCleanupGrace keeps a route alive briefly after its call returns so
// late progress notifications are still delivered.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger zerolog.Logger) *progressTracker {
	return &progressTracker{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track issues a gateway token for a call routed to namespace and remembers
// the client's original token and the call's context. The returned func
// releases the route.
func (pt *progressTracker) track(ctx context.Context, namespace string, sink progressSink, original any) (string, func(), bool) {
	if sink == nil {
		return "", func() {}, false
	}
	normalized, ok := normalizeProgressToken(original)
	if !ok {
		pt.logger.Warn().Interface("token", original).Msg("progress token unsupported")
		return "", func() {}, false
	}
	token := fmt.Sprintf("gw/%s/%d", namespace, pt.counter.Add(1))
	route := progressRoute{ctx: context.WithoutCancel(ctx), sink: sink, original: normalized}
	return token, pt.register(token, route), true
}

func (pt *progressTracker) register(token string, route progressRoute) func() {
	seq := pt.seq.Add(1)
	route.seq = seq
	pt.mu.Lock()
	pt.routes[token] = route
	pt.mu.Unlock()
	return func() {
		pt.removeLater(token, seq)
	}
}

func (pt *progressTracker) removeLater(token string, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(token, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() {
		pt.removeIfMatch(token, seq)
	})
}

func (pt *progressTracker) removeIfMatch(token string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.routes[token]; ok && current.seq == seq {
		delete(pt.routes, token)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(token any) (progressRoute, bool) {
	key, ok := token.(string)
	if !ok {
		return progressRoute{}, false
	}
	pt.mu.RLock()
	route, found := pt.routes[key]
	pt.mu.RUnlock()
	return route, found
}

// forward delivers an end server progress notification to the client that
// owns its token, restoring the client's token. It is sent in the context of
// the originating tools/call, outliving that call's cancellation.
func (pt *progressTracker) forward(serverID string, raw json.RawMessage) {
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		pt.logger.Warn().Err(err).Str("server", serverID).Msg("malformed progress notification")
		return
	}
	route, ok := pt.lookup(params.ProgressToken)
	if !ok {
		pt.logger.Debug().Str("server", serverID).Interface("token", params.ProgressToken).Msg("progress for unknown token")
		return
	}
	params.ProgressToken = route.original
	if err := route.sink.NotifyProgress(route.ctx, &params); err != nil {
		pt.logger.Warn().Err(err).Str("server", serverID).Msg("forwarding progress")
	}
}

func (pt *progressTracker) size() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.routes)
}

func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return nil, false
	}
}
