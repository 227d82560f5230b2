package mcpgateway

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
	"golang.org/x/sync/errgroup"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// Logger receives structured diagnostics.
	Logger *zerolog.Logger
	// Actor is the template used for every end server actor. Its
	// OnNotification hook is replaced by the registry.
	Actor endserver.ActorOptions
	// SyncTimeout bounds each end server's tools/list round trips while the
	// catalog is assembled.
	SyncTimeout time.Duration
	// ListConcurrency caps how many end servers are queried in parallel.
	ListConcurrency int
	// OnNotification receives notifications surfaced by any actor.
	OnNotification func(context.Context, endserver.Notification)
	// Now is used for token expiry checks.
	Now func() time.Time
}

func (o *RegistryOptions) withDefaults() RegistryOptions {
	if o == nil {
		o = &RegistryOptions{}
	}
	opts := *o
	if opts.Logger == nil {
		logger := log.With().Str("component", "registry").Logger()
		opts.Logger = &logger
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Registry owns the live set of end server actors, their namespaces, and the
// merged tool catalog.
type Registry struct {
	opts   RegistryOptions
	logger zerolog.Logger

	mu          sync.RWMutex
	nextNS      uint64
	nextSeq     uint64
	entries     map[string]*registration
	byNamespace map[string]string
}

type registration struct {
	actor     *endserver.Actor
	namespace string
	seq       uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(opts *RegistryOptions) *Registry {
	options := opts.withDefaults()
	return &Registry{
		opts:        options,
		logger:      *options.Logger,
		entries:     make(map[string]*registration),
		byNamespace: make(map[string]string),
	}
}

// Register creates an actor for desc and assigns it the next namespace. It
// returns false without registering when required environment values are
// missing or the id is already registered. No I/O is performed.
func (r *Registry) Register(desc endserver.Descriptor) (string, bool) {
	if missing := desc.MissingEnv(); len(missing) > 0 {
		r.logger.Warn().Str("server", desc.ID).Str("server_name", desc.Name).Strs("missing", missing).
			Msg("end server has missing required environment variables, skipping")
		return "", false
	}
	actor := r.newActor(desc)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.ID]; exists {
		r.logger.Warn().Str("server", desc.ID).Msg("end server already registered")
		return "", false
	}
	ns := r.allocNamespaceLocked()
	r.nextSeq++
	r.entries[desc.ID] = &registration{actor: actor, namespace: ns, seq: r.nextSeq}
	r.byNamespace[ns] = desc.ID
	r.logger.Debug().Str("server", desc.ID).Str("namespace", ns).Msg("end server registered")
	return ns, true
}

// ConnectServer creates, starts, and initializes the transport of a
// registered end server.
func (r *Registry) ConnectServer(ctx context.Context, serverID string) error {
	actor := r.Actor(serverID)
	if actor == nil {
		return fmt.Errorf("mcpgateway: end server %q not registered", serverID)
	}
	return actor.Connect(ctx)
}

// Unregister closes the end server's transport and removes it from every
// index. Its namespace is never reissued. Unknown ids are ignored.
func (r *Registry) Unregister(serverID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[serverID]
	if ok {
		delete(r.entries, serverID)
		delete(r.byNamespace, entry.namespace)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	pending := entry.actor.PendingCount()
	entry.actor.CloseTransport("end server unregistered")
	r.logger.Info().Str("server", serverID).Str("namespace", entry.namespace).Int("pending", pending).Msg("end server unregistered")
	return true
}

// Replace swaps the actor registered under desc.ID for a new one built from
// desc. The replacement is connected before the swap so tool calls never
// observe a missing id; it receives a fresh namespace and keeps the catalog
// position of the actor it replaces. A descriptor with missing required
// environment values unregisters the id instead. The returned error reports a
// failed connection of the replacement, which stays registered without a
// live transport.
func (r *Registry) Replace(ctx context.Context, desc endserver.Descriptor) error {
	if missing := desc.MissingEnv(); len(missing) > 0 {
		r.logger.Warn().Str("server", desc.ID).Strs("missing", missing).
			Msg("end server lost required environment variables, removing")
		r.Unregister(desc.ID)
		return &endserver.MissingEnvError{ServerID: desc.ID, Keys: missing}
	}

	actor := r.newActor(desc)
	connectErr := actor.Connect(ctx)

	r.mu.Lock()
	old, existed := r.entries[desc.ID]
	ns := r.allocNamespaceLocked()
	entry := &registration{actor: actor, namespace: ns}
	if existed {
		entry.seq = old.seq
		delete(r.byNamespace, old.namespace)
	} else {
		r.nextSeq++
		entry.seq = r.nextSeq
	}
	r.entries[desc.ID] = entry
	r.byNamespace[ns] = desc.ID
	r.mu.Unlock()

	if existed {
		old.actor.CloseTransport("end server configuration changed")
	}
	r.logger.Info().Str("server", desc.ID).Str("namespace", ns).Bool("connected", connectErr == nil).
		Msg("end server replaced")
	return connectErr
}

// Has reports whether serverID is registered.
func (r *Registry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[serverID]
	return ok
}

// IDs returns registered server ids in registration order.
func (r *Registry) IDs() []string {
	entries := r.snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.actor.ID()
	}
	return ids
}

// Len returns the number of registered end servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Descriptor returns the descriptor registered under serverID.
func (r *Registry) Descriptor(serverID string) (endserver.Descriptor, bool) {
	actor := r.Actor(serverID)
	if actor == nil {
		return endserver.Descriptor{}, false
	}
	return actor.Descriptor(), true
}

// Namespace returns the namespace currently assigned to serverID.
func (r *Registry) Namespace(serverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[serverID]
	if !ok {
		return "", false
	}
	return entry.namespace, true
}

// Actor returns the actor registered under serverID, or nil.
func (r *Registry) Actor(serverID string) *endserver.Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[serverID]; ok {
		return entry.actor
	}
	return nil
}

// ListTools assembles the catalog: the meta-tools followed by the tools of
// every live end server in registration order, renamed into their
// namespaces. A failing end server contributes no tools.
func (r *Registry) ListTools(ctx context.Context) []*mcp.Tool {
	entries := r.snapshot()
	perServer := make([][]*mcp.Tool, len(entries))

	var g errgroup.Group
	g.SetLimit(r.opts.ListConcurrency)
	for i, entry := range entries {
		if !entry.actor.Live() {
			r.logger.Debug().Str("server", entry.actor.ID()).Msg("skipping end server without transport")
			continue
		}
		g.Go(func() error {
			listCtx, cancel := context.WithTimeout(ctx, r.opts.SyncTimeout)
			defer cancel()
			tools, err := entry.actor.ListTools(listCtx)
			if err != nil {
				r.logger.Error().Err(err).Str("server", entry.actor.ID()).Msg("fetching end server tools")
				return nil
			}
			perServer[i] = decorateTools(tools, entry.namespace, entry.actor.Descriptor().Name)
			return nil
		})
	}
	_ = g.Wait()

	catalog := metaTools()
	for _, tools := range perServer {
		catalog = append(catalog, tools...)
	}
	r.logger.Debug().Int("end_servers", len(entries)).Int("tools", len(catalog)).Msg("tool catalog assembled")
	return catalog
}

// CallTool routes a tools/call to a meta-tool or to the owning end server.
// Names that resolve to no handler yield ErrUnknownTool. Failures reported by
// an end server are returned as an error result, not as an error.
func (r *Registry) CallTool(ctx context.Context, name string, params map[string]any) (*mcp.CallToolResult, error) {
	if handler, ok := r.metaToolHandler(name); ok {
		return handler()
	}
	toolName, ns, ok := ParseNamespacedToolName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	r.mu.RLock()
	serverID, found := r.byNamespace[ns]
	var actor *endserver.Actor
	if found {
		actor = r.entries[serverID].actor
	}
	r.mu.RUnlock()
	if actor == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	res, err := actor.CallTool(ctx, toolName, params)
	if err != nil {
		if endserver.IsUnauthorized(err) || endserver.IsAuthFailure(err) {
			r.logger.Warn().Err(err).Str("server", serverID).Str("tool", toolName).Msg("end server rejected its access token")
			return errorResult(endserver.ReasonUnauthorized), nil
		}
		r.logger.Warn().Err(err).Str("server", serverID).Str("tool", toolName).Msg("end server tool call failed")
		return errorResult(err.Error()), nil
	}
	return res, nil
}

// CloseAll closes every actor's transport concurrently. Actors stay
// registered.
func (r *Registry) CloseAll(ctx context.Context, reason string) error {
	entries := r.snapshot()
	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				entry.actor.CloseTransport(reason)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				r.logger.Warn().Str("server", entry.actor.ID()).Msg("timed out closing end server")
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

func (r *Registry) newActor(desc endserver.Descriptor) *endserver.Actor {
	if desc.TokenExpired(r.opts.Now()) {
		r.logger.Warn().Str("server", desc.ID).Str("expires_at", desc.AccessTokenExpiresAt).
			Msg("end server access token is expired or about to expire")
	}
	actorOpts := r.opts.Actor
	actorOpts.OnNotification = r.opts.OnNotification
	if actorOpts.Logger == nil {
		actorOpts.Logger = r.opts.Logger
	}
	return endserver.NewActor(desc, &actorOpts)
}

func (r *Registry) allocNamespaceLocked() string {
	ns := formatNamespace(r.nextNS)
	r.nextNS++
	return ns
}

// snapshot returns the registrations ordered by catalog position.
func (r *Registry) snapshot() []*registration {
	r.mu.RLock()
	entries := make([]*registration, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()
	slices.SortFunc(entries, func(a, b *registration) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return entries
}

func decorateTools(tools []*mcp.Tool, namespace, serverName string) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		clone := *tool
		clone.Name = NamespacedToolName(tool.Name, namespace)
		clone.Description = annotateDescription(tool.Description, serverName)
		out = append(out, &clone)
	}
	return out
}

func annotateDescription(description, serverName string) string {
	suffix := "(End Server: " + serverName + ")"
	if description == "" {
		return suffix
	}
	return description + " " + suffix
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}
