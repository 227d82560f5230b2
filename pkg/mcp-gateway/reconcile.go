package mcpgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/snapshot"
)

// ReconcilerOptions configure a Reconciler.
type ReconcilerOptions struct {
	// Logger receives structured diagnostics.
	Logger *zerolog.Logger
	// Interval between ticks in Run. Defaults to 30s.
	Interval time.Duration
	// SetupTimeout bounds connecting one new or changed end server.
	// Defaults to 30s.
	SetupTimeout time.Duration
	// OnChange runs once after every tick that changed the registry.
	OnChange func(context.Context)
}

func (o *ReconcilerOptions) withDefaults() ReconcilerOptions {
	if o == nil {
		o = &ReconcilerOptions{}
	}
	opts := *o
	if opts.Logger == nil {
		logger := log.With().Str("component", "reconciler").Logger()
		opts.Logger = &logger
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 30 * time.Second
	}
	return opts
}

// Reconciler keeps a Registry in line with the descriptors a snapshot source
// reports.
type Reconciler struct {
	registry *Registry
	source   snapshot.Source
	opts     ReconcilerOptions
	logger   zerolog.Logger

	// tickMu serializes ticks.
	tickMu sync.Mutex
}

// NewReconciler binds registry to source.
func NewReconciler(registry *Registry, source snapshot.Source, opts *ReconcilerOptions) *Reconciler {
	options := opts.withDefaults()
	return &Reconciler{
		registry: registry,
		source:   source,
		opts:     options,
		logger:   *options.Logger,
	}
}

// Tick fetches the desired descriptors and applies the difference to the
// registry: absent ids are unregistered, new ids are registered and
// connected, and ids whose configuration changed are replaced. OnChange runs
// once if anything changed. A fetch failure aborts the tick before any
// mutation.
func (r *Reconciler) Tick(ctx context.Context) (bool, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	descs, err := r.source.Fetch(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("skipping sync, snapshot fetch failed")
		return false, fmt.Errorf("mcpgateway: fetch snapshot: %w", err)
	}
	desired := r.dedupe(descs)

	wanted := make(map[string]struct{}, len(desired))
	for _, desc := range desired {
		wanted[desc.ID] = struct{}{}
	}

	changed := false
	for _, id := range r.registry.IDs() {
		if _, ok := wanted[id]; ok {
			continue
		}
		r.logger.Info().Str("server", id).Msg("end server removed")
		if r.registry.Unregister(id) {
			changed = true
		}
	}

	for _, desc := range desired {
		if ctx.Err() != nil {
			break
		}
		existing, ok := r.registry.Descriptor(desc.ID)
		switch {
		case !ok:
			if r.add(ctx, desc) {
				changed = true
			}
		case endserver.ConfigChanged(existing, desc):
			r.logger.Info().Str("server", desc.ID).Str("server_name", desc.Name).Msg("end server configuration changed")
			r.replace(ctx, desc)
			changed = true
		}
	}

	if changed && r.opts.OnChange != nil {
		r.opts.OnChange(ctx)
	}
	return changed, nil
}

// Run ticks every Interval until ctx is cancelled. Ticks never overlap.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	r.logger.Debug().Dur("interval", r.opts.Interval).Msg("polling for end server changes")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Debug().Err(err).Msg("sync tick failed")
			}
		}
	}
}

func (r *Reconciler) add(ctx context.Context, desc endserver.Descriptor) bool {
	r.logger.Info().Str("server", desc.ID).Str("server_name", desc.Name).Msg("new end server detected")
	if _, ok := r.registry.Register(desc); !ok {
		return false
	}
	setupCtx, cancel := context.WithTimeout(ctx, r.opts.SetupTimeout)
	defer cancel()
	if err := r.registry.ConnectServer(setupCtx, desc.ID); err != nil {
		r.logger.Error().Err(err).Str("server", desc.ID).Msg("failed to set up end server")
		return false
	}
	return true
}

func (r *Reconciler) replace(ctx context.Context, desc endserver.Descriptor) {
	setupCtx, cancel := context.WithTimeout(ctx, r.opts.SetupTimeout)
	defer cancel()
	if err := r.registry.Replace(setupCtx, desc); err != nil {
		r.logger.Error().Err(err).Str("server", desc.ID).Msg("failed to reconnect end server")
	}
}

// dedupe drops descriptors without an id and repeats of an id, keeping the
// first occurrence.
func (r *Reconciler) dedupe(descs []endserver.Descriptor) []endserver.Descriptor {
	seen := make(map[string]struct{}, len(descs))
	out := make([]endserver.Descriptor, 0, len(descs))
	for _, desc := range descs {
		if desc.ID == "" {
			r.logger.Warn().Str("server_name", desc.Name).Msg("ignoring end server without id")
			continue
		}
		if _, dup := seen[desc.ID]; dup {
			r.logger.Warn().Str("server", desc.ID).Msg("ignoring duplicate end server id")
			continue
		}
		seen[desc.ID] = struct{}{}
		out = append(out, desc)
	}
	return out
}
