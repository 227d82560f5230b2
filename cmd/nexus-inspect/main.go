package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/config"
	mcpgateway "github.com/vikashloomba/nexus-mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/snapshot"
)

// nexus-inspect connects to every configured end server once and prints the
// merged tool catalog, without serving clients.
func main() {
	serversConfig := flag.String("config", "", "root servers config (defaults to MCP_SERVERS_CONFIG)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	verbose := flag.Bool("v", false, "log end server activity")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("failed to load environment file")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *serversConfig != "" {
		cfg.ServersConfig = *serversConfig
	}

	var source snapshot.Source = snapshot.NewFileSource(cfg.ServersConfig, nil)
	if cfg.DashboardURL != "" {
		source = snapshot.NewDashboardSource(cfg.DashboardURL, cfg.APIKey, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	registry := mcpgateway.NewRegistry(&mcpgateway.RegistryOptions{SyncTimeout: cfg.SyncTimeout})
	defer func() { _ = registry.CloseAll(context.Background(), "inspection finished") }()

	reconciler := mcpgateway.NewReconciler(registry, source, &mcpgateway.ReconcilerOptions{SetupTimeout: cfg.SyncTimeout})
	if _, err := reconciler.Tick(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load end servers")
	}

	for _, id := range registry.IDs() {
		ns, _ := registry.Namespace(id)
		status := "disconnected"
		if actor := registry.Actor(id); actor != nil && actor.Live() {
			status = "connected"
		}
		fmt.Printf("End server: %s (namespace %s) %s\n", id, ns, status)
	}

	tools := registry.ListTools(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tools); err != nil {
		log.Fatal().Err(err).Msg("failed to print catalog")
	}
}
