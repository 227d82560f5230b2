package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/config"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
	mcpgateway "github.com/vikashloomba/nexus-mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/snapshot"
)

func main() {
	transport := flag.String("transport", string(config.ModeHTTP), "client transport: http or stdio")
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	// stdout carries JSON-RPC in stdio mode, so logs always go to stderr.
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	mode, err := config.ParseMode(*transport)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid transport flag")
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatal().Err(err).Msg("failed to load environment file")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(mode); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.With().Str("component", "gateway").Logger()
	opts := &mcpgateway.Options{
		Addr:                 cfg.Addr(),
		APIKey:               cfg.APIKey,
		AllowUnauthenticated: cfg.AllowUnauthenticated,
		PollInterval:         cfg.SyncInterval,
		SyncTimeout:          cfg.SyncTimeout,
		ShutdownTimeout:      cfg.ShutdownTimeout,
		Logger:               &logger,
	}
	if cfg.LogJSONRPC {
		opts.RPCLogger = rpcLogger()
	}

	gateway, err := mcpgateway.NewGateway(newSource(cfg), opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}
	if err := gateway.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}

	var serveErr error
	switch mode {
	case config.ModeStdio:
		serveErr = gateway.ServeStdio(ctx)
	default:
		serveErr = gateway.ListenAndServe(ctx)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Error().Err(serveErr).Msg("gateway stopped unexpectedly")
	}

	log.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown incomplete")
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.Level(level)
}

func newSource(cfg config.Config) snapshot.Source {
	logger := log.With().Str("component", "snapshot").Logger()
	if cfg.DashboardURL != "" {
		log.Info().Str("dashboard", cfg.DashboardURL).Msg("loading end servers from dashboard")
		return snapshot.NewDashboardSource(cfg.DashboardURL, cfg.APIKey, &logger)
	}
	path := cfg.ServersConfig
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	log.Info().Str("config", path).Msg("loading end servers from files")
	return snapshot.NewFileSource(path, &logger)
}

func rpcLogger() endserver.RPCLogger {
	logger := log.With().Str("component", "jsonrpc").Logger()
	return func(ev endserver.RPCLogEvent) {
		logger.Debug().
			Str("server", ev.ServerID).
			Str("direction", string(ev.Direction)).
			RawJSON("message", ev.Message).
			Msg("jsonrpc")
	}
}
